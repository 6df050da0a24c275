package domain

import "errors"

var (
	// ErrUpstreamUnavailable means a third-party source could not be reached
	// or answered with a non-success status.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrMalformedPayload means the upstream answered but the expected fields are missing.
	ErrMalformedPayload = errors.New("malformed payload")
	// ErrNoTimeSeries means no structural time-series match was found in the payload.
	ErrNoTimeSeries = errors.New("no time series found")
	// ErrNoData means nothing has ever been observed for the instrument.
	ErrNoData = errors.New("no data")
)
