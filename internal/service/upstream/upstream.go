// Package upstream fetches raw payloads from the quote providers and hands
// them to the parsers.
package upstream

import (
	"context"
	"errors"
	"fmt"

	"FHCElite/internal/domain"
	xhttp "FHCElite/pkg/http"
)

const (
	DefaultYahooURL  = "https://query1.finance.yahoo.com"
	DefaultGoogleURL = "https://www.google.com"
	DefaultTWSEURL   = "https://openapi.twse.com.tw"

	browserUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"
)

// fetch wraps every transport, status and breaker failure in
// domain.ErrUpstreamUnavailable.
func fetch(ctx context.Context, c *xhttp.Client, source string, opts *xhttp.RequestOptions) ([]byte, error) {
	body, err := c.Fetch(ctx, opts)
	if err == nil {
		return body, nil
	}
	if errors.Is(err, context.Canceled) {
		return nil, err
	}
	return nil, fmt.Errorf("%s: %w: %v", source, domain.ErrUpstreamUnavailable, err)
}
