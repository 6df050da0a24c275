package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
)

const (
	MethodGet  = http.MethodGet
	MethodPost = http.MethodPost
)

// ClientOption configures Client.
type ClientOption func(*Client)

// RequestOptions holds HTTP request parameters.
type RequestOptions struct {
	Method      string
	URL         string
	Headers     map[string]string
	QueryParams map[string][]string
	Body        interface{}
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

// Retryable reports whether the status is worth another attempt.
func (e *StatusError) Retryable() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// RetryPolicy bounds the exponential backoff between attempts.
type RetryPolicy struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// BreakerPolicy trips the breaker after Failures consecutive failures and
// keeps it open for OpenFor.
type BreakerPolicy struct {
	Name     string
	Failures uint32
	OpenFor  time.Duration
	OnChange func(name string, from, to string)
}

// Client is an HTTP client with optional retry and circuit breaking.
type Client struct {
	timeout   time.Duration
	userAgent string
	retry     *RetryPolicy
	breaker   *gobreaker.CircuitBreaker
	client    *http.Client
}

// NewClient creates a new HTTP client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{timeout: 30 * time.Second}
	for _, opt := range opts {
		opt(c)
	}
	c.client = &http.Client{Timeout: c.timeout}
	return c
}

// WithTimeout sets the per-attempt timeout.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.timeout = timeout }
}

// WithUserAgent sets a default User-Agent header.
func WithUserAgent(ua string) ClientOption {
	return func(c *Client) { c.userAgent = ua }
}

// WithRetry retries transport errors, 429 and 5xx responses.
func WithRetry(p RetryPolicy) ClientOption {
	return func(c *Client) { c.retry = &p }
}

// WithBreaker wraps every logical request (all retries included) in a circuit breaker.
func WithBreaker(p BreakerPolicy) ClientOption {
	return func(c *Client) {
		failures := p.Failures
		if failures == 0 {
			failures = 5
		}
		c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        p.Name,
			MaxRequests: 1,
			Timeout:     p.OpenFor,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= failures
			},
			IsSuccessful: func(err error) bool {
				var se *StatusError
				if errors.As(err, &se) && !se.Retryable() {
					return true // the upstream answered; a 404 says nothing about its health
				}
				return err == nil
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				if p.OnChange != nil {
					p.OnChange(name, from.String(), to.String())
				}
			},
		})
	}
}

// ErrCircuitOpen is returned while the breaker rejects calls.
var ErrCircuitOpen = gobreaker.ErrOpenState

// Fetch performs the request and returns the body of a 2xx response.
func (c *Client) Fetch(ctx context.Context, opts *RequestOptions) ([]byte, error) {
	if c.breaker == nil {
		return c.fetchWithRetry(ctx, opts)
	}
	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.fetchWithRetry(ctx, opts)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%s: %w", c.breaker.Name(), ErrCircuitOpen)
		}
		return nil, err
	}
	return out.([]byte), nil
}

// SendAndParse fetches and decodes a JSON response into dest.
func (c *Client) SendAndParse(ctx context.Context, opts *RequestOptions, dest interface{}) error {
	body, err := c.Fetch(ctx, opts)
	if err != nil {
		return err
	}
	if dest == nil {
		return nil
	}
	if b, ok := dest.(*[]byte); ok {
		*b = body
		return nil
	}
	if err := json.Unmarshal(body, dest); err != nil {
		return fmt.Errorf("decode json: %w", err)
	}
	return nil
}

func (c *Client) fetchWithRetry(ctx context.Context, opts *RequestOptions) ([]byte, error) {
	if c.retry == nil {
		return c.fetchOnce(ctx, opts)
	}
	eb := backoff.NewExponentialBackOff()
	if c.retry.InitialInterval > 0 {
		eb.InitialInterval = c.retry.InitialInterval
	}
	if c.retry.MaxInterval > 0 {
		eb.MaxInterval = c.retry.MaxInterval
	}
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(c.retry.MaxRetries)), ctx)

	var body []byte
	err := backoff.Retry(func() error {
		b, err := c.fetchOnce(ctx, opts)
		if err != nil {
			var se *StatusError
			if errors.As(err, &se) && !se.Retryable() {
				return backoff.Permanent(err)
			}
			return err
		}
		body = b
		return nil
	}, policy)
	return body, err
}

func (c *Client) fetchOnce(ctx context.Context, opts *RequestOptions) ([]byte, error) {
	req, err := c.buildRequest(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := string(body)
		if len(snippet) > 256 {
			snippet = snippet[:256]
		}
		return nil, &StatusError{Code: resp.StatusCode, Body: snippet}
	}
	return body, nil
}

func (c *Client) buildRequest(ctx context.Context, opts *RequestOptions) (*http.Request, error) {
	var body io.Reader
	if opts.Body != nil {
		switch v := opts.Body.(type) {
		case []byte:
			body = bytes.NewReader(v)
		case string:
			body = strings.NewReader(v)
		case io.Reader:
			body = v
		default:
			b, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("marshal json: %w", err)
			}
			body = bytes.NewReader(b)
		}
	}
	method := opts.Method
	if method == "" {
		method = MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, opts.URL, body)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	if len(opts.QueryParams) > 0 {
		q := req.URL.Query()
		for key, values := range opts.QueryParams {
			for _, value := range values {
				q.Add(key, value)
			}
		}
		req.URL.RawQuery = q.Encode()
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	for key, value := range opts.Headers {
		req.Header.Set(key, value)
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}
