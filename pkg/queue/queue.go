package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrQueueFull is returned by Enqueue when MaxPending messages are waiting.
	ErrQueueFull = errors.New("queue full")
	// ErrDuplicate is returned when a message with the same dedupe key is
	// still pending.
	ErrDuplicate = errors.New("duplicate message")
)

// Config controls workers and retry behaviour.
type Config struct {
	Workers       int
	MaxPending    int           // 0 means unbounded
	RetryLimit    int           // attempts after the first one
	RetryDelay    time.Duration // first retry delay, doubled per attempt
	MaxRetryDelay time.Duration
}

func (c *Config) normalize() {
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 5 * time.Second
	}
	if c.MaxRetryDelay < c.RetryDelay {
		c.MaxRetryDelay = 10 * c.RetryDelay
	}
}

// retryDelay returns the wait before the given attempt (1-based).
func (c Config) retryDelay(attempt int) time.Duration {
	d := c.RetryDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= c.MaxRetryDelay {
			return c.MaxRetryDelay
		}
	}
	return d
}

// Message is the stored envelope.
type Message struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	DedupeKey  string          `json:"dedupeKey,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Attempts   int             `json:"attempts"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
	LastError  string          `json:"lastError,omitempty"`
}

// Stats are the list sizes of one queue.
type Stats struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Retrying   int64 `json:"retrying"`
	Dead       int64 `json:"dead"`
}

type enqueueOptions struct {
	dedupeKey string
	dedupeTTL time.Duration
}

// EnqueueOption configures a single Enqueue call.
type EnqueueOption func(*enqueueOptions)

// WithDedupeKey rejects the message with ErrDuplicate while another message
// with the same key is pending, retrying, or younger than ttl.
func WithDedupeKey(key string, ttl time.Duration) EnqueueOption {
	return func(o *enqueueOptions) {
		o.dedupeKey = key
		o.dedupeTTL = ttl
	}
}

// Decode unmarshals a job payload. An empty payload yields the zero value.
func Decode[T any](payload json.RawMessage) (*T, error) {
	var out T
	if len(payload) == 0 || string(payload) == "null" {
		return &out, nil
	}
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, fmt.Errorf("decode %T payload: %w", out, err)
	}
	return &out, nil
}
