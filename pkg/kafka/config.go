package kafka

import "time"

// ProducerOption configures Producer.
type ProducerOption func(*ProducerConfig)

// ProducerConfig holds producer configuration.
type ProducerConfig struct {
	Brokers          []string
	RequiredAcks     int
	Compression      string
	MaxAttempts      int
	WriteTimeout     time.Duration
	ReadTimeout      time.Duration
	BatchSize        int
	BatchBytes       int
	BatchTimeout     time.Duration
	Async            bool
	HashByKey        bool
	AutoCreateTopics bool
}

func WithBrokers(brokers []string) ProducerOption {
	return func(c *ProducerConfig) { c.Brokers = brokers }
}

// WithCompression sets gzip, snappy, lz4 or zstd.
func WithCompression(compression string) ProducerOption {
	return func(c *ProducerConfig) { c.Compression = compression }
}

// WithRequiredAcks sets required acknowledgements (-1 = all).
func WithRequiredAcks(acks int) ProducerOption {
	return func(c *ProducerConfig) { c.RequiredAcks = acks }
}

func WithMaxAttempts(n int) ProducerOption {
	return func(c *ProducerConfig) { c.MaxAttempts = n }
}

func WithBatching(size int, timeout time.Duration) ProducerOption {
	return func(c *ProducerConfig) {
		if size > 0 {
			c.BatchSize = size
		}
		if timeout > 0 {
			c.BatchTimeout = timeout
		}
	}
}

func WithTimeouts(write, read time.Duration) ProducerOption {
	return func(c *ProducerConfig) {
		c.WriteTimeout = write
		c.ReadTimeout = read
	}
}

// WithAsync toggles fire-and-forget writes.
func WithAsync(async bool) ProducerOption {
	return func(c *ProducerConfig) { c.Async = async }
}

// WithHashByKey keeps all messages of one key (instrument) on one partition.
func WithHashByKey(hash bool) ProducerOption {
	return func(c *ProducerConfig) { c.HashByKey = hash }
}

// WithAutoCreateTopics lets the writer create missing topics, for local brokers.
func WithAutoCreateTopics(enabled bool) ProducerOption {
	return func(c *ProducerConfig) { c.AutoCreateTopics = enabled }
}
