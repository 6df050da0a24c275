package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/segmentio/kafka-go"

	applogger "FHCElite/pkg/logger"
)

// MessageHandler handles messages from a specific topic.
type MessageHandler interface {
	Topic() string
	Handle(context.Context, []byte) error
}

// ConsumerOption configures Consumer.
type ConsumerOption func(*ConsumerConfig)

// ConsumerConfig holds consumer configuration.
type ConsumerConfig struct {
	Brokers     []string
	GroupID     string
	WorkerCount int
	BufferSize  int
	RetryMax    int
	BackoffMin  time.Duration
	BackoffMax  time.Duration
	DLQTopic    string
	MinBytes    int
	MaxBytes    int
	Logger      *applogger.Logger
}

func WithConsumerBrokers(brokers []string) ConsumerOption {
	return func(c *ConsumerConfig) { c.Brokers = brokers }
}

func WithConsumerGroupID(groupID string) ConsumerOption {
	return func(c *ConsumerConfig) { c.GroupID = groupID }
}

// WithConsumerWorkers sets number of worker goroutines.
func WithConsumerWorkers(count int) ConsumerOption {
	return func(c *ConsumerConfig) {
		if count > 0 {
			c.WorkerCount = count
		}
	}
}

// WithConsumerRetry configures retry attempts and the backoff range between them.
func WithConsumerRetry(max int, backoffMin, backoffMax time.Duration) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.RetryMax = max
		c.BackoffMin = backoffMin
		c.BackoffMax = backoffMax
	}
}

// WithConsumerDLQ sets the dead letter topic. Messages that exhaust their
// retries are copied there and committed.
func WithConsumerDLQ(topic string) ConsumerOption {
	return func(c *ConsumerConfig) { c.DLQTopic = topic }
}

func WithConsumerBufferSize(n int) ConsumerOption {
	return func(c *ConsumerConfig) {
		if n > 0 {
			c.BufferSize = n
		}
	}
}

// WithConsumerFetch bounds how much a reader pulls per fetch. Zero keeps the default.
func WithConsumerFetch(minBytes, maxBytes int) ConsumerOption {
	return func(c *ConsumerConfig) {
		if minBytes > 0 {
			c.MinBytes = minBytes
		}
		if maxBytes > 0 {
			c.MaxBytes = maxBytes
		}
	}
}

func WithConsumerLogger(l *applogger.Logger) ConsumerOption {
	return func(c *ConsumerConfig) { c.Logger = l }
}

// Consumer reads registered topics and dispatches to a worker pool. At most
// one message per (topic, partition) is in flight.
type Consumer struct {
	cfg      *ConsumerConfig
	l        *applogger.Logger
	readers  map[string]*kafka.Reader
	handlers map[string]MessageHandler
	stopChan chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
	msgChan  chan *message
	dlq      *kafka.Writer

	partMu    sync.Mutex
	partLocks map[string]map[int]*sync.Mutex
}

type message struct {
	topic string
	km    kafka.Message
}

func NewConsumer(opts ...ConsumerOption) (*Consumer, error) {
	cfg := &ConsumerConfig{
		GroupID:     "fhcelite",
		WorkerCount: 1,
		BufferSize:  10,
		RetryMax:    3,
		BackoffMin:  50 * time.Millisecond,
		BackoffMax:  2 * time.Second,
		MinBytes:    10e3,
		MaxBytes:    10e6,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("brokers are required")
	}
	l := cfg.Logger
	if l == nil {
		l = applogger.NewNop()
	}

	c := &Consumer{
		cfg:       cfg,
		l:         l,
		readers:   make(map[string]*kafka.Reader),
		handlers:  make(map[string]MessageHandler),
		stopChan:  make(chan struct{}),
		msgChan:   make(chan *message, cfg.BufferSize),
		partLocks: make(map[string]map[int]*sync.Mutex),
	}
	initConsumerMetrics()
	if cfg.DLQTopic != "" {
		c.dlq = &kafka.Writer{Addr: kafka.TCP(cfg.Brokers...), Balancer: &kafka.LeastBytes{}}
	}
	return c, nil
}

// RegisterHandler registers a handler for its topic. Must be called before Start.
func (c *Consumer) RegisterHandler(handler MessageHandler) {
	topic := handler.Topic()
	if _, ok := c.handlers[topic]; ok {
		c.l.Warn("kafka handler already registered", applogger.String("topic", topic))
		return
	}
	c.handlers[topic] = handler
}

func (c *Consumer) Start() error {
	if len(c.handlers) == 0 {
		return fmt.Errorf("no handlers registered")
	}
	for topic := range c.handlers {
		c.readers[topic] = kafka.NewReader(kafka.ReaderConfig{
			Brokers:  c.cfg.Brokers,
			Topic:    topic,
			GroupID:  c.cfg.GroupID,
			MinBytes: c.cfg.MinBytes,
			MaxBytes: c.cfg.MaxBytes,
		})
	}
	for i := 0; i < c.cfg.WorkerCount; i++ {
		c.wg.Add(1)
		go c.worker()
	}
	for topic, reader := range c.readers {
		c.wg.Add(1)
		go c.read(topic, reader)
	}
	c.l.Info("kafka consumer started",
		applogger.Int("workers", c.cfg.WorkerCount),
		applogger.Int("topics", len(c.readers)),
	)
	return nil
}

// Stop signals readers and workers and waits for them or ctx.
func (c *Consumer) Stop(ctx context.Context) error {
	var stopErr error
	c.stopOnce.Do(func() {
		close(c.stopChan)

		done := make(chan struct{})
		go func() {
			c.wg.Wait()
			close(done)
		}()
		select {
		case <-ctx.Done():
			stopErr = fmt.Errorf("timeout waiting for consumer to stop: %w", ctx.Err())
		case <-done:
		}

		for topic, reader := range c.readers {
			if err := reader.Close(); err != nil {
				c.l.Warn("close kafka reader", applogger.String("topic", topic), applogger.Error(err))
			}
		}
		if c.dlq != nil {
			if err := c.dlq.Close(); err != nil {
				c.l.Warn("close dlq writer", applogger.Error(err))
			}
		}
	})
	return stopErr
}

func (c *Consumer) read(topic string, reader *kafka.Reader) {
	defer c.wg.Done()
	for {
		select {
		case <-c.stopChan:
			return
		default:
		}

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		km, err := reader.FetchMessage(ctx)
		cancel()
		if err != nil {
			if !errors.Is(err, context.DeadlineExceeded) {
				c.l.Warn("kafka fetch failed", applogger.String("topic", topic), applogger.Error(err))
			}
			continue
		}

		// blocking send gives backpressure instead of drops
		select {
		case c.msgChan <- &message{topic: topic, km: km}:
			consumerQueueDepth.WithLabelValues(topic).Set(float64(len(c.msgChan)))
		case <-c.stopChan:
			return
		}
	}
}

func (c *Consumer) worker() {
	defer c.wg.Done()
	for {
		select {
		case <-c.stopChan:
			return
		case msg := <-c.msgChan:
			c.process(msg)
		}
	}
}

func (c *Consumer) process(msg *message) {
	handler, ok := c.handlers[msg.topic]
	if !ok {
		return
	}
	start := time.Now()
	pl := c.partitionLock(msg.topic, msg.km.Partition)
	pl.Lock()
	defer pl.Unlock()

	err := c.handleWithRetry(handler, msg.km.Value)
	if err != nil {
		consumerFailures.WithLabelValues(msg.topic).Inc()
		c.l.Error("kafka message failed",
			applogger.String("topic", msg.topic),
			applogger.Int("partition", msg.km.Partition),
			applogger.Int64("offset", msg.km.Offset),
			applogger.Error(err),
		)
		if c.dlq != nil {
			dlqErr := c.dlq.WriteMessages(context.Background(), kafka.Message{
				Topic:   c.cfg.DLQTopic,
				Key:     msg.km.Key,
				Value:   msg.km.Value,
				Time:    time.Now(),
				Headers: []kafka.Header{{Key: "source_topic", Value: []byte(msg.topic)}},
			})
			if dlqErr != nil {
				c.l.Error("kafka dlq write failed", applogger.String("topic", c.cfg.DLQTopic), applogger.Error(dlqErr))
			}
		}
	}

	// commit after success or after a DLQ copy so poison messages do not loop
	if err == nil || c.dlq != nil {
		if reader := c.readers[msg.topic]; reader != nil {
			c.commit(reader, msg.km)
		}
	}
	consumerHandleLatency.WithLabelValues(msg.topic).Observe(time.Since(start).Seconds())
}

func (c *Consumer) handleWithRetry(handler MessageHandler, data []byte) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.cfg.BackoffMin
	eb.MaxInterval = c.cfg.BackoffMax
	eb.MaxElapsedTime = 0

	var policy backoff.BackOff = eb
	if c.cfg.RetryMax >= 0 {
		policy = backoff.WithMaxRetries(eb, uint64(c.cfg.RetryMax))
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-c.stopChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	return backoff.Retry(func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = backoff.Permanent(fmt.Errorf("handler panic: %v", r))
			}
		}()
		return handler.Handle(ctx, data)
	}, backoff.WithContext(policy, ctx))
}

func (c *Consumer) commit(reader *kafka.Reader, km kafka.Message) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 50 * time.Millisecond
	eb.MaxInterval = 500 * time.Millisecond
	err := backoff.Retry(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return reader.CommitMessages(ctx, km)
	}, backoff.WithMaxRetries(eb, 2))
	if err != nil {
		c.l.Error("kafka commit failed", applogger.String("topic", km.Topic), applogger.Error(err))
	}
}

func (c *Consumer) partitionLock(topic string, partition int) *sync.Mutex {
	c.partMu.Lock()
	defer c.partMu.Unlock()
	m, ok := c.partLocks[topic]
	if !ok {
		m = make(map[int]*sync.Mutex)
		c.partLocks[topic] = m
	}
	l, ok := m[partition]
	if !ok {
		l = &sync.Mutex{}
		m[partition] = l
	}
	return l
}

var (
	consumerQueueDepth    *prometheus.GaugeVec
	consumerFailures      *prometheus.CounterVec
	consumerHandleLatency *prometheus.HistogramVec
	consumerMetricsOnce   sync.Once
)

func initConsumerMetrics() {
	consumerMetricsOnce.Do(func() {
		consumerQueueDepth = promauto.NewGaugeVec(
			prometheus.GaugeOpts{Name: "fhcelite_kafka_consumer_queue_depth", Help: "Messages waiting for a consumer worker"},
			[]string{"topic"},
		)
		consumerFailures = promauto.NewCounterVec(
			prometheus.CounterOpts{Name: "fhcelite_kafka_consumer_failures_total", Help: "Messages that exhausted their retries"},
			[]string{"topic"},
		)
		consumerHandleLatency = promauto.NewHistogramVec(
			prometheus.HistogramOpts{Name: "fhcelite_kafka_consumer_handle_seconds", Help: "Handling time per message"},
			[]string{"topic"},
		)
	})
}
