package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"FHCElite/pkg/logger"
)

// RedisQueue is a list-backed job queue.
//
// Workers move a message from the pending list into a processing list with
// BLMOVE and remove it once handled, so a crash leaves the message in the
// processing list; Start moves such leftovers back to pending. Processing
// lists are per consumer name, so replicas need distinct names.
//
// A queue with no registered jobs only enqueues and needs no Start.
type RedisQueue struct {
	client   *redis.Client
	cfg      Config
	logger   *logger.Logger
	prefix   string
	consumer string
	jobs     map[string]Job
	now      func() time.Time

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Option configures RedisQueue.
type Option func(*RedisQueue)

func WithLogger(l *logger.Logger) Option {
	return func(q *RedisQueue) {
		if l != nil {
			q.logger = l
		}
	}
}

func WithKeyPrefix(prefix string) Option {
	return func(q *RedisQueue) { q.prefix = prefix }
}

// WithConsumerName names this consumer's processing list.
func WithConsumerName(name string) Option {
	return func(q *RedisQueue) { q.consumer = name }
}

// WithJobs registers handlers; the last job wins for a repeated type.
func WithJobs(jobs ...Job) Option {
	return func(q *RedisQueue) {
		for _, j := range jobs {
			q.jobs[j.Type()] = j
		}
	}
}

func NewRedisQueue(client *redis.Client, cfg Config, opts ...Option) *RedisQueue {
	cfg.normalize()
	q := &RedisQueue{
		client:   client,
		cfg:      cfg,
		logger:   logger.NewNop(),
		prefix:   "fhcelite:queue",
		consumer: "default",
		jobs:     make(map[string]Job),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Types lists the registered message types.
func (q *RedisQueue) Types() []string {
	out := make([]string, 0, len(q.jobs))
	for t := range q.jobs {
		out = append(out, t)
	}
	return out
}

// Start recovers in-flight messages and launches the workers and the retry
// promoter. It is a no-op for enqueue-only queues.
func (q *RedisQueue) Start() error {
	if len(q.jobs) == 0 {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running {
		return fmt.Errorf("queue already running")
	}

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelPing()
	if err := q.client.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	n, err := q.recover(pingCtx)
	if err != nil {
		return fmt.Errorf("recover in-flight messages: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel
	q.running = true
	for i := 0; i < q.cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, i)
	}
	q.wg.Add(1)
	go q.promoteRetries(ctx)

	q.logger.Info("job queue started",
		logger.Int("workers", q.cfg.Workers),
		logger.Strings("types", q.Types()),
		logger.Int64("recovered", n),
		logger.String("consumer", q.consumer))
	return nil
}

// Stop cancels the workers and waits for in-flight handlers or ctx.
func (q *RedisQueue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return nil
	}
	q.running = false
	q.cancel()
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		q.logger.Info("job queue stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop job queue: %w", ctx.Err())
	}
}

// Enqueue pushes a message. Payload is marshalled to JSON; nil is allowed.
func (q *RedisQueue) Enqueue(ctx context.Context, msgType string, payload interface{}, opts ...EnqueueOption) error {
	if msgType == "" {
		return fmt.Errorf("enqueue: empty message type")
	}
	var eo enqueueOptions
	for _, opt := range opts {
		opt(&eo)
	}

	msg := Message{
		ID:         uuid.NewString(),
		Type:       msgType,
		DedupeKey:  eo.dedupeKey,
		EnqueuedAt: q.now().UTC(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s payload: %w", msgType, err)
		}
		msg.Payload = raw
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	if q.cfg.MaxPending > 0 {
		n, err := q.client.LLen(ctx, q.pendingKey()).Result()
		if err != nil {
			return fmt.Errorf("llen: %w", err)
		}
		if n >= int64(q.cfg.MaxPending) {
			return fmt.Errorf("%s: %w", msgType, ErrQueueFull)
		}
	}
	if msg.DedupeKey != "" {
		ttl := eo.dedupeTTL
		if ttl <= 0 {
			ttl = time.Minute
		}
		ok, err := q.client.SetNX(ctx, q.dedupeKey(msg.DedupeKey), msg.ID, ttl).Result()
		if err != nil {
			return fmt.Errorf("setnx: %w", err)
		}
		if !ok {
			return fmt.Errorf("%s %q: %w", msgType, msg.DedupeKey, ErrDuplicate)
		}
	}

	if err := q.client.LPush(ctx, q.pendingKey(), data).Err(); err != nil {
		return fmt.Errorf("lpush: %w", err)
	}
	q.logger.Debug("job enqueued",
		logger.String("id", msg.ID),
		logger.String("type", msgType))
	return nil
}

// PublishMessage enqueues without options.
func (q *RedisQueue) PublishMessage(ctx context.Context, msgType string, payload interface{}) error {
	return q.Enqueue(ctx, msgType, payload)
}

// Stats reads the list sizes in one round trip.
func (q *RedisQueue) Stats(ctx context.Context) (Stats, error) {
	pipe := q.client.Pipeline()
	pending := pipe.LLen(ctx, q.pendingKey())
	processing := pipe.LLen(ctx, q.processingKey())
	retrying := pipe.ZCard(ctx, q.retryKey())
	dead := pipe.LLen(ctx, q.deadKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, fmt.Errorf("queue stats: %w", err)
	}
	return Stats{
		Pending:    pending.Val(),
		Processing: processing.Val(),
		Retrying:   retrying.Val(),
		Dead:       dead.Val(),
	}, nil
}

func (q *RedisQueue) worker(ctx context.Context, id int) {
	defer q.wg.Done()
	for ctx.Err() == nil {
		raw, err := q.client.BLMove(ctx, q.pendingKey(), q.processingKey(), "RIGHT", "LEFT", time.Second).Result()
		switch {
		case err == nil:
		case errors.Is(err, redis.Nil), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			continue
		default:
			q.logger.Error("blmove failed", logger.Int("worker", id), logger.Error(err))
			sleepCtx(ctx, time.Second)
			continue
		}
		q.handle(ctx, raw)
	}
}

func (q *RedisQueue) handle(ctx context.Context, raw string) {
	// Acknowledge with a fresh context so a cancelled worker still clears it.
	defer func() {
		ackCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := q.client.LRem(ackCtx, q.processingKey(), 1, raw).Err(); err != nil {
			q.logger.Warn("ack failed", logger.Error(err))
		}
	}()

	var msg Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		q.logger.Error("undecodable message moved to dead letters", logger.Error(err))
		q.bury(raw)
		return
	}
	job, ok := q.jobs[msg.Type]
	if !ok {
		q.logger.Error("no job for message type",
			logger.String("type", msg.Type),
			logger.String("id", msg.ID))
		q.bury(raw)
		return
	}

	start := q.now()
	err := job.Handle(ctx, msg.Payload)
	elapsed := q.now().Sub(start)
	if err == nil {
		q.release(msg)
		q.logger.Info("job done",
			logger.String("job", job.Name()),
			logger.String("id", msg.ID),
			logger.Int("attempt", msg.Attempts+1),
			logger.Duration("elapsed", elapsed))
		return
	}
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		// Shutting down; the message goes back for the next start.
		q.requeue(raw)
		return
	}
	q.fail(msg, job, err)
}

func (q *RedisQueue) fail(msg Message, job Job, cause error) {
	msg.Attempts++
	msg.LastError = cause.Error()
	data, err := json.Marshal(msg)
	if err != nil {
		q.logger.Error("marshal failed message", logger.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if msg.Attempts > q.cfg.RetryLimit {
		q.logger.Error("job failed permanently",
			logger.String("job", job.Name()),
			logger.String("id", msg.ID),
			logger.Int("attempts", msg.Attempts),
			logger.Error(cause))
		if err := q.client.LPush(ctx, q.deadKey(), data).Err(); err != nil {
			q.logger.Error("lpush dead letter", logger.Error(err))
		}
		q.release(msg)
		return
	}

	delay := q.cfg.retryDelay(msg.Attempts)
	due := q.now().Add(delay)
	if err := q.client.ZAdd(ctx, q.retryKey(), redis.Z{Score: float64(due.Unix()), Member: data}).Err(); err != nil {
		q.logger.Error("schedule retry", logger.Error(err))
		return
	}
	q.logger.Warn("job failed, retry scheduled",
		logger.String("job", job.Name()),
		logger.String("id", msg.ID),
		logger.Int("attempt", msg.Attempts),
		logger.Duration("delay", delay),
		logger.Error(cause))
}

// promoteRetries moves due retries back to the pending list.
func (q *RedisQueue) promoteRetries(ctx context.Context) {
	defer q.wg.Done()
	t := time.NewTicker(time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		due, err := q.client.ZRangeByScore(ctx, q.retryKey(), &redis.ZRangeBy{
			Min: "-inf",
			Max: strconv.FormatInt(q.now().Unix(), 10),
		}).Result()
		if err != nil {
			if ctx.Err() == nil {
				q.logger.Error("read retries", logger.Error(err))
			}
			continue
		}
		for _, member := range due {
			// ZREM decides ownership when several replicas promote at once.
			removed, err := q.client.ZRem(ctx, q.retryKey(), member).Result()
			if err != nil || removed == 0 {
				continue
			}
			if err := q.client.LPush(ctx, q.pendingKey(), member).Err(); err != nil {
				q.logger.Error("promote retry", logger.Error(err))
			}
		}
	}
}

func (q *RedisQueue) recover(ctx context.Context) (int64, error) {
	var n int64
	for {
		err := q.client.RPopLPush(ctx, q.processingKey(), q.pendingKey()).Err()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		n++
	}
}

func (q *RedisQueue) requeue(raw string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := q.client.RPush(ctx, q.pendingKey(), raw).Err(); err != nil {
		q.logger.Error("requeue on shutdown", logger.Error(err))
	}
}

func (q *RedisQueue) bury(raw string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := q.client.LPush(ctx, q.deadKey(), raw).Err(); err != nil {
		q.logger.Error("lpush dead letter", logger.Error(err))
	}
}

func (q *RedisQueue) release(msg Message) {
	if msg.DedupeKey == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = q.client.Del(ctx, q.dedupeKey(msg.DedupeKey)).Err()
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (q *RedisQueue) pendingKey() string    { return q.prefix + ":pending" }
func (q *RedisQueue) processingKey() string { return q.prefix + ":processing:" + q.consumer }
func (q *RedisQueue) retryKey() string      { return q.prefix + ":retry" }
func (q *RedisQueue) deadKey() string       { return q.prefix + ":dead" }
func (q *RedisQueue) dedupeKey(k string) string {
	return q.prefix + ":dedupe:" + k
}
