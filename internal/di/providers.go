package di

import (
	"context"
	"fmt"
	"time"

	"FHCElite/internal/domain/models"
	"FHCElite/internal/domain/repository"
	"FHCElite/internal/handler/api"
	mid "FHCElite/internal/middleware"
	internalrepo "FHCElite/internal/repository"
	"FHCElite/internal/service/ratelimit"
	"FHCElite/internal/service/summary"
	"FHCElite/internal/service/upstream"
	"FHCElite/internal/session"
	"FHCElite/internal/usecase"
	"FHCElite/pkg/cache"
	pkgch "FHCElite/pkg/clickhouse"
	"FHCElite/pkg/config"
	xhttp "FHCElite/pkg/http"
	pkgkafka "FHCElite/pkg/kafka"
	applogger "FHCElite/pkg/logger"
	"FHCElite/pkg/metrics"
	"FHCElite/pkg/postgres"
	"FHCElite/pkg/queue"
	"FHCElite/pkg/server"
)

const initTimeout = 10 * time.Second

// ProvideLogger builds the application logger from cfg.Logger.
func ProvideLogger(cfg *config.Config) (*applogger.Logger, error) {
	l, err := applogger.New(&applogger.Config{
		Level:      cfg.Logger.Level,
		Format:     cfg.Logger.Format,
		Output:     cfg.Logger.Output,
		MaxSizeMB:  cfg.Logger.MaxSizeMB,
		MaxBackups: cfg.Logger.MaxBackups,
		MaxAgeDays: cfg.Logger.MaxAgeDays,
		Compress:   cfg.Logger.Compress,
	})
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	return l.With(applogger.String("env", cfg.Environment)), nil
}

// ProvideMetrics creates a Prometheus metrics recorder.
func ProvideMetrics() repository.Metrics {
	return metrics.New()
}

// ProvideClock builds the exchange session calendar.
func ProvideClock(cfg *config.Config) (*session.Clock, error) {
	loc, err := time.LoadLocation(cfg.Session.Location)
	if err != nil {
		return nil, fmt.Errorf("session location: %w", err)
	}
	clock, err := session.New(session.Config{
		Location:      loc,
		Open:          cfg.Session.Open,
		Close:         cfg.Session.Close,
		Step:          cfg.Session.Step,
		TradeWeekends: cfg.Session.TradeWeekends,
		Holidays:      cfg.Session.Holidays,
	})
	if err != nil {
		return nil, fmt.Errorf("session clock: %w", err)
	}
	return clock, nil
}

// ProvideInstruments returns the configured universe, or the built-in one.
func ProvideInstruments(cfg *config.Config) []models.Instrument {
	if len(cfg.Instruments) == 0 {
		return models.DefaultInstruments
	}
	out := make([]models.Instrument, 0, len(cfg.Instruments))
	for _, in := range cfg.Instruments {
		out = append(out, models.Instrument{ID: in.ID, Name: in.Name, Category: in.Category})
	}
	return out
}

// ProvideRedisCache dials Redis when the cache type needs it. Returns nil for
// a memory-only cache.
func ProvideRedisCache(cfg *config.Config) (*cache.RedisCache, error) {
	if cfg.Cache.Type == config.CacheMemory {
		return nil, nil
	}
	rc, err := cache.NewRedisCache(
		cache.WithRedisAddr(cfg.Redis.Host, cfg.Redis.Port),
		cache.WithRedisPassword(cfg.Redis.Password),
		cache.WithRedisDB(cfg.Redis.DB),
		cache.WithRedisPool(cfg.Redis.PoolSize, cfg.Redis.MinIdleConns, cfg.Redis.PoolTimeout),
		cache.WithRedisPrefix(cfg.Redis.Prefix),
	)
	if err != nil {
		return nil, fmt.Errorf("redis cache: %w", err)
	}
	return rc, nil
}

// ProvideCache selects the cache in front of quotes, daily snapshots, sync
// locks and summaries.
func ProvideCache(cfg *config.Config, rc *cache.RedisCache) cache.Service {
	switch {
	case rc == nil:
		return cache.NewMemoryCache(
			cache.WithMemoryMaxSize(cfg.Cache.MaxSize),
			cache.WithMemoryCleanup(cfg.Cache.Cleanup),
		)
	case cfg.Cache.Type == config.CacheLayered:
		return cache.NewLayeredCache(rc, cache.WithLayeredMemory(cfg.Cache.MaxSize, cfg.Cache.LayeredMaxTTL))
	default:
		return rc
	}
}

// ProvideSampleStore opens the configured backend and makes sure its schema exists.
func ProvideSampleStore(cfg *config.Config, l *applogger.Logger) (repository.SampleStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), initTimeout)
	defer cancel()

	switch cfg.Backend.Type {
	case config.BackendClickHouse:
		client, err := pkgch.NewClient(
			pkgch.WithHost(cfg.ClickHouse.Host),
			pkgch.WithPort(cfg.ClickHouse.Port),
			pkgch.WithDatabase(cfg.ClickHouse.Database),
			pkgch.WithCredentials(cfg.ClickHouse.User, cfg.ClickHouse.Password),
			pkgch.WithMaxConnections(cfg.ClickHouse.MaxOpenConns, cfg.ClickHouse.MaxIdleConns),
			pkgch.WithHTTP(cfg.ClickHouse.UseHTTP),
			pkgch.WithAsyncInsert(cfg.ClickHouse.AsyncInsert, cfg.ClickHouse.WaitForAsync),
			pkgch.WithTimeouts(cfg.ClickHouse.DialTimeout, cfg.ClickHouse.ReadTimeout, cfg.ClickHouse.WriteTimeout),
			pkgch.WithMaxExecutionTime(cfg.ClickHouse.MaxExecutionTime),
		)
		if err != nil {
			return nil, fmt.Errorf("clickhouse client: %w", err)
		}
		if err := client.InitSchema(ctx, internalrepo.ClickHouseSchema(cfg.ClickHouse.Database, cfg.Backend.Table)); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("clickhouse schema: %w", err)
		}
		l.Info("sample store ready", applogger.String("backend", "clickhouse"), applogger.String("database", cfg.ClickHouse.Database))
		return internalrepo.NewClickHouseSampleStore(client, cfg.ClickHouse.Database+"."+cfg.Backend.Table, l), nil

	case config.BackendPostgres:
		pool, err := postgres.Connect(ctx, postgres.Config{
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Name:     cfg.Postgres.Name,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MinConns: cfg.Postgres.MinConns,
			MaxConns: cfg.Postgres.MaxConns,
		})
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		store := internalrepo.NewPostgresSampleStore(pool, cfg.Backend.Table, l)
		if err := store.InitSchema(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("postgres schema: %w", err)
		}
		l.Info("sample store ready", applogger.String("backend", "postgres"), applogger.String("database", cfg.Postgres.Name))
		return store, nil

	default:
		l.Warn("using in-memory sample store; samples are lost on restart")
		return internalrepo.NewMemorySampleStore(), nil
	}
}

// ProvideKafkaProducer creates a Kafka producer, or nil when Kafka is off.
func ProvideKafkaProducer(cfg *config.Config) (*pkgkafka.Producer, error) {
	if !cfg.Kafka.Enabled {
		return nil, nil
	}
	producer, err := pkgkafka.NewProducer(
		pkgkafka.WithBrokers(cfg.Kafka.Brokers),
		pkgkafka.WithCompression(cfg.Kafka.Compression),
		pkgkafka.WithRequiredAcks(cfg.Kafka.RequiredAcks),
		pkgkafka.WithBatching(cfg.Kafka.Producer.BatchSize, cfg.Kafka.Producer.Linger),
		pkgkafka.WithTimeouts(cfg.Kafka.Producer.WriteTimeout, cfg.Kafka.Producer.ReadTimeout),
		pkgkafka.WithMaxAttempts(cfg.Kafka.Producer.MaxAttempts),
		pkgkafka.WithAsync(cfg.Kafka.Producer.Async),
		pkgkafka.WithAutoCreateTopics(cfg.Kafka.Producer.AutoCreateTopics),
		pkgkafka.WithHashByKey(true),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	return producer, nil
}

// ProvidePublisher fans quotes and fresh samples out to Kafka when enabled.
// Error logs are aggregated onto the logs topic as well.
func ProvidePublisher(producer *pkgkafka.Producer, cfg *config.Config, l *applogger.Logger) repository.Publisher {
	if producer == nil {
		return internalrepo.NoopPublisher{}
	}
	if cfg.Kafka.LogsTopic != "" {
		l.AddCollector(&applogger.CollectionConfig{
			TimeInterval: 30 * time.Second,
			Service:      "fhcelite-" + cfg.Environment,
			Topic:        cfg.Kafka.LogsTopic,
			Publisher:    producer,
		})
	}
	return internalrepo.NewKafkaPublisher(producer, cfg.Kafka.QuotesTopic, cfg.Kafka.SamplesTopic)
}

// ProvideKafkaConsumer creates a Kafka consumer, or nil when not enabled.
func ProvideKafkaConsumer(cfg *config.Config, l *applogger.Logger) (*pkgkafka.Consumer, error) {
	if !cfg.Kafka.Consumer.Enabled {
		return nil, nil
	}
	consumer, err := pkgkafka.NewConsumer(
		pkgkafka.WithConsumerBrokers(cfg.Kafka.Brokers),
		pkgkafka.WithConsumerGroupID(cfg.Kafka.Consumer.GroupID),
		pkgkafka.WithConsumerWorkers(cfg.Kafka.Consumer.Workers),
		pkgkafka.WithConsumerBufferSize(cfg.Kafka.Consumer.BufferSize),
		pkgkafka.WithConsumerRetry(cfg.Kafka.Consumer.RetryMax, cfg.Kafka.Consumer.BackoffMin, cfg.Kafka.Consumer.BackoffMax),
		pkgkafka.WithConsumerDLQ(cfg.Kafka.Consumer.DLQTopic),
		pkgkafka.WithConsumerFetch(cfg.Kafka.Consumer.MinBytes, cfg.Kafka.Consumer.MaxBytes),
		pkgkafka.WithConsumerLogger(l),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka consumer: %w", err)
	}
	return consumer, nil
}

// ProvideKafkaSamplesHandler ingests samples published by other replicas.
func ProvideKafkaSamplesHandler(cfg *config.Config, store repository.SampleStore, m repository.Metrics) *usecase.KafkaSamplesHandler {
	return usecase.NewKafkaSamplesHandler(cfg.Kafka.SamplesTopic, store, m)
}

func upstreamClient(cfg *config.Config, l *applogger.Logger, name string) *xhttp.Client {
	opts := []xhttp.ClientOption{
		xhttp.WithTimeout(cfg.Upstream.Timeout),
		xhttp.WithRetry(xhttp.RetryPolicy{
			MaxRetries:      cfg.Upstream.Retry.MaxRetries,
			InitialInterval: cfg.Upstream.Retry.InitialInterval,
			MaxInterval:     cfg.Upstream.Retry.MaxInterval,
		}),
		xhttp.WithBreaker(xhttp.BreakerPolicy{
			Name:     name,
			Failures: cfg.Upstream.Breaker.Failures,
			OpenFor:  cfg.Upstream.Breaker.OpenFor,
			OnChange: func(name, from, to string) {
				l.Warn("upstream breaker state changed",
					applogger.String("source", name),
					applogger.String("from", from),
					applogger.String("to", to),
				)
			},
		}),
	}
	if cfg.Upstream.UserAgent != "" {
		opts = append(opts, xhttp.WithUserAgent(cfg.Upstream.UserAgent))
	}
	return xhttp.NewClient(opts...)
}

// ProvideSources builds the intraday sources in their configured fallback
// order. Each source gets its own breaker.
func ProvideSources(cfg *config.Config, clock *session.Clock, l *applogger.Logger) []repository.IntradaySource {
	sources := make([]repository.IntradaySource, 0, len(cfg.Upstream.Sources))
	for _, name := range cfg.Upstream.Sources {
		switch name {
		case "yahoo":
			opts := []upstream.YahooOption{upstream.WithChartRange(cfg.Upstream.Interval, cfg.Upstream.ChartRange)}
			if cfg.Upstream.YahooURL != "" {
				opts = append(opts, upstream.WithYahooURL(cfg.Upstream.YahooURL))
			}
			sources = append(sources, upstream.NewYahoo(upstreamClient(cfg, l, name), opts...))
		case "google":
			var opts []upstream.GoogleOption
			if cfg.Upstream.GoogleURL != "" {
				opts = append(opts, upstream.WithGoogleURL(cfg.Upstream.GoogleURL))
			}
			sources = append(sources, upstream.NewGoogle(upstreamClient(cfg, l, name), clock.Location(), opts...))
		}
	}
	return sources
}

// ProvideIndexSource builds the market-index source on the Google quote page.
func ProvideIndexSource(cfg *config.Config, clock *session.Clock, l *applogger.Logger) repository.IndexSource {
	var opts []upstream.GoogleOption
	if cfg.Upstream.GoogleURL != "" {
		opts = append(opts, upstream.WithGoogleURL(cfg.Upstream.GoogleURL))
	}
	return upstream.NewGoogle(upstreamClient(cfg, l, "google_index"), clock.Location(), opts...)
}

// ProvideSnapshotSource builds the exchange daily snapshot source.
func ProvideSnapshotSource(cfg *config.Config, instruments []models.Instrument, l *applogger.Logger) repository.SnapshotSource {
	var opts []upstream.TWSEOption
	if cfg.Upstream.TWSEURL != "" {
		opts = append(opts, upstream.WithTWSEURL(cfg.Upstream.TWSEURL))
	}
	return upstream.NewTWSE(upstreamClient(cfg, l, "twse"), models.InstrumentIDs(instruments), opts...)
}

// ProvideReconciler creates the sync and timeline engine.
func ProvideReconciler(
	cfg *config.Config,
	store repository.SampleStore,
	clock *session.Clock,
	sources []repository.IntradaySource,
	c cache.Service,
	pub repository.Publisher,
	m repository.Metrics,
	l *applogger.Logger,
) *usecase.Reconciler {
	return usecase.NewReconciler(store, clock,
		usecase.WithSources(sources...),
		usecase.WithTolerance(cfg.Engine.Tolerance),
		usecase.WithMaxConcurrency(cfg.Engine.MaxConcurrency),
		usecase.WithSyncLock(c, cfg.Engine.LockTTL),
		usecase.WithSyncTimeout(cfg.Engine.SyncTimeout),
		usecase.WithClosedSyncInterval(cfg.Engine.ClosedSyncInterval),
		usecase.WithPublisher(pub),
		usecase.WithMetrics(m),
		usecase.WithLogger(l),
	)
}

// ProvideQuoteHub creates the websocket fan-out hub.
func ProvideQuoteHub(cfg *config.Config, m repository.Metrics) *mid.QuoteHub {
	return mid.NewQuoteHub(m,
		mid.WithMaxRPS(cfg.Board.HubMaxRPS),
		mid.WithBufferSize(cfg.Board.HubBuffer),
	)
}

// ProvideQuoteBoard creates the realtime quote board.
func ProvideQuoteBoard(
	cfg *config.Config,
	reconciler *usecase.Reconciler,
	c cache.Service,
	instruments []models.Instrument,
	snapshot repository.SnapshotSource,
	indices repository.IndexSource,
	pub repository.Publisher,
	hub *mid.QuoteHub,
	m repository.Metrics,
	l *applogger.Logger,
) *usecase.QuoteBoard {
	return usecase.NewQuoteBoard(reconciler, c,
		usecase.WithInstruments(instruments),
		usecase.WithSnapshotSource(snapshot),
		usecase.WithIndexSource(indices, models.DefaultIndices, cfg.Board.IndexTTL),
		usecase.WithBoardPublisher(pub),
		usecase.WithBroadcaster(hub),
		usecase.WithBoardMetrics(m),
		usecase.WithBoardLogger(l),
		usecase.WithIntervals(cfg.Board.QuoteTTL, cfg.Board.DailyTTL, cfg.Board.QuoteInterval, cfg.Board.SnapshotInterval),
	)
}

// ProvideRetention creates the sample retention job.
func ProvideRetention(cfg *config.Config, store repository.SampleStore, m repository.Metrics, l *applogger.Logger) *usecase.RetentionJob {
	return usecase.NewRetentionJob(store, cfg.Engine.Retention, m, l)
}

// ProvideSummarizer creates the Gemini client. Without an API key every
// summary falls back to the neutral default.
func ProvideSummarizer(cfg *config.Config, l *applogger.Logger) (repository.Summarizer, error) {
	if cfg.Summary.APIKey == "" {
		l.Warn("GEMINI_API_KEY not set; ai summaries return the fallback")
	}
	g, err := summary.NewGemini(context.Background(), cfg.Summary.APIKey, cfg.Summary.Model)
	if err != nil {
		return nil, err
	}
	return g, nil
}

// ProvideNewsSummary wraps the summarizer with caching and fallback.
func ProvideNewsSummary(cfg *config.Config, s repository.Summarizer, c cache.Service, l *applogger.Logger) *usecase.NewsSummary {
	return usecase.NewNewsSummary(s, c, cfg.Summary.CacheTTL, l)
}

// ProvideLimiter creates the per-client limiter for the summary endpoint.
func ProvideLimiter(cfg *config.Config) *ratelimit.Limiter {
	return ratelimit.New(cfg.Summary.RateBurst, cfg.Summary.RatePerSec)
}

// ProvideHandler creates the HTTP handler.
func ProvideHandler(
	l *applogger.Logger,
	reconciler *usecase.Reconciler,
	board *usecase.QuoteBoard,
	retention *usecase.RetentionJob,
	ns *usecase.NewsSummary,
	hub *mid.QuoteHub,
	limiter *ratelimit.Limiter,
) *api.FHCEchoHandler {
	return api.NewFHCEchoHandler(l, reconciler, board, retention, ns, hub, limiter)
}

// ProvideHTTPServer creates the Echo server.
func ProvideHTTPServer(cfg *config.Config, h *api.FHCEchoHandler, l *applogger.Logger) *xhttp.Server {
	opts := []xhttp.ServerOption{
		xhttp.WithPort(cfg.Server.Port),
		xhttp.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.ShutdownTimeout),
		xhttp.WithCORS(cfg.Server.CORS, cfg.Server.AllowOrigins...),
		xhttp.WithSlowRequestThreshold(cfg.Server.SlowRequest),
	}
	if cfg.Server.Host != "" {
		opts = append(opts, xhttp.WithHost(cfg.Server.Host))
	}
	if !cfg.Metrics.Enabled {
		opts = append(opts, xhttp.WithMetricsPath(""))
	} else if cfg.Metrics.Path != "" {
		opts = append(opts, xhttp.WithMetricsPath(cfg.Metrics.Path))
	}
	return xhttp.NewServer(h, l, opts...)
}

// ProvideJobQueue creates the Redis job consumer for purge and sync jobs, or
// nil when the queue is disabled.
func ProvideJobQueue(
	cfg *config.Config,
	rc *cache.RedisCache,
	l *applogger.Logger,
	retention *usecase.RetentionJob,
	board *usecase.QuoteBoard,
) *queue.RedisQueue {
	if !cfg.Queue.Enabled || rc == nil {
		return nil
	}
	return queue.NewRedisQueue(rc.Client(), queueConfig(cfg),
		queue.WithLogger(l),
		queue.WithKeyPrefix(cfg.Redis.Prefix+":jobs"),
		queue.WithConsumerName(cfg.Queue.ConsumerName),
		queue.WithJobs(
			usecase.NewPurgeQueueJob(retention),
			usecase.NewSyncQueueJob(board),
		),
	)
}

// ProvideJobPublisher creates an enqueue-only handle on the job queue.
func ProvideJobPublisher(cfg *config.Config, rc *cache.RedisCache, l *applogger.Logger) *queue.RedisQueue {
	if !cfg.Queue.Enabled || rc == nil {
		return nil
	}
	return queue.NewRedisQueue(rc.Client(), queueConfig(cfg),
		queue.WithLogger(l),
		queue.WithKeyPrefix(cfg.Redis.Prefix+":jobs"),
	)
}

func queueConfig(cfg *config.Config) queue.Config {
	return queue.Config{
		Workers:       cfg.Queue.Workers,
		MaxPending:    cfg.Queue.MaxPending,
		RetryLimit:    cfg.Queue.RetryLimit,
		RetryDelay:    cfg.Queue.RetryDelay,
		MaxRetryDelay: cfg.Queue.MaxRetryDelay,
	}
}

// ProvideApp creates the application server.
func ProvideApp(
	cfg *config.Config,
	l *applogger.Logger,
	store repository.SampleStore,
	c cache.Service,
	pub repository.Publisher,
	consumer *pkgkafka.Consumer,
	kh *usecase.KafkaSamplesHandler,
	board *usecase.QuoteBoard,
	hub *mid.QuoteHub,
	retention *usecase.RetentionJob,
	limiter *ratelimit.Limiter,
	jobs *queue.RedisQueue,
	httpServer *xhttp.Server,
) *server.App {
	return server.New(server.Deps{
		Config:     cfg,
		Logger:     l,
		Store:      store,
		Cache:      c,
		Publisher:  pub,
		Consumer:   consumer,
		Samples:    kh,
		Board:      board,
		Hub:        hub,
		Retention:  retention,
		Limiter:    limiter,
		Jobs:       jobs,
		HTTPServer: httpServer,
	})
}

// Toolkit bundles what the operator CLI needs without starting any server.
type Toolkit struct {
	Config     *config.Config
	Logger     *applogger.Logger
	Clock      *session.Clock
	Store      repository.SampleStore
	Cache      cache.Service
	Publisher  repository.Publisher
	Reconciler *usecase.Reconciler
	Board      *usecase.QuoteBoard
	Retention  *usecase.RetentionJob
	Jobs       *queue.RedisQueue // nil unless the queue is enabled
}

// Close releases the toolkit's connections.
func (t *Toolkit) Close() {
	if err := t.Publisher.Close(); err != nil {
		t.Logger.Warn("close publisher", applogger.Error(err))
	}
	if err := t.Store.Close(); err != nil {
		t.Logger.Warn("close sample store", applogger.Error(err))
	}
	if err := t.Cache.Close(); err != nil {
		t.Logger.Warn("close cache", applogger.Error(err))
	}
}

// ProvideToolkit assembles the CLI toolkit.
func ProvideToolkit(
	cfg *config.Config,
	l *applogger.Logger,
	clock *session.Clock,
	store repository.SampleStore,
	c cache.Service,
	pub repository.Publisher,
	reconciler *usecase.Reconciler,
	board *usecase.QuoteBoard,
	retention *usecase.RetentionJob,
	jobs *queue.RedisQueue,
) *Toolkit {
	return &Toolkit{
		Config:     cfg,
		Logger:     l,
		Clock:      clock,
		Store:      store,
		Cache:      c,
		Publisher:  pub,
		Reconciler: reconciler,
		Board:      board,
		Retention:  retention,
		Jobs:       jobs,
	}
}
