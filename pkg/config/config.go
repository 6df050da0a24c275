package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const (
	BackendClickHouse = "clickhouse"
	BackendPostgres   = "postgres"
	BackendMemory     = "memory"

	CacheMemory  = "memory"
	CacheRedis   = "redis"
	CacheLayered = "layered"
)

type Config struct {
	Environment string `yaml:"environment" default:"development" validate:"required"`
	Server      struct {
		Host            string        `yaml:"host"`
		Port            int           `yaml:"port" default:"3000" validate:"min=1,max=65535"`
		ReadTimeout     time.Duration `yaml:"read_timeout" default:"15s"`
		WriteTimeout    time.Duration `yaml:"write_timeout" default:"30s"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout" default:"10s"`
		SlowRequest     time.Duration `yaml:"slow_request" default:"2s"`
		CORS            bool          `yaml:"cors" default:"true"`
		AllowOrigins    []string      `yaml:"allow_origins"`
	} `yaml:"server"`
	Metrics struct {
		Enabled bool   `yaml:"enabled" default:"true"`
		Path    string `yaml:"path" default:"/metrics"`
	} `yaml:"metrics"`
	Logger struct {
		Level      string `yaml:"level" default:"info" validate:"oneof=debug info warn error"`
		Format     string `yaml:"format" default:"console" validate:"oneof=json console"`
		Output     string `yaml:"output" default:"stdout"`
		MaxSizeMB  int    `yaml:"max_size_mb" default:"100"`
		MaxBackups int    `yaml:"max_backups" default:"3"`
		MaxAgeDays int    `yaml:"max_age_days" default:"7"`
		Compress   bool   `yaml:"compress"`
	} `yaml:"logger"`
	Backend struct {
		Type  string `yaml:"type" default:"memory" validate:"oneof=clickhouse postgres memory"`
		Table string `yaml:"table" default:"fhc_samples"`
	} `yaml:"backend"`
	ClickHouse struct {
		Host             string        `yaml:"host" default:"localhost"`
		Port             int           `yaml:"port" default:"9000"`
		Database         string        `yaml:"database" default:"fhcelite"`
		User             string        `yaml:"user" default:"default"`
		Password         string        `yaml:"password"`
		UseHTTP          bool          `yaml:"use_http"`
		AsyncInsert      bool          `yaml:"async_insert"`
		WaitForAsync     bool          `yaml:"wait_for_async_insert" default:"true"`
		MaxOpenConns     int           `yaml:"max_open_conns" default:"10"`
		MaxIdleConns     int           `yaml:"max_idle_conns" default:"5"`
		DialTimeout      time.Duration `yaml:"dial_timeout" default:"5s"`
		ReadTimeout      time.Duration `yaml:"read_timeout" default:"30s"`
		WriteTimeout     time.Duration `yaml:"write_timeout" default:"30s"`
		MaxExecutionTime time.Duration `yaml:"max_execution_time" default:"60s"`
	} `yaml:"clickhouse"`
	Postgres struct {
		Host     string `yaml:"host" default:"localhost"`
		Port     int    `yaml:"port" default:"5432"`
		Name     string `yaml:"name" default:"fhcelite"`
		User     string `yaml:"user" default:"postgres"`
		Password string `yaml:"password"`
		SSLMode  string `yaml:"ssl_mode" default:"disable"`
		MinConns int    `yaml:"min_conns" default:"1"`
		MaxConns int    `yaml:"max_conns" default:"10"`
	} `yaml:"postgres"`
	Cache struct {
		Type          string        `yaml:"type" default:"memory" validate:"oneof=memory redis layered"`
		MaxSize       int           `yaml:"max_size" default:"10000"`
		Cleanup       time.Duration `yaml:"cleanup" default:"1m"`
		LayeredMaxTTL time.Duration `yaml:"layered_max_ttl" default:"2s"`
	} `yaml:"cache"`
	Redis struct {
		Host         string        `yaml:"host" default:"localhost"`
		Port         int           `yaml:"port" default:"6379"`
		Password     string        `yaml:"password"`
		DB           int           `yaml:"db"`
		PoolSize     int           `yaml:"pool_size" default:"10"`
		MinIdleConns int           `yaml:"min_idle_conns" default:"2"`
		PoolTimeout  time.Duration `yaml:"pool_timeout" default:"30s"`
		Prefix       string        `yaml:"prefix" default:"fhcelite"`
	} `yaml:"redis"`
	Kafka struct {
		Enabled      bool     `yaml:"enabled"`
		Brokers      []string `yaml:"brokers"`
		QuotesTopic  string   `yaml:"quotes_topic" default:"fhc.quotes"`
		SamplesTopic string   `yaml:"samples_topic" default:"fhc.samples"`
		LogsTopic    string   `yaml:"logs_topic"`
		RequiredAcks int      `yaml:"required_acks" default:"1"`
		Compression  string   `yaml:"compression" default:"snappy"`
		Producer     struct {
			MaxAttempts      int           `yaml:"max_attempts" default:"3"`
			Linger           time.Duration `yaml:"linger" default:"50ms"`
			BatchSize        int           `yaml:"batch_size" default:"100"`
			WriteTimeout     time.Duration `yaml:"write_timeout" default:"10s"`
			ReadTimeout      time.Duration `yaml:"read_timeout" default:"10s"`
			Async            bool          `yaml:"async"`
			AutoCreateTopics bool          `yaml:"auto_create_topics"`
		} `yaml:"producer"`
		Consumer struct {
			Enabled    bool          `yaml:"enabled"`
			GroupID    string        `yaml:"group_id" default:"fhcelite"`
			Workers    int           `yaml:"workers" default:"2"`
			BufferSize int           `yaml:"buffer_size" default:"64"`
			RetryMax   int           `yaml:"retry_max" default:"3"`
			BackoffMin time.Duration `yaml:"backoff_min" default:"50ms"`
			BackoffMax time.Duration `yaml:"backoff_max" default:"2s"`
			DLQTopic   string        `yaml:"dlq_topic"`
			MinBytes   int           `yaml:"min_bytes" default:"10000"`
			MaxBytes   int           `yaml:"max_bytes" default:"10000000"`
		} `yaml:"consumer"`
	} `yaml:"kafka"`
	Session struct {
		Location      string        `yaml:"location" default:"Asia/Taipei" validate:"required"`
		Open          string        `yaml:"open" default:"09:00" validate:"datetime=15:04"`
		Close         string        `yaml:"close" default:"13:30" validate:"datetime=15:04"`
		Step          time.Duration `yaml:"step" default:"5m" validate:"gt=0"`
		TradeWeekends bool          `yaml:"trade_weekends"`
		Holidays      []string      `yaml:"holidays" validate:"dive,datetime=2006-01-02"`
	} `yaml:"session"`
	Instruments []Instrument `yaml:"instruments" validate:"dive"`
	Engine      struct {
		Tolerance          time.Duration `yaml:"tolerance" default:"3m" validate:"gte=0"`
		MaxConcurrency     int           `yaml:"max_concurrency" default:"4" validate:"min=1"`
		LockTTL            time.Duration `yaml:"lock_ttl" default:"30s"`
		SyncTimeout        time.Duration `yaml:"sync_timeout" default:"30s"`
		ClosedSyncInterval time.Duration `yaml:"closed_sync_interval" default:"5m" validate:"gte=0"`
		Retention          time.Duration `yaml:"retention" default:"24h" validate:"gt=0"`
		PurgeInterval      time.Duration `yaml:"purge_interval" default:"1h"`
	} `yaml:"engine"`
	Upstream struct {
		Timeout    time.Duration `yaml:"timeout" default:"10s"`
		UserAgent  string        `yaml:"user_agent"`
		YahooURL   string        `yaml:"yahoo_url"`
		GoogleURL  string        `yaml:"google_url"`
		TWSEURL    string        `yaml:"twse_url"`
		Sources    []string      `yaml:"sources" default:"[\"yahoo\",\"google\"]" validate:"min=1,dive,oneof=yahoo google"`
		ChartRange string        `yaml:"chart_range" default:"5d"`
		Interval   string        `yaml:"interval" default:"5m"`
		Retry      struct {
			MaxRetries      int           `yaml:"max_retries" default:"2"`
			InitialInterval time.Duration `yaml:"initial_interval" default:"200ms"`
			MaxInterval     time.Duration `yaml:"max_interval" default:"2s"`
		} `yaml:"retry"`
		Breaker struct {
			Failures uint32        `yaml:"failures" default:"5"`
			OpenFor  time.Duration `yaml:"open_for" default:"30s"`
		} `yaml:"breaker"`
	} `yaml:"upstream"`
	Board struct {
		QuoteTTL         time.Duration `yaml:"quote_ttl" default:"3s"`
		DailyTTL         time.Duration `yaml:"daily_ttl" default:"1h"`
		IndexTTL         time.Duration `yaml:"index_ttl" default:"1m"`
		QuoteInterval    time.Duration `yaml:"quote_interval" default:"3s"`
		SnapshotInterval time.Duration `yaml:"snapshot_interval" default:"5m"`
		SnapshotOut      string        `yaml:"snapshot_out" default:"public/data/stock_cache.json"`
		HubMaxRPS        int           `yaml:"hub_max_rps" default:"5"`
		HubBuffer        int           `yaml:"hub_buffer" default:"256"`
	} `yaml:"board"`
	Summary struct {
		APIKey      string        `yaml:"api_key"`
		Model       string        `yaml:"model" default:"gemini-1.5-pro"`
		CacheTTL    time.Duration `yaml:"cache_ttl" default:"10m"`
		RateBurst   float64       `yaml:"rate_burst" default:"5"`
		RatePerSec  float64       `yaml:"rate_per_sec" default:"0.2"`
		RateIdleTTL time.Duration `yaml:"rate_idle_ttl" default:"10m"`
	} `yaml:"summary"`
	Queue struct {
		Enabled       bool          `yaml:"enabled"`
		ConsumerName  string        `yaml:"consumer_name" default:"default"`
		Workers       int           `yaml:"workers" default:"2" validate:"min=1"`
		MaxPending    int           `yaml:"max_pending" default:"100" validate:"min=0"`
		RetryLimit    int           `yaml:"retry_limit" default:"3" validate:"min=0"`
		RetryDelay    time.Duration `yaml:"retry_delay" default:"5s"`
		MaxRetryDelay time.Duration `yaml:"max_retry_delay" default:"5m"`
	} `yaml:"queue"`
}

// Instrument overrides the built-in tracked universe.
type Instrument struct {
	ID       string `yaml:"id" validate:"required,numeric"`
	Name     string `yaml:"name" validate:"required"`
	Category string `yaml:"category"`
}

var validate = validator.New()

// Default returns a config populated with defaults only.
func Default() *Config {
	var c Config
	if err := defaults.Set(&c); err != nil {
		panic(fmt.Sprintf("config defaults: %v", err))
	}
	return &c
}

// Load reads and parses a YAML configuration file on top of the defaults.
// An empty path yields the defaults.
func Load(path string) (*Config, error) {
	c, err := load(path)
	if err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return c, nil
}

func load(path string) (*Config, error) {
	c := Default()
	if path == "" {
		return c, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return c, nil
}

// LoadWithEnv loads config from YAML and overrides with environment variables.
// A missing file is not an error; the defaults and environment still apply.
func LoadWithEnv(path string) (*Config, error) {
	c, err := load(path)
	if errors.Is(err, os.ErrNotExist) {
		c, err = load("")
	}
	if err != nil {
		return nil, err
	}
	if err := c.applyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return c, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	list := func(key string, dst *[]string) {
		if v := getenv(key); v != "" {
			*dst = splitList(v)
		}
	}

	str("APP_ENV", &c.Environment)
	str("LOG_LEVEL", &c.Logger.Level)
	str("BACKEND", &c.Backend.Type)
	str("CACHE", &c.Cache.Type)
	str("GEMINI_API_KEY", &c.Summary.APIKey)
	str("CLICKHOUSE_HOST", &c.ClickHouse.Host)
	str("CLICKHOUSE_PASSWORD", &c.ClickHouse.Password)
	str("POSTGRES_HOST", &c.Postgres.Host)
	str("POSTGRES_PASSWORD", &c.Postgres.Password)
	str("REDIS_PASSWORD", &c.Redis.Password)
	str("SNAPSHOT_OUT", &c.Board.SnapshotOut)
	str("QUEUE_CONSUMER", &c.Queue.ConsumerName)
	list("KAFKA_BROKERS", &c.Kafka.Brokers)
	list("CORS_ORIGINS", &c.Server.AllowOrigins)
	list("HOLIDAYS", &c.Session.Holidays)

	if v := getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PORT: %w", err)
		}
		c.Server.Port = port
	}
	if v := getenv("REDIS_ADDR"); v != "" {
		host, port, err := splitHostPort(v)
		if err != nil {
			return fmt.Errorf("REDIS_ADDR: %w", err)
		}
		c.Redis.Host, c.Redis.Port = host, port
	}
	if len(c.Kafka.Brokers) > 0 && getenv("KAFKA_BROKERS") != "" {
		c.Kafka.Enabled = true
	}
	return nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if _, err := time.LoadLocation(c.Session.Location); err != nil {
		return fmt.Errorf("session.location: %w", err)
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers cannot be empty when kafka is enabled")
	}
	if c.Kafka.Consumer.Enabled && !c.Kafka.Enabled {
		return fmt.Errorf("kafka.consumer requires kafka.enabled")
	}
	if c.Queue.Enabled && c.Cache.Type == CacheMemory {
		return fmt.Errorf("queue requires a redis or layered cache")
	}
	return nil
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func splitHostPort(addr string) (string, int, error) {
	i := strings.LastIndex(addr, ":")
	if i < 0 {
		return addr, 6379, nil
	}
	port, err := strconv.Atoi(addr[i+1:])
	if err != nil {
		return "", 0, err
	}
	return addr[:i], port, nil
}
