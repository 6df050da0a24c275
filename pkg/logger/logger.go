package logger

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Field keys shared by components and the collector's default grouping.
const (
	KeyInstrument = "instrument"
	KeySource     = "source"
	KeyError      = "error"
)

// Logger wraps zerolog. Children created with With share the parent's
// collector, including one attached after they were created.
type Logger struct {
	zl   zerolog.Logger
	sink *collectorSink
}

type collectorSink struct {
	mu       sync.RWMutex
	c        *LogCollector
	minLevel zerolog.Level
}

type Config struct {
	Level      string // debug, info, warn, error
	Format     string // json or console
	Output     string // stdout, stderr, or file path
	TimeFormat string

	// Rotation of file output, ignored for stdout/stderr.
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// NewNop returns a logger that discards everything.
func NewNop() *Logger {
	return &Logger{zl: zerolog.Nop(), sink: &collectorSink{}}
}

func New(cfg *Config) (*Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	out, err := openOutput(cfg)
	if err != nil {
		return nil, err
	}

	tf := cfg.TimeFormat
	if tf == "" {
		tf = time.RFC3339Nano
	}
	zerolog.TimeFieldFormat = tf
	zerolog.DurationFieldUnit = time.Millisecond
	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: tf}
	}

	// user code -> Info -> emit -> Msg
	zl := zerolog.New(out).Level(level).With().Timestamp().CallerWithSkipFrameCount(4).Logger()
	return &Logger{zl: zl, sink: &collectorSink{}}, nil
}

func openOutput(cfg *Config) (io.Writer, error) {
	switch cfg.Output {
	case "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	case "":
		return nil, fmt.Errorf("log output is required")
	}
	maxSize := cfg.MaxSizeMB
	if maxSize <= 0 {
		maxSize = 100
	}
	return &lumberjack.Logger{
		Filename:   cfg.Output,
		MaxSize:    maxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
		LocalTime:  true,
	}, nil
}

func (l *Logger) Debug(msg string, fields ...Field) { l.emit(zerolog.DebugLevel, msg, fields) }
func (l *Logger) Info(msg string, fields ...Field)  { l.emit(zerolog.InfoLevel, msg, fields) }
func (l *Logger) Warn(msg string, fields ...Field)  { l.emit(zerolog.WarnLevel, msg, fields) }
func (l *Logger) Error(msg string, fields ...Field) { l.emit(zerolog.ErrorLevel, msg, fields) }

func (l *Logger) emit(level zerolog.Level, msg string, fields []Field) {
	if e := l.zl.WithLevel(level); e != nil {
		for _, f := range fields {
			f.AddTo(e)
		}
		e.Msg(msg)
	}

	l.sink.mu.RLock()
	c, minLvl := l.sink.c, l.sink.minLevel
	l.sink.mu.RUnlock()
	if c == nil || level < minLvl {
		return
	}
	m := make(map[string]interface{}, len(fields))
	for _, f := range fields {
		k, v := f.GetKeyValue()
		m[k] = v
	}
	c.AddLog(level.String(), msg, m, caller(3))
}

// caller formats the source position skip frames up, relative to the module.
func caller(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		return "unknown"
	}
	if i := strings.LastIndex(file, "FHCElite/"); i >= 0 {
		file = file[i+len("FHCElite/"):]
	}
	return fmt.Sprintf("%s:%d", file, line)
}

// AddCollector attaches an aggregating collector, replacing any previous
// one. Events at cfg.MinLevel or above are collected; the default is error.
func (l *Logger) AddCollector(cfg *CollectionConfig) {
	minLvl := zerolog.ErrorLevel
	if cfg.MinLevel != "" {
		if lv, err := zerolog.ParseLevel(cfg.MinLevel); err == nil {
			minLvl = lv
		}
	}
	next := NewLogCollector(cfg)

	l.sink.mu.Lock()
	prev := l.sink.c
	l.sink.c, l.sink.minLevel = next, minLvl
	l.sink.mu.Unlock()
	if prev != nil {
		prev.Close()
	}
}

// RemoveCollector flushes and detaches the collector.
func (l *Logger) RemoveCollector() {
	l.sink.mu.Lock()
	prev := l.sink.c
	l.sink.c = nil
	l.sink.mu.Unlock()
	if prev != nil {
		prev.Close()
	}
}

// With returns a child logger carrying fields on every event.
func (l *Logger) With(fields ...Field) *Logger {
	ctx := l.zl.With()
	for _, f := range fields {
		k, v := f.GetKeyValue()
		ctx = ctx.Interface(k, v)
	}
	return &Logger{zl: ctx.Logger(), sink: l.sink}
}

// Field is one structured key/value pair.
type Field struct {
	Key   string
	Value interface{}
}

func (f Field) AddTo(e *zerolog.Event) {
	switch v := f.Value.(type) {
	case string:
		e.Str(f.Key, v)
	case int:
		e.Int(f.Key, v)
	case int64:
		e.Int64(f.Key, v)
	case float64:
		e.Float64(f.Key, v)
	case bool:
		e.Bool(f.Key, v)
	case time.Time:
		e.Time(f.Key, v)
	case time.Duration:
		e.Dur(f.Key, v)
	case error:
		e.AnErr(f.Key, v)
	default:
		e.Interface(f.Key, v)
	}
}

// GetKeyValue returns a JSON friendly value: errors and durations as text,
// times as RFC 3339.
func (f Field) GetKeyValue() (string, interface{}) {
	switch v := f.Value.(type) {
	case error:
		return f.Key, v.Error()
	case time.Time:
		return f.Key, v.Format(time.RFC3339)
	case time.Duration:
		return f.Key, v.String()
	}
	return f.Key, f.Value
}

func String(key, value string) Field                 { return Field{key, value} }
func Strings(key string, value []string) Field       { return String(key, strings.Join(value, ", ")) }
func Int(key string, value int) Field                { return Field{key, value} }
func Int64(key string, value int64) Field            { return Field{key, value} }
func Float64(key string, value float64) Field        { return Field{key, value} }
func Bool(key string, value bool) Field              { return Field{key, value} }
func Time(key string, value time.Time) Field         { return Field{key, value} }
func Duration(key string, value time.Duration) Field { return Field{key, value} }

// Error keys err under "error"; a nil err is logged as null.
func Error(err error) Field { return Field{KeyError, err} }
