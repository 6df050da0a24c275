package logger

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

type Publisher interface {
	PublishMessage(ctx context.Context, topic string, payload interface{}) error
}

// CollectionConfig controls error aggregation.
//
// Entries are grouped by level, message, caller and the values of KeyFields.
// Other fields (error text, prices, durations) are kept from the latest
// occurrence only, so one failing instrument yields one entry per window
// however often it fails.
type CollectionConfig struct {
	TimeInterval   time.Duration // flush interval
	CountThreshold int           // distinct entries that force a flush
	KeyFields      []string      // defaults to instrument and source
	MinLevel       string        // lowest collected level, defaults to error
	Service        string
	Topic          string
	Publisher      Publisher
}

type AggregatedLogEntry struct {
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Caller    string                 `json:"caller"`
	Fields    map[string]interface{} `json:"fields"`
	Count     int                    `json:"count"`
	FirstSeen time.Time              `json:"firstSeen"`
	LastSeen  time.Time              `json:"lastSeen"`
}

// LogBatch is one flushed window, most frequent entries first.
type LogBatch struct {
	Service string               `json:"service,omitempty"`
	From    time.Time            `json:"from"`
	To      time.Time            `json:"to"`
	Entries []AggregatedLogEntry `json:"entries"`
}

type LogCollector struct {
	cfg     CollectionConfig
	mu      sync.Mutex
	entries map[string]*AggregatedLogEntry
	since   time.Time
	flushCh chan LogBatch
	stop    chan struct{}
	done    chan struct{}
	now     func() time.Time
}

func NewLogCollector(config *CollectionConfig) *LogCollector {
	cfg := *config
	if cfg.TimeInterval <= 0 {
		cfg.TimeInterval = 30 * time.Second
	}
	if cfg.CountThreshold <= 0 {
		cfg.CountThreshold = 100
	}
	if len(cfg.KeyFields) == 0 {
		cfg.KeyFields = []string{KeyInstrument, KeySource}
	}
	c := &LogCollector{
		cfg:     cfg,
		entries: make(map[string]*AggregatedLogEntry),
		flushCh: make(chan LogBatch, 4),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		now:     time.Now,
	}
	c.since = c.now()
	go c.loop()
	return c
}

func (c *LogCollector) AddLog(level, message string, fields map[string]interface{}, caller string) {
	now := c.now()
	key := c.key(level, message, fields, caller)

	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		e.Count++
		e.LastSeen = now
		e.Fields = fields
		return
	}
	c.entries[key] = &AggregatedLogEntry{
		Level:     level,
		Message:   message,
		Caller:    caller,
		Fields:    fields,
		Count:     1,
		FirstSeen: now,
		LastSeen:  now,
	}
	if len(c.entries) >= c.cfg.CountThreshold {
		c.cut(now)
	}
}

func (c *LogCollector) key(level, message string, fields map[string]interface{}, caller string) string {
	var b strings.Builder
	b.WriteString(level)
	b.WriteByte(0)
	b.WriteString(message)
	b.WriteByte(0)
	b.WriteString(caller)
	for _, k := range c.cfg.KeyFields {
		b.WriteByte(0)
		if v, ok := fields[k]; ok {
			fmt.Fprint(&b, v)
		}
	}
	return b.String()
}

// cut hands the current window to the flush loop. Caller holds mu.
func (c *LogCollector) cut(now time.Time) {
	if len(c.entries) == 0 {
		c.since = now
		return
	}
	batch := LogBatch{Service: c.cfg.Service, From: c.since, To: now}
	batch.Entries = make([]AggregatedLogEntry, 0, len(c.entries))
	for _, e := range c.entries {
		batch.Entries = append(batch.Entries, *e)
	}
	sort.Slice(batch.Entries, func(i, j int) bool {
		return batch.Entries[i].Count > batch.Entries[j].Count
	})
	c.entries = make(map[string]*AggregatedLogEntry)
	c.since = now

	select {
	case c.flushCh <- batch:
	default:
		fmt.Fprintf(os.Stderr, "log collector backlog full, dropped %d entries\n", len(batch.Entries))
	}
}

func (c *LogCollector) loop() {
	defer close(c.done)
	t := time.NewTicker(c.cfg.TimeInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			c.mu.Lock()
			c.cut(c.now())
			c.mu.Unlock()
		case b := <-c.flushCh:
			c.publish(b)
		case <-c.stop:
			c.mu.Lock()
			c.cut(c.now())
			c.mu.Unlock()
			for {
				select {
				case b := <-c.flushCh:
					c.publish(b)
				default:
					return
				}
			}
		}
	}
}

func (c *LogCollector) publish(b LogBatch) {
	if c.cfg.Publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.cfg.Publisher.PublishMessage(ctx, c.cfg.Topic, b); err != nil {
		fmt.Fprintf(os.Stderr, "send aggregated logs to %s: %v\n", c.cfg.Topic, err)
	}
}

// Close flushes what is pending and stops the loop.
func (c *LogCollector) Close() {
	close(c.stop)
	<-c.done
}
