package logger

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type recordingPublisher struct {
	mu      sync.Mutex
	topics  []string
	batches []LogBatch
}

func (p *recordingPublisher) PublishMessage(_ context.Context, topic string, payload interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	p.batches = append(p.batches, payload.(LogBatch))
	return nil
}

func TestCollectorAggregatesByKeyFields(t *testing.T) {
	pub := &recordingPublisher{}
	l := NewNop()
	l.AddCollector(&CollectionConfig{TimeInterval: time.Hour, CountThreshold: 10, Service: "fhcelite", Topic: "logs", Publisher: pub})

	for i := 0; i < 3; i++ {
		l.Error("sync failed", String("instrument", "2881"), Error(fmt.Errorf("attempt %d: boom", i)))
	}
	l.Error("sync failed", String("instrument", "2886"), Error(errors.New("boom")))
	l.RemoveCollector()

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.batches) != 1 || pub.topics[0] != "logs" {
		t.Fatalf("expected one flush to logs, got %v", pub.topics)
	}
	b := pub.batches[0]
	if b.Service != "fhcelite" || len(b.Entries) != 2 {
		t.Fatalf("unexpected batch %+v", b)
	}
	if first := b.Entries[0]; first.Fields["instrument"] != "2881" || first.Count != 3 {
		t.Fatalf("most frequent entry first, got %+v", first)
	}
	if got := b.Entries[0].Fields["error"]; got != "attempt 2: boom" {
		t.Fatalf("fields should come from the latest occurrence, got %v", got)
	}
}

func TestCollectorThresholdForcesFlush(t *testing.T) {
	pub := &recordingPublisher{}
	c := NewLogCollector(&CollectionConfig{TimeInterval: time.Hour, CountThreshold: 2, Publisher: pub})
	c.AddLog("error", "a", nil, "x.go:1")
	c.AddLog("error", "b", nil, "x.go:2")
	c.AddLog("error", "c", nil, "x.go:3")
	c.Close()

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.batches) != 2 || len(pub.batches[0].Entries) != 2 || len(pub.batches[1].Entries) != 1 {
		t.Fatalf("unexpected batches %+v", pub.batches)
	}
}

func TestNewRejectsBadLevel(t *testing.T) {
	if _, err := New(&Config{Level: "loud", Output: "stdout"}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestNewFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	l, err := New(&Config{Level: "info", Format: "json", Output: path, MaxSizeMB: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	l.With(String("component", "test")).Info("hello", Float64("price", 39.15))
}

func TestErrorFieldNil(t *testing.T) {
	k, v := Error(nil).GetKeyValue()
	if k != "error" || v != nil {
		t.Fatalf("unexpected %s=%v", k, v)
	}
}
