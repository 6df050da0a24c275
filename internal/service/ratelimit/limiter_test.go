package ratelimit

import (
	"testing"
	"time"
)

func TestLimiterRefills(t *testing.T) {
	now := time.Date(2024, 6, 11, 9, 0, 0, 0, time.UTC)
	l := New(2, 1)
	l.now = func() time.Time { return now }

	if !l.Allow("a") || !l.Allow("a") {
		t.Fatalf("burst of 2 should pass")
	}
	if l.Allow("a") {
		t.Fatalf("third call should be limited")
	}
	if !l.Allow("b") {
		t.Fatalf("keys are independent")
	}
	now = now.Add(time.Second)
	if !l.Allow("a") {
		t.Fatalf("one token should have refilled")
	}
}

func TestLimiterSweep(t *testing.T) {
	now := time.Date(2024, 6, 11, 9, 0, 0, 0, time.UTC)
	l := New(1, 1)
	l.now = func() time.Time { return now }
	l.Allow("old")
	now = now.Add(time.Hour)
	l.Allow("new")
	if n := l.Sweep(time.Minute); n != 1 {
		t.Fatalf("expected 1 swept, got %d", n)
	}
}
