package cache

import (
	"context"
	"errors"
	"testing"
	"time"
)

type tile struct {
	ID    string  `json:"id"`
	Price float64 `json:"price"`
}

func TestMemoryRoundTripsStructs(t *testing.T) {
	ctx := context.Background()
	mc := NewMemoryCache()
	defer mc.Close()

	if err := mc.Set(ctx, "quote:2881", tile{ID: "2881", Price: 80.5}, time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	var got tile
	if err := mc.Get(ctx, "quote:2881", &got); err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ID != "2881" || got.Price != 80.5 {
		t.Fatalf("unexpected value %+v", got)
	}

	var s string
	_ = mc.Set(ctx, "raw", "hello", 0)
	if err := mc.Get(ctx, "raw", &s); err != nil || s != "hello" {
		t.Fatalf("expected raw string, got %q %v", s, err)
	}

	if err := mc.Get(ctx, "missing", &got); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected miss, got %v", err)
	}
}

func TestMemoryExpiry(t *testing.T) {
	ctx := context.Background()
	mc := NewMemoryCache()
	defer mc.Close()
	now := time.Date(2024, 6, 11, 9, 0, 0, 0, time.UTC)
	mc.now = func() time.Time { return now }

	_ = mc.Set(ctx, "k", "v", time.Second)
	now = now.Add(2 * time.Second)
	var s string
	if err := mc.Get(ctx, "k", &s); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected expired entry to miss, got %v", err)
	}
}

func TestMemoryEvictsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	mc := NewMemoryCache(WithMemoryMaxSize(2))
	defer mc.Close()
	now := time.Date(2024, 6, 11, 9, 0, 0, 0, time.UTC)
	mc.now = func() time.Time { now = now.Add(time.Millisecond); return now }

	_ = mc.Set(ctx, "a", "1", 0)
	_ = mc.Set(ctx, "b", "2", 0)
	var s string
	_ = mc.Get(ctx, "a", &s) // a is now newer than b
	_ = mc.Set(ctx, "c", "3", 0)

	if err := mc.Get(ctx, "b", &s); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected b evicted")
	}
	if err := mc.Get(ctx, "a", &s); err != nil {
		t.Fatalf("expected a kept: %v", err)
	}
	if mc.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", mc.Len())
	}
}

func TestMemoryTryLock(t *testing.T) {
	ctx := context.Background()
	mc := NewMemoryCache()
	defer mc.Close()

	ok, _ := mc.TryLock(ctx, "sync:2881", time.Minute)
	if !ok {
		t.Fatalf("first lock should succeed")
	}
	if ok, _ := mc.TryLock(ctx, "sync:2881", time.Minute); ok {
		t.Fatalf("second lock should fail")
	}
	_ = mc.Unlock(ctx, "sync:2881")
	if ok, _ := mc.TryLock(ctx, "sync:2881", time.Minute); !ok {
		t.Fatalf("lock after unlock should succeed")
	}
}

func TestMGetTyped(t *testing.T) {
	ctx := context.Background()
	mc := NewMemoryCache()
	defer mc.Close()
	_ = mc.MSet(ctx, map[string]interface{}{
		"a": tile{ID: "2881", Price: 1},
		"b": tile{ID: "2886", Price: 2},
	}, time.Minute)
	_ = mc.Set(ctx, "bad", "not json", time.Minute)

	got, err := MGetTyped[tile](ctx, mc, "a", "b", "bad", "missing")
	if err != nil {
		t.Fatalf("mget: %v", err)
	}
	if len(got) != 2 || got["b"].ID != "2886" {
		t.Fatalf("unexpected result %+v", got)
	}
}

func TestLayeredReadsThroughToL2(t *testing.T) {
	ctx := context.Background()
	l2 := NewMemoryCache()
	lc := NewLayeredCache(l2, WithLayeredMemory(10, time.Minute))
	defer lc.Close()

	_ = l2.Set(ctx, "quote:2886", tile{ID: "2886", Price: 39.15}, time.Minute)
	var got tile
	if err := lc.Get(ctx, "quote:2886", &got); err != nil || got.Price != 39.15 {
		t.Fatalf("expected L2 hit, got %+v %v", got, err)
	}

	if err := lc.Set(ctx, "quote:2881", tile{ID: "2881", Price: 80}, time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	var fromL2 tile
	if err := l2.Get(ctx, "quote:2881", &fromL2); err != nil || fromL2.Price != 80 {
		t.Fatalf("expected write-through, got %+v %v", fromL2, err)
	}

	_ = lc.Delete(ctx, "quote:2881")
	if err := lc.Get(ctx, "quote:2881", &got); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected miss after delete, got %v", err)
	}
}
