package cache

import (
	"context"
	"time"
)

// LayeredCache is a two-level cache: an in-process L1 in front of a shared
// L2. Writes go through to L2 first; L1 entries live at most l1TTL so a
// replica picks up values written by its peers.
type LayeredCache struct {
	l1    *MemoryCache
	l2    Service
	l1TTL time.Duration
}

func NewLayeredCache(l2 Service, opts ...LayeredOption) *LayeredCache {
	cfg := &LayeredConfig{
		MemoryMaxSize: 1000,
		MemoryTTL:     2 * time.Second,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return &LayeredCache{
		l1:    NewMemoryCache(WithMemoryMaxSize(cfg.MemoryMaxSize)),
		l2:    l2,
		l1TTL: cfg.MemoryTTL,
	}
}

func (lc *LayeredCache) l1Expiry(expiration time.Duration) time.Duration {
	if expiration > 0 && expiration < lc.l1TTL {
		return expiration
	}
	return lc.l1TTL
}

func (lc *LayeredCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	data, err := encode(value)
	if err != nil {
		return err
	}
	if err := lc.l2.Set(ctx, key, data, expiration); err != nil {
		return err
	}
	return lc.l1.Set(ctx, key, data, lc.l1Expiry(expiration))
}

func (lc *LayeredCache) Get(ctx context.Context, key string, dest interface{}) error {
	if err := lc.l1.Get(ctx, key, dest); err == nil {
		return nil
	}
	var data []byte
	if err := lc.l2.Get(ctx, key, &data); err != nil {
		return err
	}
	_ = lc.l1.Set(ctx, key, data, lc.l1TTL)
	return decode(data, dest)
}

func (lc *LayeredCache) Delete(ctx context.Context, keys ...string) error {
	_ = lc.l1.Delete(ctx, keys...)
	return lc.l2.Delete(ctx, keys...)
}

func (lc *LayeredCache) MSet(ctx context.Context, values map[string]interface{}, expiration time.Duration) error {
	if err := lc.l2.MSet(ctx, values, expiration); err != nil {
		return err
	}
	return lc.l1.MSet(ctx, values, lc.l1Expiry(expiration))
}

func (lc *LayeredCache) MGet(ctx context.Context, keys ...string) (map[string]string, error) {
	return lc.l2.MGet(ctx, keys...)
}

func (lc *LayeredCache) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return lc.l2.TryLock(ctx, key, ttl)
}

func (lc *LayeredCache) Unlock(ctx context.Context, key string) error {
	return lc.l2.Unlock(ctx, key)
}

func (lc *LayeredCache) Close() error {
	_ = lc.l1.Close()
	return lc.l2.Close()
}
