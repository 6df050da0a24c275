package cache

import (
	"context"
	"sync"
	"time"
)

type memoryItem struct {
	data     []byte
	expireAt time.Time
	access   time.Time
}

func (m *memoryItem) expired(now time.Time) bool {
	return !m.expireAt.IsZero() && now.After(m.expireAt)
}

// MemoryCache implements Service in process with LRU eviction once MaxSize
// entries are held.
type MemoryCache struct {
	mu      sync.Mutex
	data    map[string]*memoryItem
	maxSize int
	now     func() time.Time
	stop    chan struct{}
	once    sync.Once
}

func NewMemoryCache(opts ...MemoryOption) *MemoryCache {
	cfg := &MemoryConfig{
		MaxSize:         1000,
		CleanupInterval: 5 * time.Minute,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	mc := &MemoryCache{
		data:    make(map[string]*memoryItem),
		maxSize: cfg.MaxSize,
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go mc.cleanup(cfg.CleanupInterval)
	return mc
}

func (mc *MemoryCache) Set(_ context.Context, key string, value interface{}, expiration time.Duration) error {
	data, err := encode(value)
	if err != nil {
		return err
	}
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.put(key, data, expiration)
	return nil
}

func (mc *MemoryCache) put(key string, data []byte, expiration time.Duration) {
	now := mc.now()
	if _, ok := mc.data[key]; !ok && len(mc.data) >= mc.maxSize {
		mc.evictLRU()
	}
	item := &memoryItem{data: data, access: now}
	if expiration > 0 {
		item.expireAt = now.Add(expiration)
	}
	mc.data[key] = item
}

func (mc *MemoryCache) Get(_ context.Context, key string, dest interface{}) error {
	mc.mu.Lock()
	item, ok := mc.lookup(key)
	var data []byte
	if ok {
		item.access = mc.now()
		data = item.data
	}
	mc.mu.Unlock()
	if !ok {
		return ErrCacheMiss
	}
	return decode(data, dest)
}

// lookup drops expired entries on the way. Caller holds mu.
func (mc *MemoryCache) lookup(key string) (*memoryItem, bool) {
	item, ok := mc.data[key]
	if !ok {
		return nil, false
	}
	if item.expired(mc.now()) {
		delete(mc.data, key)
		return nil, false
	}
	return item, true
}

func (mc *MemoryCache) Delete(_ context.Context, keys ...string) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	for _, key := range keys {
		delete(mc.data, key)
	}
	return nil
}

func (mc *MemoryCache) MSet(ctx context.Context, values map[string]interface{}, expiration time.Duration) error {
	for key, value := range values {
		if err := mc.Set(ctx, key, value, expiration); err != nil {
			return err
		}
	}
	return nil
}

func (mc *MemoryCache) MGet(_ context.Context, keys ...string) (map[string]string, error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	out := make(map[string]string, len(keys))
	for _, key := range keys {
		if item, ok := mc.lookup(key); ok {
			out[key] = string(item.data)
		}
	}
	return out, nil
}

func (mc *MemoryCache) TryLock(_ context.Context, key string, ttl time.Duration) (bool, error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if _, ok := mc.lookup(key); ok {
		return false, nil
	}
	mc.put(key, []byte("locked"), ttl)
	return true, nil
}

func (mc *MemoryCache) Unlock(ctx context.Context, key string) error {
	return mc.Delete(ctx, key)
}

// Len reports live and not yet swept entries.
func (mc *MemoryCache) Len() int {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return len(mc.data)
}

func (mc *MemoryCache) evictLRU() {
	var oldestKey string
	var oldest time.Time
	for key, item := range mc.data {
		if oldestKey == "" || item.access.Before(oldest) {
			oldestKey, oldest = key, item.access
		}
	}
	if oldestKey != "" {
		delete(mc.data, oldestKey)
	}
}

func (mc *MemoryCache) cleanup(interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-mc.stop:
			return
		case <-ticker.C:
			mc.mu.Lock()
			now := mc.now()
			for key, item := range mc.data {
				if item.expired(now) {
					delete(mc.data, key)
				}
			}
			mc.mu.Unlock()
		}
	}
}

// Close stops the cleanup goroutine.
func (mc *MemoryCache) Close() error {
	mc.once.Do(func() { close(mc.stop) })
	return nil
}
