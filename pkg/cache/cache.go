package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrCacheMiss = errors.New("cache: key not found")

// Service defines cache operations. Values are stored JSON-encoded, except
// strings which are stored verbatim.
type Service interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Get(ctx context.Context, key string, dest interface{}) error
	Delete(ctx context.Context, keys ...string) error
	MSet(ctx context.Context, values map[string]interface{}, expiration time.Duration) error
	MGet(ctx context.Context, keys ...string) (map[string]string, error)
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key string) error
	Close() error
}

// MGetTyped retrieves multiple keys and unmarshals each into T. Entries
// that fail to decode are skipped.
func MGetTyped[T any](ctx context.Context, c Service, keys ...string) (map[string]T, error) {
	if len(keys) == 0 {
		return make(map[string]T), nil
	}
	raw, err := c.MGet(ctx, keys...)
	if err != nil {
		return nil, err
	}
	out := make(map[string]T, len(raw))
	for key, v := range raw {
		var obj T
		if err := json.Unmarshal([]byte(v), &obj); err != nil {
			continue
		}
		out[key] = obj
	}
	return out, nil
}

// Key joins parts with ':'.
func Key(parts ...string) string {
	return strings.Join(parts, ":")
}

func encode(value interface{}) ([]byte, error) {
	switch v := value.(type) {
	case string:
		return []byte(v), nil
	case []byte:
		return v, nil
	default:
		b, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("cache encode: %w", err)
		}
		return b, nil
	}
}

func decode(data []byte, dest interface{}) error {
	switch d := dest.(type) {
	case *string:
		*d = string(data)
		return nil
	case *[]byte:
		*d = append((*d)[:0], data...)
		return nil
	default:
		if err := json.Unmarshal(data, dest); err != nil {
			return fmt.Errorf("cache decode: %w", err)
		}
		return nil
	}
}
