package cache

import (
	"context"
	"time"
)

// Store is a byte cache with per-key TTL. A ttl <= 0 keeps the key until it
// is deleted or overwritten.
type Store interface {
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	// MGet returns only the keys that were found.
	MGet(ctx context.Context, keys []string) (map[string][]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
