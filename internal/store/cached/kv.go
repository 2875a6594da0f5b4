package cached

import (
	"context"
	"time"
)

// KeyValue is the minimal primary-cache surface the cache-fronted store
// consumes. The store never uses features beyond these five calls.
type KeyValue interface {
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Get returns (nil, false, nil) on a clean miss; errors are reserved
	// for transport failure.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, key string) error
	Publish(ctx context.Context, channel string, payload []byte) error
	Close() error
}
