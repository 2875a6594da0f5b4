// Package localkv is an in-process primary cache for single-node
// deployments and tests. It keeps per-entry deadlines on top of a bounded
// LRU so the cache-fronted store sees the same TTL semantics as the
// network primary.
package localkv

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/kestrelsec/kestrel-backend/internal/pkg/logger"
)

const defaultSize = 4096

type entry struct {
	value     []byte
	expiresAt time.Time
}

type Client struct {
	log *logger.Logger

	mu    sync.Mutex
	cache *lru.Cache[string, entry]
}

func New(log *logger.Logger, size int) (*Client, error) {
	if size <= 0 {
		size = defaultSize
	}
	cache, err := lru.New[string, entry](size)
	if err != nil {
		return nil, err
	}
	return &Client{
		log:   log.With("service", "LocalKV"),
		cache: cache,
	}, nil
}

func (c *Client) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var deadline time.Time
	if ttl > 0 {
		deadline = time.Now().Add(ttl)
	}
	cp := append([]byte(nil), value...)
	c.mu.Lock()
	c.cache.Add(key, entry{value: cp, expiresAt: deadline})
	c.mu.Unlock()
	return nil
}

func (c *Client) Get(ctx context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.cache.Get(key)
	if !ok {
		return nil, false, nil
	}
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		c.cache.Remove(key)
		return nil, false, nil
	}
	return append([]byte(nil), e.value...), true, nil
}

func (c *Client) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	c.cache.Remove(key)
	c.mu.Unlock()
	return nil
}

// Publish is a no-op: there are no other replicas to notify inside one
// process.
func (c *Client) Publish(ctx context.Context, channel string, payload []byte) error {
	return nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	c.cache.Purge()
	c.mu.Unlock()
	return nil
}

// Len reports the live entry count; used by tests to observe repopulation.
func (c *Client) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cache.Len()
}
