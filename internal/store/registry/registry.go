// Package registry maps a backend name to a constructed Store. Cache-
// fronted variants build the authoritative fallback first, then the
// primary key-value tier, then the wrapper. Construction failures are
// returned as-is; the registry never substitutes a different backend.
package registry

import (
	"fmt"
	"strings"
	"time"

	"github.com/kestrelsec/kestrel-backend/internal/clients/localkv"
	"github.com/kestrelsec/kestrel-backend/internal/clients/rediskv"
	"github.com/kestrelsec/kestrel-backend/internal/pkg/logger"
	"github.com/kestrelsec/kestrel-backend/internal/store"
	"github.com/kestrelsec/kestrel-backend/internal/store/cached"
	"github.com/kestrelsec/kestrel-backend/internal/store/document"
	"github.com/kestrelsec/kestrel-backend/internal/store/match"
	"github.com/kestrelsec/kestrel-backend/internal/store/memory"
	"github.com/kestrelsec/kestrel-backend/internal/store/relational"
)

// Config carries everything a backend constructor can need. Unused
// sections are ignored by the selected backend.
type Config struct {
	Backend            string
	MultiTenant        bool
	DefaultTenant      string
	BulkLimit          int
	QueryLimitMax      int
	OperationTimeoutMS int
	TextFields         match.FieldMap

	CacheKeyPrefix    string
	CacheTTLs         map[string]time.Duration
	LocalCacheEntries int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	RelationalDSN string

	Neo4jURI      string
	Neo4jUser     string
	Neo4jPassword string
	Neo4jDatabase string
}

// Open constructs the Store named by cfg.Backend: memory, relational,
// document, or any of those behind a cache tier (cache+memory,
// cache+relational, cache+document).
func Open(log *logger.Logger, cfg Config) (store.Store, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Backend))
	if name == "" {
		name = "memory"
	}

	fronted := false
	if rest, ok := strings.CutPrefix(name, "cache+"); ok {
		fronted = true
		name = rest
	}

	st, err := openInner(log, name, cfg)
	if err != nil {
		return nil, err
	}
	if fronted {
		primary, err := openPrimary(log, cfg)
		if err != nil {
			return nil, err
		}
		st = cached.New(log, primary, st, cached.Options{
			KeyPrefix:   cfg.CacheKeyPrefix,
			TTLs:        cfg.CacheTTLs,
			MultiTenant: cfg.MultiTenant,
		})
	}
	return store.WithDefaultTenant(st, cfg.DefaultTenant), nil
}

func openInner(log *logger.Logger, name string, cfg Config) (store.Store, error) {
	switch name {
	case "memory":
		return memory.New(log, memory.Options{
			MultiTenant:   cfg.MultiTenant,
			MaxQueryLimit: cfg.QueryLimitMax,
			BulkLimit:     cfg.BulkLimit,
			TextFields:    cfg.TextFields,
		}), nil
	case "relational":
		if cfg.RelationalDSN == "" {
			return nil, fmt.Errorf("backend %q requires a relational DSN", name)
		}
		return relational.Open(log, cfg.RelationalDSN, relational.Options{
			MultiTenant:   cfg.MultiTenant,
			MaxQueryLimit: cfg.QueryLimitMax,
			BulkLimit:     cfg.BulkLimit,
			TimeoutMS:     cfg.OperationTimeoutMS,
			TextFields:    cfg.TextFields,
		})
	case "document":
		if cfg.Neo4jURI == "" {
			return nil, fmt.Errorf("backend %q requires a neo4j uri", name)
		}
		return document.Open(log, document.Config{
			URI:      cfg.Neo4jURI,
			User:     cfg.Neo4jUser,
			Password: cfg.Neo4jPassword,
			Database: cfg.Neo4jDatabase,
		}, document.Options{
			MultiTenant:   cfg.MultiTenant,
			MaxQueryLimit: cfg.QueryLimitMax,
			BulkLimit:     cfg.BulkLimit,
			TimeoutMS:     cfg.OperationTimeoutMS,
			TextFields:    cfg.TextFields,
		})
	default:
		return nil, fmt.Errorf("unknown backend %q", name)
	}
}

// openPrimary picks the cache tier: redis when an address is configured,
// otherwise an in-process LRU.
func openPrimary(log *logger.Logger, cfg Config) (cached.KeyValue, error) {
	if cfg.RedisAddr != "" {
		return rediskv.New(log, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	}
	return localkv.New(log, cfg.LocalCacheEntries)
}
