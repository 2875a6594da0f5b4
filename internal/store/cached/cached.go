// Package cached implements the cache-fronted Store: a fast KeyValue
// primary in front of an authoritative fallback Store. Reads repair the
// primary on miss; writes go through the fallback first. The primary is
// advisory and its failures never fail a user-visible operation once the
// fallback has succeeded.
package cached

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	uerr "github.com/kestrelsec/kestrel-backend/internal/pkg/errors"
	"github.com/kestrelsec/kestrel-backend/internal/pkg/logger"
	"github.com/kestrelsec/kestrel-backend/internal/observability"
	"github.com/kestrelsec/kestrel-backend/internal/store"
	"github.com/kestrelsec/kestrel-backend/internal/types"
)

const backendName = "cached"

// InvalidationChannel carries best-effort key invalidation notices for
// other replicas sharing the same primary.
const InvalidationChannel = "kestrel:invalidate"

// Options tune a cache-fronted Backend.
type Options struct {
	KeyPrefix string
	// TTLs overrides the default per-record-type table; missing types use
	// DefaultTTL.
	TTLs map[string]time.Duration
	// MultiTenant mirrors the fallback's tenant scoping. The hit path must
	// be exactly as strict as the fallback, or hits the fallback would
	// serve are suppressed.
	MultiTenant bool
}

// Backend wraps a primary KeyValue and a fallback Store. It takes no locks
// of its own; concurrency is the union of its inner backends'.
type Backend struct {
	log         *logger.Logger
	primary     KeyValue
	fallback    store.Store
	prefix      string
	ttls        map[string]time.Duration
	multiTenant bool
	closed      atomic.Bool
}

func New(log *logger.Logger, primary KeyValue, fallback store.Store, opts Options) *Backend {
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	ttls := DefaultTTLs()
	for rt, ttl := range opts.TTLs {
		ttls[rt] = ttl
	}
	return &Backend{
		log:         log.With("backend", backendName),
		primary:     primary,
		fallback:    fallback,
		prefix:      prefix,
		ttls:        ttls,
		multiTenant: opts.MultiTenant,
	}
}

func (b *Backend) Initialize(ctx context.Context) error {
	if b.closed.Load() {
		return uerr.Closed(backendName)
	}
	if err := b.fallback.Initialize(ctx); err != nil {
		return err
	}
	// The primary is probed, not required: the store degrades to the
	// fallback when the cache tier is unreachable.
	if err := b.primary.SetWithTTL(ctx, probeKey(b.prefix), []byte("ok"), time.Minute); err != nil {
		b.log.Warn("primary cache unreachable at initialize; continuing on fallback", "error", err)
	}
	return nil
}

func (b *Backend) Close() error {
	if b.closed.Swap(true) {
		return uerr.Closed(backendName)
	}
	if err := b.primary.Close(); err != nil {
		b.log.Warn("primary close failed", "error", err)
	}
	return b.fallback.Close()
}

func (b *Backend) Capabilities() types.Capabilities {
	return b.fallback.Capabilities()
}

func (b *Backend) HealthCheck(ctx context.Context) *types.HealthStatus {
	status := b.fallback.HealthCheck(ctx)
	reachable := true
	if _, _, err := b.primary.Get(ctx, probeKey(b.prefix)); err != nil {
		reachable = false
	}
	if status.Metrics == nil {
		status.Metrics = map[string]interface{}{}
	}
	status.Metrics["primary_reachable"] = reachable
	return status
}

func (b *Backend) StoreRecord(ctx context.Context, rec *types.Record, tc *types.TenantContext) (string, error) {
	if b.closed.Load() {
		return "", uerr.Closed(backendName)
	}
	id, err := b.fallback.StoreRecord(ctx, rec, tc)
	if err != nil {
		return "", err
	}
	b.populateFromFallback(ctx, id, tc)
	return id, nil
}

func (b *Backend) GetRecord(ctx context.Context, id string, tc *types.TenantContext) (*types.Record, error) {
	if b.closed.Load() {
		return nil, uerr.Closed(backendName)
	}
	if err := store.CheckPermission(tc, types.PermRead); err != nil {
		return nil, err
	}
	// Primary first; the fallback is consulted only on miss so the slower
	// tier never does speculative work.
	if rec := b.primaryGet(ctx, id, tc); rec != nil {
		observability.Current().CacheHit()
		return rec, nil
	}
	observability.Current().CacheMiss()
	rec, err := b.fallback.GetRecord(ctx, id, tc)
	if err != nil || rec == nil {
		// Negative results are not cached.
		return rec, err
	}
	b.primaryPut(ctx, rec, tc)
	return rec, nil
}

func (b *Backend) UpdateRecord(ctx context.Context, rec *types.Record, tc *types.TenantContext) error {
	if b.closed.Load() {
		return uerr.Closed(backendName)
	}
	if err := b.fallback.UpdateRecord(ctx, rec, tc); err != nil {
		return err
	}
	b.populateFromFallback(ctx, rec.ID, tc)
	return nil
}

func (b *Backend) DeleteRecord(ctx context.Context, id string, tc *types.TenantContext) error {
	if b.closed.Load() {
		return uerr.Closed(backendName)
	}
	if err := b.fallback.DeleteRecord(ctx, id, tc); err != nil {
		return err
	}
	b.primaryEvict(ctx, id, tc)
	return nil
}

func (b *Backend) QueryRecords(ctx context.Context, q *types.Query, tc *types.TenantContext) (*types.QueryResult, error) {
	if b.closed.Load() {
		return nil, uerr.Closed(backendName)
	}
	// Set queries always go to the fallback; the primary is a per-key
	// lookup structure with no useful answer for them.
	return b.fallback.QueryRecords(ctx, q, tc)
}

func (b *Backend) StoreRelationship(ctx context.Context, edge *types.Relationship, tc *types.TenantContext) (string, error) {
	if b.closed.Load() {
		return "", uerr.Closed(backendName)
	}
	id, err := b.fallback.StoreRelationship(ctx, edge, tc)
	if err != nil {
		return "", err
	}
	// The cached edge lists of both endpoints are stale now.
	b.invalidateKey(ctx, relKey(b.prefix, tc.Scope(), edge.SourceID))
	b.invalidateKey(ctx, relKey(b.prefix, tc.Scope(), edge.TargetID))
	return id, nil
}

func (b *Backend) GetRelationships(ctx context.Context, recordID string, tc *types.TenantContext) ([]*types.Relationship, error) {
	if b.closed.Load() {
		return nil, uerr.Closed(backendName)
	}
	if err := store.CheckPermission(tc, types.PermRead); err != nil {
		return nil, err
	}
	key := relKey(b.prefix, tc.Scope(), recordID)
	if raw, ok, err := b.primary.Get(ctx, key); err == nil && ok {
		var edges []*types.Relationship
		if decErr := json.Unmarshal(raw, &edges); decErr == nil {
			return edges, nil
		}
		b.log.Warn("dropping undecodable cached relationship list", "key", key)
		b.invalidateKey(ctx, key)
	} else if err != nil {
		b.log.Warn("primary read failed, falling through", "key", key, "error", err)
	}
	edges, err := b.fallback.GetRelationships(ctx, recordID, tc)
	if err != nil {
		return nil, err
	}
	if raw, mErr := json.Marshal(edges); mErr == nil {
		if sErr := b.primary.SetWithTTL(ctx, key, raw, DefaultTTL); sErr != nil {
			b.log.Warn("primary repopulate failed", "key", key, "error", sErr)
		}
	}
	return edges, nil
}

func (b *Backend) BulkStoreRecords(ctx context.Context, recs []*types.Record, tc *types.TenantContext) (*types.BulkResult, error) {
	if b.closed.Load() {
		return nil, uerr.Closed(backendName)
	}
	result, err := b.fallback.BulkStoreRecords(ctx, recs, tc)
	if err != nil {
		return nil, err
	}
	// Per-record primary writes follow the bulk fallback write; the result
	// reports the fallback's counts either way.
	for _, id := range result.ProcessedIDs {
		b.populateFromFallback(ctx, id, tc)
	}
	return result, nil
}

// primaryGet resolves id through the alias key, then fetches the canonical
// entry. Any failure reads as a miss.
func (b *Backend) primaryGet(ctx context.Context, id string, tc *types.TenantContext) *types.Record {
	alias, ok, err := b.primary.Get(ctx, aliasKey(b.prefix, tc.Scope(), id))
	if err != nil {
		b.log.Warn("primary alias read failed, falling through", "record_id", id, "error", err)
		return nil
	}
	if !ok {
		return nil
	}
	raw, ok, err := b.primary.Get(ctx, string(alias))
	if err != nil || !ok {
		return nil
	}
	var rec types.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		b.log.Warn("dropping undecodable cached record", "record_id", id, "error", err)
		b.invalidateKey(ctx, string(alias))
		return nil
	}
	if !store.Visible(&rec, tc, b.multiTenant) {
		return nil
	}
	return &rec
}

// primaryPut writes the canonical entry under the record's own scope and
// the alias under the reader's scope, both with the record-type TTL.
func (b *Backend) primaryPut(ctx context.Context, rec *types.Record, tc *types.TenantContext) {
	raw, err := json.Marshal(rec)
	if err != nil {
		b.log.Warn("record not cacheable", "record_id", rec.ID, "error", err)
		return
	}
	ttl := b.ttlFor(rec.RecordType)
	canonical := recordKey(b.prefix, rec.TenantID, rec.RecordType, rec.ID)
	if err := b.primary.SetWithTTL(ctx, canonical, raw, ttl); err != nil {
		b.log.Warn("primary write failed; read-through will repair", "key", canonical, "error", err)
		return
	}
	alias := aliasKey(b.prefix, tc.Scope(), rec.ID)
	if err := b.primary.SetWithTTL(ctx, alias, []byte(canonical), ttl); err != nil {
		b.log.Warn("primary alias write failed", "key", alias, "error", err)
	}
}

// populateFromFallback reads the just-written record back from the source
// of truth and pushes it into the primary, so readers after a successful
// write see their own write even through the cache tier.
func (b *Backend) populateFromFallback(ctx context.Context, id string, tc *types.TenantContext) {
	rec, err := b.fallback.GetRecord(ctx, id, tc)
	if err != nil || rec == nil {
		return
	}
	b.primaryPut(ctx, rec, tc)
}

// primaryEvict removes every key the record may be cached under for the
// caller's scope and the record's own scope.
func (b *Backend) primaryEvict(ctx context.Context, id string, tc *types.TenantContext) {
	alias := aliasKey(b.prefix, tc.Scope(), id)
	if canonical, ok, err := b.primary.Get(ctx, alias); err == nil && ok {
		b.invalidateKey(ctx, string(canonical))
	}
	b.invalidateKey(ctx, alias)
	b.invalidateKey(ctx, relKey(b.prefix, tc.Scope(), id))
}

// invalidateKey deletes a primary key and announces the invalidation. Both
// are best-effort: a failure logs and proceeds.
func (b *Backend) invalidateKey(ctx context.Context, key string) {
	if err := b.primary.Delete(ctx, key); err != nil {
		b.log.Warn("primary delete failed; entry expires by TTL", "key", key, "error", err)
		return
	}
	if err := b.primary.Publish(ctx, InvalidationChannel, []byte(key)); err != nil {
		b.log.Debug("invalidation publish failed", "key", key, "error", err)
	}
}
