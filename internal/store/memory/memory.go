// Package memory holds the reference Store implementation. It is the
// correctness oracle for every other backend and the default fallback for
// cache-fronted deployments.
package memory

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	uerr "github.com/kestrelsec/kestrel-backend/internal/pkg/errors"
	"github.com/kestrelsec/kestrel-backend/internal/pkg/logger"
	"github.com/kestrelsec/kestrel-backend/internal/store"
	"github.com/kestrelsec/kestrel-backend/internal/store/match"
	"github.com/kestrelsec/kestrel-backend/internal/types"
)

const backendName = "memory"

// Options tune a Backend; zero values pick the built-in defaults.
type Options struct {
	MultiTenant   bool
	MaxQueryLimit int
	BulkLimit     int
	TextFields    match.FieldMap
}

// Backend keeps an insertion-ordered record map per record type, each
// behind its own reader-writer lock, so cross-type writes never contend.
// The relationship map has a separate lock.
type Backend struct {
	log  *logger.Logger
	opts Options

	shardMu sync.RWMutex
	shards  map[string]*shard

	edgeMu sync.RWMutex
	edges  map[string]*types.Relationship

	closed atomic.Bool
	bytes  atomic.Int64
}

// shard entries are keyed by scopeKey, never by bare id: a record id is
// unique only within its (tenant, record_type) scope, so two tenants may
// hold the same id side by side.
type shard struct {
	mu      sync.RWMutex
	records map[string]*types.Record
	order   []string
}

// scopeKey joins the tenant stamp and the record id. NUL appears in
// neither component.
func scopeKey(tenantID, id string) string {
	return tenantID + "\x00" + id
}

func New(log *logger.Logger, opts Options) *Backend {
	if opts.MaxQueryLimit <= 0 {
		opts.MaxQueryLimit = store.DefaultQueryLimit
	}
	if opts.BulkLimit <= 0 {
		opts.BulkLimit = store.DefaultBulkLimit
	}
	return &Backend{
		log:    log.With("backend", backendName),
		opts:   opts,
		shards: map[string]*shard{},
		edges:  map[string]*types.Relationship{},
	}
}

func (b *Backend) Initialize(ctx context.Context) error {
	if b.closed.Load() {
		return uerr.Closed(backendName)
	}
	return store.CheckContext(ctx)
}

func (b *Backend) Close() error {
	if b.closed.Swap(true) {
		return uerr.Closed(backendName)
	}
	b.shardMu.Lock()
	b.shards = map[string]*shard{}
	b.shardMu.Unlock()
	b.edgeMu.Lock()
	b.edges = map[string]*types.Relationship{}
	b.edgeMu.Unlock()
	return nil
}

func (b *Backend) Capabilities() types.Capabilities {
	return types.Capabilities{
		SupportsFullTextSearch: true,
		SupportsRelationships:  true,
		Persistent:             false,
		MaxQueryLimit:          b.opts.MaxQueryLimit,
	}
}

func (b *Backend) HealthCheck(ctx context.Context) *types.HealthStatus {
	start := time.Now()
	status := &types.HealthStatus{
		Capabilities: b.Capabilities(),
		LastCheck:    start.UTC(),
	}
	if b.closed.Load() {
		status.Message = "store is closed"
		return status
	}
	byType := map[string]interface{}{}
	total := 0
	b.shardMu.RLock()
	for rt, sh := range b.shards {
		sh.mu.RLock()
		n := len(sh.records)
		sh.mu.RUnlock()
		byType[rt] = n
		total += n
	}
	b.shardMu.RUnlock()
	b.edgeMu.RLock()
	edgeCount := len(b.edges)
	b.edgeMu.RUnlock()

	status.Healthy = true
	status.ResponseTimeMS = time.Since(start).Milliseconds()
	status.Metrics = map[string]interface{}{
		"records_by_type":     byType,
		"records_total":       total,
		"relationships_total": edgeCount,
		"storage_bytes":       b.bytes.Load(),
		"last_check":          status.LastCheck,
	}
	return status
}

func (b *Backend) StoreRecord(ctx context.Context, rec *types.Record, tc *types.TenantContext) (string, error) {
	if b.closed.Load() {
		return "", uerr.Closed(backendName)
	}
	if err := store.CheckContext(ctx); err != nil {
		return "", err
	}
	if err := store.CheckPermission(tc, types.PermWrite); err != nil {
		return "", err
	}
	if err := store.ValidateRecord(rec); err != nil {
		return "", err
	}
	cp := rec.Clone()
	if err := store.StampTenant(cp, tc); err != nil {
		return "", err
	}
	sh := b.shard(cp.RecordType)
	now := time.Now().UTC()
	key := scopeKey(cp.TenantID, cp.ID)

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if existing, ok := sh.records[key]; ok {
		cp.CreatedAt = existing.CreatedAt
		b.bytes.Add(-estimateSize(existing))
	} else {
		if cp.CreatedAt.IsZero() {
			cp.CreatedAt = now
		}
		sh.order = append(sh.order, key)
	}
	cp.UpdatedAt = now
	sh.records[key] = cp
	b.bytes.Add(estimateSize(cp))
	return cp.ID, nil
}

// findByID resolves a bare id inside one shard to the copy the context can
// reach: the caller's own tenant first, then the shared system scope.
// System admins and single-tenant deployments reach every tenant's copy,
// so they fall back to a scan. The caller holds the shard lock.
func (b *Backend) findByID(sh *shard, id string, tc *types.TenantContext) (string, *types.Record) {
	tenantID := ""
	if tc != nil {
		tenantID = tc.TenantID
	}
	if key := scopeKey(tenantID, id); sh.records[key] != nil {
		return key, sh.records[key]
	}
	if key := scopeKey("", id); sh.records[key] != nil {
		return key, sh.records[key]
	}
	if !b.opts.MultiTenant || (tc != nil && tc.IsSystemAdmin()) {
		for key, rec := range sh.records {
			if rec.ID == id {
				return key, rec
			}
		}
	}
	return "", nil
}

func (b *Backend) GetRecord(ctx context.Context, id string, tc *types.TenantContext) (*types.Record, error) {
	if b.closed.Load() {
		return nil, uerr.Closed(backendName)
	}
	if err := store.CheckContext(ctx); err != nil {
		return nil, err
	}
	if err := store.CheckPermission(tc, types.PermRead); err != nil {
		return nil, err
	}
	b.shardMu.RLock()
	defer b.shardMu.RUnlock()
	for _, sh := range b.shards {
		sh.mu.RLock()
		_, rec := b.findByID(sh, id, tc)
		sh.mu.RUnlock()
		if rec != nil {
			return rec.Clone(), nil
		}
	}
	return nil, nil
}

func (b *Backend) UpdateRecord(ctx context.Context, rec *types.Record, tc *types.TenantContext) error {
	if b.closed.Load() {
		return uerr.Closed(backendName)
	}
	if err := store.CheckContext(ctx); err != nil {
		return err
	}
	if err := store.CheckPermission(tc, types.PermWrite); err != nil {
		return err
	}
	if err := store.ValidateRecord(rec); err != nil {
		return err
	}
	cp := rec.Clone()
	if err := store.StampTenant(cp, tc); err != nil {
		return err
	}
	sh := b.shard(cp.RecordType)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	key, existing := b.findByID(sh, cp.ID, tc)
	if existing == nil {
		return uerr.NotFound("record %s not found", cp.ID).WithRecord(cp.ID).WithBackend(backendName)
	}
	if existing.TenantID == "" && b.opts.MultiTenant && !store.CanMutateSystemScope(tc) {
		return uerr.PermissionDenied("system-scope records require a system context")
	}
	cp.CreatedAt = existing.CreatedAt
	cp.TenantID = existing.TenantID
	cp.UpdatedAt = time.Now().UTC()
	b.bytes.Add(estimateSize(cp) - estimateSize(existing))
	sh.records[key] = cp
	return nil
}

func (b *Backend) DeleteRecord(ctx context.Context, id string, tc *types.TenantContext) error {
	if b.closed.Load() {
		return uerr.Closed(backendName)
	}
	if err := store.CheckContext(ctx); err != nil {
		return err
	}
	if err := store.CheckPermission(tc, types.PermDelete); err != nil {
		return err
	}
	b.shardMu.RLock()
	defer b.shardMu.RUnlock()
	// Copies outside the caller's reach delete as a no-op, indistinguishable
	// from absent.
	for _, sh := range b.shards {
		sh.mu.Lock()
		key, rec := b.findByID(sh, id, tc)
		if rec == nil {
			sh.mu.Unlock()
			continue
		}
		if rec.TenantID == "" && b.opts.MultiTenant && !store.CanMutateSystemScope(tc) {
			sh.mu.Unlock()
			return uerr.PermissionDenied("system-scope records require a system context")
		}
		delete(sh.records, key)
		sh.order = removeID(sh.order, key)
		b.bytes.Add(-estimateSize(rec))
		sh.mu.Unlock()
		b.pruneEdges(id)
		return nil
	}
	return nil
}

// pruneEdges drops edges for which the deleted record was the only
// still-existing endpoint. Edges whose far endpoint still exists survive;
// edges may outlive endpoints by design.
func (b *Backend) pruneEdges(deletedID string) {
	b.edgeMu.Lock()
	defer b.edgeMu.Unlock()
	for id, e := range b.edges {
		if !e.Touches(deletedID) {
			continue
		}
		other := e.SourceID
		if other == deletedID {
			other = e.TargetID
		}
		if other == deletedID || !b.recordExists(other) {
			delete(b.edges, id)
		}
	}
}

// recordExists reports whether any tenant's copy of the id remains.
func (b *Backend) recordExists(id string) bool {
	for _, sh := range b.shards {
		sh.mu.RLock()
		for _, rec := range sh.records {
			if rec.ID == id {
				sh.mu.RUnlock()
				return true
			}
		}
		sh.mu.RUnlock()
	}
	return false
}

func (b *Backend) StoreRelationship(ctx context.Context, edge *types.Relationship, tc *types.TenantContext) (string, error) {
	if b.closed.Load() {
		return "", uerr.Closed(backendName)
	}
	if err := store.CheckContext(ctx); err != nil {
		return "", err
	}
	if err := store.CheckPermission(tc, types.PermWrite); err != nil {
		return "", err
	}
	if err := store.ValidateRelationship(edge); err != nil {
		return "", err
	}
	cp := edge.Clone()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	b.edgeMu.Lock()
	b.edges[cp.ID] = cp
	b.edgeMu.Unlock()
	return cp.ID, nil
}

func (b *Backend) BulkStoreRecords(ctx context.Context, recs []*types.Record, tc *types.TenantContext) (*types.BulkResult, error) {
	start := time.Now()
	result := &types.BulkResult{}
	if b.closed.Load() {
		return nil, uerr.Closed(backendName)
	}
	if err := store.CheckContext(ctx); err != nil {
		return nil, err
	}
	if err := store.CheckPermission(tc, types.PermWrite); err != nil {
		return nil, err
	}
	if len(recs) > b.opts.BulkLimit {
		return nil, uerr.Validation("bulk batch of %d exceeds limit %d", len(recs), b.opts.BulkLimit)
	}

	// Validate and stamp first so each per-type lock is taken exactly once.
	type prepared struct {
		index int
		rec   *types.Record
	}
	byType := map[string][]prepared{}
	for i, rec := range recs {
		if err := store.ValidateRecord(rec); err != nil {
			result.ErrorCount++
			result.Errors = append(result.Errors, store.BulkError(i, recID(rec), err))
			continue
		}
		cp := rec.Clone()
		if err := store.StampTenant(cp, tc); err != nil {
			result.ErrorCount++
			result.Errors = append(result.Errors, store.BulkError(i, cp.ID, err))
			continue
		}
		byType[cp.RecordType] = append(byType[cp.RecordType], prepared{index: i, rec: cp})
	}

	now := time.Now().UTC()
	for rt, batch := range byType {
		sh := b.shard(rt)
		sh.mu.Lock()
		for _, p := range batch {
			cp := p.rec
			key := scopeKey(cp.TenantID, cp.ID)
			if existing, ok := sh.records[key]; ok {
				cp.CreatedAt = existing.CreatedAt
				b.bytes.Add(-estimateSize(existing))
			} else {
				if cp.CreatedAt.IsZero() {
					cp.CreatedAt = now
				}
				sh.order = append(sh.order, key)
			}
			cp.UpdatedAt = now
			sh.records[key] = cp
			b.bytes.Add(estimateSize(cp))
			result.SuccessCount++
			result.ProcessedIDs = append(result.ProcessedIDs, cp.ID)
		}
		sh.mu.Unlock()
	}

	result.OperationTimeMS = time.Since(start).Milliseconds()
	return result, nil
}

func (b *Backend) shard(recordType string) *shard {
	b.shardMu.RLock()
	sh, ok := b.shards[recordType]
	b.shardMu.RUnlock()
	if ok {
		return sh
	}
	b.shardMu.Lock()
	defer b.shardMu.Unlock()
	if sh, ok = b.shards[recordType]; ok {
		return sh
	}
	sh = &shard{records: map[string]*types.Record{}}
	b.shards[recordType] = sh
	return sh
}

func recID(rec *types.Record) string {
	if rec == nil {
		return ""
	}
	return rec.ID
}

func removeID(order []string, id string) []string {
	for i, v := range order {
		if v == id {
			return append(order[:i], order[i+1:]...)
		}
	}
	return order
}

func estimateSize(rec *types.Record) int64 {
	raw, err := json.Marshal(rec)
	if err != nil {
		return 0
	}
	return int64(len(raw))
}
