package memory

import (
	"context"
	"time"

	uerr "github.com/kestrelsec/kestrel-backend/internal/pkg/errors"
	"github.com/kestrelsec/kestrel-backend/internal/store"
	"github.com/kestrelsec/kestrel-backend/internal/store/match"
	"github.com/kestrelsec/kestrel-backend/internal/types"
)

func (b *Backend) QueryRecords(ctx context.Context, q *types.Query, tc *types.TenantContext) (*types.QueryResult, error) {
	start := time.Now()
	if b.closed.Load() {
		return nil, uerr.Closed(backendName)
	}
	if err := store.CheckContext(ctx); err != nil {
		return nil, err
	}
	if err := store.CheckPermission(tc, types.PermRead); err != nil {
		return nil, err
	}
	if q == nil {
		q = &types.Query{}
	}

	var matched []*types.Record
	for _, sh := range b.selectShards(q.RecordTypes) {
		sh.mu.RLock()
		for _, id := range sh.order {
			rec := sh.records[id]
			if !store.Visible(rec, tc, b.opts.MultiTenant) {
				continue
			}
			if match.MatchesFields(rec, q, b.opts.TextFields) {
				matched = append(matched, rec.Clone())
			}
		}
		sh.mu.RUnlock()
	}

	match.Sort(matched, q)
	total := int64(len(matched))
	page := match.Paginate(matched, q.Offset, q.Limit, b.opts.MaxQueryLimit)

	b.edgeMu.RLock()
	all := make([]*types.Relationship, 0, len(b.edges))
	for _, e := range b.edges {
		all = append(all, e)
	}
	b.edgeMu.RUnlock()
	edges := match.EdgesWithin(all, page)
	cloned := make([]*types.Relationship, len(edges))
	for i, e := range edges {
		cloned[i] = e.Clone()
	}

	return &types.QueryResult{
		Records:       page,
		Relationships: cloned,
		Total:         &total,
		TookMS:        time.Since(start).Milliseconds(),
	}, nil
}

func (b *Backend) GetRelationships(ctx context.Context, recordID string, tc *types.TenantContext) ([]*types.Relationship, error) {
	if b.closed.Load() {
		return nil, uerr.Closed(backendName)
	}
	if err := store.CheckContext(ctx); err != nil {
		return nil, err
	}
	if err := store.CheckPermission(tc, types.PermRead); err != nil {
		return nil, err
	}

	b.edgeMu.RLock()
	var touching []*types.Relationship
	for _, e := range b.edges {
		if e.Touches(recordID) {
			touching = append(touching, e)
		}
	}
	b.edgeMu.RUnlock()

	// Keep only edges whose present endpoints the caller may see. Absent
	// endpoints do not hide an edge; they simply cannot be checked.
	out := make([]*types.Relationship, 0, len(touching))
	b.shardMu.RLock()
	defer b.shardMu.RUnlock()
	for _, e := range touching {
		if b.endpointHidden(e.SourceID, tc) || b.endpointHidden(e.TargetID, tc) {
			continue
		}
		out = append(out, e.Clone())
	}
	return out, nil
}

// endpointHidden reports whether the endpoint exists but every copy of it
// is outside the caller's tenant scope. Caller holds shardMu.RLock.
func (b *Backend) endpointHidden(id string, tc *types.TenantContext) bool {
	present := false
	for _, sh := range b.shards {
		sh.mu.RLock()
		for _, rec := range sh.records {
			if rec.ID != id {
				continue
			}
			if store.Visible(rec, tc, b.opts.MultiTenant) {
				sh.mu.RUnlock()
				return false
			}
			present = true
		}
		sh.mu.RUnlock()
	}
	return present
}

// selectShards snapshots the shard set for the requested types, or all
// types when the query does not restrict.
func (b *Backend) selectShards(recordTypes []string) []*shard {
	b.shardMu.RLock()
	defer b.shardMu.RUnlock()
	var out []*shard
	if len(recordTypes) == 0 {
		for _, sh := range b.shards {
			out = append(out, sh)
		}
		return out
	}
	for _, rt := range recordTypes {
		if sh, ok := b.shards[rt]; ok {
			out = append(out, sh)
		}
	}
	return out
}
