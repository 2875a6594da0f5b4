package store

import (
	"context"

	"github.com/kestrelsec/kestrel-backend/internal/types"
)

// defaultTenantStore rewrites tenant-less contexts to the configured
// default tenant before delegating, so unscoped callers land in a real
// tenant instead of the reserved system scope.
type defaultTenantStore struct {
	Store
	tenant string
}

// WithDefaultTenant wraps st so operations arriving with a context that
// names no tenant run under the given tenant. An empty tenant returns st
// unchanged.
func WithDefaultTenant(st Store, tenant string) Store {
	if tenant == "" {
		return st
	}
	return &defaultTenantStore{Store: st, tenant: tenant}
}

func (s *defaultTenantStore) scoped(tc *types.TenantContext) *types.TenantContext {
	if tc == nil || tc.TenantID != "" {
		return tc
	}
	cp := *tc
	cp.TenantID = s.tenant
	return &cp
}

func (s *defaultTenantStore) StoreRecord(ctx context.Context, rec *types.Record, tc *types.TenantContext) (string, error) {
	return s.Store.StoreRecord(ctx, rec, s.scoped(tc))
}

func (s *defaultTenantStore) GetRecord(ctx context.Context, id string, tc *types.TenantContext) (*types.Record, error) {
	return s.Store.GetRecord(ctx, id, s.scoped(tc))
}

func (s *defaultTenantStore) UpdateRecord(ctx context.Context, rec *types.Record, tc *types.TenantContext) error {
	return s.Store.UpdateRecord(ctx, rec, s.scoped(tc))
}

func (s *defaultTenantStore) DeleteRecord(ctx context.Context, id string, tc *types.TenantContext) error {
	return s.Store.DeleteRecord(ctx, id, s.scoped(tc))
}

func (s *defaultTenantStore) QueryRecords(ctx context.Context, q *types.Query, tc *types.TenantContext) (*types.QueryResult, error) {
	return s.Store.QueryRecords(ctx, q, s.scoped(tc))
}

func (s *defaultTenantStore) StoreRelationship(ctx context.Context, edge *types.Relationship, tc *types.TenantContext) (string, error) {
	return s.Store.StoreRelationship(ctx, edge, s.scoped(tc))
}

func (s *defaultTenantStore) GetRelationships(ctx context.Context, recordID string, tc *types.TenantContext) ([]*types.Relationship, error) {
	return s.Store.GetRelationships(ctx, recordID, s.scoped(tc))
}

func (s *defaultTenantStore) BulkStoreRecords(ctx context.Context, recs []*types.Record, tc *types.TenantContext) (*types.BulkResult, error) {
	return s.Store.BulkStoreRecords(ctx, recs, s.scoped(tc))
}
