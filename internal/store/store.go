// Package store defines the backend contract every unified data store
// implementation satisfies, together with the shared access checks and the
// per-kind convenience helpers.
package store

import (
	"context"

	"github.com/kestrelsec/kestrel-backend/internal/types"
)

// Defaults applied when the deployment config leaves them unset.
const (
	DefaultQueryLimit = 1000
	DefaultBulkLimit  = 1000
)

// Store is the single narrow contract every backend implements. All
// operations are tenant-scoped through the TenantContext and honour the
// ambient context for cancellation and deadlines.
//
// GetRecord returns (nil, nil) when the record is absent or hidden by
// tenant scoping; errors are reserved for backend malfunction.
type Store interface {
	// Initialize performs idempotent setup: index creation, connection
	// warm-up. Calling it twice is safe.
	Initialize(ctx context.Context) error
	// Close releases all resources; every later call fails with a Closed
	// error.
	Close() error
	// HealthCheck never returns an error; transport failures surface as
	// Healthy=false.
	HealthCheck(ctx context.Context) *types.HealthStatus

	// StoreRecord upserts by id and returns the record id. created_at is
	// set once; updated_at advances on every successful write.
	StoreRecord(ctx context.Context, rec *types.Record, tc *types.TenantContext) (string, error)
	GetRecord(ctx context.Context, id string, tc *types.TenantContext) (*types.Record, error)
	// UpdateRecord replaces an existing record; created_at is preserved
	// from the stored copy. Missing or invisible records fail NotFound.
	UpdateRecord(ctx context.Context, rec *types.Record, tc *types.TenantContext) error
	// DeleteRecord is idempotent; deleting an absent id succeeds.
	DeleteRecord(ctx context.Context, id string, tc *types.TenantContext) error

	QueryRecords(ctx context.Context, q *types.Query, tc *types.TenantContext) (*types.QueryResult, error)

	// StoreRelationship upserts an edge by id. Endpoint existence is not
	// checked.
	StoreRelationship(ctx context.Context, edge *types.Relationship, tc *types.TenantContext) (string, error)
	// GetRelationships returns every edge touching the record id whose
	// present endpoints are visible to the context.
	GetRelationships(ctx context.Context, recordID string, tc *types.TenantContext) ([]*types.Relationship, error)

	// BulkStoreRecords is best-effort: per-record failures are collected
	// in the result and never abort the batch.
	BulkStoreRecords(ctx context.Context, recs []*types.Record, tc *types.TenantContext) (*types.BulkResult, error)

	Capabilities() types.Capabilities
}
