package app

import (
	"context"
	"time"

	"github.com/kestrelsec/kestrel-backend/internal/observability"
	"github.com/kestrelsec/kestrel-backend/internal/store"
	"github.com/kestrelsec/kestrel-backend/internal/types"
)

type instrumentedStore struct {
	backend string
	inner   store.Store
	metrics *observability.Metrics
}

func instrumentStore(backend string, inner store.Store) store.Store {
	if inner == nil {
		return nil
	}
	return &instrumentedStore{
		backend: backend,
		inner:   inner,
		metrics: observability.Current(),
	}
}

func (s *instrumentedStore) Initialize(ctx context.Context) error {
	start := time.Now()
	err := s.inner.Initialize(ctx)
	s.observe("initialize", err, time.Since(start))
	return err
}

func (s *instrumentedStore) Close() error {
	start := time.Now()
	err := s.inner.Close()
	s.observe("close", err, time.Since(start))
	return err
}

func (s *instrumentedStore) HealthCheck(ctx context.Context) *types.HealthStatus {
	return s.inner.HealthCheck(ctx)
}

func (s *instrumentedStore) Capabilities() types.Capabilities {
	return s.inner.Capabilities()
}

func (s *instrumentedStore) StoreRecord(ctx context.Context, rec *types.Record, tc *types.TenantContext) (string, error) {
	start := time.Now()
	id, err := s.inner.StoreRecord(ctx, rec, tc)
	s.observe("store_record", err, time.Since(start))
	return id, err
}

func (s *instrumentedStore) GetRecord(ctx context.Context, id string, tc *types.TenantContext) (*types.Record, error) {
	start := time.Now()
	rec, err := s.inner.GetRecord(ctx, id, tc)
	s.observe("get_record", err, time.Since(start))
	return rec, err
}

func (s *instrumentedStore) UpdateRecord(ctx context.Context, rec *types.Record, tc *types.TenantContext) error {
	start := time.Now()
	err := s.inner.UpdateRecord(ctx, rec, tc)
	s.observe("update_record", err, time.Since(start))
	return err
}

func (s *instrumentedStore) DeleteRecord(ctx context.Context, id string, tc *types.TenantContext) error {
	start := time.Now()
	err := s.inner.DeleteRecord(ctx, id, tc)
	s.observe("delete_record", err, time.Since(start))
	return err
}

func (s *instrumentedStore) QueryRecords(ctx context.Context, q *types.Query, tc *types.TenantContext) (*types.QueryResult, error) {
	start := time.Now()
	out, err := s.inner.QueryRecords(ctx, q, tc)
	s.observe("query_records", err, time.Since(start))
	return out, err
}

func (s *instrumentedStore) StoreRelationship(ctx context.Context, edge *types.Relationship, tc *types.TenantContext) (string, error) {
	start := time.Now()
	id, err := s.inner.StoreRelationship(ctx, edge, tc)
	s.observe("store_relationship", err, time.Since(start))
	return id, err
}

func (s *instrumentedStore) GetRelationships(ctx context.Context, recordID string, tc *types.TenantContext) ([]*types.Relationship, error) {
	start := time.Now()
	out, err := s.inner.GetRelationships(ctx, recordID, tc)
	s.observe("get_relationships", err, time.Since(start))
	return out, err
}

func (s *instrumentedStore) BulkStoreRecords(ctx context.Context, recs []*types.Record, tc *types.TenantContext) (*types.BulkResult, error) {
	start := time.Now()
	out, err := s.inner.BulkStoreRecords(ctx, recs, tc)
	s.observe("bulk_store_records", err, time.Since(start))
	return out, err
}

func (s *instrumentedStore) observe(operation string, err error, dur time.Duration) {
	if s == nil || s.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	s.metrics.ObserveOperation(s.backend, operation, status, dur)
}
