package store

import (
	"context"

	"github.com/kestrelsec/kestrel-backend/internal/types"
)

// StoreAs stamps the record type and delegates. The per-kind wrappers below
// exist so consumers never hand-write discriminator strings.
func StoreAs(ctx context.Context, s Store, recordType string, rec *types.Record, tc *types.TenantContext) (string, error) {
	rec.RecordType = recordType
	return s.StoreRecord(ctx, rec, tc)
}

func StoreIncident(ctx context.Context, s Store, rec *types.Record, tc *types.TenantContext) (string, error) {
	return StoreAs(ctx, s, types.KindIncident, rec, tc)
}

func StoreAlert(ctx context.Context, s Store, rec *types.Record, tc *types.TenantContext) (string, error) {
	return StoreAs(ctx, s, types.KindAlert, rec, tc)
}

func StorePlaybook(ctx context.Context, s Store, rec *types.Record, tc *types.TenantContext) (string, error) {
	return StoreAs(ctx, s, types.KindPlaybook, rec, tc)
}

func StoreEvidence(ctx context.Context, s Store, rec *types.Record, tc *types.TenantContext) (string, error) {
	return StoreAs(ctx, s, types.KindEvidence, rec, tc)
}

func StoreMitreTechnique(ctx context.Context, s Store, rec *types.Record, tc *types.TenantContext) (string, error) {
	return StoreAs(ctx, s, types.KindMitreTechnique, rec, tc)
}

func StoreCVE(ctx context.Context, s Store, rec *types.Record, tc *types.TenantContext) (string, error) {
	return StoreAs(ctx, s, types.KindCVE, rec, tc)
}

func StoreThreatAnalysis(ctx context.Context, s Store, rec *types.Record, tc *types.TenantContext) (string, error) {
	return StoreAs(ctx, s, types.KindThreatAnalysis, rec, tc)
}

// QueryKind restricts a query to one record type and delegates.
func QueryKind(ctx context.Context, s Store, recordType string, q *types.Query, tc *types.TenantContext) (*types.QueryResult, error) {
	if q == nil {
		q = &types.Query{}
	}
	q.RecordTypes = []string{recordType}
	return s.QueryRecords(ctx, q, tc)
}

func QueryIncidents(ctx context.Context, s Store, q *types.Query, tc *types.TenantContext) (*types.QueryResult, error) {
	return QueryKind(ctx, s, types.KindIncident, q, tc)
}

func QueryAlerts(ctx context.Context, s Store, q *types.Query, tc *types.TenantContext) (*types.QueryResult, error) {
	return QueryKind(ctx, s, types.KindAlert, q, tc)
}
