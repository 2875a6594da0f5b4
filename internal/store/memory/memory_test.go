package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kestrelsec/kestrel-backend/internal/pkg/logger"
	"github.com/kestrelsec/kestrel-backend/internal/store"
	"github.com/kestrelsec/kestrel-backend/internal/store/contract"
	"github.com/kestrelsec/kestrel-backend/internal/types"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("test")
	require.NoError(t, err)
	return log
}

func TestMemoryBackend_Contract(t *testing.T) {
	contract.Run(t, func(t *testing.T) store.Store {
		return New(testLogger(t), Options{MultiTenant: true})
	})
}

func TestMemoryBackend_SystemScopeSharedRead(t *testing.T) {
	b := New(testLogger(t), Options{MultiTenant: true})
	ctx := context.Background()
	sys := types.SystemContext()
	tcA := types.NewTenantContext("alpha", types.PermRead, types.PermWrite)

	// A MITRE technique loaded by the system carries no tenant stamp.
	tech := types.NewRecord(types.KindMitreTechnique)
	tech.Data = map[string]interface{}{"name": "Process Injection", "technique_id": "T1055"}
	_, err := b.StoreRecord(ctx, tech, sys)
	require.NoError(t, err)

	got, err := b.GetRecord(ctx, tech.ID, tcA)
	require.NoError(t, err)
	require.NotNil(t, got, "system-scope reference data is readable by every tenant")

	// A plain tenant cannot overwrite or delete it.
	got.Data["name"] = "tampered"
	err = b.UpdateRecord(ctx, got, tcA)
	require.Error(t, err)
	err = b.DeleteRecord(ctx, tech.ID, types.NewTenantContext("alpha", types.PermRead, types.PermWrite, types.PermDelete))
	require.Error(t, err)

	// The system context can.
	require.NoError(t, b.DeleteRecord(ctx, tech.ID, sys))
}

func TestMemoryBackend_SingleTenantModeDisablesScoping(t *testing.T) {
	b := New(testLogger(t), Options{MultiTenant: false})
	ctx := context.Background()
	tcA := types.NewTenantContext("alpha", types.PermRead, types.PermWrite)
	tcB := types.NewTenantContext("beta", types.PermRead)

	rec := types.NewRecord(types.KindIncident)
	rec.Data = map[string]interface{}{"title": "shared"}
	_, err := b.StoreRecord(ctx, rec, tcA)
	require.NoError(t, err)

	got, err := b.GetRecord(ctx, rec.ID, tcB)
	require.NoError(t, err)
	require.NotNil(t, got)
}

func TestMemoryBackend_GetSkipsShardsWithUnreachableCopies(t *testing.T) {
	b := New(testLogger(t), Options{MultiTenant: true})
	ctx := context.Background()
	tcA := types.NewTenantContext("alpha", types.PermRead, types.PermWrite)
	tcB := types.NewTenantContext("beta", types.PermRead, types.PermWrite)

	// Beta holds the same id under a different record type. The lookup must
	// move past that shard instead of reporting not found.
	shared := types.NewRecord(types.KindIncident)
	shared.Data = map[string]interface{}{"title": "alpha incident"}
	other := types.NewRecord(types.KindAlert)
	other.ID = shared.ID
	other.Data = map[string]interface{}{"title": "beta alert"}

	_, err := b.StoreRecord(ctx, other, tcB)
	require.NoError(t, err)
	_, err = b.StoreRecord(ctx, shared, tcA)
	require.NoError(t, err)

	got, err := b.GetRecord(ctx, shared.ID, tcA)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "alpha", got.TenantID)
	require.Equal(t, "alpha incident", got.Data["title"])
}

func TestMemoryBackend_QueryReturnsEdgesWithinPage(t *testing.T) {
	b := New(testLogger(t), Options{MultiTenant: true})
	ctx := context.Background()
	tc := types.NewTenantContext("alpha", types.PermRead, types.PermWrite)

	inc := types.NewRecord(types.KindIncident)
	inc.Data = map[string]interface{}{"title": "breach"}
	alert := types.NewRecord(types.KindAlert)
	alert.Data = map[string]interface{}{"title": "edr hit"}
	outside := types.NewRecord(types.KindEvidence)
	outside.Data = map[string]interface{}{"title": "pcap"}
	for _, rec := range []*types.Record{inc, alert, outside} {
		_, err := b.StoreRecord(ctx, rec, tc)
		require.NoError(t, err)
	}

	in, err := b.StoreRelationship(ctx, types.NewRelationship(types.RelContains, inc.ID, alert.ID), tc)
	require.NoError(t, err)
	_, err = b.StoreRelationship(ctx, types.NewRelationship(types.RelRelatesTo, inc.ID, outside.ID), tc)
	require.NoError(t, err)

	res, err := b.QueryRecords(ctx, &types.Query{
		RecordTypes: []string{types.KindIncident, types.KindAlert},
	}, tc)
	require.NoError(t, err)
	require.Len(t, res.Records, 2)
	// Only the edge with both endpoints inside the page comes back.
	require.Len(t, res.Relationships, 1)
	require.Equal(t, in, res.Relationships[0].ID)
}

func TestMemoryBackend_QueryLimitCap(t *testing.T) {
	b := New(testLogger(t), Options{MultiTenant: true, MaxQueryLimit: 3})
	ctx := context.Background()
	tc := types.NewTenantContext("alpha", types.PermRead, types.PermWrite)

	for i := 0; i < 5; i++ {
		rec := types.NewRecord(types.KindAlert)
		rec.Data = map[string]interface{}{"title": "a"}
		_, err := b.StoreRecord(ctx, rec, tc)
		require.NoError(t, err)
	}

	res, err := b.QueryRecords(ctx, &types.Query{Limit: 100}, tc)
	require.NoError(t, err)
	require.Len(t, res.Records, 3, "limit is capped at the backend maximum")
	require.NotNil(t, res.Total)
	require.Equal(t, int64(5), *res.Total, "total counts matches before pagination")
}

func TestMemoryBackend_HealthCheckMetrics(t *testing.T) {
	b := New(testLogger(t), Options{MultiTenant: true})
	ctx := context.Background()
	tc := types.NewTenantContext("alpha", types.PermRead, types.PermWrite)

	for i := 0; i < 3; i++ {
		rec := types.NewRecord(types.KindIncident)
		rec.Data = map[string]interface{}{"title": "x"}
		_, err := b.StoreRecord(ctx, rec, tc)
		require.NoError(t, err)
	}

	status := b.HealthCheck(ctx)
	require.True(t, status.Healthy)
	require.Equal(t, 3, status.Metrics["records_total"])
	byType, ok := status.Metrics["records_by_type"].(map[string]interface{})
	require.True(t, ok)
	require.Equal(t, 3, byType[types.KindIncident])

	require.NoError(t, b.Close())
	status = b.HealthCheck(ctx)
	require.False(t, status.Healthy)
}

func TestMemoryBackend_ConfiguredTextFields(t *testing.T) {
	b := New(testLogger(t), Options{
		MultiTenant: true,
		TextFields:  map[string][]string{types.KindCVE: {"summary"}},
	})
	ctx := context.Background()
	tc := types.NewTenantContext("alpha", types.PermRead, types.PermWrite)

	cve := types.NewRecord(types.KindCVE)
	cve.Data = map[string]interface{}{
		"summary": "Heap overflow in parser",
		"title":   "CVE-2026-0001",
	}
	_, err := b.StoreRecord(ctx, cve, tc)
	require.NoError(t, err)

	res, err := b.QueryRecords(ctx, &types.Query{TextQuery: "heap overflow"}, tc)
	require.NoError(t, err)
	require.Len(t, res.Records, 1)

	// With summary configured, title is no longer searched for this type.
	res, err = b.QueryRecords(ctx, &types.Query{TextQuery: "cve-2026"}, tc)
	require.NoError(t, err)
	require.Empty(t, res.Records)
}
