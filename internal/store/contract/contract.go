// Package contract is the behavioural test suite every Store backend must
// pass. Backend packages call Run from their own tests with a factory for
// a fresh store; the suite uses unique ids and tenants throughout so it is
// safe against persistent backends too.
package contract

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	uerr "github.com/kestrelsec/kestrel-backend/internal/pkg/errors"
	"github.com/kestrelsec/kestrel-backend/internal/store"
	"github.com/kestrelsec/kestrel-backend/internal/types"
)

// Factory returns a fresh, uninitialized store for one subtest. Cleanup
// belongs to the factory (t.Cleanup).
type Factory func(t *testing.T) store.Store

// Run exercises the full backend contract against the factory's stores.
func Run(t *testing.T, newStore Factory) {
	t.Run("RoundTrip", func(t *testing.T) { testRoundTrip(t, newStore) })
	t.Run("UpdatePreservesCreatedAt", func(t *testing.T) { testUpdatePreservesCreatedAt(t, newStore) })
	t.Run("IdempotentDelete", func(t *testing.T) { testIdempotentDelete(t, newStore) })
	t.Run("TenantIsolation", func(t *testing.T) { testTenantIsolation(t, newStore) })
	t.Run("TenantsKeepSameIDRecords", func(t *testing.T) { testTenantsKeepSameIDRecords(t, newStore) })
	t.Run("PermissionGating", func(t *testing.T) { testPermissionGating(t, newStore) })
	t.Run("BulkEqualsIndividual", func(t *testing.T) { testBulkEqualsIndividual(t, newStore) })
	t.Run("BulkPartialFailure", func(t *testing.T) { testBulkPartialFailure(t, newStore) })
	t.Run("QueryComposition", func(t *testing.T) { testQueryComposition(t, newStore) })
	t.Run("QueryTagAndSort", func(t *testing.T) { testQueryTagAndSort(t, newStore) })
	t.Run("PaginationConsistency", func(t *testing.T) { testPaginationConsistency(t, newStore) })
	t.Run("RelationshipRoundTrip", func(t *testing.T) { testRelationshipRoundTrip(t, newStore) })
	t.Run("DeletePrunesOrphanEdges", func(t *testing.T) { testDeletePrunesOrphanEdges(t, newStore) })
	t.Run("ConcurrentStoresNeverMix", func(t *testing.T) { testConcurrentStoresNeverMix(t, newStore) })
	t.Run("ClosedStoreRejectsEverything", func(t *testing.T) { testClosedStoreRejects(t, newStore) })
}

func open(t *testing.T, newStore Factory) store.Store {
	t.Helper()
	st := newStore(t)
	require.NoError(t, st.Initialize(context.Background()))
	return st
}

func tenant() string { return "t-" + uuid.NewString()[:8] }

// marker stamps every record of one subtest so queries on persistent
// backends only see their own data.
func record(recordType, tenantID, marker string) *types.Record {
	rec := types.NewRecord(recordType)
	rec.TenantID = tenantID
	rec.Data = map[string]interface{}{"title": "record " + rec.ID[:8], "case": marker}
	return rec
}

func testRoundTrip(t *testing.T, newStore Factory) {
	st := open(t, newStore)
	ctx := context.Background()
	tcA := types.NewTenantContext(tenant(), types.PermRead, types.PermWrite)

	rec := record(types.KindIncident, tcA.TenantID, uuid.NewString())
	rec.Tags = []string{"high", "open"}
	rec.Metadata = map[string]interface{}{"origin": "unit"}

	id, err := st.StoreRecord(ctx, rec, tcA)
	require.NoError(t, err)
	require.Equal(t, rec.ID, id)

	got, err := st.GetRecord(ctx, id, tcA)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, rec.ID, got.ID)
	require.Equal(t, rec.RecordType, got.RecordType)
	require.Equal(t, tcA.TenantID, got.TenantID)
	require.Equal(t, rec.Data["title"], got.Data["title"])
	require.Equal(t, rec.Tags, got.Tags)
	require.Equal(t, rec.Metadata["origin"], got.Metadata["origin"])
	require.False(t, got.CreatedAt.IsZero())
	require.False(t, got.UpdatedAt.Before(got.CreatedAt))
}

func testUpdatePreservesCreatedAt(t *testing.T, newStore Factory) {
	st := open(t, newStore)
	ctx := context.Background()
	tcA := types.NewTenantContext(tenant(), types.PermRead, types.PermWrite)

	rec := record(types.KindIncident, tcA.TenantID, uuid.NewString())
	_, err := st.StoreRecord(ctx, rec, tcA)
	require.NoError(t, err)
	first, err := st.GetRecord(ctx, rec.ID, tcA)
	require.NoError(t, err)
	require.NotNil(t, first)

	time.Sleep(10 * time.Millisecond)

	updated := first.Clone()
	updated.Data["title"] = "renamed"
	require.NoError(t, st.UpdateRecord(ctx, updated, tcA))

	second, err := st.GetRecord(ctx, rec.ID, tcA)
	require.NoError(t, err)
	require.NotNil(t, second)
	require.Equal(t, "renamed", second.Data["title"])
	require.True(t, second.CreatedAt.Equal(first.CreatedAt),
		"created_at moved: %v -> %v", first.CreatedAt, second.CreatedAt)
	require.True(t, second.UpdatedAt.After(first.UpdatedAt))

	// Updating a record that was never stored fails NotFound.
	ghost := record(types.KindIncident, tcA.TenantID, uuid.NewString())
	err = st.UpdateRecord(ctx, ghost, tcA)
	require.True(t, uerr.IsKind(err, uerr.KindNotFound), "got %v", err)
}

func testIdempotentDelete(t *testing.T, newStore Factory) {
	st := open(t, newStore)
	ctx := context.Background()
	tcA := types.NewTenantContext(tenant(), types.PermRead, types.PermWrite, types.PermDelete)

	rec := record(types.KindAlert, tcA.TenantID, uuid.NewString())
	_, err := st.StoreRecord(ctx, rec, tcA)
	require.NoError(t, err)

	require.NoError(t, st.DeleteRecord(ctx, rec.ID, tcA))
	got, err := st.GetRecord(ctx, rec.ID, tcA)
	require.NoError(t, err)
	require.Nil(t, got)

	// Second delete is a no-op, not an error.
	require.NoError(t, st.DeleteRecord(ctx, rec.ID, tcA))
}

func testTenantIsolation(t *testing.T, newStore Factory) {
	st := open(t, newStore)
	ctx := context.Background()
	marker := uuid.NewString()
	tcA := types.NewTenantContext(tenant(), types.PermRead, types.PermWrite)
	tcB := types.NewTenantContext(tenant(), types.PermRead, types.PermWrite)

	rec := record(types.KindIncident, tcA.TenantID, marker)
	_, err := st.StoreRecord(ctx, rec, tcA)
	require.NoError(t, err)

	got, err := st.GetRecord(ctx, rec.ID, tcB)
	require.NoError(t, err)
	require.Nil(t, got, "tenant %s observed tenant %s's record", tcB.TenantID, tcA.TenantID)

	res, err := st.QueryRecords(ctx, &types.Query{
		Filters: map[string]interface{}{"data.case": marker},
	}, tcB)
	require.NoError(t, err)
	require.Empty(t, res.Records)

	// The owner still sees it.
	res, err = st.QueryRecords(ctx, &types.Query{
		Filters: map[string]interface{}{"data.case": marker},
	}, tcA)
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
}

// Record ids are unique per (tenant, record type), not globally: two
// tenants may hold the same id, and neither write may touch the other's
// copy.
func testTenantsKeepSameIDRecords(t *testing.T, newStore Factory) {
	st := open(t, newStore)
	ctx := context.Background()
	sharedID := uuid.NewString()
	tcA := types.NewTenantContext(tenant(), types.PermRead, types.PermWrite, types.PermDelete)
	tcB := types.NewTenantContext(tenant(), types.PermRead, types.PermWrite, types.PermDelete)

	recA := record(types.KindIncident, tcA.TenantID, uuid.NewString())
	recA.ID = sharedID
	recA.Data["owner"] = "first"
	_, err := st.StoreRecord(ctx, recA, tcA)
	require.NoError(t, err)

	recB := record(types.KindIncident, tcB.TenantID, uuid.NewString())
	recB.ID = sharedID
	recB.Data["owner"] = "second"
	_, err = st.StoreRecord(ctx, recB, tcB)
	require.NoError(t, err)

	// Each tenant still reads its own copy.
	gotA, err := st.GetRecord(ctx, sharedID, tcA)
	require.NoError(t, err)
	require.NotNil(t, gotA, "tenant %s lost its record to tenant %s's write", tcA.TenantID, tcB.TenantID)
	require.Equal(t, tcA.TenantID, gotA.TenantID)
	require.Equal(t, "first", gotA.Data["owner"])

	gotB, err := st.GetRecord(ctx, sharedID, tcB)
	require.NoError(t, err)
	require.NotNil(t, gotB)
	require.Equal(t, tcB.TenantID, gotB.TenantID)
	require.Equal(t, "second", gotB.Data["owner"])

	// One tenant's delete leaves the other's copy intact.
	require.NoError(t, st.DeleteRecord(ctx, sharedID, tcB))
	gotA, err = st.GetRecord(ctx, sharedID, tcA)
	require.NoError(t, err)
	require.NotNil(t, gotA)
	require.Equal(t, "first", gotA.Data["owner"])
}

func testPermissionGating(t *testing.T, newStore Factory) {
	st := open(t, newStore)
	ctx := context.Background()
	ten := tenant()
	readOnly := types.NewTenantContext(ten, types.PermRead)
	writeOnly := types.NewTenantContext(ten, types.PermWrite)
	noDelete := types.NewTenantContext(ten, types.PermRead, types.PermWrite)
	full := types.NewTenantContext(ten, types.PermRead, types.PermWrite, types.PermDelete)

	rec := record(types.KindIncident, ten, uuid.NewString())
	_, err := st.StoreRecord(ctx, rec, full)
	require.NoError(t, err)

	_, err = st.StoreRecord(ctx, record(types.KindIncident, ten, uuid.NewString()), readOnly)
	require.True(t, uerr.IsKind(err, uerr.KindPermissionDenied), "got %v", err)

	err = st.UpdateRecord(ctx, rec, readOnly)
	require.True(t, uerr.IsKind(err, uerr.KindPermissionDenied), "got %v", err)

	err = st.DeleteRecord(ctx, rec.ID, noDelete)
	require.True(t, uerr.IsKind(err, uerr.KindPermissionDenied), "got %v", err)

	_, err = st.GetRecord(ctx, rec.ID, writeOnly)
	require.True(t, uerr.IsKind(err, uerr.KindPermissionDenied), "got %v", err)

	_, err = st.QueryRecords(ctx, &types.Query{}, writeOnly)
	require.True(t, uerr.IsKind(err, uerr.KindPermissionDenied), "got %v", err)

	_, err = st.BulkStoreRecords(ctx, []*types.Record{rec}, readOnly)
	require.True(t, uerr.IsKind(err, uerr.KindPermissionDenied), "got %v", err)

	edge := types.NewRelationship(types.RelRelatesTo, rec.ID, rec.ID)
	_, err = st.StoreRelationship(ctx, edge, readOnly)
	require.True(t, uerr.IsKind(err, uerr.KindPermissionDenied), "got %v", err)
}

func testBulkEqualsIndividual(t *testing.T, newStore Factory) {
	ctx := context.Background()
	marker := uuid.NewString()
	ten := tenant()
	tc := types.NewTenantContext(ten, types.PermRead, types.PermWrite)

	var batch []*types.Record
	for i := 0; i < 5; i++ {
		rec := record(types.KindAlert, ten, marker)
		rec.Data["seq"] = i
		batch = append(batch, rec)
	}

	bulkStore := open(t, newStore)
	result, err := bulkStore.BulkStoreRecords(ctx, batch, tc)
	require.NoError(t, err)
	require.Equal(t, 5, result.SuccessCount)
	require.Equal(t, 0, result.ErrorCount)
	require.Len(t, result.ProcessedIDs, 5)

	oneByOne := open(t, newStore)
	for _, rec := range batch {
		_, err := oneByOne.StoreRecord(ctx, rec, tc)
		require.NoError(t, err)
	}

	q := &types.Query{Filters: map[string]interface{}{"data.case": marker}}
	fromBulk, err := bulkStore.QueryRecords(ctx, q, tc)
	require.NoError(t, err)
	fromSingles, err := oneByOne.QueryRecords(ctx, q, tc)
	require.NoError(t, err)

	require.Equal(t, idSet(fromSingles.Records), idSet(fromBulk.Records))
}

func testBulkPartialFailure(t *testing.T, newStore Factory) {
	st := open(t, newStore)
	ctx := context.Background()
	ten := tenant()
	tc := types.NewTenantContext(ten, types.PermRead, types.PermWrite)

	good1 := record(types.KindIncident, ten, uuid.NewString())
	bad := &types.Record{RecordType: types.KindIncident} // empty id
	good2 := record(types.KindIncident, ten, uuid.NewString())

	result, err := st.BulkStoreRecords(ctx, []*types.Record{good1, bad, good2}, tc)
	require.NoError(t, err)
	require.Equal(t, 2, result.SuccessCount)
	require.Equal(t, 1, result.ErrorCount)
	require.Len(t, result.Errors, 1)
	require.Contains(t, result.Errors[0], "validation")
	require.ElementsMatch(t, []string{good1.ID, good2.ID}, result.ProcessedIDs)

	for _, id := range []string{good1.ID, good2.ID} {
		got, err := st.GetRecord(ctx, id, tc)
		require.NoError(t, err)
		require.NotNil(t, got)
	}
}

func testQueryComposition(t *testing.T, newStore Factory) {
	st := open(t, newStore)
	ctx := context.Background()
	marker := uuid.NewString()
	ten := tenant()
	tc := types.NewTenantContext(ten, types.PermRead, types.PermWrite)

	severities := []string{"high", "high", "low", "medium", "high"}
	for i, sev := range severities {
		rec := record(types.KindAlert, ten, marker)
		rec.Data["severity"] = sev
		rec.Data["seq"] = i
		if i%2 == 0 {
			rec.Tags = []string{"triaged"}
		}
		_, err := st.StoreRecord(ctx, rec, tc)
		require.NoError(t, err)
	}

	q1 := &types.Query{Filters: map[string]interface{}{
		"data.case":     marker,
		"data.severity": "high",
	}}
	q2 := &types.Query{
		Filters: map[string]interface{}{
			"data.case":     marker,
			"data.severity": "high",
		},
		Tags: []string{"triaged"},
	}

	r1, err := st.QueryRecords(ctx, q1, tc)
	require.NoError(t, err)
	r2, err := st.QueryRecords(ctx, q2, tc)
	require.NoError(t, err)

	require.Len(t, r1.Records, 3)
	wider := idSet(r1.Records)
	for id := range idSet(r2.Records) {
		require.Contains(t, wider, id, "narrower query returned a record the wider one did not")
	}
}

func testQueryTagAndSort(t *testing.T, newStore Factory) {
	st := open(t, newStore)
	ctx := context.Background()
	marker := uuid.NewString()
	ten := tenant()
	tc := types.NewTenantContext(ten, types.PermRead, types.PermWrite)

	tags := [][]string{{"high"}, {"medium"}, {"high"}}
	ids := make([]string, len(tags))
	for i, tg := range tags {
		rec := record(types.KindIncident, ten, marker)
		rec.Tags = tg
		_, err := st.StoreRecord(ctx, rec, tc)
		require.NoError(t, err)
		ids[i] = rec.ID
		time.Sleep(5 * time.Millisecond) // distinct updated_at stamps
	}

	res, err := st.QueryRecords(ctx, &types.Query{
		Filters:  map[string]interface{}{"data.case": marker},
		Tags:     []string{"high"},
		SortBy:   "updated_at",
		SortDesc: true,
	}, tc)
	require.NoError(t, err)
	require.Len(t, res.Records, 2)
	require.Equal(t, ids[2], res.Records[0].ID, "newest high record first")
	require.Equal(t, ids[0], res.Records[1].ID)
}

func testPaginationConsistency(t *testing.T, newStore Factory) {
	st := open(t, newStore)
	ctx := context.Background()
	marker := uuid.NewString()
	ten := tenant()
	tc := types.NewTenantContext(ten, types.PermRead, types.PermWrite)

	const n = 7
	for i := 0; i < n; i++ {
		rec := record(types.KindEvidence, ten, marker)
		rec.Data["seq"] = i
		_, err := st.StoreRecord(ctx, rec, tc)
		require.NoError(t, err)
	}

	base := types.Query{
		Filters: map[string]interface{}{"data.case": marker},
		SortBy:  "id",
	}

	full := base
	res, err := st.QueryRecords(ctx, &full, tc)
	require.NoError(t, err)
	require.Len(t, res.Records, n)
	require.NotNil(t, res.Total)
	require.Equal(t, int64(n), *res.Total)

	var paged []string
	for offset := 0; offset < n; offset += 3 {
		q := base
		q.Offset = offset
		q.Limit = 3
		page, err := st.QueryRecords(ctx, &q, tc)
		require.NoError(t, err)
		for _, rec := range page.Records {
			paged = append(paged, rec.ID)
		}
	}

	var fullIDs []string
	for _, rec := range res.Records {
		fullIDs = append(fullIDs, rec.ID)
	}
	require.Equal(t, fullIDs, paged)
}

func testRelationshipRoundTrip(t *testing.T, newStore Factory) {
	st := open(t, newStore)
	ctx := context.Background()
	ten := tenant()
	tc := types.NewTenantContext(ten, types.PermRead, types.PermWrite)

	incident := record(types.KindIncident, ten, uuid.NewString())
	alert := record(types.KindAlert, ten, uuid.NewString())
	for _, rec := range []*types.Record{incident, alert} {
		_, err := st.StoreRecord(ctx, rec, tc)
		require.NoError(t, err)
	}

	edge := types.NewRelationship(types.RelContains, incident.ID, alert.ID)
	conf := 0.9
	edge.Confidence = &conf
	id, err := st.StoreRelationship(ctx, edge, tc)
	require.NoError(t, err)
	require.Equal(t, edge.ID, id)

	for _, endpoint := range []string{incident.ID, alert.ID} {
		edges, err := st.GetRelationships(ctx, endpoint, tc)
		require.NoError(t, err)
		require.Len(t, edges, 1)
		require.Equal(t, edge.ID, edges[0].ID)
		require.Equal(t, types.RelContains, edges[0].RelationshipType)
		require.Equal(t, incident.ID, edges[0].SourceID)
		require.Equal(t, alert.ID, edges[0].TargetID)
		require.NotNil(t, edges[0].Confidence)
		require.InDelta(t, 0.9, *edges[0].Confidence, 1e-9)
	}

	// Invalid confidence is rejected before storage.
	bad := types.NewRelationship(types.RelContains, incident.ID, alert.ID)
	badConf := 1.5
	bad.Confidence = &badConf
	_, err = st.StoreRelationship(ctx, bad, tc)
	require.True(t, uerr.IsKind(err, uerr.KindValidation), "got %v", err)
}

func testDeletePrunesOrphanEdges(t *testing.T, newStore Factory) {
	st := open(t, newStore)
	ctx := context.Background()
	ten := tenant()
	tc := types.NewTenantContext(ten, types.PermRead, types.PermWrite, types.PermDelete)

	a := record(types.KindIncident, ten, uuid.NewString())
	b := record(types.KindAlert, ten, uuid.NewString())
	for _, rec := range []*types.Record{a, b} {
		_, err := st.StoreRecord(ctx, rec, tc)
		require.NoError(t, err)
	}
	edge := types.NewRelationship(types.RelRelatesTo, a.ID, b.ID)
	_, err := st.StoreRelationship(ctx, edge, tc)
	require.NoError(t, err)

	// Deleting one endpoint keeps the edge: the far endpoint still exists.
	require.NoError(t, st.DeleteRecord(ctx, a.ID, tc))
	edges, err := st.GetRelationships(ctx, b.ID, tc)
	require.NoError(t, err)
	require.Len(t, edges, 1)

	// Deleting the last endpoint prunes it.
	require.NoError(t, st.DeleteRecord(ctx, b.ID, tc))
	edges, err = st.GetRelationships(ctx, b.ID, tc)
	require.NoError(t, err)
	require.Empty(t, edges)
}

func testConcurrentStoresNeverMix(t *testing.T, newStore Factory) {
	st := open(t, newStore)
	ctx := context.Background()
	ten := tenant()
	tc := types.NewTenantContext(ten, types.PermRead, types.PermWrite)

	rec := record(types.KindIncident, ten, uuid.NewString())

	versions := map[string]string{"v1": "payload one", "v2": "payload two"}
	errs := make(chan error, len(versions))
	var wg sync.WaitGroup
	for version, body := range versions {
		wg.Add(1)
		go func(version, body string) {
			defer wg.Done()
			cp := rec.Clone()
			cp.Data["version"] = version
			cp.Data["body"] = body
			_, err := st.StoreRecord(ctx, cp, tc)
			errs <- err
		}(version, body)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got, err := st.GetRecord(ctx, rec.ID, tc)
	require.NoError(t, err)
	require.NotNil(t, got)
	version, ok := got.Data["version"].(string)
	require.True(t, ok)
	body, ok := versions[version]
	require.True(t, ok, "unknown version %q", version)
	require.Equal(t, body, got.Data["body"], "record is a mixture of two writes")
}

func testClosedStoreRejects(t *testing.T, newStore Factory) {
	st := open(t, newStore)
	ctx := context.Background()
	tc := types.NewTenantContext(tenant(), types.PermRead, types.PermWrite, types.PermDelete)

	require.NoError(t, st.Close())

	_, err := st.StoreRecord(ctx, record(types.KindIncident, tc.TenantID, uuid.NewString()), tc)
	require.True(t, uerr.IsKind(err, uerr.KindClosed), "got %v", err)
	_, err = st.GetRecord(ctx, "any", tc)
	require.True(t, uerr.IsKind(err, uerr.KindClosed), "got %v", err)
	_, err = st.QueryRecords(ctx, &types.Query{}, tc)
	require.True(t, uerr.IsKind(err, uerr.KindClosed), "got %v", err)
	err = st.Close()
	require.True(t, uerr.IsKind(err, uerr.KindClosed), "got %v", err)
}

func idSet(records []*types.Record) map[string]struct{} {
	out := make(map[string]struct{}, len(records))
	for _, rec := range records {
		out[rec.ID] = struct{}{}
	}
	return out
}
