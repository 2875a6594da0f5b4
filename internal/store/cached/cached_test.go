package cached

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kestrelsec/kestrel-backend/internal/clients/localkv"
	"github.com/kestrelsec/kestrel-backend/internal/pkg/logger"
	"github.com/kestrelsec/kestrel-backend/internal/store"
	"github.com/kestrelsec/kestrel-backend/internal/store/contract"
	"github.com/kestrelsec/kestrel-backend/internal/store/memory"
	"github.com/kestrelsec/kestrel-backend/internal/types"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("test")
	require.NoError(t, err)
	return log
}

func newCached(t *testing.T, opts Options) (*Backend, *localkv.Client) {
	t.Helper()
	log := testLogger(t)
	kv, err := localkv.New(log, 256)
	require.NoError(t, err)
	// The cache tier mirrors the fallback's tenant scoping.
	opts.MultiTenant = true
	fallback := memory.New(log, memory.Options{MultiTenant: true})
	return New(log, kv, fallback, opts), kv
}

func TestCachedBackend_Contract(t *testing.T) {
	contract.Run(t, func(t *testing.T) store.Store {
		b, _ := newCached(t, Options{})
		return b
	})
}

func TestCachedBackend_RepairsPrimaryAfterEviction(t *testing.T) {
	b, kv := newCached(t, Options{})
	ctx := context.Background()
	require.NoError(t, b.Initialize(ctx))
	tc := types.NewTenantContext("alpha", types.PermRead, types.PermWrite)

	rec := types.NewRecord(types.KindIncident)
	rec.Data = map[string]interface{}{"title": "cache me"}
	_, err := b.StoreRecord(ctx, rec, tc)
	require.NoError(t, err)

	canonical := recordKey(b.prefix, "alpha", types.KindIncident, rec.ID)
	alias := aliasKey(b.prefix, "alpha", rec.ID)
	_, ok, err := kv.Get(ctx, canonical)
	require.NoError(t, err)
	require.True(t, ok, "write-through populated the primary")

	// Simulate a primary eviction.
	require.NoError(t, kv.Delete(ctx, canonical))
	require.NoError(t, kv.Delete(ctx, alias))

	got, err := b.GetRecord(ctx, rec.ID, tc)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "cache me", got.Data["title"])

	// The read repaired both entries.
	raw, ok, err := kv.Get(ctx, canonical)
	require.NoError(t, err)
	require.True(t, ok, "read-through repopulated the canonical entry")
	var cachedRec types.Record
	require.NoError(t, json.Unmarshal(raw, &cachedRec))
	require.Equal(t, rec.ID, cachedRec.ID)
	_, ok, err = kv.Get(ctx, alias)
	require.NoError(t, err)
	require.True(t, ok, "read-through repopulated the alias")
}

func TestCachedBackend_DeleteEvictsPrimary(t *testing.T) {
	b, kv := newCached(t, Options{})
	ctx := context.Background()
	require.NoError(t, b.Initialize(ctx))
	tc := types.NewTenantContext("alpha", types.PermRead, types.PermWrite, types.PermDelete)

	rec := types.NewRecord(types.KindAlert)
	rec.Data = map[string]interface{}{"title": "short lived"}
	_, err := b.StoreRecord(ctx, rec, tc)
	require.NoError(t, err)

	require.NoError(t, b.DeleteRecord(ctx, rec.ID, tc))

	canonical := recordKey(b.prefix, "alpha", types.KindAlert, rec.ID)
	_, ok, err := kv.Get(ctx, canonical)
	require.NoError(t, err)
	require.False(t, ok, "delete evicted the canonical entry")
	_, ok, err = kv.Get(ctx, aliasKey(b.prefix, "alpha", rec.ID))
	require.NoError(t, err)
	require.False(t, ok, "delete evicted the alias")

	got, err := b.GetRecord(ctx, rec.ID, tc)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestCachedBackend_StaleEntryExpiresByTTL(t *testing.T) {
	b, kv := newCached(t, Options{
		TTLs: map[string]time.Duration{types.KindIncident: 30 * time.Millisecond},
	})
	ctx := context.Background()
	require.NoError(t, b.Initialize(ctx))
	tc := types.NewTenantContext("alpha", types.PermRead, types.PermWrite)

	rec := types.NewRecord(types.KindIncident)
	rec.Data = map[string]interface{}{"title": "expiring"}
	_, err := b.StoreRecord(ctx, rec, tc)
	require.NoError(t, err)

	canonical := recordKey(b.prefix, "alpha", types.KindIncident, rec.ID)
	_, ok, err := kv.Get(ctx, canonical)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(50 * time.Millisecond)

	_, ok, err = kv.Get(ctx, canonical)
	require.NoError(t, err)
	require.False(t, ok, "entry expired")

	// The record itself is still served from the fallback.
	got, err := b.GetRecord(ctx, rec.ID, tc)
	require.NoError(t, err)
	require.NotNil(t, got)
}

func TestCachedBackend_RelationshipListInvalidation(t *testing.T) {
	b, kv := newCached(t, Options{})
	ctx := context.Background()
	require.NoError(t, b.Initialize(ctx))
	tc := types.NewTenantContext("alpha", types.PermRead, types.PermWrite)

	a := types.NewRecord(types.KindIncident)
	a.Data = map[string]interface{}{"title": "a"}
	c := types.NewRecord(types.KindAlert)
	c.Data = map[string]interface{}{"title": "c"}
	for _, rec := range []*types.Record{a, c} {
		_, err := b.StoreRecord(ctx, rec, tc)
		require.NoError(t, err)
	}

	edges, err := b.GetRelationships(ctx, a.ID, tc)
	require.NoError(t, err)
	require.Empty(t, edges)

	// The empty list is cached now.
	_, ok, err := kv.Get(ctx, relKey(b.prefix, "alpha", a.ID))
	require.NoError(t, err)
	require.True(t, ok)

	// A new edge invalidates both endpoints' cached lists.
	_, err = b.StoreRelationship(ctx, types.NewRelationship(types.RelRelatesTo, a.ID, c.ID), tc)
	require.NoError(t, err)
	_, ok, err = kv.Get(ctx, relKey(b.prefix, "alpha", a.ID))
	require.NoError(t, err)
	require.False(t, ok, "stale relationship list evicted")

	edges, err = b.GetRelationships(ctx, a.ID, tc)
	require.NoError(t, err)
	require.Len(t, edges, 1)
}

func TestCachedBackend_TenantsDoNotShareCacheEntries(t *testing.T) {
	b, _ := newCached(t, Options{})
	ctx := context.Background()
	require.NoError(t, b.Initialize(ctx))
	tcA := types.NewTenantContext("alpha", types.PermRead, types.PermWrite)
	tcB := types.NewTenantContext("beta", types.PermRead, types.PermWrite)

	rec := types.NewRecord(types.KindIncident)
	rec.Data = map[string]interface{}{"title": "alpha only"}
	_, err := b.StoreRecord(ctx, rec, tcA)
	require.NoError(t, err)

	// Warm the cache through the owner, then read as the other tenant.
	got, err := b.GetRecord(ctx, rec.ID, tcA)
	require.NoError(t, err)
	require.NotNil(t, got)

	got, err = b.GetRecord(ctx, rec.ID, tcB)
	require.NoError(t, err)
	require.Nil(t, got, "cache tier must not leak across tenants")
}

func TestCachedBackend_SingleTenantServesCachedCrossTenantReads(t *testing.T) {
	log := testLogger(t)
	kv, err := localkv.New(log, 256)
	require.NoError(t, err)
	fallback := memory.New(log, memory.Options{MultiTenant: false})
	b := New(log, kv, fallback, Options{MultiTenant: false})
	ctx := context.Background()
	require.NoError(t, b.Initialize(ctx))
	writer := types.NewTenantContext("alpha", types.PermRead, types.PermWrite, types.PermDelete)
	reader := types.NewTenantContext("beta", types.PermRead)

	rec := types.NewRecord(types.KindIncident)
	rec.Data = map[string]interface{}{"title": "shared"}
	_, err = b.StoreRecord(ctx, rec, writer)
	require.NoError(t, err)

	// First read as the other tenant repairs the primary under its scope.
	got, err := b.GetRecord(ctx, rec.ID, reader)
	require.NoError(t, err)
	require.NotNil(t, got)

	// Remove the record from the fallback directly, bypassing eviction, so
	// only the primary can answer the next read.
	require.NoError(t, fallback.DeleteRecord(ctx, rec.ID, writer))
	got, err = b.GetRecord(ctx, rec.ID, reader)
	require.NoError(t, err)
	require.NotNil(t, got, "single-tenant hit path must serve cross-tenant entries")
	require.Equal(t, "shared", got.Data["title"])
}

func TestCachedBackend_CustomKeyPrefix(t *testing.T) {
	log := testLogger(t)
	kv, err := localkv.New(log, 16)
	require.NoError(t, err)
	fallback := memory.New(log, memory.Options{MultiTenant: true})
	b := New(log, kv, fallback, Options{KeyPrefix: "custom"})
	require.NoError(t, b.Initialize(context.Background()))
	require.Equal(t, "custom", b.prefix)
}
