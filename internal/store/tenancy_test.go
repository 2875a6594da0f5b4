package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kestrelsec/kestrel-backend/internal/types"
)

// tenantCapturingStore records the context each operation arrived with.
type tenantCapturingStore struct {
	Store
	lastTC *types.TenantContext
}

func (s *tenantCapturingStore) StoreRecord(ctx context.Context, rec *types.Record, tc *types.TenantContext) (string, error) {
	s.lastTC = tc
	return rec.ID, nil
}

func (s *tenantCapturingStore) GetRecord(ctx context.Context, id string, tc *types.TenantContext) (*types.Record, error) {
	s.lastTC = tc
	return nil, nil
}

func (s *tenantCapturingStore) QueryRecords(ctx context.Context, q *types.Query, tc *types.TenantContext) (*types.QueryResult, error) {
	s.lastTC = tc
	return &types.QueryResult{}, nil
}

func TestWithDefaultTenant_FillsTenantlessContexts(t *testing.T) {
	ctx := context.Background()
	inner := &tenantCapturingStore{}
	st := WithDefaultTenant(inner, "default")

	unscoped := types.NewTenantContext("", types.PermRead, types.PermWrite)
	_, err := st.StoreRecord(ctx, types.NewRecord(types.KindIncident), unscoped)
	require.NoError(t, err)
	require.Equal(t, "default", inner.lastTC.TenantID)
	require.Equal(t, unscoped.Permissions, inner.lastTC.Permissions)

	_, err = st.GetRecord(ctx, "inc-1", unscoped)
	require.NoError(t, err)
	require.Equal(t, "default", inner.lastTC.TenantID)

	// The caller's own context is never mutated.
	require.Equal(t, "", unscoped.TenantID)
}

func TestWithDefaultTenant_LeavesScopedContextsAlone(t *testing.T) {
	ctx := context.Background()
	inner := &tenantCapturingStore{}
	st := WithDefaultTenant(inner, "default")

	scoped := types.NewTenantContext("alpha", types.PermRead)
	_, err := st.QueryRecords(ctx, &types.Query{}, scoped)
	require.NoError(t, err)
	require.Same(t, scoped, inner.lastTC)

	_, err = st.GetRecord(ctx, "inc-1", nil)
	require.NoError(t, err)
	require.Nil(t, inner.lastTC, "nil contexts pass through for the backend's permission check")
}

func TestWithDefaultTenant_EmptyDefaultIsIdentity(t *testing.T) {
	inner := &tenantCapturingStore{}
	require.Same(t, Store(inner), WithDefaultTenant(inner, ""))
}
