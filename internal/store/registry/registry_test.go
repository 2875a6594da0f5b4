package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kestrelsec/kestrel-backend/internal/pkg/logger"
	"github.com/kestrelsec/kestrel-backend/internal/store/cached"
	"github.com/kestrelsec/kestrel-backend/internal/store/memory"
	"github.com/kestrelsec/kestrel-backend/internal/types"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("test")
	require.NoError(t, err)
	return log
}

func TestOpen_Memory(t *testing.T) {
	st, err := Open(testLogger(t), Config{Backend: "memory", MultiTenant: true})
	require.NoError(t, err)
	require.IsType(t, &memory.Backend{}, st)
	require.NoError(t, st.Initialize(context.Background()))
	require.True(t, st.HealthCheck(context.Background()).Healthy)
}

func TestOpen_DefaultsToMemory(t *testing.T) {
	st, err := Open(testLogger(t), Config{})
	require.NoError(t, err)
	require.IsType(t, &memory.Backend{}, st)
}

func TestOpen_CacheFrontedMemory(t *testing.T) {
	st, err := Open(testLogger(t), Config{Backend: "cache+memory", MultiTenant: true})
	require.NoError(t, err)
	require.IsType(t, &cached.Backend{}, st)
	require.NoError(t, st.Initialize(context.Background()))

	// The composite behaves as one store end to end.
	ctx := context.Background()
	tc := types.NewTenantContext("alpha", types.PermRead, types.PermWrite)
	rec := types.NewRecord(types.KindIncident)
	rec.Data = map[string]interface{}{"title": "via registry"}
	id, err := st.StoreRecord(ctx, rec, tc)
	require.NoError(t, err)
	got, err := st.GetRecord(ctx, id, tc)
	require.NoError(t, err)
	require.NotNil(t, got)
}

func TestOpen_DefaultTenant(t *testing.T) {
	st, err := Open(testLogger(t), Config{
		Backend:       "memory",
		MultiTenant:   true,
		DefaultTenant: "default",
	})
	require.NoError(t, err)
	require.NoError(t, st.Initialize(context.Background()))

	// A context naming no tenant runs under the configured default.
	ctx := context.Background()
	unscoped := types.NewTenantContext("", types.PermRead, types.PermWrite)
	rec := types.NewRecord(types.KindIncident)
	rec.Data = map[string]interface{}{"title": "defaulted"}
	id, err := st.StoreRecord(ctx, rec, unscoped)
	require.NoError(t, err)

	got, err := st.GetRecord(ctx, id, types.NewTenantContext("default", types.PermRead))
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "default", got.TenantID)

	other, err := st.GetRecord(ctx, id, types.NewTenantContext("beta", types.PermRead))
	require.NoError(t, err)
	require.Nil(t, other, "defaulted writes stay inside the default tenant")
}

func TestOpen_UnknownBackend(t *testing.T) {
	_, err := Open(testLogger(t), Config{Backend: "columnar"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown backend")
}

func TestOpen_RelationalRequiresDSN(t *testing.T) {
	_, err := Open(testLogger(t), Config{Backend: "relational"})
	require.Error(t, err)
	_, err = Open(testLogger(t), Config{Backend: "cache+relational"})
	require.Error(t, err, "no silent substitution when the fallback cannot be built")
}

func TestOpen_DocumentRequiresURI(t *testing.T) {
	_, err := Open(testLogger(t), Config{Backend: "document"})
	require.Error(t, err)
}
