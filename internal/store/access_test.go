package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	uerr "github.com/kestrelsec/kestrel-backend/internal/pkg/errors"
	"github.com/kestrelsec/kestrel-backend/internal/types"
)

func TestCheckPermission(t *testing.T) {
	require.Error(t, CheckPermission(nil, types.PermRead))

	tc := types.NewTenantContext("alpha", types.PermRead)
	require.NoError(t, CheckPermission(tc, types.PermRead))
	err := CheckPermission(tc, types.PermWrite)
	require.True(t, uerr.IsKind(err, uerr.KindPermissionDenied))

	// Admin passes every individual check.
	admin := types.NewTenantContext("alpha", types.PermAdmin)
	require.NoError(t, CheckPermission(admin, types.PermWrite))
	require.NoError(t, CheckPermission(admin, types.PermDelete))
}

func TestValidateRecord(t *testing.T) {
	require.True(t, uerr.IsKind(ValidateRecord(nil), uerr.KindValidation))
	require.True(t, uerr.IsKind(ValidateRecord(&types.Record{}), uerr.KindValidation))
	require.True(t, uerr.IsKind(ValidateRecord(&types.Record{ID: "x"}), uerr.KindValidation))
	require.NoError(t, ValidateRecord(&types.Record{ID: "x", RecordType: types.KindAlert}))
}

func TestValidateRelationship(t *testing.T) {
	edge := types.NewRelationship(types.RelUses, "a", "b")
	require.NoError(t, ValidateRelationship(edge))

	low, high, ok := -0.1, 1.1, 0.5
	edge.Confidence = &low
	require.True(t, uerr.IsKind(ValidateRelationship(edge), uerr.KindValidation))
	edge.Confidence = &high
	require.True(t, uerr.IsKind(ValidateRelationship(edge), uerr.KindValidation))
	edge.Confidence = &ok
	require.NoError(t, ValidateRelationship(edge))

	edge.TargetID = ""
	require.True(t, uerr.IsKind(ValidateRelationship(edge), uerr.KindValidation))
}

func TestStampTenant(t *testing.T) {
	tc := types.NewTenantContext("alpha", types.PermWrite)

	// Unstamped records inherit the caller's tenant.
	rec := &types.Record{ID: "1", RecordType: types.KindIncident}
	require.NoError(t, StampTenant(rec, tc))
	require.Equal(t, "alpha", rec.TenantID)

	// A matching stamp passes.
	rec = &types.Record{ID: "2", RecordType: types.KindIncident, TenantID: "alpha"}
	require.NoError(t, StampTenant(rec, tc))

	// A disagreeing stamp fails TenantMismatch for non-admins.
	rec = &types.Record{ID: "3", RecordType: types.KindIncident, TenantID: "beta"}
	err := StampTenant(rec, tc)
	require.True(t, uerr.IsKind(err, uerr.KindTenantMismatch))

	// Admins may write on behalf of another tenant.
	admin := types.NewTenantContext("alpha", types.PermWrite, types.PermAdmin)
	require.NoError(t, StampTenant(rec, admin))
	require.Equal(t, "beta", rec.TenantID)

	// System contexts keep records unstamped (shared reference data).
	sys := types.SystemContext()
	rec = &types.Record{ID: "4", RecordType: types.KindMitreTechnique}
	require.NoError(t, StampTenant(rec, sys))
	require.Equal(t, "", rec.TenantID)
}

func TestVisible(t *testing.T) {
	own := &types.Record{ID: "1", TenantID: "alpha"}
	other := &types.Record{ID: "2", TenantID: "beta"}
	system := &types.Record{ID: "3"}

	tc := types.NewTenantContext("alpha", types.PermRead)
	require.True(t, Visible(own, tc, true))
	require.False(t, Visible(other, tc, true))
	require.True(t, Visible(system, tc, true), "system-scope records are shared reference data")

	// Tenant-local admin does not widen scope.
	admin := types.NewTenantContext("alpha", types.PermAdmin)
	require.False(t, Visible(other, admin, true))

	// System admin sees everything.
	sys := types.SystemContext()
	require.True(t, Visible(other, sys, true))

	// Single-tenant mode disables scoping entirely.
	require.True(t, Visible(other, tc, false))
	require.False(t, Visible(nil, tc, false))
}

func TestWithDeadline_Precedence(t *testing.T) {
	// An explicit ctx deadline wins over the tenant timeout.
	parent, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	tc := &types.TenantContext{TenantID: "alpha", TimeoutMS: 5}
	ctx, done := WithDeadline(parent, tc, 1000)
	defer done()
	dl, ok := ctx.Deadline()
	require.True(t, ok)
	require.Greater(t, time.Until(dl), 30*time.Second)

	// The tenant timeout beats the backend default.
	ctx, done = WithDeadline(context.Background(), tc, 60000)
	defer done()
	dl, ok = ctx.Deadline()
	require.True(t, ok)
	require.Less(t, time.Until(dl), time.Second)

	// No deadline at all when nothing is configured.
	ctx, done = WithDeadline(context.Background(), nil, 0)
	defer done()
	_, ok = ctx.Deadline()
	require.False(t, ok)
}

func TestCheckContext_MapsToConnectionKind(t *testing.T) {
	require.NoError(t, CheckContext(context.Background()))

	expired, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	err := CheckContext(expired)
	require.True(t, uerr.IsKind(err, uerr.KindConnection))

	cancelled, cancelNow := context.WithCancel(context.Background())
	cancelNow()
	err = CheckContext(cancelled)
	require.True(t, uerr.IsKind(err, uerr.KindConnection))
}

func TestBulkError_Format(t *testing.T) {
	err := uerr.Validation("record id is empty")
	require.Equal(t, "record[2]: validation: record id is empty", BulkError(2, "", err))
	require.Contains(t, BulkError(0, "abc", err), "record[0] abc:")
}
