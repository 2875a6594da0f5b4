package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func mustTime(t *testing.T, v string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, v)
	require.NoError(t, err)
	return ts
}

func TestNewRecord(t *testing.T) {
	rec := NewRecord(KindIncident)
	require.NotEmpty(t, rec.ID)
	require.Equal(t, KindIncident, rec.RecordType)
	require.NotNil(t, rec.Data)

	other := NewRecord(KindIncident)
	require.NotEqual(t, rec.ID, other.ID)
}

func TestRecordClone_IsDeep(t *testing.T) {
	conf := 0.5
	rec := NewRecord(KindAlert)
	rec.Tags = []string{"high"}
	rec.Data = map[string]interface{}{
		"title": "original",
		"nested": map[string]interface{}{
			"hosts": []interface{}{"web-1"},
		},
	}
	rec.Relationships = []Relationship{{
		ID: "e1", RelationshipType: RelRelatesTo, SourceID: "a", TargetID: "b", Confidence: &conf,
	}}

	cp := rec.Clone()
	cp.Data["title"] = "mutated"
	cp.Data["nested"].(map[string]interface{})["hosts"].([]interface{})[0] = "evil-1"
	cp.Tags[0] = "low"
	*cp.Relationships[0].Confidence = 0.9

	require.Equal(t, "original", rec.Data["title"])
	require.Equal(t, "web-1", rec.Data["nested"].(map[string]interface{})["hosts"].([]interface{})[0])
	require.Equal(t, "high", rec.Tags[0])
	require.Equal(t, 0.5, *rec.Relationships[0].Confidence)

	var nilRec *Record
	require.Nil(t, nilRec.Clone())
}

func TestHasTag(t *testing.T) {
	rec := NewRecord(KindAlert)
	require.False(t, rec.HasTag("high"))
	rec.Tags = []string{"high", "open"}
	require.True(t, rec.HasTag("open"))
	require.False(t, rec.HasTag("closed"))
}

func TestTenantContext(t *testing.T) {
	tc := NewTenantContext("alpha", PermRead, PermWrite)
	require.Equal(t, "alpha", tc.TenantID)
	require.NotEmpty(t, tc.RequestID)
	require.True(t, tc.Has(PermRead))
	require.False(t, tc.Has(PermDelete))
	require.False(t, tc.IsAdmin())
	require.Equal(t, "alpha", tc.Scope())

	admin := NewTenantContext("alpha", PermAdmin)
	require.True(t, admin.Has(PermDelete), "admin implies every permission")
	require.True(t, admin.IsAdmin())
	require.False(t, admin.IsSystemAdmin(), "admin alone does not cross tenants")

	sys := SystemContext()
	require.True(t, sys.IsSystemAdmin())
	require.Equal(t, SystemTenant, sys.Scope())

	var nilTC *TenantContext
	require.False(t, nilTC.Has(PermRead))
	require.Equal(t, SystemTenant, nilTC.Scope())
}

func TestTimeRangeContains(t *testing.T) {
	from := mustTime(t, "2026-01-01T00:00:00Z")
	to := mustTime(t, "2026-01-31T00:00:00Z")
	tr := &TimeRange{From: &from, To: &to}

	require.True(t, tr.Contains(mustTime(t, "2026-01-15T12:00:00Z")))
	require.True(t, tr.Contains(from), "bounds are inclusive")
	require.True(t, tr.Contains(to))
	require.False(t, tr.Contains(mustTime(t, "2025-12-31T23:59:59Z")))
	require.False(t, tr.Contains(mustTime(t, "2026-02-01T00:00:00Z")))

	var nilTR *TimeRange
	require.True(t, nilTR.Contains(from))
}
