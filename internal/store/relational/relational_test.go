package relational

import (
	"os"
	"testing"
	"time"

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

// The behavioural suite needs a reachable database; export
// TEST_RELATIONAL_DSN (postgres:// or sqlite://) to run it.
func TestRelationalBackend_Contract(t *testing.T) {
	dsn := os.Getenv("TEST_RELATIONAL_DSN")
	if dsn == "" {
		t.Skip("TEST_RELATIONAL_DSN not set; skipping relational backend suite")
	}
	contract.Run(t, func(t *testing.T) store.Store {
		b, err := Open(testLogger(t), dsn, Options{MultiTenant: true})
		require.NoError(t, err)
		return b
	})
}

func TestToRowFromRow_RoundTrip(t *testing.T) {
	rec := types.NewRecord(types.KindIncident)
	rec.TenantID = "alpha"
	rec.SourcePlugin = "edr"
	rec.Tags = []string{"high"}
	rec.Data = map[string]interface{}{"title": "Ransomware", "score": 9.5}
	rec.Metadata = map[string]interface{}{"source": "sensor"}
	rec.CreatedAt = time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)
	rec.UpdatedAt = rec.CreatedAt.Add(time.Hour)

	row, err := toRow(rec, []string{"title", "description", "name"})
	require.NoError(t, err)
	require.Equal(t, rec.ID, row.ID)
	require.Equal(t, "alpha", row.TenantID)
	require.Equal(t, "ransomware", row.SearchText)

	back, err := fromRow(row)
	require.NoError(t, err)
	require.Equal(t, rec.ID, back.ID)
	require.Equal(t, rec.TenantID, back.TenantID)
	require.Equal(t, rec.RecordType, back.RecordType)
	require.Equal(t, "Ransomware", back.Data["title"])
	require.Equal(t, 9.5, back.Data["score"])
	require.Equal(t, []string{"high"}, back.Tags)
	require.True(t, back.CreatedAt.Equal(rec.CreatedAt))
	require.True(t, back.UpdatedAt.Equal(rec.UpdatedAt))
}

func TestEdgeRowRoundTrip(t *testing.T) {
	conf := 0.75
	edge := types.NewRelationship(types.RelMitigates, "src", "dst")
	edge.Confidence = &conf
	edge.Metadata = map[string]interface{}{"analyst": "b.ko"}
	edge.CreatedAt = time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)

	row, err := edgeToRow(edge)
	require.NoError(t, err)
	back, err := edgeFromRow(row)
	require.NoError(t, err)
	require.Equal(t, edge.ID, back.ID)
	require.Equal(t, edge.RelationshipType, back.RelationshipType)
	require.Equal(t, edge.SourceID, back.SourceID)
	require.Equal(t, edge.TargetID, back.TargetID)
	require.InDelta(t, conf, *back.Confidence, 1e-9)
	require.Equal(t, "b.ko", back.Metadata["analyst"])
}

func TestSearchText_FollowsConfiguredFields(t *testing.T) {
	rec := types.NewRecord(types.KindCVE)
	rec.Data = map[string]interface{}{
		"title":   "CVE-2026-0042",
		"summary": "Use After Free",
	}
	require.Equal(t, "cve-2026-0042", searchText(rec, []string{"title", "description", "name"}))
	require.Equal(t, "use after free", searchText(rec, []string{"summary"}))
	require.Equal(t, "", searchText(&types.Record{Data: map[string]interface{}{}}, []string{"title"}))
}

func TestEscapeLike(t *testing.T) {
	require.Equal(t, `100\%`, escapeLike("100%"))
	require.Equal(t, `a\_b`, escapeLike("a_b"))
	require.Equal(t, `back\\slash`, escapeLike(`back\slash`))
	require.Equal(t, "plain", escapeLike("plain"))
}
