package cached

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kestrelsec/kestrel-backend/internal/types"
)

func TestKeyLayout(t *testing.T) {
	require.Equal(t, "kestrel:alpha:incident:inc-1",
		recordKey("kestrel", "alpha", types.KindIncident, "inc-1"))
	require.Equal(t, "kestrel:alpha:idx:inc-1", aliasKey("kestrel", "alpha", "inc-1"))
	require.Equal(t, "kestrel:alpha:rel:inc-1", relKey("kestrel", "alpha", "inc-1"))
	require.Equal(t, "kestrel:health:probe", probeKey("kestrel"))

	// Unstamped records key under the reserved system scope.
	require.Equal(t, "kestrel:system:cve:c-1", recordKey("kestrel", "", types.KindCVE, "c-1"))
}

func TestTTLTable(t *testing.T) {
	b := &Backend{ttls: DefaultTTLs()}
	require.Equal(t, 2*time.Hour, b.ttlFor(types.KindAlert))
	require.Equal(t, 24*time.Hour, b.ttlFor(types.KindPlaybook))
	require.Equal(t, time.Hour, b.ttlFor(types.KindCVE))
	require.Equal(t, DefaultTTL, b.ttlFor("custom_type"))
}
