package cached

import (
	"time"

	"github.com/kestrelsec/kestrel-backend/internal/types"
)

// DefaultTTL applies to record types without an explicit entry.
const DefaultTTL = time.Hour

// DefaultTTLs is the per-record-type cache lifetime table. TTL applies only
// inside the cache tier; the fallback never expires records.
func DefaultTTLs() map[string]time.Duration {
	return map[string]time.Duration{
		types.KindAlert:          2 * time.Hour,
		types.KindExecution:      time.Hour,
		types.KindIncident:       time.Hour,
		types.KindTask:           time.Hour,
		types.KindPlaybook:       24 * time.Hour,
		types.KindWorkflow:       24 * time.Hour,
		types.KindEvidence:       24 * time.Hour,
		types.KindMitreTechnique: time.Hour,
		types.KindMitreTactic:    time.Hour,
		types.KindMitreGroup:     time.Hour,
		types.KindCVE:            time.Hour,
		types.KindThreatAnalysis: time.Hour,
	}
}

func (b *Backend) ttlFor(recordType string) time.Duration {
	if ttl, ok := b.ttls[recordType]; ok {
		return ttl
	}
	return DefaultTTL
}
