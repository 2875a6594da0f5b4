package cached

import (
	"fmt"

	"github.com/kestrelsec/kestrel-backend/internal/types"
)

// DefaultKeyPrefix namespaces every key the cache tier writes.
const DefaultKeyPrefix = "kestrel"

// scopeOf maps a record's tenant stamp to its key scope.
func scopeOf(tenantID string) string {
	if tenantID == "" {
		return types.SystemTenant
	}
	return tenantID
}

// recordKey is the canonical record key: <prefix>:<tenant>:<record_type>:<id>.
// The layout is part of the contract shared by every caching adapter, not a
// per-adapter choice.
func recordKey(prefix, tenant, recordType, id string) string {
	return fmt.Sprintf("%s:%s:%s:%s", prefix, scopeOf(tenant), recordType, id)
}

// aliasKey resolves a bare record id to its canonical key. Reads arrive
// with only an id, so the alias is written alongside every record entry.
func aliasKey(prefix, tenant, id string) string {
	return fmt.Sprintf("%s:%s:idx:%s", prefix, scopeOf(tenant), id)
}

// relKey caches the tenant-filtered relationship list of a record. The
// scope is the reader's, not the record's: two tenants may legitimately
// see different lists.
func relKey(prefix, tenant, recordID string) string {
	return fmt.Sprintf("%s:%s:rel:%s", prefix, scopeOf(tenant), recordID)
}

// probeKey is read by health checks to test primary reachability.
func probeKey(prefix string) string {
	return fmt.Sprintf("%s:health:probe", prefix)
}
