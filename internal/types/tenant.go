package types

import (
	"time"

	"github.com/google/uuid"
)

// Permission strings checked by the store before touching storage.
const (
	PermRead   = "read"
	PermWrite  = "write"
	PermDelete = "delete"
	PermAdmin  = "admin"
)

// SystemTenant is the reserved scope for records without a tenant stamp.
// A context with TenantID == SystemTenant and the admin permission sees
// every tenant's records.
const SystemTenant = "system"

// TenantContext is the per-call envelope carried by every store operation.
type TenantContext struct {
	TenantID    string    `json:"tenant_id,omitempty"`
	UserID      string    `json:"user_id,omitempty"`
	Permissions []string  `json:"permissions"`
	RequestID   string    `json:"request_id"`
	Timestamp   time.Time `json:"timestamp"`
	TimeoutMS   int       `json:"timeout_ms,omitempty"`
}

// NewTenantContext returns a context for the tenant with the given
// permissions and a fresh request id.
func NewTenantContext(tenantID string, permissions ...string) *TenantContext {
	return &TenantContext{
		TenantID:    tenantID,
		Permissions: permissions,
		RequestID:   uuid.NewString(),
		Timestamp:   time.Now().UTC(),
	}
}

// SystemContext returns the reserved system-scope admin context.
func SystemContext() *TenantContext {
	return NewTenantContext(SystemTenant, PermRead, PermWrite, PermDelete, PermAdmin)
}

// Has reports whether the context carries the permission. Admin bypasses
// individual permission checks but never widens tenant scope on its own.
func (tc *TenantContext) Has(perm string) bool {
	if tc == nil {
		return false
	}
	for _, p := range tc.Permissions {
		if p == perm || p == PermAdmin {
			return true
		}
	}
	return false
}

// IsAdmin reports whether the context carries the admin permission.
func (tc *TenantContext) IsAdmin() bool {
	if tc == nil {
		return false
	}
	for _, p := range tc.Permissions {
		if p == PermAdmin {
			return true
		}
	}
	return false
}

// IsSystemAdmin reports whether the context may cross tenant boundaries.
func (tc *TenantContext) IsSystemAdmin() bool {
	return tc != nil && tc.TenantID == SystemTenant && tc.IsAdmin()
}

// Scope returns the tenant id, mapping the empty string to the system scope.
func (tc *TenantContext) Scope() string {
	if tc == nil || tc.TenantID == "" {
		return SystemTenant
	}
	return tc.TenantID
}
