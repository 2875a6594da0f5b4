package store

import (
	"fmt"

	uerr "github.com/kestrelsec/kestrel-backend/internal/pkg/errors"
	"github.com/kestrelsec/kestrel-backend/internal/types"
)

// CheckPermission admits or rejects an operation by the declared
// permissions of the context. Admin contexts pass every check.
func CheckPermission(tc *types.TenantContext, perm string) error {
	if tc == nil {
		return uerr.PermissionDenied("missing tenant context")
	}
	if !tc.Has(perm) {
		return uerr.PermissionDenied("context lacks %q permission", perm)
	}
	return nil
}

// ValidateRecord enforces the structural invariants of the universal
// record before it reaches storage.
func ValidateRecord(rec *types.Record) error {
	if rec == nil {
		return uerr.Validation("record is nil")
	}
	if rec.ID == "" {
		return uerr.Validation("record id is empty")
	}
	if rec.RecordType == "" {
		return uerr.Validation("record type is empty").WithRecord(rec.ID)
	}
	return nil
}

// ValidateRelationship enforces the structural invariants of an edge.
func ValidateRelationship(edge *types.Relationship) error {
	if edge == nil {
		return uerr.Validation("relationship is nil")
	}
	if edge.ID == "" {
		return uerr.Validation("relationship id is empty")
	}
	if edge.RelationshipType == "" {
		return uerr.Validation("relationship type is empty")
	}
	if edge.SourceID == "" || edge.TargetID == "" {
		return uerr.Validation("relationship endpoints are incomplete")
	}
	if edge.Confidence != nil && (*edge.Confidence < 0 || *edge.Confidence > 1) {
		return uerr.Validation("relationship confidence %v outside [0,1]", *edge.Confidence)
	}
	return nil
}

// StampTenant reconciles the record's tenant with the caller's. Records
// without a stamp inherit the caller's tenant; a disagreeing stamp fails
// TenantMismatch unless the context is admin.
func StampTenant(rec *types.Record, tc *types.TenantContext) error {
	callerTenant := ""
	if tc != nil {
		callerTenant = tc.TenantID
	}
	if rec.TenantID == "" {
		if callerTenant != "" && callerTenant != types.SystemTenant {
			rec.TenantID = callerTenant
		}
		return nil
	}
	if rec.TenantID != callerTenant && !tc.IsAdmin() {
		return uerr.TenantMismatch(
			"record tenant %q disagrees with context tenant %q", rec.TenantID, callerTenant,
		).WithRecord(rec.ID)
	}
	return nil
}

// Visible reports whether the context may observe the record. System-scope
// records (no tenant stamp) are shared reference data readable by every
// tenant; system admins see everything. multiTenant=false disables scoping
// entirely.
func Visible(rec *types.Record, tc *types.TenantContext, multiTenant bool) bool {
	if rec == nil {
		return false
	}
	if !multiTenant {
		return true
	}
	if rec.TenantID == "" {
		return true
	}
	if tc == nil {
		return false
	}
	if tc.IsSystemAdmin() {
		return true
	}
	return rec.TenantID == tc.TenantID
}

// CanMutateSystemScope reports whether the context may write or delete
// records in the reserved system scope.
func CanMutateSystemScope(tc *types.TenantContext) bool {
	if tc == nil {
		return false
	}
	return tc.TenantID == "" || tc.IsSystemAdmin() || tc.TenantID == types.SystemTenant
}

// BulkError formats a per-record failure for the bulk result error list.
func BulkError(index int, id string, err error) string {
	if id == "" {
		return fmt.Sprintf("record[%d]: %v", index, err)
	}
	return fmt.Sprintf("record[%d] %s: %v", index, id, err)
}
