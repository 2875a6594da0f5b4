// Package match evaluates structured queries against universal records in
// memory. It is the reference evaluation engine: the in-memory backend runs
// it for everything, and the external adapters fall through to it for the
// predicates their native query form cannot express.
package match

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/kestrelsec/kestrel-backend/internal/types"
)

// textualPaths are the payload fields a text query searches by default.
var textualPaths = []string{"title", "description", "name"}

// FieldMap overrides the textual search fields per record type. A nil map
// or a missing entry falls back to the defaults.
type FieldMap map[string][]string

// For returns the textual fields indexed for the given record type.
func (m FieldMap) For(recordType string) []string {
	if m != nil {
		if fields, ok := m[recordType]; ok && len(fields) > 0 {
			return fields
		}
	}
	return textualPaths
}

// Matches reports whether the record satisfies every predicate of the
// query except record_types and tenant visibility, which backends apply
// before calling in. Text search uses the default field set.
func Matches(rec *types.Record, q *types.Query) bool {
	return MatchesFields(rec, q, nil)
}

// MatchesFields is Matches with a per-type textual field override.
func MatchesFields(rec *types.Record, q *types.Query, fm FieldMap) bool {
	if q == nil {
		return true
	}
	if q.TimeRange != nil {
		t := rec.CreatedAt
		if q.TimeRange.Field == types.TimeFieldUpdatedAt {
			t = rec.UpdatedAt
		}
		if !q.TimeRange.Contains(t) {
			return false
		}
	}
	for _, tag := range q.Tags {
		if !rec.HasTag(tag) {
			return false
		}
	}
	for path, want := range q.Filters {
		if !pathEquals(rec, path, want) {
			return false
		}
	}
	if q.TextQuery != "" && !TextMatch(rec, q.TextQuery, fm.For(rec.RecordType)) {
		return false
	}
	return true
}

// TextMatch applies the case-insensitive substring search over the given
// textual payload fields.
func TextMatch(rec *types.Record, text string, fields []string) bool {
	needle := strings.ToLower(text)
	var sb strings.Builder
	for _, field := range fields {
		if v, ok := rec.Data[field]; ok {
			if s, ok := v.(string); ok {
				sb.WriteString(strings.ToLower(s))
				sb.WriteByte(' ')
			}
		}
	}
	return strings.Contains(sb.String(), needle)
}

// Lookup resolves a dotted path against the record and returns every value
// it reaches. Top-level names address record fields; data.* and metadata.*
// descend into the payload trees. A segment is a map key, an array index,
// or "*".
func Lookup(rec *types.Record, path string) []interface{} {
	segments := strings.Split(path, ".")
	switch segments[0] {
	case "id":
		return []interface{}{rec.ID}
	case "record_type":
		return []interface{}{rec.RecordType}
	case "tenant_id":
		return []interface{}{rec.TenantID}
	case "source_plugin":
		return []interface{}{rec.SourcePlugin}
	case "created_at":
		return []interface{}{rec.CreatedAt}
	case "updated_at":
		return []interface{}{rec.UpdatedAt}
	case "data":
		return descend(rec.Data, segments[1:])
	case "metadata":
		return descend(rec.Metadata, segments[1:])
	default:
		// Bare payload paths (severity) read from data for convenience.
		return descend(rec.Data, segments)
	}
}

func descend(root interface{}, segments []string) []interface{} {
	current := []interface{}{root}
	for _, seg := range segments {
		var next []interface{}
		for _, node := range current {
			next = append(next, step(node, seg)...)
		}
		if len(next) == 0 {
			return nil
		}
		current = next
	}
	return current
}

func step(node interface{}, seg string) []interface{} {
	switch t := node.(type) {
	case map[string]interface{}:
		if seg == "*" {
			out := make([]interface{}, 0, len(t))
			for _, v := range t {
				out = append(out, v)
			}
			return out
		}
		if v, ok := t[seg]; ok {
			return []interface{}{v}
		}
	case []interface{}:
		if seg == "*" {
			return append([]interface{}(nil), t...)
		}
		if idx, err := strconv.Atoi(seg); err == nil && idx >= 0 && idx < len(t) {
			return []interface{}{t[idx]}
		}
	}
	return nil
}

func pathEquals(rec *types.Record, path string, want interface{}) bool {
	for _, got := range Lookup(rec, path) {
		if Equal(got, want) {
			return true
		}
	}
	return false
}

// Equal compares two values with JSON value semantics: all numeric types
// collapse to float64, maps and slices compare element-wise.
func Equal(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if af, ok := asFloat(a); ok {
		bf, ok := asFloat(b)
		return ok && af == bf
	}
	switch at := a.(type) {
	case string:
		bs, ok := b.(string)
		return ok && at == bs
	case bool:
		bb, ok := b.(bool)
		return ok && at == bb
	case time.Time:
		bt, ok := b.(time.Time)
		return ok && at.Equal(bt)
	case map[string]interface{}:
		bm, ok := b.(map[string]interface{})
		if !ok || len(at) != len(bm) {
			return false
		}
		for k, av := range at {
			bv, ok := bm[k]
			if !ok || !Equal(av, bv) {
				return false
			}
		}
		return true
	case []interface{}:
		bl, ok := b.([]interface{})
		if !ok || len(at) != len(bl) {
			return false
		}
		for i := range at {
			if !Equal(at[i], bl[i]) {
				return false
			}
		}
		return true
	}
	return a == b
}

func asFloat(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint:
		return float64(t), true
	case uint64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	}
	return 0, false
}
