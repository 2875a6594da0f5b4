package match

import (
	"sort"
	"strings"
	"time"

	"github.com/kestrelsec/kestrel-backend/internal/types"
)

// Sort orders records in place per the query: the requested sort path with
// ties broken by id ascending. Without an explicit sort, text searches
// order by updated_at descending and plain queries by created_at ascending.
func Sort(records []*types.Record, q *types.Query) {
	sortBy := ""
	desc := false
	if q != nil {
		sortBy = q.SortBy
		desc = q.SortDesc
	}
	if sortBy == "" {
		if q != nil && q.TextQuery != "" {
			sortBy, desc = "updated_at", true
		} else {
			sortBy, desc = "created_at", false
		}
	}
	sort.SliceStable(records, func(i, j int) bool {
		c := compareRecords(records[i], records[j], sortBy)
		if c == 0 {
			return records[i].ID < records[j].ID
		}
		if desc {
			return c > 0
		}
		return c < 0
	})
}

// Paginate applies offset and limit, clamping limit to the backend maximum.
// A zero or negative limit selects the maximum.
func Paginate(records []*types.Record, offset, limit, maxLimit int) []*types.Record {
	if maxLimit <= 0 {
		maxLimit = 1000
	}
	if limit <= 0 || limit > maxLimit {
		limit = maxLimit
	}
	if offset < 0 {
		offset = 0
	}
	if offset >= len(records) {
		return []*types.Record{}
	}
	end := offset + limit
	if end > len(records) {
		end = len(records)
	}
	return records[offset:end]
}

// EdgesWithin returns the edges whose endpoints are both inside the id set.
func EdgesWithin(edges []*types.Relationship, records []*types.Record) []*types.Relationship {
	ids := make(map[string]struct{}, len(records))
	for _, r := range records {
		ids[r.ID] = struct{}{}
	}
	var out []*types.Relationship
	for _, e := range edges {
		if _, ok := ids[e.SourceID]; !ok {
			continue
		}
		if _, ok := ids[e.TargetID]; !ok {
			continue
		}
		out = append(out, e)
	}
	return out
}

func compareRecords(a, b *types.Record, path string) int {
	av := firstValue(a, path)
	bv := firstValue(b, path)
	return compareValues(av, bv)
}

func firstValue(rec *types.Record, path string) interface{} {
	vals := Lookup(rec, path)
	if len(vals) == 0 {
		return nil
	}
	return vals[0]
}

// compareValues orders nils first, then numbers, strings, times, bools.
// Mixed types order by type name so the total order stays deterministic.
func compareValues(a, b interface{}) int {
	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		return -1
	}
	if b == nil {
		return 1
	}
	if af, aok := asFloat(a); aok {
		if bf, bok := asFloat(b); bok {
			switch {
			case af < bf:
				return -1
			case af > bf:
				return 1
			default:
				return 0
			}
		}
	}
	if at, aok := a.(time.Time); aok {
		if bt, bok := b.(time.Time); bok {
			switch {
			case at.Before(bt):
				return -1
			case at.After(bt):
				return 1
			default:
				return 0
			}
		}
	}
	if as, aok := a.(string); aok {
		if bs, bok := b.(string); bok {
			return strings.Compare(as, bs)
		}
	}
	if ab, aok := a.(bool); aok {
		if bb, bok := b.(bool); bok {
			switch {
			case !ab && bb:
				return -1
			case ab && !bb:
				return 1
			default:
				return 0
			}
		}
	}
	return strings.Compare(typeName(a), typeName(b))
}

func typeName(v interface{}) string {
	switch v.(type) {
	case bool:
		return "bool"
	case string:
		return "string"
	case time.Time:
		return "time"
	default:
		return "other"
	}
}
