package types

import "time"

// TimeField selects which instant a TimeRange constrains.
type TimeField string

const (
	TimeFieldCreatedAt TimeField = "created_at"
	TimeFieldUpdatedAt TimeField = "updated_at"
)

// TimeRange is an optional half-open interval; a nil bound is unbounded.
type TimeRange struct {
	From  *time.Time `json:"from,omitempty"`
	To    *time.Time `json:"to,omitempty"`
	Field TimeField  `json:"field,omitempty"`
}

// Contains reports whether t falls inside the range (inclusive bounds).
func (tr *TimeRange) Contains(t time.Time) bool {
	if tr == nil {
		return true
	}
	if tr.From != nil && t.Before(*tr.From) {
		return false
	}
	if tr.To != nil && t.After(*tr.To) {
		return false
	}
	return true
}

// Query is the structured filter every backend answers. It describes
// intent only; backends are free to answer natively or by full scan, but
// results must be identical.
type Query struct {
	// RecordTypes restricts to the listed types; empty means all types.
	RecordTypes []string `json:"record_types,omitempty"`
	// TextQuery is a case-insensitive substring match over the textual
	// fields of each record (data.title, data.description, data.name).
	TextQuery string `json:"text_query,omitempty"`
	// Filters maps dotted paths (data.severity, metadata.source) to the
	// value they must equal. Multiple entries AND together. A path segment
	// may be a map key, an array index, or "*".
	Filters map[string]interface{} `json:"filters,omitempty"`
	// Tags requires the record to carry every listed tag.
	Tags []string `json:"tags,omitempty"`
	// TimeRange constrains created_at or updated_at.
	TimeRange *TimeRange `json:"time_range,omitempty"`
	// SortBy is a dotted path; empty selects the backend default ordering.
	SortBy   string `json:"sort_by,omitempty"`
	SortDesc bool   `json:"sort_desc,omitempty"`
	Limit    int    `json:"limit,omitempty"`
	Offset   int    `json:"offset,omitempty"`
}

// QueryResult carries the matched records in requested order plus the edges
// whose endpoints are both inside the returned set. Total is nil when the
// backend declined to count.
type QueryResult struct {
	Records       []*Record       `json:"records"`
	Relationships []*Relationship `json:"relationships,omitempty"`
	Total         *int64          `json:"total,omitempty"`
	TookMS        int64           `json:"took_ms"`
}
