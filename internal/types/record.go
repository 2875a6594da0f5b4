package types

import (
	"time"

	"github.com/google/uuid"
)

// Record kind discriminators used across the platform. The store itself
// treats RecordType as an opaque string; these constants keep consumers and
// the cache TTL table on one vocabulary.
const (
	KindIncident       = "incident"
	KindAlert          = "alert"
	KindPlaybook       = "playbook"
	KindTask           = "task"
	KindWorkflow       = "workflow"
	KindExecution      = "execution"
	KindEvidence       = "evidence"
	KindMitreTechnique = "mitre_technique"
	KindMitreTactic    = "mitre_tactic"
	KindMitreGroup     = "mitre_group"
	KindCVE            = "cve"
	KindThreatAnalysis = "threat_analysis"
)

// Record is the universal shape every domain entity is stored as. The store
// never interprets the interior of Data beyond dotted-path filtering.
type Record struct {
	ID            string                 `json:"id"`
	RecordType    string                 `json:"record_type"`
	SourcePlugin  string                 `json:"source_plugin,omitempty"`
	Data          map[string]interface{} `json:"data"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	Relationships []Relationship         `json:"relationships,omitempty"`
	Tags          []string               `json:"tags,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
	TenantID      string                 `json:"tenant_id,omitempty"`
}

// NewRecord returns a record of the given type with a fresh UUID and an
// empty payload.
func NewRecord(recordType string) *Record {
	return &Record{
		ID:         uuid.NewString(),
		RecordType: recordType,
		Data:       map[string]interface{}{},
	}
}

// Clone returns a deep copy. Backends copy on both write and read so callers
// never alias stored state.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	out.Data = cloneMap(r.Data)
	out.Metadata = cloneMap(r.Metadata)
	if r.Tags != nil {
		out.Tags = append([]string(nil), r.Tags...)
	}
	if r.Relationships != nil {
		out.Relationships = make([]Relationship, len(r.Relationships))
		for i := range r.Relationships {
			out.Relationships[i] = *r.Relationships[i].Clone()
		}
	}
	return &out
}

// HasTag reports whether the record carries the tag.
func (r *Record) HasTag(tag string) bool {
	for _, t := range r.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return cloneMap(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
