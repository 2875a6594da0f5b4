package types

import (
	"time"

	"github.com/google/uuid"
)

// Common relationship vocabularies. Free-form strings are accepted; the
// store does not validate the vocabulary.
const (
	RelRelatesTo    = "relates_to"
	RelContains     = "contains"
	RelMitigates    = "mitigates"
	RelUses         = "uses"
	RelAttributesTo = "attributes_to"
	RelDerivedFrom  = "derived_from"
	RelChildOf      = "child_of"
	RelDuplicate    = "duplicate"
)

// Relationship is a directed typed edge between two record ids. Endpoints
// need not exist when the edge is stored; edges may precede or outlive
// either endpoint.
type Relationship struct {
	ID               string                 `json:"id"`
	RelationshipType string                 `json:"relationship_type"`
	SourceID         string                 `json:"source_id"`
	TargetID         string                 `json:"target_id"`
	Confidence       *float64               `json:"confidence,omitempty"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt        time.Time              `json:"created_at"`
}

// NewRelationship returns an edge with a fresh UUID.
func NewRelationship(relType, sourceID, targetID string) *Relationship {
	return &Relationship{
		ID:               uuid.NewString(),
		RelationshipType: relType,
		SourceID:         sourceID,
		TargetID:         targetID,
	}
}

// Touches reports whether either endpoint is the given record id.
func (e *Relationship) Touches(recordID string) bool {
	return e.SourceID == recordID || e.TargetID == recordID
}

func (e *Relationship) Clone() *Relationship {
	if e == nil {
		return nil
	}
	out := *e
	out.Metadata = cloneMap(e.Metadata)
	if e.Confidence != nil {
		c := *e.Confidence
		out.Confidence = &c
	}
	return &out
}
