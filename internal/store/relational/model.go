package relational

import (
	"encoding/json"
	"strings"
	"time"

	"gorm.io/datatypes"

	uerr "github.com/kestrelsec/kestrel-backend/internal/pkg/errors"
	"github.com/kestrelsec/kestrel-backend/internal/types"
)

// recordRow is the single-table layout: scalar columns for every indexed
// path, one JSON payload column, and a derived search_text column for the
// text query. The primary key is the (tenant_id, record_type, id) triplet:
// a record id is unique only within its tenant and type scope, so two
// tenants may hold the same id side by side.
type recordRow struct {
	TenantID     string         `gorm:"column:tenant_id;primaryKey;index"`
	RecordType   string         `gorm:"column:record_type;primaryKey;index"`
	ID           string         `gorm:"column:id;primaryKey;index"`
	SourcePlugin string         `gorm:"column:source_plugin"`
	SearchText   string         `gorm:"column:search_text;index"`
	Data         datatypes.JSON `gorm:"column:data"`
	Metadata     datatypes.JSON `gorm:"column:metadata"`
	Tags         datatypes.JSON `gorm:"column:tags"`
	CreatedAt    time.Time      `gorm:"column:created_at;not null;index"`
	UpdatedAt    time.Time      `gorm:"column:updated_at;not null;index"`
}

func (recordRow) TableName() string { return "uds_record" }

type relationshipRow struct {
	ID               string         `gorm:"column:id;primaryKey"`
	RelationshipType string         `gorm:"column:relationship_type;not null"`
	SourceID         string         `gorm:"column:source_id;not null;index"`
	TargetID         string         `gorm:"column:target_id;not null;index"`
	Confidence       *float64       `gorm:"column:confidence"`
	Metadata         datatypes.JSON `gorm:"column:metadata"`
	CreatedAt        time.Time      `gorm:"column:created_at;not null"`
}

func (relationshipRow) TableName() string { return "uds_relationship" }

func toRow(rec *types.Record, textFields []string) (*recordRow, error) {
	data, err := json.Marshal(rec.Data)
	if err != nil {
		return nil, uerr.Serialization("encode data: %v", err).WithRecord(rec.ID)
	}
	meta, err := json.Marshal(rec.Metadata)
	if err != nil {
		return nil, uerr.Serialization("encode metadata: %v", err).WithRecord(rec.ID)
	}
	tags, err := json.Marshal(rec.Tags)
	if err != nil {
		return nil, uerr.Serialization("encode tags: %v", err).WithRecord(rec.ID)
	}
	return &recordRow{
		ID:           rec.ID,
		TenantID:     rec.TenantID,
		RecordType:   rec.RecordType,
		SourcePlugin: rec.SourcePlugin,
		SearchText:   searchText(rec, textFields),
		Data:         data,
		Metadata:     meta,
		Tags:         tags,
		CreatedAt:    rec.CreatedAt,
		UpdatedAt:    rec.UpdatedAt,
	}, nil
}

func fromRow(row *recordRow) (*types.Record, error) {
	rec := &types.Record{
		ID:           row.ID,
		TenantID:     row.TenantID,
		RecordType:   row.RecordType,
		SourcePlugin: row.SourcePlugin,
		CreatedAt:    row.CreatedAt.UTC(),
		UpdatedAt:    row.UpdatedAt.UTC(),
	}
	if len(row.Data) > 0 {
		if err := json.Unmarshal(row.Data, &rec.Data); err != nil {
			return nil, uerr.Serialization("decode data: %v", err).WithRecord(row.ID)
		}
	}
	if len(row.Metadata) > 0 {
		if err := json.Unmarshal(row.Metadata, &rec.Metadata); err != nil {
			return nil, uerr.Serialization("decode metadata: %v", err).WithRecord(row.ID)
		}
	}
	if len(row.Tags) > 0 {
		if err := json.Unmarshal(row.Tags, &rec.Tags); err != nil {
			return nil, uerr.Serialization("decode tags: %v", err).WithRecord(row.ID)
		}
	}
	return rec, nil
}

func edgeToRow(edge *types.Relationship) (*relationshipRow, error) {
	meta, err := json.Marshal(edge.Metadata)
	if err != nil {
		return nil, uerr.Serialization("encode edge metadata: %v", err)
	}
	return &relationshipRow{
		ID:               edge.ID,
		RelationshipType: edge.RelationshipType,
		SourceID:         edge.SourceID,
		TargetID:         edge.TargetID,
		Confidence:       edge.Confidence,
		Metadata:         meta,
		CreatedAt:        edge.CreatedAt,
	}, nil
}

func edgeFromRow(row *relationshipRow) (*types.Relationship, error) {
	edge := &types.Relationship{
		ID:               row.ID,
		RelationshipType: row.RelationshipType,
		SourceID:         row.SourceID,
		TargetID:         row.TargetID,
		Confidence:       row.Confidence,
		CreatedAt:        row.CreatedAt.UTC(),
	}
	if len(row.Metadata) > 0 {
		if err := json.Unmarshal(row.Metadata, &edge.Metadata); err != nil {
			return nil, uerr.Serialization("decode edge metadata: %v", err)
		}
	}
	return edge, nil
}

// searchText concatenates the textual payload fields indexed for the text
// query, lowercased once at write time.
func searchText(rec *types.Record, fields []string) string {
	var parts []string
	for _, field := range fields {
		if v, ok := rec.Data[field]; ok {
			if s, ok := v.(string); ok && s != "" {
				parts = append(parts, strings.ToLower(s))
			}
		}
	}
	return strings.Join(parts, " ")
}
