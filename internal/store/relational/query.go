package relational

import (
	"context"
	"strings"
	"time"

	uerr "github.com/kestrelsec/kestrel-backend/internal/pkg/errors"
	"github.com/kestrelsec/kestrel-backend/internal/store"
	"github.com/kestrelsec/kestrel-backend/internal/store/match"
	"github.com/kestrelsec/kestrel-backend/internal/types"
)

// QueryRecords narrows candidates natively on the indexed scalar columns
// (type, tenant, time range, search_text) and evaluates tags and
// dotted-path filters through the shared match engine so results are
// byte-identical to the reference backend.
func (b *Backend) QueryRecords(ctx context.Context, q *types.Query, tc *types.TenantContext) (*types.QueryResult, error) {
	start := time.Now()
	if b.closed.Load() {
		return nil, uerr.Closed(backendName)
	}
	if err := store.CheckPermission(tc, types.PermRead); err != nil {
		return nil, err
	}
	if q == nil {
		q = &types.Query{}
	}
	ctx, cancel := store.WithDeadline(ctx, tc, b.opts.TimeoutMS)
	defer cancel()

	tx := b.db.WithContext(ctx).Model(&recordRow{})
	if len(q.RecordTypes) > 0 {
		tx = tx.Where("record_type IN ?", q.RecordTypes)
	}
	if b.opts.MultiTenant && tc != nil && !tc.IsSystemAdmin() {
		// Own tenant plus system-scope reference records.
		tx = tx.Where("tenant_id IN ?", []string{tc.TenantID, ""})
	}
	if q.TimeRange != nil {
		col := "created_at"
		if q.TimeRange.Field == types.TimeFieldUpdatedAt {
			col = "updated_at"
		}
		if q.TimeRange.From != nil {
			tx = tx.Where(col+" >= ?", *q.TimeRange.From)
		}
		if q.TimeRange.To != nil {
			tx = tx.Where(col+" <= ?", *q.TimeRange.To)
		}
	}
	if q.TextQuery != "" {
		tx = tx.Where("search_text LIKE ?", "%"+escapeLike(strings.ToLower(q.TextQuery))+"%")
	}

	var rows []recordRow
	if err := tx.Find(&rows).Error; err != nil {
		return nil, b.wrapDBError(err, "")
	}

	var matched []*types.Record
	for i := range rows {
		rec, convErr := fromRow(&rows[i])
		if convErr != nil {
			return nil, convErr
		}
		if !store.Visible(rec, tc, b.opts.MultiTenant) {
			continue
		}
		if match.MatchesFields(rec, q, b.opts.TextFields) {
			matched = append(matched, rec)
		}
	}

	match.Sort(matched, q)
	total := int64(len(matched))
	page := match.Paginate(matched, q.Offset, q.Limit, b.opts.MaxQueryLimit)

	edges, err := b.edgesWithin(ctx, page)
	if err != nil {
		b.log.Warn("result edge fetch failed", "error", err)
		edges = nil
	}

	return &types.QueryResult{
		Records:       page,
		Relationships: edges,
		Total:         &total,
		TookMS:        time.Since(start).Milliseconds(),
	}, nil
}

func (b *Backend) GetRelationships(ctx context.Context, recordID string, tc *types.TenantContext) ([]*types.Relationship, error) {
	if b.closed.Load() {
		return nil, uerr.Closed(backendName)
	}
	if err := store.CheckPermission(tc, types.PermRead); err != nil {
		return nil, err
	}
	ctx, cancel := store.WithDeadline(ctx, tc, b.opts.TimeoutMS)
	defer cancel()

	var rows []relationshipRow
	if err := b.db.WithContext(ctx).
		Where("source_id = ? OR target_id = ?", recordID, recordID).
		Find(&rows).Error; err != nil {
		return nil, b.wrapDBError(err, recordID)
	}

	out := make([]*types.Relationship, 0, len(rows))
	for i := range rows {
		edge, convErr := edgeFromRow(&rows[i])
		if convErr != nil {
			return nil, convErr
		}
		hidden, err := b.endpointHidden(ctx, edge.SourceID, tc)
		if err != nil {
			return nil, err
		}
		if !hidden {
			hidden, err = b.endpointHidden(ctx, edge.TargetID, tc)
			if err != nil {
				return nil, err
			}
		}
		if hidden {
			continue
		}
		out = append(out, edge)
	}
	return out, nil
}

// endpointHidden reports whether the endpoint exists but every tenant's
// copy of it is outside the caller's scope.
func (b *Backend) endpointHidden(ctx context.Context, id string, tc *types.TenantContext) (bool, error) {
	var rows []recordRow
	if err := b.db.WithContext(ctx).Select("id", "tenant_id").Where("id = ?", id).Find(&rows).Error; err != nil {
		return false, b.wrapDBError(err, id)
	}
	if len(rows) == 0 {
		return false, nil
	}
	for i := range rows {
		rec := &types.Record{ID: rows[i].ID, TenantID: rows[i].TenantID}
		if store.Visible(rec, tc, b.opts.MultiTenant) {
			return false, nil
		}
	}
	return true, nil
}

func (b *Backend) edgesWithin(ctx context.Context, records []*types.Record) ([]*types.Relationship, error) {
	if len(records) == 0 {
		return nil, nil
	}
	ids := make([]string, len(records))
	for i, r := range records {
		ids[i] = r.ID
	}
	var rows []relationshipRow
	if err := b.db.WithContext(ctx).
		Where("source_id IN ? AND target_id IN ?", ids, ids).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*types.Relationship, 0, len(rows))
	for i := range rows {
		edge, convErr := edgeFromRow(&rows[i])
		if convErr != nil {
			return nil, convErr
		}
		out = append(out, edge)
	}
	return out, nil
}

// escapeLike neutralises LIKE metacharacters in user text. The search is a
// plain substring match, never a pattern.
func escapeLike(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if r == '%' || r == '_' || r == '\\' {
			out = append(out, '\\')
		}
		out = append(out, r)
	}
	return string(out)
}
