package document

import (
	"context"
	"strconv"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	uerr "github.com/kestrelsec/kestrel-backend/internal/pkg/errors"
	"github.com/kestrelsec/kestrel-backend/internal/store"
	"github.com/kestrelsec/kestrel-backend/internal/store/match"
	"github.com/kestrelsec/kestrel-backend/internal/types"
)

// QueryRecords narrows natively on record type, tenant scope, time range
// and tag membership; text and dotted-path predicates run through the
// shared match engine over the candidates.
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

	cypher, params := b.buildCandidateQuery(q, tc)
	session := b.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)

	out, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, cypher, params)
		if err != nil {
			return nil, err
		}
		var nodes []neo4j.Node
		for res.Next(ctx) {
			if v, ok := res.Record().Get("r"); ok {
				if node, ok := v.(neo4j.Node); ok {
					nodes = append(nodes, node)
				}
			}
		}
		return nodes, res.Err()
	})
	if err != nil {
		return nil, b.wrapDriverError(err, "")
	}

	var matched []*types.Record
	for _, node := range out.([]neo4j.Node) {
		rec, convErr := recordFromProps(node.Props)
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

func (b *Backend) buildCandidateQuery(q *types.Query, tc *types.TenantContext) (string, map[string]any) {
	cypher := `MATCH (r:Record)`
	var where []string
	params := map[string]any{}

	if len(q.RecordTypes) > 0 {
		where = append(where, `r.record_type IN $record_types`)
		params["record_types"] = toAnySlice(q.RecordTypes)
	}
	if b.opts.MultiTenant && tc != nil && !tc.IsSystemAdmin() {
		where = append(where, `r.tenant_id IN $tenants`)
		params["tenants"] = []any{tc.TenantID, ""}
	}
	if q.TimeRange != nil {
		field := "r.created_at"
		if q.TimeRange.Field == types.TimeFieldUpdatedAt {
			field = "r.updated_at"
		}
		if q.TimeRange.From != nil {
			where = append(where, field+` >= $time_from`)
			params["time_from"] = q.TimeRange.From.UTC().Format(time.RFC3339Nano)
		}
		if q.TimeRange.To != nil {
			where = append(where, field+` <= $time_to`)
			params["time_to"] = q.TimeRange.To.UTC().Format(time.RFC3339Nano)
		}
	}
	for i, tag := range q.Tags {
		key := "tag_" + strconv.Itoa(i)
		where = append(where, `$`+key+` IN r.tags`)
		params[key] = tag
	}

	for i, w := range where {
		if i == 0 {
			cypher += "\nWHERE " + w
		} else {
			cypher += "\n  AND " + w
		}
	}
	cypher += "\nRETURN r"
	return cypher, params
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

	session := b.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)
	out, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		// Pull each edge together with the tenant stamps of the endpoints
		// that exist, so visibility filters in one round trip.
		res, err := tx.Run(ctx, `
MATCH (e:Edge)
WHERE e.source_id = $id OR e.target_id = $id
OPTIONAL MATCH (s:Record {id: e.source_id})
OPTIONAL MATCH (t:Record {id: e.target_id})
RETURN e, s.tenant_id AS source_tenant, s.id AS source_present,
       t.tenant_id AS target_tenant, t.id AS target_present`,
			map[string]any{"id": recordID})
		if err != nil {
			return nil, err
		}
		type row struct {
			node                         neo4j.Node
			sourceTenant, targetTenant   string
			sourcePresent, targetPresent bool
		}
		var rows []row
		for res.Next(ctx) {
			rec := res.Record()
			v, ok := rec.Get("e")
			if !ok {
				continue
			}
			node, ok := v.(neo4j.Node)
			if !ok {
				continue
			}
			r := row{node: node}
			if sp, _ := rec.Get("source_present"); sp != nil {
				r.sourcePresent = true
				st, _ := rec.Get("source_tenant")
				r.sourceTenant = asString(st)
			}
			if tp, _ := rec.Get("target_present"); tp != nil {
				r.targetPresent = true
				tt, _ := rec.Get("target_tenant")
				r.targetTenant = asString(tt)
			}
			rows = append(rows, r)
		}
		if err := res.Err(); err != nil {
			return nil, err
		}

		var edges []*types.Relationship
		for _, r := range rows {
			if r.sourcePresent && !store.Visible(&types.Record{TenantID: r.sourceTenant}, tc, b.opts.MultiTenant) {
				continue
			}
			if r.targetPresent && !store.Visible(&types.Record{TenantID: r.targetTenant}, tc, b.opts.MultiTenant) {
				continue
			}
			edge, convErr := edgeFromProps(r.node.Props)
			if convErr != nil {
				return nil, convErr
			}
			edges = append(edges, edge)
		}
		return edges, nil
	})
	if err != nil {
		return nil, b.wrapDriverError(err, recordID)
	}
	return out.([]*types.Relationship), nil
}

func (b *Backend) edgesWithin(ctx context.Context, records []*types.Record) ([]*types.Relationship, error) {
	if len(records) == 0 {
		return nil, nil
	}
	ids := make([]any, len(records))
	for i, r := range records {
		ids[i] = r.ID
	}
	session := b.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)
	out, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx,
			`MATCH (e:Edge) WHERE e.source_id IN $ids AND e.target_id IN $ids RETURN e`,
			map[string]any{"ids": ids})
		if err != nil {
			return nil, err
		}
		var edges []*types.Relationship
		for res.Next(ctx) {
			if v, ok := res.Record().Get("e"); ok {
				if node, ok := v.(neo4j.Node); ok {
					edge, convErr := edgeFromProps(node.Props)
					if convErr != nil {
						return nil, convErr
					}
					edges = append(edges, edge)
				}
			}
		}
		return edges, res.Err()
	})
	if err != nil {
		return nil, err
	}
	return out.([]*types.Relationship), nil
}

func toAnySlice(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

