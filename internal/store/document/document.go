// Package document implements the Store contract over neo4j. Records are
// (:Record) nodes with JSON-string payload properties; relationship edges
// are (:Edge) nodes because endpoints may precede or outlive the edge.
// Predicates the graph cannot answer natively are evaluated through the
// shared match engine, so results are identical to the reference backend.
package document

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	uerr "github.com/kestrelsec/kestrel-backend/internal/pkg/errors"
	"github.com/kestrelsec/kestrel-backend/internal/pkg/logger"
	"github.com/kestrelsec/kestrel-backend/internal/store"
	"github.com/kestrelsec/kestrel-backend/internal/store/match"
	"github.com/kestrelsec/kestrel-backend/internal/types"
)

const backendName = "document"

// Options tune a document Backend.
type Options struct {
	MultiTenant   bool
	MaxQueryLimit int
	BulkLimit     int
	TimeoutMS     int
	TextFields    match.FieldMap
}

// Config locates the neo4j instance.
type Config struct {
	URI         string
	User        string
	Password    string
	Database    string
	MaxPoolSize int
	TimeoutSec  int
}

type Backend struct {
	driver   neo4j.DriverWithContext
	database string
	log      *logger.Logger
	opts     Options
	closed   atomic.Bool
}

// Open dials and verifies the neo4j instance; a failed verification fails
// construction so the registry can fail fast.
func Open(logg *logger.Logger, cfg Config, opts Options) (*Backend, error) {
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	uri := strings.TrimSpace(cfg.URI)
	if uri == "" {
		return nil, fmt.Errorf("missing neo4j uri")
	}
	user := cfg.User
	if user == "" {
		user = "neo4j"
	}
	timeoutSec := cfg.TimeoutSec
	if timeoutSec <= 0 {
		timeoutSec = 10
	}
	maxPool := cfg.MaxPoolSize
	if maxPool <= 0 {
		maxPool = 50
	}
	if opts.MaxQueryLimit <= 0 {
		opts.MaxQueryLimit = store.DefaultQueryLimit
	}
	if opts.BulkLimit <= 0 {
		opts.BulkLimit = store.DefaultBulkLimit
	}

	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(user, cfg.Password, ""), func(c *neo4j.Config) {
		c.MaxConnectionPoolSize = maxPool
		c.SocketConnectTimeout = time.Duration(timeoutSec) * time.Second
	})
	if err != nil {
		return nil, fmt.Errorf("init neo4j driver: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeoutSec)*time.Second)
	defer cancel()
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("verify neo4j connectivity: %w", err)
	}

	return &Backend{
		driver:   driver,
		database: cfg.Database,
		log:      logg.With("backend", backendName),
		opts:     opts,
	}, nil
}

func (b *Backend) Initialize(ctx context.Context) error {
	if b.closed.Load() {
		return uerr.Closed(backendName)
	}
	session := b.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)
	stmts := []string{
		`CREATE CONSTRAINT uds_record_uid IF NOT EXISTS FOR (r:Record) REQUIRE r.uid IS UNIQUE`,
		`CREATE CONSTRAINT uds_edge_id IF NOT EXISTS FOR (e:Edge) REQUIRE e.id IS UNIQUE`,
		`CREATE INDEX uds_record_id IF NOT EXISTS FOR (r:Record) ON (r.id)`,
		`CREATE INDEX uds_record_scope IF NOT EXISTS FOR (r:Record) ON (r.tenant_id, r.record_type)`,
		`CREATE INDEX uds_record_created IF NOT EXISTS FOR (r:Record) ON (r.created_at)`,
		`CREATE INDEX uds_record_updated IF NOT EXISTS FOR (r:Record) ON (r.updated_at)`,
		`CREATE INDEX uds_record_search IF NOT EXISTS FOR (r:Record) ON (r.search_text)`,
		`CREATE INDEX uds_edge_source IF NOT EXISTS FOR (e:Edge) ON (e.source_id)`,
		`CREATE INDEX uds_edge_target IF NOT EXISTS FOR (e:Edge) ON (e.target_id)`,
	}
	for _, stmt := range stmts {
		if res, err := session.Run(ctx, stmt, nil); err != nil {
			return uerr.Wrap(uerr.KindConnection, err, "create schema")
		} else if _, err := res.Consume(ctx); err != nil {
			return uerr.Wrap(uerr.KindConnection, err, "create schema")
		}
	}
	return nil
}

func (b *Backend) Close() error {
	if b.closed.Swap(true) {
		return uerr.Closed(backendName)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return b.driver.Close(ctx)
}

func (b *Backend) Capabilities() types.Capabilities {
	return types.Capabilities{
		SupportsFullTextSearch: false,
		SupportsRelationships:  true,
		Persistent:             true,
		MaxQueryLimit:          b.opts.MaxQueryLimit,
	}
}

func (b *Backend) HealthCheck(ctx context.Context) *types.HealthStatus {
	start := time.Now()
	status := &types.HealthStatus{
		Capabilities: b.Capabilities(),
		LastCheck:    start.UTC(),
	}
	if b.closed.Load() {
		status.Message = "store is closed"
		return status
	}
	probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	session := b.session(probeCtx, neo4j.AccessModeRead)
	defer session.Close(probeCtx)

	metrics, err := session.ExecuteRead(probeCtx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(probeCtx,
			`MATCH (r:Record) RETURN r.record_type AS rt, count(r) AS n`, nil)
		if err != nil {
			return nil, err
		}
		byType := map[string]interface{}{}
		var total int64
		for res.Next(probeCtx) {
			rec := res.Record()
			rt, _ := rec.Get("rt")
			n, _ := rec.Get("n")
			if rts, ok := rt.(string); ok {
				if ni, ok := n.(int64); ok {
					byType[rts] = ni
					total += ni
				}
			}
		}
		if err := res.Err(); err != nil {
			return nil, err
		}
		eres, err := tx.Run(probeCtx, `MATCH (e:Edge) RETURN count(e) AS n`, nil)
		if err != nil {
			return nil, err
		}
		var edges int64
		if eres.Next(probeCtx) {
			if n, ok := eres.Record().Get("n"); ok {
				edges, _ = n.(int64)
			}
		}
		return map[string]interface{}{
			"records_by_type":     byType,
			"records_total":       total,
			"relationships_total": edges,
			"storage_bytes":       total * 1024,
		}, nil
	})
	status.ResponseTimeMS = time.Since(start).Milliseconds()
	if err != nil {
		status.Message = err.Error()
		return status
	}
	status.Healthy = true
	status.Metrics = metrics.(map[string]interface{})
	status.Metrics["last_check"] = status.LastCheck
	return status
}

func (b *Backend) StoreRecord(ctx context.Context, rec *types.Record, tc *types.TenantContext) (string, error) {
	if b.closed.Load() {
		return "", uerr.Closed(backendName)
	}
	if err := store.CheckPermission(tc, types.PermWrite); err != nil {
		return "", err
	}
	if err := store.ValidateRecord(rec); err != nil {
		return "", err
	}
	cp := rec.Clone()
	if err := store.StampTenant(cp, tc); err != nil {
		return "", err
	}
	ctx, cancel := store.WithDeadline(ctx, tc, b.opts.TimeoutMS)
	defer cancel()

	now := time.Now().UTC()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	props, err := recordProps(cp, b.opts.TextFields.For(cp.RecordType))
	if err != nil {
		return "", err
	}

	session := b.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)
	_, err = session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		// MERGE keeps created_at from the stored node on upsert.
		res, err := tx.Run(ctx, `
MERGE (r:Record {uid: $uid})
ON CREATE SET r += $props, r.created_at = $created_at
ON MATCH  SET r += $props
RETURN r.uid`, map[string]any{
			"uid":        recordUID(cp.TenantID, cp.RecordType, cp.ID),
			"props":      props,
			"created_at": cp.CreatedAt.Format(time.RFC3339Nano),
		})
		if err != nil {
			return nil, err
		}
		_, err = res.Consume(ctx)
		return nil, err
	})
	if err != nil {
		return "", b.wrapDriverError(err, cp.ID)
	}
	return cp.ID, nil
}

func (b *Backend) GetRecord(ctx context.Context, id string, tc *types.TenantContext) (*types.Record, error) {
	if b.closed.Load() {
		return nil, uerr.Closed(backendName)
	}
	if err := store.CheckPermission(tc, types.PermRead); err != nil {
		return nil, err
	}
	ctx, cancel := store.WithDeadline(ctx, tc, b.opts.TimeoutMS)
	defer cancel()

	return b.fetchVisible(ctx, id, "", tc)
}

func (b *Backend) UpdateRecord(ctx context.Context, rec *types.Record, tc *types.TenantContext) error {
	if b.closed.Load() {
		return uerr.Closed(backendName)
	}
	if err := store.CheckPermission(tc, types.PermWrite); err != nil {
		return err
	}
	if err := store.ValidateRecord(rec); err != nil {
		return err
	}
	cp := rec.Clone()
	if err := store.StampTenant(cp, tc); err != nil {
		return err
	}
	ctx, cancel := store.WithDeadline(ctx, tc, b.opts.TimeoutMS)
	defer cancel()

	prev, err := b.fetchVisible(ctx, cp.ID, cp.RecordType, tc)
	if err != nil {
		return err
	}
	if prev == nil {
		return uerr.NotFound("record %s not found", cp.ID).WithRecord(cp.ID).WithBackend(backendName)
	}
	if prev.TenantID == "" && b.opts.MultiTenant && !store.CanMutateSystemScope(tc) {
		return uerr.PermissionDenied("system-scope records require a system context")
	}
	cp.CreatedAt = prev.CreatedAt
	cp.TenantID = prev.TenantID
	cp.UpdatedAt = time.Now().UTC()
	props, convErr := recordProps(cp, b.opts.TextFields.For(cp.RecordType))
	if convErr != nil {
		return convErr
	}

	session := b.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)
	_, err = session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx,
			`MATCH (r:Record {uid: $uid}) SET r += $props`,
			map[string]any{"uid": recordUID(prev.TenantID, prev.RecordType, prev.ID), "props": props})
		if err != nil {
			return nil, err
		}
		_, err = res.Consume(ctx)
		return nil, err
	})
	if err != nil {
		return b.wrapDriverError(err, cp.ID)
	}
	return nil
}

func (b *Backend) DeleteRecord(ctx context.Context, id string, tc *types.TenantContext) error {
	if b.closed.Load() {
		return uerr.Closed(backendName)
	}
	if err := store.CheckPermission(tc, types.PermDelete); err != nil {
		return err
	}
	ctx, cancel := store.WithDeadline(ctx, tc, b.opts.TimeoutMS)
	defer cancel()

	prev, err := b.fetchVisible(ctx, id, "", tc)
	if err != nil {
		return err
	}
	if prev == nil {
		// Copies outside the caller's reach delete as a no-op.
		return nil
	}
	if prev.TenantID == "" && b.opts.MultiTenant && !store.CanMutateSystemScope(tc) {
		return uerr.PermissionDenied("system-scope records require a system context")
	}

	session := b.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)
	_, err = session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `MATCH (r:Record {uid: $uid}) DELETE r`,
			map[string]any{"uid": recordUID(prev.TenantID, prev.RecordType, prev.ID)})
		if err != nil {
			return nil, err
		}
		if _, err := res.Consume(ctx); err != nil {
			return nil, err
		}
		// Prune edges whose only still-existing endpoint was this record.
		res, err = tx.Run(ctx, `
MATCH (e:Edge)
WHERE (e.source_id = $id AND NOT EXISTS { MATCH (o:Record {id: e.target_id}) })
   OR (e.target_id = $id AND NOT EXISTS { MATCH (o:Record {id: e.source_id}) })
DELETE e`, map[string]any{"id": id})
		if err != nil {
			return nil, err
		}
		_, err = res.Consume(ctx)
		return nil, err
	})
	if err != nil {
		return b.wrapDriverError(err, id)
	}
	return nil
}

func (b *Backend) StoreRelationship(ctx context.Context, edge *types.Relationship, tc *types.TenantContext) (string, error) {
	if b.closed.Load() {
		return "", uerr.Closed(backendName)
	}
	if err := store.CheckPermission(tc, types.PermWrite); err != nil {
		return "", err
	}
	if err := store.ValidateRelationship(edge); err != nil {
		return "", err
	}
	ctx, cancel := store.WithDeadline(ctx, tc, b.opts.TimeoutMS)
	defer cancel()

	cp := edge.Clone()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	props, err := edgeProps(cp)
	if err != nil {
		return "", err
	}

	session := b.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)
	_, err = session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx,
			`MERGE (e:Edge {id: $id}) SET e += $props`,
			map[string]any{"id": cp.ID, "props": props})
		if err != nil {
			return nil, err
		}
		_, err = res.Consume(ctx)
		return nil, err
	})
	if err != nil {
		return "", b.wrapDriverError(err, cp.ID)
	}
	return cp.ID, nil
}

func (b *Backend) BulkStoreRecords(ctx context.Context, recs []*types.Record, tc *types.TenantContext) (*types.BulkResult, error) {
	start := time.Now()
	if b.closed.Load() {
		return nil, uerr.Closed(backendName)
	}
	if err := store.CheckPermission(tc, types.PermWrite); err != nil {
		return nil, err
	}
	if len(recs) > b.opts.BulkLimit {
		return nil, uerr.Validation("bulk batch of %d exceeds limit %d", len(recs), b.opts.BulkLimit)
	}
	result := &types.BulkResult{}
	for i, rec := range recs {
		id, err := b.StoreRecord(ctx, rec, tc)
		if err != nil {
			result.ErrorCount++
			result.Errors = append(result.Errors, store.BulkError(i, recID(rec), err))
			continue
		}
		result.SuccessCount++
		result.ProcessedIDs = append(result.ProcessedIDs, id)
	}
	result.OperationTimeMS = time.Since(start).Milliseconds()
	return result, nil
}

func (b *Backend) session(ctx context.Context, mode neo4j.AccessMode) neo4j.SessionWithContext {
	return b.driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   mode,
		DatabaseName: b.database,
	})
}

// recordUID folds the identity triplet into the node's merge key: a record
// id is unique only within its (tenant, record_type) scope.
func recordUID(tenantID, recordType, id string) string {
	return tenantID + "|" + recordType + "|" + id
}

// fetchVisible resolves a bare id to the copy the context may observe: the
// caller's own tenant's first, then the shared system scope. An empty
// recordType matches any type.
func (b *Backend) fetchVisible(ctx context.Context, id, recordType string, tc *types.TenantContext) (*types.Record, error) {
	cypher := `MATCH (r:Record {id: $id}) RETURN r`
	params := map[string]any{"id": id}
	if recordType != "" {
		cypher = `MATCH (r:Record {id: $id, record_type: $record_type}) RETURN r`
		params["record_type"] = recordType
	}
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
		return nil, b.wrapDriverError(err, id)
	}
	var shared *types.Record
	for _, node := range out.([]neo4j.Node) {
		rec, convErr := recordFromProps(node.Props)
		if convErr != nil {
			return nil, convErr
		}
		if !store.Visible(rec, tc, b.opts.MultiTenant) {
			continue
		}
		if tc != nil && rec.TenantID == tc.TenantID {
			return rec, nil
		}
		if shared == nil {
			shared = rec
		}
	}
	return shared, nil
}

func (b *Backend) wrapDriverError(err error, recordID string) error {
	e := uerr.Backendf(backendName, err, "%v", err)
	e.RecordID = recordID
	return e
}

func recID(rec *types.Record) string {
	if rec == nil {
		return ""
	}
	return rec.ID
}

func recordProps(rec *types.Record, textFields []string) (map[string]any, error) {
	data, err := json.Marshal(rec.Data)
	if err != nil {
		return nil, uerr.Serialization("encode data: %v", err).WithRecord(rec.ID)
	}
	meta, err := json.Marshal(rec.Metadata)
	if err != nil {
		return nil, uerr.Serialization("encode metadata: %v", err).WithRecord(rec.ID)
	}
	tags := make([]any, len(rec.Tags))
	for i, t := range rec.Tags {
		tags[i] = t
	}
	return map[string]any{
		"id":            rec.ID,
		"tenant_id":     rec.TenantID,
		"record_type":   rec.RecordType,
		"source_plugin": rec.SourcePlugin,
		"data_json":     string(data),
		"metadata_json": string(meta),
		"tags":          tags,
		"search_text":   searchText(rec, textFields),
		"updated_at":    rec.UpdatedAt.Format(time.RFC3339Nano),
	}, nil
}

func recordFromProps(props map[string]any) (*types.Record, error) {
	rec := &types.Record{
		ID:           asString(props["id"]),
		TenantID:     asString(props["tenant_id"]),
		RecordType:   asString(props["record_type"]),
		SourcePlugin: asString(props["source_plugin"]),
	}
	if raw := asString(props["data_json"]); raw != "" {
		if err := json.Unmarshal([]byte(raw), &rec.Data); err != nil {
			return nil, uerr.Serialization("decode data: %v", err).WithRecord(rec.ID)
		}
	}
	if raw := asString(props["metadata_json"]); raw != "" {
		if err := json.Unmarshal([]byte(raw), &rec.Metadata); err != nil {
			return nil, uerr.Serialization("decode metadata: %v", err).WithRecord(rec.ID)
		}
	}
	if tags, ok := props["tags"].([]any); ok {
		for _, t := range tags {
			if s, ok := t.(string); ok {
				rec.Tags = append(rec.Tags, s)
			}
		}
	}
	var err error
	if rec.CreatedAt, err = parseInstant(props["created_at"]); err != nil {
		return nil, uerr.Serialization("decode created_at: %v", err).WithRecord(rec.ID)
	}
	if rec.UpdatedAt, err = parseInstant(props["updated_at"]); err != nil {
		return nil, uerr.Serialization("decode updated_at: %v", err).WithRecord(rec.ID)
	}
	return rec, nil
}

func edgeProps(edge *types.Relationship) (map[string]any, error) {
	meta, err := json.Marshal(edge.Metadata)
	if err != nil {
		return nil, uerr.Serialization("encode edge metadata: %v", err)
	}
	props := map[string]any{
		"relationship_type": edge.RelationshipType,
		"source_id":         edge.SourceID,
		"target_id":         edge.TargetID,
		"metadata_json":     string(meta),
		"created_at":        edge.CreatedAt.Format(time.RFC3339Nano),
	}
	if edge.Confidence != nil {
		props["confidence"] = *edge.Confidence
	}
	return props, nil
}

func edgeFromProps(props map[string]any) (*types.Relationship, error) {
	edge := &types.Relationship{
		ID:               asString(props["id"]),
		RelationshipType: asString(props["relationship_type"]),
		SourceID:         asString(props["source_id"]),
		TargetID:         asString(props["target_id"]),
	}
	if c, ok := props["confidence"].(float64); ok {
		edge.Confidence = &c
	}
	if raw := asString(props["metadata_json"]); raw != "" {
		if err := json.Unmarshal([]byte(raw), &edge.Metadata); err != nil {
			return nil, uerr.Serialization("decode edge metadata: %v", err)
		}
	}
	var err error
	if edge.CreatedAt, err = parseInstant(props["created_at"]); err != nil {
		return nil, uerr.Serialization("decode edge created_at: %v", err)
	}
	return edge, nil
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func parseInstant(v any) (time.Time, error) {
	switch t := v.(type) {
	case string:
		if t == "" {
			return time.Time{}, nil
		}
		return time.Parse(time.RFC3339Nano, t)
	case time.Time:
		return t.UTC(), nil
	case nil:
		return time.Time{}, nil
	default:
		return time.Time{}, fmt.Errorf("unexpected instant type %T", v)
	}
}

// searchText mirrors the relational adapter's derived text column so the
// two adapters narrow candidates identically.
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
