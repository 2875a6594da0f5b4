// Package relational implements the Store contract over a SQL database via
// gorm. A postgres DSN selects the production driver; a sqlite DSN selects
// the embedded one. The observable behaviour is identical to the in-memory
// reference backend.
package relational

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormLogger "gorm.io/gorm/logger"

	uerr "github.com/kestrelsec/kestrel-backend/internal/pkg/errors"
	"github.com/kestrelsec/kestrel-backend/internal/pkg/logger"
	"github.com/kestrelsec/kestrel-backend/internal/store"
	"github.com/kestrelsec/kestrel-backend/internal/store/match"
	"github.com/kestrelsec/kestrel-backend/internal/types"
)

const backendName = "relational"

// Options tune a relational Backend.
type Options struct {
	MultiTenant   bool
	MaxQueryLimit int
	BulkLimit     int
	TimeoutMS     int
	TextFields    match.FieldMap
}

type Backend struct {
	db     *gorm.DB
	log    *logger.Logger
	opts   Options
	closed atomic.Bool
}

// Open connects to the database named by dsn and returns an uninitialized
// backend. Call Initialize to create the schema.
func Open(logg *logger.Logger, dsn string, opts Options) (*Backend, error) {
	if opts.MaxQueryLimit <= 0 {
		opts.MaxQueryLimit = store.DefaultQueryLimit
	}
	if opts.BulkLimit <= 0 {
		opts.BulkLimit = store.DefaultBulkLimit
	}

	gormLog := gormLogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormLogger.Config{
			SlowThreshold:             1 * time.Second,
			LogLevel:                  gormLogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	cfg := &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   gormLog,
	}

	var dialector gorm.Dialector
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		dialector = postgres.Open(dsn)
	case strings.HasPrefix(dsn, "sqlite://"):
		dialector = sqlite.Open(strings.TrimPrefix(dsn, "sqlite://"))
	default:
		return nil, fmt.Errorf("unrecognised relational dsn %q", dsn)
	}

	db, err := gorm.Open(dialector, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to relational store: %w", err)
	}
	return &Backend{
		db:   db,
		log:  logg.With("backend", backendName),
		opts: opts,
	}, nil
}

// NewWithDB wraps an existing gorm handle; used by tests that manage their
// own connection.
func NewWithDB(logg *logger.Logger, db *gorm.DB, opts Options) *Backend {
	if opts.MaxQueryLimit <= 0 {
		opts.MaxQueryLimit = store.DefaultQueryLimit
	}
	if opts.BulkLimit <= 0 {
		opts.BulkLimit = store.DefaultBulkLimit
	}
	return &Backend{db: db, log: logg.With("backend", backendName), opts: opts}
}

func (b *Backend) Initialize(ctx context.Context) error {
	if b.closed.Load() {
		return uerr.Closed(backendName)
	}
	if err := b.db.WithContext(ctx).AutoMigrate(&recordRow{}, &relationshipRow{}); err != nil {
		return uerr.Wrap(uerr.KindConnection, err, "migrate uds schema")
	}
	return nil
}

func (b *Backend) Close() error {
	if b.closed.Swap(true) {
		return uerr.Closed(backendName)
	}
	sqlDB, err := b.db.DB()
	if err != nil {
		return nil
	}
	return sqlDB.Close()
}

func (b *Backend) Capabilities() types.Capabilities {
	return types.Capabilities{
		SupportsFullTextSearch: true,
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

	type typeCount struct {
		RecordType string
		N          int64
	}
	var counts []typeCount
	if err := b.db.WithContext(probeCtx).Model(&recordRow{}).
		Select("record_type, COUNT(*) AS n").
		Group("record_type").
		Scan(&counts).Error; err != nil {
		status.Message = err.Error()
		status.ResponseTimeMS = time.Since(start).Milliseconds()
		return status
	}
	byType := map[string]interface{}{}
	var total int64
	for _, c := range counts {
		byType[c.RecordType] = c.N
		total += c.N
	}
	var edgeCount int64
	if err := b.db.WithContext(probeCtx).Model(&relationshipRow{}).Count(&edgeCount).Error; err != nil {
		status.Message = err.Error()
		status.ResponseTimeMS = time.Since(start).Milliseconds()
		return status
	}

	status.Healthy = true
	status.ResponseTimeMS = time.Since(start).Milliseconds()
	status.Metrics = map[string]interface{}{
		"records_by_type":     byType,
		"records_total":       total,
		"relationships_total": edgeCount,
		// Rough estimate: payload rows average around 1KiB.
		"storage_bytes": total * 1024,
		"last_check":    status.LastCheck,
	}
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
	var existing recordRow
	err := b.db.WithContext(ctx).
		Where("tenant_id = ? AND record_type = ? AND id = ?", cp.TenantID, cp.RecordType, cp.ID).
		First(&existing).Error
	switch {
	case err == nil:
		cp.CreatedAt = existing.CreatedAt.UTC()
	case errors.Is(err, gorm.ErrRecordNotFound):
		if cp.CreatedAt.IsZero() {
			cp.CreatedAt = now
		}
	default:
		return "", b.wrapDBError(err, cp.ID)
	}
	cp.UpdatedAt = now

	row, convErr := toRow(cp, b.opts.TextFields.For(cp.RecordType))
	if convErr != nil {
		return "", convErr
	}
	if err := b.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "record_type"}, {Name: "id"}},
			UpdateAll: true,
		}).
		Create(row).Error; err != nil {
		return "", b.wrapDBError(err, cp.ID)
	}
	return cp.ID, nil
}

// scopedByID narrows a bare-id lookup to rows inside the caller's reach:
// its own tenant plus the shared system scope. System admins and
// single-tenant deployments reach every tenant's rows.
func (b *Backend) scopedByID(tx *gorm.DB, id string, tc *types.TenantContext) *gorm.DB {
	tx = tx.Where("id = ?", id)
	if !b.opts.MultiTenant || tc == nil || tc.IsSystemAdmin() {
		return tx
	}
	return tx.Where("tenant_id IN ?", []string{tc.TenantID, ""})
}

// pickVisible selects the row the caller should observe for a bare id:
// the caller's own copy wins over the shared system-scope copy.
func (b *Backend) pickVisible(rows []recordRow, tc *types.TenantContext) (*types.Record, error) {
	var shared *types.Record
	for i := range rows {
		rec, convErr := fromRow(&rows[i])
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

func (b *Backend) GetRecord(ctx context.Context, id string, tc *types.TenantContext) (*types.Record, error) {
	if b.closed.Load() {
		return nil, uerr.Closed(backendName)
	}
	if err := store.CheckPermission(tc, types.PermRead); err != nil {
		return nil, err
	}
	ctx, cancel := store.WithDeadline(ctx, tc, b.opts.TimeoutMS)
	defer cancel()

	var rows []recordRow
	if err := b.scopedByID(b.db.WithContext(ctx), id, tc).Find(&rows).Error; err != nil {
		return nil, b.wrapDBError(err, id)
	}
	return b.pickVisible(rows, tc)
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

	var rows []recordRow
	if err := b.scopedByID(b.db.WithContext(ctx).Where("record_type = ?", cp.RecordType), cp.ID, tc).
		Find(&rows).Error; err != nil {
		return b.wrapDBError(err, cp.ID)
	}
	prev, convErr := b.pickVisible(rows, tc)
	if convErr != nil {
		return convErr
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
	row, convErr := toRow(cp, b.opts.TextFields.For(cp.RecordType))
	if convErr != nil {
		return convErr
	}
	if err := b.db.WithContext(ctx).Save(row).Error; err != nil {
		return b.wrapDBError(err, cp.ID)
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

	var rows []recordRow
	if err := b.scopedByID(b.db.WithContext(ctx), id, tc).Find(&rows).Error; err != nil {
		return b.wrapDBError(err, id)
	}
	prev, convErr := b.pickVisible(rows, tc)
	if convErr != nil {
		return convErr
	}
	if prev == nil {
		// Copies outside the caller's reach delete as a no-op.
		return nil
	}
	if prev.TenantID == "" && b.opts.MultiTenant && !store.CanMutateSystemScope(tc) {
		return uerr.PermissionDenied("system-scope records require a system context")
	}

	if err := b.db.WithContext(ctx).
		Where("tenant_id = ? AND record_type = ? AND id = ?", prev.TenantID, prev.RecordType, prev.ID).
		Delete(&recordRow{}).Error; err != nil {
		return b.wrapDBError(err, id)
	}
	// Prune edges whose only still-existing endpoint was this record.
	if err := b.db.WithContext(ctx).
		Where("(source_id = ? AND target_id NOT IN (SELECT id FROM uds_record)) OR (target_id = ? AND source_id NOT IN (SELECT id FROM uds_record))", id, id).
		Delete(&relationshipRow{}).Error; err != nil {
		b.log.Warn("edge pruning failed", "record_id", id, "error", err)
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
	row, convErr := edgeToRow(cp)
	if convErr != nil {
		return "", convErr
	}
	if err := b.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, UpdateAll: true}).
		Create(row).Error; err != nil {
		return "", b.wrapDBError(err, cp.ID)
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

func (b *Backend) wrapDBError(err error, recordID string) error {
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
