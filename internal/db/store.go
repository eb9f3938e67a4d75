package db

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/kimhsiao/tripplanner/internal/errors"
	"github.com/kimhsiao/tripplanner/internal/events"
	"github.com/kimhsiao/tripplanner/internal/models"
	"github.com/kimhsiao/tripplanner/internal/uuid"
)

// Store is the durable local cache of trips, notes and columns, the queue
// of pending operations and the singleton sync metadata record.
//
// Every mutating call publishes the affected table name on the change bus
// after the write has committed.
type Store struct {
	mu      sync.RWMutex
	dataDir string
	db      *DB
	bus     *events.Bus[string]
	now     func() time.Time

	// Prepared statement cache for the hot queue and metadata queries.
	stmtCache sync.Map // map[string]*sql.Stmt
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithClock overrides the clock used for operation timestamps.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// NewStore creates a Store persisting under dataDir. An empty dataDir keeps
// everything in memory. A nil bus gets a private one.
// The store is unusable until Init succeeds.
func NewStore(dataDir string, bus *events.Bus[string], opts ...StoreOption) *Store {
	if bus == nil {
		bus = events.NewBus[string]()
	}
	s := &Store{
		dataDir: dataDir,
		bus:     bus,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Bus returns the change notification bus the store publishes on.
func (s *Store) Bus() *events.Bus[string] {
	return s.bus
}

// Durable reports whether the store persists across restarts.
func (s *Store) Durable() bool {
	return s.dataDir != ""
}

// Init opens the database and applies the schema. Calls after the first
// successful one are no-ops.
func (s *Store) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		return nil
	}

	db, err := Open(s.dataDir)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorageInit, "failed to open local storage", err)
	}

	m := NewMigrator(db.DB, Migrations())
	if err := m.Initialize(); err != nil {
		db.Close()
		return apperrors.Wrap(apperrors.ErrStorageInit, "failed to initialize migrations", err)
	}
	if err := m.Up(); err != nil {
		db.Close()
		return apperrors.Wrap(apperrors.ErrStorageInit, "failed to migrate local storage",
			apperrors.Wrap(apperrors.ErrMigration, "migration failed", err))
	}

	_, err = db.ExecContext(ctx, `INSERT OR IGNORE INTO sync_metadata (key) VALUES (?)`, models.MetadataKey)
	if err != nil {
		db.Close()
		return apperrors.Wrap(apperrors.ErrStorageInit, "failed to create sync metadata", err)
	}

	s.db = db
	return nil
}

// Close releases the database. The store may be initialized again afterwards.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	s.stmtCache.Range(func(key, value interface{}) bool {
		value.(*sql.Stmt).Close()
		s.stmtCache.Delete(key)
		return true
	})
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *Store) conn() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, apperrors.New(apperrors.ErrStorageInit, "local storage is not initialized")
	}
	return s.db.DB, nil
}

// prepare gets or creates a cached prepared statement.
func (s *Store) prepare(ctx context.Context, db *sql.DB, query string) (*sql.Stmt, error) {
	if stmt, ok := s.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := db.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	actual, loaded := s.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}
	return stmt, nil
}

func (s *Store) notify(name string) {
	s.bus.Publish(name)
}

func table(kind models.EntityKind) (string, error) {
	if !kind.Valid() {
		return "", apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unsupported entity kind %q", kind))
	}
	return `"` + string(kind) + `"`, nil
}

func writeErr(msg string, err error) error {
	if apperrors.CodeOf(err) == apperrors.ErrStorageInit || apperrors.CodeOf(err) == apperrors.ErrInvalid {
		return err
	}
	return apperrors.Wrap(apperrors.ErrStorageWrite, msg, err)
}

func readErr(msg string, err error) error {
	var appErr *apperrors.AppError
	if stderrors.As(err, &appErr) {
		return err
	}
	return apperrors.Wrap(apperrors.ErrDatabase, msg, err)
}

// =====================================================
// Entity Operations
// =====================================================

// SaveEntity upserts e by id. When isOffline is true the entity is marked
// as a local write and receives a freshly minted offline id; otherwise the
// offline id it already carries is kept.
func (s *Store) SaveEntity(ctx context.Context, e models.Entity, isOffline bool) error {
	tbl, err := entityTable(e)
	if err != nil {
		return err
	}
	db, err := s.conn()
	if err != nil {
		return err
	}

	stamp(e, isOffline)
	if err := s.upsert(ctx, db, tbl, e); err != nil {
		return writeErr(fmt.Sprintf("failed to save %s %s", e.Kind(), e.EntityID()), err)
	}

	s.notify(string(e.Kind()))
	return nil
}

func entityTable(e models.Entity) (string, error) {
	tbl, err := table(e.Kind())
	if err != nil {
		return "", err
	}
	if e.EntityID() == "" {
		return "", apperrors.New(apperrors.ErrInvalid, "entity id is required")
	}
	return tbl, nil
}

func stamp(e models.Entity, isOffline bool) {
	state := e.Offline()
	state.IsOffline = isOffline
	if isOffline {
		state.OfflineID = uuid.NewOfflineID()
	}
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func (s *Store) upsert(ctx context.Context, x execer, tbl string, e models.Entity) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode %s: %w", e.Kind(), err)
	}

	query := `
	INSERT INTO ` + tbl + ` (id, user_id, parent_id, is_offline, offline_id, data, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		user_id = excluded.user_id,
		parent_id = excluded.parent_id,
		is_offline = excluded.is_offline,
		offline_id = excluded.offline_id,
		data = excluded.data,
		updated_at = excluded.updated_at
	`
	state := e.Offline()
	_, err = x.ExecContext(ctx, query, e.EntityID(), e.OwnerID(), e.ParentID(),
		state.IsOffline, state.OfflineID, string(data), s.now().UnixMilli())
	return err
}

// GetEntity returns the cached entity with the given id.
func (s *Store) GetEntity(ctx context.Context, kind models.EntityKind, id string) (models.Entity, error) {
	entities, err := s.queryEntities(ctx, kind, "WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(entities) == 0 {
		return nil, apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("%s %s not found", kind, id))
	}
	return entities[0], nil
}

// GetEntitiesByUser returns every cached entity owned by userID, in storage order.
func (s *Store) GetEntitiesByUser(ctx context.Context, kind models.EntityKind, userID string) ([]models.Entity, error) {
	return s.queryEntities(ctx, kind, "WHERE user_id = ?", userID)
}

// GetEntitiesByParent returns every cached entity whose parent is parentID, in storage order.
func (s *Store) GetEntitiesByParent(ctx context.Context, kind models.EntityKind, parentID string) ([]models.Entity, error) {
	return s.queryEntities(ctx, kind, "WHERE parent_id = ?", parentID)
}

// ResolveEntityID returns the server id a placeholder was reconciled
// with, or id itself when it was never replaced.
func (s *Store) ResolveEntityID(ctx context.Context, kind models.EntityKind, id string) (string, error) {
	if !kind.Valid() {
		return "", apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unsupported entity kind %q", kind))
	}
	db, err := s.conn()
	if err != nil {
		return "", err
	}

	var serverID string
	err = db.QueryRowContext(ctx, `SELECT server_id FROM entity_aliases WHERE offline_id = ? AND kind = ?`,
		id, string(kind)).Scan(&serverID)
	switch {
	case stderrors.Is(err, sql.ErrNoRows):
		return id, nil
	case err != nil:
		return "", readErr(fmt.Sprintf("failed to resolve %s %s", kind, id), err)
	}
	return serverID, nil
}

// GetOfflineEntities returns every cached entity not yet confirmed by the backend.
func (s *Store) GetOfflineEntities(ctx context.Context, kind models.EntityKind) ([]models.Entity, error) {
	return s.queryEntities(ctx, kind, "WHERE is_offline = 1")
}

// GetAllEntities returns every cached entity of kind, in storage order.
func (s *Store) GetAllEntities(ctx context.Context, kind models.EntityKind) ([]models.Entity, error) {
	return s.queryEntities(ctx, kind, "")
}

func (s *Store) queryEntities(ctx context.Context, kind models.EntityKind, where string, args ...interface{}) ([]models.Entity, error) {
	tbl, err := table(kind)
	if err != nil {
		return nil, err
	}
	db, err := s.conn()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, "SELECT data FROM "+tbl+" "+where+" ORDER BY rowid", args...)
	if err != nil {
		return nil, readErr(fmt.Sprintf("failed to query %s", kind), err)
	}
	defer rows.Close()

	var entities []models.Entity
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, readErr(fmt.Sprintf("failed to scan %s", kind), err)
		}
		e, err := models.DecodeEntity(kind, []byte(data))
		if err != nil {
			return nil, readErr(fmt.Sprintf("failed to decode %s", kind), err)
		}
		entities = append(entities, e)
	}
	if err := rows.Err(); err != nil {
		return nil, readErr(fmt.Sprintf("failed to read %s", kind), err)
	}
	return entities, nil
}

// DeleteEntity removes the cached entity. Deleting an absent id is not an error.
func (s *Store) DeleteEntity(ctx context.Context, kind models.EntityKind, id string) error {
	tbl, err := table(kind)
	if err != nil {
		return err
	}
	db, err := s.conn()
	if err != nil {
		return err
	}

	if _, err := db.ExecContext(ctx, "DELETE FROM "+tbl+" WHERE id = ?", id); err != nil {
		return writeErr(fmt.Sprintf("failed to delete %s %s", kind, id), err)
	}

	s.notify(string(kind))
	return nil
}

// ReplaceEntityID atomically swaps the record stored under oldID for e,
// which carries its new id. oldID is kept as e's offline id and as an
// alias that ResolveEntityID maps to the new id.
func (s *Store) ReplaceEntityID(ctx context.Context, oldID string, e models.Entity) error {
	tbl, err := table(e.Kind())
	if err != nil {
		return err
	}
	db, err := s.conn()
	if err != nil {
		return err
	}

	if oldID != e.EntityID() {
		e.Offline().OfflineID = oldID
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return writeErr("failed to begin transaction", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM "+tbl+" WHERE id = ?", oldID); err != nil {
		return writeErr(fmt.Sprintf("failed to remove %s %s", e.Kind(), oldID), err)
	}
	if err := s.upsert(ctx, tx, tbl, e); err != nil {
		return writeErr(fmt.Sprintf("failed to save %s %s", e.Kind(), e.EntityID()), err)
	}
	if oldID != e.EntityID() {
		if _, err := tx.ExecContext(ctx, `
		INSERT INTO entity_aliases (offline_id, kind, server_id) VALUES (?, ?, ?)
		ON CONFLICT(offline_id) DO UPDATE SET kind = excluded.kind, server_id = excluded.server_id
		`, oldID, string(e.Kind()), e.EntityID()); err != nil {
			return writeErr(fmt.Sprintf("failed to record alias %s", oldID), err)
		}
	}
	if err := tx.Commit(); err != nil {
		return writeErr("failed to commit id replacement", err)
	}

	s.notify(string(e.Kind()))
	return nil
}

// =====================================================
// Pending Operation Operations
// =====================================================

const pendingColumns = `seq, id, type, table_name, data, timestamp, retry_count`

// AddPendingOperation assigns op a new id, the current timestamp and a zero
// retry count, then persists it at the tail of the queue.
func (s *Store) AddPendingOperation(ctx context.Context, op *models.PendingOperation) error {
	if err := validOperation(op); err != nil {
		return err
	}
	db, err := s.conn()
	if err != nil {
		return err
	}

	if err := s.insertOperation(ctx, db, op); err != nil {
		return writeErr(fmt.Sprintf("failed to enqueue %s %s", op.Type, op.Table), err)
	}

	s.notify(models.QueueTable)
	return nil
}

// AddPendingOperationWithEntity saves e as an offline record, as
// SaveEntity(ctx, e, true) does, and appends op in the same transaction.
// Neither write is kept when the other fails.
func (s *Store) AddPendingOperationWithEntity(ctx context.Context, op *models.PendingOperation, e models.Entity) error {
	if err := validOperation(op); err != nil {
		return err
	}
	tbl, err := entityTable(e)
	if err != nil {
		return err
	}
	db, err := s.conn()
	if err != nil {
		return err
	}

	state := *e.Offline()
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return writeErr("failed to begin transaction", err)
	}
	defer tx.Rollback()

	stamp(e, true)
	if err := s.upsert(ctx, tx, tbl, e); err != nil {
		*e.Offline() = state
		return writeErr(fmt.Sprintf("failed to save %s %s", e.Kind(), e.EntityID()), err)
	}
	if err := s.insertOperation(ctx, tx, op); err != nil {
		*e.Offline() = state
		return writeErr(fmt.Sprintf("failed to enqueue %s %s", op.Type, op.Table), err)
	}
	if err := tx.Commit(); err != nil {
		*e.Offline() = state
		return writeErr("failed to commit queued write", err)
	}

	s.notify(string(e.Kind()))
	s.notify(models.QueueTable)
	return nil
}

func validOperation(op *models.PendingOperation) error {
	if !op.Type.Valid() {
		return apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unsupported operation type %q", op.Type))
	}
	if !op.Table.Valid() {
		return apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unsupported entity kind %q", op.Table))
	}
	return nil
}

func (s *Store) insertOperation(ctx context.Context, x execer, op *models.PendingOperation) error {
	op.ID = uuid.New()
	op.Timestamp = s.now().UnixMilli()
	op.RetryCount = 0
	if len(op.Data) == 0 {
		op.Data = json.RawMessage(`{}`)
	}

	res, err := x.ExecContext(ctx, `
	INSERT INTO pending_operations (id, type, table_name, data, timestamp, retry_count)
	VALUES (?, ?, ?, ?, ?, ?)
	`, op.ID, string(op.Type), string(op.Table), string(op.Data), op.Timestamp, op.RetryCount)
	if err != nil {
		return err
	}
	if seq, err := res.LastInsertId(); err == nil {
		op.Seq = seq
	}
	return nil
}

// GetPendingOperations returns every queued operation, oldest first.
func (s *Store) GetPendingOperations(ctx context.Context) ([]*models.PendingOperation, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	stmt, err := s.prepare(ctx, db, `SELECT `+pendingColumns+` FROM pending_operations ORDER BY timestamp, seq`)
	if err != nil {
		return nil, readErr("failed to read pending operations", err)
	}

	rows, err := stmt.QueryContext(ctx)
	if err != nil {
		return nil, readErr("failed to read pending operations", err)
	}
	defer rows.Close()

	var ops []*models.PendingOperation
	for rows.Next() {
		var op models.PendingOperation
		var data string
		if err := rows.Scan(&op.Seq, &op.ID, &op.Type, &op.Table, &data, &op.Timestamp, &op.RetryCount); err != nil {
			return nil, readErr("failed to scan pending operation", err)
		}
		op.Data = json.RawMessage(data)
		ops = append(ops, &op)
	}
	if err := rows.Err(); err != nil {
		return nil, readErr("failed to read pending operations", err)
	}
	return ops, nil
}

// RemovePendingOperation deletes the operation. Removing an absent id is not an error.
func (s *Store) RemovePendingOperation(ctx context.Context, id string) error {
	db, err := s.conn()
	if err != nil {
		return err
	}

	res, err := db.ExecContext(ctx, `DELETE FROM pending_operations WHERE id = ?`, id)
	if err != nil {
		return writeErr(fmt.Sprintf("failed to remove operation %s", id), err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.notify(models.QueueTable)
	}
	return nil
}

// UpdatePendingOperation persists op's retry count and payload.
func (s *Store) UpdatePendingOperation(ctx context.Context, op *models.PendingOperation) error {
	db, err := s.conn()
	if err != nil {
		return err
	}

	res, err := db.ExecContext(ctx, `UPDATE pending_operations SET retry_count = ?, data = ? WHERE id = ?`,
		op.RetryCount, string(op.Data), op.ID)
	if err != nil {
		return writeErr(fmt.Sprintf("failed to update operation %s", op.ID), err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("operation %s not found", op.ID))
	}

	s.notify(models.QueueTable)
	return nil
}

// GetPendingOperationsCount returns the queue length.
func (s *Store) GetPendingOperationsCount(ctx context.Context) (int, error) {
	db, err := s.conn()
	if err != nil {
		return 0, err
	}
	stmt, err := s.prepare(ctx, db, `SELECT COUNT(*) FROM pending_operations`)
	if err != nil {
		return 0, readErr("failed to count pending operations", err)
	}

	var n int
	if err := stmt.QueryRowContext(ctx).Scan(&n); err != nil {
		return 0, readErr("failed to count pending operations", err)
	}
	return n, nil
}

// =====================================================
// Sync Metadata Operations
// =====================================================

// GetMetadata returns the singleton status record, or its zero value when absent.
func (s *Store) GetMetadata(ctx context.Context) (*models.SyncMetadata, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	return getMetadata(ctx, db)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func getMetadata(ctx context.Context, q queryer) (*models.SyncMetadata, error) {
	meta := &models.SyncMetadata{Key: models.MetadataKey}
	err := q.QueryRowContext(ctx, `
	SELECT is_online, last_sync_timestamp, pending_operations_count
	FROM sync_metadata WHERE key = ?
	`, models.MetadataKey).Scan(&meta.IsOnline, &meta.LastSyncTimestamp, &meta.PendingOperationsCount)
	if stderrors.Is(err, sql.ErrNoRows) {
		return meta, nil
	}
	if err != nil {
		return nil, readErr("failed to read sync metadata", err)
	}
	return meta, nil
}

// PutMetadata merges patch into the status record and recomputes the
// cached pending operation count.
func (s *Store) PutMetadata(ctx context.Context, patch models.MetadataPatch) (*models.SyncMetadata, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, writeErr("failed to begin transaction", err)
	}
	defer tx.Rollback()

	meta, err := getMetadata(ctx, tx)
	if err != nil {
		return nil, err
	}
	if patch.IsOnline != nil {
		meta.IsOnline = *patch.IsOnline
	}
	if patch.LastSyncTimestamp != nil {
		meta.LastSyncTimestamp = *patch.LastSyncTimestamp
	}
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_operations`).Scan(&meta.PendingOperationsCount); err != nil {
		return nil, writeErr("failed to count pending operations", err)
	}

	_, err = tx.ExecContext(ctx, `
	INSERT INTO sync_metadata (key, is_online, last_sync_timestamp, pending_operations_count)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET
		is_online = excluded.is_online,
		last_sync_timestamp = excluded.last_sync_timestamp,
		pending_operations_count = excluded.pending_operations_count
	`, meta.Key, meta.IsOnline, meta.LastSyncTimestamp, meta.PendingOperationsCount)
	if err != nil {
		return nil, writeErr("failed to write sync metadata", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, writeErr("failed to commit sync metadata", err)
	}

	s.notify(models.MetadataTable)
	return meta, nil
}

// ClearAll wipes every table. Used for resets and tests.
func (s *Store) ClearAll(ctx context.Context) error {
	db, err := s.conn()
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return writeErr("failed to begin transaction", err)
	}
	defer tx.Rollback()

	names := []string{models.QueueTable, models.MetadataTable}
	for _, kind := range models.Kinds() {
		names = append(names, string(kind))
	}
	for _, name := range names {
		if _, err := tx.ExecContext(ctx, `DELETE FROM "`+name+`"`); err != nil {
			return writeErr(fmt.Sprintf("failed to clear %s", name), err)
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM entity_aliases`); err != nil {
		return writeErr("failed to clear entity aliases", err)
	}
	if err := tx.Commit(); err != nil {
		return writeErr("failed to commit reset", err)
	}

	for _, name := range names {
		s.notify(name)
	}
	return nil
}
