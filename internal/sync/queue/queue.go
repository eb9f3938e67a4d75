// Package queue manages the durable queue of optimistic writes awaiting
// remote application, including the retry ceiling.
package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kimhsiao/tripplanner/internal/db"
	"github.com/kimhsiao/tripplanner/internal/errors"
	"github.com/kimhsiao/tripplanner/internal/logging"
	"github.com/kimhsiao/tripplanner/internal/models"
)

// DefaultMaxRetries is the number of failed attempts after which an
// operation is abandoned.
const DefaultMaxRetries = 3

// Queue wraps the store's pending operation table.
type Queue struct {
	store      db.QueueStore
	maxRetries int
}

// New creates a Queue. A non-positive maxRetries uses DefaultMaxRetries.
func New(store db.QueueStore, maxRetries int) *Queue {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Queue{store: store, maxRetries: maxRetries}
}

// MaxRetries returns the abandonment ceiling.
func (q *Queue) MaxRetries() int {
	return q.maxRetries
}

// Fields a CREATE payload gains once the backend has accepted it.
const (
	FieldServerID  = "server_id"
	FieldOfflineID = "offline_id"
)

// Enqueue appends an operation carrying data, which is JSON encoded.
func (q *Queue) Enqueue(ctx context.Context, typ models.OperationType, kind models.EntityKind, data interface{}) (*models.PendingOperation, error) {
	op, err := newOperation(typ, kind, data)
	if err != nil {
		return nil, err
	}
	if err := q.store.AddPendingOperation(ctx, op); err != nil {
		return nil, err
	}
	logEnqueued(op)
	return op, nil
}

// EnqueueWithEntity appends an operation on e and saves e as an offline
// record in one local transaction.
func (q *Queue) EnqueueWithEntity(ctx context.Context, typ models.OperationType, e models.Entity, data interface{}) (*models.PendingOperation, error) {
	op, err := newOperation(typ, e.Kind(), data)
	if err != nil {
		return nil, err
	}
	if err := q.store.AddPendingOperationWithEntity(ctx, op, e); err != nil {
		return nil, err
	}
	logEnqueued(op)
	return op, nil
}

func newOperation(typ models.OperationType, kind models.EntityKind, data interface{}) (*models.PendingOperation, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, errors.Wrap(errors.ErrInvalid, fmt.Sprintf("encode %s payload", typ), err)
	}
	return &models.PendingOperation{Type: typ, Table: kind, Data: payload}, nil
}

func logEnqueued(op *models.PendingOperation) {
	logging.Debug("Enqueued operation", map[string]interface{}{
		"op_id": op.ID,
		"type":  op.Type,
		"table": op.Table,
	})
}

// Pending returns every queued operation, oldest first.
func (q *Queue) Pending(ctx context.Context) ([]*models.PendingOperation, error) {
	return q.store.GetPendingOperations(ctx)
}

// Complete removes an operation that was applied remotely.
func (q *Queue) Complete(ctx context.Context, id string) error {
	return q.store.RemovePendingOperation(ctx, id)
}

// Failed records a failed attempt. The incremented retry count is
// persisted; once it reaches the ceiling the operation is removed and
// abandoned is true.
func (q *Queue) Failed(ctx context.Context, op *models.PendingOperation, cause error) (abandoned bool, err error) {
	op.RetryCount++

	if op.RetryCount >= q.maxRetries {
		if err := q.store.RemovePendingOperation(ctx, op.ID); err != nil {
			return false, err
		}
		logging.ErrorWithCode("Operation abandoned after repeated failures", string(errors.ErrSyncAbandoned), cause,
			map[string]interface{}{
				"op_id":       op.ID,
				"type":        op.Type,
				"table":       op.Table,
				"retry_count": op.RetryCount,
			})
		return true, nil
	}

	if err := q.store.UpdatePendingOperation(ctx, op); err != nil {
		return false, err
	}
	logging.Warn("Operation failed, will retry", map[string]interface{}{
		"op_id":       op.ID,
		"type":        op.Type,
		"table":       op.Table,
		"retry_count": op.RetryCount,
		"max_retries": q.maxRetries,
		"error":       cause.Error(),
	})
	return false, nil
}

// HasPendingFor reports whether an operation other than exclude still
// targets the entity id of kind.
func (q *Queue) HasPendingFor(ctx context.Context, kind models.EntityKind, id, exclude string) (bool, error) {
	ops, err := q.store.GetPendingOperations(ctx)
	if err != nil {
		return false, err
	}
	for _, op := range ops {
		if op.ID != exclude && op.Table == kind && op.EntityID() == id {
			return true, nil
		}
	}
	return false, nil
}

// MarkApplied records on a queued CREATE that the backend stored it as
// serverID, so a retry after a local failure reconciles instead of
// inserting again.
func (q *Queue) MarkApplied(ctx context.Context, op *models.PendingOperation, serverID string) error {
	fields, err := op.Fields()
	if err != nil {
		return err
	}
	fields[FieldServerID] = serverID
	fields[FieldOfflineID] = op.EntityID()

	data, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encode applied payload of %s: %w", op.ID, err)
	}
	op.Data = data
	return q.store.UpdatePendingOperation(ctx, op)
}

// Size returns the number of queued operations.
func (q *Queue) Size(ctx context.Context) (int, error) {
	return q.store.GetPendingOperationsCount(ctx)
}

// Clear removes every queued operation.
func (q *Queue) Clear(ctx context.Context) error {
	ops, err := q.store.GetPendingOperations(ctx)
	if err != nil {
		return err
	}
	for _, op := range ops {
		if err := q.store.RemovePendingOperation(ctx, op.ID); err != nil {
			return err
		}
	}
	logging.Info("Queue cleared", map[string]interface{}{"removed": len(ops)})
	return nil
}

// RemapEntityID rewrites queued payloads that still reference oldID,
// either as their id or as a top-level reference field, to newID. A
// recorded offline id is left alone. It returns the number of operations
// rewritten.
func (q *Queue) RemapEntityID(ctx context.Context, oldID, newID string) (int, error) {
	ops, err := q.store.GetPendingOperations(ctx)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, op := range ops {
		fields, err := op.Fields()
		if err != nil {
			continue
		}
		changed := false
		for k, v := range fields {
			if k == FieldOfflineID {
				continue
			}
			if s, ok := v.(string); ok && s == oldID {
				fields[k] = newID
				changed = true
			}
		}
		if !changed {
			continue
		}
		data, err := json.Marshal(fields)
		if err != nil {
			return n, fmt.Errorf("encode remapped payload of %s: %w", op.ID, err)
		}
		op.Data = data
		if err := q.store.UpdatePendingOperation(ctx, op); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Stats summarizes the queue contents.
type Stats struct {
	Total    int                          `json:"total"`
	Retrying int                          `json:"retrying"`
	ByType   map[models.OperationType]int `json:"by_type"`
	ByTable  map[models.EntityKind]int    `json:"by_table"`
}

// GetStats returns queue statistics.
func (q *Queue) GetStats(ctx context.Context) (*Stats, error) {
	ops, err := q.store.GetPendingOperations(ctx)
	if err != nil {
		return nil, err
	}

	stats := &Stats{
		ByType:  make(map[models.OperationType]int),
		ByTable: make(map[models.EntityKind]int),
	}
	for _, op := range ops {
		stats.Total++
		if op.RetryCount > 0 {
			stats.Retrying++
		}
		stats.ByType[op.Type]++
		stats.ByTable[op.Table]++
	}
	return stats, nil
}
