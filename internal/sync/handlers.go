package sync

import (
	"context"
	"fmt"

	"github.com/kimhsiao/tripplanner/internal/db"
	"github.com/kimhsiao/tripplanner/internal/errors"
	"github.com/kimhsiao/tripplanner/internal/logging"
	"github.com/kimhsiao/tripplanner/internal/models"
	"github.com/kimhsiao/tripplanner/internal/remote"
	"github.com/kimhsiao/tripplanner/internal/sync/queue"
	"github.com/kimhsiao/tripplanner/internal/uuid"
)

// Handler applies queued operations of one entity kind to the backend.
type Handler interface {
	Apply(ctx context.Context, op *models.PendingOperation) error
}

// tableHandler routes an operation on one kind to insert, update or delete.
type tableHandler struct {
	kind    models.EntityKind
	backend remote.Backend
	store   db.EntityStore
	queue   *queue.Queue

	// children maps each kind that references this one to its reference field.
	children map[models.EntityKind]string
}

// references lists, per parent kind, the kinds pointing at it.
var references = map[models.EntityKind]map[models.EntityKind]string{
	models.KindColumns: {models.KindTrips: "column_id"},
	models.KindTrips:   {models.KindNotes: "trip_id"},
	models.KindNotes:   {},
}

// newRoutingTable builds one handler per supported kind.
func newRoutingTable(backend remote.Backend, store db.EntityStore, q *queue.Queue) map[models.EntityKind]Handler {
	table := make(map[models.EntityKind]Handler, len(models.Kinds()))
	for _, kind := range models.Kinds() {
		table[kind] = &tableHandler{
			kind:     kind,
			backend:  backend,
			store:    store,
			queue:    q,
			children: references[kind],
		}
	}
	return table
}

// Apply implements Handler.
func (h *tableHandler) Apply(ctx context.Context, op *models.PendingOperation) error {
	fields, err := op.Fields()
	if err != nil {
		return err
	}
	id, _ := fields["id"].(string)

	switch op.Type {
	case models.OperationCreate:
		return h.create(ctx, op, fields)
	case models.OperationUpdate:
		if id == "" {
			return errors.New(errors.ErrInvalid, "update payload has no id")
		}
		return remoteErr(op, h.backend.Update(ctx, h.kind, id, payloadRow(fields)))
	case models.OperationDelete:
		if id == "" {
			return errors.New(errors.ErrInvalid, "delete payload has no id")
		}
		return remoteErr(op, h.backend.Delete(ctx, h.kind, id))
	}
	return errors.New(errors.ErrInvalid, fmt.Sprintf("unsupported operation type %q", op.Type))
}

// payloadRow strips the id and local bookkeeping from a queued payload.
func payloadRow(fields map[string]interface{}) models.Row {
	row := make(models.Row, len(fields))
	for k, v := range fields {
		switch k {
		case "id", "is_offline", queue.FieldOfflineID, queue.FieldServerID:
			continue
		}
		row[k] = v
	}
	return row
}

// create inserts the entity and reconciles the placeholder id with the
// server-assigned one. The server id is recorded on the queued operation
// before any other local write, so a retry after a local failure
// reconciles without inserting a second row.
func (h *tableHandler) create(ctx context.Context, op *models.PendingOperation, fields map[string]interface{}) error {
	if serverID, _ := fields[queue.FieldServerID].(string); serverID != "" {
		placeholder, _ := fields[queue.FieldOfflineID].(string)
		return h.reconcile(ctx, op, placeholder, serverID)
	}

	placeholder, _ := fields["id"].(string)
	row := payloadRow(fields)
	if placeholder != "" && !uuid.IsOfflineID(placeholder) {
		row["id"] = placeholder
	}

	inserted, err := h.backend.Insert(ctx, h.kind, row)
	if err != nil {
		return errors.Wrap(errors.ErrRemoteOperation, fmt.Sprintf("CREATE %s", h.kind), err)
	}
	serverID, _ := inserted["id"].(string)
	if serverID == "" {
		return errors.New(errors.ErrRemoteOperation, fmt.Sprintf("CREATE %s returned no id", h.kind))
	}

	if placeholder == "" || placeholder == serverID {
		return nil
	}
	if err := h.queue.MarkApplied(ctx, op, serverID); err != nil {
		return err
	}
	return h.reconcile(ctx, op, placeholder, serverID)
}

// reconcile re-keys the cached copy, queued operations and cached children
// from placeholder to serverID. The cached copy stays offline while
// operations other than op still target it. Every step is idempotent.
func (h *tableHandler) reconcile(ctx context.Context, op *models.PendingOperation, placeholder, serverID string) error {
	if placeholder == "" || placeholder == serverID {
		return nil
	}

	if _, err := h.queue.RemapEntityID(ctx, placeholder, serverID); err != nil {
		return err
	}
	pending, err := h.queue.HasPendingFor(ctx, h.kind, serverID, op.ID)
	if err != nil {
		return err
	}

	local, err := h.store.GetEntity(ctx, h.kind, placeholder)
	switch {
	case err == nil:
		// The cached copy may carry edits made after the CREATE was queued.
		local.SetEntityID(serverID)
		local.Offline().IsOffline = pending
		if err := h.store.ReplaceEntityID(ctx, placeholder, local); err != nil {
			return err
		}
	case errors.Is(err, errors.ErrNotFound):
		// Deleted locally while the CREATE was queued, or already re-keyed
		// by an earlier attempt; a queued DELETE now targets serverID.
	default:
		return err
	}

	for child, field := range h.children {
		kids, err := h.store.GetEntitiesByParent(ctx, child, placeholder)
		if err != nil {
			return err
		}
		for _, kid := range kids {
			if err := models.MergePatch(kid, map[string]interface{}{field: serverID}); err != nil {
				return err
			}
			if err := h.store.SaveEntity(ctx, kid, kid.Offline().IsOffline); err != nil {
				return err
			}
		}
	}

	logging.Debug("Reconciled offline id", map[string]interface{}{
		"table":      h.kind,
		"offline_id": placeholder,
		"server_id":  serverID,
		"pending":    pending,
	})
	return nil
}

func remoteErr(op *models.PendingOperation, err error) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(errors.ErrRemoteOperation, fmt.Sprintf("%s %s", op.Type, op.Table), err)
}
