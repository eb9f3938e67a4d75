package db

import (
	"context"

	"github.com/kimhsiao/tripplanner/internal/events"
	"github.com/kimhsiao/tripplanner/internal/models"
)

// EntityStore defines operations for cached entity persistence.
type EntityStore interface {
	SaveEntity(ctx context.Context, e models.Entity, isOffline bool) error
	GetEntity(ctx context.Context, kind models.EntityKind, id string) (models.Entity, error)
	GetEntitiesByUser(ctx context.Context, kind models.EntityKind, userID string) ([]models.Entity, error)
	GetEntitiesByParent(ctx context.Context, kind models.EntityKind, parentID string) ([]models.Entity, error)
	GetOfflineEntities(ctx context.Context, kind models.EntityKind) ([]models.Entity, error)
	GetAllEntities(ctx context.Context, kind models.EntityKind) ([]models.Entity, error)
	DeleteEntity(ctx context.Context, kind models.EntityKind, id string) error

	// ReplaceEntityID swaps the record stored under oldID for e.
	ReplaceEntityID(ctx context.Context, oldID string, e models.Entity) error
	// ResolveEntityID maps a reconciled placeholder to its server id.
	ResolveEntityID(ctx context.Context, kind models.EntityKind, id string) (string, error)
}

// QueueStore defines operations for the pending operation queue.
type QueueStore interface {
	AddPendingOperation(ctx context.Context, op *models.PendingOperation) error
	AddPendingOperationWithEntity(ctx context.Context, op *models.PendingOperation, e models.Entity) error
	GetPendingOperations(ctx context.Context) ([]*models.PendingOperation, error)
	RemovePendingOperation(ctx context.Context, id string) error
	UpdatePendingOperation(ctx context.Context, op *models.PendingOperation) error
	GetPendingOperationsCount(ctx context.Context) (int, error)
}

// MetadataStore defines operations for the sync metadata record.
type MetadataStore interface {
	GetMetadata(ctx context.Context) (*models.SyncMetadata, error)
	PutMetadata(ctx context.Context, patch models.MetadataPatch) (*models.SyncMetadata, error)
}

// LocalStore combines everything the sync orchestrator needs from local storage.
type LocalStore interface {
	EntityStore
	QueueStore
	MetadataStore

	Init(ctx context.Context) error
	ClearAll(ctx context.Context) error
	Close() error
	Bus() *events.Bus[string]
}

// Ensure *Store implements the interfaces at compile time.
var (
	_ EntityStore   = (*Store)(nil)
	_ QueueStore    = (*Store)(nil)
	_ MetadataStore = (*Store)(nil)
	_ LocalStore    = (*Store)(nil)
)
