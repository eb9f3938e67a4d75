// Package remote talks to the hosted relational backend that owns the
// authoritative copy of trips, notes and columns.
package remote

import (
	"context"
	"errors"
	"fmt"

	"github.com/kimhsiao/tripplanner/internal/config"
	"github.com/kimhsiao/tripplanner/internal/models"
)

// ErrRowNotFound is returned by Update when no row has the given id.
var ErrRowNotFound = errors.New("row not found")

// Filter narrows a Select. Empty fields match everything.
type Filter struct {
	UserID   string
	ParentID string
}

// Backend is the table-oriented CRUD surface of the remote data store.
// Every call may fail or time out; callers decide whether to retry.
type Backend interface {
	// Insert stores row and returns it as persisted, including the
	// server-assigned id.
	Insert(ctx context.Context, kind models.EntityKind, row models.Row) (models.Row, error)

	// Update applies a partial update to the row with the given id.
	Update(ctx context.Context, kind models.EntityKind, id string, patch models.Row) error

	// Delete removes the row with the given id. Deleting an absent row is not an error.
	Delete(ctx context.Context, kind models.EntityKind, id string) error

	// Select returns the rows matching filter.
	Select(ctx context.Context, kind models.EntityKind, filter Filter) ([]models.Row, error)

	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error

	Close() error
}

// columns lists the remote columns of each kind. Row keys outside this
// set are never sent to the backend.
var columns = map[models.EntityKind][]string{
	models.KindTrips: {
		"id", "user_id", "column_id", "title", "description", "destination",
		"start_date", "end_date", "position", "created_at", "updated_at",
	},
	models.KindNotes: {
		"id", "user_id", "trip_id", "content", "created_at", "updated_at",
	},
	models.KindColumns: {
		"id", "user_id", "title", "color", "position", "created_at", "updated_at",
	},
}

// parentColumn names the column a by-parent filter matches against.
var parentColumn = map[models.EntityKind]string{
	models.KindTrips: "column_id",
	models.KindNotes: "trip_id",
}

func columnSet(kind models.EntityKind) (map[string]bool, error) {
	cols, ok := columns[kind]
	if !ok {
		return nil, fmt.Errorf("unsupported entity kind %q", kind)
	}
	set := make(map[string]bool, len(cols))
	for _, c := range cols {
		set[c] = true
	}
	return set, nil
}

// Open creates the backend selected by cfg.
func Open(cfg config.RemoteConfig) (Backend, error) {
	switch cfg.Driver {
	case config.DriverMemory, "":
		return NewMemory(), nil
	case config.DriverPostgres:
		return NewPostgres(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported remote driver: %s", cfg.Driver)
	}
}
