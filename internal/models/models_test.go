// Package models tests for data model definitions.
package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntityKind_Valid(t *testing.T) {
	for _, k := range Kinds() {
		assert.True(t, k.Valid(), "kind %q", k)
	}
	assert.False(t, EntityKind("documents").Valid())

	_, err := ParseKind("clients")
	assert.Error(t, err)

	k, err := ParseKind("notes")
	require.NoError(t, err)
	assert.Equal(t, KindNotes, k)
}

func TestNewEntity(t *testing.T) {
	tests := []struct {
		kind   EntityKind
		parent func(Entity) string
	}{
		{KindTrips, func(e Entity) string { e.(*Trip).ColumnID = "col-1"; return "col-1" }},
		{KindNotes, func(e Entity) string { e.(*Note).TripID = "trip-1"; return "trip-1" }},
		{KindColumns, func(e Entity) string { return "" }},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			e, err := NewEntity(tt.kind)
			require.NoError(t, err)
			assert.Equal(t, tt.kind, e.Kind())

			want := tt.parent(e)
			assert.Equal(t, want, e.ParentID())

			e.SetEntityID("x-1")
			assert.Equal(t, "x-1", e.EntityID())
		})
	}

	_, err := NewEntity("bogus")
	assert.Error(t, err)
}

func TestTouch(t *testing.T) {
	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	later := created.Add(time.Hour)

	trip := &Trip{}
	trip.Touch(created, true)
	trip.Touch(later, false)

	assert.Equal(t, created, trip.CreatedAt)
	assert.Equal(t, later, trip.UpdatedAt)
}

func TestToRow_dropsOfflineFields(t *testing.T) {
	trip := &Trip{ID: "offline_1", UserID: "u1", Title: "Paris trip", ColumnID: "col-1"}
	trip.IsOffline = true
	trip.OfflineID = "offline_1"

	row, err := ToRow(trip)
	require.NoError(t, err)

	assert.Equal(t, "Paris trip", row["title"])
	assert.Equal(t, "col-1", row["column_id"])
	assert.NotContains(t, row, "is_offline")
	assert.NotContains(t, row, "offline_id")
}

func TestFromRow_confirmedEntity(t *testing.T) {
	row := Row{"id": "srv-9", "user_id": "u1", "trip_id": "t1", "content": "Book ferry", "is_offline": true}

	e, err := FromRow(KindNotes, row)
	require.NoError(t, err)

	note := e.(*Note)
	assert.Equal(t, "srv-9", note.ID)
	assert.Equal(t, "Book ferry", note.Content)
	assert.False(t, note.IsOffline, "rows from the backend are confirmed")
}

func TestMergePatch(t *testing.T) {
	trip := &Trip{ID: "trip-42", Title: "Rome", Position: 1, Destination: "Italy"}

	err := MergePatch(trip, map[string]interface{}{
		"id":       "hijack",
		"title":    "Rome & Naples",
		"position": 3,
	})
	require.NoError(t, err)

	assert.Equal(t, "trip-42", trip.ID, "patch must not change the id")
	assert.Equal(t, "Rome & Naples", trip.Title)
	assert.Equal(t, 3, trip.Position)
	assert.Equal(t, "Italy", trip.Destination)
}

func TestMergePatch_typeMismatch(t *testing.T) {
	trip := &Trip{ID: "trip-1"}
	err := MergePatch(trip, map[string]interface{}{"position": "first"})
	assert.Error(t, err)
}

func TestPendingOperation_EntityID(t *testing.T) {
	op := &PendingOperation{Type: OperationDelete, Data: json.RawMessage(`{"id":"trip-42"}`)}
	assert.Equal(t, "trip-42", op.EntityID())

	bad := &PendingOperation{Data: json.RawMessage(`not json`)}
	assert.Equal(t, "", bad.EntityID())
	_, err := bad.Fields()
	assert.Error(t, err)

	empty := &PendingOperation{}
	fields, err := empty.Fields()
	require.NoError(t, err)
	assert.Empty(t, fields)
}

func TestOperationType_Valid(t *testing.T) {
	for _, op := range []OperationType{OperationCreate, OperationUpdate, OperationDelete} {
		assert.True(t, op.Valid())
	}
	assert.False(t, OperationType("UPSERT").Valid())
}

func TestTableNames(t *testing.T) {
	assert.Equal(t, "trips", Trip{}.TableName())
	assert.Equal(t, "notes", Note{}.TableName())
	assert.Equal(t, "columns", Column{}.TableName())
	assert.Equal(t, "pending_operations", PendingOperation{}.TableName())
	assert.Equal(t, "sync_metadata", SyncMetadata{}.TableName())
}
