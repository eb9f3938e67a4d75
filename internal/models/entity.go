// Package models provides data model definitions for the trip planner sync core.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// EntityKind names one of the cached entity tables.
type EntityKind string

const (
	KindTrips   EntityKind = "trips"
	KindNotes   EntityKind = "notes"
	KindColumns EntityKind = "columns"
)

// Kinds returns every cached entity kind.
func Kinds() []EntityKind {
	return []EntityKind{KindTrips, KindNotes, KindColumns}
}

// Valid reports whether k is a supported entity kind.
func (k EntityKind) Valid() bool {
	switch k {
	case KindTrips, KindNotes, KindColumns:
		return true
	}
	return false
}

// ParseKind converts a table name into an EntityKind.
func ParseKind(s string) (EntityKind, error) {
	k := EntityKind(s)
	if !k.Valid() {
		return "", fmt.Errorf("unsupported entity kind %q", s)
	}
	return k, nil
}

// OfflineState carries the local-write bookkeeping of a cached entity.
type OfflineState struct {
	IsOffline bool   `db:"is_offline" json:"is_offline"`
	OfflineID string `db:"offline_id" json:"offline_id,omitempty"`
}

// Offline returns the entity's offline bookkeeping.
func (s *OfflineState) Offline() *OfflineState {
	return s
}

// Entity is implemented by every cached entity kind.
type Entity interface {
	Kind() EntityKind
	EntityID() string
	SetEntityID(id string)
	OwnerID() string
	// ParentID is the id used by the by-parent index ("" when the kind has no parent).
	ParentID() string
	Offline() *OfflineState
	// Touch stamps updated_at, and created_at as well when created is true.
	Touch(now time.Time, created bool)
}

// NewEntity returns an empty entity of the given kind.
func NewEntity(kind EntityKind) (Entity, error) {
	switch kind {
	case KindTrips:
		return &Trip{}, nil
	case KindNotes:
		return &Note{}, nil
	case KindColumns:
		return &Column{}, nil
	}
	return nil, fmt.Errorf("unsupported entity kind %q", kind)
}

// DecodeEntity unmarshals JSON data into an entity of the given kind.
func DecodeEntity(kind EntityKind, data []byte) (Entity, error) {
	e, err := NewEntity(kind)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, e); err != nil {
		return nil, fmt.Errorf("decode %s: %w", kind, err)
	}
	return e, nil
}

// Row is a table row as exchanged with the remote backend.
type Row map[string]interface{}

// ToRow converts an entity into a remote row, dropping local bookkeeping fields.
func ToRow(e Entity) (Row, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", e.Kind(), err)
	}
	var row Row
	if err := json.Unmarshal(data, &row); err != nil {
		return nil, fmt.Errorf("encode %s: %w", e.Kind(), err)
	}
	delete(row, "is_offline")
	delete(row, "offline_id")
	return row, nil
}

// FromRow converts a remote row into a confirmed entity of the given kind.
func FromRow(kind EntityKind, row Row) (Entity, error) {
	data, err := json.Marshal(row)
	if err != nil {
		return nil, fmt.Errorf("decode %s row: %w", kind, err)
	}
	e, err := DecodeEntity(kind, data)
	if err != nil {
		return nil, err
	}
	*e.Offline() = OfflineState{}
	return e, nil
}

// MergePatch overlays patch onto e. The entity id is never changed by a patch.
func MergePatch(e Entity, patch map[string]interface{}) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	fields := make(map[string]interface{})
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	for k, v := range patch {
		if k == "id" {
			continue
		}
		fields[k] = v
	}
	merged, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	id := e.EntityID()
	if err := json.Unmarshal(merged, e); err != nil {
		return fmt.Errorf("apply patch to %s %s: %w", e.Kind(), id, err)
	}
	e.SetEntityID(id)
	return nil
}
