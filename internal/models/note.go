package models

import "time"

// Note is a free-text note attached to a trip.
type Note struct {
	ID        string    `db:"id" json:"id"`
	UserID    string    `db:"user_id" json:"user_id"`
	TripID    string    `db:"trip_id" json:"trip_id"`
	Content   string    `db:"content" json:"content"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
	OfflineState
}

// TableName returns the table name for Note.
func (Note) TableName() string {
	return string(KindNotes)
}

func (n *Note) Kind() EntityKind      { return KindNotes }
func (n *Note) EntityID() string      { return n.ID }
func (n *Note) SetEntityID(id string) { n.ID = id }
func (n *Note) OwnerID() string       { return n.UserID }
func (n *Note) ParentID() string      { return n.TripID }

func (n *Note) Touch(now time.Time, created bool) {
	if created {
		n.CreatedAt = now
	}
	n.UpdatedAt = now
}
