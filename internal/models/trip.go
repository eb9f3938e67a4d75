package models

import "time"

// Trip is a card on the kanban trip planner board.
type Trip struct {
	ID          string    `db:"id" json:"id"`
	UserID      string    `db:"user_id" json:"user_id"`
	ColumnID    string    `db:"column_id" json:"column_id"`
	Title       string    `db:"title" json:"title"`
	Description string    `db:"description" json:"description,omitempty"`
	Destination string    `db:"destination" json:"destination,omitempty"`
	StartDate   string    `db:"start_date" json:"start_date,omitempty"` // YYYY-MM-DD
	EndDate     string    `db:"end_date" json:"end_date,omitempty"`     // YYYY-MM-DD
	Position    int       `db:"position" json:"position"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
	OfflineState
}

// TableName returns the table name for Trip.
func (Trip) TableName() string {
	return string(KindTrips)
}

func (t *Trip) Kind() EntityKind      { return KindTrips }
func (t *Trip) EntityID() string      { return t.ID }
func (t *Trip) SetEntityID(id string) { t.ID = id }
func (t *Trip) OwnerID() string       { return t.UserID }
func (t *Trip) ParentID() string      { return t.ColumnID }

func (t *Trip) Touch(now time.Time, created bool) {
	if created {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
}
