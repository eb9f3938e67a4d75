package models

import "time"

// Column is a kanban column grouping trips by stage.
type Column struct {
	ID        string    `db:"id" json:"id"`
	UserID    string    `db:"user_id" json:"user_id"`
	Title     string    `db:"title" json:"title"`
	Color     string    `db:"color" json:"color,omitempty"`
	Position  int       `db:"position" json:"position"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
	OfflineState
}

// TableName returns the table name for Column.
func (Column) TableName() string {
	return string(KindColumns)
}

func (c *Column) Kind() EntityKind      { return KindColumns }
func (c *Column) EntityID() string      { return c.ID }
func (c *Column) SetEntityID(id string) { c.ID = id }
func (c *Column) OwnerID() string       { return c.UserID }

// ParentID is empty: columns hang directly off the owning user's board.
func (c *Column) ParentID() string { return "" }

func (c *Column) Touch(now time.Time, created bool) {
	if created {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
}
