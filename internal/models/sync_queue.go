package models

import (
	"encoding/json"
	"fmt"
)

// OperationType is the kind of mutation a pending operation replays remotely.
type OperationType string

const (
	OperationCreate OperationType = "CREATE"
	OperationUpdate OperationType = "UPDATE"
	OperationDelete OperationType = "DELETE"
)

// Valid reports whether t is a supported operation type.
func (t OperationType) Valid() bool {
	switch t {
	case OperationCreate, OperationUpdate, OperationDelete:
		return true
	}
	return false
}

// PendingOperation is a durable record of an optimistic write awaiting
// remote application.
type PendingOperation struct {
	ID         string          `db:"id" json:"id"`
	Type       OperationType   `db:"type" json:"type"`
	Table      EntityKind      `db:"table_name" json:"table"`
	Data       json.RawMessage `db:"data" json:"data"`
	Timestamp  int64           `db:"timestamp" json:"timestamp"` // epoch millis
	RetryCount int             `db:"retry_count" json:"retry_count"`
	Seq        int64           `db:"seq" json:"-"`
}

// TableName returns the table name for PendingOperation.
func (PendingOperation) TableName() string {
	return QueueTable
}

// QueueTable is the name of the pending-operation table and of its change notifications.
const QueueTable = "pending_operations"

// Fields decodes the operation payload.
func (op *PendingOperation) Fields() (map[string]interface{}, error) {
	fields := make(map[string]interface{})
	if len(op.Data) == 0 {
		return fields, nil
	}
	if err := json.Unmarshal(op.Data, &fields); err != nil {
		return nil, fmt.Errorf("decode %s payload of operation %s: %w", op.Type, op.ID, err)
	}
	return fields, nil
}

// EntityID returns the id carried in the payload, or "" when absent.
func (op *PendingOperation) EntityID() string {
	fields, err := op.Fields()
	if err != nil {
		return ""
	}
	id, _ := fields["id"].(string)
	return id
}
