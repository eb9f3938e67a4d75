package models

// MetadataKey is the key of the singleton sync metadata record.
const MetadataKey = "status"

// MetadataTable is the name of the metadata table and of its change notifications.
const MetadataTable = "sync_metadata"

// SyncMetadata is the persisted connectivity and sync bookkeeping.
type SyncMetadata struct {
	Key                    string `db:"key" json:"key"`
	IsOnline               bool   `db:"is_online" json:"is_online"`
	LastSyncTimestamp      int64  `db:"last_sync_timestamp" json:"last_sync_timestamp"` // epoch millis, 0 = never
	PendingOperationsCount int    `db:"pending_operations_count" json:"pending_operations_count"`
}

// TableName returns the table name for SyncMetadata.
func (SyncMetadata) TableName() string {
	return MetadataTable
}

// MetadataPatch is a partial update of SyncMetadata; nil fields are left unchanged.
type MetadataPatch struct {
	IsOnline          *bool
	LastSyncTimestamp *int64
}
