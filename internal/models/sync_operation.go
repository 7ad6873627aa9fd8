package models

import "time"

// OperationType is the kind of mutation a sync operation carries.
type OperationType string

const (
	OperationCreate OperationType = "create"
	OperationUpdate OperationType = "update"
	OperationDelete OperationType = "delete"
)

// OperationStatus tracks a queued operation through its lifecycle.
type OperationStatus string

const (
	OperationStatusPending    OperationStatus = "pending"
	OperationStatusProcessing OperationStatus = "processing"
	OperationStatusCompleted  OperationStatus = "completed"
	OperationStatusFailed     OperationStatus = "failed"
)

// SyncOperation is a durable intent to propagate one local mutation.
type SyncOperation struct {
	Seq             int64           `db:"seq" json:"-"`
	ID              string          `db:"id" json:"id"`
	EntityType      string          `db:"entity_type" json:"entity_type"`
	EntityID        string          `db:"entity_id" json:"entity_id"`
	Operation       OperationType   `db:"operation" json:"operation"`
	Data            *Entity         `db:"data" json:"data"`
	Timestamp       time.Time       `db:"timestamp" json:"timestamp"`
	Status          OperationStatus `db:"status" json:"status"`
	RetryCount      int             `db:"retry_count" json:"retry_count"`
	ErrorMessage    string          `db:"error_message" json:"error_message,omitempty"`
	TargetDatabases []string        `db:"target_databases" json:"target_databases"`
	UpdatedAt       time.Time       `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for SyncOperation.
func (SyncOperation) TableName() string {
	return "sync_queue"
}

// QueueStatus summarises the durable queue.
type QueueStatus struct {
	Pending        int `json:"pending"`
	Processing     int `json:"processing"`
	Failed         int `json:"failed"`
	Exhausted      int `json:"exhausted"`
	CompletedToday int `json:"completed_today"`
}
