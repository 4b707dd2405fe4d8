package models

import "encoding/json"

// OperationType identifies the remote mutation a queued operation replays.
type OperationType string

const (
	OpCreateMemory  OperationType = "create-memory"
	OpUpdateMemory  OperationType = "update-memory"
	OpDeleteMemory  OperationType = "delete-memory"
	OpUpdateProfile OperationType = "update-profile"
)

// QueuedOperation represents a mutation recorded while offline (or after a
// failed attempt), waiting to be replayed against the remote API.
// The payload is opaque to the queue and forwarded verbatim to the executor.
type QueuedOperation struct {
	ID         UUID            `db:"id" json:"id"`
	Type       OperationType   `db:"op_type" json:"op_type"`
	Payload    json.RawMessage `db:"payload" json:"payload"`
	RetryCount int             `db:"retry_count" json:"retry_count"`
	MaxRetries int             `db:"max_retries" json:"max_retries"`
	LastError  string          `db:"last_error" json:"last_error,omitempty"`
	CreatedAt  int64           `db:"created_at" json:"created_at"`
}

// TableName returns the table name for QueuedOperation.
func (QueuedOperation) TableName() string {
	return "sync_queue"
}
