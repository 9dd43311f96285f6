package models

import "time"

// OperationStatus is the lifecycle state of a queued operation.
type OperationStatus string

const (
	StatusPending OperationStatus = "pending"
	StatusSyncing OperationStatus = "syncing"
	StatusFailed  OperationStatus = "failed"
)

func (s OperationStatus) Valid() bool {
	switch s {
	case StatusPending, StatusSyncing, StatusFailed:
		return true
	default:
		return false
	}
}

// QueuedOperation is a user write action waiting in the client queue.
type QueuedOperation struct {
	ID        string          `json:"id"`
	Action    string          `json:"action"`
	Payload   Payload         `json:"payload"`
	Timestamp int64           `json:"timestamp"`
	Status    OperationStatus `json:"status"`
	Retries   int             `json:"retries"`
	LastError *string         `json:"last_error,omitempty"`
}

// CreatedAt converts the millisecond timestamp for display.
func (o QueuedOperation) CreatedAt() time.Time {
	return time.UnixMilli(o.Timestamp)
}

// Mutation strips client-local fields for the wire.
func (o QueuedOperation) Mutation() SyncMutation {
	return SyncMutation{
		Action:    o.Action,
		Payload:   o.Payload,
		Timestamp: o.Timestamp,
	}
}

// QueueStatus is a derived summary of the queue.
type QueueStatus struct {
	Pending  int  `json:"pending"`
	Failed   int  `json:"failed"`
	IsOnline bool `json:"isOnline"`
}
