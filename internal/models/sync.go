package models

import "time"

// Entity types propagated to the remote backend.
const (
	EntityClient     = "client"
	EntityAsset      = "asset"
	EntityCycle      = "cycle"
	EntitySettlement = "settlement"
	EntityExpense    = "expense"
)

// OperationKind is the mutation carried by an outbox operation.
type OperationKind string

const (
	KindCreate OperationKind = "CREATE"
	KindUpdate OperationKind = "UPDATE"
	KindDelete OperationKind = "DELETE"
)

// OperationStatus is the delivery state of an outbox operation.
type OperationStatus string

const (
	StatusPending    OperationStatus = "PENDING"
	StatusProcessing OperationStatus = "PROCESSING"
	StatusCompleted  OperationStatus = "COMPLETED"

	// StatusFailed is terminal: the operation exceeded its retries or was
	// rejected permanently and waits for operator inspection.
	StatusFailed OperationStatus = "FAILED"
)

// Default priorities. Higher values are dispatched first.
const (
	PriorityLow    = 0
	PriorityNormal = 5
	PriorityHigh   = 10
)

// OutboxOperation is one mutation awaiting delivery to the remote backend.
// It is written in the same transaction as the domain change it describes.
type OutboxOperation struct {
	// ID is a ULID, lexically sortable by creation time.
	ID string

	// Seq is the local insertion order, used to break createdAt ties.
	Seq int64

	EntityType string
	EntityID   string
	Kind       OperationKind

	// Payload is a payload.Envelope encoded as JSON.
	Payload []byte

	Priority    int
	Status      OperationStatus
	RetryCount  int
	ScheduledAt time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}

// OutboxSummary reports queue depth by status.
type OutboxSummary struct {
	Pending         int
	Processing      int
	Completed       int
	Failed          int
	OldestPendingAt time.Time
}

// SyncMetadata is the per entity type watermark for incremental pulls and
// the bookkeeping of the last push.
type SyncMetadata struct {
	EntityType        string
	LastSyncTimestamp time.Time
	LastSyncCount     int
	LastDuration      time.Duration
	LastError         string
	UpdatedAt         time.Time
}
