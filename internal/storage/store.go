// Package storage provides abstractions for persistent data storage.
package storage

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmynk/fieldsync/internal/models"
)

// Store defines the device store.
// Reads through the embedded Queries run outside any transaction; every
// write goes through WithTx so the domain change and its outbox entry commit
// together.
type Store interface {
	Queries

	// WithTx runs fn inside a write transaction. The write lock is taken at
	// BEGIN, so concurrent WithTx calls are serialized. fn may be invoked
	// more than once if the database stays busy; it must not have effects
	// outside tx.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// Close releases any resources held by the store.
	Close() error
}

// Tx is a write transaction.
type Tx interface {
	Queries

	// Savepoint runs fn inside a nested savepoint. If fn fails, only the
	// work done since the savepoint is rolled back and the error is returned;
	// the enclosing transaction stays usable.
	Savepoint(ctx context.Context, name string, fn func() error) error
}

// Queries is the full set of table operations. Lookups of a missing row
// return an apperr NOT_FOUND error.
type Queries interface {
	ClientQueries
	AssetQueries
	CycleQueries
	SettlementQueries
	ExpenseQueries
	OutboxQueries
	SyncMetadataQueries

	// ListUnsynced returns the ids of rows of entityType changed at or after
	// since that have no outbox operation created at or after their change.
	ListUnsynced(ctx context.Context, entityType string, since time.Time) ([]string, error)

	// MarkSynced flags a row as written from the backend. ListUnsynced skips
	// it until it changes locally.
	MarkSynced(ctx context.Context, entityType, id string) error
}

type ClientQueries interface {
	InsertClient(ctx context.Context, c *models.Client) error
	UpdateClient(ctx context.Context, c *models.Client) error
	DeleteClient(ctx context.Context, id string) error
	GetClient(ctx context.Context, id string) (*models.Client, error)
	ListClients(ctx context.Context) ([]*models.Client, error)
	ListClientsByRoute(ctx context.Context, routeID string) ([]*models.Client, error)

	// SetCachedDebt writes the cached balance and bumps CachedDebtUpdatedAt,
	// even when the value is unchanged.
	SetCachedDebt(ctx context.Context, clientID string, debt decimal.Decimal, at time.Time) error
}

type AssetQueries interface {
	InsertAsset(ctx context.Context, a *models.Asset) error
	UpdateAsset(ctx context.Context, a *models.Asset) error
	DeleteAsset(ctx context.Context, id string) error
	GetAsset(ctx context.Context, id string) (*models.Asset, error)
	ListAssetsByClient(ctx context.Context, clientID string) ([]*models.Asset, error)

	// ReassignAssets moves every asset of fromClientID to toClientID and
	// returns the ids of the moved rows.
	ReassignAssets(ctx context.Context, fromClientID, toClientID string, at time.Time) ([]string, error)
}

type CycleQueries interface {
	InsertCycle(ctx context.Context, c *models.SettlementCycle) error
	UpdateCycle(ctx context.Context, c *models.SettlementCycle) error
	GetCycle(ctx context.Context, id string) (*models.SettlementCycle, error)
	ListCyclesByRoute(ctx context.Context, routeID string) ([]*models.SettlementCycle, error)

	// ActiveCycle returns the IN_PROGRESS cycle of a route.
	ActiveCycle(ctx context.Context, routeID string) (*models.SettlementCycle, error)

	// MaxSequence returns the highest sequence number used by a route in a
	// year, or 0.
	MaxSequence(ctx context.Context, routeID string, year int) (int, error)
}

type SettlementQueries interface {
	InsertSettlement(ctx context.Context, s *models.Settlement) error

	// InsertSettlementIfAbsent inserts s unless a row with its id exists.
	InsertSettlementIfAbsent(ctx context.Context, s *models.Settlement) (bool, error)

	DeleteSettlement(ctx context.Context, id string) error
	GetSettlement(ctx context.Context, id string) (*models.Settlement, error)

	// LatestSettlement returns the client's most recent settlement ordered by
	// (timestamp, createdAt, insertion order).
	LatestSettlement(ctx context.Context, clientID string) (*models.Settlement, error)

	// ListSettlementsByClient returns settlements oldest first.
	ListSettlementsByClient(ctx context.Context, clientID string) ([]*models.Settlement, error)
	ListSettlementsByCycle(ctx context.Context, cycleID string) ([]*models.Settlement, error)

	// ReassignSettlements moves every settlement of fromClientID to
	// toClientID and returns the ids of the moved rows.
	ReassignSettlements(ctx context.Context, fromClientID, toClientID string) ([]string, error)
}

type ExpenseQueries interface {
	InsertExpense(ctx context.Context, e *models.Expense) error
	UpdateExpense(ctx context.Context, e *models.Expense) error
	DeleteExpense(ctx context.Context, id string) error
	GetExpense(ctx context.Context, id string) (*models.Expense, error)
	ListExpensesByCycle(ctx context.Context, cycleID string) ([]*models.Expense, error)
	ListExpensesByPeriod(ctx context.Context, year, cycleNumber int) ([]*models.Expense, error)
}

type OutboxQueries interface {
	// InsertOutbox persists op and fills in op.Seq.
	InsertOutbox(ctx context.Context, op *models.OutboxOperation) error
	GetOutbox(ctx context.Context, id string) (*models.OutboxOperation, error)

	// ReadyOutbox returns PENDING operations scheduled at or before now,
	// ordered by priority desc, createdAt asc, seq asc. An operation is
	// skipped while an older PENDING or PROCESSING operation exists for the
	// same entity.
	ReadyOutbox(ctx context.Context, now time.Time, limit int) ([]*models.OutboxOperation, error)

	// ClaimOutbox moves a PENDING operation to PROCESSING. It reports false
	// when the operation was no longer PENDING.
	ClaimOutbox(ctx context.Context, id string, now time.Time) (bool, error)

	// CompleteOutbox marks an operation COMPLETED with an optional note.
	CompleteOutbox(ctx context.Context, id string, note string, now time.Time) error

	// RescheduleOutbox returns an operation to PENDING with a new schedule.
	RescheduleOutbox(ctx context.Context, id string, retryCount int, scheduledAt time.Time, lastError string, now time.Time) error

	// FailOutbox marks an operation terminally FAILED.
	FailOutbox(ctx context.Context, id string, retryCount int, lastError string, now time.Time) error

	// RequeueOutbox moves a FAILED operation back to PENDING with retryCount
	// reset. It reports false when the operation was not FAILED.
	RequeueOutbox(ctx context.Context, id string, now time.Time) (bool, error)

	ListOutbox(ctx context.Context, status models.OperationStatus, limit int) ([]*models.OutboxOperation, error)

	// ListPendingOutbox returns every PENDING operation in dispatch order.
	ListPendingOutbox(ctx context.Context) ([]*models.OutboxOperation, error)

	// PurgeCompletedOutbox deletes COMPLETED operations last updated before
	// cutoff.
	PurgeCompletedOutbox(ctx context.Context, cutoff time.Time) (int64, error)

	// ReleaseProcessingOutbox returns every PROCESSING operation to PENDING.
	ReleaseProcessingOutbox(ctx context.Context, now time.Time) (int64, error)

	// SupersedeOutbox completes every PENDING operation of the given kind for
	// an entity, recording note as the reason.
	SupersedeOutbox(ctx context.Context, entityType, entityID string, kind models.OperationKind, note string, now time.Time) (int64, error)

	// RetargetOutbox rewrites the entity id of PENDING operations.
	RetargetOutbox(ctx context.Context, entityType, fromID, toID string, now time.Time) (int64, error)

	UpdateOutboxPayload(ctx context.Context, id string, payload []byte, now time.Time) error
	SummarizeOutbox(ctx context.Context) (models.OutboxSummary, error)
}

type SyncMetadataQueries interface {
	// GetSyncMetadata returns the bookkeeping for key, or a zero value
	// carrying only the key when none was recorded.
	GetSyncMetadata(ctx context.Context, key string) (*models.SyncMetadata, error)
	PutSyncMetadata(ctx context.Context, m *models.SyncMetadata) error
	ListSyncMetadata(ctx context.Context) ([]*models.SyncMetadata, error)
}
