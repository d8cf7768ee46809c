// Package outbox is the durable queue of local mutations awaiting delivery
// to the remote backend.
//
// Every domain write appends its operation through Enqueue inside the same
// transaction, so the queue and the domain tables never disagree about what
// happened. The dispatcher drains the queue with DequeueReady and reports
// each attempt back through MarkCompleted, MarkFailed or MarkPermanent.
package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mmynk/fieldsync/internal/apperr"
	"github.com/mmynk/fieldsync/internal/clock"
	"github.com/mmynk/fieldsync/internal/models"
	"github.com/mmynk/fieldsync/internal/payload"
	"github.com/mmynk/fieldsync/internal/storage"
)

// NoteSuperseded is recorded on operations completed by a merge instead of
// a delivery.
const NoteSuperseded = "superseded"

// Entry describes one mutation to enqueue.
type Entry struct {
	EntityType string
	EntityID   string
	Kind       models.OperationKind

	// Data is the payload DTO; it is wrapped in a payload.Envelope.
	Data any

	// Priority defaults to models.PriorityNormal when zero.
	Priority int
}

// Outbox manages the sync_outbox table.
type Outbox struct {
	store   storage.Store
	clock   clock.Clock
	policy  Policy
	logger  *slog.Logger
	metrics *metrics

	mu       sync.RWMutex
	notifier func()
}

// Option configures an Outbox.
type Option func(*Outbox)

// WithLogger sets the logger. The default is slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(o *Outbox) { o.logger = l }
}

// WithRegisterer registers the outbox metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *Outbox) { o.metrics = newMetrics(reg) }
}

// New creates an Outbox.
func New(store storage.Store, clk clock.Clock, policy Policy, opts ...Option) *Outbox {
	o := &Outbox{
		store:  store,
		clock:  clk,
		policy: policy,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = newMetrics(nil)
	}
	return o
}

// Policy returns the retry policy in use.
func (o *Outbox) Policy() Policy {
	return o.policy
}

// SetNotifier registers fn to be called by Notify, typically the
// dispatcher's Kick.
func (o *Outbox) SetNotifier(fn func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.notifier = fn
}

// Notify signals that new operations were committed. Writers call it after
// their transaction commits. It never blocks.
func (o *Outbox) Notify() {
	o.mu.RLock()
	fn := o.notifier
	o.mu.RUnlock()
	if fn != nil {
		fn()
	}
}

// Enqueue appends an operation inside the caller's transaction.
//
// The insert runs in a savepoint. If it fails, only the savepoint is rolled
// back, the failure is logged and counted, and nil is returned: the domain
// write still commits and the sweep re-enqueues it later.
func (o *Outbox) Enqueue(ctx context.Context, tx storage.Tx, e Entry) *models.OutboxOperation {
	now := o.clock.Now()

	raw, err := payload.Encode(e.EntityType, e.Kind, e.Data)
	if err != nil {
		o.enqueueFailed(ctx, e, err)
		return nil
	}

	priority := e.Priority
	if priority == 0 {
		priority = models.PriorityNormal
	}

	op := &models.OutboxOperation{
		ID:          ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		EntityType:  e.EntityType,
		EntityID:    e.EntityID,
		Kind:        e.Kind,
		Payload:     raw,
		Priority:    priority,
		Status:      models.StatusPending,
		ScheduledAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err = tx.Savepoint(ctx, "outbox_enqueue", func() error {
		return tx.InsertOutbox(ctx, op)
	})
	if err != nil {
		o.enqueueFailed(ctx, e, err)
		return nil
	}

	o.metrics.enqueued.WithLabelValues(e.EntityType, string(e.Kind)).Inc()
	return op
}

func (o *Outbox) enqueueFailed(ctx context.Context, e Entry, err error) {
	o.metrics.enqueueFailures.WithLabelValues(e.EntityType).Inc()
	o.logger.WarnContext(ctx, "Failed to enqueue sync operation",
		"entity_type", e.EntityType,
		"entity_id", e.EntityID,
		"kind", e.Kind,
		"error", err,
	)
}

// DequeueReady returns up to limit operations that may be dispatched now.
// At most one operation per entity is returned: the oldest unfinished one.
func (o *Outbox) DequeueReady(ctx context.Context, limit int) ([]*models.OutboxOperation, error) {
	return o.store.ReadyOutbox(ctx, o.clock.Now(), limit)
}

// MarkProcessing claims an operation. It reports false when another worker
// claimed it first or it is no longer PENDING.
func (o *Outbox) MarkProcessing(ctx context.Context, id string) (bool, error) {
	var claimed bool
	err := o.store.WithTx(ctx, func(tx storage.Tx) error {
		var err error
		claimed, err = tx.ClaimOutbox(ctx, id, o.clock.Now())
		return err
	})
	return claimed, err
}

// MarkCompleted records a successful delivery. A non-empty note is kept in
// lastError for audit (e.g. NoteSuperseded).
func (o *Outbox) MarkCompleted(ctx context.Context, id, note string) error {
	return o.store.WithTx(ctx, func(tx storage.Tx) error {
		return tx.CompleteOutbox(ctx, id, note, o.clock.Now())
	})
}

// Failure is the outcome of MarkFailed.
type Failure struct {
	RetryCount  int
	ScheduledAt time.Time

	// Terminal is true when the operation exhausted its retries.
	Terminal bool
}

// MarkFailed records a transient failure: retryCount is incremented and the
// operation is rescheduled with exponential backoff, or parked as FAILED
// once MaxRetries is reached.
func (o *Outbox) MarkFailed(ctx context.Context, id string, cause error) (Failure, error) {
	var f Failure
	err := o.store.WithTx(ctx, func(tx storage.Tx) error {
		op, err := tx.GetOutbox(ctx, id)
		if err != nil {
			return err
		}
		now := o.clock.Now()
		f = Failure{RetryCount: op.RetryCount + 1}

		if o.policy.Exhausted(f.RetryCount) {
			f.Terminal = true
			return tx.FailOutbox(ctx, id, f.RetryCount, errorText(cause), now)
		}
		f.ScheduledAt = now.Add(o.policy.Backoff(f.RetryCount))
		return tx.RescheduleOutbox(ctx, id, f.RetryCount, f.ScheduledAt, errorText(cause), now)
	})
	return f, err
}

// MarkPermanent parks an operation as FAILED without retrying.
func (o *Outbox) MarkPermanent(ctx context.Context, id string, cause error) error {
	return o.store.WithTx(ctx, func(tx storage.Tx) error {
		op, err := tx.GetOutbox(ctx, id)
		if err != nil {
			return err
		}
		return tx.FailOutbox(ctx, id, op.RetryCount, errorText(cause), o.clock.Now())
	})
}

// ReleaseProcessing returns operations left PROCESSING by a crash to
// PENDING. It must run before the dispatcher starts.
func (o *Outbox) ReleaseProcessing(ctx context.Context) (int64, error) {
	var n int64
	err := o.store.WithTx(ctx, func(tx storage.Tx) error {
		var err error
		n, err = tx.ReleaseProcessingOutbox(ctx, o.clock.Now())
		return err
	})
	if err == nil && n > 0 {
		o.logger.InfoContext(ctx, "Released abandoned sync operations", "count", n)
	}
	return n, err
}

// Collect removes COMPLETED operations older than the retention window.
func (o *Outbox) Collect(ctx context.Context) (int64, error) {
	cutoff := o.clock.Now().Add(-o.policy.Retention)
	var n int64
	err := o.store.WithTx(ctx, func(tx storage.Tx) error {
		var err error
		n, err = tx.PurgeCompletedOutbox(ctx, cutoff)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to collect outbox: %w", err)
	}
	o.metrics.purged.Add(float64(n))
	return n, nil
}

// Requeue moves one terminally FAILED operation back to PENDING.
func (o *Outbox) Requeue(ctx context.Context, id string) error {
	err := o.store.WithTx(ctx, func(tx storage.Tx) error {
		ok, err := tx.RequeueOutbox(ctx, id, o.clock.Now())
		if err != nil {
			return err
		}
		if !ok {
			if _, err := tx.GetOutbox(ctx, id); err != nil {
				return err
			}
			return apperr.Validation("operation %s is not FAILED", id)
		}
		return nil
	})
	if err == nil {
		o.Notify()
	}
	return err
}

// RequeueFailed moves up to limit FAILED operations back to PENDING.
func (o *Outbox) RequeueFailed(ctx context.Context, limit int) (int, error) {
	var n int
	err := o.store.WithTx(ctx, func(tx storage.Tx) error {
		n = 0
		failed, err := tx.ListOutbox(ctx, models.StatusFailed, limit)
		if err != nil {
			return err
		}
		now := o.clock.Now()
		for _, op := range failed {
			ok, err := tx.RequeueOutbox(ctx, op.ID, now)
			if err != nil {
				return err
			}
			if ok {
				n++
			}
		}
		return nil
	})
	if err == nil && n > 0 {
		o.Notify()
	}
	return n, err
}

// Get returns one operation.
func (o *Outbox) Get(ctx context.Context, id string) (*models.OutboxOperation, error) {
	return o.store.GetOutbox(ctx, id)
}

// List returns operations with the given status.
func (o *Outbox) List(ctx context.Context, status models.OperationStatus, limit int) ([]*models.OutboxOperation, error) {
	return o.store.ListOutbox(ctx, status, limit)
}

// Summary counts operations by status.
func (o *Outbox) Summary(ctx context.Context) (models.OutboxSummary, error) {
	return o.store.SummarizeOutbox(ctx)
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
