// Package dispatch drains the outbox to the remote backend.
//
// Each drain round dequeues a batch of ready operations and delivers them on
// a bounded worker pool. The outbox hands out at most one operation per
// entity per batch, so operations on one entity are delivered in the order
// they were enqueued while different entities proceed concurrently.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/mmynk/fieldsync/internal/apperr"
	"github.com/mmynk/fieldsync/internal/clock"
	"github.com/mmynk/fieldsync/internal/models"
	"github.com/mmynk/fieldsync/internal/outbox"
	"github.com/mmynk/fieldsync/internal/payload"
	"github.com/mmynk/fieldsync/internal/storage"
)

// Backend is the remote system of record.
//
// Implementations return apperr TRANSIENT_SYNC, PERMANENT_SYNC or
// IDENTITY_CONFLICT errors. Any other error is treated as transient.
type Backend interface {
	// Upsert creates or replaces an entity. It must be idempotent.
	Upsert(ctx context.Context, entityType, entityID string, data json.RawMessage) error

	// Delete removes an entity. Deleting a missing entity succeeds.
	Delete(ctx context.Context, entityType, entityID string) error
}

// Merger folds a local record into the canonical record the backend already
// knows under another id.
type Merger interface {
	Merge(ctx context.Context, entityType, staleID, canonicalID string) error
}

// Config tunes the dispatcher.
type Config struct {
	// Workers bounds concurrent deliveries.
	Workers int

	// BatchSize is the number of operations dequeued per round.
	BatchSize int

	// Interval is the period of the background drain.
	Interval time.Duration

	// OperationTimeout bounds one backend call.
	OperationTimeout time.Duration

	// GCInterval and SweepInterval schedule outbox maintenance. Zero
	// disables the task.
	GCInterval    time.Duration
	SweepInterval time.Duration
}

// DefaultConfig returns the dispatcher defaults.
func DefaultConfig() Config {
	return Config{
		Workers:          4,
		BatchSize:        32,
		Interval:         30 * time.Second,
		OperationTimeout: 15 * time.Second,
		GCInterval:       time.Hour,
		SweepInterval:    10 * time.Minute,
	}
}

// Dispatcher delivers outbox operations.
type Dispatcher struct {
	outbox  *outbox.Outbox
	store   storage.Store
	backend Backend
	merger  Merger
	clock   clock.Clock
	cfg     Config
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *metrics
	events  broker

	kick chan struct{}

	mu        sync.Mutex
	running   bool
	lastError string
	lastRound time.Time
	lastGC    time.Time
	lastSweep time.Time
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger. The default is slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithRegisterer registers the dispatcher metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(d *Dispatcher) { d.metrics = newMetrics(reg) }
}

// WithTracer sets the tracer. The default comes from the global provider.
func WithTracer(t trace.Tracer) Option {
	return func(d *Dispatcher) { d.tracer = t }
}

// New creates a Dispatcher. merger may be nil, in which case identity
// conflicts park the operation.
func New(ob *outbox.Outbox, store storage.Store, backend Backend, merger Merger, clk clock.Clock, cfg Config, opts ...Option) *Dispatcher {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = def.OperationTimeout
	}

	d := &Dispatcher{
		outbox:  ob,
		store:   store,
		backend: backend,
		merger:  merger,
		clock:   clk,
		cfg:     cfg,
		logger:  slog.Default(),
		tracer:  otel.Tracer("github.com/mmynk/fieldsync/internal/dispatch"),
		kick:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.metrics == nil {
		d.metrics = newMetrics(nil)
	}
	return d
}

// Kick requests a drain. It never blocks and repeated kicks coalesce.
func (d *Dispatcher) Kick() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// ConnectivityRegained requests an immediate drain after the device comes
// back online.
func (d *Dispatcher) ConnectivityRegained() {
	d.logger.Info("Connectivity regained, draining outbox")
	d.Kick()
}

// Subscribe returns a channel of dispatch events and a function that
// unsubscribes and closes it. Events are dropped when the channel is full.
func (d *Dispatcher) Subscribe(buffer int) (<-chan Event, func()) {
	return d.events.subscribe(buffer)
}

// Run drains the outbox until ctx is canceled: once at start, on every Kick
// and on every Interval tick. Operations left PROCESSING by a previous crash
// are released first.
func (d *Dispatcher) Run(ctx context.Context) error {
	if _, err := d.outbox.ReleaseProcessing(ctx); err != nil {
		return fmt.Errorf("failed to release abandoned operations: %w", err)
	}
	d.outbox.SetNotifier(d.Kick)
	defer d.outbox.SetNotifier(nil)

	d.setRunning(true)
	defer d.setRunning(false)

	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	d.logger.InfoContext(ctx, "Dispatcher started",
		"workers", d.cfg.Workers,
		"interval", d.cfg.Interval,
	)
	d.Kick()
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("Dispatcher stopped")
			return nil
		case <-ticker.C:
		case <-d.kick:
		}

		d.maintain(ctx)
		if _, err := d.Drain(ctx); err != nil && ctx.Err() == nil {
			d.logger.ErrorContext(ctx, "Drain failed", "error", err)
		}
	}
}

// Round summarizes a Drain.
type Round struct {
	Delivered int
	Retried   int
	Parked    int
	Merged    int
}

func (r *Round) add(o Outcome) {
	switch o {
	case OutcomeDelivered:
		r.Delivered++
	case OutcomeRetry:
		r.Retried++
	case OutcomeParked:
		r.Parked++
	case OutcomeMerged:
		r.Merged++
	}
}

// Drain dispatches ready operations until none are left or ctx is done.
func (d *Dispatcher) Drain(ctx context.Context) (Round, error) {
	var total Round
	started := d.clock.Now()
	perType := make(map[string]*pushStats)

	for ctx.Err() == nil {
		batch, err := d.outbox.DequeueReady(ctx, d.cfg.BatchSize)
		if err != nil {
			return total, err
		}
		if len(batch) == 0 {
			break
		}
		d.metrics.rounds.Inc()

		outcomes := make([]Outcome, len(batch))
		errs := make([]error, len(batch))
		var g errgroup.Group
		g.SetLimit(d.cfg.Workers)
		for i, op := range batch {
			g.Go(func() error {
				outcomes[i], errs[i] = d.process(ctx, op)
				return nil
			})
		}
		_ = g.Wait()

		progressed := false
		for i, op := range batch {
			total.add(outcomes[i])
			if outcomes[i] != OutcomeSkipped {
				progressed = true
			}
			st := perType[op.EntityType]
			if st == nil {
				st = &pushStats{}
				perType[op.EntityType] = st
			}
			st.record(outcomes[i], errs[i])
		}
		if !progressed {
			break
		}
	}

	d.recordPush(context.WithoutCancel(ctx), perType, d.clock.Now().Sub(started))
	d.refreshGauges(context.WithoutCancel(ctx))

	d.mu.Lock()
	d.lastRound = d.clock.Now()
	d.mu.Unlock()
	return total, nil
}

// process delivers one operation and records the result. Results are
// written with a context detached from ctx, so an attempt interrupted by
// shutdown is rescheduled instead of left PROCESSING.
func (d *Dispatcher) process(ctx context.Context, op *models.OutboxOperation) (Outcome, error) {
	claimed, err := d.outbox.MarkProcessing(ctx, op.ID)
	if err != nil || !claimed {
		return OutcomeSkipped, err
	}
	// A merge may have rewritten the payload while the operation was still
	// PENDING; once PROCESSING it is left alone.
	current, err := d.outbox.Get(ctx, op.ID)
	if err != nil {
		// The claim must not outlive this attempt or it holds every later
		// operation of the entity.
		d.setLastError(err)
		logger := d.logger.With("operation_id", op.ID, "entity_type", op.EntityType, "entity_id", op.EntityID)
		outcome, rerr := d.retry(context.WithoutCancel(ctx), logger, op, err)
		if rerr != nil {
			return outcome, rerr
		}
		return outcome, err
	}
	op = current

	ctx, span := d.tracer.Start(ctx, "dispatch "+op.EntityType,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("fieldsync.operation_id", op.ID),
			attribute.String("fieldsync.entity_type", op.EntityType),
			attribute.String("fieldsync.entity_id", op.EntityID),
			attribute.String("fieldsync.kind", string(op.Kind)),
			attribute.Int("fieldsync.retry_count", op.RetryCount),
		),
	)
	defer span.End()

	start := time.Now()
	cause := d.deliver(ctx, op)
	d.metrics.duration.WithLabelValues(op.EntityType).Observe(time.Since(start).Seconds())

	detached := context.WithoutCancel(ctx)
	outcome, err := d.settle(detached, op, cause)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		d.logger.ErrorContext(detached, "Failed to record dispatch result",
			"operation_id", op.ID,
			"error", err,
		)
		return outcome, err
	}
	if cause != nil {
		span.RecordError(cause)
		span.SetStatus(codes.Error, cause.Error())
	}
	span.SetAttributes(attribute.String("fieldsync.outcome", outcome.String()))

	d.metrics.operations.WithLabelValues(op.EntityType, outcome.String()).Inc()
	d.events.publish(Event{
		OperationID: op.ID,
		EntityType:  op.EntityType,
		EntityID:    op.EntityID,
		Kind:        op.Kind,
		Outcome:     outcome,
		Err:         cause,
		At:          d.clock.Now(),
	})
	return outcome, cause
}

func (d *Dispatcher) deliver(ctx context.Context, op *models.OutboxOperation) error {
	env, err := payload.Decode(op.Payload)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.OperationTimeout)
	defer cancel()

	switch op.Kind {
	case models.KindCreate, models.KindUpdate:
		return d.backend.Upsert(ctx, op.EntityType, op.EntityID, env.Data)
	case models.KindDelete:
		return d.backend.Delete(ctx, op.EntityType, op.EntityID)
	}
	return apperr.PermanentSync(fmt.Errorf("unknown operation kind %q", op.Kind))
}

func (d *Dispatcher) settle(ctx context.Context, op *models.OutboxOperation, cause error) (Outcome, error) {
	logger := d.logger.With(
		"operation_id", op.ID,
		"entity_type", op.EntityType,
		"entity_id", op.EntityID,
		"kind", op.Kind,
	)

	switch {
	case cause == nil:
		return OutcomeDelivered, d.outbox.MarkCompleted(ctx, op.ID, "")

	case apperr.IsIdentityConflict(cause) && d.merger != nil:
		appErr, _ := apperr.As(cause)
		canonicalID := appErr.Detail(apperr.DetailCanonicalID)
		if err := d.merger.Merge(ctx, op.EntityType, op.EntityID, canonicalID); err != nil {
			logger.WarnContext(ctx, "Identity merge failed", "canonical_id", canonicalID, "error", err)
			d.setLastError(err)
			if apperr.IsReconciliation(err) || apperr.IsValidation(err) {
				return OutcomeParked, d.outbox.MarkPermanent(ctx, op.ID, err)
			}
			return d.retry(ctx, logger, op, err)
		}
		d.metrics.merges.Inc()
		logger.InfoContext(ctx, "Merged local record into canonical", "canonical_id", canonicalID)
		return OutcomeMerged, d.outbox.MarkCompleted(ctx, op.ID, outbox.NoteSuperseded)

	case apperr.IsPermanent(cause), apperr.IsIdentityConflict(cause):
		d.setLastError(cause)
		logger.ErrorContext(ctx, "Operation rejected permanently", "error", cause)
		return OutcomeParked, d.outbox.MarkPermanent(ctx, op.ID, cause)

	default:
		d.setLastError(cause)
		return d.retry(ctx, logger, op, cause)
	}
}

func (d *Dispatcher) retry(ctx context.Context, logger *slog.Logger, op *models.OutboxOperation, cause error) (Outcome, error) {
	if !apperr.IsTransient(cause) {
		cause = apperr.TransientSync(cause)
	}
	f, err := d.outbox.MarkFailed(ctx, op.ID, cause)
	if err != nil {
		return OutcomeRetry, err
	}
	if f.Terminal {
		logger.ErrorContext(ctx, "Operation exhausted its retries", "retry_count", f.RetryCount, "error", cause)
		return OutcomeParked, nil
	}
	logger.WarnContext(ctx, "Operation failed, rescheduled",
		"retry_count", f.RetryCount,
		"scheduled_at", f.ScheduledAt,
		"error", cause,
	)
	return OutcomeRetry, nil
}

func (d *Dispatcher) maintain(ctx context.Context) {
	now := d.clock.Now()

	d.mu.Lock()
	runGC := d.cfg.GCInterval > 0 && now.Sub(d.lastGC) >= d.cfg.GCInterval
	runSweep := d.cfg.SweepInterval > 0 && now.Sub(d.lastSweep) >= d.cfg.SweepInterval
	if runGC {
		d.lastGC = now
	}
	if runSweep {
		d.lastSweep = now
	}
	d.mu.Unlock()

	if runGC {
		if n, err := d.outbox.Collect(ctx); err != nil {
			d.logger.WarnContext(ctx, "Outbox garbage collection failed", "error", err)
		} else if n > 0 {
			d.logger.InfoContext(ctx, "Purged completed operations", "count", n)
		}
	}
	if runSweep {
		if _, err := d.outbox.Sweep(ctx); err != nil {
			d.logger.WarnContext(ctx, "Outbox sweep failed", "error", err)
		}
	}
}

func (d *Dispatcher) setRunning(running bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.running = running
}

func (d *Dispatcher) setLastError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastError = err.Error()
}

// PushKey is the SyncMetadata key under which push bookkeeping for an
// entity type is stored.
func PushKey(entityType string) string {
	return entityType + "_push"
}

type pushStats struct {
	delivered int
	lastError error
}

func (s *pushStats) record(o Outcome, err error) {
	switch o {
	case OutcomeDelivered, OutcomeMerged:
		s.delivered++
	case OutcomeRetry, OutcomeParked:
		if err != nil {
			s.lastError = err
		}
	}
}

func (d *Dispatcher) recordPush(ctx context.Context, perType map[string]*pushStats, elapsed time.Duration) {
	if len(perType) == 0 {
		return
	}
	now := d.clock.Now()
	err := d.store.WithTx(ctx, func(tx storage.Tx) error {
		for entityType, st := range perType {
			m, err := tx.GetSyncMetadata(ctx, PushKey(entityType))
			if err != nil {
				return err
			}
			if st.delivered > 0 {
				m.LastSyncTimestamp = now
				m.LastSyncCount = st.delivered
			}
			m.LastDuration = elapsed
			m.LastError = ""
			if st.lastError != nil {
				m.LastError = st.lastError.Error()
			}
			m.UpdatedAt = now
			if err := tx.PutSyncMetadata(ctx, m); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		d.logger.WarnContext(ctx, "Failed to record push metadata", "error", err)
	}
}

// Status is a snapshot of the sync state.
type Status struct {
	Running         bool
	Pending         int
	Processing      int
	Completed       int
	Failed          int
	OldestPendingAt time.Time
	LastError       string
	LastRound       time.Time

	// Metadata holds push and pull bookkeeping per entity type.
	Metadata []*models.SyncMetadata
}

// Status reports queue depth and the last known sync state.
func (d *Dispatcher) Status(ctx context.Context) (Status, error) {
	summary, err := d.outbox.Summary(ctx)
	if err != nil {
		return Status{}, err
	}
	meta, err := d.store.ListSyncMetadata(ctx)
	if err != nil {
		return Status{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	return Status{
		Running:         d.running,
		Pending:         summary.Pending,
		Processing:      summary.Processing,
		Completed:       summary.Completed,
		Failed:          summary.Failed,
		OldestPendingAt: summary.OldestPendingAt,
		LastError:       d.lastError,
		LastRound:       d.lastRound,
		Metadata:        meta,
	}, nil
}

func (d *Dispatcher) refreshGauges(ctx context.Context) {
	summary, err := d.outbox.Summary(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			d.logger.DebugContext(ctx, "Failed to summarize outbox", "error", err)
		}
		return
	}
	d.metrics.queue.WithLabelValues(string(models.StatusPending)).Set(float64(summary.Pending))
	d.metrics.queue.WithLabelValues(string(models.StatusProcessing)).Set(float64(summary.Processing))
	d.metrics.queue.WithLabelValues(string(models.StatusCompleted)).Set(float64(summary.Completed))
	d.metrics.queue.WithLabelValues(string(models.StatusFailed)).Set(float64(summary.Failed))
}
