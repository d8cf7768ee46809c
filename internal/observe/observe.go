// Package observe notifies interested parties of committed domain writes.
package observe

import (
	"context"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// MutationObserver receives a callback after a domain write commits.
// Callbacks must not block and must not write to the store.
type MutationObserver interface {
	OnInserted(ctx context.Context, entityType, id string)
	OnUpdated(ctx context.Context, entityType, id string)
	OnDeleted(ctx context.Context, entityType, id string)
}

// Nop ignores every mutation.
type Nop struct{}

func (Nop) OnInserted(context.Context, string, string) {}
func (Nop) OnUpdated(context.Context, string, string) {}
func (Nop) OnDeleted(context.Context, string, string) {}

// Logger logs each mutation at debug level.
type Logger struct {
	logger *slog.Logger
}

// NewLogger creates a logging observer. A nil logger uses slog.Default.
func NewLogger(logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{logger: logger}
}

func (l *Logger) OnInserted(ctx context.Context, entityType, id string) {
	l.logger.DebugContext(ctx, "Entity inserted", "entity_type", entityType, "entity_id", id)
}

func (l *Logger) OnUpdated(ctx context.Context, entityType, id string) {
	l.logger.DebugContext(ctx, "Entity updated", "entity_type", entityType, "entity_id", id)
}

func (l *Logger) OnDeleted(ctx context.Context, entityType, id string) {
	l.logger.DebugContext(ctx, "Entity deleted", "entity_type", entityType, "entity_id", id)
}

// Metrics counts mutations by entity type and operation.
type Metrics struct {
	mutations *prometheus.CounterVec
}

// NewMetrics creates a counting observer and registers its collector.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fieldsync",
			Name:      "mutations_total",
			Help:      "Committed local domain writes by entity type and operation.",
		}, []string{"entity_type", "op"}),
	}
	if reg != nil {
		reg.MustRegister(m.mutations)
	}
	return m
}

func (m *Metrics) OnInserted(_ context.Context, entityType, _ string) {
	m.mutations.WithLabelValues(entityType, "insert").Inc()
}

func (m *Metrics) OnUpdated(_ context.Context, entityType, _ string) {
	m.mutations.WithLabelValues(entityType, "update").Inc()
}

func (m *Metrics) OnDeleted(_ context.Context, entityType, _ string) {
	m.mutations.WithLabelValues(entityType, "delete").Inc()
}

// Multi fans every mutation out to several observers in order.
type Multi []MutationObserver

func (m Multi) OnInserted(ctx context.Context, entityType, id string) {
	for _, o := range m {
		o.OnInserted(ctx, entityType, id)
	}
}

func (m Multi) OnUpdated(ctx context.Context, entityType, id string) {
	for _, o := range m {
		o.OnUpdated(ctx, entityType, id)
	}
}

func (m Multi) OnDeleted(ctx context.Context, entityType, id string) {
	for _, o := range m {
		o.OnDeleted(ctx, entityType, id)
	}
}

// Recorder keeps every mutation in memory. It is meant for tests and for
// replaying what a command changed.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Event is one recorded mutation.
type Event struct {
	Op         string
	EntityType string
	ID         string
}

// Events returns a copy of the recorded mutations.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *Recorder) record(op, entityType, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Event{Op: op, EntityType: entityType, ID: id})
}

func (r *Recorder) OnInserted(_ context.Context, entityType, id string) {
	r.record("insert", entityType, id)
}

func (r *Recorder) OnUpdated(_ context.Context, entityType, id string) {
	r.record("update", entityType, id)
}

func (r *Recorder) OnDeleted(_ context.Context, entityType, id string) {
	r.record("delete", entityType, id)
}
