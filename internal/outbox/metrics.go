package outbox

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	enqueued        *prometheus.CounterVec
	enqueueFailures *prometheus.CounterVec
	swept           *prometheus.CounterVec
	purged          prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		enqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fieldsync",
			Subsystem: "outbox",
			Name:      "enqueued_total",
			Help:      "Operations written to the outbox.",
		}, []string{"entity_type", "kind"}),
		enqueueFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fieldsync",
			Subsystem: "outbox",
			Name:      "enqueue_failures_total",
			Help:      "Domain writes whose outbox operation could not be persisted.",
		}, []string{"entity_type"}),
		swept: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fieldsync",
			Subsystem: "outbox",
			Name:      "swept_total",
			Help:      "Operations re-enqueued by the reconciliation sweep.",
		}, []string{"entity_type"}),
		purged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fieldsync",
			Subsystem: "outbox",
			Name:      "purged_total",
			Help:      "Completed operations removed by garbage collection.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.enqueued, m.enqueueFailures, m.swept, m.purged)
	}
	return m
}
