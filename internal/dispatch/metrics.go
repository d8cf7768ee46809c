package dispatch

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	queue      *prometheus.GaugeVec
	rounds     prometheus.Counter
	merges     prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fieldsync",
			Subsystem: "dispatch",
			Name:      "operations_total",
			Help:      "Dispatch attempts by entity type and outcome.",
		}, []string{"entity_type", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "fieldsync",
			Subsystem: "dispatch",
			Name:      "operation_duration_seconds",
			Help:      "Time spent delivering one operation to the backend.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"entity_type"}),
		queue: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "fieldsync",
			Subsystem: "outbox",
			Name:      "operations",
			Help:      "Outbox operations by status, as of the last dispatch round.",
		}, []string{"status"}),
		rounds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fieldsync",
			Subsystem: "dispatch",
			Name:      "rounds_total",
			Help:      "Drain rounds run by the dispatcher.",
		}),
		merges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fieldsync",
			Subsystem: "dispatch",
			Name:      "identity_merges_total",
			Help:      "Identity conflicts resolved by merging a local record into the canonical one.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.operations, m.duration, m.queue, m.rounds, m.merges)
	}
	return m
}
