// Package metrics defines the Prometheus collectors for the reconciliation
// engine's own components (Reconciler cycle outcomes, Dispatcher queue
// depth and retries). Store-engine metrics live next to the store that
// produces them (store.Collector); these are registered separately so a
// caller can wire either without the other.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics groups every collector the engine registers at startup, all
// under the "reconciler" namespace, split into the cycle, dispatcher and
// notifications subsystems.
type Metrics struct {
	CyclesTotal     *prometheus.CounterVec
	RejectedTotal   prometheus.Counter
	CycleDuration   prometheus.Histogram
	QueueDepth      prometheus.Gauge
	RetriesTotal    prometheus.Counter
	NotificationsPending prometheus.Gauge
}

// New constructs a Metrics instance under the "reconciler" namespace. It
// does not register the collectors; call Register to attach them to a
// *prometheus.Registry.
func New() *Metrics {
	return &Metrics{
		CyclesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reconciler",
			Subsystem: "cycle",
			Name:      "total",
			Help:      "Reconciliation cycle attempts by outcome.",
		}, []string{"outcome"}),
		RejectedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "reconciler",
			Subsystem: "cycle",
			Name:      "rejected_operations_total",
			Help:      "Per-source operations rejected by the merge strategy.",
		}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "reconciler",
			Subsystem: "cycle",
			Name:      "duration_seconds",
			Help:      "Wall-clock duration of one reconciliation cycle attempt.",
			Buckets:   prometheus.DefBuckets,
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "reconciler",
			Subsystem: "dispatcher",
			Name:      "queue_depth",
			Help:      "Number of WorkItems currently queued or running.",
		}),
		RetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "reconciler",
			Subsystem: "dispatcher",
			Name:      "retries_total",
			Help:      "Cycle attempts scheduled for retry after an Unavailable failure.",
		}),
		NotificationsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "reconciler",
			Subsystem: "notifications",
			Name:      "pending",
			Help:      "Notifications recorded but not yet drained by an operator.",
		}),
	}
}

// Register attaches every collector in m to reg.
func (m *Metrics) Register(reg *prometheus.Registry) error {
	collectors := []prometheus.Collector{
		m.CyclesTotal, m.RejectedTotal, m.CycleDuration,
		m.QueueDepth, m.RetriesTotal, m.NotificationsPending,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
