package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ReconcileOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "notes",
		Subsystem: "reconcile",
		Name:      "operations_total",
		Help:      "Operations emitted by reconciliation, by kind.",
	}, []string{"kind"})

	ReconcileFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "notes",
		Subsystem: "reconcile",
		Name:      "apply_failures_total",
		Help:      "Reconcile operations skipped because they could not be applied.",
	})

	HistoryEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "notes",
		Subsystem: "history",
		Name:      "events_total",
		Help:      "History pushes, undos and redos.",
	}, []string{"event"})

	DebounceFires = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "notes",
		Subsystem: "debounce",
		Name:      "fires_total",
		Help:      "Debounced change registrations.",
	})

	NoteEventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "notes",
		Subsystem: "kafka",
		Name:      "events_dropped_total",
		Help:      "Note events dropped after exhausting retries.",
	})
)
