// Package metrics exposes Prometheus collectors for loop activity.
//
// Collectors are fed from the event bus: Attach subscribes a Metrics value
// to every event the coordinator, guard and gate publish, so none of those
// components depend on Prometheus.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Iron-Ham/loopguard/internal/event"
)

const namespace = "loopguard"

// Metrics holds the loopguard collectors.
type Metrics struct {
	transitions        *prometheus.CounterVec
	admissionDenied    *prometheus.CounterVec
	guardVerdicts      *prometheus.CounterVec
	guardScore         prometheus.Histogram
	delegations        prometheus.Counter
	delegationDepth    prometheus.Histogram
	checkpointsOpened  *prometheus.CounterVec
	checkpointResolved *prometheus.CounterVec
	checkpointsPending prometheus.Gauge
	failures           *prometheus.CounterVec
	configReloads      prometheus.Counter
}

// register adds c to reg, reusing the existing collector when an identical
// one is already registered. Any other registration error panics.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// MustNewMetrics constructs the collectors and registers them with reg.
// A nil reg uses the default registerer.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	return &Metrics{
		transitions: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "loop",
			Name:      "transitions_total",
			Help:      "Loop coordinator state transitions, by target state.",
		}, []string{"state"})),
		admissionDenied: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "loop",
			Name:      "admission_denied_total",
			Help:      "Loop and delegation admissions refused, by reason.",
		}, []string{"reason"})),
		guardVerdicts: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "guard",
			Name:      "verdicts_total",
			Help:      "Delusion guard verdicts.",
		}, []string{"verdict"})),
		guardScore: register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "guard",
			Name:      "similarity_score",
			Help:      "Best similarity score against rejected plans, per check.",
			Buckets:   []float64{0.1, 0.25, 0.5, 0.7, 0.8, 0.85, 0.9, 0.95, 1},
		})),
		delegations: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delegation",
			Name:      "edges_total",
			Help:      "Delegation edges admitted.",
		})),
		delegationDepth: register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "delegation",
			Name:      "depth",
			Help:      "Depth of admitted delegation edges.",
			Buckets:   []float64{0, 1, 2, 3, 4, 6, 8},
		})),
		checkpointsOpened: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "checkpoint",
			Name:      "opened_total",
			Help:      "Checkpoints opened, by kind.",
		}, []string{"kind"})),
		checkpointResolved: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "checkpoint",
			Name:      "resolved_total",
			Help:      "Checkpoints resolved, by outcome.",
		}, []string{"outcome", "auto"})),
		checkpointsPending: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "checkpoint",
			Name:      "pending",
			Help:      "Checkpoints opened and not yet resolved.",
		})),
		failures: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "triage",
			Name:      "failures_total",
			Help:      "Classified failures, by failure type.",
		}, []string{"failure_type"})),
		configReloads: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_reloads_total",
			Help:      "Configuration hot reloads applied.",
		})),
	}
}

// Observe records one event.
func (m *Metrics) Observe(e event.Event) {
	if m == nil {
		return
	}
	switch ev := e.(type) {
	case event.LoopStateEvent:
		m.transitions.WithLabelValues(ev.To).Inc()
	case event.AdmissionDeniedEvent:
		m.admissionDenied.WithLabelValues(ev.Reason).Inc()
	case event.GuardVerdictEvent:
		m.guardVerdicts.WithLabelValues(ev.Verdict).Inc()
		m.guardScore.Observe(ev.Score)
	case event.DelegationEvent:
		m.delegations.Inc()
		m.delegationDepth.Observe(float64(ev.Depth))
	case event.CheckpointOpenedEvent:
		m.checkpointsOpened.WithLabelValues(ev.Kind).Inc()
		m.checkpointsPending.Inc()
	case event.CheckpointResolvedEvent:
		outcome := "rejected"
		if ev.Approved {
			outcome = "approved"
		}
		m.checkpointResolved.WithLabelValues(outcome, strconv.FormatBool(ev.Auto)).Inc()
		m.checkpointsPending.Dec()
	case event.FailureClassifiedEvent:
		m.failures.WithLabelValues(ev.FailureType).Inc()
	case event.ConfigReloadedEvent:
		m.configReloads.Inc()
	}
}

// Attach subscribes m to every event on bus and returns the subscription id.
func (m *Metrics) Attach(bus *event.Bus) string {
	return bus.SubscribeAll(m.Observe)
}
