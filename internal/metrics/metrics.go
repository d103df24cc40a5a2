// Package metrics exposes the engine's prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups every collector. Each instance owns its registry so tests
// can create as many as they like.
type Metrics struct {
	Registry *prometheus.Registry

	LoopCycles *prometheus.CounterVec

	WorkerStarts   *prometheus.CounterVec
	WorkerRestarts *prometheus.CounterVec
	WorkerCrashes  *prometheus.CounterVec
	TerminalErrors *prometheus.CounterVec
	StaleWorkers   *prometheus.CounterVec
	Sessions       *prometheus.GaugeVec
	Deliverables   *prometheus.CounterVec

	MessagesDelivered *prometheus.CounterVec
	DeliveryFailures  prometheus.Counter
	LazyActivations   *prometheus.CounterVec

	RulesFired *prometheus.CounterVec
	Rollbacks  prometheus.Counter
	PhaseIndex prometheus.Gauge
	Progress   prometheus.Gauge

	DecisionsOpened   *prometheus.CounterVec
	DecisionsResolved *prometheus.CounterVec
	DecisionsOpen     prometheus.Gauge
}

// New creates a registry with the Go and process collectors plus the
// engine collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		LoopCycles: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rolerelay_loop_cycles_total",
			Help: "Completed cycles per engine loop.",
		}, []string{"loop"}),

		WorkerStarts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rolerelay_worker_starts_total",
			Help: "Worker processes launched, including restarts.",
		}, []string{"role"}),
		WorkerRestarts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rolerelay_worker_restarts_total",
			Help: "Restarts after a worker failure.",
		}, []string{"role"}),
		WorkerCrashes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rolerelay_worker_failures_total",
			Help: "Worker failures by cause.",
		}, []string{"role", "cause"}),
		TerminalErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rolerelay_terminal_errors_total",
			Help: "Roles that exhausted their restart budget.",
		}, []string{"role"}),
		StaleWorkers: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rolerelay_stale_workers_total",
			Help: "Workers that stopped reporting status.",
		}, []string{"role", "level"}),
		Sessions: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rolerelay_sessions",
			Help: "Live sessions by state.",
		}, []string{"state"}),
		Deliverables: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rolerelay_deliverables_total",
			Help: "Deliverables reported complete.",
		}, []string{"role"}),

		MessagesDelivered: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rolerelay_messages_delivered_total",
			Help: "Messages moved from an outbox to an inbox or the engine.",
		}, []string{"type"}),
		DeliveryFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "rolerelay_delivery_failures_total",
			Help: "Delivery attempts left for the next scan.",
		}),
		LazyActivations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rolerelay_lazy_activations_total",
			Help: "Roles started because a message was addressed to them.",
		}, []string{"role"}),

		RulesFired: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rolerelay_rules_fired_total",
			Help: "Transition rules fired.",
		}, []string{"rule"}),
		Rollbacks: f.NewCounter(prometheus.CounterOpts{
			Name: "rolerelay_rollbacks_total",
			Help: "Rollbacks applied.",
		}),
		PhaseIndex: f.NewGauge(prometheus.GaugeOpts{
			Name: "rolerelay_phase_index",
			Help: "Index of the current phase.",
		}),
		Progress: f.NewGauge(prometheus.GaugeOpts{
			Name: "rolerelay_progress_percent",
			Help: "Overall pipeline progress.",
		}),

		DecisionsOpened: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rolerelay_decisions_opened_total",
			Help: "Decisions opened by level.",
		}, []string{"level"}),
		DecisionsResolved: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rolerelay_decisions_resolved_total",
			Help: "Decisions resolved by level and resolution kind.",
		}, []string{"level", "resolution"}),
		DecisionsOpen: f.NewGauge(prometheus.GaugeOpts{
			Name: "rolerelay_decisions_open",
			Help: "Decisions awaiting resolution.",
		}),
	}
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
