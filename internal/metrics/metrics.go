// Package metrics exposes counters for the intake and review pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors on a private registry so several engines can
// coexist in one test binary.
type Metrics struct {
	Registry        *prometheus.Registry
	Classifications *prometheus.CounterVec
	TasksCreated    *prometheus.CounterVec
	Transitions     *prometheus.CounterVec
	Rejected        *prometheus.CounterVec
	Redemptions     *prometheus.CounterVec
	Relayed         *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Classifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cellarline", Name: "classifications_total",
			Help: "Inbound messages classified, by rule and category.",
		}, []string{"rule", "category"}),
		TasksCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cellarline", Name: "tasks_created_total",
			Help: "Tasks created, by origin and initial status.",
		}, []string{"origin", "status"}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cellarline", Name: "task_transitions_total",
			Help: "Accepted state machine transitions.",
		}, []string{"event", "from", "to"}),
		Rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cellarline", Name: "task_transitions_rejected_total",
			Help: "Events refused by the state machine.",
		}, []string{"event", "from"}),
		Redemptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cellarline", Name: "token_redemptions_total",
			Help: "Member action token redemption attempts, by outcome.",
		}, []string{"outcome"}),
		Relayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cellarline", Name: "relay_deliveries_total",
			Help: "Audit entries delivered to relay sinks.",
		}, []string{"sink", "outcome"}),
	}
	m.Registry.MustRegister(
		m.Classifications, m.TasksCreated, m.Transitions, m.Rejected, m.Redemptions, m.Relayed,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
