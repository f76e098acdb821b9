// Package metrics exposes Prometheus instrumentation for the guardrail
// layer. Each Metrics value owns its registry so tests can construct as
// many instances as they like without collisions.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	AdmissionChecks  *prometheus.CounterVec
	LimitViolations  *prometheus.CounterVec
	RunTransitions   *prometheus.CounterVec
	StoreDegradation *prometheus.CounterVec
	RunsSwept        prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		AdmissionChecks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "decisionproof",
			Subsystem: "demo",
			Name:      "admission_checks_total",
			Help:      "Admission checks evaluated, by scope and outcome.",
		}, []string{"scope", "outcome"}),
		LimitViolations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "decisionproof",
			Subsystem: "demo",
			Name:      "limit_violations_total",
			Help:      "Rejections by the policy that triggered them.",
		}, []string{"policy"}),
		RunTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "decisionproof",
			Subsystem: "demo",
			Name:      "run_transitions_total",
			Help:      "Run state transitions, by target state.",
		}, []string{"state"}),
		StoreDegradation: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "decisionproof",
			Subsystem: "demo",
			Name:      "store_degradations_total",
			Help:      "Operations served by the fallback store, by operation.",
		}, []string{"op"}),
		RunsSwept: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "decisionproof",
			Subsystem: "demo",
			Name:      "runs_swept_total",
			Help:      "Expired runs tombstoned by the background sweeper.",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
