package executor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loyaltysim/harness/internal/workflow"
)

// Metrics holds the prometheus collectors the harness exports.
type Metrics struct {
	SessionsTotal *prometheus.CounterVec
	StepsTotal    *prometheus.CounterVec
	StepDuration  *prometheus.HistogramVec
	InFlight      prometheus.Gauge
}

// NewMetrics creates and registers the harness collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harness_sessions_total",
			Help: "Virtual-user sessions by scenario and outcome.",
		}, []string{"scenario", "outcome"}),
		StepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harness_steps_total",
			Help: "Workflow steps by name and status.",
		}, []string{"step", "status"}),
		StepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "harness_step_duration_seconds",
			Help:    "Workflow step latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"step"}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "harness_sessions_in_flight",
			Help: "Currently running virtual-user sessions.",
		}),
	}
	reg.MustRegister(m.SessionsTotal, m.StepsTotal, m.StepDuration, m.InFlight)
	return m
}

// ObserveStep satisfies workflow.StepObserver.
func (m *Metrics) ObserveStep(step string, status workflow.StepStatus, d time.Duration) {
	m.StepsTotal.WithLabelValues(step, string(status)).Inc()
	m.StepDuration.WithLabelValues(step).Observe(d.Seconds())
}

func (m *Metrics) observeSession(scenario, outcome string) {
	m.SessionsTotal.WithLabelValues(scenario, outcome).Inc()
}
