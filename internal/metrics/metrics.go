package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the orchestrator's collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	wavesBuilt           prometheus.Counter
	dispatches           *prometheus.CounterVec
	completions          *prometheus.CounterVec
	classifications      *prometheus.CounterVec
	fixRounds            prometheus.Counter
	escalations          *prometheus.CounterVec
	reviewActions        *prometheus.CounterVec
	notifications        *prometheus.CounterVec
	deployments          prometheus.Counter
	agentRuns            *prometheus.CounterVec
	agentDuration        *prometheus.HistogramVec
	projectsByTerminalPh *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		wavesBuilt: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wavecrew",
			Name:      "waves_built_total",
			Help:      "Waves opened across all projects.",
		}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wavecrew",
			Name:      "dispatches_total",
			Help:      "Outbox publish outcomes by result.",
		}, []string{"result"}),
		completions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wavecrew",
			Name:      "completions_total",
			Help:      "Completion events by task status and whether they were applied.",
		}, []string{"status", "applied"}),
		classifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wavecrew",
			Name:      "quality_classifications_total",
			Help:      "Quality gate outcomes.",
		}, []string{"classification"}),
		fixRounds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wavecrew",
			Name:      "fix_rounds_total",
			Help:      "Fix rounds started.",
		}),
		escalations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wavecrew",
			Name:      "escalations_total",
			Help:      "Human review requests opened, by priority.",
		}, []string{"priority"}),
		reviewActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wavecrew",
			Name:      "review_actions_total",
			Help:      "Human review actions applied.",
		}, []string{"action"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wavecrew",
			Name:      "notifications_total",
			Help:      "Owner notifications by result.",
		}, []string{"result"}),
		deployments: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wavecrew",
			Name:      "deployments_requested_total",
			Help:      "Deployment requests emitted.",
		}),
		agentRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wavecrew",
			Name:      "agent_runs_total",
			Help:      "Agent task executions by agent type and status.",
		}, []string{"agent", "status"}),
		agentDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "wavecrew",
			Name:      "agent_run_seconds",
			Help:      "Agent task execution time.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"agent"}),
		projectsByTerminalPh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wavecrew",
			Name:      "projects_finished_total",
			Help:      "Projects that reached a terminal phase.",
		}, []string{"phase"}),
	}
	m.registry.MustRegister(
		m.wavesBuilt, m.dispatches, m.completions, m.classifications, m.fixRounds,
		m.escalations, m.reviewActions, m.notifications, m.deployments,
		m.agentRuns, m.agentDuration, m.projectsByTerminalPh,
		collectors.NewGoCollector(),
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) WaveBuilt() {
	if m != nil {
		m.wavesBuilt.Inc()
	}
}

func (m *Metrics) Dispatch(result string) {
	if m != nil {
		m.dispatches.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) Completion(status string, applied bool) {
	if m == nil {
		return
	}
	label := "false"
	if applied {
		label = "true"
	}
	m.completions.WithLabelValues(status, label).Inc()
}

func (m *Metrics) Classified(classification string) {
	if m != nil {
		m.classifications.WithLabelValues(classification).Inc()
	}
}

func (m *Metrics) FixRound() {
	if m != nil {
		m.fixRounds.Inc()
	}
}

func (m *Metrics) Escalated(priority string) {
	if m != nil {
		m.escalations.WithLabelValues(priority).Inc()
	}
}

func (m *Metrics) ReviewAction(action string) {
	if m != nil {
		m.reviewActions.WithLabelValues(action).Inc()
	}
}

func (m *Metrics) Notification(result string) {
	if m != nil {
		m.notifications.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) DeploymentRequested() {
	if m != nil {
		m.deployments.Inc()
	}
}

func (m *Metrics) AgentRun(agent, status string, seconds float64) {
	if m == nil {
		return
	}
	m.agentRuns.WithLabelValues(agent, status).Inc()
	m.agentDuration.WithLabelValues(agent).Observe(seconds)
}

func (m *Metrics) ProjectFinished(phase string) {
	if m != nil {
		m.projectsByTerminalPh.WithLabelValues(phase).Inc()
	}
}
