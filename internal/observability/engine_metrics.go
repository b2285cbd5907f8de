package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/signalsfoundry/agentsim/core"
)

// EngineCollector exposes simulation engine metrics. It implements
// core.EventSink so a model can drive it directly.
type EngineCollector struct {
	gatherer prometheus.Gatherer

	StepsTotal        *prometheus.CounterVec
	StepDuration      prometheus.Histogram
	LiveAgents        prometheus.Gauge
	ActivationsTotal  prometheus.Counter
	FaultsTotal       *prometheus.CounterVec
	CreatedTotal      prometheus.Counter
	RemovedTotal      prometheus.Counter
	ConflictsTotal    prometheus.Counter
	PlacementFailures prometheus.Counter
	LastStep          prometheus.Gauge
}

var _ core.EventSink = (*EngineCollector)(nil)

// NewEngineCollector registers engine metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
func NewEngineCollector(reg prometheus.Registerer) (*EngineCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	steps, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "agentsim_steps_total",
		Help: "Simulation steps finished, labeled by outcome (completed or aborted).",
	}, []string{"outcome"}), "agentsim_steps_total")
	if err != nil {
		return nil, err
	}

	duration, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "agentsim_step_duration_seconds",
		Help:    "Wall-clock duration of one simulation step.",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5},
	}), "agentsim_step_duration_seconds")
	if err != nil {
		return nil, err
	}

	live, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "agentsim_live_agents",
		Help: "Live agents after the most recent step.",
	}), "agentsim_live_agents")
	if err != nil {
		return nil, err
	}

	activations, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "agentsim_activations_total",
		Help: "Agent activations performed across all steps and stages.",
	}), "agentsim_activations_total")
	if err != nil {
		return nil, err
	}

	faults, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "agentsim_agent_faults_total",
		Help: "Agent faults, labeled by stage.",
	}, []string{"stage"}), "agentsim_agent_faults_total")
	if err != nil {
		return nil, err
	}

	created, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "agentsim_agents_created_total",
		Help: "Agents created by reconciliation.",
	}), "agentsim_agents_created_total")
	if err != nil {
		return nil, err
	}

	removed, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "agentsim_agents_removed_total",
		Help: "Agents removed by reconciliation.",
	}), "agentsim_agents_removed_total")
	if err != nil {
		return nil, err
	}

	conflicts, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "agentsim_reconciliation_conflicts_total",
		Help: "Duplicate removal requests resolved as no-ops.",
	}), "agentsim_reconciliation_conflicts_total")
	if err != nil {
		return nil, err
	}

	placement, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "agentsim_placement_failures_total",
		Help: "New agents whose requested placement the environment rejected.",
	}), "agentsim_placement_failures_total")
	if err != nil {
		return nil, err
	}

	last, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "agentsim_last_step",
		Help: "Number of the most recently finished step.",
	}), "agentsim_last_step")
	if err != nil {
		return nil, err
	}

	return &EngineCollector{
		gatherer:          gatherer,
		StepsTotal:        steps,
		StepDuration:      duration,
		LiveAgents:        live,
		ActivationsTotal:  activations,
		FaultsTotal:       faults,
		CreatedTotal:      created,
		RemovedTotal:      removed,
		ConflictsTotal:    conflicts,
		PlacementFailures: placement,
		LastStep:          last,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *EngineCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// Handler exposes a ready-to-use /metrics handler.
func (c *EngineCollector) Handler() http.Handler {
	gatherer := prometheus.Gatherer(prometheus.DefaultGatherer)
	if c != nil && c.gatherer != nil {
		gatherer = c.gatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// StepStarted sets the live agent gauge to the snapshot size.
func (c *EngineCollector) StepStarted(_ context.Context, ev core.StepStartEvent) {
	if c == nil || c.LiveAgents == nil {
		return
	}
	c.LiveAgents.Set(float64(ev.LiveAgents))
}

// StepEnded records the step outcome, duration and activations.
func (c *EngineCollector) StepEnded(_ context.Context, ev core.StepEndEvent) {
	if c == nil {
		return
	}
	outcome := "completed"
	if ev.Aborted {
		outcome = "aborted"
	}
	if c.StepsTotal != nil {
		c.StepsTotal.WithLabelValues(outcome).Inc()
	}
	if c.StepDuration != nil {
		c.StepDuration.Observe(ev.Duration.Seconds())
	}
	if c.ActivationsTotal != nil {
		c.ActivationsTotal.Add(float64(ev.Activations))
	}
	if c.LiveAgents != nil {
		c.LiveAgents.Set(float64(ev.LiveAgents))
	}
	if c.LastStep != nil && !ev.Aborted {
		c.LastStep.Set(float64(ev.Step))
	}
}

// AgentFaulted counts the fault under its stage.
func (c *EngineCollector) AgentFaulted(_ context.Context, fault *core.FaultError) {
	if c == nil || c.FaultsTotal == nil || fault == nil {
		return
	}
	c.FaultsTotal.WithLabelValues(fault.Stage).Inc()
}

// Reconciled records lifecycle counts.
func (c *EngineCollector) Reconciled(_ context.Context, ev core.ReconcileEvent) {
	if c == nil {
		return
	}
	if c.CreatedTotal != nil {
		c.CreatedTotal.Add(float64(ev.Summary.Created))
	}
	if c.RemovedTotal != nil {
		c.RemovedTotal.Add(float64(ev.Summary.Removed))
	}
	if c.ConflictsTotal != nil {
		c.ConflictsTotal.Add(float64(ev.Summary.Conflicts))
	}
	if c.PlacementFailures != nil {
		c.PlacementFailures.Add(float64(len(ev.Summary.PlacementErrors)))
	}
}
