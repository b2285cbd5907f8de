package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/signalsfoundry/agentsim/env"
	"github.com/signalsfoundry/agentsim/model"
)

// View is the read-only, post-reconciliation picture of a model handed to
// collector metrics.
type View struct {
	m    *Model
	step uint64
	time time.Time
}

// Step returns the number of the step just completed.
func (v View) Step() uint64 { return v.step }

// Time returns the simulated time of the step boundary, or the zero time
// when the model has no clock.
func (v View) Time() time.Time { return v.time }

// Len returns the number of live agents.
func (v View) Len() int { return v.m.pop.Len() }

// IDs returns the live ids in ascending order.
func (v View) IDs() []model.AgentID { return v.m.pop.IDs() }

// Agent returns the live agent with id.
func (v View) Agent(id model.AgentID) (Agent, error) { return v.m.pop.Get(id) }

// Env returns a read-only view of the model's environment.
func (v View) Env() env.View { return env.ReadOnly(v.m.env) }

// Each calls fn for every live agent in ascending id order.
func (v View) Each(fn func(Agent)) {
	for _, id := range v.m.pop.IDs() {
		if a, err := v.m.pop.Get(id); err == nil {
			fn(a)
		}
	}
}

// RecordSink receives one record per completed step.
type RecordSink interface {
	WriteRecord(ctx context.Context, rec model.StepRecord) error
}

// RecordSinkFunc adapts a function to RecordSink.
type RecordSinkFunc func(ctx context.Context, rec model.StepRecord) error

func (f RecordSinkFunc) WriteRecord(ctx context.Context, rec model.StepRecord) error {
	return f(ctx, rec)
}

type modelMetric struct {
	name string
	fn   func(View) float64
}

type agentMetric struct {
	name string
	fn   func(Agent) (float64, bool)
}

// CollectorOption customises a Collector.
type CollectorOption func(*Collector)

// WithRecordSink forwards every record to sink.
func WithRecordSink(sink RecordSink) CollectorOption {
	return func(c *Collector) {
		if sink != nil {
			c.sinks = append(c.sinks, sink)
		}
	}
}

// WithRetention keeps at most n records in memory, dropping the oldest.
// Zero keeps everything; a negative value keeps nothing.
func WithRetention(n int) CollectorOption {
	return func(c *Collector) {
		c.retain = n
	}
}

// Collector samples the model once per completed step.
type Collector struct {
	mu sync.Mutex

	metrics      []modelMetric
	agentMetrics []agentMetric
	sinks        []RecordSink
	retain       int
	records      []model.StepRecord
}

// NewCollector returns a collector with no metrics registered.
func NewCollector(opts ...CollectorOption) *Collector {
	c := &Collector{}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AddMetric registers a model-level metric evaluated on every step.
func (c *Collector) AddMetric(name string, fn func(View) float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics = append(c.metrics, modelMetric{name: name, fn: fn})
}

// AddAgentMetric registers a per-agent value. fn reports false for agents
// the metric does not apply to.
func (c *Collector) AddAgentMetric(name string, fn func(Agent) (float64, bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.agentMetrics = append(c.agentMetrics, agentMetric{name: name, fn: fn})
}

// AddSink attaches another record sink.
func (c *Collector) AddSink(sink RecordSink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sinks = append(c.sinks, sink)
}

// Records returns a copy of the retained records, oldest first.
func (c *Collector) Records() []model.StepRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.StepRecord(nil), c.records...)
}

// Clear drops the retained records.
func (c *Collector) Clear() {
	c.mu.Lock()
	c.records = nil
	c.mu.Unlock()
}

// stepStats carries the per-step counters the model knows but a View
// cannot recompute.
type stepStats struct {
	schema  string
	faults  int
	created int
	removed int
}

func (c *Collector) collect(ctx context.Context, v View, st stepStats) (model.StepRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec := model.StepRecord{
		Schema:     st.schema,
		Step:       v.step,
		Time:       v.time,
		LiveAgents: v.Len(),
		Faults:     st.faults,
		Created:    st.created,
		Removed:    st.removed,
	}
	if len(c.metrics) > 0 {
		rec.Metrics = make(map[string]float64, len(c.metrics))
		for _, m := range c.metrics {
			rec.Metrics[m.name] = m.fn(v)
		}
	}
	if len(c.agentMetrics) > 0 {
		v.Each(func(a Agent) {
			var values map[string]float64
			for _, m := range c.agentMetrics {
				val, ok := m.fn(a)
				if !ok {
					continue
				}
				if values == nil {
					values = make(map[string]float64, len(c.agentMetrics))
				}
				values[m.name] = val
			}
			if values != nil {
				rec.Agents = append(rec.Agents, model.AgentRecord{ID: a.ID(), Values: values})
			}
		})
	}

	c.retainLocked(rec)

	for _, sink := range c.sinks {
		if err := sink.WriteRecord(ctx, rec); err != nil {
			return rec, fmt.Errorf("%w: step %d: %w", ErrCollect, rec.Step, err)
		}
	}
	return rec, nil
}

func (c *Collector) retainLocked(rec model.StepRecord) {
	switch {
	case c.retain < 0:
		return
	case c.retain > 0 && len(c.records) >= c.retain:
		copy(c.records, c.records[1:])
		c.records[len(c.records)-1] = rec
	default:
		c.records = append(c.records, rec)
	}
}
