package core

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/agentsim/env"
	"github.com/signalsfoundry/agentsim/model"
)

const tracerName = "github.com/signalsfoundry/agentsim/core"

// FaultPolicy decides what a step does when an agent faults. There is no
// default: a model refuses to step until one is chosen.
type FaultPolicy uint8

const (
	FaultPolicyUnset FaultPolicy = iota
	// FaultPolicyIsolate records the fault and keeps activating the rest of
	// the snapshot.
	FaultPolicyIsolate
	// FaultPolicyFailFast aborts the step, discards its pending lifecycle
	// requests and restores the environment to its state before the step.
	FaultPolicyFailFast
)

// String implements fmt.Stringer.
func (p FaultPolicy) String() string {
	switch p {
	case FaultPolicyIsolate:
		return "isolate"
	case FaultPolicyFailFast:
		return "fail_fast"
	default:
		return "unset"
	}
}

// ParseFaultPolicy maps "isolate" or "fail_fast" (also "fail-fast") onto a
// FaultPolicy.
func ParseFaultPolicy(s string) (FaultPolicy, error) {
	switch s {
	case "isolate":
		return FaultPolicyIsolate, nil
	case "fail_fast", "fail-fast", "failfast":
		return FaultPolicyFailFast, nil
	default:
		return FaultPolicyUnset, fmt.Errorf("%w: unknown fault policy %q", ErrInvalidConfig, s)
	}
}

// Clock maps step boundaries onto simulated time.
type Clock interface {
	Now() time.Time
	Advance() time.Time
}

// Pacer is implemented by clocks that hold steps back to wall-clock pace.
type Pacer interface {
	Pace(ctx context.Context) error
}

// Option customises a Model.
type Option func(*Model)

// WithSeed seeds the shared generator at construction.
func WithSeed(seed int64) Option {
	return func(m *Model) {
		m.reseed(seed)
	}
}

// WithFaultPolicy selects how agent faults are handled.
func WithFaultPolicy(p FaultPolicy) Option {
	return func(m *Model) {
		m.policy = p
	}
}

// WithEventSink attaches an event sink. Repeated options fan out.
func WithEventSink(sink EventSink) Option {
	return func(m *Model) {
		m.sink = NewMultiSink(m.sink, sink)
	}
}

// WithCollector attaches a data collector sampled after every step.
func WithCollector(c *Collector) Option {
	return func(m *Model) {
		m.collector = c
	}
}

// WithClock attaches a simulated clock advanced once per step.
func WithClock(c Clock) Option {
	return func(m *Model) {
		m.clock = c
	}
}

// WithSchema sets the version tag copied into every collected record.
func WithSchema(schema string) Option {
	return func(m *Model) {
		m.schema = schema
	}
}

// WithAllocator shares an identifier allocator across models.
func WithAllocator(a *Allocator) Option {
	return func(m *Model) {
		if a != nil {
			m.pop = NewPopulation(a)
		}
	}
}

// RunReport summarises a Run call.
type RunReport struct {
	// Steps is the number of steps completed by this call.
	Steps int
	// Faults counts agent faults recorded during this call.
	Faults int
	// LastStep is the model's step counter when Run returned.
	LastStep uint64
}

// Model is the composition root: it owns the population, the environment,
// the scheduler and the seeded generator, and drives steps through them.
//
// Query methods are safe to call from other goroutines while a step runs.
// Step, Run, Seed, AddAgent, RemoveAgent and Close serialise on the model
// and fail with ErrInvalidTransition when another of them is in progress,
// which includes agents calling them from inside their own Step.
type Model struct {
	// op serialises state-changing operations; held for a whole step.
	op sync.Mutex
	mu sync.RWMutex

	sched *Scheduler
	env   env.Environment
	pop   *Population

	rng    *rand.Rand
	seed   int64
	seeded bool
	steps  uint64
	faults []FaultError

	policy    FaultPolicy
	sink      EventSink
	collector *Collector
	clock     Clock
	schema    string
	tracer    trace.Tracer
}

// NewModel wires sched and environment into a model. A nil environment
// means a non-spatial model.
func NewModel(sched *Scheduler, environment env.Environment, opts ...Option) (*Model, error) {
	if sched == nil {
		return nil, fmt.Errorf("%w: nil scheduler", ErrInvalidConfig)
	}
	if environment == nil {
		environment = env.None{}
	}
	m := &Model{
		sched:  sched,
		env:    environment,
		pop:    NewPopulation(nil),
		sink:   NopSink{},
		tracer: otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Seed reseeds the shared generator. It must be called, directly or via
// WithSeed, before the first step. Reseeding mid-run is allowed but the run
// is no longer reproducible from its original seed.
func (m *Model) Seed(seed int64) error {
	if !m.op.TryLock() {
		return fmt.Errorf("%w: seed changed during a step", ErrInvalidTransition)
	}
	defer m.op.Unlock()
	m.reseed(seed)
	return nil
}

func (m *Model) reseed(seed int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seed = seed
	m.seeded = true
	m.rng = rand.New(rand.NewSource(seed))
}

// SeedValue returns the current seed and whether one was set.
func (m *Model) SeedValue() (int64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.seed, m.seeded
}

// FaultPolicy returns the configured fault policy.
func (m *Model) FaultPolicy() FaultPolicy { return m.policy }

// Substream returns a generator derived from the seed, name and the
// current step count. Use it for setup randomness (initial placement,
// parameters) so that the shared generator only drives activation order.
func (m *Model) Substream(name string) *rand.Rand {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return newDerived(m.seed, substreamTag, hashName(name), m.steps)
}

// StepCount returns the number of completed steps.
func (m *Model) StepCount() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.steps
}

// Agent returns the live agent with id.
func (m *Model) Agent(id model.AgentID) (Agent, error) { return m.pop.Get(id) }

// IDs returns the live ids in ascending order.
func (m *Model) IDs() []model.AgentID { return m.pop.IDs() }

// Len returns the number of live agents.
func (m *Model) Len() int { return m.pop.Len() }

// Env returns a read-only view of the environment.
func (m *Model) Env() env.View { return env.ReadOnly(m.env) }

// Scheduler returns the scheduler.
func (m *Model) Scheduler() *Scheduler { return m.sched }

// Collector returns the attached collector, or nil.
func (m *Model) Collector() *Collector { return m.collector }

// Faults returns every fault recorded so far, oldest first.
func (m *Model) Faults() []FaultError {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]FaultError(nil), m.faults...)
}

// FaultCount returns the number of recorded faults.
func (m *Model) FaultCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.faults)
}

// AddAgent creates an agent outside a step and makes it live at once. If
// the requested placement is rejected the agent is not added and its id
// stays burned.
func (m *Model) AddAgent(factory Factory, opts ...SpawnOption) (model.AgentID, error) {
	if !m.op.TryLock() {
		return 0, fmt.Errorf("%w: AddAgent during a step; use StepContext.Spawn", ErrInvalidTransition)
	}
	defer m.op.Unlock()
	if m.sched.State() == StateClosed {
		return 0, fmt.Errorf("%w: model closed", ErrInvalidTransition)
	}

	id, err := m.pop.RequestCreate(factory, opts...)
	if err != nil {
		m.pop.Discard()
		return id, err
	}
	sum := m.pop.Reconcile(m.env)
	if len(sum.PlacementErrors) > 0 {
		m.pop.drop(id)
		return id, sum.PlacementErrors[0]
	}
	return id, nil
}

// RemoveAgent removes a live agent and its placement outside a step.
func (m *Model) RemoveAgent(id model.AgentID) error {
	if !m.op.TryLock() {
		return fmt.Errorf("%w: RemoveAgent during a step; use StepContext.Remove", ErrInvalidTransition)
	}
	defer m.op.Unlock()

	if err := m.pop.RequestRemove(id); err != nil {
		return err
	}
	m.pop.Reconcile(m.env)
	return nil
}

// Close moves the scheduler to its terminal state. Further steps fail.
func (m *Model) Close() error {
	if !m.op.TryLock() {
		return fmt.Errorf("%w: close during a step", ErrInvalidTransition)
	}
	defer m.op.Unlock()
	return m.sched.close()
}

// Run performs n steps in sequence. Cancellation is honoured between steps
// and while a pacing clock waits; a step in progress always finishes.
func (m *Model) Run(ctx context.Context, n int) (RunReport, error) {
	var rep RunReport
	if n < 0 {
		return rep, fmt.Errorf("%w: negative step count %d", ErrInvalidConfig, n)
	}
	startFaults := m.FaultCount()
	finish := func(err error) (RunReport, error) {
		rep.Faults = m.FaultCount() - startFaults
		rep.LastStep = m.StepCount()
		return rep, err
	}

	pacer, _ := m.clock.(Pacer)
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return finish(err)
		}
		if pacer != nil {
			if err := pacer.Pace(ctx); err != nil {
				return finish(err)
			}
		}
		if err := m.Step(ctx); err != nil {
			if errors.Is(err, ErrCollect) {
				// The step itself completed before the sink failed.
				rep.Steps++
			}
			return finish(err)
		}
		rep.Steps++
	}
	return finish(nil)
}

// Step runs one full scheduler cycle: build the activation snapshot,
// activate every agent in it stage by stage, reconcile staged lifecycle
// requests, advance the clock and sample the collector.
func (m *Model) Step(ctx context.Context) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !m.op.TryLock() {
		return fmt.Errorf("%w: step already in progress", ErrInvalidTransition)
	}
	defer m.op.Unlock()

	m.mu.RLock()
	seeded, seed, stepNo := m.seeded, m.seed, m.steps+1
	m.mu.RUnlock()
	if !seeded {
		return fmt.Errorf("%w: seed not set", ErrInvalidTransition)
	}
	if m.policy != FaultPolicyIsolate && m.policy != FaultPolicyFailFast {
		return fmt.Errorf("%w: fault policy not set", ErrInvalidTransition)
	}
	if err := m.sched.begin(); err != nil {
		return err
	}

	started := time.Now()
	ctx, span := m.tracer.Start(ctx, "agentsim.step", trace.WithAttributes(
		attribute.Int64("agentsim.step", int64(stepNo)),
		attribute.String("agentsim.policy", m.sched.Policy().String()),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	var checkpoint env.Checkpoint
	committed := false
	// A panic outside an agent (an event sink, a collector metric) must not
	// leave the scheduler stuck mid-step.
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if !committed {
			m.pop.Discard()
			if checkpoint != nil {
				checkpoint.Restore()
			}
		}
		m.sched.transition(StateIdle)
		err = fmt.Errorf("step %d: %w", stepNo, &PanicError{Value: r})
	}()

	ids := m.pop.IDs()
	if m.policy == FaultPolicyFailFast {
		checkpoint = m.env.Checkpoint()
	}
	m.mu.Lock()
	m.sched.build(ids, m.rng)
	m.mu.Unlock()
	span.SetAttributes(attribute.Int("agentsim.live_agents", len(ids)))
	m.sink.StepStarted(ctx, StepStartEvent{Step: stepNo, Policy: m.sched.Policy(), LiveAgents: len(ids)})

	end := StepEndEvent{Step: stepNo, LiveAgents: len(ids)}
	for stageIdx, stage := range m.sched.stages {
		fault := m.activateStage(ctx, stageIdx, stage.Name, seed, stepNo, &end)
		if fault == nil || m.policy != FaultPolicyFailFast {
			continue
		}

		m.pop.Discard()
		if checkpoint != nil {
			checkpoint.Restore()
		}
		m.sched.transition(StateIdle)
		end.Aborted = true
		end.Duration = time.Since(started)
		m.sink.StepEnded(ctx, end)
		return fault
	}

	m.sched.transition(StateReconciling)
	sum := m.pop.Reconcile(m.env)
	m.sink.Reconciled(ctx, ReconcileEvent{Step: stepNo, Summary: sum})
	span.SetAttributes(
		attribute.Int("agentsim.created", sum.Created),
		attribute.Int("agentsim.removed", sum.Removed),
	)

	m.mu.Lock()
	m.steps = stepNo
	m.mu.Unlock()
	committed = true
	m.sched.transition(StateIdle)

	var now time.Time
	if m.clock != nil {
		now = m.clock.Advance()
	}

	end.LiveAgents = m.pop.Len()
	end.Duration = time.Since(started)
	defer m.sink.StepEnded(ctx, end)

	if m.collector != nil {
		view := View{m: m, step: stepNo, time: now}
		stats := stepStats{schema: m.schema, faults: end.Faults, created: sum.Created, removed: sum.Removed}
		if _, err := m.collector.collect(ctx, view, stats); err != nil {
			return err
		}
	}
	return nil
}

// activateStage runs one stage of the snapshot. It returns the first fault
// when the model is fail-fast, and nil otherwise.
func (m *Model) activateStage(ctx context.Context, stageIdx int, stage string, seed int64, stepNo uint64, end *StepEndEvent) *FaultError {
	ctx, span := m.tracer.Start(ctx, "agentsim.stage", trace.WithAttributes(
		attribute.String("agentsim.stage", stage),
	))
	defer span.End()

	order := m.sched.stageOrder(stageIdx)
	for pos, id := range order {
		m.sched.setCursor(stageIdx, pos)

		agent, err := m.pop.Get(id)
		if err != nil {
			// Unreachable while removals stay staged; treat as a fault so it
			// is never silent.
			err = fmt.Errorf("%w: snapshot id vanished", err)
		} else {
			sc := &StepContext{m: m, seed: seed, step: stepNo, stage: stage, stageIdx: stageIdx, self: id}
			err = invoke(ctx, agent, sc)
			end.Activations++
		}
		if err == nil {
			continue
		}

		fault := &FaultError{Step: stepNo, Agent: id, Stage: stage, Err: err}
		end.Faults++
		m.mu.Lock()
		m.faults = append(m.faults, *fault)
		m.mu.Unlock()
		span.AddEvent("agent.fault", trace.WithAttributes(
			attribute.String("agentsim.agent", id.String()),
			attribute.String("error", err.Error()),
		))
		m.sink.AgentFaulted(ctx, fault)

		if m.policy == FaultPolicyFailFast {
			span.SetStatus(codes.Error, fault.Error())
			return fault
		}
	}
	m.sched.setCursor(stageIdx, len(order))
	return nil
}

func invoke(ctx context.Context, a Agent, sc *StepContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r}
		}
	}()
	return a.Step(ctx, sc)
}
