package core

import (
	"context"
	"sync"
	"testing"

	"github.com/signalsfoundry/agentsim/env"
	"github.com/signalsfoundry/agentsim/model"
)

// probe is a test agent that logs its activations and runs an optional hook.
type probe struct {
	Base
	log  *activationLog
	hook func(ctx context.Context, sc *StepContext) error
}

func (p *probe) Step(ctx context.Context, sc *StepContext) error {
	p.log.add(sc.Step(), sc.Stage(), p.ID())
	if p.hook != nil {
		return p.hook(ctx, sc)
	}
	return nil
}

type activation struct {
	step  uint64
	stage string
	id    model.AgentID
}

type activationLog struct {
	mu      sync.Mutex
	entries []activation
}

func (l *activationLog) add(step uint64, stage string, id model.AgentID) {
	l.mu.Lock()
	l.entries = append(l.entries, activation{step: step, stage: stage, id: id})
	l.mu.Unlock()
}

func (l *activationLog) ids(step uint64) []model.AgentID {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []model.AgentID
	for _, e := range l.entries {
		if e.step == step {
			out = append(out, e.id)
		}
	}
	return out
}

func (l *activationLog) count(id model.AgentID) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.entries {
		if e.id == id {
			n++
		}
	}
	return n
}

func probeFactory(log *activationLog, hook func(ctx context.Context, sc *StepContext) error) Factory {
	return func(id model.AgentID) (Agent, error) {
		return &probe{Base: NewBase(id), log: log, hook: hook}, nil
	}
}

// recordingSink captures events for assertions.
type recordingSink struct {
	mu         sync.Mutex
	started    []StepStartEvent
	ended      []StepEndEvent
	faults     []*FaultError
	reconciled []ReconcileEvent
}

func (r *recordingSink) StepStarted(_ context.Context, ev StepStartEvent) {
	r.mu.Lock()
	r.started = append(r.started, ev)
	r.mu.Unlock()
}

func (r *recordingSink) StepEnded(_ context.Context, ev StepEndEvent) {
	r.mu.Lock()
	r.ended = append(r.ended, ev)
	r.mu.Unlock()
}

func (r *recordingSink) AgentFaulted(_ context.Context, f *FaultError) {
	r.mu.Lock()
	r.faults = append(r.faults, f)
	r.mu.Unlock()
}

func (r *recordingSink) Reconciled(_ context.Context, ev ReconcileEvent) {
	r.mu.Lock()
	r.reconciled = append(r.reconciled, ev)
	r.mu.Unlock()
}

func newGrid(t *testing.T) *env.Grid {
	t.Helper()
	g, err := env.NewGrid(env.GridConfig{Size: []int{5, 5}})
	if err != nil {
		t.Fatalf("NewGrid: %v", err)
	}
	return g
}

func newTestModel(t *testing.T, policy Policy, environment env.Environment, opts ...Option) *Model {
	t.Helper()
	sched, err := NewScheduler(policy)
	if err != nil {
		t.Fatalf("NewScheduler(%s): %v", policy, err)
	}
	base := []Option{WithSeed(1), WithFaultPolicy(FaultPolicyIsolate)}
	m, err := NewModel(sched, environment, append(base, opts...)...)
	if err != nil {
		t.Fatalf("NewModel: %v", err)
	}
	return m
}

func mustAdd(t *testing.T, m *Model, f Factory, opts ...SpawnOption) model.AgentID {
	t.Helper()
	id, err := m.AddAgent(f, opts...)
	if err != nil {
		t.Fatalf("AddAgent: %v", err)
	}
	return id
}

func equalIDs(a, b []model.AgentID) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
