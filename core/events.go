package core

import (
	"context"
	"time"
)

// StepStartEvent is emitted once the activation snapshot is fixed.
type StepStartEvent struct {
	Step       uint64
	Policy     Policy
	LiveAgents int
}

// StepEndEvent is emitted when a step finishes, successfully or not.
type StepEndEvent struct {
	Step        uint64
	Duration    time.Duration
	LiveAgents  int
	Activations int
	Faults      int
	// Aborted is set when a fail-fast fault discarded the step.
	Aborted bool
}

// ReconcileEvent carries the reconciliation summary of a completed step.
type ReconcileEvent struct {
	Step    uint64
	Summary ReconcileSummary
}

// EventSink receives engine events. Implementations must not call back into
// the model; they run on the stepping goroutine.
type EventSink interface {
	StepStarted(ctx context.Context, ev StepStartEvent)
	StepEnded(ctx context.Context, ev StepEndEvent)
	AgentFaulted(ctx context.Context, fault *FaultError)
	Reconciled(ctx context.Context, ev ReconcileEvent)
}

// NopSink discards every event.
type NopSink struct{}

func (NopSink) StepStarted(context.Context, StepStartEvent) {}
func (NopSink) StepEnded(context.Context, StepEndEvent)     {}
func (NopSink) AgentFaulted(context.Context, *FaultError)   {}
func (NopSink) Reconciled(context.Context, ReconcileEvent)  {}

// MultiSink fans events out to each sink in order.
type MultiSink []EventSink

func (m MultiSink) StepStarted(ctx context.Context, ev StepStartEvent) {
	for _, s := range m {
		s.StepStarted(ctx, ev)
	}
}

func (m MultiSink) StepEnded(ctx context.Context, ev StepEndEvent) {
	for _, s := range m {
		s.StepEnded(ctx, ev)
	}
}

func (m MultiSink) AgentFaulted(ctx context.Context, fault *FaultError) {
	for _, s := range m {
		s.AgentFaulted(ctx, fault)
	}
}

func (m MultiSink) Reconciled(ctx context.Context, ev ReconcileEvent) {
	for _, s := range m {
		s.Reconciled(ctx, ev)
	}
}

// NewMultiSink combines sinks, skipping nils. A single sink is returned as is.
func NewMultiSink(sinks ...EventSink) EventSink {
	out := make(MultiSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	switch len(out) {
	case 0:
		return NopSink{}
	case 1:
		return out[0]
	default:
		return out
	}
}
