package core

import (
	"context"

	"github.com/signalsfoundry/agentsim/model"
)

// Agent is a unit of private state and behavior. Step is invoked once per
// stage of every simulation step the agent is live for. Agents reach the
// model and environment only through the StepContext they are handed.
type Agent interface {
	ID() model.AgentID
	Step(ctx context.Context, sc *StepContext) error
}

// Base carries an agent's identifier. Embed it to satisfy the ID half of
// Agent.
type Base struct {
	id model.AgentID
}

// NewBase returns a Base for id.
func NewBase(id model.AgentID) Base { return Base{id: id} }

// ID returns the agent's identifier.
func (b Base) ID() model.AgentID { return b.id }

// Factory builds an agent for an already reserved identifier. The returned
// agent must report that identifier from ID.
type Factory func(id model.AgentID) (Agent, error)

// AgentFunc adapts a plain function into an Agent.
type AgentFunc struct {
	Base
	Fn func(ctx context.Context, sc *StepContext) error
}

// NewAgentFunc returns an AgentFunc for id running fn.
func NewAgentFunc(id model.AgentID, fn func(ctx context.Context, sc *StepContext) error) *AgentFunc {
	return &AgentFunc{Base: NewBase(id), Fn: fn}
}

// Step calls Fn, if set.
func (a *AgentFunc) Step(ctx context.Context, sc *StepContext) error {
	if a.Fn == nil {
		return nil
	}
	return a.Fn(ctx, sc)
}

// SpawnOption customises a creation request.
type SpawnOption func(*createRequest)

// At places the new agent at loc when the creation is reconciled.
func At(loc model.Location) SpawnOption {
	return func(r *createRequest) {
		r.loc = loc
	}
}
