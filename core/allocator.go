package core

import (
	"sync/atomic"

	"github.com/signalsfoundry/agentsim/model"
)

// Allocator issues agent identifiers. Identifiers start at 1, strictly
// increase, and are never handed out twice, including ids whose agent was
// never created because its step aborted.
type Allocator struct {
	last atomic.Uint64
}

// Next reserves and returns a fresh identifier.
func (a *Allocator) Next() model.AgentID {
	return model.AgentID(a.last.Add(1))
}

// Last returns the most recently issued identifier, or zero.
func (a *Allocator) Last() model.AgentID {
	return model.AgentID(a.last.Load())
}
