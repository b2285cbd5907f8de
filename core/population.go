package core

import (
	"fmt"
	"sort"
	"sync"

	"github.com/signalsfoundry/agentsim/env"
	"github.com/signalsfoundry/agentsim/model"
)

// createRequest is a staged agent creation.
type createRequest struct {
	id        model.AgentID
	agent     Agent
	loc       model.Location
	cancelled bool
}

// ReconcileSummary reports what one reconciliation pass applied.
type ReconcileSummary struct {
	Created int
	Removed int
	// Cancelled counts creations removed again before they became visible.
	Cancelled int
	// Conflicts counts duplicate removal requests resolved as no-ops.
	Conflicts int
	// PlacementErrors lists created agents whose requested placement the
	// environment rejected. Those agents exist but are unplaced.
	PlacementErrors []PlacementError
}

// PlacementError records a rejected placement for a newly created agent.
type PlacementError struct {
	Agent    model.AgentID
	Location model.Location
	Err      error
}

func (e PlacementError) Error() string {
	return fmt.Sprintf("place agent %s at %v: %v", e.Agent, e.Location, e.Err)
}

func (e PlacementError) Unwrap() error { return e.Err }

// Population is the registry of live agents plus the lifecycle requests
// staged during the current step. Creations and removals only take effect
// in Reconcile, so an in-flight activation order never sees the registry
// change underneath it.
type Population struct {
	mu sync.RWMutex

	alloc  *Allocator
	agents map[model.AgentID]Agent

	creates   []*createRequest
	createIdx map[model.AgentID]*createRequest
	removes   []model.AgentID
	removing  map[model.AgentID]struct{}
	conflicts int
}

// NewPopulation returns an empty registry drawing ids from alloc. A nil
// allocator gets a private one.
func NewPopulation(alloc *Allocator) *Population {
	if alloc == nil {
		alloc = &Allocator{}
	}
	return &Population{
		alloc:     alloc,
		agents:    make(map[model.AgentID]Agent),
		createIdx: make(map[model.AgentID]*createRequest),
		removing:  make(map[model.AgentID]struct{}),
	}
}

// Get returns the live agent with id. Agents pending removal stay visible
// until reconciliation; pending creations are not visible yet.
func (p *Population) Get(id model.AgentID) (Agent, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	a, ok := p.agents[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return a, nil
}

// Contains reports whether id is live.
func (p *Population) Contains(id model.AgentID) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.agents[id]
	return ok
}

// Len returns the number of live agents.
func (p *Population) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.agents)
}

// IDs returns the live identifiers in ascending order.
func (p *Population) IDs() []model.AgentID {
	p.mu.RLock()
	defer p.mu.RUnlock()

	ids := make([]model.AgentID, 0, len(p.agents))
	for id := range p.agents {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// PendingRemoval reports whether id has a removal staged.
func (p *Population) PendingRemoval(id model.AgentID) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.removing[id]
	return ok
}

// Pending returns the number of staged requests that will change the
// registry on reconciliation.
func (p *Population) Pending() int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	n := len(p.removes)
	for _, c := range p.creates {
		if !c.cancelled {
			n++
		}
	}
	return n
}

// RequestCreate reserves an identifier, builds the agent through factory
// and stages it. The agent becomes visible at the next reconciliation. The
// identifier stays reserved even if the factory fails.
func (p *Population) RequestCreate(factory Factory, opts ...SpawnOption) (model.AgentID, error) {
	if factory == nil {
		return 0, fmt.Errorf("%w: nil agent factory", ErrInvalidConfig)
	}
	id := p.alloc.Next()

	agent, err := factory(id)
	if err != nil {
		return id, fmt.Errorf("create agent %s: %w", id, err)
	}
	if agent == nil {
		return id, fmt.Errorf("create agent %s: factory returned nil", id)
	}
	if agent.ID() != id {
		return id, fmt.Errorf("create agent %s: factory returned agent with id %s", id, agent.ID())
	}

	req := &createRequest{id: id, agent: agent}
	for _, opt := range opts {
		opt(req)
	}

	p.mu.Lock()
	p.creates = append(p.creates, req)
	p.createIdx[id] = req
	p.mu.Unlock()
	return id, nil
}

// RequestRemove stages removal of id. Removing an id twice in one step is a
// no-op counted as a conflict. Removing a pending creation cancels it.
func (p *Population) RequestRemove(id model.AgentID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, dup := p.removing[id]; dup {
		p.conflicts++
		return nil
	}
	if req, ok := p.createIdx[id]; ok {
		req.cancelled = true
		p.removing[id] = struct{}{}
		return nil
	}
	if _, ok := p.agents[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	p.removes = append(p.removes, id)
	p.removing[id] = struct{}{}
	return nil
}

// Reconcile applies staged creations in request order, then staged
// removals, and clears the pending list. Removed agents lose their
// environment placement in the same pass.
func (p *Population) Reconcile(e env.Environment) ReconcileSummary {
	if e == nil {
		e = env.None{}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var sum ReconcileSummary
	for _, req := range p.creates {
		if req.cancelled {
			sum.Cancelled++
			e.Remove(req.id)
			continue
		}
		p.agents[req.id] = req.agent
		sum.Created++
		if req.loc == nil {
			continue
		}
		if err := e.Place(req.id, req.loc); err != nil {
			sum.PlacementErrors = append(sum.PlacementErrors, PlacementError{Agent: req.id, Location: req.loc, Err: err})
		}
	}
	for _, id := range p.removes {
		delete(p.agents, id)
		e.Remove(id)
		sum.Removed++
	}
	sum.Conflicts = p.conflicts

	p.resetLocked()
	return sum
}

// Discard drops every staged request and returns how many were dropped.
// Identifiers reserved by dropped creations are not reissued.
func (p *Population) Discard() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.creates) + len(p.removes)
	p.resetLocked()
	return n
}

// drop removes a live agent immediately, bypassing staging.
func (p *Population) drop(id model.AgentID) {
	p.mu.Lock()
	delete(p.agents, id)
	p.mu.Unlock()
}

func (p *Population) resetLocked() {
	p.creates = nil
	p.removes = nil
	p.conflicts = 0
	clear(p.createIdx)
	clear(p.removing)
}
