package core

import (
	"math/rand"

	"github.com/signalsfoundry/agentsim/env"
	"github.com/signalsfoundry/agentsim/model"
)

// StepContext is an agent's handle on the model for the duration of one
// activation. It must not be retained past the agent's Step call.
type StepContext struct {
	m        *Model
	seed     int64
	step     uint64
	stage    string
	stageIdx int
	self     model.AgentID
	rng      *rand.Rand
}

// Step returns the number of the step in flight. Steps are numbered from 1.
func (sc *StepContext) Step() uint64 { return sc.step }

// Stage returns the name of the stage in flight; DefaultStage for
// non-staged schedulers.
func (sc *StepContext) Stage() string { return sc.stage }

// Self returns the id of the agent being activated.
func (sc *StepContext) Self() model.AgentID { return sc.self }

// Env returns a read-only view of the shared environment. Agents move
// themselves with MoveTo; every other placement change goes through Spawn
// and Remove.
func (sc *StepContext) Env() env.View { return env.ReadOnly(sc.m.env) }

// Location returns the activated agent's placement, if any.
func (sc *StepContext) Location() (model.Location, bool) {
	return sc.m.env.LocationOf(sc.self)
}

// MoveTo places the activated agent at loc.
func (sc *StepContext) MoveTo(loc model.Location) error {
	return sc.m.env.Place(sc.self, loc)
}

// Neighbors returns the agents related to the activated agent's own
// placement under rel, excluding the agent itself.
func (sc *StepContext) Neighbors(rel env.Relation) ([]model.AgentID, error) {
	loc, ok := sc.Location()
	if !ok {
		return nil, nil
	}
	ids, err := sc.m.env.Neighbors(loc, rel)
	if err != nil {
		return nil, err
	}
	out := ids[:0]
	for _, id := range ids {
		if id != sc.self {
			out = append(out, id)
		}
	}
	return out, nil
}

// Agent returns a live agent. Agents removed earlier in this step are
// still returned; agents spawned this step are not.
func (sc *StepContext) Agent(id model.AgentID) (Agent, error) {
	return sc.m.pop.Get(id)
}

// IDs returns the live ids in ascending order. Agents spawned this step are
// not included.
func (sc *StepContext) IDs() []model.AgentID { return sc.m.pop.IDs() }

// Len returns the number of live agents at the start of the step.
func (sc *StepContext) Len() int { return sc.m.pop.Len() }

// Spawn stages a new agent. It is activated from the next step on.
func (sc *StepContext) Spawn(factory Factory, opts ...SpawnOption) (model.AgentID, error) {
	return sc.m.pop.RequestCreate(factory, opts...)
}

// Remove stages removal of id, which may be the activated agent itself.
// The agent keeps running for the rest of this step.
func (sc *StepContext) Remove(id model.AgentID) error {
	return sc.m.pop.RequestRemove(id)
}

// Removed reports whether a removal of id is already staged this step.
func (sc *StepContext) Removed(id model.AgentID) bool {
	return sc.m.pop.PendingRemoval(id)
}

// Rand returns a generator derived from the model seed, the step, the
// stage and the agent id. The shared model generator is never exposed.
func (sc *StepContext) Rand() *rand.Rand {
	if sc.rng == nil {
		sc.rng = newDerived(sc.seed, activationTag, sc.step, uint64(sc.stageIdx), uint64(sc.self))
	}
	return sc.rng
}
