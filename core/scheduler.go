package core

import (
	"fmt"
	"math/rand"
	"strings"
	"sync"

	"github.com/signalsfoundry/agentsim/model"
)

// DefaultStage names the single stage of Sequential and Random schedulers.
const DefaultStage = "step"

// Policy selects how a step's activation order is built.
type Policy uint8

const (
	policyUnset Policy = iota
	// PolicySequential activates agents in ascending id order.
	PolicySequential
	// PolicyRandom activates agents in a seeded permutation of the live ids.
	PolicyRandom
	// PolicyStaged runs named stages in turn; every agent finishes a stage
	// before any agent starts the next.
	PolicyStaged
)

// String implements fmt.Stringer.
func (p Policy) String() string {
	switch p {
	case PolicySequential:
		return "sequential"
	case PolicyRandom:
		return "random"
	case PolicyStaged:
		return "staged"
	default:
		return "unset"
	}
}

// ParsePolicy maps a policy name onto a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sequential":
		return PolicySequential, nil
	case "random":
		return PolicyRandom, nil
	case "staged":
		return PolicyStaged, nil
	default:
		return policyUnset, fmt.Errorf("%w: unknown activation policy %q", ErrInvalidConfig, s)
	}
}

// Stage is one named phase of a staged step and the order agents are
// activated in during it. Order must be PolicySequential or PolicyRandom.
type Stage struct {
	Name  string
	Order Policy
}

// State is the scheduler's position in the step cycle.
type State uint8

const (
	StateIdle State = iota
	StateBuilding
	StateActivating
	StateReconciling
	StateClosed
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBuilding:
		return "building"
	case StateActivating:
		return "activating"
	case StateReconciling:
		return "reconciling"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Scheduler owns the activation policy and the snapshot of the step in
// flight. It never touches the registry itself: the model hands it the
// live ids when a step starts.
type Scheduler struct {
	mu sync.RWMutex

	policy Policy
	stages []Stage

	state  State
	plan   [][]model.AgentID
	stage  int
	cursor int
}

// NewScheduler validates the policy and stage list. Sequential and Random
// schedulers take no stages; Staged needs at least one, uniquely named.
func NewScheduler(policy Policy, stages ...Stage) (*Scheduler, error) {
	s := &Scheduler{policy: policy}
	switch policy {
	case PolicySequential, PolicyRandom:
		if len(stages) > 0 {
			return nil, fmt.Errorf("%w: %s scheduler does not take stages", ErrInvalidConfig, policy)
		}
		s.stages = []Stage{{Name: DefaultStage, Order: policy}}
	case PolicyStaged:
		if len(stages) == 0 {
			return nil, fmt.Errorf("%w: staged scheduler needs at least one stage", ErrInvalidConfig)
		}
		seen := make(map[string]struct{}, len(stages))
		for i, st := range stages {
			if st.Name == "" {
				return nil, fmt.Errorf("%w: stage %d has no name", ErrInvalidConfig, i)
			}
			if _, dup := seen[st.Name]; dup {
				return nil, fmt.Errorf("%w: duplicate stage %q", ErrInvalidConfig, st.Name)
			}
			seen[st.Name] = struct{}{}
			if st.Order != PolicySequential && st.Order != PolicyRandom {
				return nil, fmt.Errorf("%w: stage %q order must be sequential or random, got %s", ErrInvalidConfig, st.Name, st.Order)
			}
		}
		s.stages = append([]Stage(nil), stages...)
	default:
		return nil, fmt.Errorf("%w: activation policy not set", ErrInvalidConfig)
	}
	return s, nil
}

// MustScheduler is NewScheduler that panics on invalid input. Intended for
// static setup code and tests.
func MustScheduler(policy Policy, stages ...Stage) *Scheduler {
	s, err := NewScheduler(policy, stages...)
	if err != nil {
		panic(err)
	}
	return s
}

// Policy returns the configured activation policy.
func (s *Scheduler) Policy() Policy { return s.policy }

// Stages returns a copy of the stage list.
func (s *Scheduler) Stages() []Stage {
	return append([]Stage(nil), s.stages...)
}

// State returns the current state.
func (s *Scheduler) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Order returns the activation order of the stage in flight, or nil when
// idle.
func (s *Scheduler) Order() []model.AgentID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.plan == nil || s.stage >= len(s.plan) {
		return nil
	}
	return append([]model.AgentID(nil), s.plan[s.stage]...)
}

// Cursor returns the index of the stage in flight and the number of agents
// already activated in it.
func (s *Scheduler) Cursor() (stage, pos int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stage, s.cursor
}

// begin moves Idle -> Building.
func (s *Scheduler) begin() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateIdle {
		return fmt.Errorf("%w: step requested while scheduler is %s", ErrInvalidTransition, s.state)
	}
	s.state = StateBuilding
	return nil
}

// build fixes the activation order of every stage from ids (ascending) and
// moves Building -> Activating. All random draws for the step happen here,
// in stage order, so generator use never depends on agent behavior.
func (s *Scheduler) build(ids []model.AgentID, rng *rand.Rand) {
	s.mu.Lock()
	defer s.mu.Unlock()

	plan := make([][]model.AgentID, len(s.stages))
	for i, st := range s.stages {
		order := append([]model.AgentID(nil), ids...)
		if st.Order == PolicyRandom {
			rng.Shuffle(len(order), func(a, b int) { order[a], order[b] = order[b], order[a] })
		}
		plan[i] = order
	}
	s.plan = plan
	s.stage, s.cursor = 0, 0
	s.state = StateActivating
}

// stageOrder returns the order for stage i without copying; callers must
// not modify it.
func (s *Scheduler) stageOrder(i int) []model.AgentID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.plan[i]
}

func (s *Scheduler) setCursor(stage, pos int) {
	s.mu.Lock()
	s.stage, s.cursor = stage, pos
	s.mu.Unlock()
}

func (s *Scheduler) transition(to State) {
	s.mu.Lock()
	s.state = to
	if to == StateIdle || to == StateClosed {
		s.plan = nil
		s.stage, s.cursor = 0, 0
	}
	s.mu.Unlock()
}

// close moves to Closed unless a step is in flight.
func (s *Scheduler) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateIdle:
		s.state = StateClosed
		return nil
	case StateClosed:
		return nil
	default:
		return fmt.Errorf("%w: close requested while scheduler is %s", ErrInvalidTransition, s.state)
	}
}
