// Package env defines the shared environment agents are placed in and the
// built-in topologies that implement it.
//
// Every topology answers the same questions (place, remove, neighbors,
// location of) and can checkpoint its placements, so the scheduler never
// depends on geometry. Agents only ever see a read-only View. Query
// results are freshly allocated slices; callers may mutate placements while
// iterating them.
package env

import (
	"errors"

	"github.com/signalsfoundry/agentsim/model"
)

var (
	// ErrInvalidLocation indicates a location of the wrong type for the
	// topology, or one outside its bounds.
	ErrInvalidLocation = errors.New("env: invalid location")
	// ErrOccupied indicates a single-occupancy cell already holds another agent.
	ErrOccupied = errors.New("env: location occupied")
	// ErrUnknownNode indicates a graph operation referenced a node that was never added.
	ErrUnknownNode = errors.New("env: unknown graph node")
)

// Environment holds agent placements and answers locality queries.
type Environment interface {
	// Place puts id at loc. Placing an already placed id moves it.
	Place(id model.AgentID, loc model.Location) error
	// Remove drops the placement for id. Unknown ids are ignored.
	Remove(id model.AgentID)
	// Neighbors returns the ids related to loc under rel, ascending.
	Neighbors(loc model.Location, rel Relation) ([]model.AgentID, error)
	// LocationOf returns the placement of id, if any.
	LocationOf(id model.AgentID) (model.Location, bool)
	// Len returns the number of placed agents.
	Len() int
	// Checkpoint captures every placement. The model restores it to undo
	// agent moves when a fail-fast step aborts.
	Checkpoint() Checkpoint
}

// Checkpoint captures environment state so it can be rolled back.
type Checkpoint interface {
	Restore()
}

// Neighborhood selects which surrounding locations count as related.
type Neighborhood uint8

const (
	// Moore includes diagonally adjacent cells.
	Moore Neighborhood = iota
	// VonNeumann includes only orthogonally adjacent cells.
	VonNeumann
	// Colocated includes only the queried location itself.
	Colocated
)

// String implements fmt.Stringer.
func (n Neighborhood) String() string {
	switch n {
	case Moore:
		return "moore"
	case VonNeumann:
		return "von_neumann"
	case Colocated:
		return "colocated"
	default:
		return "unknown"
	}
}

// Metric selects the distance function for continuous space and grid distance.
type Metric uint8

const (
	Euclidean Metric = iota
	Manhattan
)

// Relation parameterises a neighbor query. Discrete topologies treat a
// non-positive Radius as 1; continuous space uses it as a distance.
type Relation struct {
	Neighborhood  Neighborhood
	Radius        float64
	Metric        Metric
	IncludeCenter bool
}

// Adjacent is the default relation: immediate Moore neighbors, center excluded.
var Adjacent = Relation{Neighborhood: Moore, Radius: 1}

func (r Relation) steps() int {
	if r.Radius <= 0 {
		return 1
	}
	return int(r.Radius)
}

// None is the environment of non-spatial models. It holds no placements.
type None struct{}

// Place always fails; there is nowhere to put an agent.
func (None) Place(model.AgentID, model.Location) error { return ErrInvalidLocation }

func (None) Remove(model.AgentID) {}

func (None) Neighbors(model.Location, Relation) ([]model.AgentID, error) { return nil, nil }

func (None) LocationOf(model.AgentID) (model.Location, bool) { return nil, false }

func (None) Len() int { return 0 }

func (None) Checkpoint() Checkpoint { return noopCheckpoint{} }

type noopCheckpoint struct{}

func (noopCheckpoint) Restore() {}
