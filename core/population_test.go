package core

import (
	"errors"
	"testing"

	"github.com/signalsfoundry/agentsim/env"
	"github.com/signalsfoundry/agentsim/model"
)

func TestPopulationStagesUntilReconcile(t *testing.T) {
	p := NewPopulation(nil)
	log := &activationLog{}

	id, err := p.RequestCreate(probeFactory(log, nil))
	if err != nil {
		t.Fatalf("RequestCreate: %v", err)
	}
	if id != 1 {
		t.Fatalf("first id = %v, want 1", id)
	}
	if p.Contains(id) || p.Len() != 0 {
		t.Fatalf("pending creation visible before reconcile")
	}
	if p.Pending() != 1 {
		t.Fatalf("Pending = %d, want 1", p.Pending())
	}

	sum := p.Reconcile(nil)
	if sum.Created != 1 || !p.Contains(id) {
		t.Fatalf("summary = %+v, contains = %v", sum, p.Contains(id))
	}
	if p.Pending() != 0 {
		t.Fatalf("Pending after reconcile = %d, want 0", p.Pending())
	}
}

func TestPopulationRemoveUnknown(t *testing.T) {
	p := NewPopulation(nil)
	if err := p.RequestRemove(7); !errors.Is(err, ErrNotFound) {
		t.Fatalf("RequestRemove err = %v, want ErrNotFound", err)
	}
	if _, err := p.Get(7); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get err = %v, want ErrNotFound", err)
	}
}

func TestPopulationRemovingPendingCreateCancelsIt(t *testing.T) {
	grid, err := env.NewGrid(env.GridConfig{Size: []int{3}})
	if err != nil {
		t.Fatalf("NewGrid: %v", err)
	}
	p := NewPopulation(nil)
	id, err := p.RequestCreate(probeFactory(&activationLog{}, nil), At(env.Coord{X: 1}))
	if err != nil {
		t.Fatalf("RequestCreate: %v", err)
	}
	if err := p.RequestRemove(id); err != nil {
		t.Fatalf("RequestRemove: %v", err)
	}
	if err := p.RequestRemove(id); err != nil {
		t.Fatalf("second RequestRemove: %v", err)
	}

	sum := p.Reconcile(grid)
	if sum.Created != 0 || sum.Removed != 0 || sum.Cancelled != 1 || sum.Conflicts != 1 {
		t.Fatalf("summary = %+v, want 1 cancelled 1 conflict", sum)
	}
	if p.Len() != 0 || grid.Len() != 0 {
		t.Fatalf("cancelled creation left state: agents %d placements %d", p.Len(), grid.Len())
	}
}

func TestPopulationRemovalDropsPlacement(t *testing.T) {
	grid, err := env.NewGrid(env.GridConfig{Size: []int{3}})
	if err != nil {
		t.Fatalf("NewGrid: %v", err)
	}
	p := NewPopulation(nil)
	id, _ := p.RequestCreate(probeFactory(&activationLog{}, nil), At(env.Coord{X: 2}))
	p.Reconcile(grid)

	if err := p.RequestRemove(id); err != nil {
		t.Fatalf("RequestRemove: %v", err)
	}
	if !p.Contains(id) || !p.PendingRemoval(id) {
		t.Fatalf("agent pending removal should stay visible")
	}
	sum := p.Reconcile(grid)
	if sum.Removed != 1 {
		t.Fatalf("Removed = %d, want 1", sum.Removed)
	}
	if _, ok := grid.LocationOf(id); ok {
		t.Fatalf("dangling placement for removed agent %v", id)
	}
}

func TestPopulationFactoryErrorsBurnIDs(t *testing.T) {
	p := NewPopulation(nil)
	boom := errors.New("boom")

	if _, err := p.RequestCreate(func(model.AgentID) (Agent, error) { return nil, boom }); !errors.Is(err, boom) {
		t.Fatalf("factory error = %v, want boom", err)
	}
	if _, err := p.RequestCreate(func(model.AgentID) (Agent, error) { return nil, nil }); err == nil {
		t.Fatalf("nil agent accepted")
	}
	wrongID := func(model.AgentID) (Agent, error) { return &probe{Base: NewBase(99)}, nil }
	if _, err := p.RequestCreate(wrongID); err == nil {
		t.Fatalf("agent with mismatched id accepted")
	}
	if _, err := p.RequestCreate(nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("nil factory err = %v, want ErrInvalidConfig", err)
	}

	id, err := p.RequestCreate(probeFactory(&activationLog{}, nil))
	if err != nil {
		t.Fatalf("RequestCreate: %v", err)
	}
	if id != 4 {
		t.Fatalf("id after three failures = %v, want 4", id)
	}
}

func TestPopulationDiscard(t *testing.T) {
	p := NewPopulation(nil)
	id, _ := p.RequestCreate(probeFactory(&activationLog{}, nil))
	p.Reconcile(nil)

	if _, err := p.RequestCreate(probeFactory(&activationLog{}, nil)); err != nil {
		t.Fatalf("RequestCreate: %v", err)
	}
	if err := p.RequestRemove(id); err != nil {
		t.Fatalf("RequestRemove: %v", err)
	}
	if n := p.Discard(); n != 2 {
		t.Fatalf("Discard = %d, want 2", n)
	}
	sum := p.Reconcile(nil)
	if sum.Created != 0 || sum.Removed != 0 {
		t.Fatalf("summary after discard = %+v, want empty", sum)
	}
	if got := p.IDs(); !equalIDs(got, []model.AgentID{id}) {
		t.Fatalf("IDs = %v, want [%v]", got, id)
	}
}

func TestAllocatorSharedAcrossPopulations(t *testing.T) {
	alloc := &Allocator{}
	a := NewPopulation(alloc)
	b := NewPopulation(alloc)

	id1, _ := a.RequestCreate(probeFactory(&activationLog{}, nil))
	id2, _ := b.RequestCreate(probeFactory(&activationLog{}, nil))
	if id1 == id2 {
		t.Fatalf("shared allocator reissued %v", id1)
	}
	if alloc.Last() != 2 {
		t.Fatalf("Last = %v, want 2", alloc.Last())
	}
}
