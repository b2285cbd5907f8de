package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/signalsfoundry/agentsim/env"
	"github.com/signalsfoundry/agentsim/model"
)

func TestStepRemovesAndCreatesAtBoundary(t *testing.T) {
	grid := newGrid(t)
	m := newTestModel(t, PolicySequential, grid)
	log := &activationLog{}

	var spawned model.AgentID
	hook := func(_ context.Context, sc *StepContext) error {
		if sc.Self() != 2 || sc.Step() != 1 {
			return nil
		}
		if err := sc.Remove(3); err != nil {
			return err
		}
		// Removal is staged; agent 3 is still visible.
		if _, err := sc.Agent(3); err != nil {
			return fmt.Errorf("agent 3 vanished mid-step: %w", err)
		}
		id, err := sc.Spawn(probeFactory(log, nil), At(env.Coord{X: 4, Y: 4}))
		if err != nil {
			return err
		}
		spawned = id
		if _, err := sc.Agent(id); !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("spawned agent visible before reconciliation")
		}
		return nil
	}
	for i := 0; i < 3; i++ {
		mustAdd(t, m, probeFactory(log, hook), At(env.Coord{X: i}))
	}

	rep, err := m.Run(context.Background(), 1)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if spawned != 4 {
		t.Fatalf("spawned id = %v, want 4", spawned)
	}
	if got, want := m.IDs(), []model.AgentID{1, 2, 4}; !equalIDs(got, want) {
		t.Fatalf("IDs = %v, want %v", got, want)
	}
	if _, ok := grid.LocationOf(3); ok {
		t.Fatalf("agent 3 still placed after reconciliation")
	}
	if loc, ok := grid.LocationOf(4); !ok || loc != (env.Coord{X: 4, Y: 4}) {
		t.Fatalf("agent 4 location = %v, %v; want (4, 4, 0)", loc, ok)
	}
	if m.StepCount() != 1 || rep.Steps != 1 || rep.LastStep != 1 {
		t.Fatalf("step count = %d, report = %+v; want 1", m.StepCount(), rep)
	}
	// Agent 3 was in the snapshot and still ran once; agent 4 did not run.
	if got, want := log.ids(1), []model.AgentID{1, 2, 3}; !equalIDs(got, want) {
		t.Fatalf("step 1 activations = %v, want %v", got, want)
	}
	if _, err := m.Agent(3); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Agent(3) err = %v, want ErrNotFound", err)
	}
}

func TestSpawnedAgentRunsFromNextStep(t *testing.T) {
	m := newTestModel(t, PolicySequential, nil)
	log := &activationLog{}
	spawnOnce := func(_ context.Context, sc *StepContext) error {
		if sc.Step() == 1 {
			_, err := sc.Spawn(probeFactory(log, nil))
			return err
		}
		return nil
	}
	mustAdd(t, m, probeFactory(log, spawnOnce))

	if _, err := m.Run(context.Background(), 2); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := log.ids(1); !equalIDs(got, []model.AgentID{1}) {
		t.Fatalf("step 1 activations = %v, want [1]", got)
	}
	if got := log.ids(2); !equalIDs(got, []model.AgentID{1, 2}) {
		t.Fatalf("step 2 activations = %v, want [1 2]", got)
	}
}

func randomOrderLog(t *testing.T, seed int64, agents, steps int) string {
	t.Helper()
	sched, err := NewScheduler(PolicyRandom)
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	m, err := NewModel(sched, nil, WithSeed(seed), WithFaultPolicy(FaultPolicyIsolate))
	if err != nil {
		t.Fatalf("NewModel: %v", err)
	}
	log := &activationLog{}
	for i := 0; i < agents; i++ {
		mustAdd(t, m, probeFactory(log, nil))
	}
	if _, err := m.Run(context.Background(), steps); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var b strings.Builder
	for step := 1; step <= steps; step++ {
		fmt.Fprintf(&b, "%d:%v\n", step, log.ids(uint64(step)))
	}
	return b.String()
}

func TestRandomPolicyIsReproducible(t *testing.T) {
	a := randomOrderLog(t, 42, 5, 10)
	b := randomOrderLog(t, 42, 5, 10)
	if a != b {
		t.Fatalf("activation logs differ for the same seed:\n%s\nvs\n%s", a, b)
	}

	sorted := 0
	for _, line := range strings.Split(strings.TrimSpace(a), "\n") {
		if strings.HasSuffix(line, ":[1 2 3 4 5]") {
			sorted++
		}
	}
	if sorted == 10 {
		t.Fatalf("random policy produced ascending order on every step:\n%s", a)
	}

	if c := randomOrderLog(t, 43, 5, 10); c == a {
		t.Fatalf("seeds 42 and 43 produced identical logs")
	}
}

func TestRandomPolicyActivatesEveryAgentOnce(t *testing.T) {
	m := newTestModel(t, PolicyRandom, nil, WithSeed(7))
	log := &activationLog{}
	for i := 0; i < 20; i++ {
		mustAdd(t, m, probeFactory(log, nil))
	}
	if err := m.Step(context.Background()); err != nil {
		t.Fatalf("Step: %v", err)
	}
	seen := make(map[model.AgentID]int)
	for _, id := range log.ids(1) {
		seen[id]++
	}
	if len(seen) != 20 {
		t.Fatalf("activated %d distinct agents, want 20", len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("agent %v activated %d times, want 1", id, n)
		}
	}
}

func TestFailFastLeavesRegistryAndEnvironmentUntouched(t *testing.T) {
	grid := newGrid(t)
	sink := &recordingSink{}
	sched := MustScheduler(PolicySequential)
	m, err := NewModel(sched, grid, WithSeed(1), WithFaultPolicy(FaultPolicyFailFast), WithEventSink(sink))
	if err != nil {
		t.Fatalf("NewModel: %v", err)
	}
	log := &activationLog{}
	boom := errors.New("boom")
	hook := func(_ context.Context, sc *StepContext) error {
		switch sc.Self() {
		case 1:
			if err := sc.MoveTo(env.Coord{X: 3, Y: 3}); err != nil {
				return err
			}
			if _, err := sc.Spawn(probeFactory(log, nil), At(env.Coord{X: 4})); err != nil {
				return err
			}
			return sc.Remove(3)
		case 2:
			return boom
		}
		return nil
	}
	for i := 0; i < 3; i++ {
		mustAdd(t, m, probeFactory(log, hook), At(env.Coord{X: i}))
	}

	rep, err := m.Run(context.Background(), 5)
	if !errors.Is(err, ErrAgentFault) {
		t.Fatalf("Run err = %v, want ErrAgentFault", err)
	}
	var fe *FaultError
	if !errors.As(err, &fe) {
		t.Fatalf("Run err %T is not *FaultError", err)
	}
	if fe.Agent != 2 || fe.Step != 1 || !errors.Is(fe, boom) {
		t.Fatalf("fault = %+v, want agent 2 step 1 wrapping boom", fe)
	}
	if rep.Steps != 0 || rep.Faults != 1 {
		t.Fatalf("report = %+v, want 0 steps 1 fault", rep)
	}

	if m.StepCount() != 0 {
		t.Fatalf("StepCount = %d, want 0", m.StepCount())
	}
	if got, want := m.IDs(), []model.AgentID{1, 2, 3}; !equalIDs(got, want) {
		t.Fatalf("IDs = %v, want %v", got, want)
	}
	for i := 0; i < 3; i++ {
		id := model.AgentID(i + 1)
		loc, ok := grid.LocationOf(id)
		if !ok || loc != (env.Coord{X: i}) {
			t.Fatalf("agent %v at %v (%v), want (%d, 0, 0)", id, loc, ok, i)
		}
	}
	if grid.Len() != 3 {
		t.Fatalf("grid holds %d placements, want 3", grid.Len())
	}
	// Agent 3 never ran: the step aborted at agent 2.
	if log.count(3) != 0 {
		t.Fatalf("agent 3 activated after fail-fast abort")
	}
	if len(sink.reconciled) != 0 {
		t.Fatalf("reconciliation ran for an aborted step")
	}
	if len(sink.ended) != 1 || !sink.ended[0].Aborted {
		t.Fatalf("step end events = %+v, want one aborted", sink.ended)
	}
	if m.Scheduler().State() != StateIdle {
		t.Fatalf("scheduler state = %s, want idle", m.Scheduler().State())
	}

	// The id reserved by the discarded spawn is burned.
	id := mustAdd(t, m, probeFactory(log, nil))
	if id != 5 {
		t.Fatalf("next id = %v, want 5", id)
	}
}

func TestIsolatePolicyContinuesAndCounts(t *testing.T) {
	sink := &recordingSink{}
	m := newTestModel(t, PolicySequential, nil, WithEventSink(sink))
	log := &activationLog{}
	hook := func(_ context.Context, sc *StepContext) error {
		switch sc.Self() {
		case 2:
			return errors.New("bad decision")
		case 3:
			panic("agent 3 exploded")
		}
		return nil
	}
	for i := 0; i < 4; i++ {
		mustAdd(t, m, probeFactory(log, hook))
	}

	rep, err := m.Run(context.Background(), 3)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Steps != 3 || rep.Faults != 6 {
		t.Fatalf("report = %+v, want 3 steps 6 faults", rep)
	}
	if log.count(4) != 3 {
		t.Fatalf("agent 4 activated %d times, want 3", log.count(4))
	}
	faults := m.Faults()
	if len(faults) != 6 {
		t.Fatalf("recorded %d faults, want 6", len(faults))
	}
	var pe *PanicError
	if !errors.As(faults[1].Err, &pe) {
		t.Fatalf("fault %v does not carry the recovered panic", faults[1])
	}
	if len(sink.faults) != 6 || len(sink.reconciled) != 3 {
		t.Fatalf("sink saw %d faults, %d reconciliations; want 6, 3", len(sink.faults), len(sink.reconciled))
	}
	if sink.ended[0].Faults != 2 || sink.ended[0].Activations != 4 {
		t.Fatalf("step end = %+v, want 2 faults 4 activations", sink.ended[0])
	}
}

func TestStagedPolicyIsSynchronous(t *testing.T) {
	sched := MustScheduler(PolicyStaged, Stage{Name: "decide", Order: PolicyRandom}, Stage{Name: "act", Order: PolicySequential})
	m, err := NewModel(sched, nil, WithSeed(3), WithFaultPolicy(FaultPolicyFailFast))
	if err != nil {
		t.Fatalf("NewModel: %v", err)
	}

	// Each agent's next value is the sum of its peers' current values.
	values := map[model.AgentID]int{}
	next := map[model.AgentID]int{}
	log := &activationLog{}
	hook := func(_ context.Context, sc *StepContext) error {
		self := sc.Self()
		switch sc.Stage() {
		case "decide":
			sum := 0
			for id, v := range values {
				if id != self {
					sum += v
				}
			}
			next[self] = sum
		case "act":
			values[self] = next[self]
		default:
			return fmt.Errorf("unexpected stage %q", sc.Stage())
		}
		return nil
	}
	for i := 1; i <= 3; i++ {
		id := mustAdd(t, m, probeFactory(log, hook))
		values[id] = i
	}

	if err := m.Step(context.Background()); err != nil {
		t.Fatalf("Step: %v", err)
	}

	want := map[model.AgentID]int{1: 5, 2: 4, 3: 3}
	for id, v := range want {
		if values[id] != v {
			t.Fatalf("value[%v] = %d, want %d (all values %v)", id, values[id], v, values)
		}
	}

	log.mu.Lock()
	defer log.mu.Unlock()
	if len(log.entries) != 6 {
		t.Fatalf("activations = %d, want 6", len(log.entries))
	}
	for i, e := range log.entries {
		wantStage := "decide"
		if i >= 3 {
			wantStage = "act"
		}
		if e.stage != wantStage {
			t.Fatalf("activation %d stage = %q, want %q", i, e.stage, wantStage)
		}
	}
}

func TestDuplicateRemovalIsIdempotent(t *testing.T) {
	run := func(removals int) ([]model.AgentID, ReconcileSummary) {
		sink := &recordingSink{}
		m := newTestModel(t, PolicySequential, newGrid(t), WithEventSink(sink))
		hook := func(_ context.Context, sc *StepContext) error {
			if sc.Self() != 1 {
				return nil
			}
			for i := 0; i < removals; i++ {
				if err := sc.Remove(2); err != nil {
					return err
				}
			}
			return nil
		}
		log := &activationLog{}
		for i := 0; i < 3; i++ {
			mustAdd(t, m, probeFactory(log, hook), At(env.Coord{Y: i}))
		}
		if err := m.Step(context.Background()); err != nil {
			t.Fatalf("Step: %v", err)
		}
		return m.IDs(), sink.reconciled[0].Summary
	}

	onceIDs, once := run(1)
	twiceIDs, twice := run(2)
	if !equalIDs(onceIDs, twiceIDs) {
		t.Fatalf("IDs after one removal %v, after two %v", onceIDs, twiceIDs)
	}
	if once.Removed != 1 || twice.Removed != 1 {
		t.Fatalf("removed = %d and %d, want 1", once.Removed, twice.Removed)
	}
	if once.Conflicts != 0 || twice.Conflicts != 1 {
		t.Fatalf("conflicts = %d and %d, want 0 and 1", once.Conflicts, twice.Conflicts)
	}
}

func TestStepRequiresSeedAndFaultPolicy(t *testing.T) {
	sched := MustScheduler(PolicySequential)
	m, err := NewModel(sched, nil, WithFaultPolicy(FaultPolicyIsolate))
	if err != nil {
		t.Fatalf("NewModel: %v", err)
	}
	if err := m.Step(context.Background()); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("Step without seed err = %v, want ErrInvalidTransition", err)
	}
	if err := m.Seed(9); err != nil {
		t.Fatalf("Seed: %v", err)
	}
	if err := m.Step(context.Background()); err != nil {
		t.Fatalf("Step after seed: %v", err)
	}

	m2, err := NewModel(MustScheduler(PolicySequential), nil, WithSeed(1))
	if err != nil {
		t.Fatalf("NewModel: %v", err)
	}
	if err := m2.Step(context.Background()); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("Step without fault policy err = %v, want ErrInvalidTransition", err)
	}
}

func TestEmptyModelStepIsNoop(t *testing.T) {
	m := newTestModel(t, PolicyRandom, nil)
	rep, err := m.Run(context.Background(), 3)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Steps != 3 || m.StepCount() != 3 {
		t.Fatalf("report = %+v, StepCount = %d; want 3", rep, m.StepCount())
	}
}

func TestReentrantCallsAreRejected(t *testing.T) {
	var m *Model
	var stepErr, addErr, seedErr error
	hook := func(ctx context.Context, sc *StepContext) error {
		stepErr = m.Step(ctx)
		_, addErr = m.AddAgent(probeFactory(&activationLog{}, nil))
		seedErr = m.Seed(5)
		if got := m.Scheduler().State(); got != StateActivating {
			return fmt.Errorf("state during activation = %s", got)
		}
		return nil
	}
	m = newTestModel(t, PolicySequential, nil, WithFaultPolicy(FaultPolicyFailFast))
	mustAdd(t, m, probeFactory(&activationLog{}, hook))

	if err := m.Step(context.Background()); err != nil {
		t.Fatalf("Step: %v", err)
	}
	for name, err := range map[string]error{"Step": stepErr, "AddAgent": addErr, "Seed": seedErr} {
		if !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("reentrant %s err = %v, want ErrInvalidTransition", name, err)
		}
	}
	if m.Len() != 1 {
		t.Fatalf("Len = %d, want 1", m.Len())
	}
}

func TestCloseIsTerminal(t *testing.T) {
	m := newTestModel(t, PolicySequential, nil)
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := m.Step(context.Background()); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("Step after Close err = %v, want ErrInvalidTransition", err)
	}
	if _, err := m.AddAgent(probeFactory(&activationLog{}, nil)); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("AddAgent after Close err = %v, want ErrInvalidTransition", err)
	}
	if m.Scheduler().State() != StateClosed {
		t.Fatalf("state = %s, want closed", m.Scheduler().State())
	}
}

func TestRunStopsOnCancelledContext(t *testing.T) {
	m := newTestModel(t, PolicySequential, nil)
	ctx, cancel := context.WithCancel(context.Background())
	log := &activationLog{}
	hook := func(_ context.Context, sc *StepContext) error {
		if sc.Step() == 2 {
			cancel()
		}
		return nil
	}
	mustAdd(t, m, probeFactory(log, hook))

	rep, err := m.Run(ctx, 10)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run err = %v, want context.Canceled", err)
	}
	// Step 2 finishes even though the context was cancelled during it.
	if rep.Steps != 2 || m.StepCount() != 2 {
		t.Fatalf("report = %+v, StepCount = %d; want 2", rep, m.StepCount())
	}
}

func TestAddAgentRejectsBadPlacement(t *testing.T) {
	m := newTestModel(t, PolicySequential, newGrid(t))
	_, err := m.AddAgent(probeFactory(&activationLog{}, nil), At(env.Coord{X: 99}))
	if !errors.Is(err, env.ErrInvalidLocation) {
		t.Fatalf("AddAgent err = %v, want ErrInvalidLocation", err)
	}
	if m.Len() != 0 {
		t.Fatalf("Len = %d, want 0", m.Len())
	}
}

func TestSpawnPlacementErrorsAreReported(t *testing.T) {
	sink := &recordingSink{}
	grid, err := env.NewGrid(env.GridConfig{Size: []int{2}, Solo: true})
	if err != nil {
		t.Fatalf("NewGrid: %v", err)
	}
	m := newTestModel(t, PolicySequential, grid, WithEventSink(sink))
	hook := func(_ context.Context, sc *StepContext) error {
		_, err := sc.Spawn(probeFactory(&activationLog{}, nil), At(env.Coord{X: 0}))
		return err
	}
	mustAdd(t, m, probeFactory(&activationLog{}, hook), At(env.Coord{X: 0}))

	if err := m.Step(context.Background()); err != nil {
		t.Fatalf("Step: %v", err)
	}
	sum := sink.reconciled[0].Summary
	if sum.Created != 1 || len(sum.PlacementErrors) != 1 {
		t.Fatalf("summary = %+v, want 1 created with 1 placement error", sum)
	}
	if !errors.Is(sum.PlacementErrors[0], env.ErrOccupied) {
		t.Fatalf("placement error = %v, want ErrOccupied", sum.PlacementErrors[0])
	}
	if m.Len() != 2 {
		t.Fatalf("Len = %d, want 2", m.Len())
	}
}

func TestDerivedStreamsAreDeterministic(t *testing.T) {
	build := func() (*Model, *[]int64) {
		draws := &[]int64{}
		m := newTestModel(t, PolicySequential, nil, WithSeed(11))
		hook := func(_ context.Context, sc *StepContext) error {
			*draws = append(*draws, sc.Rand().Int63())
			return nil
		}
		for i := 0; i < 3; i++ {
			mustAdd(t, m, probeFactory(&activationLog{}, hook))
		}
		return m, draws
	}

	m1, d1 := build()
	m2, d2 := build()
	if m1.Substream("placement").Int63() != m2.Substream("placement").Int63() {
		t.Fatalf("substreams differ for identical seeds")
	}
	if m1.Substream("placement").Int63() == m1.Substream("wealth").Int63() {
		t.Fatalf("substreams with different names collide")
	}
	for _, m := range []*Model{m1, m2} {
		if _, err := m.Run(context.Background(), 2); err != nil {
			t.Fatalf("Run: %v", err)
		}
	}
	if len(*d1) != 6 {
		t.Fatalf("draws = %d, want 6", len(*d1))
	}
	for i := range *d1 {
		if (*d1)[i] != (*d2)[i] {
			t.Fatalf("draw %d differs: %d vs %d", i, (*d1)[i], (*d2)[i])
		}
	}
	if (*d1)[0] == (*d1)[1] {
		t.Fatalf("agents 1 and 2 drew the same value")
	}
}

func TestRunRejectsNegativeSteps(t *testing.T) {
	m := newTestModel(t, PolicySequential, nil)
	if _, err := m.Run(context.Background(), -1); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("Run(-1) err = %v, want ErrInvalidConfig", err)
	}
}

func TestAgentsSeeReadOnlyEnvironment(t *testing.T) {
	grid := newGrid(t)
	m := newTestModel(t, PolicySequential, grid)
	log := &activationLog{}

	hook := func(_ context.Context, sc *StepContext) error {
		var v any = sc.Env()
		if _, ok := v.(env.Environment); ok {
			return errors.New("agent holds a mutable environment")
		}
		if _, ok := v.(interface {
			Place(model.AgentID, model.Location) error
		}); ok {
			return errors.New("agent can place directly")
		}
		if _, ok := v.(interface{ Remove(model.AgentID) }); ok {
			return errors.New("agent can remove placements directly")
		}
		g, ok := sc.Env().Grid()
		if !ok || g.Dims() != 2 {
			return errors.New("grid queries unavailable through the view")
		}
		if _, ok := sc.Env().LocationOf(sc.Self()); !ok {
			return fmt.Errorf("agent %v not placed", sc.Self())
		}
		return nil
	}
	for i := 0; i < 3; i++ {
		mustAdd(t, m, probeFactory(log, hook), At(env.Coord{X: i}))
	}

	if _, err := m.Run(context.Background(), 2); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if m.FaultCount() != 0 {
		t.Fatalf("faults = %v", m.Faults())
	}
	if grid.Len() != m.Len() {
		t.Fatalf("grid holds %d placements for %d agents", grid.Len(), m.Len())
	}
	for _, id := range m.IDs() {
		if _, ok := grid.LocationOf(id); !ok {
			t.Fatalf("agent %v lost its placement", id)
		}
	}
	if !m.Env().Spatial() {
		t.Fatalf("grid model reports a non-spatial view")
	}
}

// wrappedEnv stands in for a user topology built over an existing one.
type wrappedEnv struct{ env.Environment }

func TestFailFastRestoresCustomEnvironment(t *testing.T) {
	grid := newGrid(t)
	m, err := NewModel(MustScheduler(PolicySequential), wrappedEnv{grid}, WithSeed(1), WithFaultPolicy(FaultPolicyFailFast))
	if err != nil {
		t.Fatalf("NewModel: %v", err)
	}
	log := &activationLog{}
	hook := func(_ context.Context, sc *StepContext) error {
		switch sc.Self() {
		case 1:
			return sc.MoveTo(env.Coord{X: 3, Y: 3})
		case 2:
			return errors.New("boom")
		}
		return nil
	}
	mustAdd(t, m, probeFactory(log, hook), At(env.Coord{X: 0}))
	mustAdd(t, m, probeFactory(log, hook), At(env.Coord{X: 1}))

	if err := m.Step(context.Background()); !errors.Is(err, ErrAgentFault) {
		t.Fatalf("Step err = %v, want ErrAgentFault", err)
	}
	loc, ok := grid.LocationOf(1)
	if !ok || loc != (env.Coord{X: 0}) {
		t.Fatalf("agent 1 at %v (%v), want its pre-step cell", loc, ok)
	}
	if !grid.IsEmpty(env.Coord{X: 3, Y: 3}) {
		t.Fatalf("aborted move still occupies (3, 3)")
	}
}

type panickingSink struct {
	NopSink
	panics int
}

func (s *panickingSink) StepStarted(context.Context, StepStartEvent) {
	if s.panics > 0 {
		s.panics--
		panic("sink exploded")
	}
}

func TestPanickingSinkDoesNotWedgeScheduler(t *testing.T) {
	for _, policy := range []FaultPolicy{FaultPolicyIsolate, FaultPolicyFailFast} {
		t.Run(policy.String(), func(t *testing.T) {
			grid := newGrid(t)
			sink := &panickingSink{panics: 1}
			m, err := NewModel(MustScheduler(PolicySequential), grid, WithSeed(1), WithFaultPolicy(policy), WithEventSink(sink))
			if err != nil {
				t.Fatalf("NewModel: %v", err)
			}
			log := &activationLog{}
			mustAdd(t, m, probeFactory(log, nil), At(env.Coord{X: 0}))

			err = m.Step(context.Background())
			var pe *PanicError
			if !errors.As(err, &pe) {
				t.Fatalf("Step err = %v, want *PanicError", err)
			}
			if got := m.Scheduler().State(); got != StateIdle {
				t.Fatalf("scheduler state = %v after panic, want idle", got)
			}
			if m.StepCount() != 0 {
				t.Fatalf("StepCount = %d, want 0", m.StepCount())
			}

			if err := m.Step(context.Background()); err != nil {
				t.Fatalf("Step after recovered panic: %v", err)
			}
			if m.StepCount() != 1 || log.count(1) != 1 {
				t.Fatalf("StepCount = %d activations = %d, want 1 and 1", m.StepCount(), log.count(1))
			}
		})
	}
}
