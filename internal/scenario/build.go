package scenario

import (
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/signalsfoundry/agentsim/core"
	"github.com/signalsfoundry/agentsim/env"
	"github.com/signalsfoundry/agentsim/internal/config"
	"github.com/signalsfoundry/agentsim/model"
	"github.com/signalsfoundry/agentsim/timectrl"
)

// DefaultRetention bounds the records a built model keeps in memory.
const DefaultRetention = 1024

// Build validates cfg, wires environment, scheduler, clock and collector
// into a model, and installs the configured scenario. Extra options are
// applied after the ones derived from cfg.
func Build(cfg *config.Config, opts ...core.Option) (*core.Model, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: nil config", core.ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	sc, err := Lookup(cfg.Scenario.Name)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrInvalidConfig, err)
	}

	environment, err := NewEnvironment(cfg.Environment)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrInvalidConfig, err)
	}
	sched, err := NewScheduler(cfg)
	if err != nil {
		return nil, err
	}
	clock, err := NewClock(cfg.Clock)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrInvalidConfig, err)
	}
	faultPolicy, err := core.ParseFaultPolicy(cfg.FaultPolicy)
	if err != nil {
		return nil, err
	}

	base := []core.Option{
		core.WithSeed(*cfg.Seed),
		core.WithFaultPolicy(faultPolicy),
		core.WithClock(clock),
		core.WithSchema(cfg.Schema),
		core.WithCollector(core.NewCollector(core.WithRetention(DefaultRetention))),
	}
	m, err := core.NewModel(sched, environment, append(base, opts...)...)
	if err != nil {
		return nil, err
	}
	if err := sc.Setup(m, cfg.Scenario); err != nil {
		return nil, fmt.Errorf("scenario %s: %w", sc.Name, err)
	}
	return m, nil
}

// NewScheduler builds the configured scheduler.
func NewScheduler(cfg *config.Config) (*core.Scheduler, error) {
	policy, err := core.ParsePolicy(cfg.Scheduler.Policy)
	if err != nil {
		return nil, err
	}
	if policy != core.PolicyStaged {
		return core.NewScheduler(policy)
	}
	stages, err := cfg.Stages()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrInvalidConfig, err)
	}
	return core.NewScheduler(policy, stages...)
}

// NewClock builds the simulation clock. A zero start time means the Unix
// epoch.
func NewClock(cfg config.ClockConfig) (*timectrl.TimeController, error) {
	mode, err := timectrl.ParseMode(cfg.Mode)
	if err != nil {
		return nil, err
	}
	start := cfg.Start
	if start.IsZero() {
		start = time.Unix(0, 0).UTC()
	}
	return timectrl.NewTimeController(start, cfg.Tick, mode), nil
}

// NewEnvironment builds the configured topology.
func NewEnvironment(cfg config.EnvironmentConfig) (env.Environment, error) {
	switch strings.ToLower(cfg.Topology) {
	case "", config.TopologyNone:
		return env.None{}, nil
	case config.TopologyGrid:
		return env.NewGrid(env.GridConfig{Size: cfg.Size, Wrap: cfg.Wrap, Solo: cfg.Solo})
	case config.TopologyContinuous:
		wrap := len(cfg.Wrap) > 0 && cfg.Wrap[0]
		return env.NewContinuous(env.ContinuousConfig{Width: cfg.Width, Height: cfg.Height, Wrap: wrap})
	case config.TopologyGraph:
		g := env.NewGraph(cfg.Directed)
		for _, n := range cfg.Nodes {
			g.AddNode(env.Node(n))
		}
		for _, e := range cfg.Edges {
			g.AddEdge(env.Node(e[0]), env.Node(e[1]))
		}
		return g, nil
	default:
		return nil, fmt.Errorf("unknown topology %q", cfg.Topology)
	}
}

// randomLocation picks a starting location for a new agent. Solo grids only
// offer empty cells. It returns nil for non-spatial environments.
func randomLocation(v env.View, rng *rand.Rand) (model.Location, error) {
	if g, ok := v.Grid(); ok {
		if !g.Solo() {
			return env.Coord{X: rng.Intn(g.Size(0)), Y: rng.Intn(g.Size(1)), Z: rng.Intn(g.Size(2))}, nil
		}
		free := emptyCells(g)
		if len(free) == 0 {
			return nil, fmt.Errorf("%w: grid is full", env.ErrOccupied)
		}
		return free[rng.Intn(len(free))], nil
	}
	if g, ok := v.Graph(); ok {
		nodes := g.Nodes()
		if len(nodes) == 0 {
			return nil, fmt.Errorf("%w: graph has no nodes", env.ErrInvalidLocation)
		}
		return nodes[rng.Intn(len(nodes))], nil
	}
	if s, ok := v.Continuous(); ok {
		w, h := s.Bounds()
		return env.Point{X: rng.Float64() * w, Y: rng.Float64() * h}, nil
	}
	return nil, nil
}

func emptyCells(g env.GridView) []env.Coord {
	var out []env.Coord
	for z := 0; z < g.Size(2); z++ {
		for y := 0; y < g.Size(1); y++ {
			for x := 0; x < g.Size(0); x++ {
				c := env.Coord{X: x, Y: y, Z: z}
				if g.IsEmpty(c) {
					out = append(out, c)
				}
			}
		}
	}
	return out
}

// addAgents adds n agents built by factory at random locations drawn from
// the model's "setup" substream.
func addAgents(m *core.Model, n int, factory core.Factory) error {
	rng := m.Substream("setup")
	for i := 0; i < n; i++ {
		loc, err := randomLocation(m.Env(), rng)
		if err != nil {
			return err
		}
		var opts []core.SpawnOption
		if loc != nil {
			opts = append(opts, core.At(loc))
		}
		if _, err := m.AddAgent(factory, opts...); err != nil {
			return err
		}
	}
	return nil
}

// adjacentLocations lists where an agent at loc may step to: neighboring
// grid cells under rel, or adjacent graph nodes. Continuous and non-spatial
// environments return nothing.
func adjacentLocations(v env.View, loc model.Location, rel env.Relation) ([]model.Location, error) {
	if g, ok := v.Grid(); ok {
		c, ok := loc.(env.Coord)
		if !ok {
			return nil, fmt.Errorf("%w: %T is not a grid coordinate", env.ErrInvalidLocation, loc)
		}
		cells, err := g.Neighborhood(c, rel)
		if err != nil {
			return nil, err
		}
		out := make([]model.Location, 0, len(cells))
		for _, cell := range cells {
			if g.Solo() && !g.IsEmpty(cell) {
				continue
			}
			out = append(out, cell)
		}
		return out, nil
	}
	if g, ok := v.Graph(); ok {
		n, ok := loc.(env.Node)
		if !ok {
			return nil, fmt.Errorf("%w: %T is not a graph node", env.ErrInvalidLocation, loc)
		}
		nodes, err := g.Adjacent(n)
		if err != nil {
			return nil, err
		}
		out := make([]model.Location, 0, len(nodes))
		for _, node := range nodes {
			out = append(out, node)
		}
		return out, nil
	}
	return nil, nil
}
