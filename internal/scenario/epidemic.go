package scenario

import (
	"context"
	"errors"
	"fmt"

	"github.com/signalsfoundry/agentsim/core"
	"github.com/signalsfoundry/agentsim/env"
	"github.com/signalsfoundry/agentsim/internal/config"
	"github.com/signalsfoundry/agentsim/model"
)

// Epidemic parameters.
const (
	ParamInitialInfected = "initial_infected"
	ParamInfectionRate   = "infection_rate"
	ParamRecoveryDays    = "recovery_days"
	ParamMortality       = "mortality"
	ParamBirthRate       = "birth_rate"
)

// Epidemic stage names. Under a single-stage scheduler a person decides and
// acts in the same activation.
const (
	StageDecide = "decide"
	StageAct    = "act"
)

func init() {
	mustRegister(Scenario{
		Name:        "epidemic",
		Description: "SIR epidemic with births and deaths; run it staged (decide, act) for synchronous updates.",
		Params: map[string]float64{
			ParamInitialInfected: 1,
			ParamInfectionRate:   0.3,
			ParamRecoveryDays:    5,
			ParamMortality:       0.01,
			ParamBirthRate:       0.005,
		},
		Setup: setupEpidemic,
	})
}

// Health is a person's disease state.
type Health uint8

const (
	Susceptible Health = iota
	Infected
	Recovered
)

func (h Health) String() string {
	switch h {
	case Susceptible:
		return "susceptible"
	case Infected:
		return "infected"
	case Recovered:
		return "recovered"
	default:
		return "unknown"
	}
}

type epidemicParams struct {
	infectionRate float64
	recoveryDays  int
	mortality     float64
	birthRate     float64
}

// Person is an epidemic agent. Decide reads neighbors' current health and
// stores the outcome; Act applies it, so with the staged scheduler every
// person sees the same pre-step population.
type Person struct {
	core.Base
	Health Health
	// Sick counts steps spent infected.
	Sick int

	params *epidemicParams
	next   Health
	dies   bool
	births bool
}

func newPerson(p *epidemicParams, h Health) core.Factory {
	return func(id model.AgentID) (core.Agent, error) {
		return &Person{Base: core.NewBase(id), Health: h, next: h, params: p}, nil
	}
}

// Step dispatches on the stage in flight.
func (p *Person) Step(ctx context.Context, sc *core.StepContext) error {
	switch sc.Stage() {
	case StageDecide:
		return p.decide(sc)
	case StageAct:
		return p.act(sc)
	case core.DefaultStage:
		if err := p.decide(sc); err != nil {
			return err
		}
		return p.act(sc)
	default:
		return fmt.Errorf("person: unexpected stage %q", sc.Stage())
	}
}

func (p *Person) decide(sc *core.StepContext) error {
	rng := sc.Rand()
	p.next, p.dies, p.births = p.Health, false, false

	switch p.Health {
	case Susceptible:
		ids, err := sc.Neighbors(env.Adjacent)
		if err != nil {
			return err
		}
		for _, id := range ids {
			other, err := sc.Agent(id)
			if err != nil {
				if errors.Is(err, core.ErrNotFound) {
					continue
				}
				return err
			}
			if o, ok := other.(*Person); ok && o.Health == Infected && rng.Float64() < p.params.infectionRate {
				p.next = Infected
				break
			}
		}
	case Infected:
		if rng.Float64() < p.params.mortality {
			p.dies = true
			return nil
		}
		if p.Sick+1 >= p.params.recoveryDays {
			p.next = Recovered
		}
	}
	if p.Health != Infected && rng.Float64() < p.params.birthRate {
		p.births = true
	}
	return nil
}

func (p *Person) act(sc *core.StepContext) error {
	if p.dies {
		return sc.Remove(sc.Self())
	}
	if p.Health == Infected && p.next == Infected {
		p.Sick++
	}
	if p.next == Infected && p.Health != Infected {
		p.Sick = 0
	}
	p.Health = p.next

	rng := sc.Rand()
	loc, placed := sc.Location()
	if !placed {
		return nil
	}
	moves, err := adjacentLocations(sc.Env(), loc, env.Adjacent)
	if err != nil {
		return err
	}
	if len(moves) > 0 {
		dest := moves[rng.Intn(len(moves))]
		if err := sc.MoveTo(dest); err != nil {
			return err
		}
		// The newborn takes the cell just vacated.
		if p.births {
			_, err := sc.Spawn(newPerson(p.params, Susceptible), core.At(loc))
			return err
		}
		return nil
	}
	if p.births {
		if g, ok := sc.Env().Grid(); ok && g.Solo() {
			// Nowhere to put a child.
			return nil
		}
		_, err := sc.Spawn(newPerson(p.params, Susceptible), core.At(loc))
		return err
	}
	return nil
}

func setupEpidemic(m *core.Model, sc config.ScenarioConfig) error {
	if !m.Env().Spatial() {
		return errors.New("epidemic needs a spatial environment")
	}
	params := &epidemicParams{
		infectionRate: sc.Param(ParamInfectionRate, 0.3),
		recoveryDays:  int(sc.Param(ParamRecoveryDays, 5)),
		mortality:     sc.Param(ParamMortality, 0.01),
		birthRate:     sc.Param(ParamBirthRate, 0.005),
	}
	for name, v := range map[string]float64{
		ParamInfectionRate: params.infectionRate,
		ParamMortality:     params.mortality,
		ParamBirthRate:     params.birthRate,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s must be a probability, got %g", name, v)
		}
	}
	if params.recoveryDays < 1 {
		return fmt.Errorf("%s must be at least 1, got %d", ParamRecoveryDays, params.recoveryDays)
	}
	infected := int(sc.Param(ParamInitialInfected, 1))
	if infected < 0 || infected > sc.Agents {
		return fmt.Errorf("%s must be between 0 and %d, got %d", ParamInitialInfected, sc.Agents, infected)
	}

	if err := addAgents(m, infected, newPerson(params, Infected)); err != nil {
		return err
	}
	if err := addAgents(m, sc.Agents-infected, newPerson(params, Susceptible)); err != nil {
		return err
	}

	c := m.Collector()
	if c == nil {
		return nil
	}
	for _, h := range []Health{Susceptible, Infected, Recovered} {
		h := h
		c.AddMetric(h.String(), func(v core.View) float64 {
			return float64(countHealth(v, h))
		})
	}
	c.AddMetric("population", func(v core.View) float64 { return float64(v.Len()) })
	c.AddAgentMetric("health", func(a core.Agent) (float64, bool) {
		p, ok := a.(*Person)
		if !ok {
			return 0, false
		}
		return float64(p.Health), true
	})
	return nil
}

func countHealth(v core.View, h Health) int {
	n := 0
	v.Each(func(a core.Agent) {
		if p, ok := a.(*Person); ok && p.Health == h {
			n++
		}
	})
	return n
}
