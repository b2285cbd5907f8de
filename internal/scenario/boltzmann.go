package scenario

import (
	"context"
	"fmt"
	"sort"

	"github.com/signalsfoundry/agentsim/core"
	"github.com/signalsfoundry/agentsim/env"
	"github.com/signalsfoundry/agentsim/internal/config"
	"github.com/signalsfoundry/agentsim/model"
)

// Boltzmann wealth parameters.
const (
	ParamInitialWealth = "initial_wealth"
	ParamTradeRadius   = "trade_radius"
)

func init() {
	mustRegister(Scenario{
		Name:        "boltzmann",
		Description: "Boltzmann wealth exchange: agents wander and hand one unit of wealth to a random cellmate.",
		Params: map[string]float64{
			ParamInitialWealth: 1,
			ParamTradeRadius:   1,
		},
		Setup: setupBoltzmann,
	})
}

// WealthAgent carries an integer amount of wealth. Total wealth across all
// agents never changes.
type WealthAgent struct {
	core.Base
	Wealth int

	tradeRadius float64
}

// NewWealthAgent returns a factory for agents starting with wealth units.
func NewWealthAgent(wealth int, tradeRadius float64) core.Factory {
	return func(id model.AgentID) (core.Agent, error) {
		return &WealthAgent{Base: core.NewBase(id), Wealth: wealth, tradeRadius: tradeRadius}, nil
	}
}

// Step moves the agent to a random adjacent location, then gives one unit of
// wealth to a random agent sharing its location. In a non-spatial model the
// recipient is any other live agent.
func (a *WealthAgent) Step(_ context.Context, sc *core.StepContext) error {
	rng := sc.Rand()

	if loc, ok := sc.Location(); ok {
		moves, err := adjacentLocations(sc.Env(), loc, env.Relation{Neighborhood: env.VonNeumann, Radius: 1})
		if err != nil {
			return err
		}
		if len(moves) > 0 {
			if err := sc.MoveTo(moves[rng.Intn(len(moves))]); err != nil {
				return err
			}
		}
	}

	if a.Wealth <= 0 {
		return nil
	}
	partners, err := a.partners(sc)
	if err != nil || len(partners) == 0 {
		return err
	}
	other, err := sc.Agent(partners[rng.Intn(len(partners))])
	if err != nil {
		return err
	}
	recipient, ok := other.(*WealthAgent)
	if !ok {
		return fmt.Errorf("agent %s is %T, not a wealth agent", other.ID(), other)
	}
	recipient.Wealth++
	a.Wealth--
	return nil
}

func (a *WealthAgent) partners(sc *core.StepContext) ([]model.AgentID, error) {
	v := sc.Env()
	if !v.Spatial() {
		ids := sc.IDs()
		out := ids[:0]
		for _, id := range ids {
			if id != sc.Self() {
				out = append(out, id)
			}
		}
		return out, nil
	}
	if _, ok := v.Continuous(); ok {
		return sc.Neighbors(env.Relation{Radius: a.tradeRadius, Metric: env.Euclidean})
	}
	return sc.Neighbors(env.Relation{Neighborhood: env.Colocated})
}

func setupBoltzmann(m *core.Model, sc config.ScenarioConfig) error {
	wealth := int(sc.Param(ParamInitialWealth, 1))
	if wealth < 0 {
		return fmt.Errorf("%s must be non-negative, got %d", ParamInitialWealth, wealth)
	}
	radius := sc.Param(ParamTradeRadius, 1)

	if err := addAgents(m, sc.Agents, NewWealthAgent(wealth, radius)); err != nil {
		return err
	}

	c := m.Collector()
	if c == nil {
		return nil
	}
	c.AddMetric("total_wealth", func(v core.View) float64 {
		return float64(sum(wealthOf(v)))
	})
	c.AddMetric("gini", func(v core.View) float64 {
		return Gini(wealthOf(v))
	})
	c.AddAgentMetric("wealth", func(a core.Agent) (float64, bool) {
		w, ok := a.(*WealthAgent)
		if !ok {
			return 0, false
		}
		return float64(w.Wealth), true
	})
	return nil
}

func wealthOf(v core.View) []int {
	var out []int
	v.Each(func(a core.Agent) {
		if w, ok := a.(*WealthAgent); ok {
			out = append(out, w.Wealth)
		}
	})
	return out
}

func sum(xs []int) int {
	total := 0
	for _, x := range xs {
		total += x
	}
	return total
}

// Gini returns the Gini coefficient of xs: 0 for perfect equality, tending
// to 1 as one holder owns everything. Empty or all-zero input yields 0.
func Gini(xs []int) float64 {
	n := len(xs)
	total := sum(xs)
	if n == 0 || total == 0 {
		return 0
	}
	sorted := append([]int(nil), xs...)
	sort.Ints(sorted)

	var weighted float64
	for i, x := range sorted {
		weighted += float64(x) * float64(n-i)
	}
	b := weighted / (float64(n) * float64(total))
	return 1 + 1/float64(n) - 2*b
}
