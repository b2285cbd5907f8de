// Package scenario holds the built-in models and turns a resolved
// configuration into a ready-to-run core.Model.
package scenario

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/signalsfoundry/agentsim/core"
	"github.com/signalsfoundry/agentsim/internal/config"
)

// ErrUnknownScenario is returned by Lookup for names never registered.
var ErrUnknownScenario = errors.New("unknown scenario")

// Setup populates a freshly built model: it adds the initial agents and
// registers collector metrics.
type Setup func(m *core.Model, sc config.ScenarioConfig) error

// Scenario is a named, installable model.
type Scenario struct {
	Name        string
	Description string
	// Params documents the parameters Setup reads and their defaults.
	Params map[string]float64
	Setup  Setup
}

var (
	registryMu sync.RWMutex
	registry   = map[string]Scenario{}
)

// Register adds s to the registry. Names must be unique.
func Register(s Scenario) error {
	if s.Name == "" || s.Setup == nil {
		return errors.New("scenario needs a name and a setup function")
	}
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[s.Name]; dup {
		return fmt.Errorf("scenario %q already registered", s.Name)
	}
	registry[s.Name] = s
	return nil
}

func mustRegister(s Scenario) {
	if err := Register(s); err != nil {
		panic(err)
	}
}

// Lookup returns the scenario registered under name.
func Lookup(name string) (Scenario, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	s, ok := registry[name]
	if !ok {
		return Scenario{}, fmt.Errorf("%w: %q", ErrUnknownScenario, name)
	}
	return s, nil
}

// List returns every registered scenario sorted by name.
func List() []Scenario {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]Scenario, 0, len(registry))
	for _, s := range registry {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ParamNames returns the documented parameter names of s in sorted order.
func (s Scenario) ParamNames() []string {
	names := make([]string, 0, len(s.Params))
	for name := range s.Params {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
