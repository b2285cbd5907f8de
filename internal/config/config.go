// Package config loads run configuration for agentsim from YAML files and
// environment variables and resolves it into values the engine accepts.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/signalsfoundry/agentsim/core"
	"github.com/signalsfoundry/agentsim/timectrl"
)

// Topology names accepted under environment.topology.
const (
	TopologyNone       = "none"
	TopologyGrid       = "grid"
	TopologyGraph      = "graph"
	TopologyContinuous = "continuous"
)

// Config is a complete run description.
type Config struct {
	// Schema is an opaque version tag copied into every collected record.
	Schema string `json:"schema" yaml:"schema"`

	// Seed is required; there is no default seed.
	Seed *int64 `json:"seed,omitempty" yaml:"seed,omitempty"`

	// Steps is the number of steps a run performs.
	Steps int `json:"steps" yaml:"steps"`

	// FaultPolicy is "isolate" or "fail_fast". It has no default.
	FaultPolicy string `json:"fault_policy" yaml:"fault_policy"`

	Scheduler   SchedulerConfig   `json:"scheduler" yaml:"scheduler"`
	Environment EnvironmentConfig `json:"environment" yaml:"environment"`
	Scenario    ScenarioConfig    `json:"scenario" yaml:"scenario"`
	Clock       ClockConfig       `json:"clock" yaml:"clock"`
	Logging     LoggingConfig     `json:"logging" yaml:"logging"`
	Metrics     MetricsConfig     `json:"metrics" yaml:"metrics"`
	Tracing     TracingConfig     `json:"tracing" yaml:"tracing"`
	Health      HealthConfig      `json:"health" yaml:"health"`
	Export      ExportConfig      `json:"export" yaml:"export"`
}

// SchedulerConfig selects the activation policy. Stages are only read for
// the staged policy.
type SchedulerConfig struct {
	Policy string        `json:"policy" yaml:"policy"`
	Stages []StageConfig `json:"stages,omitempty" yaml:"stages,omitempty"`
}

// StageConfig is one named stage; Order is "sequential" or "random".
type StageConfig struct {
	Name  string `json:"name" yaml:"name"`
	Order string `json:"order" yaml:"order"`
}

// EnvironmentConfig describes the topology agents are placed in. Which
// fields apply depends on Topology.
type EnvironmentConfig struct {
	Topology string `json:"topology" yaml:"topology"`

	// Grid.
	Size []int  `json:"size,omitempty" yaml:"size,omitempty"`
	Wrap []bool `json:"wrap,omitempty" yaml:"wrap,omitempty"`
	Solo bool   `json:"solo,omitempty" yaml:"solo,omitempty"`

	// Continuous. Wrap[0] toggles the torus.
	Width  float64 `json:"width,omitempty" yaml:"width,omitempty"`
	Height float64 `json:"height,omitempty" yaml:"height,omitempty"`

	// Graph.
	Directed bool        `json:"directed,omitempty" yaml:"directed,omitempty"`
	Nodes    []string    `json:"nodes,omitempty" yaml:"nodes,omitempty"`
	Edges    [][2]string `json:"edges,omitempty" yaml:"edges,omitempty"`
}

// ScenarioConfig picks a built-in scenario and its parameters.
type ScenarioConfig struct {
	Name   string             `json:"name" yaml:"name"`
	Agents int                `json:"agents" yaml:"agents"`
	Params map[string]float64 `json:"params,omitempty" yaml:"params,omitempty"`
}

// Param returns the named parameter or def when unset.
func (s ScenarioConfig) Param(name string, def float64) float64 {
	if v, ok := s.Params[name]; ok {
		return v
	}
	return def
}

// ClockConfig maps steps onto simulated time.
type ClockConfig struct {
	Start time.Time     `json:"start" yaml:"start"`
	Tick  time.Duration `json:"tick" yaml:"tick"`
	// Mode is "accelerated" (default) or "realtime".
	Mode string `json:"mode" yaml:"mode"`
}

// LoggingConfig configures the slog-backed logger.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// MetricsConfig enables the Prometheus /metrics listener when Addr is set.
type MetricsConfig struct {
	Addr string `json:"addr" yaml:"addr"`
}

// TracingConfig mirrors the OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Exporter    string  `json:"exporter" yaml:"exporter"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`
	SampleRatio float64 `json:"sample_ratio" yaml:"sample_ratio"`
	ServiceName string  `json:"service_name" yaml:"service_name"`
}

// HealthConfig enables the gRPC health endpoint when GRPCAddr is set.
type HealthConfig struct {
	GRPCAddr string `json:"grpc_addr" yaml:"grpc_addr"`
}

// ExportConfig selects a record sink. Format is "jsonl", "sqlite", "proto"
// or empty for none.
type ExportConfig struct {
	Format string `json:"format" yaml:"format"`
	Path   string `json:"path" yaml:"path"`
}

// Default returns a Config with every optional field filled. Seed and
// FaultPolicy are deliberately left unset.
func Default() *Config {
	return &Config{
		Steps: 100,
		Scheduler: SchedulerConfig{
			Policy: "random",
		},
		Environment: EnvironmentConfig{
			Topology: TopologyNone,
		},
		Scenario: ScenarioConfig{
			Name:   "boltzmann",
			Agents: 10,
		},
		Clock: ClockConfig{
			Tick: time.Second,
			Mode: timectrl.Accelerated.String(),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Tracing: TracingConfig{
			Exporter:    "stdout",
			SampleRatio: 1.0,
			ServiceName: "agentsim",
		},
	}
}

// Load reads and parses the YAML file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML on top of Default. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: parsing config: %v", core.ErrInvalidConfig, err)
	}
	cfg.Export.Path = expandEnvVars(cfg.Export.Path)
	cfg.Tracing.Endpoint = expandEnvVars(cfg.Tracing.Endpoint)
	return cfg, nil
}

// ApplyEnv overrides fields from AGENTSIM_SEED, AGENTSIM_STEPS and
// AGENTSIM_FAULT_POLICY.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv("AGENTSIM_SEED"); v != "" {
		seed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: AGENTSIM_SEED=%q: %v", core.ErrInvalidConfig, v, err)
		}
		c.Seed = &seed
	}
	if v := os.Getenv("AGENTSIM_STEPS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: AGENTSIM_STEPS=%q: %v", core.ErrInvalidConfig, v, err)
		}
		c.Steps = n
	}
	if v := os.Getenv("AGENTSIM_FAULT_POLICY"); v != "" {
		c.FaultPolicy = v
	}
	return nil
}

// SetSeed sets the seed.
func (c *Config) SetSeed(seed int64) { c.Seed = &seed }

// Validate checks the configuration and returns the first problem wrapped in
// core.ErrInvalidConfig.
func (c *Config) Validate() error {
	err := c.validate()
	if err == nil || errors.Is(err, core.ErrInvalidConfig) {
		return err
	}
	return fmt.Errorf("%w: %v", core.ErrInvalidConfig, err)
}

func (c *Config) validate() error {
	if c.Seed == nil {
		return errors.New("seed is required")
	}
	if c.Steps < 0 {
		return fmt.Errorf("steps must be non-negative, got %d", c.Steps)
	}
	if c.FaultPolicy == "" {
		return errors.New("fault_policy is required (isolate or fail_fast)")
	}
	if _, err := core.ParseFaultPolicy(c.FaultPolicy); err != nil {
		return err
	}
	if err := c.validateScheduler(); err != nil {
		return err
	}
	if err := c.validateEnvironment(); err != nil {
		return err
	}
	if c.Scenario.Name == "" {
		return errors.New("scenario.name is required")
	}
	if c.Scenario.Agents < 0 {
		return fmt.Errorf("scenario.agents must be non-negative, got %d", c.Scenario.Agents)
	}
	if c.Clock.Tick < 0 {
		return fmt.Errorf("clock.tick must be non-negative, got %v", c.Clock.Tick)
	}
	if _, err := timectrl.ParseMode(c.Clock.Mode); err != nil {
		return err
	}

	validLevels := map[string]bool{"": true, "debug": true, "info": true, "warn": true, "warning": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", c.Logging.Level)
	}
	validFormats := map[string]bool{"": true, "text": true, "json": true}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		return fmt.Errorf("invalid log format: %s (valid: text, json)", c.Logging.Format)
	}

	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be between 0 and 1, got %f", c.Tracing.SampleRatio)
	}

	switch strings.ToLower(c.Export.Format) {
	case "":
	case "jsonl", "sqlite", "proto":
		if c.Export.Path == "" {
			return fmt.Errorf("export.path is required for format %s", c.Export.Format)
		}
	default:
		return fmt.Errorf("invalid export format: %s (valid: jsonl, sqlite, proto)", c.Export.Format)
	}
	return nil
}

func (c *Config) validateScheduler() error {
	policy, err := core.ParsePolicy(c.Scheduler.Policy)
	if err != nil {
		return err
	}
	if policy != core.PolicyStaged {
		if len(c.Scheduler.Stages) > 0 {
			return fmt.Errorf("scheduler.stages only apply to the staged policy, got %s", policy)
		}
		return nil
	}
	_, err = c.Stages()
	return err
}

// Stages resolves scheduler.stages. Order defaults to sequential.
func (c *Config) Stages() ([]core.Stage, error) {
	if len(c.Scheduler.Stages) == 0 {
		return nil, errors.New("staged policy needs at least one stage")
	}
	stages := make([]core.Stage, 0, len(c.Scheduler.Stages))
	for i, s := range c.Scheduler.Stages {
		if s.Name == "" {
			return nil, fmt.Errorf("scheduler.stages[%d] has no name", i)
		}
		order := core.PolicySequential
		if s.Order != "" {
			p, err := core.ParsePolicy(s.Order)
			if err != nil {
				return nil, fmt.Errorf("scheduler.stages[%d]: %w", i, err)
			}
			if p == core.PolicyStaged {
				return nil, fmt.Errorf("scheduler.stages[%d]: order must be sequential or random", i)
			}
			order = p
		}
		stages = append(stages, core.Stage{Name: s.Name, Order: order})
	}
	return stages, nil
}

func (c *Config) validateEnvironment() error {
	e := c.Environment
	switch strings.ToLower(e.Topology) {
	case "", TopologyNone:
	case TopologyGrid:
		if len(e.Size) < 1 || len(e.Size) > 3 {
			return fmt.Errorf("environment.size needs 1 to 3 axes, got %d", len(e.Size))
		}
		for i, s := range e.Size {
			if s <= 0 {
				return fmt.Errorf("environment.size[%d] must be positive, got %d", i, s)
			}
		}
		if len(e.Wrap) > len(e.Size) {
			return fmt.Errorf("environment.wrap has %d entries for %d axes", len(e.Wrap), len(e.Size))
		}
	case TopologyContinuous:
		if e.Width <= 0 || e.Height <= 0 {
			return fmt.Errorf("environment.width and height must be positive, got %gx%g", e.Width, e.Height)
		}
	case TopologyGraph:
		known := make(map[string]bool, len(e.Nodes))
		for _, n := range e.Nodes {
			if n == "" {
				return errors.New("environment.nodes contains an empty name")
			}
			known[n] = true
		}
		for i, edge := range e.Edges {
			if !known[edge[0]] || !known[edge[1]] {
				return fmt.Errorf("environment.edges[%d] references an unknown node", i)
			}
		}
	default:
		return fmt.Errorf("invalid topology: %s (valid: none, grid, graph, continuous)", e.Topology)
	}
	return nil
}

// expandEnvVars expands ${VAR} patterns in a string with environment variable values.
func expandEnvVars(s string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return os.Expand(s, os.Getenv)
}
