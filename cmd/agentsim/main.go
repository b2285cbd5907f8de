package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/signalsfoundry/agentsim/internal/config"
	"github.com/signalsfoundry/agentsim/internal/scenario"
)

var (
	version = "0.1.0-dev"
	commit  = "none"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "agentsim",
		Short: "Discrete-time agent-based model runner",
		Long: `agentsim runs agent-based models step by step.

A run is described by a YAML file naming the scenario, the scheduler
policy, the environment topology, the seed and the fault policy. Collected
records can be exported as JSON lines, SQLite or delimited protobuf.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().Bool("json", false, "Output as JSON")

	rootCmd.AddCommand(
		newRunCmd(),
		newValidateCmd(),
		newScenariosCmd(),
		newVersionCmd(),
	)
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")
			if jsonOut {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]string{
					"version": version,
					"commit":  commit,
				})
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "agentsim version %s (commit: %s)\n", version, commit)
			return err
		},
	}
}

func newScenariosCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scenarios",
		Short: "List built-in scenarios and their parameters",
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")
			out := cmd.OutOrStdout()

			type entry struct {
				Name        string             `json:"name"`
				Description string             `json:"description"`
				Params      map[string]float64 `json:"params"`
			}
			var list []entry
			for _, sc := range scenario.List() {
				list = append(list, entry{Name: sc.Name, Description: sc.Description, Params: sc.Params})
			}
			if jsonOut {
				return json.NewEncoder(out).Encode(list)
			}

			for _, sc := range scenario.List() {
				fmt.Fprintf(out, "%s\n  %s\n", sc.Name, sc.Description)
				for _, name := range sc.ParamNames() {
					fmt.Fprintf(out, "  %-18s default %g\n", name, sc.Params[name])
				}
			}
			return nil
		},
	}
}

func newValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a run configuration without running it",
		Long: `Load a run configuration, apply AGENTSIM_* environment overrides and
check that it resolves into a runnable model.

Examples:
  agentsim validate --config runs/wealth.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := loadConfig(path)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if _, err := scenario.Lookup(cfg.Scenario.Name); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (scenario %s, %d steps, policy %s)\n",
				path, cfg.Scenario.Name, cfg.Steps, strings.ToLower(cfg.Scheduler.Policy))
			return err
		},
	}
	cmd.Flags().String("config", "", "Path to the run configuration (YAML)")
	_ = cmd.MarkFlagRequired("config")
	return cmd
}

// loadConfig reads path, or starts from defaults when path is empty, and
// applies environment overrides. It does not validate.
func loadConfig(path string) (*config.Config, error) {
	cfg := config.Default()
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}
