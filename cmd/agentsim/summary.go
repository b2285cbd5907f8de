package main

import (
	"encoding/json"
	"fmt"
	"io"
)

// runSummary is printed when a run ends, successfully or not.
type runSummary struct {
	RunID       string `json:"run_id"`
	Scenario    string `json:"scenario"`
	Steps       int    `json:"steps"`
	LastStep    uint64 `json:"last_step"`
	Faults      int    `json:"faults"`
	LiveAgents  int    `json:"live_agents"`
	Interrupted bool   `json:"interrupted,omitempty"`
}

func (s runSummary) print(w io.Writer, jsonOut bool) error {
	if s.RunID == "" {
		return nil
	}
	if jsonOut {
		return json.NewEncoder(w).Encode(s)
	}
	status := "done"
	if s.Interrupted {
		status = "interrupted"
	}
	_, err := fmt.Fprintf(w, "run %s %s: scenario %s, %d steps (last step %d), %d faults, %d live agents\n",
		s.RunID, status, s.Scenario, s.Steps, s.LastStep, s.Faults, s.LiveAgents)
	return err
}
