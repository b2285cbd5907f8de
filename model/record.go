package model

import "time"

// StepRecord is the data captured once per completed simulation step.
// Schema is an opaque version tag carried through from configuration.
type StepRecord struct {
	Schema     string
	Step       uint64
	Time       time.Time
	LiveAgents int
	Faults     int
	Created    int
	Removed    int
	Metrics    map[string]float64
	Agents     []AgentRecord
}

// AgentRecord holds per-agent reporter values for a single step.
type AgentRecord struct {
	ID     AgentID
	Values map[string]float64
}
