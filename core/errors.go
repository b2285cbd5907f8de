package core

import (
	"errors"
	"fmt"

	"github.com/signalsfoundry/agentsim/model"
)

var (
	// ErrNotFound indicates a lookup of an identifier the registry does not hold.
	ErrNotFound = errors.New("agent not found")
	// ErrInvalidTransition indicates an operation the model cannot perform in
	// its current state: stepping before a seed or fault policy is set,
	// reentrant steps, or mutating the population outside the staged path.
	ErrInvalidTransition = errors.New("invalid model transition")
	// ErrAgentFault indicates an agent's Step returned an error or panicked.
	ErrAgentFault = errors.New("agent fault")
	// ErrReconciliationConflict labels duplicate removals staged in one step.
	// Conflicts are resolved as no-ops and only counted, never returned.
	ErrReconciliationConflict = errors.New("reconciliation conflict")
	// ErrCollect indicates the data collector or one of its sinks failed.
	ErrCollect = errors.New("data collection failed")
	// ErrInvalidConfig indicates a scheduler, model or run was configured
	// with values it cannot honour.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// FaultError describes one agent fault. It matches ErrAgentFault under
// errors.Is and unwraps to the agent's own error.
type FaultError struct {
	Step  uint64
	Agent model.AgentID
	Stage string
	Err   error
}

func (e *FaultError) Error() string {
	if e.Stage != "" && e.Stage != DefaultStage {
		return fmt.Sprintf("agent %s faulted in step %d stage %q: %v", e.Agent, e.Step, e.Stage, e.Err)
	}
	return fmt.Sprintf("agent %s faulted in step %d: %v", e.Agent, e.Step, e.Err)
}

func (e *FaultError) Unwrap() error { return e.Err }

// Is reports true for ErrAgentFault.
func (e *FaultError) Is(target error) bool { return target == ErrAgentFault }

// PanicError wraps a value recovered from a panicking agent, or from an
// event sink or collector metric panicking mid-step.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }
