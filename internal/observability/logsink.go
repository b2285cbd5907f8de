package observability

import (
	"context"

	"github.com/signalsfoundry/agentsim/core"
	"github.com/signalsfoundry/agentsim/internal/logging"
)

// LogSink writes engine events to a structured logger. Step boundaries log
// at debug so long runs stay quiet at info; faults always log at warn.
type LogSink struct {
	log logging.Logger
}

var _ core.EventSink = (*LogSink)(nil)

// NewLogSink adapts log to core.EventSink.
func NewLogSink(log logging.Logger) *LogSink {
	if log == nil {
		log = logging.Noop()
	}
	return &LogSink{log: log}
}

func (s *LogSink) StepStarted(ctx context.Context, ev core.StepStartEvent) {
	s.log.Debug(ctx, "step started",
		logging.Uint64("step", ev.Step),
		logging.String("policy", ev.Policy.String()),
		logging.Int("live_agents", ev.LiveAgents),
	)
}

func (s *LogSink) StepEnded(ctx context.Context, ev core.StepEndEvent) {
	fields := []logging.Field{
		logging.Uint64("step", ev.Step),
		logging.Duration("duration", ev.Duration),
		logging.Int("live_agents", ev.LiveAgents),
		logging.Int("activations", ev.Activations),
		logging.Int("faults", ev.Faults),
	}
	if ev.Aborted {
		s.log.Error(ctx, "step aborted", fields...)
		return
	}
	s.log.Debug(ctx, "step ended", fields...)
}

func (s *LogSink) AgentFaulted(ctx context.Context, fault *core.FaultError) {
	s.log.Warn(ctx, "agent fault",
		logging.Uint64("step", fault.Step),
		logging.String("agent", fault.Agent.String()),
		logging.String("stage", fault.Stage),
		logging.Err(fault.Err),
	)
}

func (s *LogSink) Reconciled(ctx context.Context, ev core.ReconcileEvent) {
	sum := ev.Summary
	s.log.Debug(ctx, "reconciled",
		logging.Uint64("step", ev.Step),
		logging.Int("created", sum.Created),
		logging.Int("removed", sum.Removed),
		logging.Int("cancelled", sum.Cancelled),
		logging.Int("conflicts", sum.Conflicts),
	)
	for _, pe := range sum.PlacementErrors {
		s.log.Warn(ctx, "placement rejected",
			logging.Uint64("step", ev.Step),
			logging.String("agent", pe.Agent.String()),
			logging.Any("location", pe.Location),
			logging.Err(pe.Err),
		)
	}
}
