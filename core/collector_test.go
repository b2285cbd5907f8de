package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/signalsfoundry/agentsim/model"
)

type wealthy struct {
	Base
	wealth float64
}

func (w *wealthy) Step(context.Context, *StepContext) error {
	w.wealth++
	return nil
}

type fixedClock struct {
	now  time.Time
	tick time.Duration
}

func (c *fixedClock) Now() time.Time { return c.now }

func (c *fixedClock) Advance() time.Time {
	c.now = c.now.Add(c.tick)
	return c.now
}

func TestCollectorSamplesAfterReconciliation(t *testing.T) {
	var sunk []model.StepRecord
	sink := RecordSinkFunc(func(_ context.Context, rec model.StepRecord) error {
		sunk = append(sunk, rec)
		return nil
	})
	c := NewCollector(WithRecordSink(sink))
	c.AddMetric("total_wealth", func(v View) float64 {
		total := 0.0
		v.Each(func(a Agent) { total += a.(*wealthy).wealth })
		return total
	})
	c.AddAgentMetric("wealth", func(a Agent) (float64, bool) {
		w, ok := a.(*wealthy)
		if !ok {
			return 0, false
		}
		return w.wealth, true
	})

	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := &fixedClock{now: start, tick: time.Minute}
	m := newTestModel(t, PolicySequential, nil, WithCollector(c), WithClock(clock), WithSchema("agentsim/v1"))
	for i := 0; i < 2; i++ {
		mustAdd(t, m, func(id model.AgentID) (Agent, error) { return &wealthy{Base: NewBase(id)}, nil })
	}

	if _, err := m.Run(context.Background(), 3); err != nil {
		t.Fatalf("Run: %v", err)
	}

	recs := c.Records()
	if len(recs) != 3 || len(sunk) != 3 {
		t.Fatalf("records = %d, sunk = %d; want 3", len(recs), len(sunk))
	}
	last := recs[2]
	if last.Step != 3 || last.LiveAgents != 2 || last.Schema != "agentsim/v1" {
		t.Fatalf("last record = %+v", last)
	}
	if got := last.Metrics["total_wealth"]; got != 6 {
		t.Fatalf("total_wealth = %v, want 6", got)
	}
	if len(last.Agents) != 2 || last.Agents[0].ID != 1 || last.Agents[0].Values["wealth"] != 3 {
		t.Fatalf("agent records = %+v", last.Agents)
	}
	if !last.Time.Equal(start.Add(3 * time.Minute)) {
		t.Fatalf("record time = %v, want %v", last.Time, start.Add(3*time.Minute))
	}

	c.Clear()
	if len(c.Records()) != 0 {
		t.Fatalf("Clear left records")
	}
}

func TestCollectorSinkErrorStopsRun(t *testing.T) {
	fail := errors.New("disk full")
	c := NewCollector(WithRecordSink(RecordSinkFunc(func(_ context.Context, rec model.StepRecord) error {
		if rec.Step == 2 {
			return fail
		}
		return nil
	})))
	m := newTestModel(t, PolicySequential, nil, WithCollector(c))

	rep, err := m.Run(context.Background(), 5)
	if !errors.Is(err, ErrCollect) || !errors.Is(err, fail) {
		t.Fatalf("Run err = %v, want ErrCollect wrapping the sink error", err)
	}
	if rep.Steps != 2 || m.StepCount() != 2 {
		t.Fatalf("report = %+v, StepCount = %d; want 2", rep, m.StepCount())
	}
}

func TestCollectorRetention(t *testing.T) {
	c := NewCollector(WithRetention(2))
	m := newTestModel(t, PolicySequential, nil, WithCollector(c))
	if _, err := m.Run(context.Background(), 5); err != nil {
		t.Fatalf("Run: %v", err)
	}
	recs := c.Records()
	if len(recs) != 2 || recs[0].Step != 4 || recs[1].Step != 5 {
		t.Fatalf("retained = %+v, want steps 4 and 5", recs)
	}

	none := NewCollector(WithRetention(-1))
	m2 := newTestModel(t, PolicySequential, nil, WithCollector(none))
	if _, err := m2.Run(context.Background(), 2); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(none.Records()) != 0 {
		t.Fatalf("negative retention kept records")
	}
}
