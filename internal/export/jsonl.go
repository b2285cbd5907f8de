package export

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/signalsfoundry/agentsim/model"
)

// jsonRecord is the on-disk shape of one step. Agent ids are decimal
// strings so 64-bit ids survive JSON readers that parse numbers as doubles.
type jsonRecord struct {
	Schema     string             `json:"schema,omitempty"`
	Step       uint64             `json:"step"`
	Time       *time.Time         `json:"time,omitempty"`
	LiveAgents int                `json:"live_agents"`
	Faults     int                `json:"faults"`
	Created    int                `json:"created"`
	Removed    int                `json:"removed"`
	Metrics    map[string]float64 `json:"metrics,omitempty"`
	Agents     []jsonAgent        `json:"agents,omitempty"`
}

type jsonAgent struct {
	ID     string             `json:"id"`
	Values map[string]float64 `json:"values"`
}

// JSONLinesSink writes one JSON object per record, newline separated.
type JSONLinesSink struct {
	mu     sync.Mutex
	w      *bufio.Writer
	enc    *json.Encoder
	closer io.Closer
}

// NewJSONLinesSink writes to w. Close flushes but does not close w.
func NewJSONLinesSink(w io.Writer) *JSONLinesSink {
	bw := bufio.NewWriter(w)
	return &JSONLinesSink{w: bw, enc: json.NewEncoder(bw)}
}

// CreateJSONLines truncates or creates the file at path.
func CreateJSONLines(path string) (*JSONLinesSink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", path, err)
	}
	s := NewJSONLinesSink(f)
	s.closer = f
	return s, nil
}

// WriteRecord encodes rec and flushes it.
func (s *JSONLinesSink) WriteRecord(_ context.Context, rec model.StepRecord) error {
	out := jsonRecord{
		Schema:     rec.Schema,
		Step:       rec.Step,
		LiveAgents: rec.LiveAgents,
		Faults:     rec.Faults,
		Created:    rec.Created,
		Removed:    rec.Removed,
		Metrics:    rec.Metrics,
	}
	if !rec.Time.IsZero() {
		t := rec.Time.UTC()
		out.Time = &t
	}
	for _, a := range rec.Agents {
		out.Agents = append(out.Agents, jsonAgent{ID: a.ID.String(), Values: a.Values})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(out); err != nil {
		return fmt.Errorf("encode step %d: %w", rec.Step, err)
	}
	return s.w.Flush()
}

// Close flushes buffered output and closes the file, if the sink owns one.
func (s *JSONLinesSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.w.Flush(); err != nil {
		return err
	}
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}
