package export

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"sync"

	"google.golang.org/protobuf/encoding/protodelim"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/signalsfoundry/agentsim/model"
)

// ProtoSink writes each record as a size-delimited google.protobuf.Struct.
// Simulated time is carried as a google.protobuf.Timestamp's seconds and
// nanos fields.
type ProtoSink struct {
	mu     sync.Mutex
	w      *bufio.Writer
	closer io.Closer
}

// NewProtoSink writes to w. Close flushes but does not close w.
func NewProtoSink(w io.Writer) *ProtoSink {
	return &ProtoSink{w: bufio.NewWriter(w)}
}

// CreateProto truncates or creates the file at path.
func CreateProto(path string) (*ProtoSink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", path, err)
	}
	s := NewProtoSink(f)
	s.closer = f
	return s, nil
}

// WriteRecord encodes rec as one delimited message and flushes it.
func (s *ProtoSink) WriteRecord(_ context.Context, rec model.StepRecord) error {
	msg, err := RecordToStruct(rec)
	if err != nil {
		return fmt.Errorf("encode step %d: %w", rec.Step, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := protodelim.MarshalTo(s.w, msg); err != nil {
		return fmt.Errorf("write step %d: %w", rec.Step, err)
	}
	return s.w.Flush()
}

// Close flushes buffered output and closes the file, if the sink owns one.
func (s *ProtoSink) Close() error {
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

// RecordToStruct converts rec to its Struct form.
func RecordToStruct(rec model.StepRecord) (*structpb.Struct, error) {
	fields := map[string]any{
		"schema":      rec.Schema,
		"step":        strconv.FormatUint(rec.Step, 10),
		"live_agents": rec.LiveAgents,
		"faults":      rec.Faults,
		"created":     rec.Created,
		"removed":     rec.Removed,
	}
	if !rec.Time.IsZero() {
		ts := timestamppb.New(rec.Time)
		if err := ts.CheckValid(); err != nil {
			return nil, err
		}
		fields["time"] = map[string]any{"seconds": strconv.FormatInt(ts.GetSeconds(), 10), "nanos": ts.GetNanos()}
	}
	if len(rec.Metrics) > 0 {
		metrics := make(map[string]any, len(rec.Metrics))
		for k, v := range rec.Metrics {
			metrics[k] = v
		}
		fields["metrics"] = metrics
	}
	if len(rec.Agents) > 0 {
		agents := make([]any, 0, len(rec.Agents))
		for _, a := range rec.Agents {
			values := make(map[string]any, len(a.Values))
			for k, v := range a.Values {
				values[k] = v
			}
			agents = append(agents, map[string]any{"id": a.ID.String(), "values": values})
		}
		fields["agents"] = agents
	}
	return structpb.NewStruct(fields)
}

// StructToRecord reverses RecordToStruct.
func StructToRecord(msg *structpb.Struct) (model.StepRecord, error) {
	f := msg.GetFields()
	var rec model.StepRecord
	var err error

	rec.Schema = f["schema"].GetStringValue()
	if rec.Step, err = strconv.ParseUint(f["step"].GetStringValue(), 10, 64); err != nil {
		return rec, fmt.Errorf("step: %w", err)
	}
	rec.LiveAgents = int(f["live_agents"].GetNumberValue())
	rec.Faults = int(f["faults"].GetNumberValue())
	rec.Created = int(f["created"].GetNumberValue())
	rec.Removed = int(f["removed"].GetNumberValue())

	if tv := f["time"].GetStructValue(); tv != nil {
		secs, err := strconv.ParseInt(tv.GetFields()["seconds"].GetStringValue(), 10, 64)
		if err != nil {
			return rec, fmt.Errorf("time: %w", err)
		}
		ts := &timestamppb.Timestamp{Seconds: secs, Nanos: int32(tv.GetFields()["nanos"].GetNumberValue())}
		if err := ts.CheckValid(); err != nil {
			return rec, err
		}
		rec.Time = ts.AsTime()
	}
	if mv := f["metrics"].GetStructValue(); mv != nil {
		rec.Metrics = make(map[string]float64, len(mv.GetFields()))
		for k, v := range mv.GetFields() {
			rec.Metrics[k] = v.GetNumberValue()
		}
	}
	for _, av := range f["agents"].GetListValue().GetValues() {
		af := av.GetStructValue().GetFields()
		id, err := strconv.ParseUint(af["id"].GetStringValue(), 10, 64)
		if err != nil {
			return rec, fmt.Errorf("agent id: %w", err)
		}
		values := map[string]float64{}
		for k, v := range af["values"].GetStructValue().GetFields() {
			values[k] = v.GetNumberValue()
		}
		rec.Agents = append(rec.Agents, model.AgentRecord{ID: model.AgentID(id), Values: values})
	}
	sort.SliceStable(rec.Agents, func(i, j int) bool { return rec.Agents[i].ID < rec.Agents[j].ID })
	return rec, nil
}

// ReadProto decodes every record from a stream written by ProtoSink.
func ReadProto(r io.Reader) ([]model.StepRecord, error) {
	br := bufio.NewReader(r)
	var out []model.StepRecord
	for {
		msg := &structpb.Struct{}
		if err := protodelim.UnmarshalFrom(br, msg); err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return out, err
		}
		rec, err := StructToRecord(msg)
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
}
