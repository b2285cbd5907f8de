// Package export writes collected step records to files: JSON lines,
// SQLite, or a length-delimited protobuf stream.
package export

import (
	"context"
	"fmt"
	"strings"

	"github.com/signalsfoundry/agentsim/core"
	"github.com/signalsfoundry/agentsim/internal/config"
)

// Format names.
const (
	FormatJSONLines = "jsonl"
	FormatSQLite    = "sqlite"
	FormatProto     = "proto"
)

// Sink is a record sink that owns an underlying file or database.
type Sink interface {
	core.RecordSink
	Close() error
}

// Open creates the sink selected by cfg. runID tags SQLite rows so several
// runs can share one database. An empty format returns a nil sink.
func Open(ctx context.Context, cfg config.ExportConfig, runID string) (Sink, error) {
	switch strings.ToLower(cfg.Format) {
	case "":
		return nil, nil
	case FormatJSONLines:
		s, err := CreateJSONLines(cfg.Path)
		if err != nil {
			return nil, err
		}
		return s, nil
	case FormatSQLite:
		s := NewSQLiteSink(cfg.Path, runID)
		if err := s.Init(ctx); err != nil {
			return nil, err
		}
		return s, nil
	case FormatProto:
		s, err := CreateProto(cfg.Path)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported export format: %s", cfg.Format)
	}
}
