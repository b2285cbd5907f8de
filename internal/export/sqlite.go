package export

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/signalsfoundry/agentsim/model"
)

// SQLiteSink stores records in three tables keyed by run id and step.
type SQLiteSink struct {
	path  string
	runID string

	mu sync.RWMutex
	db *sql.DB
}

// NewSQLiteSink returns a sink for the database at path. Call Init before
// writing.
func NewSQLiteSink(path, runID string) *SQLiteSink {
	return &SQLiteSink{path: path, runID: runID}
}

// Init opens the database and creates the tables if needed.
func (s *SQLiteSink) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" {
		return errors.New("sqlite path is required")
	}
	if s.db != nil {
		return nil
	}

	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return err
	}
	if err := createTables(ctx, db); err != nil {
		_ = db.Close()
		return err
	}

	s.db = db
	return nil
}

func createTables(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS steps (
			run_id TEXT NOT NULL,
			step INTEGER NOT NULL,
			schema_version TEXT NOT NULL,
			sim_time TEXT,
			live_agents INTEGER NOT NULL,
			faults INTEGER NOT NULL,
			created INTEGER NOT NULL,
			removed INTEGER NOT NULL,
			PRIMARY KEY (run_id, step)
		)`,
		`CREATE TABLE IF NOT EXISTS step_metrics (
			run_id TEXT NOT NULL,
			step INTEGER NOT NULL,
			name TEXT NOT NULL,
			value REAL NOT NULL,
			PRIMARY KEY (run_id, step, name)
		)`,
		`CREATE TABLE IF NOT EXISTS agent_metrics (
			run_id TEXT NOT NULL,
			step INTEGER NOT NULL,
			agent_id TEXT NOT NULL,
			name TEXT NOT NULL,
			value REAL NOT NULL,
			PRIMARY KEY (run_id, step, agent_id, name)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// WriteRecord stores rec in a single transaction.
func (s *SQLiteSink) WriteRecord(ctx context.Context, rec model.StepRecord) (err error) {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var simTime sql.NullString
	if !rec.Time.IsZero() {
		simTime = sql.NullString{String: rec.Time.UTC().Format(time.RFC3339Nano), Valid: true}
	}
	if _, err = tx.ExecContext(ctx, `
		INSERT INTO steps (run_id, step, schema_version, sim_time, live_agents, faults, created, removed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, s.runID, int64(rec.Step), rec.Schema, simTime, rec.LiveAgents, rec.Faults, rec.Created, rec.Removed); err != nil {
		return fmt.Errorf("insert step %d: %w", rec.Step, err)
	}

	for name, value := range rec.Metrics {
		if _, err = tx.ExecContext(ctx, `
			INSERT INTO step_metrics (run_id, step, name, value) VALUES (?, ?, ?, ?)
		`, s.runID, int64(rec.Step), name, value); err != nil {
			return fmt.Errorf("insert metric %s: %w", name, err)
		}
	}
	for _, a := range rec.Agents {
		for name, value := range a.Values {
			if _, err = tx.ExecContext(ctx, `
				INSERT INTO agent_metrics (run_id, step, agent_id, name, value) VALUES (?, ?, ?, ?, ?)
			`, s.runID, int64(rec.Step), a.ID.String(), name, value); err != nil {
				return fmt.Errorf("insert agent %s metric %s: %w", a.ID, name, err)
			}
		}
	}
	return tx.Commit()
}

// Steps reads back every record stored for runID in step order.
func (s *SQLiteSink) Steps(ctx context.Context, runID string) ([]model.StepRecord, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT step, schema_version, sim_time, live_agents, faults, created, removed
		FROM steps WHERE run_id = ? ORDER BY step
	`, runID)
	if err != nil {
		return nil, err
	}
	var out []model.StepRecord
	index := map[uint64]int{}
	for rows.Next() {
		var (
			rec     model.StepRecord
			step    int64
			simTime sql.NullString
		)
		if err := rows.Scan(&step, &rec.Schema, &simTime, &rec.LiveAgents, &rec.Faults, &rec.Created, &rec.Removed); err != nil {
			_ = rows.Close()
			return nil, err
		}
		rec.Step = uint64(step)
		if simTime.Valid {
			if rec.Time, err = time.Parse(time.RFC3339Nano, simTime.String); err != nil {
				_ = rows.Close()
				return nil, fmt.Errorf("step %d time: %w", step, err)
			}
		}
		index[rec.Step] = len(out)
		out = append(out, rec)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}

	if err := s.loadMetrics(ctx, db, runID, out, index); err != nil {
		return nil, err
	}
	if err := s.loadAgentMetrics(ctx, db, runID, out, index); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLiteSink) loadMetrics(ctx context.Context, db *sql.DB, runID string, out []model.StepRecord, index map[uint64]int) error {
	rows, err := db.QueryContext(ctx, `SELECT step, name, value FROM step_metrics WHERE run_id = ?`, runID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			step  int64
			name  string
			value float64
		)
		if err := rows.Scan(&step, &name, &value); err != nil {
			return err
		}
		i, ok := index[uint64(step)]
		if !ok {
			continue
		}
		if out[i].Metrics == nil {
			out[i].Metrics = map[string]float64{}
		}
		out[i].Metrics[name] = value
	}
	return rows.Err()
}

func (s *SQLiteSink) loadAgentMetrics(ctx context.Context, db *sql.DB, runID string, out []model.StepRecord, index map[uint64]int) error {
	rows, err := db.QueryContext(ctx, `
		SELECT step, agent_id, name, value FROM agent_metrics
		WHERE run_id = ? ORDER BY step, CAST(agent_id AS INTEGER)
	`, runID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			step    int64
			agentID string
			name    string
			value   float64
		)
		if err := rows.Scan(&step, &agentID, &name, &value); err != nil {
			return err
		}
		i, ok := index[uint64(step)]
		if !ok {
			continue
		}
		id, err := strconv.ParseUint(agentID, 10, 64)
		if err != nil {
			return fmt.Errorf("agent id %q: %w", agentID, err)
		}
		agents := out[i].Agents
		if n := len(agents); n == 0 || agents[n-1].ID != model.AgentID(id) {
			agents = append(agents, model.AgentRecord{ID: model.AgentID(id), Values: map[string]float64{}})
		}
		agents[len(agents)-1].Values[name] = value
		out[i].Agents = agents
	}
	return rows.Err()
}

// Close closes the database.
func (s *SQLiteSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *SQLiteSink) getDB() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, errors.New("sqlite sink is not initialized")
	}
	return s.db, nil
}
