// SPDX-License-Identifier: MPL-2.0

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	_ "modernc.org/sqlite"

	"github.com/nixprov/nixprov/internal/nixos"
)

// DefaultListLimit is the number of runs List returns when limit <= 0.
const DefaultListLimit = 20

// ErrNotFound is returned by Get for an unknown run ID.
var ErrNotFound = errors.New("run not found")

type (
	// Store persists provisioning runs in SQLite.
	Store struct {
		db *sql.DB
		mu sync.RWMutex
	}

	// Run is one recorded provisioning run.
	Run struct {
		ID                string
		StartedAt         time.Time
		FinishedAt        time.Time
		State             string
		ProvisionChanged  bool
		AggregatorChanged bool
		Fragments         []string
		Command           string
		ExitStatus        int
		// Error is the failure message, empty for successful runs.
		Error string
	}
)

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL lets `nixprov history` read while a provision run writes.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		started_at INTEGER NOT NULL,
		finished_at INTEGER NOT NULL,
		state TEXT NOT NULL,
		provision_changed BOOLEAN NOT NULL DEFAULT 0,
		aggregator_changed BOOLEAN NOT NULL DEFAULT 0,
		fragments TEXT NOT NULL DEFAULT '[]',
		command TEXT NOT NULL DEFAULT '',
		exit_status INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record stores run, replacing any earlier row with the same ID.
func (s *Store) Record(ctx context.Context, run Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fragments := run.Fragments
	if fragments == nil {
		fragments = []string{}
	}
	fragmentsJSON, err := json.Marshal(fragments)
	if err != nil {
		return fmt.Errorf("marshal fragments: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO runs (
			id, started_at, finished_at, state, provision_changed,
			aggregator_changed, fragments, command, exit_status, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.StartedAt.UnixNano(), run.FinishedAt.UnixNano(), run.State,
		run.ProvisionChanged, run.AggregatorChanged, string(fragmentsJSON),
		run.Command, run.ExitStatus, run.Error)
	if err != nil {
		return fmt.Errorf("record run %s: %w", run.ID, err)
	}
	return nil
}

// List returns up to limit runs, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = DefaultListLimit
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, started_at, finished_at, state, provision_changed,
			aggregator_changed, fragments, command, exit_status, error
		FROM runs
		ORDER BY started_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// Get returns the run with the given ID.
func (s *Store) Get(ctx context.Context, id string) (Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, started_at, finished_at, state, provision_changed,
			aggregator_changed, fragments, command, exit_status, error
		FROM runs WHERE id = ?
	`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return run, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (Run, error) {
	var (
		run               Run
		started, finished int64
		fragmentsJSON     string
	)
	err := sc.Scan(&run.ID, &started, &finished, &run.State, &run.ProvisionChanged,
		&run.AggregatorChanged, &fragmentsJSON, &run.Command, &run.ExitStatus, &run.Error)
	if err != nil {
		return Run{}, err
	}
	run.StartedAt = time.Unix(0, started).UTC()
	run.FinishedAt = time.Unix(0, finished).UTC()
	if err := json.Unmarshal([]byte(fragmentsJSON), &run.Fragments); err != nil {
		return Run{}, fmt.Errorf("decode fragments of run %s: %w", run.ID, err)
	}
	return run, nil
}

// RunFromReport converts a provisioning report into a history row.
func RunFromReport(r nixos.Report) Run {
	run := Run{
		ID:                r.RunID,
		StartedAt:         r.StartedAt,
		FinishedAt:        r.FinishedAt,
		State:             r.State.String(),
		ProvisionChanged:  r.ProvisionChanged,
		AggregatorChanged: r.AggregatorChanged,
		Fragments:         r.Fragments,
		Command:           r.Command,
		ExitStatus:        r.ExitStatus,
	}
	if r.Err != nil {
		run.Error = r.Err.Error()
	}
	return run
}

// Observer returns a nixos.RunObserver that records every report. A failed
// write is logged and does not fail the run.
func (s *Store) Observer(logger *log.Logger) nixos.RunObserver {
	return func(ctx context.Context, r nixos.Report) {
		// The run context may already be canceled; history is still written.
		if err := s.Record(context.WithoutCancel(ctx), RunFromReport(r)); err != nil {
			logger.Warn("failed to record run history", "run", r.RunID, "err", err)
		}
	}
}
