package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/nidhogg/taskforge/internal/executor"
	"github.com/nidhogg/taskforge/internal/plan"
	"go.uber.org/zap"
)

// sqliteTime sorts lexicographically in chronological order for UTC values.
const sqliteTime = "2006-01-02T15:04:05.000000000Z07:00"

// SQLite is a single-file run store for local and CLI use.
type SQLite struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSQLite opens (creating if needed) the database at path and migrates it.
// Use ":memory:" for a throwaway store.
func NewSQLite(ctx context.Context, path string, logger *zap.Logger) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection keeps ":memory:" databases alive and serializes writers.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, `PRAGMA foreign_keys = ON`); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	s := &SQLite{db: db, logger: logger}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	logger.Info("SQLite run store opened", zap.String("path", path))
	return s, nil
}

func (s *SQLite) migrate(ctx context.Context) error {
	files, err := migrationFiles("sqlite")
	if err != nil {
		return err
	}
	for _, f := range files {
		data, err := migrations.ReadFile(f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
		s.logger.Debug("Migration applied", zap.String("file", f))
	}
	return nil
}

// SaveRun upserts the run and replaces its step rows in one transaction.
func (s *SQLite) SaveRun(ctx context.Context, out *executor.Outcome) error {
	r, err := newRow(out)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, goal, success, reason, failed_step, error, step_count, started_at, duration_ms, outcome)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			success = excluded.success, reason = excluded.reason,
			failed_step = excluded.failed_step, error = excluded.error,
			step_count = excluded.step_count, duration_ms = excluded.duration_ms,
			outcome = excluded.outcome`,
		r.ID, r.Goal, r.Success, string(r.Reason), r.FailedStep, r.Error,
		r.StepCount, r.StartedAt.Format(sqliteTime), r.Duration.Milliseconds(), string(r.outcome),
	)
	if err != nil {
		return fmt.Errorf("save run: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM run_steps WHERE run_id = ?`, r.ID); err != nil {
		return fmt.Errorf("clear run steps: %w", err)
	}
	if out.Plan != nil {
		for _, st := range out.Plan.Steps {
			deps, _ := json.Marshal(st.Dependencies)
			_, err := tx.ExecContext(ctx, `
				INSERT INTO run_steps (run_id, step_number, description, capability, dependencies, status, error)
				VALUES (?, ?, ?, ?, ?, ?, ?)`,
				r.ID, st.Number, st.Description, st.Capability, string(deps), string(st.Status), st.Error)
			if err != nil {
				return fmt.Errorf("save step %d: %w", st.Number, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.logger.Debug("run saved", zap.String("run_id", r.ID), zap.String("backend", "sqlite"))
	return nil
}

// GetRun loads the full outcome of a run.
func (s *SQLite) GetRun(ctx context.Context, id string) (*executor.Outcome, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT outcome FROM runs WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return decodeOutcome([]byte(data))
}

// ListRuns returns the most recent runs first.
func (s *SQLite) ListRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, goal, success, reason, failed_step, error, step_count, started_at, duration_ms
		FROM runs
		ORDER BY started_at DESC
		LIMIT ?`, limitOrDefault(limit))
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []RunSummary
	for rows.Next() {
		var (
			r       RunSummary
			reason  string
			started string
			ms      int64
		)
		if err := rows.Scan(&r.ID, &r.Goal, &r.Success, &reason, &r.FailedStep, &r.Error, &r.StepCount, &started, &ms); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if r.StartedAt, err = time.Parse(sqliteTime, started); err != nil {
			return nil, fmt.Errorf("parse started_at: %w", err)
		}
		r.Reason = executor.Reason(reason)
		r.Duration = time.Duration(ms) * time.Millisecond
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// ListSteps returns the step rows of a run.
func (s *SQLite) ListSteps(ctx context.Context, id string) ([]StepRow, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM runs WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup run: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT step_number, description, capability, dependencies, status, error
		FROM run_steps
		WHERE run_id = ?
		ORDER BY step_number`, id)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()

	steps := []StepRow{}
	for rows.Next() {
		var (
			st     StepRow
			deps   string
			status string
		)
		if err := rows.Scan(&st.Number, &st.Description, &st.Capability, &deps, &status, &st.Error); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		if err := json.Unmarshal([]byte(deps), &st.Dependencies); err != nil {
			return nil, fmt.Errorf("decode step %d dependencies: %w", st.Number, err)
		}
		if st.Dependencies == nil {
			st.Dependencies = []int{}
		}
		st.Status = plan.Status(status)
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}
