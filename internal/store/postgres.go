package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nidhogg/taskforge/internal/executor"
	"github.com/nidhogg/taskforge/internal/plan"
	"go.uber.org/zap"
)

// Postgres wraps a PostgreSQL connection pool.
type Postgres struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgres creates a store with a pgx connection pool.
func NewPostgres(ctx context.Context, dsn string, logger *zap.Logger) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	logger.Info("PostgreSQL connected")
	return &Postgres{db: pool, logger: logger}, nil
}

// Migrate executes the embedded .up.sql files in name order. Every
// statement is idempotent.
func (s *Postgres) Migrate(ctx context.Context) error {
	files, err := migrationFiles("postgres")
	if err != nil {
		return err
	}
	for _, f := range files {
		data, err := migrations.ReadFile(f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := s.db.Exec(ctx, string(data)); err != nil {
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
		s.logger.Info("Migration applied", zap.String("file", f))
	}
	return nil
}

// SaveRun upserts the run and replaces its step rows in one transaction.
func (s *Postgres) SaveRun(ctx context.Context, out *executor.Outcome) error {
	r, err := newRow(out)
	if err != nil {
		return err
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO runs (id, goal, success, reason, failed_step, error, step_count, started_at, duration_ms, outcome)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			success = EXCLUDED.success, reason = EXCLUDED.reason,
			failed_step = EXCLUDED.failed_step, error = EXCLUDED.error,
			step_count = EXCLUDED.step_count, duration_ms = EXCLUDED.duration_ms,
			outcome = EXCLUDED.outcome`,
		r.ID, r.Goal, r.Success, string(r.Reason), r.FailedStep, r.Error,
		r.StepCount, r.StartedAt, r.Duration.Milliseconds(), r.outcome,
	)
	if err != nil {
		return fmt.Errorf("save run: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM run_steps WHERE run_id = $1`, r.ID); err != nil {
		return fmt.Errorf("clear run steps: %w", err)
	}
	if out.Plan != nil {
		batch := &pgx.Batch{}
		for _, st := range out.Plan.Steps {
			deps := make([]int32, len(st.Dependencies))
			for i, d := range st.Dependencies {
				deps[i] = int32(d)
			}
			batch.Queue(`
				INSERT INTO run_steps (run_id, step_number, description, capability, dependencies, status, error)
				VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				r.ID, st.Number, st.Description, st.Capability, deps, string(st.Status), st.Error)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("save run steps: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.logger.Debug("run saved", zap.String("run_id", r.ID), zap.String("backend", "postgres"))
	return nil
}

// GetRun loads the full outcome of a run.
func (s *Postgres) GetRun(ctx context.Context, id string) (*executor.Outcome, error) {
	var data []byte
	err := s.db.QueryRow(ctx, `SELECT outcome FROM runs WHERE id = $1`, id).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return decodeOutcome(data)
}

// ListRuns returns the most recent runs first.
func (s *Postgres) ListRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, goal, success, reason, failed_step, error, step_count, started_at, duration_ms
		FROM runs
		ORDER BY started_at DESC
		LIMIT $1`, limitOrDefault(limit))
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []RunSummary
	for rows.Next() {
		var (
			r      RunSummary
			reason string
			ms     int64
		)
		if err := rows.Scan(&r.ID, &r.Goal, &r.Success, &reason, &r.FailedStep, &r.Error, &r.StepCount, &r.StartedAt, &ms); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.Reason = executor.Reason(reason)
		r.Duration = time.Duration(ms) * time.Millisecond
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// ListSteps returns the step rows of a run.
func (s *Postgres) ListSteps(ctx context.Context, id string) ([]StepRow, error) {
	var exists bool
	err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM runs WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("lookup run: %w", err)
	}
	if !exists {
		return nil, ErrNotFound
	}

	rows, err := s.db.Query(ctx, `
		SELECT step_number, description, capability, dependencies, status, error
		FROM run_steps
		WHERE run_id = $1
		ORDER BY step_number`, id)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()

	steps := []StepRow{}
	for rows.Next() {
		var (
			st     StepRow
			deps   []int32
			status string
		)
		if err := rows.Scan(&st.Number, &st.Description, &st.Capability, &deps, &status, &st.Error); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		st.Dependencies = make([]int, len(deps))
		for i, d := range deps {
			st.Dependencies[i] = int(d)
		}
		st.Status = plan.Status(status)
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

// Close shuts down the connection pool.
func (s *Postgres) Close() error {
	s.db.Close()
	return nil
}
