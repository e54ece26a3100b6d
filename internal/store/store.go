// Package store persists finished runs in PostgreSQL or SQLite.
package store

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/nidhogg/taskforge/internal/executor"
	"github.com/nidhogg/taskforge/internal/plan"
)

//go:embed migrations
var migrations embed.FS

// ErrNotFound is returned by GetRun for unknown IDs.
var ErrNotFound = errors.New("run not found")

// DefaultListLimit caps ListRuns when no limit is given.
const DefaultListLimit = 50

// RunStore is implemented by every backend.
type RunStore interface {
	SaveRun(ctx context.Context, out *executor.Outcome) error
	GetRun(ctx context.Context, id string) (*executor.Outcome, error)
	ListRuns(ctx context.Context, limit int) ([]RunSummary, error)
	// ListSteps returns the step rows of a run ordered by step number, or
	// ErrNotFound for an unknown run.
	ListSteps(ctx context.Context, id string) ([]StepRow, error)
	Close() error
}

// StepRow is the stored final state of one plan step.
type StepRow struct {
	Number       int         `json:"step_number"`
	Description  string      `json:"description"`
	Capability   string      `json:"capability,omitempty"`
	Dependencies []int       `json:"dependencies"`
	Status       plan.Status `json:"status"`
	Error        string      `json:"error,omitempty"`
}

// RunSummary is one row of the run history.
type RunSummary struct {
	ID         string          `json:"id"`
	Goal       string          `json:"goal"`
	Success    bool            `json:"success"`
	Reason     executor.Reason `json:"reason,omitempty"`
	FailedStep int             `json:"failed_step,omitempty"`
	Error      string          `json:"error,omitempty"`
	StepCount  int             `json:"step_count"`
	StartedAt  time.Time       `json:"started_at"`
	Duration   time.Duration   `json:"duration"`
}

// row flattens an outcome into the columns both backends share.
type row struct {
	RunSummary
	outcome []byte
}

func newRow(out *executor.Outcome) (row, error) {
	if out == nil || out.RunID == "" {
		return row{}, errors.New("outcome has no run id")
	}
	data, err := json.Marshal(out)
	if err != nil {
		return row{}, fmt.Errorf("marshal outcome: %w", err)
	}
	r := row{
		RunSummary: RunSummary{
			ID:        out.RunID,
			Goal:      out.Goal,
			Success:   out.Success,
			StartedAt: out.StartedAt.UTC(),
			Duration:  out.Duration,
		},
		outcome: data,
	}
	if out.Plan != nil {
		r.StepCount = len(out.Plan.Steps)
	}
	if f := out.Failure; f != nil {
		r.Reason = f.Reason
		r.FailedStep = f.StepNumber
		r.Error = f.Error
	}
	return r, nil
}

func decodeOutcome(data []byte) (*executor.Outcome, error) {
	var out executor.Outcome
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode outcome: %w", err)
	}
	return &out, nil
}

// migrationFiles lists the embedded .up.sql files for dialect in order.
func migrationFiles(dialect string) ([]string, error) {
	dir := "migrations/" + dialect
	entries, err := fs.ReadDir(migrations, dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".up.sql") {
			files = append(files, dir+"/"+e.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

func limitOrDefault(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	return limit
}
