package store

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/nidhogg/taskforge/internal/executor"
	"github.com/nidhogg/taskforge/internal/plan"
	"go.uber.org/zap"
)

func sampleOutcome(id string, started time.Time, success bool) *executor.Outcome {
	out := &executor.Outcome{
		RunID:   id,
		Goal:    "tidy the repo",
		Success: success,
		Plan: &plan.Plan{Goal: "tidy the repo", Steps: []*plan.Step{
			{Number: 1, Description: "list files", Capability: "visualize_directory_tree", Dependencies: []int{}, Status: plan.StatusDone,
				Outputs: map[string]any{"files": 3.0}},
			{Number: 2, Description: "summarize", Dependencies: []int{1}, Status: plan.StatusDone, Result: "all good"},
		}},
		StartedAt: started,
		Duration:  2500 * time.Millisecond,
	}
	if success {
		out.Outputs = map[string]any{"step_2": map[string]any{"text": "all good"}}
	} else {
		out.Plan.Steps[1].Status = plan.StatusFailed
		out.Plan.Steps[1].Error = "oracle down"
		out.Failure = &executor.Failure{Reason: executor.ReasonStepError, StepNumber: 2, Description: "summarize", Error: "oracle down"}
	}
	return out
}

// exerciseStore runs the same contract against any backend.
func exerciseStore(t *testing.T, s RunStore) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	first := sampleOutcome("run-a", base, true)
	second := sampleOutcome("run-b", base.Add(time.Minute), false)
	for _, out := range []*executor.Outcome{first, second} {
		if err := s.SaveRun(ctx, out); err != nil {
			t.Fatalf("save %s: %v", out.RunID, err)
		}
	}
	// Saving again replaces rather than duplicates.
	if err := s.SaveRun(ctx, first); err != nil {
		t.Fatalf("resave: %v", err)
	}

	got, err := s.GetRun(ctx, "run-b")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Success || got.Failure == nil || got.Failure.StepNumber != 2 {
		t.Errorf("failure not round-tripped: %+v", got.Failure)
	}
	if got.Plan == nil || len(got.Plan.Steps) != 2 || got.Plan.Steps[1].Error != "oracle down" {
		t.Errorf("plan not round-tripped: %+v", got.Plan)
	}
	if !got.StartedAt.Equal(second.StartedAt) || got.Duration != second.Duration {
		t.Errorf("timing = %s / %s", got.StartedAt, got.Duration)
	}

	if _, err := s.GetRun(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing run err = %v", err)
	}

	runs, err := s.ListRuns(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var ids []string
	for _, r := range runs {
		ids = append(ids, r.ID)
	}
	if !reflect.DeepEqual(ids, []string{"run-b", "run-a"}) {
		t.Fatalf("ids = %v, want newest first", ids)
	}
	if r := runs[0]; r.Success || r.Reason != executor.ReasonStepError || r.FailedStep != 2 || r.StepCount != 2 || r.Duration != 2500*time.Millisecond {
		t.Errorf("summary = %+v", r)
	}
	if !runs[1].StartedAt.Equal(base) {
		t.Errorf("started_at = %s", runs[1].StartedAt)
	}

	steps, err := s.ListSteps(ctx, "run-b")
	if err != nil {
		t.Fatalf("list steps: %v", err)
	}
	want := []StepRow{
		{Number: 1, Description: "list files", Capability: "visualize_directory_tree", Dependencies: []int{}, Status: plan.StatusDone},
		{Number: 2, Description: "summarize", Dependencies: []int{1}, Status: plan.StatusFailed, Error: "oracle down"},
	}
	if !reflect.DeepEqual(steps, want) {
		t.Errorf("steps = %+v", steps)
	}
	if _, err := s.ListSteps(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing run steps err = %v", err)
	}

	limited, err := s.ListRuns(ctx, 1)
	if err != nil || len(limited) != 1 {
		t.Errorf("limit ignored: %d runs, err %v", len(limited), err)
	}
}

func TestSQLiteStore(t *testing.T) {
	s, err := NewSQLite(context.Background(), filepath.Join(t.TempDir(), "runs.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	exerciseStore(t, s)
}

func TestSQLiteReopenKeepsRuns(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "runs.db")
	s, err := NewSQLite(ctx, path, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SaveRun(ctx, sampleOutcome("keep", time.Now(), true)); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s, err = NewSQLite(ctx, path, zap.NewNop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	if _, err := s.GetRun(ctx, "keep"); err != nil {
		t.Errorf("run lost across reopen: %v", err)
	}
}

func TestSaveRunRejectsMissingID(t *testing.T) {
	s, err := NewSQLite(context.Background(), ":memory:", zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if err := s.SaveRun(context.Background(), &executor.Outcome{}); err == nil {
		t.Error("outcome without run id accepted")
	}
}

func TestMigrationFilesOrdered(t *testing.T) {
	for _, dialect := range []string{"postgres", "sqlite"} {
		files, err := migrationFiles(dialect)
		if err != nil {
			t.Fatal(err)
		}
		want := []string{
			"migrations/" + dialect + "/001_runs.up.sql",
			"migrations/" + dialect + "/002_run_steps.up.sql",
		}
		if !reflect.DeepEqual(files, want) {
			t.Errorf("%s migrations = %v", dialect, files)
		}
	}
}
