package graph

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/nidhogg/taskforge/internal/executor"
	"github.com/nidhogg/taskforge/internal/plan"
	tcneo4j "github.com/testcontainers/testcontainers-go/modules/neo4j"
	"go.uber.org/zap"
)

func startNeo4j(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping neo4j container in -short mode")
	}
	ctx := context.Background()
	container, err := tcneo4j.Run(ctx, "neo4j:5-community",
		tcneo4j.WithoutAuthentication(),
	)
	if err != nil {
		t.Fatalf("start neo4j: %v", err)
	}
	t.Cleanup(func() { container.Terminate(ctx) })
	uri, err := container.BoltUrl(ctx)
	if err != nil {
		t.Fatalf("neo4j bolt url: %v", err)
	}
	return uri
}

func TestSaveRunProjectsDAG(t *testing.T) {
	uri := startNeo4j(t)
	ctx := context.Background()
	s, err := NewStore(uri, "", "", zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close(ctx)
	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("schema: %v", err)
	}

	out := &executor.Outcome{
		RunID: "run-1", Goal: "audit", StartedAt: time.Now(), Duration: time.Second,
		Failure: &executor.Failure{Reason: executor.ReasonStepError, StepNumber: 2, Error: "boom"},
		Plan: &plan.Plan{Goal: "audit", Steps: []*plan.Step{
			{Number: 1, Description: "tree", Capability: "visualize_directory_tree", Status: plan.StatusDone},
			{Number: 2, Description: "todos", Capability: "extract_todos", Dependencies: []int{1}, Status: plan.StatusFailed, Error: "boom"},
			{Number: 3, Description: "report", Dependencies: []int{1, 2}, Status: plan.StatusSkipped},
		}},
	}
	// Twice: the second save must replace, not duplicate.
	for i := 0; i < 2; i++ {
		if err := s.SaveRun(ctx, out); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	nodes, err := s.Steps(ctx, "run-1")
	if err != nil {
		t.Fatalf("steps: %v", err)
	}
	if len(nodes) != 3 {
		t.Fatalf("expected 3 steps, got %d", len(nodes))
	}
	if !reflect.DeepEqual(nodes[2].DependsOn, []int{1, 2}) || len(nodes[0].DependsOn) != 0 {
		t.Errorf("edges = %v / %v", nodes[0].DependsOn, nodes[2].DependsOn)
	}
	if nodes[1].Status != "failed" || nodes[1].Capability != "extract_todos" {
		t.Errorf("step 2 = %+v", nodes[1])
	}

	usage, err := s.CapabilityUsage(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if usage["extract_todos"]["failed"] != 1 || usage["visualize_directory_tree"]["done"] != 1 {
		t.Errorf("usage = %v", usage)
	}
}

func TestSaveRunRequiresPlan(t *testing.T) {
	s, err := NewStore("bolt://localhost:7687", "", "", zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close(context.Background())
	if err := s.SaveRun(context.Background(), &executor.Outcome{RunID: "x"}); err == nil {
		t.Error("outcome without plan accepted")
	}
}
