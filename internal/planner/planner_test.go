package planner

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/nidhogg/taskforge/internal/capability"
	"github.com/nidhogg/taskforge/internal/oracle"
	"github.com/nidhogg/taskforge/internal/plan"
	"go.uber.org/zap"
)

var testCatalog = capability.NewCatalog(
	capability.Capability{Name: "extract_todos", Description: "scan for TODO markers"},
	capability.Capability{Name: "visualize_directory_tree", Description: "render a tree"},
	capability.Capability{Name: "convert_data_format", Description: "json <-> yaml"},
)

func createPlan(t *testing.T, response string) *plan.Plan {
	t.Helper()
	p := New(oracle.Text(response), zap.NewNop())
	pl, err := p.CreatePlan(context.Background(), "tidy the repo", testCatalog)
	if err != nil {
		t.Fatalf("create plan: %v", err)
	}
	return pl
}

func deps(pl *plan.Plan) [][]int {
	out := make([][]int, len(pl.Steps))
	for i, s := range pl.Steps {
		out[i] = s.Dependencies
	}
	return out
}

func TestStrictJSON(t *testing.T) {
	pl := createPlan(t, `Sure! Here is the plan:
{"steps": [
  {"step_number": 1, "description": "Show the layout", "capability": "visualize_directory_tree", "dependencies": [], "inputs": {"max_depth": 2}},
  {"step_number": 2, "description": "Find TODOs", "capability": "extract_todos", "dependencies": [1]},
  {"step_number": 3, "description": "Summarize findings", "capability": null, "dependencies": [1, 2]}
]}`)

	if pl.Metadata.ParseMethod != plan.ParseJSON {
		t.Errorf("parse method = %s", pl.Metadata.ParseMethod)
	}
	if len(pl.Steps) != 3 {
		t.Fatalf("expected 3 steps, got %d", len(pl.Steps))
	}
	if pl.Steps[0].Capability != "visualize_directory_tree" || pl.Steps[2].Capability != "" {
		t.Errorf("capabilities = %q, %q", pl.Steps[0].Capability, pl.Steps[2].Capability)
	}
	if !reflect.DeepEqual(deps(pl), [][]int{{}, {1}, {1, 2}}) {
		t.Errorf("deps = %v", deps(pl))
	}
	if pl.Steps[0].Params["max_depth"] != 2.0 {
		t.Errorf("declared inputs lost: %v", pl.Steps[0].Params)
	}
	if len(pl.Metadata.Warnings) != 0 {
		t.Errorf("unexpected warnings %v", pl.Metadata.Warnings)
	}
	if pl.Metadata.Oracle != "func" || pl.Metadata.RawResponse == "" || pl.Metadata.CreatedAt.IsZero() {
		t.Errorf("metadata incomplete: %+v", pl.Metadata)
	}
}

func TestLegacyToolNeededAndFences(t *testing.T) {
	pl := createPlan(t, "```json\n"+`{"steps":[{"step_number":1,"description":"List TODOs","tool_needed":"extract_todos","dependencies":[]}]}`+"\n```")
	if pl.Steps[0].Capability != "extract_todos" {
		t.Errorf("tool_needed not honoured: %+v", pl.Steps[0])
	}
}

func TestBareArray(t *testing.T) {
	pl := createPlan(t, `[{"description":"first"},{"description":"second","dependencies":[1]}]`)
	if pl.Metadata.ParseMethod != plan.ParseJSON || len(pl.Steps) != 2 {
		t.Fatalf("unexpected plan %+v", pl.Metadata)
	}
	if !reflect.DeepEqual(deps(pl), [][]int{{}, {1}}) {
		t.Errorf("deps = %v", deps(pl))
	}
}

func TestNumericStringsInJSON(t *testing.T) {
	pl := createPlan(t, `{"steps":[
  {"step_number":"1","description":"Find TODOs","capability":"extract_todos","dependencies":[]},
  {"step_number":"2","description":"Summarize","dependencies":["1"]},
  {"step_number":3.0,"description":"Report","dependencies":[" 2 ", 1]}
]}`)
	if pl.Metadata.ParseMethod != plan.ParseJSON {
		t.Fatalf("parse method = %s", pl.Metadata.ParseMethod)
	}
	if len(pl.Steps) != 3 || pl.Steps[0].Description != "Find TODOs" {
		t.Fatalf("unexpected steps %+v", pl.Steps)
	}
	if !reflect.DeepEqual(deps(pl), [][]int{{}, {1}, {1, 2}}) {
		t.Errorf("deps = %v", deps(pl))
	}
}

func TestLooseInt(t *testing.T) {
	cases := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{`4`, 4, false},
		{`"4"`, 4, false},
		{`" 7 "`, 7, false},
		{`2.0`, 2, false},
		{`null`, 0, false},
		{`"two"`, 0, true},
		{`1.5`, 0, true},
		{`true`, 0, true},
	}
	for _, tc := range cases {
		var n looseInt
		err := n.UnmarshalJSON([]byte(tc.in))
		if (err != nil) != tc.wantErr {
			t.Errorf("%s: err = %v", tc.in, err)
			continue
		}
		if !tc.wantErr && int(n) != tc.want {
			t.Errorf("%s: got %d, want %d", tc.in, n, tc.want)
		}
	}
}

func TestLineFallback(t *testing.T) {
	pl := createPlan(t, `I would do this:
1. Run visualize_directory_tree on the project
2) Use extract_todos to list open work
   not a step
3. Write a short report`)

	if pl.Metadata.ParseMethod != plan.ParseLines {
		t.Errorf("parse method = %s", pl.Metadata.ParseMethod)
	}
	want := []string{"visualize_directory_tree", "extract_todos", ""}
	for i, s := range pl.Steps {
		if s.Capability != want[i] {
			t.Errorf("step %d capability = %q, want %q", i+1, s.Capability, want[i])
		}
		if len(s.Dependencies) != 0 {
			t.Errorf("line steps carry no dependencies, got %v", s.Dependencies)
		}
	}
}

func TestLineOrderAndGaps(t *testing.T) {
	pl := createPlan(t, "5. last\n1. first\n3. middle")
	var got []string
	for _, s := range pl.Steps {
		got = append(got, s.Description)
	}
	if !reflect.DeepEqual(got, []string{"first", "middle", "last"}) {
		t.Errorf("order = %v", got)
	}
	if pl.Steps[2].Number != 3 {
		t.Errorf("steps not renumbered: %d", pl.Steps[2].Number)
	}
}

func TestMalformedResponseYieldsFallbackStep(t *testing.T) {
	for _, resp := range []string{"", "I cannot help with that.", "{broken json", "- bullet\n- another"} {
		pl := createPlan(t, resp)
		if len(pl.Steps) != 1 {
			t.Fatalf("%q: expected one fallback step, got %d", resp, len(pl.Steps))
		}
		s := pl.Steps[0]
		if s.Description != "Attempt the goal directly" || s.Capability != "" || len(s.Dependencies) != 0 {
			t.Errorf("%q: unexpected fallback step %+v", resp, s)
		}
		if pl.Metadata.ParseMethod != plan.ParseFallback {
			t.Errorf("%q: parse method = %s", resp, pl.Metadata.ParseMethod)
		}
	}
}

func TestRepairDropsInvalidEdgesAndRenumbers(t *testing.T) {
	pl := createPlan(t, `{"steps":[
		{"step_number": 2, "description": "a", "dependencies": [2, 7]},
		{"step_number": 5, "description": "b", "dependencies": [2, 9, 2]},
		{"step_number": 9, "description": "c", "dependencies": [5, 2]}
	]}`)

	if !reflect.DeepEqual(deps(pl), [][]int{{}, {1}, {1, 2}}) {
		t.Errorf("deps = %v", deps(pl))
	}
	for i, s := range pl.Steps {
		if s.Number != i+1 {
			t.Errorf("step at %d numbered %d", i, s.Number)
		}
	}

	joined := strings.Join(pl.Metadata.Warnings, "\n")
	for _, want := range []string{
		"step 2: dropped dependency on step 2 (self reference)",
		"step 2: dropped dependency on step 7 (unknown step)",
		"step 5: dropped dependency on step 9 (forward reference)",
		"step 5: dropped dependency on step 2 (duplicate edge)",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("missing warning %q in:\n%s", want, joined)
		}
	}
}

func TestUnknownCapabilityNulled(t *testing.T) {
	pl := createPlan(t, `{"steps":[
		{"step_number":1,"description":"compare","capability":"compare_files"},
		{"step_number":2,"description":"think","capability":"None"}
	]}`)
	if pl.Steps[0].Capability != "" || pl.Steps[1].Capability != "" {
		t.Errorf("capabilities should be nulled: %+v %+v", pl.Steps[0], pl.Steps[1])
	}
	if len(pl.Metadata.Warnings) != 1 || !strings.Contains(pl.Metadata.Warnings[0], "compare_files") {
		t.Errorf("warnings = %v", pl.Metadata.Warnings)
	}
}

func TestOracleFailure(t *testing.T) {
	boom := errors.New("connection refused")
	p := New(oracle.Func(func(context.Context, *oracle.Request) (*oracle.Response, error) {
		return nil, boom
	}), zap.NewNop())

	pl, err := p.CreatePlan(context.Background(), "do it", testCatalog)
	if pl != nil {
		t.Fatal("no partial plan may be returned")
	}
	var pce *PlanCreationError
	if !errors.As(err, &pce) || !errors.Is(err, boom) {
		t.Fatalf("expected PlanCreationError wrapping cause, got %v", err)
	}
}

func TestEmptyGoal(t *testing.T) {
	p := New(oracle.Text("1. x"), zap.NewNop())
	_, err := p.CreatePlan(context.Background(), "   ", testCatalog)
	var pce *PlanCreationError
	if !errors.As(err, &pce) {
		t.Fatalf("expected PlanCreationError, got %v", err)
	}
}

func TestPromptListsCatalog(t *testing.T) {
	var got *oracle.Request
	p := New(oracle.Func(func(_ context.Context, req *oracle.Request) (*oracle.Response, error) {
		got = req
		return &oracle.Response{Text: "1. go"}, nil
	}), zap.NewNop())
	p.CreatePlan(context.Background(), "tidy", testCatalog)

	if got.Purpose != oracle.PurposePlan {
		t.Errorf("purpose = %s", got.Purpose)
	}
	for _, name := range testCatalog.Names() {
		if !strings.Contains(got.Prompt, name) {
			t.Errorf("prompt missing capability %s", name)
		}
	}
}

func TestReachable(t *testing.T) {
	edges := map[int][]int{3: {2}, 2: {1}}
	if !reachable(edges, 3, 1) {
		t.Error("3 depends on 1 transitively")
	}
	if reachable(edges, 1, 3) {
		t.Error("1 does not depend on 3")
	}
}
