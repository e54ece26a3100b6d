package agent

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/nidhogg/taskforge/internal/capability"
	"github.com/nidhogg/taskforge/internal/conversation"
	"github.com/nidhogg/taskforge/internal/executor"
	"github.com/nidhogg/taskforge/internal/oracle"
	"github.com/nidhogg/taskforge/internal/planner"
	"github.com/nidhogg/taskforge/internal/reasoner"
	"go.uber.org/zap"
)

const planJSON = `{"steps": [
  {"step_number": 1, "description": "count words", "capability": "word_count", "dependencies": [], "inputs": {"text": "a b c"}},
  {"step_number": 2, "description": "report the count", "capability": null, "dependencies": [1]}
]}`

func scriptedOracle(planErr error) oracle.Oracle {
	return oracle.Func(func(_ context.Context, req *oracle.Request) (*oracle.Response, error) {
		switch req.Purpose {
		case oracle.PurposePlan:
			if planErr != nil {
				return nil, planErr
			}
			return &oracle.Response{Text: planJSON}, nil
		case oracle.PurposeReason:
			return &oracle.Response{Text: "There are 3 words."}, nil
		}
		return &oracle.Response{Text: "summary"}, nil
	})
}

func newTestAgent(t *testing.T, o oracle.Oracle) *Agent {
	t.Helper()
	reg := capability.NewRegistry(0, zap.NewNop())
	err := reg.Register(capability.Capability{
		Name:       "word_count",
		Parameters: []capability.Parameter{{Name: "text", Type: "string", Required: true}},
	}, func(_ context.Context, args map[string]any) (any, error) {
		return map[string]any{"words": len(strings.Fields(args["text"].(string)))}, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	mem := conversation.NewManager(8000, nil, o, zap.NewNop())
	ex := executor.New(reg, o, executor.Options{}, zap.NewNop())
	return New(planner.New(o, zap.NewNop()), ex, reg, mem, Options{}, zap.NewNop())
}

func TestRunEndToEnd(t *testing.T) {
	a := newTestAgent(t, scriptedOracle(nil))
	var recorded []string
	a.AddSink("memory", SinkFunc(func(_ context.Context, out *executor.Outcome) error {
		recorded = append(recorded, out.RunID)
		return nil
	}))
	a.AddSink("broken", SinkFunc(func(context.Context, *executor.Outcome) error {
		return errors.New("db down")
	}))

	out, err := a.Run(context.Background(), "how many words are in 'a b c'?")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !out.Success {
		t.Fatalf("run failed: %+v", out.Failure)
	}
	if words := out.Plan.Steps[0].Outputs["words"]; words != 3 {
		t.Errorf("capability output = %v", words)
	}
	if out.Text() != "There are 3 words." {
		t.Errorf("text = %q", out.Text())
	}
	if len(recorded) != 1 || recorded[0] != out.RunID {
		t.Errorf("sink saw %v", recorded)
	}

	msgs := a.Memory().Messages()
	if len(msgs) != 3 {
		t.Fatalf("expected goal, trace, result; got %d messages", len(msgs))
	}
	if msgs[0].Role != "user" || msgs[1].Name != reasoner.TraceMessageName || msgs[2].Content != "There are 3 words." {
		t.Errorf("conversation = %+v", msgs)
	}
}

func TestRunPlanningFailure(t *testing.T) {
	a := newTestAgent(t, scriptedOracle(errors.New("provider unreachable")))

	out, err := a.Run(context.Background(), "anything")
	var pce *planner.PlanCreationError
	if !errors.As(err, &pce) {
		t.Fatalf("err = %v, want PlanCreationError", err)
	}
	if out != nil {
		t.Error("no outcome may be returned when planning fails")
	}
	msgs := a.Memory().Messages()
	if len(msgs) != 2 || !strings.HasPrefix(msgs[1].Content, "Planning failed") {
		t.Errorf("conversation = %+v", msgs)
	}
}

func TestPlanDoesNotTouchMemory(t *testing.T) {
	a := newTestAgent(t, scriptedOracle(nil))
	p, err := a.Plan(context.Background(), "count")
	if err != nil {
		t.Fatal(err)
	}
	if len(p.Steps) != 2 || p.Steps[0].Capability != "word_count" {
		t.Errorf("plan = %s", p.Summary())
	}
	if len(a.Memory().Messages()) != 0 {
		t.Error("Plan must not append to the conversation")
	}
	if names := a.Catalog().Names(); len(names) != 1 || names[0] != "word_count" {
		t.Errorf("catalog = %v", names)
	}
}
