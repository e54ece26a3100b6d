package reasoner

import (
	"encoding/json"
	"math"
	"reflect"
	"strings"
	"testing"
	"time"
)

// fakeClock advances by the queued durations on each call.
type fakeClock struct {
	t     time.Time
	steps []time.Duration
}

func (c *fakeClock) now() time.Time {
	if len(c.steps) > 0 {
		c.t = c.t.Add(c.steps[0])
		c.steps = c.steps[1:]
	}
	return c.t
}

func TestRecordMeasuresSincePrevious(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0), steps: []time.Duration{0, 1500 * time.Millisecond, 250 * time.Millisecond}}
	tr := NewWithClock(clock.now)

	a := tr.Record(Entry{Thought: "first"})
	b := tr.Record(Entry{Thought: "second"})
	if a.ElapsedTime != 1.5 || b.ElapsedTime != 0.25 {
		t.Errorf("elapsed = %v, %v", a.ElapsedTime, b.ElapsedTime)
	}
}

func TestMarkResetsLap(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0), steps: []time.Duration{0, 10 * time.Second, time.Second}}
	tr := NewWithClock(clock.now)
	tr.Mark()
	s := tr.Record(Entry{Thought: "dispatch"})
	if s.ElapsedTime != 1 {
		t.Errorf("elapsed = %v, want 1", s.ElapsedTime)
	}
}

func TestExportStructuredMatchesSummary(t *testing.T) {
	tr := New()
	for i := 0; i < 5; i++ {
		time.Sleep(time.Millisecond)
		tr.Record(Entry{Thought: "t", Action: "a", ToolOutputs: map[string]any{"extract_todos": i}})
	}
	exp := tr.ExportStructured()
	var sum float64
	for i, s := range exp.Steps {
		sum += s.ElapsedTime
		if i > 0 && s.Timestamp.Before(exp.Steps[i-1].Timestamp) {
			t.Errorf("entries out of order at %d", i)
		}
	}
	summary := tr.Summary()
	if math.Abs(sum-summary.TotalElapsed) > 1e-9 || math.Abs(exp.TotalTime-summary.TotalElapsed) > 1e-9 {
		t.Errorf("sum %v, export total %v, summary %v", sum, exp.TotalTime, summary.TotalElapsed)
	}
	if exp.TotalSteps != 5 || summary.StepCount != 5 {
		t.Errorf("counts: %d, %d", exp.TotalSteps, summary.StepCount)
	}

	raw, err := json.Marshal(exp)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(raw), `"reasoning_trace"`) {
		t.Errorf("unexpected json %s", raw)
	}
}

func TestSummaryCapabilities(t *testing.T) {
	tr := New()
	tr.Record(Entry{Thought: "plan"})
	tr.Record(Entry{Thought: "tree", Action: "invoke", ToolOutputs: map[string]any{"visualize_directory_tree": "x"}})
	tr.Record(Entry{Thought: "todos", Action: "invoke", ToolOutputs: map[string]any{"extract_todos": 1}})
	tr.Record(Entry{Thought: "again", Action: "invoke", ToolOutputs: map[string]any{"extract_todos": 2}})

	s := tr.Summary()
	if !reflect.DeepEqual(s.Capabilities, []string{"extract_todos", "visualize_directory_tree"}) {
		t.Errorf("capabilities = %v", s.Capabilities)
	}
	if s.StepsWithActions != 3 || s.StepsWithTools != 3 {
		t.Errorf("summary = %+v", s)
	}
}

func TestExportReport(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0), steps: []time.Duration{0, time.Second, 2 * time.Second}}
	tr := NewWithClock(clock.now)
	tr.Record(Entry{Thought: "look", Action: "invoke extract_todos", Observation: "2 todos"})
	tr.Record(Entry{Thought: "answer"})

	report := tr.ExportReport()
	for _, want := range []string{
		"[Step 1] (1.00s)\nThought: look\nAction: invoke extract_todos\nObservation: 2 todos",
		"[Step 2] (2.00s)\nThought: answer\n",
		"Total reasoning time: 3.00s",
	} {
		if !strings.Contains(report, want) {
			t.Errorf("report missing %q:\n%s", want, report)
		}
	}
}

type recordingAppender struct {
	calls []string
}

func (r *recordingAppender) AppendNamed(role, name, content string) {
	r.calls = append(r.calls, role+"|"+name+"|"+content)
}

func TestAttachToAppendsOnce(t *testing.T) {
	tr := New()
	tr.Record(Entry{Thought: "only"})
	app := &recordingAppender{}
	tr.AttachTo(app)
	if len(app.calls) != 1 {
		t.Fatalf("expected one message, got %d", len(app.calls))
	}
	if !strings.HasPrefix(app.calls[0], "assistant|reasoning_trace|[Reasoning Trace]") {
		t.Errorf("unexpected message %q", app.calls[0])
	}
}

func TestExportMarkdown(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0), steps: []time.Duration{0, 1500 * time.Millisecond, 250 * time.Millisecond}}
	tr := NewWithClock(clock.now)
	tr.Record(Entry{
		Thought:     "Find open work",
		Action:      "extract_todos",
		Observation: "2 markers",
		ToolOutputs: map[string]any{"extract_todos": map[string]any{"count": 2}, "note": "plain"},
	})
	tr.Record(Entry{Thought: "Summarize"})

	md := tr.ExportMarkdown()
	for _, want := range []string{
		"# Reasoning Trace\n",
		"## Step 1 (1.50s)",
		"**Thought:** Find open work",
		"**Action:** extract_todos",
		"**Observation:**\n```\n2 markers\n```",
		"- **extract_todos:**\n  ```json\n  {\n    \"count\": 2\n  }\n  ```",
		"- **note:** plain",
		"## Step 2 (0.25s)",
		"**Total Time:** 1.75s",
	} {
		if !strings.Contains(md, want) {
			t.Errorf("markdown missing %q:\n%s", want, md)
		}
	}
	if strings.Index(md, "extract_todos:**") > strings.Index(md, "note:**") {
		t.Error("tool outputs not sorted by name")
	}
	if strings.Count(md, "**Action:**") != 1 {
		t.Error("empty action rendered")
	}
}

func TestExportMarkdownEmpty(t *testing.T) {
	if got := New().ExportMarkdown(); got != "# Reasoning Trace\n\n**Total Time:** 0.00s" {
		t.Errorf("empty markdown = %q", got)
	}
}
