// Package reasoner records the timed thought/action/observation trace of one
// task execution.
package reasoner

import (
	"sort"
	"sync"
	"time"
)

// Step is one entry of a reasoning trace.
type Step struct {
	Thought     string         `json:"thought"`
	Action      string         `json:"action,omitempty"`
	Observation string         `json:"observation,omitempty"`
	ElapsedTime float64        `json:"elapsed_time"` // seconds
	ToolOutputs map[string]any `json:"tool_outputs,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Entry is what callers hand to Record.
type Entry struct {
	Thought     string
	Action      string
	Observation string
	ToolOutputs map[string]any
	Metadata    map[string]any
}

// Trace is the ordered record for a single execution. Create one per run.
type Trace struct {
	mu      sync.Mutex
	steps   []Step
	started time.Time
	lap     time.Time
	now     func() time.Time
}

// New starts a trace; elapsed time of the first entry is measured from here.
func New() *Trace {
	return NewWithClock(time.Now)
}

// NewWithClock starts a trace using the given clock.
func NewWithClock(now func() time.Time) *Trace {
	t := now()
	return &Trace{started: t, lap: t, now: now}
}

// Mark resets the lap clock so the next entry measures from now. The
// executor calls it right before each dispatch.
func (t *Trace) Mark() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lap = t.now()
}

// Record appends an entry timed since the previous Record or Mark.
func (t *Trace) Record(e Entry) Step {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	elapsed := now.Sub(t.lap).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	t.lap = now
	s := Step{
		Thought:     e.Thought,
		Action:      e.Action,
		Observation: e.Observation,
		ElapsedTime: elapsed,
		ToolOutputs: e.ToolOutputs,
		Timestamp:   now,
		Metadata:    e.Metadata,
	}
	t.steps = append(t.steps, s)
	return s
}

// Steps returns a copy of the recorded entries in order.
func (t *Trace) Steps() []Step {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Step(nil), t.steps...)
}

// Len returns the number of entries.
func (t *Trace) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.steps)
}

// Summary aggregates a trace.
type Summary struct {
	StepCount        int      `json:"total_steps"`
	TotalElapsed     float64  `json:"total_time"`
	AvgTimePerStep   float64  `json:"avg_time_per_step"`
	Capabilities     []string `json:"capabilities"`
	StepsWithActions int      `json:"steps_with_actions"`
	StepsWithTools   int      `json:"steps_with_tools"`
}

// Summary returns step count, total elapsed seconds and the distinct
// capability names that produced tool outputs, sorted.
func (t *Trace) Summary() Summary {
	steps := t.Steps()
	s := Summary{StepCount: len(steps), Capabilities: []string{}}
	seen := make(map[string]bool)
	for _, st := range steps {
		s.TotalElapsed += st.ElapsedTime
		if st.Action != "" {
			s.StepsWithActions++
		}
		if len(st.ToolOutputs) > 0 {
			s.StepsWithTools++
		}
		for name := range st.ToolOutputs {
			if !seen[name] {
				seen[name] = true
				s.Capabilities = append(s.Capabilities, name)
			}
		}
	}
	sort.Strings(s.Capabilities)
	if s.StepCount > 0 {
		s.AvgTimePerStep = s.TotalElapsed / float64(s.StepCount)
	}
	return s
}
