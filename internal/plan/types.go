package plan

import (
	"fmt"
	"time"
)

// Status tracks a step's execution state.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed || s == StatusSkipped
}

// Parse methods recorded in Metadata.ParseMethod.
const (
	ParseJSON     = "json"
	ParseLines    = "lines"
	ParseFallback = "fallback"
)

// Step is one unit of work in a plan.
type Step struct {
	Number       int            `json:"step_number"`
	Description  string         `json:"description"`
	Capability   string         `json:"capability_needed,omitempty"` // empty: reasoning only
	Dependencies []int          `json:"dependencies"`
	Params       map[string]any `json:"params,omitempty"` // declared by the planner
	Status       Status         `json:"status"`
	Inputs       map[string]any `json:"inputs,omitempty"` // resolved at dispatch
	Outputs      map[string]any `json:"outputs,omitempty"`
	Result       any            `json:"result,omitempty"`
	Error        string         `json:"error_message,omitempty"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	FinishedAt   *time.Time     `json:"finished_at,omitempty"`
}

// Plan is a goal decomposed into dependency-ordered steps.
// Steps[i].Number == i+1.
type Plan struct {
	Goal     string   `json:"goal"`
	Steps    []*Step  `json:"steps"`
	Metadata Metadata `json:"metadata"`
}

// Metadata records how a plan was produced.
type Metadata struct {
	CreatedAt   time.Time `json:"created_at"`
	Oracle      string    `json:"oracle"`
	RawResponse string    `json:"raw_response,omitempty"`
	ParseMethod string    `json:"parse_method"`
	Warnings    []string  `json:"warnings,omitempty"`
}

// TransitionError reports an illegal status change.
type TransitionError struct {
	Step int
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("step %d: illegal transition %s -> %s", e.Step, e.From, e.To)
}
