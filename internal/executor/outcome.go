package executor

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nidhogg/taskforge/internal/plan"
	"github.com/nidhogg/taskforge/internal/reasoner"
)

var (
	ErrStepFailed = errors.New("step failed")
	ErrTimeout    = errors.New("execution timed out")
	ErrDeadlock   = errors.New("no runnable step")
	ErrCanceled   = errors.New("execution canceled")
)

// Reason classifies a failed run.
type Reason string

const (
	ReasonStepError Reason = "step_error"
	ReasonTimeout   Reason = "timeout"
	ReasonDeadlock  Reason = "deadlock"
	ReasonCanceled  Reason = "canceled"
)

func (r Reason) sentinel() error {
	switch r {
	case ReasonTimeout:
		return ErrTimeout
	case ReasonDeadlock:
		return ErrDeadlock
	case ReasonCanceled:
		return ErrCanceled
	default:
		return ErrStepFailed
	}
}

// Failure names the step that ended a run. StepNumber is 0 for a deadlock.
type Failure struct {
	Reason      Reason `json:"reason"`
	StepNumber  int    `json:"step_number,omitempty"`
	Description string `json:"description,omitempty"`
	Error       string `json:"error"`
}

// Err converts the failure into an error matching one of the sentinels.
func (f *Failure) Err() error {
	if f.StepNumber == 0 {
		return fmt.Errorf("%w: %s", f.Reason.sentinel(), f.Error)
	}
	return fmt.Errorf("%w: step %d (%s): %s", f.Reason.sentinel(), f.StepNumber, f.Description, f.Error)
}

// Outcome is the result of one Execute call.
type Outcome struct {
	RunID     string           `json:"run_id"`
	Goal      string           `json:"goal"`
	Success   bool             `json:"success"`
	Outputs   map[string]any   `json:"outputs,omitempty"` // step_N of each terminal step
	Failure   *Failure         `json:"failure,omitempty"`
	Plan      *plan.Plan       `json:"plan"`
	Trace     reasoner.Export  `json:"trace"`
	Report    string           `json:"report"`
	Summary   reasoner.Summary `json:"summary"`
	StartedAt time.Time        `json:"started_at"`
	Duration  time.Duration    `json:"duration"`
}

// Err is nil for a successful run.
func (o *Outcome) Err() error {
	if o.Success || o.Failure == nil {
		return nil
	}
	return o.Failure.Err()
}

// Text renders the outcome for a human: the terminal results on success,
// the failing step otherwise.
func (o *Outcome) Text() string {
	if !o.Success {
		if o.Failure == nil {
			return "Execution failed."
		}
		if o.Failure.StepNumber == 0 {
			return fmt.Sprintf("Execution failed (%s): %s", o.Failure.Reason, o.Failure.Error)
		}
		return fmt.Sprintf("Step %d (%s) failed (%s): %s",
			o.Failure.StepNumber, o.Failure.Description, o.Failure.Reason, o.Failure.Error)
	}

	keys := make([]string, 0, len(o.Outputs))
	for k := range o.Outputs {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return stepKeyLess(keys[i], keys[j]) })

	var parts []string
	for _, k := range keys {
		n := stepKeyNumber(k)
		var step *plan.Step
		if o.Plan != nil {
			step = o.Plan.Step(n)
		}
		if step == nil {
			continue
		}
		parts = append(parts, render(step.Result))
	}
	return strings.Join(parts, "\n\n")
}

func stepKey(n int) string { return fmt.Sprintf("step_%d", n) }

func stepKeyNumber(k string) int {
	var n int
	fmt.Sscanf(k, "step_%d", &n)
	return n
}

func stepKeyLess(a, b string) bool { return stepKeyNumber(a) < stepKeyNumber(b) }

// render turns a dispatch result into text.
func render(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}
