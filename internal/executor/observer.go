package executor

import (
	"context"
	"time"

	"github.com/nidhogg/taskforge/internal/plan"
)

// EventType names a point in a run's lifecycle.
type EventType string

const (
	EventPlanStarted  EventType = "plan_started"
	EventStepStarted  EventType = "step_started"
	EventStepFinished EventType = "step_finished"
	EventStepSkipped  EventType = "step_skipped"
	EventRunFinished  EventType = "run_finished"
)

// Event is delivered to observers synchronously from the execution loop.
type Event struct {
	Type        EventType     `json:"type"`
	RunID       string        `json:"run_id"`
	Goal        string        `json:"goal,omitempty"`
	Step        int           `json:"step,omitempty"`
	Description string        `json:"description,omitempty"`
	Capability  string        `json:"capability,omitempty"`
	Status      plan.Status   `json:"status,omitempty"`
	Error       string        `json:"error,omitempty"`
	Steps       int           `json:"steps,omitempty"`
	Success     bool          `json:"success,omitempty"`
	Reason      Reason        `json:"reason,omitempty"`
	Duration    time.Duration `json:"duration,omitempty"`
	Time        time.Time     `json:"time"`
}

// Observer receives execution events. Implementations must not block for
// long; the loop waits for them.
type Observer interface {
	Observe(ctx context.Context, ev Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, ev Event)

func (f ObserverFunc) Observe(ctx context.Context, ev Event) { f(ctx, ev) }
