// Package executor runs a plan one step at a time: lowest runnable step
// first, dependency outputs fed forward, failures cascade-skipped.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/taskforge/internal/capability"
	"github.com/nidhogg/taskforge/internal/oracle"
	"github.com/nidhogg/taskforge/internal/plan"
	"github.com/nidhogg/taskforge/internal/reasoner"
	"go.uber.org/zap"
)

// DefaultTimeout bounds a whole Execute call.
const DefaultTimeout = 300 * time.Second

const (
	maxObservation     = 500
	reasonMaxTokens    = 1024
	reasonSystemPrompt = `You are executing one step of a larger plan. Use the goal, the results of earlier steps and the step description to produce the result of this step. Answer with the result only.`
)

// Options tunes an Executor.
type Options struct {
	Timeout time.Duration
}

// Executor dispatches plan steps to capabilities or to the oracle. It keeps
// no per-run state; every Execute call gets its own run.
type Executor struct {
	invoker   capability.Invoker
	oracle    oracle.Oracle
	timeout   time.Duration
	memory    reasoner.Appender
	observers []Observer
	now       func() time.Time
	logger    *zap.Logger
}

// New creates an executor. invoker may be nil when every step is reasoning only.
func New(invoker capability.Invoker, o oracle.Oracle, opts Options, logger *zap.Logger) *Executor {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Executor{
		invoker: invoker,
		oracle:  o,
		timeout: opts.Timeout,
		now:     time.Now,
		logger:  logger,
	}
}

// SetMemory sets where the reasoning trace is attached after each run.
func (e *Executor) SetMemory(a reasoner.Appender) {
	e.memory = a
}

// AddObserver registers an observer for execution events.
func (e *Executor) AddObserver(o Observer) {
	e.observers = append(e.observers, o)
}

// run is the execution context of a single Execute call.
type run struct {
	id      string
	plan    *plan.Plan
	trace   *reasoner.Trace
	started time.Time
	notes   []string // "Step n (description): observation", in dispatch order
}

// Execute runs p to completion or to its first failure. The returned error is
// non-nil only when p itself is unusable; a failed run is reported through
// Outcome.Failure.
func (e *Executor) Execute(ctx context.Context, p *plan.Plan) (*Outcome, error) {
	if p == nil {
		return nil, errors.New("execute: nil plan")
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("execute: %w", err)
	}

	r := &run{
		id:      uuid.New().String(),
		plan:    p,
		trace:   reasoner.NewWithClock(e.now),
		started: e.now(),
	}
	e.logger.Info("plan execution started",
		zap.String("run_id", r.id),
		zap.String("goal", p.Goal),
		zap.Int("steps", len(p.Steps)))
	e.emit(ctx, Event{Type: EventPlanStarted, RunID: r.id, Goal: p.Goal, Steps: len(p.Steps)})

	failure := e.loop(ctx, r)

	// Attached exactly once, after the loop, whatever its result.
	if e.memory != nil {
		r.trace.AttachTo(e.memory)
	}

	out := &Outcome{
		RunID:     r.id,
		Goal:      p.Goal,
		Success:   failure == nil,
		Failure:   failure,
		Plan:      p,
		Trace:     r.trace.ExportStructured(),
		Report:    r.trace.ExportReport(),
		Summary:   r.trace.Summary(),
		StartedAt: r.started,
		Duration:  e.now().Sub(r.started),
	}
	if out.Success {
		out.Outputs = make(map[string]any)
		for _, s := range p.Terminal() {
			if s.Status == plan.StatusDone {
				out.Outputs[stepKey(s.Number)] = s.Outputs
			}
		}
	}

	ev := Event{Type: EventRunFinished, RunID: r.id, Goal: p.Goal, Steps: len(p.Steps),
		Success: out.Success, Duration: out.Duration}
	if failure != nil {
		ev.Reason = failure.Reason
		ev.Step = failure.StepNumber
		ev.Error = failure.Error
		e.logger.Error("plan execution failed",
			zap.String("run_id", r.id),
			zap.String("reason", string(failure.Reason)),
			zap.Int("step", failure.StepNumber),
			zap.String("error", failure.Error))
	} else {
		e.logger.Info("plan execution finished",
			zap.String("run_id", r.id),
			zap.Duration("duration", out.Duration))
	}
	e.emit(ctx, ev)
	return out, nil
}

func (e *Executor) loop(ctx context.Context, r *run) *Failure {
	p := r.plan
	for !p.IsComplete() {
		runnable := p.Runnable()
		if len(runnable) == 0 {
			var pending []string
			for _, s := range p.Steps {
				if s.Status == plan.StatusPending {
					pending = append(pending, fmt.Sprint(s.Number))
				}
			}
			return &Failure{
				Reason: ReasonDeadlock,
				Error:  fmt.Sprintf("pending steps [%s] have unmet dependencies", strings.Join(pending, ", ")),
			}
		}

		step := runnable[0]
		if err := step.Start(e.now()); err != nil {
			return &Failure{Reason: ReasonDeadlock, StepNumber: step.Number, Description: step.Description, Error: err.Error()}
		}
		e.emit(ctx, Event{Type: EventStepStarted, RunID: r.id, Step: step.Number,
			Description: step.Description, Capability: step.Capability, Status: step.Status})
		step.Inputs = r.resolveInputs(step)

		if elapsed := e.now().Sub(r.started); elapsed > e.timeout {
			msg := fmt.Sprintf("execution exceeded %s before dispatch (elapsed %s)", e.timeout, elapsed.Round(time.Millisecond))
			return e.abort(ctx, r, step, ReasonTimeout, msg)
		}
		if err := ctx.Err(); err != nil {
			return e.abort(ctx, r, step, ReasonCanceled, err.Error())
		}

		e.logger.Debug("dispatching step",
			zap.String("run_id", r.id),
			zap.Int("step", step.Number),
			zap.String("capability", step.Capability))
		r.trace.Mark()
		outputs, result, toolOutputs, err := e.dispatch(ctx, r, step)
		if err != nil {
			r.trace.Record(reasoner.Entry{
				Thought:     step.Description,
				Action:      actionName(step),
				Observation: "error: " + err.Error(),
				Metadata:    map[string]any{"step": step.Number, "status": string(plan.StatusFailed)},
			})
			if ctx.Err() != nil {
				return e.abort(ctx, r, step, ReasonCanceled, err.Error())
			}
			return e.fail(ctx, r, step, err.Error())
		}

		observation := truncate(render(result), maxObservation)
		r.trace.Record(reasoner.Entry{
			Thought:     step.Description,
			Action:      actionName(step),
			Observation: observation,
			ToolOutputs: toolOutputs,
			Metadata:    map[string]any{"step": step.Number, "status": string(plan.StatusDone)},
		})
		r.notes = append(r.notes, fmt.Sprintf("Step %d (%s): %s", step.Number, step.Description, observation))
		if err := step.Complete(outputs, result, e.now()); err != nil {
			return e.fail(ctx, r, step, err.Error())
		}
		e.emit(ctx, Event{Type: EventStepFinished, RunID: r.id, Step: step.Number,
			Description: step.Description, Capability: step.Capability, Status: step.Status,
			Duration: step.FinishedAt.Sub(*step.StartedAt)})
	}
	return nil
}

// resolveInputs merges the goal, the step's declared params and each
// dependency's outputs keyed step_<n>.
func (r *run) resolveInputs(step *plan.Step) map[string]any {
	in := map[string]any{"goal": r.plan.Goal}
	for k, v := range step.Params {
		in[k] = v
	}
	for _, d := range step.Dependencies {
		if dep := r.plan.Step(d); dep != nil {
			in[stepKey(d)] = dep.Outputs
		}
	}
	return in
}

func (e *Executor) dispatch(ctx context.Context, r *run, step *plan.Step) (map[string]any, any, map[string]any, error) {
	if step.Capability != "" {
		return e.invoke(ctx, step)
	}
	text, err := e.reason(ctx, r, step)
	if err != nil {
		return nil, nil, nil, err
	}
	return map[string]any{"text": text}, text, nil, nil
}

func (e *Executor) invoke(ctx context.Context, step *plan.Step) (map[string]any, any, map[string]any, error) {
	if e.invoker == nil {
		return nil, nil, nil, fmt.Errorf("capability %s: %w", step.Capability, capability.ErrUnknown)
	}
	res := e.invoker.Invoke(ctx, step.Capability, step.Inputs)
	if !res.OK() {
		return nil, nil, nil, fmt.Errorf("capability %s (%s): %s", step.Capability, res.Status, res.Error)
	}
	outputs, ok := res.Payload.(map[string]any)
	if !ok {
		outputs = map[string]any{"result": res.Payload}
	}
	tool := map[string]any{step.Capability: map[string]any{
		"status":      string(res.Status),
		"payload":     res.Payload,
		"duration_ms": res.Duration.Milliseconds(),
	}}
	return outputs, res.Payload, tool, nil
}

func (e *Executor) reason(ctx context.Context, r *run, step *plan.Step) (string, error) {
	if e.oracle == nil {
		return "", errors.New("no oracle configured for reasoning steps")
	}
	resp, err := e.oracle.Complete(ctx, &oracle.Request{
		Purpose:   oracle.PurposeReason,
		System:    reasonSystemPrompt,
		Prompt:    r.reasonPrompt(step),
		MaxTokens: reasonMaxTokens,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(oracle.StripThinkBlocks(resp.Text)), nil
}

func (r *run) reasonPrompt(step *plan.Step) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n\n", r.plan.Goal)
	if len(r.notes) > 0 {
		b.WriteString("Completed steps:\n")
		for _, n := range r.notes {
			b.WriteString("- " + n + "\n")
		}
		b.WriteByte('\n')
	}
	for _, d := range step.Dependencies {
		if dep := r.plan.Step(d); dep != nil {
			fmt.Fprintf(&b, "Result of step %d:\n%s\n\n", d, render(dep.Result))
		}
	}
	if len(step.Params) > 0 {
		fmt.Fprintf(&b, "Inputs: %s\n\n", render(step.Params))
	}
	fmt.Fprintf(&b, "Current step %d: %s", step.Number, step.Description)
	return b.String()
}

// fail marks step failed and cascade-skips everything that depends on it.
func (e *Executor) fail(ctx context.Context, r *run, step *plan.Step, msg string) *Failure {
	now := e.now()
	if step.Status == plan.StatusRunning {
		_ = step.Fail(msg, now)
	}
	e.emit(ctx, Event{Type: EventStepFinished, RunID: r.id, Step: step.Number,
		Description: step.Description, Capability: step.Capability, Status: step.Status, Error: msg})
	for _, n := range r.plan.Dependents(step.Number) {
		e.skip(ctx, r, r.plan.Step(n), now)
	}
	return &Failure{Reason: ReasonStepError, StepNumber: step.Number, Description: step.Description, Error: msg}
}

// abort fails the current step and skips every step not yet started.
func (e *Executor) abort(ctx context.Context, r *run, step *plan.Step, reason Reason, msg string) *Failure {
	now := e.now()
	if step.Status == plan.StatusRunning {
		_ = step.Fail(msg, now)
	}
	e.emit(ctx, Event{Type: EventStepFinished, RunID: r.id, Step: step.Number,
		Description: step.Description, Capability: step.Capability, Status: step.Status, Error: msg})
	for _, s := range r.plan.Steps {
		e.skip(ctx, r, s, now)
	}
	return &Failure{Reason: reason, StepNumber: step.Number, Description: step.Description, Error: msg}
}

func (e *Executor) skip(ctx context.Context, r *run, s *plan.Step, now time.Time) {
	if s == nil || s.Skip(now) != nil {
		return
	}
	e.emit(ctx, Event{Type: EventStepSkipped, RunID: r.id, Step: s.Number,
		Description: s.Description, Capability: s.Capability, Status: s.Status})
}

func (e *Executor) emit(ctx context.Context, ev Event) {
	if ev.Time.IsZero() {
		ev.Time = e.now()
	}
	for _, o := range e.observers {
		o.Observe(ctx, ev)
	}
}

func actionName(s *plan.Step) string {
	if s.Capability != "" {
		return s.Capability
	}
	return "reason"
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
