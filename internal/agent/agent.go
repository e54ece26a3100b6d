// Package agent ties the pieces together: goal -> plan -> execute -> trace
// attached -> memory trimmed -> run recorded.
package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/nidhogg/taskforge/internal/capability"
	"github.com/nidhogg/taskforge/internal/conversation"
	"github.com/nidhogg/taskforge/internal/executor"
	"github.com/nidhogg/taskforge/internal/plan"
	"github.com/nidhogg/taskforge/internal/planner"
	"go.uber.org/zap"
)

// Sink receives every finished run: stores, graph projections, notifiers.
type Sink interface {
	Record(ctx context.Context, out *executor.Outcome) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, out *executor.Outcome) error

func (f SinkFunc) Record(ctx context.Context, out *executor.Outcome) error { return f(ctx, out) }

// CatalogSource supplies the capabilities offered to the planner.
type CatalogSource interface {
	Catalog() capability.Catalog
}

type namedSink struct {
	name string
	sink Sink
}

// Options tunes an Agent.
type Options struct {
	// Threshold is the usage ratio that triggers summarization.
	Threshold float64
}

// Agent runs goals one at a time against a shared conversation.
type Agent struct {
	planner   *planner.Planner
	executor  *executor.Executor
	catalog   CatalogSource
	memory    *conversation.Manager
	threshold float64
	sinks     []namedSink
	mu        sync.Mutex // serializes runs
	logger    *zap.Logger
}

// New creates an agent and points the executor's trace attachment at mem.
func New(pl *planner.Planner, ex *executor.Executor, catalog CatalogSource, mem *conversation.Manager, opts Options, logger *zap.Logger) *Agent {
	if opts.Threshold <= 0 {
		opts.Threshold = conversation.DefaultThreshold
	}
	ex.SetMemory(mem)
	return &Agent{
		planner:   pl,
		executor:  ex,
		catalog:   catalog,
		memory:    mem,
		threshold: opts.Threshold,
		logger:    logger,
	}
}

// AddSink registers a sink under a name used in logs.
func (a *Agent) AddSink(name string, s Sink) {
	a.sinks = append(a.sinks, namedSink{name: name, sink: s})
}

// Memory returns the conversation the agent appends to.
func (a *Agent) Memory() *conversation.Manager { return a.memory }

// Catalog returns the capabilities currently offered to the planner.
func (a *Agent) Catalog() capability.Catalog { return a.catalog.Catalog() }

// Plan creates a plan without executing it or touching the conversation.
func (a *Agent) Plan(ctx context.Context, goal string) (*plan.Plan, error) {
	return a.planner.CreatePlan(ctx, goal, a.catalog.Catalog())
}

// Run executes goal end to end. A planning failure is returned as an error
// and nothing is executed; an execution failure is reported in the outcome.
func (a *Agent) Run(ctx context.Context, goal string) (*executor.Outcome, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.memory.AutoSummarizeIfNeeded(ctx, a.threshold)
	a.memory.Append("user", goal)

	p, err := a.planner.CreatePlan(ctx, goal, a.catalog.Catalog())
	if err != nil {
		a.memory.Append("assistant", fmt.Sprintf("Planning failed: %v", err))
		return nil, err
	}
	a.logger.Info("plan created",
		zap.String("goal", p.Goal),
		zap.Int("steps", len(p.Steps)),
		zap.String("parse_method", p.Metadata.ParseMethod),
		zap.Int("warnings", len(p.Metadata.Warnings)))

	out, err := a.executor.Execute(ctx, p)
	if err != nil {
		a.memory.Append("assistant", fmt.Sprintf("Execution rejected the plan: %v", err))
		return nil, err
	}
	a.memory.Append("assistant", out.Text())
	a.memory.AutoSummarizeIfNeeded(ctx, a.threshold)

	for _, s := range a.sinks {
		if err := s.sink.Record(ctx, out); err != nil {
			a.logger.Warn("run sink failed",
				zap.String("sink", s.name),
				zap.String("run_id", out.RunID),
				zap.Error(err))
		}
	}
	return out, nil
}
