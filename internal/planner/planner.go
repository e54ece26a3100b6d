// Package planner turns a goal and a capability catalog into a validated plan.
package planner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nidhogg/taskforge/internal/capability"
	"github.com/nidhogg/taskforge/internal/oracle"
	"github.com/nidhogg/taskforge/internal/plan"
	"go.uber.org/zap"
)

const systemPrompt = `You are a task planner. Break the user's goal into a short sequence of concrete steps.
Use a capability only when one of the listed capabilities does the work; otherwise leave it null and the step will be solved by reasoning.
Reply with JSON only.`

// Planner asks the oracle for a plan and repairs whatever comes back.
type Planner struct {
	oracle    oracle.Oracle
	maxTokens int
	now       func() time.Time
	logger    *zap.Logger
}

// New creates a planner.
func New(o oracle.Oracle, logger *zap.Logger) *Planner {
	return &Planner{
		oracle:    o,
		maxTokens: 1500,
		now:       time.Now,
		logger:    logger,
	}
}

// CreatePlan builds a plan for goal. Parse and validation problems are
// repaired and recorded in the plan's metadata; only an oracle failure (or
// an empty goal) is returned, as a *PlanCreationError.
func (p *Planner) CreatePlan(ctx context.Context, goal string, catalog capability.Catalog) (*plan.Plan, error) {
	goal = strings.TrimSpace(goal)
	if goal == "" {
		return nil, &PlanCreationError{Goal: goal, Err: errors.New("goal is empty")}
	}

	resp, err := p.oracle.Complete(ctx, &oracle.Request{
		Purpose:   oracle.PurposePlan,
		System:    systemPrompt,
		Prompt:    buildPrompt(goal, catalog),
		MaxTokens: p.maxTokens,
	})
	if err != nil {
		p.logger.Warn("planning oracle failed", zap.String("goal", goal), zap.Error(err))
		return nil, &PlanCreationError{Goal: goal, Err: err}
	}
	if resp == nil {
		return nil, &PlanCreationError{Goal: goal, Err: errors.New("oracle returned no response")}
	}

	cleaned := oracle.StripFences(resp.Text)
	method := plan.ParseJSON
	drafts, perr := parseStrict(cleaned)
	if perr != nil {
		p.logger.Debug("strict plan parse failed, using line grammar", zap.Error(perr))
		drafts = parseLines(cleaned, catalog)
		method = plan.ParseLines
	}

	steps, repairs := repair(drafts, catalog)
	if len(steps) == 0 {
		steps = []*plan.Step{fallbackStep()}
		method = plan.ParseFallback
	}

	warnings := make([]string, len(repairs))
	for i, w := range repairs {
		warnings[i] = w.Error()
		p.logger.Debug("plan repaired", zap.String("goal", goal), zap.String("repair", w.Error()))
	}
	if len(repairs) > 0 {
		p.logger.Info("plan required repairs", zap.String("goal", goal), zap.Int("repairs", len(repairs)))
	}

	pl := &plan.Plan{
		Goal:  goal,
		Steps: steps,
		Metadata: plan.Metadata{
			CreatedAt:   p.now(),
			Oracle:      p.oracle.ID(),
			RawResponse: resp.Text,
			ParseMethod: method,
			Warnings:    warnings,
		},
	}
	if err := pl.Validate(); err != nil {
		// repair guarantees the invariants; reaching this is a bug.
		return nil, &PlanCreationError{Goal: goal, Err: fmt.Errorf("repaired plan invalid: %w", err)}
	}

	p.logger.Info("plan created",
		zap.String("goal", goal),
		zap.Int("steps", len(steps)),
		zap.String("parse_method", method))
	return pl, nil
}

func buildPrompt(goal string, catalog capability.Catalog) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n\nAvailable capabilities:\n", goal)
	if len(catalog) == 0 {
		b.WriteString("(none)\n")
	}
	for _, c := range catalog {
		fmt.Fprintf(&b, "- %s: %s", c.Name, c.Description)
		if len(c.Parameters) > 0 {
			params := make([]string, len(c.Parameters))
			for i, prm := range c.Parameters {
				params[i] = prm.Name
				if prm.Required {
					params[i] += "*"
				}
			}
			fmt.Fprintf(&b, " (params: %s)", strings.Join(params, ", "))
		}
		b.WriteByte('\n')
	}
	b.WriteString(`
Respond with:
{"steps": [
  {"step_number": 1, "description": "...", "capability": "<name or null>", "dependencies": [], "inputs": {}}
]}
Dependencies list earlier step numbers whose results the step needs.`)
	return b.String()
}
