package planner

import (
	"fmt"
	"sort"
	"strings"

	"github.com/nidhogg/taskforge/internal/capability"
	"github.com/nidhogg/taskforge/internal/plan"
)

// repair turns parsed drafts into a dense, acyclic step list. Edges are
// checked against the response's own numbering, then steps are renumbered
// 1..n in that order. Every repair is reported as a warning.
func repair(drafts []draftStep, catalog capability.Catalog) ([]*plan.Step, []error) {
	var warnings []error

	kept := make([]draftStep, 0, len(drafts))
	for _, d := range drafts {
		if d.Description == "" {
			warnings = append(warnings, fmt.Errorf("step %d: empty description, dropped", d.Number))
			continue
		}
		kept = append(kept, d)
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].Number < kept[j].Number })

	unique := kept[:0]
	seen := make(map[int]bool, len(kept))
	for _, d := range kept {
		if seen[d.Number] {
			warnings = append(warnings, fmt.Errorf("step %d: duplicate step number, dropped", d.Number))
			continue
		}
		seen[d.Number] = true
		unique = append(unique, d)
	}

	renumber := make(map[int]int, len(unique))
	for i, d := range unique {
		renumber[d.Number] = i + 1
	}

	edges := make(map[int][]int, len(unique)) // new number -> dependencies (new numbers)
	steps := make([]*plan.Step, 0, len(unique))
	for i, d := range unique {
		n := i + 1
		step := &plan.Step{
			Number:       n,
			Description:  d.Description,
			Dependencies: []int{},
			Params:       d.Params,
			Status:       plan.StatusPending,
		}

		added := make(map[int]bool)
		for _, dep := range d.Dependencies {
			drop := func(reason string) {
				warnings = append(warnings, &InvalidDependencyError{Step: d.Number, Dependency: dep, Reason: reason})
			}
			target, ok := renumber[dep]
			switch {
			case dep == d.Number:
				drop(ReasonSelf)
			case !ok:
				drop(ReasonUnknownStep)
			case dep > d.Number:
				drop(ReasonForward)
			case added[target]:
				drop(ReasonDuplicate)
			case reachable(edges, target, n):
				drop(ReasonCycle)
			default:
				added[target] = true
				edges[n] = append(edges[n], target)
				step.Dependencies = append(step.Dependencies, target)
			}
		}
		sort.Ints(step.Dependencies)

		name := normalizeCapability(d.Capability)
		if name != "" && !catalog.Has(name) {
			warnings = append(warnings, &CapabilityUnavailableError{Step: d.Number, Capability: name})
			name = ""
		}
		step.Capability = name
		steps = append(steps, step)
	}
	return steps, warnings
}

// reachable reports whether from already depends on to, directly or transitively.
func reachable(edges map[int][]int, from, to int) bool {
	visited := make(map[int]bool)
	stack := []int{from}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == to {
			return true
		}
		if visited[cur] {
			continue
		}
		visited[cur] = true
		stack = append(stack, edges[cur]...)
	}
	return false
}

func normalizeCapability(name string) string {
	name = strings.TrimSpace(name)
	switch strings.ToLower(name) {
	case "", "none", "null", "nil", "n/a":
		return ""
	}
	return name
}

// fallbackStep is used when nothing survives parsing.
func fallbackStep() *plan.Step {
	return &plan.Step{
		Number:       1,
		Description:  "Attempt the goal directly",
		Dependencies: []int{},
		Status:       plan.StatusPending,
	}
}
