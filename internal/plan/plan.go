package plan

import (
	"fmt"
	"sort"
	"strings"
)

// Step returns the step numbered n, or nil.
func (p *Plan) Step(n int) *Step {
	if n < 1 || n > len(p.Steps) {
		return nil
	}
	return p.Steps[n-1]
}

// IsComplete reports whether every step reached a terminal status.
func (p *Plan) IsComplete() bool {
	for _, s := range p.Steps {
		if !s.Status.Terminal() {
			return false
		}
	}
	return true
}

// Runnable returns pending steps whose dependencies are all done, lowest number first.
func (p *Plan) Runnable() []*Step {
	var out []*Step
	for _, s := range p.Steps {
		if s.Status != StatusPending {
			continue
		}
		ready := true
		for _, d := range s.Dependencies {
			dep := p.Step(d)
			if dep == nil || dep.Status != StatusDone {
				ready = false
				break
			}
		}
		if ready {
			out = append(out, s)
		}
	}
	return out
}

// Dependents returns every step that transitively depends on n, ascending.
func (p *Plan) Dependents(n int) []int {
	reached := map[int]bool{n: true}
	// Dependencies always point to lower numbers, so one ascending pass
	// reaches the whole transitive closure.
	var out []int
	for _, s := range p.Steps {
		if s.Number <= n {
			continue
		}
		for _, d := range s.Dependencies {
			if reached[d] {
				reached[s.Number] = true
				out = append(out, s.Number)
				break
			}
		}
	}
	return out
}

// Terminal returns the steps nothing else depends on, ascending.
func (p *Plan) Terminal() []*Step {
	hasDependent := make(map[int]bool, len(p.Steps))
	for _, s := range p.Steps {
		for _, d := range s.Dependencies {
			hasDependent[d] = true
		}
	}
	var out []*Step
	for _, s := range p.Steps {
		if !hasDependent[s.Number] {
			out = append(out, s)
		}
	}
	return out
}

// Validate checks the structural invariants a repaired plan guarantees:
// dense 1-indexed numbering, dependencies on strictly earlier steps only,
// and known statuses.
func (p *Plan) Validate() error {
	if len(p.Steps) == 0 {
		return fmt.Errorf("plan has no steps")
	}
	for i, s := range p.Steps {
		if s == nil {
			return fmt.Errorf("step at position %d is nil", i+1)
		}
		if s.Number != i+1 {
			return fmt.Errorf("step at position %d is numbered %d", i+1, s.Number)
		}
		for _, d := range s.Dependencies {
			if d < 1 || d >= s.Number {
				return fmt.Errorf("step %d: invalid dependency %d", s.Number, d)
			}
		}
		switch s.Status {
		case StatusPending, StatusRunning, StatusDone, StatusFailed, StatusSkipped:
		default:
			return fmt.Errorf("step %d: unknown status %q", s.Number, s.Status)
		}
	}
	return nil
}

// Counts tallies steps by status.
func (p *Plan) Counts() map[Status]int {
	out := make(map[Status]int)
	for _, s := range p.Steps {
		out[s.Status]++
	}
	return out
}

var statusMarker = map[Status]string{
	StatusPending: "[ ]",
	StatusRunning: "[~]",
	StatusDone:    "[x]",
	StatusFailed:  "[!]",
	StatusSkipped: "[-]",
}

// Summary renders the plan as text, one line per step.
func (p *Plan) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n", p.Goal)
	for _, s := range p.Steps {
		fmt.Fprintf(&b, "%s %d. %s", statusMarker[s.Status], s.Number, s.Description)
		if s.Capability != "" {
			fmt.Fprintf(&b, " (capability: %s)", s.Capability)
		}
		if len(s.Dependencies) > 0 {
			deps := make([]string, len(s.Dependencies))
			for i, d := range s.Dependencies {
				deps[i] = fmt.Sprint(d)
			}
			fmt.Fprintf(&b, " [after %s]", strings.Join(deps, ", "))
		}
		if s.Status == StatusFailed && s.Error != "" {
			fmt.Fprintf(&b, " error: %s", s.Error)
		}
		b.WriteByte('\n')
	}
	counts := p.Counts()
	keys := make([]string, 0, len(counts))
	for st := range counts {
		keys = append(keys, string(st))
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%d", k, counts[Status(k)])
	}
	fmt.Fprintf(&b, "Steps: %d (%s)", len(p.Steps), strings.Join(parts, ", "))
	return b.String()
}
