package planner

import "fmt"

// PlanCreationError means no plan was produced; the caller must not execute.
type PlanCreationError struct {
	Goal string
	Err  error
}

func (e *PlanCreationError) Error() string {
	return fmt.Sprintf("create plan for %q: %v", e.Goal, e.Err)
}

func (e *PlanCreationError) Unwrap() error { return e.Err }

// Dependency drop reasons.
const (
	ReasonUnknownStep = "unknown step"
	ReasonForward     = "forward reference"
	ReasonSelf        = "self reference"
	ReasonCycle       = "would close a cycle"
	ReasonDuplicate   = "duplicate edge"
)

// InvalidDependencyError describes a dependency edge dropped during repair.
// Step and Dependency use the numbering of the oracle response.
type InvalidDependencyError struct {
	Step       int
	Dependency int
	Reason     string
}

func (e *InvalidDependencyError) Error() string {
	return fmt.Sprintf("step %d: dropped dependency on step %d (%s)", e.Step, e.Dependency, e.Reason)
}

// CapabilityUnavailableError describes a capability reference that was nulled
// because the catalog has no such entry.
type CapabilityUnavailableError struct {
	Step       int
	Capability string
}

func (e *CapabilityUnavailableError) Error() string {
	return fmt.Sprintf("step %d: capability %q not in catalog, using reasoning", e.Step, e.Capability)
}
