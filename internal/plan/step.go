package plan

import "time"

// Start moves a pending step to running.
func (s *Step) Start(now time.Time) error {
	if s.Status != StatusPending {
		return &TransitionError{Step: s.Number, From: s.Status, To: StatusRunning}
	}
	s.Status = StatusRunning
	s.StartedAt = &now
	return nil
}

// Complete moves a running step to done and stores what the dispatch produced.
func (s *Step) Complete(outputs map[string]any, result any, now time.Time) error {
	if s.Status != StatusRunning {
		return &TransitionError{Step: s.Number, From: s.Status, To: StatusDone}
	}
	s.Status = StatusDone
	s.Outputs = outputs
	s.Result = result
	s.FinishedAt = &now
	return nil
}

// Fail moves a running step to failed.
func (s *Step) Fail(msg string, now time.Time) error {
	if s.Status != StatusRunning {
		return &TransitionError{Step: s.Number, From: s.Status, To: StatusFailed}
	}
	s.Status = StatusFailed
	s.Error = msg
	s.Outputs = nil
	s.Result = nil
	s.FinishedAt = &now
	return nil
}

// Skip moves a pending step to skipped. Running steps are never skipped.
func (s *Step) Skip(now time.Time) error {
	if s.Status != StatusPending {
		return &TransitionError{Step: s.Number, From: s.Status, To: StatusSkipped}
	}
	s.Status = StatusSkipped
	s.FinishedAt = &now
	return nil
}

// DependsOn reports whether n is a direct dependency.
func (s *Step) DependsOn(n int) bool {
	for _, d := range s.Dependencies {
		if d == n {
			return true
		}
	}
	return false
}
