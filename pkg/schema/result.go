package schema

import "time"

// StepResult is one recorded step outcome within a run.
// Results are append-only: a retried step produces one record per attempt,
// so the full history stays inspectable. Never mutated after write.
type StepResult struct {
	StepID     string     `json:"step_id"`
	Attempt    int        `json:"attempt"` // 0-based attempt index
	Status     StepStatus `json:"status"`
	Output     Payload    `json:"output,omitempty"`
	Error      *Error     `json:"error,omitempty"`
	SkipReason SkipReason `json:"skip_reason,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	Duration   time.Duration `json:"duration"`
}

// RunResult is the terminal outcome returned to callers.
// On failure it always names the failing step and carries the full cause
// chain, never a bare generic failure.
type RunResult struct {
	WorkflowID  string       `json:"workflow_id"`
	RunID       string       `json:"run_id"`
	Status      RunStatus    `json:"status"`
	Steps       []StepResult `json:"steps"` // ordered log, one entry per attempt
	Error       *Error       `json:"error,omitempty"`
	StartedAt   time.Time    `json:"started_at"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
}

// FinalStep returns the last recorded result for the given step id,
// or nil if the step never produced one.
func (r *RunResult) FinalStep(stepID string) *StepResult {
	for i := len(r.Steps) - 1; i >= 0; i-- {
		if r.Steps[i].StepID == stepID {
			return &r.Steps[i]
		}
	}
	return nil
}
