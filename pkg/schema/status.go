package schema

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	RunStatusPending RunStatus = "pending"
	RunStatusRunning RunStatus = "running"
	RunStatusSuccess RunStatus = "success"
	RunStatusFailed  RunStatus = "failed"
)

// Terminal reports whether the run status is final.
func (s RunStatus) Terminal() bool {
	return s == RunStatusSuccess || s == RunStatusFailed
}

// StepStatus represents the lifecycle state of a step within a run.
type StepStatus string

const (
	StepStatusPending  StepStatus = "pending"
	StepStatusRunning  StepStatus = "running"
	StepStatusRetrying StepStatus = "retrying"
	StepStatusSuccess  StepStatus = "success"
	StepStatusFailed   StepStatus = "failed"
	StepStatusSkipped  StepStatus = "skipped"
)

// Terminal reports whether the step status is final.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepStatusSuccess, StepStatusFailed, StepStatusSkipped:
		return true
	}
	return false
}

// Event type constants for the transition log and streaming hub.
const (
	EventRunCreated   = "run_created"
	EventRunStarted   = "run_started"
	EventRunSucceeded = "run_succeeded"
	EventRunFailed    = "run_failed"
	EventRunCancelled = "run_cancelled"
	EventRunResumed   = "run_resumed"

	EventStepStarted      = "step_started"
	EventStepSucceeded    = "step_succeeded"
	EventStepFailed       = "step_failed"
	EventStepSkipped      = "step_skipped"
	EventStepRetryAttempt = "step_retry_attempt"
	EventStepReplayed     = "step_replayed"
)

// SkipReason distinguishes why a step was skipped.
type SkipReason string

const (
	// SkipReasonUpstreamFailed marks failure propagation: an upstream
	// dependency failed, so this step never ran. Any such skip makes the
	// overall run FAILED.
	SkipReasonUpstreamFailed SkipReason = "upstream_failed"
	// SkipReasonCondition marks a step whose condition evaluated false.
	// A condition skip is legitimate and does not fail the run.
	SkipReasonCondition SkipReason = "condition_false"
	// SkipReasonCancelled marks steps not yet started when the run was cancelled.
	SkipReasonCancelled SkipReason = "run_cancelled"
)
