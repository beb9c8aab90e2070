package engine

import (
	"github.com/pipewright/pipewright/pkg/schema"
)

// runTransitions is the allowed run status transition table.
// Terminal states have no outgoing edges.
var runTransitions = map[schema.RunStatus][]schema.RunStatus{
	schema.RunStatusPending: {schema.RunStatusRunning, schema.RunStatusFailed},
	schema.RunStatusRunning: {schema.RunStatusSuccess, schema.RunStatusFailed},
}

// stepTransitions is the allowed step status transition table. A
// retrying step may be skipped: cancellation between attempts abandons
// the remaining retries.
var stepTransitions = map[schema.StepStatus][]schema.StepStatus{
	schema.StepStatusPending:  {schema.StepStatusRunning, schema.StepStatusSkipped},
	schema.StepStatusRunning:  {schema.StepStatusSuccess, schema.StepStatusFailed, schema.StepStatusRetrying},
	schema.StepStatusRetrying: {schema.StepStatusRunning, schema.StepStatusFailed, schema.StepStatusSkipped},
}

// ValidateRunTransition returns an error when the run status change is
// not an edge in the lifecycle graph.
func ValidateRunTransition(from, to schema.RunStatus) error {
	for _, allowed := range runTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return schema.NewErrorf(schema.ErrCodeInvalidTransition,
		"invalid run transition: %s -> %s", from, to)
}

// ValidateStepTransition returns an error when the step status change is
// not an edge in the lifecycle graph.
func ValidateStepTransition(from, to schema.StepStatus) error {
	for _, allowed := range stepTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return schema.NewErrorf(schema.ErrCodeInvalidTransition,
		"invalid step transition: %s -> %s", from, to)
}

// transitionRun moves the run to the next status, rejecting any change
// that is not an edge in the lifecycle graph.
func (rc *runContext) transitionRun(to schema.RunStatus) error {
	if err := ValidateRunTransition(rc.result.Status, to); err != nil {
		return err
	}
	rc.result.Status = to
	return nil
}

// transitionStep moves a step to the next lifecycle status. Steps with
// no tracked status yet are pending.
func (rc *runContext) transitionStep(stepID string, to schema.StepStatus) error {
	from, ok := rc.stepStatus[stepID]
	if !ok {
		from = schema.StepStatusPending
	}
	if err := ValidateStepTransition(from, to); err != nil {
		return err
	}
	rc.stepStatus[stepID] = to
	return nil
}
