package engine

import (
	"context"
	"errors"

	"github.com/pipewright/pipewright/internal/store"
	"github.com/pipewright/pipewright/pkg/schema"
)

// strategy isolates how run state reaches the store. The walk itself is
// identical for every strategy; only persistence semantics differ.
type strategy interface {
	name() string

	// createRun records the new run and its definition snapshot.
	createRun(ctx context.Context, e *Engine, rc *runContext) error

	// loadPrior rebuilds state from a previous run so the walk can skip
	// already-successful steps.
	loadPrior(ctx context.Context, e *Engine, rc *runContext) error

	// recordStep persists one step attempt.
	recordStep(ctx context.Context, e *Engine, rc *runContext, result *schema.StepResult) error

	// recordRun persists a run status change.
	recordRun(ctx context.Context, e *Engine, rc *runContext, update store.RunUpdate) error
}

// plainStrategy persists best-effort: a write failure is logged and the
// run continues in memory.
type plainStrategy struct{}

func (plainStrategy) name() string { return StrategyPlain }

func (plainStrategy) createRun(ctx context.Context, e *Engine, rc *runContext) error {
	if !rc.opts.persistEnabled() {
		return nil
	}
	if err := e.createRunRecord(ctx, rc); err != nil {
		// Identity collisions are real errors even for plain runs: two
		// runs must never share a key.
		var opErr *schema.Error
		if errors.As(err, &opErr) && opErr.Code == schema.ErrCodeIdentity {
			return err
		}
		e.logger.WarnContext(ctx, "create run record failed, continuing in memory",
			"workflow_id", rc.workflowID, "run_id", rc.runID, "error", err.Error())
		rc.opts.Persist = boolPtr(false)
	}
	return nil
}

func (plainStrategy) loadPrior(ctx context.Context, e *Engine, rc *runContext) error {
	return schema.NewError(schema.ErrCodeValidation,
		"resume requires the resumable strategy")
}

func (plainStrategy) recordStep(ctx context.Context, e *Engine, rc *runContext, result *schema.StepResult) error {
	if !rc.opts.persistEnabled() {
		return nil
	}
	if err := e.store.AppendStepResult(ctx, rc.workflowID, rc.runID, result); err != nil {
		e.logger.WarnContext(ctx, "append step result failed, continuing",
			"workflow_id", rc.workflowID, "run_id", rc.runID,
			"step_id", result.StepID, "error", err.Error())
	}
	return nil
}

func (plainStrategy) recordRun(ctx context.Context, e *Engine, rc *runContext, update store.RunUpdate) error {
	if !rc.opts.persistEnabled() {
		return nil
	}
	if err := e.store.UpdateRun(ctx, rc.workflowID, rc.runID, update); err != nil {
		e.logger.WarnContext(ctx, "update run failed, continuing",
			"workflow_id", rc.workflowID, "run_id", rc.runID, "error", err.Error())
	}
	return nil
}

// resumableStrategy persists every state change before advancing. A
// write failure fails the run: a run that cannot be recorded cannot be
// resumed, so pretending to continue would break the durability promise.
type resumableStrategy struct{}

func (resumableStrategy) name() string { return StrategyResumable }

func (resumableStrategy) createRun(ctx context.Context, e *Engine, rc *runContext) error {
	return e.createRunRecord(ctx, rc)
}

func (resumableStrategy) loadPrior(ctx context.Context, e *Engine, rc *runContext) error {
	run, err := e.store.GetRun(ctx, rc.workflowID, rc.runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() && run.Status == schema.RunStatusSuccess {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"run %s/%s already succeeded", rc.workflowID, rc.runID)
	}

	// Prior records stay in the result log; the walk replays the latest
	// success per step and re-executes everything else.
	rc.result = newRunResult(rc)
	rc.result.StartedAt = run.StartedAt
	rc.result.Steps = append(rc.result.Steps, run.Steps...)
	for _, sr := range run.Steps {
		if sr.Status == schema.StepStatusSuccess {
			rc.replayed[sr.StepID] = sr.Output
		}
	}
	if run.InitialInput != nil {
		rc.input = run.InitialInput
	}

	running := schema.RunStatusRunning
	return resumableStrategy{}.recordRun(ctx, e, rc, store.RunUpdate{Status: &running})
}

func (resumableStrategy) recordStep(ctx context.Context, e *Engine, rc *runContext, result *schema.StepResult) error {
	if err := e.store.AppendStepResult(ctx, rc.workflowID, rc.runID, result); err != nil {
		return persistenceFailure(result.StepID, err)
	}
	return nil
}

func (resumableStrategy) recordRun(ctx context.Context, e *Engine, rc *runContext, update store.RunUpdate) error {
	if err := e.store.UpdateRun(ctx, rc.workflowID, rc.runID, update); err != nil {
		return persistenceFailure("", err)
	}
	return nil
}

// createRunRecord inserts the run row and the definition snapshot.
func (e *Engine) createRunRecord(ctx context.Context, rc *runContext) error {
	now := rc.startedAtOrNow()
	run := &store.Run{
		WorkflowID:   rc.workflowID,
		RunID:        rc.runID,
		Status:       schema.RunStatusPending,
		Strategy:     rc.strategy.name(),
		InitialInput: rc.input,
		StartedAt:    now,
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		return err
	}
	return e.store.SnapshotDefinition(ctx, rc.workflowID, rc.runID, rc.def)
}

func persistenceFailure(stepID string, cause error) *schema.Error {
	err := schema.NewErrorf(schema.ErrCodePersistence,
		"run state write failed: %s", cause.Error()).WithCause(cause)
	if stepID != "" {
		err = err.WithStep(stepID)
	}
	return err
}

func boolPtr(b bool) *bool { return &b }
