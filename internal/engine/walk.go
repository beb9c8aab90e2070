package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pipewright/pipewright/internal/agents"
	"github.com/pipewright/pipewright/internal/expressions"
	"github.com/pipewright/pipewright/internal/graph"
	"github.com/pipewright/pipewright/internal/logging"
	"github.com/pipewright/pipewright/internal/store"
	"github.com/pipewright/pipewright/pkg/schema"
)

// runContext carries the state of one run through the walk.
type runContext struct {
	def        *schema.WorkflowDefinition
	order      *graph.ExecutionOrder
	workflowID string
	runID      string
	input      schema.Payload
	opts       ExecuteOptions
	strategy   strategy

	result     *schema.RunResult
	outputs    map[string]schema.Payload    // projected outputs of successful steps
	skipped    map[string]schema.SkipReason // steps marked skipped before reaching them
	replayed   map[string]schema.Payload    // prior successes injected on resume
	stepStatus map[string]schema.StepStatus // current lifecycle status per step
}

func newRunResult(rc *runContext) *schema.RunResult {
	return &schema.RunResult{
		WorkflowID: rc.workflowID,
		RunID:      rc.runID,
		Status:     schema.RunStatusPending,
		StartedAt:  time.Now().UTC(),
	}
}

func (rc *runContext) startedAtOrNow() time.Time {
	if rc.result != nil && !rc.result.StartedAt.IsZero() {
		return rc.result.StartedAt
	}
	return time.Now().UTC()
}

// run executes the prepared run to completion. All failure modes land in
// the returned RunResult; by this point the run has started.
func (e *Engine) run(ctx context.Context, rc *runContext) *schema.RunResult {
	ctx = logging.WithWorkflowID(ctx, rc.workflowID)
	ctx = logging.WithRunID(ctx, rc.runID)
	runCtx, done := e.track(ctx, rc)
	defer done()

	resumed := rc.result != nil
	if rc.result == nil {
		rc.result = newRunResult(rc)
	}

	if resumed {
		e.emitRunEvent(runCtx, rc, schema.EventRunResumed, schema.RunStatusRunning, nil)
	} else {
		e.emitRunEvent(runCtx, rc, schema.EventRunCreated, schema.RunStatusPending, nil)
	}

	if err := rc.transitionRun(schema.RunStatusRunning); err != nil {
		return e.finalize(runCtx, rc, asEngineErr(err))
	}
	running := schema.RunStatusRunning
	if err := rc.strategy.recordRun(runCtx, e, rc, store.RunUpdate{Status: &running}); err != nil {
		return e.finalize(runCtx, rc, asEngineErr(err))
	}
	e.emitRunEvent(runCtx, rc, schema.EventRunStarted, schema.RunStatusRunning, nil)

	var runErr *schema.Error
	for _, stepID := range rc.order.Order {
		step := rc.order.Step(stepID)

		// Cancellation is honored at step boundaries: the current step
		// always completes its attempt before the run stops.
		if runCtx.Err() != nil {
			e.skipRemaining(ctx, rc, stepID, schema.SkipReasonCancelled)
			runErr = schema.NewError(schema.ErrCodeCancelled, "run cancelled").
				WithCause(context.Cause(runCtx))
			break
		}

		if reason, ok := rc.skipped[stepID]; ok {
			if err := e.recordSkip(runCtx, rc, stepID, reason); err != nil {
				runErr = asEngineErr(err)
				break
			}
			continue
		}

		if output, ok := rc.replayed[stepID]; ok {
			e.replayStep(runCtx, rc, step, output)
			continue
		}

		stepErr := e.executeStep(runCtx, rc, step)
		if stepErr == nil {
			continue
		}
		if stepErr.Code == schema.ErrCodePersistence {
			// The store is unwritable, so these skips only reach the
			// in-memory result; callers still see why nothing else ran.
			e.skipRemaining(ctx, rc, "", schema.SkipReasonUpstreamFailed)
			runErr = stepErr
			break
		}
		if stepErr.Code == schema.ErrCodeCancelled {
			e.skipRemaining(ctx, rc, "", schema.SkipReasonCancelled)
			runErr = stepErr
			break
		}

		// The failing step is terminal for its dependency subtree only;
		// independent branches keep executing.
		if runErr == nil {
			runErr = stepErr
		}
		for _, dep := range rc.order.Dependents(stepID) {
			if _, done := rc.outputs[dep]; !done {
				rc.skipped[dep] = schema.SkipReasonUpstreamFailed
			}
		}
	}

	return e.finalize(ctx, rc, runErr)
}

// executeStep runs a single step through condition, routing, retries and
// recording. It returns nil on success and on a legitimate condition
// skip; any returned error is the step's final failure.
func (e *Engine) executeStep(ctx context.Context, rc *runContext, step *schema.StepSpec) *schema.Error {
	input, shapeErr := e.assembleInput(ctx, rc, step)
	if shapeErr == nil && step.Condition != "" {
		proceed, condErr := e.evalCondition(ctx, rc, step, input)
		if condErr != nil {
			shapeErr = condErr
		} else if !proceed {
			if err := e.recordSkip(ctx, rc, step.ID, schema.SkipReasonCondition); err != nil {
				return asEngineErr(err)
			}
			// A guard skip cascades as a guard skip: consumers of this
			// step's output cannot run, but nothing failed.
			for _, dep := range rc.order.Dependents(step.ID) {
				rc.skipped[dep] = schema.SkipReasonCondition
			}
			return nil
		}
	}
	if shapeErr != nil {
		// Shape and condition errors fail the step without invoking the
		// agent and without retries, since re-running cannot change them.
		if err := rc.transitionStep(step.ID, schema.StepStatusRunning); err != nil {
			return asEngineErr(err)
		}
		if err := rc.transitionStep(step.ID, schema.StepStatusFailed); err != nil {
			return asEngineErr(err)
		}
		result := &schema.StepResult{
			StepID:    step.ID,
			Status:    schema.StepStatusFailed,
			Error:     shapeErr,
			StartedAt: time.Now().UTC(),
		}
		rc.result.Steps = append(rc.result.Steps, *result)
		if err := rc.strategy.recordStep(ctx, e, rc, result); err != nil {
			return asEngineErr(err)
		}
		e.emitStepEvent(ctx, rc, schema.EventStepFailed, result)
		return shapeErr
	}

	policy := step.Retry
	if policy == nil {
		policy = rc.opts.Retry
	}
	maxAttempts := 1
	if policy != nil && policy.Max > 0 {
		maxAttempts = 1 + policy.Max
	}

	var lastErr *schema.Error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		start := time.Now().UTC()
		if err := rc.transitionStep(step.ID, schema.StepStatusRunning); err != nil {
			return asEngineErr(err)
		}
		if attempt == 0 {
			e.emitStepEvent(ctx, rc, schema.EventStepStarted, &schema.StepResult{
				StepID: step.ID, Attempt: attempt, Status: schema.StepStatusRunning, StartedAt: start,
			})
		}

		output, invokeErr := e.invokeAgent(ctx, rc, step, input)
		result := &schema.StepResult{
			StepID:    step.ID,
			Attempt:   attempt,
			StartedAt: start,
			Duration:  time.Since(start),
		}

		if invokeErr == nil {
			if err := rc.transitionStep(step.ID, schema.StepStatusSuccess); err != nil {
				return asEngineErr(err)
			}
			result.Status = schema.StepStatusSuccess
			result.Output = e.router.ProjectOutputs(step, output)
			rc.result.Steps = append(rc.result.Steps, *result)
			if err := rc.strategy.recordStep(ctx, e, rc, result); err != nil {
				return asEngineErr(err)
			}
			rc.outputs[step.ID] = result.Output
			e.emitStepEvent(ctx, rc, schema.EventStepSucceeded, result)
			return nil
		}

		lastErr = asEngineErr(invokeErr).WithStep(step.ID).WithRetries(attempt)
		final := attempt == maxAttempts-1 || !IsRetryableError(lastErr) ||
			lastErr.Code == schema.ErrCodeCancelled

		if final {
			if attempt > 0 && lastErr.Code != schema.ErrCodeCancelled {
				lastErr = schema.NewErrorf(schema.ErrCodeRetryExhausted,
					"step %s failed after %d attempts: %s", step.ID, attempt+1, lastErr.Message).
					WithStep(step.ID).WithRetries(attempt).WithCause(lastErr)
			}
			if err := rc.transitionStep(step.ID, schema.StepStatusFailed); err != nil {
				return asEngineErr(err)
			}
			result.Status = schema.StepStatusFailed
			result.Error = lastErr
			rc.result.Steps = append(rc.result.Steps, *result)
			if err := rc.strategy.recordStep(ctx, e, rc, result); err != nil {
				return asEngineErr(err)
			}
			e.emitStepEvent(ctx, rc, schema.EventStepFailed, result)
			return lastErr
		}

		if err := rc.transitionStep(step.ID, schema.StepStatusRetrying); err != nil {
			return asEngineErr(err)
		}
		result.Status = schema.StepStatusRetrying
		result.Error = lastErr
		rc.result.Steps = append(rc.result.Steps, *result)
		if err := rc.strategy.recordStep(ctx, e, rc, result); err != nil {
			return asEngineErr(err)
		}
		e.emitStepEvent(ctx, rc, schema.EventStepRetryAttempt, result)

		if err := WaitForBackoff(ctx, policy, attempt+1); err != nil {
			return asEngineErr(err).WithStep(step.ID)
		}
	}
	return lastErr
}

// assembleInput builds the step's input payload from exactly one source:
// a routed predecessor, a static source, or the run's initial payload.
func (e *Engine) assembleInput(ctx context.Context, rc *runContext, step *schema.StepSpec) (schema.Payload, *schema.Error) {
	switch {
	case step.InputFrom != "":
		upstream, ok := rc.outputs[step.InputFrom]
		if !ok {
			// Resolver order guarantees the producer already ran, so a
			// missing output means it was skipped or failed.
			return nil, schema.NewErrorf(schema.ErrCodeShape,
				"step %s: no output available from %s", step.ID, step.InputFrom).
				WithStep(step.ID)
		}
		routed, err := e.router.Route(ctx, step, upstream)
		if err != nil {
			return nil, asEngineErr(err)
		}
		return routed, nil

	case step.Source != nil:
		input := make(schema.Payload, len(step.Source.Inline)+1)
		for k, v := range step.Source.Inline {
			input[k] = v
		}
		if step.Source.File != "" {
			input["file"] = step.Source.File
		}
		return input, nil

	default:
		return rc.input, nil
	}
}

// evalCondition evaluates the step's CEL guard against the run scope.
func (e *Engine) evalCondition(ctx context.Context, rc *runContext, step *schema.StepSpec, input schema.Payload) (bool, *schema.Error) {
	scope := expressions.Scope{
		Inputs: input,
		Steps:  stepOutputsScope(rc),
		Run: map[string]any{
			"workflow_id": rc.workflowID,
			"run_id":      rc.runID,
		},
	}
	ok, err := e.cel.EvaluateBool(ctx, step.Condition, scope.Map())
	if err != nil {
		return false, asEngineErr(err).WithStep(step.ID)
	}
	return ok, nil
}

func stepOutputsScope(rc *runContext) map[string]any {
	steps := make(map[string]any, len(rc.outputs))
	for id, out := range rc.outputs {
		steps[id] = out
	}
	return steps
}

// invokeAgent resolves and calls the step's agent under the effective
// timeout. A deadline hit is reported as a timeout failure, retryable
// like any processing failure.
func (e *Engine) invokeAgent(ctx context.Context, rc *runContext, step *schema.StepSpec, input schema.Payload) (schema.Payload, error) {
	agent, err := e.registry.Resolve(step.Agent)
	if err != nil {
		return nil, err
	}

	timeout := rc.opts.StepTimeout
	if step.Timeout != "" {
		if d, parseErr := time.ParseDuration(step.Timeout); parseErr == nil {
			timeout = d
		}
	}
	stepCtx := logging.WithStepID(ctx, step.ID)
	if timeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	// The agent runs in its own goroutine so a deadline fires even when
	// the agent ignores its context. A timed-out invocation finishes in
	// the background and its result is discarded; cancellation instead
	// waits for the attempt, so the run stops at a step boundary.
	type agentReturn struct {
		output schema.Payload
		err    error
	}
	done := make(chan agentReturn, 1)
	go func() {
		var out schema.Payload
		var callErr error
		if configured, ok := agent.(agents.ConfiguredAgent); ok && len(step.Config) > 0 {
			out, callErr = configured.ProcessWithConfig(stepCtx, input, step.Config)
		} else {
			out, callErr = agent.Process(stepCtx, input)
		}
		done <- agentReturn{out, callErr}
	}()

	var ret agentReturn
	select {
	case <-stepCtx.Done():
		cause := stepCtx.Err()
		if errors.Is(cause, context.DeadlineExceeded) {
			return nil, schema.NewErrorf(schema.ErrCodeTimeout,
				"step %s timed out after %s", step.ID, timeout).WithStep(step.ID).WithCause(cause)
		}
		ret = <-done
	case ret = <-done:
	}

	if ret.err != nil {
		switch {
		case errors.Is(ret.err, context.DeadlineExceeded):
			return nil, schema.NewErrorf(schema.ErrCodeTimeout,
				"step %s timed out after %s", step.ID, timeout).WithStep(step.ID).WithCause(ret.err)
		case errors.Is(ret.err, context.Canceled):
			return nil, schema.NewError(schema.ErrCodeCancelled, "run cancelled").
				WithStep(step.ID).WithCause(ret.err)
		}
		return nil, agents.ProcessingError(step.ID, ret.err)
	}
	return ret.output, nil
}

// replayStep reuses a recorded success instead of re-invoking the agent.
func (e *Engine) replayStep(ctx context.Context, rc *runContext, step *schema.StepSpec, output schema.Payload) {
	rc.outputs[step.ID] = output
	e.emitStepEvent(ctx, rc, schema.EventStepReplayed, &schema.StepResult{
		StepID:    step.ID,
		Status:    schema.StepStatusSuccess,
		Output:    output,
		StartedAt: time.Now().UTC(),
	})
}

// recordSkip appends a skipped result for the step.
func (e *Engine) recordSkip(ctx context.Context, rc *runContext, stepID string, reason schema.SkipReason) error {
	if err := rc.transitionStep(stepID, schema.StepStatusSkipped); err != nil {
		return err
	}
	result := &schema.StepResult{
		StepID:     stepID,
		Status:     schema.StepStatusSkipped,
		SkipReason: reason,
		StartedAt:  time.Now().UTC(),
	}
	rc.result.Steps = append(rc.result.Steps, *result)
	if err := rc.strategy.recordStep(ctx, e, rc, result); err != nil {
		return err
	}
	e.emitStepEvent(ctx, rc, schema.EventStepSkipped, result)
	return nil
}

// skipRemaining records every step at or after fromStepID that has no
// terminal result yet as skipped. An empty fromStepID skips everything
// still pending.
func (e *Engine) skipRemaining(ctx context.Context, rc *runContext, fromStepID string, reason schema.SkipReason) {
	started := fromStepID == ""
	for _, id := range rc.order.Order {
		if id == fromStepID {
			started = true
		}
		if !started {
			continue
		}
		if _, done := rc.outputs[id]; done {
			continue
		}
		if _, replay := rc.replayed[id]; replay {
			continue
		}
		if rc.result.FinalStep(id) != nil && rc.result.FinalStep(id).Status.Terminal() {
			continue
		}
		// Skips during teardown are best-effort even for resumable runs.
		_ = e.recordSkip(ctx, rc, id, reason)
	}
}

// finalize settles the run status, persists it and archives the entry.
func (e *Engine) finalize(ctx context.Context, rc *runContext, runErr *schema.Error) *schema.RunResult {
	now := time.Now().UTC()
	rc.result.CompletedAt = &now

	status := schema.RunStatusSuccess
	if runErr != nil {
		status = schema.RunStatusFailed
	}
	if err := rc.transitionRun(status); err != nil {
		runErr = asEngineErr(err)
		rc.result.Status = schema.RunStatusFailed
	}
	if runErr != nil {
		rc.result.Error = runErr
	}

	update := store.RunUpdate{Status: &rc.result.Status, CompletedAt: &now}
	if runErr != nil {
		if raw, err := marshalRunError(runErr); err == nil {
			update.Error = raw
		}
	}
	_ = rc.strategy.recordRun(ctx, e, rc, update)

	if rc.opts.persistEnabled() {
		entry := &store.ArchiveEntry{
			WorkflowID: rc.workflowID,
			RunID:      rc.runID,
			Status:     rc.result.Status,
			Summary:    runSummary(rc.result),
			ArchivedAt: now,
		}
		if err := e.store.Archive(ctx, entry); err != nil {
			e.logger.WarnContext(ctx, "archive run failed",
				"workflow_id", rc.workflowID, "run_id", rc.runID, "error", err.Error())
		}
	}

	event := schema.EventRunSucceeded
	if runErr != nil {
		event = schema.EventRunFailed
		if runErr.Code == schema.ErrCodeCancelled {
			event = schema.EventRunCancelled
		}
	}
	e.emitRunEvent(ctx, rc, event, rc.result.Status, runErr)
	return rc.result
}

func marshalRunError(runErr *schema.Error) (json.RawMessage, error) {
	return json.Marshal(runErr)
}

// runSummary renders a one-line outcome for the archive entry.
func runSummary(result *schema.RunResult) string {
	var success, failed, skipped int
	seen := make(map[string]bool)
	for i := len(result.Steps) - 1; i >= 0; i-- {
		sr := result.Steps[i]
		if seen[sr.StepID] || !sr.Status.Terminal() {
			continue
		}
		seen[sr.StepID] = true
		switch sr.Status {
		case schema.StepStatusSuccess:
			success++
		case schema.StepStatusFailed:
			failed++
		case schema.StepStatusSkipped:
			skipped++
		}
	}
	summary := fmt.Sprintf("%d succeeded, %d failed, %d skipped", success, failed, skipped)
	if result.Error != nil && result.Error.StepID != "" {
		summary += " (failed at " + result.Error.StepID + ")"
	}
	return summary
}

// asEngineErr normalizes any error into the structured error type.
func asEngineErr(err error) *schema.Error {
	var opErr *schema.Error
	if errors.As(err, &opErr) {
		return opErr
	}
	return schema.NewError(schema.ErrCodeProcessing, err.Error()).WithCause(err)
}
