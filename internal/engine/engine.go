// Package engine walks a resolved execution order step by step, routing
// outputs into inputs, applying retry and timeout policy, and recording
// every attempt. Persistence behavior is pluggable via strategies.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pipewright/pipewright/internal/agents"
	"github.com/pipewright/pipewright/internal/expressions"
	"github.com/pipewright/pipewright/internal/graph"
	"github.com/pipewright/pipewright/internal/identity"
	"github.com/pipewright/pipewright/internal/router"
	"github.com/pipewright/pipewright/internal/store"
	"github.com/pipewright/pipewright/internal/streaming"
	"github.com/pipewright/pipewright/internal/validation"
	"github.com/pipewright/pipewright/pkg/schema"
)

// Strategy names accepted in ExecuteOptions.
const (
	StrategyPlain     = "plain"
	StrategyResumable = "resumable"
)

// ExecuteOptions configures a single run. The zero value is usable:
// plain strategy, persistence on, no retries, timestamp run ids.
type ExecuteOptions struct {
	// Strategy selects the execution strategy: plain (default) or resumable.
	Strategy string
	// Persist toggles run state persistence. Nil means enabled. Turning
	// it off is only valid with the plain strategy; resumable runs must
	// persist and reject the combination.
	Persist *bool
	// Retry is the default retry policy for steps that declare none.
	Retry *schema.RetryPolicy
	// StepTimeout bounds each agent invocation unless the step declares
	// its own timeout. Zero means no engine-imposed bound.
	StepTimeout time.Duration
	// RunIDMode selects run id generation (timestamp or random).
	RunIDMode string
	// ResumeRunID resumes a prior resumable run instead of starting fresh.
	ResumeRunID string
	// ResumeWorkflowID names the workflow when resuming without a
	// definition; otherwise the definition's identity is used.
	ResumeWorkflowID string
	// Hook receives run and step transitions. Nil means no hook.
	Hook Hook
}

func (o *ExecuteOptions) persistEnabled() bool {
	return o.Persist == nil || *o.Persist
}

func (o *ExecuteOptions) hook() Hook {
	if o.Hook == nil {
		return NoopHook{}
	}
	return o.Hook
}

// Engine executes workflow definitions against a registry of agents.
type Engine struct {
	registry  *agents.Registry
	store     store.Store
	hub       streaming.Hub
	logger    *slog.Logger
	validator *validation.Validator
	cel       *expressions.CELEngine
	router    *router.Router

	mu      sync.Mutex
	running map[string]*inflightRun // keyed by run id
}

// inflightRun tracks a single in-flight run for cancellation.
type inflightRun struct {
	workflowID string
	cancel     context.CancelFunc
}

// Config holds the engine's dependencies. Registry and Store are
// required; Hub and Logger are optional.
type Config struct {
	Registry *agents.Registry
	Store    store.Store
	Hub      streaming.Hub
	Logger   *slog.Logger
}

// New creates an Engine from the given dependencies.
func New(cfg Config) (*Engine, error) {
	if cfg.Registry == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "engine requires an agent registry")
	}
	if cfg.Store == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "engine requires a store")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cel, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}

	return &Engine{
		registry:  cfg.Registry,
		store:     cfg.Store,
		hub:       cfg.Hub,
		logger:    logger,
		validator: validation.NewValidator(cfg.Registry),
		cel:       cel,
		router:    router.New(),
		running:   make(map[string]*inflightRun),
	}, nil
}

// Execute runs a definition to completion and returns the run outcome.
// A non-nil error means the run never started (invalid definition,
// unknown strategy, id collision); a failed run comes back as a
// RunResult with status FAILED and a nil error.
func (e *Engine) Execute(ctx context.Context, def *schema.WorkflowDefinition, initialInput schema.Payload, opts ExecuteOptions) (*schema.RunResult, error) {
	rc, err := e.prepare(ctx, def, initialInput, &opts)
	if err != nil {
		return nil, err
	}
	return e.run(ctx, rc), nil
}

// Submit starts a run asynchronously and returns its run id. Preflight
// failures surface synchronously; the run itself proceeds in the
// background and is observable via GetRun, hooks and the hub.
func (e *Engine) Submit(ctx context.Context, def *schema.WorkflowDefinition, initialInput schema.Payload, opts ExecuteOptions) (string, error) {
	rc, err := e.prepare(ctx, def, initialInput, &opts)
	if err != nil {
		return "", err
	}
	go func() {
		e.run(context.WithoutCancel(ctx), rc)
	}()
	return rc.runID, nil
}

// GetRun returns the stored state of a run, including its full ordered
// step result log.
func (e *Engine) GetRun(ctx context.Context, workflowID, runID string) (*store.Run, error) {
	return e.store.GetRun(ctx, workflowID, runID)
}

// ListRuns returns archived run entries for a workflow, newest first.
func (e *Engine) ListRuns(ctx context.Context, workflowID string) ([]*store.ArchiveEntry, error) {
	return e.store.ListRuns(ctx, workflowID)
}

// Cancel stops an in-flight run at the next step boundary. The running
// step finishes its current attempt; everything after it is skipped and
// the run fails with a CANCELLED cause.
func (e *Engine) Cancel(runID string) error {
	e.mu.Lock()
	inflight, ok := e.running[runID]
	e.mu.Unlock()
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "no running run with id %s", runID)
	}
	inflight.cancel()
	return nil
}

// prepare validates the definition and options, resolves the execution
// order, assigns run identity and creates the run record.
func (e *Engine) prepare(ctx context.Context, def *schema.WorkflowDefinition, initialInput schema.Payload, opts *ExecuteOptions) (*runContext, error) {
	strat, err := e.strategyFor(opts)
	if err != nil {
		return nil, err
	}
	if strat.name() == StrategyResumable && !opts.persistEnabled() {
		return nil, schema.NewError(schema.ErrCodeValidation,
			"resumable strategy requires persistence")
	}
	if err := identity.ValidateMode(opts.RunIDMode); err != nil {
		return nil, err
	}

	resuming := opts.ResumeRunID != ""
	if resuming {
		workflowID := opts.ResumeWorkflowID
		if workflowID == "" && def != nil {
			workflowID = def.ID()
		}
		if workflowID == "" {
			return nil, schema.NewError(schema.ErrCodeValidation,
				"resume requires a definition or a resume workflow id")
		}
		// A run always replays the definition snapshot taken when it was
		// created, so a later edit cannot change semantics mid-run.
		snapshot, err := e.store.GetDefinitionSnapshot(ctx, workflowID, opts.ResumeRunID)
		if err != nil {
			return nil, err
		}
		def = snapshot
	}
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}

	if err := e.validator.ValidateDefinition(def); err != nil {
		return nil, err
	}
	order, err := graph.Resolve(def)
	if err != nil {
		return nil, err
	}

	rc := &runContext{
		def:        def,
		order:      order,
		workflowID: def.ID(),
		input:      initialInput,
		opts:       *opts,
		strategy:   strat,
		outputs:    make(map[string]schema.Payload),
		skipped:    make(map[string]schema.SkipReason),
		replayed:   make(map[string]schema.Payload),
		stepStatus: make(map[string]schema.StepStatus),
	}

	if resuming {
		rc.runID = opts.ResumeRunID
		if err := strat.loadPrior(ctx, e, rc); err != nil {
			return nil, err
		}
	} else {
		rc.runID = identity.NewRunID(opts.RunIDMode)
		if err := strat.createRun(ctx, e, rc); err != nil {
			return nil, err
		}
	}
	return rc, nil
}

func (e *Engine) strategyFor(opts *ExecuteOptions) (strategy, error) {
	switch opts.Strategy {
	case "", StrategyPlain:
		return plainStrategy{}, nil
	case StrategyResumable:
		return resumableStrategy{}, nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"unknown strategy %q: must be plain or resumable", opts.Strategy)
	}
}

// track registers an in-flight run and returns its cancellable context.
func (e *Engine) track(ctx context.Context, rc *runContext) (context.Context, func()) {
	runCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.running[rc.runID] = &inflightRun{workflowID: rc.workflowID, cancel: cancel}
	e.mu.Unlock()

	return runCtx, func() {
		cancel()
		e.mu.Lock()
		delete(e.running, rc.runID)
		e.mu.Unlock()
	}
}

// emitRunEvent notifies the hook and publishes to the hub.
func (e *Engine) emitRunEvent(ctx context.Context, rc *runContext, event string, status schema.RunStatus, runErr *schema.Error) {
	rc.opts.hook().OnRunEvent(ctx, RunEvent{
		Event:      event,
		WorkflowID: rc.workflowID,
		RunID:      rc.runID,
		Status:     status,
		Error:      runErr,
		Timestamp:  time.Now().UTC(),
	})
	if e.hub != nil {
		payload := map[string]any{"status": string(status)}
		if runErr != nil {
			payload["error"] = runErr.Error()
		}
		_ = e.hub.Publish(ctx, streaming.RunEvent{
			WorkflowID: rc.workflowID,
			RunID:      rc.runID,
			EventType:  event,
			Payload:    payload,
		})
	}
}

// emitStepEvent notifies the hook and publishes to the hub.
func (e *Engine) emitStepEvent(ctx context.Context, rc *runContext, event string, result *schema.StepResult) {
	rc.opts.hook().OnStepEvent(ctx, StepEvent{
		Event:      event,
		WorkflowID: rc.workflowID,
		RunID:      rc.runID,
		StepID:     result.StepID,
		Attempt:    result.Attempt,
		Status:     result.Status,
		SkipReason: result.SkipReason,
		Error:      result.Error,
		Timestamp:  time.Now().UTC(),
	})
	if e.hub != nil {
		payload := map[string]any{
			"status":  string(result.Status),
			"attempt": result.Attempt,
		}
		if result.SkipReason != "" {
			payload["skip_reason"] = string(result.SkipReason)
		}
		if result.Error != nil {
			payload["error"] = result.Error.Error()
		}
		_ = e.hub.Publish(ctx, streaming.RunEvent{
			WorkflowID: rc.workflowID,
			RunID:      rc.runID,
			StepID:     result.StepID,
			EventType:  event,
			Payload:    payload,
		})
	}
}
