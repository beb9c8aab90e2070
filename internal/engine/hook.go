package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/pipewright/pipewright/pkg/schema"
)

// RunEvent describes a run lifecycle transition.
type RunEvent struct {
	Event      string
	WorkflowID string
	RunID      string
	Status     schema.RunStatus
	Error      *schema.Error
	Timestamp  time.Time
}

// StepEvent describes a step lifecycle transition within a run.
type StepEvent struct {
	Event      string
	WorkflowID string
	RunID      string
	StepID     string
	Attempt    int
	Status     schema.StepStatus
	SkipReason schema.SkipReason
	Error      *schema.Error
	Timestamp  time.Time
}

// Hook receives lifecycle notifications during a run. Implementations
// must be fast and must not block; the engine calls them synchronously
// on the execution path.
type Hook interface {
	OnRunEvent(ctx context.Context, event RunEvent)
	OnStepEvent(ctx context.Context, event StepEvent)
}

// NoopHook ignores all events.
type NoopHook struct{}

func (NoopHook) OnRunEvent(context.Context, RunEvent)   {}
func (NoopHook) OnStepEvent(context.Context, StepEvent) {}

// CompositeHook fans events out to multiple hooks in order.
type CompositeHook struct {
	hooks []Hook
}

func NewCompositeHook(hooks ...Hook) *CompositeHook {
	return &CompositeHook{hooks: hooks}
}

func (c *CompositeHook) Add(h Hook) {
	c.hooks = append(c.hooks, h)
}

func (c *CompositeHook) OnRunEvent(ctx context.Context, event RunEvent) {
	for _, h := range c.hooks {
		h.OnRunEvent(ctx, event)
	}
}

func (c *CompositeHook) OnStepEvent(ctx context.Context, event StepEvent) {
	for _, h := range c.hooks {
		h.OnStepEvent(ctx, event)
	}
}

// LoggingHook writes transitions to a structured logger.
type LoggingHook struct {
	logger *slog.Logger
}

func NewLoggingHook(logger *slog.Logger) *LoggingHook {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingHook{logger: logger}
}

func (l *LoggingHook) OnRunEvent(ctx context.Context, event RunEvent) {
	attrs := []any{
		"workflow_id", event.WorkflowID,
		"run_id", event.RunID,
		"status", string(event.Status),
	}
	if event.Error != nil {
		attrs = append(attrs, "error", event.Error.Error())
		l.logger.ErrorContext(ctx, event.Event, attrs...)
		return
	}
	l.logger.InfoContext(ctx, event.Event, attrs...)
}

func (l *LoggingHook) OnStepEvent(ctx context.Context, event StepEvent) {
	attrs := []any{
		"workflow_id", event.WorkflowID,
		"run_id", event.RunID,
		"step_id", event.StepID,
		"attempt", event.Attempt,
		"status", string(event.Status),
	}
	if event.SkipReason != "" {
		attrs = append(attrs, "skip_reason", string(event.SkipReason))
	}
	if event.Error != nil {
		attrs = append(attrs, "error", event.Error.Error())
		l.logger.WarnContext(ctx, event.Event, attrs...)
		return
	}
	l.logger.InfoContext(ctx, event.Event, attrs...)
}
