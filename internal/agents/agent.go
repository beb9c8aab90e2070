package agents

import (
	"context"

	"github.com/pipewright/pipewright/pkg/schema"
)

// Agent is an opaque unit of work bound to a step.
// Implementations receive a shaped input payload and produce an output
// payload; the engine never inspects what happens in between.
type Agent interface {
	Name() string
	Process(ctx context.Context, input schema.Payload) (schema.Payload, error)
}

// Config carries the step's free-form configuration into agents that
// accept one at construction or dispatch time.
type Config = map[string]any

// ConfiguredAgent is an Agent that also receives the step's config map.
// Builtins like jq and expr read their expression from it; plain Agents
// ignore configuration entirely.
type ConfiguredAgent interface {
	Agent
	ProcessWithConfig(ctx context.Context, input schema.Payload, cfg Config) (schema.Payload, error)
}

// Func adapts a plain function into an Agent.
type Func struct {
	AgentName string
	Fn        func(ctx context.Context, input schema.Payload) (schema.Payload, error)
}

func (f Func) Name() string { return f.AgentName }

func (f Func) Process(ctx context.Context, input schema.Payload) (schema.Payload, error) {
	return f.Fn(ctx, input)
}

// ProcessingError wraps an agent failure with the PROCESSING_ERROR code so
// the retry policy can classify it.
func ProcessingError(stepID string, cause error) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeProcessing, "agent failed: %s", cause.Error()).
		WithStep(stepID).
		WithCause(cause)
}
