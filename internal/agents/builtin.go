package agents

import (
	"context"

	"github.com/pipewright/pipewright/pkg/schema"
)

// RegisterBuiltins registers all built-in agents in the given registry.
func RegisterBuiltins(reg *Registry) error {
	all := []Agent{
		&passthroughAgent{},
		&staticAgent{},
		NewJQAgent(),
		NewExprAgent(),
	}

	for _, a := range all {
		if err := reg.Register(a); err != nil {
			return err
		}
	}
	return nil
}

// --- passthrough ---

// passthroughAgent returns its input unchanged. Useful as a join point and
// in tests.
type passthroughAgent struct{}

func (a *passthroughAgent) Name() string { return "passthrough" }

func (a *passthroughAgent) Process(ctx context.Context, input schema.Payload) (schema.Payload, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return input, nil
}

// --- static ---

// staticAgent merges configured fields over the input payload.
// Config keys under "set" win over input keys of the same name.
type staticAgent struct{}

func (a *staticAgent) Name() string { return "static" }

func (a *staticAgent) Process(ctx context.Context, input schema.Payload) (schema.Payload, error) {
	return input, nil
}

func (a *staticAgent) ProcessWithConfig(ctx context.Context, input schema.Payload, cfg Config) (schema.Payload, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make(schema.Payload, len(input))
	for k, v := range input {
		out[k] = v
	}
	if set, ok := cfg["set"].(map[string]any); ok {
		for k, v := range set {
			out[k] = v
		}
	}
	return out, nil
}

var _ ConfiguredAgent = (*staticAgent)(nil)
