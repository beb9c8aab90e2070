package agents

import (
	"context"

	"github.com/pipewright/pipewright/internal/expressions"
	"github.com/pipewright/pipewright/pkg/schema"
)

// JQAgent transforms its input payload with a jq expression taken from the
// step config key "expr". The expression must yield a JSON object, which
// becomes the output payload.
type JQAgent struct {
	engine *expressions.GoJQEngine
}

// NewJQAgent creates the jq builtin agent.
func NewJQAgent() *JQAgent {
	return &JQAgent{engine: expressions.NewGoJQEngine()}
}

func (a *JQAgent) Name() string { return "jq" }

func (a *JQAgent) Process(ctx context.Context, input schema.Payload) (schema.Payload, error) {
	return input, nil
}

func (a *JQAgent) ProcessWithConfig(ctx context.Context, input schema.Payload, cfg Config) (schema.Payload, error) {
	expression, _ := cfg["expr"].(string)
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, `jq agent requires non-empty "expr" config`)
	}

	out, err := a.engine.Evaluate(ctx, expression, input)
	if err != nil {
		return nil, err
	}

	obj, ok := out.(map[string]any)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeProcessing,
			"jq expression %q did not produce an object (got %T)", expression, out)
	}
	return obj, nil
}

var _ ConfiguredAgent = (*JQAgent)(nil)
