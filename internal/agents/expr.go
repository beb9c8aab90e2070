package agents

import (
	"context"

	"github.com/pipewright/pipewright/internal/expressions"
	"github.com/pipewright/pipewright/pkg/schema"
)

// ExprAgent evaluates an expr-lang expression against the input payload.
// The step config supplies the expression under "expr" and the output
// field under "as" (default "result"); the result is merged over the
// input payload.
type ExprAgent struct {
	engine *expressions.ExprEngine
}

// NewExprAgent creates the expr builtin agent.
func NewExprAgent() *ExprAgent {
	return &ExprAgent{engine: expressions.NewExprEngine()}
}

func (a *ExprAgent) Name() string { return "expr" }

func (a *ExprAgent) Process(ctx context.Context, input schema.Payload) (schema.Payload, error) {
	return input, nil
}

func (a *ExprAgent) ProcessWithConfig(ctx context.Context, input schema.Payload, cfg Config) (schema.Payload, error) {
	expression, _ := cfg["expr"].(string)
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, `expr agent requires non-empty "expr" config`)
	}

	field, _ := cfg["as"].(string)
	if field == "" {
		field = "result"
	}

	result, err := a.engine.Evaluate(ctx, expression, input)
	if err != nil {
		return nil, err
	}

	out := make(schema.Payload, len(input)+1)
	for k, v := range input {
		out[k] = v
	}
	out[field] = result
	return out, nil
}

var _ ConfiguredAgent = (*ExprAgent)(nil)
