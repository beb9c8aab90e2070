package expressions

import "context"

// Engine evaluates an expression against a data scope.
// Implementations must be safe for concurrent use; compiled expressions
// are cached per engine instance.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Scope is the data made available to condition expressions.
// Keys map to top-level CEL variables.
type Scope struct {
	Inputs map[string]any // initial run input payload
	Steps  map[string]any // completed step outputs keyed by step ID
	Run    map[string]any // run metadata (workflow_id, run_id)
}

// Map flattens the scope into the evaluation data map.
func (s *Scope) Map() map[string]any {
	m := map[string]any{
		"inputs": emptyIfNil(s.Inputs),
		"steps":  emptyIfNil(s.Steps),
		"run":    emptyIfNil(s.Run),
	}
	return m
}

func emptyIfNil(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
