package expressions

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipewright/pipewright/pkg/schema"
)

func newCEL(t *testing.T) *CELEngine {
	t.Helper()
	engine, err := NewCELEngine()
	require.NoError(t, err)
	return engine
}

func TestCELEvaluateBool(t *testing.T) {
	engine := newCEL(t)
	scope := Scope{
		Inputs: map[string]any{"count": 5},
		Steps:  map[string]any{"fetch": map[string]any{"ok": true}},
		Run:    map[string]any{"workflow_id": "wf@1"},
	}

	cases := []struct {
		expr string
		want bool
	}{
		{`inputs.count > 3`, true},
		{`inputs.count > 10`, false},
		{`steps.fetch.ok`, true},
		{`run.workflow_id == "wf@1"`, true},
		{`"missing" in steps`, false},
	}
	for _, tc := range cases {
		got, err := engine.EvaluateBool(context.Background(), tc.expr, scope.Map())
		require.NoError(t, err, tc.expr)
		assert.Equal(t, tc.want, got, tc.expr)
	}
}

func TestCELNonBoolCondition(t *testing.T) {
	engine := newCEL(t)
	scope := Scope{Inputs: map[string]any{"count": 5}}
	_, err := engine.EvaluateBool(context.Background(), `inputs.count`, scope.Map())
	require.Error(t, err)

	var opErr *schema.Error
	require.True(t, errors.As(err, &opErr))
	assert.Equal(t, schema.ErrCodeProcessing, opErr.Code)
}

func TestCELCompileError(t *testing.T) {
	engine := newCEL(t)
	err := engine.Compile(`inputs..bad`)
	require.Error(t, err)

	var opErr *schema.Error
	require.True(t, errors.As(err, &opErr))
	assert.Equal(t, schema.ErrCodeValidation, opErr.Code)
}

func TestCELEmptyExpression(t *testing.T) {
	engine := newCEL(t)
	_, err := engine.Evaluate(context.Background(), "", nil)
	assert.Error(t, err)
}

func TestCELMissingScopeKeysDefaultToEmptyMaps(t *testing.T) {
	engine := newCEL(t)
	got, err := engine.EvaluateBool(context.Background(), `size(steps) == 0`, map[string]any{})
	require.NoError(t, err)
	assert.True(t, got)
}

func TestCELCachesPrograms(t *testing.T) {
	engine := newCEL(t)
	require.NoError(t, engine.Compile(`inputs.x > 0`))

	engine.mu.RLock()
	_, cached := engine.cache[`inputs.x > 0`]
	engine.mu.RUnlock()
	assert.True(t, cached)
}
