package engine

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipewright/pipewright/pkg/schema"
)

func TestRunTransitions(t *testing.T) {
	allowed := []struct{ from, to schema.RunStatus }{
		{schema.RunStatusPending, schema.RunStatusRunning},
		{schema.RunStatusPending, schema.RunStatusFailed},
		{schema.RunStatusRunning, schema.RunStatusSuccess},
		{schema.RunStatusRunning, schema.RunStatusFailed},
	}
	for _, tc := range allowed {
		assert.NoError(t, ValidateRunTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}

	denied := []struct{ from, to schema.RunStatus }{
		{schema.RunStatusPending, schema.RunStatusSuccess},
		{schema.RunStatusSuccess, schema.RunStatusRunning},
		{schema.RunStatusFailed, schema.RunStatusRunning},
		{schema.RunStatusRunning, schema.RunStatusPending},
	}
	for _, tc := range denied {
		err := ValidateRunTransition(tc.from, tc.to)
		require.Error(t, err, "%s -> %s", tc.from, tc.to)

		var opErr *schema.Error
		require.True(t, errors.As(err, &opErr))
		assert.Equal(t, schema.ErrCodeInvalidTransition, opErr.Code)
	}
}

func TestStepTransitions(t *testing.T) {
	allowed := []struct{ from, to schema.StepStatus }{
		{schema.StepStatusPending, schema.StepStatusRunning},
		{schema.StepStatusPending, schema.StepStatusSkipped},
		{schema.StepStatusRunning, schema.StepStatusSuccess},
		{schema.StepStatusRunning, schema.StepStatusFailed},
		{schema.StepStatusRunning, schema.StepStatusRetrying},
		{schema.StepStatusRetrying, schema.StepStatusRunning},
		{schema.StepStatusRetrying, schema.StepStatusFailed},
		{schema.StepStatusRetrying, schema.StepStatusSkipped},
	}
	for _, tc := range allowed {
		assert.NoError(t, ValidateStepTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}

	denied := []struct{ from, to schema.StepStatus }{
		{schema.StepStatusSuccess, schema.StepStatusRunning},
		{schema.StepStatusFailed, schema.StepStatusRunning},
		{schema.StepStatusSkipped, schema.StepStatusRunning},
		{schema.StepStatusPending, schema.StepStatusSuccess},
		{schema.StepStatusSuccess, schema.StepStatusSkipped},
	}
	for _, tc := range denied {
		assert.Error(t, ValidateStepTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestRunContextEnforcesLifecycle(t *testing.T) {
	rc := &runContext{
		result:     &schema.RunResult{Status: schema.RunStatusPending},
		stepStatus: make(map[string]schema.StepStatus),
	}

	require.NoError(t, rc.transitionRun(schema.RunStatusRunning))
	err := rc.transitionRun(schema.RunStatusPending)
	require.Error(t, err)

	var opErr *schema.Error
	require.True(t, errors.As(err, &opErr))
	assert.Equal(t, schema.ErrCodeInvalidTransition, opErr.Code)
	assert.Equal(t, schema.RunStatusRunning, rc.result.Status,
		"a rejected transition must not change the run status")

	// Untracked steps start pending; a full retry cycle is legal.
	require.NoError(t, rc.transitionStep("a", schema.StepStatusRunning))
	require.NoError(t, rc.transitionStep("a", schema.StepStatusRetrying))
	require.NoError(t, rc.transitionStep("a", schema.StepStatusRunning))
	require.NoError(t, rc.transitionStep("a", schema.StepStatusSuccess))

	err = rc.transitionStep("a", schema.StepStatusRunning)
	require.Error(t, err)
	require.True(t, errors.As(err, &opErr))
	assert.Equal(t, schema.ErrCodeInvalidTransition, opErr.Code)
	assert.Equal(t, schema.StepStatusSuccess, rc.stepStatus["a"])
}

func TestTerminalStatuses(t *testing.T) {
	assert.True(t, schema.RunStatusSuccess.Terminal())
	assert.True(t, schema.RunStatusFailed.Terminal())
	assert.False(t, schema.RunStatusRunning.Terminal())

	assert.True(t, schema.StepStatusSkipped.Terminal())
	assert.False(t, schema.StepStatusRetrying.Terminal())
}
