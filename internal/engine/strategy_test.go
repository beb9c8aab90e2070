package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipewright/pipewright/internal/agents"
	"github.com/pipewright/pipewright/internal/store"
	"github.com/pipewright/pipewright/pkg/schema"
)

// brokenStore wraps a real store and fails writes on demand.
type brokenStore struct {
	store.Store
	failAppends bool
}

func (b *brokenStore) AppendStepResult(ctx context.Context, workflowID, runID string, result *schema.StepResult) error {
	if b.failAppends {
		return fmt.Errorf("disk full")
	}
	return b.Store.AppendStepResult(ctx, workflowID, runID, result)
}

func newRigWithStore(t *testing.T, s store.Store, names ...string) *testRig {
	t.Helper()
	reg := agents.NewRegistry()
	fakes := make(map[string]*fakeAgent, len(names))
	for _, name := range names {
		fa := &fakeAgent{name: name}
		fakes[name] = fa
		require.NoError(t, reg.Register(fa))
	}
	eng, err := New(Config{Registry: reg, Store: s})
	require.NoError(t, err)
	return &testRig{engine: eng, agents: fakes}
}

func TestStrategiesProduceIdenticalSequences(t *testing.T) {
	build := func() (*testRig, *schema.WorkflowDefinition) {
		rig := newRig(t, "a", "b", "c")
		rig.agents["b"].setFn(func(call int, _ schema.Payload) (schema.Payload, error) {
			if call == 0 {
				return nil, fmt.Errorf("transient")
			}
			return schema.Payload{"fixed": true}, nil
		})
		def := chainDef("a", "b", "c")
		def.Steps[1].Retry = &schema.RetryPolicy{Max: 1, Backoff: "none"}
		return rig, def
	}

	type record struct {
		StepID  string
		Attempt int
		Status  schema.StepStatus
	}
	sequence := func(result *schema.RunResult) []record {
		out := make([]record, len(result.Steps))
		for i, sr := range result.Steps {
			out[i] = record{sr.StepID, sr.Attempt, sr.Status}
		}
		return out
	}

	plainRig, plainDef := build()
	plainResult, err := plainRig.engine.Execute(context.Background(), plainDef, nil,
		ExecuteOptions{Strategy: StrategyPlain})
	require.NoError(t, err)

	resumableRig, resumableDef := build()
	resumableResult, err := resumableRig.engine.Execute(context.Background(), resumableDef, nil,
		ExecuteOptions{Strategy: StrategyResumable})
	require.NoError(t, err)

	assert.Equal(t, plainResult.Status, resumableResult.Status)
	assert.Equal(t, sequence(plainResult), sequence(resumableResult),
		"deterministic agents must yield the same step result sequence under both strategies")
}

func TestPlainToleratesWriteFailures(t *testing.T) {
	broken := &brokenStore{Store: store.NewMemoryStore(), failAppends: true}
	rig := newRigWithStore(t, broken, "a", "b")

	result, err := rig.engine.Execute(context.Background(), chainDef("a", "b"), nil,
		ExecuteOptions{Strategy: StrategyPlain})
	require.NoError(t, err)

	assert.Equal(t, schema.RunStatusSuccess, result.Status)
	assert.Equal(t, 1, rig.agents["a"].callCount())
	assert.Equal(t, 1, rig.agents["b"].callCount())
}

func TestResumableFailsOnWriteFailure(t *testing.T) {
	broken := &brokenStore{Store: store.NewMemoryStore(), failAppends: true}
	rig := newRigWithStore(t, broken, "a", "b", "c")

	result, err := rig.engine.Execute(context.Background(), chainDef("a", "b", "c"), nil,
		ExecuteOptions{Strategy: StrategyResumable})
	require.NoError(t, err)

	assert.Equal(t, schema.RunStatusFailed, result.Status)
	require.NotNil(t, result.Error)
	assert.Equal(t, schema.ErrCodePersistence, result.Error.Code)

	// The walk stops at the first unrecordable step.
	assert.Equal(t, 0, rig.agents["b"].callCount())
	assert.Equal(t, 0, rig.agents["c"].callCount())

	// The store is gone, but the returned result still says what never
	// ran and why.
	for _, id := range []string{"b", "c"} {
		final := result.FinalStep(id)
		require.NotNil(t, final, "step %s has no result", id)
		assert.Equal(t, schema.StepStatusSkipped, final.Status)
		assert.Equal(t, schema.SkipReasonUpstreamFailed, final.SkipReason)
	}
}

func TestResumableRejectsPersistOff(t *testing.T) {
	rig := newRig(t, "a")
	off := false
	_, err := rig.engine.Execute(context.Background(), chainDef("a"), nil, ExecuteOptions{
		Strategy: StrategyResumable,
		Persist:  &off,
	})
	require.Error(t, err)

	var opErr *schema.Error
	require.True(t, errors.As(err, &opErr))
	assert.Equal(t, schema.ErrCodeValidation, opErr.Code)
	assert.Equal(t, 0, rig.agents["a"].callCount())
}

func TestResumeReExecutesOnlyMissingSteps(t *testing.T) {
	rig := newRig(t, "a", "b", "c")
	rig.agents["a"].setFn(func(_ int, input schema.Payload) (schema.Payload, error) {
		return schema.Payload{"from_a": true}, nil
	})
	rig.agents["b"].setFn(func(_ int, _ schema.Payload) (schema.Payload, error) {
		return nil, fmt.Errorf("dependency offline")
	})

	def := chainDef("a", "b", "c")
	first, err := rig.engine.Execute(context.Background(), def,
		schema.Payload{"seed": 7}, ExecuteOptions{Strategy: StrategyResumable})
	require.NoError(t, err)
	require.Equal(t, schema.RunStatusFailed, first.Status)
	require.Equal(t, 1, rig.agents["a"].callCount())

	// The dependency comes back; resume the same run.
	rig.agents["b"].setFn(func(_ int, input schema.Payload) (schema.Payload, error) {
		input["recovered"] = true
		return input, nil
	})

	second, err := rig.engine.Execute(context.Background(), def, nil, ExecuteOptions{
		Strategy:    StrategyResumable,
		ResumeRunID: first.RunID,
	})
	require.NoError(t, err)

	assert.Equal(t, schema.RunStatusSuccess, second.Status)
	assert.Equal(t, first.RunID, second.RunID)

	// a was not re-invoked; b and c ran.
	assert.Equal(t, 1, rig.agents["a"].callCount(), "successful step must be replayed, not re-executed")
	assert.Equal(t, 2, rig.agents["b"].callCount())
	assert.Equal(t, 1, rig.agents["c"].callCount())

	// The replayed output of a flowed into b.
	final := second.FinalStep("c")
	require.NotNil(t, final)
	assert.Equal(t, true, final.Output["from_a"])
	assert.Equal(t, true, final.Output["recovered"])

	// The stored log holds both passes.
	run, err := rig.engine.GetRun(context.Background(), "chain@1", first.RunID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusSuccess, run.Status)
	assert.GreaterOrEqual(t, len(run.Steps), 5)
}

func TestResumeWithoutDefinitionUsesSnapshot(t *testing.T) {
	rig := newRig(t, "a", "b")
	rig.agents["b"].setFn(func(call int, input schema.Payload) (schema.Payload, error) {
		if call == 0 {
			return nil, fmt.Errorf("first pass fails")
		}
		return input, nil
	})

	def := chainDef("a", "b")
	first, err := rig.engine.Execute(context.Background(), def, nil,
		ExecuteOptions{Strategy: StrategyResumable})
	require.NoError(t, err)
	require.Equal(t, schema.RunStatusFailed, first.Status)

	second, err := rig.engine.Execute(context.Background(), nil, nil, ExecuteOptions{
		Strategy:         StrategyResumable,
		ResumeRunID:      first.RunID,
		ResumeWorkflowID: "chain@1",
	})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusSuccess, second.Status)
}

func TestResumeRequiresResumableStrategy(t *testing.T) {
	rig := newRig(t, "a")
	_, err := rig.engine.Execute(context.Background(), chainDef("a"), nil, ExecuteOptions{
		Strategy:    StrategyPlain,
		ResumeRunID: "whatever",
	})
	require.Error(t, err)
}

func TestResumeSucceededRunRejected(t *testing.T) {
	rig := newRig(t, "a")
	first, err := rig.engine.Execute(context.Background(), chainDef("a"), nil,
		ExecuteOptions{Strategy: StrategyResumable})
	require.NoError(t, err)
	require.Equal(t, schema.RunStatusSuccess, first.Status)

	_, err = rig.engine.Execute(context.Background(), chainDef("a"), nil, ExecuteOptions{
		Strategy:    StrategyResumable,
		ResumeRunID: first.RunID,
	})
	require.Error(t, err)

	var opErr *schema.Error
	require.True(t, errors.As(err, &opErr))
	assert.Equal(t, schema.ErrCodeConflict, opErr.Code)
}

func TestResumeUnknownRun(t *testing.T) {
	rig := newRig(t, "a")
	_, err := rig.engine.Execute(context.Background(), chainDef("a"), nil, ExecuteOptions{
		Strategy:    StrategyResumable,
		ResumeRunID: "never-created",
	})
	require.Error(t, err)
}
