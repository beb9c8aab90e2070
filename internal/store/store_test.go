package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipewright/pipewright/pkg/schema"
)

func seedRun(t *testing.T, s Store, workflowID, runID string) *Run {
	t.Helper()
	run := &Run{
		WorkflowID:   workflowID,
		RunID:        runID,
		Status:       schema.RunStatusPending,
		Strategy:     "resumable",
		InitialInput: schema.Payload{"seed": true},
		StartedAt:    time.Now().UTC(),
	}
	require.NoError(t, s.CreateRun(context.Background(), run))
	return run
}

// runStoreContract exercises the Store behaviors both backends must share.
func runStoreContract(t *testing.T, s Store) {
	ctx := context.Background()

	t.Run("create and get", func(t *testing.T) {
		seedRun(t, s, "wf@1", "run-1")

		got, err := s.GetRun(ctx, "wf@1", "run-1")
		require.NoError(t, err)
		assert.Equal(t, schema.RunStatusPending, got.Status)
		assert.Equal(t, "resumable", got.Strategy)
		assert.Equal(t, true, got.InitialInput["seed"])
		assert.Empty(t, got.Steps)
	})

	t.Run("run id collision", func(t *testing.T) {
		seedRun(t, s, "wf@1", "run-dup")

		err := s.CreateRun(ctx, &Run{
			WorkflowID: "wf@1", RunID: "run-dup",
			Status: schema.RunStatusPending, StartedAt: time.Now().UTC(),
		})
		require.Error(t, err)

		var opErr *schema.Error
		require.True(t, errors.As(err, &opErr))
		assert.Equal(t, schema.ErrCodeIdentity, opErr.Code)

		// The original run is untouched.
		got, err := s.GetRun(ctx, "wf@1", "run-dup")
		require.NoError(t, err)
		assert.Equal(t, true, got.InitialInput["seed"])
	})

	t.Run("same run id under different workflows", func(t *testing.T) {
		seedRun(t, s, "wf-a@1", "shared")
		seedRun(t, s, "wf-b@1", "shared")

		_, err := s.GetRun(ctx, "wf-a@1", "shared")
		assert.NoError(t, err)
		_, err = s.GetRun(ctx, "wf-b@1", "shared")
		assert.NoError(t, err)
	})

	t.Run("get missing run", func(t *testing.T) {
		_, err := s.GetRun(ctx, "wf@1", "ghost")
		require.Error(t, err)

		var opErr *schema.Error
		require.True(t, errors.As(err, &opErr))
		assert.Equal(t, schema.ErrCodeNotFound, opErr.Code)
	})

	t.Run("update run", func(t *testing.T) {
		seedRun(t, s, "wf@1", "run-upd")

		running := schema.RunStatusRunning
		require.NoError(t, s.UpdateRun(ctx, "wf@1", "run-upd", RunUpdate{Status: &running}))

		done := schema.RunStatusFailed
		completed := time.Now().UTC()
		require.NoError(t, s.UpdateRun(ctx, "wf@1", "run-upd", RunUpdate{
			Status:      &done,
			CompletedAt: &completed,
			Error:       []byte(`{"code":"PROCESSING_ERROR","message":"boom"}`),
		}))

		got, err := s.GetRun(ctx, "wf@1", "run-upd")
		require.NoError(t, err)
		assert.Equal(t, schema.RunStatusFailed, got.Status)
		require.NotNil(t, got.CompletedAt)
		assert.Contains(t, string(got.Error), "boom")
	})

	t.Run("update missing run", func(t *testing.T) {
		running := schema.RunStatusRunning
		err := s.UpdateRun(ctx, "wf@1", "ghost", RunUpdate{Status: &running})
		assert.Error(t, err)
	})

	t.Run("step results append only and ordered", func(t *testing.T) {
		seedRun(t, s, "wf@1", "run-steps")

		results := []schema.StepResult{
			{StepID: "fetch", Attempt: 0, Status: schema.StepStatusRetrying,
				Error:     schema.NewError(schema.ErrCodeProcessing, "flake").WithStep("fetch"),
				StartedAt: time.Now().UTC(), Duration: 12 * time.Millisecond},
			{StepID: "fetch", Attempt: 1, Status: schema.StepStatusSuccess,
				Output:    schema.Payload{"rows": float64(3)},
				StartedAt: time.Now().UTC(), Duration: 8 * time.Millisecond},
			{StepID: "shape", Attempt: 0, Status: schema.StepStatusSkipped,
				SkipReason: schema.SkipReasonCondition, StartedAt: time.Now().UTC()},
		}
		for i := range results {
			require.NoError(t, s.AppendStepResult(ctx, "wf@1", "run-steps", &results[i]))
		}

		got, err := s.ListStepResults(ctx, "wf@1", "run-steps")
		require.NoError(t, err)
		require.Len(t, got, 3)

		assert.Equal(t, "fetch", got[0].StepID)
		assert.Equal(t, 0, got[0].Attempt)
		assert.Equal(t, schema.StepStatusRetrying, got[0].Status)
		require.NotNil(t, got[0].Error)
		assert.Equal(t, schema.ErrCodeProcessing, got[0].Error.Code)

		assert.Equal(t, 1, got[1].Attempt)
		assert.Equal(t, schema.StepStatusSuccess, got[1].Status)
		assert.EqualValues(t, 3, got[1].Output["rows"])
		assert.Equal(t, 12*time.Millisecond, got[0].Duration)

		assert.Equal(t, schema.SkipReasonCondition, got[2].SkipReason)

		// GetRun carries the same ordered log.
		run, err := s.GetRun(ctx, "wf@1", "run-steps")
		require.NoError(t, err)
		require.Len(t, run.Steps, 3)
		assert.Equal(t, "shape", run.Steps[2].StepID)
	})

	t.Run("definition snapshot round trip", func(t *testing.T) {
		seedRun(t, s, "wf@1", "run-snap")

		def := &schema.WorkflowDefinition{
			Name: "wf", Version: "1",
			Steps: []schema.StepSpec{{ID: "a", Agent: "passthrough", Outputs: []string{"x"}}},
		}
		require.NoError(t, s.SnapshotDefinition(ctx, "wf@1", "run-snap", def))

		got, err := s.GetDefinitionSnapshot(ctx, "wf@1", "run-snap")
		require.NoError(t, err)
		assert.Equal(t, "wf", got.Name)
		require.Len(t, got.Steps, 1)
		assert.Equal(t, []string{"x"}, got.Steps[0].Outputs)

		_, err = s.GetDefinitionSnapshot(ctx, "wf@1", "no-snap")
		assert.Error(t, err)
	})
}

// runArchiveContract exercises bounded archive behavior on a store
// created with an archive limit of 3.
func runArchiveContract(t *testing.T, s Store) {
	ctx := context.Background()

	archive := func(runID string, at time.Time) {
		require.NoError(t, s.Archive(ctx, &ArchiveEntry{
			WorkflowID: "wf@1", RunID: runID,
			Status: schema.RunStatusSuccess, Summary: "ok",
			ArchivedAt: at,
		}))
	}

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		archive(fmt.Sprintf("run-%d", i), base.Add(time.Duration(i)*time.Minute))
	}

	entries, err := s.ListRuns(ctx, "wf@1")
	require.NoError(t, err)
	require.Len(t, entries, 3, "archive must retain only the most recent entries")

	// Newest first, oldest evicted.
	assert.Equal(t, "run-4", entries[0].RunID)
	assert.Equal(t, "run-3", entries[1].RunID)
	assert.Equal(t, "run-2", entries[2].RunID)

	// Re-archiving an existing run is idempotent: no duplicate, no evictions.
	archive("run-4", base.Add(4*time.Minute))
	entries, err = s.ListRuns(ctx, "wf@1")
	require.NoError(t, err)
	assert.Len(t, entries, 3)

	// Other workflows keep independent bounds.
	require.NoError(t, s.Archive(ctx, &ArchiveEntry{
		WorkflowID: "other@1", RunID: "solo",
		Status: schema.RunStatusFailed, ArchivedAt: time.Now().UTC(),
	}))
	others, err := s.ListRuns(ctx, "other@1")
	require.NoError(t, err)
	assert.Len(t, others, 1)

	entries, err = s.ListRuns(ctx, "wf@1")
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}
