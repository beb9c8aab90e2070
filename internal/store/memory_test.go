package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipewright/pipewright/pkg/schema"
)

func TestMemoryStoreContract(t *testing.T) {
	runStoreContract(t, NewMemoryStore())
}

func TestMemoryStoreArchiveBound(t *testing.T) {
	runArchiveContract(t, NewMemoryStoreWithLimit(3))
}

func TestMemoryStoreConcurrentRunKeys(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	const workers = 16
	const perWorker = 25

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			runID := fmt.Sprintf("run-%d", w)
			if err := s.CreateRun(ctx, &Run{
				WorkflowID: "wf@1", RunID: runID,
				Status: schema.RunStatusRunning, StartedAt: time.Now().UTC(),
			}); err != nil {
				t.Error(err)
				return
			}
			for i := 0; i < perWorker; i++ {
				err := s.AppendStepResult(ctx, "wf@1", runID, &schema.StepResult{
					StepID:  fmt.Sprintf("step-%d", i),
					Status:  schema.StepStatusSuccess,
					Attempt: 0,
				})
				if err != nil {
					t.Error(err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	// Each run key holds its own ordered log, untouched by the others.
	for w := 0; w < workers; w++ {
		results, err := s.ListStepResults(ctx, "wf@1", fmt.Sprintf("run-%d", w))
		require.NoError(t, err)
		require.Len(t, results, perWorker)
		for i, r := range results {
			assert.Equal(t, fmt.Sprintf("step-%d", i), r.StepID)
		}
	}
}

func TestMemoryStoreGetRunReturnsCopy(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedRun(t, s, "wf@1", "copy-run")

	got, err := s.GetRun(ctx, "wf@1", "copy-run")
	require.NoError(t, err)

	got.Status = schema.RunStatusFailed
	got.Steps = append(got.Steps, schema.StepResult{StepID: "injected"})

	again, err := s.GetRun(ctx, "wf@1", "copy-run")
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusPending, again.Status)
	assert.Empty(t, again.Steps)
}
