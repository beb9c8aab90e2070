package store

import (
	"context"

	"github.com/pipewright/pipewright/pkg/schema"
)

// Store defines the run state persistence contract.
// All implementations must be safe for concurrent use across distinct
// (workflow_id, run_id) keys and must serialize writes within one run key
// so append ordering is preserved. The execution engine is the only
// writer; collaborators read through the query methods.
type Store interface {
	// Runs
	// CreateRun fails with IDENTITY_ERROR if the (workflow_id, run_id)
	// key already exists; a collision is never silently overwritten.
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, workflowID, runID string) (*Run, error)
	UpdateRun(ctx context.Context, workflowID, runID string, update RunUpdate) error

	// Step results (append-only: a second write for the same step id is a
	// new record, so the full retry history stays inspectable)
	AppendStepResult(ctx context.Context, workflowID, runID string, result *schema.StepResult) error
	ListStepResults(ctx context.Context, workflowID, runID string) ([]schema.StepResult, error)

	// Definition snapshot (the definition as it was when the run began)
	SnapshotDefinition(ctx context.Context, workflowID, runID string, def *schema.WorkflowDefinition) error
	GetDefinitionSnapshot(ctx context.Context, workflowID, runID string) (*schema.WorkflowDefinition, error)

	// Archive: bounded most-recent-N per workflow, FIFO eviction,
	// idempotent per run, atomic append-and-evict.
	Archive(ctx context.Context, entry *ArchiveEntry) error
	ListRuns(ctx context.Context, workflowID string) ([]*ArchiveEntry, error)

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}
