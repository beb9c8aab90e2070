package store

import (
	"encoding/json"
	"time"

	"github.com/pipewright/pipewright/pkg/schema"
)

// DefaultArchiveLimit bounds the per-workflow recent-run archive.
const DefaultArchiveLimit = 50

// Run is the persisted representation of one workflow execution.
// Keyed by (workflow_id, run_id); mutated exclusively by the execution
// engine until it reaches a terminal status.
type Run struct {
	WorkflowID   string           `json:"workflow_id"`
	RunID        string           `json:"run_id"`
	Status       schema.RunStatus `json:"status"`
	Strategy     string           `json:"strategy,omitempty"`
	InitialInput schema.Payload   `json:"initial_input,omitempty"`
	Error        json.RawMessage  `json:"error,omitempty"`
	StartedAt    time.Time        `json:"started_at"`
	CompletedAt  *time.Time       `json:"completed_at,omitempty"`
	UpdatedAt    time.Time        `json:"updated_at"`

	// Steps is the ordered append-only result log, one record per attempt.
	// Populated by GetRun; ignored by CreateRun.
	Steps []schema.StepResult `json:"steps,omitempty"`
}

// RunUpdate is a partial update applied to a run record.
// Nil fields are left untouched.
type RunUpdate struct {
	Status      *schema.RunStatus
	CompletedAt *time.Time
	Error       json.RawMessage
}

// ArchiveEntry is a compact projection of a finished run kept in the
// bounded rolling archive for fast recent-history browsing. Full run
// detail stays addressable by id regardless of archive eviction.
type ArchiveEntry struct {
	WorkflowID string           `json:"workflow_id"`
	RunID      string           `json:"run_id"`
	Status     schema.RunStatus `json:"status"`
	Summary    string           `json:"summary,omitempty"`
	Tags       []string         `json:"tags,omitempty"`
	ArchivedAt time.Time        `json:"archived_at"`
}
