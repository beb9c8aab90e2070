package store

import (
	"context"
	"sync"
	"time"

	"github.com/pipewright/pipewright/pkg/schema"
)

// MemoryStore is an in-memory Store used by the plain strategy and tests.
// A single mutex serializes all writes, which trivially satisfies the
// per-run append ordering guarantee without cross-run data interference.
type MemoryStore struct {
	mu           sync.RWMutex
	runs         map[runKey]*Run
	results      map[runKey][]schema.StepResult
	snapshots    map[runKey]*schema.WorkflowDefinition
	archive      map[string][]*ArchiveEntry // workflow ID → newest first
	archiveLimit int
}

type runKey struct {
	workflowID string
	runID      string
}

// NewMemoryStore creates a MemoryStore with the default archive bound.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithLimit(DefaultArchiveLimit)
}

// NewMemoryStoreWithLimit creates a MemoryStore keeping at most limit
// archive entries per workflow.
func NewMemoryStoreWithLimit(limit int) *MemoryStore {
	if limit <= 0 {
		limit = DefaultArchiveLimit
	}
	return &MemoryStore{
		runs:         make(map[runKey]*Run),
		results:      make(map[runKey][]schema.StepResult),
		snapshots:    make(map[runKey]*schema.WorkflowDefinition),
		archive:      make(map[string][]*ArchiveEntry),
		archiveLimit: limit,
	}
}

func (s *MemoryStore) CreateRun(ctx context.Context, run *Run) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := runKey{run.WorkflowID, run.RunID}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runs[key]; exists {
		return schema.NewErrorf(schema.ErrCodeIdentity,
			"run id collision: workflow %s already has run %s", run.WorkflowID, run.RunID)
	}

	stored := *run
	stored.Steps = nil
	stored.UpdatedAt = time.Now().UTC()
	s.runs[key] = &stored
	return nil
}

func (s *MemoryStore) GetRun(ctx context.Context, workflowID, runID string) (*Run, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := runKey{workflowID, runID}

	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[key]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound,
			"run not found: %s/%s", workflowID, runID)
	}

	out := *run
	out.Steps = append([]schema.StepResult(nil), s.results[key]...)
	return &out, nil
}

func (s *MemoryStore) UpdateRun(ctx context.Context, workflowID, runID string, update RunUpdate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := runKey{workflowID, runID}

	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[key]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound,
			"run not found: %s/%s", workflowID, runID)
	}

	if update.Status != nil {
		run.Status = *update.Status
	}
	if update.CompletedAt != nil {
		run.CompletedAt = update.CompletedAt
	}
	if update.Error != nil {
		run.Error = update.Error
	}
	run.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) AppendStepResult(ctx context.Context, workflowID, runID string, result *schema.StepResult) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := runKey{workflowID, runID}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[key]; !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound,
			"run not found: %s/%s", workflowID, runID)
	}

	s.results[key] = append(s.results[key], *result)
	return nil
}

func (s *MemoryStore) ListStepResults(ctx context.Context, workflowID, runID string) ([]schema.StepResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := runKey{workflowID, runID}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]schema.StepResult(nil), s.results[key]...), nil
}

func (s *MemoryStore) SnapshotDefinition(ctx context.Context, workflowID, runID string, def *schema.WorkflowDefinition) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := runKey{workflowID, runID}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.snapshots[key] = def
	return nil
}

func (s *MemoryStore) GetDefinitionSnapshot(ctx context.Context, workflowID, runID string) (*schema.WorkflowDefinition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := runKey{workflowID, runID}

	s.mu.RLock()
	defer s.mu.RUnlock()

	def, ok := s.snapshots[key]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound,
			"definition snapshot not found: %s/%s", workflowID, runID)
	}
	return def, nil
}

// Archive appends the entry and evicts beyond the bound in one critical
// section. Archiving the same run twice updates the existing entry in
// place instead of duplicating it.
func (s *MemoryStore) Archive(ctx context.Context, entry *ArchiveEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *entry
	if stored.ArchivedAt.IsZero() {
		stored.ArchivedAt = time.Now().UTC()
	}

	entries := s.archive[entry.WorkflowID]
	for i, existing := range entries {
		if existing.RunID == entry.RunID {
			entries[i] = &stored
			return nil
		}
	}

	entries = append([]*ArchiveEntry{&stored}, entries...)
	if len(entries) > s.archiveLimit {
		entries = entries[:s.archiveLimit]
	}
	s.archive[entry.WorkflowID] = entries
	return nil
}

func (s *MemoryStore) ListRuns(ctx context.Context, workflowID string) ([]*ArchiveEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.archive[workflowID]
	out := make([]*ArchiveEntry, len(entries))
	for i, e := range entries {
		copied := *e
		out[i] = &copied
	}
	return out, nil
}

func (s *MemoryStore) Migrate(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
