// Package scheduler submits workflow definitions on a recurring cron
// schedule. Jobs are registered in memory by the host; each due job is
// handed to the engine as a fresh run.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/pipewright/pipewright/internal/engine"
	"github.com/pipewright/pipewright/pkg/schema"
)

// Submitter is the interface the scheduler uses to start runs.
// Satisfied by *engine.Engine.
type Submitter interface {
	Submit(ctx context.Context, def *schema.WorkflowDefinition, initialInput schema.Payload, opts engine.ExecuteOptions) (string, error)
}

// Job is a recurring submission of one workflow definition.
type Job struct {
	ID         string
	CronExpr   string
	Definition *schema.WorkflowDefinition
	Input      schema.Payload
	Options    engine.ExecuteOptions

	nextRunAt time.Time
	lastRunID string
}

// Scheduler runs registered jobs when their cron schedule is due.
type Scheduler struct {
	submitter Submitter
	parser    cron.Parser
	logger    *slog.Logger
	interval  time.Duration

	mu     sync.Mutex
	jobs   map[string]*Job
	cancel context.CancelFunc
	done   chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{} // job IDs currently executing (dedup)
}

// New creates a Scheduler submitting to the given engine.
func New(submitter Submitter, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		submitter: submitter,
		parser:    cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:    logger,
		interval:  60 * time.Second,
		jobs:      make(map[string]*Job),
		inflight:  make(map[string]struct{}),
	}
}

// AddJob registers a recurring job. The cron expression is validated
// eagerly and the first due time computed from now.
func (s *Scheduler) AddJob(job *Job) error {
	if job == nil || job.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "job requires an id")
	}
	if job.Definition == nil {
		return schema.NewError(schema.ErrCodeValidation, "job requires a definition")
	}
	next, err := s.CalculateNextRun(job.CronExpr, time.Now().UTC())
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"job %s: %s", job.ID, err.Error()).WithCause(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "job %s already registered", job.ID)
	}
	job.nextRunAt = next
	s.jobs[job.ID] = job
	return nil
}

// RemoveJob unregisters a job. Removing an unknown id is a no-op.
func (s *Scheduler) RemoveJob(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
}

// Jobs returns the registered job ids.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.jobs))
	for id := range s.jobs {
		ids = append(ids, id)
	}
	return ids
}

// Start launches the background scheduling loop with a 60s ticker.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started")
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Run an initial tick immediately.
	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick checks all registered jobs and submits those that are due.
func (s *Scheduler) Tick(ctx context.Context) {
	now := time.Now().UTC()

	s.mu.Lock()
	due := make([]*Job, 0)
	for _, job := range s.jobs {
		if !job.nextRunAt.After(now) {
			due = append(due, job)
		}
	}
	s.mu.Unlock()

	for _, job := range due {
		if !s.tryAcquire(job.ID) {
			continue // previous submission still running (dedup)
		}
		s.runJob(ctx, job, now)
		s.release(job.ID)
	}
}

// runJob submits one due job and advances its schedule.
func (s *Scheduler) runJob(ctx context.Context, job *Job, now time.Time) {
	s.logger.Info("submitting scheduled job",
		slog.String("job_id", job.ID),
		slog.String("workflow_id", job.Definition.ID()),
	)

	runID, err := s.submitter.Submit(ctx, job.Definition, job.Input, job.Options)
	if err != nil {
		s.logger.Error("scheduled job submission failed",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
	}

	next, nextErr := s.CalculateNextRun(job.CronExpr, now)
	if nextErr != nil {
		s.logger.Error("advance schedule failed",
			slog.String("job_id", job.ID),
			slog.String("error", nextErr.Error()),
		)
		return
	}

	s.mu.Lock()
	if current, ok := s.jobs[job.ID]; ok {
		current.nextRunAt = next
		if err == nil {
			current.lastRunID = runID
		}
	}
	s.mu.Unlock()
}

// tryAcquire returns true and marks the job as in-flight if it is not already running.
func (s *Scheduler) tryAcquire(jobID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[jobID]; ok {
		return false
	}
	s.inflight[jobID] = struct{}{}
	return true
}

// release removes the job from the in-flight set.
func (s *Scheduler) release(jobID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, jobID)
}

// LastRunID returns the run id of the job's most recent submission.
func (s *Scheduler) LastRunID(jobID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[jobID]; ok {
		return job.lastRunID
	}
	return ""
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the scheduler. The lock is released before
// waiting so an in-progress tick can finish.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if s.cancel == nil {
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	cancel()
	<-done

	s.logger.Info("scheduler stopped")
	return nil
}
