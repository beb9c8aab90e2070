// Package pipewright executes declarative step-graph workflows. A
// definition names steps, the agents that process them and how outputs
// route into downstream inputs; the engine resolves the dependency
// order, runs each step with retry and timeout policy, and records every
// attempt in a durable run log.
//
// This package is the public facade. It re-exports the engine, agent
// registry, stores, validator, scheduler and event hub so hosts depend
// on a single import path.
package pipewright

import (
	"log/slog"

	"github.com/pipewright/pipewright/internal/agents"
	"github.com/pipewright/pipewright/internal/engine"
	"github.com/pipewright/pipewright/internal/scheduler"
	"github.com/pipewright/pipewright/internal/store"
	"github.com/pipewright/pipewright/internal/streaming"
	"github.com/pipewright/pipewright/internal/validation"
)

// Core types, aliased from their implementation packages.
type (
	Engine         = engine.Engine
	Config         = engine.Config
	ExecuteOptions = engine.ExecuteOptions
	Hook           = engine.Hook
	NoopHook       = engine.NoopHook
	CompositeHook  = engine.CompositeHook
	RunEvent       = engine.RunEvent
	StepEvent      = engine.StepEvent

	Agent           = agents.Agent
	ConfiguredAgent = agents.ConfiguredAgent
	AgentFunc       = agents.Func
	Registry        = agents.Registry

	Store        = store.Store
	MemoryStore  = store.MemoryStore
	LibSQLStore  = store.LibSQLStore
	Run          = store.Run
	ArchiveEntry = store.ArchiveEntry

	Validator = validation.Validator

	Hub         = streaming.Hub
	StreamEvent = streaming.RunEvent
	EventFilter = streaming.EventFilter

	Scheduler    = scheduler.Scheduler
	ScheduledJob = scheduler.Job
)

// Strategy names for ExecuteOptions.
const (
	StrategyPlain     = engine.StrategyPlain
	StrategyResumable = engine.StrategyResumable
)

// NewEngine creates an execution engine from the given dependencies.
func NewEngine(cfg Config) (*Engine, error) {
	return engine.New(cfg)
}

// NewRegistry creates an empty agent registry.
func NewRegistry() *Registry {
	return agents.NewRegistry()
}

// RegisterBuiltins registers the builtin agents (passthrough, static,
// jq, expr) on the registry.
func RegisterBuiltins(reg *Registry) error {
	return agents.RegisterBuiltins(reg)
}

// NewMemoryStore creates an in-memory run store, suitable for plain
// strategy runs and tests.
func NewMemoryStore() *MemoryStore {
	return store.NewMemoryStore()
}

// NewLibSQLStore opens a durable libSQL-backed run store at the given
// path. Call Migrate before first use.
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	return store.NewLibSQLStore(dbPath)
}

// NewValidator creates a definition validator that resolves agent names
// against the registry.
func NewValidator(reg *Registry) *Validator {
	return validation.NewValidator(reg)
}

// NewMemoryHub creates an in-memory pub/sub hub for run events.
func NewMemoryHub() *streaming.MemoryHub {
	return streaming.NewMemoryHub()
}

// NewLoggingHook creates a hook that writes run and step transitions to
// a structured logger.
func NewLoggingHook(logger *slog.Logger) Hook {
	return engine.NewLoggingHook(logger)
}

// NewScheduler creates a cron scheduler submitting recurring runs to
// the engine.
func NewScheduler(e *Engine, logger *slog.Logger) *Scheduler {
	return scheduler.New(e, logger)
}
