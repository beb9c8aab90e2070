package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/pipewright/pipewright/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded
// SQLite fork). This is the durable backend the resumable strategy
// depends on.
type LibSQLStore struct {
	db           *sql.DB
	archiveLimit int
}

// NewLibSQLStore opens a libSQL database at the given path.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	return NewLibSQLStoreWithLimit(dbPath, DefaultArchiveLimit)
}

// NewLibSQLStoreWithLimit opens a libSQL database keeping at most limit
// archive entries per workflow.
func NewLibSQLStoreWithLimit(dbPath string, limit int) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	if limit <= 0 {
		limit = DefaultArchiveLimit
	}
	return &LibSQLStore{db: db, archiveLimit: limit}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return applyMigrations(ctx, s.db)
}

// --- Runs ---

func (s *LibSQLStore) CreateRun(ctx context.Context, run *Run) error {
	input, err := marshalMapOrDefault(run.InitialInput)
	if err != nil {
		return persistErr("marshal initial input", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (workflow_id, run_id, status, strategy, initial_input, error, started_at, completed_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.WorkflowID, run.RunID, string(run.Status), nullStr(run.Strategy),
		string(input), nullRaw(run.Error),
		timeOrNow(run.StartedAt), nullTime(run.CompletedAt), time.Now().UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return schema.NewErrorf(schema.ErrCodeIdentity,
				"run id collision: workflow %s already has run %s", run.WorkflowID, run.RunID).WithCause(err)
		}
		return persistErr("insert run", err)
	}
	return nil
}

func (s *LibSQLStore) GetRun(ctx context.Context, workflowID, runID string) (*Run, error) {
	run := &Run{}
	var (
		status, inputJSON   string
		strategy, errorJSON sql.NullString
		completedAt         sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT workflow_id, run_id, status, strategy, initial_input, error, started_at, completed_at, updated_at
		 FROM runs WHERE workflow_id = ? AND run_id = ?`, workflowID, runID,
	).Scan(&run.WorkflowID, &run.RunID, &status, &strategy, &inputJSON, &errorJSON,
		&run.StartedAt, &completedAt, &run.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "run not found: %s/%s", workflowID, runID)
	}
	if err != nil {
		return nil, persistErr("select run", err)
	}

	run.Status = schema.RunStatus(status)
	run.Strategy = strategy.String
	run.Error = jsonOrNil(errorJSON)
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	if inputJSON != "" {
		if err := json.Unmarshal([]byte(inputJSON), &run.InitialInput); err != nil {
			return nil, persistErr("unmarshal initial input", err)
		}
	}

	run.Steps, err = s.ListStepResults(ctx, workflowID, runID)
	if err != nil {
		return nil, err
	}
	return run, nil
}

func (s *LibSQLStore) UpdateRun(ctx context.Context, workflowID, runID string, update RunUpdate) error {
	sets := []string{"updated_at = ?"}
	args := []any{time.Now().UTC()}

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, string(update.Error))
	}

	args = append(args, workflowID, runID)
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET `+strings.Join(sets, ", ")+` WHERE workflow_id = ? AND run_id = ?`, args...)
	if err != nil {
		return persistErr("update run", err)
	}
	return checkRowsAffected(res, workflowID, runID)
}

// --- Step results ---

// AppendStepResult appends a result with a monotonically increasing
// per-run sequence. The pool is capped at one connection, so the
// read-increment-insert below cannot interleave with another writer.
func (s *LibSQLStore) AppendStepResult(ctx context.Context, workflowID, runID string, result *schema.StepResult) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return persistErr("begin append tx", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM step_results WHERE workflow_id = ? AND run_id = ?`,
		workflowID, runID,
	).Scan(&seq)
	if err != nil {
		return persistErr("get next sequence", err)
	}

	output, err := marshalMapOrDefault(result.Output)
	if err != nil {
		return persistErr("marshal output", err)
	}
	var errJSON []byte
	if result.Error != nil {
		errJSON, err = json.Marshal(result.Error)
		if err != nil {
			return persistErr("marshal error", err)
		}
	}

	startedAt := result.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO step_results (workflow_id, run_id, seq, step_id, attempt, status, output, error, skip_reason, started_at, duration_ns)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		workflowID, runID, seq, result.StepID, result.Attempt, string(result.Status),
		string(output), nullRaw(errJSON), nullStr(string(result.SkipReason)),
		startedAt, result.Duration.Nanoseconds(),
	)
	if err != nil {
		return persistErr("insert step result", err)
	}

	if err := tx.Commit(); err != nil {
		return persistErr("commit step result", err)
	}
	return nil
}

func (s *LibSQLStore) ListStepResults(ctx context.Context, workflowID, runID string) ([]schema.StepResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT step_id, attempt, status, output, error, skip_reason, started_at, duration_ns
		 FROM step_results WHERE workflow_id = ? AND run_id = ? ORDER BY seq ASC`,
		workflowID, runID,
	)
	if err != nil {
		return nil, persistErr("select step results", err)
	}
	defer rows.Close()

	var results []schema.StepResult
	for rows.Next() {
		var (
			r                   schema.StepResult
			status, outputJSON  string
			errJSON, skipReason sql.NullString
			durationNs          int64
		)
		if err := rows.Scan(&r.StepID, &r.Attempt, &status, &outputJSON, &errJSON, &skipReason, &r.StartedAt, &durationNs); err != nil {
			return nil, persistErr("scan step result", err)
		}
		r.Status = schema.StepStatus(status)
		r.SkipReason = schema.SkipReason(skipReason.String)
		r.Duration = time.Duration(durationNs)
		if outputJSON != "" {
			if err := json.Unmarshal([]byte(outputJSON), &r.Output); err != nil {
				return nil, persistErr("unmarshal output", err)
			}
		}
		if errJSON.Valid && errJSON.String != "" {
			var stepErr schema.Error
			if err := json.Unmarshal([]byte(errJSON.String), &stepErr); err != nil {
				return nil, persistErr("unmarshal error", err)
			}
			r.Error = &stepErr
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// --- Definition snapshots ---

func (s *LibSQLStore) SnapshotDefinition(ctx context.Context, workflowID, runID string, def *schema.WorkflowDefinition) error {
	raw, err := json.Marshal(def)
	if err != nil {
		return persistErr("marshal definition", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO definition_snapshots (workflow_id, run_id, definition, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(workflow_id, run_id) DO UPDATE SET definition = excluded.definition`,
		workflowID, runID, string(raw), time.Now().UTC(),
	)
	if err != nil {
		return persistErr("insert definition snapshot", err)
	}
	return nil
}

func (s *LibSQLStore) GetDefinitionSnapshot(ctx context.Context, workflowID, runID string) (*schema.WorkflowDefinition, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT definition FROM definition_snapshots WHERE workflow_id = ? AND run_id = ?`,
		workflowID, runID,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound,
			"definition snapshot not found: %s/%s", workflowID, runID)
	}
	if err != nil {
		return nil, persistErr("select definition snapshot", err)
	}

	var def schema.WorkflowDefinition
	if err := json.Unmarshal([]byte(raw), &def); err != nil {
		return nil, persistErr("unmarshal definition", err)
	}
	return &def, nil
}

// --- Archive ---

// Archive upserts the entry and evicts anything beyond the bound inside
// one transaction, so concurrent runs finishing on the same workflow see
// an atomic append-and-evict.
func (s *LibSQLStore) Archive(ctx context.Context, entry *ArchiveEntry) error {
	tags, err := json.Marshal(entry.Tags)
	if err != nil {
		return persistErr("marshal tags", err)
	}
	archivedAt := entry.ArchivedAt
	if archivedAt.IsZero() {
		archivedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return persistErr("begin archive tx", err)
	}
	defer tx.Rollback()

	// Idempotent per run: a second archive of the same run refreshes the
	// existing row instead of duplicating it, and keeps its position.
	_, err = tx.ExecContext(ctx,
		`INSERT INTO archive (workflow_id, run_id, status, summary, tags, archived_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(workflow_id, run_id) DO UPDATE SET
		   status = excluded.status, summary = excluded.summary, tags = excluded.tags`,
		entry.WorkflowID, entry.RunID, string(entry.Status),
		nullStr(entry.Summary), string(tags), archivedAt,
	)
	if err != nil {
		return persistErr("upsert archive entry", err)
	}

	_, err = tx.ExecContext(ctx,
		`DELETE FROM archive WHERE workflow_id = ?1 AND run_id NOT IN (
		   SELECT run_id FROM archive WHERE workflow_id = ?1
		   ORDER BY archived_at DESC, run_id DESC LIMIT ?2
		 )`,
		entry.WorkflowID, s.archiveLimit,
	)
	if err != nil {
		return persistErr("evict archive entries", err)
	}

	if err := tx.Commit(); err != nil {
		return persistErr("commit archive", err)
	}
	return nil
}

func (s *LibSQLStore) ListRuns(ctx context.Context, workflowID string) ([]*ArchiveEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT workflow_id, run_id, status, summary, tags, archived_at
		 FROM archive WHERE workflow_id = ?
		 ORDER BY archived_at DESC, run_id DESC`,
		workflowID,
	)
	if err != nil {
		return nil, persistErr("select archive", err)
	}
	defer rows.Close()

	var entries []*ArchiveEntry
	for rows.Next() {
		e := &ArchiveEntry{}
		var status string
		var summary, tagsJSON sql.NullString
		if err := rows.Scan(&e.WorkflowID, &e.RunID, &status, &summary, &tagsJSON, &e.ArchivedAt); err != nil {
			return nil, persistErr("scan archive entry", err)
		}
		e.Status = schema.RunStatus(status)
		e.Summary = summary.String
		if tagsJSON.Valid && tagsJSON.String != "" {
			if err := json.Unmarshal([]byte(tagsJSON.String), &e.Tags); err != nil {
				return nil, persistErr("unmarshal tags", err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Helpers ---

func persistErr(op string, err error) *schema.Error {
	return schema.NewErrorf(schema.ErrCodePersistence, "%s: %s", op, err.Error()).WithCause(err)
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint")
}

func checkRowsAffected(res sql.Result, workflowID, runID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return persistErr("rows affected", err)
	}
	if n == 0 {
		return schema.NewErrorf(schema.ErrCodeNotFound, "run not found: %s/%s", workflowID, runID)
	}
	return nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func jsonOrNil(s sql.NullString) json.RawMessage {
	if !s.Valid || s.String == "" {
		return nil
	}
	return json.RawMessage(s.String)
}

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if m == nil {
		return json.RawMessage("{}"), nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

var _ Store = (*LibSQLStore)(nil)
