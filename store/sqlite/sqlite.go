// Package sqlite implements maestro.Store using pure-Go SQLite.
// Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nevindra/maestro"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store. When set, the store
// emits debug logs for every operation including timing and key parameters.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements maestro.Store backed by a local SQLite file. Structured
// fields (plan steps, job configs, node graphs) are stored as JSON text next
// to the scalar columns the queries filter on.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ maestro.Store = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates all required tables and indexes. Idempotent.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()

	if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("enable wal: %w", err)
	}

	tables := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			goal TEXT NOT NULL,
			context TEXT,
			constraints TEXT,
			priority TEXT NOT NULL,
			deadline INTEGER,
			status_phase TEXT NOT NULL,
			status_progress REAL NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS plans (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			steps TEXT NOT NULL,
			dependencies TEXT,
			error_handling TEXT,
			estimates TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS step_results (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			status TEXT NOT NULL,
			payload TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS error_logs (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL,
			message TEXT NOT NULL,
			stack TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT,
			schedule TEXT NOT NULL,
			config TEXT NOT NULL,
			enabled INTEGER NOT NULL DEFAULT 1,
			retries INTEGER NOT NULL DEFAULT 0,
			retry_delay_ms INTEGER NOT NULL DEFAULT 0,
			timeout_ms INTEGER NOT NULL DEFAULT 0,
			tags TEXT,
			metadata TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			job_id TEXT NOT NULL,
			status TEXT NOT NULL,
			scheduled_at INTEGER NOT NULL,
			started_at INTEGER,
			completed_at INTEGER,
			result TEXT,
			error TEXT,
			retry_count INTEGER NOT NULL DEFAULT 0,
			duration_ms INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS workflows (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			version INTEGER NOT NULL,
			user_id TEXT,
			definition TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS workflow_executions (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			status TEXT NOT NULL,
			payload TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_tasks_user ON tasks(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_phase ON tasks(status_phase)`,
		`CREATE INDEX IF NOT EXISTS idx_plans_task ON plans(task_id)`,
		`CREATE INDEX IF NOT EXISTS idx_step_results_task ON step_results(task_id)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_job ON executions(job_id)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_enabled ON jobs(enabled)`,
		`CREATE INDEX IF NOT EXISTS idx_workflows_user ON workflows(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_executions_wf ON workflow_executions(workflow_id)`,
	}
	for _, ddl := range indexes {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}

	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// --- Tasks ---

// SaveTask inserts or replaces a task row.
func (s *Store) SaveTask(ctx context.Context, t maestro.Task) error {
	s.logger.Debug("sqlite: save task", "id", t.ID, "phase", t.Status.Phase)
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO tasks
		(id, user_id, goal, context, constraints, priority, deadline, status_phase, status_progress, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.UserID, t.Goal, marshalJSON(t.Context), marshalJSON(t.Constraints),
		string(t.Priority), t.Deadline, string(t.Status.Phase), t.Status.Progress,
		t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return persistErr("save task", err)
	}
	return nil
}

// GetTask loads a task by id.
func (s *Store) GetTask(ctx context.Context, id string) (maestro.Task, error) {
	var t maestro.Task
	var contextJSON, constraintsJSON sql.NullString
	var phase string
	err := s.db.QueryRowContext(ctx, `SELECT id, user_id, goal, context, constraints,
		priority, deadline, status_phase, status_progress, created_at, updated_at
		FROM tasks WHERE id = ?`, id).Scan(
		&t.ID, &t.UserID, &t.Goal, &contextJSON, &constraintsJSON,
		&t.Priority, &t.Deadline, &phase, &t.Status.Progress, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, maestro.E(maestro.CodeNotFound, "task %s not found", id)
	}
	if err != nil {
		return t, persistErr("get task", err)
	}
	t.Status.Phase = maestro.TaskPhase(phase)
	unmarshalJSON(contextJSON, &t.Context)
	unmarshalJSON(constraintsJSON, &t.Constraints)
	return t, nil
}

// UpdateTaskStatus updates the phase and progress of a task.
func (s *Store) UpdateTaskStatus(ctx context.Context, id string, status maestro.TaskStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status_phase = ?, status_progress = ?, updated_at = ? WHERE id = ?`,
		string(status.Phase), status.Progress, time.Now().UnixMilli(), id)
	if err != nil {
		return persistErr("update task status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return maestro.E(maestro.CodeNotFound, "task %s not found", id)
	}
	return nil
}

// ListTasksByUser returns a user's tasks newest first. The phase filter is
// part of the query so pages stay full under filtering.
func (s *Store) ListTasksByUser(ctx context.Context, userID string, f maestro.TaskFilter) ([]maestro.Task, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, user_id, goal, context, constraints,
		priority, deadline, status_phase, status_progress, created_at, updated_at
		FROM tasks WHERE user_id = ?`
	args := []any{userID}
	if f.Phase != "" {
		query += ` AND status_phase = ?`
		args = append(args, string(f.Phase))
	}
	query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, f.Offset)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, persistErr("list tasks", err)
	}
	defer rows.Close()

	var tasks []maestro.Task
	for rows.Next() {
		var t maestro.Task
		var contextJSON, constraintsJSON sql.NullString
		var phase string
		if err := rows.Scan(&t.ID, &t.UserID, &t.Goal, &contextJSON, &constraintsJSON,
			&t.Priority, &t.Deadline, &phase, &t.Status.Progress, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, persistErr("scan task", err)
		}
		t.Status.Phase = maestro.TaskPhase(phase)
		unmarshalJSON(contextJSON, &t.Context)
		unmarshalJSON(constraintsJSON, &t.Constraints)
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// CountTasks returns aggregate task counts for the stats surface.
func (s *Store) CountTasks(ctx context.Context) (maestro.TaskCounts, error) {
	var c maestro.TaskCounts
	err := s.db.QueryRowContext(ctx, `SELECT
		COUNT(*),
		COALESCE(SUM(CASE WHEN status_phase = 'completed' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status_phase = 'failed' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status_phase IN ('planning', 'executing') THEN 1 ELSE 0 END), 0)
		FROM tasks`).Scan(&c.Total, &c.Completed, &c.Failed, &c.Running)
	if err != nil {
		return c, persistErr("count tasks", err)
	}
	return c, nil
}

// --- Plans ---

// SavePlan inserts a plan version.
func (s *Store) SavePlan(ctx context.Context, p maestro.ExecutionPlan) error {
	s.logger.Debug("sqlite: save plan", "task_id", p.TaskID, "version", p.Version, "steps", len(p.Steps))
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO plans
		(id, task_id, version, steps, dependencies, error_handling, estimates, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.TaskID, p.Version, marshalJSON(p.Steps), marshalJSON(p.Dependencies),
		marshalJSON(p.ErrorHandling), marshalJSON(p.Estimates), p.CreatedAt)
	if err != nil {
		return persistErr("save plan", err)
	}
	return nil
}

// GetPlan returns the highest-version plan for a task.
func (s *Store) GetPlan(ctx context.Context, taskID string) (maestro.ExecutionPlan, error) {
	var p maestro.ExecutionPlan
	var steps, deps, eh, est sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT id, task_id, version, steps, dependencies,
		error_handling, estimates, created_at
		FROM plans WHERE task_id = ? ORDER BY version DESC LIMIT 1`, taskID).Scan(
		&p.ID, &p.TaskID, &p.Version, &steps, &deps, &eh, &est, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, maestro.E(maestro.CodeNotFound, "no plan for task %s", taskID)
	}
	if err != nil {
		return p, persistErr("get plan", err)
	}
	unmarshalJSON(steps, &p.Steps)
	unmarshalJSON(deps, &p.Dependencies)
	unmarshalJSON(eh, &p.ErrorHandling)
	unmarshalJSON(est, &p.Estimates)
	return p, nil
}

// --- Step results ---

// SaveStepResult appends a step result row.
func (s *Store) SaveStepResult(ctx context.Context, taskID string, r maestro.StepResult) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO step_results (task_id, step_id, status, payload) VALUES (?, ?, ?, ?)`,
		taskID, r.StepID, string(r.Status), marshalJSON(r))
	if err != nil {
		return persistErr("save step result", err)
	}
	return nil
}

// GetStepResults returns a task's step results in insertion order.
func (s *Store) GetStepResults(ctx context.Context, taskID string) ([]maestro.StepResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM step_results WHERE task_id = ? ORDER BY seq`, taskID)
	if err != nil {
		return nil, persistErr("get step results", err)
	}
	defer rows.Close()

	var results []maestro.StepResult
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, persistErr("scan step result", err)
		}
		var r maestro.StepResult
		if err := json.Unmarshal([]byte(payload), &r); err != nil {
			return nil, persistErr("decode step result", err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// LogError appends a row to the error log.
func (s *Store) LogError(ctx context.Context, taskID, message, stack string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO error_logs (task_id, message, stack, created_at) VALUES (?, ?, ?, ?)`,
		taskID, message, stack, time.Now().UnixMilli())
	if err != nil {
		return persistErr("log error", err)
	}
	return nil
}

// --- Jobs ---

// CreateJob inserts a scheduler job.
func (s *Store) CreateJob(ctx context.Context, j maestro.ScheduledJob) error {
	s.logger.Debug("sqlite: create job", "id", j.ID, "name", j.Name)
	_, err := s.db.ExecContext(ctx, `INSERT INTO jobs
		(id, name, description, schedule, config, enabled, retries, retry_delay_ms, timeout_ms, tags, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.Name, j.Description, marshalJSON(j.Schedule), marshalJSON(j.Config),
		boolToInt(j.Enabled), j.Retries, j.RetryDelayMs, j.TimeoutMs,
		marshalJSON(j.Tags), marshalJSON(j.Metadata), j.CreatedAt, j.UpdatedAt)
	if err != nil {
		return persistErr("create job", err)
	}
	return nil
}

// GetJob loads a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (maestro.ScheduledJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, name, description, schedule, config,
		enabled, retries, retry_delay_ms, timeout_ms, tags, metadata, created_at, updated_at
		FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return j, maestro.E(maestro.CodeNotFound, "job %s not found", id)
	}
	if err != nil {
		return j, persistErr("get job", err)
	}
	return j, nil
}

// ListJobs returns jobs matching the filter, newest first.
func (s *Store) ListJobs(ctx context.Context, f maestro.JobFilter) ([]maestro.ScheduledJob, error) {
	query := `SELECT id, name, description, schedule, config, enabled, retries,
		retry_delay_ms, timeout_ms, tags, metadata, created_at, updated_at FROM jobs`
	var conds []string
	var args []any
	if f.Enabled != nil {
		conds = append(conds, "enabled = ?")
		args = append(args, boolToInt(*f.Enabled))
	}
	if f.Tag != "" {
		// Tags are a JSON array; match the quoted element.
		conds = append(conds, "tags LIKE ?")
		args = append(args, `%"`+f.Tag+`"%`)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, persistErr("list jobs", err)
	}
	defer rows.Close()

	var jobs []maestro.ScheduledJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, persistErr("scan job", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// UpdateJob replaces a job row, bumping updated_at.
func (s *Store) UpdateJob(ctx context.Context, j maestro.ScheduledJob) error {
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET
		name = ?, description = ?, schedule = ?, config = ?, enabled = ?, retries = ?,
		retry_delay_ms = ?, timeout_ms = ?, tags = ?, metadata = ?, updated_at = ?
		WHERE id = ?`,
		j.Name, j.Description, marshalJSON(j.Schedule), marshalJSON(j.Config),
		boolToInt(j.Enabled), j.Retries, j.RetryDelayMs, j.TimeoutMs,
		marshalJSON(j.Tags), marshalJSON(j.Metadata), time.Now().UnixMilli(), j.ID)
	if err != nil {
		return persistErr("update job", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return maestro.E(maestro.CodeNotFound, "job %s not found", j.ID)
	}
	return nil
}

// DeleteJob removes a job and its executions.
func (s *Store) DeleteJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return persistErr("delete job", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return maestro.E(maestro.CodeNotFound, "job %s not found", id)
	}
	_, _ = s.db.ExecContext(ctx, `DELETE FROM executions WHERE job_id = ?`, id)
	return nil
}

// SetJobEnabled toggles a job, bumping updated_at.
func (s *Store) SetJobEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET enabled = ?, updated_at = ? WHERE id = ?`,
		boolToInt(enabled), time.Now().UnixMilli(), id)
	if err != nil {
		return persistErr("set job enabled", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return maestro.E(maestro.CodeNotFound, "job %s not found", id)
	}
	return nil
}

// --- Executions ---

// InsertExecution appends a job execution row.
func (s *Store) InsertExecution(ctx context.Context, e maestro.JobExecution) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO executions
		(id, job_id, status, scheduled_at, started_at, completed_at, result, error, retry_count, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.JobID, string(e.Status), e.ScheduledAt, e.StartedAt, e.CompletedAt,
		e.Result, e.Error, e.RetryCount, e.DurationMs)
	if err != nil {
		return persistErr("insert execution", err)
	}
	return nil
}

// UpdateExecution updates an execution row's mutable fields.
func (s *Store) UpdateExecution(ctx context.Context, e maestro.JobExecution) error {
	res, err := s.db.ExecContext(ctx, `UPDATE executions SET
		status = ?, started_at = ?, completed_at = ?, result = ?, error = ?, duration_ms = ?
		WHERE id = ?`,
		string(e.Status), e.StartedAt, e.CompletedAt, e.Result, e.Error, e.DurationMs, e.ID)
	if err != nil {
		return persistErr("update execution", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return maestro.E(maestro.CodeNotFound, "execution %s not found", e.ID)
	}
	return nil
}

// ListExecutions returns executions matching the filter, newest first.
func (s *Store) ListExecutions(ctx context.Context, f maestro.ExecutionFilter) ([]maestro.JobExecution, error) {
	query := `SELECT id, job_id, status, scheduled_at, started_at, completed_at,
		result, error, retry_count, duration_ms FROM executions`
	var conds []string
	var args []any
	if f.JobID != "" {
		conds = append(conds, "job_id = ?")
		args = append(args, f.JobID)
	}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Since > 0 {
		conds = append(conds, "scheduled_at >= ?")
		args = append(args, f.Since)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY scheduled_at DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, persistErr("list executions", err)
	}
	defer rows.Close()

	var execs []maestro.JobExecution
	for rows.Next() {
		var e maestro.JobExecution
		var status string
		if err := rows.Scan(&e.ID, &e.JobID, &status, &e.ScheduledAt, &e.StartedAt,
			&e.CompletedAt, &e.Result, &e.Error, &e.RetryCount, &e.DurationMs); err != nil {
			return nil, persistErr("scan execution", err)
		}
		e.Status = maestro.ExecStatus(status)
		execs = append(execs, e)
	}
	return execs, rows.Err()
}

// --- Workflows ---

// SaveWorkflow inserts or replaces a workflow definition.
func (s *Store) SaveWorkflow(ctx context.Context, w maestro.WorkflowDefinition) error {
	s.logger.Debug("sqlite: save workflow", "id", w.ID, "name", w.Name, "nodes", len(w.Nodes))
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO workflows
		(id, name, version, user_id, definition, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.Name, w.Version, w.UserID, marshalJSON(w), w.CreatedAt, w.UpdatedAt)
	if err != nil {
		return persistErr("save workflow", err)
	}
	return nil
}

// GetWorkflow loads a workflow definition by id.
func (s *Store) GetWorkflow(ctx context.Context, id string) (maestro.WorkflowDefinition, error) {
	var w maestro.WorkflowDefinition
	var def string
	err := s.db.QueryRowContext(ctx,
		`SELECT definition FROM workflows WHERE id = ?`, id).Scan(&def)
	if err == sql.ErrNoRows {
		return w, maestro.E(maestro.CodeNotFound, "workflow %s not found", id)
	}
	if err != nil {
		return w, persistErr("get workflow", err)
	}
	if err := json.Unmarshal([]byte(def), &w); err != nil {
		return w, persistErr("decode workflow", err)
	}
	return w, nil
}

// ListWorkflows returns a user's workflows newest first. An empty userID
// lists all workflows.
func (s *Store) ListWorkflows(ctx context.Context, userID string, limit, offset int) ([]maestro.WorkflowDefinition, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT definition FROM workflows`
	var args []any
	if userID != "" {
		query += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, persistErr("list workflows", err)
	}
	defer rows.Close()

	var workflows []maestro.WorkflowDefinition
	for rows.Next() {
		var def string
		if err := rows.Scan(&def); err != nil {
			return nil, persistErr("scan workflow", err)
		}
		var w maestro.WorkflowDefinition
		if err := json.Unmarshal([]byte(def), &w); err != nil {
			return nil, persistErr("decode workflow", err)
		}
		workflows = append(workflows, w)
	}
	return workflows, rows.Err()
}

// DeleteWorkflow removes a workflow definition.
func (s *Store) DeleteWorkflow(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		return persistErr("delete workflow", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return maestro.E(maestro.CodeNotFound, "workflow %s not found", id)
	}
	return nil
}

// CountWorkflows returns the total number of workflow definitions.
func (s *Store) CountWorkflows(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM workflows`).Scan(&n); err != nil {
		return 0, persistErr("count workflows", err)
	}
	return n, nil
}

// --- Workflow executions ---

// SaveWorkflowExecution inserts or replaces a workflow execution snapshot.
func (s *Store) SaveWorkflowExecution(ctx context.Context, e maestro.WorkflowExecution) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO workflow_executions
		(id, workflow_id, status, payload, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		e.ID, e.WorkflowID, string(e.Status), marshalJSON(e), e.CreatedAt)
	if err != nil {
		return persistErr("save workflow execution", err)
	}
	return nil
}

// GetWorkflowExecution loads an execution snapshot by id.
func (s *Store) GetWorkflowExecution(ctx context.Context, id string) (maestro.WorkflowExecution, error) {
	var e maestro.WorkflowExecution
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM workflow_executions WHERE id = ?`, id).Scan(&payload)
	if err == sql.ErrNoRows {
		return e, maestro.E(maestro.CodeNotFound, "workflow execution %s not found", id)
	}
	if err != nil {
		return e, persistErr("get workflow execution", err)
	}
	if err := json.Unmarshal([]byte(payload), &e); err != nil {
		return e, persistErr("decode workflow execution", err)
	}
	return e, nil
}

// ListWorkflowExecutions returns a workflow's executions newest first.
func (s *Store) ListWorkflowExecutions(ctx context.Context, workflowID string, limit int) ([]maestro.WorkflowExecution, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM workflow_executions
		WHERE workflow_id = ? ORDER BY created_at DESC LIMIT ?`, workflowID, limit)
	if err != nil {
		return nil, persistErr("list workflow executions", err)
	}
	defer rows.Close()

	var execs []maestro.WorkflowExecution
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, persistErr("scan workflow execution", err)
		}
		var e maestro.WorkflowExecution
		if err := json.Unmarshal([]byte(payload), &e); err != nil {
			return nil, persistErr("decode workflow execution", err)
		}
		execs = append(execs, e)
	}
	return execs, rows.Err()
}

// --- Helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (maestro.ScheduledJob, error) {
	var j maestro.ScheduledJob
	var schedule, config string
	var tags, metadata sql.NullString
	var enabled int
	err := row.Scan(&j.ID, &j.Name, &j.Description, &schedule, &config, &enabled,
		&j.Retries, &j.RetryDelayMs, &j.TimeoutMs, &tags, &metadata, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return j, err
	}
	j.Enabled = enabled != 0
	_ = json.Unmarshal([]byte(schedule), &j.Schedule)
	_ = json.Unmarshal([]byte(config), &j.Config)
	unmarshalJSON(tags, &j.Tags)
	unmarshalJSON(metadata, &j.Metadata)
	return j, nil
}

// marshalJSON renders v as JSON text, or NULL for nil-ish values.
func marshalJSON(v any) any {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return string(data)
}

func unmarshalJSON[T any](src sql.NullString, dst *T) {
	if src.Valid && src.String != "" {
		_ = json.Unmarshal([]byte(src.String), dst)
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func persistErr(op string, err error) error {
	return maestro.E(maestro.CodePersistence, "%s: %v", op, err)
}
