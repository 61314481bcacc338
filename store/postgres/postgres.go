// Package postgres implements maestro.Store using PostgreSQL with JSONB
// columns for structured payloads.
//
// Store accepts an externally-owned *pgxpool.Pool via constructor injection.
// The caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nevindra/maestro"
)

// Store implements maestro.Store backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ maestro.Store = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Init creates all required tables and indexes. Idempotent.
func (s *Store) Init(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			goal TEXT NOT NULL,
			context JSONB,
			constraints JSONB,
			priority TEXT NOT NULL,
			deadline BIGINT NOT NULL DEFAULT 0,
			status_phase TEXT NOT NULL,
			status_progress DOUBLE PRECISION NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS plans (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			steps JSONB NOT NULL,
			dependencies JSONB,
			error_handling JSONB,
			estimates JSONB,
			created_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS step_results (
			seq BIGSERIAL PRIMARY KEY,
			task_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			status TEXT NOT NULL,
			payload JSONB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS error_logs (
			seq BIGSERIAL PRIMARY KEY,
			task_id TEXT NOT NULL,
			message TEXT NOT NULL,
			stack TEXT,
			created_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			schedule JSONB NOT NULL,
			config JSONB NOT NULL,
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			retries INTEGER NOT NULL DEFAULT 0,
			retry_delay_ms BIGINT NOT NULL DEFAULT 0,
			timeout_ms BIGINT NOT NULL DEFAULT 0,
			tags JSONB,
			metadata JSONB,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			job_id TEXT NOT NULL,
			status TEXT NOT NULL,
			scheduled_at BIGINT NOT NULL,
			started_at BIGINT NOT NULL DEFAULT 0,
			completed_at BIGINT NOT NULL DEFAULT 0,
			result TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			retry_count INTEGER NOT NULL DEFAULT 0,
			duration_ms BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS workflows (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			version INTEGER NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			definition JSONB NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS workflow_executions (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			status TEXT NOT NULL,
			payload JSONB NOT NULL,
			created_at BIGINT NOT NULL
		)`,
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
	for _, stmt := range ddl {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init: %w", err)
		}
	}
	return nil
}

// Close is a no-op; the caller owns the pool.
func (s *Store) Close() error { return nil }

// --- Tasks ---

func (s *Store) SaveTask(ctx context.Context, t maestro.Task) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO tasks
		(id, user_id, goal, context, constraints, priority, deadline, status_phase, status_progress, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			goal = EXCLUDED.goal, context = EXCLUDED.context, constraints = EXCLUDED.constraints,
			priority = EXCLUDED.priority, deadline = EXCLUDED.deadline,
			status_phase = EXCLUDED.status_phase, status_progress = EXCLUDED.status_progress,
			updated_at = EXCLUDED.updated_at`,
		t.ID, t.UserID, t.Goal, jsonb(t.Context), jsonb(t.Constraints),
		string(t.Priority), t.Deadline, string(t.Status.Phase), t.Status.Progress,
		t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return persistErr("save task", err)
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (maestro.Task, error) {
	var t maestro.Task
	var contextJSON, constraintsJSON []byte
	var phase string
	err := s.pool.QueryRow(ctx, `SELECT id, user_id, goal, context, constraints,
		priority, deadline, status_phase, status_progress, created_at, updated_at
		FROM tasks WHERE id = $1`, id).Scan(
		&t.ID, &t.UserID, &t.Goal, &contextJSON, &constraintsJSON,
		&t.Priority, &t.Deadline, &phase, &t.Status.Progress, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return t, maestro.E(maestro.CodeNotFound, "task %s not found", id)
	}
	if err != nil {
		return t, persistErr("get task", err)
	}
	t.Status.Phase = maestro.TaskPhase(phase)
	fromJSONB(contextJSON, &t.Context)
	fromJSONB(constraintsJSON, &t.Constraints)
	return t, nil
}

func (s *Store) UpdateTaskStatus(ctx context.Context, id string, status maestro.TaskStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET status_phase = $1, status_progress = $2, updated_at = $3 WHERE id = $4`,
		string(status.Phase), status.Progress, time.Now().UnixMilli(), id)
	if err != nil {
		return persistErr("update task status", err)
	}
	if tag.RowsAffected() == 0 {
		return maestro.E(maestro.CodeNotFound, "task %s not found", id)
	}
	return nil
}

func (s *Store) ListTasksByUser(ctx context.Context, userID string, f maestro.TaskFilter) ([]maestro.Task, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, user_id, goal, context, constraints,
		priority, deadline, status_phase, status_progress, created_at, updated_at
		FROM tasks WHERE user_id = $1`
	args := []any{userID}
	if f.Phase != "" {
		query += ` AND status_phase = $2 ORDER BY created_at DESC LIMIT $3 OFFSET $4`
		args = append(args, string(f.Phase), limit, f.Offset)
	} else {
		query += ` ORDER BY created_at DESC LIMIT $2 OFFSET $3`
		args = append(args, limit, f.Offset)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, persistErr("list tasks", err)
	}
	defer rows.Close()

	var tasks []maestro.Task
	for rows.Next() {
		var t maestro.Task
		var contextJSON, constraintsJSON []byte
		var phase string
		if err := rows.Scan(&t.ID, &t.UserID, &t.Goal, &contextJSON, &constraintsJSON,
			&t.Priority, &t.Deadline, &phase, &t.Status.Progress, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, persistErr("scan task", err)
		}
		t.Status.Phase = maestro.TaskPhase(phase)
		fromJSONB(contextJSON, &t.Context)
		fromJSONB(constraintsJSON, &t.Constraints)
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *Store) CountTasks(ctx context.Context) (maestro.TaskCounts, error) {
	var c maestro.TaskCounts
	err := s.pool.QueryRow(ctx, `SELECT
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

func (s *Store) SavePlan(ctx context.Context, p maestro.ExecutionPlan) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO plans
		(id, task_id, version, steps, dependencies, error_handling, estimates, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`,
		p.ID, p.TaskID, p.Version, jsonb(p.Steps), jsonb(p.Dependencies),
		jsonb(p.ErrorHandling), jsonb(p.Estimates), p.CreatedAt)
	if err != nil {
		return persistErr("save plan", err)
	}
	return nil
}

func (s *Store) GetPlan(ctx context.Context, taskID string) (maestro.ExecutionPlan, error) {
	var p maestro.ExecutionPlan
	var steps, deps, eh, est []byte
	err := s.pool.QueryRow(ctx, `SELECT id, task_id, version, steps, dependencies,
		error_handling, estimates, created_at
		FROM plans WHERE task_id = $1 ORDER BY version DESC LIMIT 1`, taskID).Scan(
		&p.ID, &p.TaskID, &p.Version, &steps, &deps, &eh, &est, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return p, maestro.E(maestro.CodeNotFound, "no plan for task %s", taskID)
	}
	if err != nil {
		return p, persistErr("get plan", err)
	}
	fromJSONB(steps, &p.Steps)
	fromJSONB(deps, &p.Dependencies)
	fromJSONB(eh, &p.ErrorHandling)
	fromJSONB(est, &p.Estimates)
	return p, nil
}

// --- Step results ---

func (s *Store) SaveStepResult(ctx context.Context, taskID string, r maestro.StepResult) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO step_results (task_id, step_id, status, payload) VALUES ($1, $2, $3, $4)`,
		taskID, r.StepID, string(r.Status), jsonb(r))
	if err != nil {
		return persistErr("save step result", err)
	}
	return nil
}

func (s *Store) GetStepResults(ctx context.Context, taskID string) ([]maestro.StepResult, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT payload FROM step_results WHERE task_id = $1 ORDER BY seq`, taskID)
	if err != nil {
		return nil, persistErr("get step results", err)
	}
	defer rows.Close()

	var results []maestro.StepResult
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, persistErr("scan step result", err)
		}
		var r maestro.StepResult
		if err := json.Unmarshal(payload, &r); err != nil {
			return nil, persistErr("decode step result", err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

func (s *Store) LogError(ctx context.Context, taskID, message, stack string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO error_logs (task_id, message, stack, created_at) VALUES ($1, $2, $3, $4)`,
		taskID, message, stack, time.Now().UnixMilli())
	if err != nil {
		return persistErr("log error", err)
	}
	return nil
}

// --- Jobs ---

func (s *Store) CreateJob(ctx context.Context, j maestro.ScheduledJob) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO jobs
		(id, name, description, schedule, config, enabled, retries, retry_delay_ms, timeout_ms, tags, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		j.ID, j.Name, j.Description, jsonb(j.Schedule), jsonb(j.Config),
		j.Enabled, j.Retries, j.RetryDelayMs, j.TimeoutMs,
		jsonb(j.Tags), jsonb(j.Metadata), j.CreatedAt, j.UpdatedAt)
	if err != nil {
		return persistErr("create job", err)
	}
	return nil
}

func (s *Store) GetJob(ctx context.Context, id string) (maestro.ScheduledJob, error) {
	row := s.pool.QueryRow(ctx, `SELECT id, name, description, schedule, config,
		enabled, retries, retry_delay_ms, timeout_ms, tags, metadata, created_at, updated_at
		FROM jobs WHERE id = $1`, id)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return j, maestro.E(maestro.CodeNotFound, "job %s not found", id)
	}
	if err != nil {
		return j, persistErr("get job", err)
	}
	return j, nil
}

func (s *Store) ListJobs(ctx context.Context, f maestro.JobFilter) ([]maestro.ScheduledJob, error) {
	query := `SELECT id, name, description, schedule, config, enabled, retries,
		retry_delay_ms, timeout_ms, tags, metadata, created_at, updated_at FROM jobs`
	var conds []string
	var args []any
	if f.Enabled != nil {
		args = append(args, *f.Enabled)
		conds = append(conds, fmt.Sprintf("enabled = $%d", len(args)))
	}
	if f.Tag != "" {
		args = append(args, fmt.Sprintf(`["%s"]`, f.Tag))
		conds = append(conds, fmt.Sprintf("tags @> $%d", len(args)))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.pool.Query(ctx, query, args...)
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

func (s *Store) UpdateJob(ctx context.Context, j maestro.ScheduledJob) error {
	tag, err := s.pool.Exec(ctx, `UPDATE jobs SET
		name = $1, description = $2, schedule = $3, config = $4, enabled = $5, retries = $6,
		retry_delay_ms = $7, timeout_ms = $8, tags = $9, metadata = $10, updated_at = $11
		WHERE id = $12`,
		j.Name, j.Description, jsonb(j.Schedule), jsonb(j.Config),
		j.Enabled, j.Retries, j.RetryDelayMs, j.TimeoutMs,
		jsonb(j.Tags), jsonb(j.Metadata), time.Now().UnixMilli(), j.ID)
	if err != nil {
		return persistErr("update job", err)
	}
	if tag.RowsAffected() == 0 {
		return maestro.E(maestro.CodeNotFound, "job %s not found", j.ID)
	}
	return nil
}

func (s *Store) DeleteJob(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, id)
	if err != nil {
		return persistErr("delete job", err)
	}
	if tag.RowsAffected() == 0 {
		return maestro.E(maestro.CodeNotFound, "job %s not found", id)
	}
	_, _ = s.pool.Exec(ctx, `DELETE FROM executions WHERE job_id = $1`, id)
	return nil
}

func (s *Store) SetJobEnabled(ctx context.Context, id string, enabled bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET enabled = $1, updated_at = $2 WHERE id = $3`,
		enabled, time.Now().UnixMilli(), id)
	if err != nil {
		return persistErr("set job enabled", err)
	}
	if tag.RowsAffected() == 0 {
		return maestro.E(maestro.CodeNotFound, "job %s not found", id)
	}
	return nil
}

// --- Executions ---

func (s *Store) InsertExecution(ctx context.Context, e maestro.JobExecution) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO executions
		(id, job_id, status, scheduled_at, started_at, completed_at, result, error, retry_count, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, e.JobID, string(e.Status), e.ScheduledAt, e.StartedAt, e.CompletedAt,
		e.Result, e.Error, e.RetryCount, e.DurationMs)
	if err != nil {
		return persistErr("insert execution", err)
	}
	return nil
}

func (s *Store) UpdateExecution(ctx context.Context, e maestro.JobExecution) error {
	tag, err := s.pool.Exec(ctx, `UPDATE executions SET
		status = $1, started_at = $2, completed_at = $3, result = $4, error = $5, duration_ms = $6
		WHERE id = $7`,
		string(e.Status), e.StartedAt, e.CompletedAt, e.Result, e.Error, e.DurationMs, e.ID)
	if err != nil {
		return persistErr("update execution", err)
	}
	if tag.RowsAffected() == 0 {
		return maestro.E(maestro.CodeNotFound, "execution %s not found", e.ID)
	}
	return nil
}

func (s *Store) ListExecutions(ctx context.Context, f maestro.ExecutionFilter) ([]maestro.JobExecution, error) {
	query := `SELECT id, job_id, status, scheduled_at, started_at, completed_at,
		result, error, retry_count, duration_ms FROM executions`
	var conds []string
	var args []any
	if f.JobID != "" {
		args = append(args, f.JobID)
		conds = append(conds, fmt.Sprintf("job_id = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.Since > 0 {
		args = append(args, f.Since)
		conds = append(conds, fmt.Sprintf("scheduled_at >= $%d", len(args)))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY scheduled_at DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
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

func (s *Store) SaveWorkflow(ctx context.Context, w maestro.WorkflowDefinition) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO workflows
		(id, name, version, user_id, definition, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, version = EXCLUDED.version,
			definition = EXCLUDED.definition, updated_at = EXCLUDED.updated_at`,
		w.ID, w.Name, w.Version, w.UserID, jsonb(w), w.CreatedAt, w.UpdatedAt)
	if err != nil {
		return persistErr("save workflow", err)
	}
	return nil
}

func (s *Store) GetWorkflow(ctx context.Context, id string) (maestro.WorkflowDefinition, error) {
	var w maestro.WorkflowDefinition
	var def []byte
	err := s.pool.QueryRow(ctx,
		`SELECT definition FROM workflows WHERE id = $1`, id).Scan(&def)
	if errors.Is(err, pgx.ErrNoRows) {
		return w, maestro.E(maestro.CodeNotFound, "workflow %s not found", id)
	}
	if err != nil {
		return w, persistErr("get workflow", err)
	}
	if err := json.Unmarshal(def, &w); err != nil {
		return w, persistErr("decode workflow", err)
	}
	return w, nil
}

func (s *Store) ListWorkflows(ctx context.Context, userID string, limit, offset int) ([]maestro.WorkflowDefinition, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT definition FROM workflows`
	var args []any
	if userID != "" {
		args = append(args, userID)
		query += ` WHERE user_id = $1`
	}
	args = append(args, limit, offset)
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, persistErr("list workflows", err)
	}
	defer rows.Close()

	var workflows []maestro.WorkflowDefinition
	for rows.Next() {
		var def []byte
		if err := rows.Scan(&def); err != nil {
			return nil, persistErr("scan workflow", err)
		}
		var w maestro.WorkflowDefinition
		if err := json.Unmarshal(def, &w); err != nil {
			return nil, persistErr("decode workflow", err)
		}
		workflows = append(workflows, w)
	}
	return workflows, rows.Err()
}

func (s *Store) DeleteWorkflow(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM workflows WHERE id = $1`, id)
	if err != nil {
		return persistErr("delete workflow", err)
	}
	if tag.RowsAffected() == 0 {
		return maestro.E(maestro.CodeNotFound, "workflow %s not found", id)
	}
	return nil
}

func (s *Store) CountWorkflows(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM workflows`).Scan(&n); err != nil {
		return 0, persistErr("count workflows", err)
	}
	return n, nil
}

// --- Workflow executions ---

func (s *Store) SaveWorkflowExecution(ctx context.Context, e maestro.WorkflowExecution) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO workflow_executions
		(id, workflow_id, status, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status, payload = EXCLUDED.payload`,
		e.ID, e.WorkflowID, string(e.Status), jsonb(e), e.CreatedAt)
	if err != nil {
		return persistErr("save workflow execution", err)
	}
	return nil
}

func (s *Store) GetWorkflowExecution(ctx context.Context, id string) (maestro.WorkflowExecution, error) {
	var e maestro.WorkflowExecution
	var payload []byte
	err := s.pool.QueryRow(ctx,
		`SELECT payload FROM workflow_executions WHERE id = $1`, id).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return e, maestro.E(maestro.CodeNotFound, "workflow execution %s not found", id)
	}
	if err != nil {
		return e, persistErr("get workflow execution", err)
	}
	if err := json.Unmarshal(payload, &e); err != nil {
		return e, persistErr("decode workflow execution", err)
	}
	return e, nil
}

func (s *Store) ListWorkflowExecutions(ctx context.Context, workflowID string, limit int) ([]maestro.WorkflowExecution, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `SELECT payload FROM workflow_executions
		WHERE workflow_id = $1 ORDER BY created_at DESC LIMIT $2`, workflowID, limit)
	if err != nil {
		return nil, persistErr("list workflow executions", err)
	}
	defer rows.Close()

	var execs []maestro.WorkflowExecution
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, persistErr("scan workflow execution", err)
		}
		var e maestro.WorkflowExecution
		if err := json.Unmarshal(payload, &e); err != nil {
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
	var schedule, config, tags, metadata []byte
	err := row.Scan(&j.ID, &j.Name, &j.Description, &schedule, &config, &j.Enabled,
		&j.Retries, &j.RetryDelayMs, &j.TimeoutMs, &tags, &metadata, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return j, err
	}
	fromJSONB(schedule, &j.Schedule)
	fromJSONB(config, &j.Config)
	fromJSONB(tags, &j.Tags)
	fromJSONB(metadata, &j.Metadata)
	return j, nil
}

// jsonb renders v as JSON bytes, or nil for nil-ish values.
func jsonb(v any) any {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}

func fromJSONB[T any](src []byte, dst *T) {
	if len(src) > 0 {
		_ = json.Unmarshal(src, dst)
	}
}

func persistErr(op string, err error) error {
	return maestro.E(maestro.CodePersistence, "%s: %v", op, err)
}
