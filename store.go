package maestro

import "context"

// TaskFilter narrows ListTasksByUser results. A zero Phase matches every
// phase; Limit 0 falls back to the store default page size.
type TaskFilter struct {
	Phase  TaskPhase
	Limit  int
	Offset int
}

// JobFilter narrows ListJobs results. Nil/zero fields match everything.
type JobFilter struct {
	Enabled *bool
	Tag     string
}

// ExecutionFilter narrows ListExecutions results. Zero fields match
// everything; Limit 0 means no limit.
type ExecutionFilter struct {
	JobID  string
	Status ExecStatus
	Since  int64 // scheduled_at >= Since (unix ms)
	Limit  int
}

// TaskCounts is the task portion of the stats surface.
type TaskCounts struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Running   int `json:"running"`
}

// Store is the persistence façade. Implementations serialise individual
// statements; no multi-row transactions are required. All write operations
// are single-row atomic, and a write error during a running step is fatal
// for that step.
type Store interface {
	// Init creates the schema. Idempotent.
	Init(ctx context.Context) error
	Close() error

	// Tasks.
	SaveTask(ctx context.Context, t Task) error
	GetTask(ctx context.Context, id string) (Task, error)
	UpdateTaskStatus(ctx context.Context, id string, status TaskStatus) error
	ListTasksByUser(ctx context.Context, userID string, f TaskFilter) ([]Task, error)
	CountTasks(ctx context.Context) (TaskCounts, error)

	// Plans. GetPlan returns the highest-version plan for the task.
	SavePlan(ctx context.Context, p ExecutionPlan) error
	GetPlan(ctx context.Context, taskID string) (ExecutionPlan, error)

	// Step results. Append-only; GetStepResults returns insertion order.
	SaveStepResult(ctx context.Context, taskID string, r StepResult) error
	GetStepResults(ctx context.Context, taskID string) ([]StepResult, error)

	// Error log.
	LogError(ctx context.Context, taskID, message, stack string) error

	// Scheduler jobs.
	CreateJob(ctx context.Context, j ScheduledJob) error
	GetJob(ctx context.Context, id string) (ScheduledJob, error)
	ListJobs(ctx context.Context, f JobFilter) ([]ScheduledJob, error)
	UpdateJob(ctx context.Context, j ScheduledJob) error
	DeleteJob(ctx context.Context, id string) error
	SetJobEnabled(ctx context.Context, id string, enabled bool) error

	// Job executions.
	InsertExecution(ctx context.Context, e JobExecution) error
	UpdateExecution(ctx context.Context, e JobExecution) error
	ListExecutions(ctx context.Context, f ExecutionFilter) ([]JobExecution, error)

	// Workflows.
	SaveWorkflow(ctx context.Context, w WorkflowDefinition) error
	GetWorkflow(ctx context.Context, id string) (WorkflowDefinition, error)
	ListWorkflows(ctx context.Context, userID string, limit, offset int) ([]WorkflowDefinition, error)
	DeleteWorkflow(ctx context.Context, id string) error
	CountWorkflows(ctx context.Context) (int, error)

	// Workflow executions. Append-only rows with status transitions.
	SaveWorkflowExecution(ctx context.Context, e WorkflowExecution) error
	GetWorkflowExecution(ctx context.Context, id string) (WorkflowExecution, error)
	ListWorkflowExecutions(ctx context.Context, workflowID string, limit int) ([]WorkflowExecution, error)
}
