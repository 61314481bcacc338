package maestro

import "encoding/json"

// --- Task ---

// TaskPhase is the lifecycle phase of a Task. Valid transitions are a subset
// of planning -> executing -> (completed | failed); a task never returns to
// planning.
type TaskPhase string

const (
	PhasePlanning  TaskPhase = "planning"
	PhaseExecuting TaskPhase = "executing"
	PhaseCompleted TaskPhase = "completed"
	PhaseFailed    TaskPhase = "failed"
)

// Priority orders tasks by urgency.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// TaskStatus combines the lifecycle phase with fractional progress.
type TaskStatus struct {
	Phase    TaskPhase `json:"phase"`
	Progress float64   `json:"progress"` // 0..1
}

// Task is a unit of user intent. Created on message submission and mutated
// only by the orchestrator that owns its run.
type Task struct {
	ID          string         `json:"id"`
	UserID      string         `json:"user_id"`
	Goal        string         `json:"goal"`
	Context     map[string]any `json:"context,omitempty"`
	Constraints []string       `json:"constraints,omitempty"`
	Priority    Priority       `json:"priority"`
	Deadline    int64          `json:"deadline,omitempty"` // unix ms, 0 = none
	Status      TaskStatus     `json:"status"`
	CreatedAt   int64          `json:"created_at"`
	UpdatedAt   int64          `json:"updated_at"`
}

// --- Plan ---

// ErrorMode selects the group-boundary error policy during plan execution.
type ErrorMode string

const (
	ErrorAbort ErrorMode = "abort"
	ErrorRetry ErrorMode = "retry"
	ErrorSkip  ErrorMode = "skip"
)

// ErrorHandling holds the plan-wide default policy and per-step overrides.
type ErrorHandling struct {
	Default       ErrorMode            `json:"default"`
	StepOverrides map[string]ErrorMode `json:"step_overrides,omitempty"`
}

// PlanEstimates are advisory numbers produced at synthesis time.
type PlanEstimates struct {
	DurationMs int64   `json:"duration_ms"`
	Cost       float64 `json:"cost"`
	Confidence float64 `json:"confidence"`
}

// ExecutionPlan is the versioned plan for one Task. The dependency graph
// over Steps must be acyclic and every dependency must name a step in the
// same plan.
type ExecutionPlan struct {
	ID            string              `json:"id"`
	TaskID        string              `json:"task_id"`
	Version       int                 `json:"version"`
	Steps         []PlanStep          `json:"steps"`
	Dependencies  map[string][]string `json:"dependencies,omitempty"` // stepID -> dependsOn
	ErrorHandling ErrorHandling       `json:"error_handling"`
	Estimates     PlanEstimates       `json:"estimates"`
	CreatedAt     int64               `json:"created_at"`
}

// AgentAction describes what an agent should do for a step.
type AgentAction struct {
	Type   string         `json:"type"`
	Params map[string]any `json:"params,omitempty"`
}

// InputSource selects how a StepInput value is resolved.
type InputSource string

const (
	SourceLiteral InputSource = "literal"
	SourceStep    InputSource = "step"    // a previous step's output
	SourceContext InputSource = "context" // task context by key
)

// StepInput declares one named input of a plan step.
type StepInput struct {
	Name     string      `json:"name"`
	Source   InputSource `json:"source"`
	Value    any         `json:"value,omitempty"`   // literal
	StepID   string      `json:"step_id,omitempty"` // step source
	Path     string      `json:"path,omitempty"`    // dotted path into step output
	Key      string      `json:"key,omitempty"`     // context source
	Required bool        `json:"required"`
	Default  any         `json:"default,omitempty"`
}

// PlanStep is an atomic agent action inside an ExecutionPlan.
type PlanStep struct {
	ID               string      `json:"id"`
	Name             string      `json:"name"`
	Description      string      `json:"description,omitempty"`
	AgentID          string      `json:"agent_id"`
	Action           AgentAction `json:"action"`
	Inputs           []StepInput `json:"inputs,omitempty"`
	TimeoutMs        int64       `json:"timeout_ms,omitempty"`
	MaxRetries       int         `json:"max_retries"`
	RetryDelayMs     int64       `json:"retry_delay_ms,omitempty"`
	RequiresApproval bool        `json:"requires_approval,omitempty"`
	ApprovalPrompt   string      `json:"approval_prompt,omitempty"`
}

// UnmarshalJSON decodes a step with max_retries defaulting to -1 (unset)
// when the field is absent. An explicit zero still means no retries.
func (s *PlanStep) UnmarshalJSON(data []byte) error {
	type planStep PlanStep
	aux := planStep{MaxRetries: -1}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*s = PlanStep(aux)
	return nil
}

// --- Step results ---

// StepStatus is the terminal state of a step execution.
type StepStatus string

const (
	StepSuccess StepStatus = "success"
	StepFailed  StepStatus = "failed"
)

// LogEntry is one log line captured during a step execution.
type LogEntry struct {
	Level     string `json:"level"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// ToolCallRecord captures a single tool invocation made by an agent.
type ToolCallRecord struct {
	ToolName   string          `json:"tool_name"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     string          `json:"output,omitempty"`
	Error      string          `json:"error,omitempty"`
	DurationMs int64           `json:"duration_ms"`
	Timestamp  int64           `json:"timestamp"`
}

// StepResult is the append-only outcome of executing one plan step.
type StepResult struct {
	StepID      string           `json:"step_id"`
	Status      StepStatus       `json:"status"`
	Output      any              `json:"output,omitempty"`
	Err         *Error           `json:"error,omitempty"`
	StartedAt   int64            `json:"started_at"`
	CompletedAt int64            `json:"completed_at"`
	DurationMs  int64            `json:"duration_ms"`
	Cost        float64          `json:"cost"`
	Logs        []LogEntry       `json:"logs,omitempty"`
	ToolCalls   []ToolCallRecord `json:"tool_calls,omitempty"`
}

// --- Scheduler ---

// ScheduleKind discriminates the Schedule variant.
type ScheduleKind string

const (
	ScheduleCron     ScheduleKind = "cron"
	ScheduleInterval ScheduleKind = "interval"
	ScheduleOnce     ScheduleKind = "once"
)

// Schedule is a tagged union over cron/interval/once triggers.
type Schedule struct {
	Kind       ScheduleKind `json:"kind"`
	Expr       string       `json:"expr,omitempty"`        // cron
	IntervalMs int64        `json:"interval_ms,omitempty"` // interval
	At         int64        `json:"at,omitempty"`          // once, unix ms
}

// JobKind discriminates the JobConfig variant.
type JobKind string

const (
	JobTask     JobKind = "task"
	JobWorkflow JobKind = "workflow"
	JobWebhook  JobKind = "webhook"
	JobCommand  JobKind = "command"
)

// JobConfig is a tagged union over the four job payloads.
type JobConfig struct {
	Kind JobKind `json:"kind"`

	// task
	Message string `json:"message,omitempty"`

	// workflow
	WorkflowID string         `json:"workflow_id,omitempty"`
	Input      map[string]any `json:"input,omitempty"`

	// webhook
	URL     string            `json:"url,omitempty"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`

	// command
	Command string `json:"command,omitempty"`
	Dir     string `json:"dir,omitempty"`
}

// ScheduledJob is a persistent trigger owned by the scheduler.
type ScheduledJob struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Description  string         `json:"description,omitempty"`
	Schedule     Schedule       `json:"schedule"`
	Config       JobConfig      `json:"config"`
	Enabled      bool           `json:"enabled"`
	Retries      int            `json:"retries"`
	RetryDelayMs int64          `json:"retry_delay_ms"`
	TimeoutMs    int64          `json:"timeout_ms"`
	Tags         []string       `json:"tags,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    int64          `json:"created_at"`
	UpdatedAt    int64          `json:"updated_at"`
}

// ExecStatus is the state of a job execution row.
type ExecStatus string

const (
	ExecPending   ExecStatus = "pending"
	ExecRunning   ExecStatus = "running"
	ExecCompleted ExecStatus = "completed"
	ExecFailed    ExecStatus = "failed"
	ExecCancelled ExecStatus = "cancelled"
	ExecTimeout   ExecStatus = "timeout"
)

// JobExecution is one run of a ScheduledJob. Rows are append-only except for
// status transitions on the same row; retries create new rows linked by an
// incremented RetryCount.
type JobExecution struct {
	ID          string     `json:"id"`
	JobID       string     `json:"job_id"`
	Status      ExecStatus `json:"status"`
	ScheduledAt int64      `json:"scheduled_at"`
	StartedAt   int64      `json:"started_at,omitempty"`
	CompletedAt int64      `json:"completed_at,omitempty"`
	Result      string     `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	RetryCount  int        `json:"retry_count"`
	DurationMs  int64      `json:"duration_ms,omitempty"`
}

// --- Workflow ---

// NodeType identifies the behavior of a workflow node.
type NodeType string

const (
	NodeStart      NodeType = "start"
	NodeEnd        NodeType = "end"
	NodeTask       NodeType = "task"
	NodeDecision   NodeType = "decision"
	NodeParallel   NodeType = "parallel"
	NodeLoop       NodeType = "loop"
	NodeWait       NodeType = "wait"
	NodeHumanInput NodeType = "human_input"
	NodeWebhook    NodeType = "webhook"
	NodeTransform  NodeType = "transform"
)

// DecisionBranch is one ordered condition of a decision node.
type DecisionBranch struct {
	Expr   string `json:"expr"`
	Target string `json:"target"`
}

// TransformOp is one operation of a transform node, applied in order.
// Op is one of map, filter, reduce, extract, format, merge.
type TransformOp struct {
	Op      string   `json:"op"`
	Source  string   `json:"source,omitempty"`  // variable name to read
	Expr    string   `json:"expr,omitempty"`    // map/filter/reduce expression over "item"
	Field   string   `json:"field,omitempty"`   // extract: dotted path
	Format  string   `json:"format,omitempty"`  // format: ${var} template
	Sources []string `json:"sources,omitempty"` // merge
}

// NodeConfig holds the per-type configuration of a workflow node. Fields are
// grouped by the node type that reads them; unrelated fields are ignored.
type NodeConfig struct {
	// task
	AgentID  string `json:"agent_id,omitempty"`
	Task     string `json:"task,omitempty"` // ${var} placeholders allowed
	OutputTo string `json:"output_to,omitempty"`

	// decision
	Conditions    []DecisionBranch `json:"conditions,omitempty"`
	DefaultTarget string           `json:"default_target,omitempty"`

	// parallel
	Branches []string `json:"branches,omitempty"`
	WaitFor  string   `json:"wait_for,omitempty"` // "all", "any", or a number

	// loop
	Collection    string `json:"collection,omitempty"`
	Iterator      string `json:"iterator,omitempty"`
	Body          string `json:"body,omitempty"` // single sub-node id
	MaxIterations int    `json:"max_iterations,omitempty"`

	// wait
	DurationMs int64  `json:"duration_ms,omitempty"`
	Event      string `json:"event,omitempty"`
	Until      string `json:"until,omitempty"`

	// human_input
	Prompt string   `json:"prompt,omitempty"`
	Fields []string `json:"fields,omitempty"`

	// webhook
	URL     string            `json:"url,omitempty"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Payload string            `json:"payload,omitempty"`

	// transform
	Operations []TransformOp `json:"operations,omitempty"`
	Output     string        `json:"output,omitempty"`
}

// WorkflowNode is one node of a workflow graph.
type WorkflowNode struct {
	ID     string     `json:"id"`
	Type   NodeType   `json:"type"`
	Config NodeConfig `json:"config"`
}

// WorkflowEdge connects two workflow nodes. A non-empty Condition is
// evaluated against execution variables; the edge is only followed when it
// holds.
type WorkflowEdge struct {
	ID        string `json:"id"`
	Source    string `json:"source"`
	Target    string `json:"target"`
	Condition string `json:"condition,omitempty"`
}

// WorkflowDefinition is a persisted node graph.
type WorkflowDefinition struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Version   int               `json:"version"`
	UserID    string            `json:"user_id,omitempty"`
	Inputs    map[string]string `json:"inputs,omitempty"` // name -> type hint
	Nodes     []WorkflowNode    `json:"nodes"`
	Edges     []WorkflowEdge    `json:"edges,omitempty"`
	Variables map[string]any    `json:"variables,omitempty"`
	Metadata  map[string]any    `json:"metadata,omitempty"`
	CreatedAt int64             `json:"created_at"`
	UpdatedAt int64             `json:"updated_at"`
}

// WorkflowStatus is the state of a workflow execution.
type WorkflowStatus string

const (
	WorkflowPending   WorkflowStatus = "pending"
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowPaused    WorkflowStatus = "paused"
	WorkflowWaiting   WorkflowStatus = "waiting"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowFailed    WorkflowStatus = "failed"
	WorkflowCancelled WorkflowStatus = "cancelled"
)

// NodeExecution records one node run inside a workflow execution.
type NodeExecution struct {
	NodeID      string     `json:"node_id"`
	Status      ExecStatus `json:"status"`
	StartedAt   int64      `json:"started_at"`
	CompletedAt int64      `json:"completed_at,omitempty"`
	Output      any        `json:"output,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// WorkflowExecution is one run of a WorkflowDefinition.
type WorkflowExecution struct {
	ID           string          `json:"id"`
	WorkflowID   string          `json:"workflow_id"`
	Status       WorkflowStatus  `json:"status"`
	Input        map[string]any  `json:"input,omitempty"`
	Output       any             `json:"output,omitempty"`
	Variables    map[string]any  `json:"variables,omitempty"`
	Nodes        []NodeExecution `json:"nodes,omitempty"`
	CurrentNodes []string        `json:"current_nodes,omitempty"`
	Error        string          `json:"error,omitempty"`
	CreatedAt    int64           `json:"created_at"`
	StartedAt    int64           `json:"started_at,omitempty"`
	CompletedAt  int64           `json:"completed_at,omitempty"`
}

// --- LLM protocol types ---

// ChatMessage is one turn of a provider conversation.
type ChatMessage struct {
	Role       string     `json:"role"` // "system", "user", "assistant", "tool"
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// ChatRequest is the uniform provider request.
type ChatRequest struct {
	Messages      []ChatMessage    `json:"messages"`
	System        string           `json:"system,omitempty"`
	Tools         []ToolDefinition `json:"tools,omitempty"`
	MaxTokens     int              `json:"max_tokens,omitempty"`
	Temperature   float64          `json:"temperature,omitempty"`
	StopSequences []string         `json:"stop_sequences,omitempty"`
}

// ChatResponse is the uniform provider response.
type ChatResponse struct {
	Content    string     `json:"content"`
	StopReason string     `json:"stop_reason,omitempty"` // "end_turn", "tool_use", "max_tokens"
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	Usage      Usage      `json:"usage"`
}

// Usage tracks token consumption of a provider call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ToolDefinition is the provider-facing manifest entry for one tool.
type ToolDefinition struct {
	Name                 string          `json:"name"`
	Description          string          `json:"description"`
	Parameters           json.RawMessage `json:"parameters"` // JSON Schema
	RequiresConfirmation bool            `json:"requires_confirmation,omitempty"`
	CostPerCall          float64         `json:"cost_per_call,omitempty"`
}

// --- ChatMessage constructors ---

func UserMessage(text string) ChatMessage {
	return ChatMessage{Role: "user", Content: text}
}

func SystemMessage(text string) ChatMessage {
	return ChatMessage{Role: "system", Content: text}
}

func AssistantMessage(text string) ChatMessage {
	return ChatMessage{Role: "assistant", Content: text}
}

func ToolResultMessage(callID, content string) ChatMessage {
	return ChatMessage{Role: "tool", Content: content, ToolCallID: callID}
}
