package maestro

import (
	"context"
	"sort"
	"sync"
	"time"
)

// --- Provider stub (shared across planner, orchestrator, retry tests) ---

type stubResult struct {
	resp ChatResponse
	err  error
}

// stubProvider replays scripted results in order. After the script is
// exhausted it answers with a plain "ok".
type stubProvider struct {
	mu      sync.Mutex
	results []stubResult
	calls   int
	reqs    []ChatRequest
	name    string
}

func (s *stubProvider) Chat(_ context.Context, req ChatRequest) (ChatResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reqs = append(s.reqs, req)
	i := s.calls
	s.calls++
	if i < len(s.results) {
		return s.results[i].resp, s.results[i].err
	}
	return ChatResponse{Content: "ok", StopReason: "end_turn"}, nil
}

func (s *stubProvider) Available() bool { return true }
func (s *stubProvider) Model() string   { return "stub-model" }
func (s *stubProvider) SetModel(string) {}
func (s *stubProvider) Name() string {
	if s.name != "" {
		return s.name
	}
	return "stub"
}

func (s *stubProvider) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// --- Agent stub ---

// stubAgent fails its first failFirst executions, then returns output.
type stubAgent struct {
	name      string
	output    any
	failFirst int
	delay     time.Duration

	mu    sync.Mutex
	calls int
}

func (a *stubAgent) Name() string           { return a.name }
func (a *stubAgent) Description() string    { return "stub agent" }
func (a *stubAgent) Capabilities() []string { return []string{"stub"} }

func (a *stubAgent) Execute(ctx context.Context, _ AgentAction, _ map[string]any, cb Callbacks) (AgentResult, error) {
	a.mu.Lock()
	a.calls++
	n := a.calls
	a.mu.Unlock()
	if a.delay > 0 {
		select {
		case <-time.After(a.delay):
		case <-ctx.Done():
			return AgentResult{}, ctx.Err()
		}
	}
	if n <= a.failFirst {
		return AgentResult{}, E(CodeStepFailed, "attempt %d failed", n)
	}
	cb.Log("info", "stub agent done")
	out := a.output
	if out == nil {
		out = map[string]any{"summary": "done by " + a.name}
	}
	return AgentResult{Output: out}, nil
}

func (a *stubAgent) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

// --- In-memory store ---

// memStore is a map-backed Store for tests. Semantics match the SQL stores:
// newest-first listings, highest-version plans, append-only step results.
type memStore struct {
	mu          sync.Mutex
	tasks       map[string]Task
	plans       map[string][]ExecutionPlan
	stepResults map[string][]StepResult
	errorLogs   []string
	jobs        map[string]ScheduledJob
	executions  []JobExecution
	workflows   map[string]WorkflowDefinition
	wfExecs     map[string]WorkflowExecution
}

func newMemStore() *memStore {
	return &memStore{
		tasks:       make(map[string]Task),
		plans:       make(map[string][]ExecutionPlan),
		stepResults: make(map[string][]StepResult),
		jobs:        make(map[string]ScheduledJob),
		workflows:   make(map[string]WorkflowDefinition),
		wfExecs:     make(map[string]WorkflowExecution),
	}
}

func (m *memStore) Init(context.Context) error { return nil }
func (m *memStore) Close() error               { return nil }

func (m *memStore) SaveTask(_ context.Context, t Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[t.ID] = t
	return nil
}

func (m *memStore) GetTask(_ context.Context, id string) (Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return Task{}, E(CodeNotFound, "task %s not found", id)
	}
	return t, nil
}

func (m *memStore) UpdateTaskStatus(_ context.Context, id string, status TaskStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return E(CodeNotFound, "task %s not found", id)
	}
	t.Status = status
	t.UpdatedAt = NowMillis()
	m.tasks[id] = t
	return nil
}

func (m *memStore) ListTasksByUser(_ context.Context, userID string, f TaskFilter) ([]Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Task
	for _, t := range m.tasks {
		if t.UserID == userID && (f.Phase == "" || t.Status.Phase == f.Phase) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	offset := f.Offset
	if offset > len(out) {
		offset = len(out)
	}
	out = out[offset:]
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *memStore) CountTasks(context.Context) (TaskCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var c TaskCounts
	for _, t := range m.tasks {
		c.Total++
		switch t.Status.Phase {
		case PhaseCompleted:
			c.Completed++
		case PhaseFailed:
			c.Failed++
		case PhasePlanning, PhaseExecuting:
			c.Running++
		}
	}
	return c, nil
}

func (m *memStore) SavePlan(_ context.Context, p ExecutionPlan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plans[p.TaskID] = append(m.plans[p.TaskID], p)
	return nil
}

func (m *memStore) GetPlan(_ context.Context, taskID string) (ExecutionPlan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	plans := m.plans[taskID]
	if len(plans) == 0 {
		return ExecutionPlan{}, E(CodeNotFound, "no plan for task %s", taskID)
	}
	best := plans[0]
	for _, p := range plans[1:] {
		if p.Version > best.Version {
			best = p
		}
	}
	return best, nil
}

func (m *memStore) SaveStepResult(_ context.Context, taskID string, r StepResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stepResults[taskID] = append(m.stepResults[taskID], r)
	return nil
}

func (m *memStore) GetStepResults(_ context.Context, taskID string) ([]StepResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]StepResult(nil), m.stepResults[taskID]...), nil
}

func (m *memStore) LogError(_ context.Context, taskID, message, stack string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errorLogs = append(m.errorLogs, taskID+": "+message)
	return nil
}

func (m *memStore) CreateJob(_ context.Context, j ScheduledJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[j.ID] = j
	return nil
}

func (m *memStore) GetJob(_ context.Context, id string) (ScheduledJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return ScheduledJob{}, E(CodeNotFound, "job %s not found", id)
	}
	return j, nil
}

func (m *memStore) ListJobs(_ context.Context, f JobFilter) ([]ScheduledJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ScheduledJob
	for _, j := range m.jobs {
		if f.Enabled != nil && j.Enabled != *f.Enabled {
			continue
		}
		if f.Tag != "" && !containsString(j.Tags, f.Tag) {
			continue
		}
		out = append(out, j)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	return out, nil
}

func (m *memStore) UpdateJob(_ context.Context, j ScheduledJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[j.ID]; !ok {
		return E(CodeNotFound, "job %s not found", j.ID)
	}
	m.jobs[j.ID] = j
	return nil
}

func (m *memStore) DeleteJob(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[id]; !ok {
		return E(CodeNotFound, "job %s not found", id)
	}
	delete(m.jobs, id)
	return nil
}

func (m *memStore) SetJobEnabled(_ context.Context, id string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return E(CodeNotFound, "job %s not found", id)
	}
	j.Enabled = enabled
	m.jobs[id] = j
	return nil
}

func (m *memStore) InsertExecution(_ context.Context, e JobExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executions = append(m.executions, e)
	return nil
}

func (m *memStore) UpdateExecution(_ context.Context, e JobExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.executions {
		if m.executions[i].ID == e.ID {
			m.executions[i] = e
			return nil
		}
	}
	return E(CodeNotFound, "execution %s not found", e.ID)
}

func (m *memStore) ListExecutions(_ context.Context, f ExecutionFilter) ([]JobExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []JobExecution
	for _, e := range m.executions {
		if f.JobID != "" && e.JobID != f.JobID {
			continue
		}
		if f.Status != "" && e.Status != f.Status {
			continue
		}
		if f.Since != 0 && e.ScheduledAt < f.Since {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt > out[j].ScheduledAt })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *memStore) SaveWorkflow(_ context.Context, w WorkflowDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workflows[w.ID] = w
	return nil
}

func (m *memStore) GetWorkflow(_ context.Context, id string) (WorkflowDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workflows[id]
	if !ok {
		return WorkflowDefinition{}, E(CodeNotFound, "workflow %s not found", id)
	}
	return w, nil
}

func (m *memStore) ListWorkflows(_ context.Context, userID string, limit, offset int) ([]WorkflowDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []WorkflowDefinition
	for _, w := range m.workflows {
		if userID == "" || w.UserID == userID {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	if offset > len(out) {
		offset = len(out)
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) DeleteWorkflow(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workflows[id]; !ok {
		return E(CodeNotFound, "workflow %s not found", id)
	}
	delete(m.workflows, id)
	return nil
}

func (m *memStore) CountWorkflows(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.workflows), nil
}

func (m *memStore) SaveWorkflowExecution(_ context.Context, e WorkflowExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wfExecs[e.ID] = e
	return nil
}

func (m *memStore) GetWorkflowExecution(_ context.Context, id string) (WorkflowExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.wfExecs[id]
	if !ok {
		return WorkflowExecution{}, E(CodeNotFound, "workflow execution %s not found", id)
	}
	return e, nil
}

func (m *memStore) ListWorkflowExecutions(_ context.Context, workflowID string, limit int) ([]WorkflowExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []WorkflowExecution
	for _, e := range m.wfExecs {
		if e.WorkflowID == workflowID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func containsString(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

var _ Store = (*memStore)(nil)
var _ Provider = (*stubProvider)(nil)
var _ Agent = (*stubAgent)(nil)
