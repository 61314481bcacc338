package maestro

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

const (
	// maxNodeExecutions bounds a single workflow run against cyclic graphs.
	maxNodeExecutions = 1000

	defaultLoopIterations = 100
	untilPollInterval     = time.Second
)

// HumanInputHandler collects values for a human_input node. A nil handler
// parks the execution in the waiting status until Resume is called.
type HumanInputHandler func(ctx context.Context, prompt string, fields []string) (map[string]any, error)

// engineConfig holds options accumulated by EngineOption calls.
type engineConfig struct {
	logger     *slog.Logger
	tracer     Tracer
	httpClient *http.Client
	humanInput HumanInputHandler
}

// EngineOption configures a WorkflowEngine.
type EngineOption func(*engineConfig)

// WithEngineLogger sets the structured logger.
func WithEngineLogger(l *slog.Logger) EngineOption {
	return func(c *engineConfig) { c.logger = l }
}

// WithEngineTracer sets the tracer for per-node spans.
func WithEngineTracer(t Tracer) EngineOption {
	return func(c *engineConfig) { c.tracer = t }
}

// WithEngineHTTPClient sets the client used by webhook nodes.
func WithEngineHTTPClient(client *http.Client) EngineOption {
	return func(c *engineConfig) { c.httpClient = client }
}

// WithHumanInput sets the host callback for human_input nodes.
func WithHumanInput(h HumanInputHandler) EngineOption {
	return func(c *engineConfig) { c.humanInput = h }
}

// WorkflowEngine executes workflow definitions. Node graphs are traversed
// from the start node by advancing a frontier of current node ids; the
// execution completes when the frontier drains.
type WorkflowEngine struct {
	store      Store
	agents     *AgentRegistry
	logger     *slog.Logger
	tracer     Tracer
	httpClient *http.Client
	humanInput HumanInputHandler

	mu      sync.Mutex
	signals map[string]chan string         // execution id -> event names
	resumes map[string]chan map[string]any // execution id -> human input values
}

// NewWorkflowEngine creates a WorkflowEngine backed by the given store and
// agent registry.
func NewWorkflowEngine(store Store, agents *AgentRegistry, opts ...EngineOption) *WorkflowEngine {
	cfg := engineConfig{
		logger:     nopLogger,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &WorkflowEngine{
		store:      store,
		agents:     agents,
		logger:     cfg.logger,
		tracer:     cfg.tracer,
		httpClient: cfg.httpClient,
		humanInput: cfg.humanInput,
		signals:    make(map[string]chan string),
		resumes:    make(map[string]chan map[string]any),
	}
}

// ValidateWorkflow checks the structural invariants of a definition: exactly
// one start node, known edge endpoints, and at least one outgoing edge on
// every non-end node whose config does not define its own successors.
func ValidateWorkflow(def *WorkflowDefinition) error {
	nodes := make(map[string]WorkflowNode, len(def.Nodes))
	starts := 0
	for _, n := range def.Nodes {
		if _, dup := nodes[n.ID]; dup {
			return E(CodeValidation, "workflow %s: duplicate node id %q", def.ID, n.ID)
		}
		nodes[n.ID] = n
		if n.Type == NodeStart {
			starts++
		}
	}
	if starts != 1 {
		return E(CodeValidation, "workflow %s: want exactly one start node, got %d", def.ID, starts)
	}

	outgoing := make(map[string]int)
	for _, e := range def.Edges {
		if _, ok := nodes[e.Source]; !ok {
			return E(CodeValidation, "workflow %s: edge %s references unknown source %q", def.ID, e.ID, e.Source)
		}
		if _, ok := nodes[e.Target]; !ok {
			return E(CodeValidation, "workflow %s: edge %s references unknown target %q", def.ID, e.ID, e.Target)
		}
		outgoing[e.Source]++
	}

	// Parallel branches and loop bodies are sub-nodes; traversal returns to
	// the owning node, so they carry no edges of their own.
	subNodes := make(map[string]bool)
	for _, n := range def.Nodes {
		for _, b := range n.Config.Branches {
			subNodes[b] = true
		}
		if n.Type == NodeLoop && n.Config.Body != "" {
			subNodes[n.Config.Body] = true
		}
	}

	for _, n := range def.Nodes {
		if n.Type == NodeEnd || outgoing[n.ID] > 0 || subNodes[n.ID] {
			continue
		}
		// Nodes that route through their own config need no plain edges.
		switch n.Type {
		case NodeDecision:
			if len(n.Config.Conditions) > 0 || n.Config.DefaultTarget != "" {
				continue
			}
		case NodeParallel:
			if len(n.Config.Branches) > 0 {
				continue
			}
		case NodeLoop:
			if n.Config.Body != "" {
				continue
			}
		}
		return E(CodeValidation, "workflow %s: node %q has no outgoing edge", def.ID, n.ID)
	}
	return nil
}

// Execute runs a workflow to a terminal status. It blocks while wait and
// human_input nodes hold the execution; callers typically run it in a
// goroutine and observe progress through the store.
func (e *WorkflowEngine) Execute(ctx context.Context, workflowID string, input map[string]any) (*WorkflowExecution, error) {
	run, err := e.prepare(ctx, workflowID, input)
	if err != nil {
		return nil, err
	}
	return e.run(ctx, run), nil
}

// ExecuteAsync starts an execution and returns as soon as its record exists.
// The traversal continues in the background; poll the store or use Signal and
// Resume to interact with it.
func (e *WorkflowEngine) ExecuteAsync(ctx context.Context, workflowID string, input map[string]any) (*WorkflowExecution, error) {
	run, err := e.prepare(ctx, workflowID, input)
	if err != nil {
		return nil, err
	}
	snapshot := *run.exec
	go e.run(context.WithoutCancel(ctx), run)
	return &snapshot, nil
}

func (e *WorkflowEngine) prepare(ctx context.Context, workflowID string, input map[string]any) (*workflowRun, error) {
	def, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if err := ValidateWorkflow(&def); err != nil {
		return nil, err
	}

	exec := &WorkflowExecution{
		ID:         NewID(),
		WorkflowID: workflowID,
		Status:     WorkflowRunning,
		Input:      input,
		Variables:  make(map[string]any, len(def.Variables)+len(input)),
		CreatedAt:  NowMillis(),
		StartedAt:  NowMillis(),
	}
	for k, v := range def.Variables {
		exec.Variables[k] = v
	}
	for k, v := range input {
		exec.Variables[k] = v
	}
	if err := e.store.SaveWorkflowExecution(ctx, *exec); err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.signals[exec.ID] = make(chan string, 8)
	e.resumes[exec.ID] = make(chan map[string]any, 1)
	e.mu.Unlock()

	return &workflowRun{engine: e, def: &def, exec: exec}, nil
}

func (e *WorkflowEngine) run(ctx context.Context, run *workflowRun) *WorkflowExecution {
	exec := run.exec
	workflowID := exec.WorkflowID
	defer func() {
		e.mu.Lock()
		delete(e.signals, exec.ID)
		delete(e.resumes, exec.ID)
		e.mu.Unlock()
	}()

	if err := run.traverse(ctx); err != nil {
		exec.Status = WorkflowFailed
		if CodeOf(err) == CodeCancelled {
			exec.Status = WorkflowCancelled
		}
		exec.Error = err.Error()
		exec.CompletedAt = NowMillis()
		e.persist(ctx, exec)
		e.logger.Warn("workflow failed", "workflow", workflowID, "execution", exec.ID, "error", err)
		return exec
	}

	exec.Status = WorkflowCompleted
	exec.CompletedAt = NowMillis()
	if out, ok := exec.Variables["output"]; ok {
		exec.Output = out
	}
	e.persist(ctx, exec)
	e.logger.Info("workflow completed", "workflow", workflowID, "execution", exec.ID,
		"nodes", len(exec.Nodes), "duration_ms", exec.CompletedAt-exec.StartedAt)
	return exec
}

// Signal delivers a named event to a running execution. Wait nodes listening
// for that event resume. Returns false when the execution is not running.
func (e *WorkflowEngine) Signal(executionID, event string) bool {
	e.mu.Lock()
	ch, ok := e.signals[executionID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- event:
		return true
	default:
		return false
	}
}

// Resume supplies values to an execution parked on a human_input node.
// Returns false when the execution is not waiting.
func (e *WorkflowEngine) Resume(executionID string, values map[string]any) bool {
	e.mu.Lock()
	ch, ok := e.resumes[executionID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- values:
		return true
	default:
		return false
	}
}

func (e *WorkflowEngine) persist(ctx context.Context, exec *WorkflowExecution) {
	if err := e.store.SaveWorkflowExecution(ctx, *exec); err != nil {
		e.logger.Error("workflow: persist execution", "execution", exec.ID, "error", err)
	}
}

// workflowRun is the per-execution traversal state.
type workflowRun struct {
	engine *WorkflowEngine
	def    *WorkflowDefinition
	exec   *WorkflowExecution
	steps  int
}

func (r *workflowRun) node(id string) (WorkflowNode, bool) {
	for _, n := range r.def.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return WorkflowNode{}, false
}

// successors resolves the plain outgoing edges of a node, honouring edge
// conditions.
func (r *workflowRun) successors(nodeID string) ([]string, error) {
	var targets []string
	for _, edge := range r.def.Edges {
		if edge.Source != nodeID {
			continue
		}
		if edge.Condition != "" {
			ok, err := EvalCondition(edge.Condition, r.exec.Variables)
			if err != nil {
				return nil, E(CodeValidation, "edge %s: %v", edge.ID, err)
			}
			if !ok {
				continue
			}
		}
		targets = append(targets, edge.Target)
	}
	return targets, nil
}

// traverse advances the frontier until it drains or a node fails.
func (r *workflowRun) traverse(ctx context.Context) error {
	start := ""
	for _, n := range r.def.Nodes {
		if n.Type == NodeStart {
			start = n.ID
		}
	}
	frontier := []string{start}

	for len(frontier) > 0 {
		if err := ctx.Err(); err != nil {
			return E(CodeCancelled, "workflow execution cancelled")
		}
		var next []string
		for _, id := range frontier {
			targets, err := r.step(ctx, id)
			if err != nil {
				return err
			}
			next = append(next, targets...)
		}
		frontier = next
		r.exec.CurrentNodes = frontier
		r.engine.persist(ctx, r.exec)
	}
	return nil
}

// step executes one node, records its NodeExecution, and returns the ids the
// frontier advances to.
func (r *workflowRun) step(ctx context.Context, nodeID string) ([]string, error) {
	r.steps++
	if r.steps > maxNodeExecutions {
		return nil, E(CodeValidation, "workflow %s: exceeded %d node executions", r.def.ID, maxNodeExecutions)
	}
	node, ok := r.node(nodeID)
	if !ok {
		return nil, E(CodeValidation, "workflow %s: unknown node %q", r.def.ID, nodeID)
	}

	rec := NodeExecution{NodeID: nodeID, Status: ExecRunning, StartedAt: NowMillis()}
	targets, err := r.runNode(ctx, node)
	rec.CompletedAt = NowMillis()
	if err != nil {
		rec.Status = ExecFailed
		rec.Error = err.Error()
		r.exec.Nodes = append(r.exec.Nodes, rec)
		return nil, err
	}
	rec.Status = ExecCompleted
	if out, ok := r.exec.Variables[node.ID]; ok {
		rec.Output = out
	}
	r.exec.Nodes = append(r.exec.Nodes, rec)
	return targets, nil
}
