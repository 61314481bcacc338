package maestro

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"
)

// runNode dispatches on node type and returns the frontier targets.
func (r *workflowRun) runNode(ctx context.Context, node WorkflowNode) ([]string, error) {
	var span Span
	if r.engine.tracer != nil {
		ctx, span = r.engine.tracer.Start(ctx, "workflow.node",
			StringAttr("node.id", node.ID), StringAttr("node.type", string(node.Type)))
		defer span.End()
	}

	switch node.Type {
	case NodeStart:
		return r.successors(node.ID)
	case NodeEnd:
		return nil, nil
	case NodeTask:
		return r.runTaskNode(ctx, node)
	case NodeDecision:
		return r.runDecisionNode(node)
	case NodeParallel:
		return r.runParallelNode(ctx, node)
	case NodeLoop:
		return r.runLoopNode(ctx, node)
	case NodeWait:
		return r.runWaitNode(ctx, node)
	case NodeHumanInput:
		return r.runHumanInputNode(ctx, node)
	case NodeWebhook:
		return r.runWebhookNode(ctx, node)
	case NodeTransform:
		return r.runTransformNode(node)
	default:
		return nil, E(CodeValidation, "node %s: unknown type %q", node.ID, node.Type)
	}
}

// runTaskNode calls the configured agent with the interpolated task string
// and stores the result under the node id (or outputTo).
func (r *workflowRun) runTaskNode(ctx context.Context, node WorkflowNode) ([]string, error) {
	agentID := node.Config.AgentID
	if agentID == "" {
		agentID = DefaultResearchAgent
	}
	agent, ok := r.engine.agents.Get(agentID)
	if !ok {
		return nil, E(CodeAgentNotFound, "node %s: agent %q not registered", node.ID, agentID)
	}

	task := Interpolate(node.Config.Task, r.exec.Variables)
	result, err := agent.Execute(ctx, AgentAction{Type: "task", Params: map[string]any{"task": task}},
		map[string]any{"task": task}, Callbacks{})
	if err != nil {
		return nil, err
	}

	key := node.Config.OutputTo
	if key == "" {
		key = node.ID
	}
	r.exec.Variables[key] = result.Output
	return r.successors(node.ID)
}

// runDecisionNode evaluates conditions in order and emits the first matching
// target, falling back to the default target.
func (r *workflowRun) runDecisionNode(node WorkflowNode) ([]string, error) {
	for _, branch := range node.Config.Conditions {
		ok, err := EvalCondition(branch.Expr, r.exec.Variables)
		if err != nil {
			return nil, E(CodeValidation, "node %s: condition %q: %v", node.ID, branch.Expr, err)
		}
		if ok {
			return []string{branch.Target}, nil
		}
	}
	if node.Config.DefaultTarget != "" {
		return []string{node.Config.DefaultTarget}, nil
	}
	return nil, E(CodeValidation, "node %s: no condition matched and no default target", node.ID)
}

// runParallelNode runs the branch nodes concurrently and completes per the
// waitFor policy (all, any, or a number). Branches work on their own variable
// copy and hand the result back over the channel; only branches counted
// toward the policy are merged, on this goroutine, so stragglers can never
// touch execution state after the node has moved on.
func (r *workflowRun) runParallelNode(ctx context.Context, node WorkflowNode) ([]string, error) {
	branches := node.Config.Branches
	if len(branches) == 0 {
		return nil, E(CodeValidation, "node %s: parallel node has no branches", node.ID)
	}
	need, err := waitForCount(node.Config.WaitFor, len(branches))
	if err != nil {
		return nil, E(CodeValidation, "node %s: %v", node.ID, err)
	}

	type branchResult struct {
		id   string
		vars map[string]any
		err  error
	}
	// Buffered to the branch count so late finishers park their result and
	// exit instead of leaking.
	results := make(chan branchResult, len(branches))
	for _, id := range branches {
		// Clone here, before the merge loop starts mutating the shared map.
		sub := &workflowRun{engine: r.engine, def: r.def, exec: &WorkflowExecution{
			ID: r.exec.ID, WorkflowID: r.exec.WorkflowID, Variables: cloneVars(r.exec.Variables),
		}}
		go func(branchID string, sub *workflowRun) {
			branch, ok := r.node(branchID)
			if !ok {
				results <- branchResult{id: branchID, err: E(CodeValidation, "unknown branch node %q", branchID)}
				return
			}
			_, err := sub.runNode(ctx, branch)
			results <- branchResult{id: branchID, vars: sub.exec.Variables, err: err}
		}(id, sub)
	}

	done := 0
	var firstErr error
	for range branches {
		res := <-results
		if res.err == nil {
			done++
			for k, v := range res.vars {
				r.exec.Variables[k] = v
			}
		} else if firstErr == nil {
			firstErr = res.err
		}
		if done >= need {
			break
		}
	}

	if done < need {
		if firstErr != nil {
			return nil, firstErr
		}
		return nil, E(CodeStepFailed, "node %s: only %d of %d required branches succeeded", node.ID, done, need)
	}
	return r.successors(node.ID)
}

// waitForCount resolves the waitFor policy to a required success count.
func waitForCount(policy string, total int) (int, error) {
	switch policy {
	case "", "all":
		return total, nil
	case "any":
		return 1, nil
	}
	n := 0
	for _, c := range policy {
		if c < '0' || c > '9' {
			return 0, E(CodeValidation, "bad waitFor %q", policy)
		}
		n = n*10 + int(c-'0')
	}
	if n < 1 || n > total {
		return 0, E(CodeValidation, "waitFor %d out of range 1-%d", n, total)
	}
	return n, nil
}

// runLoopNode iterates the collection variable, binding each element to the
// iterator name and executing the body node, bounded by maxIterations.
func (r *workflowRun) runLoopNode(ctx context.Context, node WorkflowNode) ([]string, error) {
	if node.Config.Body == "" {
		return nil, E(CodeValidation, "node %s: loop has no body", node.ID)
	}
	body, ok := r.node(node.Config.Body)
	if !ok {
		return nil, E(CodeValidation, "node %s: unknown body node %q", node.ID, node.Config.Body)
	}
	raw, _ := navigatePath(r.exec.Variables, node.Config.Collection)
	items, ok := raw.([]any)
	if !ok {
		return nil, E(CodeValidation, "node %s: collection %q is not a list", node.ID, node.Config.Collection)
	}
	iterator := node.Config.Iterator
	if iterator == "" {
		iterator = "item"
	}
	limit := node.Config.MaxIterations
	if limit <= 0 {
		limit = defaultLoopIterations
	}

	var outputs []any
	for i, item := range items {
		if i >= limit {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, E(CodeCancelled, "workflow execution cancelled")
		}
		r.exec.Variables[iterator] = item
		r.exec.Variables[iterator+"_index"] = float64(i)
		if _, err := r.runNode(ctx, body); err != nil {
			return nil, E(CodeStepFailed, "node %s: iteration %d: %v", node.ID, i, err)
		}
		if out, ok := r.exec.Variables[body.ID]; ok {
			outputs = append(outputs, out)
		}
	}
	delete(r.exec.Variables, iterator)
	delete(r.exec.Variables, iterator+"_index")
	r.exec.Variables[node.ID] = outputs
	return r.successors(node.ID)
}

// runWaitNode holds the execution for a duration, a named event, or until a
// condition evaluates true on a poll tick.
func (r *workflowRun) runWaitNode(ctx context.Context, node WorkflowNode) ([]string, error) {
	cfg := node.Config
	switch {
	case cfg.DurationMs > 0:
		select {
		case <-ctx.Done():
			return nil, E(CodeCancelled, "workflow execution cancelled")
		case <-time.After(time.Duration(cfg.DurationMs) * time.Millisecond):
		}

	case cfg.Event != "":
		r.engine.mu.Lock()
		ch := r.engine.signals[r.exec.ID]
		r.engine.mu.Unlock()
		for {
			select {
			case <-ctx.Done():
				return nil, E(CodeCancelled, "workflow execution cancelled")
			case event := <-ch:
				if event == cfg.Event {
					goto resumed
				}
			}
		}

	case cfg.Until != "":
		for {
			ok, err := EvalCondition(cfg.Until, r.exec.Variables)
			if err != nil {
				return nil, E(CodeValidation, "node %s: until %q: %v", node.ID, cfg.Until, err)
			}
			if ok {
				break
			}
			select {
			case <-ctx.Done():
				return nil, E(CodeCancelled, "workflow execution cancelled")
			case <-time.After(untilPollInterval):
			}
		}

	default:
		return nil, E(CodeValidation, "node %s: wait node needs duration, event, or until", node.ID)
	}
resumed:
	return r.successors(node.ID)
}

// runHumanInputNode collects values through the host handler, or parks the
// execution in the waiting status until Resume delivers them.
func (r *workflowRun) runHumanInputNode(ctx context.Context, node WorkflowNode) ([]string, error) {
	prompt := Interpolate(node.Config.Prompt, r.exec.Variables)

	if r.engine.humanInput != nil {
		values, err := r.engine.humanInput(ctx, prompt, node.Config.Fields)
		if err != nil {
			return nil, err
		}
		for k, v := range values {
			r.exec.Variables[k] = v
		}
		return r.successors(node.ID)
	}

	r.exec.Status = WorkflowWaiting
	r.engine.persist(ctx, r.exec)

	r.engine.mu.Lock()
	ch := r.engine.resumes[r.exec.ID]
	r.engine.mu.Unlock()
	select {
	case <-ctx.Done():
		return nil, E(CodeCancelled, "workflow execution cancelled")
	case values := <-ch:
		for k, v := range values {
			r.exec.Variables[k] = v
		}
	}
	r.exec.Status = WorkflowRunning
	r.engine.persist(ctx, r.exec)
	return r.successors(node.ID)
}

// runWebhookNode performs the configured HTTP call and records the response
// status and body in variables.
func (r *workflowRun) runWebhookNode(ctx context.Context, node WorkflowNode) ([]string, error) {
	cfg := node.Config
	method := cfg.Method
	if method == "" {
		method = http.MethodPost
	}
	url := Interpolate(cfg.URL, r.exec.Variables)
	var body io.Reader
	if cfg.Payload != "" {
		body = strings.NewReader(Interpolate(cfg.Payload, r.exec.Variables))
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, E(CodeValidation, "node %s: %v", node.ID, err)
	}
	for k, v := range cfg.Headers {
		req.Header.Set(k, Interpolate(v, r.exec.Variables))
	}
	resp, err := r.engine.httpClient.Do(req)
	if err != nil {
		return nil, E(CodeStepFailed, "node %s: webhook: %v", node.ID, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 256*1024))

	out := map[string]any{"status": float64(resp.StatusCode), "body": string(data)}
	var parsed any
	if json.Unmarshal(data, &parsed) == nil {
		out["json"] = parsed
	}
	r.exec.Variables[node.ID] = out
	return r.successors(node.ID)
}

// runTransformNode threads a value through the ordered operations and stores
// the result.
func (r *workflowRun) runTransformNode(node WorkflowNode) ([]string, error) {
	var current any
	for i, op := range node.Config.Operations {
		source := current
		if op.Source != "" {
			source, _ = navigatePath(r.exec.Variables, op.Source)
		}
		next, err := applyTransform(op, source, r.exec.Variables)
		if err != nil {
			return nil, E(CodeValidation, "node %s: op %d (%s): %v", node.ID, i, op.Op, err)
		}
		current = next
	}
	key := node.Config.Output
	if key == "" {
		key = node.ID
	}
	r.exec.Variables[key] = current
	return r.successors(node.ID)
}

// applyTransform executes a single transform operation.
func applyTransform(op TransformOp, source any, vars map[string]any) (any, error) {
	switch op.Op {
	case "map":
		items, ok := source.([]any)
		if !ok {
			return nil, E(CodeValidation, "map needs a list, got %T", source)
		}
		out := make([]any, 0, len(items))
		for _, item := range items {
			v, err := evalItemExpr(op.Expr, item, vars)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil

	case "filter":
		items, ok := source.([]any)
		if !ok {
			return nil, E(CodeValidation, "filter needs a list, got %T", source)
		}
		var out []any
		for _, item := range items {
			v, err := evalItemExpr(op.Expr, item, vars)
			if err != nil {
				return nil, err
			}
			if truthy(v) {
				out = append(out, item)
			}
		}
		return out, nil

	case "reduce":
		items, ok := source.([]any)
		if !ok {
			return nil, E(CodeValidation, "reduce needs a list, got %T", source)
		}
		return reduceItems(op.Expr, items)

	case "extract":
		v, ok := navigatePath(source, op.Field)
		if !ok {
			return nil, E(CodeValidation, "extract: path %q not found", op.Field)
		}
		return v, nil

	case "format":
		return Interpolate(op.Format, vars), nil

	case "merge":
		out := make(map[string]any)
		for _, name := range op.Sources {
			v, _ := navigatePath(vars, name)
			m, ok := v.(map[string]any)
			if !ok {
				return nil, E(CodeValidation, "merge: %q is not an object", name)
			}
			for k, val := range m {
				out[k] = val
			}
		}
		return out, nil

	default:
		return nil, E(CodeValidation, "unknown transform op %q", op.Op)
	}
}

// evalItemExpr evaluates a map/filter expression with "item" bound.
func evalItemExpr(expr string, item any, vars map[string]any) (any, error) {
	scoped := cloneVars(vars)
	scoped["item"] = item
	return EvalExpr(expr, scoped)
}

// reduceItems applies a named reducer. The expression language has no
// arithmetic, so reduce uses a fixed vocabulary instead.
func reduceItems(reducer string, items []any) (any, error) {
	switch reducer {
	case "count":
		return float64(len(items)), nil
	case "sum":
		total := 0.0
		for _, item := range items {
			f, ok := toFloat(item)
			if !ok {
				return nil, E(CodeValidation, "sum: non-numeric item %v", item)
			}
			total += f
		}
		return total, nil
	case "first":
		if len(items) == 0 {
			return nil, nil
		}
		return items[0], nil
	case "last":
		if len(items) == 0 {
			return nil, nil
		}
		return items[len(items)-1], nil
	case "concat":
		parts := make([]string, len(items))
		for i, item := range items {
			parts[i] = stringify(item)
		}
		return strings.Join(parts, ""), nil
	default:
		return nil, E(CodeValidation, "unknown reducer %q", reducer)
	}
}

// Interpolate replaces ${name} placeholders (dotted paths allowed) with the
// stringified variable value. A string that is exactly one placeholder yields
// exactly the stringified value. Unknown names resolve to the empty string.
func Interpolate(s string, vars map[string]any) string {
	if !strings.Contains(s, "${") {
		return s
	}
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			b.WriteString(s)
			break
		}
		j := strings.Index(s[i:], "}")
		if j < 0 {
			b.WriteString(s)
			break
		}
		b.WriteString(s[:i])
		name := s[i+2 : i+j]
		v, _ := navigatePath(vars, name)
		b.WriteString(stringify(v))
		s = s[i+j+1:]
	}
	return b.String()
}

func cloneVars(vars map[string]any) map[string]any {
	out := make(map[string]any, len(vars)+1)
	for k, v := range vars {
		out[k] = v
	}
	return out
}
