package maestro

import (
	"context"
	"reflect"
	"strings"
	"testing"
)

func newTestPlanner(results ...stubResult) (*Planner, *stubProvider) {
	stub := &stubProvider{results: results}
	providers := NewProviderRegistry()
	providers.Register(stub)
	providers.SetDefault("stub")

	agents := NewAgentRegistry()
	agents.Register(&stubAgent{name: DefaultResearchAgent})
	agents.Register(&stubAgent{name: "code"})

	return NewPlanner(providers, nil, agents), stub
}

func TestAnalyzeIntentParsesClassification(t *testing.T) {
	p, _ := newTestPlanner(stubResult{resp: ChatResponse{
		Content: `{"type":"simple_query","primary_goal":"greet the user","urgency":"low"}`,
	}})

	intent := p.AnalyzeIntent(context.Background(), "hello there")
	if intent.Type != IntentSimpleQuery {
		t.Fatalf("type = %q, want %q", intent.Type, IntentSimpleQuery)
	}
	if intent.PrimaryGoal != "greet the user" {
		t.Errorf("primary goal = %q", intent.PrimaryGoal)
	}
	if intent.Urgency != PriorityLow {
		t.Errorf("urgency = %q, want low", intent.Urgency)
	}
	if !reflect.DeepEqual(intent.SuggestedAgents, []string{DefaultResearchAgent}) {
		t.Errorf("suggested agents = %v, want default research agent", intent.SuggestedAgents)
	}
}

func TestAnalyzeIntentExtractsEmbeddedJSON(t *testing.T) {
	p, _ := newTestPlanner(stubResult{resp: ChatResponse{
		Content: "Here is the classification:\n{\"type\":\"task\",\"primary_goal\":\"compare prices\",\"suggested_agents\":[\"code\"]}\nDone.",
	}})

	intent := p.AnalyzeIntent(context.Background(), "compare prices across three sites")
	if intent.Type != IntentTask {
		t.Fatalf("type = %q, want task", intent.Type)
	}
	if !reflect.DeepEqual(intent.SuggestedAgents, []string{"code"}) {
		t.Errorf("suggested agents = %v", intent.SuggestedAgents)
	}
}

func TestAnalyzeIntentCapsQuestions(t *testing.T) {
	p, _ := newTestPlanner(stubResult{resp: ChatResponse{
		Content: `{"type":"clarification_needed","primary_goal":"unclear","questions":["a?","b?","c?","d?","e?"]}`,
	}})

	intent := p.AnalyzeIntent(context.Background(), "do the thing")
	if intent.Type != IntentClarification {
		t.Fatalf("type = %q, want clarification_needed", intent.Type)
	}
	if len(intent.Questions) != maxClarificationQuestions {
		t.Errorf("got %d questions, want %d", len(intent.Questions), maxClarificationQuestions)
	}
}

func TestAnalyzeIntentFallsBack(t *testing.T) {
	cases := []struct {
		name   string
		result stubResult
	}{
		{"provider error", stubResult{err: E(CodeProvider, "upstream down")}},
		{"no JSON in response", stubResult{resp: ChatResponse{Content: "sorry, I cannot classify that"}}},
		{"malformed JSON", stubResult{resp: ChatResponse{Content: `{"type": "task", `}}},
		{"unknown type", stubResult{resp: ChatResponse{Content: `{"type":"banana","primary_goal":"x"}`}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p, _ := newTestPlanner(tc.result)
			intent := p.AnalyzeIntent(context.Background(), "summarize the quarterly report")
			if intent.Type != IntentTask {
				t.Fatalf("type = %q, want fallback task", intent.Type)
			}
			if intent.PrimaryGoal != "summarize the quarterly report" {
				t.Errorf("primary goal = %q, want the raw message", intent.PrimaryGoal)
			}
			if intent.Urgency != PriorityNormal {
				t.Errorf("urgency = %q, want normal", intent.Urgency)
			}
			if !reflect.DeepEqual(intent.SuggestedAgents, []string{DefaultResearchAgent}) {
				t.Errorf("suggested agents = %v", intent.SuggestedAgents)
			}
		})
	}
}

func TestAnalyzeIntentNormalizesUrgency(t *testing.T) {
	p, _ := newTestPlanner(stubResult{resp: ChatResponse{
		Content: `{"type":"task","primary_goal":"x","urgency":"critical"}`,
	}})
	if got := p.AnalyzeIntent(context.Background(), "x").Urgency; got != PriorityNormal {
		t.Errorf("urgency = %q, want normal for unknown value", got)
	}
}

func TestBuildPlanUsesModelPlan(t *testing.T) {
	p, stub := newTestPlanner(stubResult{resp: ChatResponse{
		Content: `{"steps":[
			{"id":"step-1","name":"Gather","agent_id":"research","action":{"type":"research","params":{"query":"go releases"}},"max_retries":1},
			{"id":"step-2","name":"Summarize","agent_id":"code","action":{"type":"task"},"max_retries":0}],
		 "dependencies":{"step-2":["step-1"]},
		 "estimates":{"duration_ms":5000,"confidence":0.9}}`,
	}})

	task := Task{ID: NewID(), Goal: "summarize recent go releases", Constraints: []string{"cite sources"}}
	plan := p.BuildPlan(context.Background(), task)

	if len(plan.Steps) != 2 {
		t.Fatalf("got %d steps, want 2", len(plan.Steps))
	}
	if plan.TaskID != task.ID || plan.Version != 1 {
		t.Errorf("task id/version = %q/%d", plan.TaskID, plan.Version)
	}
	if !reflect.DeepEqual(plan.Dependencies["step-2"], []string{"step-1"}) {
		t.Errorf("dependencies = %v", plan.Dependencies)
	}
	if plan.ErrorHandling.Default != ErrorAbort {
		t.Errorf("default error mode = %q, want abort", plan.ErrorHandling.Default)
	}
	if plan.Estimates.Confidence != 0.9 {
		t.Errorf("confidence = %v", plan.Estimates.Confidence)
	}

	// The synthesis prompt lists the available agents and carries constraints.
	req := stub.reqs[0]
	body := req.Messages[0].Content
	if !strings.Contains(body, "research") || !strings.Contains(body, "cite sources") {
		t.Errorf("prompt missing agents or constraints: %q", body)
	}
}

func TestBuildPlanRetryDefaults(t *testing.T) {
	p, _ := newTestPlanner(stubResult{resp: ChatResponse{
		Content: `{"steps":[
			{"id":"step-1","name":"Gather","agent_id":"research","action":{"type":"research"}},
			{"id":"step-2","name":"Once","agent_id":"research","action":{"type":"research"},"max_retries":0}]}`,
	}})

	plan := p.BuildPlan(context.Background(), Task{ID: NewID(), Goal: "g"})
	if len(plan.Steps) != 2 {
		t.Fatalf("got %d steps, want 2", len(plan.Steps))
	}
	// Omitted max_retries decodes as unset so the executor default applies;
	// an explicit zero disables retries.
	if got := plan.Steps[0].MaxRetries; got != -1 {
		t.Errorf("omitted max_retries = %d, want -1 (unset)", got)
	}
	if got := plan.Steps[1].MaxRetries; got != 0 {
		t.Errorf("explicit zero max_retries = %d, want 0", got)
	}
}

func TestBuildPlanFallsBack(t *testing.T) {
	cases := []struct {
		name   string
		result stubResult
	}{
		{"provider error", stubResult{err: E(CodeProvider, "boom")}},
		{"no steps", stubResult{resp: ChatResponse{Content: `{"steps":[]}`}}},
		{"unknown agent", stubResult{resp: ChatResponse{
			Content: `{"steps":[{"id":"step-1","agent_id":"nope","action":{"type":"task"}}]}`,
		}}},
		{"dependency cycle", stubResult{resp: ChatResponse{
			Content: `{"steps":[
				{"id":"a","agent_id":"research","action":{"type":"task"}},
				{"id":"b","agent_id":"research","action":{"type":"task"}}],
			 "dependencies":{"a":["b"],"b":["a"]}}`,
		}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p, _ := newTestPlanner(tc.result)
			task := Task{ID: NewID(), Goal: "do something"}
			plan := p.BuildPlan(context.Background(), task)
			if len(plan.Steps) != 1 {
				t.Fatalf("got %d steps, want the single fallback step", len(plan.Steps))
			}
			step := plan.Steps[0]
			if step.AgentID != DefaultResearchAgent {
				t.Errorf("fallback agent = %q", step.AgentID)
			}
			if got := step.Action.Params["query"]; got != "do something" {
				t.Errorf("fallback query = %v", got)
			}
		})
	}
}

func planWith(deps map[string][]string, stepIDs ...string) ExecutionPlan {
	steps := make([]PlanStep, len(stepIDs))
	for i, id := range stepIDs {
		steps[i] = PlanStep{ID: id, AgentID: DefaultResearchAgent, Action: AgentAction{Type: "task"}}
	}
	return ExecutionPlan{ID: NewID(), Steps: steps, Dependencies: deps}
}

func TestValidatePlan(t *testing.T) {
	p, _ := newTestPlanner()
	cases := []struct {
		name    string
		plan    ExecutionPlan
		wantErr bool
	}{
		{"valid linear", planWith(map[string][]string{"b": {"a"}}, "a", "b"), false},
		{"no dependencies", planWith(nil, "a"), false},
		{"empty step id", planWith(nil, ""), true},
		{"duplicate step id", planWith(nil, "a", "a"), true},
		{"dependency on unknown step", planWith(map[string][]string{"a": {"ghost"}}, "a"), true},
		{"dependency entry for unknown step", planWith(map[string][]string{"ghost": {"a"}}, "a"), true},
		{"self cycle", planWith(map[string][]string{"a": {"a"}}, "a"), true},
		{"two step cycle", planWith(map[string][]string{"a": {"b"}, "b": {"a"}}, "a", "b"), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := p.Validate(tc.plan)
			if (err != nil) != tc.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestValidatePlanRejectsUnknownAgent(t *testing.T) {
	p, _ := newTestPlanner()
	plan := ExecutionPlan{Steps: []PlanStep{{ID: "a", AgentID: "missing"}}}
	err := p.Validate(plan)
	if CodeOf(err) != CodeAgentNotFound {
		t.Fatalf("error = %v, want %s", err, CodeAgentNotFound)
	}
}

func TestTopoSort(t *testing.T) {
	plan := planWith(map[string][]string{"c": {"a", "b"}, "b": {"a"}}, "c", "b", "a")
	order, err := TopoSort(plan)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(order, []string{"a", "b", "c"}) {
		t.Errorf("order = %v", order)
	}
}

func TestTopoSortCycle(t *testing.T) {
	plan := planWith(map[string][]string{"a": {"b"}, "b": {"a"}}, "a", "b")
	if _, err := TopoSort(plan); err == nil {
		t.Fatal("want error for cyclic plan")
	}
}

func TestParallelGroups(t *testing.T) {
	// Diamond: a feeds b and c, both feed d.
	plan := planWith(map[string][]string{
		"b": {"a"},
		"c": {"a"},
		"d": {"b", "c"},
	}, "a", "b", "c", "d")

	groups, err := ParallelGroups(plan)
	if err != nil {
		t.Fatal(err)
	}
	want := [][]string{{"a"}, {"b", "c"}, {"d"}}
	if !reflect.DeepEqual(groups, want) {
		t.Errorf("groups = %v, want %v", groups, want)
	}
}

func TestParallelGroupsIndependentSteps(t *testing.T) {
	plan := planWith(nil, "a", "b", "c")
	groups, err := ParallelGroups(plan)
	if err != nil {
		t.Fatal(err)
	}
	if len(groups) != 1 || len(groups[0]) != 3 {
		t.Errorf("groups = %v, want one layer of three", groups)
	}
}
