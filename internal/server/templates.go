package server

import "github.com/nevindra/maestro"

// workflowTemplates returns the built-in starting points served by
// GET /api/workflow-templates. Clients copy a template, adjust it, and POST
// it as their own workflow.
func workflowTemplates() []maestro.WorkflowDefinition {
	return []maestro.WorkflowDefinition{
		{
			ID:      "template-research-summarize",
			Name:    "Research and summarize",
			Version: 1,
			Inputs:  map[string]string{"topic": "string"},
			Nodes: []maestro.WorkflowNode{
				{ID: "start", Type: maestro.NodeStart},
				{ID: "research", Type: maestro.NodeTask, Config: maestro.NodeConfig{
					Task:     "Research the topic: ${topic}",
					OutputTo: "research",
				}},
				{ID: "summarize", Type: maestro.NodeTask, Config: maestro.NodeConfig{
					Task:     "Summarize these findings in five bullet points: ${research}",
					OutputTo: "output",
				}},
				{ID: "end", Type: maestro.NodeEnd},
			},
			Edges: []maestro.WorkflowEdge{
				{ID: "e1", Source: "start", Target: "research"},
				{ID: "e2", Source: "research", Target: "summarize"},
				{ID: "e3", Source: "summarize", Target: "end"},
			},
		},
		{
			ID:      "template-parallel-research",
			Name:    "Parallel research with merge",
			Version: 1,
			Inputs:  map[string]string{"topic": "string"},
			Nodes: []maestro.WorkflowNode{
				{ID: "start", Type: maestro.NodeStart},
				{ID: "fanout", Type: maestro.NodeParallel, Config: maestro.NodeConfig{
					Branches: []string{"angle_news", "angle_background"},
					WaitFor:  "all",
				}},
				{ID: "angle_news", Type: maestro.NodeTask, Config: maestro.NodeConfig{
					Task:     "Find recent developments about ${topic}",
					OutputTo: "news",
				}},
				{ID: "angle_background", Type: maestro.NodeTask, Config: maestro.NodeConfig{
					Task:     "Explain the background of ${topic}",
					OutputTo: "background",
				}},
				{ID: "combine", Type: maestro.NodeTransform, Config: maestro.NodeConfig{
					Operations: []maestro.TransformOp{
						{Op: "merge", Sources: []string{"news", "background"}},
					},
					Output: "output",
				}},
				{ID: "end", Type: maestro.NodeEnd},
			},
			Edges: []maestro.WorkflowEdge{
				{ID: "e1", Source: "start", Target: "fanout"},
				{ID: "e2", Source: "fanout", Target: "combine"},
				{ID: "e3", Source: "combine", Target: "end"},
			},
		},
		{
			ID:      "template-approval-gate",
			Name:    "Draft with human approval",
			Version: 1,
			Inputs:  map[string]string{"request": "string", "notify_url": "string"},
			Nodes: []maestro.WorkflowNode{
				{ID: "start", Type: maestro.NodeStart},
				{ID: "draft", Type: maestro.NodeTask, Config: maestro.NodeConfig{
					Task:     "Draft a response to: ${request}",
					OutputTo: "draft",
				}},
				{ID: "review", Type: maestro.NodeHumanInput, Config: maestro.NodeConfig{
					Prompt: "Approve the draft?",
					Fields: []string{"approved"},
				}},
				{ID: "gate", Type: maestro.NodeDecision, Config: maestro.NodeConfig{
					Conditions: []maestro.DecisionBranch{
						{Expr: "review.approved == true", Target: "notify"},
					},
					DefaultTarget: "end",
				}},
				{ID: "notify", Type: maestro.NodeWebhook, Config: maestro.NodeConfig{
					URL:     "${notify_url}",
					Payload: `{"draft": "${draft}"}`,
				}},
				{ID: "end", Type: maestro.NodeEnd},
			},
			Edges: []maestro.WorkflowEdge{
				{ID: "e1", Source: "start", Target: "draft"},
				{ID: "e2", Source: "draft", Target: "review"},
				{ID: "e3", Source: "review", Target: "gate"},
				{ID: "e4", Source: "notify", Target: "end"},
			},
		},
	}
}
