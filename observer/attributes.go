package observer

import "go.opentelemetry.io/otel/attribute"

// Attribute keys for orchestration spans.
var (
	AttrLLMModel    = attribute.Key("llm.model")
	AttrLLMProvider = attribute.Key("llm.provider")

	AttrTokensInput  = attribute.Key("llm.tokens.input")
	AttrTokensOutput = attribute.Key("llm.tokens.output")

	AttrToolCount = attribute.Key("llm.tool_count")

	AttrToolName         = attribute.Key("tool.name")
	AttrToolStatus       = attribute.Key("tool.status")
	AttrToolResultLength = attribute.Key("tool.result_length")

	AttrTaskID   = attribute.Key("task.id")
	AttrStepID   = attribute.Key("step.id")
	AttrAgentID  = attribute.Key("agent.id")
	AttrNodeID   = attribute.Key("node.id")
	AttrNodeType = attribute.Key("node.type")
)
