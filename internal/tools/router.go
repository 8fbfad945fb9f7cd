package tools

import (
	"github.com/yiyabo/gagent/internal/llm"
	"github.com/yiyabo/gagent/internal/shared/jsonx"
)

// ToolDefs translates registry descriptors into LLM function-calling
// definitions.
func ToolDefs(registry Registry) []llm.ToolDef {
	descriptors := registry.List()
	defs := make([]llm.ToolDef, 0, len(descriptors))
	for _, d := range descriptors {
		defs = append(defs, llm.ToolDef{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  d.Schema,
		})
	}
	return defs
}

// Invocation is one tool call requested by the model, mapped back to a
// registry tool.
type Invocation struct {
	CallID string
	Name   string
	Kind   Kind
	Args   map[string]any
}

// MapCalls decodes the model's tool calls against the registry. Unknown tools
// and undecodable arguments are skipped rather than failing the task; the
// executor logs what was dropped.
func MapCalls(registry Registry, calls []llm.ToolCall) (invocations []Invocation, skipped []string) {
	kinds := make(map[string]Kind)
	for _, d := range registry.List() {
		kinds[d.Name] = d.Kind
	}

	for _, call := range calls {
		kind, ok := kinds[call.Name]
		if !ok {
			skipped = append(skipped, call.Name)
			continue
		}
		args := make(map[string]any)
		if len(call.Arguments) > 0 {
			if err := jsonx.DecodeLoose(string(call.Arguments), &args); err != nil {
				skipped = append(skipped, call.Name)
				continue
			}
		}
		invocations = append(invocations, Invocation{
			CallID: call.ID,
			Name:   call.Name,
			Kind:   kind,
			Args:   args,
		})
	}
	return invocations, skipped
}

// SplitByKind partitions invocations into info tools (run before generation)
// and output tools (deferred until acceptance).
func SplitByKind(invocations []Invocation) (info, output []Invocation) {
	for _, inv := range invocations {
		if inv.Kind == KindOutput {
			output = append(output, inv)
			continue
		}
		info = append(info, inv)
	}
	return info, output
}
