package mcp

import "github.com/localagent/localagent/internal/provider"

// Definitions returns planner-facing definitions for the imported tools,
// in catalog order.
func (r *Registry) Definitions() []provider.ToolDefinition {
	out := make([]provider.ToolDefinition, len(r.imported))
	for i, t := range r.imported {
		out[i] = provider.ToolDefinition{
			Type: "function",
			Function: provider.FunctionDef{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Schema,
			},
		}
	}
	return out
}
