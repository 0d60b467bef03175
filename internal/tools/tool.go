// Package tools provides the gated tool catalog and built-in executors.
package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/localagent/localagent/internal/canon"
	"github.com/localagent/localagent/internal/provider"
)

// Sensitivity tags drive policy classification.
const (
	SensitivityReadOnly = "read_only"
	SensitivityShell    = "shell"
	SensitivityMutating = "mutating"
)

// Per-call error kinds fed back into the conversation. These never
// terminate the loop.
const (
	ErrKindSchemaViolation = "schema_violation"
	ErrKindDenied          = "denied"
	ErrKindTimeout         = "executor_timeout"
	ErrKindTransient       = "executor_transient"
	ErrKindFatal           = "executor_fatal"
	ErrKindMCPTransport    = "mcp_transport"
	ErrKindMCPDrift        = "mcp_drift"
)

// Tool is a named capability exposed to the planner.
type Tool interface {
	// Name returns the tool identifier used in function calls.
	Name() string
	// Description returns a human-readable description for the model.
	Description() string
	// Parameters returns the JSON Schema for tool arguments.
	Parameters() map[string]any
	// Sensitivity returns the policy classification tag.
	Sensitivity() string
	// Execute runs the tool with validated arguments.
	Execute(ctx context.Context, args map[string]any) Execution
}

// TimeoutOverrider is an optional interface for tools that declare their
// own timeout instead of the registry default.
type TimeoutOverrider interface {
	Timeout() time.Duration
}

// Execution is the raw executor outcome before the registry applies
// output caps and wraps the result envelope.
type Execution struct {
	OK      bool
	Content string
	ErrKind string
	Meta    Meta
}

// Meta carries execution facts alongside the result content.
type Meta struct {
	Sensitivity     string `json:"sensitivity"`
	Source          string `json:"source"`
	Bytes           *int64 `json:"bytes,omitempty"`
	ExitCode        *int   `json:"exit_code,omitempty"`
	StdoutTruncated *bool  `json:"stdout_truncated,omitempty"`
	StderrTruncated *bool  `json:"stderr_truncated,omitempty"`
}

// Registry manages the ordered tool catalog: schemas, executors, per-tool
// timeouts and output caps. It never retries; retry policy belongs to the
// loop.
type Registry struct {
	mu             sync.RWMutex
	tools          map[string]Tool
	defaultTimeout time.Duration
	outputCap      int
	noLimits       bool
}

// RegistryOptions configure execution bounds.
type RegistryOptions struct {
	// DefaultTimeout bounds each execution unless the tool overrides it.
	DefaultTimeout time.Duration
	// OutputCap bounds result bytes fed back to the planner.
	OutputCap int
	// NoLimits removes output caps. It never removes gate decisions.
	NoLimits bool
}

// NewRegistry creates a tool registry.
func NewRegistry(opts RegistryOptions) *Registry {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 60 * time.Second
	}
	if opts.OutputCap <= 0 {
		opts.OutputCap = 200_000
	}
	return &Registry{
		tools:          make(map[string]Tool),
		defaultTimeout: opts.DefaultTimeout,
		outputCap:      opts.OutputCap,
		noLimits:       opts.NoLimits,
	}
}

// Register adds a tool to the catalog.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// List returns the catalog ordered by name. The order is part of the
// catalog contract: the planner and the catalog hash both see it.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]Tool, len(names))
	for i, name := range names {
		out[i] = r.tools[name]
	}
	return out
}

// Definitions returns planner-facing tool definitions in catalog order.
func (r *Registry) Definitions() []provider.ToolDefinition {
	list := r.List()
	out := make([]provider.ToolDefinition, len(list))
	for i, tool := range list {
		out[i] = provider.ToolDefinition{
			Type: "function",
			Function: provider.FunctionDef{
				Name:        tool.Name(),
				Description: tool.Description(),
				Parameters:  tool.Parameters(),
			},
		}
	}
	return out
}

// CatalogHash hashes the (name, schema) pairs of the exposed tool set.
func (r *Registry) CatalogHash() (string, error) {
	type pair struct {
		Name   string         `json:"name"`
		Schema map[string]any `json:"schema"`
	}
	list := r.List()
	pairs := make([]pair, len(list))
	for i, tool := range list {
		pairs[i] = pair{Name: tool.Name(), Schema: tool.Parameters()}
	}
	return canon.HashJSON(pairs)
}

// Validate checks call arguments against the tool's schema. The same
// schema is advertised to the planner and enforced here.
func (r *Registry) Validate(name string, args map[string]any) error {
	tool, ok := r.Get(name)
	if !ok {
		return fmt.Errorf("unknown tool: %s", name)
	}
	return ValidateSchemaArgs(args, tool.Parameters())
}

// Execute runs a gated-and-validated tool call under its timeout and
// applies the output cap. Timeout enforcement belongs here, to the caller
// of the suspension point, not to the executor.
func (r *Registry) Execute(ctx context.Context, tc provider.ToolCall) Result {
	tool, ok := r.Get(tc.Name)
	if !ok {
		return Result{
			ToolName:   tc.Name,
			ToolCallID: tc.ID,
			OK:         false,
			Content:    fmt.Sprintf("unknown tool: %s", tc.Name),
			ErrKind:    ErrKindFatal,
			Meta:       Meta{Source: "builtin"},
		}
	}

	timeout := r.defaultTimeout
	if to, ok := tool.(TimeoutOverrider); ok && to.Timeout() > 0 {
		timeout = to.Timeout()
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan Execution, 1)
	go func() {
		done <- tool.Execute(execCtx, tc.Arguments)
	}()

	var exec Execution
	select {
	case exec = <-done:
	case <-execCtx.Done():
		kind := ErrKindTimeout
		detail := fmt.Sprintf("tool %s timed out after %s", tc.Name, timeout)
		if ctx.Err() != nil {
			detail = fmt.Sprintf("tool %s cancelled", tc.Name)
		}
		exec = Execution{
			OK:      false,
			Content: detail,
			ErrKind: kind,
			Meta:    Meta{Sensitivity: tool.Sensitivity(), Source: "builtin"},
		}
	}

	content := exec.Content
	truncated := false
	if !r.noLimits {
		content, truncated = TruncateBytes(content, r.outputCap)
	}
	if exec.Meta.Sensitivity == "" {
		exec.Meta.Sensitivity = tool.Sensitivity()
	}
	if exec.Meta.Source == "" {
		exec.Meta.Source = "builtin"
	}
	return Result{
		ToolName:   tc.Name,
		ToolCallID: tc.ID,
		OK:         exec.OK,
		Content:    content,
		Truncated:  truncated,
		ErrKind:    exec.ErrKind,
		Meta:       exec.Meta,
	}
}
