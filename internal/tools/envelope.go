package tools

import (
	"encoding/json"
	"fmt"

	"github.com/localagent/localagent/internal/provider"
)

// EnvelopeSchemaVersion tags the tool-result wire shape fed back to the
// planner.
const EnvelopeSchemaVersion = "localagent.tool_result.v1"

// Result is a bounded tool outcome: either a successful result or a typed
// tool-error. Both flow back into the conversation the same way.
type Result struct {
	ToolName   string
	ToolCallID string
	OK         bool
	Content    string
	Truncated  bool
	ErrKind    string
	Meta       Meta
}

// envelope is the serialized form of a Result.
type envelope struct {
	SchemaVersion string `json:"schema_version"`
	ToolName      string `json:"tool_name"`
	ToolCallID    string `json:"tool_call_id"`
	OK            bool   `json:"ok"`
	Content       string `json:"content"`
	Truncated     bool   `json:"truncated"`
	ErrKind       string `json:"error_kind,omitempty"`
	Meta          Meta   `json:"meta"`
}

// Message wraps the result as a tool-result conversation message.
func (r Result) Message() provider.Message {
	env := envelope{
		SchemaVersion: EnvelopeSchemaVersion,
		ToolName:      r.ToolName,
		ToolCallID:    r.ToolCallID,
		OK:            r.OK,
		Content:       r.Content,
		Truncated:     r.Truncated,
		ErrKind:       r.ErrKind,
		Meta:          r.Meta,
	}
	raw, err := json.Marshal(env)
	if err != nil {
		raw = []byte(fmt.Sprintf(`{"schema_version":%q,"ok":false,"content":"failed to serialize tool result envelope: %s"}`,
			EnvelopeSchemaVersion, err))
	}
	return provider.Message{
		Role:       provider.RoleTool,
		Content:    string(raw),
		ToolCallID: r.ToolCallID,
		ToolName:   r.ToolName,
	}
}

// ErrorResult builds a typed tool-error for a proposal that never reached
// an executor (schema violations, gate denies).
func ErrorResult(tc provider.ToolCall, kind, detail string) Result {
	return Result{
		ToolName:   tc.Name,
		ToolCallID: tc.ID,
		OK:         false,
		Content:    detail,
		ErrKind:    kind,
		Meta:       Meta{Source: "builtin"},
	}
}
