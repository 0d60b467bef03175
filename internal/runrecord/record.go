// Package runrecord builds, persists and replays run artifacts.
//
// A run record captures everything needed to audit or replay one run:
// identity hashes for policy, approvals, config and the MCP catalog, the
// ordered event log, the full conversation and every gate decision. The
// serialization is canonical (sorted keys), so re-reading a record and
// re-serializing it yields the same bytes, and unknown fields survive the
// round trip.
package runrecord

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/localagent/localagent/internal/canon"
	"github.com/localagent/localagent/internal/events"
	"github.com/localagent/localagent/internal/provider"
)

// SchemaVersion tags the record shape. Evolution is additive only.
const SchemaVersion = "localagent.run_record.v1"

// Budget is the immutable bound bundle a run was started with.
type Budget struct {
	MaxTurns         int   `json:"max_turns"`
	MaxToolCalls     int   `json:"max_tool_calls"`
	WallClockSeconds int64 `json:"wall_clock_seconds"`
	PerToolTimeoutMS int64 `json:"per_tool_timeout_ms"`
	PerNodeRetries   int   `json:"per_node_retries"`
}

// ToolDecision records one gate decision and its per-call outcome.
type ToolDecision struct {
	Step        int    `json:"step"`
	ToolCallID  string `json:"tool_call_id"`
	Tool        string `json:"tool"`
	Decision    string `json:"decision"`
	RuleID      string `json:"rule_id,omitempty"`
	DenyKind    string `json:"deny_kind,omitempty"`
	ApprovalID  string `json:"approval_id,omitempty"`
	Fingerprint string `json:"args_fingerprint,omitempty"`
	ErrKind     string `json:"error_kind,omitempty"`
	Invoked     bool   `json:"invoked"`
}

// Record is the replay artifact for one run.
type Record struct {
	SchemaVersion     string             `json:"schema_version"`
	RunID             string             `json:"run_id"`
	Provider          string             `json:"provider"`
	Model             string             `json:"model"`
	StartedAt         time.Time          `json:"started_at"`
	EndedAt           time.Time          `json:"ended_at"`
	ExitReason        string             `json:"exit_reason"`
	PolicyHash        string             `json:"policy_hash"`
	ApprovalsHash     string             `json:"approvals_hash"`
	ConfigFingerprint string             `json:"config_fingerprint"`
	MCPCatalogHash    string             `json:"mcp_catalog_hash"`
	Events            []events.Event     `json:"events"`
	Conversation      []provider.Message `json:"conversation"`
	ToolDecisions     []ToolDecision     `json:"tool_decisions"`
	Budget            Budget             `json:"budget"`

	// Extra preserves fields written by newer schema revisions.
	Extra map[string]json.RawMessage `json:"-"`
}

// knownFields mirrors the json tags above; unmarshal routes everything
// else into Extra.
var knownFields = []string{
	"schema_version", "run_id", "provider", "model", "started_at",
	"ended_at", "exit_reason", "policy_hash", "approvals_hash",
	"config_fingerprint", "mcp_catalog_hash", "events", "conversation",
	"tool_decisions", "budget",
}

// Marshal serializes the record canonically.
func (r *Record) Marshal() ([]byte, error) {
	type alias Record
	base, err := json.Marshal((*alias)(r))
	if err != nil {
		return nil, fmt.Errorf("marshal run record: %w", err)
	}
	if len(r.Extra) == 0 {
		return canon.Normalize(base)
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(base, &m); err != nil {
		return nil, fmt.Errorf("remap run record: %w", err)
	}
	for k, v := range r.Extra {
		if _, exists := m[k]; !exists {
			m[k] = v
		}
	}
	merged, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("merge run record extras: %w", err)
	}
	return canon.Normalize(merged)
}

// Unmarshal parses a record, preserving unknown fields.
func Unmarshal(raw []byte) (*Record, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parse run record: %w", err)
	}
	type alias Record
	var r alias
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("parse run record fields: %w", err)
	}
	rec := Record(r)
	for _, k := range knownFields {
		delete(m, k)
	}
	if len(m) > 0 {
		rec.Extra = m
	}
	if rec.SchemaVersion == "" {
		return nil, fmt.Errorf("run record missing schema_version")
	}
	return &rec, nil
}

// Write persists the record under dir as <run_id>.json with temp-then-
// rename atomicity.
func Write(dir string, r *Record) (string, error) {
	if r.RunID == "" {
		return "", fmt.Errorf("run record has no run id")
	}
	raw, err := r.Marshal()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create runs dir: %w", err)
	}
	path := filepath.Join(dir, r.RunID+".json")
	tmp, err := os.CreateTemp(dir, ".run-*.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp run record: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write run record: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("sync run record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close run record: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return "", fmt.Errorf("rename run record: %w", err)
	}
	return path, nil
}

// Read loads a record from disk.
func Read(path string) (*Record, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read run record: %w", err)
	}
	return Unmarshal(raw)
}
