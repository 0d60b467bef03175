// Package gate is the single authoritative decision point for tool calls.
//
// It composes the policy store, the approvals store and the audit log into
// one decision function. Every decision is audited with the rule that
// matched, the argument fingerprint and the approval consumed, under a
// monotonic sequence number.
package gate

import (
	"fmt"

	"github.com/localagent/localagent/internal/approval"
	"github.com/localagent/localagent/internal/audit"
	"github.com/localagent/localagent/internal/policy"
)

// ApprovalMode selects the behavior on an unresolved approval.
type ApprovalMode string

const (
	// ApprovalInterrupt suspends the loop and asks the operator.
	ApprovalInterrupt ApprovalMode = "interrupt"
	// ApprovalFail translates every unresolved approval into a deny.
	ApprovalFail ApprovalMode = "fail"
	// ApprovalAuto grants implicitly, scoped per AutoScope.
	ApprovalAuto ApprovalMode = "auto"
)

// AutoScope bounds an implicit auto-mode grant.
type AutoScope string

const (
	// ScopeRun keeps auto grants in memory for the current run only.
	ScopeRun AutoScope = "run"
	// ScopeSession persists auto grants to the approvals store.
	ScopeSession AutoScope = "session"
)

// TrustMode controls whether the approvals store is consulted at all.
type TrustMode string

const (
	TrustOff  TrustMode = "off"
	TrustAuto TrustMode = "auto"
	TrustOn   TrustMode = "on"
)

// Effect is the decision category.
type Effect int

const (
	Allow Effect = iota
	Deny
	RequireApproval
)

func (e Effect) String() string {
	switch e {
	case Allow:
		return "allow"
	case Deny:
		return "deny"
	case RequireApproval:
		return "require_approval"
	}
	return fmt.Sprintf("effect(%d)", int(e))
}

// Decision is the gate's answer for one proposed tool call.
type Decision struct {
	Effect      Effect
	Reason      string
	RuleID      string
	DenyKind    string
	Fingerprint string
	ApprovalID  string
	RequestID   string
	Prompt      string
	Auto        bool
}

// Options wire the gate's collaborators. All are run-scoped injected
// dependencies, never process-wide singletons.
type Options struct {
	Policy    *policy.Store
	Approvals *approval.Store
	Audit     audit.Log
	// Requests records unresolved approvals for out-of-band resolution
	// via `localagent approve <id>` / `deny <id>`. Optional.
	Requests     *approval.RequestStore
	RunID        string
	TrustMode    TrustMode
	ApprovalMode ApprovalMode
	AutoScope    AutoScope
}

// Gate resolves proposed tool calls against policy and approvals.
type Gate struct {
	policy       *policy.Store
	approvals    *approval.Store
	audit        audit.Log
	requests     *approval.RequestStore
	runID        string
	trustMode    TrustMode
	approvalMode ApprovalMode
	autoScope    AutoScope
	runGrants    map[string]bool
}

// New creates a gate.
func New(opts Options) *Gate {
	if opts.TrustMode == "" {
		opts.TrustMode = TrustOn
	}
	if opts.ApprovalMode == "" {
		opts.ApprovalMode = ApprovalInterrupt
	}
	if opts.AutoScope == "" {
		opts.AutoScope = ScopeRun
	}
	return &Gate{
		policy:       opts.Policy,
		approvals:    opts.Approvals,
		audit:        opts.Audit,
		requests:     opts.Requests,
		runID:        opts.RunID,
		trustMode:    opts.TrustMode,
		approvalMode: opts.ApprovalMode,
		autoScope:    opts.AutoScope,
		runGrants:    make(map[string]bool),
	}
}

// Mode returns the configured approval mode.
func (g *Gate) Mode() ApprovalMode { return g.approvalMode }

// Decide resolves one proposed tool call. A Deny is terminal for the
// call, never for the loop: the caller feeds a tool-error back to the
// planner and continues.
func (g *Gate) Decide(tool string, args map[string]any) (Decision, error) {
	pd := g.policy.Decide(tool, args)
	switch pd.Effect {
	case policy.Allow:
		dec := Decision{Effect: Allow, RuleID: pd.RuleID}
		return dec, g.record(tool, args, dec)
	case policy.Deny:
		dec := Decision{Effect: Deny, RuleID: pd.RuleID, DenyKind: pd.DenyKind, Reason: pd.Reason}
		return dec, g.record(tool, args, dec)
	}

	fp, err := approval.Fingerprint(tool, args)
	if err != nil {
		return Decision{}, fmt.Errorf("fingerprint %s: %w", tool, err)
	}

	if g.trustMode != TrustOff {
		if a, ok := g.approvals.Lookup(tool, fp); ok {
			if err := g.approvals.Consume(a.ID); err != nil {
				return Decision{}, fmt.Errorf("consume approval %s: %w", a.ID, err)
			}
			dec := Decision{Effect: Allow, RuleID: pd.RuleID, Fingerprint: fp, ApprovalID: a.ID, Auto: a.Auto}
			return dec, g.record(tool, args, dec)
		}
	}
	if g.runGrants[fp] {
		dec := Decision{Effect: Allow, RuleID: pd.RuleID, Fingerprint: fp, Auto: true}
		return dec, g.record(tool, args, dec)
	}

	switch g.approvalMode {
	case ApprovalFail:
		dec := Decision{
			Effect:      Deny,
			RuleID:      pd.RuleID,
			DenyKind:    "approval_required",
			Fingerprint: fp,
			Reason:      fmt.Sprintf("tool %s requires approval and approval mode is fail", tool),
		}
		if g.requests != nil {
			id, err := g.requests.Record(tool, fp, args)
			if err != nil {
				return Decision{}, fmt.Errorf("record approval request: %w", err)
			}
			dec.RequestID = id
			dec.Reason = fmt.Sprintf("tool %s requires approval. Run: localagent approve %s (or deny %s) then re-run", tool, id, id)
		}
		return dec, g.record(tool, args, dec)
	case ApprovalAuto:
		dec := Decision{Effect: Allow, RuleID: pd.RuleID, Fingerprint: fp, Auto: true}
		switch g.autoScope {
		case ScopeSession:
			id, err := g.approvals.Grant(tool, fp, 0, 0, true)
			if err != nil {
				return Decision{}, fmt.Errorf("auto grant: %w", err)
			}
			dec.ApprovalID = id
			g.auditGrant(tool, fp, id, true)
		default:
			g.runGrants[fp] = true
		}
		return dec, g.record(tool, args, dec)
	default:
		dec := Decision{
			Effect:      RequireApproval,
			RuleID:      pd.RuleID,
			Fingerprint: fp,
			Reason:      pd.Reason,
			Prompt:      approvalPrompt(tool, args),
		}
		return dec, g.record(tool, args, dec)
	}
}

// ResolveOperator applies an operator response to a pending
// RequireApproval decision and returns the final decision for the call.
// A grant with TTL or use count persists to the store and is immediately
// consumed once for the current call.
func (g *Gate) ResolveOperator(tool string, args map[string]any, pending Decision, res approval.Resolution) (Decision, error) {
	if !res.Approved {
		dec := Decision{
			Effect:      Deny,
			RuleID:      pending.RuleID,
			DenyKind:    "operator_denied",
			Fingerprint: pending.Fingerprint,
			Reason:      fmt.Sprintf("operator denied tool %s", tool),
		}
		return dec, g.record(tool, args, dec)
	}
	dec := Decision{Effect: Allow, RuleID: pending.RuleID, Fingerprint: pending.Fingerprint}
	if res.Persist || res.TTL > 0 || res.MaxUses > 0 {
		id, err := g.approvals.Grant(tool, pending.Fingerprint, res.TTL, res.MaxUses, false)
		if err != nil {
			return Decision{}, fmt.Errorf("grant approval: %w", err)
		}
		g.auditGrant(tool, pending.Fingerprint, id, false)
		if err := g.approvals.Consume(id); err != nil {
			return Decision{}, fmt.Errorf("consume fresh grant %s: %w", id, err)
		}
		dec.ApprovalID = id
	}
	return dec, g.record(tool, args, dec)
}

func (g *Gate) record(tool string, args map[string]any, dec Decision) error {
	payload := map[string]any{
		"tool":          tool,
		"args":          args,
		"decision":      dec.Effect.String(),
		"rule_id":       dec.RuleID,
		"approval_mode": string(g.approvalMode),
	}
	if dec.Fingerprint != "" {
		payload["args_fingerprint"] = dec.Fingerprint
	}
	if dec.ApprovalID != "" {
		payload["approval_id"] = dec.ApprovalID
	}
	if dec.RequestID != "" {
		payload["request_id"] = dec.RequestID
	}
	if dec.DenyKind != "" {
		payload["deny_kind"] = dec.DenyKind
	}
	if dec.Reason != "" {
		payload["reason"] = dec.Reason
	}
	if dec.Auto {
		payload["auto"] = true
		payload["auto_approve_scope"] = string(g.autoScope)
	}
	if _, err := g.audit.Append(audit.KindGateDecision, g.runID, payload); err != nil {
		return fmt.Errorf("audit gate decision: %w", err)
	}
	return nil
}

func (g *Gate) auditGrant(tool, fingerprint, id string, auto bool) {
	payload := map[string]any{
		"tool":             tool,
		"args_fingerprint": fingerprint,
		"approval_id":      id,
	}
	if auto {
		payload["auto"] = true
	}
	_, _ = g.audit.Append(audit.KindApprovalGrant, g.runID, payload)
}

func approvalPrompt(tool string, args map[string]any) string {
	relevant := approval.RelevantArgs(tool, args)
	preview := ""
	for _, k := range relevant {
		if v, ok := args[k]; ok {
			preview += fmt.Sprintf("  %s: %v\n", k, truncatePreview(fmt.Sprintf("%v", v)))
		}
	}
	return fmt.Sprintf("Tool %q requires approval.\n%sGranted approvals can carry a TTL and a use count.", tool, preview)
}

func truncatePreview(s string) string {
	if len(s) > 120 {
		return s[:120] + "..."
	}
	return s
}
