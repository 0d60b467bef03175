// Package agent implements the supervisory run loop.
//
// The loop drives the planner through PLAN → GATE → EXEC → OBSERVE under
// immutable budgets. The model is an untrusted oracle: it proposes tool
// calls, but the loop decides what runs, when the run ends, and what is
// durably recorded. Completion is loop-authoritative: a final assistant
// message is terminal only because it requested no tool calls, never
// because its prose sounds finished.
package agent

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/localagent/localagent/internal/approval"
	"github.com/localagent/localagent/internal/audit"
	"github.com/localagent/localagent/internal/events"
	"github.com/localagent/localagent/internal/gate"
	"github.com/localagent/localagent/internal/mcp"
	"github.com/localagent/localagent/internal/provider"
	"github.com/localagent/localagent/internal/runrecord"
	"github.com/localagent/localagent/internal/tools"
)

const defaultSystemPrompt = "You are an agent that may call tools to gather information. " +
	"Use tools when needed, then provide a final direct answer when done. " +
	"If no tools are needed, answer immediately."

// Options wire the loop's collaborators. Every dependency is run-scoped
// and injected; tests swap in-memory variants with identical contracts.
type Options struct {
	Provider  provider.Provider
	Model     string
	Registry  *tools.Registry
	MCP       *mcp.Registry
	Gate      *gate.Gate
	Approvals *approval.Manager
	Sink      events.Sink
	Audit     audit.Log
	Budgets   Budgets

	// Seed is the session-loaded conversation prefix.
	Seed         []provider.Message
	SystemPrompt string

	// Identity hashes stamped into the run record.
	PolicyHash        string
	ApprovalsHash     string
	ConfigFingerprint string
	MCPCatalogHash    string

	// RunsDir, when set, is where the loop commits the run record.
	RunsDir string

	// ProviderRetries bounds transient provider retries per step.
	ProviderRetries int

	// ContextWindowMessages bounds the derived view sent to the provider.
	ContextWindowMessages int

	// Clock and RunID are injectable for deterministic runs.
	Clock func() time.Time
	RunID string
}

// Loop is the run controller. It is entered once per run and never
// concurrently with itself.
type Loop struct {
	opts  Options
	clock func() time.Time

	runID       string
	conv        *Conversation
	evs         []events.Event
	decisions   []runrecord.ToolDecision
	turn        int
	toolCalls   int
	repairsUsed int
	startedAt   time.Time
	deadline    time.Time
	lastDenied  string
}

// New creates a loop.
func New(opts Options) *Loop {
	if opts.Sink == nil {
		opts.Sink = events.NullSink{}
	}
	if opts.Audit == nil {
		opts.Audit = audit.NewMemoryLog()
	}
	if opts.Budgets.MaxTurns <= 0 {
		opts.Budgets = DefaultBudgets()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	runID := opts.RunID
	if runID == "" {
		runID = ulid.MustNew(ulid.Timestamp(clock()), rand.Reader).String()
	}
	return &Loop{opts: opts, clock: clock, runID: runID}
}

// RunID returns the run identifier.
func (l *Loop) RunID() string { return l.runID }

// Run drives the loop to completion and returns the committed record.
// The record is always built, even on cancellation or budget exhaustion;
// only a refused startup (MCP hard drift) never reaches Run.
func (l *Loop) Run(ctx context.Context, userPrompt string) (*runrecord.Record, ExitReason, error) {
	l.startedAt = l.clock()
	if l.opts.Budgets.WallClock > 0 {
		l.deadline = l.startedAt.Add(l.opts.Budgets.WallClock)
	}

	catalog := l.buildCatalog()
	l.conv = NewConversation(l.seedMessages(userPrompt), catalog)

	l.emit(events.KindRunStarted, map[string]any{
		"provider": l.opts.Provider.ID(),
		"model":    l.opts.Model,
		"catalog":  len(catalog),
	})
	l.auditLifecycle("run_started", nil)

	reason := l.steps(ctx)

	l.emit(events.KindRunFinished, map[string]any{"exit_reason": reason.String()})
	l.auditLifecycle("run_finished", map[string]any{"exit_reason": reason.String()})

	record := l.buildRecord(reason)
	var commitErr error
	if l.opts.RunsDir != "" {
		if _, err := runrecord.Write(l.opts.RunsDir, record); err != nil {
			slog.Error("run record commit failed", "run_id", l.runID, "error", err)
			commitErr = err
			if reason.Kind != ExitCancelled {
				reason = ExitReason{Kind: ExitInternalError, Detail: "run_record"}
				record.ExitReason = reason.String()
			}
		}
	}
	if err := l.opts.Audit.Close(); err != nil {
		slog.Error("audit close failed", "run_id", l.runID, "error", err)
	}
	return record, reason, commitErr
}

// steps is the turn state machine.
func (l *Loop) steps(ctx context.Context) ExitReason {
	for {
		// Budget checks come first, before the planner is consulted.
		if l.opts.Budgets.MaxTurns > 0 && l.turn >= l.opts.Budgets.MaxTurns {
			return ExitReason{Kind: ExitBudgetExceeded, Detail: BudgetTurns}
		}
		if l.wallClockExpired() {
			return ExitReason{Kind: ExitBudgetExceeded, Detail: BudgetWallClock}
		}
		// PLAN boundary is a suspension point: observe cancellation.
		if ctx.Err() != nil {
			return ExitReason{Kind: ExitCancelled}
		}

		l.emit(events.KindStepStarted, map[string]any{"turn": l.turn})
		resp, err := l.plan(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ExitReason{Kind: ExitCancelled}
			}
			detail := "fatal"
			if provider.IsTransient(err) {
				detail = "transient"
			}
			slog.Error("provider step failed", "run_id", l.runID, "turn", l.turn, "error", err)
			return ExitReason{Kind: ExitProviderFailed, Detail: detail}
		}

		l.conv.Append(provider.Message{
			Role:      provider.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		// A final message accompanied by tool calls is a tool-call turn.
		if len(resp.ToolCalls) == 0 {
			return ExitReason{Kind: ExitCompleted}
		}

		if reason, done := l.executeProposals(ctx, resp.ToolCalls); done {
			return reason
		}
		if ctx.Err() != nil {
			return ExitReason{Kind: ExitCancelled}
		}
		l.turn++
	}
}

// executeProposals gates and executes the turn's proposals in planner
// order. It reports a terminal reason when a budget or policy boundary
// ends the run mid-turn.
func (l *Loop) executeProposals(ctx context.Context, proposals []provider.ToolCall) (ExitReason, bool) {
	deniedSignature := ""
	allDenied := len(proposals) > 0
	for _, tc := range proposals {
		if ctx.Err() != nil {
			return ExitReason{Kind: ExitCancelled}, true
		}
		// The budget binds before the executor runs: a third proposal
		// against max_tool_calls=2 never reaches EXEC.
		if l.opts.Budgets.MaxToolCalls > 0 && l.toolCalls >= l.opts.Budgets.MaxToolCalls {
			return ExitReason{Kind: ExitBudgetExceeded, Detail: BudgetToolCalls}, true
		}
		if l.wallClockExpired() {
			return ExitReason{Kind: ExitBudgetExceeded, Detail: BudgetWallClock}, true
		}

		l.emit(events.KindToolProposed, map[string]any{"tool_call_id": tc.ID, "name": tc.Name})

		if violation := l.validate(tc); violation != "" {
			res := tools.ErrorResult(tc, tools.ErrKindSchemaViolation, violation)
			l.conv.Append(res.Message())
			l.recordDecision(tc, "schema_violation", gate.Decision{}, tools.ErrKindSchemaViolation, false)
			if l.repairsUsed < l.opts.Budgets.SchemaRepairRetries {
				// Repair retry: surface the error to the planner without
				// charging the tool-call budget.
				l.repairsUsed++
			} else {
				l.toolCalls++
			}
			allDenied = false
			continue
		}

		dec, err := l.opts.Gate.Decide(tc.Name, tc.Arguments)
		if err != nil {
			slog.Error("gate decision failed", "run_id", l.runID, "tool", tc.Name, "error", err)
			return ExitReason{Kind: ExitInternalError, Detail: "gate"}, true
		}
		l.emit(events.KindGateDecision, map[string]any{
			"tool_call_id": tc.ID,
			"name":         tc.Name,
			"decision":     dec.Effect.String(),
			"rule_id":      dec.RuleID,
		})

		if dec.Effect == gate.RequireApproval {
			resolved, reason, done := l.awaitOperator(ctx, tc, dec)
			if done {
				return reason, true
			}
			dec = resolved
		}

		switch dec.Effect {
		case gate.Deny:
			l.toolCalls++
			res := tools.ErrorResult(tc, tools.ErrKindDenied, dec.Reason)
			l.conv.Append(res.Message())
			l.recordDecision(tc, "deny", dec, tools.ErrKindDenied, false)
			switch dec.DenyKind {
			case "operator_denied", "approval_required":
				// Operator choices are not a policy dead end; keep going.
				allDenied = false
			default:
				deniedSignature += tc.Name + "|" + dec.RuleID + ";"
			}
			if l.opts.Gate.Mode() == gate.ApprovalFail && dec.DenyKind == "approval_required" {
				return ExitReason{Kind: ExitApprovalDenied}, true
			}
		case gate.Allow:
			l.toolCalls++
			res := l.invoke(ctx, tc)
			l.conv.Append(res.Message())
			l.recordDecision(tc, "allow", dec, res.ErrKind, true)
			allDenied = false
			// GATE/EXEC transition is a suspension point: a cancel that
			// arrived during execution finalizes after the partial
			// result is appended.
			if ctx.Err() != nil {
				return ExitReason{Kind: ExitCancelled}, true
			}
		}
	}

	// A planner stuck proposing the same denied calls cannot make
	// progress; burn no further budget on it.
	if allDenied && deniedSignature != "" {
		if deniedSignature == l.lastDenied {
			return ExitReason{Kind: ExitPolicyDenied, Detail: "terminal"}, true
		}
		l.lastDenied = deniedSignature
	} else {
		l.lastDenied = ""
	}
	return ExitReason{}, false
}

// awaitOperator suspends for an interrupt-mode approval. The suspension
// observes cancellation; fail and auto modes never reach here.
func (l *Loop) awaitOperator(ctx context.Context, tc provider.ToolCall, pending gate.Decision) (gate.Decision, ExitReason, bool) {
	if l.opts.Approvals == nil {
		dec := gate.Decision{
			Effect:      gate.Deny,
			DenyKind:    "approval_required",
			Fingerprint: pending.Fingerprint,
			Reason:      "approval required but no operator channel is attached",
		}
		return dec, ExitReason{}, false
	}
	req := &approval.Request{
		Tool:        tc.Name,
		Fingerprint: pending.Fingerprint,
		Arguments:   tc.Arguments,
		Prompt:      pending.Prompt,
	}
	id := l.opts.Approvals.Create(req)
	l.emit(events.KindApprovalRequested, map[string]any{
		"tool_call_id":     tc.ID,
		"name":             tc.Name,
		"approval_id":      id,
		"args_fingerprint": pending.Fingerprint,
		"prompt":           pending.Prompt,
	})

	res, err := l.opts.Approvals.Wait(ctx, id)
	if err != nil {
		if ctx.Err() != nil {
			return gate.Decision{}, ExitReason{Kind: ExitCancelled}, true
		}
		res = approval.Resolution{Approved: false}
	}
	l.emit(events.KindApprovalResolved, map[string]any{
		"approval_id": id,
		"approved":    res.Approved,
	})

	dec, gerr := l.opts.Gate.ResolveOperator(tc.Name, tc.Arguments, pending, res)
	if gerr != nil {
		slog.Error("operator resolution failed", "run_id", l.runID, "tool", tc.Name, "error", gerr)
		return gate.Decision{}, ExitReason{Kind: ExitInternalError, Detail: "gate"}, true
	}
	return dec, ExitReason{}, false
}

// invoke routes an allowed call to its executor and audits the
// invocation. Retries apply only to transient executor errors and only
// when enabled, bounded by the remaining wall clock.
func (l *Loop) invoke(ctx context.Context, tc provider.ToolCall) tools.Result {
	_, _ = l.opts.Audit.Append(audit.KindToolInvoked, l.runID, map[string]any{
		"tool_call_id": tc.ID,
		"tool":         tc.Name,
		"args":         tc.Arguments,
	})
	l.emit(events.KindToolExecStart, map[string]any{"tool_call_id": tc.ID, "name": tc.Name})

	start := l.clock()
	res := l.invokeOnce(ctx, tc)
	for attempt := 1; attempt <= l.opts.Budgets.PerNodeRetries; attempt++ {
		if res.OK || res.ErrKind != tools.ErrKindTransient || ctx.Err() != nil {
			break
		}
		backoff := time.Duration(1<<uint(attempt-1)) * 500 * time.Millisecond
		if !l.deadline.IsZero() {
			remaining := l.deadline.Sub(l.clock())
			if remaining <= 0 {
				break
			}
			if backoff > remaining {
				backoff = remaining
			}
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
		res = l.invokeOnce(ctx, tc)
	}

	_, _ = l.opts.Audit.Append(audit.KindToolResult, l.runID, map[string]any{
		"tool_call_id": tc.ID,
		"tool":         tc.Name,
		"ok":           res.OK,
		"error_kind":   res.ErrKind,
		"truncated":    res.Truncated,
		"duration_ms":  l.clock().Sub(start).Milliseconds(),
	})
	l.emit(events.KindToolExecEnd, map[string]any{
		"tool_call_id": tc.ID,
		"name":         tc.Name,
		"ok":           res.OK,
		"error_kind":   res.ErrKind,
	})
	return res
}

func (l *Loop) invokeOnce(ctx context.Context, tc provider.ToolCall) tools.Result {
	if strings.HasPrefix(tc.Name, "mcp.") {
		if l.opts.MCP == nil {
			return tools.ErrorResult(tc, tools.ErrKindMCPTransport, "mcp registry not available")
		}
		return l.opts.MCP.Call(ctx, tc)
	}
	return l.opts.Registry.Execute(ctx, tc)
}

// plan asks the provider for the next step, retrying transient transport
// failures with capped exponential backoff.
func (l *Loop) plan(ctx context.Context) (*provider.ChatResponse, error) {
	req := &provider.ChatRequest{
		Messages:    l.conv.Window(l.opts.ContextWindowMessages),
		Tools:       l.conv.Catalog(),
		Model:       l.opts.Model,
		MaxTokens:   4096,
		Temperature: 0.2,
	}
	var lastErr error
	attempts := l.opts.ProviderRetries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * time.Second
			if !l.deadline.IsZero() {
				remaining := l.deadline.Sub(l.clock())
				if remaining <= 0 {
					break
				}
				if backoff > remaining {
					backoff = remaining
				}
			}
			l.emit(events.KindProviderRetry, map[string]any{"attempt": attempt, "error": lastErr.Error()})
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		resp, err := l.opts.Provider.Chat(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !provider.IsTransient(err) {
			break
		}
	}
	return nil, lastErr
}

func (l *Loop) validate(tc provider.ToolCall) string {
	if strings.HasPrefix(tc.Name, "mcp.") && l.opts.MCP != nil {
		for _, t := range l.opts.MCP.Tools() {
			if t.Name == tc.Name {
				if err := tools.ValidateSchemaArgs(tc.Arguments, t.Schema); err != nil {
					return fmt.Sprintf("invalid tool arguments: %v", err)
				}
				return ""
			}
		}
		return fmt.Sprintf("unknown tool: %s", tc.Name)
	}
	if err := l.opts.Registry.Validate(tc.Name, tc.Arguments); err != nil {
		return fmt.Sprintf("invalid tool arguments: %v", err)
	}
	return ""
}

func (l *Loop) wallClockExpired() bool {
	return !l.deadline.IsZero() && l.clock().After(l.deadline)
}

func (l *Loop) seedMessages(userPrompt string) []provider.Message {
	prompt := l.opts.SystemPrompt
	if prompt == "" {
		prompt = defaultSystemPrompt
	}
	msgs := []provider.Message{{Role: provider.RoleSystem, Content: prompt}}
	msgs = append(msgs, l.opts.Seed...)
	if userPrompt != "" {
		msgs = append(msgs, provider.Message{Role: provider.RoleUser, Content: userPrompt})
	}
	return msgs
}

func (l *Loop) buildCatalog() []provider.ToolDefinition {
	defs := l.opts.Registry.Definitions()
	if l.opts.MCP != nil {
		defs = append(defs, l.opts.MCP.Definitions()...)
	}
	return defs
}

func (l *Loop) emit(kind string, data map[string]any) {
	ev := events.Event{
		RunID: l.runID,
		Step:  l.turn,
		Kind:  kind,
		Time:  l.clock().UTC(),
		Data:  data,
	}
	l.evs = append(l.evs, ev)
	l.opts.Sink.Emit(ev)
}

func (l *Loop) auditLifecycle(stage string, extra map[string]any) {
	payload := map[string]any{"stage": stage}
	for k, v := range extra {
		payload[k] = v
	}
	if _, err := l.opts.Audit.Append(audit.KindLifecycle, l.runID, payload); err != nil {
		slog.Error("lifecycle audit failed", "run_id", l.runID, "stage", stage, "error", err)
	}
}

func (l *Loop) recordDecision(tc provider.ToolCall, decision string, dec gate.Decision, errKind string, invoked bool) {
	l.decisions = append(l.decisions, runrecord.ToolDecision{
		Step:        l.turn,
		ToolCallID:  tc.ID,
		Tool:        tc.Name,
		Decision:    decision,
		RuleID:      dec.RuleID,
		DenyKind:    dec.DenyKind,
		ApprovalID:  dec.ApprovalID,
		Fingerprint: dec.Fingerprint,
		ErrKind:     errKind,
		Invoked:     invoked,
	})
}

func (l *Loop) buildRecord(reason ExitReason) *runrecord.Record {
	return &runrecord.Record{
		SchemaVersion:     runrecord.SchemaVersion,
		RunID:             l.runID,
		Provider:          l.opts.Provider.ID(),
		Model:             l.opts.Model,
		StartedAt:         l.startedAt.UTC(),
		EndedAt:           l.clock().UTC(),
		ExitReason:        reason.String(),
		PolicyHash:        l.opts.PolicyHash,
		ApprovalsHash:     l.opts.ApprovalsHash,
		ConfigFingerprint: l.opts.ConfigFingerprint,
		MCPCatalogHash:    l.opts.MCPCatalogHash,
		Events:            l.evs,
		Conversation:      l.conv.Messages(),
		ToolDecisions:     l.decisions,
		Budget:            l.opts.Budgets.Record(),
	}
}
