package cli

import (
	"bufio"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/oklog/ulid/v2"
	"github.com/spf13/cobra"

	"github.com/localagent/localagent/internal/agent"
	"github.com/localagent/localagent/internal/approval"
	"github.com/localagent/localagent/internal/audit"
	"github.com/localagent/localagent/internal/config"
	"github.com/localagent/localagent/internal/events"
	"github.com/localagent/localagent/internal/gate"
	"github.com/localagent/localagent/internal/mcp"
	"github.com/localagent/localagent/internal/policy"
	"github.com/localagent/localagent/internal/provider"
	"github.com/localagent/localagent/internal/session"
	"github.com/localagent/localagent/internal/timeline"
	"github.com/localagent/localagent/internal/tools"
)

var runFlags struct {
	providerID       string
	model            string
	baseURL          string
	sessionName      string
	trustMode        string
	approvalMode     string
	autoApproveScope string
	enableWriteTools bool
	allowWrite       bool
	allowShell       bool
	noLimits         bool
	maxTurns         int
	maxToolCalls     int
	wallClockSec     int
	mcpServers       []string
	mcpPinMode       string
	mcpPinHash       string
}

var runCmd = &cobra.Command{
	Use:   "run [prompt]",
	Short: "Run the agent loop against a local model",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		code, err := runAgent(cmd, strings.Join(args, " "))
		exitCode = code
		return err
	},
	SilenceUsage: true,
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&runFlags.providerID, "provider", "", "provider: lmstudio | llamacpp | ollama | openai-compatible")
	f.StringVar(&runFlags.model, "model", "", "model name")
	f.StringVar(&runFlags.baseURL, "base-url", "", "override the provider endpoint")
	f.StringVar(&runFlags.sessionName, "session", "", "seed the conversation from a named session")
	f.StringVar(&runFlags.trustMode, "trust", "", "trust mode: off | auto | on")
	f.StringVar(&runFlags.approvalMode, "approval-mode", "", "approval mode: interrupt | fail | auto")
	f.StringVar(&runFlags.autoApproveScope, "auto-approve-scope", "", "auto approval scope: run | session")
	f.BoolVar(&runFlags.enableWriteTools, "enable-write-tools", false, "expose write_file and apply_patch")
	f.BoolVar(&runFlags.allowWrite, "allow-write", false, "permit filesystem mutation")
	f.BoolVar(&runFlags.allowShell, "allow-shell", false, "permit shell execution")
	f.BoolVar(&runFlags.noLimits, "no-limits", false, "remove output caps (gate decisions still apply)")
	f.IntVar(&runFlags.maxTurns, "max-turns", 0, "turn budget")
	f.IntVar(&runFlags.maxToolCalls, "max-tool-calls", 0, "tool-call budget")
	f.IntVar(&runFlags.wallClockSec, "wall-clock", 0, "wall-clock budget in seconds")
	f.StringSliceVar(&runFlags.mcpServers, "mcp", nil, "mcp servers to start")
	f.StringVar(&runFlags.mcpPinMode, "mcp-pin", "", "mcp pin enforcement: hard | warn | off")
	f.StringVar(&runFlags.mcpPinHash, "mcp-pin-hash", "", "pinned mcp catalog hash")
}

func runAgent(cmd *cobra.Command, prompt string) (int, error) {
	workdir, err := os.Getwd()
	if err != nil {
		return 1, fmt.Errorf("resolve workdir: %w", err)
	}
	cfg, err := config.Load(workdir)
	if err != nil {
		return 1, err
	}
	applyRunFlags(cfg)

	if err := os.MkdirAll(cfg.Paths.StateDir, 0o755); err != nil {
		return 1, fmt.Errorf("create state dir: %w", err)
	}

	pstore, err := loadPolicy(cfg)
	if err != nil {
		return 1, err
	}
	approvals, err := approval.Open(cfg.ApprovalsPath())
	if err != nil {
		return 1, err
	}
	requests, err := approval.OpenRequests(cfg.RequestsPath())
	if err != nil {
		return 1, err
	}

	auditLog, mirror, err := openAudit(cfg)
	if err != nil {
		return 1, err
	}
	if mirror != nil {
		defer mirror.Close()
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sink := events.NewDispatcher(newConsoleSink())
	defer sink.Close(context.Background())

	// MCP servers start before the loop so hard pin drift can refuse the
	// run without producing a record.
	var mcpReg *mcp.Registry
	mcpCatalogHash := ""
	if len(cfg.MCP.Servers) > 0 {
		mcpCfg, err := mcp.LoadConfig(cfg.MCPConfigPath())
		if err != nil {
			return agent.ExitReason{Kind: agent.ExitMCPFailed}.ExitCode(), err
		}
		mcpReg, err = mcp.Start(ctx, mcpCfg, mcp.Options{
			Enabled:     cfg.MCP.Servers,
			CallTimeout: time.Duration(cfg.MCP.CallTimeoutMS) * time.Millisecond,
			Sink:        sink,
		})
		if err != nil {
			return agent.ExitReason{Kind: agent.ExitMCPFailed}.ExitCode(), err
		}
		defer mcpReg.Close()
		pin := mcp.Pin{Mode: mcp.PinMode(cfg.MCP.PinMode), CatalogHash: cfg.MCP.PinCatalogHash}
		if err := mcpReg.CheckPin(pin); err != nil {
			var drift *mcp.DriftError
			if errors.As(err, &drift) {
				color.Red("mcp_failed:drift: %v", drift)
				return agent.ExitReason{Kind: agent.ExitMCPFailed, Detail: "drift"}.ExitCode(), nil
			}
			return agent.ExitReason{Kind: agent.ExitMCPFailed}.ExitCode(), err
		}
		mcpCatalogHash = mcpReg.CatalogHash()
	}

	prov, err := provider.Resolve(cfg.Model.Provider, cfg.Model.BaseURL, cfg.Model.APIKey, cfg.Model.Name)
	if err != nil {
		return 1, err
	}

	registry := tools.NewRegistry(tools.RegistryOptions{
		DefaultTimeout: cfg.Budgets.PerToolTimeout(),
		OutputCap:      cfg.Tools.MaxToolOutputBytes,
		NoLimits:       cfg.Tools.NoLimits,
	})
	tools.RegisterBuiltins(registry, tools.Runtime{
		Workdir:      workdir,
		AllowShell:   cfg.Tools.AllowShell,
		AllowWrite:   cfg.Tools.AllowWrite,
		MaxReadBytes: cfg.Tools.MaxReadBytes,
	}, cfg.Tools.EnableWriteTools)

	manager := approval.NewManager()
	consoleApprover := newConsoleApprover(manager)
	runID := ulid.MustNew(ulid.Now(), rand.Reader).String()

	approvalsHash, err := approvals.Hash()
	if err != nil {
		return 1, err
	}
	configFP, err := cfg.Fingerprint()
	if err != nil {
		return 1, err
	}

	var seed []provider.Message
	var sess *session.Session
	if runFlags.sessionName != "" {
		sess, err = session.Load(cfg.SessionsDir(), runFlags.sessionName)
		if err != nil {
			return 1, err
		}
		seed = sess.Messages
	}

	loop := agent.New(agent.Options{
		Provider:  prov,
		Model:     cfg.Model.Name,
		Registry:  registry,
		MCP:       mcpReg,
		Approvals: manager,
		Sink:      multiSink{sink, consoleApprover},
		Audit:     auditLog,
		RunID:     runID,
		Gate: gate.New(gate.Options{
			Policy:       pstore,
			Approvals:    approvals,
			Audit:        auditLog,
			Requests:     requests,
			RunID:        runID,
			TrustMode:    gate.TrustMode(cfg.Trust.Mode),
			ApprovalMode: gate.ApprovalMode(cfg.Trust.ApprovalMode),
			AutoScope:    gate.AutoScope(cfg.Trust.AutoApproveScope),
		}),
		Budgets: agent.Budgets{
			MaxTurns:            cfg.Budgets.MaxTurns,
			MaxToolCalls:        cfg.Budgets.MaxToolCalls,
			WallClock:           cfg.Budgets.WallClock(),
			PerToolTimeout:      cfg.Budgets.PerToolTimeout(),
			PerNodeRetries:      cfg.Budgets.PerNodeRetries,
			SchemaRepairRetries: cfg.Budgets.SchemaRepairRetries,
		},
		Seed:              seed,
		PolicyHash:        pstore.Hash(),
		ApprovalsHash:     approvalsHash,
		ConfigFingerprint: configFP,
		MCPCatalogHash:    mcpCatalogHash,
		RunsDir:           cfg.RunsDir(),
		ProviderRetries:   cfg.Model.Retries,
	})

	record, reason, runErr := loop.Run(ctx, prompt)

	if sess != nil {
		sess.Replace(record.Conversation)
		if err := sess.Save(cfg.SessionsDir()); err != nil {
			slog.Warn("session save failed", "session", sess.Name, "error", err)
		}
	}

	printOutcome(record.Conversation, reason, loop.RunID())
	if runErr != nil {
		return reason.ExitCode(), runErr
	}
	return reason.ExitCode(), nil
}

func applyRunFlags(cfg *config.Config) {
	if runFlags.providerID != "" {
		cfg.Model.Provider = runFlags.providerID
	}
	if runFlags.model != "" {
		cfg.Model.Name = runFlags.model
	}
	if runFlags.baseURL != "" {
		cfg.Model.BaseURL = runFlags.baseURL
	}
	if runFlags.trustMode != "" {
		cfg.Trust.Mode = runFlags.trustMode
	}
	if runFlags.approvalMode != "" {
		cfg.Trust.ApprovalMode = runFlags.approvalMode
	}
	if runFlags.autoApproveScope != "" {
		cfg.Trust.AutoApproveScope = runFlags.autoApproveScope
	}
	if runFlags.enableWriteTools {
		cfg.Tools.EnableWriteTools = true
	}
	if runFlags.allowWrite {
		cfg.Tools.AllowWrite = true
	}
	if runFlags.allowShell {
		cfg.Tools.AllowShell = true
	}
	if runFlags.noLimits {
		cfg.Tools.NoLimits = true
	}
	if runFlags.maxTurns > 0 {
		cfg.Budgets.MaxTurns = runFlags.maxTurns
	}
	if runFlags.maxToolCalls > 0 {
		cfg.Budgets.MaxToolCalls = runFlags.maxToolCalls
	}
	if runFlags.wallClockSec > 0 {
		cfg.Budgets.WallClockSeconds = runFlags.wallClockSec
	}
	if len(runFlags.mcpServers) > 0 {
		cfg.MCP.Servers = runFlags.mcpServers
	}
	if runFlags.mcpPinMode != "" {
		cfg.MCP.PinMode = runFlags.mcpPinMode
	}
	if runFlags.mcpPinHash != "" {
		cfg.MCP.PinCatalogHash = runFlags.mcpPinHash
	}
}

func loadPolicy(cfg *config.Config) (*policy.Store, error) {
	path := cfg.PolicyPath()
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return policy.Compile(policy.DefaultDocument(), cfg.Paths.Workdir, "builtin")
	}
	return policy.Load(path, cfg.Paths.Workdir)
}

func openAudit(cfg *config.Config) (audit.Log, *timeline.Service, error) {
	fileLog, err := audit.OpenFile(cfg.AuditPath())
	if err != nil {
		return nil, nil, err
	}
	mirror, err := timeline.Open(cfg.TimelinePath())
	if err != nil {
		// The JSONL log is the durable record; run without the mirror.
		slog.Warn("timeline mirror unavailable", "error", err)
		return fileLog, nil, nil
	}
	return timeline.NewMirrorLog(fileLog, mirror), mirror, nil
}

func printOutcome(conversation []provider.Message, reason agent.ExitReason, runID string) {
	for i := len(conversation) - 1; i >= 0; i-- {
		m := conversation[i]
		if m.Role == provider.RoleAssistant && len(m.ToolCalls) == 0 && m.Content != "" {
			fmt.Println(m.Content)
			break
		}
	}
	line := fmt.Sprintf("run %s finished: %s", runID, reason)
	if reason.Kind == agent.ExitCompleted {
		color.Green(line)
	} else {
		color.Yellow(line)
	}
}

// multiSink fans one event out to several sinks in order.
type multiSink []events.Sink

func (m multiSink) Emit(ev events.Event) {
	for _, s := range m {
		s.Emit(ev)
	}
}

// consoleSink narrates lifecycle events.
type consoleSink struct{}

func newConsoleSink() consoleSink { return consoleSink{} }

func (consoleSink) Emit(ev events.Event) {
	switch ev.Kind {
	case events.KindToolExecStart:
		color.Cyan("→ %v", ev.Data["name"])
	case events.KindToolExecEnd:
		if ok, _ := ev.Data["ok"].(bool); !ok {
			color.Yellow("✗ %v (%v)", ev.Data["name"], ev.Data["error_kind"])
		}
	case events.KindProviderRetry:
		color.Yellow("provider retry #%v: %v", ev.Data["attempt"], ev.Data["error"])
	case events.KindDiagnostic:
		color.Yellow("diagnostic: %v", ev.Data)
	}
}

// consoleApprover answers ApprovalRequested events from stdin. It runs
// inline with event emission, so the loop blocks in the emit call while the
// prompt is open; the answer is buffered on the request and picked up by
// the approval wait that follows.
type consoleApprover struct {
	manager *approval.Manager
	in      *bufio.Reader
}

func newConsoleApprover(m *approval.Manager) *consoleApprover {
	return &consoleApprover{manager: m, in: bufio.NewReader(os.Stdin)}
}

func (c *consoleApprover) Emit(ev events.Event) {
	if ev.Kind != events.KindApprovalRequested {
		return
	}
	id, _ := ev.Data["approval_id"].(string)
	prompt, _ := ev.Data["prompt"].(string)
	color.Yellow("\n%s", prompt)
	fmt.Print("approve? [y]es once / [g]rant (ttl 1h, 5 uses) / [n]o: ")
	line, err := c.in.ReadString('\n')
	if err != nil {
		_ = c.manager.Respond(id, approval.Resolution{Approved: false})
		return
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		_ = c.manager.Respond(id, approval.Resolution{Approved: true})
	case "g", "grant":
		_ = c.manager.Respond(id, approval.Resolution{Approved: true, TTL: time.Hour, MaxUses: 5, Persist: true})
	default:
		_ = c.manager.Respond(id, approval.Resolution{Approved: false})
	}
}
