package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/localagent/localagent/internal/canon"
	"github.com/localagent/localagent/internal/events"
	"github.com/localagent/localagent/internal/provider"
	"github.com/localagent/localagent/internal/tools"
)

// DriftError reports a pinned catalog mismatch in hard mode. The run must
// refuse to start; no run record is produced.
type DriftError struct {
	Pinned string
	Actual string
}

func (e *DriftError) Error() string {
	return fmt.Sprintf("mcp catalog drift: pinned %s, actual %s", e.Pinned, e.Actual)
}

// cancelGrace bounds how long a cancelled call waits for the server's
// response before forcibly detaching.
const cancelGrace = 2 * time.Second

// ImportedTool is one namespaced MCP tool in the catalog.
type ImportedTool struct {
	Name        string
	Server      string
	Remote      string
	Description string
	Schema      map[string]any
}

type serverConn struct {
	name string
	// callMu serializes calls per server; MCP stdio servers do not
	// declare parallel support through the current handshake.
	callMu sync.Mutex
	client *mcpclient.Client

	mu     sync.Mutex
	failed error
}

func (c *serverConn) markFailed(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failed == nil {
		c.failed = err
	}
}

func (c *serverConn) failure() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failed
}

// Registry owns the MCP server connections and the imported tool set.
type Registry struct {
	servers     map[string]*serverConn
	imported    []ImportedTool
	catalogHash string
	callTimeout time.Duration
	outputCap   int
	sink        events.Sink
	runID       string
}

// Options configure registry startup.
type Options struct {
	// Enabled names the configured servers to start; empty starts none.
	Enabled []string
	// StartupTimeout bounds handshake plus tool listing per server.
	StartupTimeout time.Duration
	// CallTimeout bounds each tool invocation.
	CallTimeout time.Duration
	// OutputCap bounds MCP result bytes. This cap is independent of the
	// built-in tool caps and survives --no-limits.
	OutputCap int
	// Sink receives progress notifications. Nil discards them.
	Sink events.Sink
	// RunID labels forwarded events.
	RunID string
}

// Start launches the enabled servers in parallel, performs the handshake,
// lists tools and computes the catalog hash.
func Start(ctx context.Context, cfg *ConfigFile, opts Options) (*Registry, error) {
	if opts.StartupTimeout <= 0 {
		opts.StartupTimeout = 15 * time.Second
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 60 * time.Second
	}
	if opts.OutputCap <= 0 {
		opts.OutputCap = 200_000
	}
	sink := opts.Sink
	if sink == nil {
		sink = events.NullSink{}
	}
	reg := &Registry{
		servers:     make(map[string]*serverConn),
		callTimeout: opts.CallTimeout,
		outputCap:   opts.OutputCap,
		sink:        sink,
		runID:       opts.RunID,
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, name := range opts.Enabled {
		sc, ok := cfg.Servers[name]
		if !ok {
			return nil, fmt.Errorf("mcp server %q not configured", name)
		}
		name, sc := name, sc
		g.Go(func() error {
			conn, imported, err := connect(gctx, name, sc, opts.StartupTimeout, reg)
			if err != nil {
				return fmt.Errorf("start mcp server %s: %w", name, err)
			}
			mu.Lock()
			reg.servers[name] = conn
			reg.imported = append(reg.imported, imported...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		reg.Close()
		return nil, err
	}

	sort.Slice(reg.imported, func(i, j int) bool { return reg.imported[i].Name < reg.imported[j].Name })
	hash, err := reg.computeCatalogHash()
	if err != nil {
		reg.Close()
		return nil, err
	}
	reg.catalogHash = hash
	return reg, nil
}

func connect(ctx context.Context, name string, sc ServerConfig, timeout time.Duration, reg *Registry) (*serverConn, []ImportedTool, error) {
	c, err := mcpclient.NewStdioMCPClient(sc.Command, sc.Env, sc.Args...)
	if err != nil {
		return nil, nil, fmt.Errorf("spawn: %w", err)
	}
	conn := &serverConn{name: name, client: c}

	c.OnNotification(func(n mcplib.JSONRPCNotification) {
		if !strings.HasPrefix(n.Method, "notifications/progress") {
			return
		}
		reg.sink.Emit(events.Event{
			RunID: reg.runID,
			Kind:  events.KindMCPProgress,
			Time:  time.Now(),
			Data:  map[string]any{"server": name, "method": n.Method},
		})
	})

	hsCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	initReq := mcplib.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcplib.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcplib.Implementation{Name: "localagent", Version: "1"}
	initReq.Params.Capabilities = mcplib.ClientCapabilities{}
	if _, err := c.Initialize(hsCtx, initReq); err != nil {
		c.Close()
		return nil, nil, fmt.Errorf("handshake: %w", err)
	}

	listed, err := c.ListTools(hsCtx, mcplib.ListToolsRequest{})
	if err != nil {
		c.Close()
		return nil, nil, fmt.Errorf("list tools: %w", err)
	}

	imported := make([]ImportedTool, 0, len(listed.Tools))
	for _, tool := range listed.Tools {
		schema, err := schemaToMap(tool.InputSchema)
		if err != nil {
			slog.Warn("skipping mcp tool with unusable schema", "server", name, "tool", tool.Name, "error", err)
			continue
		}
		imported = append(imported, ImportedTool{
			Name:        fmt.Sprintf("mcp.%s.%s", name, tool.Name),
			Server:      name,
			Remote:      tool.Name,
			Description: tool.Description,
			Schema:      schema,
		})
	}
	return conn, imported, nil
}

func schemaToMap(schema mcplib.ToolInputSchema) (map[string]any, error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Tools returns the imported tool set in catalog order.
func (r *Registry) Tools() []ImportedTool {
	out := make([]ImportedTool, len(r.imported))
	copy(out, r.imported)
	return out
}

// CatalogHash identifies the imported (name, schema) set.
func (r *Registry) CatalogHash() string { return r.catalogHash }

func (r *Registry) computeCatalogHash() (string, error) {
	type pair struct {
		Name   string         `json:"name"`
		Schema map[string]any `json:"schema"`
	}
	pairs := make([]pair, len(r.imported))
	for i, t := range r.imported {
		pairs[i] = pair{Name: t.Name, Schema: t.Schema}
	}
	return canon.HashJSON(pairs)
}

// CheckPin compares the startup catalog hash to pin metadata. Hard mode
// returns a DriftError; warn mode logs and proceeds; off ignores drift.
func (r *Registry) CheckPin(pin Pin) error {
	if pin.Mode == PinOff || pin.Mode == "" || pin.CatalogHash == "" {
		return nil
	}
	if pin.CatalogHash == r.catalogHash {
		return nil
	}
	drift := &DriftError{Pinned: pin.CatalogHash, Actual: r.catalogHash}
	if pin.Mode == PinHard {
		return drift
	}
	slog.Warn("mcp catalog drift", "pinned", pin.CatalogHash, "actual", r.catalogHash)
	r.sink.Emit(events.Event{
		RunID: r.runID,
		Kind:  events.KindDiagnostic,
		Time:  time.Now(),
		Data:  map[string]any{"kind": "mcp_drift", "pinned": pin.CatalogHash, "actual": r.catalogHash},
	})
	return nil
}

// Owns reports whether a namespaced tool name belongs to this registry.
func (r *Registry) Owns(name string) bool {
	for _, t := range r.imported {
		if t.Name == name {
			return true
		}
	}
	return false
}

// Call invokes a namespaced MCP tool. Calls serialize per server; a
// failed server fails fast with its original error until reconnect.
// Cancellation sends the MCP-level cancel (via context) and waits a
// bounded grace before detaching.
func (r *Registry) Call(ctx context.Context, tc provider.ToolCall) tools.Result {
	tool, conn, err := r.resolve(tc.Name)
	if err != nil {
		return mcpError(tc, tools.ErrKindMCPTransport, err.Error())
	}
	if ferr := conn.failure(); ferr != nil {
		return mcpError(tc, tools.ErrKindMCPTransport, fmt.Sprintf("mcp server %s previously failed: %v", conn.name, ferr))
	}

	conn.callMu.Lock()
	defer conn.callMu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()

	type outcome struct {
		res *mcplib.CallToolResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		req := mcplib.CallToolRequest{}
		req.Params.Name = tool.Remote
		req.Params.Arguments = tc.Arguments
		res, err := conn.client.CallTool(callCtx, req)
		done <- outcome{res: res, err: err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-callCtx.Done():
		// The context cancellation propagates the protocol-level cancel;
		// give the server a short grace to answer before detaching.
		select {
		case out = <-done:
		case <-time.After(cancelGrace):
			return mcpError(tc, tools.ErrKindTimeout, fmt.Sprintf("mcp call %s did not stop within grace", tc.Name))
		}
	}

	if out.err != nil {
		conn.markFailed(out.err)
		return mcpError(tc, tools.ErrKindMCPTransport, fmt.Sprintf("mcp call failed: %v", out.err))
	}
	content, truncated := tools.TruncateBytes(flattenContent(out.res), r.outputCap)
	return tools.Result{
		ToolName:   tc.Name,
		ToolCallID: tc.ID,
		OK:         !out.res.IsError,
		Content:    content,
		Truncated:  truncated,
		Meta:       tools.Meta{Sensitivity: tools.SensitivityMutating, Source: "mcp"},
	}
}

func (r *Registry) resolve(name string) (ImportedTool, *serverConn, error) {
	for _, t := range r.imported {
		if t.Name != name {
			continue
		}
		conn, ok := r.servers[t.Server]
		if !ok {
			return ImportedTool{}, nil, fmt.Errorf("mcp server %s not connected", t.Server)
		}
		return t, conn, nil
	}
	return ImportedTool{}, nil, fmt.Errorf("unknown mcp tool: %s", name)
}

func flattenContent(res *mcplib.CallToolResult) string {
	var parts []string
	for _, c := range res.Content {
		if tc, ok := mcplib.AsTextContent(c); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// Close shuts down all server connections.
func (r *Registry) Close() {
	for name, conn := range r.servers {
		if err := conn.client.Close(); err != nil {
			slog.Debug("mcp server close", "server", name, "error", err)
		}
	}
}

func mcpError(tc provider.ToolCall, kind, detail string) tools.Result {
	return tools.Result{
		ToolName:   tc.Name,
		ToolCallID: tc.ID,
		OK:         false,
		Content:    detail,
		ErrKind:    kind,
		Meta:       tools.Meta{Source: "mcp"},
	}
}
