// Package config provides configuration types and loading for localagent.
package config

import "time"

// Config is the root configuration struct.
// Top-level groups: Paths, Model, Budgets, Trust, Tools, MCP.
type Config struct {
	Paths   PathsConfig   `json:"paths"`
	Model   ModelConfig   `json:"model"`
	Budgets BudgetsConfig `json:"budgets"`
	Trust   TrustConfig   `json:"trust"`
	Tools   ToolsConfig   `json:"tools"`
	MCP     MCPConfig     `json:"mcp"`
}

// ---------------------------------------------------------------------------
// Paths – filesystem locations
// ---------------------------------------------------------------------------

// PathsConfig groups filesystem path settings. StateDir defaults to
// <workdir>/.localagent.
type PathsConfig struct {
	Workdir  string `json:"workdir" envconfig:"WORKDIR"`
	StateDir string `json:"stateDir" envconfig:"STATE_DIR"`
}

// ---------------------------------------------------------------------------
// Model – planner provider
// ---------------------------------------------------------------------------

// ModelConfig selects the local provider and model.
type ModelConfig struct {
	Provider    string  `json:"provider" envconfig:"PROVIDER"`
	Name        string  `json:"name" envconfig:"MODEL"`
	BaseURL     string  `json:"baseUrl" envconfig:"BASE_URL"`
	APIKey      string  `json:"apiKey" envconfig:"API_KEY"`
	MaxTokens   int     `json:"maxTokens" envconfig:"MAX_TOKENS"`
	Temperature float64 `json:"temperature" envconfig:"TEMPERATURE"`
	Retries     int     `json:"retries" envconfig:"PROVIDER_RETRIES"`
}

// ---------------------------------------------------------------------------
// Budgets – immutable run bounds
// ---------------------------------------------------------------------------

// BudgetsConfig bounds the loop, not the model.
type BudgetsConfig struct {
	MaxTurns            int `json:"maxTurns" envconfig:"MAX_TURNS"`
	MaxToolCalls        int `json:"maxToolCalls" envconfig:"MAX_TOOL_CALLS"`
	WallClockSeconds    int `json:"wallClockSeconds" envconfig:"WALL_CLOCK_SECONDS"`
	PerToolTimeoutMS    int `json:"perToolTimeoutMs" envconfig:"PER_TOOL_TIMEOUT_MS"`
	PerNodeRetries      int `json:"perNodeRetries" envconfig:"PER_NODE_RETRIES"`
	SchemaRepairRetries int `json:"schemaRepairRetries" envconfig:"SCHEMA_REPAIR_RETRIES"`
}

// PerToolTimeout returns the per-tool bound as a duration.
func (b BudgetsConfig) PerToolTimeout() time.Duration {
	return time.Duration(b.PerToolTimeoutMS) * time.Millisecond
}

// WallClock returns the run deadline as a duration.
func (b BudgetsConfig) WallClock() time.Duration {
	return time.Duration(b.WallClockSeconds) * time.Second
}

// ---------------------------------------------------------------------------
// Trust – gate behavior
// ---------------------------------------------------------------------------

// TrustConfig selects the approval behavior.
type TrustConfig struct {
	// Mode: off | auto | on. Off skips the approvals store entirely.
	Mode string `json:"mode" envconfig:"TRUST_MODE"`
	// ApprovalMode: interrupt | fail | auto.
	ApprovalMode string `json:"approvalMode" envconfig:"APPROVAL_MODE"`
	// AutoApproveScope: run | session.
	AutoApproveScope string `json:"autoApproveScope" envconfig:"AUTO_APPROVE_SCOPE"`
}

// ---------------------------------------------------------------------------
// Tools – executor exposure and caps
// ---------------------------------------------------------------------------

// ToolsConfig gates which executors exist and how much they may say.
type ToolsConfig struct {
	EnableWriteTools   bool `json:"enableWriteTools" envconfig:"ENABLE_WRITE_TOOLS"`
	AllowWrite         bool `json:"allowWrite" envconfig:"ALLOW_WRITE"`
	AllowShell         bool `json:"allowShell" envconfig:"ALLOW_SHELL"`
	NoLimits           bool `json:"noLimits" envconfig:"NO_LIMITS"`
	MaxToolOutputBytes int  `json:"maxToolOutputBytes" envconfig:"MAX_TOOL_OUTPUT_BYTES"`
	MaxReadBytes       int  `json:"maxReadBytes" envconfig:"MAX_READ_BYTES"`
}

// ---------------------------------------------------------------------------
// MCP – external tool servers
// ---------------------------------------------------------------------------

// MCPConfig selects servers and pin enforcement.
type MCPConfig struct {
	Servers       []string `json:"servers"`
	ConfigPath    string   `json:"configPath" envconfig:"MCP_CONFIG"`
	CallTimeoutMS int      `json:"callTimeoutMs" envconfig:"MCP_CALL_TIMEOUT_MS"`
	// PinMode: hard | warn | off.
	PinMode        string `json:"pinMode" envconfig:"MCP_PIN_MODE"`
	PinCatalogHash string `json:"pinCatalogHash" envconfig:"MCP_PIN_CATALOG_HASH"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Model: ModelConfig{
			Provider:    "lmstudio",
			MaxTokens:   4096,
			Temperature: 0.2,
			Retries:     2,
		},
		Budgets: BudgetsConfig{
			MaxTurns:            20,
			MaxToolCalls:        40,
			WallClockSeconds:    600,
			PerToolTimeoutMS:    60_000,
			PerNodeRetries:      0,
			SchemaRepairRetries: 1,
		},
		Trust: TrustConfig{
			Mode:             "on",
			ApprovalMode:     "interrupt",
			AutoApproveScope: "run",
		},
		Tools: ToolsConfig{
			MaxToolOutputBytes: 200_000,
			MaxReadBytes:       200_000,
		},
		MCP: MCPConfig{
			CallTimeoutMS: 60_000,
			PinMode:       "off",
		},
	}
}
