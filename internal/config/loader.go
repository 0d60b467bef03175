package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kelseyhightower/envconfig"

	"github.com/localagent/localagent/internal/canon"
)

const (
	// StateDirName is the default state directory under the workdir.
	StateDirName = ".localagent"
	// ConfigFile is the config file name inside the state dir.
	ConfigFile = "config.json"
	// EnvPrefix namespaces environment overrides.
	EnvPrefix = "LOCALAGENT"
)

// Load builds the effective configuration: defaults, then the config file
// if present, then LOCALAGENT_* environment overrides.
func Load(workdir string) (*Config, error) {
	cfg := Default()
	cfg.Paths.Workdir = workdir

	stateDir := os.Getenv(EnvPrefix + "_STATE_DIR")
	if stateDir == "" {
		stateDir = filepath.Join(workdir, StateDirName)
	}
	cfg.Paths.StateDir = stateDir

	path := filepath.Join(stateDir, ConfigFile)
	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// Defaults apply.
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := json.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	for _, section := range []any{&cfg.Paths, &cfg.Model, &cfg.Budgets, &cfg.Trust, &cfg.Tools, &cfg.MCP} {
		if err := envconfig.Process(EnvPrefix, section); err != nil {
			return nil, fmt.Errorf("apply env overrides: %w", err)
		}
	}
	if cfg.Paths.Workdir == "" {
		cfg.Paths.Workdir = workdir
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Trust.Mode {
	case "off", "auto", "on":
	default:
		return fmt.Errorf("trust.mode must be off, auto or on, got %q", c.Trust.Mode)
	}
	switch c.Trust.ApprovalMode {
	case "interrupt", "fail", "auto":
	default:
		return fmt.Errorf("trust.approvalMode must be interrupt, fail or auto, got %q", c.Trust.ApprovalMode)
	}
	switch c.Trust.AutoApproveScope {
	case "run", "session":
	default:
		return fmt.Errorf("trust.autoApproveScope must be run or session, got %q", c.Trust.AutoApproveScope)
	}
	switch c.MCP.PinMode {
	case "hard", "warn", "off":
	default:
		return fmt.Errorf("mcp.pinMode must be hard, warn or off, got %q", c.MCP.PinMode)
	}
	return nil
}

// Fingerprint hashes the effective configuration for the run record.
func (c *Config) Fingerprint() (string, error) {
	return canon.HashJSON(c)
}

// PolicyPath returns the policy document location.
func (c *Config) PolicyPath() string {
	return filepath.Join(c.Paths.StateDir, "policy.yaml")
}

// ApprovalsPath returns the approvals store location.
func (c *Config) ApprovalsPath() string {
	return filepath.Join(c.Paths.StateDir, "approvals.json")
}

// RequestsPath returns the pending approval requests location.
func (c *Config) RequestsPath() string {
	return filepath.Join(c.Paths.StateDir, "requests.json")
}

// AuditPath returns the audit log location.
func (c *Config) AuditPath() string {
	return filepath.Join(c.Paths.StateDir, "audit.jsonl")
}

// RunsDir returns the run record directory.
func (c *Config) RunsDir() string {
	return filepath.Join(c.Paths.StateDir, "runs")
}

// SessionsDir returns the sessions directory.
func (c *Config) SessionsDir() string {
	return filepath.Join(c.Paths.StateDir, "sessions")
}

// TimelinePath returns the sqlite audit mirror location.
func (c *Config) TimelinePath() string {
	return filepath.Join(c.Paths.StateDir, "timeline.db")
}

// MCPConfigPath returns the MCP servers config location.
func (c *Config) MCPConfigPath() string {
	if c.MCP.ConfigPath != "" {
		return c.MCP.ConfigPath
	}
	return filepath.Join(c.Paths.StateDir, "mcp_servers.json")
}
