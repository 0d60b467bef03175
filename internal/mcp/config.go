// Package mcp imports externally declared tools into the gated catalog.
//
// Configured servers are started at run start, handshaken and listed; their
// tools are exposed under the mcp.<server>.<tool> namespace with a catalog
// hash for drift detection.
package mcp

import (
	"encoding/json"
	"fmt"
	"os"
)

// ConfigSchemaVersion tags the servers config file shape.
const ConfigSchemaVersion = "localagent.mcp_servers.v1"

// ServerConfig describes how to launch one stdio MCP server.
type ServerConfig struct {
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
	Env     []string `json:"env,omitempty"`
}

// ConfigFile is the on-disk servers configuration.
type ConfigFile struct {
	SchemaVersion string                  `json:"schema_version"`
	Servers       map[string]ServerConfig `json:"servers"`
}

// LoadConfig reads and validates the servers config at path.
func LoadConfig(path string) (*ConfigFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read mcp servers config: %w", err)
	}
	var cfg ConfigFile
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse mcp servers config %s: %w", path, err)
	}
	if cfg.SchemaVersion != ConfigSchemaVersion {
		return nil, fmt.Errorf("mcp servers config %s: unsupported schema_version %q", path, cfg.SchemaVersion)
	}
	for name, sc := range cfg.Servers {
		if sc.Command == "" {
			return nil, fmt.Errorf("mcp servers config %s: server %s has no command", path, name)
		}
	}
	return &cfg, nil
}

// PinMode selects the reaction to catalog drift at startup.
type PinMode string

const (
	// PinHard refuses to start against a drifted catalog.
	PinHard PinMode = "hard"
	// PinWarn records a diagnostic and proceeds.
	PinWarn PinMode = "warn"
	// PinOff ignores drift.
	PinOff PinMode = "off"
)

// Pin is the expected catalog identity.
type Pin struct {
	Mode        PinMode
	CatalogHash string
}
