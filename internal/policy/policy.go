// Package policy provides tool execution authorization.
//
// A policy is a versioned YAML document compiled at load time into a flat
// rule vector. Evaluation is pure: path canonicalization happens once at
// load, so Decide performs no I/O and is total over its inputs.
package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/localagent/localagent/internal/canon"
)

// Decisions a rule may carry.
const (
	DecisionAllow           = "allow"
	DecisionDeny            = "deny"
	DecisionRequireApproval = "require_approval"
)

// Deny kinds distinguish why a deny was produced.
const (
	DenyKindRule         = "rule"
	DenyKindDefault      = "default"
	DenyKindPathEscape   = "path_escape"
	DenyKindMCPAllowlist = "mcp_allowlist"
)

// Document is the on-disk policy shape.
type Document struct {
	Version int    `yaml:"version" json:"version"`
	Default string `yaml:"default" json:"default"`
	Rules   []Rule `yaml:"rules" json:"rules"`
	MCP     MCP    `yaml:"mcp,omitempty" json:"mcp,omitempty"`
}

// Rule is one (tool-pattern, argument-constraints, decision) triple.
type Rule struct {
	ID       string                `yaml:"id,omitempty" json:"id,omitempty"`
	Tool     string                `yaml:"tool" json:"tool"`
	Args     map[string]Constraint `yaml:"args,omitempty" json:"args,omitempty"`
	Decision string                `yaml:"decision" json:"decision"`
}

// Constraint restricts a single argument value.
type Constraint struct {
	Equals    *string `yaml:"equals,omitempty" json:"equals,omitempty"`
	Prefix    string  `yaml:"prefix,omitempty" json:"prefix,omitempty"`
	Glob      string  `yaml:"glob,omitempty" json:"glob,omitempty"`
	Sensitive bool    `yaml:"sensitive,omitempty" json:"sensitive,omitempty"`
}

// MCP is the optional server/tool allowlist for imported MCP tools.
type MCP struct {
	AllowServers []string `yaml:"allow_servers,omitempty" json:"allow_servers,omitempty"`
	AllowTools   []string `yaml:"allow_tools,omitempty" json:"allow_tools,omitempty"`
}

// LoadError reports a malformed policy document. Loading never degrades to
// allow: a bad document refuses to load.
type LoadError struct {
	Path   string
	Detail string
	Err    error
}

func (e *LoadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("policy load failed for %s: %s: %v", e.Path, e.Detail, e.Err)
	}
	return fmt.Sprintf("policy load failed for %s: %s", e.Path, e.Detail)
}

func (e *LoadError) Unwrap() error { return e.Err }

// Load reads, validates and compiles the policy document at path. The
// workdir root is canonicalized (symlinks resolved) here so that Decide
// stays pure.
func Load(path, workdir string) (*Store, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &LoadError{Path: path, Detail: "read", Err: err}
	}
	var doc Document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, &LoadError{Path: path, Detail: "parse", Err: err}
	}
	return Compile(doc, workdir, path)
}

// Compile validates the document and builds the evaluation vector.
func Compile(doc Document, workdir, originPath string) (*Store, error) {
	if doc.Version != 1 {
		return nil, &LoadError{Path: originPath, Detail: fmt.Sprintf("unsupported version %d", doc.Version)}
	}
	switch doc.Default {
	case DecisionAllow, DecisionDeny:
	default:
		return nil, &LoadError{Path: originPath, Detail: fmt.Sprintf("default must be allow or deny, got %q", doc.Default)}
	}
	root := workdir
	if root != "" {
		abs, err := filepath.Abs(root)
		if err != nil {
			return nil, &LoadError{Path: originPath, Detail: "resolve workdir", Err: err}
		}
		if resolved, err := filepath.EvalSymlinks(abs); err == nil {
			abs = resolved
		}
		root = abs
	}

	compiled := make([]compiledRule, 0, len(doc.Rules))
	for i, r := range doc.Rules {
		id := r.ID
		if id == "" {
			id = fmt.Sprintf("rule-%d", i)
		}
		switch r.Decision {
		case DecisionAllow, DecisionDeny, DecisionRequireApproval:
		default:
			return nil, &LoadError{Path: originPath, Detail: fmt.Sprintf("rule %s: invalid decision %q", id, r.Decision)}
		}
		if strings.TrimSpace(r.Tool) == "" {
			return nil, &LoadError{Path: originPath, Detail: fmt.Sprintf("rule %s: empty tool pattern", id)}
		}
		for arg, c := range r.Args {
			n := 0
			if c.Equals != nil {
				n++
			}
			if c.Prefix != "" {
				n++
			}
			if c.Glob != "" {
				n++
			}
			if n > 1 {
				return nil, &LoadError{Path: originPath, Detail: fmt.Sprintf("rule %s: arg %s: equals, prefix and glob are mutually exclusive", id, arg)}
			}
		}
		compiled = append(compiled, compiledRule{id: id, rule: r})
	}

	hash, err := canon.HashJSON(doc)
	if err != nil {
		return nil, &LoadError{Path: originPath, Detail: "hash", Err: err}
	}
	return &Store{doc: doc, rules: compiled, workdirRoot: root, hash: hash}, nil
}
