package policy

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Effect is the outcome category of a policy decision.
type Effect int

const (
	Allow Effect = iota
	Deny
	RequireApproval
)

func (e Effect) String() string {
	switch e {
	case Allow:
		return DecisionAllow
	case Deny:
		return DecisionDeny
	case RequireApproval:
		return DecisionRequireApproval
	}
	return fmt.Sprintf("effect(%d)", int(e))
}

// Decision is the result of evaluating one tool call against the policy.
type Decision struct {
	Effect   Effect
	RuleID   string
	DenyKind string
	Reason   string
}

type compiledRule struct {
	id   string
	rule Rule
}

// Store answers allow/deny/approval per tool and argument set.
type Store struct {
	doc         Document
	rules       []compiledRule
	workdirRoot string
	hash        string
}

// Hash returns the stable hash of the loaded document in canonical form.
func (s *Store) Hash() string { return s.hash }

// Document returns the loaded policy document.
func (s *Store) Document() Document { return s.doc }

// Decide evaluates tool+args against the rule vector. First match wins;
// no match yields the default. Unknown tools also get the default.
func (s *Store) Decide(tool string, args map[string]any) Decision {
	if strings.HasPrefix(tool, "mcp.") {
		if d, denied := s.checkMCPAllowlist(tool); denied {
			return d
		}
	}
	for _, cr := range s.rules {
		match, escaped := s.ruleMatches(cr.rule, tool, args)
		if escaped {
			return Decision{
				Effect:   Deny,
				RuleID:   cr.id,
				DenyKind: DenyKindPathEscape,
				Reason:   "argument path resolves outside the workdir root",
			}
		}
		if !match {
			continue
		}
		switch cr.rule.Decision {
		case DecisionAllow:
			if hasSensitiveArg(cr.rule, args) {
				return Decision{Effect: RequireApproval, RuleID: cr.id, Reason: "sensitive argument present"}
			}
			return Decision{Effect: Allow, RuleID: cr.id}
		case DecisionDeny:
			return Decision{Effect: Deny, RuleID: cr.id, DenyKind: DenyKindRule, Reason: fmt.Sprintf("denied by rule %s", cr.id)}
		case DecisionRequireApproval:
			return Decision{Effect: RequireApproval, RuleID: cr.id, Reason: fmt.Sprintf("rule %s requires approval", cr.id)}
		}
	}
	if s.doc.Default == DecisionAllow {
		return Decision{Effect: Allow, RuleID: "default"}
	}
	return Decision{Effect: Deny, RuleID: "default", DenyKind: DenyKindDefault, Reason: "no rule matched; default is deny"}
}

// checkMCPAllowlist denies MCP tools not covered by a configured allowlist.
// An absent allowlist admits everything; rules still apply afterwards.
func (s *Store) checkMCPAllowlist(tool string) (Decision, bool) {
	if len(s.doc.MCP.AllowServers) == 0 && len(s.doc.MCP.AllowTools) == 0 {
		return Decision{}, false
	}
	parts := strings.SplitN(tool, ".", 3)
	server := ""
	if len(parts) >= 2 {
		server = parts[1]
	}
	if len(s.doc.MCP.AllowServers) > 0 && !anyPatternMatches(s.doc.MCP.AllowServers, server) {
		return Decision{
			Effect:   Deny,
			RuleID:   "mcp.allow_servers",
			DenyKind: DenyKindMCPAllowlist,
			Reason:   fmt.Sprintf("mcp server %q not in allowlist", server),
		}, true
	}
	if len(s.doc.MCP.AllowTools) > 0 && !anyPatternMatches(s.doc.MCP.AllowTools, tool) {
		return Decision{
			Effect:   Deny,
			RuleID:   "mcp.allow_tools",
			DenyKind: DenyKindMCPAllowlist,
			Reason:   fmt.Sprintf("mcp tool %q not in allowlist", tool),
		}, true
	}
	return Decision{}, false
}

// ruleMatches reports whether the rule covers the call. A violated
// path-prefix constraint is reported separately so it audits as
// path_escape instead of falling through to the default decision.
func (s *Store) ruleMatches(r Rule, tool string, args map[string]any) (match, escaped bool) {
	if ok, err := doublestar.Match(r.Tool, tool); err != nil || !ok {
		return false, false
	}
	for arg, c := range r.Args {
		if c.Sensitive && c.Equals == nil && c.Prefix == "" && c.Glob == "" {
			continue
		}
		raw, present := args[arg]
		if !present {
			return false, false
		}
		val, ok := raw.(string)
		if !ok {
			return false, false
		}
		switch {
		case c.Equals != nil:
			if val != *c.Equals {
				return false, false
			}
		case c.Prefix != "":
			within, outside := s.pathWithin(c.Prefix, val)
			if outside {
				return false, true
			}
			if !within {
				return false, false
			}
		case c.Glob != "":
			if ok, err := doublestar.Match(c.Glob, val); err != nil || !ok {
				return false, false
			}
		}
	}
	return true, false
}

// pathWithin checks a path argument against a prefix anchored at the
// workdir root. The root was resolved at load time, so this is a lexical
// join+clean with no I/O.
func (s *Store) pathWithin(prefix, val string) (within, outside bool) {
	root := s.workdirRoot
	if root == "" {
		return strings.HasPrefix(filepath.Clean(val), filepath.Clean(prefix)), false
	}
	full := val
	if !filepath.IsAbs(full) {
		full = filepath.Join(root, full)
	}
	full = filepath.Clean(full)
	if full != root && !strings.HasPrefix(full, root+string(filepath.Separator)) {
		return false, true
	}
	anchor := prefix
	if !filepath.IsAbs(anchor) {
		anchor = filepath.Join(root, anchor)
	}
	anchor = filepath.Clean(anchor)
	return full == anchor || strings.HasPrefix(full, anchor+string(filepath.Separator)), false
}

func hasSensitiveArg(r Rule, args map[string]any) bool {
	for arg, c := range r.Args {
		if !c.Sensitive {
			continue
		}
		if _, present := args[arg]; present {
			return true
		}
	}
	return false
}

func anyPatternMatches(patterns []string, val string) bool {
	for _, p := range patterns {
		if ok, err := doublestar.Match(p, val); err == nil && ok {
			return true
		}
	}
	return false
}
