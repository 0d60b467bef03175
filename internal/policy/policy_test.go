package policy

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const goldenPolicy = `
version: 1
default: deny
rules:
  - id: reads
    tool: "{list_dir,read_file}"
    decision: allow
  - id: no-shell
    tool: shell
    decision: deny
  - id: writes-approved
    tool: write_file
    args:
      path:
        prefix: "."
    decision: require_approval
  - id: patch-approved
    tool: apply_patch
    decision: require_approval
mcp:
  allow_servers: ["fs*"]
  allow_tools: ["mcp.fs*.**"]
`

func loadGolden(t *testing.T, workdir string) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, []byte(goldenPolicy), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	store, err := Load(path, workdir)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	return store
}

func TestGoldenCases(t *testing.T) {
	workdir := t.TempDir()
	store := loadGolden(t, workdir)

	cases := []struct {
		name     string
		tool     string
		args     map[string]any
		effect   Effect
		ruleID   string
		denyKind string
	}{
		{name: "list_dir allowed", tool: "list_dir", args: map[string]any{"path": "."}, effect: Allow, ruleID: "reads"},
		{name: "read_file allowed", tool: "read_file", args: map[string]any{"path": "a.txt"}, effect: Allow, ruleID: "reads"},
		{name: "shell denied", tool: "shell", args: map[string]any{"cmd": "ls"}, effect: Deny, ruleID: "no-shell", denyKind: DenyKindRule},
		{name: "write needs approval", tool: "write_file", args: map[string]any{"path": "x"}, effect: RequireApproval, ruleID: "writes-approved"},
		{name: "write outside workdir escapes", tool: "write_file", args: map[string]any{"path": "../../etc/passwd"}, effect: Deny, denyKind: DenyKindPathEscape},
		{name: "unknown tool gets default", tool: "frobnicate", args: nil, effect: Deny, ruleID: "default", denyKind: DenyKindDefault},
		{name: "mcp tool on allowed server falls to default", tool: "mcp.fs.read", args: nil, effect: Deny, ruleID: "default", denyKind: DenyKindDefault},
		{name: "mcp server not allowlisted", tool: "mcp.net.fetch", args: nil, effect: Deny, denyKind: DenyKindMCPAllowlist},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := store.Decide(tc.tool, tc.args)
			if d.Effect != tc.effect {
				t.Fatalf("effect = %v, want %v (reason: %s)", d.Effect, tc.effect, d.Reason)
			}
			if tc.ruleID != "" && d.RuleID != tc.ruleID {
				t.Errorf("rule id = %q, want %q", d.RuleID, tc.ruleID)
			}
			if tc.denyKind != "" && d.DenyKind != tc.denyKind {
				t.Errorf("deny kind = %q, want %q", d.DenyKind, tc.denyKind)
			}
		})
	}
}

func TestFirstMatchWins(t *testing.T) {
	doc := Document{
		Version: 1,
		Default: DecisionDeny,
		Rules: []Rule{
			{ID: "first", Tool: "shell", Decision: DecisionAllow},
			{ID: "second", Tool: "shell", Decision: DecisionDeny},
		},
	}
	store, err := Compile(doc, "", "inline")
	if err != nil {
		t.Fatalf("Compile() error: %v", err)
	}
	d := store.Decide("shell", map[string]any{"cmd": "ls"})
	if d.Effect != Allow || d.RuleID != "first" {
		t.Errorf("got %v/%s, want allow/first", d.Effect, d.RuleID)
	}
}

func TestArgConstraints(t *testing.T) {
	ls := "ls"
	doc := Document{
		Version: 1,
		Default: DecisionDeny,
		Rules: []Rule{
			{ID: "ls-only", Tool: "shell", Args: map[string]Constraint{"cmd": {Equals: &ls}}, Decision: DecisionAllow},
			{ID: "git-glob", Tool: "shell", Args: map[string]Constraint{"cmd": {Glob: "git*"}}, Decision: DecisionAllow},
		},
	}
	store, err := Compile(doc, "", "inline")
	if err != nil {
		t.Fatalf("Compile() error: %v", err)
	}
	if d := store.Decide("shell", map[string]any{"cmd": "ls"}); d.Effect != Allow || d.RuleID != "ls-only" {
		t.Errorf("equals constraint: got %v/%s", d.Effect, d.RuleID)
	}
	if d := store.Decide("shell", map[string]any{"cmd": "git"}); d.Effect != Allow || d.RuleID != "git-glob" {
		t.Errorf("glob constraint: got %v/%s", d.Effect, d.RuleID)
	}
	if d := store.Decide("shell", map[string]any{"cmd": "rm"}); d.Effect != Deny {
		t.Errorf("unmatched arg should fall to default, got %v", d.Effect)
	}
}

func TestSensitiveArgEscalatesAllow(t *testing.T) {
	doc := Document{
		Version: 1,
		Default: DecisionDeny,
		Rules: []Rule{
			{ID: "env-write", Tool: "write_file", Args: map[string]Constraint{"path": {Sensitive: true}}, Decision: DecisionAllow},
		},
	}
	store, err := Compile(doc, "", "inline")
	if err != nil {
		t.Fatalf("Compile() error: %v", err)
	}
	d := store.Decide("write_file", map[string]any{"path": ".env", "content": "x"})
	if d.Effect != RequireApproval {
		t.Errorf("sensitive arg should escalate to approval, got %v", d.Effect)
	}
}

func TestMalformedPolicyFailsLoud(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"bad version", "version: 9\ndefault: deny\n"},
		{"bad default", "version: 1\ndefault: maybe\n"},
		{"bad decision", "version: 1\ndefault: deny\nrules:\n  - tool: shell\n    decision: sometimes\n"},
		{"empty tool", "version: 1\ndefault: deny\nrules:\n  - tool: \"\"\n    decision: allow\n"},
		{"not yaml", "{{{{"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "policy.yaml")
			if err := os.WriteFile(path, []byte(tc.body), 0o644); err != nil {
				t.Fatalf("write: %v", err)
			}
			_, err := Load(path, "")
			if err == nil {
				t.Fatal("expected load error")
			}
			var le *LoadError
			if !errorsAs(err, &le) {
				t.Errorf("expected *LoadError, got %T", err)
			}
		})
	}
}

func TestHashIsStableAcrossReload(t *testing.T) {
	workdir := t.TempDir()
	a := loadGolden(t, workdir)
	b := loadGolden(t, workdir)
	if a.Hash() != b.Hash() {
		t.Errorf("hash differs across reload: %s vs %s", a.Hash(), b.Hash())
	}
	if len(a.Hash()) != 64 {
		t.Errorf("expected hex sha256, got %q", a.Hash())
	}
}

// errorsAs avoids importing errors just for one call site.
func errorsAs(err error, target **LoadError) bool {
	for err != nil {
		if le, ok := err.(*LoadError); ok {
			*target = le
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func TestDecideIsPureAndTotal(t *testing.T) {
	store := loadGolden(t, t.TempDir())
	// Same inputs, same outputs, including odd argument shapes.
	inputs := []map[string]any{
		nil,
		{},
		{"path": 42},
		{"path": strings.Repeat("a/", 100)},
	}
	for _, args := range inputs {
		first := store.Decide("write_file", args)
		second := store.Decide("write_file", args)
		if first != second {
			t.Errorf("Decide not deterministic for %v: %+v vs %+v", args, first, second)
		}
	}
}
