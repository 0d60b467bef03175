package policy

// DefaultDocument is the built-in policy used when no policy.yaml exists:
// reads are free, shell and writes need an operator, everything else is
// denied. A malformed file never falls back here; only a missing one.
func DefaultDocument() Document {
	return Document{
		Version: 1,
		Default: DecisionDeny,
		Rules: []Rule{
			{ID: "builtin-reads", Tool: "{list_dir,read_file}", Decision: DecisionAllow},
			{ID: "builtin-shell", Tool: "shell", Decision: DecisionRequireApproval},
			{ID: "builtin-writes", Tool: "{write_file,apply_patch}", Decision: DecisionRequireApproval},
			{ID: "builtin-mcp", Tool: "mcp.**", Decision: DecisionRequireApproval},
		},
	}
}
