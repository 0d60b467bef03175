package approval

import (
	"sort"
	"strings"

	"github.com/localagent/localagent/internal/canon"
)

// approvalArgs declares, per built-in tool, the argument subset that feeds
// the approval fingerprint. Arguments outside the subset (display hints,
// pagination cursors) do not invalidate a grant. MCP tools and unknown
// tools fingerprint every argument.
var approvalArgs = map[string][]string{
	"list_dir":    {"path"},
	"read_file":   {"path"},
	"shell":       {"cmd", "args", "cwd"},
	"write_file":  {"path"},
	"apply_patch": {"path"},
}

// Fingerprint returns the stable hash of the approval-relevant argument
// subset for a tool call. The hash is over the canonical serialization, so
// it is invariant under key reordering and whitespace.
func Fingerprint(tool string, args map[string]any) (string, error) {
	subset := args
	if keys, ok := approvalArgs[tool]; ok && !strings.HasPrefix(tool, "mcp.") {
		subset = make(map[string]any, len(keys))
		for _, k := range keys {
			if v, present := args[k]; present {
				subset[k] = v
			}
		}
	}
	if subset == nil {
		subset = map[string]any{}
	}
	b, err := canon.JSON(map[string]any{"tool": tool, "args": subset})
	if err != nil {
		return "", err
	}
	return canon.SHA256Hex(b), nil
}

// RelevantArgs lists the fingerprinted argument names for a tool, for
// operator-facing prompts.
func RelevantArgs(tool string, args map[string]any) []string {
	if keys, ok := approvalArgs[tool]; ok && !strings.HasPrefix(tool, "mcp.") {
		out := make([]string, len(keys))
		copy(out, keys)
		return out
	}
	out := make([]string, 0, len(args))
	for k := range args {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
