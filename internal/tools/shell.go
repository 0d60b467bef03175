package tools

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
)

// DenyPatterns blocks obviously destructive commands before they reach
// the OS. The gate decides whether shell runs at all; this is a last
// backstop inside the executor.
var DenyPatterns = []string{
	`\brm\s+(-[rf]+\s+)*[/~]`,
	`\brm\s+-rf\b`,
	`\bdd\b.*\bof=/dev/`,
	`\bmkfs\b`,
	`>\s*/dev/`,
	`\bchmod\s+-R\s+777\s+/`,
	`\bshutdown\b`,
	`\breboot\b`,
}

var denyRegexps = compilePatterns(DenyPatterns)

func compilePatterns(patterns []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		if re, err := regexp.Compile(p); err == nil {
			out = append(out, re)
		}
	}
	return out
}

func blockedByDenyPattern(line string) (string, bool) {
	for i, re := range denyRegexps {
		if re.MatchString(line) {
			return DenyPatterns[i], true
		}
	}
	return "", false
}

// ShellTool runs a command with optional args and cwd.
type ShellTool struct {
	rt Runtime
}

func (t *ShellTool) Name() string        { return "shell" }
func (t *ShellTool) Description() string { return "Run a shell command with optional args and cwd." }
func (t *ShellTool) Sensitivity() string { return SensitivityShell }

func (t *ShellTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"cmd":  map[string]any{"type": "string"},
			"args": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"cwd":  map[string]any{"type": "string"},
		},
		"required": []any{"cmd"},
	}
}

func (t *ShellTool) Execute(ctx context.Context, args map[string]any) Execution {
	if !t.rt.shellAllowed() {
		return failed(SensitivityShell, ErrKindDenied, "shell tool is disabled. Re-run with --allow-shell")
	}
	cmdName, _ := args["cmd"].(string)
	var argv []string
	if raw, ok := args["args"].([]any); ok {
		for _, a := range raw {
			if s, ok := a.(string); ok {
				argv = append(argv, s)
			}
		}
	}
	line := strings.TrimSpace(cmdName + " " + strings.Join(argv, " "))
	if pattern, blocked := blockedByDenyPattern(line); blocked {
		return failed(SensitivityShell, ErrKindDenied, fmt.Sprintf("command blocked by safety pattern %q", pattern))
	}

	cmd := exec.CommandContext(ctx, cmdName, argv...)
	if cwd, ok := args["cwd"].(string); ok && cwd != "" {
		cmd.Dir = t.rt.ResolvePath(cwd)
	} else {
		cmd.Dir = t.rt.Workdir
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() != nil {
		return failed(SensitivityShell, ErrKindTimeout, fmt.Sprintf("shell command %q timed out or was cancelled", cmdName))
	}

	exitCode := 0
	if err != nil {
		if ee, ok := err.(*exec.ExitError); ok {
			exitCode = ee.ExitCode()
		} else {
			return failed(SensitivityShell, ErrKindFatal, fmt.Sprintf("shell execution failed: %v", err))
		}
	}
	total := int64(stdout.Len() + stderr.Len())
	return Execution{
		OK: err == nil,
		Content: jsonContent(map[string]any{
			"status": exitCode,
			"stdout": stdout.String(),
			"stderr": stderr.String(),
		}),
		Meta: Meta{
			Sensitivity: SensitivityShell,
			Source:      "builtin",
			Bytes:       &total,
			ExitCode:    &exitCode,
		},
	}
}
