package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Runtime carries the shared execution environment for built-in tools.
type Runtime struct {
	// Workdir anchors relative paths.
	Workdir string
	// AllowShell exposes shell execution; off by default.
	AllowShell bool
	// AllowWrite permits filesystem mutation; off by default.
	AllowWrite bool
	// MaxReadBytes bounds read_file content.
	MaxReadBytes int
	// UnsafeBypassAllowFlags lifts the allow flags (never the gate).
	UnsafeBypassAllowFlags bool
}

// ResolvePath anchors a tool-supplied path at the workdir.
func (rt Runtime) ResolvePath(input string) string {
	if filepath.IsAbs(input) {
		return filepath.Clean(input)
	}
	return filepath.Join(rt.Workdir, input)
}

func (rt Runtime) writeAllowed() bool {
	return rt.AllowWrite || rt.UnsafeBypassAllowFlags
}

func (rt Runtime) shellAllowed() bool {
	return rt.AllowShell || rt.UnsafeBypassAllowFlags
}

// RegisterBuiltins installs the built-in tools on a registry. Write tools
// are only exposed when enableWriteTools is set; an unexposed tool cannot
// be proposed at all, which is the fail-closed equivalent of a deny rule.
func RegisterBuiltins(r *Registry, rt Runtime, enableWriteTools bool) {
	r.Register(&ListDirTool{rt: rt})
	r.Register(&ReadFileTool{rt: rt})
	r.Register(&ShellTool{rt: rt})
	if enableWriteTools {
		r.Register(&WriteFileTool{rt: rt})
		r.Register(&ApplyPatchTool{rt: rt})
	}
}

func jsonContent(v map[string]any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf(`{"error":"marshal result: %s"}`, err)
	}
	return string(raw)
}

func failed(sensitivity, kind, content string) Execution {
	return Execution{
		OK:      false,
		Content: content,
		ErrKind: kind,
		Meta:    Meta{Sensitivity: sensitivity, Source: "builtin"},
	}
}

// ListDirTool lists entries in a directory.
type ListDirTool struct {
	rt Runtime
}

func (t *ListDirTool) Name() string        { return "list_dir" }
func (t *ListDirTool) Description() string { return "List entries in a directory." }
func (t *ListDirTool) Sensitivity() string { return SensitivityReadOnly }

func (t *ListDirTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{"type": "string"},
		},
		"required": []any{"path"},
	}
}

func (t *ListDirTool) Execute(ctx context.Context, args map[string]any) Execution {
	path, _ := args["path"].(string)
	if path == "" {
		path = "."
	}
	full := t.rt.ResolvePath(path)
	entries, err := os.ReadDir(full)
	if err != nil {
		return failed(SensitivityReadOnly, ErrKindFatal, fmt.Sprintf("list_dir failed for %s: %v", full, err))
	}
	out := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		item := map[string]any{"name": entry.Name(), "is_dir": entry.IsDir()}
		if info, err := entry.Info(); err == nil {
			item["len"] = info.Size()
		} else {
			item["error"] = err.Error()
		}
		out = append(out, item)
	}
	return Execution{
		OK:      true,
		Content: jsonContent(map[string]any{"path": full, "entries": out}),
		Meta:    Meta{Sensitivity: SensitivityReadOnly, Source: "builtin"},
	}
}

// ReadFileTool reads a UTF-8 text file, lossy decode allowed.
type ReadFileTool struct {
	rt Runtime
}

func (t *ReadFileTool) Name() string        { return "read_file" }
func (t *ReadFileTool) Description() string { return "Read a UTF-8 text file (lossy decode allowed)." }
func (t *ReadFileTool) Sensitivity() string { return SensitivityReadOnly }

func (t *ReadFileTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{"type": "string"},
		},
		"required": []any{"path"},
	}
}

func (t *ReadFileTool) Execute(ctx context.Context, args map[string]any) Execution {
	path, _ := args["path"].(string)
	full := t.rt.ResolvePath(path)
	raw, err := os.ReadFile(full)
	if err != nil {
		return failed(SensitivityReadOnly, ErrKindFatal, fmt.Sprintf("read_file failed for %s: %v", full, err))
	}
	content := string(raw)
	truncated := false
	if t.rt.MaxReadBytes > 0 {
		content, truncated = TruncateBytes(content, t.rt.MaxReadBytes)
	}
	size := int64(len(raw))
	return Execution{
		OK: true,
		Content: jsonContent(map[string]any{
			"path":       full,
			"content":    content,
			"truncated":  truncated,
			"read_bytes": size,
		}),
		Meta: Meta{Sensitivity: SensitivityReadOnly, Source: "builtin", Bytes: &size},
	}
}

// WriteFileTool writes UTF-8 text content to a file.
type WriteFileTool struct {
	rt Runtime
}

func (t *WriteFileTool) Name() string        { return "write_file" }
func (t *WriteFileTool) Description() string { return "Write UTF-8 text content to a file." }
func (t *WriteFileTool) Sensitivity() string { return SensitivityMutating }

func (t *WriteFileTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":           map[string]any{"type": "string"},
			"content":        map[string]any{"type": "string"},
			"create_parents": map[string]any{"type": "boolean"},
		},
		"required": []any{"path", "content"},
	}
}

func (t *WriteFileTool) Execute(ctx context.Context, args map[string]any) Execution {
	if !t.rt.writeAllowed() {
		return failed(SensitivityMutating, ErrKindDenied, "writes require --allow-write")
	}
	path, _ := args["path"].(string)
	content, _ := args["content"].(string)
	createParents, _ := args["create_parents"].(bool)
	full := t.rt.ResolvePath(path)
	if createParents {
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return failed(SensitivityMutating, ErrKindFatal, fmt.Sprintf("write_file failed for %s: %v", full, err))
		}
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		return failed(SensitivityMutating, ErrKindFatal, fmt.Sprintf("write_file failed for %s: %v", full, err))
	}
	size := int64(len(content))
	return Execution{
		OK:      true,
		Content: jsonContent(map[string]any{"path": full, "bytes_written": size}),
		Meta:    Meta{Sensitivity: SensitivityMutating, Source: "builtin", Bytes: &size},
	}
}
