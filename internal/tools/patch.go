package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bluekeyes/go-gitdiff/gitdiff"
)

// ApplyPatchTool applies a unified diff patch to a single file.
type ApplyPatchTool struct {
	rt Runtime
}

func (t *ApplyPatchTool) Name() string        { return "apply_patch" }
func (t *ApplyPatchTool) Description() string { return "Apply a unified diff patch to a file." }
func (t *ApplyPatchTool) Sensitivity() string { return SensitivityMutating }

func (t *ApplyPatchTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":  map[string]any{"type": "string"},
			"patch": map[string]any{"type": "string"},
		},
		"required": []any{"path", "patch"},
	}
}

func (t *ApplyPatchTool) Execute(ctx context.Context, args map[string]any) Execution {
	if !t.rt.writeAllowed() {
		return failed(SensitivityMutating, ErrKindDenied, "writes require --allow-write")
	}
	path, _ := args["path"].(string)
	patchText, _ := args["patch"].(string)
	full := t.rt.ResolvePath(path)

	original, err := os.ReadFile(full)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return failed(SensitivityMutating, ErrKindFatal, fmt.Sprintf("apply_patch failed for %s: %v", full, err))
	}

	files, _, err := gitdiff.Parse(strings.NewReader(normalizePatch(path, patchText)))
	if err != nil {
		return failed(SensitivityMutating, ErrKindFatal, fmt.Sprintf("invalid patch: %v", err))
	}
	if len(files) != 1 {
		return failed(SensitivityMutating, ErrKindFatal, fmt.Sprintf("invalid patch: expected one file, got %d", len(files)))
	}

	var out bytes.Buffer
	if err := gitdiff.Apply(&out, bytes.NewReader(original), files[0]); err != nil {
		return failed(SensitivityMutating, ErrKindFatal, fmt.Sprintf("failed to apply patch: %v", err))
	}
	patched := out.Bytes()

	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return failed(SensitivityMutating, ErrKindFatal, fmt.Sprintf("apply_patch failed for %s: %v", full, err))
	}
	if err := os.WriteFile(full, patched, 0o644); err != nil {
		return failed(SensitivityMutating, ErrKindFatal, fmt.Sprintf("apply_patch failed for %s: %v", full, err))
	}
	size := int64(len(patched))
	return Execution{
		OK: true,
		Content: jsonContent(map[string]any{
			"path":          full,
			"changed":       !bytes.Equal(patched, original),
			"bytes_written": size,
		}),
		Meta: Meta{Sensitivity: SensitivityMutating, Source: "builtin", Bytes: &size},
	}
}

// normalizePatch prepends minimal file headers when the model sent bare
// @@ hunks, which local models do constantly.
func normalizePatch(path, patch string) string {
	trimmed := strings.TrimLeft(patch, "\n")
	if strings.HasPrefix(trimmed, "---") || strings.HasPrefix(trimmed, "diff ") {
		return patch
	}
	return fmt.Sprintf("--- a/%s\n+++ b/%s\n%s", path, path, patch)
}
