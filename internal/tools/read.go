package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/stewardhq/steward/internal/llm"
)

const readFileMaxBytes = 256 * 1024

// ReadFileTool reads files inside the workspace. Paths are resolved relative
// to the workspace root; escaping it is rejected.
type ReadFileTool struct {
	workspace string
}

func NewReadFileTool(workspace string) *ReadFileTool {
	return &ReadFileTool{workspace: workspace}
}

type readFileArgs struct {
	Path string `json:"path"`
}

func (t *ReadFileTool) Spec() llm.ToolSpec {
	return llm.ToolSpec{
		Name:        "read_file",
		Description: "Read a file from the workspace. Returns the file contents as text.",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{
					"type":        "string",
					"description": "Path relative to the workspace root",
				},
			},
			"required":             []string{"path"},
			"additionalProperties": false,
		},
	}
}

func (t *ReadFileTool) Execute(_ context.Context, args json.RawMessage, _ llm.ToolContext) (string, error) {
	var a readFileArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return "", NewToolErrorf(ErrInvalidParams, "invalid arguments: %v", err)
	}
	if a.Path == "" {
		return "", NewToolErrorf(ErrInvalidParams, "path is required")
	}

	full, err := t.resolve(a.Path)
	if err != nil {
		return "", err
	}

	info, err := os.Stat(full)
	if err != nil {
		if os.IsNotExist(err) {
			return "", NewToolErrorf(ErrFileNotFound, "%s", a.Path)
		}
		return "", NewToolErrorf(ErrExecutionFailed, "stat %s: %v", a.Path, err)
	}
	if info.Size() > readFileMaxBytes {
		return "", NewToolErrorf(ErrFileTooLarge, "%s is %d bytes (limit %d)", a.Path, info.Size(), readFileMaxBytes)
	}

	data, err := os.ReadFile(full)
	if err != nil {
		return "", NewToolErrorf(ErrExecutionFailed, "read %s: %v", a.Path, err)
	}
	return string(data), nil
}

func (t *ReadFileTool) resolve(path string) (string, error) {
	if filepath.IsAbs(path) {
		return "", NewToolErrorf(ErrPathNotAllowed, "absolute paths are not allowed: %s", path)
	}
	full := filepath.Join(t.workspace, path)
	rel, err := filepath.Rel(t.workspace, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", NewToolErrorf(ErrPathNotAllowed, "path escapes the workspace: %s", path)
	}
	return full, nil
}

var _ Tool = (*ReadFileTool)(nil)
