package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/yiyabo/gagent/internal/shared/jsonx"
)

// fileWrite persists an artifact under the configured artifacts directory.
// It is an output tool: the executor defers it until the task's result is
// accepted, so rejected drafts never touch disk.
type fileWrite struct {
	baseDir string
}

// NewFileWrite builds the file_write output tool rooted at baseDir.
func NewFileWrite(baseDir string) Tool {
	return &fileWrite{baseDir: baseDir}
}

func (t *fileWrite) Descriptor() Descriptor {
	return Descriptor{
		Name:        "file_write",
		Kind:        KindOutput,
		Description: "Write content to a file inside the artifacts directory.",
		Schema: jsonx.RawMessage(`{
			"type": "object",
			"properties": {
				"path": {"type": "string", "description": "Relative file path inside the artifacts directory"},
				"content": {"type": "string", "description": "The file content"}
			},
			"required": ["path", "content"]
		}`),
	}
}

func (t *fileWrite) Invoke(ctx context.Context, args map[string]any) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	relPath, err := stringArg(args, "path")
	if err != nil {
		return nil, err
	}
	content, ok := args["content"].(string)
	if !ok {
		return nil, fmt.Errorf("argument %q must be a string", "content")
	}

	target, err := t.resolve(relPath)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return nil, fmt.Errorf("file_write: create directory: %w", err)
	}
	if err := os.WriteFile(target, []byte(content), 0o644); err != nil {
		return nil, fmt.Errorf("file_write: %w", err)
	}
	return &Result{
		Content: fmt.Sprintf("wrote %d bytes to %s", len(content), relPath),
		Meta:    map[string]any{"path": target, "bytes": len(content)},
	}, nil
}

// resolve confines the target path to the artifacts directory.
func (t *fileWrite) resolve(relPath string) (string, error) {
	if filepath.IsAbs(relPath) {
		return "", fmt.Errorf("file_write: path must be relative, got %q", relPath)
	}
	cleaned := filepath.Clean(relPath)
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("file_write: path %q escapes the artifacts directory", relPath)
	}
	return filepath.Join(t.baseDir, cleaned), nil
}
