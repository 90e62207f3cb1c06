// Package file implements the read-only file tool. Reads are confined to a
// configured root and never require approval.
package file

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jkaninda/idhini/internal/tools"
)

// Tool reads files under a configured root directory.
type Tool struct {
	root string
}

// NewTool creates a file tool rooted at the given directory.
func NewTool(root string) (*Tool, error) {
	if root == "" {
		return nil, fmt.Errorf("file tool requires a root directory")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving file tool root: %w", err)
	}
	return &Tool{root: abs}, nil
}

func (t *Tool) Name() string        { return "file_read" }
func (t *Tool) Description() string { return "Read a file from the workspace" }

func (t *Tool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{"type": "string", "description": "Path relative to the workspace root"},
		},
		"required": []string{"path"},
	}
}

// RequiresApproval is false. Reads are side-effect free.
func (t *Tool) RequiresApproval() bool { return false }

// Validate checks the path parameter and rejects escapes from the root.
func (t *Tool) Validate(params map[string]any) error {
	_, err := t.resolve(params)
	return err
}

// Execute reads the file and returns its contents, capped at MaxOutputBytes.
func (t *Tool) Execute(_ context.Context, params map[string]any) (*tools.Result, error) {
	path, err := t.resolve(params)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	return &tools.Result{
		Output:  tools.TruncateOutput(string(data), tools.MaxOutputBytes),
		Success: true,
		Metadata: map[string]any{
			"path":  path,
			"bytes": len(data),
		},
	}, nil
}

// resolve validates the path parameter and confines it under the root.
func (t *Tool) resolve(params map[string]any) (string, error) {
	v, ok := params["path"]
	if !ok {
		return "", fmt.Errorf("missing required parameter %q", "path")
	}
	rel, ok := v.(string)
	if !ok || rel == "" {
		return "", fmt.Errorf("parameter %q must be a non-empty string", "path")
	}

	abs := filepath.Clean(filepath.Join(t.root, rel))
	if abs != t.root && !strings.HasPrefix(abs, t.root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the workspace root", rel)
	}
	return abs, nil
}
