package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// maxReadBytes caps read_file output so a single tool result cannot
// swamp the model context.
const maxReadBytes = 128 * 1024

// fsGuard resolves paths against the workspace and optionally confines them to it.
type fsGuard struct {
	workspace string
	restrict  bool
}

func newFSGuard(workspace string, restrict bool) fsGuard {
	return fsGuard{workspace: normalizeRoot(workspace), restrict: restrict}
}

// resolve turns a user supplied path into an absolute one. Relative paths
// are taken relative to the workspace.
func (g fsGuard) resolve(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, _ := os.UserHomeDir()
		path = filepath.Join(home, path[1:])
	}
	if !filepath.IsAbs(path) && g.workspace != "" {
		path = filepath.Join(g.workspace, path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	if g.restrict && g.workspace != "" && !isWithin(g.workspace, abs) {
		return "", fmt.Errorf("path outside workspace: %s", path)
	}
	return abs, nil
}

// ReadFileTool reads the contents of a file.
type ReadFileTool struct {
	guard fsGuard
}

// NewReadFileTool creates a ReadFileTool rooted at workspace.
func NewReadFileTool(workspace string, restrict bool) *ReadFileTool {
	return &ReadFileTool{guard: newFSGuard(workspace, restrict)}
}

func (t *ReadFileTool) Name() string { return "read_file" }
func (t *ReadFileTool) Tier() int    { return TierReadOnly }

func (t *ReadFileTool) Description() string {
	return "Read the contents of a file at the specified path."
}

func (t *ReadFileTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "The path to the file to read",
			},
		},
		"required": []string{"path"},
	}
}

func (t *ReadFileTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	path := GetString(params, "path", "")
	if path == "" {
		return "Error: path is required", nil
	}
	path, err := t.guard.resolve(path)
	if err != nil {
		return "Error: " + err.Error(), nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Sprintf("Error: file not found: %s", path), nil
		}
		if os.IsPermission(err) {
			return fmt.Sprintf("Error: permission denied: %s", path), nil
		}
		return fmt.Sprintf("Error reading file: %v", err), nil
	}
	if len(content) > maxReadBytes {
		return string(content[:maxReadBytes]) + fmt.Sprintf("\n... (truncated, %d bytes total)", len(content)), nil
	}
	return string(content), nil
}

// WriteFileTool writes content to a file.
type WriteFileTool struct {
	guard fsGuard
}

// NewWriteFileTool creates a WriteFileTool rooted at workspace.
func NewWriteFileTool(workspace string, restrict bool) *WriteFileTool {
	return &WriteFileTool{guard: newFSGuard(workspace, restrict)}
}

func (t *WriteFileTool) Name() string { return "write_file" }
func (t *WriteFileTool) Tier() int    { return TierWrite }

func (t *WriteFileTool) Description() string {
	return "Write content to a file at the specified path. Creates parent directories if needed."
}

func (t *WriteFileTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "The path to the file to write",
			},
			"content": map[string]any{
				"type":        "string",
				"description": "The content to write to the file",
			},
		},
		"required": []string{"path", "content"},
	}
}

func (t *WriteFileTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	path := GetString(params, "path", "")
	content := GetString(params, "content", "")

	if path == "" {
		return "Error: path is required", nil
	}
	path, err := t.guard.resolve(path)
	if err != nil {
		return "Error: " + err.Error(), nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Sprintf("Error creating directory: %v", err), nil
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		if os.IsPermission(err) {
			return fmt.Sprintf("Error: permission denied: %s", path), nil
		}
		return fmt.Sprintf("Error writing file: %v", err), nil
	}

	return fmt.Sprintf("Successfully wrote %d bytes to %s", len(content), path), nil
}

// EditFileTool replaces text in a file.
type EditFileTool struct {
	guard fsGuard
}

// NewEditFileTool creates an EditFileTool rooted at workspace.
func NewEditFileTool(workspace string, restrict bool) *EditFileTool {
	return &EditFileTool{guard: newFSGuard(workspace, restrict)}
}

func (t *EditFileTool) Name() string { return "edit_file" }
func (t *EditFileTool) Tier() int    { return TierWrite }

func (t *EditFileTool) Description() string {
	return "Edit a file by replacing text. The old text must appear exactly once."
}

func (t *EditFileTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "The path to the file to edit",
			},
			"old_text": map[string]any{
				"type":        "string",
				"description": "The exact text to find and replace",
			},
			"new_text": map[string]any{
				"type":        "string",
				"description": "The replacement text",
			},
		},
		"required": []string{"path", "old_text", "new_text"},
	}
}

func (t *EditFileTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	path := GetString(params, "path", "")
	oldText := GetString(params, "old_text", "")
	newText := GetString(params, "new_text", "")

	if path == "" {
		return "Error: path is required", nil
	}
	if oldText == "" {
		return "Error: old_text is required", nil
	}
	path, err := t.guard.resolve(path)
	if err != nil {
		return "Error: " + err.Error(), nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Sprintf("Error: file not found: %s", path), nil
		}
		return fmt.Sprintf("Error reading file: %v", err), nil
	}

	contentStr := string(content)
	switch n := strings.Count(contentStr, oldText); {
	case n == 0:
		return fmt.Sprintf("Error: text not found in file: %s", path), nil
	case n > 1:
		return fmt.Sprintf("Warning: old_text appears %d times in %s. Provide more context to make it unique.", n, path), nil
	}

	newContent := strings.Replace(contentStr, oldText, newText, 1)
	if err := os.WriteFile(path, []byte(newContent), 0644); err != nil {
		return fmt.Sprintf("Error writing file: %v", err), nil
	}

	return fmt.Sprintf("Successfully edited %s", path), nil
}

// ListDirTool lists directory contents.
type ListDirTool struct {
	guard fsGuard
}

// NewListDirTool creates a ListDirTool rooted at workspace.
func NewListDirTool(workspace string, restrict bool) *ListDirTool {
	return &ListDirTool{guard: newFSGuard(workspace, restrict)}
}

func (t *ListDirTool) Name() string { return "list_dir" }
func (t *ListDirTool) Tier() int    { return TierReadOnly }

func (t *ListDirTool) Description() string {
	return "List the contents of a directory."
}

func (t *ListDirTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "The directory path to list",
			},
		},
		"required": []string{"path"},
	}
}

func (t *ListDirTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	path, err := t.guard.resolve(GetString(params, "path", "."))
	if err != nil {
		return "Error: " + err.Error(), nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Sprintf("Error: directory not found: %s", path), nil
		}
		if os.IsPermission(err) {
			return fmt.Sprintf("Error: permission denied: %s", path), nil
		}
		return fmt.Sprintf("Error reading directory: %v", err), nil
	}
	if len(entries) == 0 {
		return fmt.Sprintf("Directory %s is empty", path), nil
	}

	var result strings.Builder
	result.WriteString(fmt.Sprintf("Contents of %s:\n", path))
	for _, entry := range entries {
		info, _ := entry.Info()
		if entry.IsDir() {
			result.WriteString(fmt.Sprintf("  [DIR]  %s/\n", entry.Name()))
		} else if info != nil {
			result.WriteString(fmt.Sprintf("  [FILE] %s (%d bytes)\n", entry.Name(), info.Size()))
		} else {
			result.WriteString(fmt.Sprintf("  [FILE] %s\n", entry.Name()))
		}
	}
	return result.String(), nil
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		home, _ := os.UserHomeDir()
		path = filepath.Join(home, path[1:])
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return path
}

func normalizeRoot(root string) string {
	if root == "" {
		return ""
	}
	return expandPath(root)
}

func isWithin(root, path string) bool {
	if root == "" {
		return true
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && rel != ".."
}
