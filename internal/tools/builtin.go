package tools

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
)

// maxOutputBytes caps tool output fed back into the conversation.
const maxOutputBytes = 64 * 1024

// RegisterBuiltins installs the standard tool set.
func RegisterBuiltins(r *Registry, policy *PathPolicy) {
	r.Register(&ExecuteTool{workDir: policy.ActiveWriteRoot()})
	r.Register(&ReadFileTool{})
	r.Register(&WriteFileTool{})
	r.Register(&ListFilesTool{})
	r.Register(&SearchTool{root: policy.ProjectRoot})
}

// ExecuteTool runs a shell command in the active write root.
type ExecuteTool struct {
	workDir string
}

func (t *ExecuteTool) Name() string        { return "execute" }
func (t *ExecuteTool) Description() string { return "Run a shell command and return its output" }
func (t *ExecuteTool) Mutating() bool      { return true }
func (t *ExecuteTool) PathScope() string   { return ScopeAny }
func (t *ExecuteTool) Schema() Schema {
	return Schema{Fields: []Field{
		{Name: "command", Type: TypeString, Required: true, Description: "Shell command to run"},
	}}
}

func (t *ExecuteTool) Execute(ctx context.Context, args map[string]any) *Result {
	command := args["command"].(string)

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = t.workDir
	output, err := cmd.CombinedOutput()

	text := truncateOutput(string(output))
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return Errorf("command timed out\n%s", text)
		}
		return Errorf("command failed: %v\n%s", err, text)
	}
	return OK(text)
}

// ReadFileTool reads a file within the allowed roots.
type ReadFileTool struct{}

func (t *ReadFileTool) Name() string        { return "read_file" }
func (t *ReadFileTool) Description() string { return "Read the contents of a file" }
func (t *ReadFileTool) Mutating() bool      { return false }
func (t *ReadFileTool) PathScope() string   { return ScopeProject }
func (t *ReadFileTool) Schema() Schema {
	return Schema{Fields: []Field{
		{Name: "path", Type: TypePath, Required: true, Description: "Path to the file"},
	}}
}

func (t *ReadFileTool) Execute(_ context.Context, args map[string]any) *Result {
	path := args["path"].(string)
	data, err := os.ReadFile(path)
	if err != nil {
		return Errorf("read %s: %v", path, err)
	}
	return OK(truncateOutput(string(data)))
}

// WriteFileTool writes a file under the active write root.
type WriteFileTool struct{}

func (t *WriteFileTool) Name() string        { return "write_file" }
func (t *WriteFileTool) Description() string { return "Write content to a file, creating parent directories" }
func (t *WriteFileTool) Mutating() bool      { return true }
func (t *WriteFileTool) PathScope() string   { return ScopeProject }
func (t *WriteFileTool) Schema() Schema {
	return Schema{Fields: []Field{
		{Name: "path", Type: TypePath, Required: true, Description: "Destination path"},
		{Name: "content", Type: TypeString, Required: false, Description: "File content"},
	}}
}

func (t *WriteFileTool) Execute(_ context.Context, args map[string]any) *Result {
	path := args["path"].(string)
	content, _ := args["content"].(string)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Errorf("create parent dirs: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return Errorf("write %s: %v", path, err)
	}
	return OK(fmt.Sprintf("wrote %d bytes to %s", len(content), path))
}

// ListFilesTool lists a directory.
type ListFilesTool struct{}

func (t *ListFilesTool) Name() string        { return "list_files" }
func (t *ListFilesTool) Description() string { return "List the entries of a directory" }
func (t *ListFilesTool) Mutating() bool      { return false }
func (t *ListFilesTool) PathScope() string   { return ScopeProject }
func (t *ListFilesTool) Schema() Schema {
	return Schema{Fields: []Field{
		{Name: "path", Type: TypePath, Required: true, Description: "Directory to list"},
	}}
}

func (t *ListFilesTool) Execute(_ context.Context, args map[string]any) *Result {
	path := args["path"].(string)
	entries, err := os.ReadDir(path)
	if err != nil {
		return Errorf("list %s: %v", path, err)
	}

	var lines []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		lines = append(lines, name)
	}
	sort.Strings(lines)
	return OK(strings.Join(lines, "\n"))
}

// SearchTool finds text matches under the project root.
type SearchTool struct {
	root string
}

func (t *SearchTool) Name() string        { return "search" }
func (t *SearchTool) Description() string { return "Search project files for a text pattern" }
func (t *SearchTool) Mutating() bool      { return false }
func (t *SearchTool) PathScope() string   { return ScopeProject }
func (t *SearchTool) Schema() Schema {
	return Schema{Fields: []Field{
		{Name: "pattern", Type: TypeString, Required: true, Description: "Substring to search for"},
		{Name: "path", Type: TypePath, Required: false, Description: "Directory to search (default project root)"},
	}}
}

func (t *SearchTool) Execute(ctx context.Context, args map[string]any) *Result {
	pattern := args["pattern"].(string)
	root := t.root
	if p, ok := args["path"].(string); ok && p != "" {
		root = p
	}

	var matches []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != root {
				return filepath.SkipDir
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		data, err := os.ReadFile(path)
		if err != nil || !strings.Contains(string(data), pattern) {
			return nil
		}
		for i, line := range strings.Split(string(data), "\n") {
			if strings.Contains(line, pattern) {
				matches = append(matches, fmt.Sprintf("%s:%d: %s", path, i+1, strings.TrimSpace(line)))
			}
		}
		return nil
	})
	if err != nil && err != ctx.Err() {
		return Errorf("search: %v", err)
	}
	if len(matches) == 0 {
		return OK("no matches")
	}
	return OK(truncateOutput(strings.Join(matches, "\n")))
}

func truncateOutput(s string) string {
	if len(s) <= maxOutputBytes {
		return s
	}
	return s[:maxOutputBytes] + "\n... (output truncated)"
}
