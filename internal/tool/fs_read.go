package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"fsbot/internal/domain"
)

// Read-only tools follow the same authorize-first discipline as the mutation
// tools but carry no mutation risk, so they execute immediately with no
// confirmed flag.

const defaultMaxFileChars = 10000

// --- list_directory ---

// ListDirectoryTool lists the entries of a whitelisted directory.
type ListDirectoryTool struct {
	auth domain.Authorizer
}

func NewListDirectoryTool(auth domain.Authorizer) *ListDirectoryTool {
	return &ListDirectoryTool{auth: auth}
}

func (t *ListDirectoryTool) Name() string { return "list_directory" }
func (t *ListDirectoryTool) Description() string {
	return "List the files and subdirectories of a directory, with sizes. Provide an absolute path."
}
func (t *ListDirectoryTool) Parameters() map[string]any {
	return ToolParameters(
		map[string]Param{
			"folder_path": {Type: "string", Description: "Absolute path of the directory to list"},
		},
		[]string{"folder_path"},
	)
}

func (t *ListDirectoryTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	path := ArgsString(args, "folder_path")
	if path == "" {
		return "Error: Missing required argument: folder_path", nil
	}

	decision := t.auth.Authorize(path)
	if !decision.Allowed {
		return decision.Reason, nil
	}

	info, err := os.Stat(decision.Canonical)
	if err != nil {
		return fmt.Sprintf("Error: Directory does not exist: %q", path), nil
	}
	if !info.IsDir() {
		return fmt.Sprintf("Error: Path is not a directory: %q", path), nil
	}

	entries, err := os.ReadDir(decision.Canonical)
	if err != nil {
		return fmt.Sprintf("Error: Could not list directory: %v", err), nil
	}
	if len(entries) == 0 {
		return "(empty directory)", nil
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var b strings.Builder
	for _, e := range entries {
		var size int64
		if fi, err := e.Info(); err == nil {
			size = fi.Size()
		}
		fmt.Fprintf(&b, "- %s: file_size=%d bytes, is_dir=%t\n", e.Name(), size, e.IsDir())
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

// --- read_file ---

// ReadFileTool returns the contents of a whitelisted file, truncated to a
// configured character budget.
type ReadFileTool struct {
	auth     domain.Authorizer
	maxChars int
}

func NewReadFileTool(auth domain.Authorizer, maxChars int) *ReadFileTool {
	if maxChars <= 0 {
		maxChars = defaultMaxFileChars
	}
	return &ReadFileTool{auth: auth, maxChars: maxChars}
}

func (t *ReadFileTool) Name() string { return "read_file" }
func (t *ReadFileTool) Description() string {
	return "Read the contents of a file. Provide an absolute path. Long files are truncated."
}
func (t *ReadFileTool) Parameters() map[string]any {
	return ToolParameters(
		map[string]Param{
			"file_path": {Type: "string", Description: "Absolute path of the file to read"},
		},
		[]string{"file_path"},
	)
}

func (t *ReadFileTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	path := ArgsString(args, "file_path")
	if path == "" {
		return "Error: Missing required argument: file_path", nil
	}

	decision := t.auth.Authorize(path)
	if !decision.Allowed {
		return decision.Reason, nil
	}

	info, err := os.Stat(decision.Canonical)
	if err != nil {
		return fmt.Sprintf("Error: File does not exist: %q", path), nil
	}
	if info.IsDir() {
		return fmt.Sprintf("Error: Path is a directory, not a file: %q", path), nil
	}

	data, err := os.ReadFile(decision.Canonical)
	if err != nil {
		return fmt.Sprintf("Error: Could not read file: %v", err), nil
	}

	content := string(data)
	if len(content) > t.maxChars {
		content = content[:t.maxChars] +
			fmt.Sprintf("\n[...File %q truncated at %d characters]", path, t.maxChars)
	}
	return content, nil
}

// --- file_metadata ---

// FileMetadataTool returns metadata about a file or directory as JSON.
type FileMetadataTool struct {
	auth domain.Authorizer
}

func NewFileMetadataTool(auth domain.Authorizer) *FileMetadataTool {
	return &FileMetadataTool{auth: auth}
}

func (t *FileMetadataTool) Name() string { return "file_metadata" }
func (t *FileMetadataTool) Description() string {
	return "Get metadata (size, type, permissions, modification time) for a file or directory."
}
func (t *FileMetadataTool) Parameters() map[string]any {
	return ToolParameters(
		map[string]Param{
			"file_path": {Type: "string", Description: "Absolute path of the file or directory"},
		},
		[]string{"file_path"},
	)
}

func (t *FileMetadataTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	path := ArgsString(args, "file_path")
	if path == "" {
		return "Error: Missing required argument: file_path", nil
	}

	decision := t.auth.Authorize(path)
	if !decision.Allowed {
		return decision.Reason, nil
	}

	info, err := os.Stat(decision.Canonical)
	if err != nil {
		return fmt.Sprintf("Error: Path does not exist: %q", path), nil
	}

	meta := map[string]any{
		"name":       info.Name(),
		"path":       path,
		"size_bytes": info.Size(),
		"size_human": humanSize(info.Size()),
		"is_dir":     info.IsDir(),
		"mode":       info.Mode().String(),
		"modified":   info.ModTime().Format(time.RFC3339),
	}

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Sprintf("Error: Could not encode metadata: %v", err), nil
	}
	return string(data), nil
}

// humanSize renders a byte count with one decimal and a binary-ish unit
// ladder (B, KB, MB, GB, TB, PB).
func humanSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	units := []string{"KB", "MB", "GB", "TB", "PB"}
	value := float64(n)
	for i, u := range units {
		value /= unit
		if value < unit || i == len(units)-1 {
			return fmt.Sprintf("%.1f %s", value, u)
		}
	}
	return fmt.Sprintf("%d B", n)
}

// Compile-time interface checks.
var (
	_ domain.Tool = (*ListDirectoryTool)(nil)
	_ domain.Tool = (*ReadFileTool)(nil)
	_ domain.Tool = (*FileMetadataTool)(nil)
)
