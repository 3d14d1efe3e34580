package tool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"

	"fsbot/internal/domain"
	"fsbot/internal/metrics"
	"fsbot/internal/staging"
)

// The three mutation tools share one contract: every path argument passes
// the authorizer first, then operation-specific preconditions run, and only
// then does the confirmed flag decide between returning staged wire text and
// touching the disk. A call with confirmed unset never mutates anything.

// mutationDeps are the collaborators every mutation tool needs.
type mutationDeps struct {
	auth   domain.Authorizer
	audit  domain.AuditLogger
	logger *slog.Logger
}

func newMutationDeps(auth domain.Authorizer, audit domain.AuditLogger, logger *slog.Logger) mutationDeps {
	if logger == nil {
		logger = slog.Default()
	}
	return mutationDeps{auth: auth, audit: audit, logger: logger}
}

// logAudit records a staging or execution event; audit failures are logged
// and swallowed so they never fail the tool call.
func (d mutationDeps) logAudit(ctx context.Context, action, toolName, path, result, detail string) {
	if d.audit == nil {
		return
	}
	err := d.audit.LogAudit(ctx, domain.AuditEntry{
		Session: domain.SessionFromContext(ctx),
		Action:  action,
		Tool:    toolName,
		Path:    path,
		Result:  result,
		Detail:  detail,
	})
	if err != nil {
		d.logger.Warn("audit write failed", "err", err)
	}
}

func (d mutationDeps) stage(ctx context.Context, a staging.Action, note string) string {
	metrics.ActionsStaged.Inc()
	encoded := staging.EncodeWithNote(a, note)
	d.logAudit(ctx, "stage", a.Tool(), firstArgValue(a), "staged", encoded)
	return encoded
}

func firstArgValue(a staging.Action) string {
	args := a.Args()
	if len(args) == 0 {
		return ""
	}
	return args[0].Value
}

// describeFSError converts an OS-level mutation failure into the single
// descriptive string that crosses the tool boundary.
func describeFSError(op string, err error) string {
	switch {
	case errors.Is(err, os.ErrPermission):
		return fmt.Sprintf("Error: Permission denied while trying to %s.", op)
	case errors.Is(err, os.ErrNotExist):
		return fmt.Sprintf("Error: A path disappeared while trying to %s.", op)
	case errors.Is(err, os.ErrExist):
		return fmt.Sprintf("Error: Destination already exists while trying to %s.", op)
	case errors.Is(err, syscall.EXDEV):
		return fmt.Sprintf("Error: Cannot %s across filesystems.", op)
	default:
		return fmt.Sprintf("Error: Could not %s: %v", op, err)
	}
}

func describeEntry(info os.FileInfo) string {
	if info != nil && info.IsDir() {
		return "directory"
	}
	return "file"
}

// --- create_directory ---

// CreateDirectoryTool creates a directory (with missing parents) inside the
// whitelist, after confirmation.
type CreateDirectoryTool struct {
	deps mutationDeps
}

func NewCreateDirectoryTool(auth domain.Authorizer, audit domain.AuditLogger, logger *slog.Logger) *CreateDirectoryTool {
	return &CreateDirectoryTool{deps: newMutationDeps(auth, audit, logger)}
}

func (t *CreateDirectoryTool) Name() string { return staging.ToolCreateDirectory }
func (t *CreateDirectoryTool) Description() string {
	return "Create a new directory at the given absolute path. Creates missing parent directories. Destructive changes require user confirmation; without confirmed=true the action is only staged."
}
func (t *CreateDirectoryTool) Parameters() map[string]any {
	return ToolParameters(
		map[string]Param{
			"folder_path": {Type: "string", Description: "Absolute path of the directory to create"},
			"confirmed":   {Type: "boolean", Description: "Set true only after the user explicitly confirmed this exact action"},
		},
		[]string{"folder_path"},
	)
}

func (t *CreateDirectoryTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	path := ArgsString(args, "folder_path")
	if path == "" {
		return "Error: Missing required argument: folder_path", nil
	}

	decision := t.deps.auth.Authorize(path)
	if !decision.Allowed {
		return decision.Reason, nil
	}
	canonical := decision.Canonical

	// Preconditions run before the confirmed branch so a staged preview is
	// a true forecast of what execution would do.
	if info, err := os.Stat(canonical); err == nil {
		if info.IsDir() {
			return fmt.Sprintf("Folder already exists: %q", path), nil
		}
		return fmt.Sprintf("Error: Path exists and is not a directory: %q", path), nil
	}

	note := ""
	if _, err := os.Stat(filepath.Dir(canonical)); err != nil {
		note = "will create parent directories"
	}

	if !ArgsBool(args, "confirmed") {
		return t.deps.stage(ctx, staging.CreateDirectory{Path: path}, note), nil
	}

	if err := os.MkdirAll(canonical, 0o755); err != nil {
		msg := describeFSError("create the folder", err)
		t.deps.logAudit(ctx, "execute", t.Name(), canonical, "error", msg)
		return msg, nil
	}

	metrics.ActionsExecuted.Inc()
	t.deps.logAudit(ctx, "execute", t.Name(), canonical, "ok", "")
	return fmt.Sprintf("Successfully created folder: %q", path), nil
}

// --- move_file ---

// MoveFileTool moves a file or directory. Moving into an existing directory
// places the source inside it; an existing destination file is overwritten.
type MoveFileTool struct {
	deps mutationDeps
}

func NewMoveFileTool(auth domain.Authorizer, audit domain.AuditLogger, logger *slog.Logger) *MoveFileTool {
	return &MoveFileTool{deps: newMutationDeps(auth, audit, logger)}
}

func (t *MoveFileTool) Name() string { return staging.ToolMoveFile }
func (t *MoveFileTool) Description() string {
	return "Move a file or directory to a new location. May overwrite an existing destination file or merge into an existing directory. Destructive changes require user confirmation; without confirmed=true the action is only staged."
}
func (t *MoveFileTool) Parameters() map[string]any {
	return ToolParameters(
		map[string]Param{
			"source_path":      {Type: "string", Description: "Absolute path of the file or directory to move"},
			"destination_path": {Type: "string", Description: "Absolute path of the destination"},
			"confirmed":        {Type: "boolean", Description: "Set true only after the user explicitly confirmed this exact action"},
		},
		[]string{"source_path", "destination_path"},
	)
}

func (t *MoveFileTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	source := ArgsString(args, "source_path")
	dest := ArgsString(args, "destination_path")
	if source == "" || dest == "" {
		return "Error: Missing required arguments: source_path, destination_path", nil
	}

	srcDecision := t.deps.auth.Authorize(source)
	if !srcDecision.Allowed {
		return srcDecision.Reason, nil
	}
	dstDecision := t.deps.auth.Authorize(dest)
	if !dstDecision.Allowed {
		return dstDecision.Reason, nil
	}

	srcInfo, err := os.Stat(srcDecision.Canonical)
	if err != nil {
		return fmt.Sprintf("Error: Source does not exist: %q", source), nil
	}

	if !ArgsBool(args, "confirmed") {
		return t.deps.stage(ctx, staging.Move{Source: source, Dest: dest}, ""), nil
	}

	target := dstDecision.Canonical
	if info, err := os.Stat(target); err == nil && info.IsDir() {
		// Moving into an existing directory places the source inside it.
		target = filepath.Join(target, filepath.Base(srcDecision.Canonical))
	}

	if err := moveEntry(srcDecision.Canonical, target); err != nil {
		msg := describeFSError("move", err)
		t.deps.logAudit(ctx, "execute", t.Name(), srcDecision.Canonical, "error", msg)
		return msg, nil
	}

	metrics.ActionsExecuted.Inc()
	t.deps.logAudit(ctx, "execute", t.Name(), srcDecision.Canonical, "ok", "to "+target)
	return fmt.Sprintf("Successfully moved %s %q to %q", describeEntry(srcInfo), source, dest), nil
}

// --- rename_file ---

// RenameFileTool renames a file or directory. Unlike move_file, the
// destination must not already exist.
type RenameFileTool struct {
	deps mutationDeps
}

func NewRenameFileTool(auth domain.Authorizer, audit domain.AuditLogger, logger *slog.Logger) *RenameFileTool {
	return &RenameFileTool{deps: newMutationDeps(auth, audit, logger)}
}

func (t *RenameFileTool) Name() string { return staging.ToolRenameFile }
func (t *RenameFileTool) Description() string {
	return "Rename a file or directory. Fails if the new path already exists (use move_file to overwrite). Destructive changes require user confirmation; without confirmed=true the action is only staged."
}
func (t *RenameFileTool) Parameters() map[string]any {
	return ToolParameters(
		map[string]Param{
			"old_path":  {Type: "string", Description: "Absolute path of the file or directory to rename"},
			"new_path":  {Type: "string", Description: "Absolute path it should be renamed to; must not exist"},
			"confirmed": {Type: "boolean", Description: "Set true only after the user explicitly confirmed this exact action"},
		},
		[]string{"old_path", "new_path"},
	)
}

func (t *RenameFileTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	oldPath := ArgsString(args, "old_path")
	newPath := ArgsString(args, "new_path")
	if oldPath == "" || newPath == "" {
		return "Error: Missing required arguments: old_path, new_path", nil
	}

	oldDecision := t.deps.auth.Authorize(oldPath)
	if !oldDecision.Allowed {
		return oldDecision.Reason, nil
	}
	newDecision := t.deps.auth.Authorize(newPath)
	if !newDecision.Allowed {
		return newDecision.Reason, nil
	}

	oldInfo, err := os.Stat(oldDecision.Canonical)
	if err != nil {
		return fmt.Sprintf("Error: Source does not exist: %q", oldPath), nil
	}
	if _, err := os.Lstat(newDecision.Canonical); err == nil {
		return fmt.Sprintf("Error: Destination already exists: %q. Use move_file to overwrite.", newPath), nil
	}

	if !ArgsBool(args, "confirmed") {
		return t.deps.stage(ctx, staging.Rename{Old: oldPath, New: newPath}, ""), nil
	}

	if err := os.Rename(oldDecision.Canonical, newDecision.Canonical); err != nil {
		msg := describeFSError("rename", err)
		t.deps.logAudit(ctx, "execute", t.Name(), oldDecision.Canonical, "error", msg)
		return msg, nil
	}

	metrics.ActionsExecuted.Inc()
	t.deps.logAudit(ctx, "execute", t.Name(), oldDecision.Canonical, "ok", "to "+newDecision.Canonical)
	return fmt.Sprintf("Successfully renamed %s %q to %q", describeEntry(oldInfo), oldPath, newPath), nil
}

// moveEntry renames src to dst, falling back to copy-then-delete when they
// live on different filesystems. The fallback is not atomic: a failure part
// way through can leave a partial copy at dst with src still in place. No
// rollback is attempted; the failure is reported and the human decides.
func moveEntry(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	if !errors.Is(err, syscall.EXDEV) {
		return err
	}
	if err := copyRecursive(src, dst); err != nil {
		return err
	}
	return os.RemoveAll(src)
}

func copyRecursive(src, dst string) error {
	info, err := os.Lstat(src)
	if err != nil {
		return err
	}

	switch {
	case info.Mode()&os.ModeSymlink != 0:
		target, err := os.Readlink(src)
		if err != nil {
			return err
		}
		return os.Symlink(target, dst)
	case info.IsDir():
		if err := os.MkdirAll(dst, info.Mode().Perm()); err != nil {
			return err
		}
		entries, err := os.ReadDir(src)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if err := copyRecursive(filepath.Join(src, e.Name()), filepath.Join(dst, e.Name())); err != nil {
				return err
			}
		}
		return nil
	default:
		return copyFile(src, dst, info.Mode().Perm())
	}
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// Compile-time interface checks.
var (
	_ domain.Tool = (*CreateDirectoryTool)(nil)
	_ domain.Tool = (*MoveFileTool)(nil)
	_ domain.Tool = (*RenameFileTool)(nil)
)
