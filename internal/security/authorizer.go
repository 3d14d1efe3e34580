package security

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"fsbot/internal/domain"
	"fsbot/internal/metrics"
)

// DeniedMessage is the single denial string returned for every refused path.
// Relative paths, unresolvable paths, and paths outside the whitelist all get
// the same message so a caller cannot probe the whitelist layout.
const DeniedMessage = "Error: Access Denied. This path is outside the authorized security zones."

// whitelistFile is the schema of the YAML whitelist resource.
type whitelistFile struct {
	AllowedRoots []string `yaml:"allowed_roots"`
}

// Authorizer decides whether a path lies inside one of the whitelisted root
// directories. The whitelist is loaded from a YAML resource and cached until
// the resource's modification time changes. A missing or unparsable resource
// yields an empty whitelist: every path is denied.
type Authorizer struct {
	resourcePath string
	audit        domain.AuditLogger
	logger       *slog.Logger

	mu      sync.RWMutex
	roots   []string
	modTime time.Time
	loaded  bool
}

var _ domain.Authorizer = (*Authorizer)(nil)

func NewAuthorizer(resourcePath string, audit domain.AuditLogger, logger *slog.Logger) *Authorizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authorizer{
		resourcePath: resourcePath,
		audit:        audit,
		logger:       logger,
	}
}

// Authorize canonicalizes path and checks containment against the whitelist.
// The returned Decision carries the canonical path on success and the uniform
// denial message on refusal.
func (a *Authorizer) Authorize(path string) domain.Decision {
	if strings.TrimSpace(path) == "" {
		return a.deny(path, "empty path")
	}
	if !filepath.IsAbs(path) {
		// Relative paths carry ambiguous base context; reject, never resolve
		// against a working directory.
		return a.deny(path, "relative path")
	}

	canonical, err := canonicalize(path)
	if err != nil {
		return a.deny(path, "resolution failed: "+err.Error())
	}

	for _, root := range a.currentRoots() {
		if underRoot(canonical, root) {
			metrics.AuthorizeAllowed.Inc()
			a.logAudit("authorize", path, "allowed", canonical)
			return domain.Decision{Allowed: true, Canonical: canonical}
		}
	}
	return a.deny(path, "outside whitelist")
}

// Invalidate drops the cached whitelist; the next Authorize reloads the
// resource regardless of its modification time.
func (a *Authorizer) Invalidate() {
	a.mu.Lock()
	a.loaded = false
	a.roots = nil
	a.mu.Unlock()
}

// Roots returns a copy of the currently effective whitelist roots.
func (a *Authorizer) Roots() []string {
	roots := a.currentRoots()
	out := make([]string, len(roots))
	copy(out, roots)
	return out
}

func (a *Authorizer) deny(path, cause string) domain.Decision {
	metrics.AuthorizeDenied.Inc()
	a.logger.Warn("path denied", "path", path, "cause", cause)
	a.logAudit("authorize", path, "denied", cause)
	return domain.Decision{Allowed: false, Reason: DeniedMessage}
}

// logAudit records the decision; audit failures never fail the authorization.
func (a *Authorizer) logAudit(action, path, result, detail string) {
	if a.audit == nil {
		return
	}
	err := a.audit.LogAudit(context.Background(), domain.AuditEntry{
		Action: action,
		Path:   path,
		Result: result,
		Detail: detail,
	})
	if err != nil {
		a.logger.Warn("audit write failed", "err", err)
	}
}

// currentRoots returns the cached whitelist, reloading it when the backing
// resource's modification time has changed. Readers share the cache; a reload
// takes the write lock so nobody observes a partially-updated set.
func (a *Authorizer) currentRoots() []string {
	info, err := os.Stat(a.resourcePath)
	if err != nil {
		// Resource gone: fail closed and drop any stale cache.
		a.mu.Lock()
		a.roots = nil
		a.loaded = false
		a.mu.Unlock()
		return nil
	}

	a.mu.RLock()
	if a.loaded && info.ModTime().Equal(a.modTime) {
		roots := a.roots
		a.mu.RUnlock()
		return roots
	}
	a.mu.RUnlock()

	return a.reload(info.ModTime())
}

func (a *Authorizer) reload(modTime time.Time) []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	// Another reader may have reloaded while we waited for the lock.
	if a.loaded && modTime.Equal(a.modTime) {
		return a.roots
	}

	a.roots = nil
	a.modTime = modTime
	a.loaded = true

	data, err := os.ReadFile(a.resourcePath)
	if err != nil {
		a.logger.Warn("cannot read whitelist resource", "path", a.resourcePath, "err", err)
		return nil
	}

	var wf whitelistFile
	if err := yaml.Unmarshal(data, &wf); err != nil {
		a.logger.Warn("cannot parse whitelist resource", "path", a.resourcePath, "err", err)
		return nil
	}

	seen := make(map[string]bool, len(wf.AllowedRoots))
	roots := make([]string, 0, len(wf.AllowedRoots))
	for _, entry := range wf.AllowedRoots {
		root := expandHome(strings.TrimSpace(entry))
		if root == "" || !filepath.IsAbs(root) {
			a.logger.Warn("ignoring non-absolute whitelist root", "root", entry)
			continue
		}
		canonical, err := canonicalize(root)
		if err != nil {
			a.logger.Warn("ignoring unresolvable whitelist root", "root", entry, "err", err)
			continue
		}
		if seen[canonical] {
			continue
		}
		seen[canonical] = true
		roots = append(roots, canonical)
	}

	a.roots = roots
	a.logger.Info("whitelist loaded", "path", a.resourcePath, "roots", len(roots))
	return roots
}

// underRoot reports whether path equals root or is a descendant of it,
// comparing whole path components so root /data never matches /data2/x.
func underRoot(path, root string) bool {
	if path == root {
		return true
	}
	if root == string(os.PathSeparator) {
		return true
	}
	return strings.HasPrefix(path, root+string(os.PathSeparator))
}

// canonicalize converts path to its real absolute form: cleaned, with `.`
// and `..` removed and symlinks resolved. The leaf may not exist yet (staged
// mutations name paths that will be created), so resolution walks up to the
// deepest existing ancestor and rebuilds the tail from there.
func canonicalize(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return resolveSymlinksWalkUp(abs)
}

// resolveSymlinksWalkUp resolves symlinks in path. When the full path does
// not exist, the parent is resolved recursively and the base rejoined, so a
// symlinked ancestor cannot smuggle a not-yet-existing leaf outside its real
// location.
func resolveSymlinksWalkUp(path string) (string, error) {
	resolved, err := filepath.EvalSymlinks(path)
	if err == nil {
		return resolved, nil
	}
	if !os.IsNotExist(err) {
		return "", err
	}

	parent := filepath.Dir(path)
	if parent == path {
		return path, nil
	}

	resolvedParent, err := resolveSymlinksWalkUp(parent)
	if err != nil {
		return "", err
	}
	rebuilt := filepath.Join(resolvedParent, filepath.Base(path))

	// EvalSymlinks also fails with ENOENT when the leaf is a symlink whose
	// target is gone. Such a leaf still redirects writes elsewhere, so a
	// dangling link is a resolution failure, not a future path.
	if fi, lerr := os.Lstat(rebuilt); lerr == nil && fi.Mode()&os.ModeSymlink != 0 {
		return "", &os.PathError{Op: "resolve", Path: rebuilt, Err: os.ErrNotExist}
	}
	return rebuilt, nil
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
