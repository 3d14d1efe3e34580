package domain

import "context"

// Decision is the outcome of a path authorization check. When Allowed is
// false, Reason holds the uniform denial message; the specific cause
// (relative path, resolution failure, outside the whitelist) is never
// exposed to callers.
type Decision struct {
	Allowed   bool
	Canonical string // resolved absolute path, set only when Allowed
	Reason    string // denial message, set only when !Allowed
}

// Authorizer decides whether a filesystem path may be touched at all.
// Every tool validates every path argument through this before any disk
// access, including when merely staging a mutation for confirmation.
type Authorizer interface {
	Authorize(path string) Decision
	// Invalidate drops the cached whitelist so the next Authorize reloads
	// the backing resource regardless of its modification time.
	Invalidate()
	// Roots returns the currently loaded whitelist roots, canonical form.
	Roots() []string
}

// AuditEntry records one security-relevant event.
type AuditEntry struct {
	Action  string // authorize | stage | execute | skip | clear
	Tool    string
	Path    string
	Result  string // allowed | denied | staged | ok | error | skipped | cleared
	Detail  string
	Session string
}

// AuditLogger persists audit entries. Implementations must not fail the
// calling operation: an audit write error is logged and swallowed.
type AuditLogger interface {
	LogAudit(ctx context.Context, entry AuditEntry) error
}
