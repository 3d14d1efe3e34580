package security

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"fsbot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordingAudit captures audit entries for assertions.
type recordingAudit struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
}

func (r *recordingAudit) LogAudit(_ context.Context, e domain.AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	return nil
}

// writeWhitelist writes a whitelist resource listing the given roots.
func writeWhitelist(t *testing.T, path string, roots ...string) {
	t.Helper()
	content := "allowed_roots:\n"
	for _, r := range roots {
		content += "  - " + r + "\n"
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write whitelist: %v", err)
	}
}

// realTempDir returns a t.TempDir with symlinks resolved, so canonical-path
// comparisons are stable on systems where the temp root is itself a symlink.
func realTempDir(t *testing.T) string {
	t.Helper()
	dir, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatalf("resolve temp dir: %v", err)
	}
	return dir
}

func newTestAuthorizer(t *testing.T, roots ...string) (*Authorizer, string) {
	t.Helper()
	wl := filepath.Join(t.TempDir(), "whitelist.yaml")
	writeWhitelist(t, wl, roots...)
	return NewAuthorizer(wl, nil, testLogger()), wl
}

// --- Containment ---

func TestAuthorize_InsideRoot(t *testing.T) {
	root := realTempDir(t)
	a, _ := newTestAuthorizer(t, root)

	sub := filepath.Join(root, "docs", "new")
	d := a.Authorize(sub)
	if !d.Allowed {
		t.Fatalf("expected allow for %s, got denial", sub)
	}
	if d.Canonical != sub {
		t.Fatalf("expected canonical %q, got %q", sub, d.Canonical)
	}
}

func TestAuthorize_RootItself(t *testing.T) {
	root := realTempDir(t)
	a, _ := newTestAuthorizer(t, root)

	if d := a.Authorize(root); !d.Allowed {
		t.Fatal("the root itself should be authorized")
	}
}

func TestAuthorize_OutsideRoot(t *testing.T) {
	root := realTempDir(t)
	a, _ := newTestAuthorizer(t, root)

	d := a.Authorize("/etc/passwd")
	if d.Allowed {
		t.Fatal("path outside whitelist should be denied")
	}
	if d.Reason != DeniedMessage {
		t.Fatalf("expected uniform denial message, got %q", d.Reason)
	}
}

func TestAuthorize_NonexistentPathStillDenied(t *testing.T) {
	root := realTempDir(t)
	a, _ := newTestAuthorizer(t, root)

	if d := a.Authorize("/no/such/dir/anywhere"); d.Allowed {
		t.Fatal("nonexistent outside path should be denied")
	}
}

func TestAuthorize_SiblingPrefixBoundary(t *testing.T) {
	base := realTempDir(t)
	root := filepath.Join(base, "data")
	sibling := filepath.Join(base, "data2")
	for _, d := range []string{root, sibling} {
		if err := os.Mkdir(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	a, _ := newTestAuthorizer(t, root)

	if d := a.Authorize(filepath.Join(sibling, "x")); d.Allowed {
		t.Fatal("root /data must not match sibling /data2/x")
	}
	if d := a.Authorize(filepath.Join(root, "x")); !d.Allowed {
		t.Fatal("descendant of /data should be authorized")
	}
}

func TestAuthorize_TraversalEscape(t *testing.T) {
	root := realTempDir(t)
	a, _ := newTestAuthorizer(t, root)

	// Assemble without Join so the dot-dot segments survive into the call.
	escape := root + "/sub/../../outside"
	if d := a.Authorize(escape); d.Allowed {
		t.Fatalf("dot-dot traversal %s should be denied", escape)
	}
}

func TestAuthorize_RelativePath(t *testing.T) {
	root := realTempDir(t)
	a, _ := newTestAuthorizer(t, root)

	for _, p := range []string{"docs/new", "./x", "../x", ""} {
		if d := a.Authorize(p); d.Allowed {
			t.Fatalf("relative path %q should be denied", p)
		}
	}
}

func TestAuthorize_UniformDenialMessage(t *testing.T) {
	root := realTempDir(t)
	a, _ := newTestAuthorizer(t, root)

	// Different causes, identical message.
	causes := []string{"relative", "/etc/passwd", ""}
	for _, p := range causes {
		d := a.Authorize(p)
		if d.Allowed {
			t.Fatalf("%q should be denied", p)
		}
		if d.Reason != DeniedMessage {
			t.Fatalf("denial for %q leaked a distinct message: %q", p, d.Reason)
		}
	}
}

func TestAuthorize_MultipleRoots_FirstMatchWins(t *testing.T) {
	base := realTempDir(t)
	r1 := filepath.Join(base, "one")
	r2 := filepath.Join(base, "two")
	for _, d := range []string{r1, r2} {
		if err := os.Mkdir(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	a, _ := newTestAuthorizer(t, r1, r2)

	if d := a.Authorize(filepath.Join(r2, "f.txt")); !d.Allowed {
		t.Fatal("path under second root should be authorized")
	}
}

// --- Symlinks ---

func TestAuthorize_SymlinkEscape(t *testing.T) {
	base := realTempDir(t)
	root := filepath.Join(base, "safe")
	outside := filepath.Join(base, "unsafe")
	for _, d := range []string{root, outside} {
		if err := os.Mkdir(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	link := filepath.Join(root, "sneaky")
	if err := os.Symlink(outside, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
	a, _ := newTestAuthorizer(t, root)

	// The link lives inside the root but its target does not.
	if d := a.Authorize(filepath.Join(link, "file.txt")); d.Allowed {
		t.Fatal("symlink pointing outside the whitelist should be denied")
	}
}

func TestAuthorize_SymlinkInside(t *testing.T) {
	root := realTempDir(t)
	target := filepath.Join(root, "real")
	if err := os.Mkdir(target, 0o755); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(root, "alias")
	if err := os.Symlink(target, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
	a, _ := newTestAuthorizer(t, root)

	d := a.Authorize(filepath.Join(link, "f.txt"))
	if !d.Allowed {
		t.Fatal("symlink staying inside the whitelist should be authorized")
	}
	if want := filepath.Join(target, "f.txt"); d.Canonical != want {
		t.Fatalf("expected canonical %q, got %q", want, d.Canonical)
	}
}

func TestAuthorize_DanglingSymlink(t *testing.T) {
	root := realTempDir(t)
	link := filepath.Join(root, "dangling")
	if err := os.Symlink(filepath.Join(root, "gone"), link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
	a, _ := newTestAuthorizer(t, root)

	if d := a.Authorize(link); d.Allowed {
		t.Fatal("dangling symlink should be denied as a resolution failure")
	}
}

// --- Whitelist loading ---

func TestAuthorize_MissingResource_FailsClosed(t *testing.T) {
	a := NewAuthorizer(filepath.Join(t.TempDir(), "absent.yaml"), nil, testLogger())

	if d := a.Authorize("/tmp"); d.Allowed {
		t.Fatal("missing whitelist resource must deny everything")
	}
	if len(a.Roots()) != 0 {
		t.Fatal("missing resource should yield no roots")
	}
}

func TestAuthorize_MalformedResource_FailsClosed(t *testing.T) {
	wl := filepath.Join(t.TempDir(), "whitelist.yaml")
	if err := os.WriteFile(wl, []byte("allowed_roots: {not: [a list"), 0o644); err != nil {
		t.Fatal(err)
	}
	a := NewAuthorizer(wl, nil, testLogger())

	if d := a.Authorize("/tmp"); d.Allowed {
		t.Fatal("malformed whitelist resource must deny everything")
	}
}

func TestAuthorize_EmptyRootList_FailsClosed(t *testing.T) {
	wl := filepath.Join(t.TempDir(), "whitelist.yaml")
	writeWhitelist(t, wl)
	a := NewAuthorizer(wl, nil, testLogger())

	if d := a.Authorize("/tmp"); d.Allowed {
		t.Fatal("empty whitelist must deny everything")
	}
}

func TestAuthorize_RelativeRootIgnored(t *testing.T) {
	root := realTempDir(t)
	wl := filepath.Join(t.TempDir(), "whitelist.yaml")
	writeWhitelist(t, wl, "relative/root", root)
	a := NewAuthorizer(wl, nil, testLogger())

	roots := a.Roots()
	if len(roots) != 1 || roots[0] != root {
		t.Fatalf("expected only the absolute root, got %v", roots)
	}
}

func TestAuthorize_DuplicateRootsDeduplicated(t *testing.T) {
	root := realTempDir(t)
	wl := filepath.Join(t.TempDir(), "whitelist.yaml")
	writeWhitelist(t, wl, root, root, root)
	a := NewAuthorizer(wl, nil, testLogger())

	if n := len(a.Roots()); n != 1 {
		t.Fatalf("expected 1 deduplicated root, got %d", n)
	}
}

// --- Cache behavior ---

func TestAuthorize_ReloadOnModTimeChange(t *testing.T) {
	base := realTempDir(t)
	r1 := filepath.Join(base, "first")
	r2 := filepath.Join(base, "second")
	for _, d := range []string{r1, r2} {
		if err := os.Mkdir(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}

	wl := filepath.Join(t.TempDir(), "whitelist.yaml")
	writeWhitelist(t, wl, r1)
	a := NewAuthorizer(wl, nil, testLogger())

	if d := a.Authorize(filepath.Join(r1, "x")); !d.Allowed {
		t.Fatal("initial whitelist should authorize r1")
	}
	if d := a.Authorize(filepath.Join(r2, "x")); d.Allowed {
		t.Fatal("r2 should not be authorized yet")
	}

	// Swap the whitelist and force a distinct mtime.
	writeWhitelist(t, wl, r2)
	bump := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(wl, bump, bump); err != nil {
		t.Fatal(err)
	}

	if d := a.Authorize(filepath.Join(r2, "x")); !d.Allowed {
		t.Fatal("updated whitelist should authorize r2")
	}
	if d := a.Authorize(filepath.Join(r1, "x")); d.Allowed {
		t.Fatal("dropped root r1 should no longer authorize")
	}
}

func TestAuthorize_CacheServedWhileModTimeUnchanged(t *testing.T) {
	root := realTempDir(t)
	wl := filepath.Join(t.TempDir(), "whitelist.yaml")
	writeWhitelist(t, wl, root)
	a := NewAuthorizer(wl, nil, testLogger())

	if d := a.Authorize(filepath.Join(root, "x")); !d.Allowed {
		t.Fatal("setup authorize failed")
	}
	mtime := mustModTime(t, wl)

	// Rewrite contents but pin the old mtime: the stale cache must win.
	writeWhitelist(t, wl)
	if err := os.Chtimes(wl, mtime, mtime); err != nil {
		t.Fatal(err)
	}

	if d := a.Authorize(filepath.Join(root, "x")); !d.Allowed {
		t.Fatal("unchanged mtime should serve the cached whitelist")
	}

	// Invalidate drops the cache regardless of mtime.
	a.Invalidate()
	if d := a.Authorize(filepath.Join(root, "x")); d.Allowed {
		t.Fatal("after Invalidate the emptied whitelist should deny")
	}
}

func mustModTime(t *testing.T, path string) time.Time {
	t.Helper()
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	return info.ModTime()
}

// --- Concurrency ---

func TestAuthorize_ConcurrentReaders(t *testing.T) {
	root := realTempDir(t)
	a, _ := newTestAuthorizer(t, root)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if d := a.Authorize(filepath.Join(root, "x")); !d.Allowed {
					t.Error("concurrent authorize unexpectedly denied")
					return
				}
			}
		}()
	}
	wg.Wait()
}

// --- Audit ---

func TestAuthorize_AuditsDecisions(t *testing.T) {
	root := realTempDir(t)
	wl := filepath.Join(t.TempDir(), "whitelist.yaml")
	writeWhitelist(t, wl, root)
	audit := &recordingAudit{}
	a := NewAuthorizer(wl, audit, testLogger())

	a.Authorize(filepath.Join(root, "ok"))
	a.Authorize("/etc/shadow")

	audit.mu.Lock()
	defer audit.mu.Unlock()
	if len(audit.entries) != 2 {
		t.Fatalf("expected 2 audit entries, got %d", len(audit.entries))
	}
	if audit.entries[0].Result != "allowed" || audit.entries[1].Result != "denied" {
		t.Fatalf("unexpected audit results: %+v", audit.entries)
	}
}
