package agent

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"fsbot/internal/domain"
	"fsbot/internal/metrics"
	"fsbot/internal/store"
	"fsbot/internal/tool"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func userMsg(content string) domain.Message {
	return domain.Message{Role: "user", Content: content}
}

// scriptedProvider returns canned responses in order.
type scriptedProvider struct {
	responses []*domain.ChatResponse
	calls     int
}

func (p *scriptedProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	p.calls++
	if len(p.responses) == 0 {
		return &domain.ChatResponse{Content: "done", FinishReason: "stop"}, nil
	}
	resp := p.responses[0]
	if len(p.responses) > 1 {
		p.responses = p.responses[1:]
	}
	return resp, nil
}

func (p *scriptedProvider) Name() string                      { return "scripted" }
func (p *scriptedProvider) Models() []string                  { return nil }
func (p *scriptedProvider) SupportsToolCalling() bool         { return true }
func (p *scriptedProvider) Healthy(ctx context.Context) error { return nil }

var _ domain.Provider = (*scriptedProvider)(nil)

// rootAuthorizer allows everything under root.
type rootAuthorizer struct {
	root string
}

func (a *rootAuthorizer) Authorize(path string) domain.Decision {
	clean := filepath.Clean(path)
	if clean == a.root || strings.HasPrefix(clean, a.root+string(os.PathSeparator)) {
		return domain.Decision{Allowed: true, Canonical: clean}
	}
	return domain.Decision{
		Allowed: false,
		Reason:  "Error: Access Denied. This path is outside the authorized security zones.",
	}
}

func (a *rootAuthorizer) Invalidate()     {}
func (a *rootAuthorizer) Roots() []string { return []string{a.root} }

// newTestLoop wires a loop with real filesystem tools over a temp root and a
// scripted provider.
func newTestLoop(t *testing.T, provider domain.Provider) (*Loop, string) {
	t.Helper()
	root, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatalf("resolve temp dir: %v", err)
	}
	auth := &rootAuthorizer{root: root}

	logger := testLogger()
	reg := tool.NewRegistry(logger)
	reg.Register(tool.NewCreateDirectoryTool(auth, nil, logger))
	reg.Register(tool.NewMoveFileTool(auth, nil, logger))
	reg.Register(tool.NewRenameFileTool(auth, nil, logger))
	reg.Register(tool.NewListDirectoryTool(auth))

	loop := NewLoop(LoopConfig{
		Provider:   provider,
		Sessions:   NewSessionManager(logger),
		Prompt:     NewPromptBuilder(PromptConfig{Authorizer: auth, Tools: reg, Logger: logger}),
		Tools:      reg,
		Authorizer: auth,
		Logger:     logger,
	})
	return loop, root
}

func toolCallResponse(name string, args map[string]any) *domain.ChatResponse {
	return &domain.ChatResponse{
		ToolCalls: []domain.ToolCall{{ID: "tc1", Name: name, Arguments: args}},
	}
}

// --- Turn handling ---

func TestLoop_PlainAnswer(t *testing.T) {
	loop, _ := newTestLoop(t, &scriptedProvider{
		responses: []*domain.ChatResponse{{Content: "hello there", FinishReason: "stop"}},
	})

	reply, err := loop.ProcessDirect(context.Background(), "s1", "hi")
	if err != nil {
		t.Fatalf("turn: %v", err)
	}
	if reply != "hello there" {
		t.Fatalf("unexpected reply: %q", reply)
	}
}

func TestLoop_StagesMutationWithoutTouchingDisk(t *testing.T) {
	provider := &scriptedProvider{}
	loop, root := newTestLoop(t, provider)
	target := filepath.Join(root, "newdir")
	provider.responses = []*domain.ChatResponse{
		toolCallResponse("create_directory", map[string]any{"folder_path": target}),
	}

	reply, err := loop.ProcessDirect(context.Background(), "s1", "make a dir")
	if err != nil {
		t.Fatalf("turn: %v", err)
	}

	if !strings.Contains(reply, "needs your confirmation") {
		t.Fatalf("expected confirmation prompt, got %q", reply)
	}
	if !strings.Contains(reply, "create_directory") {
		t.Fatalf("expected staged action in render, got %q", reply)
	}
	if _, err := os.Stat(target); !os.IsNotExist(err) {
		t.Fatal("staging must not create the directory")
	}
	// One provider round only: the turn ends with the human.
	if provider.calls != 1 {
		t.Fatalf("expected 1 provider call, got %d", provider.calls)
	}
}

func TestLoop_ConfirmExecutesStagedAction(t *testing.T) {
	provider := &scriptedProvider{}
	loop, root := newTestLoop(t, provider)
	target := filepath.Join(root, "newdir")
	provider.responses = []*domain.ChatResponse{
		toolCallResponse("create_directory", map[string]any{"folder_path": target}),
	}

	if _, err := loop.ProcessDirect(context.Background(), "s1", "make a dir"); err != nil {
		t.Fatal(err)
	}

	reply, err := loop.ProcessDirect(context.Background(), "s1", "yes")
	if err != nil {
		t.Fatalf("confirm turn: %v", err)
	}
	if !strings.HasPrefix(reply, "Successfully created folder") {
		t.Fatalf("unexpected reply: %q", reply)
	}
	if info, err := os.Stat(target); err != nil || !info.IsDir() {
		t.Fatal("confirmed action must create the directory")
	}
	// Confirmation is a state-machine turn, never a provider round.
	if provider.calls != 1 {
		t.Fatalf("expected 1 provider call, got %d", provider.calls)
	}
}

func TestLoop_CancelSkipsStagedAction(t *testing.T) {
	provider := &scriptedProvider{}
	loop, root := newTestLoop(t, provider)
	target := filepath.Join(root, "newdir")
	provider.responses = []*domain.ChatResponse{
		toolCallResponse("create_directory", map[string]any{"folder_path": target}),
	}

	if _, err := loop.ProcessDirect(context.Background(), "s1", "make a dir"); err != nil {
		t.Fatal(err)
	}

	reply, err := loop.ProcessDirect(context.Background(), "s1", "n")
	if err != nil {
		t.Fatalf("cancel turn: %v", err)
	}
	if !strings.HasPrefix(reply, "Skipped:") {
		t.Fatalf("unexpected reply: %q", reply)
	}
	if _, err := os.Stat(target); !os.IsNotExist(err) {
		t.Fatal("cancelled action must not touch the disk")
	}
}

func TestLoop_NewInstructionClearsQueue(t *testing.T) {
	provider := &scriptedProvider{}
	loop, root := newTestLoop(t, provider)
	target := filepath.Join(root, "newdir")
	provider.responses = []*domain.ChatResponse{
		toolCallResponse("create_directory", map[string]any{"folder_path": target}),
		{Content: "switching topics", FinishReason: "stop"},
	}

	if _, err := loop.ProcessDirect(context.Background(), "s1", "make a dir"); err != nil {
		t.Fatal(err)
	}

	// Anything that is not a confirm/cancel token clears the queue and goes
	// to the provider as a fresh instruction.
	reply, err := loop.ProcessDirect(context.Background(), "s1", "actually, what's in the root?")
	if err != nil {
		t.Fatalf("turn: %v", err)
	}
	if reply != "switching topics" {
		t.Fatalf("unexpected reply: %q", reply)
	}
	if _, err := os.Stat(target); !os.IsNotExist(err) {
		t.Fatal("cleared action must never execute")
	}

	s := loop.Sessions().Get("s1")
	if s.Queue.Awaiting() {
		t.Fatal("queue should be empty after clearing")
	}
}

func TestLoop_PerItemConfirmation(t *testing.T) {
	provider := &scriptedProvider{}
	loop, root := newTestLoop(t, provider)
	first := filepath.Join(root, "one")
	second := filepath.Join(root, "two")
	provider.responses = []*domain.ChatResponse{
		{ToolCalls: []domain.ToolCall{
			{ID: "tc1", Name: "create_directory", Arguments: map[string]any{"folder_path": first}},
			{ID: "tc2", Name: "create_directory", Arguments: map[string]any{"folder_path": second}},
		}},
	}

	reply, err := loop.ProcessDirect(context.Background(), "s1", "make two dirs")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(reply, "2 actions") {
		t.Fatalf("expected two staged actions, got %q", reply)
	}

	// Confirm the first only.
	reply, err = loop.ProcessDirect(context.Background(), "s1", "y")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(reply, "Successfully created folder") {
		t.Fatalf("unexpected reply: %q", reply)
	}
	if !strings.Contains(reply, "needs your confirmation") {
		t.Fatalf("expected re-prompt for the second action, got %q", reply)
	}
	if _, err := os.Stat(first); err != nil {
		t.Fatal("first action should have executed")
	}
	if _, err := os.Stat(second); !os.IsNotExist(err) {
		t.Fatal("second action must still be pending")
	}

	// Cancel the second.
	if _, err := loop.ProcessDirect(context.Background(), "s1", "no"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(second); !os.IsNotExist(err) {
		t.Fatal("second action must not execute after cancel")
	}
}

func TestLoop_ReadOnlyToolFeedsBackToProvider(t *testing.T) {
	provider := &scriptedProvider{}
	loop, root := newTestLoop(t, provider)
	if err := os.WriteFile(filepath.Join(root, "f.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	provider.responses = []*domain.ChatResponse{
		toolCallResponse("list_directory", map[string]any{"folder_path": root}),
		{Content: "the root has one file", FinishReason: "stop"},
	}

	reply, err := loop.ProcessDirect(context.Background(), "s1", "what's there?")
	if err != nil {
		t.Fatal(err)
	}
	if reply != "the root has one file" {
		t.Fatalf("unexpected reply: %q", reply)
	}
	if provider.calls != 2 {
		t.Fatalf("read-only results should trigger a second provider round, got %d calls", provider.calls)
	}
}

func TestLoop_MaxIterationsBound(t *testing.T) {
	provider := &scriptedProvider{}
	loop, root := newTestLoop(t, provider)
	loop.maxIterations = 3
	// Provider loops on read-only calls forever.
	provider.responses = []*domain.ChatResponse{
		toolCallResponse("list_directory", map[string]any{"folder_path": root}),
	}

	reply, err := loop.ProcessDirect(context.Background(), "s1", "loop forever")
	if err != nil {
		t.Fatal(err)
	}
	if provider.calls != 3 {
		t.Fatalf("expected exactly 3 provider calls, got %d", provider.calls)
	}
	if reply == "" {
		t.Fatal("expected a fallback reply")
	}
}

func TestLoop_FilteredToolIsRejected(t *testing.T) {
	provider := &scriptedProvider{}
	loop, root := newTestLoop(t, provider)
	loop.filter = NewToolFilter(nil, []string{"create_directory"})
	target := filepath.Join(root, "newdir")
	provider.responses = []*domain.ChatResponse{
		toolCallResponse("create_directory", map[string]any{"folder_path": target}),
		{Content: "understood", FinishReason: "stop"},
	}

	if _, err := loop.ProcessDirect(context.Background(), "s1", "make a dir"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(target); !os.IsNotExist(err) {
		t.Fatal("filtered tool must not run")
	}
	s := loop.Sessions().Get("s1")
	if s.Queue.Awaiting() {
		t.Fatal("filtered tool must not stage anything")
	}
}

// --- Commands ---

func TestLoop_SlashCommands(t *testing.T) {
	loop, root := newTestLoop(t, &scriptedProvider{})
	s := loop.Sessions().Get("s1")

	reply, err := loop.ProcessDirect(context.Background(), "s1", "/help")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(reply, "/whitelist") {
		t.Fatalf("help should list commands, got %q", reply)
	}

	reply, _ = loop.ProcessDirect(context.Background(), "s1", "/whitelist")
	if !strings.Contains(reply, root) {
		t.Fatalf("whitelist should name the root, got %q", reply)
	}

	// /quit from a remote chat closes the conversation in place.
	s.Transcript = append(s.Transcript, userMsg("hello"))
	result := loop.HandleCommand(ParseCommand("/quit"), s)
	if !result.Handled || !strings.Contains(result.Response, "Bye") {
		t.Fatalf("unexpected quit result: %+v", result)
	}
	if len(s.Transcript) != 0 {
		t.Fatal("/quit must drop the transcript")
	}

	s.Transcript = append(s.Transcript, userMsg("hi again"))
	result = loop.HandleCommand(ParseCommand("/clear"), s)
	if !result.Handled || len(s.Transcript) != 0 {
		t.Fatalf("/clear must reset the conversation, got %+v", result)
	}
}

func TestLoop_QuitDropsStagedActions(t *testing.T) {
	provider := &scriptedProvider{}
	loop, root := newTestLoop(t, provider)
	target := filepath.Join(root, "newdir")
	provider.responses = []*domain.ChatResponse{
		toolCallResponse("create_directory", map[string]any{"folder_path": target}),
	}

	if _, err := loop.ProcessDirect(context.Background(), "s1", "make a dir"); err != nil {
		t.Fatal(err)
	}

	// "/quit" is not a confirm token: the queue clears, then the literal
	// text is recognized as a command and closes the session.
	reply, err := loop.ProcessDirect(context.Background(), "s1", "/quit")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(reply, "Bye") {
		t.Fatalf("unexpected reply: %q", reply)
	}
	if _, err := os.Stat(target); !os.IsNotExist(err) {
		t.Fatal("nothing may execute on /quit")
	}
	if loop.Sessions().Get("s1").Queue.Awaiting() {
		t.Fatal("queue must be empty after /quit")
	}
}

func TestLoop_NewCommandDropsStagedActions(t *testing.T) {
	provider := &scriptedProvider{}
	loop, root := newTestLoop(t, provider)
	target := filepath.Join(root, "newdir")
	provider.responses = []*domain.ChatResponse{
		toolCallResponse("create_directory", map[string]any{"folder_path": target}),
	}

	if _, err := loop.ProcessDirect(context.Background(), "s1", "make a dir"); err != nil {
		t.Fatal(err)
	}

	// "/new" while awaiting is not a confirm token: the queue clears, and
	// the literal text is then recognized as a command.
	reply, err := loop.ProcessDirect(context.Background(), "s1", "/new")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(reply, "new session") {
		t.Fatalf("unexpected reply: %q", reply)
	}
	if _, err := os.Stat(target); !os.IsNotExist(err) {
		t.Fatal("nothing may execute on /new")
	}
}

// --- Streaming ---

// streamingProvider scripts a streamed reply on top of scriptedProvider.
type streamingProvider struct {
	scriptedProvider
	tokens  []string
	streams int
}

func (p *streamingProvider) ChatStream(ctx context.Context, req domain.ChatRequest, out chan<- domain.StreamEvent) error {
	p.streams++
	for _, tok := range p.tokens {
		out <- domain.StreamEvent{Type: domain.StreamToken, Content: tok}
	}
	out <- domain.StreamEvent{Type: domain.StreamDone}
	return nil
}

var _ domain.StreamingProvider = (*streamingProvider)(nil)

func TestLoop_StreamsTokensToSink(t *testing.T) {
	provider := &streamingProvider{tokens: []string{"hel", "lo ", "there"}}
	loop, _ := newTestLoop(t, provider)

	var got []string
	reply, err := loop.ProcessDirectStream(context.Background(), "s1", "hi", func(tok string) {
		got = append(got, tok)
	})
	if err != nil {
		t.Fatalf("turn: %v", err)
	}
	if reply != "hello there" {
		t.Fatalf("unexpected reply: %q", reply)
	}
	if strings.Join(got, "") != "hello there" {
		t.Fatalf("sink saw %v", got)
	}
	if provider.streams != 1 || provider.calls != 0 {
		t.Fatalf("expected one streamed round and no blocking calls, got streams=%d calls=%d",
			provider.streams, provider.calls)
	}
}

func TestLoop_NilSinkUsesBlockingChat(t *testing.T) {
	provider := &streamingProvider{tokens: []string{"x"}}
	loop, _ := newTestLoop(t, provider)

	if _, err := loop.ProcessDirect(context.Background(), "s1", "hi"); err != nil {
		t.Fatal(err)
	}
	if provider.streams != 0 || provider.calls != 1 {
		t.Fatalf("expected the blocking path, got streams=%d calls=%d", provider.streams, provider.calls)
	}
}

// --- Provider switching ---

// mapResolver resolves providers from a fixed map.
type mapResolver map[string]domain.Provider

func (m mapResolver) Get(name string) (domain.Provider, error) {
	p, ok := m[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", name)
	}
	return p, nil
}

func TestLoop_ProviderCommandSwitchesSession(t *testing.T) {
	def := &scriptedProvider{}
	alt := &scriptedProvider{
		responses: []*domain.ChatResponse{{Content: "from alt", FinishReason: "stop"}},
	}
	loop, _ := newTestLoop(t, def)
	loop.providers = mapResolver{"alt": alt}

	reply, err := loop.ProcessDirect(context.Background(), "s1", "/provider alt")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(reply, "alt") {
		t.Fatalf("unexpected reply: %q", reply)
	}

	reply, err = loop.ProcessDirect(context.Background(), "s1", "hello")
	if err != nil {
		t.Fatal(err)
	}
	if reply != "from alt" {
		t.Fatalf("turn should use the switched provider, got %q", reply)
	}
	if def.calls != 0 || alt.calls != 1 {
		t.Fatalf("wrong provider took the turn: default=%d alt=%d", def.calls, alt.calls)
	}

	// The override is per session: a second session keeps the default.
	if _, err := loop.ProcessDirect(context.Background(), "s2", "hello"); err != nil {
		t.Fatal(err)
	}
	if def.calls != 1 {
		t.Fatalf("other sessions must stay on the default provider, calls=%d", def.calls)
	}
}

func TestLoop_ProviderCommandRejectsUnknown(t *testing.T) {
	def := &scriptedProvider{}
	loop, _ := newTestLoop(t, def)
	loop.providers = mapResolver{}

	reply, err := loop.ProcessDirect(context.Background(), "s1", "/provider bogus")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(reply, "Unknown or disabled provider") {
		t.Fatalf("unexpected reply: %q", reply)
	}

	if _, err := loop.ProcessDirect(context.Background(), "s1", "hello"); err != nil {
		t.Fatal(err)
	}
	if def.calls != 1 {
		t.Fatalf("session must keep the default provider after a failed switch, calls=%d", def.calls)
	}
}

// --- Metrics ---

func TestLoop_ExecutedCounterMovesOncePerConfirmation(t *testing.T) {
	provider := &scriptedProvider{}
	loop, root := newTestLoop(t, provider)
	target := filepath.Join(root, "once")
	provider.responses = []*domain.ChatResponse{
		toolCallResponse("create_directory", map[string]any{"folder_path": target}),
	}

	if _, err := loop.ProcessDirect(context.Background(), "s1", "make a dir"); err != nil {
		t.Fatal(err)
	}

	before := metrics.ActionsExecuted.Value()
	if _, err := loop.ProcessDirect(context.Background(), "s1", "y"); err != nil {
		t.Fatal(err)
	}
	if got := metrics.ActionsExecuted.Value() - before; got != 1 {
		t.Fatalf("executed counter moved by %d, want 1", got)
	}
}

// --- Status audit feed ---

// fixedHistory serves canned audit records.
type fixedHistory []store.AuditRecord

func (h fixedHistory) RecentAudit(ctx context.Context, n int) ([]store.AuditRecord, error) {
	return h, nil
}

func TestLoop_StatusShowsRecentAudit(t *testing.T) {
	loop, _ := newTestLoop(t, &scriptedProvider{})
	loop.history = fixedHistory{{
		AuditEntry: domain.AuditEntry{Action: "execute", Result: "ok", Path: "/data/inbox"},
		Time:       time.Now(),
	}}

	reply, err := loop.ProcessDirect(context.Background(), "s1", "/status")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(reply, "Recent audit") || !strings.Contains(reply, "/data/inbox") {
		t.Fatalf("status should render audit entries, got %q", reply)
	}
}

func TestParseCommand(t *testing.T) {
	cases := []struct {
		in       string
		wantNil  bool
		wantName string
		wantArgs int
	}{
		{"/help", false, "help", 0},
		{"  /WHITELIST  ", false, "whitelist", 0},
		{"/pair 123456", false, "pair", 1},
		{"hello", true, "", 0},
		{"", true, "", 0},
	}
	for _, c := range cases {
		cmd := ParseCommand(c.in)
		if c.wantNil {
			if cmd != nil {
				t.Errorf("ParseCommand(%q) = %+v, want nil", c.in, cmd)
			}
			continue
		}
		if cmd == nil || cmd.Name != c.wantName || len(cmd.Args) != c.wantArgs {
			t.Errorf("ParseCommand(%q) = %+v", c.in, cmd)
		}
	}
}
