package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"fsbot/internal/domain"
	"fsbot/internal/metrics"
	"fsbot/internal/staging"
	"fsbot/internal/store"
	"fsbot/internal/tool"
)

const (
	defaultMaxIterations = 10
	defaultLLMMaxTokens  = 4096
	defaultTemperature   = 0.7
	defaultConcurrency   = 3
	defaultRateBurst     = 5
	defaultRatePerMinute = 30.0
)

// Loop is the agent engine: receive a human line, drive the confirmation
// state machine, call the LLM, execute tools, intercept staged actions,
// respond. One human turn then one agent turn, strictly sequential per
// session.
type Loop struct {
	provider      domain.Provider
	providers     ProviderResolver
	sessions      *SessionManager
	prompt        *PromptBuilder
	tools         *tool.Registry
	filter        *ToolFilter
	auth          domain.Authorizer
	bus           domain.MessageBus
	history       AuditReader
	logger        *slog.Logger
	maxIterations int
	concurrency   int
	rateLimiter   *RateLimiter
}

// ProviderResolver resolves a provider by name. The /provider command uses it
// to switch a session to another configured provider.
type ProviderResolver interface {
	Get(name string) (domain.Provider, error)
}

// AuditReader supplies recent audit entries for the /status command.
type AuditReader interface {
	RecentAudit(ctx context.Context, n int) ([]store.AuditRecord, error)
}

// LoopConfig holds all dependencies and tuning parameters for the agent loop.
type LoopConfig struct {
	Provider      domain.Provider
	Providers     ProviderResolver // optional
	Sessions      *SessionManager
	Prompt        *PromptBuilder
	Tools         *tool.Registry
	Filter        *ToolFilter
	Authorizer    domain.Authorizer
	Bus           domain.MessageBus
	History       AuditReader // optional: feeds /status
	Logger        *slog.Logger
	MaxIterations int
	Concurrency   int // max parallel sessions in gateway mode (default 3)
	RatePerMinute float64
}

func NewLoop(cfg LoopConfig) *Loop {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = defaultMaxIterations
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.RatePerMinute <= 0 {
		cfg.RatePerMinute = defaultRatePerMinute
	}
	return &Loop{
		provider:      cfg.Provider,
		providers:     cfg.Providers,
		sessions:      cfg.Sessions,
		prompt:        cfg.Prompt,
		tools:         cfg.Tools,
		filter:        cfg.Filter,
		auth:          cfg.Authorizer,
		bus:           cfg.Bus,
		history:       cfg.History,
		logger:        cfg.Logger,
		maxIterations: cfg.MaxIterations,
		concurrency:   cfg.Concurrency,
		rateLimiter:   NewRateLimiter(defaultRateBurst, cfg.RatePerMinute),
	}
}

// Sessions exposes the session manager, for channels that need session state.
func (l *Loop) Sessions() *SessionManager { return l.sessions }

// Run consumes inbound messages from the bus and processes them with bounded
// concurrency. Turns within one session stay sequential via the session lock.
func (l *Loop) Run(ctx context.Context) {
	l.logger.Info("agent loop started", "concurrency", l.concurrency)

	sem := make(chan struct{}, l.concurrency)
	inbound := l.bus.Subscribe()

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("agent loop stopping")
			return
		case msg, ok := <-inbound:
			if !ok {
				l.logger.Info("inbound channel closed, agent loop stopping")
				return
			}
			sem <- struct{}{}
			go func(m domain.InboundMessage) {
				defer func() { <-sem }()
				l.processMessage(ctx, m)
			}(msg)
		}
	}
}

// ProcessDirect handles one human line synchronously and returns the reply.
// Used by the console REPL and the bus consumer.
func (l *Loop) ProcessDirect(ctx context.Context, sessionID, input string) (string, error) {
	return l.ProcessDirectStream(ctx, sessionID, input, nil)
}

// ProcessDirectStream is ProcessDirect with token streaming: when the
// session's provider supports it, onToken receives each token of the provider
// rounds as it arrives. The returned reply is still the complete turn output
// (it may carry a staging-queue render the tokens never contained). A nil
// onToken disables streaming.
func (l *Loop) ProcessDirectStream(ctx context.Context, sessionID, input string, onToken func(string)) (string, error) {
	s := l.sessions.Get(sessionID)
	s.Lock()
	defer s.Unlock()
	s.LastActive = time.Now()
	return l.handleTurn(ctx, s, input, onToken)
}

// processMessage handles a bus message and sends the reply back out.
func (l *Loop) processMessage(ctx context.Context, msg domain.InboundMessage) {
	sessionID := msg.Channel + ":" + msg.ChatID
	l.logger.Info("processing message",
		"channel", msg.Channel,
		"session", sessionID,
		"content_len", len(msg.Content),
	)

	response, err := l.ProcessDirect(ctx, sessionID, msg.Content)
	if err != nil {
		l.logger.Error("turn failed", "session", sessionID, "error", err)
		response = fmt.Sprintf("Sorry, something went wrong: %s", err.Error())
	}

	l.bus.SendOutbound(domain.OutboundMessage{
		Channel: msg.Channel,
		ChatID:  msg.ChatID,
		Content: response,
		Format:  "markdown",
	})
}

// handleTurn is one full agent turn. The caller holds the session lock.
func (l *Loop) handleTurn(ctx context.Context, s *Session, input string, onToken func(string)) (string, error) {
	ctx = domain.WithSession(ctx, s.ID)

	// While awaiting confirmation the input drives the state machine first.
	if s.Queue.Awaiting() {
		reply, passThrough := l.resolveConfirmation(ctx, s, &input)
		if !passThrough {
			return reply, nil
		}
		// Cleared: input falls through as a brand-new instruction.
	}

	// Slash commands never reach the provider.
	if cmd := ParseCommand(input); cmd != nil {
		if result := l.HandleCommand(cmd, s); result.Handled {
			return result.Response, nil
		}
	}

	return l.providerTurn(ctx, s, input, onToken)
}

// resolveConfirmation consumes input in the AwaitingConfirmation state.
// passThrough is true when the queue was cleared and the input must be
// reinterpreted as a new instruction.
func (l *Loop) resolveConfirmation(ctx context.Context, s *Session, input *string) (string, bool) {
	outcome := s.Queue.Resolve(*input, func(a staging.Action) string {
		return l.executeConfirmed(ctx, a)
	})

	switch outcome.Kind {
	case staging.OutcomeExecuted:
		// The tool counts metrics.ActionsExecuted itself, and only on success.
		l.logger.Info("staged action executed", "session", s.ID, "tool", outcome.Action.Tool())
		reply := outcome.Result
		if s.Queue.Awaiting() {
			reply += "\n\n" + s.Queue.Render()
		}
		return reply, false

	case staging.OutcomeSkipped:
		metrics.ActionsSkipped.Inc()
		l.logger.Info("staged action skipped", "session", s.ID, "tool", outcome.Action.Tool())
		reply := "Skipped: " + staging.Describe(outcome.Action)
		if s.Queue.Awaiting() {
			reply += "\n\n" + s.Queue.Render()
		}
		return reply, false

	default: // staging.OutcomeCleared
		metrics.QueuesCleared.Inc()
		l.logger.Info("staging queue cleared by new instruction", "session", s.ID)
		*input = outcome.NewInput
		return "", true
	}
}

// executeConfirmed replays a confirmed action through its tool with the
// confirmed flag set. The authorizer runs again inside the tool; a whitelist
// change between staging and confirmation is caught here.
func (l *Loop) executeConfirmed(ctx context.Context, a staging.Action) string {
	args := make(map[string]any, len(a.Args())+1)
	for _, arg := range a.Args() {
		args[arg.Key] = arg.Value
	}
	args["confirmed"] = true

	result, err := l.tools.Execute(ctx, a.Tool(), args)
	if err != nil {
		l.logger.Error("confirmed action failed", "tool", a.Tool(), "error", err)
		return fmt.Sprintf("Error executing %s: %s", a.Tool(), err.Error())
	}
	return result
}

// providerTurn runs the LLM rounds for one instruction: call the provider,
// execute returned tool calls in order, intercept staged actions, repeat
// until a text answer or the iteration bound.
func (l *Loop) providerTurn(ctx context.Context, s *Session, input string, onToken func(string)) (string, error) {
	provider := l.sessionProvider(s)

	messages, err := l.prompt.BuildMessages(s.Transcript, input)
	if err != nil {
		return "", fmt.Errorf("build messages: %w", err)
	}

	var toolDefs []domain.ToolDefinition
	if l.tools != nil {
		toolDefs = l.filter.FilterDefinitions(l.tools.GetDefinitions())
	}

	stagedThisTurn := 0
	var finalContent string

	for iteration := 0; iteration < l.maxIterations; iteration++ {
		l.logger.Debug("agent iteration", "session", s.ID, "iteration", iteration+1, "messages", len(messages))

		if err := l.rateLimiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("rate limit: %w", err)
		}

		start := time.Now()
		resp, err := l.chatRound(ctx, provider, domain.ChatRequest{
			Messages:    messages,
			Tools:       toolDefs,
			MaxTokens:   defaultLLMMaxTokens,
			Temperature: defaultTemperature,
		}, onToken)
		if err != nil {
			return "", fmt.Errorf("LLM error: %w", err)
		}
		resp.LatencyMs = time.Since(start).Milliseconds()

		// Fallback: some smaller models embed tool calls as JSON in the
		// content field instead of the structured tool_calls field.
		if !resp.HasToolCalls() && resp.Content != "" {
			if extracted := extractToolCallsFromContent(resp.Content); len(extracted) > 0 {
				resp.ToolCalls = extracted
				resp.Content = ""
				l.logger.Info("extracted tool calls from content text", "count", len(extracted))
			}
		}

		if !resp.HasToolCalls() {
			finalContent = stripRolePrefix(resp.Content)
			break
		}

		messages = append(messages, domain.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		// Tool calls run strictly in order: mutations may depend on each
		// other and the staging queue must preserve proposal order.
		for _, tc := range resp.ToolCalls {
			result := l.executeToolCall(ctx, s, tc)

			if action, ok := staging.Decode(result); ok {
				s.Queue.Push(action)
				stagedThisTurn++
				result = "Staged for user confirmation: " + staging.Describe(action)
			}

			messages = append(messages, domain.Message{
				Role:       "tool",
				Content:    result,
				ToolCallID: tc.ID,
				ToolName:   tc.Name,
			})
		}

		// Once something is staged the turn ends with the human, not with
		// another provider round: the queue needs an answer first.
		if stagedThisTurn > 0 {
			finalContent = stripRolePrefix(resp.Content)
			break
		}
	}

	if stagedThisTurn > 0 {
		if finalContent != "" {
			finalContent += "\n\n"
		}
		finalContent += s.Queue.Render()
	} else if finalContent == "" {
		finalContent = "I've completed processing but have no additional response."
	}

	s.Transcript = append(s.Transcript,
		domain.Message{Role: "user", Content: input},
		domain.Message{Role: "assistant", Content: finalContent},
	)

	return finalContent, nil
}

// sessionProvider returns the provider for a session: the /provider override
// when set and resolvable, the loop default otherwise.
func (l *Loop) sessionProvider(s *Session) domain.Provider {
	if s.Provider == "" || l.providers == nil {
		return l.provider
	}
	p, err := l.providers.Get(s.Provider)
	if err != nil {
		l.logger.Warn("session provider unavailable, using default",
			"session", s.ID, "provider", s.Provider, "err", err)
		return l.provider
	}
	return p
}

// chatRound performs one provider call. When the provider streams and the
// caller wants tokens, the tokens are forwarded as they arrive and the
// events are folded back into a regular ChatResponse.
func (l *Loop) chatRound(ctx context.Context, p domain.Provider, req domain.ChatRequest, onToken func(string)) (*domain.ChatResponse, error) {
	sp, ok := p.(domain.StreamingProvider)
	if !ok || onToken == nil {
		return p.Chat(ctx, req)
	}

	req.Stream = true
	events := make(chan domain.StreamEvent, 16)
	errCh := make(chan error, 1)
	go func() {
		errCh <- sp.ChatStream(ctx, req, events)
		close(events)
	}()

	var content strings.Builder
	resp := &domain.ChatResponse{}
	for ev := range events {
		switch ev.Type {
		case domain.StreamToken:
			content.WriteString(ev.Content)
			onToken(ev.Content)
		case domain.StreamDone:
			resp.ToolCalls = ev.ToolCalls
		}
	}
	if err := <-errCh; err != nil {
		return nil, err
	}

	resp.Content = content.String()
	if resp.HasToolCalls() {
		resp.FinishReason = "tool_calls"
	} else {
		resp.FinishReason = "stop"
	}
	return resp, nil
}

// executeToolCall runs one tool call through the registry and the filter.
func (l *Loop) executeToolCall(ctx context.Context, s *Session, tc domain.ToolCall) string {
	if !l.filter.IsAllowed(tc.Name) {
		l.logger.Warn("tool blocked by filter", "session", s.ID, "tool", tc.Name)
		return fmt.Sprintf("Error: Tool %q is disabled by configuration.", tc.Name)
	}

	l.logger.Info("executing tool", "session", s.ID, "tool", tc.Name)
	if l.logger.Enabled(ctx, slog.LevelDebug) {
		if argsJSON, err := json.Marshal(tc.Arguments); err == nil {
			l.logger.Debug("tool arguments", "tool", tc.Name, "args", string(argsJSON))
		}
	}

	result, err := l.tools.Execute(ctx, tc.Name, tc.Arguments)
	if err != nil {
		l.logger.Error("tool failed", "tool", tc.Name, "error", err)
		return fmt.Sprintf("Error executing tool %s: %s", tc.Name, err.Error())
	}

	l.logger.Debug("tool completed", "tool", tc.Name, "result_len", len(result))
	return result
}

// AbandonSession clears a session's queue without executing, for EOF and
// shutdown paths, then removes the session.
func (l *Loop) AbandonSession(sessionID string) {
	s := l.sessions.Get(sessionID)
	s.Lock()
	if dropped := s.Queue.Clear(); len(dropped) > 0 {
		metrics.QueuesCleared.Inc()
		l.logger.Info("staged actions dropped on session end", "session", sessionID, "count", len(dropped))
	}
	s.Unlock()
	l.sessions.Remove(sessionID)
}
