package agent

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"fsbot/internal/domain"
	"fsbot/internal/tool"
)

const promptCacheTTL = 60 * time.Second

// PromptBuilder assembles the system prompt: tool inventory, whitelist
// roots, and the staging/confirmation protocol. Roots can change at runtime
// (the whitelist resource is mtime-cached), so the prompt is cached with a
// short TTL rather than built once.
type PromptBuilder struct {
	auth              domain.Authorizer
	tools             *tool.Registry
	logger            *slog.Logger
	systemPromptExtra string

	mu        sync.Mutex
	cached    string
	expiresAt time.Time
}

// PromptConfig holds configuration for the prompt builder.
type PromptConfig struct {
	Authorizer        domain.Authorizer
	Tools             *tool.Registry
	Logger            *slog.Logger
	SystemPromptExtra string
}

func NewPromptBuilder(cfg PromptConfig) *PromptBuilder {
	return &PromptBuilder{
		auth:              cfg.Authorizer,
		tools:             cfg.Tools,
		logger:            cfg.Logger,
		systemPromptExtra: cfg.SystemPromptExtra,
	}
}

// BuildSystemPrompt returns the system prompt, rebuilt when the cache TTL
// lapses.
func (p *PromptBuilder) BuildSystemPrompt() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cached != "" && time.Now().Before(p.expiresAt) {
		return p.cached
	}

	var sb strings.Builder
	sb.WriteString(`# fsbot

You are fsbot, a filesystem assistant. You help the user inspect and
reorganize files using tools. You operate under two hard rules:

1. You may only touch paths inside the authorized root directories listed
   below. Any other path is denied; do not try to work around this.
2. You never change anything on disk directly. Mutation tools
   (create_directory, move_file, rename_file) stage the change and the
   user confirms or cancels it. Read-only tools run immediately.

`)

	roots := p.auth.Roots()
	sb.WriteString("## Authorized roots\n")
	if len(roots) == 0 {
		sb.WriteString("(none — every filesystem path is currently denied)\n")
	} else {
		for _, r := range roots {
			sb.WriteString("- " + r + "\n")
		}
	}

	sb.WriteString("\n## Tools\n")
	for _, def := range p.tools.GetDefinitions() {
		fmt.Fprintf(&sb, "- %s: %s\n", def.Name, def.Description)
	}

	sb.WriteString(`
## Rules
- Always use absolute paths inside the authorized roots.
- When a mutation tool responds with a STAGED_ACTION line, the change is
  waiting for the user. Tell the user what is staged and stop; do not call
  the tool again or claim the change happened.
- Present tool results clearly. Do not mention internal tool names or output
  raw JSON.
- Respond in the language the user writes in.
- Be accurate and concise.

## Current time
` + time.Now().Format("2006-01-02 15:04 (Monday)"))

	if p.systemPromptExtra != "" {
		sb.WriteString("\n\n## Custom Instructions\n" + p.systemPromptExtra)
	}

	p.cached = sb.String()
	p.expiresAt = time.Now().Add(promptCacheTTL)
	return p.cached
}

// Invalidate drops the cached prompt, e.g. after a whitelist edit.
func (p *PromptBuilder) Invalidate() {
	p.mu.Lock()
	p.cached = ""
	p.mu.Unlock()
}

// BuildMessages constructs [system + transcript + user message] for an LLM
// call.
func (p *PromptBuilder) BuildMessages(transcript []domain.Message, currentMessage string) ([]domain.Message, error) {
	messages := make([]domain.Message, 0, len(transcript)+2)
	messages = append(messages, domain.Message{Role: "system", Content: p.BuildSystemPrompt()})
	messages = append(messages, transcript...)
	messages = append(messages, domain.Message{Role: "user", Content: currentMessage})
	return messages, nil
}
