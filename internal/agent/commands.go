package agent

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"time"
)

// ChatCommand represents a parsed slash command.
type ChatCommand struct {
	Name string   // command name without "/"
	Args []string // arguments after the command
	Raw  string   // original full text
}

// CommandResult holds the response for a handled command.
type CommandResult struct {
	Response string // text response to send back
	Handled  bool   // true if the command was handled (don't send to LLM)
}

// startTime records when the process started, for /status.
var startTime = time.Now()

// ParseCommand checks if a message starts with "/" and parses it.
// Returns nil if the message is not a command.
func ParseCommand(text string) *ChatCommand {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return nil
	}

	parts := strings.Fields(text)
	if len(parts) == 0 {
		return nil
	}

	name := strings.ToLower(strings.TrimPrefix(parts[0], "/"))

	var args []string
	if len(parts) > 1 {
		args = parts[1:]
	}

	return &ChatCommand{Name: name, Args: args, Raw: text}
}

// HandleCommand processes a slash command against a session. Unrecognized
// commands return Handled=false so the text goes to the LLM as a normal
// message.
func (l *Loop) HandleCommand(cmd *ChatCommand, s *Session) CommandResult {
	switch cmd.Name {
	case "help":
		return CommandResult{Response: helpText(), Handled: true}

	case "new":
		// Fresh session: transcript gone, staged actions dropped unexecuted.
		resetLocked(s)
		return CommandResult{Response: "Started a new session. Staged actions (if any) were dropped.", Handled: true}

	case "clear":
		// The console clears its screen before this is ever reached; from a
		// remote chat, clearing means resetting the conversation.
		resetLocked(s)
		return CommandResult{Response: "Cleared. Staged actions (if any) were dropped.", Handled: true}

	case "session":
		return CommandResult{Response: l.sessionText(s), Handled: true}

	case "status":
		return CommandResult{Response: l.statusText(), Handled: true}

	case "tools":
		return CommandResult{Response: l.toolsText(), Handled: true}

	case "whitelist":
		return CommandResult{Response: l.whitelistText(), Handled: true}

	case "provider":
		return l.providerCommand(cmd, s)

	case "version":
		return CommandResult{Response: fmt.Sprintf("fsbot v%s (%s/%s, Go %s)", version, runtime.GOOS, runtime.GOARCH, runtime.Version()), Handled: true}

	case "quit", "exit", "q":
		// The console intercepts /quit itself; a remote chat's /quit closes
		// the conversation without executing anything staged.
		resetLocked(s)
		return CommandResult{Response: "Bye. Session closed; staged actions (if any) were dropped.", Handled: true}

	default:
		return CommandResult{Handled: false}
	}
}

// resetLocked wipes a session's transcript and staged actions. The caller
// already holds the session lock (HandleCommand runs inside a turn), so this
// must not go through SessionManager.Reset.
func resetLocked(s *Session) {
	s.Queue.Clear()
	s.Transcript = nil
	s.LastActive = time.Now()
}

// providerCommand shows or switches the session's provider override.
func (l *Loop) providerCommand(cmd *ChatCommand, s *Session) CommandResult {
	if len(cmd.Args) == 0 {
		current := l.provider.Name()
		if s.Provider != "" {
			current = s.Provider
		}
		return CommandResult{Response: "Provider: " + current, Handled: true}
	}

	name := cmd.Args[0]
	if l.providers == nil {
		return CommandResult{Response: "Provider switching is not available.", Handled: true}
	}
	if _, err := l.providers.Get(name); err != nil {
		return CommandResult{Response: fmt.Sprintf("Error: Unknown or disabled provider %q.", name), Handled: true}
	}
	s.Provider = name
	return CommandResult{Response: "Provider for this session: " + name, Handled: true}
}

// version is set by the build system. Default fallback.
var version = "0.1.0"

// SetVersion sets the version string used by commands.
func SetVersion(v string) {
	version = v
}

func helpText() string {
	return `**fsbot Commands**

/help — Show this help message
/new — Start a new session (drops staged actions without executing)
/clear — Clear the screen / reset the conversation
/session — Show current session info
/status — Show agent status and recent audit entries
/tools — List available tools
/whitelist — Show the authorized root directories
/provider [name] — Show or switch the session's LLM provider
/version — Show version info
/quit — Exit (also /exit, /q)`
}

func (l *Loop) sessionText(s *Session) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Session: %s\n", s.ID)
	fmt.Fprintf(&sb, "Started: %s\n", s.Created.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&sb, "Transcript: %d messages\n", len(s.Transcript))
	if s.Queue.Awaiting() {
		fmt.Fprintf(&sb, "Staged actions awaiting confirmation: %d\n", s.Queue.Len())
	} else {
		sb.WriteString("No staged actions.\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (l *Loop) statusText() string {
	uptime := time.Since(startTime).Round(time.Second)
	var sb strings.Builder
	fmt.Fprintf(&sb, "**fsbot v%s**\n\n", version)
	fmt.Fprintf(&sb, "Provider: %s\n", l.provider.Name())
	fmt.Fprintf(&sb, "Tools: %d registered\n", len(l.tools.Names()))
	fmt.Fprintf(&sb, "Sessions: %d\n", l.sessions.Count())
	fmt.Fprintf(&sb, "Uptime: %s\n", uptime)
	fmt.Fprintf(&sb, "Runtime: %s/%s, Go %s\n", runtime.GOOS, runtime.GOARCH, runtime.Version())

	if l.history != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		records, err := l.history.RecentAudit(ctx, 5)
		if err != nil {
			l.logger.Warn("cannot read audit log for /status", "err", err)
		} else if len(records) > 0 {
			sb.WriteString("\nRecent audit:\n")
			for _, r := range records {
				fmt.Fprintf(&sb, "• %s  %s %s %s\n",
					r.Time.Format("15:04:05"), r.Action, r.Result, r.Path)
			}
		}
	}
	return sb.String()
}

func (l *Loop) toolsText() string {
	names := l.tools.Names()
	var sb strings.Builder
	fmt.Fprintf(&sb, "**Available Tools** (%d)\n\n", len(names))
	for _, name := range names {
		if !l.filter.IsAllowed(name) {
			continue
		}
		if t := l.tools.Get(name); t != nil {
			fmt.Fprintf(&sb, "• **%s** — %s\n", name, t.Description())
		}
	}
	return sb.String()
}

func (l *Loop) whitelistText() string {
	roots := l.auth.Roots()
	if len(roots) == 0 {
		return "The whitelist is empty: every filesystem path is denied.\nAdd roots with `fsbot whitelist add <path>`."
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "**Authorized roots** (%d)\n\n", len(roots))
	for _, r := range roots {
		fmt.Fprintf(&sb, "• %s\n", r)
	}
	return sb.String()
}
