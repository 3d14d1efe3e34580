package channel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

// Agent is what the console REPL needs from the agent loop. The REPL is
// single-session and calls the loop directly, no bus in between.
type Agent interface {
	ProcessDirect(ctx context.Context, sessionID, input string) (string, error)
	ProcessDirectStream(ctx context.Context, sessionID, input string, onToken func(string)) (string, error)
	AbandonSession(sessionID string)
}

// CLI is the interactive console REPL: one session, one human turn then one
// agent turn. Replies stream token-by-token when the provider supports it.
type CLI struct {
	agent     Agent
	sessionID string
	logger    *slog.Logger
	in        io.Reader
	out       io.Writer
	noStream  bool

	thinking  bool
	thinkMu   sync.Mutex
	thinkStop chan struct{}
}

type CLIConfig struct {
	Agent     Agent
	SessionID string
	Logger    *slog.Logger
	In        io.Reader
	Out       io.Writer
	NoStream  bool // print whole replies instead of streaming tokens
}

func NewCLI(cfg CLIConfig) *CLI {
	if cfg.In == nil {
		cfg.In = os.Stdin
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	return &CLI{
		agent:     cfg.Agent,
		sessionID: cfg.SessionID,
		logger:    cfg.Logger,
		in:        cfg.In,
		out:       cfg.Out,
		noStream:  cfg.NoStream,
	}
}

// Run executes the REPL until /quit, EOF, or context cancellation. EOF while
// actions are staged drops them without executing.
func (c *CLI) Run(ctx context.Context) error {
	defer c.agent.AbandonSession(c.sessionID)

	fmt.Fprintf(c.out, "fsbot — session %s. Type /help for commands, /quit to exit.\n", c.sessionID)
	fmt.Fprint(c.out, "You> ")

	scanner := bufio.NewScanner(c.in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return err
			}
			fmt.Fprintln(c.out)
			return nil // EOF: staged actions dropped by AbandonSession
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			fmt.Fprint(c.out, "You> ")
			continue
		}

		switch line {
		case "/quit", "/exit", "/q":
			fmt.Fprintln(c.out, "Bye.")
			return nil
		case "/clear":
			fmt.Fprint(c.out, "\033[2J\033[H")
			fmt.Fprint(c.out, "You> ")
			continue
		}

		c.turn(ctx, line)
		fmt.Fprint(c.out, "You> ")
	}
}

// turn runs one agent turn and prints the reply. In streaming mode tokens
// appear as they arrive; the frame closes once the full reply (which may
// carry a confirmation prompt the tokens never contained) is known.
func (c *CLI) turn(ctx context.Context, line string) {
	c.startThinking()

	var reply string
	var err error
	streamed := ""
	if c.noStream {
		reply, err = c.agent.ProcessDirect(ctx, c.sessionID, line)
	} else {
		reply, err = c.agent.ProcessDirectStream(ctx, c.sessionID, line, func(token string) {
			if streamed == "" {
				c.stopThinking()
				fmt.Fprint(c.out, "\r\033[K--- fsbot ---\n")
			}
			fmt.Fprint(c.out, token)
			streamed += token
		})
	}
	c.stopThinking()

	if err != nil {
		c.logger.Error("turn failed", "error", err)
		reply = fmt.Sprintf("Sorry, something went wrong: %s", err.Error())
	}

	if streamed == "" {
		fmt.Fprintln(c.out, "\r\033[K--- fsbot ---")
		fmt.Fprintln(c.out, reply)
	} else if rest := strings.TrimPrefix(reply, streamed); rest != reply {
		// The streamed tokens are a prefix of the reply; print the remainder.
		if rest != "" {
			fmt.Fprintln(c.out, rest)
		} else {
			fmt.Fprintln(c.out)
		}
	} else {
		// The final reply diverged from the tokens (e.g. the turn ended in a
		// confirmation render); print it whole on a fresh line.
		fmt.Fprintln(c.out)
		fmt.Fprintln(c.out, reply)
	}
	fmt.Fprintln(c.out, "-------------")
}

func (c *CLI) startThinking() {
	c.thinkMu.Lock()
	defer c.thinkMu.Unlock()
	if c.thinking {
		return
	}
	c.thinking = true
	c.thinkStop = make(chan struct{})
	go func(stop chan struct{}) {
		frames := []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}
		i := 0
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				fmt.Fprintf(c.out, "\r%s Working...", frames[i%len(frames)])
				i++
			}
		}
	}(c.thinkStop)
}

func (c *CLI) stopThinking() {
	c.thinkMu.Lock()
	defer c.thinkMu.Unlock()
	if !c.thinking {
		return
	}
	c.thinking = false
	close(c.thinkStop)
}
