package staging

import (
	"fmt"
	"strings"
)

// Confirm and cancel vocabularies. Any other input clears the queue and is
// handed back as a fresh instruction.
var (
	confirmTokens = map[string]bool{"y": true, "yes": true}
	cancelTokens  = map[string]bool{"n": true, "no": true, "cancel": true, "abort": true}
)

// OutcomeKind classifies what one line of human input did to the queue.
type OutcomeKind int

const (
	// OutcomeExecuted: the head action was confirmed and executed.
	OutcomeExecuted OutcomeKind = iota
	// OutcomeSkipped: the head action was cancelled without executing.
	OutcomeSkipped
	// OutcomeCleared: the input was neither a confirm nor a cancel token;
	// every queued action was dropped and the input is a new instruction.
	OutcomeCleared
)

type Outcome struct {
	Kind     OutcomeKind
	Action   Action // the action acted on (Executed and Skipped)
	Result   string // tool result text (Executed only)
	NewInput string // the literal human input (Cleared only)
}

// Queue holds the staged actions of one session, oldest first. The session
// is awaiting confirmation exactly while the queue is non-empty. A queue is
// owned by a single session and is not safe for concurrent use.
type Queue struct {
	items []Action
}

func NewQueue() *Queue {
	return &Queue{}
}

func (q *Queue) Push(a Action) {
	q.items = append(q.items, a)
}

func (q *Queue) Head() (Action, bool) {
	if len(q.items) == 0 {
		return nil, false
	}
	return q.items[0], true
}

func (q *Queue) Pop() (Action, bool) {
	if len(q.items) == 0 {
		return nil, false
	}
	head := q.items[0]
	q.items = q.items[1:]
	return head, true
}

// Clear drops every queued action without executing and returns the dropped
// actions, oldest first.
func (q *Queue) Clear() []Action {
	dropped := q.items
	q.items = nil
	return dropped
}

func (q *Queue) Len() int {
	return len(q.items)
}

// Awaiting reports whether the session is in the awaiting-confirmation state.
func (q *Queue) Awaiting() bool {
	return len(q.items) > 0
}

// Resolve consumes one line of human input while awaiting confirmation.
// Policy is per-item: a confirm token executes only the head (via exec, which
// must replay the action through its tool with the confirmed flag set), a
// cancel token drops only the head, and anything else clears the entire
// queue so the input can be reinterpreted as a brand-new instruction.
func (q *Queue) Resolve(input string, exec func(Action) string) Outcome {
	if len(q.items) == 0 {
		// Idle: nothing staged, the input is an instruction as-is.
		return Outcome{Kind: OutcomeCleared, NewInput: input}
	}

	normalized := strings.ToLower(strings.TrimSpace(input))

	switch {
	case confirmTokens[normalized]:
		head, _ := q.Pop()
		return Outcome{Kind: OutcomeExecuted, Action: head, Result: exec(head)}
	case cancelTokens[normalized]:
		head, _ := q.Pop()
		return Outcome{Kind: OutcomeSkipped, Action: head}
	default:
		q.Clear()
		return Outcome{Kind: OutcomeCleared, NewInput: input}
	}
}

// Render formats the queue as a numbered human-readable list.
func (q *Queue) Render() string {
	if len(q.items) == 0 {
		return "(no staged actions)"
	}
	var b strings.Builder
	if len(q.items) == 1 {
		b.WriteString("The following action is staged and needs your confirmation:\n")
	} else {
		fmt.Fprintf(&b, "The following %d actions are staged and need your confirmation:\n", len(q.items))
	}
	for i, a := range q.items {
		fmt.Fprintf(&b, "  %d. %s\n", i+1, Describe(a))
	}
	b.WriteString("Confirm the first action? [y/n/cancel]")
	return b.String()
}
