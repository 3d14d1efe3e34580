package domain

import "context"

// Tool is the interface for agent capabilities (directory listing, file
// reads, staged mutations). Execute returns exactly one content string;
// the error return is reserved for faults in the tool machinery itself,
// domain failures travel inside the string.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]any
	Execute(ctx context.Context, args map[string]any) (string, error)
}
