package domain

import "context"

type sessionCtxKey struct{}

// WithSession tags ctx with the session id so audit writers further down the
// call chain can attribute entries to the conversation that caused them.
func WithSession(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionCtxKey{}, id)
}

// SessionFromContext returns the session id set by WithSession, or "" when
// the call did not originate from a session turn.
func SessionFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(sessionCtxKey{}).(string); ok {
		return v
	}
	return ""
}
