package crawler

import "context"

type runIDKey struct{}

// WithRunID returns a copy of ctx carrying the indexing run id.
func WithRunID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, runIDKey{}, id)
}

// RunIDFrom returns the run id stored by WithRunID, or "".
func RunIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(runIDKey{}).(string)
	return id
}
