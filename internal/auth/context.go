package auth

import (
	"context"

	"github.com/atriumhq/atrium/pkg/caller"
)

type callerContextKey struct{}

// WithCaller attaches a verified caller identity to the context.
func WithCaller(ctx context.Context, c caller.Context) context.Context {
	return context.WithValue(ctx, callerContextKey{}, c)
}

// CallerFromContext retrieves the caller identity from the context.
func CallerFromContext(ctx context.Context) (caller.Context, bool) {
	c, ok := ctx.Value(callerContextKey{}).(caller.Context)
	return c, ok
}
