package cache

import "context"

type bypassContextKey struct{}

// WithBypass marks ctx so reads skip the cached entry and go straight to the
// source of truth. The fresh result is still stored, so a bypassed read also
// repopulates the entry. Useful right after a write, or from admin tooling
// that needs to see live data.
func WithBypass(ctx context.Context) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, bypassContextKey{}, true)
}

func bypassed(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	v, _ := ctx.Value(bypassContextKey{}).(bool)
	return v
}
