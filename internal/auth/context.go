package auth

import "context"

type ownerContextKey struct{}

// ContextWithOwner records the id of the record whose key authorized the
// request.
func ContextWithOwner(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, ownerContextKey{}, id)
}

// OwnerFromContext returns the id stored by ContextWithOwner.
func OwnerFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(ownerContextKey{}).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
