package rerank

import "context"

// AnonymousUser is the quota principal when the context names none.
const AnonymousUser = "anonymous"

type userKey struct{}

// WithUser tags ctx with the quota principal charged for listwise calls.
func WithUser(ctx context.Context, user string) context.Context {
	if user == "" {
		return ctx
	}
	return context.WithValue(ctx, userKey{}, user)
}

// UserFromContext returns the quota principal, or AnonymousUser.
func UserFromContext(ctx context.Context) string {
	if user, ok := ctx.Value(userKey{}).(string); ok && user != "" {
		return user
	}
	return AnonymousUser
}
