package auth

import (
	"context"

	"github.com/fieldworks/agrihub/store"
)

type userContextKey struct{}

// WithUser returns a context carrying the authenticated user.
func WithUser(ctx context.Context, user *store.User) context.Context {
	return context.WithValue(ctx, userContextKey{}, user)
}

// UserFrom returns the authenticated user from the context, if any.
func UserFrom(ctx context.Context) (*store.User, bool) {
	user, ok := ctx.Value(userContextKey{}).(*store.User)
	return user, ok
}
