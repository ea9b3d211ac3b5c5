package providers

import (
	"context"
	"errors"
)

// ErrInvalidToken is returned when a token does not identify a user.
var ErrInvalidToken = errors.New("invalid token")

// AuthProvider resolves a bearer token to the user it was issued to. The
// user id selects the private namespace entry the caller may read.
type AuthProvider interface {
	VerifyToken(ctx context.Context, idToken string) (*TokenClaims, error)
}

type TokenClaims struct {
	UID string `json:"uid"`
}

type contextKey int

const userContextKey contextKey = iota

// WithUser stores a verified user id in ctx.
func WithUser(ctx context.Context, uid string) context.Context {
	return context.WithValue(ctx, userContextKey, uid)
}

// UserFromContext returns the verified user id stored by WithUser, if any.
func UserFromContext(ctx context.Context) (string, bool) {
	uid, ok := ctx.Value(userContextKey).(string)
	return uid, ok && uid != ""
}
