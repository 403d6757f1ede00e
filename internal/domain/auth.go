package domain

import "context"

// Authenticator resolves a bearer token to a user id. Implementations return
// ErrInvalidToken for unknown or expired tokens.
type Authenticator interface {
	VerifyToken(ctx context.Context, token string) (userID string, err error)
}
