package redis

import (
	"context"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/YoussefKamal098/note-verse-sub001/internal/domain"
)

// TokenVerifier resolves opaque session tokens stored by the issuing service.
type TokenVerifier struct {
	rdb       *goredis.Client
	namespace string
}

var _ domain.Authenticator = (*TokenVerifier)(nil)

func NewTokenVerifier(rdb *goredis.Client, namespace string) *TokenVerifier {
	return &TokenVerifier{rdb: rdb, namespace: namespace}
}

func (v *TokenVerifier) key(token string) string {
	return v.namespace + ":auth:token:" + token
}

func (v *TokenVerifier) VerifyToken(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", domain.ErrInvalidToken
	}
	userID, err := v.rdb.Get(ctx, v.key(token)).Result()
	if errors.Is(err, goredis.Nil) || (err == nil && userID == "") {
		return "", domain.ErrInvalidToken
	}
	if err != nil {
		return "", fmt.Errorf("failed to verify token: %w", err)
	}
	return userID, nil
}
