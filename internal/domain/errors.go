package domain

import "errors"

var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrInvalidToken    = errors.New("invalid or expired token")
	ErrInvalidRoom     = errors.New("invalid room key")
	ErrInvalidEvent    = errors.New("invalid fan-out event")
)
