package domain

import "context"

// PresenceStore tracks which users have at least one live connection anywhere
// in the cluster.
type PresenceStore interface {
	IsOnline(ctx context.Context, userID string) (bool, error)
	Add(ctx context.Context, userID, connectionID string) error
	Remove(ctx context.Context, userID, connectionID string) error
}

// PresenceUpdate is the payload of EventPresenceUpdate.
type PresenceUpdate struct {
	UserID string `json:"userId"`
	Online bool   `json:"online"`
}
