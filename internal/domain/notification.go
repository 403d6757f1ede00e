package domain

import (
	"encoding/json"
	"time"
)

// Notification is the producer-side record handed to the notifier. Only a
// projection of it is ever sent to clients.
type Notification struct {
	ID        string
	UserID    string
	Type      string
	Payload   json.RawMessage
	CreatedAt time.Time

	// Internal bookkeeping, never forwarded.
	SourceNoteID string
	ActorID      string
	ReadAt       *time.Time
}

// NotificationData is the client-facing projection of a Notification.
type NotificationData struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Project returns the client-facing fields of n.
func (n Notification) Project() NotificationData {
	payload := n.Payload
	if payload == nil {
		payload = json.RawMessage("{}")
	}
	return NotificationData{
		ID:        n.ID,
		Type:      n.Type,
		Payload:   payload,
		CreatedAt: n.CreatedAt,
	}
}
