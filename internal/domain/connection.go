package domain

import (
	"context"
	"encoding/json"
	"net/http"
)

// Connection is one live client session owned by this process.
type Connection interface {
	ID() string
	UserID() string
	Rooms() []string
	Join(room string)
	Leave(room string)
	// Emit sends a single event to this connection only.
	Emit(event string, data json.RawMessage) error
	// On registers a handler for a client-sent event and returns its disposer.
	On(event string, handler EventHandler) (func(), error)
	// OnDisconnect registers a handler run once when the connection closes.
	OnDisconnect(handler func(reason string)) func()
	SetMaxListeners(n int)
	Disconnect(reason string)
}

// EventHandler handles one client-sent event.
type EventHandler func(ctx context.Context, data json.RawMessage)

// Handshake carries the upgrade request through connection middleware.
// Middleware resolves the user id by calling SetUserID.
type Handshake struct {
	ConnectionID string
	Request      *http.Request

	userID string
}

func (h *Handshake) SetUserID(id string) { h.userID = id }
func (h *Handshake) UserID() string      { return h.userID }

// Middleware runs before a connection is accepted; a non-nil error rejects it.
type Middleware func(ctx context.Context, hs *Handshake) error

// ConnectionHandler is invoked once for every accepted connection.
type ConnectionHandler func(ctx context.Context, conn Connection)

// RoomEmitter emits to the connections of a room on this process only.
// It returns the number of connections the event was queued for.
type RoomEmitter interface {
	EmitToRoom(room, event string, data json.RawMessage) int
}

// RoomBroadcaster emits to a room across every gateway process.
type RoomBroadcaster interface {
	Broadcast(ctx context.Context, room, event string, data json.RawMessage) error
}
