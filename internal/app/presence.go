package app

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/YoussefKamal098/note-verse-sub001/internal/domain"
)

// Client events handled by PresenceWatch.
const (
	EventPresenceWatch   = "presence:watch"
	EventPresenceUnwatch = "presence:unwatch"
)

const presenceTimeout = 5 * time.Second

type watchRequest struct {
	UserID string `json:"userId"`
}

// PresenceWatch lets clients follow other users' online state. Clients join
// presence:user:<id> with presence:watch and leave it with presence:unwatch.
// When a user's first connection on this process opens, or its last one
// closes, an update is broadcast to that room across the cluster.
type PresenceWatch struct {
	presence domain.PresenceStore
	rooms    domain.RoomBroadcaster

	mu    sync.Mutex
	local map[string]int
}

var _ Module = (*PresenceWatch)(nil)

func NewPresenceWatch(presence domain.PresenceStore, rooms domain.RoomBroadcaster) *PresenceWatch {
	return &PresenceWatch{
		presence: presence,
		rooms:    rooms,
		local:    make(map[string]int),
	}
}

func (p *PresenceWatch) Connected(ctx context.Context, conn domain.Connection) {
	if _, err := conn.On(EventPresenceWatch, func(ctx context.Context, data json.RawMessage) {
		p.watch(ctx, conn, data)
	}); err != nil {
		slog.WarnContext(ctx, "Failed to register presence watch handler", "error", err)
	}
	if _, err := conn.On(EventPresenceUnwatch, func(ctx context.Context, data json.RawMessage) {
		if userID, ok := parseWatchRequest(ctx, data); ok {
			conn.Leave(domain.PresenceRoom(userID))
		}
	}); err != nil {
		slog.WarnContext(ctx, "Failed to register presence unwatch handler", "error", err)
	}

	userID := conn.UserID()
	p.mu.Lock()
	p.local[userID]++
	first := p.local[userID] == 1
	p.mu.Unlock()

	if first {
		p.broadcast(ctx, userID, true)
	}
}

func (p *PresenceWatch) Disconnected(ctx context.Context, conn domain.Connection, _ string) {
	userID := conn.UserID()
	p.mu.Lock()
	p.local[userID]--
	last := p.local[userID] <= 0
	if last {
		delete(p.local, userID)
	}
	p.mu.Unlock()

	if !last {
		return
	}

	// The user may still be connected to another process.
	online, err := p.presence.IsOnline(ctx, userID)
	if err != nil {
		slog.WarnContext(ctx, "Failed to check presence after disconnect", "user_id", userID, "error", err)
		return
	}
	if !online {
		p.broadcast(ctx, userID, false)
	}
}

func (p *PresenceWatch) watch(ctx context.Context, conn domain.Connection, data json.RawMessage) {
	userID, ok := parseWatchRequest(ctx, data)
	if !ok {
		return
	}
	conn.Join(domain.PresenceRoom(userID))

	online, err := p.presence.IsOnline(ctx, userID)
	if err != nil {
		slog.WarnContext(ctx, "Failed to check presence for watcher", "user_id", userID, "error", err)
		return
	}
	update, _ := json.Marshal(domain.PresenceUpdate{UserID: userID, Online: online})
	if err := conn.Emit(domain.EventPresenceUpdate, update); err != nil {
		slog.DebugContext(ctx, "Failed to send presence state", "user_id", userID, "error", err)
	}
}

func (p *PresenceWatch) broadcast(ctx context.Context, userID string, online bool) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), presenceTimeout)
	defer cancel()

	update, _ := json.Marshal(domain.PresenceUpdate{UserID: userID, Online: online})
	if err := p.rooms.Broadcast(ctx, domain.PresenceRoom(userID), domain.EventPresenceUpdate, update); err != nil {
		slog.WarnContext(ctx, "Failed to broadcast presence update", "user_id", userID, "online", online, "error", err)
	}
}

func parseWatchRequest(ctx context.Context, data json.RawMessage) (string, bool) {
	var req watchRequest
	if err := json.Unmarshal(data, &req); err != nil || req.UserID == "" || !domain.ValidRoom(domain.PresenceRoom(req.UserID)) {
		slog.DebugContext(ctx, "Ignoring malformed presence request", "error", err)
		return "", false
	}
	return req.UserID, true
}
