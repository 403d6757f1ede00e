package app

import (
	"context"
	"log/slog"

	"github.com/YoussefKamal098/note-verse-sub001/internal/broker"
	"github.com/YoussefKamal098/note-verse-sub001/internal/domain"
)

// Dispatcher routes fan-out events received from the broker to local
// connections.
type Dispatcher struct {
	rooms domain.RoomEmitter
}

var _ broker.Dispatcher = (*Dispatcher)(nil)

func NewDispatcher(rooms domain.RoomEmitter) *Dispatcher {
	return &Dispatcher{rooms: rooms}
}

// Dispatch emits notification events to the local members of event.Room.
// Events of any other type are logged and dropped.
func (d *Dispatcher) Dispatch(ctx context.Context, event domain.FanoutEvent) error {
	switch event.Type {
	case domain.EventTypeNotification:
		n := d.rooms.EmitToRoom(event.Room, event.Event, event.Data)
		slog.DebugContext(ctx, "Dispatched fan-out event", "room", event.Room, "event", event.Event, "recipients", n)
	default:
		slog.WarnContext(ctx, "Ignoring fan-out event of unknown type", "type", event.Type, "event", event.Event, "room", event.Room)
	}
	return nil
}
