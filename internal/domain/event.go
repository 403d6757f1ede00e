package domain

import (
	"encoding/json"
	"fmt"
)

// FanoutChannel is the single broker channel every gateway process subscribes to.
const FanoutChannel = "socket:events"

// EventType is the coarse routing category of a fan-out event.
type EventType string

const (
	EventTypeNotification EventType = "notification"
)

// Client-facing event names.
const (
	EventNewNotification = "new_notification"
	EventPresenceUpdate  = "presence:update"
)

// FanoutEvent is the message published on FanoutChannel. Data is forwarded
// to clients verbatim.
type FanoutEvent struct {
	Type  EventType       `json:"type"`
	Event string          `json:"event"`
	Room  string          `json:"room"`
	Data  json.RawMessage `json:"data"`
}

// Validate checks the structural shape of the event. Unknown types are
// structurally valid; routing decides what to do with them.
func (e FanoutEvent) Validate() error {
	if e.Type == "" {
		return fmt.Errorf("%w: missing type", ErrInvalidEvent)
	}
	if e.Event == "" {
		return fmt.Errorf("%w: missing event name", ErrInvalidEvent)
	}
	if !ValidRoom(e.Room) {
		return fmt.Errorf("%w: %q", ErrInvalidRoom, e.Room)
	}
	return nil
}

// EncodeEvent serializes an event for broker transport.
func EncodeEvent(e FanoutEvent) (string, error) {
	if e.Data == nil {
		e.Data = json.RawMessage("null")
	}
	b, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("failed to marshal fan-out event: %w", err)
	}
	return string(b), nil
}

// DecodeEvent parses and validates a payload received from the broker.
func DecodeEvent(payload string) (FanoutEvent, error) {
	var e FanoutEvent
	if err := json.Unmarshal([]byte(payload), &e); err != nil {
		return FanoutEvent{}, fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}
	if err := e.Validate(); err != nil {
		return FanoutEvent{}, err
	}
	return e, nil
}
