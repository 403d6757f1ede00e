package websocket

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/YoussefKamal098/note-verse-sub001/internal/domain"
)

// DefaultMaxListeners caps handlers per client event until SetMaxListeners
// is called.
const DefaultMaxListeners = 10

var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrSlowConsumer     = errors.New("connection send buffer full")
)

// frame is the JSON message exchanged with clients in both directions.
type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func encodeFrame(event string, data json.RawMessage) ([]byte, error) {
	b, err := json.Marshal(frame{Event: event, Data: data})
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s frame: %w", event, err)
	}
	return b, nil
}

type listener struct {
	id      int
	handler domain.EventHandler
}

// Conn is one accepted websocket client. Room membership is held by the hub;
// Conn keeps a copy for Rooms.
type Conn struct {
	id     string
	userID string
	hub    *hub
	ws     *websocket.Conn
	writer *connWriter

	mu           sync.Mutex
	rooms        map[string]struct{}
	listeners    map[string][]listener
	onDisconnect map[int]func(reason string)
	maxListeners int
	nextID       int
	reason       string
	closed       bool
	done         chan struct{}
}

var _ domain.Connection = (*Conn)(nil)

func newConn(id, userID string, ws *websocket.Conn, writer *connWriter, h *hub) *Conn {
	return &Conn{
		id:           id,
		userID:       userID,
		hub:          h,
		ws:           ws,
		writer:       writer,
		rooms:        make(map[string]struct{}),
		listeners:    make(map[string][]listener),
		onDisconnect: make(map[int]func(string)),
		maxListeners: DefaultMaxListeners,
		done:         make(chan struct{}),
	}
}

func (c *Conn) ID() string     { return c.id }
func (c *Conn) UserID() string { return c.userID }

func (c *Conn) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	rooms := make([]string, 0, len(c.rooms))
	for room := range c.rooms {
		rooms = append(rooms, room)
	}
	sort.Strings(rooms)
	return rooms
}

func (c *Conn) Join(room string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.rooms[room] = struct{}{}
	c.mu.Unlock()
	c.hub.join(c, room)
}

func (c *Conn) Leave(room string) {
	c.mu.Lock()
	delete(c.rooms, room)
	c.mu.Unlock()
	c.hub.leave(c, room)
}

func (c *Conn) Emit(event string, data json.RawMessage) error {
	b, err := encodeFrame(event, data)
	if err != nil {
		return err
	}
	if !c.writer.enqueue(b) {
		if c.isClosed() {
			return ErrConnectionClosed
		}
		go c.Disconnect("slow consumer")
		return ErrSlowConsumer
	}
	return nil
}

func (c *Conn) On(event string, handler domain.EventHandler) (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.listeners[event]) >= c.maxListeners {
		return nil, fmt.Errorf("max listeners (%d) reached for event %q", c.maxListeners, event)
	}
	id := c.nextID
	c.nextID++
	c.listeners[event] = append(c.listeners[event], listener{id: id, handler: handler})

	return func() { c.off(event, id) }, nil
}

func (c *Conn) off(event string, id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.listeners[event][:0]
	for _, l := range c.listeners[event] {
		if l.id != id {
			kept = append(kept, l)
		}
	}
	if len(kept) == 0 {
		delete(c.listeners, event)
		return
	}
	c.listeners[event] = kept
}

func (c *Conn) handlers(event string) []domain.EventHandler {
	c.mu.Lock()
	defer c.mu.Unlock()
	hs := make([]domain.EventHandler, 0, len(c.listeners[event]))
	for _, l := range c.listeners[event] {
		hs = append(hs, l.handler)
	}
	return hs
}

// OnDisconnect registers handler to run once the connection closes. On an
// already closed connection handler runs immediately.
func (c *Conn) OnDisconnect(handler func(reason string)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		go runDisconnectHandler(c.id, handler, c.reason)
		return func() {}
	}
	id := c.nextID
	c.nextID++
	c.onDisconnect[id] = handler
	return func() {
		c.mu.Lock()
		delete(c.onDisconnect, id)
		c.mu.Unlock()
	}
}

func (c *Conn) SetMaxListeners(n int) {
	c.mu.Lock()
	c.maxListeners = n
	c.mu.Unlock()
}

// Disconnect sends a close frame with reason and closes the socket. The
// server's read loop then runs the disconnect handlers.
func (c *Conn) Disconnect(reason string) {
	c.mu.Lock()
	if c.reason == "" {
		c.reason = reason
	}
	c.mu.Unlock()
	c.writer.stopGraceful(websocket.CloseNormalClosure, reason)
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// finish marks the connection closed and runs the disconnect handlers once.
// An explicit Disconnect reason wins over the transport's.
func (c *Conn) finish(transportReason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.reason == "" {
		c.reason = transportReason
	}
	reason := c.reason
	handlers := make([]func(string), 0, len(c.onDisconnect))
	for _, h := range c.onDisconnect {
		handlers = append(handlers, h)
	}
	c.onDisconnect = nil
	c.rooms = make(map[string]struct{})
	c.listeners = make(map[string][]listener)
	c.mu.Unlock()

	c.writer.stop()
	for _, h := range handlers {
		runDisconnectHandler(c.id, h, reason)
	}
	close(c.done)
}

func runDisconnectHandler(connID string, h func(string), reason string) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Disconnect handler panicked", "conn_id", connID, "panic", r)
		}
	}()
	h(reason)
}
