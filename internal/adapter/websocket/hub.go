package websocket

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	commandTimeout = 5 * time.Second
	stopTimeout    = 10 * time.Second
)

var errHubStopped = errors.New("connection hub stopped")

// hubCmd is the command interface for the hub actor.
type hubCmd interface{ isHubCmd() }

type baseHubCmd struct{}

func (baseHubCmd) isHubCmd() {}

type registerCmd struct {
	baseHubCmd
	conn  *Conn
	limit int
	reply chan error
}

type unregisterCmd struct {
	baseHubCmd
	conn  *Conn
	reply chan struct{}
}

type joinCmd struct {
	baseHubCmd
	conn *Conn
	room string
}

type leaveCmd struct {
	baseHubCmd
	conn *Conn
	room string
}

type emitCmd struct {
	baseHubCmd
	room  string
	frame []byte
	reply chan int
}

type countCmd struct {
	baseHubCmd
	room  string
	reply chan int
}

type disconnectAllCmd struct {
	baseHubCmd
	reason string
	reply  chan []*Conn
}

type stopCmd struct {
	baseHubCmd
	reason string
}

// hub owns the connection and room maps of one process. Every mutation and
// room emit is a command processed by the run goroutine, so room membership
// changes and emits are applied in the order they were issued.
type hub struct {
	cmdCh chan hubCmd
	clock clockwork.Clock
	done  chan struct{}

	conns       map[string]*Conn
	rooms       map[string]map[*Conn]struct{}
	memberships map[*Conn]map[string]struct{}
}

func newHub(clock clockwork.Clock) *hub {
	h := &hub{
		cmdCh:       make(chan hubCmd, 256),
		clock:       clock,
		done:        make(chan struct{}),
		conns:       make(map[string]*Conn),
		rooms:       make(map[string]map[*Conn]struct{}),
		memberships: make(map[*Conn]map[string]struct{}),
	}
	go h.run()
	return h
}

func (h *hub) send(cmd hubCmd) bool {
	select {
	case h.cmdCh <- cmd:
		return true
	case <-h.done:
		return false
	}
}

// register adds conn unless limit connections are already registered.
func (h *hub) register(conn *Conn, limit int) error {
	reply := make(chan error, 1)
	if !h.send(registerCmd{conn: conn, limit: limit, reply: reply}) {
		return errHubStopped
	}
	err, awaitErr := awaitReply(h, reply, "register")
	if awaitErr != nil {
		return awaitErr
	}
	return err
}

// unregister removes conn from the hub and from every room it joined.
func (h *hub) unregister(conn *Conn) {
	reply := make(chan struct{})
	if !h.send(unregisterCmd{conn: conn, reply: reply}) {
		return
	}
	_, _ = awaitReply(h, reply, "unregister")
}

func (h *hub) join(conn *Conn, room string) {
	h.send(joinCmd{conn: conn, room: room})
}

func (h *hub) leave(conn *Conn, room string) {
	h.send(leaveCmd{conn: conn, room: room})
}

// emit queues frame for every connection in room and returns how many
// connections accepted it.
func (h *hub) emit(room string, frame []byte) int {
	reply := make(chan int, 1)
	if !h.send(emitCmd{room: room, frame: frame, reply: reply}) {
		return 0
	}
	n, _ := awaitReply(h, reply, "emit")
	return n
}

// count returns the number of connections in room, or of all connections
// when room is empty. It returns -1 if the hub does not answer in time.
func (h *hub) count(room string) int {
	reply := make(chan int, 1)
	if !h.send(countCmd{room: room, reply: reply}) {
		return 0
	}
	n, err := awaitReply(h, reply, "count")
	if err != nil {
		return -1
	}
	return n
}

func awaitReply[T any](h *hub, reply <-chan T, name string) (T, error) {
	timer := h.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	var zero T
	select {
	case v := <-reply:
		return v, nil
	case <-h.done:
		return zero, errHubStopped
	case <-timer.Chan():
		slog.Warn("Hub command timed out", "command", name, "timeout", commandTimeout)
		return zero, fmt.Errorf("%s command timed out after %v", name, commandTimeout)
	}
}

// disconnectAll closes every registered connection with reason and returns
// them. The hub keeps accepting new connections.
func (h *hub) disconnectAll(reason string) []*Conn {
	reply := make(chan []*Conn, 1)
	if !h.send(disconnectAllCmd{reason: reason, reply: reply}) {
		return nil
	}
	conns, _ := awaitReply(h, reply, "disconnect_all")
	return conns
}

// stop closes every connection with reason and waits for the actor to exit.
func (h *hub) stop(reason string) {
	if !h.send(stopCmd{reason: reason}) {
		return
	}

	timeout := h.clock.NewTimer(stopTimeout)
	defer timeout.Stop()

	select {
	case <-h.done:
	case <-timeout.Chan():
		slog.Warn("Hub stop timeout exceeded", "timeout", stopTimeout)
	}
}

func (h *hub) run() {
	defer close(h.done)
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Hub panic recovered", "panic", r)
			h.closeAll("internal error")
		}
	}()

	for cmd := range h.cmdCh {
		switch c := cmd.(type) {
		case registerCmd:
			h.handleRegister(c)
		case unregisterCmd:
			h.handleUnregister(c.conn)
			close(c.reply)
		case joinCmd:
			h.handleJoin(c.conn, c.room)
		case leaveCmd:
			h.handleLeave(c.conn, c.room)
		case emitCmd:
			c.reply <- h.handleEmit(c.room, c.frame)
		case countCmd:
			if c.room == "" {
				c.reply <- len(h.conns)
			} else {
				c.reply <- len(h.rooms[c.room])
			}
		case disconnectAllCmd:
			c.reply <- h.closeAll(c.reason)
		case stopCmd:
			slog.Info("Connection hub shutting down", "connections", len(h.conns))
			h.closeAll(c.reason)
			return
		default:
			slog.Warn("Hub received unknown command type", "command_type", fmt.Sprintf("%T", cmd))
		}
	}
}

func (h *hub) handleRegister(c registerCmd) {
	if c.limit > 0 && len(h.conns) >= c.limit {
		c.reply <- fmt.Errorf("max connections (%d) reached", c.limit)
		return
	}
	h.conns[c.conn.id] = c.conn
	c.reply <- nil
}

func (h *hub) handleUnregister(conn *Conn) {
	if _, ok := h.conns[conn.id]; !ok {
		return
	}
	delete(h.conns, conn.id)
	for room := range h.memberships[conn] {
		h.removeFromRoom(conn, room)
	}
	delete(h.memberships, conn)
}

func (h *hub) handleJoin(conn *Conn, room string) {
	if _, ok := h.conns[conn.id]; !ok {
		return
	}
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*Conn]struct{})
		h.rooms[room] = members
	}
	members[conn] = struct{}{}

	joined, ok := h.memberships[conn]
	if !ok {
		joined = make(map[string]struct{})
		h.memberships[conn] = joined
	}
	joined[room] = struct{}{}
}

func (h *hub) handleLeave(conn *Conn, room string) {
	h.removeFromRoom(conn, room)
}

func (h *hub) removeFromRoom(conn *Conn, room string) {
	delete(h.memberships[conn], room)
	members, ok := h.rooms[room]
	if !ok {
		return
	}
	delete(members, conn)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
}

func (h *hub) handleEmit(room string, frame []byte) int {
	sent := 0
	var slow []*Conn
	for conn := range h.rooms[room] {
		if conn.writer.enqueue(frame) {
			sent++
		} else {
			slow = append(slow, conn)
		}
	}

	for _, conn := range slow {
		slog.Warn("Disconnecting slow client", "conn_id", conn.id, "room", room)
		go conn.Disconnect("slow consumer")
	}
	return sent
}

func (h *hub) closeAll(reason string) []*Conn {
	conns := make([]*Conn, 0, len(h.conns))
	for _, conn := range h.conns {
		conns = append(conns, conn)
		go conn.Disconnect(reason)
	}
	h.conns = make(map[string]*Conn)
	h.rooms = make(map[string]map[*Conn]struct{})
	h.memberships = make(map[*Conn]map[string]struct{})
	return conns
}
