package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/YoussefKamal098/note-verse-sub001/internal/adapter/metrics"
	"github.com/YoussefKamal098/note-verse-sub001/internal/domain"
	"github.com/YoussefKamal098/note-verse-sub001/internal/platform/correlation"
	apperrors "github.com/YoussefKamal098/note-verse-sub001/internal/platform/errors"
)

const (
	maxMessageSize = 64 * 1024

	// BearerSubprotocol is echoed back to browser clients that pass their
	// token as "Sec-WebSocket-Protocol: bearer, <token>".
	BearerSubprotocol = "bearer"
)

type Options struct {
	// MaxConnections caps concurrent connections on this process; zero
	// means unlimited.
	MaxConnections int
	// EventRate limits inbound client events per connection per second;
	// zero means unlimited.
	EventRate   float64
	CheckOrigin func(r *http.Request) bool
}

// Server accepts websocket clients and owns this process's connection
// registry.
type Server struct {
	hub      *hub
	upgrader websocket.Upgrader
	clock    clockwork.Clock
	metrics  *metrics.GatewayMetrics
	opts     Options

	mu          sync.RWMutex
	middlewares map[int]domain.Middleware
	handlers    map[int]domain.ConnectionHandler
	order       []int
	nextID      int
}

var _ domain.RoomEmitter = (*Server)(nil)

func NewServer(clock clockwork.Clock, m *metrics.GatewayMetrics, opts Options) *Server {
	return &Server{
		hub: newHub(clock),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     opts.CheckOrigin,
			Subprotocols:    []string{BearerSubprotocol},
		},
		clock:       clock,
		metrics:     m,
		opts:        opts,
		middlewares: make(map[int]domain.Middleware),
		handlers:    make(map[int]domain.ConnectionHandler),
	}
}

// Use installs a handshake middleware. Middlewares run in installation order;
// the returned function uninstalls it.
func (s *Server) Use(mw domain.Middleware) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.register()
	s.middlewares[id] = mw
	return s.remover(id)
}

// OnConnection installs a handler run for every accepted connection; the
// returned function uninstalls it.
func (s *Server) OnConnection(h domain.ConnectionHandler) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.register()
	s.handlers[id] = h
	return s.remover(id)
}

func (s *Server) register() int {
	id := s.nextID
	s.nextID++
	s.order = append(s.order, id)
	return id
}

func (s *Server) remover(id int) func() {
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.middlewares, id)
		delete(s.handlers, id)
	}
}

func (s *Server) snapshot() ([]domain.Middleware, []domain.ConnectionHandler) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var mws []domain.Middleware
	var hs []domain.ConnectionHandler
	for _, id := range s.order {
		if mw, ok := s.middlewares[id]; ok {
			mws = append(mws, mw)
		}
		if h, ok := s.handlers[id]; ok {
			hs = append(hs, h)
		}
	}
	return mws, hs
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	connID := uuid.NewString()
	ctx := correlation.WithConnection(r.Context(), connID)

	middlewares, handlers := s.snapshot()
	if len(handlers) == 0 {
		s.reject(ctx, w, "not_ready", apperrors.UnavailableError("gateway not ready", nil))
		return
	}
	if s.opts.MaxConnections > 0 && s.hub.count("") >= s.opts.MaxConnections {
		s.reject(ctx, w, "capacity", apperrors.UnavailableError("too many connections", nil))
		return
	}

	hs := &domain.Handshake{ConnectionID: connID, Request: r}
	for _, mw := range middlewares {
		if err := mw(ctx, hs); err != nil {
			s.reject(ctx, w, "unauthenticated", apperrors.UnauthenticatedError("authentication failed", err))
			return
		}
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written the HTTP error.
		s.metrics.RejectedHandshake.WithLabelValues("upgrade_failed").Inc()
		slog.DebugContext(ctx, "WebSocket upgrade failed", "error", err)
		return
	}

	conn := newConn(connID, hs.UserID(), ws, newConnWriter(ws, s.clock), s.hub)
	if err := s.hub.register(conn, s.opts.MaxConnections); err != nil {
		s.metrics.RejectedHandshake.WithLabelValues("capacity").Inc()
		slog.WarnContext(ctx, "Rejecting connection", "error", err)
		conn.writer.stopGraceful(websocket.CloseTryAgainLater, "server at capacity")
		conn.finish("rejected")
		return
	}

	s.metrics.ActiveConnections.Inc()
	defer s.metrics.ActiveConnections.Dec()

	// The request context ends with ServeHTTP; handlers get one that lives
	// exactly as long as the connection.
	connCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()

	slog.DebugContext(connCtx, "Client connected", "user_id", conn.UserID())
	for _, h := range handlers {
		runConnectionHandler(connCtx, h, conn)
	}

	reason := s.readLoop(connCtx, conn)
	s.hub.unregister(conn)
	conn.finish(reason)
	slog.DebugContext(connCtx, "Client disconnected", "user_id", conn.UserID(), "reason", reason)
}

func (s *Server) reject(ctx context.Context, w http.ResponseWriter, reason string, err *apperrors.Error) {
	s.metrics.RejectedHandshake.WithLabelValues(reason).Inc()
	slog.WarnContext(ctx, "WebSocket handshake rejected", "reason", reason, "error", err)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.HTTPStatus())
	_ = json.NewEncoder(w).Encode(err.ToResponse())
}

func (s *Server) readLoop(ctx context.Context, conn *Conn) string {
	limit := rate.Inf
	burst := 1
	if s.opts.EventRate > 0 {
		limit = rate.Limit(s.opts.EventRate)
		burst = max(1, int(s.opts.EventRate))
	}
	limiter := rate.NewLimiter(limit, burst)
	conn.ws.SetReadLimit(maxMessageSize)

	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			return closeReason(err)
		}
		conn.writer.updateReadDeadline()

		if !limiter.Allow() {
			s.metrics.ClientEvents.WithLabelValues("rate_limited").Inc()
			continue
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil || f.Event == "" {
			s.metrics.ClientEvents.WithLabelValues("malformed").Inc()
			continue
		}

		handlers := conn.handlers(f.Event)
		if len(handlers) == 0 {
			s.metrics.ClientEvents.WithLabelValues("unhandled").Inc()
			continue
		}
		s.metrics.ClientEvents.WithLabelValues("handled").Inc()
		for _, h := range handlers {
			runEventHandler(ctx, conn.ID(), f, h)
		}
	}
}

func closeReason(err error) string {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		switch closeErr.Code {
		case websocket.CloseNormalClosure, websocket.CloseGoingAway:
			return "client disconnect"
		}
	}
	return "transport close"
}

func runConnectionHandler(ctx context.Context, h domain.ConnectionHandler, conn *Conn) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "Connection handler panicked", "panic", r)
		}
	}()
	h(ctx, conn)
}

func runEventHandler(ctx context.Context, connID string, f frame, h domain.EventHandler) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "Client event handler panicked", "conn_id", connID, "event", f.Event, "panic", r)
		}
	}()
	h(ctx, f.Data)
}

// EmitToRoom queues event for every local connection in room.
func (s *Server) EmitToRoom(room, event string, data json.RawMessage) int {
	b, err := encodeFrame(event, data)
	if err != nil {
		slog.Error("Failed to encode room event", "room", room, "event", event, "error", err)
		return 0
	}
	return s.hub.emit(room, b)
}

// ConnectionCount returns the number of connections on this process, or -1
// if the registry did not answer in time.
func (s *Server) ConnectionCount() int {
	return s.hub.count("")
}

// RoomSize returns the number of local connections in room.
func (s *Server) RoomSize(room string) int {
	return s.hub.count(room)
}

// Close disconnects every client and waits for their disconnect handlers to
// finish, or for ctx. The server keeps accepting new clients afterwards.
func (s *Server) Close(ctx context.Context) error {
	conns := s.hub.disconnectAll("server shutting down")
	for _, conn := range conns {
		select {
		case <-conn.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Shutdown stops the registry for good.
func (s *Server) Shutdown() {
	s.hub.stop("server shutting down")
}
