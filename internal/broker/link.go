package broker

import (
	"context"
	"sync"
)

// State is the lifecycle state of a Link.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateReady
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// connectAttempt is shared by every caller waiting on the same connect.
// done is closed exactly once, after err is set.
type connectAttempt struct {
	done chan struct{}
	err  error
}

func completedAttempt(err error) *connectAttempt {
	a := &connectAttempt{done: make(chan struct{}), err: err}
	close(a.done)
	return a
}

// Link is one role's broker connection. The backend is created lazily from
// the factory, so a closed link can be connected again.
type Link struct {
	role    Role
	dial    BackendFactory
	onReady func(Role)
	onError func(Role, error)

	mu      sync.Mutex
	state   State
	backend Backend
	attempt *connectAttempt
	cancel  context.CancelFunc
	lastErr error
}

func newLink(role Role, dial BackendFactory, onReady func(Role), onError func(Role, error)) *Link {
	return &Link{role: role, dial: dial, onReady: onReady, onError: onError}
}

func (l *Link) Role() Role { return l.role }

func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Link) Ready() bool { return l.State() == StateReady }

// LastError returns the error that moved the link into StateError, if any.
func (l *Link) LastError() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastErr
}

// connect starts a connect attempt, or joins the one already in flight.
func (l *Link) connect() *connectAttempt {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state == StateReady {
		return completedAttempt(nil)
	}
	if l.attempt != nil {
		return l.attempt
	}

	if l.backend == nil {
		l.backend = l.dial(l.role)
	}

	ctx, cancel := context.WithCancel(context.Background())
	a := &connectAttempt{done: make(chan struct{})}
	l.attempt = a
	l.cancel = cancel
	l.state = StateConnecting

	go l.run(ctx, l.backend, a)
	return a
}

func (l *Link) run(ctx context.Context, backend Backend, a *connectAttempt) {
	err := backend.Ping(ctx)

	l.mu.Lock()
	if l.attempt != a || l.backend != backend {
		// Closed while connecting; a newer attempt may already own the state.
		a.err = ErrLinkClosed
		close(a.done)
		l.mu.Unlock()
		return
	}
	l.attempt = nil
	l.cancel()
	l.cancel = nil

	switch {
	case err != nil:
		l.state = StateError
		l.lastErr = err
	default:
		l.state = StateReady
		l.lastErr = nil
	}
	a.err = err
	l.mu.Unlock()

	// Waiters are released only after the callbacks have run.
	switch {
	case err == nil:
		if l.onReady != nil {
			l.onReady(l.role)
		}
	default:
		if l.onError != nil {
			l.onError(l.role, err)
		}
	}
	close(a.done)
}

// markError moves a link into StateError after a failed operation. An
// in-flight connect attempt decides the state itself.
func (l *Link) markError(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.attempt != nil || l.backend == nil {
		return
	}
	l.state = StateError
	l.lastErr = err
}

// current returns the live backend, or ErrLinkClosed.
func (l *Link) current() (Backend, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.backend == nil {
		return nil, ErrLinkClosed
	}
	return l.backend, nil
}

// Close releases the backend. Waiters on an in-flight attempt receive
// ErrLinkClosed.
func (l *Link) Close() error {
	l.mu.Lock()
	backend := l.backend
	l.backend = nil
	l.state = StateDisconnected
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
	l.attempt = nil
	l.mu.Unlock()

	if backend == nil {
		return nil
	}
	return backend.Close()
}
