package websocket

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
)

const (
	writeDeadline     = 5 * time.Second
	pingInterval      = 30 * time.Second
	pongDeadline      = 60 * time.Second
	messageBufferSize = 32
)

// connWriter is the only goroutine writing to a websocket. Frames queue in
// sendChannel; a full queue means the client is too slow to keep.
type connWriter struct {
	connection  *websocket.Conn
	clock       clockwork.Clock
	sendChannel chan []byte
	doneChannel chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
}

func newConnWriter(connection *websocket.Conn, clock clockwork.Clock) *connWriter {
	w := &connWriter{
		connection:  connection,
		clock:       clock,
		sendChannel: make(chan []byte, messageBufferSize),
		doneChannel: make(chan struct{}),
	}
	w.configurePongHandler()
	w.wg.Add(1)
	go w.run()
	return w
}

func (w *connWriter) run() {
	ticker := w.clock.NewTicker(pingInterval)
	defer ticker.Stop()
	defer w.wg.Done()

	for {
		select {
		case msg := <-w.sendChannel:
			w.updateWriteDeadline()
			if err := w.connection.WriteMessage(websocket.TextMessage, msg); err != nil {
				_ = w.connection.Close()
				return
			}
		case <-ticker.Chan():
			w.updateWriteDeadline()
			if err := w.connection.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = w.connection.Close()
				return
			}
		case <-w.doneChannel:
			return
		}
	}
}

// enqueue queues a frame without blocking. It reports false when the queue
// is full or the writer has stopped.
func (w *connWriter) enqueue(frame []byte) bool {
	select {
	case <-w.doneChannel:
		return false
	default:
	}
	select {
	case w.sendChannel <- frame:
		return true
	default:
		return false
	}
}

// stop closes the connection without a close frame.
func (w *connWriter) stop() {
	w.stopOnce.Do(func() {
		close(w.doneChannel)
		_ = w.connection.Close()
	})
	w.wg.Wait()
}

// stopGraceful flushes queued frames, sends a close frame with reason and
// closes the connection.
func (w *connWriter) stopGraceful(code int, reason string) {
	w.stopOnce.Do(func() {
		close(w.doneChannel)
		// Only this goroutine may write once run has exited.
		w.wg.Wait()

		w.drain()
		w.updateWriteDeadline()
		_ = w.connection.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
		_ = w.connection.Close()
	})
	w.wg.Wait()
}

func (w *connWriter) drain() {
	for {
		select {
		case msg := <-w.sendChannel:
			w.updateWriteDeadline()
			if err := w.connection.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (w *connWriter) configurePongHandler() {
	w.updateReadDeadline()
	w.connection.SetPongHandler(func(string) error {
		w.updateReadDeadline()
		return nil
	})
}

func (w *connWriter) updateWriteDeadline() {
	_ = w.connection.SetWriteDeadline(w.clock.Now().Add(writeDeadline))
}

func (w *connWriter) updateReadDeadline() {
	_ = w.connection.SetReadDeadline(w.clock.Now().Add(pongDeadline))
}
