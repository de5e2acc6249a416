package notify

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/taxi-dispatch/internal/observability"
)

const (
	// sendQueueSize bounds the per-connection outbound queue. A recipient
	// that falls this far behind starts losing events rather than stalling
	// the senders.
	sendQueueSize = 32

	writeTimeout = 5 * time.Second
)

var (
	ErrHandleClosed  = errors.New("notify: handle closed")
	ErrSendQueueFull = errors.New("notify: send queue full")
)

// WSHandle is a Handle backed by a single websocket connection. Writes go
// through a buffered queue drained by one writer goroutine, so Send never
// blocks and the connection sees at most one concurrent writer.
type WSHandle struct {
	id   string
	conn *websocket.Conn

	out    chan envelope
	closed chan struct{}
	once   sync.Once

	hub *Broadcaster
}

func (h *WSHandle) ID() string { return h.id }

func (h *WSHandle) Send(ev Event) error {
	env := envelope{Event: ev.EventName(), Data: ev}
	select {
	case <-h.closed:
		return ErrHandleClosed
	case h.out <- env:
		return nil
	default:
		observability.NotificationsDropped.Inc()
		return ErrSendQueueFull
	}
}

// Close invalidates the handle: pending sends fail, the writer goroutine
// exits and the underlying connection is torn down. Safe to call twice.
func (h *WSHandle) Close() error {
	h.once.Do(func() {
		close(h.closed)
		_ = h.conn.Close()
		if h.hub != nil {
			h.hub.detach(h)
		}
	})
	return nil
}

func (h *WSHandle) writeLoop(logger *slog.Logger) {
	for {
		select {
		case <-h.closed:
			return
		case env := <-h.out:
			_ = h.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := h.conn.WriteJSON(env); err != nil {
				logger.Warn("ws write failed", "handle", h.id, "event", env.Event, "error", err)
				observability.NotificationsDropped.Inc()
				_ = h.Close()
				return
			}
		}
	}
}

// Broadcaster tracks every live handle and implements Channel over them.
type Broadcaster struct {
	logger *slog.Logger

	mu      sync.RWMutex
	handles map[string]Handle
}

func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	return &Broadcaster{logger: logger, handles: make(map[string]Handle)}
}

// Attach wraps a freshly upgraded connection in a handle, starts its writer
// and adds it to the broadcast audience.
func (b *Broadcaster) Attach(conn *websocket.Conn) *WSHandle {
	h := &WSHandle{
		id:     newHandleID(),
		conn:   conn,
		out:    make(chan envelope, sendQueueSize),
		closed: make(chan struct{}),
		hub:    b,
	}
	b.mu.Lock()
	b.handles[h.id] = h
	b.mu.Unlock()
	go h.writeLoop(b.logger)
	return h
}

func (b *Broadcaster) detach(h Handle) {
	b.mu.Lock()
	delete(b.handles, h.ID())
	b.mu.Unlock()
}

func (b *Broadcaster) SendTo(h Handle, ev Event) {
	if h == nil {
		return
	}
	if err := h.Send(ev); err != nil {
		b.logger.Warn("notification dropped", "handle", h.ID(), "event", ev.EventName(), "error", err)
	}
}

func (b *Broadcaster) SendToAll(ev Event) {
	b.mu.RLock()
	targets := make([]Handle, 0, len(b.handles))
	for _, h := range b.handles {
		targets = append(targets, h)
	}
	b.mu.RUnlock()
	for _, h := range targets {
		b.SendTo(h, ev)
	}
}

func newHandleID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
