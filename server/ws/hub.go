// Package ws implements the WebSocket session hub that fans task updates out
// to connected clients.
package ws

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrHubClosed is returned by Register after Close.
var ErrHubClosed = errors.New("session hub closed")

// Default session settings.
const (
	DefaultSendTimeout = 5 * time.Second
	DefaultBuffer      = 64
)

// Options configures a Hub.
type Options struct {
	// SendTimeout bounds a single frame write to one client.
	SendTimeout time.Duration
	// Buffer is the per-session outbound frame capacity. A session whose
	// buffer is full when a frame arrives is removed.
	Buffer int
	Logger *slog.Logger
}

// Hub tracks live sessions and broadcasts frames to them. It never returns
// delivery errors to its callers; a failing session is removed.
type Hub struct {
	opts   Options
	logger *slog.Logger
	nextID atomic.Uint64

	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool
}

// NewHub creates a Hub ready to accept sessions.
func NewHub(opts Options) *Hub {
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = DefaultSendTimeout
	}
	if opts.Buffer <= 0 {
		opts.Buffer = DefaultBuffer
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Hub{
		opts:     opts,
		logger:   opts.Logger,
		sessions: make(map[string]*Session),
	}
}

// Register adds a session writing to conn. The session receives a welcome
// frame first, then every session (including the new one) receives the
// updated connection count.
func (h *Hub) Register(conn Conn) (*Session, error) {
	s := newSession(fmt.Sprintf("session-%d", h.nextID.Add(1)), conn, h)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		s.shutdown()
		return nil, ErrHubClosed
	}
	h.sessions[s.id] = s
	count := len(h.sessions)
	s.enqueue(welcomeFrame(s.id, count))
	failed := h.fanoutLocked(connectionCountFrame(count))
	h.mu.Unlock()

	go s.writeLoop()
	h.logger.Info("session connected", slog.String("session_id", s.id), slog.Int("sessions", count))
	h.drop(failed)
	return s, nil
}

// Unregister removes s and announces the new count. It is idempotent.
func (h *Hub) Unregister(s *Session) {
	h.mu.Lock()
	cur, ok := h.sessions[s.id]
	if !ok || cur != s {
		h.mu.Unlock()
		s.shutdown()
		return
	}
	delete(h.sessions, s.id)
	count := len(h.sessions)
	var failed []*Session
	if !h.closed {
		failed = h.fanoutLocked(connectionCountFrame(count))
	}
	h.mu.Unlock()

	s.shutdown()
	h.logger.Info("session disconnected", slog.String("session_id", s.id), slog.Int("sessions", count))
	h.drop(failed)
}

// Broadcast queues frame on every open session. Sessions that cannot take
// the frame are removed after the fan-out.
func (h *Hub) Broadcast(frame []byte) {
	h.mu.RLock()
	failed := h.fanoutLocked(frame)
	h.mu.RUnlock()
	h.drop(failed)
}

// fanoutLocked enqueues frame on every session and returns the ones that
// refused it. Callers hold mu.
func (h *Hub) fanoutLocked(frame []byte) []*Session {
	var failed []*Session
	for _, s := range h.sessions {
		if !s.enqueue(frame) {
			failed = append(failed, s)
		}
	}
	return failed
}

func (h *Hub) drop(failed []*Session) {
	for _, s := range failed {
		h.logger.Debug("dropping slow session", slog.String("session_id", s.id))
		h.Unregister(s)
	}
}

// Count returns the number of open sessions.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Close removes every session and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	for _, s := range sessions {
		h.Unregister(s)
	}
}
