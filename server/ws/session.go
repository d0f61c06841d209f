package ws

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// State is the lifecycle state of a Session.
type State int32

const (
	StateOpen State = iota
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	}
	return "UNKNOWN"
}

// Conn is the transport under a Session. Only the session's writer
// goroutine calls WriteText; Close may be called from anywhere.
type Conn interface {
	// WriteText writes one text frame, failing if it takes longer than timeout.
	WriteText(frame []byte, timeout time.Duration) error
	Close() error
}

// Session is one connected client. Frames queue on a bounded channel and
// a single writer goroutine drains them in order.
type Session struct {
	id   string
	conn Conn
	hub  *Hub

	out   chan []byte
	done  chan struct{}
	state atomic.Int32
	once  sync.Once
}

func newSession(id string, conn Conn, hub *Hub) *Session {
	return &Session{
		id:   id,
		conn: conn,
		hub:  hub,
		out:  make(chan []byte, hub.opts.Buffer),
		done: make(chan struct{}),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Send queues frame for this session only. It reports false when the
// session is closed or its buffer is full; a full buffer also removes the
// session from the hub.
func (s *Session) Send(frame []byte) bool {
	if s.enqueue(frame) {
		return true
	}
	if s.State() == StateOpen {
		s.hub.Unregister(s)
	}
	return false
}

// enqueue never blocks.
func (s *Session) enqueue(frame []byte) bool {
	if s.State() != StateOpen {
		return false
	}
	select {
	case s.out <- frame:
		return true
	default:
		return false
	}
}

func (s *Session) writeLoop() {
	timeout := s.hub.opts.SendTimeout
	for {
		select {
		case frame := <-s.out:
			if err := s.conn.WriteText(frame, timeout); err != nil {
				s.hub.logger.Debug("session write failed",
					slog.String("session_id", s.id),
					slog.Any("err", err),
				)
				s.hub.Unregister(s)
				return
			}
		case <-s.done:
			return
		}
	}
}

// shutdown moves the session to CLOSED and closes the transport once.
func (s *Session) shutdown() {
	s.once.Do(func() {
		s.state.Store(int32(StateClosing))
		close(s.done)
		if err := s.conn.Close(); err != nil {
			s.hub.logger.Debug("session close", slog.String("session_id", s.id), slog.Any("err", err))
		}
		s.state.Store(int32(StateClosed))
	})
}
