package relay

import (
	"errors"
	"log"
	"sync"
)

// Transport is the capability set the relay needs from a live connection:
// write a frame, close it. The concrete transport (framing, handshake,
// keep-alive) lives in the ws package and is out of scope here.
type Transport interface {
	WriteMessage(data []byte) error
	Close() error
}

// OutboundQueueSize is the per-session buffer between the fanout path and
// the transport writer. A session that falls this far behind starts
// dropping events rather than stalling senders.
const OutboundQueueSize = 64

// ErrSessionClosed is returned by Enqueue after the session's writer has
// stopped.
var ErrSessionClosed = errors.New("relay: session closed")

// ErrQueueFull is returned by Enqueue when the outbound buffer is full.
var ErrQueueFull = errors.New("relay: outbound queue full")

// Session is one live transport connection bound to a user. Outbound events
// go through a bounded queue drained by a dedicated writer goroutine, so a
// slow or stalled transport never blocks the registry or other sessions'
// dispatch.
type Session struct {
	ID     string
	UserID string

	transport Transport
	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// NewSession wraps a transport connection for the given user. The caller
// must invoke Run (usually via the hub) to start the writer.
func NewSession(id, userID string, transport Transport) *Session {
	return &Session{
		ID:        id,
		UserID:    userID,
		transport: transport,
		out:       make(chan []byte, OutboundQueueSize),
		done:      make(chan struct{}),
	}
}

// Enqueue hands an encoded event to the session's writer without blocking.
// Events offered to a closed session or a full queue are dropped; delivery
// is best-effort within the live-session lifetime only.
func (s *Session) Enqueue(data []byte) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}

	select {
	case s.out <- data:
		return nil
	case <-s.done:
		return ErrSessionClosed
	default:
		return ErrQueueFull
	}
}

// Run drains the outbound queue to the transport until the session is
// closed or a write fails. A write failure means the connection is dying;
// queued events are dropped and onError is invoked once so the owner can
// trigger the disconnect path. Run blocks and is meant to be called on its
// own goroutine.
func (s *Session) Run(onError func(*Session, error)) {
	for {
		select {
		case <-s.done:
			return
		case data := <-s.out:
			if err := s.transport.WriteMessage(data); err != nil {
				log.Printf("relay: write failed session=%s user=%s: %v", s.ID, s.UserID, err)
				s.Close()
				if onError != nil {
					onError(s, err)
				}
				return
			}
		}
	}
}

// Close stops the writer and closes the underlying transport. Safe to call
// multiple times and from any goroutine; in-flight enqueues fail silently.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.transport.Close()
	})
}
