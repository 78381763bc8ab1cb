package relay

import (
	"log"

	"github.com/Chandnibai04/chat-application/internal/store"
)

// Fanout delivers persisted messages to the live sessions of their sender
// and receiver. It never persists, retries, or blocks on a slow session:
// resolution is a snapshot read against the registry and each dispatch is
// an independent non-blocking enqueue.
type Fanout struct {
	registry *Registry
	encode   func(*store.Message) ([]byte, error)
}

// NewFanout creates a fanout engine resolving sessions from registry and
// encoding wire events with encode.
func NewFanout(registry *Registry, encode func(*store.Message) ([]byte, error)) *Fanout {
	return &Fanout{registry: registry, encode: encode}
}

// Deliver dispatches msg to every live session of both the sender and the
// receiver, exactly once per session. The sender's own other devices get
// the message too (multi-device echo). A receiver with zero live sessions
// is a no-op, not an error: the message is already durably stored and late
// sessions backfill from history. Returns how many sessions accepted the
// event.
//
// Deliver must only be called after the message has been durably committed
// by the store gateway.
func (f *Fanout) Deliver(msg *store.Message) int {
	data, err := f.encode(msg)
	if err != nil {
		log.Printf("relay: encode message id=%d: %v", msg.ID, err)
		return 0
	}

	sessions := f.registry.LiveSessions(msg.Sender)
	if msg.Receiver != msg.Sender {
		sessions = append(sessions, f.registry.LiveSessions(msg.Receiver)...)
	}

	delivered := 0
	seen := make(map[string]struct{}, len(sessions))
	for _, s := range sessions {
		if _, dup := seen[s.ID]; dup {
			continue
		}
		seen[s.ID] = struct{}{}

		if err := s.Enqueue(data); err != nil {
			// Isolated failure: the session is backed up or dying, the
			// rest of the fanout set still gets its copy.
			log.Printf("relay: drop message id=%d session=%s: %v", msg.ID, s.ID, err)
			continue
		}
		delivered++
	}
	return delivered
}

// DeliverTo enqueues an already-encoded event to every live session of one
// user. Used for events relayed from peer instances, where sender echo has
// already been handled at the origin. Returns the number of sessions that
// accepted the event.
func (f *Fanout) DeliverTo(userID string, data []byte) int {
	delivered := 0
	for _, s := range f.registry.LiveSessions(userID) {
		if err := s.Enqueue(data); err != nil {
			log.Printf("relay: drop relayed event session=%s: %v", s.ID, err)
			continue
		}
		delivered++
	}
	return delivered
}
