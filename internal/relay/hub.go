package relay

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/Chandnibai04/chat-application/internal/metrics"
	"github.com/Chandnibai04/chat-application/internal/protocol"
	"github.com/Chandnibai04/chat-application/internal/store"
)

// PersistTimeout bounds the durable-commit call on the message store. A
// commit that does not finish inside this window is surfaced to the sender
// as a send failure; fanout is never attempted.
const PersistTimeout = 5 * time.Second

// RemoteBridge mirrors local relay activity to peer server instances and is
// implemented by the NATS client. All methods are best-effort: a peer that
// misses an event self-corrects from the store and registry on its own.
type RemoteBridge interface {
	UserOnline(userID string)
	UserOffline(userID string)
	PublishMessage(msg *store.Message)
	PublishPresence(userID string, online bool)
}

// Hub owns the connection registry, presence broadcaster, and fanout engine
// and exposes the three operations a transport session can perform: attach,
// detach, and send. It is constructed once at process start and shared by
// reference; there is no other mutable relay state.
type Hub struct {
	registry *Registry
	presence *Presence
	fanout   *Fanout
	gateway  store.Gateway
	bridge   RemoteBridge // nil when running single-instance
}

// NewHub wires a hub around the given message store gateway.
func NewHub(gateway store.Gateway) *Hub {
	h := &Hub{gateway: gateway}

	h.presence = NewPresence(nil, encodePresence)
	// The registry announces transitions to the presence queue while still
	// holding its lock, which pins the broadcast order to mutation order.
	h.registry = NewRegistry(func(t Transition) {
		h.presence.Announce(t)
		if t.Online {
			metrics.PresenceEvents.WithLabelValues("online").Inc()
		} else {
			metrics.PresenceEvents.WithLabelValues("offline").Inc()
		}
	})
	h.presence.registry = h.registry
	h.presence.SetOnEvent(func(t Transition) {
		if h.bridge != nil {
			h.bridge.PublishPresence(t.UserID, t.Online)
		}
	})
	h.fanout = NewFanout(h.registry, encodeMessage)
	return h
}

// SetBridge attaches the cross-instance bridge. Must be called before Start.
func (h *Hub) SetBridge(b RemoteBridge) {
	h.bridge = b
}

// Start launches the presence broadcaster goroutine.
func (h *Hub) Start() {
	go h.presence.Run()
}

// Stop closes every live session and drains the presence queue.
func (h *Hub) Stop() {
	for _, s := range h.registry.AllSessions() {
		h.Detach(s.ID)
	}
	h.presence.Stop()
}

// Registry exposes the connection registry for read-only snapshots
// (health endpoints, the remote bridge).
func (h *Hub) Registry() *Registry {
	return h.registry
}

// Attach binds an authenticated transport connection to its user: the
// session is registered, its writer started, and the client receives
// session_created plus the initial roster snapshot. If this is the user's
// first live session, the presence broadcaster announces online and the
// bridge starts mirroring the user's remote events.
func (h *Hub) Attach(sessionID, userID string, transport Transport) *Session {
	s := NewSession(sessionID, userID, transport)
	becameOnline := h.registry.Register(s)

	go s.Run(func(s *Session, err error) {
		// Transport write failed; the session is dying. Unregister it so
		// no further dispatch is attempted.
		h.Detach(s.ID)
	})

	if data, err := protocol.NewServerMessage(protocol.TypeSessionCreated, protocol.SessionCreatedMsg{
		SessionID: sessionID,
		UserID:    userID,
	}); err == nil {
		if err := s.Enqueue(data); err != nil {
			log.Printf("relay: session_created enqueue session=%s: %v", sessionID, err)
		}
	}

	if data, err := protocol.NewServerMessage(protocol.TypeRoster, protocol.RosterMsg{
		Users: h.registry.OnlineUsers(),
	}); err == nil {
		_ = s.Enqueue(data)
	}

	if becameOnline && h.bridge != nil {
		h.bridge.UserOnline(userID)
	}

	metrics.LiveSessions.Set(float64(h.registry.Count()))
	metrics.OnlineUsers.Set(float64(len(h.registry.OnlineUsers())))
	log.Printf("relay: attached session=%s user=%s online=%v", sessionID, userID, becameOnline)
	return s
}

// Detach removes a session by ID alone. Unknown or already-removed session
// IDs are benign no-ops: network-level teardown can race the heartbeat and
// both will call Detach. If this was the user's last session, the presence
// broadcaster announces offline and the bridge stops mirroring the user.
func (h *Hub) Detach(sessionID string) {
	s, becameOffline, ok := h.registry.Unregister(sessionID)
	if !ok {
		log.Printf("relay: detach unknown session=%s (no-op)", sessionID)
		return
	}
	s.Close()

	if becameOffline && h.bridge != nil {
		h.bridge.UserOffline(s.UserID)
	}

	metrics.LiveSessions.Set(float64(h.registry.Count()))
	metrics.OnlineUsers.Set(float64(len(h.registry.OnlineUsers())))
	log.Printf("relay: detached session=%s user=%s offline=%v", sessionID, s.UserID, becameOffline)
}

// Send validates and durably persists a direct message, then fans it out to
// every live session of the sender and receiver. Persistence strictly
// precedes fanout: a store failure aborts the send with no fanout and no
// retry, and is returned for the caller to surface to the submitting
// session. On success the submitting session receives a message_sent ack
// carrying the store-assigned ID.
func (h *Hub) Send(ctx context.Context, from *Session, receiver, content string) (*store.Message, error) {
	if err := ValidateContent(content); err != nil {
		metrics.Messages.WithLabelValues("rejected").Inc()
		return nil, err
	}
	if receiver == "" {
		metrics.Messages.WithLabelValues("rejected").Inc()
		return nil, fmt.Errorf("relay: empty receiver")
	}

	pctx, cancel := context.WithTimeout(ctx, PersistTimeout)
	defer cancel()

	start := time.Now()
	msg, err := h.gateway.Persist(pctx, from.UserID, receiver, content)
	if err != nil {
		metrics.Messages.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("relay: send %s->%s: %w", from.UserID, receiver, err)
	}
	metrics.PersistLatency.Observe(time.Since(start).Seconds())
	metrics.Messages.WithLabelValues("sent").Inc()

	delivered := h.fanout.Deliver(msg)
	metrics.Messages.WithLabelValues("delivered").Add(float64(delivered))

	if data, err := protocol.NewServerMessage(protocol.TypeMessageSent, protocol.MessageSentMsg{
		ID: msg.ID,
	}); err == nil {
		_ = from.Enqueue(data)
	}

	if h.bridge != nil {
		h.bridge.PublishMessage(msg)
	}
	return msg, nil
}

// DeliverRemote hands a message event relayed from a peer instance to the
// local live sessions of one user.
func (h *Hub) DeliverRemote(userID string, msg *store.Message) {
	data, err := encodeMessage(msg)
	if err != nil {
		log.Printf("relay: encode remote message id=%d: %v", msg.ID, err)
		return
	}
	delivered := h.fanout.DeliverTo(userID, data)
	metrics.Messages.WithLabelValues("delivered").Add(float64(delivered))
}

// BroadcastRemotePresence replays a peer instance's presence event to all
// local sessions.
func (h *Hub) BroadcastRemotePresence(userID string, online bool) {
	data, err := encodePresence(Transition{UserID: userID, Online: online})
	if err != nil {
		return
	}
	for _, s := range h.registry.AllSessions() {
		_ = s.Enqueue(data)
	}
}

// encodeMessage builds the wire event fanned out for one persisted message.
func encodeMessage(msg *store.Message) ([]byte, error) {
	return protocol.NewServerMessage(protocol.TypeMessage, protocol.DeliverMsg{
		Message: protocol.WireMessage{
			ID:        msg.ID,
			Sender:    msg.Sender,
			Receiver:  msg.Receiver,
			Content:   msg.Content,
			CreatedAt: msg.CreatedAt,
		},
	})
}

// encodePresence builds the wire event for one roster transition.
func encodePresence(t Transition) ([]byte, error) {
	state := protocol.PresenceOffline
	if t.Online {
		state = protocol.PresenceOnline
	}
	return protocol.NewServerMessage(protocol.TypePresence, protocol.PresenceMsg{
		UserID: t.UserID,
		State:  state,
	})
}
