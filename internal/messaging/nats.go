// Package messaging provides the NATS bridge that mirrors relay activity
// between server instances. It handles connection lifecycle, per-user
// message subscriptions, and the shared presence subject, so a user's
// sessions on different instances all see the same fanout and roster.
package messaging

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/Chandnibai04/chat-application/internal/store"
)

// NATS subject patterns.
const (
	// SubjectDirect carries message events for one user: dm.user.<user_id>.
	// Every instance with that user locally online subscribes.
	SubjectDirect = "dm.user"

	// SubjectPresence carries roster transitions to every instance.
	SubjectPresence = "presence.events"
)

// MessageEvent is the payload published on dm.user.<user_id> for each
// persisted message. Origin identifies the publishing instance so it can
// skip its own events; local fanout already happened there.
type MessageEvent struct {
	Origin  string        `json:"origin"`
	Message store.Message `json:"message"`
}

// PresenceEvent is the payload published on presence.events.
type PresenceEvent struct {
	Origin string `json:"origin"`
	UserID string `json:"user_id"`
	Online bool   `json:"online"`
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name, also the Origin on published events
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "relay",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// Bridge is the relay's view of the local fanout engine: deliver a relayed
// message to a user's local sessions, or replay a peer's presence event.
// Implemented by relay.Hub.
type Bridge interface {
	DeliverRemote(userID string, msg *store.Message)
	BroadcastRemotePresence(userID string, online bool)
}

// NATSClient wraps the NATS connection and implements the relay's
// RemoteBridge contract on top of it.
type NATSClient struct {
	conn   *nats.Conn
	origin string
	hub    Bridge

	mu   sync.Mutex
	subs map[string]*nats.Subscription // user ID -> dm subscription
}

// NewNATSClient connects to NATS with the given config and returns a ready
// client. It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &NATSClient{
		conn:   nc,
		origin: config.Name,
		subs:   make(map[string]*nats.Subscription),
	}, nil
}

// Start binds the client to the local fanout bridge and subscribes to the
// shared presence subject. Must be called before any user comes online.
func (c *NATSClient) Start(hub Bridge) error {
	c.hub = hub

	_, err := c.conn.Subscribe(SubjectPresence, func(msg *nats.Msg) {
		var event PresenceEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			log.Printf("[nats] presence unmarshal: %v", err)
			return
		}
		if event.Origin == c.origin {
			return // our own broadcast
		}
		c.hub.BroadcastRemotePresence(event.UserID, event.Online)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", SubjectPresence, err)
	}
	return nil
}

// UserOnline subscribes to the user's direct-message subject so messages
// sent from peer instances reach this instance's sessions. Idempotent.
func (c *NATSClient) UserOnline(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.subs[userID]; ok {
		return
	}

	subject := SubjectDirect + "." + userID
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		var event MessageEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			log.Printf("[nats] message unmarshal subject=%s: %v", subject, err)
			return
		}
		if event.Origin == c.origin {
			return // local fanout already delivered this
		}
		c.hub.DeliverRemote(userID, &event.Message)
	})
	if err != nil {
		log.Printf("[nats] subscribe %s: %v", subject, err)
		return
	}
	c.subs[userID] = sub
}

// UserOffline drops the user's direct-message subscription once their last
// local session is gone. Unknown users are a no-op.
func (c *NATSClient) UserOffline(userID string) {
	c.mu.Lock()
	sub, ok := c.subs[userID]
	if ok {
		delete(c.subs, userID)
	}
	c.mu.Unlock()

	if !ok {
		return
	}
	if err := sub.Unsubscribe(); err != nil {
		log.Printf("[nats] unsubscribe dm.user.%s: %v", userID, err)
	}
}

// PublishMessage mirrors a locally persisted message to peer instances.
// Both parties' subjects are published so each side's remote sessions get
// their copy (sender echo included).
func (c *NATSClient) PublishMessage(msg *store.Message) {
	data, err := json.Marshal(MessageEvent{Origin: c.origin, Message: *msg})
	if err != nil {
		log.Printf("[nats] marshal message id=%d: %v", msg.ID, err)
		return
	}

	subjects := []string{SubjectDirect + "." + msg.Receiver}
	if msg.Sender != msg.Receiver {
		subjects = append(subjects, SubjectDirect+"."+msg.Sender)
	}
	for _, subject := range subjects {
		if err := c.conn.Publish(subject, data); err != nil {
			log.Printf("[nats] publish %s: %v", subject, err)
		}
	}
}

// PublishPresence mirrors a local roster transition to peer instances.
func (c *NATSClient) PublishPresence(userID string, online bool) {
	data, err := json.Marshal(PresenceEvent{Origin: c.origin, UserID: userID, Online: online})
	if err != nil {
		log.Printf("[nats] marshal presence user=%s: %v", userID, err)
		return
	}
	if err := c.conn.Publish(SubjectPresence, data); err != nil {
		log.Printf("[nats] publish %s: %v", SubjectPresence, err)
	}
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for userID, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain dm.user.%s: %v", userID, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}
