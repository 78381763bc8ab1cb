package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Chandnibai04/chat-application/internal/protocol"
	"github.com/Chandnibai04/chat-application/internal/store"
)

// recordingTransport collects every frame written to it.
type recordingTransport struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
	// failWrites makes every write error, simulating a dead connection.
	failWrites bool
}

func (rt *recordingTransport) WriteMessage(data []byte) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.failWrites {
		return errors.New("broken pipe")
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	rt.frames = append(rt.frames, cp)
	return nil
}

func (rt *recordingTransport) Close() error {
	rt.mu.Lock()
	rt.closed = true
	rt.mu.Unlock()
	return nil
}

// byType returns the decoded payloads of all received frames with the given
// envelope type, in arrival order.
func (rt *recordingTransport) byType(t *testing.T, msgType string) []map[string]interface{} {
	t.Helper()
	rt.mu.Lock()
	defer rt.mu.Unlock()

	var out []map[string]interface{}
	for _, f := range rt.frames {
		var m map[string]interface{}
		if err := json.Unmarshal(f, &m); err != nil {
			t.Fatalf("decode frame %s: %v", f, err)
		}
		if m["type"] == msgType {
			out = append(out, m)
		}
	}
	return out
}

// await polls until the transport has received n frames of msgType.
func (rt *recordingTransport) await(t *testing.T, msgType string, n int) []map[string]interface{} {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := rt.byType(t, msgType); len(got) >= n {
			return got
		}
		time.Sleep(time.Millisecond)
	}
	got := rt.byType(t, msgType)
	t.Fatalf("expected %d %q frames, got %d", n, msgType, len(got))
	return nil
}

// fakeGateway is an in-memory message store with switchable failure.
type fakeGateway struct {
	mu     sync.Mutex
	nextID int64
	msgs   []store.Message
	fail   bool
}

func (g *fakeGateway) Persist(_ context.Context, sender, receiver, content string) (*store.Message, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.fail {
		return nil, fmt.Errorf("%w: disk on fire", store.ErrPersistFailed)
	}
	g.nextID++
	msg := store.Message{
		ID:        g.nextID,
		Sender:    sender,
		Receiver:  receiver,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	g.msgs = append(g.msgs, msg)
	return &msg, nil
}

func (g *fakeGateway) History(_ context.Context, userA, userB string, beforeID int64, limit int) ([]store.Message, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []store.Message
	for i := len(g.msgs) - 1; i >= 0; i-- {
		m := g.msgs[i]
		if (m.Sender == userA && m.Receiver == userB) || (m.Sender == userB && m.Receiver == userA) {
			if beforeID > 0 && m.ID >= beforeID {
				continue
			}
			out = append(out, m)
		}
	}
	return out, nil
}

func newTestHub(t *testing.T) (*Hub, *fakeGateway) {
	t.Helper()
	gw := &fakeGateway{}
	hub := NewHub(gw)
	hub.Start()
	t.Cleanup(hub.Stop)
	return hub, gw
}

func TestHub_ConnectSendsSessionCreatedAndRoster(t *testing.T) {
	hub, _ := newTestHub(t)

	rt := &recordingTransport{}
	hub.Attach("a1", "alice", rt)

	created := rt.await(t, protocol.TypeSessionCreated, 1)
	if created[0]["session_id"] != "a1" || created[0]["user_id"] != "alice" {
		t.Errorf("bad session_created: %v", created[0])
	}

	roster := rt.await(t, protocol.TypeRoster, 1)
	users, _ := roster[0]["users"].([]interface{})
	if len(users) != 1 || users[0] != "alice" {
		t.Errorf("expected roster [alice], got %v", roster[0]["users"])
	}
}

// TestHub_EndToEndScenario walks the full relay lifecycle: two users
// connect, exchange a message with sender echo, one disconnects, and a
// message to the now-offline user still succeeds with echo only.
func TestHub_EndToEndScenario(t *testing.T) {
	hub, _ := newTestHub(t)

	// A connects; online(A) is broadcast.
	aTransport := &recordingTransport{}
	aSession := hub.Attach("a1", "A", aTransport)
	aTransport.await(t, protocol.TypePresence, 1)

	// B connects; A observes online(B).
	bTransport := &recordingTransport{}
	hub.Attach("b1", "B", bTransport)
	aPresence := aTransport.await(t, protocol.TypePresence, 2)
	if aPresence[1]["user_id"] != "B" || aPresence[1]["state"] != protocol.PresenceOnline {
		t.Errorf("A should observe online(B), got %v", aPresence[1])
	}

	// A sends "hi" to B: persisted as id=1, fanned out to a1 (echo) and b1.
	msg, err := hub.Send(context.Background(), aSession, "B", "hi")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if msg.ID != 1 {
		t.Fatalf("expected store-assigned id 1, got %d", msg.ID)
	}

	for name, rt := range map[string]*recordingTransport{"A": aTransport, "B": bTransport} {
		got := rt.await(t, protocol.TypeMessage, 1)
		payload, _ := got[0]["message"].(map[string]interface{})
		if payload["id"] != float64(1) || payload["sender"] != "A" ||
			payload["receiver"] != "B" || payload["content"] != "hi" {
			t.Errorf("%s received wrong message: %v", name, payload)
		}
	}
	acks := aTransport.await(t, protocol.TypeMessageSent, 1)
	if acks[0]["id"] != float64(1) {
		t.Errorf("ack should carry message id, got %v", acks[0])
	}

	// B disconnects; A observes offline(B).
	hub.Detach("b1")
	aPresence = aTransport.await(t, protocol.TypePresence, 3)
	if aPresence[2]["user_id"] != "B" || aPresence[2]["state"] != protocol.PresenceOffline {
		t.Errorf("A should observe offline(B), got %v", aPresence[2])
	}

	// A sends again: persisted as id=2, echo only, no error.
	msg, err = hub.Send(context.Background(), aSession, "B", "hello")
	if err != nil {
		t.Fatalf("send to offline receiver: %v", err)
	}
	if msg.ID != 2 {
		t.Fatalf("expected id 2, got %d", msg.ID)
	}
	aTransport.await(t, protocol.TypeMessage, 2)
	if got := bTransport.byType(t, protocol.TypeMessage); len(got) != 1 {
		t.Errorf("detached B should not receive new messages, got %d", len(got))
	}
}

func TestHub_PersistFailureAbortsFanout(t *testing.T) {
	hub, gw := newTestHub(t)

	aTransport := &recordingTransport{}
	aSession := hub.Attach("a1", "A", aTransport)
	bTransport := &recordingTransport{}
	hub.Attach("b1", "B", bTransport)

	gw.fail = true
	if _, err := hub.Send(context.Background(), aSession, "B", "hi"); err == nil {
		t.Fatal("expected persistence failure")
	} else if !errors.Is(err, store.ErrPersistFailed) {
		t.Errorf("expected ErrPersistFailed, got %v", err)
	}

	// Give any stray fanout a moment to surface, then verify silence.
	time.Sleep(20 * time.Millisecond)
	if got := bTransport.byType(t, protocol.TypeMessage); len(got) != 0 {
		t.Errorf("no fanout may happen after a failed persist, got %d messages", len(got))
	}
}

func TestHub_SendValidatesContent(t *testing.T) {
	hub, gw := newTestHub(t)
	aSession := hub.Attach("a1", "A", &recordingTransport{})

	if _, err := hub.Send(context.Background(), aSession, "B", ""); err == nil {
		t.Error("empty content should be rejected")
	}
	if _, err := hub.Send(context.Background(), aSession, "", "hi"); err == nil {
		t.Error("empty receiver should be rejected")
	}
	if len(gw.msgs) != 0 {
		t.Errorf("rejected sends must not reach the store, got %d", len(gw.msgs))
	}
}

func TestHub_WriteFailureDetachesOnlyThatSession(t *testing.T) {
	hub, _ := newTestHub(t)

	dead := &recordingTransport{failWrites: true}
	hub.Attach("dead", "B", dead)
	healthy := &recordingTransport{}
	hub.Attach("ok", "B", healthy)

	aSession := hub.Attach("a1", "A", &recordingTransport{})
	if _, err := hub.Send(context.Background(), aSession, "B", "hi"); err != nil {
		t.Fatalf("send: %v", err)
	}

	// The healthy session gets its copy despite the dead peer.
	healthy.await(t, protocol.TypeMessage, 1)

	// The dead session's first failed write triggers its detach.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if hub.Registry().Get("dead") == nil {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Error("session with failing transport was never detached")
}

func TestHub_DetachUnknownSessionIsNoOp(t *testing.T) {
	hub, _ := newTestHub(t)
	hub.Detach("never-attached") // must not panic or emit anything
	hub.Attach("a1", "A", &recordingTransport{})
	hub.Detach("a1")
	hub.Detach("a1") // double detach equally benign
}
