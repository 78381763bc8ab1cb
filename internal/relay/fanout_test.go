package relay

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/Chandnibai04/chat-application/internal/store"
)

func testMessage(id int64, sender, receiver, content string) *store.Message {
	return &store.Message{
		ID:        id,
		Sender:    sender,
		Receiver:  receiver,
		Content:   content,
		CreatedAt: time.Unix(1700000000, 0).UTC(),
	}
}

// drain empties a session's outbound queue without running its writer.
func drain(s *Session) [][]byte {
	var out [][]byte
	for {
		select {
		case data := <-s.out:
			out = append(out, data)
		default:
			return out
		}
	}
}

func jsonEncode(msg *store.Message) ([]byte, error) {
	return json.Marshal(msg)
}

func TestFanout_SenderEchoAndReceiver(t *testing.T) {
	r := NewRegistry(nil)
	s1 := newTestSession("s1", "alice")
	s2 := newTestSession("s2", "alice")
	r1 := newTestSession("r1", "bob")
	r.Register(s1)
	r.Register(s2)
	r.Register(r1)

	f := NewFanout(r, jsonEncode)
	delivered := f.Deliver(testMessage(1, "alice", "bob", "hi"))

	if delivered != 3 {
		t.Errorf("expected 3 deliveries, got %d", delivered)
	}
	for _, s := range []*Session{s1, s2, r1} {
		msgs := drain(s)
		if len(msgs) != 1 {
			t.Errorf("session %s: expected exactly 1 copy, got %d", s.ID, len(msgs))
			continue
		}
		var got store.Message
		if err := json.Unmarshal(msgs[0], &got); err != nil {
			t.Fatalf("session %s: decode: %v", s.ID, err)
		}
		if got.ID != 1 || got.Sender != "alice" || got.Receiver != "bob" || got.Content != "hi" {
			t.Errorf("session %s: wrong message: %+v", s.ID, got)
		}
	}
}

func TestFanout_OfflineReceiverIsNoOp(t *testing.T) {
	r := NewRegistry(nil)
	s1 := newTestSession("s1", "alice")
	r.Register(s1)

	f := NewFanout(r, jsonEncode)
	delivered := f.Deliver(testMessage(2, "alice", "bob", "hello"))

	// Only the sender's echo; no error, no dispatch for bob.
	if delivered != 1 {
		t.Errorf("expected 1 delivery (sender echo), got %d", delivered)
	}
	if msgs := drain(s1); len(msgs) != 1 {
		t.Errorf("sender should still receive the echo, got %d copies", len(msgs))
	}
}

func TestFanout_SelfMessageDeliversOncePerSession(t *testing.T) {
	r := NewRegistry(nil)
	s1 := newTestSession("s1", "alice")
	s2 := newTestSession("s2", "alice")
	r.Register(s1)
	r.Register(s2)

	f := NewFanout(r, jsonEncode)
	delivered := f.Deliver(testMessage(3, "alice", "alice", "note to self"))

	if delivered != 2 {
		t.Errorf("expected 2 deliveries, got %d", delivered)
	}
	for _, s := range []*Session{s1, s2} {
		if msgs := drain(s); len(msgs) != 1 {
			t.Errorf("session %s: expected exactly 1 copy, got %d", s.ID, len(msgs))
		}
	}
}

func TestFanout_FullQueueIsolatedFromOtherSessions(t *testing.T) {
	r := NewRegistry(nil)
	stuck := newTestSession("stuck", "bob")
	healthy := newTestSession("ok", "bob")
	r.Register(stuck)
	r.Register(healthy)

	// Fill the stuck session's queue; its writer is not running.
	for i := 0; i < OutboundQueueSize; i++ {
		if err := stuck.Enqueue([]byte("x")); err != nil {
			t.Fatalf("priming enqueue %d: %v", i, err)
		}
	}

	f := NewFanout(r, jsonEncode)
	delivered := f.Deliver(testMessage(4, "alice", "bob", "hi"))

	if delivered != 1 {
		t.Errorf("expected 1 delivery to the healthy session, got %d", delivered)
	}
	if msgs := drain(healthy); len(msgs) != 1 {
		t.Errorf("healthy session starved by stuck peer: got %d copies", len(msgs))
	}
}

func TestFanout_DeliverToTargetsOneUser(t *testing.T) {
	r := NewRegistry(nil)
	b1 := newTestSession("b1", "bob")
	a1 := newTestSession("a1", "alice")
	r.Register(b1)
	r.Register(a1)

	f := NewFanout(r, jsonEncode)
	if got := f.DeliverTo("bob", []byte(`{"relayed":true}`)); got != 1 {
		t.Errorf("expected 1 delivery, got %d", got)
	}
	if msgs := drain(a1); len(msgs) != 0 {
		t.Errorf("alice should not receive bob's relayed event, got %d", len(msgs))
	}
}
