package relay

import (
	"encoding/json"
	"testing"
	"time"
)

func encodeTransition(t Transition) ([]byte, error) {
	return json.Marshal(t)
}

// awaitQueued polls until the session has n queued events or the deadline
// passes, then returns whatever is queued.
func awaitQueued(t *testing.T, s *Session, n int) [][]byte {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(s.out) >= n {
			return drain(s)
		}
		time.Sleep(time.Millisecond)
	}
	got := drain(s)
	t.Fatalf("expected %d queued events, got %d", n, len(got))
	return nil
}

func TestPresence_BroadcastsToAllSessions(t *testing.T) {
	r := NewRegistry(nil)
	p := NewPresence(r, encodeTransition)
	go p.Run()
	defer p.Stop()

	a1 := newTestSession("a1", "alice")
	b1 := newTestSession("b1", "bob")
	r.Register(a1)
	r.Register(b1)

	p.Announce(Transition{UserID: "carol", Online: true})

	for _, s := range []*Session{a1, b1} {
		events := awaitQueued(t, s, 1)
		var got Transition
		if err := json.Unmarshal(events[0], &got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got.UserID != "carol" || !got.Online {
			t.Errorf("session %s: wrong event %+v", s.ID, got)
		}
	}
}

func TestPresence_PerUserCausalOrder(t *testing.T) {
	r := NewRegistry(nil)
	p := NewPresence(r, encodeTransition)

	observer := newTestSession("obs", "observer")
	r.Register(observer)

	// Rapid flapping queued before the broadcaster even starts: order must
	// survive the queue.
	const flaps = 20
	for i := 0; i < flaps; i++ {
		p.Announce(Transition{UserID: "alice", Online: true})
		p.Announce(Transition{UserID: "alice", Online: false})
	}

	go p.Run()
	defer p.Stop()

	events := awaitQueued(t, observer, 2*flaps)
	for i, raw := range events {
		var got Transition
		if err := json.Unmarshal(raw, &got); err != nil {
			t.Fatalf("decode event %d: %v", i, err)
		}
		wantOnline := i%2 == 0
		if got.Online != wantOnline {
			t.Fatalf("event %d: online=%v, want %v (offline observed before online)", i, got.Online, wantOnline)
		}
	}
}

func TestPresence_RegistryTransitionsFeedBroadcaster(t *testing.T) {
	var p *Presence
	r := NewRegistry(func(tr Transition) {
		p.Announce(tr)
	})
	p = NewPresence(r, encodeTransition)
	go p.Run()
	defer p.Stop()

	// The observer is registered through the same hook path; its own
	// online event is broadcast to itself.
	observer := newTestSession("obs", "observer")
	r.Register(observer)

	r.Register(newTestSession("a1", "alice"))
	r.Register(newTestSession("a2", "alice")) // second device: no event
	r.Unregister("a1")                        // still online: no event
	r.Unregister("a2")                        // last device: offline

	events := awaitQueued(t, observer, 3)
	var got []Transition
	for _, raw := range events {
		var tr Transition
		if err := json.Unmarshal(raw, &tr); err != nil {
			t.Fatalf("decode: %v", err)
		}
		got = append(got, tr)
	}

	want := []Transition{
		{UserID: "observer", Online: true},
		{UserID: "alice", Online: true},
		{UserID: "alice", Online: false},
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d events, got %d: %v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event[%d]: got %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestPresence_StopDrainsQueue(t *testing.T) {
	r := NewRegistry(nil)
	p := NewPresence(r, encodeTransition)

	observer := newTestSession("obs", "observer")
	r.Register(observer)

	p.Announce(Transition{UserID: "alice", Online: true})
	p.Stop()

	done := make(chan struct{})
	go func() {
		p.Run()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not exit after Stop")
	}
	if got := len(drain(observer)); got != 1 {
		t.Errorf("pending event should be broadcast before exit, got %d", got)
	}
}
