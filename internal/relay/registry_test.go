package relay

import (
	"fmt"
	"sort"
	"sync"
	"testing"
)

func newTestSession(id, userID string) *Session {
	return NewSession(id, userID, nopTransport{})
}

// nopTransport discards writes; used where the test only cares about
// registry state.
type nopTransport struct{}

func (nopTransport) WriteMessage([]byte) error { return nil }
func (nopTransport) Close() error              { return nil }

func sessionIDs(sessions []*Session) []string {
	ids := make([]string, 0, len(sessions))
	for _, s := range sessions {
		ids = append(ids, s.ID)
	}
	sort.Strings(ids)
	return ids
}

func TestRegistry_RegisterFirstSessionBecomesOnline(t *testing.T) {
	r := NewRegistry(nil)

	if !r.Register(newTestSession("s1", "alice")) {
		t.Error("first session should report became-online")
	}
	if r.Register(newTestSession("s2", "alice")) {
		t.Error("second session should not report became-online")
	}
}

func TestRegistry_UnregisterByIDAlone(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(newTestSession("s1", "alice"))
	r.Register(newTestSession("s2", "alice"))

	s, becameOffline, ok := r.Unregister("s1")
	if !ok {
		t.Fatal("expected s1 to be found")
	}
	if s.UserID != "alice" {
		t.Errorf("expected owner alice, got %q", s.UserID)
	}
	if becameOffline {
		t.Error("alice still has s2 live, should not be offline")
	}

	_, becameOffline, ok = r.Unregister("s2")
	if !ok {
		t.Fatal("expected s2 to be found")
	}
	if !becameOffline {
		t.Error("removing the last session should report became-offline")
	}

	if got := r.LiveSessions("alice"); len(got) != 0 {
		t.Errorf("expected no live sessions, got %v", sessionIDs(got))
	}
}

func TestRegistry_UnregisterUnknownIsNoOp(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(newTestSession("s1", "alice"))

	if _, _, ok := r.Unregister("never-registered"); ok {
		t.Error("unknown session should not be found")
	}

	// Double unregister is equally benign.
	r.Unregister("s1")
	if _, _, ok := r.Unregister("s1"); ok {
		t.Error("already-removed session should not be found")
	}
}

func TestRegistry_DuplicateRegistrationIsIdempotent(t *testing.T) {
	r := NewRegistry(nil)
	s := newTestSession("s1", "alice")

	r.Register(s)
	if r.Register(s) {
		t.Error("re-registering the same session should not report became-online")
	}
	if got := r.LiveSessions("alice"); len(got) != 1 {
		t.Fatalf("expected 1 live session, got %v", sessionIDs(got))
	}
}

func TestRegistry_SessionIDUnderOneUserOnly(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(newTestSession("s1", "alice"))

	// Same session ID arriving under a different user displaces the stale
	// entry instead of leaving the ID live under two users.
	r.Register(newTestSession("s1", "bob"))

	if got := r.LiveSessions("alice"); len(got) != 0 {
		t.Errorf("alice should have no sessions, got %v", sessionIDs(got))
	}
	if got := sessionIDs(r.LiveSessions("bob")); len(got) != 1 || got[0] != "s1" {
		t.Errorf("bob should own s1, got %v", got)
	}
}

func TestRegistry_DisplacedLastSessionGoesOffline(t *testing.T) {
	var events []Transition
	r := NewRegistry(func(tr Transition) {
		events = append(events, tr)
	})

	r.Register(newTestSession("s1", "alice"))
	// s1 was alice's only session, so displacing it must take her offline
	// before bob comes online.
	r.Register(newTestSession("s1", "bob"))

	want := []Transition{
		{UserID: "alice", Online: true},
		{UserID: "alice", Online: false},
		{UserID: "bob", Online: true},
	}
	if len(events) != len(want) {
		t.Fatalf("expected %d transitions, got %d: %v", len(want), len(events), events)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("transition[%d]: got %+v, want %+v", i, events[i], want[i])
		}
	}
}

func TestRegistry_DisplacedNonLastSessionStaysOnline(t *testing.T) {
	var events []Transition
	r := NewRegistry(func(tr Transition) {
		events = append(events, tr)
	})

	r.Register(newTestSession("s1", "alice"))
	r.Register(newTestSession("s2", "alice"))
	r.Register(newTestSession("s1", "bob"))

	want := []Transition{
		{UserID: "alice", Online: true},
		{UserID: "bob", Online: true},
	}
	if len(events) != len(want) {
		t.Fatalf("expected %d transitions, got %d: %v", len(want), len(events), events)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("transition[%d]: got %+v, want %+v", i, events[i], want[i])
		}
	}
}

func TestRegistry_NoCrossUserInterference(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(newTestSession("a1", "alice"))
	r.Register(newTestSession("a2", "alice"))
	r.Register(newTestSession("b1", "bob"))

	r.Unregister("b1")

	got := sessionIDs(r.LiveSessions("alice"))
	want := []string{"a1", "a2"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("alice's sessions disturbed by bob's disconnect: got %v, want %v", got, want)
	}
}

func TestRegistry_OnlineUsersSnapshot(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(newTestSession("a1", "alice"))
	r.Register(newTestSession("b1", "bob"))
	r.Unregister("b1")

	users := r.OnlineUsers()
	if len(users) != 1 || users[0] != "alice" {
		t.Errorf("expected only alice online, got %v", users)
	}
}

func TestRegistry_TransitionHookOrder(t *testing.T) {
	var events []Transition
	r := NewRegistry(func(tr Transition) {
		events = append(events, tr)
	})

	r.Register(newTestSession("s1", "alice"))
	r.Register(newTestSession("s2", "alice")) // no transition
	r.Unregister("s1")                        // no transition
	r.Unregister("s2")

	want := []Transition{
		{UserID: "alice", Online: true},
		{UserID: "alice", Online: false},
	}
	if len(events) != len(want) {
		t.Fatalf("expected %d transitions, got %d: %v", len(want), len(events), events)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("transition[%d]: got %+v, want %+v", i, events[i], want[i])
		}
	}
}

func TestRegistry_ConcurrentChurn(t *testing.T) {
	r := NewRegistry(nil)

	const users = 8
	const sessionsPerUser = 25

	var wg sync.WaitGroup
	for u := 0; u < users; u++ {
		wg.Add(1)
		go func(u int) {
			defer wg.Done()
			userID := fmt.Sprintf("user-%d", u)
			for i := 0; i < sessionsPerUser; i++ {
				id := fmt.Sprintf("%s-s%d", userID, i)
				r.Register(NewSession(id, userID, nopTransport{}))
				if i%2 == 0 {
					r.Unregister(id)
				}
			}
		}(u)
	}
	wg.Wait()

	// Every user keeps exactly the odd-numbered sessions.
	for u := 0; u < users; u++ {
		userID := fmt.Sprintf("user-%d", u)
		if got := len(r.LiveSessions(userID)); got != sessionsPerUser/2 {
			t.Errorf("%s: expected %d live sessions, got %d", userID, sessionsPerUser/2, got)
		}
	}
	want := users * (sessionsPerUser / 2)
	if got := r.Count(); got != want {
		t.Errorf("expected %d total sessions, got %d", want, got)
	}
}
