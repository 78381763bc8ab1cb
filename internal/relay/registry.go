// Package relay implements the presence and fanout engine: it binds durable
// user identities to their live transport sessions, delivers persisted
// messages to every live session of sender and receiver, and broadcasts
// online/offline roster transitions.
package relay

import "sync"

// Transition describes a user crossing the empty/non-empty session-set
// boundary. It is the only trigger for presence events, so a user with two
// devices does not spam online/offline on every individual connect.
type Transition struct {
	UserID string
	Online bool
}

// Registry maps user IDs to their live sessions. It maintains a forward map
// (user -> sessions) and a reverse index (session ID -> session) so that a
// disconnect, which only knows its session ID, resolves its owner in O(1)
// instead of scanning every user. Both maps are mutated under one mutex as a
// single atomic unit.
type Registry struct {
	mu        sync.RWMutex
	byUser    map[string]map[string]*Session // user ID -> session ID -> session
	bySession map[string]*Session            // session ID -> session

	// onTransition, when set, is invoked synchronously under the registry
	// lock for every empty<->non-empty transition. Implementations must be
	// O(1) and must not call back into the registry. Running under the lock
	// is what guarantees presence events are observed in mutation order.
	onTransition func(Transition)
}

// NewRegistry creates an empty registry. onTransition may be nil.
func NewRegistry(onTransition func(Transition)) *Registry {
	return &Registry{
		byUser:       make(map[string]map[string]*Session),
		bySession:    make(map[string]*Session),
		onTransition: onTransition,
	}
}

// Register adds a session to its user's live set and returns true if the
// user had no live sessions before this call (became online).
//
// Registering a session ID that is already present is a transport-layer
// anomaly; it is treated as an idempotent set insertion and never corrupts
// state. If the same ID arrives under a different user, the stale entry is
// displaced first so a session ID is never live under two users at once.
func (r *Registry) Register(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.bySession[s.ID]; ok {
		if prev.UserID == s.UserID {
			return false // duplicate registration, no-op
		}
		// Displacing the previous owner's last session takes that user
		// offline just like an explicit Unregister would.
		if r.removeLocked(prev) && r.onTransition != nil {
			r.onTransition(Transition{UserID: prev.UserID, Online: false})
		}
	}

	set, ok := r.byUser[s.UserID]
	if !ok {
		set = make(map[string]*Session)
		r.byUser[s.UserID] = set
	}
	becameOnline := len(set) == 0
	set[s.ID] = s
	r.bySession[s.ID] = s

	if becameOnline && r.onTransition != nil {
		r.onTransition(Transition{UserID: s.UserID, Online: true})
	}
	return becameOnline
}

// Unregister removes a session by ID alone, without being told its owner,
// and returns the removed session (which carries the owning user ID) plus
// whether the user's session set became empty (went offline). A session ID
// that was never registered, or was already removed, is a benign no-op and
// returns ok=false.
func (r *Registry) Unregister(sessionID string) (s *Session, becameOffline bool, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok = r.bySession[sessionID]
	if !ok {
		return nil, false, false
	}
	becameOffline = r.removeLocked(s)

	if becameOffline && r.onTransition != nil {
		r.onTransition(Transition{UserID: s.UserID, Online: false})
	}
	return s, becameOffline, true
}

// removeLocked deletes s from both maps and reports whether its user's set
// became empty. Callers must hold r.mu.
func (r *Registry) removeLocked(s *Session) bool {
	delete(r.bySession, s.ID)
	set := r.byUser[s.UserID]
	delete(set, s.ID)
	if len(set) == 0 {
		// Absent key and empty set are equivalent; drop the key.
		delete(r.byUser, s.UserID)
		return true
	}
	return false
}

// Get returns the live session with the given ID, or nil if not registered.
func (r *Registry) Get(sessionID string) *Session {
	r.mu.RLock()
	s := r.bySession[sessionID]
	r.mu.RUnlock()
	return s
}

// LiveSessions returns a snapshot of the user's live sessions. The slice is
// safe to iterate without holding any lock; an unknown or offline user
// yields an empty slice.
func (r *Registry) LiveSessions(userID string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.byUser[userID]
	out := make([]*Session, 0, len(set))
	for _, s := range set {
		out = append(out, s)
	}
	return out
}

// OnlineUsers returns a snapshot of all user IDs with at least one live
// session.
func (r *Registry) OnlineUsers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.byUser))
	for uid := range r.byUser {
		out = append(out, uid)
	}
	return out
}

// AllSessions returns a snapshot of every live session across all users.
// Used by the presence broadcaster to address the full roster audience.
func (r *Registry) AllSessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Session, 0, len(r.bySession))
	for _, s := range r.bySession {
		out = append(out, s)
	}
	return out
}

// Count returns the total number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	n := len(r.bySession)
	r.mu.RUnlock()
	return n
}
