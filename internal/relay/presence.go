package relay

import (
	"log"
	"sync"
)

// Presence broadcasts online/offline transitions to every live session.
//
// Transitions are appended to an unbounded FIFO by Announce, which the
// registry calls under its lock, and drained by a single goroutine. The
// combination gives the ordering guarantee: two transitions for the same
// user are enqueued in mutation order and broadcast in queue order, so no
// observer ever sees an offline reordered before the online that preceded
// it. Events are transient; nothing is persisted or replayed.
type Presence struct {
	registry *Registry
	encode   func(Transition) ([]byte, error)

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Transition
	closed bool

	// onEvent, when set, observes each transition after local broadcast.
	// The hub uses it to mirror transitions to peer instances over NATS.
	onEvent func(Transition)
}

// NewPresence creates a broadcaster reading its audience from registry and
// encoding events with encode. Call Run on its own goroutine to start
// draining.
func NewPresence(registry *Registry, encode func(Transition) ([]byte, error)) *Presence {
	p := &Presence{
		registry: registry,
		encode:   encode,
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// SetOnEvent registers a post-broadcast observer. Must be called before Run.
func (p *Presence) SetOnEvent(fn func(Transition)) {
	p.onEvent = fn
}

// Announce appends a transition to the broadcast queue. It is O(1), never
// blocks, and is safe to call under the registry lock.
func (p *Presence) Announce(t Transition) {
	p.mu.Lock()
	if !p.closed {
		p.queue = append(p.queue, t)
		p.cond.Signal()
	}
	p.mu.Unlock()
}

// Run drains the queue, broadcasting each transition to all live sessions.
// It returns after Stop once the queue is empty.
func (p *Presence) Run() {
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.closed {
			p.cond.Wait()
		}
		if len(p.queue) == 0 && p.closed {
			p.mu.Unlock()
			return
		}
		t := p.queue[0]
		p.queue = p.queue[1:]
		p.mu.Unlock()

		p.broadcast(t)
	}
}

// Stop signals Run to exit once pending transitions have been broadcast.
func (p *Presence) Stop() {
	p.mu.Lock()
	p.closed = true
	p.cond.Signal()
	p.mu.Unlock()
}

// broadcast encodes one transition and enqueues it to every live session.
// Per-session enqueue failures are isolated; a full queue on one session
// must not delay the rest of the roster.
func (p *Presence) broadcast(t Transition) {
	data, err := p.encode(t)
	if err != nil {
		log.Printf("relay: encode presence user=%s online=%v: %v", t.UserID, t.Online, err)
		return
	}

	for _, s := range p.registry.AllSessions() {
		if err := s.Enqueue(data); err != nil {
			log.Printf("relay: presence enqueue session=%s: %v", s.ID, err)
		}
	}

	if p.onEvent != nil {
		p.onEvent(t)
	}
}
