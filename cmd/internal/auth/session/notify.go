package session

import (
	"sync"
	"time"
)

// EventKind names why the credential pair changed.
type EventKind string

const (
	// EventLogin is emitted after a successful login or activation.
	EventLogin EventKind = "login"
	// EventRefreshed is emitted after the access token was replaced by a refresh.
	EventRefreshed EventKind = "refreshed"
	// EventLogout is emitted after an explicit logout or account deletion.
	EventLogout EventKind = "logout"
	// EventExpired is emitted after a forced logout.
	EventExpired EventKind = "expired"
	// EventExternal is emitted when another process changed the stored pair.
	EventExternal EventKind = "external"
)

// Event is the session-changed notification.
type Event struct {
	Kind EventKind
	At   time.Time
	// Authenticated reports whether a pair is stored after the change.
	Authenticated bool
}

// Subscription receives session-changed events until Close is called.
type Subscription struct {
	C <-chan Event

	id  uint64
	ch  chan Event
	bus *broadcaster
}

// Close detaches the subscription and closes C (idempotent).
func (s *Subscription) Close() {
	if s == nil || s.bus == nil {
		return
	}
	s.bus.remove(s.id)
}

// broadcaster is an in-memory fanout primitive.
//
// Concurrency guarantees:
// - subscribe/remove are safe under concurrent publish.
// - publish never blocks (drops under backpressure).
// - channels are closed only after removal, under the write lock, so publish never sends on a closed channel.
type broadcaster struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]chan Event
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[uint64]chan Event)}
}

func (b *broadcaster) subscribe(buf int) *Subscription {
	if buf <= 0 {
		buf = 8
	}
	ch := make(chan Event, buf)

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[id] = ch
	b.mu.Unlock()

	return &Subscription{C: ch, id: id, ch: ch, bus: b}
}

func (b *broadcaster) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.subs[id]
	if !ok {
		return
	}
	delete(b.subs, id)
	close(ch)
}

func (b *broadcaster) publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			// Drop rather than block the session manager.
		}
	}
}

func (b *broadcaster) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
