package store

import "sync"

// Table names as seen by change-feed subscribers.
const (
	TableRooms       = "rooms"
	TableRoomUsers   = "room_users"
	TableMessages    = "messages"
	TableUserStatus  = "user_status"
	TableCallSignals = "call_signals"
)

// Change operations.
const (
	OpInsert = "insert"
	OpUpdate = "update"
	OpDelete = "delete"
)

// Change is one committed mutation. Record holds the typed row after the
// mutation (proto.Message, proto.PresenceRecord, proto.CallSignal, ...);
// it is nil for deletes.
type Change struct {
	Table  string
	Op     string
	Record any
}

// Filter decides whether a subscriber receives a change. A nil filter
// receives everything.
type Filter func(Change) bool

type bus struct {
	mu     sync.Mutex
	closed bool
	subs   map[chan Change]Filter
}

func newBus() *bus {
	return &bus{subs: make(map[chan Change]Filter)}
}

// Subscribe returns a channel of matching changes and a cancel function.
// Delivery is non-blocking: a subscriber that falls behind loses changes,
// which upstream tolerates because every consumer also polls.
func (d *DB) Subscribe(f Filter) (<-chan Change, func()) {
	ch := make(chan Change, 64)

	d.bus.mu.Lock()
	if d.bus.closed {
		d.bus.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	d.bus.subs[ch] = f
	d.bus.mu.Unlock()

	cancel := func() {
		d.bus.mu.Lock()
		if _, ok := d.bus.subs[ch]; ok {
			delete(d.bus.subs, ch)
			close(ch)
		}
		d.bus.mu.Unlock()
	}
	return ch, cancel
}

// notify fans a committed change out to matching subscribers.
func (d *DB) notify(c Change) {
	d.bus.mu.Lock()
	defer d.bus.mu.Unlock()
	for ch, f := range d.bus.subs {
		if f != nil && !f(c) {
			continue
		}
		select {
		case ch <- c:
		default:
		}
	}
}

func (b *bus) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}
