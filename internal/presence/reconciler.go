package presence

import (
	"sync"
	"time"

	"github.com/duoroom/duoroom/internal/metrics"
	"github.com/duoroom/duoroom/internal/proto"
	"github.com/duoroom/duoroom/internal/store"
)

// DefaultPollInterval is the fallback cadence of the full-record poll, the
// catch-all source that repairs whatever the feed and broadcast missed.
const DefaultPollInterval = 5 * time.Second

// Reconciler maintains the local view of the partner's presence by merging
// three sources: the store change feed, broadcast events and a periodic
// poll. Each field carries its own accepted timestamp; an update lands only
// when strictly newer than what that field already holds, so duplicates and
// reordered deliveries are no-ops regardless of which source they arrive by.
type Reconciler struct {
	db       *store.DB
	roomBase string
	partner  string

	mu       sync.Mutex
	view     proto.PresenceRecord
	statusTS int64 // isOnline + lastSeen
	typingTS int64
	readTS   int64

	listeners  map[int]func(proto.PresenceRecord)
	nextID     int
	cancelFeed func()
	cancelWire func()
	stop       chan struct{}
	done       sync.WaitGroup
	closed     bool
}

// NewReconciler starts merging the partner's presence. pollInterval <= 0
// takes the default. wire may be nil, in which case only the durable sources
// feed the view.
func NewReconciler(db *store.DB, wire Wire, roomBase, partnerID string, pollInterval time.Duration) *Reconciler {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	r := &Reconciler{
		db:        db,
		roomBase:  roomBase,
		partner:   partnerID,
		view:      proto.PresenceRecord{RoomBase: roomBase, Identity: partnerID},
		listeners: make(map[int]func(proto.PresenceRecord)),
		stop:      make(chan struct{}),
	}

	feed, cancelFeed := db.Subscribe(func(c store.Change) bool {
		if c.Table != store.TableUserStatus {
			return false
		}
		rec, ok := c.Record.(proto.PresenceRecord)
		return ok && rec.RoomBase == roomBase && rec.Identity == partnerID
	})
	r.cancelFeed = cancelFeed

	if wire != nil {
		r.cancelWire = wire.Subscribe(r.handleEvent)
	}

	r.done.Add(1)
	go r.run(feed, pollInterval)

	r.poll() // seed the view before the first tick
	return r
}

func (r *Reconciler) run(feed <-chan store.Change, pollInterval time.Duration) {
	defer r.done.Done()
	tick := time.NewTicker(pollInterval)
	defer tick.Stop()

	for {
		select {
		case <-r.stop:
			return
		case c, ok := <-feed:
			if !ok {
				return
			}
			if rec, ok := c.Record.(proto.PresenceRecord); ok {
				r.MergeRecord(rec)
			}
		case <-tick.C:
			r.poll()
		}
	}
}

func (r *Reconciler) poll() {
	rec, err := r.db.GetStatus(r.roomBase, r.partner)
	if err != nil {
		// unknown partner or transient read failure; the next tick retries
		return
	}
	r.MergeRecord(rec)
}

func (r *Reconciler) handleEvent(env proto.Envelope, body proto.Event) {
	switch ev := body.(type) {
	case *proto.StatusEvent:
		if ev.Identity == r.partner {
			r.MergeStatus(ev.IsOnline, ev.Timestamp)
		}
	case *proto.TypingEvent:
		if ev.Identity == r.partner {
			r.MergeTyping(ev.IsTyping, ev.Timestamp)
		}
	case *proto.ReadEvent:
		if ev.Identity == r.partner {
			r.MergeRead(ev.MessageID, ev.Timestamp)
		}
	}
}

// MergeRecord folds a full presence record in. The record timestamp gates
// every field independently, so a full record that predates a broadcast
// typing assertion updates the other fields without clearing the newer
// typing state.
func (r *Reconciler) MergeRecord(rec proto.PresenceRecord) {
	ts := rec.UpdatedAt
	r.mu.Lock()
	changed := false
	if ts > r.statusTS {
		r.view.IsOnline = rec.IsOnline
		r.statusTS = ts
		changed = true
	}
	if ts > r.typingTS {
		r.view.IsTyping = rec.IsTyping
		r.typingTS = ts
		changed = true
	}
	if ts > r.readTS && rec.LastReadID != "" {
		r.view.LastReadID = rec.LastReadID
		r.readTS = ts
		changed = true
	}
	if rec.LastSeen > r.view.LastSeen {
		r.view.LastSeen = rec.LastSeen
		changed = true
	}
	r.finishMerge(changed)
}

// MergeStatus folds an online/offline flip in.
func (r *Reconciler) MergeStatus(online bool, ts int64) {
	r.mu.Lock()
	changed := false
	if ts > r.statusTS {
		r.view.IsOnline = online
		r.statusTS = ts
		changed = true
	}
	if online && ts > r.view.LastSeen {
		r.view.LastSeen = ts
		changed = true
	}
	r.finishMerge(changed)
}

// MergeTyping folds a typing assertion in.
func (r *Reconciler) MergeTyping(typing bool, ts int64) {
	r.mu.Lock()
	changed := false
	if ts > r.typingTS {
		r.view.IsTyping = typing
		r.typingTS = ts
		changed = true
	}
	r.finishMerge(changed)
}

// MergeRead folds a read-receipt advance in.
func (r *Reconciler) MergeRead(messageID string, ts int64) {
	r.mu.Lock()
	changed := false
	if ts > r.readTS && messageID != "" {
		r.view.LastReadID = messageID
		r.readTS = ts
		changed = true
	}
	r.finishMerge(changed)
}

// finishMerge is called with r.mu held; it releases the lock, records the
// outcome and notifies listeners on change.
func (r *Reconciler) finishMerge(changed bool) {
	var snapshot proto.PresenceRecord
	var ls []func(proto.PresenceRecord)
	if changed {
		snapshot = r.view
		ls = make([]func(proto.PresenceRecord), 0, len(r.listeners))
		for _, f := range r.listeners {
			ls = append(ls, f)
		}
	}
	r.mu.Unlock()

	if changed {
		metrics.PresenceMerges.WithLabelValues("applied").Inc()
		for _, f := range ls {
			f(snapshot)
		}
	} else {
		metrics.PresenceMerges.WithLabelValues("stale").Inc()
	}
}

// Snapshot returns the current partner view.
func (r *Reconciler) Snapshot() proto.PresenceRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.view
}

// Subscribe registers a listener for every applied merge. The listener runs
// on the merging goroutine with a value copy of the view.
func (r *Reconciler) Subscribe(f func(proto.PresenceRecord)) (cancel func()) {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.listeners[id] = f
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.listeners, id)
		r.mu.Unlock()
	}
}

// Seen reports whether the partner has seen a message the local party sent:
// either their read receipt points at it, or their last-seen moment is after
// the message was created.
func (r *Reconciler) Seen(msg proto.Message) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return msg.CreatedAt < r.view.LastSeen || (r.view.LastReadID != "" && r.view.LastReadID == msg.ID)
}

// Close stops all three sources. Safe to call more than once.
func (r *Reconciler) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	if r.cancelWire != nil {
		r.cancelWire()
	}
	r.cancelFeed()
	close(r.stop)
	r.done.Wait()
}
