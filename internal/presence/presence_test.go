package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/duoroom/duoroom/internal/proto"
	"github.com/duoroom/duoroom/internal/store"
)

const testRoom = "abcd1234wxyz"

// fakeWire records publishes and lets tests inject partner events.
type fakeWire struct {
	mu       sync.Mutex
	sent     []proto.Event
	handlers []func(proto.Envelope, proto.Event)
}

func (w *fakeWire) Publish(_ context.Context, from string, body proto.Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sent = append(w.sent, body)
	return nil
}

func (w *fakeWire) Subscribe(h func(proto.Envelope, proto.Event)) func() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers = append(w.handlers, h)
	return func() {}
}

func (w *fakeWire) inject(from string, body proto.Event) {
	w.mu.Lock()
	hs := append([]func(proto.Envelope, proto.Event){}, w.handlers...)
	w.mu.Unlock()
	for _, h := range hs {
		h(proto.Envelope{From: from}, body)
	}
}

func (w *fakeWire) published() []proto.Event {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]proto.Event{}, w.sent...)
}

func openTestDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestChannelDualPathOnline(t *testing.T) {
	db := openTestDB(t)
	wire := &fakeWire{}

	ch := NewChannel(db, wire, testRoom, "alice", Options{})
	defer ch.Close()

	rec, err := db.GetStatus(testRoom, "alice")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if !rec.IsOnline {
		t.Fatal("store record not online after channel start")
	}

	var sawOnline bool
	for _, ev := range wire.published() {
		if st, ok := ev.(*proto.StatusEvent); ok && st.IsOnline && st.Identity == "alice" {
			sawOnline = true
		}
	}
	if !sawOnline {
		t.Fatal("no online status event on the broadcast path")
	}
}

func TestTypingDebounce(t *testing.T) {
	db := openTestDB(t)
	wire := &fakeWire{}

	ch := NewChannel(db, wire, testRoom, "alice", Options{TypingDebounce: 50 * time.Millisecond})
	defer ch.Close()

	ch.TypingPulse()
	time.Sleep(20 * time.Millisecond)
	ch.TypingPulse() // re-arms, must not publish a second start

	rec, err := db.GetStatus(testRoom, "alice")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if !rec.IsTyping {
		t.Fatal("not typing after pulse")
	}

	time.Sleep(120 * time.Millisecond)
	rec, err = db.GetStatus(testRoom, "alice")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if rec.IsTyping {
		t.Fatal("still typing after debounce expiry")
	}

	var starts, stops int
	for _, ev := range wire.published() {
		if ty, ok := ev.(*proto.TypingEvent); ok {
			if ty.IsTyping {
				starts++
			} else {
				stops++
			}
		}
	}
	if starts != 1 || stops != 1 {
		t.Fatalf("typing events: %d starts, %d stops; want 1 and 1", starts, stops)
	}
}

func TestReadReceiptReassertedEveryTick(t *testing.T) {
	db := openTestDB(t)
	wire := &fakeWire{}

	ch := NewChannel(db, wire, testRoom, "alice", Options{
		ReadInterval:  20 * time.Millisecond,
		LatestMessage: func() (string, bool) { return "m1", true },
	})
	defer ch.Close()

	// The id never changes, but the receipt must keep going out: a single
	// dropped publish would otherwise leave the partner stale forever.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		var reads int
		for _, ev := range wire.published() {
			if rd, ok := ev.(*proto.ReadEvent); ok && rd.MessageID == "m1" {
				reads++
			}
		}
		if reads >= 3 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("read receipt for an unchanged id was not re-published")
}

func TestChannelCloseGoesOffline(t *testing.T) {
	db := openTestDB(t)
	ch := NewChannel(db, nil, testRoom, "alice", Options{})

	ch.Close()
	ch.Close() // idempotent

	rec, err := db.GetStatus(testRoom, "alice")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if rec.IsOnline {
		t.Fatal("still online after close")
	}
}

func TestStaleRecordKeepsNewerTyping(t *testing.T) {
	db := openTestDB(t)
	r := NewReconciler(db, nil, testRoom, "bob", time.Hour)
	defer r.Close()

	r.MergeTyping(true, 2000)
	// Full record written before the typing assertion: its other fields
	// apply, the typing field must not be cleared.
	r.MergeRecord(proto.PresenceRecord{
		RoomBase: testRoom, Identity: "bob",
		IsOnline: true, IsTyping: false,
		LastSeen: 1500, UpdatedAt: 1500,
	})

	v := r.Snapshot()
	if !v.IsTyping {
		t.Fatal("stale full record cleared a newer typing assertion")
	}
	if !v.IsOnline || v.LastSeen != 1500 {
		t.Fatalf("other fields not applied: %+v", v)
	}

	// A genuinely newer record does clear typing.
	r.MergeRecord(proto.PresenceRecord{
		RoomBase: testRoom, Identity: "bob",
		IsOnline: true, IsTyping: false,
		LastSeen: 2500, UpdatedAt: 2500,
	})
	if r.Snapshot().IsTyping {
		t.Fatal("newer full record failed to clear typing")
	}
}

func TestDuplicateMergeIsNoop(t *testing.T) {
	db := openTestDB(t)
	r := NewReconciler(db, nil, testRoom, "bob", time.Hour)
	defer r.Close()

	var notifies int
	var mu sync.Mutex
	cancel := r.Subscribe(func(proto.PresenceRecord) {
		mu.Lock()
		notifies++
		mu.Unlock()
	})
	defer cancel()

	r.MergeStatus(true, 1000)
	r.MergeStatus(true, 1000) // equal timestamp: duplicate
	r.MergeStatus(false, 900) // older: reordered delivery

	v := r.Snapshot()
	if !v.IsOnline {
		t.Fatalf("view = %+v, want online", v)
	}
	mu.Lock()
	defer mu.Unlock()
	if notifies != 1 {
		t.Fatalf("listener fired %d times, want 1", notifies)
	}
}

func TestLastSeenMonotone(t *testing.T) {
	db := openTestDB(t)
	r := NewReconciler(db, nil, testRoom, "bob", time.Hour)
	defer r.Close()

	r.MergeStatus(true, 5000)
	r.MergeRecord(proto.PresenceRecord{
		RoomBase: testRoom, Identity: "bob",
		IsOnline: false, LastSeen: 3000, UpdatedAt: 6000,
	})

	v := r.Snapshot()
	if v.IsOnline {
		t.Fatal("newer offline record not applied")
	}
	if v.LastSeen != 5000 {
		t.Fatalf("lastSeen = %d, want 5000 (never decreases)", v.LastSeen)
	}
}

func TestReconcilerMergesWireEvents(t *testing.T) {
	db := openTestDB(t)
	wire := &fakeWire{}
	r := NewReconciler(db, wire, testRoom, "bob", time.Hour)
	defer r.Close()

	wire.inject("bob", &proto.StatusEvent{Identity: "bob", IsOnline: true, Timestamp: 1000})
	wire.inject("bob", &proto.ReadEvent{Identity: "bob", MessageID: "m1", Timestamp: 1100})
	// Events from other identities are ignored.
	wire.inject("mallory", &proto.TypingEvent{Identity: "mallory", IsTyping: true, Timestamp: 1200})

	v := r.Snapshot()
	if !v.IsOnline || v.LastReadID != "m1" {
		t.Fatalf("view = %+v, want online with read m1", v)
	}
	if v.IsTyping {
		t.Fatal("typing set by an unrelated identity")
	}
}

func TestReconcilerPicksUpStoreFeed(t *testing.T) {
	db := openTestDB(t)
	r := NewReconciler(db, nil, testRoom, "bob", time.Hour)
	defer r.Close()

	updated := make(chan proto.PresenceRecord, 1)
	cancel := r.Subscribe(func(v proto.PresenceRecord) {
		select {
		case updated <- v:
		default:
		}
	})
	defer cancel()

	if err := db.SetOnline(testRoom, "bob", true, proto.NowMillis()); err != nil {
		t.Fatalf("set online: %v", err)
	}

	select {
	case v := <-updated:
		if !v.IsOnline {
			t.Fatalf("view = %+v, want online", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no merge from the store feed")
	}
}

func TestSeen(t *testing.T) {
	db := openTestDB(t)
	r := NewReconciler(db, nil, testRoom, "bob", time.Hour)
	defer r.Close()

	r.MergeStatus(true, 5000) // lastSeen = 5000
	r.MergeRead("m2", 5100)   // read receipt at m2

	byTime := proto.Message{ID: "m1", CreatedAt: 4000}
	byReceipt := proto.Message{ID: "m2", CreatedAt: 6000}
	unseen := proto.Message{ID: "m3", CreatedAt: 6000}

	if !r.Seen(byTime) {
		t.Fatal("message created before lastSeen not marked seen")
	}
	if !r.Seen(byReceipt) {
		t.Fatal("message with matching read receipt not marked seen")
	}
	if r.Seen(unseen) {
		t.Fatal("later message wrongly marked seen")
	}
}
