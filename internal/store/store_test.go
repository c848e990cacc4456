package store

import (
	"testing"
	"time"

	"github.com/duoroom/duoroom/internal/proto"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestCreateRoomIdempotent(t *testing.T) {
	db := openTestDB(t)

	first, err := db.CreateRoom("ABCD-EF12-3456")
	if err != nil {
		t.Fatal(err)
	}

	// Second creation (the partner joining) must return the existing row.
	second, err := db.CreateRoom("ABCD-EF12-3456")
	if err != nil {
		t.Fatal(err)
	}
	if second.CreatedAt != first.CreatedAt {
		t.Errorf("second create returned a fresh row: %+v vs %+v", second, first)
	}

	if _, err := db.GetRoom("XXXX-YYYY-ZZZZ"); err != ErrRoomNotFound {
		t.Errorf("GetRoom(unknown) err = %v, want ErrRoomNotFound", err)
	}
}

func TestIdentityPublishLookup(t *testing.T) {
	db := openTestDB(t)

	if _, err := db.Identity("BASE-0000-0000", "2"); err != ErrPartnerUnknown {
		t.Fatalf("err = %v, want ErrPartnerUnknown", err)
	}

	if err := db.PublishIdentity("BASE-0000-0000", "2", "bobbobbo"); err != nil {
		t.Fatal(err)
	}
	id, err := db.Identity("BASE-0000-0000", "2")
	if err != nil || id != "bobbobbo" {
		t.Fatalf("Identity = %q, %v", id, err)
	}

	// Re-publishing replaces.
	if err := db.PublishIdentity("BASE-0000-0000", "2", "newbobbo"); err != nil {
		t.Fatal(err)
	}
	id, _ = db.Identity("BASE-0000-0000", "2")
	if id != "newbobbo" {
		t.Errorf("Identity after republish = %q", id)
	}
}

func TestMessagesOrderAndClear(t *testing.T) {
	db := openTestDB(t)
	base := "BASE-1111-2222"

	for i, content := range []string{"first", "second", "third"} {
		msg := proto.Message{
			ID:        string(rune('a' + i)),
			RoomBase:  base,
			Content:   content,
			Sender:    "alice123",
			CreatedAt: int64(1000 + i),
		}
		if err := db.InsertMessage(msg); err != nil {
			t.Fatal(err)
		}
	}

	msgs, err := db.ListMessages(base)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 || msgs[0].Content != "first" || msgs[2].Content != "third" {
		t.Fatalf("history = %+v", msgs)
	}

	n, err := db.DeleteMessages(base)
	if err != nil || n != 3 {
		t.Fatalf("DeleteMessages = %d, %v", n, err)
	}
	msgs, _ = db.ListMessages(base)
	if len(msgs) != 0 {
		t.Errorf("messages remain after clear: %+v", msgs)
	}
}

func TestStatusUpsertPreservesFields(t *testing.T) {
	db := openTestDB(t)
	base, id := "BASE-3333-4444", "alice123"

	if err := db.SetLastRead(base, id, "msg-9", 100); err != nil {
		t.Fatal(err)
	}
	// A later online refresh must not wipe the read receipt.
	if err := db.SetOnline(base, id, true, 200); err != nil {
		t.Fatal(err)
	}

	rec, err := db.GetStatus(base, id)
	if err != nil {
		t.Fatal(err)
	}
	if rec.LastReadID != "msg-9" {
		t.Errorf("LastReadID = %q after online upsert", rec.LastReadID)
	}
	if !rec.IsOnline || rec.LastSeen != 200 {
		t.Errorf("record = %+v", rec)
	}

	// Typing implies online.
	if err := db.SetOnline(base, id, false, 300); err != nil {
		t.Fatal(err)
	}
	if err := db.SetTyping(base, id, true, 400); err != nil {
		t.Fatal(err)
	}
	rec, _ = db.GetStatus(base, id)
	if !rec.IsOnline || !rec.IsTyping {
		t.Errorf("typing upsert: %+v", rec)
	}
}

func TestChangeFeedDeliversFullStatusRecord(t *testing.T) {
	db := openTestDB(t)
	base := "BASE-5555-6666"

	ch, cancel := db.Subscribe(func(c Change) bool { return c.Table == TableUserStatus })
	defer cancel()

	if err := db.SetTyping(base, "bob", true, 500); err != nil {
		t.Fatal(err)
	}

	select {
	case c := <-ch:
		rec, ok := c.Record.(proto.PresenceRecord)
		if !ok {
			t.Fatalf("record type %T", c.Record)
		}
		if !rec.IsTyping || rec.Identity != "bob" || rec.LastSeen != 500 {
			t.Errorf("record = %+v", rec)
		}
	case <-time.After(time.Second):
		t.Fatal("no change delivered")
	}
}

func TestCallSignalLifecycle(t *testing.T) {
	db := openTestDB(t)

	sig, err := db.InsertCallSignal("BASE-7777-8888", "alice123", "bobbobbo", proto.CallVideo)
	if err != nil {
		t.Fatal(err)
	}
	if sig.ID == "" || sig.Status != proto.CallRinging {
		t.Fatalf("signal = %+v", sig)
	}

	if err := db.UpdateCallSignalStatus(sig.ID, proto.CallAccepted); err != nil {
		t.Fatal(err)
	}
	got, err := db.GetCallSignal(sig.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != proto.CallAccepted {
		t.Errorf("status = %v", got.Status)
	}

	if err := db.UpdateCallSignalStatus("no-such-id", proto.CallEnded); err != ErrSignalNotFound {
		t.Errorf("err = %v, want ErrSignalNotFound", err)
	}
}

func TestMirrorMessageIdempotent(t *testing.T) {
	db := openTestDB(t)

	msg := proto.Message{
		ID:        "01HZX0000000000000000000AA",
		RoomBase:  "BASE-7777-8888",
		Content:   "hi from the other side",
		Sender:    "bobbobbo",
		CreatedAt: proto.NowMillis(),
	}
	feed, cancel := db.Subscribe(func(c Change) bool { return c.Table == TableMessages })
	defer cancel()

	if err := db.MirrorMessage(msg); err != nil {
		t.Fatal(err)
	}
	if err := db.MirrorMessage(msg); err != nil {
		t.Fatal(err)
	}

	select {
	case <-feed:
	case <-time.After(2 * time.Second):
		t.Fatal("first mirror never notified")
	}
	select {
	case c := <-feed:
		t.Fatalf("replayed mirror notified again: %+v", c)
	case <-time.After(100 * time.Millisecond):
	}

	msgs, err := db.ListMessages("BASE-7777-8888")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d rows, want 1", len(msgs))
	}
}

func TestMirrorCallSignalForwardOnly(t *testing.T) {
	db := openTestDB(t)

	sig := proto.CallSignal{
		ID:        "remote-sig",
		RoomBase:  "BASE-7777-8888",
		CallerID:  "bobbobbo",
		CalleeID:  "alice123",
		CallType:  proto.CallAudio,
		Status:    proto.CallRinging,
		CreatedAt: proto.NowMillis(),
	}
	if err := db.MirrorCallSignal(sig); err != nil {
		t.Fatal(err)
	}

	sig.Status = proto.CallAccepted
	if err := db.MirrorCallSignal(sig); err != nil {
		t.Fatal(err)
	}

	// A reordered stale ringing must not regress the row.
	stale := sig
	stale.Status = proto.CallRinging
	if err := db.MirrorCallSignal(stale); err != nil {
		t.Fatal(err)
	}
	got, err := db.GetCallSignal("remote-sig")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != proto.CallAccepted {
		t.Errorf("status = %v, want accepted after stale replay", got.Status)
	}

	sig.Status = proto.CallEnded
	if err := db.MirrorCallSignal(sig); err != nil {
		t.Fatal(err)
	}
	got, _ = db.GetCallSignal("remote-sig")
	if got.Status != proto.CallEnded {
		t.Errorf("status = %v, want ended", got.Status)
	}
}
