package call

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/duoroom/duoroom/internal/proto"
	"github.com/duoroom/duoroom/internal/signal"
	"github.com/duoroom/duoroom/internal/store"
)

const testRoom = "abcd1234wxyz"

type fakeTrack struct {
	id, kind string

	mu      sync.Mutex
	enabled bool
	stopped bool
}

func (t *fakeTrack) ID() string   { return t.id }
func (t *fakeTrack) Kind() string { return t.kind }

func (t *fakeTrack) SetEnabled(on bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = on
	return nil
}

func (t *fakeTrack) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
}

func (t *fakeTrack) state() (enabled, stopped bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled, t.stopped
}

type fakeStream struct {
	tracks []Track
	mu     sync.Mutex
	closed bool
}

func (s *fakeStream) Tracks() []Track { return s.tracks }

func (s *fakeStream) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *fakeStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeDevices struct {
	err error
}

func (d *fakeDevices) GetUserMedia(audio, video bool) (Stream, error) {
	if d.err != nil {
		return nil, d.err
	}
	s := &fakeStream{tracks: []Track{
		&fakeTrack{id: "a1", kind: "audio", enabled: true},
	}}
	if video {
		s.tracks = append(s.tracks, &fakeTrack{id: "v1", kind: "video", enabled: true})
	}
	return s, nil
}

type fakeConn struct {
	mu       sync.Mutex
	streamFn func(Stream)
	closeFn  func(error)
	closed   bool
}

func (c *fakeConn) OnStream(f func(Stream)) {
	c.mu.Lock()
	c.streamFn = f
	c.mu.Unlock()
}

func (c *fakeConn) OnClose(f func(error)) {
	c.mu.Lock()
	c.closeFn = f
	c.mu.Unlock()
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) fireStream(s Stream) {
	c.mu.Lock()
	f := c.streamFn
	c.mu.Unlock()
	if f != nil {
		f(s)
	}
}

func (c *fakeConn) fireClose(err error) {
	c.mu.Lock()
	f := c.closeFn
	c.mu.Unlock()
	if f != nil {
		f(err)
	}
}

type fakePeer struct {
	mu    sync.Mutex
	conns []*fakeConn
	err   error
}

func (p *fakePeer) Dial(context.Context, string, proto.CallType, Stream) (Conn, error) {
	return p.connect()
}

func (p *fakePeer) Answer(context.Context, string, proto.CallType, Stream) (Conn, error) {
	return p.connect()
}

func (p *fakePeer) connect() (Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	c := &fakeConn{}
	p.conns = append(p.conns, c)
	return c, nil
}

func (p *fakePeer) last() *fakeConn {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.conns) == 0 {
		return nil
	}
	return p.conns[len(p.conns)-1]
}

func (p *fakePeer) Close() error { return nil }

func openTestDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func waitState(t *testing.T, h *Handshake, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.Info().State == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", h.Info().State, want)
}

func TestOutgoingCallLifecycle(t *testing.T) {
	db := openTestDB(t)
	sigch := signal.New(db, nil, "")
	peer := &fakePeer{}
	h := NewHandshake(sigch, peer, &fakeDevices{}, testRoom, "alice", "bob")
	defer h.Close()

	if err := h.Start(context.Background(), proto.CallVideo); err != nil {
		t.Fatalf("start: %v", err)
	}
	info := h.Info()
	if info.State != StateOutgoing || !info.Outgoing || info.SignalID == "" {
		t.Fatalf("after start: %+v", info)
	}

	sig, err := sigch.Get(info.SignalID)
	if err != nil {
		t.Fatalf("get signal: %v", err)
	}
	if sig.Status != proto.CallRinging || sig.CalleeID != "bob" {
		t.Fatalf("signal = %+v, want ringing to bob", sig)
	}

	remote := &fakeStream{}
	peer.last().fireStream(remote)
	waitState(t, h, StateConnected)

	h.End()
	waitState(t, h, StateIdle)
	if got, _ := sigch.Get(info.SignalID); got.Status != proto.CallEnded {
		t.Fatalf("signal status = %s, want ended", got.Status)
	}
	if !peer.last().closed {
		t.Fatal("connection not closed on end")
	}
	h.End() // idempotent
}

func TestEndReleasesLocalMedia(t *testing.T) {
	db := openTestDB(t)
	sigch := signal.New(db, nil, "")
	peer := &fakePeer{}
	devices := &fakeDevices{}
	h := NewHandshake(sigch, peer, devices, testRoom, "alice", "bob")
	defer h.Close()

	if err := h.Start(context.Background(), proto.CallVideo); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.mu.Lock()
	local := h.local.(*fakeStream)
	h.mu.Unlock()

	h.End()
	waitState(t, h, StateIdle)

	if !local.isClosed() {
		t.Fatal("local stream not closed")
	}
	for _, tr := range local.tracks {
		enabled, stopped := tr.(*fakeTrack).state()
		if enabled || !stopped {
			t.Fatalf("track %s: enabled=%v stopped=%v, want disabled and stopped", tr.ID(), enabled, stopped)
		}
	}
}

func TestMediaFailureStaysIdle(t *testing.T) {
	db := openTestDB(t)
	sigch := signal.New(db, nil, "")
	h := NewHandshake(sigch, &fakePeer{}, &fakeDevices{err: errors.New("camera busy")}, testRoom, "alice", "bob")
	defer h.Close()

	err := h.Start(context.Background(), proto.CallVideo)
	if err == nil {
		t.Fatal("start succeeded without media")
	}
	if h.Info().State != StateIdle {
		t.Fatalf("state = %s, want idle", h.Info().State)
	}
	// No durable signal may exist: media is acquired before ringing.
	if h.Info().SignalID != "" {
		t.Fatal("signal id set after failed start")
	}
}

func TestDialFailureTearsDown(t *testing.T) {
	db := openTestDB(t)
	sigch := signal.New(db, nil, "")
	peer := &fakePeer{err: errors.New("no route")}
	h := NewHandshake(sigch, peer, &fakeDevices{}, testRoom, "alice", "bob")
	defer h.Close()

	errs := make(chan error, 1)
	h.OnError(func(err error) {
		select {
		case errs <- err:
		default:
		}
	})

	if err := h.Start(context.Background(), proto.CallAudio); err == nil {
		t.Fatal("start succeeded despite dial failure")
	}
	waitState(t, h, StateIdle)
	select {
	case <-errs:
	case <-time.After(time.Second):
		t.Fatal("dial failure not surfaced to error listeners")
	}
}

func TestIncomingAcceptConnects(t *testing.T) {
	db := openTestDB(t)
	sigch := signal.New(db, nil, "")

	alicePeer := &fakePeer{}
	alice := NewHandshake(sigch, alicePeer, &fakeDevices{}, testRoom, "alice", "bob")
	defer alice.Close()
	bobPeer := &fakePeer{}
	bob := NewHandshake(sigch, bobPeer, &fakeDevices{}, testRoom, "bob", "alice")
	defer bob.Close()

	if err := alice.Start(context.Background(), proto.CallAudio); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitState(t, bob, StateIncoming)
	info := bob.Info()
	if info.Outgoing || info.CallType != proto.CallAudio {
		t.Fatalf("incoming info = %+v", info)
	}

	if err := bob.Accept(context.Background()); err != nil {
		t.Fatalf("accept: %v", err)
	}
	sig, _ := sigch.Get(info.SignalID)
	if sig.Status != proto.CallAccepted {
		t.Fatalf("signal status = %s, want accepted", sig.Status)
	}

	bobPeer.last().fireStream(&fakeStream{})
	waitState(t, bob, StateConnected)
}

func TestRejectReturnsBothToIdle(t *testing.T) {
	db := openTestDB(t)
	sigch := signal.New(db, nil, "")

	alice := NewHandshake(sigch, &fakePeer{}, &fakeDevices{}, testRoom, "alice", "bob")
	defer alice.Close()
	bob := NewHandshake(sigch, &fakePeer{}, &fakeDevices{}, testRoom, "bob", "alice")
	defer bob.Close()

	if err := alice.Start(context.Background(), proto.CallVideo); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitState(t, bob, StateIncoming)

	if err := bob.Reject(); err != nil {
		t.Fatalf("reject: %v", err)
	}
	waitState(t, bob, StateIdle)
	waitState(t, alice, StateIdle)
}

func TestAcceptMediaFailureNeverSticks(t *testing.T) {
	db := openTestDB(t)
	sigch := signal.New(db, nil, "")

	alice := NewHandshake(sigch, &fakePeer{}, &fakeDevices{}, testRoom, "alice", "bob")
	defer alice.Close()
	bobDevices := &fakeDevices{err: errors.New("mic busy")}
	bob := NewHandshake(sigch, &fakePeer{}, bobDevices, testRoom, "bob", "alice")
	defer bob.Close()

	if err := alice.Start(context.Background(), proto.CallAudio); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitState(t, bob, StateIncoming)
	sigID := bob.Info().SignalID

	feed, cancel := db.Subscribe(func(c store.Change) bool {
		return c.Table == store.TableCallSignals && c.Op == store.OpUpdate
	})
	defer cancel()

	if err := bob.Accept(context.Background()); err == nil {
		t.Fatal("accept succeeded without media")
	}
	waitState(t, bob, StateIdle)
	waitState(t, alice, StateIdle)
	if sig, _ := sigch.Get(sigID); sig.Status != proto.CallEnded {
		t.Fatalf("signal status = %s, want ended", sig.Status)
	}

	// The caller must see a clean ringing -> ended, never a momentary
	// accepted before the failure.
	cancel()
	for c := range feed {
		if sig, ok := c.Record.(proto.CallSignal); ok && sig.Status == proto.CallAccepted {
			t.Fatalf("signal passed through accepted on media failure")
		}
	}
}

func TestSecondStartIsBusy(t *testing.T) {
	db := openTestDB(t)
	sigch := signal.New(db, nil, "")
	h := NewHandshake(sigch, &fakePeer{}, &fakeDevices{}, testRoom, "alice", "bob")
	defer h.Close()

	if err := h.Start(context.Background(), proto.CallAudio); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := h.Start(context.Background(), proto.CallAudio); !errors.Is(err, ErrBusy) {
		t.Fatalf("second start: %v, want ErrBusy", err)
	}
}

func TestGlareLowestIdentityWins(t *testing.T) {
	db := openTestDB(t)
	sigch := signal.New(db, nil, "")

	alice := NewHandshake(sigch, &fakePeer{}, &fakeDevices{}, testRoom, "alice", "bob")
	defer alice.Close()
	bob := NewHandshake(sigch, &fakePeer{}, &fakeDevices{}, testRoom, "bob", "alice")
	defer bob.Close()

	if err := alice.Start(context.Background(), proto.CallAudio); err != nil {
		t.Fatalf("alice start: %v", err)
	}
	aliceSig := alice.Info().SignalID
	if err := bob.Start(context.Background(), proto.CallAudio); err != nil && !errors.Is(err, ErrBusy) {
		t.Fatalf("bob start: %v", err)
	}

	// "alice" < "bob": alice's call survives. Bob ends up ringing on
	// alice's signal; alice stays outgoing.
	waitState(t, bob, StateIncoming)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if bob.Info().SignalID == aliceSig {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := bob.Info().SignalID; got != aliceSig {
		t.Fatalf("bob rings on signal %s, want alice's %s", got, aliceSig)
	}
	if alice.Info().State != StateOutgoing {
		t.Fatalf("alice state = %s, want outgoing", alice.Info().State)
	}
}
