package call

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/duoroom/duoroom/internal/metrics"
	"github.com/duoroom/duoroom/internal/proto"
	"github.com/duoroom/duoroom/internal/signal"
	"github.com/duoroom/duoroom/internal/store"
)

var (
	// ErrBusy is returned when a call is already in flight.
	ErrBusy = errors.New("call already in progress")
	// ErrNoIncoming is returned by Accept/Reject outside StateIncoming.
	ErrNoIncoming = errors.New("no incoming call")
)

// Handshake drives one room's call lifecycle. At most one call is active;
// a second attempt fails with ErrBusy. When both parties ring each other at
// the same moment, the call whose caller has the lexically lowest identity
// survives and the other is abandoned, so both ends converge on one call.
type Handshake struct {
	sigch    *signal.Channel
	peer     Peer
	devices  MediaDevices
	roomBase string
	localID  string
	partner  string

	mu       sync.Mutex
	state    State
	signalID string
	callType proto.CallType
	outgoing bool
	gen      int // bumped on every attempt; stale callbacks check it
	local    Stream
	conn     Conn
	closed   bool

	listenerID      int
	stateListeners  map[int]func(Info)
	streamListeners map[int]func(Stream)
	errListeners    map[int]func(error)

	cancelSig func()
}

// NewHandshake wires the machine to the room's durable signal channel.
func NewHandshake(sigch *signal.Channel, peer Peer, devices MediaDevices, roomBase, localID, partnerID string) *Handshake {
	h := &Handshake{
		sigch:           sigch,
		peer:            peer,
		devices:         devices,
		roomBase:        roomBase,
		localID:         localID,
		partner:         partnerID,
		stateListeners:  make(map[int]func(Info)),
		streamListeners: make(map[int]func(Stream)),
		errListeners:    make(map[int]func(error)),
	}
	h.cancelSig = sigch.Subscribe(roomBase, localID, h.onIncoming, h.onStatus)
	return h
}

// Info returns the current call snapshot.
func (h *Handshake) Info() Info {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.infoLocked()
}

func (h *Handshake) infoLocked() Info {
	return Info{
		State:    h.state,
		SignalID: h.signalID,
		CallType: h.callType,
		Partner:  h.partner,
		Outgoing: h.outgoing,
	}
}

// Start places an outgoing call. Media is acquired first: a capture failure
// leaves the machine idle with nothing held, before the partner ever rings.
func (h *Handshake) Start(ctx context.Context, callType proto.CallType) error {
	h.mu.Lock()
	if h.closed || h.state != StateIdle {
		h.mu.Unlock()
		return ErrBusy
	}
	h.mu.Unlock()

	media, err := h.devices.GetUserMedia(true, callType == proto.CallVideo)
	if err != nil {
		return fmt.Errorf("acquire media: %w", err)
	}

	sig, err := h.sigch.Send(h.roomBase, h.localID, h.partner, callType)
	if err != nil {
		releaseStream(media)
		return err
	}
	metrics.CallTransitions.WithLabelValues(string(proto.CallRinging)).Inc()

	h.mu.Lock()
	if h.state != StateIdle { // lost a race with an incoming ring
		h.mu.Unlock()
		releaseStream(media)
		h.updateStatus(sig.ID, proto.CallEnded)
		return ErrBusy
	}
	h.gen++
	gen := h.gen
	h.state = StateOutgoing
	h.signalID = sig.ID
	h.callType = callType
	h.outgoing = true
	h.local = media
	info := h.infoLocked()
	h.mu.Unlock()
	h.notifyState(info)

	conn, err := h.peer.Dial(ctx, sig.ID, callType, media)
	if err != nil {
		h.abandon(gen, err)
		return err
	}
	if !h.attach(gen, conn) {
		_ = conn.Close()
	}
	return nil
}

// Accept answers the ringing incoming call.
func (h *Handshake) Accept(ctx context.Context) error {
	h.mu.Lock()
	if h.state != StateIncoming {
		h.mu.Unlock()
		return ErrNoIncoming
	}
	gen := h.gen
	sigID := h.signalID
	callType := h.callType
	h.mu.Unlock()

	// Media first, then the answer, and only then the durable accepted
	// mark: a failure on the way must read as ringing -> ended, never as a
	// momentary accepted.
	media, err := h.devices.GetUserMedia(true, callType == proto.CallVideo)
	if err != nil {
		h.updateStatus(sigID, proto.CallEnded)
		h.abandon(gen, nil)
		return fmt.Errorf("acquire media: %w", err)
	}

	conn, err := h.peer.Answer(ctx, sigID, callType, media)
	if err != nil {
		releaseStream(media)
		h.updateStatus(sigID, proto.CallEnded)
		h.abandon(gen, nil)
		return err
	}

	if err := h.updateStatus(sigID, proto.CallAccepted); err != nil {
		// Caller already hung up or the signal is gone.
		_ = conn.Close()
		releaseStream(media)
		h.abandon(gen, nil)
		return err
	}

	h.mu.Lock()
	if h.gen != gen || h.state != StateIncoming {
		h.mu.Unlock()
		_ = conn.Close()
		releaseStream(media)
		return ErrNoIncoming
	}
	h.local = media
	h.mu.Unlock()

	if !h.attach(gen, conn) {
		_ = conn.Close()
	}
	return nil
}

// Reject declines the ringing incoming call.
func (h *Handshake) Reject() error {
	h.mu.Lock()
	if h.state != StateIncoming {
		h.mu.Unlock()
		return ErrNoIncoming
	}
	gen := h.gen
	sigID := h.signalID
	h.mu.Unlock()

	err := h.updateStatus(sigID, proto.CallRejected)
	h.abandon(gen, nil)
	return err
}

// End hangs up whatever is active: outgoing ring, incoming ring or a
// connected call. Idempotent; calling it while idle is a no-op.
func (h *Handshake) End() {
	h.mu.Lock()
	if h.state == StateIdle {
		h.mu.Unlock()
		return
	}
	gen := h.gen
	sigID := h.signalID
	h.mu.Unlock()

	h.updateStatus(sigID, proto.CallEnded)
	h.abandon(gen, nil)
}

// SetAudioEnabled toggles the local audio tracks. Returns the applied state.
func (h *Handshake) SetAudioEnabled(on bool) bool {
	h.setTracks("audio", on)
	return on
}

// SetVideoEnabled toggles the local video tracks.
func (h *Handshake) SetVideoEnabled(on bool) bool {
	h.setTracks("video", on)
	return on
}

func (h *Handshake) setTracks(kind string, on bool) {
	h.mu.Lock()
	local := h.local
	h.mu.Unlock()
	if local == nil {
		return
	}
	for _, t := range local.Tracks() {
		if t.Kind() != kind {
			continue
		}
		if err := t.SetEnabled(on); err != nil {
			log.Printf("CALL: set %s enabled=%v: %v", kind, on, err)
		}
	}
	log.Printf("CALL: local %s enabled=%v", kind, on)
}

// OnState registers a listener for every state change.
func (h *Handshake) OnState(f func(Info)) (cancel func()) {
	return h.addListener(func(id int) { h.stateListeners[id] = f }, func(id int) { delete(h.stateListeners, id) })
}

// OnRemoteStream registers a listener for the partner's media stream.
func (h *Handshake) OnRemoteStream(f func(Stream)) (cancel func()) {
	return h.addListener(func(id int) { h.streamListeners[id] = f }, func(id int) { delete(h.streamListeners, id) })
}

// OnError registers a listener for call failures. Every surfaced error is
// also a transition back to idle.
func (h *Handshake) OnError(f func(error)) (cancel func()) {
	return h.addListener(func(id int) { h.errListeners[id] = f }, func(id int) { delete(h.errListeners, id) })
}

func (h *Handshake) addListener(add func(int), del func(int)) func() {
	h.mu.Lock()
	id := h.listenerID
	h.listenerID++
	add(id)
	h.mu.Unlock()
	return func() {
		h.mu.Lock()
		del(id)
		h.mu.Unlock()
	}
}

// Close ends any active call and detaches from the signal channel.
func (h *Handshake) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.mu.Unlock()

	h.cancelSig()
	h.End()
}

// onIncoming handles a new ringing signal addressed to us.
func (h *Handshake) onIncoming(sig proto.CallSignal) {
	h.mu.Lock()
	switch h.state {
	case StateIdle:
		h.gen++
		h.state = StateIncoming
		h.signalID = sig.ID
		h.callType = sig.CallType
		h.outgoing = false
		info := h.infoLocked()
		h.mu.Unlock()
		log.Printf("CALL: incoming %s call from %s", sig.CallType, sig.CallerID)
		h.notifyState(info)

	case StateOutgoing:
		// Glare: both parties rang at once. Lowest caller identity wins.
		if h.localID < h.partner {
			h.mu.Unlock()
			log.Printf("CALL: glare, keeping outgoing call (local identity wins)")
			h.updateStatus(sig.ID, proto.CallRejected)
			return
		}
		ownID := h.signalID
		gen := h.gen
		h.mu.Unlock()
		log.Printf("CALL: glare, yielding to incoming call from %s", sig.CallerID)
		h.updateStatus(ownID, proto.CallEnded)
		h.abandon(gen, nil)
		h.onIncoming(sig) // re-enter now that we are idle

	default:
		h.mu.Unlock()
		h.updateStatus(sig.ID, proto.CallRejected)
	}
}

// onStatus reacts to durable status changes on the active signal. The
// partner accepting keeps us in StateOutgoing until media actually flows;
// a rejection or remote hangup lands us back on idle.
func (h *Handshake) onStatus(sig proto.CallSignal) {
	h.mu.Lock()
	if sig.ID != h.signalID || h.state == StateIdle {
		h.mu.Unlock()
		return
	}
	gen := h.gen
	h.mu.Unlock()

	switch sig.Status {
	case proto.CallRejected:
		log.Printf("CALL: %s declined", h.partner)
		h.abandon(gen, nil)
	case proto.CallEnded:
		log.Printf("CALL: %s hung up", h.partner)
		h.abandon(gen, nil)
	}
}

// attach wires a live connection into the machine. Returns false when the
// attempt it belongs to is already over.
func (h *Handshake) attach(gen int, conn Conn) bool {
	h.mu.Lock()
	if h.gen != gen || (h.state != StateOutgoing && h.state != StateIncoming) {
		h.mu.Unlock()
		return false
	}
	h.conn = conn
	h.mu.Unlock()

	conn.OnStream(func(s Stream) { h.connected(gen, s) })
	conn.OnClose(func(err error) {
		h.mu.Lock()
		sigID := h.signalID
		stale := h.gen != gen
		h.mu.Unlock()
		if stale {
			return
		}
		if err != nil {
			log.Printf("CALL: connection failed: %v", err)
		}
		h.updateStatus(sigID, proto.CallEnded)
		h.abandon(gen, err)
	})
	return true
}

func (h *Handshake) connected(gen int, remote Stream) {
	h.mu.Lock()
	if h.gen != gen || (h.state != StateOutgoing && h.state != StateIncoming) {
		h.mu.Unlock()
		return
	}
	h.state = StateConnected
	info := h.infoLocked()
	h.mu.Unlock()

	log.Printf("CALL: connected to %s", h.partner)
	h.notifyState(info)
	h.mu.Lock()
	ls := make([]func(Stream), 0, len(h.streamListeners))
	for _, f := range h.streamListeners {
		ls = append(ls, f)
	}
	h.mu.Unlock()
	for _, f := range ls {
		f(remote)
	}
}

// abandon tears the current attempt down to idle: connection closed, local
// tracks stopped and disabled, media released. err, when non-nil, is
// surfaced to error listeners after the state flip.
func (h *Handshake) abandon(gen int, err error) {
	h.mu.Lock()
	if h.gen != gen || h.state == StateIdle {
		h.mu.Unlock()
		return
	}
	h.gen++
	conn := h.conn
	local := h.local
	h.state = StateIdle
	h.signalID = ""
	h.callType = ""
	h.outgoing = false
	h.conn = nil
	h.local = nil
	info := h.infoLocked()
	h.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	releaseStream(local)

	h.notifyState(info)
	if err != nil {
		h.mu.Lock()
		ls := make([]func(error), 0, len(h.errListeners))
		for _, f := range h.errListeners {
			ls = append(ls, f)
		}
		h.mu.Unlock()
		for _, f := range ls {
			f(err)
		}
	}
}

// updateStatus moves the durable record forward, tolerating records that are
// already terminal (the partner may have won the race to end the call).
func (h *Handshake) updateStatus(signalID string, to proto.CallStatus) error {
	if signalID == "" {
		return nil
	}
	err := h.sigch.UpdateStatus(signalID, to)
	var bad *signal.ErrBadTransition
	if errors.As(err, &bad) || errors.Is(err, store.ErrSignalNotFound) {
		return nil
	}
	if err == nil {
		metrics.CallTransitions.WithLabelValues(string(to)).Inc()
	}
	return err
}

func (h *Handshake) notifyState(info Info) {
	h.mu.Lock()
	ls := make([]func(Info), 0, len(h.stateListeners))
	for _, f := range h.stateListeners {
		ls = append(ls, f)
	}
	h.mu.Unlock()
	for _, f := range ls {
		f(info)
	}
}

// releaseStream stops, disables and closes every track of a stream.
func releaseStream(s Stream) {
	if s == nil {
		return
	}
	for _, t := range s.Tracks() {
		_ = t.SetEnabled(false)
		t.Stop()
	}
	s.Close()
}
