package call

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/duoroom/duoroom/internal/proto"
	"github.com/duoroom/duoroom/internal/util"
)

// pliInterval is how often we ask the sender for a keyframe on video tracks.
const pliInterval = 3 * time.Second

// localTrack is implemented by tracks that can attach to a PeerConnection.
type localTrack interface {
	Track
	webrtcTrack() webrtc.TrackLocal
	bind(*webrtc.RTPSender)
}

// PionPeer implements Peer over pion/webrtc, carrying SDP and ICE as call
// events on the room's broadcast channel. One PionPeer serves every call of
// the room; connections are keyed by durable signal id.
type PionPeer struct {
	sig     Signaler
	localID string
	ice     []string

	mu         sync.Mutex
	conns      map[string]*pionConn
	offers     map[string]chan proto.CallEvent
	pendingICE map[string][]proto.ICECandidate
	closed     bool
	cancel     func()
}

// NewPionPeer subscribes to the signaler and starts routing call events.
// iceServers of nil takes the Google STUN default.
func NewPionPeer(sig Signaler, localID string, iceServers []string) *PionPeer {
	if len(iceServers) == 0 {
		iceServers = []string{"stun:stun.l.google.com:19302"}
	}
	p := &PionPeer{
		sig:        sig,
		localID:    localID,
		ice:        iceServers,
		conns:      make(map[string]*pionConn),
		offers:     make(map[string]chan proto.CallEvent),
		pendingICE: make(map[string][]proto.ICECandidate),
	}
	p.cancel = sig.Subscribe(p.handleEvent)
	return p
}

func (p *PionPeer) handleEvent(env proto.Envelope, body proto.Event) {
	ev, ok := body.(*proto.CallEvent)
	if !ok || env.From == p.localID {
		return
	}
	switch ev.Kind {
	case proto.CallKindOffer:
		select {
		case p.offerChan(ev.SignalID) <- *ev:
		default: // duplicate offer for the same signal
		}
	case proto.CallKindAnswer:
		if c := p.conn(ev.SignalID); c != nil {
			c.handleAnswer(ev.SDP)
		}
	case proto.CallKindICE:
		if c := p.conn(ev.SignalID); c != nil {
			c.handleICE(*ev.Candidate)
			return
		}
		// Candidates can outrun Accept on the callee side; hold them
		// until the connection exists.
		p.mu.Lock()
		p.pendingICE[ev.SignalID] = append(p.pendingICE[ev.SignalID], *ev.Candidate)
		p.mu.Unlock()
	case proto.CallKindHangup:
		if c := p.conn(ev.SignalID); c != nil {
			c.teardown(nil)
		}
	}
}

func (p *PionPeer) offerChan(signalID string) chan proto.CallEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch, ok := p.offers[signalID]
	if !ok {
		ch = make(chan proto.CallEvent, 1)
		p.offers[signalID] = ch
	}
	return ch
}

func (p *PionPeer) conn(signalID string) *pionConn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conns[signalID]
}

func (p *PionPeer) remove(signalID string) {
	p.mu.Lock()
	delete(p.conns, signalID)
	delete(p.offers, signalID)
	delete(p.pendingICE, signalID)
	p.mu.Unlock()
}

// Dial is the caller side: attach local media, offer, and wait for the
// answer to arrive as a call event.
func (p *PionPeer) Dial(ctx context.Context, signalID string, callType proto.CallType, local Stream) (Conn, error) {
	conn, err := p.newConn(signalID, local)
	if err != nil {
		return nil, err
	}

	offer, err := conn.pc.CreateOffer(nil)
	if err != nil {
		conn.teardown(err)
		return nil, fmt.Errorf("create offer: %w", err)
	}
	if err := conn.pc.SetLocalDescription(offer); err != nil {
		conn.teardown(err)
		return nil, fmt.Errorf("set local description: %w", err)
	}
	if err := p.publish(ctx, &proto.CallEvent{
		Kind:      proto.CallKindOffer,
		SignalID:  signalID,
		CallType:  callType,
		SDP:       offer.SDP,
		Timestamp: proto.NowMillis(),
	}); err != nil {
		conn.teardown(err)
		return nil, err
	}
	log.Printf("CALL [%s]: offer sent", signalID)
	return conn, nil
}

// Answer is the callee side: wait for the caller's offer, attach local
// media, and answer.
func (p *PionPeer) Answer(ctx context.Context, signalID string, callType proto.CallType, local Stream) (Conn, error) {
	var offer proto.CallEvent
	select {
	case offer = <-p.offerChan(signalID):
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for offer: %w", ctx.Err())
	}

	conn, err := p.newConn(signalID, local)
	if err != nil {
		return nil, err
	}

	if err := conn.setRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}); err != nil {
		conn.teardown(err)
		return nil, fmt.Errorf("set remote offer: %w", err)
	}
	answer, err := conn.pc.CreateAnswer(nil)
	if err != nil {
		conn.teardown(err)
		return nil, fmt.Errorf("create answer: %w", err)
	}
	if err := conn.pc.SetLocalDescription(answer); err != nil {
		conn.teardown(err)
		return nil, fmt.Errorf("set local description: %w", err)
	}
	if err := p.publish(ctx, &proto.CallEvent{
		Kind:      proto.CallKindAnswer,
		SignalID:  signalID,
		SDP:       answer.SDP,
		Timestamp: proto.NowMillis(),
	}); err != nil {
		conn.teardown(err)
		return nil, err
	}
	log.Printf("CALL [%s]: answer sent", signalID)
	return conn, nil
}

func (p *PionPeer) newConn(signalID string, local Stream) (*pionConn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errors.New("peer closed")
	}
	p.mu.Unlock()

	pc, err := newPeerConnection(p.ice)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	conn := &pionConn{parent: p, signalID: signalID, pc: pc}

	attached := 0
	if local != nil {
		for _, t := range local.Tracks() {
			lt, ok := t.(localTrack)
			if !ok {
				log.Printf("CALL [%s]: track %s cannot attach to a peer connection", signalID, t.ID())
				continue
			}
			sender, err := pc.AddTrack(lt.webrtcTrack())
			if err != nil {
				log.Printf("CALL [%s]: add %s track: %v", signalID, t.Kind(), err)
				continue
			}
			lt.bind(sender)
			attached++
		}
	}
	if attached == 0 {
		// Keep valid m-lines with ICE credentials even without local
		// media, so the call still receives the remote side.
		addRecvOnlyTransceivers(signalID, pc)
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		cand := proto.ICECandidate{Candidate: init.Candidate}
		if init.SDPMid != nil {
			cand.SDPMid = *init.SDPMid
		}
		if init.SDPMLineIndex != nil {
			cand.SDPMLineIndex = *init.SDPMLineIndex
		}
		ctx, cancel := context.WithTimeout(context.Background(), util.DefaultFetchTimeout)
		defer cancel()
		if err := p.publish(ctx, &proto.CallEvent{
			Kind:      proto.CallKindICE,
			SignalID:  signalID,
			Candidate: &cand,
			Timestamp: proto.NowMillis(),
		}); err != nil {
			log.Printf("CALL [%s]: publish candidate: %v", signalID, err)
		}
	})

	pc.OnTrack(conn.onTrack)

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Printf("CALL [%s]: connection state %s", signalID, s)
		switch s {
		case webrtc.PeerConnectionStateFailed:
			conn.teardown(errors.New("peer connection failed"))
		case webrtc.PeerConnectionStateClosed:
			conn.teardown(nil)
		}
	})

	p.mu.Lock()
	p.conns[signalID] = conn
	held := p.pendingICE[signalID]
	delete(p.pendingICE, signalID)
	p.mu.Unlock()
	for _, c := range held {
		conn.handleICE(c)
	}
	return conn, nil
}

func (p *PionPeer) publish(ctx context.Context, ev *proto.CallEvent) error {
	return p.sig.Publish(ctx, p.localID, ev)
}

// Close tears down every connection and detaches from the signaler.
func (p *PionPeer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	conns := make([]*pionConn, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	p.mu.Unlock()

	p.cancel()
	for _, c := range conns {
		c.teardown(nil)
	}
	return nil
}

// pionConn is one live peer connection.
type pionConn struct {
	parent   *PionPeer
	signalID string
	pc       *webrtc.PeerConnection

	mu          sync.Mutex
	remoteSet   bool
	heldICE     []webrtc.ICECandidateInit
	remote      *remoteStream
	streamFired bool
	streamFns   []func(Stream)
	closeFns    []func(error)
	closed      bool
}

func (c *pionConn) OnStream(f func(Stream)) {
	c.mu.Lock()
	if c.streamFired {
		remote := c.remote
		c.mu.Unlock()
		f(remote)
		return
	}
	c.streamFns = append(c.streamFns, f)
	c.mu.Unlock()
}

func (c *pionConn) OnClose(f func(error)) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		f(nil)
		return
	}
	c.closeFns = append(c.closeFns, f)
	c.mu.Unlock()
}

func (c *pionConn) setRemote(desc webrtc.SessionDescription) error {
	if err := c.pc.SetRemoteDescription(desc); err != nil {
		return err
	}
	c.mu.Lock()
	c.remoteSet = true
	held := c.heldICE
	c.heldICE = nil
	c.mu.Unlock()
	for _, cand := range held {
		if err := c.pc.AddICECandidate(cand); err != nil {
			log.Printf("CALL [%s]: add held candidate: %v", c.signalID, err)
		}
	}
	return nil
}

func (c *pionConn) handleAnswer(sdp string) {
	if err := c.setRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}); err != nil {
		log.Printf("CALL [%s]: set remote answer: %v", c.signalID, err)
		c.teardown(err)
	}
}

func (c *pionConn) handleICE(cand proto.ICECandidate) {
	init := webrtc.ICECandidateInit{Candidate: cand.Candidate}
	if cand.SDPMid != "" {
		mid := cand.SDPMid
		init.SDPMid = &mid
	}
	idx := cand.SDPMLineIndex
	init.SDPMLineIndex = &idx

	c.mu.Lock()
	if !c.remoteSet {
		// AddICECandidate needs a remote description first.
		c.heldICE = append(c.heldICE, init)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	if err := c.pc.AddICECandidate(init); err != nil {
		log.Printf("CALL [%s]: add candidate: %v", c.signalID, err)
	}
}

func (c *pionConn) onTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	rt := newRemoteTrack(c, track)
	log.Printf("CALL [%s]: remote %s track %s", c.signalID, rt.Kind(), rt.ID())

	c.mu.Lock()
	if c.remote == nil {
		c.remote = &remoteStream{}
	}
	c.remote.add(rt)
	first := !c.streamFired
	c.streamFired = true
	fns := c.streamFns
	c.streamFns = nil
	remote := c.remote
	c.mu.Unlock()

	if first {
		for _, f := range fns {
			f(remote)
		}
	}
}

// Close hangs up: the partner is told over the broadcast channel, then the
// connection is torn down.
func (c *pionConn) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultFetchTimeout)
	defer cancel()
	_ = c.parent.publish(ctx, &proto.CallEvent{
		Kind:      proto.CallKindHangup,
		SignalID:  c.signalID,
		Timestamp: proto.NowMillis(),
	})
	c.teardown(nil)
	return nil
}

// teardown closes the connection once and fires close listeners.
func (c *pionConn) teardown(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	fns := c.closeFns
	c.closeFns = nil
	remote := c.remote
	c.mu.Unlock()

	if remote != nil {
		remote.Close()
	}
	_ = c.pc.Close()
	c.parent.remove(c.signalID)
	for _, f := range fns {
		f(err)
	}
}

// remoteStream collects the partner's tracks as they arrive.
type remoteStream struct {
	mu     sync.Mutex
	tracks []Track
}

func (s *remoteStream) add(t Track) {
	s.mu.Lock()
	s.tracks = append(s.tracks, t)
	s.mu.Unlock()
}

func (s *remoteStream) Tracks() []Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Track{}, s.tracks...)
}

func (s *remoteStream) Close() {
	for _, t := range s.Tracks() {
		t.Stop()
	}
}

// remoteTrack pumps RTP off a remote track. Reading continuously is required
// for the interceptor chain to run; disabled tracks keep reading and drop
// the packets. Video tracks also request a keyframe on a fixed cadence so a
// late joiner or a lossy path recovers.
type remoteTrack struct {
	conn  *pionConn
	track *webrtc.TrackRemote
	kind  string

	mu      sync.Mutex
	enabled bool
	sink    func(*rtp.Packet)
	stop    chan struct{}
	once    sync.Once
}

func newRemoteTrack(c *pionConn, track *webrtc.TrackRemote) *remoteTrack {
	kind := "audio"
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		kind = "video"
	}
	rt := &remoteTrack{conn: c, track: track, kind: kind, enabled: true, stop: make(chan struct{})}
	go rt.pump()
	if kind == "video" {
		go rt.pliLoop()
	}
	return rt
}

func (t *remoteTrack) ID() string   { return t.track.ID() }
func (t *remoteTrack) Kind() string { return t.kind }

// SetEnabled mutes the track locally; the packets keep flowing and are
// dropped.
func (t *remoteTrack) SetEnabled(on bool) error {
	t.mu.Lock()
	t.enabled = on
	t.mu.Unlock()
	return nil
}

// SetSink routes the track's RTP packets to a consumer.
func (t *remoteTrack) SetSink(f func(*rtp.Packet)) {
	t.mu.Lock()
	t.sink = f
	t.mu.Unlock()
}

func (t *remoteTrack) Stop() {
	t.once.Do(func() { close(t.stop) })
}

func (t *remoteTrack) pump() {
	for {
		select {
		case <-t.stop:
			return
		default:
		}
		pkt, _, err := t.track.ReadRTP()
		if err != nil {
			return
		}
		t.mu.Lock()
		sink := t.sink
		enabled := t.enabled
		t.mu.Unlock()
		if enabled && sink != nil {
			sink(pkt)
		}
	}
}

func (t *remoteTrack) pliLoop() {
	tick := time.NewTicker(pliInterval)
	defer tick.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-tick.C:
			err := t.conn.pc.WriteRTCP([]rtcp.Packet{
				&rtcp.PictureLossIndication{MediaSSRC: uint32(t.track.SSRC())},
			})
			if err != nil {
				return
			}
		}
	}
}
