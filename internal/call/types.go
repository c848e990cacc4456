// Package call runs the media call handshake between the two parties of a
// room. It is deliberately standalone: coupling to the rest of the process
// is through the Signaler interface (live SDP/ICE transport) and the
// signal.Channel (durable intent records); media and transport sit behind
// the Peer and MediaDevices interfaces so the handshake machine can be
// driven without hardware.
package call

import (
	"context"

	"github.com/duoroom/duoroom/internal/proto"
)

// State is the handshake position. Exactly one call can be in flight; every
// failure path lands back on StateIdle.
type State int

const (
	StateIdle State = iota
	StateOutgoing
	StateIncoming
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOutgoing:
		return "outgoing"
	case StateIncoming:
		return "incoming"
	case StateConnected:
		return "connected"
	}
	return "unknown"
}

// Info is a snapshot of the current call surfaced to the UI layer.
type Info struct {
	State    State
	SignalID string
	CallType proto.CallType
	Partner  string
	Outgoing bool
}

// Track is one local or remote media track.
type Track interface {
	ID() string
	Kind() string // "audio" or "video"
	SetEnabled(bool) error
	Stop()
}

// Stream groups the tracks of one party.
type Stream interface {
	Tracks() []Track
	Close()
}

// MediaDevices acquires local capture. A failed acquire must leave no
// devices held.
type MediaDevices interface {
	GetUserMedia(audio, video bool) (Stream, error)
}

// Conn is one live peer connection. Callbacks fire at most once per
// registration from the connection's own goroutines.
type Conn interface {
	// OnStream fires when the remote party's stream becomes available.
	OnStream(func(Stream))
	// OnClose fires when the connection ends, with a nil error for a
	// clean remote hangup.
	OnClose(func(error))
	Close() error
}

// Peer establishes connections. Dial is the caller side, Answer the callee
// side; both attach the local stream (nil for receive-only).
type Peer interface {
	Dial(ctx context.Context, signalID string, callType proto.CallType, local Stream) (Conn, error)
	Answer(ctx context.Context, signalID string, callType proto.CallType, local Stream) (Conn, error)
	Close() error
}

// Signaler is the only surface the call package needs from the broadcast
// layer. Satisfied by *broadcast.Channel; run.go is the only place that
// imports both packages.
type Signaler interface {
	Publish(ctx context.Context, from string, body proto.Event) error
	Subscribe(h func(env proto.Envelope, body proto.Event)) (cancel func())
}
