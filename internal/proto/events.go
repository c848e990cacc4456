package proto

import (
	"encoding/json"
	"fmt"
)

// Envelope wraps every payload published on the room broadcast topic.
// Event selects the payload shape; From is the publishing identity.
type Envelope struct {
	Event   string          `json:"event"`
	From    string          `json:"from"`
	Payload json.RawMessage `json:"payload"`
}

// StatusEvent announces an online/offline flip (or heartbeat re-assertion).
type StatusEvent struct {
	Identity  string `json:"userId"`
	IsOnline  bool   `json:"isOnline"`
	Timestamp int64  `json:"timestamp"`
}

// TypingEvent announces a typing start/stop.
type TypingEvent struct {
	Identity  string `json:"userId"`
	IsTyping  bool   `json:"isTyping"`
	Timestamp int64  `json:"timestamp"`
}

// ReadEvent advances the publisher's read receipt.
type ReadEvent struct {
	Identity  string `json:"userId"`
	MessageID string `json:"messageId"`
	Timestamp int64  `json:"timestamp"`
}

// Call signaling kinds, carried inside CallEvent.Kind.
const (
	CallKindOffer  = "call-offer"
	CallKindAnswer = "call-answer"
	CallKindICE    = "ice-candidate"
	CallKindHangup = "call-hangup"
)

// ICECandidate mirrors the standard RTCIceCandidateInit shape.
type ICECandidate struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid,omitempty"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex"`
}

// CallEvent is the live SDP/ICE signaling exchanged while establishing a
// call. The durable call-intent record (CallSignal) travels through the
// store, not through these events.
type CallEvent struct {
	Kind      string        `json:"kind"` // CallKind*
	SignalID  string        `json:"signalId"`
	CallType  CallType      `json:"callType,omitempty"`  // on offers
	SDP       string        `json:"sdp,omitempty"`       // on offers/answers
	Candidate *ICECandidate `json:"candidate,omitempty"` // on ice-candidate
	Timestamp int64         `json:"timestamp"`
}

// MessageEvent replicates one durable chat message to the partner, whose
// store holds only rows written on its own side.
type MessageEvent struct {
	Message Message `json:"message"`
}

// SignalEvent replicates a durable call-intent row (creation or a status
// transition). Live SDP/ICE still travels as CallEvent.
type SignalEvent struct {
	Signal CallSignal `json:"signal"`
}

// ClearEvent announces a room-wide history wipe.
type ClearEvent struct {
	Identity  string `json:"userId"`
	Timestamp int64  `json:"timestamp"`
}

// Event is the closed union of payloads a room subscriber can receive:
// *StatusEvent, *TypingEvent, *ReadEvent, *CallEvent, *MessageEvent,
// *SignalEvent or *ClearEvent.
type Event any

// DecodeEvent validates an envelope at the subscription boundary and returns
// the typed payload. Unknown event names and payloads missing required
// fields are rejected so malformed publishes never reach a handler.
func DecodeEvent(env Envelope) (Event, error) {
	switch env.Event {
	case EventStatus:
		var ev StatusEvent
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return nil, fmt.Errorf("decode %s event: %w", env.Event, err)
		}
		if ev.Identity == "" || ev.Timestamp == 0 {
			return nil, fmt.Errorf("%s event missing identity or timestamp", env.Event)
		}
		return &ev, nil

	case EventTyping:
		var ev TypingEvent
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return nil, fmt.Errorf("decode %s event: %w", env.Event, err)
		}
		if ev.Identity == "" || ev.Timestamp == 0 {
			return nil, fmt.Errorf("%s event missing identity or timestamp", env.Event)
		}
		return &ev, nil

	case EventRead:
		var ev ReadEvent
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return nil, fmt.Errorf("decode %s event: %w", env.Event, err)
		}
		if ev.Identity == "" || ev.MessageID == "" || ev.Timestamp == 0 {
			return nil, fmt.Errorf("%s event missing required fields", env.Event)
		}
		return &ev, nil

	case EventCall:
		var ev CallEvent
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return nil, fmt.Errorf("decode %s event: %w", env.Event, err)
		}
		switch ev.Kind {
		case CallKindOffer, CallKindAnswer:
			if ev.SDP == "" {
				return nil, fmt.Errorf("%s %s missing sdp", env.Event, ev.Kind)
			}
		case CallKindICE:
			if ev.Candidate == nil {
				return nil, fmt.Errorf("%s %s missing candidate", env.Event, ev.Kind)
			}
		case CallKindHangup:
		default:
			return nil, fmt.Errorf("unknown call event kind %q", ev.Kind)
		}
		return &ev, nil

	case EventMessage:
		var ev MessageEvent
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return nil, fmt.Errorf("decode %s event: %w", env.Event, err)
		}
		if ev.Message.ID == "" || ev.Message.RoomBase == "" || ev.Message.Sender == "" {
			return nil, fmt.Errorf("%s event missing message fields", env.Event)
		}
		return &ev, nil

	case EventSignal:
		var ev SignalEvent
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return nil, fmt.Errorf("decode %s event: %w", env.Event, err)
		}
		if ev.Signal.ID == "" || ev.Signal.RoomBase == "" || ev.Signal.Status == "" {
			return nil, fmt.Errorf("%s event missing signal fields", env.Event)
		}
		return &ev, nil

	case EventClear:
		var ev ClearEvent
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return nil, fmt.Errorf("decode %s event: %w", env.Event, err)
		}
		if ev.Identity == "" || ev.Timestamp == 0 {
			return nil, fmt.Errorf("%s event missing identity or timestamp", env.Event)
		}
		return &ev, nil
	}
	return nil, fmt.Errorf("unknown event %q", env.Event)
}

// EncodeEvent builds an envelope for a typed payload. It is the inverse of
// DecodeEvent; an unknown payload type is a programming error at the publish
// site and comes back as an error.
func EncodeEvent(from string, payload Event) (Envelope, error) {
	var name string
	switch payload.(type) {
	case *StatusEvent, StatusEvent:
		name = EventStatus
	case *TypingEvent, TypingEvent:
		name = EventTyping
	case *ReadEvent, ReadEvent:
		name = EventRead
	case *CallEvent, CallEvent:
		name = EventCall
	case *MessageEvent, MessageEvent:
		name = EventMessage
	case *SignalEvent, SignalEvent:
		name = EventSignal
	case *ClearEvent, ClearEvent:
		name = EventClear
	default:
		return Envelope{}, fmt.Errorf("unsupported event payload %T", payload)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s event: %w", name, err)
	}
	return Envelope{Event: name, From: from, Payload: raw}, nil
}
