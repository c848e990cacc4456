// Package proto holds the shared wire types of the room protocol: the
// presence record, message and call-signal rows, and the broadcast event
// union exchanged on the room's ephemeral channel.
package proto

import "time"

const (
	// TopicPrefix scopes the ephemeral broadcast channel to one room base.
	// Full topic name: TopicPrefix + room base.
	TopicPrefix = "duoroom.room.v1."
)

// Broadcast event names. Every payload on the room topic carries exactly one
// of these in its envelope.
const (
	EventStatus  = "status"       // online/offline flips + heartbeat
	EventTyping  = "typing"       // typing start/stop
	EventRead    = "message_read" // read-receipt advance
	EventCall    = "call"         // SDP/ICE signaling between the peers
	EventMessage = "message"      // replicated chat message row
	EventSignal  = "call_signal"  // replicated durable call-intent row
	EventClear   = "chat_cleared" // room-wide history wipe
)

// SenderSystem is the reserved sender value for locally generated system
// messages. It is never a valid identity.
const SenderSystem = "system"

// MediaType classifies the payload of a media message.
type MediaType string

const (
	MediaImage MediaType = "image"
	MediaVideo MediaType = "video"
	MediaAudio MediaType = "audio"
	MediaGif   MediaType = "gif"
)

// CallType selects audio-only or audio+video for a call.
type CallType string

const (
	CallAudio CallType = "audio"
	CallVideo CallType = "video"
)

// CallStatus is the lifecycle of a durable call signal. Transitions only move
// forward: ringing → accepted|rejected → ended, or ringing → ended.
type CallStatus string

const (
	CallRinging  CallStatus = "ringing"
	CallAccepted CallStatus = "accepted"
	CallRejected CallStatus = "rejected"
	CallEnded    CallStatus = "ended"
)

// Terminal reports whether the status already signals the end of the call
// from the observer's point of view.
func (s CallStatus) Terminal() bool {
	return s == CallRejected || s == CallEnded
}

// PresenceRecord is one party's durable online/typing/read snapshot,
// keyed by (room base, identity). Written only by its owner.
type PresenceRecord struct {
	RoomBase   string `json:"roomBase"`
	Identity   string `json:"identity"`
	IsOnline   bool   `json:"isOnline"`
	IsTyping   bool   `json:"isTyping"`
	LastSeen   int64  `json:"lastSeen"` // unix milliseconds
	LastReadID string `json:"lastReadMessageId,omitempty"`
	UpdatedAt  int64  `json:"updatedAt"`
}

// Message is one chat message. Immutable once stored; deletable only in bulk.
type Message struct {
	ID        string    `json:"id"`
	RoomBase  string    `json:"roomBase"`
	Content   string    `json:"content"` // text, or media URL for media messages
	Sender    string    `json:"sender"`  // identity or SenderSystem
	MediaType MediaType `json:"mediaType,omitempty"`
	CreatedAt int64     `json:"createdAt"` // unix milliseconds
}

// System reports whether the message was generated locally rather than sent
// by a party.
func (m Message) System() bool { return m.Sender == SenderSystem }

// CallSignal is the durable record of call intent, observable by the callee
// before any live peer connection exists.
type CallSignal struct {
	ID        string     `json:"id"`
	RoomBase  string     `json:"roomBase"`
	CallerID  string     `json:"callerId"`
	CalleeID  string     `json:"calleeId"`
	CallType  CallType   `json:"callType"`
	Status    CallStatus `json:"status"`
	CreatedAt int64      `json:"createdAt"`
}

func NowMillis() int64 { return time.Now().UnixMilli() }
