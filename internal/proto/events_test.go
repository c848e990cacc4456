package proto

import (
	"encoding/json"
	"testing"
)

func TestDecodeEventRoundTrip(t *testing.T) {
	env, err := EncodeEvent("alice123", &TypingEvent{Identity: "alice123", IsTyping: true, Timestamp: 1700000000000})
	if err != nil {
		t.Fatal(err)
	}
	if env.Event != EventTyping || env.From != "alice123" {
		t.Fatalf("envelope = %+v", env)
	}

	ev, err := DecodeEvent(env)
	if err != nil {
		t.Fatal(err)
	}
	typing, ok := ev.(*TypingEvent)
	if !ok {
		t.Fatalf("decoded %T, want *TypingEvent", ev)
	}
	if !typing.IsTyping || typing.Identity != "alice123" {
		t.Errorf("payload = %+v", typing)
	}
}

func TestDecodeEventRejectsUnknownName(t *testing.T) {
	_, err := DecodeEvent(Envelope{Event: "bogus", Payload: json.RawMessage(`{}`)})
	if err == nil {
		t.Fatal("expected error for unknown event name")
	}
}

func TestDecodeEventRejectsMissingFields(t *testing.T) {
	cases := []Envelope{
		{Event: EventStatus, Payload: json.RawMessage(`{"isOnline":true}`)},
		{Event: EventTyping, Payload: json.RawMessage(`{"isTyping":true,"timestamp":1}`)},
		{Event: EventRead, Payload: json.RawMessage(`{"userId":"a","timestamp":1}`)},
		{Event: EventCall, Payload: json.RawMessage(`{"kind":"call-offer","signalId":"s"}`)},
		{Event: EventCall, Payload: json.RawMessage(`{"kind":"ice-candidate","signalId":"s"}`)},
		{Event: EventCall, Payload: json.RawMessage(`{"kind":"nonsense"}`)},
		{Event: EventMessage, Payload: json.RawMessage(`{"message":{"roomBase":"r","sender":"a"}}`)},
		{Event: EventSignal, Payload: json.RawMessage(`{"signal":{"id":"s","roomBase":"r"}}`)},
		{Event: EventClear, Payload: json.RawMessage(`{"timestamp":1}`)},
	}
	for _, env := range cases {
		t.Run(env.Event+"/"+string(env.Payload), func(t *testing.T) {
			if _, err := DecodeEvent(env); err == nil {
				t.Errorf("DecodeEvent(%s) accepted invalid payload %s", env.Event, env.Payload)
			}
		})
	}
}

func TestDecodeEventHangupNeedsNoBody(t *testing.T) {
	env := Envelope{Event: EventCall, Payload: json.RawMessage(`{"kind":"call-hangup","signalId":"s","timestamp":1}`)}
	ev, err := DecodeEvent(env)
	if err != nil {
		t.Fatal(err)
	}
	if ev.(*CallEvent).Kind != CallKindHangup {
		t.Errorf("kind = %v", ev.(*CallEvent).Kind)
	}
}
