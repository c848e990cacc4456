// Package signal is the durable side of call setup: ringing/accepted/
// rejected/ended intent records that a callee can observe before any live
// peer connection exists. Live SDP/ICE rides the broadcast channel instead.
package signal

import (
	"context"
	"fmt"
	"log"

	"github.com/duoroom/duoroom/internal/proto"
	"github.com/duoroom/duoroom/internal/store"
)

// Wire is the slice of the broadcast channel the signal channel needs.
// *broadcast.Channel satisfies it.
type Wire interface {
	Publish(ctx context.Context, from string, body proto.Event) error
	Subscribe(h func(env proto.Envelope, body proto.Event)) (cancel func())
}

// ErrBadTransition reports an attempt to move a signal's status backward or
// sideways. The status machine only moves forward.
type ErrBadTransition struct {
	From, To proto.CallStatus
}

func (e *ErrBadTransition) Error() string {
	return fmt.Sprintf("illegal call-signal transition %s -> %s", e.From, e.To)
}

// ValidTransition reports whether from -> to is a legal forward move:
// ringing -> accepted, ringing -> rejected, ringing -> ended,
// accepted -> ended. Terminal states never transition again; same-state
// writes are not moves.
func ValidTransition(from, to proto.CallStatus) bool {
	switch from {
	case proto.CallRinging:
		return to == proto.CallAccepted || to == proto.CallRejected || to == proto.CallEnded
	case proto.CallAccepted:
		return to == proto.CallEnded
	}
	return false
}

// Channel issues and tracks durable call signals for one process. Each party
// writes its own store; rows replicate to the partner over the wire, so both
// sides observe the same signal history. This type adds transition legality
// and per-room subscription fan-out on top.
type Channel struct {
	db         *store.DB
	wire       Wire
	identity   string
	cancelWire func()
}

// New builds the channel. wire may be nil when both parties share one store
// (tests, same-host sessions); identity marks locally authored publishes.
func New(db *store.DB, wire Wire, identity string) *Channel {
	c := &Channel{db: db, wire: wire, identity: identity}
	if wire != nil {
		c.cancelWire = wire.Subscribe(c.handleEvent)
	}
	return c
}

// handleEvent mirrors partner-authored signal rows into the local store so
// the callee's subscription fires off its own change feed.
func (c *Channel) handleEvent(env proto.Envelope, body proto.Event) {
	if env.From == c.identity {
		return
	}
	ev, ok := body.(*proto.SignalEvent)
	if !ok {
		return
	}
	if err := c.db.MirrorCallSignal(ev.Signal); err != nil {
		log.Printf("SIG: mirror signal %s: %v", ev.Signal.ID, err)
	}
}

func (c *Channel) publish(sig proto.CallSignal) {
	if c.wire == nil {
		return
	}
	if err := c.wire.Publish(context.Background(), c.identity, &proto.SignalEvent{Signal: sig}); err != nil {
		log.Printf("SIG: publish signal %s: %v", sig.ID, err)
	}
}

// Send creates a ringing signal from caller to callee and returns it.
func (c *Channel) Send(roomBase, callerID, calleeID string, callType proto.CallType) (proto.CallSignal, error) {
	sig, err := c.db.InsertCallSignal(roomBase, callerID, calleeID, callType)
	if err != nil {
		return proto.CallSignal{}, err
	}
	c.publish(sig)
	log.Printf("SIG: %s ringing %s (%s call, signal %s)", callerID, calleeID, callType, sig.ID)
	return sig, nil
}

// UpdateStatus moves an existing signal forward. Illegal moves (backward,
// out of a terminal state, or same-state) fail with *ErrBadTransition and
// leave the record untouched.
func (c *Channel) UpdateStatus(signalID string, to proto.CallStatus) error {
	sig, err := c.db.GetCallSignal(signalID)
	if err != nil {
		return err
	}
	if !ValidTransition(sig.Status, to) {
		return &ErrBadTransition{From: sig.Status, To: to}
	}
	if err := c.db.UpdateCallSignalStatus(signalID, to); err != nil {
		return err
	}
	from := sig.Status
	sig.Status = to
	c.publish(sig)
	log.Printf("SIG: signal %s %s -> %s", signalID, from, to)
	return nil
}

// Get fetches one signal by id.
func (c *Channel) Get(signalID string) (proto.CallSignal, error) {
	return c.db.GetCallSignal(signalID)
}

// Subscribe watches the room's signal traffic on behalf of localIdentity.
// onIncoming fires once per new ringing signal addressed to localIdentity;
// onStatus fires when a signal localIdentity is party to, incoming or
// outgoing, reaches a terminal status (rejected or ended). Signals between
// other identities are invisible. Callbacks run on a dedicated goroutine.
// The returned cancel stops delivery.
func (c *Channel) Subscribe(roomBase, localIdentity string, onIncoming, onStatus func(proto.CallSignal)) (cancel func()) {
	ch, stop := c.db.Subscribe(func(ch store.Change) bool {
		if ch.Table != store.TableCallSignals {
			return false
		}
		sig, ok := ch.Record.(proto.CallSignal)
		return ok && sig.RoomBase == roomBase
	})

	go func() {
		for change := range ch {
			sig := change.Record.(proto.CallSignal)
			switch change.Op {
			case store.OpInsert:
				if sig.CalleeID == localIdentity && sig.Status == proto.CallRinging && onIncoming != nil {
					onIncoming(sig)
				}
			case store.OpUpdate:
				if sig.CallerID != localIdentity && sig.CalleeID != localIdentity {
					continue
				}
				if sig.Status.Terminal() && onStatus != nil {
					onStatus(sig)
				}
			}
		}
	}()

	return stop
}

// Close detaches from the wire. Store subscriptions are cancelled per
// Subscribe call by their own cancel funcs.
func (c *Channel) Close() {
	if c.cancelWire != nil {
		c.cancelWire()
	}
}
