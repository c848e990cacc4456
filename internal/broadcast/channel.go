package broadcast

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/duoroom/duoroom/internal/metrics"
	"github.com/duoroom/duoroom/internal/proto"
)

// Handler receives one decoded room event. env carries the raw envelope
// (event name, sender identity); body is the typed payload from
// proto.DecodeEvent.
type Handler func(env proto.Envelope, body proto.Event)

// Channel is one room's broadcast topic. Publishes loop back through the
// router but the read loop drops messages from our own peer id, so a channel
// never observes its own events.
type Channel struct {
	topic *pubsub.Topic
	sub   *pubsub.Subscription
	self  peer.ID

	mu       sync.Mutex
	handlers map[int]Handler
	nextID   int
	closed   bool
}

// JoinRoom joins the GossipSub topic for the room base and starts the read
// loop. Close the channel to leave.
func (n *Node) JoinRoom(ctx context.Context, roomBase string) (*Channel, error) {
	topic, err := n.ps.Join(proto.TopicPrefix + roomBase)
	if err != nil {
		return nil, err
	}
	sub, err := topic.Subscribe()
	if err != nil {
		_ = topic.Close()
		return nil, err
	}

	ch := &Channel{
		topic:    topic,
		sub:      sub,
		self:     n.host.ID(),
		handlers: make(map[int]Handler),
	}
	go ch.readLoop(ctx)

	log.Printf("BCAST: joined room topic for %s", roomBase)
	return ch, nil
}

// Publish encodes and sends one event on the room topic. from is the local
// party's room identity, not the libp2p peer id.
func (c *Channel) Publish(ctx context.Context, from string, body proto.Event) error {
	env, err := proto.EncodeEvent(from, body)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return c.topic.Publish(ctx, raw)
}

// Subscribe registers a handler for every decoded event on the channel.
// Handlers run on the read loop goroutine; they must not block. The returned
// cancel removes the handler.
func (c *Channel) Subscribe(h func(env proto.Envelope, body proto.Event)) (cancel func()) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.handlers[id] = h
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.handlers, id)
		c.mu.Unlock()
	}
}

func (c *Channel) readLoop(ctx context.Context) {
	for {
		msg, err := c.sub.Next(ctx)
		if err != nil {
			return // subscription cancelled or context done
		}
		if msg.ReceivedFrom == c.self {
			continue
		}

		var env proto.Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			log.Printf("BCAST: drop unparseable message from %s: %v", msg.ReceivedFrom, err)
			metrics.BroadcastDropped.Inc()
			continue
		}
		body, err := proto.DecodeEvent(env)
		if err != nil {
			log.Printf("BCAST: drop invalid %q event: %v", env.Event, err)
			metrics.BroadcastDropped.Inc()
			continue
		}

		c.mu.Lock()
		hs := make([]Handler, 0, len(c.handlers))
		for _, h := range c.handlers {
			hs = append(hs, h)
		}
		c.mu.Unlock()

		for _, h := range hs {
			h(env, body)
		}
	}
}

// Close leaves the topic. Safe to call more than once.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.sub.Cancel()
	return c.topic.Close()
}
