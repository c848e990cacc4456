// Package presence keeps both parties' online/typing/read state in sync.
// The Channel publishes the local party's state over two paths at once, a
// durable store upsert and an ephemeral broadcast, and the Reconciler merges
// the partner's state back from store feed, broadcast and poll.
package presence

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/duoroom/duoroom/internal/proto"
	"github.com/duoroom/duoroom/internal/store"
	"github.com/duoroom/duoroom/internal/util"
)

// Wire is the ephemeral path of the room: publish one event, or subscribe to
// the partner's. Satisfied by *broadcast.Channel.
type Wire interface {
	Publish(ctx context.Context, from string, body proto.Event) error
	Subscribe(h func(env proto.Envelope, body proto.Event)) (cancel func())
}

// Timer intervals. Defaults match the channel's historical behavior; config
// can override them.
const (
	DefaultHeartbeat      = 30 * time.Second
	DefaultTypingDebounce = 1500 * time.Millisecond
	DefaultReadInterval   = 3 * time.Second
)

// Options tune the channel's timers. Zero values take the defaults.
type Options struct {
	Heartbeat      time.Duration
	TypingDebounce time.Duration
	ReadInterval   time.Duration

	// LatestMessage returns the id of the newest visible partner message,
	// or ok=false when there is nothing to acknowledge. When set, the
	// channel advances the read receipt to it on a ReadInterval cadence.
	LatestMessage func() (id string, ok bool)
}

// Channel publishes the local party's presence. All publishes are
// fire-and-forget: a failed path is logged and the other path still runs, so
// a partner missing the broadcast converges through the store.
type Channel struct {
	db       *store.DB
	wire     Wire
	roomBase string
	identity string

	heartbeat    time.Duration
	debounce     time.Duration
	readInterval time.Duration
	latest       func() (string, bool)

	mu          sync.Mutex
	typing      bool
	typingTimer *time.Timer
	closed      bool
	stop        chan struct{}
	done        sync.WaitGroup
}

// NewChannel starts the channel: publishes online immediately, then keeps
// re-asserting it on the heartbeat cadence and advancing the read receipt on
// the read cadence. Close publishes offline and stops all timers.
func NewChannel(db *store.DB, wire Wire, roomBase, identity string, opts Options) *Channel {
	c := &Channel{
		db:           db,
		wire:         wire,
		roomBase:     roomBase,
		identity:     identity,
		heartbeat:    opts.Heartbeat,
		debounce:     opts.TypingDebounce,
		readInterval: opts.ReadInterval,
		latest:       opts.LatestMessage,
		stop:         make(chan struct{}),
	}
	if c.heartbeat <= 0 {
		c.heartbeat = DefaultHeartbeat
	}
	if c.debounce <= 0 {
		c.debounce = DefaultTypingDebounce
	}
	if c.readInterval <= 0 {
		c.readInterval = DefaultReadInterval
	}

	c.SetOnline(true)
	c.markLatestRead()

	c.done.Add(1)
	go c.run()
	return c
}

func (c *Channel) run() {
	defer c.done.Done()
	hb := time.NewTicker(c.heartbeat)
	defer hb.Stop()
	rd := time.NewTicker(c.readInterval)
	defer rd.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-hb.C:
			c.SetOnline(true)
		case <-rd.C:
			c.markLatestRead()
		}
	}
}

// SetOnline publishes an online/offline flip on both paths.
func (c *Channel) SetOnline(online bool) {
	now := proto.NowMillis()
	if err := c.db.SetOnline(c.roomBase, c.identity, online, now); err != nil {
		log.Printf("PRES: store online=%v: %v", online, err)
	}
	c.broadcast(&proto.StatusEvent{Identity: c.identity, IsOnline: online, Timestamp: now})
}

// TypingPulse asserts typing and arms the debounce timer. Each pulse while
// already typing only re-arms the timer; the stop publish fires once,
// debounce after the final pulse. The channel owns the timer: Close cancels
// it without a trailing stop publish.
func (c *Channel) TypingPulse() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	wasTyping := c.typing
	c.typing = true
	if c.typingTimer == nil {
		c.typingTimer = time.AfterFunc(c.debounce, c.typingExpired)
	} else {
		c.typingTimer.Reset(c.debounce)
	}
	c.mu.Unlock()

	if !wasTyping {
		c.publishTyping(true)
	}
}

// StopTyping clears the typing flag immediately, cancelling the debounce.
// No-op when not typing.
func (c *Channel) StopTyping() {
	c.mu.Lock()
	if !c.typing {
		c.mu.Unlock()
		return
	}
	c.typing = false
	if c.typingTimer != nil {
		c.typingTimer.Stop()
	}
	c.mu.Unlock()

	c.publishTyping(false)
}

func (c *Channel) typingExpired() {
	c.mu.Lock()
	if c.closed || !c.typing {
		c.mu.Unlock()
		return
	}
	c.typing = false
	c.mu.Unlock()

	c.publishTyping(false)
}

func (c *Channel) publishTyping(typing bool) {
	now := proto.NowMillis()
	if err := c.db.SetTyping(c.roomBase, c.identity, typing, now); err != nil {
		log.Printf("PRES: store typing=%v: %v", typing, err)
	}
	c.broadcast(&proto.TypingEvent{Identity: c.identity, IsTyping: typing, Timestamp: now})
}

// MarkRead publishes the read receipt for messageID on both paths. It runs
// on every read tick even when the id has not changed: the broadcast is
// at-most-once and presence rows are not replicated between peers, so the
// periodic re-assertion is what repairs a dropped publish. The reconciler's
// merge treats the duplicates as no-ops.
func (c *Channel) MarkRead(messageID string) {
	if messageID == "" {
		return
	}
	now := proto.NowMillis()
	if err := c.db.SetLastRead(c.roomBase, c.identity, messageID, now); err != nil {
		log.Printf("PRES: store last read: %v", err)
	}
	c.broadcast(&proto.ReadEvent{Identity: c.identity, MessageID: messageID, Timestamp: now})
}

func (c *Channel) markLatestRead() {
	if c.latest == nil {
		return
	}
	if id, ok := c.latest(); ok {
		c.MarkRead(id)
	}
}

func (c *Channel) broadcast(body proto.Event) {
	if c.wire == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultFetchTimeout)
	defer cancel()
	if err := c.wire.Publish(ctx, c.identity, body); err != nil {
		log.Printf("PRES: broadcast: %v", err)
	}
}

// Close publishes offline, stops the timers and returns. Safe to call more
// than once.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.typing = false
	if c.typingTimer != nil {
		c.typingTimer.Stop()
	}
	c.mu.Unlock()

	close(c.stop)
	c.done.Wait()
	c.SetOnline(false)
}
