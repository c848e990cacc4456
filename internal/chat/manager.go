// Package chat handles the room's message flow: sending text and media,
// history, the recent-message cache and the clear-chat operation. Messages
// are durable in the local store; the partner's copy is kept in step by
// replicating every row over the room broadcast, and local subscribers hear
// about both through the change feed.
package chat

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"

	"github.com/duoroom/duoroom/internal/media"
	"github.com/duoroom/duoroom/internal/metrics"
	"github.com/duoroom/duoroom/internal/proto"
	"github.com/duoroom/duoroom/internal/store"
	"github.com/duoroom/duoroom/internal/util"
)

// Wire is the slice of the broadcast channel the chat manager needs.
// *broadcast.Channel satisfies it.
type Wire interface {
	Publish(ctx context.Context, from string, body proto.Event) error
	Subscribe(h func(env proto.Envelope, body proto.Event)) (cancel func())
}

// Manager handles chat for one room on behalf of one identity.
type Manager struct {
	db       *store.DB
	media    *media.Store
	wire     Wire
	roomBase string
	identity string

	recent *util.RingBuffer[proto.Message]

	mu         sync.Mutex
	listeners  map[int]func(proto.Message)
	nextID     int
	cancelFeed func()
	cancelWire func()
	closed     bool
}

// New creates the chat manager and warms the recent cache from history.
// mediaStore may be nil; media sends then fail cleanly. wire may be nil when
// both parties share one store (tests, same-host sessions).
func New(db *store.DB, mediaStore *media.Store, wire Wire, roomBase, identity string, bufferSize int) *Manager {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	m := &Manager{
		db:        db,
		media:     mediaStore,
		wire:      wire,
		roomBase:  roomBase,
		identity:  identity,
		recent:    util.NewRingBuffer[proto.Message](bufferSize),
		listeners: make(map[int]func(proto.Message)),
	}

	if history, err := db.ListMessages(roomBase); err != nil {
		log.Printf("CHAT: load history: %v", err)
	} else {
		start := 0
		if len(history) > bufferSize {
			start = len(history) - bufferSize
		}
		for _, msg := range history[start:] {
			m.recent.Push(msg)
		}
	}

	feed, cancel := db.Subscribe(func(c store.Change) bool {
		if c.Table != store.TableMessages || c.Op != store.OpInsert {
			return false
		}
		msg, ok := c.Record.(proto.Message)
		return ok && msg.RoomBase == roomBase
	})
	m.cancelFeed = cancel
	go func() {
		for c := range feed {
			if msg, ok := c.Record.(proto.Message); ok {
				m.deliver(msg)
			}
		}
	}()

	if wire != nil {
		m.cancelWire = wire.Subscribe(m.handleEvent)
	}

	return m
}

// handleEvent mirrors partner-authored rows into the local store. Delivery
// to subscribers then happens through the change feed like any local write.
func (m *Manager) handleEvent(env proto.Envelope, body proto.Event) {
	if env.From == m.identity {
		return
	}
	switch ev := body.(type) {
	case *proto.MessageEvent:
		if ev.Message.RoomBase != m.roomBase {
			return
		}
		if err := m.db.MirrorMessage(ev.Message); err != nil {
			log.Printf("CHAT: mirror message %s: %v", ev.Message.ID, err)
		}
	case *proto.ClearEvent:
		if _, err := m.db.DeleteMessages(m.roomBase); err != nil {
			log.Printf("CHAT: mirror clear: %v", err)
			return
		}
		m.System("Chat cleared")
	}
}

// Send stores a plain text message.
func (m *Manager) Send(text string) (proto.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return proto.Message{}, fmt.Errorf("empty message")
	}
	return m.insert(NewMessage(m.roomBase, m.identity, text, ""))
}

// SendMedia uploads an attachment and stores a message pointing at it. The
// media kind is derived from the file name.
func (m *Manager) SendMedia(name string, r io.Reader) (proto.Message, error) {
	if m.media == nil {
		return proto.Message{}, fmt.Errorf("no media store configured")
	}
	kind := media.TypeFromName(name)
	if kind == "" {
		return proto.Message{}, fmt.Errorf("unsupported media file %q", name)
	}
	url, err := m.media.Upload(m.roomBase, name, r)
	if err != nil {
		return proto.Message{}, err
	}
	return m.insert(NewMessage(m.roomBase, m.identity, url, proto.MediaType(kind)))
}

// SendVoice uploads a recorded voice note.
func (m *Manager) SendVoice(r io.Reader) (proto.Message, error) {
	return m.SendMedia("voice-note.ogg", r)
}

// SendGif stores a message pointing at an externally hosted GIF.
func (m *Manager) SendGif(url string) (proto.Message, error) {
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return proto.Message{}, fmt.Errorf("invalid gif url %q", url)
	}
	return m.insert(NewMessage(m.roomBase, m.identity, url, proto.MediaGif))
}

func (m *Manager) insert(msg proto.Message) (proto.Message, error) {
	if err := m.db.InsertMessage(msg); err != nil {
		return proto.Message{}, err
	}
	metrics.MessagesSent.Inc()
	if m.wire != nil {
		if err := m.wire.Publish(context.Background(), m.identity, &proto.MessageEvent{Message: msg}); err != nil {
			log.Printf("CHAT: publish message %s: %v", msg.ID, err)
		}
	}
	return msg, nil
}

// System emits a locally generated note ("partner joined", "chat cleared").
// It reaches subscribers and the recent cache but is never stored, so the
// partner does not see it.
func (m *Manager) System(text string) {
	m.deliver(NewMessage(m.roomBase, proto.SenderSystem, text, ""))
}

// History returns every stored message of the room, oldest first.
func (m *Manager) History() ([]proto.Message, error) {
	return m.db.ListMessages(m.roomBase)
}

// Recent returns the in-memory tail of the conversation, oldest first.
func (m *Manager) Recent() []proto.Message {
	return m.recent.Snapshot()
}

// LatestPartnerMessage returns the id of the newest cached message that the
// partner sent, for the read-receipt loop.
func (m *Manager) LatestPartnerMessage() (string, bool) {
	msgs := m.recent.Snapshot()
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Sender != m.identity && !msgs[i].System() {
			return msgs[i].ID, true
		}
	}
	return "", false
}

// ClearAll deletes the room's whole history and its stored attachments.
// Returns the number of deleted messages.
func (m *Manager) ClearAll() (int64, error) {
	n, err := m.db.DeleteMessages(m.roomBase)
	if err != nil {
		return 0, err
	}
	if m.media != nil {
		if err := m.media.RemoveRoom(m.roomBase); err != nil {
			log.Printf("CHAT: remove room media: %v", err)
		}
	}
	if m.wire != nil {
		ev := &proto.ClearEvent{Identity: m.identity, Timestamp: proto.NowMillis()}
		if err := m.wire.Publish(context.Background(), m.identity, ev); err != nil {
			log.Printf("CHAT: publish clear: %v", err)
		}
	}
	log.Printf("CHAT: cleared %d messages", n)
	return n, nil
}

// Subscribe registers a listener for every new message, stored or system.
func (m *Manager) Subscribe(f func(proto.Message)) (cancel func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = f
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

func (m *Manager) deliver(msg proto.Message) {
	m.recent.Push(msg)
	m.mu.Lock()
	ls := make([]func(proto.Message), 0, len(m.listeners))
	for _, f := range m.listeners {
		ls = append(ls, f)
	}
	m.mu.Unlock()
	for _, f := range ls {
		f(msg)
	}
}

// Close detaches from the store feed.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()
	if m.cancelWire != nil {
		m.cancelWire()
	}
	m.cancelFeed()
}
