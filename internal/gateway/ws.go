package gateway

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/duoroom/duoroom/internal/call"
	"github.com/duoroom/duoroom/internal/proto"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Gateway binds to loopback; the page is served from the same origin
	// or a local file.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	wsWriteTimeout = 5 * time.Second
	wsPingInterval = 30 * time.Second
)

// wsEvent is one frame on the event feed.
type wsEvent struct {
	Type string `json:"type"` // "message", "presence", "call"
	Data any    `json:"data"`
}

// hub fans room events out to connected websocket clients. Each client gets
// a buffered send queue; a client that cannot keep up is dropped rather than
// allowed to stall the feed.
type hub struct {
	mu      sync.Mutex
	clients map[*wsClient]struct{}
	closed  bool
	cancels []func()
}

type wsClient struct {
	conn *websocket.Conn
	send chan wsEvent
}

func newHub(deps Deps) *hub {
	h := &hub{clients: make(map[*wsClient]struct{})}

	if deps.Chat != nil {
		h.cancels = append(h.cancels, deps.Chat.Subscribe(func(msg proto.Message) {
			h.broadcast(wsEvent{Type: "message", Data: msg})
		}))
	}
	if deps.Reconciler != nil {
		h.cancels = append(h.cancels, deps.Reconciler.Subscribe(func(v proto.PresenceRecord) {
			h.broadcast(wsEvent{Type: "presence", Data: v})
		}))
	}
	if deps.Calls != nil {
		h.cancels = append(h.cancels, deps.Calls.OnState(func(info call.Info) {
			h.broadcast(wsEvent{Type: "call", Data: callInfoVM(info)})
		}))
	}
	return h
}

func (h *hub) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("GATE: websocket upgrade: %v", err)
		return
	}
	c := &wsClient{conn: conn, send: make(chan wsEvent, 64)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go h.writeLoop(c)
	go h.readLoop(c)
}

func (h *hub) writeLoop(c *wsClient) {
	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()
	for {
		select {
		case ev, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(wsWriteTimeout))
				_ = c.conn.Close()
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.drop(c)
				return
			}
		case <-ping.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.drop(c)
				return
			}
		}
	}
}

// readLoop discards client frames; the feed is one-way. It exists to notice
// the close handshake and pong replies.
func (h *hub) readLoop(c *wsClient) {
	c.conn.SetReadLimit(1024)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			h.drop(c)
			return
		}
	}
}

func (h *hub) broadcast(ev wsEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- ev:
		default:
			// Slow client: close its queue, writeLoop finishes the
			// close handshake.
			delete(h.clients, c)
			close(c.send)
		}
	}
}

func (h *hub) drop(c *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
	_ = c.conn.Close()
}

func (h *hub) close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*wsClient]struct{})
	h.mu.Unlock()

	for _, f := range h.cancels {
		f()
	}
	for _, c := range clients {
		close(c.send)
		_ = c.conn.Close()
	}
}
