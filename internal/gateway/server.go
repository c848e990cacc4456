// Package gateway is the local HTTP surface of the client: a JSON API over
// the room's chat, presence and call state, a websocket event feed, the
// media file server and Prometheus metrics. It binds to loopback; the room
// token is the only secret in the system and never crosses this API.
package gateway

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/duoroom/duoroom/internal/call"
	"github.com/duoroom/duoroom/internal/chat"
	"github.com/duoroom/duoroom/internal/media"
	"github.com/duoroom/duoroom/internal/presence"
	"github.com/duoroom/duoroom/internal/util"
)

// Deps are the room collaborators the gateway exposes.
type Deps struct {
	RoomBase   string
	Token      string // the local party's full room token
	Identity   string
	Partner    string // partner identity, empty until published
	Chat       *chat.Manager
	Presence   *presence.Channel
	Reconciler *presence.Reconciler
	Calls      *call.Handshake
	Media      *media.Store

	// VideoDisabled forces audio-only calling regardless of hardware.
	VideoDisabled bool
}

// Server owns the HTTP listener.
type Server struct {
	deps Deps
	srv  *http.Server
	hub  *hub
}

// New builds the server for addr. Start actually listens.
func New(addr string, deps Deps) *Server {
	mux := http.NewServeMux()
	s := &Server{
		deps: deps,
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		hub: newHub(deps),
	}

	s.registerRoom(mux)
	s.registerChat(mux)
	s.registerPresence(mux)
	s.registerCall(mux)
	mux.HandleFunc("/ws", s.hub.serveWS)

	if deps.Media != nil {
		mux.Handle(media.URLPrefix, http.StripPrefix(media.URLPrefix, mediaFileServer(deps.Media.Dir())))
	}
	mux.Handle("/metrics", promhttp.Handler())

	return s
}

// Handler returns the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Start listens and serves until Close. Blocks.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	log.Printf("GATE: listening on http://%s", ln.Addr())
	if err := s.srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close stops the listener and disconnects websocket clients.
func (s *Server) Close() error {
	s.hub.close()
	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultConnectTimeout)
	defer cancel()
	return s.srv.Shutdown(ctx)
}

// mediaFileServer serves stored attachments with explicit content types so
// a renamed upload cannot be sniffed into something a browser executes.
func mediaFileServer(dir string) http.Handler {
	fs := http.FileServer(http.Dir(dir))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", media.ContentTypeFor(r.URL.Path, nil))
		w.Header().Set("X-Content-Type-Options", "nosniff")
		fs.ServeHTTP(w, r)
	})
}
