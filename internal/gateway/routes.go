package gateway

import (
	"fmt"
	"net/http"

	"github.com/duoroom/duoroom/internal/call"
	"github.com/duoroom/duoroom/internal/proto"
)

// registerRoom wires the room identity endpoint.
//
//	GET /api/room — room base, local identity and token
func (s *Server) registerRoom(mux *http.ServeMux) {
	handleGet(mux, "/api/room", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{
			"roomBase": s.deps.RoomBase,
			"token":    s.deps.Token,
			"identity": s.deps.Identity,
			"partner":  s.deps.Partner,
		})
	})
}

// registerChat wires the message endpoints.
//
//	GET    /api/chat/history — full stored history, oldest first
//	POST   /api/chat/send    — {content}
//	POST   /api/chat/gif     — {url}
//	POST   /api/chat/media   — raw body upload, name in ?name=
//	DELETE /api/chat/history — clear everything
func (s *Server) registerChat(mux *http.ServeMux) {
	mux.HandleFunc("/api/chat/history", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			msgs, err := s.deps.Chat.History()
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			if msgs == nil {
				msgs = []proto.Message{}
			}
			writeJSON(w, msgs)
		case http.MethodDelete:
			n, err := s.deps.Chat.ClearAll()
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			s.deps.Chat.System("chat history cleared")
			writeJSON(w, map[string]int64{"deleted": n})
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})

	handlePost(mux, "/api/chat/send", func(w http.ResponseWriter, r *http.Request, req struct {
		Content string `json:"content"`
	}) {
		msg, err := s.deps.Chat.Send(req.Content)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.deps.Presence.StopTyping()
		writeJSON(w, msg)
	})

	handlePost(mux, "/api/chat/gif", func(w http.ResponseWriter, r *http.Request, req struct {
		URL string `json:"url"`
	}) {
		msg, err := s.deps.Chat.SendGif(req.URL)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, msg)
	})

	mux.HandleFunc("/api/chat/media", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		name := r.URL.Query().Get("name")
		if name == "" {
			http.Error(w, "missing name", http.StatusBadRequest)
			return
		}
		msg, err := s.deps.Chat.SendMedia(name, http.MaxBytesReader(w, r.Body, 32<<20))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, msg)
	})
}

// registerPresence wires the presence endpoints.
//
//	GET  /api/presence     — the partner's merged view
//	POST /api/typing       — one keystroke pulse
//	POST /api/typing/stop  — explicit stop (message sent, input cleared)
func (s *Server) registerPresence(mux *http.ServeMux) {
	handleGet(mux, "/api/presence", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, s.deps.Reconciler.Snapshot())
	})

	handlePost(mux, "/api/typing", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		s.deps.Presence.TypingPulse()
		writeJSON(w, map[string]string{"status": "ok"})
	})

	handlePost(mux, "/api/typing/stop", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		s.deps.Presence.StopTyping()
		writeJSON(w, map[string]string{"status": "ok"})
	})
}

// registerCall wires the call control endpoints.
//
//	GET  /api/call              — current handshake snapshot
//	POST /api/call/start        — {call_type: "audio"|"video"}
//	POST /api/call/accept
//	POST /api/call/reject
//	POST /api/call/hangup
//	POST /api/call/toggle-audio — {enabled}
//	POST /api/call/toggle-video — {enabled}
func (s *Server) registerCall(mux *http.ServeMux) {
	handleGet(mux, "/api/call", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, callInfoVM(s.deps.Calls.Info()))
	})

	handlePost(mux, "/api/call/start", func(w http.ResponseWriter, r *http.Request, req struct {
		CallType string `json:"call_type"`
	}) {
		ct := proto.CallType(req.CallType)
		if ct != proto.CallAudio && ct != proto.CallVideo {
			http.Error(w, "call_type must be audio or video", http.StatusBadRequest)
			return
		}
		if ct == proto.CallVideo && s.deps.VideoDisabled {
			http.Error(w, "video calls are disabled on this peer", http.StatusForbidden)
			return
		}
		if err := s.deps.Calls.Start(r.Context(), ct); err != nil {
			http.Error(w, fmt.Sprintf("start call: %v", err), http.StatusConflict)
			return
		}
		writeJSON(w, callInfoVM(s.deps.Calls.Info()))
	})

	handlePost(mux, "/api/call/accept", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		if err := s.deps.Calls.Accept(r.Context()); err != nil {
			http.Error(w, fmt.Sprintf("accept call: %v", err), http.StatusConflict)
			return
		}
		writeJSON(w, callInfoVM(s.deps.Calls.Info()))
	})

	handlePost(mux, "/api/call/reject", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		if err := s.deps.Calls.Reject(); err != nil {
			http.Error(w, fmt.Sprintf("reject call: %v", err), http.StatusConflict)
			return
		}
		writeJSON(w, callInfoVM(s.deps.Calls.Info()))
	})

	handlePost(mux, "/api/call/hangup", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		s.deps.Calls.End()
		writeJSON(w, callInfoVM(s.deps.Calls.Info()))
	})

	handlePost(mux, "/api/call/toggle-audio", func(w http.ResponseWriter, r *http.Request, req struct {
		Enabled bool `json:"enabled"`
	}) {
		writeJSON(w, map[string]bool{"enabled": s.deps.Calls.SetAudioEnabled(req.Enabled)})
	})

	handlePost(mux, "/api/call/toggle-video", func(w http.ResponseWriter, r *http.Request, req struct {
		Enabled bool `json:"enabled"`
	}) {
		writeJSON(w, map[string]bool{"enabled": s.deps.Calls.SetVideoEnabled(req.Enabled)})
	})
}

func callInfoVM(info call.Info) map[string]any {
	return map[string]any{
		"state":    info.State.String(),
		"signalId": info.SignalID,
		"callType": string(info.CallType),
		"partner":  info.Partner,
		"outgoing": info.Outgoing,
	}
}
