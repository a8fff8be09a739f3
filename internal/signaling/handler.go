package signaling

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/peerjs-signaling/internal/auth"
)

// Handler serves the PeerJS endpoints under the configured path and passes
// every other request to next.
//
// Endpoints (relative to the path prefix):
//   - .../peerjs/id    : a freshly generated client id
//   - .../peerjs/peers : ids connected to ?key=, when discovery is enabled
//   - .../peerjs       : WebSocket upgrade with ?id=&token=&key=
//
// Non-upgrade requests to any other path containing /peerjs get a bare 200.
func (s *Server) Handler(next http.Handler) http.Handler {
	if next == nil {
		next = http.NotFoundHandler()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := r.URL.Path
		if !strings.HasPrefix(p, s.cfg.Path) {
			next.ServeHTTP(w, r)
			return
		}
		switch {
		case strings.HasSuffix(p, "/peerjs/id"):
			s.handleID(w, r)
		case strings.HasSuffix(p, "/peerjs/peers"):
			s.handlePeers(w, r)
		case !strings.Contains(p, "/peerjs"):
			next.ServeHTTP(w, r)
		case !websocket.IsWebSocketUpgrade(r):
			w.WriteHeader(http.StatusOK)
		default:
			s.handleWebSocket(w, r)
		}
	})
}

func (s *Server) handleID(w http.ResponseWriter, r *http.Request) {
	// PeerJS clients read the body as text, so the id is written unquoted.
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(uuid.NewString()))
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if !s.cfg.AllowDiscovery || s.cfg.Keys.VerifyKey(key) != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ids := []string{}
	if rlm, ok := s.cfg.Realms.Get(key); ok {
		ids = append(ids, rlm.ClientIDs()...)
	}
	writeJSON(w, http.StatusOK, ids)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	ws := newWSConn(conn, wsOptions{
		maxMessageBytes: s.cfg.MaxMessageBytes,
		pingInterval:    s.cfg.PingInterval,
		idleTimeout:     s.cfg.IdleTimeout,
	})

	// Missing parameters are reported over the socket by RegisterClient.
	creds, _ := auth.CredentialsFromQuery(r.URL.Query())
	if err := s.RegisterClient(r.Context(), creds, ws); err != nil {
		s.log.Debug("signaling connection ended", "err", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
