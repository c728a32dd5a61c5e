// Package udpws serves the relay framing protocol over a plain WebSocket,
// for clients that cannot establish a WebRTC data channel. Binary messages
// carry relay frames; text messages carry small JSON control notices.
package udpws

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/stratovm/udp-relay/internal/auth"
	"github.com/stratovm/udp-relay/internal/meter"
	"github.com/stratovm/udp-relay/internal/relay"
	"github.com/stratovm/udp-relay/internal/wire"
)

const writeWait = time.Second

type Config struct {
	Sessions *relay.SessionManager
	RelayCfg relay.Config
	Policy   relay.DestinationPolicy

	// Verifier is nil when authentication is disabled. Credentials arrive in
	// the "token" query parameter since the frame stream starts immediately.
	Verifier auth.Verifier

	// CheckOrigin rejects cross-origin browser connections; nil allows all.
	CheckOrigin func(r *http.Request) bool

	Metrics *meter.Metrics
	Log     *slog.Logger
}

// Server handles GET /udp WebSocket upgrades.
type Server struct {
	cfg      Config
	upgrader websocket.Upgrader
}

func NewServer(cfg Config) *Server {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Server{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin: checkOrigin,
		},
	}
}

type controlNotice struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	Message   string `json:"message,omitempty"`
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionKey := ""
	if s.cfg.Verifier != nil {
		claims, err := s.cfg.Verifier.Verify(r.URL.Query().Get("token"))
		if err != nil {
			if s.cfg.Metrics != nil {
				s.cfg.Metrics.AuthFailures.Inc()
			}
			http.Error(w, "invalid credentials", http.StatusUnauthorized)
			return
		}
		sessionKey = claims.SessionKey
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sess, err := s.cfg.Sessions.CreateSessionForKey(sessionKey)
	if err != nil {
		code := websocket.CloseInternalServerErr
		switch {
		case errors.Is(err, relay.ErrSessionAlreadyActive):
			code = websocket.ClosePolicyViolation
		case errors.Is(err, relay.ErrTooManySessions):
			code = websocket.CloseTryAgainLater
		}
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, err.Error()), time.Now().Add(writeWait))
		return
	}
	defer sess.Close()

	sender := &wsSender{conn: conn}
	rly := relay.NewSessionRelay(sender, s.cfg.RelayCfg, s.cfg.Policy, sess, s.cfg.Metrics, s.cfg.Log)
	defer rly.Close()

	// Kick the transport when hard enforcement closes the session.
	sess.AddOnClose(func() {
		go conn.Close()
	})

	if ready, err := json.Marshal(controlNotice{Type: "ready", SessionID: sess.ID()}); err == nil {
		_ = sender.sendText(ready)
	}

	// Cap frame size at the WebSocket layer so an oversized message fails the
	// read instead of being buffered in full. 24 bytes covers the largest v2
	// header.
	maxPayload := s.cfg.RelayCfg.MaxPayloadBytes
	if maxPayload <= 0 {
		maxPayload = wire.DefaultMaxPayload
	}
	conn.SetReadLimit(int64(maxPayload) + 24)

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) && s.cfg.Metrics != nil {
				s.cfg.Metrics.Inc(meter.DropOversized)
			}
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		rly.HandleDataChannelMessage(data)
	}
}

// wsSender adapts a websocket connection to the relay's frame sender. Frames
// flow from UDP read loops, so writes carry a deadline rather than blocking
// on a slow client.
type wsSender struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsSender) Send(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return w.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (w *wsSender) sendText(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return w.conn.WriteMessage(websocket.TextMessage, data)
}
