// Package signaling implements the WebSocket handshake browser clients use
// to establish a relay peer connection: authenticate, exchange SDP, trickle
// ICE candidates.
package signaling

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"golang.org/x/time/rate"

	"github.com/stratovm/udp-relay/internal/auth"
	"github.com/stratovm/udp-relay/internal/meter"
	"github.com/stratovm/udp-relay/internal/relay"
	"github.com/stratovm/udp-relay/internal/rtc"
)

const writeWait = time.Second

// Config wires a Server to the rest of the process.
type Config struct {
	Sessions *relay.SessionManager
	API      *webrtc.API
	Network  rtc.NetworkConfig
	RelayCfg relay.Config
	Policy   relay.DestinationPolicy

	// Verifier is nil when authentication is disabled.
	Verifier auth.Verifier
	// AuthTimeout bounds how long an unauthenticated connection may hold a
	// socket before presenting a token.
	AuthTimeout time.Duration

	// MaxMessageBytes caps a single signaling message; SDPs fit comfortably
	// in the default.
	MaxMessageBytes int64
	// MessagesPerSecond rate-limits client signaling traffic.
	MessagesPerSecond int

	// CheckOrigin rejects cross-origin browser connections; nil allows all.
	CheckOrigin func(r *http.Request) bool

	Metrics *meter.Metrics
	Log     *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = 10 * time.Second
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 64 * 1024
	}
	if c.MessagesPerSecond <= 0 {
		c.MessagesPerSecond = 10
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	return c
}

// Server handles GET /signal WebSocket upgrades.
type Server struct {
	cfg      Config
	upgrader websocket.Upgrader
}

func NewServer(cfg Config) *Server {
	cfg = cfg.withDefaults()
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

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &clientConn{
		srv:  s,
		conn: conn,
		log:  s.cfg.Log.With("remote", conn.RemoteAddr().String()),
	}
	c.run()
}

// clientConn is the state of one signaling connection.
type clientConn struct {
	srv  *Server
	conn *websocket.Conn
	log  *slog.Logger

	// writeMu serializes writes; pion candidate callbacks run on their own
	// goroutines.
	writeMu sync.Mutex

	session *relay.Session
	peer    *rtc.Peer
}

func (c *clientConn) run() {
	cfg := c.srv.cfg
	defer func() {
		if c.peer != nil {
			_ = c.peer.Close()
		}
		if c.session != nil {
			c.session.Close()
		}
		_ = c.conn.Close()
	}()

	authenticated := cfg.Verifier == nil
	if !authenticated {
		_ = c.conn.SetReadDeadline(time.Now().Add(cfg.AuthTimeout))
	} else {
		if !c.openSession("") {
			return
		}
	}

	limiter := rate.NewLimiter(rate.Limit(cfg.MessagesPerSecond), cfg.MessagesPerSecond)

	for {
		if !limiter.Allow() {
			c.closeWith(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		msgType, reader, err := c.conn.NextReader()
		if err != nil {
			if !authenticated && isTimeout(err) {
				c.closeWith(websocket.ClosePolicyViolation, "authentication timeout")
			}
			return
		}
		if msgType != websocket.TextMessage {
			c.closeWith(websocket.CloseUnsupportedData, "expected text message")
			return
		}

		data, err := readLimited(reader, cfg.MaxMessageBytes)
		if err != nil {
			if errors.Is(err, errMessageTooLarge) {
				c.closeWith(websocket.CloseMessageTooBig, "message too large")
			} else {
				c.closeWith(websocket.CloseInternalServerErr, "failed to read message")
			}
			return
		}

		msg, err := parseEnvelope(data)
		if err != nil {
			c.closeWith(websocket.CloseUnsupportedData, "invalid message")
			return
		}

		if !authenticated {
			if msg.Type != messageTypeAuth {
				c.closeWith(websocket.ClosePolicyViolation, "authentication required")
				return
			}
			claims, err := cfg.Verifier.Verify(msg.Token)
			if err != nil {
				if cfg.Metrics != nil {
					cfg.Metrics.AuthFailures.Inc()
				}
				c.closeWith(websocket.ClosePolicyViolation, "invalid credentials")
				return
			}
			if !c.openSession(claims.SessionKey) {
				return
			}
			authenticated = true
			_ = c.conn.SetReadDeadline(time.Time{})
			continue
		}

		switch msg.Type {
		case messageTypeAuth:
			// Re-auth on a live connection is a protocol violation.
			c.closeWith(websocket.ClosePolicyViolation, "already authenticated")
			return
		case messageTypeOffer:
			if !c.handleOffer(msg) {
				return
			}
		case messageTypeCandidate:
			if c.peer == nil {
				c.closeWith(websocket.ClosePolicyViolation, "candidate before offer")
				return
			}
			if err := c.peer.PeerConnection().AddICECandidate(msg.Candidate.toPion()); err != nil {
				c.log.Debug("add ice candidate failed", "err", err)
			}
		case messageTypeClose:
			return
		}
	}
}

// openSession admits the client with the session manager and reports the
// assigned id. A refusal (capacity, duplicate sid) closes the connection.
func (c *clientConn) openSession(key string) bool {
	cfg := c.srv.cfg
	sess, err := cfg.Sessions.CreateSessionForKey(key)
	if err != nil {
		switch {
		case errors.Is(err, relay.ErrSessionAlreadyActive):
			c.closeWith(websocket.ClosePolicyViolation, "session already active")
		case errors.Is(err, relay.ErrTooManySessions):
			c.closeWith(websocket.CloseTryAgainLater, "server at capacity")
		default:
			c.closeWith(websocket.CloseInternalServerErr, "failed to create session")
		}
		return false
	}
	c.session = sess
	return c.send(envelope{Type: messageTypeReady, SessionID: sess.ID()})
}

func (c *clientConn) handleOffer(msg envelope) bool {
	cfg := c.srv.cfg
	if c.peer != nil {
		c.closeWith(websocket.ClosePolicyViolation, "offer already received")
		return false
	}

	offer, err := msg.SDP.toPion()
	if err != nil || offer.Type != webrtc.SDPTypeOffer {
		c.closeWith(websocket.CloseUnsupportedData, "invalid offer")
		return false
	}

	peer, err := rtc.NewPeer(cfg.API, cfg.Network, cfg.RelayCfg, cfg.Policy, c.session, cfg.Metrics, c.log, nil)
	if err != nil {
		c.log.Error("peer connection setup failed", "err", err)
		c.closeWith(websocket.CloseInternalServerErr, "failed to create peer connection")
		return false
	}
	c.peer = peer

	pc := peer.PeerConnection()
	pc.OnICECandidate(func(ic *webrtc.ICECandidate) {
		if ic == nil {
			return
		}
		init := ic.ToJSON()
		c.send(envelope{Type: messageTypeCandidate, Candidate: &candidate{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		}})
	})

	if err := pc.SetRemoteDescription(offer); err != nil {
		c.closeWith(websocket.CloseUnsupportedData, "invalid offer")
		return false
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		c.closeWith(websocket.CloseInternalServerErr, "failed to create answer")
		return false
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		c.closeWith(websocket.CloseInternalServerErr, "failed to set local description")
		return false
	}

	local := pc.LocalDescription()
	return c.send(envelope{Type: messageTypeAnswer, SDP: &sdp{
		Type: "answer",
		SDP:  local.SDP,
	}})
}

func (c *clientConn) send(msg envelope) bool {
	payload, err := json.Marshal(msg)
	if err != nil {
		return false
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, payload) == nil
}

// closeWith reports the failure as a JSON error message, then closes the
// WebSocket with a matching status code.
func (c *clientConn) closeWith(code int, reason string) {
	c.send(envelope{Type: messageTypeError, Code: errorCode(code), Message: reason})
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
}

func errorCode(wsCode int) string {
	switch wsCode {
	case websocket.ClosePolicyViolation:
		return "policy_violation"
	case websocket.CloseUnsupportedData:
		return "unsupported_data"
	case websocket.CloseMessageTooBig:
		return "message_too_big"
	case websocket.CloseTryAgainLater:
		return "at_capacity"
	default:
		return "internal_error"
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

var errMessageTooLarge = errors.New("signaling: message too large")

func readLimited(r io.Reader, max int64) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > max {
		return nil, errMessageTooLarge
	}
	return b, nil
}
