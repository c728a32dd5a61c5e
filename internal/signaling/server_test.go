package signaling

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/stratovm/udp-relay/internal/auth"
	"github.com/stratovm/udp-relay/internal/egress"
	"github.com/stratovm/udp-relay/internal/logging"
	"github.com/stratovm/udp-relay/internal/meter"
	"github.com/stratovm/udp-relay/internal/relay"
	"github.com/stratovm/udp-relay/internal/rtc"
)

func mintToken(t *testing.T, secret []byte, sid string) string {
	t.Helper()
	h, _ := json.Marshal(map[string]any{"alg": "HS256", "typ": "JWT"})
	p, _ := json.Marshal(map[string]any{"sid": sid, "exp": time.Now().Add(time.Hour).Unix()})
	signing := base64.RawURLEncoding.EncodeToString(h) + "." + base64.RawURLEncoding.EncodeToString(p)
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(signing))
	return signing + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func newTestServer(t *testing.T, mutate func(*Config)) (string, *meter.Metrics) {
	t.Helper()

	log := logging.Nop()
	api, err := rtc.NewAPI(rtc.NetworkConfig{}, log)
	if err != nil {
		t.Fatalf("new api: %v", err)
	}
	m := meter.New()
	cfg := Config{
		Sessions: relay.NewSessionManager(relay.SessionConfig{}, m),
		API:      api,
		RelayCfg: relay.DefaultConfig(),
		Policy:   egress.Dev(),
		Metrics:  m,
		Log:      log,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	srv := httptest.NewServer(NewServer(cfg))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), m
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) envelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg envelope
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	return msg
}

func expectClose(t *testing.T, conn *websocket.Conn, code int) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		if !errors.As(err, &ce) {
			t.Fatalf("read err = %v, want close frame", err)
		}
		if ce.Code != code {
			t.Fatalf("close code = %d (%s), want %d", ce.Code, ce.Text, code)
		}
		return
	}
}

func TestSignalingWithoutAuthSendsReady(t *testing.T) {
	url, _ := newTestServer(t, nil)
	conn := dial(t, url)

	ready := readEnvelope(t, conn)
	if ready.Type != messageTypeReady || ready.SessionID == "" {
		t.Fatalf("first message = %+v, want ready with session id", ready)
	}
}

func TestSignalingRequiresAuthBeforeOffer(t *testing.T) {
	secret := []byte("secret")
	verifier, err := auth.NewHMACVerifier(secret)
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	url, _ := newTestServer(t, func(c *Config) { c.Verifier = verifier })

	conn := dial(t, url)
	offer := `{"type":"offer","sdp":{"type":"offer","sdp":"v=0"}}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(offer)); err != nil {
		t.Fatalf("write: %v", err)
	}
	expectClose(t, conn, websocket.ClosePolicyViolation)
}

func TestSignalingAuthFlowBindsSessionKey(t *testing.T) {
	secret := []byte("secret")
	verifier, err := auth.NewHMACVerifier(secret)
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	url, _ := newTestServer(t, func(c *Config) { c.Verifier = verifier })

	conn := dial(t, url)
	tok := mintToken(t, secret, "vm-42")
	if err := conn.WriteJSON(envelope{Type: messageTypeAuth, Token: tok}); err != nil {
		t.Fatalf("write auth: %v", err)
	}

	ready := readEnvelope(t, conn)
	if ready.Type != messageTypeReady || ready.SessionID != "vm-42" {
		t.Fatalf("ready = %+v, want session id vm-42", ready)
	}

	// The same sid cannot hold two live sessions.
	second := dial(t, url)
	if err := second.WriteJSON(envelope{Type: messageTypeAuth, Token: mintToken(t, secret, "vm-42")}); err != nil {
		t.Fatalf("write auth: %v", err)
	}
	expectClose(t, second, websocket.ClosePolicyViolation)
}

func TestSignalingRejectsInvalidToken(t *testing.T) {
	verifier, err := auth.NewHMACVerifier([]byte("right"))
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	url, m := newTestServer(t, func(c *Config) { c.Verifier = verifier })

	conn := dial(t, url)
	if err := conn.WriteJSON(envelope{Type: messageTypeAuth, Token: mintToken(t, []byte("wrong"), "x")}); err != nil {
		t.Fatalf("write auth: %v", err)
	}
	expectClose(t, conn, websocket.ClosePolicyViolation)

	deadline := time.Now().Add(2 * time.Second)
	for testutil.ToFloat64(m.AuthFailures) != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("auth failures = %v, want 1", testutil.ToFloat64(m.AuthFailures))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSignalingOfferAnswerExchange(t *testing.T) {
	url, _ := newTestServer(t, nil)
	conn := dial(t, url)

	if ready := readEnvelope(t, conn); ready.Type != messageTypeReady {
		t.Fatalf("first message = %+v, want ready", ready)
	}

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("peer connection: %v", err)
	}
	t.Cleanup(func() { pc.Close() })
	ordered := false
	zero := uint16(0)
	if _, err := pc.CreateDataChannel("udp", &webrtc.DataChannelInit{Ordered: &ordered, MaxRetransmits: &zero}); err != nil {
		t.Fatalf("data channel: %v", err)
	}
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		t.Fatalf("offer: %v", err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		t.Fatalf("set local: %v", err)
	}
	<-gathered

	if err := conn.WriteJSON(envelope{Type: messageTypeOffer, SDP: &sdp{Type: "offer", SDP: pc.LocalDescription().SDP}}); err != nil {
		t.Fatalf("write offer: %v", err)
	}

	// Candidates may trickle before the answer; skip them.
	for {
		msg := readEnvelope(t, conn)
		if msg.Type == messageTypeCandidate {
			continue
		}
		if msg.Type != messageTypeAnswer || msg.SDP == nil || msg.SDP.SDP == "" {
			t.Fatalf("message = %+v, want answer with sdp", msg)
		}
		break
	}

	// A second offer on the same connection is refused.
	if err := conn.WriteJSON(envelope{Type: messageTypeOffer, SDP: &sdp{Type: "offer", SDP: pc.LocalDescription().SDP}}); err != nil {
		t.Fatalf("write second offer: %v", err)
	}
	expectClose(t, conn, websocket.ClosePolicyViolation)
}

func TestSignalingMessageSizeLimit(t *testing.T) {
	url, _ := newTestServer(t, func(c *Config) { c.MaxMessageBytes = 128 })
	conn := dial(t, url)

	if ready := readEnvelope(t, conn); ready.Type != messageTypeReady {
		t.Fatalf("first message = %+v, want ready", ready)
	}

	huge := `{"type":"offer","sdp":{"type":"offer","sdp":"` + strings.Repeat("a", 4096) + `"}}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(huge)); err != nil {
		t.Fatalf("write: %v", err)
	}
	expectClose(t, conn, websocket.CloseMessageTooBig)
}
