package signaling

import (
	"strings"
	"testing"
)

func TestParseEnvelopeAcceptsValidMessages(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		typ  messageType
	}{
		{"auth", `{"type":"auth","token":"abc"}`, messageTypeAuth},
		{"offer", `{"type":"offer","sdp":{"type":"offer","sdp":"v=0..."}}`, messageTypeOffer},
		{"candidate", `{"type":"candidate","candidate":{"candidate":"candidate:1 1 udp 1 127.0.0.1 9 typ host"}}`, messageTypeCandidate},
		{"close", `{"type":"close"}`, messageTypeClose},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg, err := parseEnvelope([]byte(tc.raw))
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if msg.Type != tc.typ {
				t.Fatalf("type = %q, want %q", msg.Type, tc.typ)
			}
		})
	}
}

func TestParseEnvelopeRejectsMalformedMessages(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"not_json", `{{{{`},
		{"unknown_type", `{"type":"ping"}`},
		{"server_only_type", `{"type":"answer","sdp":{"type":"answer","sdp":"v=0"}}`},
		{"unknown_field", `{"type":"auth","token":"t","extra":1}`},
		{"trailing_data", `{"type":"close"}{"type":"close"}`},
		{"auth_without_token", `{"type":"auth"}`},
		{"auth_with_sdp", `{"type":"auth","token":"t","sdp":{"type":"offer","sdp":"x"}}`},
		{"offer_without_sdp", `{"type":"offer"}`},
		{"offer_with_answer_sdp", `{"type":"offer","sdp":{"type":"answer","sdp":"x"}}`},
		{"offer_empty_sdp", `{"type":"offer","sdp":{"type":"offer","sdp":""}}`},
		{"candidate_empty", `{"type":"candidate","candidate":{"candidate":""}}`},
		{"close_with_token", `{"type":"close","token":"t"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := parseEnvelope([]byte(tc.raw)); err == nil {
				t.Fatalf("parse accepted %s", tc.raw)
			}
		})
	}
}

func TestSDPToPion(t *testing.T) {
	if _, err := (sdp{Type: "offer", SDP: "v=0"}).toPion(); err != nil {
		t.Fatalf("offer: %v", err)
	}
	if _, err := (sdp{Type: "rollback", SDP: "v=0"}).toPion(); err == nil || !strings.Contains(err.Error(), "unsupported") {
		t.Fatalf("rollback err = %v", err)
	}
}
