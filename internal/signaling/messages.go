package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/pion/webrtc/v4"
)

type messageType string

const (
	messageTypeAuth      messageType = "auth"
	messageTypeReady     messageType = "ready"
	messageTypeOffer     messageType = "offer"
	messageTypeAnswer    messageType = "answer"
	messageTypeCandidate messageType = "candidate"
	messageTypeClose     messageType = "close"
	messageTypeError     messageType = "error"
)

type sdp struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func (s sdp) toPion() (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch s.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", s.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: s.SDP}, nil
}

type candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func (c candidate) toPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// envelope is the single wire shape for every signaling message. Unknown
// fields and trailing data are rejected so clients cannot smuggle state the
// validator never saw.
type envelope struct {
	Type      messageType `json:"type"`
	SDP       *sdp        `json:"sdp,omitempty"`
	Candidate *candidate  `json:"candidate,omitempty"`

	Token     string `json:"token,omitempty"`
	SessionID string `json:"sessionId,omitempty"`

	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

func parseEnvelope(data []byte) (envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg envelope
	if err := dec.Decode(&msg); err != nil {
		return envelope{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return envelope{}, fmt.Errorf("unexpected trailing data")
	}
	if err := msg.validate(); err != nil {
		return envelope{}, err
	}
	return msg, nil
}

func (m envelope) validate() error {
	switch m.Type {
	case messageTypeAuth:
		if m.Token == "" {
			return fmt.Errorf("auth message missing token")
		}
		if m.SDP != nil || m.Candidate != nil || m.SessionID != "" || m.Code != "" || m.Message != "" {
			return fmt.Errorf("auth message has unexpected fields")
		}
	case messageTypeOffer:
		if m.SDP == nil || m.SDP.Type != "offer" || m.SDP.SDP == "" {
			return fmt.Errorf("offer message missing or malformed sdp")
		}
		if m.Candidate != nil || m.Token != "" || m.SessionID != "" || m.Code != "" || m.Message != "" {
			return fmt.Errorf("offer message has unexpected fields")
		}
	case messageTypeCandidate:
		if m.Candidate == nil || m.Candidate.Candidate == "" {
			return fmt.Errorf("candidate message missing candidate")
		}
		if m.SDP != nil || m.Token != "" || m.SessionID != "" || m.Code != "" || m.Message != "" {
			return fmt.Errorf("candidate message has unexpected fields")
		}
	case messageTypeClose:
		if m.SDP != nil || m.Candidate != nil || m.Token != "" || m.SessionID != "" || m.Code != "" || m.Message != "" {
			return fmt.Errorf("close message has unexpected fields")
		}
	default:
		return fmt.Errorf("unsupported client message type %q", m.Type)
	}
	return nil
}
