package rtc

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/stratovm/udp-relay/internal/meter"
	"github.com/stratovm/udp-relay/internal/relay"
)

// DataChannelLabelUDP is the data channel label carrying relay frames.
const DataChannelLabelUDP = "udp"

// Peer owns one server-side PeerConnection and the relay bound to its "udp"
// data channel.
type Peer struct {
	pc       *webrtc.PeerConnection
	relayCfg relay.Config
	policy   relay.DestinationPolicy
	session  *relay.Session
	metrics  *meter.Metrics
	log      *slog.Logger
	onClose  func()

	mu        sync.Mutex
	r         *relay.SessionRelay
	closeOnce sync.Once
}

// NewPeer creates a PeerConnection and wires data channel, connection state
// and session lifecycles together. Closing the session closes the peer;
// closing the peer does not close the session (the client may reconnect).
func NewPeer(api *webrtc.API, cfg NetworkConfig, relayCfg relay.Config, policy relay.DestinationPolicy, session *relay.Session, m *meter.Metrics, log *slog.Logger, onClose func()) (*Peer, error) {
	if api == nil {
		return nil, fmt.Errorf("rtc: nil api")
	}
	if log == nil {
		log = slog.Default()
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	p := &Peer{
		pc:       pc,
		relayCfg: relayCfg,
		policy:   policy,
		session:  session,
		metrics:  m,
		log:      log,
		onClose:  onClose,
	}

	if session != nil {
		// Hard enforcement tears down the transport too. Async so a UDP read
		// loop never blocks on pion teardown.
		session.AddOnClose(func() {
			go func() { _ = p.Close() }()
		})
	}

	pc.OnDataChannel(p.handleDataChannel)
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			_ = p.Close()
		}
	})

	return p, nil
}

func (p *Peer) PeerConnection() *webrtc.PeerConnection { return p.pc }

func (p *Peer) handleDataChannel(dc *webrtc.DataChannel) {
	if dc.Label() != DataChannelLabelUDP {
		p.log.Debug("ignoring unknown data channel", "label", dc.Label())
		return
	}
	if err := validateUDPDataChannel(dc); err != nil {
		p.log.Warn("rejecting udp data channel", "err", err)
		_ = dc.Close()
		return
	}

	r := relay.NewSessionRelay(dc, p.relayCfg, p.policy, p.session, p.metrics, p.log)

	p.mu.Lock()
	if p.r != nil {
		p.r.Close()
	}
	p.r = r
	p.mu.Unlock()

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if msg.IsString {
			return
		}
		r.HandleDataChannelMessage(msg.Data)
	})
	dc.OnClose(func() {
		p.mu.Lock()
		if p.r == r {
			p.r = nil
		}
		p.mu.Unlock()
		r.Close()
	})
}

// validateUDPDataChannel requires UDP-like channel semantics: unordered
// delivery with zero retransmits. Anything else would let a lossy link
// head-of-line block the whole relay.
func validateUDPDataChannel(dc *webrtc.DataChannel) error {
	if dc.Ordered() {
		return fmt.Errorf("udp data channel must be unordered")
	}
	if dc.MaxPacketLifeTime() != nil {
		return fmt.Errorf("udp data channel must not set maxPacketLifeTime")
	}
	mr := dc.MaxRetransmits()
	if mr == nil || *mr != 0 {
		return fmt.Errorf("udp data channel must set maxRetransmits=0")
	}
	return nil
}

// Close shuts the relay and the PeerConnection. Idempotent.
func (p *Peer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.mu.Lock()
		r := p.r
		p.r = nil
		p.mu.Unlock()
		if r != nil {
			r.Close()
		}
		if p.onClose != nil {
			p.onClose()
		}
		err = p.pc.Close()
	})
	return err
}
