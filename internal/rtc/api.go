// Package rtc owns the server side of the WebRTC transport: the pion API
// configuration and the per-client peer wrapper that binds the "udp" data
// channel to a relay.
package rtc

import (
	"fmt"
	"log/slog"
	"net"
	"net/netip"

	"github.com/pion/transport/v4/stdnet"
	"github.com/pion/webrtc/v4"
)

// NetworkConfig restricts how pion binds sockets and advertises candidates.
// The zero value imposes no restrictions.
type NetworkConfig struct {
	// UDPPortMin/UDPPortMax bound the ephemeral UDP ports used for ICE.
	// Both zero means any port.
	UDPPortMin uint16
	UDPPortMax uint16

	// NAT1To1IPs are public addresses advertised in place of the locally
	// detected ones, for hosts behind 1:1 NAT.
	NAT1To1IPs []string
	// NAT1To1CandidateType is "host" (default) or "srflx".
	NAT1To1CandidateType string

	// ListenIP restricts candidate gathering to one local address.
	ListenIP netip.Addr

	// SCTPReceiveBufferBytes sizes the SCTP receive window. Zero keeps the
	// pion default.
	SCTPReceiveBufferBytes uint32

	// ICEServers are handed to every PeerConnection.
	ICEServers []webrtc.ICEServer
}

// NewAPI builds the shared pion API instance for all peers.
func NewAPI(cfg NetworkConfig, log *slog.Logger) (*webrtc.API, error) {
	if log == nil {
		log = slog.Default()
	}

	se := webrtc.SettingEngine{
		LoggerFactory: newLoggerFactory(log),
	}

	nw, err := stdnet.NewNet()
	if err != nil {
		return nil, fmt.Errorf("init transport net: %w", err)
	}
	se.SetNet(nw)

	if cfg.UDPPortMin != 0 || cfg.UDPPortMax != 0 {
		if err := se.SetEphemeralUDPPortRange(cfg.UDPPortMin, cfg.UDPPortMax); err != nil {
			return nil, fmt.Errorf("set ephemeral udp port range: %w", err)
		}
	}

	if len(cfg.NAT1To1IPs) > 0 {
		candidateType := webrtc.ICECandidateTypeHost
		switch cfg.NAT1To1CandidateType {
		case "", "host":
		case "srflx":
			candidateType = webrtc.ICECandidateTypeSrflx
		default:
			return nil, fmt.Errorf("invalid NAT 1:1 candidate type %q", cfg.NAT1To1CandidateType)
		}
		se.SetNAT1To1IPs(cfg.NAT1To1IPs, candidateType)
	}

	// pion has no direct bind-address knob; the IP filter constrains both
	// candidate gathering and socket binding.
	if cfg.ListenIP.IsValid() && !cfg.ListenIP.IsUnspecified() {
		want := cfg.ListenIP.Unmap()
		se.SetIPFilter(func(ip net.IP) bool {
			got, ok := netip.AddrFromSlice(ip)
			return ok && got.Unmap() == want
		})
	}

	if cfg.SCTPReceiveBufferBytes > 0 {
		se.SetSCTPMaxReceiveBufferSize(cfg.SCTPReceiveBufferBytes)
	}

	return webrtc.NewAPI(webrtc.WithSettingEngine(se)), nil
}
