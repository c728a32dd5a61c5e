package relay

import (
	"time"

	"github.com/stratovm/udp-relay/internal/wire"
)

// Config tunes one SessionRelay.
type Config struct {
	// MaxBindings caps concurrently open per-guest-port UDP sockets. At the
	// cap the least-recently-used binding is evicted to make room.
	MaxBindings int
	// BindingIdleTimeout closes bindings with no traffic in either
	// direction for this long.
	BindingIdleTimeout time.Duration
	// ReadBufferBytes sizes the UDP receive buffer. It is clamped to at
	// least MaxPayloadBytes+1 so oversized datagrams are detected instead
	// of silently truncated.
	ReadBufferBytes int
	// SendQueueFrames caps the client-bound queue between UDP receive loops
	// and the single sender. On overflow frames are dropped and counted,
	// never blocking a receive loop.
	SendQueueFrames int
	// MaxPayloadBytes bounds frame payloads in both directions.
	MaxPayloadBytes int
	// MaxRemotesPerBinding caps each binding's reply allowlist. Oldest
	// entries are evicted first.
	MaxRemotesPerBinding int
	// AllowUnsolicitedInbound switches a binding to full-cone behavior:
	// inbound datagrams are forwarded regardless of the allowlist. Off by
	// default.
	AllowUnsolicitedInbound bool
	// PreferV2 emits v2 frames to clients that have demonstrated v2 support.
	// IPv6 remotes always use v2.
	PreferV2 bool
}

func DefaultConfig() Config {
	return Config{
		MaxBindings:          128,
		BindingIdleTimeout:   60 * time.Second,
		ReadBufferBytes:      64 * 1024,
		SendQueueFrames:      512,
		MaxPayloadBytes:      wire.DefaultMaxPayload,
		MaxRemotesPerBinding: 64,
		PreferV2:             true,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxBindings <= 0 {
		c.MaxBindings = d.MaxBindings
	}
	if c.BindingIdleTimeout <= 0 {
		c.BindingIdleTimeout = d.BindingIdleTimeout
	}
	if c.ReadBufferBytes <= 0 {
		c.ReadBufferBytes = d.ReadBufferBytes
	}
	if c.SendQueueFrames <= 0 {
		c.SendQueueFrames = d.SendQueueFrames
	}
	if c.MaxPayloadBytes <= 0 {
		c.MaxPayloadBytes = d.MaxPayloadBytes
	}
	if c.MaxRemotesPerBinding <= 0 {
		c.MaxRemotesPerBinding = d.MaxRemotesPerBinding
	}
	return c
}

// SessionConfig tunes the SessionManager and the sessions it creates.
type SessionConfig struct {
	// MaxSessions caps concurrently admitted sessions; 0 means unlimited.
	MaxSessions int

	// Limits are the per-session rate/quota budgets.
	Limits SessionLimits

	// HardCloseAfterViolations closes a session after this many rate/quota
	// violations inside ViolationWindow; 0 disables hard enforcement.
	HardCloseAfterViolations int
	ViolationWindow          time.Duration
}

// SessionLimits mirrors limits.Config without forcing callers of this
// package to import it.
type SessionLimits struct {
	UDPPacketsPerSecond               int
	UDPBytesPerSecond                 int
	ClientBytesPerSecond              int
	UDPPacketsPerSecondPerDestination int
	MaxUniqueDestinations             int
	MaxDestinationBuckets             int
}
