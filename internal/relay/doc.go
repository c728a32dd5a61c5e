// Package relay moves UDP datagrams between a client-facing frame transport
// (WebRTC data channel or WebSocket) and real UDP sockets.
//
// Every send is gated by the egress destination policy; a relay with no
// policy denies everything. Per-session rate limits, destination quotas and
// binding caps keep a hostile client from using the relay as amplification
// or pivot infrastructure.
package relay
