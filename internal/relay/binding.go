package relay

import (
	"errors"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stratovm/udp-relay/internal/meter"
	"github.com/stratovm/udp-relay/internal/wire"
)

// portBinding owns the one UDP socket backing a single guest port. The
// socket is dual-stack and ephemeral; it lives from the guest's first
// outbound datagram on that port until idle timeout, LRU eviction or
// session close.
type portBinding struct {
	guestPort uint16
	conn      *net.UDPConn
	cfg       Config
	codec     wire.Codec
	queue     *sendQueue
	session   *Session
	metrics   *meter.Metrics
	log       *slog.Logger

	// clientSupportsV2 is shared with the owning SessionRelay; it only ever
	// goes false -> true.
	clientSupportsV2 *atomic.Bool

	lastUsed atomic.Int64 // unix nanos

	// remotes is the reply allowlist: endpoints the guest has sent to,
	// capped at cfg.MaxRemotesPerBinding with oldest-first eviction.
	remotesMu sync.Mutex
	remotes   map[netip.AddrPort]time.Time

	closed    atomic.Bool
	closeOnce sync.Once
}

func newPortBinding(guestPort uint16, cfg Config, codec wire.Codec, queue *sendQueue, v2 *atomic.Bool, sess *Session, m *meter.Metrics, log *slog.Logger) (*portBinding, error) {
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, err
	}

	b := &portBinding{
		guestPort:        guestPort,
		conn:             conn,
		cfg:              cfg,
		codec:            codec,
		queue:            queue,
		session:          sess,
		metrics:          m,
		log:              log,
		clientSupportsV2: v2,
		remotes:          make(map[netip.AddrPort]time.Time),
	}
	b.touch(time.Now())
	if m != nil {
		m.BindingsTotal.Inc()
		m.BindingsActive.Inc()
	}
	return b, nil
}

func (b *portBinding) touch(now time.Time) { b.lastUsed.Store(now.UnixNano()) }

func (b *portBinding) LastUsed() time.Time { return time.Unix(0, b.lastUsed.Load()) }

// Close shuts the socket, which unblocks the receive loop. Idempotent and
// safe to call concurrently.
func (b *portBinding) Close() {
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		_ = b.conn.Close()
		if b.metrics != nil {
			b.metrics.BindingsActive.Dec()
		}
	})
}

// noteRemote records remote as a permitted reply source. Called on every
// outbound send, after policy and quota checks passed.
func (b *portBinding) noteRemote(remote netip.AddrPort, now time.Time) {
	remote = netip.AddrPortFrom(remote.Addr().Unmap(), remote.Port())

	b.remotesMu.Lock()
	defer b.remotesMu.Unlock()

	if _, ok := b.remotes[remote]; ok {
		b.remotes[remote] = now
		return
	}

	for len(b.remotes) >= b.cfg.MaxRemotesPerBinding {
		var oldestKey netip.AddrPort
		var oldest time.Time
		first := true
		for k, ts := range b.remotes {
			if first || ts.Before(oldest) {
				oldestKey, oldest, first = k, ts, false
			}
		}
		delete(b.remotes, oldestKey)
		if b.metrics != nil {
			b.metrics.AllowlistEvictions.Inc()
		}
	}
	b.remotes[remote] = now
}

// remoteAllowed reports whether an inbound datagram from remote may reach
// the guest. Entries expire after the binding idle timeout; a hit refreshes
// the entry so active flows stay alive.
func (b *portBinding) remoteAllowed(remote netip.AddrPort, now time.Time) bool {
	if b.cfg.AllowUnsolicitedInbound {
		return true
	}
	remote = netip.AddrPortFrom(remote.Addr().Unmap(), remote.Port())

	b.remotesMu.Lock()
	defer b.remotesMu.Unlock()

	last, ok := b.remotes[remote]
	if !ok {
		return false
	}
	if b.cfg.BindingIdleTimeout > 0 && now.Sub(last) > b.cfg.BindingIdleTimeout {
		delete(b.remotes, remote)
		return false
	}
	b.remotes[remote] = now
	return true
}

// WriteTo sends one payload to remote over the binding's socket.
func (b *portBinding) WriteTo(remote netip.AddrPort, payload []byte) error {
	b.touch(time.Now())
	_, err := b.conn.WriteToUDPAddrPort(payload, remote)
	return err
}

// readLoop pumps inbound datagrams towards the client until the socket
// closes. One goroutine per binding.
func (b *portBinding) readLoop() {
	// One byte beyond the payload cap: UDP reads silently truncate, so a
	// full read means the sender exceeded the cap and the datagram must be
	// dropped rather than forwarded corrupted.
	bufLen := b.cfg.ReadBufferBytes
	if min := b.cfg.MaxPayloadBytes + 1; bufLen < min {
		bufLen = min
	}
	buf := make([]byte, bufLen)

	for {
		n, remote, err := b.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if b.closed.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}

		now := time.Now()
		b.touch(now)

		if n > b.cfg.MaxPayloadBytes {
			if b.metrics != nil {
				b.metrics.Inc(meter.DropOversized)
			}
			continue
		}
		if !b.remoteAllowed(remote, now) {
			if b.metrics != nil {
				b.metrics.UnsolicitedInbound.Inc()
			}
			continue
		}

		payload := make([]byte, n)
		copy(payload, buf[:n])

		frame := wire.Frame{
			GuestPort:  b.guestPort,
			RemoteAddr: remote.Addr().Unmap(),
			RemotePort: remote.Port(),
			Payload:    payload,
		}
		out, err := b.encodeReply(frame)
		if err != nil {
			// IPv6 reply to a v1-only client, or a codec bug. Drop.
			b.log.Debug("failed to encode reply frame", "guest_port", b.guestPort, "err", err)
			continue
		}

		if b.session != nil && !b.session.AllowInboundBytes(len(out)) {
			if b.metrics != nil {
				b.metrics.Inc(meter.DropRateLimited)
			}
			continue
		}
		if b.queue.Enqueue(out) && b.metrics != nil {
			b.metrics.DatagramsOut.Inc()
		}
	}
}

func (b *portBinding) encodeReply(frame wire.Frame) ([]byte, error) {
	if frame.RemoteAddr.Is6() {
		return b.codec.EncodeV2(frame)
	}
	if b.cfg.PreferV2 && b.clientSupportsV2 != nil && b.clientSupportsV2.Load() {
		return b.codec.EncodeV2(frame)
	}
	return b.codec.EncodeV1(frame)
}
