package relay

import (
	"context"
	"errors"
	"log/slog"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stratovm/udp-relay/internal/limits"
	"github.com/stratovm/udp-relay/internal/meter"
	"github.com/stratovm/udp-relay/internal/wire"
)

// FrameSender is the client-facing transport: a pion DataChannel or the
// WebSocket adapter both satisfy it.
type FrameSender interface {
	Send(data []byte) error
}

// DestinationPolicy gates every outbound send. egress.Policy implements it;
// a nil policy means deny everything.
type DestinationPolicy interface {
	AllowUDP(addr netip.Addr, port uint16) error
}

// SessionRelay multiplexes one client's guest ports over per-port UDP
// sockets and funnels replies back through a single bounded queue.
type SessionRelay struct {
	sender  FrameSender
	cfg     Config
	policy  DestinationPolicy
	session *Session
	metrics *meter.Metrics
	codec   wire.Codec
	log     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	queue  *sendQueue

	mu       sync.Mutex
	bindings map[uint16]*portBinding

	wg sync.WaitGroup

	closeOnce sync.Once
	closed    atomic.Bool

	// clientSupportsV2 latches (false -> true only) on the first v2 frame
	// observed from the client.
	clientSupportsV2 atomic.Bool
}

func NewSessionRelay(sender FrameSender, cfg Config, policy DestinationPolicy, session *Session, m *meter.Metrics, log *slog.Logger) *SessionRelay {
	cfg = cfg.withDefaults()
	if m == nil && session != nil {
		m = session.Metrics()
	}
	if log == nil {
		log = slog.Default()
	}

	codec, err := wire.NewCodec(cfg.MaxPayloadBytes)
	if err != nil {
		codec = wire.DefaultCodec
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &SessionRelay{
		sender:   sender,
		cfg:      cfg,
		policy:   policy,
		session:  session,
		metrics:  m,
		codec:    codec,
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
		bindings: make(map[uint16]*portBinding),
	}

	var onDrop func()
	if m != nil {
		onDrop = func() { m.Inc(meter.DropBackpressure) }
	}
	s.queue = newSendQueue(cfg.SendQueueFrames, onDrop)

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.senderLoop()
	}()
	go func() {
		defer s.wg.Done()
		s.sweepLoop()
	}()

	return s
}

// HandleDataChannelMessage processes one client frame. It runs synchronously
// on the transport's delivery path and never blocks on socket or queue
// capacity; every failure is a metered drop.
func (s *SessionRelay) HandleDataChannelMessage(msg []byte) {
	if s.closed.Load() {
		return
	}
	if s.metrics != nil {
		s.metrics.DatagramsIn.Inc()
	}

	f, err := s.codec.Decode(msg)
	if err != nil {
		if s.metrics != nil {
			if errors.Is(err, wire.ErrPayloadTooLarge) {
				s.metrics.Inc(meter.DropOversized)
			} else {
				s.metrics.Inc(meter.DropMalformed)
			}
		}
		return
	}

	if f.Version == 2 {
		s.clientSupportsV2.Store(true)
	}

	// Nil policy fails closed: without an egress policy this process would
	// be an open UDP pivot reachable from a browser tab.
	if s.policy == nil {
		if s.metrics != nil {
			s.metrics.Inc(meter.DropDeniedByPolicy)
		}
		return
	}
	if err := s.policy.AllowUDP(f.RemoteAddr, f.RemotePort); err != nil {
		if s.metrics != nil {
			s.metrics.Inc(meter.DropDeniedByPolicy)
		}
		s.log.Debug("egress denied", "remote", f.RemoteAddr, "port", f.RemotePort, "err", err)
		return
	}

	remote := netip.AddrPortFrom(f.RemoteAddr.Unmap(), f.RemotePort)

	if s.session != nil {
		allowed, reason := s.session.AllowClientDatagramWithReason(remote.String(), f.Payload)
		if !allowed {
			if s.metrics != nil {
				if reason == limits.DropTooManyDestinations {
					s.metrics.Inc(meter.DropQuotaExceeded)
				} else {
					s.metrics.Inc(meter.DropRateLimited)
				}
			}
			return
		}
	}

	b, err := s.getOrCreateBinding(f.GuestPort)
	if err != nil {
		if s.metrics != nil {
			if errors.Is(err, errTooManyBindings) {
				s.metrics.Inc(meter.DropTooManyBindings)
			} else {
				s.metrics.Inc(meter.DropDeniedByPolicy)
			}
		}
		return
	}

	now := time.Now()
	b.touch(now)
	b.noteRemote(remote, now)

	if err := b.WriteTo(remote, f.Payload); err != nil {
		// Send failures are not fatal to the binding; the datagram is lost.
		s.log.Debug("udp send failed", "guest_port", f.GuestPort, "remote", remote, "err", err)
	}
}

// getOrCreateBinding returns the live binding for guestPort, creating it
// (and evicting the least-recently-used binding at capacity) as needed.
func (s *SessionRelay) getOrCreateBinding(guestPort uint16) (*portBinding, error) {
	var evicted *portBinding
	defer func() {
		// Sockets close outside the map lock.
		if evicted != nil {
			evicted.Close()
		}
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Load() {
		return nil, errRelayClosed
	}
	if b, ok := s.bindings[guestPort]; ok {
		b.touch(time.Now())
		return b, nil
	}

	if len(s.bindings) >= s.cfg.MaxBindings {
		evicted = s.evictOldestLocked()
	}
	if len(s.bindings) >= s.cfg.MaxBindings {
		return nil, errTooManyBindings
	}

	b, err := newPortBinding(guestPort, s.cfg, s.codec, s.queue, &s.clientSupportsV2, s.session, s.metrics, s.log)
	if err != nil {
		return nil, err
	}
	s.bindings[guestPort] = b

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		b.readLoop()
	}()
	return b, nil
}

func (s *SessionRelay) evictOldestLocked() *portBinding {
	var oldestPort uint16
	var oldest *portBinding
	for port, b := range s.bindings {
		if oldest == nil || b.LastUsed().Before(oldest.LastUsed()) {
			oldest, oldestPort = b, port
		}
	}
	if oldest != nil {
		delete(s.bindings, oldestPort)
	}
	return oldest
}

// senderLoop is the single consumer of the send queue; serializing all
// client-bound writes here keeps ordering and backpressure observable in
// one place.
func (s *SessionRelay) senderLoop() {
	for {
		frame, ok := s.queue.Dequeue()
		if !ok {
			return
		}
		if err := s.sender.Send(frame); err != nil {
			s.log.Debug("client send failed", "err", err)
		}
	}
}

func (s *SessionRelay) sweepLoop() {
	interval := s.cfg.BindingIdleTimeout / 2
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-t.C:
			s.sweepIdle(time.Now())
		}
	}
}

func (s *SessionRelay) sweepIdle(now time.Time) {
	var stale []*portBinding

	s.mu.Lock()
	for port, b := range s.bindings {
		if now.Sub(b.LastUsed()) > s.cfg.BindingIdleTimeout {
			delete(s.bindings, port)
			stale = append(stale, b)
		}
	}
	s.mu.Unlock()

	for _, b := range stale {
		b.Close()
	}
}

// Close tears the relay down: no binding socket remains open and no owned
// goroutine is still running when it returns. Idempotent and safe to call
// concurrently with message handling.
func (s *SessionRelay) Close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.cancel()
		s.queue.Close()

		s.mu.Lock()
		toClose := make([]*portBinding, 0, len(s.bindings))
		for _, b := range s.bindings {
			toClose = append(toClose, b)
		}
		s.bindings = make(map[uint16]*portBinding)
		s.mu.Unlock()

		for _, b := range toClose {
			b.Close()
		}
		s.wg.Wait()
	})
}

// BindingCount reports live bindings; used by tests and debug endpoints.
func (s *SessionRelay) BindingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.bindings)
}
