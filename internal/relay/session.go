package relay

import (
	"sync"
	"time"

	"github.com/stratovm/udp-relay/internal/limits"
	"github.com/stratovm/udp-relay/internal/meter"
)

// Session is the rate-limit/quota state for one admitted client. It is
// owned by a SessionManager and consulted by every relay transport bound to
// the client.
type Session struct {
	id      string
	cfg     SessionConfig
	limiter *limits.SessionLimiter
	metrics *meter.Metrics

	mu            sync.Mutex
	closed        bool
	done          chan struct{}
	onClose       func()
	violations    int
	lastViolation time.Time
}

func newSession(id string, cfg SessionConfig, m *meter.Metrics, onClose func()) *Session {
	s := &Session{
		id:      id,
		cfg:     cfg,
		metrics: m,
		done:    make(chan struct{}),
		onClose: onClose,
	}

	var onEvict func()
	if m != nil {
		onEvict = func() { m.DestBucketEvictions.Inc() }
	}
	s.limiter = limits.NewSessionLimiter(limits.Config{
		UDPPacketsPerSecond:               cfg.Limits.UDPPacketsPerSecond,
		UDPBytesPerSecond:                 cfg.Limits.UDPBytesPerSecond,
		ClientBytesPerSecond:              cfg.Limits.ClientBytesPerSecond,
		UDPPacketsPerSecondPerDestination: cfg.Limits.UDPPacketsPerSecondPerDestination,
		MaxUniqueDestinations:             cfg.Limits.MaxUniqueDestinations,
		MaxDestinationBuckets:             cfg.Limits.MaxDestinationBuckets,
		OnDestinationBucketEvicted:        onEvict,
	})
	return s
}

func (s *Session) ID() string { return s.id }

// Metrics returns the relay-instance counter set shared by this session.
func (s *Session) Metrics() *meter.Metrics { return s.metrics }

// Done is closed when the session closes, explicitly or through hard
// enforcement.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// AddOnClose chains fn onto session teardown. If the session is already
// closed fn runs synchronously.
func (s *Session) AddOnClose(fn func()) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		fn()
		return
	}
	prev := s.onClose
	s.onClose = func() {
		if prev != nil {
			prev()
		}
		fn()
	}
	s.mu.Unlock()
}

func (s *Session) Close() {
	s.mu.Lock()
	fn := s.closeLocked()
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (s *Session) closeLocked() func() {
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)
	fn := s.onClose
	s.onClose = nil
	return fn
}

// AllowClientDatagramWithReason checks a guest->remote datagram against the
// session's budgets. destKey identifies the remote endpoint
// (addr:port string form).
func (s *Session) AllowClientDatagramWithReason(destKey string, payload []byte) (bool, limits.DropReason) {
	if s.Closed() {
		return false, limits.DropRateLimited
	}

	allowed, reason := s.limiter.AllowUDPSend(destKey, len(payload))
	if allowed {
		return true, limits.DropNone
	}
	s.recordViolation()
	return false, reason
}

// AllowInboundBytes checks n relay->client bytes against the session's
// client-bound bandwidth budget.
func (s *Session) AllowInboundBytes(n int) bool {
	if s.Closed() {
		return false
	}
	if s.limiter.AllowClientSend(n) {
		return true
	}
	s.recordViolation()
	return false
}

// recordViolation applies hard enforcement: too many violations inside the
// window close the session outright.
func (s *Session) recordViolation() {
	if s.cfg.HardCloseAfterViolations <= 0 {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}

	now := time.Now()
	if s.cfg.ViolationWindow > 0 && !s.lastViolation.IsZero() && now.Sub(s.lastViolation) > s.cfg.ViolationWindow {
		s.violations = 0
	}
	s.lastViolation = now
	s.violations++

	var fn func()
	if s.violations >= s.cfg.HardCloseAfterViolations {
		if s.metrics != nil {
			s.metrics.SessionsHardClosed.Inc()
		}
		fn = s.closeLocked()
	}
	s.mu.Unlock()

	if fn != nil {
		fn()
	}
}
