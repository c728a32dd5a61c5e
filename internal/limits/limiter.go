// Package limits enforces per-session rate limits and destination quotas.
package limits

import (
	"container/list"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DropReason identifies why a send was rejected.
type DropReason string

const (
	DropNone DropReason = ""
	// DropRateLimited covers every per-second budget: packets, UDP bytes,
	// per-destination packets, and the relay->client byte budget.
	DropRateLimited DropReason = "rate_limited"
	// DropTooManyDestinations fires when the session has exhausted its
	// distinct-destination quota.
	DropTooManyDestinations DropReason = "too_many_destinations"
)

// Config holds the per-session budgets. Zero values disable the
// corresponding limit.
type Config struct {
	// UDPPacketsPerSecond caps guest->remote datagrams across the session.
	UDPPacketsPerSecond int
	// UDPBytesPerSecond caps guest->remote payload bytes.
	UDPBytesPerSecond int
	// ClientBytesPerSecond caps relay->client (data channel) bytes.
	ClientBytesPerSecond int
	// UDPPacketsPerSecondPerDestination caps datagrams towards a single
	// remote endpoint.
	UDPPacketsPerSecondPerDestination int
	// MaxUniqueDestinations caps the number of distinct remote endpoints a
	// session may ever address. This is a quota, not a rate: it never
	// refills.
	MaxUniqueDestinations int
	// MaxDestinationBuckets bounds the per-destination limiter state kept in
	// memory. Defaults to MaxUniqueDestinations when set, else 1024.
	MaxDestinationBuckets int
	// OnDestinationBucketEvicted, when set, runs once per evicted
	// per-destination bucket, outside the limiter's lock.
	OnDestinationBucketEvicted func()
}

// SessionLimiter applies Config to one session. All methods are safe for
// concurrent use.
type SessionLimiter struct {
	packets     *rate.Limiter
	udpBytes    *rate.Limiter
	clientBytes *rate.Limiter

	perDestRate rate.Limit
	maxDests    int
	maxBuckets  int
	onEvict     func()

	mu      sync.Mutex
	seen    map[string]struct{}
	buckets map[string]*destBucket
	lru     *list.List // front = most recently used; values are dest keys
}

type destBucket struct {
	limiter *rate.Limiter
	elem    *list.Element
}

func NewSessionLimiter(cfg Config) *SessionLimiter {
	maxBuckets := cfg.MaxDestinationBuckets
	if maxBuckets <= 0 {
		if cfg.MaxUniqueDestinations > 0 {
			maxBuckets = cfg.MaxUniqueDestinations
		} else {
			maxBuckets = 1024
		}
	}

	l := &SessionLimiter{
		packets:     newLimiter(cfg.UDPPacketsPerSecond),
		udpBytes:    newLimiter(cfg.UDPBytesPerSecond),
		clientBytes: newLimiter(cfg.ClientBytesPerSecond),
		perDestRate: rate.Limit(cfg.UDPPacketsPerSecondPerDestination),
		maxDests:    cfg.MaxUniqueDestinations,
		maxBuckets:  maxBuckets,
		onEvict:     cfg.OnDestinationBucketEvicted,
		seen:        make(map[string]struct{}),
		buckets:     make(map[string]*destBucket),
		lru:         list.New(),
	}
	return l
}

// newLimiter builds a limiter with burst == rate so a one-second budget is
// available immediately, or nil when n disables the limit.
func newLimiter(n int) *rate.Limiter {
	if n <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(n), n)
}

// AllowUDPSend reports whether a guest->remote datagram of n payload bytes
// addressed to destKey may be sent, and the reason when it may not.
func (l *SessionLimiter) AllowUDPSend(destKey string, n int) (bool, DropReason) {
	if l.packets != nil && !l.packets.Allow() {
		return false, DropRateLimited
	}
	if l.udpBytes != nil && !l.udpBytes.AllowN(time.Now(), n) {
		return false, DropRateLimited
	}

	if !l.noteDestination(destKey) {
		return false, DropTooManyDestinations
	}

	if l.perDestRate > 0 {
		if !l.destLimiter(destKey).Allow() {
			return false, DropRateLimited
		}
	}
	return true, DropNone
}

// AllowClientSend reports whether n bytes may be sent towards the client.
func (l *SessionLimiter) AllowClientSend(n int) bool {
	if l.clientBytes == nil {
		return true
	}
	return l.clientBytes.AllowN(time.Now(), n)
}

func (l *SessionLimiter) noteDestination(destKey string) bool {
	if l.maxDests <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.seen[destKey]; ok {
		return true
	}
	if len(l.seen) >= l.maxDests {
		return false
	}
	l.seen[destKey] = struct{}{}
	return true
}

func (l *SessionLimiter) destLimiter(destKey string) *rate.Limiter {
	var evicted bool

	l.mu.Lock()
	b, ok := l.buckets[destKey]
	if ok {
		l.lru.MoveToFront(b.elem)
		l.mu.Unlock()
		return b.limiter
	}

	if len(l.buckets) >= l.maxBuckets {
		if back := l.lru.Back(); back != nil {
			delete(l.buckets, back.Value.(string))
			l.lru.Remove(back)
			evicted = true
		}
	}

	lim := rate.NewLimiter(l.perDestRate, int(l.perDestRate))
	l.buckets[destKey] = &destBucket{
		limiter: lim,
		elem:    l.lru.PushFront(destKey),
	}
	l.mu.Unlock()

	if evicted && l.onEvict != nil {
		l.onEvict()
	}
	return lim
}
