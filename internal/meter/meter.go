// Package meter provides the relay's Prometheus metrics.
//
// Every rejection on the datagram path carries one of the stable reason
// labels below so operators can tell abuse from misconfiguration from
// defects. A Metrics value owns its own registry unless one is supplied, so
// multiple relay instances coexist in one process (and in tests).
package meter

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "strato_udp_relay"

// Drop reasons. These are metric label values and part of the operational
// interface; do not rename.
const (
	DropMalformed       = "malformed"
	DropOversized       = "oversized"
	DropDeniedByPolicy  = "denied_by_policy"
	DropRateLimited     = "rate_limited"
	DropQuotaExceeded   = "quota_exceeded"
	DropTooManyBindings = "too_many_bindings"
	DropBackpressure    = "backpressure"
	DropTooManySessions = "too_many_sessions"
)

var dropReasons = []string{
	DropMalformed,
	DropOversized,
	DropDeniedByPolicy,
	DropRateLimited,
	DropQuotaExceeded,
	DropTooManyBindings,
	DropBackpressure,
	DropTooManySessions,
}

// Metrics is the shared, concurrency-safe counter set for one relay
// instance.
type Metrics struct {
	registry *prometheus.Registry

	DatagramsIn  prometheus.Counter
	DatagramsOut prometheus.Counter
	Drops        *prometheus.CounterVec

	SessionsActive     prometheus.Gauge
	SessionsTotal      prometheus.Counter
	SessionsHardClosed prometheus.Counter

	BindingsActive prometheus.Gauge
	BindingsTotal  prometheus.Counter

	AllowlistEvictions  prometheus.Counter
	UnsolicitedInbound  prometheus.Counter
	DestBucketEvictions prometheus.Counter

	AuthFailures prometheus.Counter
}

// New returns Metrics backed by a fresh private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := NewWithRegisterer(reg)
	m.registry = reg
	return m
}

// NewWithRegisterer registers all metrics on reg. Registry() returns nil for
// Metrics built this way; the caller owns exposition.
func NewWithRegisterer(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	m := &Metrics{
		DatagramsIn: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_in_total",
			Help:      "Client frames received on relay transports.",
		}),
		DatagramsOut: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_out_total",
			Help:      "Frames enqueued towards the client.",
		}),
		Drops: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "drops_total",
			Help:      "Datagrams dropped, by reason.",
		}, []string{"reason"}),
		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Currently admitted sessions.",
		}),
		SessionsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Sessions created since start.",
		}),
		SessionsHardClosed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_hard_closed_total",
			Help:      "Sessions force-closed after repeated violations.",
		}),
		BindingsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "udp_bindings_active",
			Help:      "Currently open per-guest-port UDP sockets.",
		}),
		BindingsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "udp_bindings_total",
			Help:      "UDP bindings created since start.",
		}),
		AllowlistEvictions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "allowlist_evictions_total",
			Help:      "Remote-allowlist entries evicted due to the per-binding cap.",
		}),
		UnsolicitedInbound: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unsolicited_inbound_total",
			Help:      "Inbound UDP datagrams dropped because the sender was not on the binding allowlist.",
		}),
		DestBucketEvictions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dest_bucket_evictions_total",
			Help:      "Per-destination limiter buckets evicted due to the bucket cap.",
		}),
		AuthFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Rejected session admission attempts.",
		}),
	}

	// Pre-register every reason so dashboards see zeros instead of absent
	// series.
	for _, r := range dropReasons {
		m.Drops.WithLabelValues(r)
	}
	return m
}

// Registry returns the private registry backing New-built Metrics, or nil.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Inc counts one dropped datagram with the given reason.
func (m *Metrics) Inc(reason string) {
	m.Drops.WithLabelValues(reason).Inc()
}
