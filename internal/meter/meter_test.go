package meter

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestIncDropReason(t *testing.T) {
	m := New()

	m.Inc(DropRateLimited)
	m.Inc(DropRateLimited)
	m.Inc(DropMalformed)

	if got := testutil.ToFloat64(m.Drops.WithLabelValues(DropRateLimited)); got != 2 {
		t.Errorf("rate_limited = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.Drops.WithLabelValues(DropMalformed)); got != 1 {
		t.Errorf("malformed = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.Drops.WithLabelValues(DropOversized)); got != 0 {
		t.Errorf("oversized = %v, want 0", got)
	}
}

func TestInstancesAreIndependent(t *testing.T) {
	a := New()
	b := New()

	a.DatagramsIn.Inc()

	if got := testutil.ToFloat64(a.DatagramsIn); got != 1 {
		t.Errorf("a datagrams_in = %v, want 1", got)
	}
	if got := testutil.ToFloat64(b.DatagramsIn); got != 0 {
		t.Errorf("b datagrams_in = %v, want 0", got)
	}
	if a.Registry() == nil || b.Registry() == nil {
		t.Fatal("New must provide a private registry")
	}
	if a.Registry() == b.Registry() {
		t.Fatal("instances share a registry")
	}
}

func TestGatherIncludesPreRegisteredReasons(t *testing.T) {
	m := New()
	fams, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, f := range fams {
		if f.GetName() == "strato_udp_relay_drops_total" {
			if got := len(f.GetMetric()); got != len(dropReasons) {
				t.Errorf("drops_total series = %d, want %d", got, len(dropReasons))
			}
			return
		}
	}
	t.Fatal("drops_total not gathered")
}
