package egress

import (
	"errors"
	"net/netip"
	"testing"
)

func mustAddr(t *testing.T, s string) netip.Addr {
	t.Helper()
	a, err := netip.ParseAddr(s)
	if err != nil {
		t.Fatalf("parse addr %q: %v", s, err)
	}
	return a
}

func TestNilPolicyFailsClosed(t *testing.T) {
	var p *Policy
	if err := p.AllowUDP(mustAddr(t, "93.184.216.34"), 53); !errors.Is(err, ErrDenied) {
		t.Fatalf("nil policy err = %v, want ErrDenied", err)
	}
}

func TestProductionDeniesByDefault(t *testing.T) {
	p := Production()
	if err := p.AllowUDP(mustAddr(t, "93.184.216.34"), 53); !errors.Is(err, ErrDenied) {
		t.Errorf("public addr with no allowlist: err = %v, want ErrDenied", err)
	}

	p.AllowNets = []netip.Prefix{netip.MustParsePrefix("93.184.216.0/24")}
	if err := p.AllowUDP(mustAddr(t, "93.184.216.34"), 53); err != nil {
		t.Errorf("allowlisted addr denied: %v", err)
	}
	if err := p.AllowUDP(mustAddr(t, "93.184.217.1"), 53); !errors.Is(err, ErrDenied) {
		t.Errorf("addr outside allowlist: err = %v, want ErrDenied", err)
	}
}

func TestSpecialRangesDenied(t *testing.T) {
	p := &Policy{DefaultAllow: true}
	for _, s := range []string{
		"127.0.0.1",
		"10.1.2.3",
		"172.16.0.1",
		"192.168.1.1",
		"169.254.1.1",
		"100.64.0.1",
		"224.0.0.251",
		"255.255.255.255",
		"0.0.0.0",
		"::1",
		"fe80::1",
		"fd00::1",
		"ff02::1",
		"::",
		"::ffff:192.168.0.1", // v4-mapped private
	} {
		if err := p.AllowUDP(mustAddr(t, s), 53); !errors.Is(err, ErrDenied) {
			t.Errorf("AllowUDP(%s) err = %v, want ErrDenied", s, err)
		}
	}

	if err := p.AllowUDP(mustAddr(t, "8.8.8.8"), 53); err != nil {
		t.Errorf("public addr denied under default-allow: %v", err)
	}
}

func TestDevPolicyAllowsPrivate(t *testing.T) {
	p := Dev()
	for _, s := range []string{"127.0.0.1", "10.0.0.1", "8.8.8.8", "::1"} {
		if err := p.AllowUDP(mustAddr(t, s), 9000); err != nil {
			t.Errorf("dev policy denied %s: %v", s, err)
		}
	}
}

func TestPortRules(t *testing.T) {
	p := Dev()
	p.DenyPorts = []PortRange{{Start: 19, End: 19}}
	p.AllowPorts = []PortRange{{Start: 53, End: 53}, {Start: 1024, End: 65535}}

	if err := p.AllowUDP(mustAddr(t, "8.8.8.8"), 19); !errors.Is(err, ErrDenied) {
		t.Errorf("denylisted port: err = %v, want ErrDenied", err)
	}
	if err := p.AllowUDP(mustAddr(t, "8.8.8.8"), 80); !errors.Is(err, ErrDenied) {
		t.Errorf("port outside allowlist: err = %v, want ErrDenied", err)
	}
	if err := p.AllowUDP(mustAddr(t, "8.8.8.8"), 53); err != nil {
		t.Errorf("allowlisted port denied: %v", err)
	}
	if err := p.AllowUDP(mustAddr(t, "8.8.8.8"), 0); !errors.Is(err, ErrDenied) {
		t.Errorf("port 0: err = %v, want ErrDenied", err)
	}
}

func TestDenyNetsOverrideAllow(t *testing.T) {
	p := Dev()
	p.DenyNets = []netip.Prefix{netip.MustParsePrefix("8.8.8.0/24")}
	p.AllowNets = []netip.Prefix{netip.MustParsePrefix("8.0.0.0/8")}

	if err := p.AllowUDP(mustAddr(t, "8.8.8.8"), 53); !errors.Is(err, ErrDenied) {
		t.Errorf("deny rule should override allow: err = %v", err)
	}
	if err := p.AllowUDP(mustAddr(t, "8.8.4.4"), 53); err != nil {
		t.Errorf("allowlisted addr denied: %v", err)
	}
}

func TestParsePortRangeList(t *testing.T) {
	got, err := ParsePortRangeList("53, 1000-2000,65535")
	if err != nil {
		t.Fatalf("ParsePortRangeList: %v", err)
	}
	want := []PortRange{{53, 53}, {1000, 2000}, {65535, 65535}}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("range %d = %v, want %v", i, got[i], want[i])
		}
	}

	for _, bad := range []string{"0", "65536", "x", "20-10"} {
		if _, err := ParsePortRangeList(bad); err == nil {
			t.Errorf("ParsePortRangeList(%q) succeeded, want error", bad)
		}
	}
}

func TestParsePrefixList(t *testing.T) {
	got, err := ParsePrefixList("10.0.0.0/8, fd00::/8")
	if err != nil {
		t.Fatalf("ParsePrefixList: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d prefixes, want 2", len(got))
	}
	if _, err := ParsePrefixList("10.0.0.0"); err == nil {
		t.Error("bare address accepted as prefix")
	}
}
