// Package egress decides which UDP destinations the relay may send to.
//
// The relay accepts arbitrary destination addresses from a sandboxed guest,
// so the policy is the only thing standing between a browser tab and an open
// UDP pivot into private networks. Callers must treat a nil *Policy as
// deny-everything.
package egress

import (
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

// ErrDenied wraps every policy rejection so callers can classify drops with
// errors.Is while the message keeps the concrete rule that fired.
var ErrDenied = errors.New("egress: destination denied")

// PortRange is an inclusive port interval.
type PortRange struct {
	Start uint16
	End   uint16
}

func (r PortRange) contains(p uint16) bool { return p >= r.Start && p <= r.End }

// Policy evaluates rules in fixed order; deny rules always win:
//
//  1. port denylist
//  2. port allowlist (when configured)
//  3. built-in private/special ranges (unless AllowPrivateNetworks)
//  4. prefix denylist
//  5. prefix allowlist (when configured), otherwise DefaultAllow
type Policy struct {
	// DefaultAllow is the implicit decision when no prefix allowlist is
	// configured. Production deployments run with false.
	DefaultAllow bool

	// AllowPrivateNetworks disables the built-in deny of loopback,
	// link-local, RFC1918/ULA, CGNAT, multicast and reserved ranges.
	AllowPrivateNetworks bool

	AllowNets []netip.Prefix
	DenyNets  []netip.Prefix

	AllowPorts []PortRange
	DenyPorts  []PortRange
}

// Production returns the default-deny policy used outside development.
func Production() *Policy {
	return &Policy{}
}

// Dev returns a permissive policy for local development and tests: default
// allow, including private networks.
func Dev() *Policy {
	return &Policy{DefaultAllow: true, AllowPrivateNetworks: true}
}

// AllowUDP reports whether the relay may send UDP to addr:port. A nil error
// means allow; every denial satisfies errors.Is(err, ErrDenied).
func (p *Policy) AllowUDP(addr netip.Addr, port uint16) error {
	if p == nil {
		return fmt.Errorf("%w: no policy configured", ErrDenied)
	}
	if !addr.IsValid() {
		return fmt.Errorf("%w: invalid address", ErrDenied)
	}
	if port == 0 {
		return fmt.Errorf("%w: port 0", ErrDenied)
	}
	addr = addr.Unmap()

	if portInRanges(port, p.DenyPorts) {
		return fmt.Errorf("%w: port %d on denylist", ErrDenied, port)
	}
	if len(p.AllowPorts) > 0 && !portInRanges(port, p.AllowPorts) {
		return fmt.Errorf("%w: port %d not on allowlist", ErrDenied, port)
	}

	if !p.AllowPrivateNetworks && isSpecialPurpose(addr) {
		return fmt.Errorf("%w: %s is a private/special range", ErrDenied, addr)
	}

	if addrInPrefixes(addr, p.DenyNets) {
		return fmt.Errorf("%w: %s matches deny rule", ErrDenied, addr)
	}
	if len(p.AllowNets) > 0 {
		if addrInPrefixes(addr, p.AllowNets) {
			return nil
		}
		return fmt.Errorf("%w: %s not on allowlist", ErrDenied, addr)
	}

	if p.DefaultAllow {
		return nil
	}
	return fmt.Errorf("%w: %s denied by default", ErrDenied, addr)
}

// isSpecialPurpose covers the ranges a public egress relay must never reach
// on behalf of a guest: loopback, link-local, private/ULA, CGNAT, multicast,
// unspecified, and IPv4 reserved/broadcast space.
func isSpecialPurpose(addr netip.Addr) bool {
	if addr.IsLoopback() || addr.IsUnspecified() ||
		addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast() ||
		addr.IsMulticast() || addr.IsPrivate() {
		return true
	}
	for _, pfx := range extraDeniedPrefixes {
		if pfx.Contains(addr) {
			return true
		}
	}
	return false
}

var extraDeniedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("100.64.0.0/10"), // CGNAT
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("240.0.0.0/4"),
	netip.MustParsePrefix("255.255.255.255/32"),
}

func portInRanges(port uint16, ranges []PortRange) bool {
	for _, r := range ranges {
		if r.contains(port) {
			return true
		}
	}
	return false
}

func addrInPrefixes(addr netip.Addr, prefixes []netip.Prefix) bool {
	for _, pfx := range prefixes {
		if pfx.Contains(addr) {
			return true
		}
	}
	return false
}

// ParsePrefixList parses a comma-separated CIDR list ("10.0.0.0/8, fd00::/8").
func ParsePrefixList(s string) ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, raw := range strings.Split(s, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		pfx, err := netip.ParsePrefix(raw)
		if err != nil {
			return nil, fmt.Errorf("egress: parse prefix %q: %w", raw, err)
		}
		out = append(out, pfx.Masked())
	}
	return out, nil
}

// ParsePortRangeList parses a comma-separated list of ports and inclusive
// ranges ("53, 1000-2000").
func ParsePortRangeList(s string) ([]PortRange, error) {
	var out []PortRange
	for _, raw := range strings.Split(s, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		startStr, endStr, isRange := strings.Cut(raw, "-")
		start, err := parsePort(strings.TrimSpace(startStr))
		if err != nil {
			return nil, err
		}
		end := start
		if isRange {
			if end, err = parsePort(strings.TrimSpace(endStr)); err != nil {
				return nil, err
			}
			if start > end {
				return nil, fmt.Errorf("egress: port range %q: start > end", raw)
			}
		}
		out = append(out, PortRange{Start: start, End: end})
	}
	return out, nil
}

func parsePort(s string) (uint16, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 || n > 65535 {
		return 0, fmt.Errorf("egress: invalid port %q", s)
	}
	return uint16(n), nil
}
