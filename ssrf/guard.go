// Package ssrf refuses outbound destinations that point into private,
// loopback, link-local or otherwise non-public address space.
//
// A Guard validates URLs before use and, through DialControl, re-checks the
// address a connection is actually opened to, so a DNS answer that changes
// between validation and connect is caught as well.
package ssrf

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"net/url"
	"strings"
	"syscall"
)

// Resolver looks up the addresses of a host. *net.Resolver implements it.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// Policy configures a Guard.
type Policy struct {
	// AllowedSchemes lists permitted URL schemes. Empty means http and https.
	AllowedSchemes []string

	// AllowedHosts, when non-empty, is the exhaustive list of permitted hostnames.
	AllowedHosts []string

	// BlockedHosts are always refused.
	BlockedHosts []string

	// AllowedNetworks are exempt from the address checks.
	AllowedNetworks []netip.Prefix

	// BlockedNetworks are refused in addition to the built-in ranges.
	BlockedNetworks []netip.Prefix
}

// DefaultPolicy permits public http and https destinations only.
func DefaultPolicy() Policy {
	return Policy{AllowedSchemes: []string{"https", "http"}}
}

// Ranges that are neither private nor loopback by netip's definition but
// must still never be reached.
var reservedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("192.0.0.0/24"),
	netip.MustParsePrefix("192.0.2.0/24"),
	netip.MustParsePrefix("198.18.0.0/15"),
	netip.MustParsePrefix("198.51.100.0/24"),
	netip.MustParsePrefix("203.0.113.0/24"),
	netip.MustParsePrefix("240.0.0.0/4"),
	netip.MustParsePrefix("2001:db8::/32"),
}

// Guard validates outbound destinations against a Policy.
type Guard struct {
	policy   Policy
	resolver Resolver
	schemes  map[string]struct{}
	allowed  map[string]struct{}
	blocked  map[string]struct{}
}

// Option configures a Guard.
type Option func(*Guard)

// WithResolver replaces the DNS resolver, mainly for tests.
func WithResolver(r Resolver) Option {
	return func(g *Guard) { g.resolver = r }
}

// New builds a Guard for p.
func New(p Policy, opts ...Option) *Guard {
	if len(p.AllowedSchemes) == 0 {
		p.AllowedSchemes = DefaultPolicy().AllowedSchemes
	}
	g := &Guard{
		policy:   p,
		resolver: net.DefaultResolver,
		schemes:  toSet(p.AllowedSchemes),
		allowed:  toSet(p.AllowedHosts),
		blocked:  toSet(p.BlockedHosts),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Validate returns nil when rawURL may be contacted. Policy failures are
// *RejectedError; DNS failures are *ResolveError.
func (g *Guard) Validate(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return &RejectedError{URL: rawURL, Reason: "invalid url", invalid: true}
	}

	if _, ok := g.schemes[strings.ToLower(u.Scheme)]; !ok {
		return &RejectedError{URL: rawURL, Reason: "scheme " + u.Scheme + " not allowed"}
	}

	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	if host == "" {
		return &RejectedError{URL: rawURL, Reason: "empty host", invalid: true}
	}
	if _, ok := g.blocked[host]; ok {
		return &RejectedError{URL: rawURL, Host: host, Reason: "host is blocked"}
	}
	if len(g.allowed) > 0 {
		if _, ok := g.allowed[host]; !ok {
			return &RejectedError{URL: rawURL, Host: host, Reason: "host not in allowlist"}
		}
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		return g.check(rawURL, host, addr)
	}

	addrs, err := g.resolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return &ResolveError{Host: host, Err: err}
	}
	if len(addrs) == 0 {
		return &ResolveError{Host: host, Err: errors.New("no addresses")}
	}
	// Every answer must pass: a mixed public/private record set is refused.
	for _, addr := range addrs {
		if err := g.check(rawURL, host, addr); err != nil {
			return err
		}
	}
	return nil
}

// DialControl is a net.Dialer Control hook that refuses connections to
// blocked addresses.
func (g *Guard) DialControl(_, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		host = address
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return &RejectedError{Host: host, Reason: "unparseable dial address", invalid: true}
	}
	return g.check("", host, addr)
}

func (g *Guard) check(rawURL, host string, addr netip.Addr) error {
	addr = addr.Unmap().WithZone("")
	for _, p := range g.policy.AllowedNetworks {
		if p.Contains(addr) {
			return nil
		}
	}
	for _, p := range g.policy.BlockedNetworks {
		if p.Contains(addr) {
			return &RejectedError{URL: rawURL, Host: host, Addr: addr, Reason: "blocked network"}
		}
	}
	if reason := classify(addr); reason != "" {
		return &RejectedError{URL: rawURL, Host: host, Addr: addr, Reason: reason + " address"}
	}
	return nil
}

func classify(addr netip.Addr) string {
	switch {
	case addr.IsLoopback():
		return "loopback"
	case addr.IsLinkLocalUnicast(), addr.IsLinkLocalMulticast():
		return "link-local"
	case addr.IsPrivate():
		return "private"
	case addr.IsUnspecified():
		return "unspecified"
	case addr.IsMulticast(), addr.IsInterfaceLocalMulticast():
		return "multicast"
	}
	for _, p := range reservedPrefixes {
		if p.Contains(addr) {
			return "reserved"
		}
	}
	return ""
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, s := range items {
		set[strings.TrimSuffix(strings.ToLower(s), ".")] = struct{}{}
	}
	return set
}
