// Package dns resolves device names for discovered IP addresses via
// reverse DNS. Scans frequently turn up hosts without NetBIOS or mDNS
// names; a PTR lookup against the site's resolver often fills the gap.
package dns

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// DefaultTimeout bounds a single PTR query.
const DefaultTimeout = 2 * time.Second

// Resolver performs reverse lookups against a specific DNS server, or
// against the system resolver when no server is given.
type Resolver struct {
	server  string
	timeout time.Duration
	client  *dns.Client
}

// NewResolver creates a Resolver. server is a host or host:port; an
// empty server selects the system resolver.
func NewResolver(server string, timeout time.Duration) *Resolver {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if server != "" && !strings.Contains(server, ":") {
		server += ":53"
	}
	return &Resolver{
		server:  server,
		timeout: timeout,
		client:  &dns.Client{Timeout: timeout},
	}
}

// ReverseName returns the PTR name for an IP with the trailing dot
// stripped, or an error when the address has no reverse mapping.
func (r *Resolver) ReverseName(ctx context.Context, ip string) (string, error) {
	if net.ParseIP(ip) == nil {
		return "", fmt.Errorf("invalid IP %q", ip)
	}
	if r.server == "" {
		return r.systemLookup(ctx, ip)
	}

	arpa, err := dns.ReverseAddr(ip)
	if err != nil {
		return "", fmt.Errorf("no reverse name for %s: %w", ip, err)
	}

	msg := new(dns.Msg)
	msg.SetQuestion(arpa, dns.TypePTR)
	msg.RecursionDesired = true

	resp, _, err := r.client.ExchangeContext(ctx, msg, r.server)
	if err != nil {
		return "", fmt.Errorf("PTR query for %s failed: %w", ip, err)
	}
	if resp.Rcode != dns.RcodeSuccess {
		return "", fmt.Errorf("PTR query for %s: %s", ip, dns.RcodeToString[resp.Rcode])
	}
	for _, rr := range resp.Answer {
		if ptr, ok := rr.(*dns.PTR); ok {
			return strings.TrimSuffix(ptr.Ptr, "."), nil
		}
	}
	return "", fmt.Errorf("no PTR record for %s", ip)
}

func (r *Resolver) systemLookup(ctx context.Context, ip string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	names, err := net.DefaultResolver.LookupAddr(ctx, ip)
	if err != nil {
		return "", fmt.Errorf("reverse lookup of %s failed: %w", ip, err)
	}
	if len(names) == 0 {
		return "", fmt.Errorf("no PTR record for %s", ip)
	}
	return strings.TrimSuffix(names[0], "."), nil
}
