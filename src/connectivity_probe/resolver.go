package connectivity_probe

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/miekg/dns"
)

const DefaultResolvConf = "/etc/resolv.conf"

var errNoAddress = errors.New("no address records")

// Resolver turns a probe hostname into an address
type Resolver interface {
	Resolve(ctx context.Context, host string) (net.IP, error)
}

// DNSResolver queries the configured nameservers directly so each lookup is
// bounded by the probe's own deadline instead of the libc retry policy.
type DNSResolver struct {
	servers []string
	client  *dns.Client
}

// NewDNSResolver reads nameservers from a resolv.conf style file. With no
// usable servers it falls back to the Go system resolver.
func NewDNSResolver(confPath string) *DNSResolver {
	r := &DNSResolver{client: &dns.Client{Net: "udp"}}

	cfg, err := dns.ClientConfigFromFile(confPath)
	if err != nil {
		logger.WithError(err).WithField("path", confPath).Warn("Failed to read resolver config, using system resolver")
		return r
	}
	for _, server := range cfg.Servers {
		r.servers = append(r.servers, net.JoinHostPort(server, cfg.Port))
	}
	return r
}

// NewDNSResolverWithServers uses the given host:port nameservers in order
func NewDNSResolverWithServers(servers []string) *DNSResolver {
	return &DNSResolver{
		servers: servers,
		client:  &dns.Client{Net: "udp"},
	}
}

func (r *DNSResolver) Resolve(ctx context.Context, host string) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return ip, nil
	}

	if len(r.servers) == 0 {
		addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
		if err != nil {
			return nil, err
		}
		if len(addrs) == 0 {
			return nil, fmt.Errorf("%s: %w", host, errNoAddress)
		}
		return addrs[0].IP, nil
	}

	var lastErr error
	for _, server := range r.servers {
		for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
			ip, err := r.query(ctx, server, host, qtype)
			if err == nil {
				return ip, nil
			}
			lastErr = err
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
		}
	}
	return nil, lastErr
}

func (r *DNSResolver) query(ctx context.Context, server, host string, qtype uint16) (net.IP, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), qtype)
	m.RecursionDesired = true

	in, _, err := r.client.ExchangeContext(ctx, m, server)
	if err != nil {
		return nil, fmt.Errorf("query %s via %s: %w", host, server, err)
	}
	if in.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("query %s via %s: rcode %s", host, server, dns.RcodeToString[in.Rcode])
	}
	for _, rr := range in.Answer {
		switch v := rr.(type) {
		case *dns.A:
			return v.A, nil
		case *dns.AAAA:
			return v.AAAA, nil
		}
	}
	return nil, fmt.Errorf("%s (%s): %w", host, dns.TypeToString[qtype], errNoAddress)
}
