// Package resolver looks up relay server hostnames before they are dialed.
//
// The system resolver is the default. A specific DNS server can be queried
// with miekg/dns instead, and either can be wrapped in a TTL cache.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
	"github.com/patrickmn/go-cache"
)

// Resolver returns the IPs for host.
type Resolver interface {
	LookupIP(ctx context.Context, host string) ([]net.IP, error)
}

var ErrNoAddress = errors.New("no addresses found")

// Config selects and tunes the resolver built by New.
type Config struct {
	// Server is a DNS server "host:port". Empty uses the system resolver.
	Server string
	// Timeout bounds each DNS exchange with Server.
	Timeout time.Duration
	// CacheTTL caches successful lookups. Zero disables caching.
	CacheTTL time.Duration
}

// New builds the resolver described by cfg.
func New(cfg Config) Resolver {
	var r Resolver = NewSystem()
	if cfg.Server != "" {
		r = NewDNS(cfg.Server, cfg.Timeout)
	}
	if cfg.CacheTTL > 0 {
		r = NewCached(r, cfg.CacheTTL)
	}
	return r
}

type systemResolver struct {
	r *net.Resolver
}

// NewSystem returns a Resolver backed by net.DefaultResolver.
func NewSystem() Resolver {
	return &systemResolver{r: net.DefaultResolver}
}

func (s *systemResolver) LookupIP(ctx context.Context, host string) ([]net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []net.IP{ip}, nil
	}
	ips, err := s.r.LookupIP(ctx, "ip", host)
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", host, err)
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("lookup %s: %w", host, ErrNoAddress)
	}
	return ips, nil
}

// DNSResolver queries one DNS server for A and AAAA records.
type DNSResolver struct {
	server string
	client *dns.Client
}

// NewDNS returns a resolver that sends UDP queries to server.
func NewDNS(server string, timeout time.Duration) *DNSResolver {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &DNSResolver{server: server, client: &dns.Client{Net: "udp", Timeout: timeout}}
}

func (d *DNSResolver) LookupIP(ctx context.Context, host string) ([]net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []net.IP{ip}, nil
	}

	var (
		ips     []net.IP
		lastErr error
	)
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		found, err := d.exchange(ctx, host, qtype)
		if err != nil {
			lastErr = err
			continue
		}
		ips = append(ips, found...)
	}

	if len(ips) == 0 {
		if lastErr != nil {
			return nil, fmt.Errorf("lookup %s via %s: %w", host, d.server, lastErr)
		}
		return nil, fmt.Errorf("lookup %s via %s: %w", host, d.server, ErrNoAddress)
	}
	return ips, nil
}

func (d *DNSResolver) exchange(ctx context.Context, host string, qtype uint16) ([]net.IP, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), qtype)
	m.RecursionDesired = true

	r, _, err := d.client.ExchangeContext(ctx, m, d.server)
	if err != nil {
		return nil, err
	}
	if r.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("%s: %s", dns.TypeToString[qtype], dns.RcodeToString[r.Rcode])
	}

	var ips []net.IP
	for _, rr := range r.Answer {
		switch a := rr.(type) {
		case *dns.A:
			ips = append(ips, a.A)
		case *dns.AAAA:
			ips = append(ips, a.AAAA)
		}
	}
	return ips, nil
}

// CachedResolver remembers successful lookups for a fixed TTL.
type CachedResolver struct {
	next  Resolver
	cache *cache.Cache
}

// NewCached wraps next with a TTL cache.
func NewCached(next Resolver, ttl time.Duration) *CachedResolver {
	return &CachedResolver{next: next, cache: cache.New(ttl, 2*ttl)}
}

func (c *CachedResolver) LookupIP(ctx context.Context, host string) ([]net.IP, error) {
	if v, ok := c.cache.Get(host); ok {
		return v.([]net.IP), nil
	}
	ips, err := c.next.LookupIP(ctx, host)
	if err != nil {
		return nil, err
	}
	c.cache.Set(host, ips, cache.DefaultExpiration)
	return ips, nil
}
