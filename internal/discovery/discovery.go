// Package discovery locates a domain's mail submission server through
// RFC 6186 SRV records.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// ResolvConf is the resolver configuration used when no servers are given.
const ResolvConf = "/etc/resolv.conf"

// ErrNotFound is returned when the domain publishes no usable SRV record.
var ErrNotFound = errors.New("no submission SRV record")

// Target is a resolved submission endpoint.
type Target struct {
	Host     string
	Port     int
	Priority uint16
	Weight   uint16
}

// Addr returns host:port.
func (t Target) Addr() string {
	return net.JoinHostPort(t.Host, fmt.Sprint(t.Port))
}

// Options configures a Resolver.
type Options struct {
	// Servers are DNS servers in host:port form. When empty they are read
	// from ResolvConf.
	Servers []string

	// Timeout bounds each query. Defaults to 5 seconds.
	Timeout time.Duration
}

// Resolver issues SRV queries directly against DNS servers.
type Resolver struct {
	client  *dns.Client
	servers []string
}

// NewResolver creates a Resolver.
func NewResolver(opts Options) (*Resolver, error) {
	if opts.Timeout == 0 {
		opts.Timeout = 5 * time.Second
	}

	servers := opts.Servers
	if len(servers) == 0 {
		conf, err := dns.ClientConfigFromFile(ResolvConf)
		if err != nil {
			return nil, fmt.Errorf("failed to read resolver config: %w", err)
		}
		for _, s := range conf.Servers {
			servers = append(servers, net.JoinHostPort(s, conf.Port))
		}
	}
	if len(servers) == 0 {
		return nil, errors.New("no DNS servers configured")
	}

	return &Resolver{
		client:  &dns.Client{Timeout: opts.Timeout},
		servers: servers,
	}, nil
}

// Submission looks up _submission._tcp.<domain> and returns the preferred
// target: lowest priority, then highest weight.
func (r *Resolver) Submission(ctx context.Context, domain string) (*Target, error) {
	domain = strings.TrimSuffix(strings.TrimSpace(domain), ".")
	if domain == "" {
		return nil, errors.New("empty domain")
	}

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn("_submission._tcp."+domain), dns.TypeSRV)
	msg.RecursionDesired = true

	var lastErr error
	for _, server := range r.servers {
		resp, _, err := r.client.ExchangeContext(ctx, msg, server)
		if err != nil {
			lastErr = err
			continue
		}
		switch resp.Rcode {
		case dns.RcodeSuccess:
		case dns.RcodeNameError:
			return nil, fmt.Errorf("%w for %s", ErrNotFound, domain)
		default:
			lastErr = fmt.Errorf("server %s answered %s", server, dns.RcodeToString[resp.Rcode])
			continue
		}
		return pick(resp.Answer, domain)
	}
	return nil, fmt.Errorf("SRV lookup for %s failed: %w", domain, lastErr)
}

func pick(answers []dns.RR, domain string) (*Target, error) {
	var targets []Target
	for _, rr := range answers {
		srv, ok := rr.(*dns.SRV)
		if !ok {
			continue
		}
		// RFC 2782: a target of "." means the service is not offered.
		if srv.Target == "." || srv.Port == 0 {
			continue
		}
		targets = append(targets, Target{
			Host:     strings.TrimSuffix(srv.Target, "."),
			Port:     int(srv.Port),
			Priority: srv.Priority,
			Weight:   srv.Weight,
		})
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("%w for %s", ErrNotFound, domain)
	}

	sort.SliceStable(targets, func(i, j int) bool {
		if targets[i].Priority != targets[j].Priority {
			return targets[i].Priority < targets[j].Priority
		}
		return targets[i].Weight > targets[j].Weight
	})
	return &targets[0], nil
}

// DomainOf returns the part after the last @ of an address, or "".
func DomainOf(address string) string {
	i := strings.LastIndex(address, "@")
	if i < 0 || i == len(address)-1 {
		return ""
	}
	return address[i+1:]
}
