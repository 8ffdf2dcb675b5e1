// Package discovery resolves seed nodes from DNS SRV records so a fresh node
// can join without a hard-coded seed list.
package discovery

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/rs/zerolog/log"
)

// Service is the SRV service label queried under the configured domain.
const Service = "_meshdrop._tcp"

// SRVConfig configures seed resolution.
type SRVConfig struct {
	Domain  string
	Server  string        // host:port; defaults to the first resolv.conf nameserver
	Timeout time.Duration // default: 3s
}

// LookupSeeds queries _meshdrop._tcp.<domain> and returns node URLs ordered
// by SRV priority, then descending weight. Port 443 maps to https.
func LookupSeeds(ctx context.Context, cfg SRVConfig) ([]string, error) {
	if cfg.Domain == "" {
		return nil, nil
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 3 * time.Second
	}
	server := cfg.Server
	if server == "" {
		cc, err := dns.ClientConfigFromFile("/etc/resolv.conf")
		if err != nil {
			return nil, fmt.Errorf("read resolver config: %w", err)
		}
		if len(cc.Servers) == 0 {
			return nil, fmt.Errorf("no nameservers configured")
		}
		server = net.JoinHostPort(cc.Servers[0], cc.Port)
	}

	qname := dns.Fqdn(Service + "." + strings.TrimSuffix(cfg.Domain, "."))
	m := new(dns.Msg)
	m.SetQuestion(qname, dns.TypeSRV)
	m.RecursionDesired = true

	c := &dns.Client{Timeout: cfg.Timeout}
	in, _, err := c.ExchangeContext(ctx, m, server)
	if err != nil {
		return nil, fmt.Errorf("query %s via %s: %w", qname, server, err)
	}
	if in.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("query %s: %s", qname, dns.RcodeToString[in.Rcode])
	}

	var records []*dns.SRV
	for _, rr := range in.Answer {
		if srv, ok := rr.(*dns.SRV); ok {
			records = append(records, srv)
		}
	}
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Priority != records[j].Priority {
			return records[i].Priority < records[j].Priority
		}
		return records[i].Weight > records[j].Weight
	})

	urls := make([]string, 0, len(records))
	for _, r := range records {
		scheme := "http"
		if r.Port == 443 {
			scheme = "https"
		}
		host := strings.TrimSuffix(r.Target, ".")
		urls = append(urls, scheme+"://"+net.JoinHostPort(host, strconv.Itoa(int(r.Port)))+"/")
	}

	log.Debug().
		Str("query", qname).
		Strs("seeds", urls).
		Msg("discovered seeds via SRV")
	return urls, nil
}

// SeedSource adapts LookupSeeds to the signature the peer registry expects.
func SeedSource(cfg SRVConfig) func(ctx context.Context) ([]string, error) {
	return func(ctx context.Context) ([]string, error) {
		return LookupSeeds(ctx, cfg)
	}
}
