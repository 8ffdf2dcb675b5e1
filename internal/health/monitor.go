// Package health checks every known peer's capabilities endpoint and
// publishes the result as the node's peer status map.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/meshdrop/meshdrop/internal/analytics"
	"github.com/meshdrop/meshdrop/internal/capability"
	"github.com/meshdrop/meshdrop/internal/metrics"
	"github.com/meshdrop/meshdrop/internal/transport"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// PeerLister lists the peers to check.
type PeerLister interface {
	Self() string
	Others() ([]string, error)
}

// Config holds configuration for a Monitor.
type Config struct {
	Peers     PeerLister
	Analytics *analytics.Store
	Client    *transport.Client
	Timeout   time.Duration              // Per-peer timeout (default: 5s)
	Self      func() capability.Snapshot // Current capabilities of this node
	Now       func() time.Time
}

// Monitor runs health check cycles.
type Monitor struct {
	peers     PeerLister
	analytics *analytics.Store
	client    *transport.Client
	self      func() capability.Snapshot
	now       func() time.Time
	metrics   *metrics.NodeMetrics
	logger    zerolog.Logger
}

// NewMonitor creates a health monitor.
func NewMonitor(cfg Config) *Monitor {
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Monitor{
		peers:     cfg.Peers,
		analytics: cfg.Analytics,
		client:    cfg.Client.WithTimeout(cfg.Timeout),
		self:      cfg.Self,
		now:       cfg.Now,
		metrics:   metrics.InitNodeMetrics(metrics.Registry),
		logger:    log.With().Str("component", "health").Logger(),
	}
}

// CheckAll marks self ok, then probes every other peer concurrently and
// replaces the stored peer status map with the results. A node that cannot
// initiate HTTP only refreshes its own entry.
func (m *Monitor) CheckAll(ctx context.Context) (map[string]analytics.PeerHealth, error) {
	self := m.peers.Self()
	caps := m.self()
	ts := m.now().Unix()
	selfHealth := analytics.PeerHealth{Status: analytics.StatusOK, LastChecked: ts, Capabilities: caps.Map()}

	if !caps.CanInitiateHTTP {
		if err := m.analytics.SetPeerHealth(self, selfHealth); err != nil {
			return nil, err
		}
		m.logger.Debug().Msg("outbound HTTP unavailable, skipping peer checks")
		return map[string]analytics.PeerHealth{self: selfHealth}, nil
	}

	others, err := m.peers.Others()
	if err != nil {
		return nil, err
	}

	status := make(map[string]analytics.PeerHealth, len(others)+1)
	status[self] = selfHealth

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	for _, peer := range others {
		g.Go(func() error {
			h := m.check(ctx, peer)
			mu.Lock()
			status[peer] = h
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if err := m.analytics.ReplacePeerStatus(status); err != nil {
		return nil, err
	}

	counts := map[analytics.Status]int{}
	for _, h := range status {
		counts[h.Status]++
	}
	m.metrics.PeerHealth.Reset()
	for s, n := range counts {
		m.metrics.PeerHealth.WithLabelValues(string(s)).Set(float64(n))
	}
	m.logger.Info().
		Int("peers", len(status)).
		Int("ok", counts[analytics.StatusOK]).
		Int("offline", counts[analytics.StatusOffline]).
		Msg("peer health check complete")
	return status, nil
}

func (m *Monitor) check(ctx context.Context, peer string) analytics.PeerHealth {
	h := analytics.PeerHealth{
		Status:       analytics.StatusOffline,
		LastChecked:  m.now().Unix(),
		Capabilities: map[string]any{},
	}
	var caps map[string]any
	if err := m.client.GetJSON(ctx, transport.Endpoint(peer, "api/capabilities", nil), &caps); err != nil {
		m.logger.Debug().Err(err).Str("peer", peer).Msg("peer unreachable")
		return h
	}
	if _, ok := caps["node_id"]; !ok {
		m.logger.Debug().Str("peer", peer).Msg("peer reply lacks node_id")
		return h
	}
	h.Status = analytics.StatusOK
	h.Capabilities = caps
	return h
}
