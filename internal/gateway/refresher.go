package gateway

import (
	"context"
	"net/url"
	"sync"
	"time"

	"github.com/meshdrop/meshdrop/internal/analytics"
	"github.com/meshdrop/meshdrop/internal/metrics"
	"github.com/meshdrop/meshdrop/internal/peers"
	"github.com/meshdrop/meshdrop/internal/transport"
	"github.com/meshdrop/meshdrop/pkg/proto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// RefresherConfig holds configuration for a Refresher.
type RefresherConfig struct {
	Mirror         *StatusMirror
	Client         *transport.Client
	RequestTimeout time.Duration    // default: 15s
	Now            func() time.Time // default: time.Now
}

// Refresher polls every mirrored node's analytics to update its health and
// to discover nodes the gateway does not know yet.
type Refresher struct {
	mirror  *StatusMirror
	client  *transport.Client
	now     func() time.Time
	metrics *metrics.GatewayMetrics
	logger  zerolog.Logger
}

// NewRefresher creates a Refresher.
func NewRefresher(cfg RefresherConfig) *Refresher {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Refresher{
		mirror:  cfg.Mirror,
		client:  cfg.Client.WithTimeout(cfg.RequestTimeout),
		now:     cfg.Now,
		metrics: metrics.InitGatewayMetrics(metrics.Registry),
		logger:  log.With().Str("component", "gateway-refresher").Logger(),
	}
}

// RefreshResult summarizes one refresh pass.
type RefreshResult struct {
	Checked    int
	OK         int
	Discovered int
}

type nodeReport struct {
	health     analytics.PeerHealth
	discovered []string
}

// Refresh checks every mirrored node concurrently, then writes all results
// and newly discovered nodes back in one update.
func (r *Refresher) Refresh(ctx context.Context) (*RefreshResult, error) {
	known, err := r.mirror.Load()
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	reports := make(map[string]nodeReport, len(known))
	g, gctx := errgroup.WithContext(ctx)
	for node := range known {
		g.Go(func() error {
			rep := r.check(gctx, node)
			mu.Lock()
			reports[node] = rep
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	res := &RefreshResult{Checked: len(reports)}
	err = r.mirror.Update(func(all map[string]analytics.PeerHealth) error {
		res.OK, res.Discovered = 0, 0
		for node, rep := range reports {
			all[node] = rep.health
			if rep.health.Status == analytics.StatusOK {
				res.OK++
			}
		}
		for _, rep := range reports {
			for _, p := range rep.discovered {
				if _, ok := all[p]; !ok {
					all[p] = unknownPeer()
					res.Discovered++
				}
			}
		}
		r.metrics.KnownPeers.Set(float64(len(all)))
		r.metrics.HealthyPeers.Set(float64(len(Healthy(all))))
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.logger.Info().
		Int("checked", res.Checked).
		Int("ok", res.OK).
		Int("discovered", res.Discovered).
		Msg("peer status refresh complete")
	return res, nil
}

func (r *Refresher) check(ctx context.Context, node string) nodeReport {
	offline := nodeReport{health: analytics.PeerHealth{
		Status:       analytics.StatusOffline,
		LastChecked:  r.now().Unix(),
		Capabilities: map[string]any{},
	}}

	var resp proto.AnalyticsAll
	err := r.client.GetJSON(ctx, transport.Endpoint(node, "api/analytics", url.Values{"type": {"all"}}), &resp)
	if err != nil || !resp.Success || resp.Data == nil {
		r.logger.Debug().Err(err).Str("node", node).Msg("node status unavailable, marking offline")
		r.metrics.RefreshTotal.WithLabelValues(string(analytics.StatusOffline)).Inc()
		return offline
	}

	caps := resp.Data.Capabilities
	if caps == nil {
		caps = map[string]any{}
	}
	rep := nodeReport{health: analytics.PeerHealth{
		Status:       analytics.StatusOK,
		LastChecked:  r.now().Unix(),
		Capabilities: caps,
	}}
	for raw := range resp.Data.PeerStatus {
		p, err := peers.Normalize(raw)
		if err != nil {
			r.logger.Debug().Str("node", node).Str("peer", raw).Msg("skipping invalid discovered peer")
			continue
		}
		if p != node {
			rep.discovered = append(rep.discovered, p)
		}
	}
	r.metrics.RefreshTotal.WithLabelValues(string(analytics.StatusOK)).Inc()
	return rep
}
