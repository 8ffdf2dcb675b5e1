package peers

import (
	"context"

	"github.com/meshdrop/meshdrop/internal/transport"
	"golang.org/x/sync/errgroup"
)

// GossipResult summarizes one gossip round.
type GossipResult struct {
	Contacted []string
	Failed    []string
	Learned   int
}

// Gossip pulls the peer lists of up to GossipFanout random peers and merges
// them into the registry. When no other peer is known the registry is first
// seeded from the static seed list and the optional SeedSource. Nothing is
// pushed back to the contacted peers.
func (r *Registry) Gossip(ctx context.Context) (*GossipResult, error) {
	res := &GossipResult{}

	others, err := r.Others()
	if err != nil {
		return nil, err
	}
	if len(others) == 0 {
		if err := r.seed(ctx); err != nil {
			return nil, err
		}
		if others, err = r.Others(); err != nil {
			return nil, err
		}
	}
	if len(others) == 0 {
		r.logger.Debug().Msg("no peers to gossip with")
		return res, nil
	}

	targets := r.Sample(others, r.fanout)
	res.Contacted = targets

	// Each goroutine owns one slot; a nil slot marks a failed peer.
	lists := make([][]string, len(targets))
	var g errgroup.Group
	for i, peer := range targets {
		g.Go(func() error {
			var list []string
			if err := r.client.GetJSON(ctx, transport.Endpoint(peer, "api/peers", nil), &list); err != nil {
				r.logger.Debug().Err(err).Str("peer", peer).Msg("gossip with peer failed")
				return nil
			}
			if list == nil {
				list = []string{}
			}
			lists[i] = list
			return nil
		})
	}
	_ = g.Wait()

	var learned []string
	for i, list := range lists {
		if list == nil {
			res.Failed = append(res.Failed, targets[i])
			continue
		}
		learned = append(learned, list...)
	}

	added, err := r.AddMany(learned)
	if err != nil {
		return res, err
	}
	res.Learned = added
	r.metrics.GossipPeersLearnt.Add(float64(added))
	if all, err := r.List(); err == nil {
		r.metrics.KnownPeers.Set(float64(len(all)))
	}

	r.logger.Info().
		Int("contacted", len(res.Contacted)).
		Int("failed", len(res.Failed)).
		Int("learned", res.Learned).
		Msg("peer gossip complete")
	return res, nil
}

func (r *Registry) seed(ctx context.Context) error {
	seeds := append([]string(nil), r.seeds...)
	if r.seedSrc != nil {
		extra, err := r.seedSrc(ctx)
		if err != nil {
			r.logger.Warn().Err(err).Msg("seed discovery failed")
		}
		seeds = append(seeds, extra...)
	}
	if len(seeds) == 0 {
		return nil
	}
	added, err := r.AddMany(seeds)
	if err != nil {
		return err
	}
	r.logger.Info().Int("added", added).Msg("seeded empty peer registry")
	return nil
}
