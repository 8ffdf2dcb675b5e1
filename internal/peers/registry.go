// Package peers maintains the node's peer registry and its pull-based
// membership gossip.
package peers

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/url"
	"slices"
	"strings"
	"sync"

	"github.com/meshdrop/meshdrop/internal/metrics"
	"github.com/meshdrop/meshdrop/internal/store"
	"github.com/meshdrop/meshdrop/internal/transport"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrInvalidURL is returned for peer addresses that are not absolute http(s) URLs.
var ErrInvalidURL = errors.New("invalid peer url")

// Normalize validates a peer URL and returns it with a single trailing slash.
func Normalize(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalidURL, raw, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidURL, raw)
	}
	return strings.TrimRight(raw, "/") + "/", nil
}

// SeedSource returns additional seed URLs, for example from DNS.
type SeedSource func(ctx context.Context) ([]string, error)

// Config holds configuration for a Registry.
type Config struct {
	Self         string   // This node's URL; always a member
	Path         string   // JSON file backing the registry
	Seeds        []string // Static seed list used when no other peer is known
	SeedSource   SeedSource
	GossipFanout int // Peers contacted per gossip round (default: 3)
	Client       *transport.Client
}

// Registry is the persisted set of known peer URLs.
type Registry struct {
	self    string
	doc     *store.Document[[]string]
	seeds   []string
	seedSrc SeedSource
	fanout  int
	client  *transport.Client
	metrics *metrics.NodeMetrics
	logger  zerolog.Logger

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewRegistry opens the registry file, guaranteeing self is present.
func NewRegistry(cfg Config) (*Registry, error) {
	self, err := Normalize(cfg.Self)
	if err != nil {
		return nil, fmt.Errorf("self url: %w", err)
	}
	if cfg.GossipFanout == 0 {
		cfg.GossipFanout = 3
	}

	doc, err := store.Open(cfg.Path, store.Options[[]string]{
		Initial:   func() []string { return nil },
		Normalize: func(list *[]string) { *list = normalizeList(*list, self) },
	})
	if err != nil {
		return nil, err
	}

	r := &Registry{
		self:    self,
		doc:     doc,
		seeds:   cfg.Seeds,
		seedSrc: cfg.SeedSource,
		fanout:  cfg.GossipFanout,
		client:  cfg.Client,
		metrics: metrics.InitNodeMetrics(metrics.Registry),
		logger:  log.With().Str("component", "peers").Logger(),
		rng:     rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}

	// Persist self so other processes see it even before the first mutation.
	if err := doc.Update(func(*[]string) error { return nil }); err != nil {
		return nil, fmt.Errorf("initialize peer registry: %w", err)
	}
	return r, nil
}

// Self returns this node's normalized URL.
func (r *Registry) Self() string { return r.self }

// List returns all known peers including self.
func (r *Registry) List() ([]string, error) {
	return r.doc.Load()
}

// Others returns all known peers excluding self.
func (r *Registry) Others() ([]string, error) {
	all, err := r.List()
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(all, func(p string) bool { return p == r.self }), nil
}

// Add inserts a peer. It reports whether the peer was new; invalid URLs are
// rejected with ErrInvalidURL and leave the registry unchanged.
func (r *Registry) Add(raw string) (bool, error) {
	p, err := Normalize(raw)
	if err != nil {
		r.logger.Debug().Err(err).Msg("rejected peer")
		return false, err
	}
	added := false
	err = r.doc.Update(func(list *[]string) error {
		if slices.Contains(*list, p) {
			return nil
		}
		*list = append(*list, p)
		added = true
		return nil
	})
	return added, err
}

// AddMany inserts every valid, previously unknown URL and returns how many were added.
func (r *Registry) AddMany(raws []string) (int, error) {
	valid := make([]string, 0, len(raws))
	for _, raw := range raws {
		p, err := Normalize(raw)
		if err != nil {
			r.logger.Debug().Err(err).Msg("rejected peer")
			continue
		}
		valid = append(valid, p)
	}
	if len(valid) == 0 {
		return 0, nil
	}

	added := 0
	err := r.doc.Update(func(list *[]string) error {
		for _, p := range valid {
			if !slices.Contains(*list, p) {
				*list = append(*list, p)
				added++
			}
		}
		return nil
	})
	return added, err
}

// Remove deletes a peer and reports whether it was present. Self cannot be removed.
func (r *Registry) Remove(raw string) (bool, error) {
	p, err := Normalize(raw)
	if err != nil || p == r.self {
		return false, nil
	}
	removed := false
	err = r.doc.Update(func(list *[]string) error {
		n := len(*list)
		*list = slices.DeleteFunc(*list, func(s string) bool { return s == p })
		removed = len(*list) != n
		return nil
	})
	return removed, err
}

// Sample returns up to n distinct entries of candidates in random order.
func (r *Registry) Sample(candidates []string, n int) []string {
	out := slices.Clone(candidates)
	r.rngMu.Lock()
	r.rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	r.rngMu.Unlock()
	if n < len(out) {
		out = out[:n]
	}
	return out
}

func normalizeList(list []string, self string) []string {
	seen := make(map[string]bool, len(list)+1)
	out := make([]string, 0, len(list)+1)
	for _, raw := range append([]string{self}, list...) {
		p, err := Normalize(raw)
		if err != nil || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}
