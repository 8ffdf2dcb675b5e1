// Package gateway implements the stateless download gateway: a persisted
// mirror of node health, round-robin node selection, a refresher that polls
// nodes for their status, and the public HTTP surface.
package gateway

import (
	"path/filepath"
	"sort"

	"github.com/meshdrop/meshdrop/internal/analytics"
	"github.com/meshdrop/meshdrop/internal/capability"
	"github.com/meshdrop/meshdrop/internal/store"
)

// State file names under the gateway state directory.
const (
	StatusFile = "peer_status.json"
	CursorFile = "rr_cursor"
)

// StatusMirror is the gateway's own url -> PeerHealth map. Seeds are merged
// in as unknown on every load.
type StatusMirror struct {
	doc   *store.Document[map[string]analytics.PeerHealth]
	seeds []string
}

// OpenStatusMirror opens peer_status.json under dir.
func OpenStatusMirror(dir string, seeds []string) (*StatusMirror, error) {
	doc, err := store.Open(filepath.Join(dir, StatusFile), store.Options[map[string]analytics.PeerHealth]{
		Initial:   func() map[string]analytics.PeerHealth { return map[string]analytics.PeerHealth{} },
		Normalize: normalizeStatus,
	})
	if err != nil {
		return nil, err
	}
	return &StatusMirror{doc: doc, seeds: seeds}, nil
}

func normalizeStatus(m *map[string]analytics.PeerHealth) {
	if *m == nil {
		*m = map[string]analytics.PeerHealth{}
	}
	for url, h := range *m {
		if h.Capabilities == nil {
			h.Capabilities = map[string]any{}
		}
		if h.Status == "" {
			h.Status = analytics.StatusUnknown
		}
		(*m)[url] = h
	}
}

// Load returns the mirror with seeds merged in.
func (m *StatusMirror) Load() (map[string]analytics.PeerHealth, error) {
	all, err := m.doc.Load()
	if err != nil {
		return nil, err
	}
	m.mergeSeeds(all)
	return all, nil
}

// Update applies fn to the mirror, with seeds merged, under the exclusive lock.
func (m *StatusMirror) Update(fn func(map[string]analytics.PeerHealth) error) error {
	return m.doc.Update(func(all *map[string]analytics.PeerHealth) error {
		m.mergeSeeds(*all)
		return fn(*all)
	})
}

func (m *StatusMirror) mergeSeeds(all map[string]analytics.PeerHealth) {
	for _, seed := range m.seeds {
		if _, ok := all[seed]; !ok {
			all[seed] = unknownPeer()
		}
	}
}

func unknownPeer() analytics.PeerHealth {
	return analytics.PeerHealth{Status: analytics.StatusUnknown, Capabilities: map[string]any{}}
}

// Healthy returns the URLs that are ok and can serve HTTP, sorted.
func Healthy(all map[string]analytics.PeerHealth) []string {
	var out []string
	for url, h := range all {
		if h.Status == analytics.StatusOK && capability.CanInitiateHTTP(h.Capabilities) {
			out = append(out, url)
		}
	}
	sort.Strings(out)
	return out
}
