package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path/filepath"
	"time"

	"github.com/meshdrop/meshdrop/internal/metrics"
	"github.com/meshdrop/meshdrop/internal/store"
	"github.com/meshdrop/meshdrop/internal/transport"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// ErrNoPeer is returned when no healthy node is available.
	ErrNoPeer = errors.New("no healthy node available")
	// ErrNotFound is matched when the selected node has no such file.
	ErrNotFound = transport.ErrNotFound
)

// SelectorConfig holds configuration for a Selector.
type SelectorConfig struct {
	StateDir        string
	Mirror          *StatusMirror
	Client          *transport.Client
	DownloadTimeout time.Duration // default: 600s
}

// Selector round-robins downloads over the healthy nodes in the mirror.
type Selector struct {
	mirror  *StatusMirror
	cursor  *store.Register
	client  *transport.Client
	metrics *metrics.GatewayMetrics
	logger  zerolog.Logger
}

// NewSelector opens the cursor register under cfg.StateDir.
func NewSelector(cfg SelectorConfig) (*Selector, error) {
	if cfg.DownloadTimeout <= 0 {
		cfg.DownloadTimeout = 600 * time.Second
	}
	cursor, err := store.OpenRegister(filepath.Join(cfg.StateDir, CursorFile))
	if err != nil {
		return nil, err
	}
	return &Selector{
		mirror:  cfg.Mirror,
		cursor:  cursor,
		client:  cfg.Client.WithTimeout(cfg.DownloadTimeout),
		metrics: metrics.InitGatewayMetrics(metrics.Registry),
		logger:  log.With().Str("component", "gateway-selector").Logger(),
	}, nil
}

// SelectForDownload picks the next healthy node. fileID does not influence
// the choice yet. It returns false when no node is healthy.
func (s *Selector) SelectForDownload(fileID string) (string, bool, error) {
	all, err := s.mirror.Load()
	if err != nil {
		return "", false, err
	}
	healthy := Healthy(all)
	s.metrics.HealthyPeers.Set(float64(len(healthy)))
	if len(healthy) == 0 {
		s.logger.Warn().Str("file_id", fileID).Msg("no healthy nodes available for download")
		return "", false, nil
	}

	var selected string
	err = s.cursor.Update(func(cur int) (int, error) {
		if cur < 0 || cur >= len(healthy) {
			cur = 0
		}
		selected = healthy[cur]
		return (cur + 1) % len(healthy), nil
	})
	if err != nil {
		return "", false, fmt.Errorf("advance cursor: %w", err)
	}
	s.logger.Debug().Str("node", selected).Str("file_id", fileID).Msg("selected node for download")
	return selected, true, nil
}

// AttemptDownload requests fileID from node. A missing file matches
// ErrNotFound; any other failure is a *transport.TransportError. The caller
// owns the response body.
func (s *Selector) AttemptDownload(ctx context.Context, node, fileID string) (*http.Response, error) {
	return s.client.Get(ctx, transport.Endpoint(node, "api/download", url.Values{"file_id": {fileID}}))
}
