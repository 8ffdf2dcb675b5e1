// Package node wires a storage node together: the peer registry, metadata,
// replication, archival and health components, the client download path and
// the maintenance tasks.
package node

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meshdrop/meshdrop/internal/analytics"
	"github.com/meshdrop/meshdrop/internal/archive"
	"github.com/meshdrop/meshdrop/internal/capability"
	"github.com/meshdrop/meshdrop/internal/checksum"
	"github.com/meshdrop/meshdrop/internal/config"
	"github.com/meshdrop/meshdrop/internal/discovery"
	"github.com/meshdrop/meshdrop/internal/health"
	"github.com/meshdrop/meshdrop/internal/metadata"
	"github.com/meshdrop/meshdrop/internal/metrics"
	"github.com/meshdrop/meshdrop/internal/peers"
	"github.com/meshdrop/meshdrop/internal/replication"
	"github.com/meshdrop/meshdrop/internal/storage"
	"github.com/meshdrop/meshdrop/internal/transport"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Options carries dependencies that tests replace.
type Options struct {
	Version   string
	Now       func() time.Time
	Container archive.Container
}

// Service is a running storage node.
type Service struct {
	cfg    *config.NodeConfig
	now    func() time.Time
	layout *storage.Layout
	client *transport.Client

	peers     *peers.Registry
	meta      *metadata.Store
	analytics *analytics.Store
	engine    *replication.Engine
	archiver  *archive.Manager
	monitor   *health.Monitor

	capOpts capability.Options
	caps    atomic.Pointer[capability.Snapshot]

	taskMu  sync.Mutex
	rngMu   sync.Mutex
	rng     *rand.Rand
	metrics *metrics.NodeMetrics
	logger  zerolog.Logger
}

// New opens the node's data directory and builds every component.
func New(cfg *config.NodeConfig, opts Options) (*Service, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}

	layout, err := storage.NewLayout(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("prepare data directory: %w", err)
	}
	hasher, err := checksum.NewHasher(cfg.ChecksumAlgorithms)
	if err != nil {
		return nil, err
	}
	client := transport.NewClient(transport.ClientConfig{
		Secret:  cfg.NetworkSecret,
		Timeout: cfg.PeerTimeout.Std(),
	})

	s := &Service{
		cfg:     cfg,
		now:     opts.Now,
		layout:  layout,
		client:  client,
		rng:     rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		metrics: metrics.InitNodeMetrics(metrics.Registry),
		logger:  log.With().Str("component", "node").Str("node_id", cfg.NodeID).Logger(),
		capOpts: capability.Options{
			NodeID:           cfg.NodeID,
			NodeURL:          cfg.NodeURL,
			Version:          opts.Version,
			ArchiveDir:       layout.ArchiveDir(),
			Algorithms:       cfg.ChecksumAlgorithms,
			DisableOutbound:  cfg.DisableOutbound,
			DisableArchiving: cfg.DisableArchiving,
		},
	}
	s.detectCapabilities()

	var seedSrc peers.SeedSource
	if cfg.SeedSRV.Domain != "" {
		seedSrc = discovery.SeedSource(discovery.SRVConfig{
			Domain: cfg.SeedSRV.Domain,
			Server: cfg.SeedSRV.Server,
		})
	}
	s.peers, err = peers.NewRegistry(peers.Config{
		Self:         cfg.NodeURL,
		Path:         layout.StatePath("peers.json"),
		Seeds:        cfg.Seeds,
		SeedSource:   seedSrc,
		GossipFanout: cfg.GossipFanout,
		Client:       client,
	})
	if err != nil {
		return nil, fmt.Errorf("open peer registry: %w", err)
	}

	s.meta, err = metadata.NewStore(metadata.Config{Path: layout.StatePath("metadata.json"), Now: opts.Now})
	if err != nil {
		return nil, fmt.Errorf("open metadata: %w", err)
	}
	s.analytics, err = analytics.NewStore(layout.StatePath("analytics.json"))
	if err != nil {
		return nil, fmt.Errorf("open analytics: %w", err)
	}

	s.engine = replication.NewEngine(replication.Config{
		NodeID:            cfg.NodeID,
		Layout:            layout,
		Metadata:          s.meta,
		Peers:             s.peers,
		Client:            client,
		Hasher:            hasher,
		ReplicationFactor: cfg.ReplicationFactor,
		IngestRate:        cfg.IngestRate,
		IngestBurst:       cfg.IngestBurst,
		Now:               opts.Now,
	})
	s.archiver = archive.NewManager(archive.Config{
		Layout:          layout,
		Metadata:        s.meta,
		Container:       opts.Container,
		ArchiveAfter:    cfg.ArchiveAfter.Std(),
		RearchiveWindow: cfg.RearchiveWindow.Std(),
		Now:             opts.Now,
	})
	s.monitor = health.NewMonitor(health.Config{
		Peers:     s.peers,
		Analytics: s.analytics,
		Client:    client,
		Timeout:   cfg.HealthTimeout.Std(),
		Self:      s.Capabilities,
		Now:       opts.Now,
	})
	return s, nil
}

// Config returns the node configuration.
func (s *Service) Config() *config.NodeConfig { return s.cfg }

// Peers returns the peer registry.
func (s *Service) Peers() *peers.Registry { return s.peers }

// Metadata returns the metadata store.
func (s *Service) Metadata() *metadata.Store { return s.meta }

// Engine returns the replication engine.
func (s *Service) Engine() *replication.Engine { return s.engine }

// Archiver returns the archival manager.
func (s *Service) Archiver() *archive.Manager { return s.archiver }

// Layout returns the data directory layout.
func (s *Service) Layout() *storage.Layout { return s.layout }

// Capabilities returns the current capability snapshot.
func (s *Service) Capabilities() capability.Snapshot { return *s.caps.Load() }

func (s *Service) detectCapabilities() capability.Snapshot {
	snap := capability.Detect(s.capOpts)
	s.caps.Store(&snap)
	return snap
}

// DeleteFile tombstones every chunk of a file. Bytes are reclaimed by cleanup
// once the delete delay has passed.
func (s *Service) DeleteFile(fileID string) error {
	if err := metadata.ValidateFileID(fileID); err != nil {
		return err
	}
	if err := s.meta.MarkFileDeleted(fileID); err != nil {
		return err
	}
	s.logger.Info().Str("file_id", fileID).Msg("file marked deleted")
	return nil
}

// MetadataSnapshot returns the random sample served to gossiping peers.
func (s *Service) MetadataSnapshot() (metadata.Snapshot, error) {
	return s.meta.Sample(s.cfg.MetadataSample)
}

// ErrUnknownView is returned for an unsupported analytics view.
var ErrUnknownView = errors.New("unknown analytics type")

// AnalyticsView builds the /api/analytics reply for kind.
func (s *Service) AnalyticsView(kind, fileID string) (map[string]any, error) {
	rec, err := s.analytics.Load()
	if err != nil {
		return nil, err
	}
	caps := s.Capabilities()

	switch kind {
	case "", "status":
		return map[string]any{
			"success":       true,
			"node_id":       s.cfg.NodeID,
			"node_url":      s.cfg.NodeURL,
			"storage_usage": rec.StorageUsage,
			"capabilities":  caps,
			"last_check_in": rec.LastCheckIn,
			"last_task":     rec.LastTask,
		}, nil
	case "peer_health":
		return map[string]any{"success": true, "peer_status": rec.PeerStatus}, nil
	case "downloads":
		counts, err := s.analytics.DownloadCounts(fileID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"success": true, "download_counts": counts}, nil
	case "all":
		return map[string]any{
			"success": true,
			"data": map[string]any{
				"download_counts": rec.DownloadCounts,
				"peer_status":     rec.PeerStatus,
				"storage_usage":   rec.StorageUsage,
				"last_check_in":   rec.LastCheckIn,
				"last_task":       rec.LastTask,
				"capabilities":    caps,
			},
		}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownView, kind)
}

func (s *Service) shuffle(list []string) {
	s.rngMu.Lock()
	s.rng.Shuffle(len(list), func(i, j int) { list[i], list[j] = list[j], list[i] })
	s.rngMu.Unlock()
}

// httpPeers returns other peers whose last health check was ok and which
// advertise outbound HTTP.
func (s *Service) httpPeers(requireOK bool) ([]string, error) {
	status, err := s.analytics.PeerStatus()
	if err != nil {
		return nil, err
	}
	self := s.peers.Self()
	var out []string
	for url, h := range status {
		if url == self || !capability.CanInitiateHTTP(h.Capabilities) {
			continue
		}
		if requireOK && h.Status != analytics.StatusOK {
			continue
		}
		out = append(out, url)
	}
	return out, nil
}
