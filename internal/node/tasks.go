package node

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/meshdrop/meshdrop/internal/analytics"
	"github.com/meshdrop/meshdrop/internal/archive"
	"github.com/meshdrop/meshdrop/internal/metadata"
	"github.com/meshdrop/meshdrop/internal/transport"
)

// Maintenance task names.
const (
	TaskGossipPeers      = "gossip_peers"
	TaskGossipMetadata   = "gossip_metadata"
	TaskCheckPeers       = "check_peers"
	TaskCleanupData      = "cleanup_data"
	TaskArchiveOldFiles  = "archive_old_files"
	TaskRearchiveCheck   = "rearchive_check"
	TaskCheckEnvironment = "check_environment"
)

// ErrUnknownTask is returned by RunTask for an unrecognised name.
var ErrUnknownTask = errors.New("unknown task")

// Tasks returns every task name in a stable order.
func Tasks() []string {
	names := []string{
		TaskGossipPeers, TaskGossipMetadata, TaskCheckPeers, TaskCleanupData,
		TaskArchiveOldFiles, TaskRearchiveCheck, TaskCheckEnvironment,
	}
	sort.Strings(names)
	return names
}

func (s *Service) task(name string) (func(context.Context) error, bool) {
	switch name {
	case TaskGossipPeers:
		return s.gossipPeers, true
	case TaskGossipMetadata:
		return s.gossipMetadata, true
	case TaskCheckPeers:
		return s.checkPeers, true
	case TaskCleanupData:
		return s.cleanupData, true
	case TaskArchiveOldFiles:
		return s.archiveOldFiles, true
	case TaskRearchiveCheck:
		return s.rearchiveCheck, true
	case TaskCheckEnvironment:
		return s.checkEnvironment, true
	}
	return nil, false
}

// RunTask runs one maintenance task and records the check-in. Tasks never
// overlap within a process.
func (s *Service) RunTask(ctx context.Context, name string) error {
	fn, ok := s.task(name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTask, name)
	}

	s.taskMu.Lock()
	defer s.taskMu.Unlock()

	start := time.Now()
	err := fn(ctx)
	s.metrics.TaskDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())

	result := "ok"
	if err != nil {
		result = "error"
		s.logger.Error().Err(err).Str("task", name).Msg("maintenance task failed")
	}
	s.metrics.TaskRuns.WithLabelValues(name, result).Inc()

	if cerr := s.analytics.CheckIn(name, s.now()); cerr != nil {
		s.logger.Warn().Err(cerr).Msg("failed to record check-in")
	}
	return err
}

func (s *Service) gossipPeers(ctx context.Context) error {
	_, err := s.peers.Gossip(ctx)
	return err
}

// gossipMetadata pulls metadata samples from a few healthy peers and merges
// them. A failing peer is skipped.
func (s *Service) gossipMetadata(ctx context.Context) error {
	candidates, err := s.httpPeers(true)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		s.logger.Debug().Msg("no healthy peers for metadata gossip")
		return nil
	}
	targets := s.peers.Sample(candidates, s.cfg.GossipFanout)

	var total metadata.MergeResult
	for _, peer := range targets {
		var snap metadata.Snapshot
		if err := s.client.GetJSON(ctx, transport.Endpoint(peer, "api/metadata", nil), &snap); err != nil {
			s.logger.Debug().Err(err).Str("peer", peer).Msg("metadata fetch failed")
			continue
		}
		res, err := s.meta.Merge(peer, snap)
		if err != nil {
			return fmt.Errorf("merge metadata from %s: %w", peer, err)
		}
		total.Learned += res.Learned
		total.Deleted += res.Deleted
		total.Ignored += res.Ignored
	}

	s.logger.Info().
		Int("peers", len(targets)).
		Int("learned", total.Learned).
		Int("deleted", total.Deleted).
		Msg("metadata gossip complete")
	return nil
}

func (s *Service) checkPeers(ctx context.Context) error {
	_, err := s.monitor.CheckAll(ctx)
	return err
}

func (s *Service) archiveOldFiles(ctx context.Context) error {
	if !s.Capabilities().Archiving {
		s.logger.Debug().Msg("archiving unavailable on this node")
		return nil
	}
	_, err := s.archiver.Sweep(ctx, archive.ModeAge)
	return err
}

func (s *Service) rearchiveCheck(ctx context.Context) error {
	if !s.Capabilities().Archiving {
		return nil
	}
	_, err := s.archiver.Sweep(ctx, archive.ModeRearchive)
	return err
}

// checkEnvironment re-detects capabilities and publishes self as ok.
func (s *Service) checkEnvironment(context.Context) error {
	prev := s.Capabilities()
	snap := s.detectCapabilities()
	if prev.Archiving != snap.Archiving || prev.CanInitiateHTTP != snap.CanInitiateHTTP ||
		!slices.Equal(prev.Hashing, snap.Hashing) {
		s.logger.Info().
			Bool("can_initiate_http", snap.CanInitiateHTTP).
			Bool("archiving", snap.Archiving).
			Strs("hashing", snap.Hashing).
			Msg("capabilities changed")
	}
	return s.analytics.SetPeerHealth(s.peers.Self(), analytics.PeerHealth{
		Status:       analytics.StatusOK,
		LastChecked:  s.now().Unix(),
		Capabilities: snap.Map(),
	})
}
