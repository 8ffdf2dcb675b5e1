package node

import (
	"context"
	"os"
	"time"

	"github.com/meshdrop/meshdrop/internal/metadata"
	"github.com/meshdrop/meshdrop/internal/storage"
)

const (
	// scratchMaxAge is how long an abandoned scratch file survives.
	scratchMaxAge = time.Hour
	// orphanGrace protects files placed by an ingest whose record is not yet written.
	orphanGrace = 10 * time.Minute
)

// CleanupResult summarizes one cleanup run.
type CleanupResult struct {
	Reclaimed int
	Orphans   int
	Scratch   int
	Missing   int
	Purged    int
}

func (s *Service) cleanupData(ctx context.Context) error {
	_, err := s.Cleanup(ctx)
	return err
}

// Cleanup reclaims expired tombstones, deletes orphaned files and stale
// scratch files, optionally purges old tombstones and refreshes storage usage.
func (s *Service) Cleanup(ctx context.Context) (*CleanupResult, error) {
	res := &CleanupResult{}
	now := s.now()

	all, err := s.meta.All()
	if err != nil {
		return nil, err
	}
	cutoff := now.Add(-s.cfg.DeleteDelay.Std()).Unix()
	for fileID, f := range all {
		for chunkID, c := range f.Chunks {
			if c.State != metadata.StateDeleted || c.ReclaimedAt != 0 || c.DeletedAt > cutoff {
				continue
			}
			if err := ctx.Err(); err != nil {
				return res, err
			}
			if err := s.reclaim(c); err != nil {
				s.logger.Warn().Err(err).Str("file_id", fileID).Msg("failed to reclaim tombstone")
				continue
			}
			if err := s.meta.MarkReclaimed(fileID, chunkID); err != nil {
				return res, err
			}
			res.Reclaimed++
		}
	}

	// Reload: reclaimed records no longer own their paths.
	if all, err = s.meta.All(); err != nil {
		return res, err
	}
	live := map[string]bool{}
	for fileID, f := range all {
		for _, c := range f.Chunks {
			if c.ReclaimedAt != 0 {
				continue
			}
			if c.LocalPath != "" {
				live[c.LocalPath] = true
			}
			if c.ArchivePath != "" {
				live[c.ArchivePath] = true
			}
			if c.State == metadata.StateActive && !c.Remote && !storage.Exists(c.LocalPath) {
				res.Missing++
				s.logger.Warn().Str("file_id", fileID).Str("path", c.LocalPath).Msg("metadata points to missing file")
			}
		}
	}

	files, err := s.layout.ListLocalFiles()
	if err != nil {
		return res, err
	}
	// Containers no record points to, e.g. left by a failed removal after
	// reactivation.
	archives, err := s.layout.ListArchives()
	if err != nil {
		return res, err
	}
	files = append(files, archives...)
	graceCutoff := time.Now().Add(-orphanGrace)
	for _, path := range files {
		if live[path] {
			continue
		}
		if info, err := os.Stat(path); err != nil || info.ModTime().After(graceCutoff) {
			continue
		}
		if err := storage.RemoveFile(path); err != nil {
			s.logger.Warn().Err(err).Str("path", path).Msg("failed to remove orphan")
			continue
		}
		res.Orphans++
		s.logger.Info().Str("path", path).Msg("removed orphaned file")
	}
	s.layout.PruneEmptyShards()

	stale, err := s.layout.StaleScratch(time.Now().Add(-scratchMaxAge))
	if err != nil {
		return res, err
	}
	for _, path := range stale {
		if storage.RemoveFile(path) == nil {
			res.Scratch++
		}
	}

	if retention := s.cfg.TombstoneRetention.Std(); retention > 0 {
		if res.Purged, err = s.meta.PurgeTombstones(now.Add(-retention)); err != nil {
			return res, err
		}
	}

	if usage, err := storage.DiskUsage(s.layout.Root()); err != nil {
		s.logger.Warn().Err(err).Msg("failed to read disk usage")
	} else {
		if err := s.analytics.SetStorageUsage(usage); err != nil {
			return res, err
		}
		s.metrics.StorageUsedRatio.Set(usage.Percentage / 100)
	}

	s.metrics.CleanupFiles.WithLabelValues("reclaimed").Add(float64(res.Reclaimed))
	s.metrics.CleanupFiles.WithLabelValues("orphaned").Add(float64(res.Orphans))
	s.metrics.CleanupFiles.WithLabelValues("scratch").Add(float64(res.Scratch))
	s.logger.Info().
		Int("reclaimed", res.Reclaimed).
		Int("orphans", res.Orphans).
		Int("scratch", res.Scratch).
		Int("missing", res.Missing).
		Int("purged", res.Purged).
		Msg("cleanup complete")
	return res, nil
}

func (s *Service) reclaim(c metadata.ChunkRecord) error {
	if err := storage.RemoveFile(c.LocalPath); err != nil {
		return err
	}
	return storage.RemoveFile(c.ArchivePath)
}
