// Package archive moves cold chunks into compressed containers, verifying
// every container before the original is removed, and brings them back on
// demand.
package archive

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/meshdrop/meshdrop/internal/checksum"
	"github.com/meshdrop/meshdrop/internal/metadata"
	"github.com/meshdrop/meshdrop/internal/metrics"
	"github.com/meshdrop/meshdrop/internal/storage"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrNotArchivable is returned for chunks that are not active local copies.
var ErrNotArchivable = errors.New("chunk is not an active local copy")

// ErrNotArchived is returned when reactivating a chunk that is not archived.
var ErrNotArchived = errors.New("chunk is not archived")

// Mode selects which chunks a sweep considers.
type Mode string

const (
	// ModeAge archives chunks unused for longer than ArchiveAfter.
	ModeAge Mode = "age"
	// ModeRearchive archives reactivated chunks unused for longer than RearchiveWindow.
	ModeRearchive Mode = "rearchive_window"
)

// Config holds configuration for a Manager.
type Config struct {
	Layout          *storage.Layout
	Metadata        *metadata.Store
	Container       Container     // default: ZipContainer
	ArchiveAfter    time.Duration // default: 180 days
	RearchiveWindow time.Duration // default: 7 days
	Now             func() time.Time
}

// Manager archives, restores and reactivates chunks.
type Manager struct {
	layout          *storage.Layout
	meta            *metadata.Store
	container       Container
	archiveAfter    time.Duration
	rearchiveWindow time.Duration
	now             func() time.Time
	metrics         *metrics.NodeMetrics
	logger          zerolog.Logger
}

// NewManager creates an archival manager.
func NewManager(cfg Config) *Manager {
	if cfg.Container == nil {
		cfg.Container = ZipContainer{}
	}
	if cfg.ArchiveAfter == 0 {
		cfg.ArchiveAfter = 180 * 24 * time.Hour
	}
	if cfg.RearchiveWindow == 0 {
		cfg.RearchiveWindow = 7 * 24 * time.Hour
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{
		layout:          cfg.Layout,
		meta:            cfg.Metadata,
		container:       cfg.Container,
		archiveAfter:    cfg.ArchiveAfter,
		rearchiveWindow: cfg.RearchiveWindow,
		now:             cfg.Now,
		metrics:         metrics.InitNodeMetrics(metrics.Registry),
		logger:          log.With().Str("component", "archive").Logger(),
	}
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	Considered int
	Archived   int
	Failed     int
}

// Sweep archives every eligible chunk for mode. Failures are logged and
// counted; they never stop the sweep.
func (m *Manager) Sweep(ctx context.Context, mode Mode) (*SweepResult, error) {
	all, err := m.meta.All()
	if err != nil {
		return nil, err
	}
	now := m.now().Unix()
	res := &SweepResult{}

	for fileID, f := range all {
		for chunkID, c := range f.Chunks {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			if !m.eligible(mode, c, now) {
				continue
			}
			res.Considered++
			if err := m.Archive(fileID, chunkID); err != nil {
				res.Failed++
				m.logger.Warn().Err(err).
					Str("file_id", fileID).
					Str("chunk_id", chunkID).
					Msg("archive failed, chunk left active")
				continue
			}
			res.Archived++
		}
	}

	m.logger.Info().
		Str("mode", string(mode)).
		Int("considered", res.Considered).
		Int("archived", res.Archived).
		Int("failed", res.Failed).
		Msg("archive sweep complete")
	return res, nil
}

func (m *Manager) eligible(mode Mode, c metadata.ChunkRecord, now int64) bool {
	if c.State != metadata.StateActive || c.Remote || !storage.Exists(c.LocalPath) {
		return false
	}
	switch mode {
	case ModeAge:
		return now-c.LastUsed() > int64(m.archiveAfter/time.Second)
	case ModeRearchive:
		if c.ReactivatedAt == 0 {
			return false
		}
		return now-max(c.LastAccessed, c.ReactivatedAt) > int64(m.rearchiveWindow/time.Second)
	}
	return false
}

// Archive writes the chunk to a new container, verifies the container
// against the recorded checksum and only then drops the original. Any
// failure removes the container and leaves the chunk active.
func (m *Manager) Archive(fileID, chunkID string) (err error) {
	defer func() { m.observe("archive", err) }()

	c, ok, err := m.meta.GetChunk(fileID, chunkID)
	if err != nil {
		return err
	}
	if !ok || c.State != metadata.StateActive || c.Remote || !storage.Exists(c.LocalPath) {
		return fmt.Errorf("%w: %s/%s", ErrNotArchivable, fileID, chunkID)
	}

	entry := filepath.Base(c.LocalPath)
	containerPath := filepath.Join(m.layout.ArchiveDir(),
		fileID+"_"+chunkID+"_"+strconv.FormatInt(m.now().UnixNano(), 10)+".zip")

	if err := m.container.Write(containerPath, entry, c.LocalPath); err != nil {
		_ = storage.RemoveFile(containerPath)
		return fmt.Errorf("write container: %w", err)
	}
	if err := m.verify(containerPath, entry, c.Checksum); err != nil {
		_ = storage.RemoveFile(containerPath)
		return err
	}

	stillActive := func(cur metadata.ChunkRecord) bool {
		return cur.State == metadata.StateActive && cur.LocalPath == c.LocalPath
	}
	err = m.meta.UpdateChunkIf(fileID, chunkID, stillActive, metadata.ChunkPatch{
		State:            metadata.Ptr(metadata.StateArchived),
		LocalPath:        metadata.Ptr(""),
		ArchivePath:      metadata.Ptr(containerPath),
		ArchiveEntryName: metadata.Ptr(entry),
		ReactivatedAt:    metadata.Ptr(int64(0)),
	})
	if err != nil {
		_ = storage.RemoveFile(containerPath)
		return fmt.Errorf("record archive: %w", err)
	}
	if err := storage.RemoveFile(c.LocalPath); err != nil {
		// No longer referenced; the orphan scan removes it.
		m.logger.Warn().Err(err).Str("path", c.LocalPath).Msg("failed to remove archived original")
	}

	m.logger.Debug().
		Str("file_id", fileID).
		Str("chunk_id", chunkID).
		Str("container", filepath.Base(containerPath)).
		Msg("chunk archived")
	return nil
}

func (m *Manager) verify(containerPath, entry, expected string) error {
	scratch, err := m.Restore(containerPath, entry)
	if err != nil {
		return fmt.Errorf("re-read container: %w", err)
	}
	defer func() { _ = os.Remove(scratch) }()
	if err := checksum.VerifyFile(scratch, expected); err != nil {
		return fmt.Errorf("verify container: %w", err)
	}
	return nil
}

// Restore extracts an archived entry to a scratch file and returns its path.
// The caller removes the file. Metadata is not changed.
func (m *Manager) Restore(archivePath, entryName string) (string, error) {
	f, err := m.layout.CreateScratch("restore-*")
	if err != nil {
		return "", err
	}
	path := f.Name()
	err = m.container.Extract(archivePath, entryName, f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return "", err
	}
	return path, nil
}

// Reactivate restores an archived chunk to its sharded path, marks it active
// with reactivated_at set and deletes the container.
func (m *Manager) Reactivate(fileID, chunkID string) (err error) {
	defer func() { m.observe("reactivate", err) }()

	c, ok, err := m.meta.GetChunk(fileID, chunkID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s/%s", metadata.ErrChunkNotFound, fileID, chunkID)
	}
	if c.State != metadata.StateArchived || c.ArchivePath == "" {
		return fmt.Errorf("%w: %s/%s is %s", ErrNotArchived, fileID, chunkID, c.State)
	}

	scratch, err := m.Restore(c.ArchivePath, c.ArchiveEntryName)
	if err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	placed := false
	defer func() {
		if !placed {
			_ = os.Remove(scratch)
		}
	}()
	if err := checksum.VerifyFile(scratch, c.Checksum); err != nil {
		return err
	}
	path, err := m.layout.Place(scratch, fileID, chunkID)
	if err != nil {
		return err
	}
	placed = true

	stillArchived := func(cur metadata.ChunkRecord) bool {
		return cur.State == metadata.StateArchived && cur.ArchivePath == c.ArchivePath
	}
	err = m.meta.UpdateChunkIf(fileID, chunkID, stillArchived, metadata.ChunkPatch{
		State:            metadata.Ptr(metadata.StateActive),
		LocalPath:        metadata.Ptr(path),
		ArchivePath:      metadata.Ptr(""),
		ArchiveEntryName: metadata.Ptr(""),
		ReactivatedAt:    metadata.Ptr(m.now().Unix()),
	})
	if err != nil {
		_ = storage.RemoveFile(path)
		return fmt.Errorf("record reactivation: %w", err)
	}
	if err := storage.RemoveFile(c.ArchivePath); err != nil {
		m.logger.Warn().Err(err).Str("path", c.ArchivePath).Msg("failed to remove container")
	}

	m.logger.Info().Str("file_id", fileID).Str("chunk_id", chunkID).Msg("chunk reactivated")
	return nil
}

func (m *Manager) observe(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.metrics.ArchiveOps.WithLabelValues(op, result).Inc()
}
