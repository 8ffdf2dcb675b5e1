// Package metadata stores per-file, per-chunk records and merges records
// learned from peers through gossip.
package metadata

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/meshdrop/meshdrop/internal/metrics"
	"github.com/meshdrop/meshdrop/internal/store"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config holds configuration for a Store.
type Config struct {
	Path string
	Now  func() time.Time // default: time.Now
}

// Store is the node's persisted metadata document.
type Store struct {
	doc     *store.Document[Snapshot]
	now     func() time.Time
	metrics *metrics.NodeMetrics
	logger  zerolog.Logger

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewStore opens the metadata file at cfg.Path.
func NewStore(cfg Config) (*Store, error) {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	doc, err := store.Open(cfg.Path, store.Options[Snapshot]{
		Initial: func() Snapshot { return Snapshot{} },
		Normalize: func(s *Snapshot) {
			if *s == nil {
				*s = Snapshot{}
			}
			for id, f := range *s {
				if f.Chunks == nil {
					f.Chunks = map[string]ChunkRecord{}
					(*s)[id] = f
				}
			}
		},
	})
	if err != nil {
		return nil, err
	}
	return &Store{
		doc:     doc,
		now:     cfg.Now,
		metrics: metrics.InitNodeMetrics(metrics.Registry),
		logger:  log.With().Str("component", "metadata").Logger(),
		rng:     rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}, nil
}

// All returns the full metadata snapshot.
func (s *Store) All() (Snapshot, error) {
	return s.doc.Load()
}

// Get returns the record for a file.
func (s *Store) Get(fileID string) (FileRecord, bool, error) {
	all, err := s.doc.Load()
	if err != nil {
		return FileRecord{}, false, err
	}
	f, ok := all[fileID]
	return f, ok, nil
}

// GetChunk returns the record for one chunk.
func (s *Store) GetChunk(fileID, chunkID string) (ChunkRecord, bool, error) {
	f, ok, err := s.Get(fileID)
	if err != nil || !ok {
		return ChunkRecord{}, false, err
	}
	c, ok := f.Chunks[chunkID]
	return c, ok, nil
}

// UpsertChunk shallow-merges patch into the chunk's record, creating it if needed.
func (s *Store) UpsertChunk(fileID, chunkID string, patch ChunkPatch) error {
	if err := ValidateFileID(fileID); err != nil {
		return err
	}
	if err := ValidateChunkID(chunkID); err != nil {
		return err
	}
	return s.doc.Update(func(all *Snapshot) error {
		f, ok := (*all)[fileID]
		if !ok {
			f = FileRecord{Chunks: map[string]ChunkRecord{}}
		}
		c := f.Chunks[chunkID]
		patch.apply(&c)
		f.Chunks[chunkID] = c
		(*all)[fileID] = f
		return nil
	})
}

// UpdateChunkIf applies patch only when pred accepts the chunk's current
// record, checked under the document lock. It returns ErrConflict otherwise.
func (s *Store) UpdateChunkIf(fileID, chunkID string, pred func(ChunkRecord) bool, patch ChunkPatch) error {
	return s.doc.Update(func(all *Snapshot) error {
		f, ok := (*all)[fileID]
		if !ok {
			return fmt.Errorf("%w: %s/%s", ErrChunkNotFound, fileID, chunkID)
		}
		c, ok := f.Chunks[chunkID]
		if !ok {
			return fmt.Errorf("%w: %s/%s", ErrChunkNotFound, fileID, chunkID)
		}
		if !pred(c) {
			return fmt.Errorf("%w: %s/%s is %s", ErrConflict, fileID, chunkID, c.State)
		}
		patch.apply(&c)
		f.Chunks[chunkID] = c
		return nil
	})
}

// MarkFileDeleted tombstones every chunk of a file with one shared timestamp.
func (s *Store) MarkFileDeleted(fileID string) error {
	ts := s.now().Unix()
	return s.doc.Update(func(all *Snapshot) error {
		f, ok := (*all)[fileID]
		if !ok {
			return fmt.Errorf("%w: %s", ErrFileNotFound, fileID)
		}
		for id, c := range f.Chunks {
			c.State = StateDeleted
			c.DeletedAt = ts
			f.Chunks[id] = c
		}
		return nil
	})
}

// MarkChunkDeleted tombstones one chunk.
func (s *Store) MarkChunkDeleted(fileID, chunkID string) error {
	ts := s.now().Unix()
	return s.updateChunk(fileID, chunkID, func(c *ChunkRecord) {
		c.State = StateDeleted
		c.DeletedAt = ts
	})
}

// TouchLastAccessed records a read of the chunk at ts.
func (s *Store) TouchLastAccessed(fileID, chunkID string, ts time.Time) error {
	return s.updateChunk(fileID, chunkID, func(c *ChunkRecord) {
		c.LastAccessed = ts.Unix()
	})
}

// MarkReclaimed records that cleanup removed a tombstone's bytes.
func (s *Store) MarkReclaimed(fileID, chunkID string) error {
	ts := s.now().Unix()
	return s.updateChunk(fileID, chunkID, func(c *ChunkRecord) {
		c.ReclaimedAt = ts
	})
}

func (s *Store) updateChunk(fileID, chunkID string, fn func(*ChunkRecord)) error {
	return s.doc.Update(func(all *Snapshot) error {
		f, ok := (*all)[fileID]
		if !ok {
			return fmt.Errorf("%w: %s/%s", ErrChunkNotFound, fileID, chunkID)
		}
		c, ok := f.Chunks[chunkID]
		if !ok {
			return fmt.Errorf("%w: %s/%s", ErrChunkNotFound, fileID, chunkID)
		}
		fn(&c)
		f.Chunks[chunkID] = c
		return nil
	})
}

// Sample returns up to n randomly chosen file records.
func (s *Store) Sample(n int) (Snapshot, error) {
	all, err := s.doc.Load()
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(all))
	for id := range all {
		ids = append(ids, id)
	}
	s.rngMu.Lock()
	s.rng.Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })
	s.rngMu.Unlock()
	if n < len(ids) {
		ids = ids[:n]
	}
	out := make(Snapshot, len(ids))
	for _, id := range ids {
		out[id] = all[id]
	}
	return out, nil
}

// PurgeTombstones drops reclaimed tombstones deleted before cutoff and
// returns how many chunk records were removed. Files left without chunks
// are removed too.
func (s *Store) PurgeTombstones(cutoff time.Time) (int, error) {
	limit := cutoff.Unix()
	purged := 0
	err := s.doc.Update(func(all *Snapshot) error {
		for fileID, f := range *all {
			for chunkID, c := range f.Chunks {
				if c.State == StateDeleted && c.ReclaimedAt != 0 && c.DeletedAt < limit {
					delete(f.Chunks, chunkID)
					purged++
				}
			}
			if len(f.Chunks) == 0 {
				delete(*all, fileID)
			}
		}
		return nil
	})
	return purged, err
}
