// Package store persists small JSON documents shared between meshdrop
// processes. Each logical namespace (peers, metadata, analytics, gateway
// status) is one file guarded by an advisory lock on a sidecar ".lock" file:
// shared for reads, exclusive for read-modify-write. Writes replace the file
// atomically through a temp file and rename.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Options configures a Document.
type Options[T any] struct {
	// Initial returns the value used when the file is missing or corrupt.
	Initial func() T
	// Normalize is applied after every load and before every save.
	Normalize func(*T)
}

// Document is a lock-guarded JSON document of type T.
type Document[T any] struct {
	path     string
	lockPath string
	opts     Options[T]

	mu     sync.Mutex // single writer per namespace within this process
	logger zerolog.Logger
}

// Open returns a Document backed by path, creating its directory.
func Open[T any](path string, opts Options[T]) (*Document[T], error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}
	if opts.Initial == nil {
		opts.Initial = func() T {
			var zero T
			return zero
		}
	}
	return &Document[T]{
		path:     path,
		lockPath: path + ".lock",
		opts:     opts,
		logger:   log.With().Str("component", "store").Str("file", filepath.Base(path)).Logger(),
	}, nil
}

// Path returns the document's file path.
func (d *Document[T]) Path() string { return d.path }

// Load reads the document under a shared lock.
func (d *Document[T]) Load() (T, error) {
	var v T
	err := withLock(d.lockPath, false, func() error {
		v = d.read()
		return nil
	})
	return v, err
}

// Update reloads the document under an exclusive lock, applies fn and
// atomically writes the result. Nothing is written if fn returns an error.
func (d *Document[T]) Update(fn func(*T) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	return withLock(d.lockPath, true, func() error {
		v := d.read()
		if err := fn(&v); err != nil {
			return err
		}
		if d.opts.Normalize != nil {
			d.opts.Normalize(&v)
		}
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal %s: %w", filepath.Base(d.path), err)
		}
		return WriteFileAtomic(d.path, data, 0640)
	})
}

// read must be called with the lock held.
func (d *Document[T]) read() T {
	v := d.opts.Initial()
	data, err := os.ReadFile(d.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		d.logger.Warn().Err(err).Msg("failed to read state file, using empty state")
	case len(data) == 0:
	default:
		if err := json.Unmarshal(data, &v); err != nil {
			d.logger.Warn().Err(err).Msg("corrupt state file, using empty state")
			v = d.opts.Initial()
		}
	}
	if d.opts.Normalize != nil {
		d.opts.Normalize(&v)
	}
	return v
}

// WriteFileAtomic writes data to a temp file in path's directory, syncs it
// and renames it over path.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

func withLock(lockPath string, exclusive bool, fn func() error) error {
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0640)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	defer func() { _ = f.Close() }()

	if err := lockFile(f, exclusive); err != nil {
		return fmt.Errorf("lock %s: %w", filepath.Base(lockPath), err)
	}
	defer func() { _ = unlockFile(f) }()

	return fn()
}
