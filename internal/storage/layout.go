// Package storage owns the on-disk layout of a node's data directory:
// sharded chunk files, the archive directory, scratch space and state files.
package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrWriteFailed wraps local write failures (disk full, permissions). Callers
// treat it as a capacity problem.
var ErrWriteFailed = errors.New("local write failed")

const (
	archiveDirName = "archive"
	scratchDirName = "tmp"
	stateDirName   = "state"

	chunkExt = ".dat"
)

// Layout resolves paths under a node's data directory.
type Layout struct {
	root string
}

// NewLayout creates the data directory and its fixed subdirectories.
func NewLayout(root string) (*Layout, error) {
	root = filepath.Clean(root)
	l := &Layout{root: root}
	for _, dir := range []string{root, l.ArchiveDir(), l.ScratchDir(), l.StateDir()} {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return l, nil
}

// Root returns the data directory.
func (l *Layout) Root() string { return l.root }

// ArchiveDir holds archive containers.
func (l *Layout) ArchiveDir() string { return filepath.Join(l.root, archiveDirName) }

// ScratchDir holds in-flight uploads and restored archive entries.
func (l *Layout) ScratchDir() string { return filepath.Join(l.root, scratchDirName) }

// StateDir holds the JSON state documents.
func (l *Layout) StateDir() string { return filepath.Join(l.root, stateDirName) }

// StatePath returns the path of a named state document.
func (l *Layout) StatePath(name string) string { return filepath.Join(l.StateDir(), name) }

// ChunkFileName is the base name of a chunk file.
func ChunkFileName(fileID, chunkID string) string {
	return fileID + "_" + chunkID + chunkExt
}

// ChunkPath returns <root>/ab/cd/<file_id>_<chunk_id>.dat, sharded on the
// first four characters of the file id. Ids must already be validated.
func (l *Layout) ChunkPath(fileID, chunkID string) string {
	name := ChunkFileName(fileID, chunkID)
	if len(fileID) < 4 {
		return filepath.Join(l.root, name)
	}
	return filepath.Join(l.root, fileID[:2], fileID[2:4], name)
}

// CreateScratch opens a new temp file in the scratch directory.
func (l *Layout) CreateScratch(pattern string) (*os.File, error) {
	f, err := os.CreateTemp(l.ScratchDir(), pattern)
	if err != nil {
		return nil, fmt.Errorf("%w: create scratch file: %v", ErrWriteFailed, err)
	}
	return f, nil
}

// Place moves a finished scratch file into the chunk's sharded path and
// returns that path.
func (l *Layout) Place(scratchPath, fileID, chunkID string) (string, error) {
	dst := l.ChunkPath(fileID, chunkID)
	if err := os.MkdirAll(filepath.Dir(dst), 0750); err != nil {
		return "", fmt.Errorf("%w: create shard directory: %v", ErrWriteFailed, err)
	}
	if err := os.Rename(scratchPath, dst); err != nil {
		return "", fmt.Errorf("%w: move chunk into place: %v", ErrWriteFailed, err)
	}
	return dst, nil
}

// ListLocalFiles returns every regular file under the data directory except
// those in the archive, scratch and state directories.
func (l *Layout) ListLocalFiles() ([]string, error) {
	skip := map[string]bool{
		l.ArchiveDir(): true,
		l.ScratchDir(): true,
		l.StateDir():   true,
	}
	var files []string
	err := filepath.WalkDir(l.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			if skip[path] {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan data directory: %w", err)
	}
	return files, nil
}

// ListArchives returns the archive containers.
func (l *Layout) ListArchives() ([]string, error) {
	entries, err := os.ReadDir(l.ArchiveDir())
	if err != nil {
		return nil, fmt.Errorf("read archive directory: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.Type().IsRegular() {
			out = append(out, filepath.Join(l.ArchiveDir(), e.Name()))
		}
	}
	return out, nil
}

// StaleScratch returns scratch files last modified before cutoff.
func (l *Layout) StaleScratch(cutoff time.Time) ([]string, error) {
	entries, err := os.ReadDir(l.ScratchDir())
	if err != nil {
		return nil, fmt.Errorf("read scratch directory: %w", err)
	}
	var out []string
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			out = append(out, filepath.Join(l.ScratchDir(), e.Name()))
		}
	}
	return out, nil
}

// PruneEmptyShards removes empty shard directories left behind after
// chunk files are deleted.
func (l *Layout) PruneEmptyShards() {
	outer, err := os.ReadDir(l.root)
	if err != nil {
		return
	}
	for _, o := range outer {
		if !o.IsDir() || len(o.Name()) != 2 || strings.HasPrefix(o.Name(), ".") {
			continue
		}
		dir := filepath.Join(l.root, o.Name())
		inner, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, i := range inner {
			if i.IsDir() {
				_ = os.Remove(filepath.Join(dir, i.Name())) // fails unless empty
			}
		}
		_ = os.Remove(dir)
	}
}

// Exists reports whether path names an existing regular file.
func Exists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// RemoveFile deletes path, treating a missing file as success.
func RemoveFile(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
