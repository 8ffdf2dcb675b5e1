package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// Register is a single persisted integer stored as decimal text, with the
// same lock discipline as Document. Unparseable contents read as zero.
type Register struct {
	path     string
	lockPath string
	mu       sync.Mutex
}

// OpenRegister returns a Register backed by path, creating its directory.
func OpenRegister(path string) (*Register, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}
	return &Register{path: path, lockPath: path + ".lock"}, nil
}

// Load returns the current value under a shared lock.
func (r *Register) Load() (int, error) {
	var v int
	err := withLock(r.lockPath, false, func() error {
		v = r.read()
		return nil
	})
	return v, err
}

// Update passes the current value to fn under an exclusive lock and persists
// what fn returns.
func (r *Register) Update(fn func(cur int) (int, error)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return withLock(r.lockPath, true, func() error {
		next, err := fn(r.read())
		if err != nil {
			return err
		}
		return WriteFileAtomic(r.path, []byte(strconv.Itoa(next)), 0640)
	})
}

func (r *Register) read() int {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return 0
	}
	v, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return v
}
