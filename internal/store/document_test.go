package store

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/meshdrop/meshdrop/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type counters struct {
	Values map[string]int `json:"values"`
}

func openCounters(t *testing.T, path string) *Document[counters] {
	t.Helper()
	doc, err := Open(path, Options[counters]{
		Initial: func() counters { return counters{Values: map[string]int{}} },
		Normalize: func(c *counters) {
			if c.Values == nil {
				c.Values = map[string]int{}
			}
		},
	})
	require.NoError(t, err)
	return doc
}

func TestDocument_MissingFileYieldsInitial(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	doc := openCounters(t, filepath.Join(dir, "state", "c.json"))
	v, err := doc.Load()
	require.NoError(t, err)
	assert.NotNil(t, v.Values)
	assert.Empty(t, v.Values)
}

func TestDocument_UpdatePersists(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()
	path := filepath.Join(dir, "c.json")

	doc := openCounters(t, path)
	require.NoError(t, doc.Update(func(c *counters) error {
		c.Values["a"] = 1
		return nil
	}))

	// A second handle sees the write, as another process would.
	other := openCounters(t, path)
	v, err := other.Load()
	require.NoError(t, err)
	assert.Equal(t, 1, v.Values["a"])

	_, err = os.Stat(path + ".lock")
	assert.NoError(t, err)
}

func TestDocument_UpdateErrorWritesNothing(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()
	path := filepath.Join(dir, "c.json")

	doc := openCounters(t, path)
	boom := errors.New("boom")
	err := doc.Update(func(c *counters) error {
		c.Values["a"] = 1
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestDocument_CorruptFileYieldsInitial(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()
	path := testutil.TempFile(t, dir, "c.json", "{not json")

	doc := openCounters(t, path)
	v, err := doc.Load()
	require.NoError(t, err)
	assert.Empty(t, v.Values)

	require.NoError(t, doc.Update(func(c *counters) error {
		c.Values["b"] = 2
		return nil
	}))
	v, err = doc.Load()
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"b": 2}, v.Values)
}

func TestDocument_ConcurrentUpdatesDoNotLoseWrites(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()
	path := filepath.Join(dir, "c.json")

	// Separate handles share only the lock file, like separate processes.
	a := openCounters(t, path)
	b := openCounters(t, path)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		for _, doc := range []*Document[counters]{a, b} {
			wg.Add(1)
			go func(doc *Document[counters]) {
				defer wg.Done()
				assert.NoError(t, doc.Update(func(c *counters) error {
					c.Values["n"]++
					return nil
				}))
			}(doc)
		}
	}
	wg.Wait()

	v, err := a.Load()
	require.NoError(t, err)
	assert.Equal(t, 100, v.Values["n"])
}

func TestWriteFileAtomic_LeavesNoTempFiles(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()
	path := filepath.Join(dir, "out.json")

	require.NoError(t, WriteFileAtomic(path, []byte("one"), 0640))
	require.NoError(t, WriteFileAtomic(path, []byte("two"), 0640))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRegister(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()
	path := filepath.Join(dir, "cursor")

	r, err := OpenRegister(path)
	require.NoError(t, err)

	v, err := r.Load()
	require.NoError(t, err)
	assert.Equal(t, 0, v)

	require.NoError(t, r.Update(func(cur int) (int, error) { return cur + 5, nil }))
	v, err = r.Load()
	require.NoError(t, err)
	assert.Equal(t, 5, v)

	testutil.TempFile(t, dir, "cursor", "garbage")
	v, err = r.Load()
	require.NoError(t, err)
	assert.Equal(t, 0, v)
}
