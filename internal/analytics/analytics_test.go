package analytics

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/meshdrop/meshdrop/internal/storage"
	"github.com/meshdrop/meshdrop/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir, cleanup := testutil.TempDir(t)
	t.Cleanup(cleanup)
	s, err := NewStore(filepath.Join(dir, "analytics.json"))
	require.NoError(t, err)
	return s
}

func TestDownloadCounts(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.IncrementDownload("file1", "0"))
	require.NoError(t, s.IncrementDownload("file1", "0"))
	require.NoError(t, s.IncrementDownload("file2", "0"))

	all, err := s.DownloadCounts("")
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"file1_0": 2, "file2_0": 1}, all)

	one, err := s.DownloadCounts("file1")
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"file1_0": 2}, one)
}

func TestReplacePeerStatus_Overwrites(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SetPeerHealth("http://gone:1/", PeerHealth{Status: StatusOK}))

	require.NoError(t, s.ReplacePeerStatus(map[string]PeerHealth{
		"http://a:1/": {Status: StatusOffline, LastChecked: 10},
	}))

	status, err := s.PeerStatus()
	require.NoError(t, err)
	require.Len(t, status, 1)
	assert.Equal(t, StatusOffline, status["http://a:1/"].Status)
	assert.NotNil(t, status["http://a:1/"].Capabilities, "capabilities decode as an empty object")
}

func TestCheckInAndStorage(t *testing.T) {
	s := newTestStore(t)
	ts := time.Unix(1_700_000_000, 0)
	require.NoError(t, s.CheckIn("cleanup_data", ts))
	require.NoError(t, s.SetStorageUsage(storage.Usage{Total: 100, Used: 25, Free: 75, Percentage: 25}))

	r, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, ts.Unix(), r.LastCheckIn)
	assert.Equal(t, "cleanup_data", r.LastTask)
	require.NotNil(t, r.StorageUsage)
	assert.Equal(t, int64(25), r.StorageUsage.Used)
}
