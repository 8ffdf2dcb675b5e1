package node

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/meshdrop/meshdrop/internal/analytics"
	"github.com/meshdrop/meshdrop/internal/config"
	"github.com/meshdrop/meshdrop/internal/metadata"
	"github.com/meshdrop/meshdrop/internal/storage"
	"github.com/meshdrop/meshdrop/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const day = 24 * time.Hour

func testConfig(t *testing.T) *config.NodeConfig {
	t.Helper()
	dir, cleanup := testutil.TempDir(t)
	t.Cleanup(cleanup)
	return &config.NodeConfig{
		NodeID:             "node-a",
		NodeURL:            "http://node-a:8080/",
		NetworkSecret:      "s3cret",
		DataDir:            dir,
		ReplicationFactor:  1,
		GossipFanout:       3,
		MetadataSample:     10,
		ArchiveAfter:       config.Duration(180 * day),
		RearchiveWindow:    config.Duration(7 * day),
		DeleteDelay:        config.Duration(48 * time.Hour),
		PeerTimeout:        config.Duration(2 * time.Second),
		HealthTimeout:      config.Duration(time.Second),
		ChecksumAlgorithms: []string{"sha256"},
	}
}

func newService(t *testing.T, cfg *config.NodeConfig) *Service {
	t.Helper()
	s, err := New(cfg, Options{Version: "test"})
	require.NoError(t, err)
	return s
}

func upload(t *testing.T, s *Service, data []byte) string {
	t.Helper()
	res, err := s.Engine().HandleUpload(t.Context(), bytes.NewReader(data), "f.bin")
	require.NoError(t, err)
	return res.FileID
}

func readAll(t *testing.T, d *Download) []byte {
	t.Helper()
	defer func() { _ = d.Close() }()
	b, err := io.ReadAll(d.Body)
	require.NoError(t, err)
	return b
}

// peerNode serves download_chunk and metadata like a remote node.
func peerNode(t *testing.T, chunk []byte, snap metadata.Snapshot) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/download_chunk":
			if chunk == nil {
				http.NotFound(w, r)
				return
			}
			_, _ = w.Write(chunk)
		case "/api/metadata":
			_ = json.NewEncoder(w).Encode(snap)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv.URL + "/"
}

func markHealthy(t *testing.T, s *Service, peer string) {
	t.Helper()
	require.NoError(t, s.analytics.SetPeerHealth(peer, analytics.PeerHealth{
		Status:       analytics.StatusOK,
		Capabilities: map[string]any{"node_id": "peer", "can_initiate_http": true},
	}))
}

func TestDownload_LocalActive(t *testing.T) {
	s := newService(t, testConfig(t))
	data := []byte("hello meshdrop")
	fileID := upload(t, s, data)

	d, err := s.Download(t.Context(), fileID)
	require.NoError(t, err)
	assert.Equal(t, SourceLocal, d.Source)
	assert.Equal(t, int64(len(data)), d.Size)
	assert.Equal(t, data, readAll(t, d))

	counts, err := s.analytics.DownloadCounts(fileID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[fileID+"_0"])
}

func TestDownload_ArchivedRestoresToScratch(t *testing.T) {
	s := newService(t, testConfig(t))
	data := []byte("archived bytes")
	fileID := upload(t, s, data)
	require.NoError(t, s.Archiver().Archive(fileID, "0"))

	d, err := s.Download(t.Context(), fileID)
	require.NoError(t, err)
	assert.Equal(t, SourceArchive, d.Source)
	assert.Equal(t, data, readAll(t, d))

	scratch, _ := os.ReadDir(s.Layout().ScratchDir())
	assert.Empty(t, scratch, "restored scratch file is removed after serving")

	c, _, _ := s.Metadata().GetChunk(fileID, "0")
	assert.Equal(t, metadata.StateArchived, c.State, "serving does not change state")
}

func TestDownload_DeletedIsNotServed(t *testing.T) {
	s := newService(t, testConfig(t))
	fileID := upload(t, s, []byte("x"))
	peer := peerNode(t, []byte("x"), nil)
	markHealthy(t, s, peer)

	require.NoError(t, s.DeleteFile(fileID))
	_, err := s.Download(t.Context(), fileID)
	assert.ErrorIs(t, err, metadata.ErrFileNotFound)
}

func TestDownload_FromPeer(t *testing.T) {
	s := newService(t, testConfig(t))
	peer := peerNode(t, []byte("remote bytes"), nil)
	markHealthy(t, s, peer)

	d, err := s.Download(t.Context(), "abcdef0123")
	require.NoError(t, err)
	assert.Equal(t, SourcePeer, d.Source)
	assert.Equal(t, int64(len("remote bytes")), d.Size)
	assert.Equal(t, []byte("remote bytes"), readAll(t, d))
	scratch, _ := os.ReadDir(s.Layout().ScratchDir())
	assert.Empty(t, scratch, "fetched copy removed on close")
}

func TestDownload_PeerWithoutHTTPIsSkipped(t *testing.T) {
	s := newService(t, testConfig(t))
	peer := peerNode(t, []byte("remote bytes"), nil)
	require.NoError(t, s.analytics.SetPeerHealth(peer, analytics.PeerHealth{
		Status:       analytics.StatusOK,
		Capabilities: map[string]any{"node_id": "peer", "can_initiate_http": false},
	}))

	_, err := s.Download(t.Context(), "abcdef0123")
	assert.ErrorIs(t, err, metadata.ErrFileNotFound)
}

func TestDownload_RejectsCorruptPeerCopy(t *testing.T) {
	s := newService(t, testConfig(t))
	require.NoError(t, s.Metadata().UpsertChunk("abcdef0123", "0", metadata.ChunkPatch{
		State:    metadata.Ptr(metadata.StateActive),
		Checksum: metadata.Ptr(testutil.SHA256Sum([]byte("genuine"))),
		Remote:   metadata.Ptr(true),
	}))
	peer := peerNode(t, []byte("tampered"), nil)
	markHealthy(t, s, peer)

	_, err := s.Download(t.Context(), "abcdef0123")
	assert.ErrorIs(t, err, metadata.ErrFileNotFound)
	scratch, _ := os.ReadDir(s.Layout().ScratchDir())
	assert.Empty(t, scratch, "rejected copy is not left behind")
}

func TestServeChunk_LocalOnly(t *testing.T) {
	s := newService(t, testConfig(t))
	peer := peerNode(t, []byte("remote"), nil)
	markHealthy(t, s, peer)

	_, err := s.ServeChunk("abcdef0123", "0")
	assert.ErrorIs(t, err, metadata.ErrChunkNotFound)

	fileID := upload(t, s, []byte("mine"))
	d, err := s.ServeChunk(fileID, "0")
	require.NoError(t, err)
	assert.Equal(t, []byte("mine"), readAll(t, d))

	var verr *metadata.ValidationError
	_, err = s.ServeChunk("../../etc", "0")
	assert.ErrorAs(t, err, &verr)
}

func TestRunTask_CheckInAndUnknown(t *testing.T) {
	s := newService(t, testConfig(t))

	assert.ErrorIs(t, s.RunTask(t.Context(), "defragment"), ErrUnknownTask)

	require.NoError(t, s.RunTask(t.Context(), TaskCheckEnvironment))
	rec, err := s.analytics.Load()
	require.NoError(t, err)
	assert.Equal(t, TaskCheckEnvironment, rec.LastTask)
	assert.NotZero(t, rec.LastCheckIn)
	self := rec.PeerStatus[s.Peers().Self()]
	assert.Equal(t, analytics.StatusOK, self.Status)
	assert.Equal(t, "node-a", self.Capabilities["node_id"])
}

func TestRunTask_GossipMetadata(t *testing.T) {
	s := newService(t, testConfig(t))
	peer := peerNode(t, nil, metadata.Snapshot{
		"feedbeef01": {Chunks: map[string]metadata.ChunkRecord{
			"0": {State: metadata.StateActive, Checksum: "sha256:00", LocalPath: "/peer/x.dat"},
		}},
	})
	markHealthy(t, s, peer)

	require.NoError(t, s.RunTask(t.Context(), TaskGossipMetadata))

	c, ok, err := s.Metadata().GetChunk("feedbeef01", "0")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, c.Remote)
	assert.Equal(t, peer, c.SourceNode)
	assert.Empty(t, c.LocalPath)
}

func TestRunTask_ArchiveOldFiles(t *testing.T) {
	cfg := testConfig(t)
	now := time.Now()
	s, err := New(cfg, Options{Now: func() time.Time { return now }})
	require.NoError(t, err)
	fileID := upload(t, s, []byte("cold"))

	now = now.Add(200 * day)
	require.NoError(t, s.RunTask(t.Context(), TaskArchiveOldFiles))

	c, _, _ := s.Metadata().GetChunk(fileID, "0")
	assert.Equal(t, metadata.StateArchived, c.State)
}

func TestAnalyticsView(t *testing.T) {
	s := newService(t, testConfig(t))
	fileID := upload(t, s, []byte("x"))
	d, err := s.Download(t.Context(), fileID)
	require.NoError(t, err)
	_ = d.Close()

	all, err := s.AnalyticsView("all", "")
	require.NoError(t, err)
	assert.Equal(t, true, all["success"])
	data := all["data"].(map[string]any)
	assert.Contains(t, data, "peer_status")
	assert.Contains(t, data, "capabilities")

	dl, err := s.AnalyticsView("downloads", fileID)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{fileID + "_0": 1}, dl["download_counts"])

	_, err = s.AnalyticsView("bogus", "")
	assert.ErrorIs(t, err, ErrUnknownView)
}

func TestCleanup(t *testing.T) {
	cfg := testConfig(t)
	now := time.Now()
	s, err := New(cfg, Options{Now: func() time.Time { return now }})
	require.NoError(t, err)

	expired := upload(t, s, []byte("expired"))
	recent := upload(t, s, []byte("recent"))
	kept := upload(t, s, []byte("kept"))
	cold := upload(t, s, []byte("cold"))
	require.NoError(t, s.Archiver().Archive(cold, "0"))
	coldRec, _, _ := s.Metadata().GetChunk(cold, "0")
	testutil.Backdate(t, coldRec.ArchivePath, time.Hour)
	expiredRec, _, _ := s.Metadata().GetChunk(expired, "0")
	recentRec, _, _ := s.Metadata().GetChunk(recent, "0")
	keptRec, _, _ := s.Metadata().GetChunk(kept, "0")

	require.NoError(t, s.DeleteFile(expired))
	now = now.Add(49 * time.Hour)
	require.NoError(t, s.DeleteFile(recent))

	l := s.Layout()
	oldOrphan := testutil.TempFile(t, filepath.Join(l.Root(), "zz", "yy"), "zzyy01_0.dat", "orphan")
	testutil.Backdate(t, oldOrphan, time.Hour)
	newOrphan := testutil.TempFile(t, l.Root(), "in-flight.dat", "maybe mid-ingest")
	oldContainer := testutil.TempFile(t, l.ArchiveDir(), "gone0001_0_1.zip", "stale")
	testutil.Backdate(t, oldContainer, time.Hour)
	staleScratch := testutil.TempFile(t, l.ScratchDir(), "ingest-1", "x")
	testutil.Backdate(t, staleScratch, 2*time.Hour)

	res, err := s.Cleanup(t.Context())
	require.NoError(t, err)

	assert.Equal(t, 1, res.Reclaimed)
	assert.False(t, storage.Exists(expiredRec.LocalPath))
	c, _, _ := s.Metadata().GetChunk(expired, "0")
	assert.NotZero(t, c.ReclaimedAt)
	assert.Equal(t, metadata.StateDeleted, c.State, "tombstone is kept for propagation")

	assert.True(t, storage.Exists(recentRec.LocalPath), "tombstones inside the delete delay keep their bytes")
	assert.True(t, storage.Exists(keptRec.LocalPath))

	assert.False(t, storage.Exists(oldOrphan))
	assert.True(t, storage.Exists(newOrphan))
	assert.False(t, storage.Exists(oldContainer), "unreferenced container reclaimed")
	assert.True(t, storage.Exists(coldRec.ArchivePath), "referenced container kept")
	assert.False(t, storage.Exists(staleScratch))
	assert.True(t, storage.Exists(l.StatePath("metadata.json")))

	rec, err := s.analytics.Load()
	require.NoError(t, err)
	require.NotNil(t, rec.StorageUsage)
	assert.Positive(t, rec.StorageUsage.Total)
}

func TestCleanup_PurgesWithRetention(t *testing.T) {
	cfg := testConfig(t)
	cfg.TombstoneRetention = config.Duration(30 * day)
	now := time.Now()
	s, err := New(cfg, Options{Now: func() time.Time { return now }})
	require.NoError(t, err)

	fileID := upload(t, s, []byte("bye"))
	require.NoError(t, s.DeleteFile(fileID))

	now = now.Add(3 * day)
	_, err = s.Cleanup(t.Context())
	require.NoError(t, err)
	_, ok, _ := s.Metadata().Get(fileID)
	assert.True(t, ok, "reclaimed but within retention")

	now = now.Add(31 * day)
	res, err := s.Cleanup(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Purged)
	_, ok, _ = s.Metadata().Get(fileID)
	assert.False(t, ok)
}

func TestTasks(t *testing.T) {
	names := Tasks()
	assert.Len(t, names, 7)
	for _, n := range names {
		_, ok := config.DefaultTaskIntervals[n]
		assert.True(t, ok, n)
	}
	assert.True(t, strings.Contains(strings.Join(names, ","), TaskCleanupData))
}
