package replication

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/meshdrop/meshdrop/internal/checksum"
	"github.com/meshdrop/meshdrop/internal/metadata"
	"github.com/meshdrop/meshdrop/internal/storage"
	"github.com/meshdrop/meshdrop/internal/transport"
	"github.com/meshdrop/meshdrop/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticPeers []string

func (s staticPeers) Others() ([]string, error) { return s, nil }

func (s staticPeers) Sample(c []string, n int) []string {
	if n < len(c) {
		return c[:n]
	}
	return c
}

type received struct {
	fields map[string]string
	data   []byte
}

// peerServer accepts pushes on /api/upload_chunk and records them.
type peerServer struct {
	*httptest.Server
	mu   sync.Mutex
	got  []received
	fail bool
}

func newPeerServer(t *testing.T, fail bool) *peerServer {
	t.Helper()
	p := &peerServer{fail: fail}
	p.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/upload_chunk" || r.Header.Get(transport.SecretHeader) != "s3cret" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if p.fail {
			w.WriteHeader(http.StatusInsufficientStorage)
			_ = json.NewEncoder(w).Encode(map[string]any{"success": false})
			return
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f, _, err := r.FormFile("file_data")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		data, _ := io.ReadAll(f)
		rec := received{fields: map[string]string{}, data: data}
		for k, v := range r.MultipartForm.Value {
			rec.fields[k] = v[0]
		}
		p.mu.Lock()
		p.got = append(p.got, rec)
		p.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true})
	}))
	t.Cleanup(p.Close)
	return p
}

func (p *peerServer) url() string { return p.URL + "/" }

func (p *peerServer) pushes() []received {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]received(nil), p.got...)
}

type fixture struct {
	layout *storage.Layout
	meta   *metadata.Store
}

func newEngine(t *testing.T, rf int, peers PeerSource) (*Engine, fixture) {
	t.Helper()
	dir, cleanup := testutil.TempDir(t)
	t.Cleanup(cleanup)

	layout, err := storage.NewLayout(dir)
	require.NoError(t, err)
	meta, err := metadata.NewStore(metadata.Config{Path: layout.StatePath("metadata.json")})
	require.NoError(t, err)
	hasher, err := checksum.NewHasher([]string{checksum.SHA256})
	require.NoError(t, err)

	e := NewEngine(Config{
		NodeID:            "node-a",
		Layout:            layout,
		Metadata:          meta,
		Peers:             peers,
		Client:            transport.NewClient(transport.ClientConfig{Secret: "s3cret", Timeout: 5 * time.Second}),
		Hasher:            hasher,
		ReplicationFactor: rf,
	})
	return e, fixture{layout: layout, meta: meta}
}

func TestHandleUpload_FullReplication(t *testing.T) {
	p1, p2 := newPeerServer(t, false), newPeerServer(t, false)
	e, fx := newEngine(t, 3, staticPeers{p1.url(), p2.url()})
	payload := testutil.RandomBytes(t, 4096)

	res, err := e.HandleUpload(t.Context(), bytes.NewReader(payload), "photo.jpg")
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Len(t, res.FileID, 32)
	assert.Equal(t, strings.ToLower(res.FileID), res.FileID)
	assert.Equal(t, "0", res.ChunkID)
	assert.Equal(t, 2, res.Replicas)
	assert.Equal(t, map[string]string{p1.url(): PushSuccess, p2.url(): PushSuccess}, res.Peers)

	for _, p := range []*peerServer{p1, p2} {
		got := p.pushes()
		require.Len(t, got, 1)
		assert.Equal(t, payload, got[0].data)
		assert.Equal(t, res.FileID, got[0].fields["file_id"])
		assert.Equal(t, "0", got[0].fields["chunk_id"])
		assert.Equal(t, res.Checksum, got[0].fields["checksum"])
		assert.Equal(t, "node-a", got[0].fields["source_node_id"])
	}

	c, ok, err := fx.meta.GetChunk(res.FileID, "0")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, metadata.StateActive, c.State)
	assert.Equal(t, SourceClient, c.SourceNode)
	assert.Equal(t, int64(len(payload)), c.Size)
	assert.Equal(t, fx.layout.ChunkPath(res.FileID, "0"), c.LocalPath)
	assert.NoError(t, checksum.VerifyFile(c.LocalPath, c.Checksum))
}

func TestHandleUpload_PartialReplication(t *testing.T) {
	good, bad := newPeerServer(t, false), newPeerServer(t, true)
	e, fx := newEngine(t, 3, staticPeers{good.url(), bad.url()})

	res, err := e.HandleUpload(t.Context(), strings.NewReader("data"), "a.txt")
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.NotEmpty(t, res.FileID)
	assert.Equal(t, 1, res.Replicas)
	assert.Equal(t, PushFailed, res.Peers[bad.url()])
	assert.Equal(t, PushSuccess, res.Peers[good.url()])

	_, ok, _ := fx.meta.GetChunk(res.FileID, "0")
	assert.True(t, ok, "local copy is kept on partial replication")
}

func TestHandleUpload_UnreachablePeer(t *testing.T) {
	e, _ := newEngine(t, 2, staticPeers{"http://127.0.0.1:1/"})

	res, err := e.HandleUpload(t.Context(), strings.NewReader("data"), "a.txt")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, PushFailed, res.Peers["http://127.0.0.1:1/"])
}

func TestHandleUpload_NoPeers(t *testing.T) {
	e, _ := newEngine(t, 3, staticPeers{})
	res, err := e.HandleUpload(t.Context(), strings.NewReader("data"), "a.txt")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Empty(t, res.Peers)

	e, _ = newEngine(t, 1, staticPeers{})
	res, err = e.HandleUpload(t.Context(), strings.NewReader("data"), "a.txt")
	require.NoError(t, err)
	assert.True(t, res.Success, "a replication factor of one needs no peers")
}

func TestStoreDataLocally_ChecksumMismatch(t *testing.T) {
	e, fx := newEngine(t, 1, nil)
	_, err := e.StoreDataLocally(IngestRequest{
		FileID:     "abcdef01",
		ChunkID:    "0",
		Data:       strings.NewReader("tampered"),
		Checksum:   testutil.SHA256Sum([]byte("original")),
		SourceNode: "node-b",
	})
	require.ErrorIs(t, err, checksum.ErrMismatch)

	_, ok, _ := fx.meta.GetChunk("abcdef01", "0")
	assert.False(t, ok)
	assert.False(t, storage.Exists(fx.layout.ChunkPath("abcdef01", "0")))
	scratch, _ := os.ReadDir(fx.layout.ScratchDir())
	assert.Empty(t, scratch)
}

func TestStoreDataLocally_VerifiesClaimedAlgorithm(t *testing.T) {
	e, fx := newEngine(t, 1, nil)
	h, _ := checksum.NewHasher([]string{checksum.MD5})
	d := h.NewDigest()
	_, _ = d.Write([]byte("payload"))
	sum := d.Sum()

	stored, err := e.StoreDataLocally(IngestRequest{
		FileID: "abcdef01", ChunkID: "0", Data: strings.NewReader("payload"),
		Checksum: sum, SourceNode: "node-b",
	})
	require.NoError(t, err)
	assert.Equal(t, sum, stored.Checksum)

	c, _, _ := fx.meta.GetChunk("abcdef01", "0")
	assert.Equal(t, "node-b", c.SourceNode)
	assert.Equal(t, sum, c.Checksum)
}

func TestStoreDataLocally_RejectsBadIDs(t *testing.T) {
	e, fx := newEngine(t, 1, nil)

	_, err := e.StoreDataLocally(IngestRequest{FileID: "../../x", ChunkID: "0", Data: strings.NewReader("x")})
	var verr *metadata.ValidationError
	require.ErrorAs(t, err, &verr)

	files, _ := filepath.Glob(filepath.Join(fx.layout.ScratchDir(), "*"))
	assert.Empty(t, files)
}

func TestStoreDataLocally_ReingestClearsArchiveAndTombstone(t *testing.T) {
	e, fx := newEngine(t, 1, nil)
	require.NoError(t, fx.meta.UpsertChunk("abcdef01", "0", metadata.ChunkPatch{
		State:       metadata.Ptr(metadata.StateDeleted),
		ArchivePath: metadata.Ptr("/old.zip"),
		DeletedAt:   metadata.Ptr(int64(5)),
		Remote:      metadata.Ptr(true),
	}))

	_, err := e.StoreDataLocally(IngestRequest{FileID: "abcdef01", ChunkID: "0", Data: strings.NewReader("x"), SourceNode: "n"})
	require.NoError(t, err)

	c, _, _ := fx.meta.GetChunk("abcdef01", "0")
	assert.Equal(t, metadata.StateActive, c.State)
	assert.Empty(t, c.ArchivePath)
	assert.Zero(t, c.DeletedAt)
	assert.False(t, c.Remote)
}

func TestAllowIngest(t *testing.T) {
	e, _ := newEngine(t, 1, nil)
	assert.True(t, e.AllowIngest(), "unlimited by default")

	limited := NewEngine(Config{IngestRate: 0.001, IngestBurst: 1})
	assert.True(t, limited.AllowIngest())
	assert.False(t, limited.AllowIngest())
}

func TestNewFileID(t *testing.T) {
	a, b := NewFileID(), NewFileID()
	assert.Len(t, a, 32)
	assert.NotEqual(t, a, b)
	assert.NoError(t, metadata.ValidateFileID(a))
}
