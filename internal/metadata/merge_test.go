package metadata

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const peerURL = "http://peer:8080/"

func snapshot(fileID, chunkID string, c ChunkRecord) Snapshot {
	return Snapshot{fileID: {Chunks: map[string]ChunkRecord{chunkID: c}}}
}

func TestClassifyMerge(t *testing.T) {
	active := ChunkRecord{State: StateActive}
	deleted := ChunkRecord{State: StateDeleted}

	assert.Equal(t, PolicyDeleteDominates, ClassifyMerge(&active, deleted))
	assert.Equal(t, PolicyDeleteDominates, ClassifyMerge(nil, deleted))
	assert.Equal(t, PolicyIgnore, ClassifyMerge(&deleted, deleted))
	assert.Equal(t, PolicyLearnIfAbsent, ClassifyMerge(nil, active))
	assert.Equal(t, PolicyIgnore, ClassifyMerge(&active, active))
	assert.Equal(t, PolicyIgnore, ClassifyMerge(&deleted, active))
}

func TestMerge_DeleteDominatesActive(t *testing.T) {
	s := newTestStore(t)
	putActive(t, s, "file1", "0")
	// A far-future local access time must not protect the chunk.
	require.NoError(t, s.TouchLastAccessed("file1", "0", testNow.Add(365*24*time.Hour)))

	res, err := s.Merge(peerURL, snapshot("file1", "0", ChunkRecord{
		State: StateDeleted, DeletedAt: testNow.Add(-24 * time.Hour).Unix(),
	}))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deleted)

	c, _, _ := s.GetChunk("file1", "0")
	assert.Equal(t, StateDeleted, c.State)
	assert.Equal(t, testNow.Unix(), c.DeletedAt)
	assert.NotEmpty(t, c.LocalPath)
}

func TestMerge_DeletedIsNotResurrected(t *testing.T) {
	s := newTestStore(t)
	putActive(t, s, "file1", "0")
	require.NoError(t, s.MarkChunkDeleted("file1", "0"))

	res, err := s.Merge(peerURL, snapshot("file1", "0", ChunkRecord{
		State: StateActive, Checksum: "sha256:ff", LocalPath: "/peer/path.dat",
	}))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Ignored)

	c, _, _ := s.GetChunk("file1", "0")
	assert.Equal(t, StateDeleted, c.State)
	assert.Equal(t, "sha256:00", c.Checksum)
}

func TestMerge_LearnIfAbsent(t *testing.T) {
	s := newTestStore(t)

	res, err := s.Merge(peerURL, snapshot("file2", "0", ChunkRecord{
		State:       StateActive,
		LocalPath:   "/peer/data/fi/le/file2_0.dat",
		ArchivePath: "/peer/archive.zip",
		Checksum:    "sha256:ab",
		Size:        7,
		StoredAt:    123,
		SourceNode:  "client",
	}))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Learned)

	c, ok, _ := s.GetChunk("file2", "0")
	require.True(t, ok)
	assert.Equal(t, StateActive, c.State)
	assert.True(t, c.Remote)
	assert.Equal(t, peerURL, c.SourceNode)
	assert.Empty(t, c.LocalPath, "peer paths never leak into local records")
	assert.Empty(t, c.ArchivePath)
	assert.Equal(t, "sha256:ab", c.Checksum)
	assert.Equal(t, int64(7), c.Size)
}

func TestMerge_LearnKeepsOriginatingNode(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Merge(peerURL, snapshot("file4", "0", ChunkRecord{
		State:      StateActive,
		Checksum:   "sha256:ab",
		SourceNode: "http://origin:5000/",
	}))
	require.NoError(t, err)

	c, ok, _ := s.GetChunk("file4", "0")
	require.True(t, ok)
	assert.Equal(t, "http://origin:5000/", c.SourceNode)
}

func TestMerge_ExistingRecordNotOverwritten(t *testing.T) {
	s := newTestStore(t)
	putActive(t, s, "file1", "0")

	res, err := s.Merge(peerURL, snapshot("file1", "0", ChunkRecord{State: StateArchived, Checksum: "md5:11"}))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Ignored)

	c, _, _ := s.GetChunk("file1", "0")
	assert.Equal(t, StateActive, c.State)
	assert.Equal(t, "sha256:00", c.Checksum)
	assert.False(t, c.Remote)
}

func TestMerge_UnknownDeletionBecomesTombstone(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Merge(peerURL, snapshot("file3", "0", ChunkRecord{State: StateDeleted}))
	require.NoError(t, err)

	c, ok, _ := s.GetChunk("file3", "0")
	require.True(t, ok)
	assert.Equal(t, StateDeleted, c.State)
	assert.Equal(t, testNow.Unix(), c.DeletedAt)
	assert.True(t, c.Remote)

	// A stale active copy gossiped later is ignored.
	_, err = s.Merge("http://other:1/", snapshot("file3", "0", ChunkRecord{State: StateActive}))
	require.NoError(t, err)
	c, _, _ = s.GetChunk("file3", "0")
	assert.Equal(t, StateDeleted, c.State)
}

func TestMerge_SkipsInvalidIDs(t *testing.T) {
	s := newTestStore(t)

	res, err := s.Merge(peerURL, Snapshot{
		"../../etc": {Chunks: map[string]ChunkRecord{"0": {State: StateActive}}},
		"file4":     {Chunks: map[string]ChunkRecord{"x/y": {State: StateActive}}},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Ignored)

	all, err := s.All()
	require.NoError(t, err)
	assert.Empty(t, all)
}
