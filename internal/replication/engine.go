// Package replication implements the node's write path: storing a chunk
// locally with checksum verification and pushing fresh uploads to peers.
package replication

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/meshdrop/meshdrop/internal/checksum"
	"github.com/meshdrop/meshdrop/internal/metadata"
	"github.com/meshdrop/meshdrop/internal/metrics"
	"github.com/meshdrop/meshdrop/internal/storage"
	"github.com/meshdrop/meshdrop/internal/transport"
	"github.com/meshdrop/meshdrop/pkg/proto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Per-peer push outcomes reported in UploadResult.Peers.
const (
	PushSuccess = "success"
	PushFailed  = "failed"
)

// SourceClient is the source_node recorded for chunks uploaded by a client.
const SourceClient = "client"

// PeerSource supplies replication targets.
type PeerSource interface {
	Others() ([]string, error)
	Sample(candidates []string, n int) []string
}

// Config holds configuration for an Engine.
type Config struct {
	NodeID            string // Sent as source_node_id on pushes
	Layout            *storage.Layout
	Metadata          *metadata.Store
	Peers             PeerSource
	Client            *transport.Client
	Hasher            *checksum.Hasher
	ReplicationFactor int     // Total copies wanted, local included (default: 3)
	IngestRate        float64 // Accepted uploads per second, 0 = unlimited
	IngestBurst       int
	Now               func() time.Time
}

// Engine runs uploads and peer ingests.
type Engine struct {
	nodeID  string
	layout  *storage.Layout
	meta    *metadata.Store
	peers   PeerSource
	client  *transport.Client
	hasher  *checksum.Hasher
	rf      int
	limiter *rate.Limiter
	now     func() time.Time
	metrics *metrics.NodeMetrics
	logger  zerolog.Logger
}

// NewEngine creates a replication engine.
func NewEngine(cfg Config) *Engine {
	if cfg.ReplicationFactor == 0 {
		cfg.ReplicationFactor = 3
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	e := &Engine{
		nodeID:  cfg.NodeID,
		layout:  cfg.Layout,
		meta:    cfg.Metadata,
		peers:   cfg.Peers,
		client:  cfg.Client,
		hasher:  cfg.Hasher,
		rf:      cfg.ReplicationFactor,
		now:     cfg.Now,
		metrics: metrics.InitNodeMetrics(metrics.Registry),
		logger:  log.With().Str("component", "replication").Logger(),
	}
	if cfg.IngestRate > 0 {
		burst := cfg.IngestBurst
		if burst < 1 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(cfg.IngestRate), burst)
	}
	return e
}

// AllowIngest reports whether another upload may be accepted now.
func (e *Engine) AllowIngest() bool {
	return e.limiter == nil || e.limiter.Allow()
}

// IngestRequest is one chunk to store locally.
type IngestRequest struct {
	FileID     string
	ChunkID    string
	Data       io.Reader
	Checksum   string // Claimed checksum; empty means compute with the preferred algorithm
	SourceNode string
}

// StoredChunk describes a chunk written by StoreDataLocally.
type StoredChunk struct {
	Path     string
	Checksum string
	Size     int64
}

// StoreDataLocally streams the chunk to scratch, verifies or computes its
// checksum, moves it into place and records it as active. On a checksum
// mismatch nothing is kept and no metadata is written.
func (e *Engine) StoreDataLocally(req IngestRequest) (*StoredChunk, error) {
	stored, err := e.storeLocally(req)
	switch {
	case err == nil:
		e.metrics.IngestTotal.WithLabelValues("stored").Inc()
	case errors.Is(err, checksum.ErrMismatch):
		e.metrics.IngestTotal.WithLabelValues("checksum_mismatch").Inc()
	default:
		e.metrics.IngestTotal.WithLabelValues("error").Inc()
	}
	return stored, err
}

func (e *Engine) storeLocally(req IngestRequest) (*StoredChunk, error) {
	if err := metadata.ValidateFileID(req.FileID); err != nil {
		return nil, err
	}
	if err := metadata.ValidateChunkID(req.ChunkID); err != nil {
		return nil, err
	}

	var (
		sink     io.Writer
		verifier *checksum.Verifier
		digest   *checksum.Digest
	)
	if req.Checksum != "" {
		v, err := checksum.NewVerifier(req.Checksum)
		if err != nil {
			return nil, err
		}
		verifier, sink = v, v
	} else {
		digest = e.hasher.NewDigest()
		sink = digest
	}

	f, err := e.layout.CreateScratch("ingest-*")
	if err != nil {
		return nil, err
	}
	tmpPath := f.Name()
	keep := false
	defer func() {
		if !keep {
			_ = os.Remove(tmpPath)
		}
	}()

	fw := &fileWriter{f: f}
	size, err := io.Copy(io.MultiWriter(fw, sink), req.Data)
	if err == nil {
		err = f.Sync()
		if err != nil {
			fw.err = err
		}
	}
	if cerr := f.Close(); err == nil && cerr != nil {
		err, fw.err = cerr, cerr
	}
	if err != nil {
		if fw.err != nil {
			return nil, fmt.Errorf("%w: %v", storage.ErrWriteFailed, fw.err)
		}
		return nil, fmt.Errorf("read chunk data: %w", err)
	}

	var sum string
	if verifier != nil {
		if err := verifier.Check(); err != nil {
			e.logger.Warn().
				Str("file_id", req.FileID).
				Str("source", req.SourceNode).
				Msg("rejected chunk with bad checksum")
			return nil, err
		}
		sum = verifier.Sum()
	} else {
		sum = digest.Sum()
	}

	path, err := e.layout.Place(tmpPath, req.FileID, req.ChunkID)
	if err != nil {
		return nil, err
	}
	keep = true

	ts := e.now().Unix()
	err = e.meta.UpsertChunk(req.FileID, req.ChunkID, metadata.ChunkPatch{
		State:            metadata.Ptr(metadata.StateActive),
		LocalPath:        metadata.Ptr(path),
		ArchivePath:      metadata.Ptr(""),
		ArchiveEntryName: metadata.Ptr(""),
		Checksum:         metadata.Ptr(sum),
		Size:             metadata.Ptr(size),
		StoredAt:         metadata.Ptr(ts),
		LastAccessed:     metadata.Ptr(ts),
		DeletedAt:        metadata.Ptr(int64(0)),
		ReclaimedAt:      metadata.Ptr(int64(0)),
		SourceNode:       metadata.Ptr(req.SourceNode),
		Remote:           metadata.Ptr(false),
	})
	if err != nil {
		return nil, fmt.Errorf("record chunk: %w", err)
	}

	e.logger.Debug().
		Str("file_id", req.FileID).
		Str("chunk_id", req.ChunkID).
		Int64("size", size).
		Str("source", req.SourceNode).
		Msg("stored chunk")
	return &StoredChunk{Path: path, Checksum: sum, Size: size}, nil
}

// fileWriter remembers write errors so they can be told apart from read errors.
type fileWriter struct {
	f   *os.File
	err error
}

func (w *fileWriter) Write(p []byte) (int, error) {
	n, err := w.f.Write(p)
	if err != nil {
		w.err = err
	}
	return n, err
}

// UploadResult is the outcome of a client upload.
type UploadResult struct {
	Success  bool              `json:"success"`
	FileID   string            `json:"file_id"`
	ChunkID  string            `json:"chunk_id"`
	Checksum string            `json:"checksum"`
	Size     int64             `json:"size"`
	Replicas int               `json:"replicas"` // Successful peer pushes
	Peers    map[string]string `json:"peers"`    // peer URL -> success|failed
}

// NewFileID returns a fresh 32 character lowercase hex file id.
func NewFileID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// HandleUpload stores a client upload under a new file id and pushes it to
// up to ReplicationFactor-1 random peers. A local failure aborts the upload.
// Partial replication still returns the file id with Success false.
func (e *Engine) HandleUpload(ctx context.Context, data io.Reader, originalName string) (*UploadResult, error) {
	fileID := NewFileID()
	chunkID := metadata.DefaultChunkID

	stored, err := e.StoreDataLocally(IngestRequest{
		FileID:     fileID,
		ChunkID:    chunkID,
		Data:       data,
		SourceNode: SourceClient,
	})
	if err != nil {
		e.metrics.UploadsTotal.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("store upload locally: %w", err)
	}
	e.metrics.UploadBytes.Add(float64(stored.Size))

	res := &UploadResult{
		FileID:   fileID,
		ChunkID:  chunkID,
		Checksum: stored.Checksum,
		Size:     stored.Size,
		Peers:    map[string]string{},
	}

	want := e.rf - 1
	targets, err := e.selectTargets(want)
	if err != nil {
		e.logger.Warn().Err(err).Msg("failed to read peer registry")
	}
	if len(targets) < want {
		e.logger.Warn().
			Str("file_id", fileID).
			Int("wanted", want).
			Int("available", len(targets)).
			Msg("not enough peers for full replication")
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	for _, peer := range targets {
		g.Go(func() error {
			status := PushSuccess
			if err := e.push(ctx, peer, fileID, chunkID, stored, originalName); err != nil {
				status = PushFailed
				e.logger.Warn().Err(err).Str("peer", peer).Str("file_id", fileID).Msg("replication push failed")
			}
			e.metrics.ReplicationPushes.WithLabelValues(status).Inc()
			mu.Lock()
			res.Peers[peer] = status
			if status == PushSuccess {
				res.Replicas++
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	res.Success = res.Replicas >= want
	switch {
	case res.Success:
		e.metrics.UploadsTotal.WithLabelValues("replicated").Inc()
	default:
		e.metrics.UploadsTotal.WithLabelValues("under_replicated").Inc()
	}

	e.logger.Info().
		Str("file_id", fileID).
		Int64("size", stored.Size).
		Int("replicas", res.Replicas).
		Int("wanted", want).
		Msg("upload stored")
	return res, nil
}

func (e *Engine) selectTargets(n int) ([]string, error) {
	if n <= 0 || e.peers == nil {
		return nil, nil
	}
	others, err := e.peers.Others()
	if err != nil {
		return nil, err
	}
	return e.peers.Sample(others, n), nil
}

func (e *Engine) push(ctx context.Context, peer, fileID, chunkID string, stored *StoredChunk, originalName string) error {
	f, err := os.Open(stored.Path)
	if err != nil {
		return fmt.Errorf("open local chunk: %w", err)
	}
	defer func() { _ = f.Close() }()

	name := originalName
	if name == "" {
		name = storage.ChunkFileName(fileID, chunkID)
	}
	var reply proto.ChunkPushResponse
	err = e.client.PostMultipart(ctx, transport.Endpoint(peer, "api/upload_chunk", nil), map[string]string{
		proto.FieldFileID:       fileID,
		proto.FieldChunkID:      chunkID,
		proto.FieldChecksum:     stored.Checksum,
		proto.FieldSourceNodeID: e.nodeID,
	}, transport.FilePart{Field: proto.FieldFileData, FileName: name, Body: f}, &reply)
	if err != nil {
		return err
	}
	if !reply.Success {
		return fmt.Errorf("peer rejected chunk: %s", reply.Error)
	}
	return nil
}
