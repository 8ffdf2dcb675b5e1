package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/meshdrop/meshdrop/internal/checksum"
	"github.com/meshdrop/meshdrop/internal/metadata"
	"github.com/meshdrop/meshdrop/internal/storage"
	"github.com/meshdrop/meshdrop/internal/transport"
)

// Download sources.
const (
	SourceLocal   = "local"
	SourceArchive = "archive"
	SourcePeer    = "peer"
)

// Download is a chunk being served. The caller must Close it.
type Download struct {
	Body   io.ReadCloser
	Size   int64
	Source string
}

// Close releases the body and any scratch file behind it.
func (d *Download) Close() error { return d.Body.Close() }

// scratchFile deletes its restored archive entry on Close.
type scratchFile struct {
	*os.File
}

func (f scratchFile) Close() error {
	err := f.File.Close()
	_ = os.Remove(f.Name())
	return err
}

// Download serves a client download of fileID: the local active copy, then
// a local archived copy, then peers that can serve HTTP in random order.
// Deleted files are not served.
func (s *Service) Download(ctx context.Context, fileID string) (*Download, error) {
	if err := metadata.ValidateFileID(fileID); err != nil {
		return nil, err
	}
	chunkID := metadata.DefaultChunkID

	c, ok, err := s.meta.GetChunk(fileID, chunkID)
	if err != nil {
		return nil, err
	}
	if ok && c.State == metadata.StateDeleted {
		s.metrics.DownloadsTotal.WithLabelValues("miss").Inc()
		return nil, fmt.Errorf("%w: %s", metadata.ErrFileNotFound, fileID)
	}

	if ok {
		d, err := s.openLocal(fileID, chunkID, c)
		if err == nil {
			return d, nil
		}
		if !errors.Is(err, metadata.ErrChunkNotFound) {
			s.logger.Warn().Err(err).Str("file_id", fileID).Msg("local copy unreadable, trying peers")
		}
	}

	d, err := s.fetchFromPeers(ctx, fileID, chunkID, c.Checksum)
	if err != nil {
		s.metrics.DownloadsTotal.WithLabelValues("miss").Inc()
		return nil, err
	}
	s.countDownload(fileID, chunkID, false)
	s.metrics.DownloadsTotal.WithLabelValues(SourcePeer).Inc()
	return d, nil
}

// ServeChunk serves a chunk to a peer from local storage only.
func (s *Service) ServeChunk(fileID, chunkID string) (*Download, error) {
	if err := metadata.ValidateFileID(fileID); err != nil {
		return nil, err
	}
	if err := metadata.ValidateChunkID(chunkID); err != nil {
		return nil, err
	}
	c, ok, err := s.meta.GetChunk(fileID, chunkID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", metadata.ErrChunkNotFound, fileID, chunkID)
	}
	return s.openLocal(fileID, chunkID, c)
}

// openLocal opens an active or archived local copy, counting the download.
func (s *Service) openLocal(fileID, chunkID string, c metadata.ChunkRecord) (*Download, error) {
	var (
		d   *Download
		err error
	)
	switch {
	case c.State == metadata.StateActive && !c.Remote && storage.Exists(c.LocalPath):
		d, err = openFile(c.LocalPath, SourceLocal, false)
	case c.State == metadata.StateArchived && storage.Exists(c.ArchivePath):
		var scratch string
		scratch, err = s.archiver.Restore(c.ArchivePath, c.ArchiveEntryName)
		if err == nil {
			d, err = openFile(scratch, SourceArchive, true)
		}
	default:
		return nil, fmt.Errorf("%w: %s/%s", metadata.ErrChunkNotFound, fileID, chunkID)
	}
	if err != nil {
		return nil, err
	}
	s.countDownload(fileID, chunkID, true)
	s.metrics.DownloadsTotal.WithLabelValues(d.Source).Inc()
	return d, nil
}

func openFile(path, source string, scratch bool) (*Download, error) {
	f, err := os.Open(path)
	if err != nil {
		if scratch {
			_ = os.Remove(path)
		}
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	var body io.ReadCloser = f
	if scratch {
		body = scratchFile{f}
	}
	return &Download{Body: body, Size: info.Size(), Source: source}, nil
}

func (s *Service) countDownload(fileID, chunkID string, touch bool) {
	if err := s.analytics.IncrementDownload(fileID, chunkID); err != nil {
		s.logger.Warn().Err(err).Msg("failed to count download")
	}
	if touch {
		if err := s.meta.TouchLastAccessed(fileID, chunkID, s.now()); err != nil {
			s.logger.Warn().Err(err).Msg("failed to update last access")
		}
	}
}

func (s *Service) fetchFromPeers(ctx context.Context, fileID, chunkID, expected string) (*Download, error) {
	candidates, err := s.httpPeers(false)
	if err != nil {
		return nil, err
	}
	s.shuffle(candidates)

	q := map[string][]string{"file_id": {fileID}, "chunk_id": {chunkID}}
	for _, peer := range candidates {
		path, err := s.fetchChunk(ctx, transport.Endpoint(peer, "api/download_chunk", q), expected)
		switch {
		case err == nil:
		case transport.IsNotFound(err):
			s.logger.Debug().Str("peer", peer).Str("file_id", fileID).Msg("peer has no copy")
			continue
		case errors.Is(err, checksum.ErrMismatch):
			s.logger.Warn().Err(err).Str("peer", peer).Str("file_id", fileID).Msg("peer returned corrupt chunk")
			continue
		default:
			s.logger.Debug().Err(err).Str("peer", peer).Str("file_id", fileID).Msg("peer fetch failed")
			continue
		}
		d, err := openFile(path, SourcePeer, true)
		if err != nil {
			continue
		}
		s.logger.Debug().Str("peer", peer).Str("file_id", fileID).Msg("served download from peer")
		return d, nil
	}
	return nil, fmt.Errorf("%w: %s", metadata.ErrFileNotFound, fileID)
}

var errEmptyChunk = errors.New("peer returned an empty chunk")

// fetchChunk streams a peer's chunk into a scratch file, verifying it against
// expected when known, and returns the scratch path.
func (s *Service) fetchChunk(ctx context.Context, rawURL, expected string) (string, error) {
	var verifier *checksum.Verifier
	if expected != "" {
		v, err := checksum.NewVerifier(expected)
		if err != nil {
			return "", err
		}
		verifier = v
	}

	f, err := s.layout.CreateScratch("fetch-*")
	if err != nil {
		return "", err
	}
	path := f.Name()
	var w io.Writer = f
	if verifier != nil {
		w = io.MultiWriter(f, verifier)
	}
	n, err := s.client.GetTo(ctx, rawURL, w)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && n == 0 {
		err = errEmptyChunk
	}
	if err == nil && verifier != nil {
		err = verifier.Check()
	}
	if err != nil {
		_ = os.Remove(path)
		return "", err
	}
	return path, nil
}
