// Package api serves a storage node's HTTP interface. Everything under /api/
// requires the network secret; /health and /metrics do not.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/meshdrop/meshdrop/internal/audit"
	"github.com/meshdrop/meshdrop/internal/checksum"
	"github.com/meshdrop/meshdrop/internal/metadata"
	"github.com/meshdrop/meshdrop/internal/metrics"
	"github.com/meshdrop/meshdrop/internal/node"
	"github.com/meshdrop/meshdrop/internal/replication"
	"github.com/meshdrop/meshdrop/internal/storage"
	"github.com/meshdrop/meshdrop/internal/transport"
	"github.com/meshdrop/meshdrop/pkg/proto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// multipartMemory is how much of a multipart body is buffered before spilling to disk.
const multipartMemory = 8 << 20

// Server is the node HTTP server.
type Server struct {
	svc           *node.Service
	mux           *http.ServeMux
	server        *http.Server
	maxUploadSize int64
	audit         *audit.Logger
	logger        zerolog.Logger
}

// NewServer builds the node's routes.
func NewServer(svc *node.Service) *Server {
	cfg := svc.Config()
	s := &Server{
		svc:           svc,
		mux:           http.NewServeMux(),
		maxUploadSize: cfg.MaxUploadSize.Bytes(),
		audit:         audit.NewLogger(log.Logger),
		logger:        log.With().Str("component", "api").Logger(),
	}

	api := http.NewServeMux()
	api.HandleFunc("/api/peers", s.handlePeers)
	api.HandleFunc("/api/upload_chunk", s.handleUploadChunk)
	api.HandleFunc("/api/download_chunk", s.handleDownloadChunk)
	api.HandleFunc("/api/metadata", s.handleMetadata)
	api.HandleFunc("/api/capabilities", s.handleCapabilities)
	api.HandleFunc("/api/analytics", s.handleAnalytics)
	api.HandleFunc("/api/upload", s.handleUpload)
	api.HandleFunc("/api/download", s.handleDownload)
	api.HandleFunc("/api/files", s.handleFiles)

	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.Handle("/metrics", metrics.Handler())
	s.mux.Handle("/api/", s.auditAuth(transport.RequireSecret(cfg.NetworkSecret, api)))
	return s
}

// statusRecorder captures the response status for auditing.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// auditAuth records the outcome of every shared-secret check.
func (s *Server) auditAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		result := audit.ResultAllowed
		if rec.status == http.StatusUnauthorized {
			result = audit.ResultDenied
		}
		s.audit.LogAuth(r.Method, r.URL.Path, result, r.RemoteAddr)
	})
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("listen", addr).Msg("starting node server")
		errCh <- s.server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, proto.HealthResponse{Status: "ok"})
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	list, err := s.svc.Peers().List()
	if err != nil {
		s.jsonError(w, "failed to read peers", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	snap, err := s.svc.MetadataSnapshot()
	if err != nil {
		s.jsonError(w, "failed to read metadata", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.svc.Capabilities())
}

func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	view, err := s.svc.AnalyticsView(q.Get("type"), q.Get("file_id"))
	if err != nil {
		if errors.Is(err, node.ErrUnknownView) {
			s.jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.jsonError(w, "failed to read analytics", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// handleUploadChunk ingests a chunk pushed by a peer.
func (s *Server) handleUploadChunk(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.svc.Engine().AllowIngest() {
		writeJSON(w, http.StatusTooManyRequests, proto.ChunkPushResponse{Error: "ingest rate exceeded"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadSize+multipartMemory)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		writeJSON(w, statusFor(err, http.StatusBadRequest), proto.ChunkPushResponse{Error: "invalid multipart body"})
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, _, err := r.FormFile(proto.FieldFileData)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, proto.ChunkPushResponse{Error: "missing " + proto.FieldFileData})
		return
	}
	defer func() { _ = file.Close() }()

	sum := r.FormValue(proto.FieldChecksum)
	if sum == "" {
		writeJSON(w, http.StatusBadRequest, proto.ChunkPushResponse{Error: "missing " + proto.FieldChecksum})
		return
	}
	chunkID := r.FormValue(proto.FieldChunkID)
	if chunkID == "" {
		chunkID = metadata.DefaultChunkID
	}

	_, err = s.svc.Engine().StoreDataLocally(replication.IngestRequest{
		FileID:     r.FormValue(proto.FieldFileID),
		ChunkID:    chunkID,
		Data:       file,
		Checksum:   sum,
		SourceNode: r.FormValue(proto.FieldSourceNodeID),
	})
	if err != nil {
		s.audit.LogFileOp(audit.OpChunkPush, r.FormValue(proto.FieldFileID), audit.ResultFailed, err.Error(), r.RemoteAddr)
		writeJSON(w, statusFor(err, http.StatusInternalServerError), proto.ChunkPushResponse{Error: err.Error()})
		return
	}
	s.audit.LogFileOp(audit.OpChunkPush, r.FormValue(proto.FieldFileID), audit.ResultOK, "", r.RemoteAddr)
	writeJSON(w, http.StatusOK, proto.ChunkPushResponse{Success: true})
}

func (s *Server) handleDownloadChunk(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	chunkID := q.Get("chunk_id")
	if chunkID == "" {
		chunkID = metadata.DefaultChunkID
	}
	d, err := s.svc.ServeChunk(q.Get("file_id"), chunkID)
	if err != nil {
		s.jsonError(w, "chunk not available on this node", statusFor(err, http.StatusNotFound))
		return
	}
	defer func() { _ = d.Close() }()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(d.Size, 10))
	if _, err := io.Copy(w, d.Body); err != nil {
		s.logger.Debug().Err(err).Msg("chunk transfer interrupted")
	}
}

// handleUpload accepts a client upload and replicates it.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.svc.Engine().AllowIngest() {
		s.jsonError(w, "upload rate exceeded", http.StatusTooManyRequests)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadSize+multipartMemory)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		s.jsonError(w, "invalid multipart body", statusFor(err, http.StatusBadRequest))
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile(proto.FieldUpload)
	if err != nil {
		s.jsonError(w, "missing "+proto.FieldUpload+" field", http.StatusBadRequest)
		return
	}
	defer func() { _ = file.Close() }()
	if header.Size > s.maxUploadSize {
		s.jsonError(w, "file too large", http.StatusRequestEntityTooLarge)
		return
	}

	res, err := s.svc.Engine().HandleUpload(r.Context(), file, header.Filename)
	if err != nil {
		s.audit.LogFileOp(audit.OpUpload, "", audit.ResultFailed, err.Error(), r.RemoteAddr)
		s.jsonError(w, err.Error(), statusFor(err, http.StatusInternalServerError))
		return
	}
	s.audit.LogFileOp(audit.OpUpload, res.FileID, audit.ResultOK, "", r.RemoteAddr)
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	fileID := r.URL.Query().Get("file_id")
	if fileID == "" {
		s.jsonError(w, "missing file_id parameter", http.StatusBadRequest)
		return
	}
	d, err := s.svc.Download(r.Context(), fileID)
	if err != nil {
		s.jsonError(w, "file not found or could not be retrieved from the network", statusFor(err, http.StatusNotFound))
		return
	}
	defer func() { _ = d.Close() }()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", `attachment; filename="`+fileID+`"`)
	w.Header().Set("Content-Length", strconv.FormatInt(d.Size, 10))
	if _, err := io.Copy(w, d.Body); err != nil {
		s.logger.Debug().Err(err).Str("file_id", fileID).Msg("download interrupted")
	}
}

func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	fileID := r.URL.Query().Get("file_id")
	if err := s.svc.DeleteFile(fileID); err != nil {
		s.audit.LogFileOp(audit.OpDelete, fileID, audit.ResultFailed, err.Error(), r.RemoteAddr)
		s.jsonError(w, err.Error(), statusFor(err, http.StatusInternalServerError))
		return
	}
	s.audit.LogFileOp(audit.OpDelete, fileID, audit.ResultOK, "", r.RemoteAddr)
	writeJSON(w, http.StatusOK, proto.DeleteResponse{Success: true, FileID: fileID})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error, fallback int) int {
	var verr *metadata.ValidationError
	var maxErr *http.MaxBytesError
	switch {
	case errors.As(err, &verr),
		errors.Is(err, checksum.ErrMalformed),
		errors.Is(err, checksum.ErrUnsupported):
		return http.StatusBadRequest
	case errors.As(err, &maxErr):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, checksum.ErrMismatch):
		return http.StatusUnprocessableEntity
	case errors.Is(err, storage.ErrWriteFailed):
		return http.StatusInsufficientStorage
	case errors.Is(err, metadata.ErrFileNotFound), errors.Is(err, metadata.ErrChunkNotFound):
		return http.StatusNotFound
	}
	return fallback
}

func (s *Server) jsonError(w http.ResponseWriter, message string, code int) {
	writeJSON(w, code, proto.ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
