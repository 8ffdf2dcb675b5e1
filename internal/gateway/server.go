package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/meshdrop/meshdrop/internal/config"
	"github.com/meshdrop/meshdrop/internal/metadata"
	"github.com/meshdrop/meshdrop/internal/metrics"
	"github.com/meshdrop/meshdrop/internal/transport"
	"github.com/meshdrop/meshdrop/pkg/proto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// proxiedHeaders are copied from the node's download response.
var proxiedHeaders = []string{
	"Content-Type",
	"Content-Length",
	"Content-Disposition",
	"ETag",
	"Last-Modified",
	"Accept-Ranges",
	"Content-Range",
}

// Gateway ties the mirror, selector and refresher to the public HTTP surface.
type Gateway struct {
	cfg       *config.GatewayConfig
	mirror    *StatusMirror
	selector  *Selector
	refresher *Refresher
	mux       *http.ServeMux
	metrics   *metrics.GatewayMetrics
	logger    zerolog.Logger
}

// New opens the gateway state under cfg.StateDir.
func New(cfg *config.GatewayConfig) (*Gateway, error) {
	mirror, err := OpenStatusMirror(cfg.StateDir, cfg.Seeds)
	if err != nil {
		return nil, err
	}
	client := transport.NewClient(transport.ClientConfig{
		Secret:  cfg.NetworkSecret,
		Timeout: cfg.RequestTimeout.Std(),
	})
	selector, err := NewSelector(SelectorConfig{
		StateDir:        cfg.StateDir,
		Mirror:          mirror,
		Client:          client,
		DownloadTimeout: cfg.DownloadTimeout.Std(),
	})
	if err != nil {
		return nil, err
	}

	g := &Gateway{
		cfg:      cfg,
		mirror:   mirror,
		selector: selector,
		refresher: NewRefresher(RefresherConfig{
			Mirror:         mirror,
			Client:         client,
			RequestTimeout: cfg.RequestTimeout.Std(),
		}),
		mux:     http.NewServeMux(),
		metrics: metrics.InitGatewayMetrics(metrics.Registry),
		logger:  log.With().Str("component", "gateway").Logger(),
	}
	g.mux.HandleFunc("/download", g.handleDownload)
	g.mux.HandleFunc("/status", g.handleStatus)
	g.mux.HandleFunc("/health", g.handleHealth)
	g.mux.Handle("/metrics", metrics.Handler())
	return g, nil
}

// Selector returns the gateway's node selector.
func (g *Gateway) Selector() *Selector { return g.selector }

// Refresh runs one refresher pass.
func (g *Gateway) Refresh(ctx context.Context) (*RefreshResult, error) {
	return g.refresher.Refresh(ctx)
}

// ServeHTTP implements http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.mux.ServeHTTP(w, r)
}

// Run serves HTTP on the configured address and, unless disabled, refreshes
// the mirror periodically. It returns when ctx is cancelled.
func (g *Gateway) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              g.cfg.Listen,
		Handler:           g,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	if every := g.cfg.Refresh(); every > 0 {
		go g.refreshLoop(ctx, every)
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info().Str("listen", g.cfg.Listen).Msg("starting gateway server")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (g *Gateway) refreshLoop(ctx context.Context, every time.Duration) {
	if _, err := g.Refresh(ctx); err != nil {
		g.logger.Warn().Err(err).Msg("initial refresh failed")
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := g.Refresh(ctx); err != nil {
				g.logger.Warn().Err(err).Msg("refresh failed")
			}
		}
	}
}

func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, proto.HealthResponse{Status: "ok"})
}

func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	all, err := g.mirror.Load()
	if err != nil {
		jsonError(w, "failed to read peer status", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, all)
}

// handleDownload forwards a download to one selected node. There is no
// retry against a second node.
func (g *Gateway) handleDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	fileID := r.URL.Query().Get("file_id")
	if fileID == "" {
		jsonError(w, "missing file_id parameter", http.StatusBadRequest)
		return
	}
	if err := metadata.ValidateFileID(fileID); err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	node, ok, err := g.selector.SelectForDownload(fileID)
	if err != nil {
		g.logger.Error().Err(err).Msg("node selection failed")
		jsonError(w, "node selection failed", http.StatusInternalServerError)
		return
	}
	if !ok {
		g.metrics.DownloadsTotal.WithLabelValues("no_peer").Inc()
		jsonError(w, "file not found or no node available", http.StatusNotFound)
		return
	}

	resp, err := g.selector.AttemptDownload(r.Context(), node, fileID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			g.metrics.DownloadsTotal.WithLabelValues("not_found").Inc()
			jsonError(w, "file not found", http.StatusNotFound)
			return
		}
		g.logger.Warn().Err(err).Str("node", node).Str("file_id", fileID).Msg("download from node failed")
		g.metrics.DownloadsTotal.WithLabelValues("upstream_error").Inc()
		jsonError(w, "upstream node failed", http.StatusBadGateway)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	h := w.Header()
	for _, name := range proxiedHeaders {
		if v := resp.Header.Get(name); v != "" {
			h.Set(name, v)
		}
	}
	if h.Get("Content-Type") == "" {
		h.Set("Content-Type", "application/octet-stream")
	}
	if h.Get("Content-Disposition") == "" {
		h.Set("Content-Disposition", `attachment; filename="`+fileID+`"`)
	}
	if h.Get("Content-Length") == "" && resp.ContentLength >= 0 {
		h.Set("Content-Length", strconv.FormatInt(resp.ContentLength, 10))
	}
	w.WriteHeader(resp.StatusCode)

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		g.logger.Debug().Err(err).Str("node", node).Int64("bytes", n).Msg("download interrupted")
		return
	}
	g.metrics.DownloadsTotal.WithLabelValues("served").Inc()
}

func jsonError(w http.ResponseWriter, message string, code int) {
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
