// Package server exposes browsers over HTTP: status, selection and
// playback control, live HLS playlists and a WebSocket state stream.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agleyzer/seqsync/internal/browser"
	"github.com/agleyzer/seqsync/internal/engine"
	"github.com/agleyzer/seqsync/internal/playback"
	"github.com/agleyzer/seqsync/internal/playlist"
)

// DefaultWindow is the number of segments in a media playlist.
const DefaultWindow = 6

const mpegURL = "application/vnd.apple.mpegurl"

var errNotFound = errors.New("not found")

// Config holds the listener settings.
type Config struct {
	Host   string
	Port   int
	Window int
}

// ClusterStatus reports the replication role of this node.
type ClusterStatus interface {
	NodeID() string
	State() string
	LeaderAddr() string
}

// Server serves browsers over HTTP.
type Server struct {
	driver      *playback.Driver
	config      Config
	streams     map[string]playlist.StreamInfo
	cluster     ClusterStatus
	broadcaster *Broadcaster
	upgrader    websocket.Upgrader
	logger      *slog.Logger
	httpServer  *http.Server
}

// New creates a server that runs every engine call through driver.
func New(driver *playback.Driver, config Config, logger *slog.Logger) *Server {
	if config.Window <= 0 {
		config.Window = DefaultWindow
	}
	return &Server{
		driver:      driver,
		config:      config,
		streams:     make(map[string]playlist.StreamInfo),
		broadcaster: NewBroadcaster(logger),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

// SetStreamInfo records master playlist attributes of a segment sequence.
// It must be called before Start.
func (s *Server) SetStreamInfo(seqID string, info playlist.StreamInfo) {
	s.streams[seqID] = info
}

// SetCluster adds the cluster role to the health report. It must be called
// before Start.
func (s *Server) SetCluster(c ClusterStatus) {
	s.cluster = c
}

// SelectionChanged forwards a browser change to WebSocket clients. It is
// meant to be registered with engine.OnSelectionChanged.
func (s *Server) SelectionChanged(b *browser.Browser) {
	s.broadcaster.Publish(StatusOf(b))
}

// Broadcaster returns the WebSocket broadcaster.
func (s *Server) Broadcaster() *Broadcaster {
	return s.broadcaster
}

// Handler returns the routed and logged HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /browsers", s.handleBrowsers)
	mux.HandleFunc("GET /browsers/{id}", s.handleBrowser)
	mux.HandleFunc("POST /browsers/{id}/select", s.handleSelect)
	mux.HandleFunc("POST /browsers/{id}/play", s.handlePlay)
	mux.HandleFunc("POST /browsers/{id}/stop", s.handleStop)
	mux.HandleFunc("POST /browsers/{id}/record", s.handleRecord)
	mux.HandleFunc("GET /browsers/{id}/playlist.m3u8", s.handleMasterPlaylist)
	mux.HandleFunc("GET /browsers/{id}/sequences/{seq}/playlist.m3u8", s.handleMediaPlaylist)
	mux.HandleFunc("GET /ws", s.handleWS)

	return s.loggingMiddleware(mux)
}

// Start serves until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.config.Host, s.config.Port),
		Handler: s.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	}

	s.logger.Info("shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.httpServer.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var health HealthStatus
	err := s.driver.Do(r.Context(), func(e *engine.Engine) error {
		health = HealthStatus{
			Status:   "ok",
			Browsers: len(e.Browsers()),
			Stats:    e.Stats(),
		}
		return nil
	})
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}

	if s.cluster != nil {
		health.Cluster = &ClusterHealth{
			NodeID: s.cluster.NodeID(),
			State:  s.cluster.State(),
			Leader: s.cluster.LeaderAddr(),
		}
	}
	writeJSON(w, http.StatusOK, health)
}

func (s *Server) handleBrowsers(w http.ResponseWriter, r *http.Request) {
	browsers, err := s.snapshot(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, browsers)
}

func (s *Server) handleBrowser(w http.ResponseWriter, r *http.Request) {
	s.withBrowser(w, r, func(e *engine.Engine, b *browser.Browser) error { return nil })
}

// selectRequest moves the selection. Exactly one field is honored, in the
// order Index, Delta, Item.
type selectRequest struct {
	Item  *int    `json:"item,omitempty"`
	Delta *int    `json:"delta,omitempty"`
	Index *string `json:"index,omitempty"`
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	var req selectRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Item == nil && req.Delta == nil && req.Index == nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("one of item, delta or index is required"))
		return
	}

	s.withBrowser(w, r, func(e *engine.Engine, b *browser.Browser) error {
		var err error
		switch {
		case req.Index != nil:
			m := b.Master()
			if m == nil {
				return fmt.Errorf("browser %s has no master: %w", b.ID(), engine.ErrInvalidReference)
			}
			n := m.ItemNumber(*req.Index, false)
			if n < 0 {
				n = 0
			}
			_, err = e.SetSelectedItem(b, n)
		case req.Delta != nil:
			_, err = e.SelectNextItem(b, *req.Delta)
		default:
			_, err = e.SetSelectedItem(b, *req.Item)
		}
		return err
	})
}

type playRequest struct {
	RateFps float64 `json:"rate_fps,omitempty"`
}

func (s *Server) handlePlay(w http.ResponseWriter, r *http.Request) {
	var req playRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	s.withBrowser(w, r, func(e *engine.Engine, b *browser.Browser) error {
		if err := e.SetPlaybackRate(b, req.RateFps); err != nil {
			return err
		}
		return e.SetPlaybackActive(b, true)
	})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.withBrowser(w, r, func(e *engine.Engine, b *browser.Browser) error {
		return e.SetPlaybackActive(b, false)
	})
}

type recordRequest struct {
	Active bool `json:"active"`
}

func (s *Server) handleRecord(w http.ResponseWriter, r *http.Request) {
	var req recordRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	s.withBrowser(w, r, func(e *engine.Engine, b *browser.Browser) error {
		return e.SetRecordingActive(b, req.Active)
	})
}

func (s *Server) handleMasterPlaylist(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var content string
	err := s.driver.Do(r.Context(), func(e *engine.Engine) error {
		b := e.Browser(id)
		if b == nil {
			return fmt.Errorf("browser %s: %w", id, errNotFound)
		}
		var err error
		content, err = playlist.Master(b, s.streamInfo)
		return err
	})
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writePlaylist(w, content)
}

func (s *Server) handleMediaPlaylist(w http.ResponseWriter, r *http.Request) {
	id, seqID := r.PathValue("id"), r.PathValue("seq")
	var content string
	err := s.driver.Do(r.Context(), func(e *engine.Engine) error {
		b := e.Browser(id)
		if b == nil {
			return fmt.Errorf("browser %s: %w", id, errNotFound)
		}
		seq := b.Sequence(seqID)
		if seq == nil {
			return fmt.Errorf("sequence %s in browser %s: %w", seqID, id, errNotFound)
		}
		var err error
		content, err = playlist.Media(b, seq, s.config.Window)
		return err
	})
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writePlaylist(w, content)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.snapshot(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	s.logger.Info("websocket client connected", "remote", r.RemoteAddr)
	c := s.broadcaster.AddClient(conn, snapshot)

	go func() {
		defer func() {
			s.broadcaster.RemoveClient(c)
			s.logger.Info("websocket client disconnected", "remote", r.RemoteAddr)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// withBrowser runs fn on the engine goroutine for the browser named in the
// path and replies with the browser status.
func (s *Server) withBrowser(w http.ResponseWriter, r *http.Request, fn func(*engine.Engine, *browser.Browser) error) {
	id := r.PathValue("id")
	var status BrowserStatus
	err := s.driver.Do(r.Context(), func(e *engine.Engine) error {
		b := e.Browser(id)
		if b == nil {
			return fmt.Errorf("browser %s: %w", id, errNotFound)
		}
		if err := fn(e, b); err != nil {
			return err
		}
		status = StatusOf(b)
		return nil
	})
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) snapshot(ctx context.Context) ([]BrowserStatus, error) {
	var browsers []BrowserStatus
	err := s.driver.Do(ctx, func(e *engine.Engine) error {
		browsers = make([]BrowserStatus, 0, len(e.Browsers()))
		for _, b := range e.Browsers() {
			browsers = append(browsers, StatusOf(b))
		}
		return nil
	})
	return browsers, err
}

func (s *Server) streamInfo(seqID string) playlist.StreamInfo {
	return s.streams[seqID]
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errNotFound), errors.Is(err, playlist.ErrNoStreams):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrInvalidReference), errors.Is(err, playlist.ErrNotSegments):
		return http.StatusConflict
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// decodeBody decodes an optional JSON body into v.
func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && err != io.EOF {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writePlaylist(w http.ResponseWriter, content string) {
	w.Header().Set("Content-Type", mpegURL)
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(content))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		s.logger.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"remote", r.RemoteAddr,
			"status", wrapped.statusCode,
			"duration", time.Since(start),
		)
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets the WebSocket upgrader take over the connection.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return h.Hijack()
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
