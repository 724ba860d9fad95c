package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"epaperbridge/internal/bridge"
	"epaperbridge/internal/config"
	appLog "epaperbridge/internal/log"
)

// Board holds the latest control loop snapshot. Set is called from the
// control loop on every phase change, readers take copies.
type Board struct {
	mu      sync.RWMutex
	started time.Time
	updated time.Time
	stats   bridge.Stats
}

// NewBoard returns an empty board stamped with the current time.
func NewBoard() *Board {
	now := time.Now()
	return &Board{started: now, updated: now}
}

// Set records a new snapshot.
func (b *Board) Set(s bridge.Stats) {
	b.mu.Lock()
	b.stats = s
	b.updated = time.Now()
	b.mu.Unlock()
}

// Get returns the latest snapshot and when it was taken.
func (b *Board) Get() (bridge.Stats, time.Time) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.stats, b.updated
}

// Server exposes the bridge status over HTTP.
type Server struct {
	cfg   *config.Config
	board *Board
	mux   *http.ServeMux
}

// NewServer constructs a new Server.
func NewServer(cfg *config.Config, board *Board) *Server {
	s := &Server{
		cfg:   cfg,
		board: board,
		mux:   http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Status.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.Status.BasicAuth == nil {
		return false
	}
	a := s.cfg.Status.BasicAuth
	return a.Username != "" && a.Password != ""
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.Status.BasicAuth.Username
	password := s.cfg.Status.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="epaperbridge", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Serve listens on cfg.Status.Listen until ctx is cancelled, then shuts the
// server down gracefully.
func Serve(ctx context.Context, cfg *config.Config, board *Board) error {
	s := NewServer(cfg, board)
	srv := &http.Server{
		Addr:              cfg.Status.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+cfg.Status.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/api/status", s.handleStatus)
	s.mux.HandleFunc("/api/config", s.handleConfig)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// statusResponse is the JSON response shape for /api/status.
type statusResponse struct {
	bridge.Stats
	FrameBytes int       `json:"frame_bytes"`
	Updated    time.Time `json:"updated"`
	Uptime     string    `json:"uptime"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	stats, updated := s.board.Get()
	writeJSON(w, http.StatusOK, statusResponse{
		Stats:      stats,
		FrameBytes: s.cfg.Layout().FrameBytes(),
		Updated:    updated,
		Uptime:     time.Since(s.board.started).Round(time.Second).String(),
	})
}

// handleConfig returns the effective configuration without credentials.
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	c := *s.cfg
	c.Status.BasicAuth = nil
	writeJSON(w, http.StatusOK, c)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
