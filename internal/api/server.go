// Package api exposes scan sessions over HTTP.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"netprobe/internal/models"
	"netprobe/internal/reporter"
	"netprobe/internal/session"
)

const (
	serviceName     = "netprobe scanner API"
	maxRequestBytes = 1 << 20
	sessionMaxAge   = time.Hour
	pruneInterval   = 5 * time.Minute
	shutdownTimeout = 10 * time.Second
)

// Engine starts and cancels scans.
type Engine interface {
	StartScan(ctx context.Context, cfg models.ScanConfig, hooks ...func(*session.Session)) (*session.Session, error)
	CancelScan(sess *session.Session)
}

// Server serves the scan API.
type Server struct {
	engine   Engine
	registry *Registry
	limiter  *rate.Limiter
	logger   *slog.Logger
	// hooks run for every new session before it starts probing.
	hooks []func(*session.Session)
	now   func() time.Time
}

// NewServer creates a Server that accepts ratePerMinute scan submissions per
// minute with an equal burst. Zero or less disables the limit.
func NewServer(engine Engine, ratePerMinute int, logger *slog.Logger, hooks ...func(*session.Session)) *Server {
	limiter := rate.NewLimiter(rate.Inf, 0)
	if ratePerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(ratePerMinute)/60), ratePerMinute)
	}
	return &Server{
		engine:   engine,
		registry: NewRegistry(),
		limiter:  limiter,
		logger:   logger.With(slog.String("component", "api")),
		hooks:    hooks,
		now:      time.Now,
	}
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/scans", s.handleList)
	mux.HandleFunc("POST /api/scans", s.handleStart)
	mux.HandleFunc("GET /api/scans/{id}", s.handleGet)
	mux.HandleFunc("DELETE /api/scans/{id}", s.handleCancel)
	mux.HandleFunc("GET /api/scans/{id}/export", s.handleExport)
	mux.HandleFunc("GET /api/scans/{id}/target", s.handleTarget)
	return s.logRequests(mux)
}

// ListenAndServe serves on addr until ctx is cancelled, then cancels every
// running scan and shuts down.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go s.pruneLoop(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Listening.", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve %s: %w", addr, err)
	case <-ctx.Done():
	}

	s.logger.Info("Shutdown signal received. Cancelling running scans...")
	for _, sess := range s.registry.List() {
		s.engine.CancelScan(sess)
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func (s *Server) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.registry.Prune(sessionMaxAge, s.now()); n > 0 {
				s.logger.Debug("Pruned finished sessions.", "count", n)
			}
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"timestamp": s.now().UTC().Format(time.RFC3339),
		"service":   serviceName,
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	sessions := s.registry.List()
	snaps := make([]session.Snapshot, 0, len(sessions))
	for _, sess := range sessions {
		snap := sess.Snapshot()
		snap.Results = nil
		snaps = append(snaps, snap)
	}
	writeJSON(w, http.StatusOK, snaps)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow() {
		w.Header().Set("Retry-After", "60")
		writeError(w, http.StatusTooManyRequests, "scan submission rate exceeded")
		return
	}

	var cfg models.ScanConfig
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	sess, err := s.engine.StartScan(r.Context(), cfg, s.hooks...)
	if err != nil {
		status := http.StatusInternalServerError
		if isValidationError(err) {
			status = http.StatusBadRequest
		}
		s.logger.Warn("Scan rejected.", "target", cfg.Target, "port_spec", cfg.PortSpec, "error", err)
		writeError(w, status, err.Error())
		return
	}
	s.registry.Add(sess)

	w.Header().Set("Location", "/api/scans/"+sess.ID)
	writeJSON(w, http.StatusAccepted, sess.Snapshot())
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	s.engine.CancelScan(sess)
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	format, err := reporter.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	data, err := reporter.Marshal(format, sess.Snapshot())
	if err != nil {
		s.logger.Error("Export failed.", "session_id", sess.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "export failed")
		return
	}
	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="scan-%s.%s"`, sess.ID, format))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

type targetResponse struct {
	SessionID string         `json:"sessionId"`
	Target    string         `json:"target"`
	Addresses []string       `json:"addresses"`
	Status    session.Status `json:"status"`
}

func (s *Server) handleTarget(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	addrs := sess.Target().Strings()
	if addrs == nil {
		addrs = []string{}
	}
	writeJSON(w, http.StatusOK, targetResponse{
		SessionID: sess.ID,
		Target:    sess.Config.Target,
		Addresses: addrs,
		Status:    sess.Status(),
	})
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	id := r.PathValue("id")
	sess, ok := s.registry.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("scan %q not found", id))
	}
	return sess, ok
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("Request served.",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Seconds()*1000,
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func isValidationError(err error) bool {
	return errors.Is(err, models.ErrInvalidTarget) ||
		errors.Is(err, models.ErrInvalidPortSpec) ||
		errors.Is(err, models.ErrInvalidConfig)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		http.Error(w, "encode response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
