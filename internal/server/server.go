// Package server exposes the health, status and control endpoints
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/raykavin/leverwatch/pkg/exchange/binance"
	"github.com/raykavin/leverwatch/pkg/logger"
	"github.com/raykavin/leverwatch/pkg/monitor"
	"github.com/raykavin/leverwatch/pkg/storage"
)

const (
	defaultEventLimit = 50
	readHeaderTimeout = 5 * time.Second
)

// Monitor is the part of the monitoring loop served over HTTP
type Monitor interface {
	Active() bool
	Stop()
	Restart()
	Uptime() time.Duration
	Status() monitor.Status
}

// QuotaSource reports the exchange request budget
type QuotaSource interface {
	Snapshot() binance.QuotaSnapshot
}

// EventSource returns the most recent journal events
type EventSource interface {
	Recent(n int) ([]storage.Event, error)
}

// Server is the HTTP status and control surface
type Server struct {
	http    *http.Server
	monitor Monitor
	quota   QuotaSource
	events  EventSource
	metrics http.Handler
	log     logger.Logger
}

// Option configures a Server
type Option func(*Server)

// WithQuota enables GET /debug/ratelimit
func WithQuota(quota QuotaSource) Option {
	return func(s *Server) {
		s.quota = quota
	}
}

// WithEvents enables GET /debug/events
func WithEvents(events EventSource) Option {
	return func(s *Server) {
		s.events = events
	}
}

// WithMetrics serves handler on GET /metrics
func WithMetrics(handler http.Handler) Option {
	return func(s *Server) {
		s.metrics = handler
	}
}

func New(log logger.Logger, port int, monitor Monitor, options ...Option) *Server {
	s := &Server{
		monitor: monitor,
		log:     log,
	}

	for _, option := range options {
		option(s)
	}

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	return s
}

// Handler builds the routes
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /restart", s.handleRestart)
	mux.HandleFunc("POST /stop", s.handleStop)

	if s.quota != nil {
		mux.HandleFunc("GET /debug/ratelimit", s.handleRateLimit)
	}
	if s.events != nil {
		mux.HandleFunc("GET /debug/events", s.handleEvents)
	}
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}

	return mux
}

// ListenAndServe blocks until the server is shut down
func (s *Server) ListenAndServe() error {
	s.log.WithField("addr", s.http.Addr).Info("http server listening")

	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests and waits for the active ones
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := "inactive"
	if s.monitor.Active() {
		status = "active"
	}

	s.writeJSON(w, http.StatusOK, map[string]string{
		"status": status,
		"uptime": s.monitor.Uptime().Round(time.Second).String(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.monitor.Status())
}

func (s *Server) handleRestart(w http.ResponseWriter, _ *http.Request) {
	s.monitor.Restart()
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "restarting"})
}

func (s *Server) handleStop(w http.ResponseWriter, _ *http.Request) {
	s.monitor.Stop()
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "stopping"})
}

func (s *Server) handleRateLimit(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.quota.Snapshot())
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := defaultEventLimit
	if text := r.URL.Query().Get("limit"); text != "" {
		value, err := strconv.Atoi(text)
		if err != nil || value <= 0 {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = value
	}

	events, err := s.events.Recent(limit)
	if err != nil {
		s.log.WithError(err).Error("failed to read journal")
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "journal unavailable"})
		return
	}

	s.writeJSON(w, http.StatusOK, events)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(value); err != nil {
		s.log.WithError(err).Error("failed to encode response")
	}
}
