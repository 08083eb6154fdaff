// Package status serves the optional liveness and progress endpoints.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// Counters aggregates pipeline progress. Fields are updated atomically by
// the pipeline and read by the status endpoint while it runs.
type Counters struct {
	Segment       atomic.Uint64 // segment currently being written
	LinesRead     atomic.Uint64
	FilesStaged   atomic.Uint64
	FilesUploaded atomic.Uint64
	FilesLoaded   atomic.Uint64
	SegmentsDone  atomic.Uint64
}

// Snapshot is the JSON shape of /status.
type Snapshot struct {
	StartedAt     time.Time `json:"started_at"`
	UptimeSeconds int64     `json:"uptime_seconds"`
	Segment       uint64    `json:"segment"`
	LinesRead     uint64    `json:"lines_read"`
	FilesStaged   uint64    `json:"files_staged"`
	FilesUploaded uint64    `json:"files_uploaded"`
	FilesLoaded   uint64    `json:"files_loaded"`
	SegmentsDone  uint64    `json:"segments_done"`
}

func (c *Counters) snapshot(started time.Time) Snapshot {
	return Snapshot{
		StartedAt:     started,
		UptimeSeconds: int64(time.Since(started).Seconds()),
		Segment:       c.Segment.Load(),
		LinesRead:     c.LinesRead.Load(),
		FilesStaged:   c.FilesStaged.Load(),
		FilesUploaded: c.FilesUploaded.Load(),
		FilesLoaded:   c.FilesLoaded.Load(),
		SegmentsDone:  c.SegmentsDone.Load(),
	}
}

// Server exposes /healthz and /status. A nil *Server is valid and serves
// nothing, so callers need not guard on configuration.
type Server struct {
	logger *slog.Logger
	http   *http.Server
}

// New builds the status server for the given listen address.
func New(logger *slog.Logger, addr string, counters *Counters) *Server {
	logger = logger.With("component", "status")
	return &Server{
		logger: logger,
		http: &http.Server{
			Addr:              addr,
			Handler:           newRouter(counters, time.Now()),
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

func newRouter(counters *Counters, started time.Time) chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(counters.snapshot(started))
	})

	return r
}

// Start begins serving in the background.
func (s *Server) Start() {
	if s == nil {
		return
	}
	s.logger.Info("status listening", "addr", s.http.Addr)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("status server failed", "error", err)
		}
	}()
}

// Shutdown stops the server, waiting for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
