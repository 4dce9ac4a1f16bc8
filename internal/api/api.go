// Package api is jobd's read-mostly ops surface: health, statistics, job
// listing and the enable/disable toggle. It deliberately has no create or
// delete endpoints; jobs come from cron definitions.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"jobd/internal/observability"
	"jobd/internal/scheduler"
	"jobd/internal/store"
	logx "jobd/pkg/logx"
)

type Server struct {
	coord   *scheduler.Coordinator
	store   store.JobStore
	metrics *observability.Metrics
	log     logx.Logger
	debug   bool
}

func New(coord *scheduler.Coordinator, st store.JobStore, m *observability.Metrics, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{coord: coord, store: st, metrics: m, log: log}
}

// EnableDebug mounts the pprof handlers under /debug/pprof/. Meant for
// loopback binds; Run warns when the listen address is anything else.
func (s *Server) EnableDebug() *Server {
	s.debug = true
	return s
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestLogger)

	r.Get("/healthz", s.handleHealth)
	r.Get("/stats", s.handleStats)
	r.Get("/jobs", s.handleListJobs)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Post("/jobs/{id}/enable", s.handleSetEnabled(true))
	r.Post("/jobs/{id}/disable", s.handleSetEnabled(false))
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}
	if s.debug {
		r.HandleFunc("/debug/pprof/", hpprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", hpprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", hpprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", hpprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", hpprof.Trace)
		// pprof.Index routes named profiles itself off the URL path.
		r.HandleFunc("/debug/pprof/{name}", hpprof.Index)
	}
	return r
}

// Run serves until ctx is canceled, then drains with a short grace period.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	if s.debug && !isLoopbackAddr(addr) {
		s.log.Warn("pprof exposed on a non-loopback address", logx.String("addr", addr))
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.log.Info("ops server listening", logx.String("addr", addr))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := s.coord.Health()
	code := http.StatusOK
	if !h.Healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, h)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.coord.Picker().Statistics(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	f := store.ListFilter{}
	if v := r.URL.Query().Get("status"); v != "" {
		status := store.Status(v)
		if !status.Valid() {
			writeError(w, http.StatusBadRequest, errors.New("unknown status: "+v))
			return
		}
		f.Status = status
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		f.Limit = n
	}

	jobs, err := s.store.List(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	if jobs == nil {
		jobs = []store.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.store.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (s *Server) handleSetEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		changed, err := s.store.SetEnabled(r.Context(), id, enabled)
		if err != nil {
			writeError(w, http.StatusBadGateway, err)
			return
		}
		if !changed {
			// Either the id is unknown or the row is in a state the toggle
			// does not touch (locked, or already in the requested state).
			writeError(w, http.StatusConflict, errors.New("job not toggled"))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"job_id": id, "enabled": enabled})
	}
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		s.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", sw.status),
			logx.Duration("took", time.Since(start)))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		// empty host means all interfaces
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	if ip == nil {
		return false
	}
	return ip.IsLoopback()
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
