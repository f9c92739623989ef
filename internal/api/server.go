// Package api exposes the task lifecycle over HTTP: a JSON REST surface
// for creating and steering tasks, artifact delivery for completed ones,
// plus health and Prometheus endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"hlsgrab/internal/errs"
	"hlsgrab/internal/log"
	"hlsgrab/internal/task"
)

// Server wraps the HTTP listener around a task manager.
type Server struct {
	mgr  *task.Manager
	http *http.Server
	log  zerolog.Logger
}

// NewServer builds the server with its routes mounted.
func NewServer(addr string, mgr *task.Manager) *Server {
	s := &Server{
		mgr: mgr,
		log: log.WithComponent("api"),
	}
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/tasks", func(r chi.Router) {
		r.Post("/", s.handleCreate)
		r.Get("/", s.handleList)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGet)
			r.Delete("/", s.handleRemove)
			r.Post("/pause", s.lifecycle(s.mgr.Pause))
			r.Post("/resume", s.lifecycle(s.mgr.Resume))
			r.Post("/retry", s.lifecycle(s.mgr.Retry))
			r.Get("/artifact", s.handleArtifact)
		})
	})

	return r
}

// Start serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.http.Addr).Msg("http server listening")
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			s.log.Warn().Err(err).Msg("http shutdown incomplete")
		}
		return <-errCh
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req task.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErr(w, r, errs.New(errs.CodeInvalidInput, "invalid json body"))
		return
	}

	t, err := s.mgr.Enqueue(r.Context(), req)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.mgr.List(r.Context())
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	t, err := s.mgr.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	if err := s.mgr.Remove(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// lifecycle adapts the pause/resume/retry manager calls into handlers
// that respond with the refreshed task.
func (s *Server) lifecycle(op func(context.Context, string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := op(r.Context(), id); err != nil {
			s.writeErr(w, r, err)
			return
		}
		t, err := s.mgr.Get(r.Context(), id)
		if err != nil {
			s.writeErr(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, t)
	}
}

func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	t, err := s.mgr.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if t.Status != task.StatusCompleted {
		s.writeErr(w, r, errs.Newf(errs.CodeInvalidState, "task is %s, artifact not ready", t.Status))
		return
	}

	if t.Channel == task.ChannelTranscode {
		// The external service holds the file; hand the client its URL.
		if t.DownloadURL == "" {
			s.writeErr(w, r, errs.New(errs.CodeExternalJobMissing, "external job reported no download url"))
			return
		}
		http.Redirect(w, r, t.DownloadURL, http.StatusFound)
		return
	}

	path := s.mgr.ArtifactPath(t)
	w.Header().Set("Content-Type", contentTypeFor(t.FileName))
	w.Header().Set("Content-Disposition", `attachment; filename="`+t.FileName+`"`)
	http.ServeFile(w, r, path)
}

func contentTypeFor(fileName string) string {
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".mp4":
		return "video/mp4"
	case ".ts":
		return "video/mp2t"
	default:
		return "application/octet-stream"
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	code := statusOf(err)
	if code >= http.StatusInternalServerError {
		s.log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func statusOf(err error) int {
	if errors.Is(err, task.ErrNotFound) {
		return http.StatusNotFound
	}
	switch errs.CodeOf(err) {
	case errs.CodeInvalidInput:
		return http.StatusBadRequest
	case errs.CodeInvalidState:
		return http.StatusConflict
	case errs.CodeUpstream, errs.CodeExternalJobMissing:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("took", time.Since(start)).
			Str("request_id", chimw.GetReqID(r.Context())).
			Msg("request")
	})
}
