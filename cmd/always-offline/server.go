package main

import (
	"encoding/json"
	"net/http"
	"time"

	alwaysoffline "github.com/always-cache/always-offline"
	"github.com/always-cache/always-offline/connectivity"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"golang.org/x/xerrors"
)

type server struct {
	worker  *alwaysoffline.Worker
	monitor *connectivity.Monitor
}

type statusResponse struct {
	Connectivity connectivity.Status `json:"connectivity"`
	State        string              `json:"state"`
	Generation   string              `json:"generation"`
	Controlling  bool                `json:"controlling"`
}

// newRouter serves the offline control endpoints under /.offline and
// everything else through the worker.
func newRouter(worker *alwaysoffline.Worker, monitor *connectivity.Monitor, logger zerolog.Logger) http.Handler {
	s := &server{worker: worker, monitor: monitor}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(hlog.NewHandler(logger))
	r.Use(hlog.RequestIDHandler("reqId", "Request-Id"))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Trace().
			Str("method", r.Method).
			Stringer("url", r.URL).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("Handled request")
	}))

	r.Route("/.offline", func(r chi.Router) {
		r.Get("/status", s.status)
		r.Post("/check", s.check)
		r.Post("/refresh", s.refresh)
	})
	r.Handle("/*", worker)
	return r
}

func (s *server) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, statusResponse{
		Connectivity: s.monitor.Status(),
		State:        s.worker.State().String(),
		Generation:   s.worker.Generation(),
		Controlling:  s.worker.Controlling(),
	})
}

func (s *server) check(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, s.monitor.Check(r.Context()))
}

func (s *server) refresh(w http.ResponseWriter, r *http.Request) {
	report, err := s.worker.Refresh(r.Context())
	if xerrors.Is(err, alwaysoffline.ErrNotActivated) {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("Could not refresh cache")
		http.Error(w, "Could not refresh cache", http.StatusInternalServerError)
		return
	}
	writeJSON(w, r, http.StatusOK, report)
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("Could not write response")
	}
}
