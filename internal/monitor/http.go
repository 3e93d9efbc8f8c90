package monitor

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"notification-monitor/internal/common/errors"
	"notification-monitor/internal/common/logger"
)

const readyTimeout = 3 * time.Second

// Check reports whether a dependency is usable.
type Check func(ctx context.Context) error

// Server exposes health, readiness, metrics and an on-demand pass trigger.
type Server struct {
	runner PassRunner
	phase  func() Phase
	checks map[string]Check
	logger logger.Logger
	base   context.Context
	srv    *http.Server
}

// NewServer builds the HTTP surface. phase may be nil. Passes started over
// HTTP run under base, not under the request.
func NewServer(base context.Context, addr string, runner PassRunner, phase func() Phase, checks map[string]Check, log logger.Logger) *Server {
	s := &Server{
		runner: runner,
		phase:  phase,
		checks: checks,
		logger: log.WithFields(map[string]interface{}{"component": "http"}),
		base:   base,
	}
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.health)
	mux.HandleFunc("GET /ready", s.ready)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("POST /passes", s.runPass)
	return mux
}

// ListenAndServe blocks until the server stops. It returns nil after Shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Info("http server listening", map[string]interface{}{"address": s.srv.Addr})
	if err := s.srv.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	body := map[string]interface{}{"status": "healthy"}
	if s.phase != nil {
		body["phase"] = s.phase()
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	status := http.StatusOK
	results := make(map[string]string, len(s.checks))
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			status = http.StatusServiceUnavailable
			results[name] = err.Error()
			continue
		}
		results[name] = "ok"
	}

	state := "ready"
	if status != http.StatusOK {
		state = "not_ready"
	}
	writeJSON(w, status, map[string]interface{}{"status": state, "checks": results})
}

func (s *Server) runPass(w http.ResponseWriter, _ *http.Request) {
	summary, err := s.runner.Run(s.base)
	if stdErr, ok := errors.AsStandard(err); ok && stdErr.Code == errors.ErrCodePassInProgress {
		writeJSON(w, http.StatusConflict, stdErr)
		return
	}
	switch {
	case err != nil:
		s.logger.Error("on-demand pass aborted", map[string]interface{}{"passId": summary.PassID, "error": err})
		writeJSON(w, http.StatusServiceUnavailable, summary)
	default:
		writeJSON(w, http.StatusOK, summary)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
