// Package control is the operator-facing HTTP surface: every state machine
// gate is a POST, status and health are GETs, and Prometheus scrapes
// /metrics.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/mkarslan/pgshift/internal/run"
	"github.com/mkarslan/pgshift/internal/session"
)

// PurgeFunc removes applied staged events older than the retention window
// and reports how many were deleted.
type PurgeFunc func(ctx context.Context) (int64, error)

// Server handles the control API for a single migration run.
type Server struct {
	run     *run.Run
	purge   PurgeFunc
	metrics http.Handler
	logger  *zap.Logger
}

func NewServer(r *run.Run, purge PurgeFunc, metrics http.Handler, logger *zap.Logger) *Server {
	return &Server{run: r, purge: purge, metrics: metrics, logger: logger}
}

// Router builds the chi mux for the control API.
func (s *Server) Router() http.Handler {
	mux := chi.NewRouter()
	mux.Use(middleware.RequestID)
	mux.Use(middleware.Recoverer)
	mux.Use(middleware.Timeout(60 * time.Second))

	mux.Get("/healthz", s.handleHealthz)
	if s.metrics != nil {
		mux.Method(http.MethodGet, "/metrics", s.metrics)
	}

	mux.Route("/v1", func(v1 chi.Router) {
		v1.Route("/run", func(r chi.Router) {
			r.Get("/status", s.handleStatus)
			r.Post("/start", s.handleStart)
			r.Post("/cutover", s.handleCutover)
			r.Post("/confirm-cutover", s.handleConfirmCutover)
			r.Post("/decommission", s.handleDecommission)
			r.Post("/abort", s.handleAbort)
			r.Post("/override-verification", s.handleOverrideVerification)
		})
		v1.Post("/staging/purge", s.handlePurge)
	})
	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.run.Status(r.Context()))
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	s.respondGate(w, r, s.run.Start(r.Context()))
}

func (s *Server) handleCutover(w http.ResponseWriter, r *http.Request) {
	s.respondGate(w, r, s.run.RequestCutover())
}

func (s *Server) handleConfirmCutover(w http.ResponseWriter, r *http.Request) {
	s.respondGate(w, r, s.run.ConfirmCutover(r.Context()))
}

func (s *Server) handleDecommission(w http.ResponseWriter, r *http.Request) {
	s.respondGate(w, r, s.run.Decommission(r.Context()))
}

type reasonBody struct {
	Reason string `json:"reason"`
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	var body reasonBody
	decodeOptionalJSON(r, &body)
	force := r.URL.Query().Get("force") == "true"
	if body.Reason == "" {
		body.Reason = "operator abort"
	}
	s.respondGate(w, r, s.run.Abort(r.Context(), force, body.Reason))
}

func (s *Server) handleOverrideVerification(w http.ResponseWriter, r *http.Request) {
	var body reasonBody
	decodeOptionalJSON(r, &body)
	if body.Reason == "" {
		writeError(w, http.StatusBadRequest, "a reason is required to override a failed verification")
		return
	}
	s.respondGate(w, r, s.run.OverrideVerification(body.Reason))
}

func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request) {
	n, err := s.purge(r.Context())
	if err != nil {
		s.logger.Error("staging purge failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"purged": n})
}

// respondGate maps state machine outcomes onto HTTP: a rejected gate is a
// conflict, not a server error.
func (s *Server) respondGate(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, s.run.Status(r.Context()))
	case errors.Is(err, run.ErrInvalidTransition), errors.Is(err, session.ErrAlreadyRunning):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("control request failed",
			zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeOptionalJSON(r *http.Request, v any) {
	if r.Body == nil {
		return
	}
	_ = json.NewDecoder(r.Body).Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
