// Package api exposes the sync engine over HTTP.
package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cratesync/cratesync/internal/engine"
	"github.com/cratesync/cratesync/internal/logging"
	"github.com/cratesync/cratesync/internal/metrics"
)

// maxUploadBytes bounds a single multipart upload request.
const maxUploadBytes = 2 << 30

// Server routes API requests to the engine.
type Server struct {
	engine   *engine.Engine
	validate *validator.Validate
	router   chi.Router
}

// NewServer builds the HTTP surface over eng.
func NewServer(eng *engine.Engine) *Server {
	s := &Server{
		engine:   eng,
		validate: validator.New(),
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(instrument)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/devices", func(r chi.Router) {
			r.Post("/", s.handleCreateDevice)
			r.Get("/", s.handleListDevices)
			r.Route("/{deviceID}", func(r chi.Router) {
				r.Get("/", s.handleGetDevice)
				r.Patch("/", s.handleUpdateDevice)

				r.Post("/sync", s.handleStartSync)
				r.Post("/sync/check", s.handleCheckSync)
				r.Post("/sync/{sessionID}/records", s.handleRecordChunk)
				r.Post("/sync/{sessionID}/complete", s.handleCompleteSync)
				r.Post("/sync/{sessionID}/cancel", s.handleCancelSync)

				r.Get("/sessions", s.handleListSessions)
				r.Get("/sessions/{sessionID}/records", s.handleListSessionRecords)

				r.Post("/upload", s.handleUpload)

				r.Get("/pending", s.handleGetPending)
				r.Post("/pending/{songID}", s.handleMarkPending)
				r.Post("/pending/{songID}/ack", s.handleAcknowledge)
			})
		})
		r.Get("/songs/{songID}/download", s.handleDownloadSong)
	})

	s.router = r
	return s
}

// Router returns the configured handler, for mounting or tests.
func (s *Server) Router() http.Handler { return s.router }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// instrument records request counts and latency per chi route pattern,
// and emits one structured log line per request.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		status := strconv.Itoa(ww.Status())
		metrics.HTTPRequests.WithLabelValues(route, r.Method, status).Inc()
		metrics.HTTPDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())

		logging.Debug().
			Str("method", r.Method).
			Str("route", route).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.Error().Err(err).Msg("encoding response")
	}
}

// respondError maps an engine error kind to an HTTP status. Unclassified
// errors are internal and logged with detail; clients see a generic
// message.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	kind := engine.KindOf(err)
	var status int
	switch kind {
	case engine.KindConflict, engine.KindIntegrity:
		status = http.StatusConflict
	case engine.KindInvalidState:
		status = http.StatusUnprocessableEntity
	case engine.KindValidation:
		status = http.StatusBadRequest
	case engine.KindNotFound:
		status = http.StatusNotFound
	default:
		logging.Error().Err(err).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Msg("request failed")
		respondJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}
	respondJSON(w, status, errorResponse{Error: err.Error(), Kind: kind.String()})
}

var errBadJSON = errors.New("request body is not valid JSON")

// decode unmarshals and validates a JSON request body into dst.
func (s *Server) decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errBadJSON
	}
	if err := s.validate.Struct(dst); err != nil {
		return err
	}
	return nil
}

// respondDecodeError reports a body that failed to parse or validate.
func respondDecodeError(w http.ResponseWriter, err error) {
	respondJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), Kind: "validation"})
}

// pathID parses a numeric URL parameter.
func pathID(r *http.Request, name string) (int64, error) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("invalid " + name + " in path")
	}
	return id, nil
}
