package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/example/notifications-engine/internal/health"
	"github.com/example/notifications-engine/internal/logger"
	"github.com/example/notifications-engine/internal/metrics"
	"github.com/example/notifications-engine/internal/models"
	"github.com/example/notifications-engine/internal/store"
)

// Probe reports whether one dependency is usable.
type Probe func(ctx context.Context) error

// EndpointStore loads endpoints for the admin routes.
type EndpointStore interface {
	GetEndpoint(ctx context.Context, id string) (*models.Endpoint, error)
}

// Enabler re-enables an endpoint the health tracker disabled.
type Enabler interface {
	Enable(ctx context.Context, ep models.Endpoint) error
}

// Dependencies groups what the router serves.
type Dependencies struct {
	// Probes are checked by /readyz, keyed by dependency name.
	Probes    map[string]Probe
	Metrics   *metrics.Registry
	Endpoints EndpointStore
	Enabler   Enabler
	Timeout   time.Duration
	Logger    zerolog.Logger
}

type handler struct {
	deps   Dependencies
	logger zerolog.Logger
}

// NewRouter registers the health, readiness, counters and endpoint admin
// routes.
func NewRouter(deps Dependencies) http.Handler {
	if deps.Timeout <= 0 {
		deps.Timeout = 500 * time.Millisecond
	}
	h := &handler{deps: deps, logger: logger.Component(deps.Logger, "httpapi")}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.logRequests)

	r.Get("/healthz", h.healthz)
	r.Get("/readyz", h.readyz)
	r.Get("/counters", h.counters)
	if deps.Endpoints != nil && deps.Enabler != nil {
		r.Post("/endpoints/{id}/enable", h.enableEndpoint)
	}
	return r
}

func (h *handler) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.deps.Timeout)
	defer cancel()

	checks := make(map[string]string, len(h.deps.Probes))
	status := http.StatusOK
	for name, probe := range h.deps.Probes {
		if err := probe(ctx); err != nil {
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}
	writeJSON(w, status, map[string]any{"ready": status == http.StatusOK, "checks": checks})
}

func (h *handler) counters(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Metrics.Snapshot())
}

func (h *handler) enableEndpoint(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ep, err := h.deps.Endpoints.GetEndpoint(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "endpoint not found"})
		return
	case err != nil:
		h.logger.Error().Err(err).Str("endpoint_id", id).Msg("httpapi: endpoint lookup failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "lookup failed"})
		return
	}

	err = h.deps.Enabler.Enable(r.Context(), *ep)
	switch {
	case errors.Is(err, health.ErrNotDisabled):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "endpoint is not disabled"})
	case err != nil:
		h.logger.Error().Err(err).Str("endpoint_id", id).Msg("httpapi: endpoint enable failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "enable failed"})
	default:
		writeJSON(w, http.StatusOK, map[string]string{"id": ep.ID, "status": "enabled"})
	}
}

func (h *handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()
		next.ServeHTTP(ww, r)
		h.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(started)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("httpapi: request served")
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
