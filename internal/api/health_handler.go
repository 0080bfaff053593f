package api

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"creditflow/pkg/logger"
)

// Pinger is a dependency readiness can probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// DatabaseHealth is the store connection as seen by the health endpoints.
type DatabaseHealth interface {
	Pinger
	GetStats() map[string]interface{}
}

type HealthHandler struct {
	db     DatabaseHealth
	cache  Pinger
	logger logger.Logger
}

// NewHealthHandler builds the probe handler. cache may be nil when Redis is
// not configured.
func NewHealthHandler(db DatabaseHealth, cache Pinger, logger logger.Logger) *HealthHandler {
	return &HealthHandler{
		db:     db,
		cache:  cache,
		logger: logger,
	}
}

func (h *HealthHandler) LivenessCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "alive",
		"timestamp": time.Now().UTC(),
	})
}

func (h *HealthHandler) ReadinessCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	ready := true
	issues := make([]string, 0)
	services := make(map[string]interface{})

	if err := h.db.Ping(ctx); err != nil {
		ready = false
		issues = append(issues, "database: "+err.Error())
	} else {
		services["database"] = h.db.GetStats()
	}

	if h.cache != nil {
		if err := h.cache.Ping(ctx); err != nil {
			ready = false
			issues = append(issues, "redis: "+err.Error())
		} else {
			services["redis"] = "ok"
		}
	}

	response := map[string]interface{}{
		"timestamp": time.Now().UTC(),
		"services":  services,
	}

	if ready {
		response["status"] = "ready"
		writeJSON(w, http.StatusOK, response)
		return
	}

	h.logger.WarnContext(r.Context(), "readiness check failed", map[string]interface{}{"issues": issues})
	response["status"] = "not_ready"
	response["issues"] = issues
	writeJSON(w, http.StatusServiceUnavailable, response)
}

func (h *HealthHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health/live", h.LivenessCheck)
	mux.HandleFunc("GET /health/ready", h.ReadinessCheck)
	mux.Handle("GET /metrics", promhttp.Handler())
}
