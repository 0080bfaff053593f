package api

import (
	"net/http"
	"strconv"

	"creditflow/internal/api/middleware"
	"creditflow/internal/domain"
	"creditflow/pkg/logger"
)

type AuditLogHandler struct {
	service domain.AuditLogService
	logger  logger.Logger
}

func NewAuditLogHandler(service domain.AuditLogService, logger logger.Logger) *AuditLogHandler {
	return &AuditLogHandler{
		service: service,
		logger:  logger,
	}
}

const (
	defaultAuditPageSize = 50
	maxAuditPageSize     = 200
)

func (h *AuditLogHandler) GetAllLogs(w http.ResponseWriter, r *http.Request) {
	page, err := queryInt(r, "page", 1)
	if err != nil || page < 1 {
		writeError(w, http.StatusBadRequest, "invalid page")
		return
	}
	pageSize, err := queryInt(r, "page_size", defaultAuditPageSize)
	if err != nil || pageSize < 1 || pageSize > maxAuditPageSize {
		writeError(w, http.StatusBadRequest, "page_size must be between 1 and 200")
		return
	}

	logs, err := h.service.GetAllLogs(r.Context(), page, pageSize)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "audit log page read failed", map[string]interface{}{
			"page":      page,
			"page_size": pageSize,
			"error":     err.Error(),
		})
		writeError(w, http.StatusInternalServerError, "could not read audit logs")
		return
	}

	writeJSON(w, http.StatusOK, logs)
}

func (h *AuditLogHandler) GetOrderLogs(w http.ResponseWriter, r *http.Request) {
	orderID := r.URL.Query().Get("order_id")
	if orderID == "" {
		writeError(w, http.StatusBadRequest, "order_id is required")
		return
	}

	logs, err := h.service.GetOrderLogs(r.Context(), orderID)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "audit log read failed", map[string]interface{}{
			"order_id": orderID,
			"error":    err.Error(),
		})
		writeError(w, http.StatusInternalServerError, "could not read audit logs")
		return
	}

	writeJSON(w, http.StatusOK, logs)
}

func (h *AuditLogHandler) RegisterRoutes(mux *http.ServeMux, protect middleware.Middleware) {
	mux.Handle("GET /api/admin/audit-logs", protect(http.HandlerFunc(h.GetAllLogs)))
	mux.Handle("GET /api/admin/audit-logs/order", protect(http.HandlerFunc(h.GetOrderLogs)))
}

func queryInt(r *http.Request, key string, fallback int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}
