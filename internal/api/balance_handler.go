package api

import (
	"errors"
	"net/http"

	"creditflow/internal/api/middleware"
	"creditflow/internal/domain"
	"creditflow/pkg/logger"
)

type BalanceHandler struct {
	service domain.BalanceService
	logger  logger.Logger
}

func NewBalanceHandler(service domain.BalanceService, logger logger.Logger) *BalanceHandler {
	return &BalanceHandler{
		service: service,
		logger:  logger,
	}
}

func (h *BalanceHandler) GetUserBalance(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	balance, err := h.service.GetUserBalance(r.Context(), userID)
	if errors.Is(err, domain.ErrBalanceNotFound) {
		writeError(w, http.StatusNotFound, "balance not found")
		return
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "could not read balance", map[string]interface{}{
			"user_id": userID,
			"error":   err.Error(),
		})
		writeError(w, http.StatusInternalServerError, "could not read balance")
		return
	}

	writeJSON(w, http.StatusOK, balance)
}

func (h *BalanceHandler) RegisterRoutes(mux *http.ServeMux, protect middleware.Middleware) {
	mux.Handle("GET /api/admin/balances", protect(http.HandlerFunc(h.GetUserBalance)))
}
