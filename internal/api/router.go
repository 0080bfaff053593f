package api

import (
	"net/http"

	"creditflow/internal/api/middleware"
	"creditflow/pkg/logger"
)

type Handlers struct {
	Webhook  *WebhookHandler
	Balance  *BalanceHandler
	AuditLog *AuditLogHandler
	Health   *HealthHandler
}

// NewRouter registers every route and wraps the mux in the middleware chain:
// recover, request id, tracing, metrics.
func NewRouter(h Handlers, adminToken string, log logger.Logger) http.Handler {
	mux := http.NewServeMux()
	admin := middleware.AdminAuth(adminToken, log)

	h.Webhook.RegisterRoutes(mux)
	h.Balance.RegisterRoutes(mux, admin)
	h.AuditLog.RegisterRoutes(mux, admin)
	h.Health.RegisterRoutes(mux)

	return middleware.Chain(mux,
		middleware.RecoverMiddleware(log),
		middleware.RequestIDMiddleware,
		middleware.TracingMiddleware,
		middleware.MetricsMiddleware,
	)
}
