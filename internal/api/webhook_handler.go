package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"creditflow/internal/domain"
	"creditflow/internal/webhook"
	"creditflow/pkg/logger"
)

type WebhookResponse struct {
	Received bool `json:"received"`
}

// WebhookHandler is the provider-facing endpoint. Only a failed signature
// check produces a non-200 answer; everything after verification is absorbed
// and audited so the provider does not retry on our internal errors.
type WebhookHandler struct {
	verifier          webhook.Verifier
	reconciler        domain.ReconcilerService
	audit             domain.AuditLogService
	processingTimeout time.Duration
	maxBodyBytes      int64
	logger            logger.Logger
}

func NewWebhookHandler(
	verifier webhook.Verifier,
	reconciler domain.ReconcilerService,
	audit domain.AuditLogService,
	processingTimeout time.Duration,
	maxBodyBytes int64,
	logger logger.Logger,
) *WebhookHandler {
	return &WebhookHandler{
		verifier:          verifier,
		reconciler:        reconciler,
		audit:             audit,
		processingTimeout: processingTimeout,
		maxBodyBytes:      maxBodyBytes,
		logger:            logger,
	}
}

func (h *WebhookHandler) HandlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	receivedAt := time.Now().UTC()
	ctx := r.Context()
	headers := webhook.HeadersFromRequest(r.Header)
	meta := domain.NotificationMeta{
		RequestID:      logger.RequestIDFromContext(ctx),
		TransmissionID: headers.TransmissionID,
		ReceivedAt:     receivedAt,
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		h.logger.WarnContext(ctx, "could not read webhook body", map[string]interface{}{
			"transmission_id": headers.TransmissionID,
			"error":           err.Error(),
		})
		h.audit.Record(ctx, &domain.AuditLogEntry{
			EventType: domain.AuditEventMalformed,
			Status:    domain.AuditStatusError,
			CreatedAt: receivedAt,
			Metadata:  transportMetadata(meta, err, body),
		})
		writeJSON(w, http.StatusOK, WebhookResponse{Received: true})
		return
	}

	if err := h.verifier.Verify(ctx, headers, body); err != nil {
		h.logger.WarnContext(ctx, "webhook signature rejected", map[string]interface{}{
			"transmission_id": headers.TransmissionID,
			"cert_url":        headers.CertURL,
			"error":           err.Error(),
		})
		entry := &domain.AuditLogEntry{
			EventType: domain.AuditEventSignatureInvalid,
			Status:    domain.AuditStatusError,
			CreatedAt: receivedAt,
			Metadata:  transportMetadata(meta, err, body),
		}
		entry.Metadata["cert_url"] = headers.CertURL
		entry.Metadata["auth_algo"] = headers.AuthAlgo
		h.audit.Record(ctx, entry)
		writeError(w, http.StatusUnauthorized, "Invalid signature")
		return
	}

	// A provider disconnect must not abort a half-applied transition; only
	// the processing budget bounds the work.
	processCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.processingTimeout)
	defer cancel()

	result := h.reconciler.Process(processCtx, body, meta)
	if errors.Is(result.Err, context.DeadlineExceeded) {
		h.logger.ErrorContext(ctx, "webhook processing timed out", map[string]interface{}{
			"transmission_id": headers.TransmissionID,
			"timeout":         h.processingTimeout.String(),
		})
	}

	writeJSON(w, http.StatusOK, WebhookResponse{Received: true})
}

func (h *WebhookHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/payment/webhook", h.HandlePaymentWebhook)
}

func transportMetadata(meta domain.NotificationMeta, err error, body []byte) map[string]interface{} {
	md := map[string]interface{}{
		"error":       err.Error(),
		"received_at": meta.ReceivedAt.Format(time.RFC3339Nano),
		"raw_body":    domain.TruncateAuditBody(body),
	}
	if meta.RequestID != "" {
		md["request_id"] = meta.RequestID
	}
	if meta.TransmissionID != "" {
		md["transmission_id"] = meta.TransmissionID
	}
	return md
}
