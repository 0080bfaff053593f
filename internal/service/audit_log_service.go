package service

import (
	"context"
	"fmt"
	"time"

	"creditflow/internal/domain"
	"creditflow/pkg/logger"
)

const auditWriteTimeout = 3 * time.Second

type AuditLogService struct {
	repo   domain.AuditLogRepository
	logger logger.Logger
}

func NewAuditLogService(repo domain.AuditLogRepository, logger logger.Logger) domain.AuditLogService {
	return &AuditLogService{
		repo:   repo,
		logger: logger,
	}
}

// Record writes the entry even when ctx is already cancelled or past its
// deadline, so a timed-out notification still leaves an audit trail.
func (s *AuditLogService) Record(ctx context.Context, entry *domain.AuditLogEntry) {
	if requestID := logger.RequestIDFromContext(ctx); requestID != "" {
		if entry.Metadata == nil {
			entry.Metadata = make(map[string]interface{})
		}
		if _, ok := entry.Metadata["request_id"]; !ok {
			entry.Metadata["request_id"] = requestID
		}
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditWriteTimeout)
	defer cancel()

	if err := s.repo.Create(writeCtx, entry); err != nil {
		s.logger.ErrorContext(ctx, "could not write audit log entry", map[string]interface{}{
			"event_type": entry.EventType,
			"order_id":   entry.OrderID,
			"status":     entry.Status,
			"metadata":   entry.Metadata,
			"error":      err.Error(),
		})
	}
}

func (s *AuditLogService) GetOrderLogs(ctx context.Context, orderID string) ([]*domain.AuditLogEntry, error) {
	logs, err := s.repo.FindByOrderID(ctx, orderID)
	if err != nil {
		s.logger.ErrorContext(ctx, "could not read order audit logs", map[string]interface{}{
			"order_id": orderID,
			"error":    err.Error(),
		})
		return nil, fmt.Errorf("read order audit logs: %w", err)
	}
	return logs, nil
}

func (s *AuditLogService) GetAllLogs(ctx context.Context, page, pageSize int) ([]*domain.AuditLogEntry, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 200 {
		pageSize = 200
	}

	logs, err := s.repo.FindAll(ctx, pageSize, (page-1)*pageSize)
	if err != nil {
		s.logger.ErrorContext(ctx, "could not read audit logs", map[string]interface{}{
			"page":      page,
			"page_size": pageSize,
			"error":     err.Error(),
		})
		return nil, fmt.Errorf("read audit logs: %w", err)
	}
	return logs, nil
}
