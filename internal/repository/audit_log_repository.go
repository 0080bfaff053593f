package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"creditflow/internal/domain"
	"creditflow/pkg/logger"
)

type AuditLogRepository struct {
	db     DBTX
	logger logger.Logger
}

func NewAuditLogRepository(db DBTX, logger logger.Logger) domain.AuditLogRepository {
	return &AuditLogRepository{
		db:     db,
		logger: logger,
	}
}

func (r *AuditLogRepository) Create(ctx context.Context, entry *domain.AuditLogEntry) error {
	defer observe("insert", "audit_log", time.Now())

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	entry.CreatedAt = entry.CreatedAt.UTC()

	metadata, err := encodeMetadata(entry.Metadata)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO audit_logs (event_type, order_id, amount, status, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`
	err = r.db.QueryRowContext(ctx, query,
		entry.EventType,
		nullString(entry.OrderID),
		entry.Amount,
		string(entry.Status),
		metadata,
		entry.CreatedAt,
	).Scan(&entry.ID)
	if err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}

func (r *AuditLogRepository) FindByOrderID(ctx context.Context, orderID string) ([]*domain.AuditLogEntry, error) {
	query := `
		SELECT id, event_type, order_id, amount, status, metadata, created_at
		FROM audit_logs
		WHERE order_id = $1
		ORDER BY id ASC
	`
	return r.list(ctx, query, orderID)
}

func (r *AuditLogRepository) FindAll(ctx context.Context, limit, offset int) ([]*domain.AuditLogEntry, error) {
	query := `
		SELECT id, event_type, order_id, amount, status, metadata, created_at
		FROM audit_logs
		ORDER BY id DESC
		LIMIT $1 OFFSET $2
	`
	return r.list(ctx, query, limit, offset)
}

func (r *AuditLogRepository) list(ctx context.Context, query string, args ...interface{}) ([]*domain.AuditLogEntry, error) {
	defer observe("select", "audit_log", time.Now())

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		r.logger.ErrorContext(ctx, "could not read audit logs", map[string]interface{}{"error": err.Error()})
		return nil, fmt.Errorf("read audit logs: %w", err)
	}
	defer rows.Close()

	entries := make([]*domain.AuditLogEntry, 0)
	for rows.Next() {
		var (
			e        domain.AuditLogEntry
			orderID  sql.NullString
			status   string
			metadata []byte
		)
		if err := rows.Scan(&e.ID, &e.EventType, &orderID, &e.Amount, &status, &metadata, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit log: %w", err)
		}
		e.OrderID = orderID.String
		e.Status = domain.AuditStatus(status)
		if e.Metadata, err = decodeMetadata(metadata); err != nil {
			return nil, err
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read audit logs: %w", err)
	}
	return entries, nil
}
