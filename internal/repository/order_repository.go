package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"creditflow/internal/domain"
	"creditflow/pkg/logger"
)

type OrderRepository struct {
	db     DBTX
	logger logger.Logger
}

func NewOrderRepository(db DBTX, logger logger.Logger) domain.OrderRepository {
	return &OrderRepository{
		db:     db,
		logger: logger,
	}
}

const orderColumns = `id, external_order_id, user_id, amount, credits_amount, currency, status,
	created_at, expires_at, completed_at, updated_at`

// Create is used by the checkout flow and by tests; the reconciler never
// creates orders.
func (r *OrderRepository) Create(ctx context.Context, o *domain.PendingOrder) error {
	defer observe("insert", "pending_order", time.Now())

	if err := validateOrderAmounts(o); err != nil {
		return err
	}

	now := time.Now().UTC()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	if o.Status == "" {
		o.Status = domain.OrderStatusCreated
	}
	if o.Currency == "" {
		o.Currency = "USD"
	}
	o.CreatedAt = o.CreatedAt.UTC()
	o.ExpiresAt = o.ExpiresAt.UTC()
	o.UpdatedAt = o.CreatedAt

	var completedAt sql.NullTime
	if o.CompletedAt != nil {
		completedAt = sql.NullTime{Time: o.CompletedAt.UTC(), Valid: true}
	}

	query := `
		INSERT INTO pending_orders (external_order_id, user_id, amount, credits_amount, currency, status,
			created_at, expires_at, completed_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id
	`
	err := r.db.QueryRowContext(ctx, query,
		o.ExternalOrderID,
		o.UserID,
		o.Amount,
		o.CreditsAmount,
		o.Currency,
		string(o.Status),
		o.CreatedAt,
		o.ExpiresAt,
		completedAt,
		o.UpdatedAt,
	).Scan(&o.ID)
	if err != nil {
		r.logger.ErrorContext(ctx, "could not create pending order", map[string]interface{}{
			"order_id": o.ExternalOrderID,
			"error":    err.Error(),
		})
		return fmt.Errorf("create pending order: %w", err)
	}
	return nil
}

func (r *OrderRepository) FindByExternalID(ctx context.Context, externalOrderID string) (*domain.PendingOrder, error) {
	defer observe("select", "pending_order", time.Now())

	query := `SELECT ` + orderColumns + ` FROM pending_orders WHERE external_order_id = $1`

	o, err := scanOrder(r.db.QueryRowContext(ctx, query, externalOrderID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		r.logger.ErrorContext(ctx, "could not read pending order", map[string]interface{}{
			"order_id": externalOrderID,
			"error":    err.Error(),
		})
		return nil, fmt.Errorf("read pending order: %w", err)
	}
	return o, nil
}

func (r *OrderRepository) UpdateStatus(ctx context.Context, externalOrderID string, status domain.OrderStatus, from []domain.OrderStatus, at time.Time) (bool, error) {
	defer observe("update", "pending_order", time.Now())

	if len(from) == 0 {
		return false, fmt.Errorf("update order %s: no source statuses given", externalOrderID)
	}

	at = at.UTC()
	var completedAt sql.NullTime
	if status.IsTerminal() {
		completedAt = sql.NullTime{Time: at, Valid: true}
	}

	args := []interface{}{string(status), completedAt, at, externalOrderID}
	placeholders := make([]string, len(from))
	for i, s := range from {
		args = append(args, string(s))
		placeholders[i] = fmt.Sprintf("$%d", len(args))
	}

	query := fmt.Sprintf(`
		UPDATE pending_orders
		SET status = $1, completed_at = $2, updated_at = $3
		WHERE external_order_id = $4 AND status IN (%s)
	`, strings.Join(placeholders, ", "))

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.ErrorContext(ctx, "could not update pending order status", map[string]interface{}{
			"order_id": externalOrderID,
			"status":   status,
			"error":    err.Error(),
		})
		return false, fmt.Errorf("update pending order status: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update pending order status: %w", err)
	}
	return n > 0, nil
}

func (r *OrderRepository) FindExpired(ctx context.Context, now time.Time, limit int) ([]*domain.PendingOrder, error) {
	defer observe("select", "pending_order", time.Now())

	query := `SELECT ` + orderColumns + `
		FROM pending_orders
		WHERE status IN ($1, $2) AND expires_at < $3
		ORDER BY expires_at ASC
		LIMIT $4
	`
	rows, err := r.db.QueryContext(ctx, query,
		string(domain.OrderStatusCreated),
		string(domain.OrderStatusPending),
		now.UTC(),
		limit,
	)
	if err != nil {
		r.logger.ErrorContext(ctx, "could not list expired orders", map[string]interface{}{"error": err.Error()})
		return nil, fmt.Errorf("list expired orders: %w", err)
	}
	defer rows.Close()

	out := make([]*domain.PendingOrder, 0)
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pending order: %w", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list expired orders: %w", err)
	}
	return out, nil
}

func scanOrder(row rowScanner) (*domain.PendingOrder, error) {
	var (
		o           domain.PendingOrder
		status      string
		completedAt sql.NullTime
	)
	err := row.Scan(
		&o.ID,
		&o.ExternalOrderID,
		&o.UserID,
		&o.Amount,
		&o.CreditsAmount,
		&o.Currency,
		&status,
		&o.CreatedAt,
		&o.ExpiresAt,
		&completedAt,
		&o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	o.Status = domain.OrderStatus(status)
	if completedAt.Valid {
		t := completedAt.Time
		o.CompletedAt = &t
	}
	return &o, nil
}

func validateOrderAmounts(o *domain.PendingOrder) error {
	if err := domain.ValidateMoney(o.Amount); err != nil {
		return fmt.Errorf("create pending order %s: amount: %w", o.ExternalOrderID, err)
	}
	if err := domain.ValidateMoney(o.CreditsAmount); err != nil {
		return fmt.Errorf("create pending order %s: credits: %w", o.ExternalOrderID, err)
	}
	return nil
}
