package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"creditflow/internal/domain"
	"creditflow/pkg/logger"
)

type BalanceRepository struct {
	db     DBTX
	logger logger.Logger
}

func NewBalanceRepository(db DBTX, logger logger.Logger) domain.BalanceRepository {
	return &BalanceRepository{
		db:     db,
		logger: logger,
	}
}

func (r *BalanceRepository) FindByUserID(ctx context.Context, userID string) (*domain.CreditBalance, error) {
	defer observe("select", "credit_balance", time.Now())

	query := `
		SELECT user_id, credits_remaining, total_credits_purchased, total_credits_refunded, updated_at
		FROM credit_balances
		WHERE user_id = $1
	`

	var b domain.CreditBalance
	err := r.db.QueryRowContext(ctx, query, userID).Scan(
		&b.UserID,
		&b.CreditsRemaining,
		&b.TotalCreditsPurchased,
		&b.TotalCreditsRefunded,
		&b.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		r.logger.ErrorContext(ctx, "could not read balance", map[string]interface{}{
			"user_id": userID,
			"error":   err.Error(),
		})
		return nil, fmt.Errorf("read balance: %w", err)
	}

	return &b, nil
}

// Adjust never reads the balance into application code: increments are an
// upsert and decrements a conditional UPDATE, so concurrent adjustments to
// the same user serialize on the row lock.
func (r *BalanceRepository) Adjust(ctx context.Context, userID string, delta decimal.Decimal, at time.Time) (*domain.CreditBalance, error) {
	defer observe("adjust", "credit_balance", time.Now())

	at = at.UTC()
	b := domain.CreditBalance{UserID: userID, UpdatedAt: at}

	var row *sql.Row
	if delta.IsNegative() {
		query := `
			UPDATE credit_balances
			SET credits_remaining = credits_remaining + $1,
			    total_credits_refunded = total_credits_refunded - $1,
			    updated_at = $2
			WHERE user_id = $3 AND credits_remaining + $1 >= 0
			RETURNING credits_remaining, total_credits_purchased, total_credits_refunded
		`
		row = r.db.QueryRowContext(ctx, query, delta, at, userID)
	} else {
		query := `
			INSERT INTO credit_balances (user_id, credits_remaining, total_credits_purchased, total_credits_refunded, updated_at)
			VALUES ($1, $2, $2, 0, $3)
			ON CONFLICT (user_id) DO UPDATE
			SET credits_remaining = credit_balances.credits_remaining + excluded.credits_remaining,
			    total_credits_purchased = credit_balances.total_credits_purchased + excluded.total_credits_purchased,
			    updated_at = excluded.updated_at
			RETURNING credits_remaining, total_credits_purchased, total_credits_refunded
		`
		row = r.db.QueryRowContext(ctx, query, userID, delta, at)
	}

	err := row.Scan(&b.CreditsRemaining, &b.TotalCreditsPurchased, &b.TotalCreditsRefunded)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("adjust balance of %s by %s: %w", userID, delta, domain.ErrInsufficientCredits)
	}
	if err != nil {
		r.logger.ErrorContext(ctx, "could not adjust balance", map[string]interface{}{
			"user_id": userID,
			"delta":   delta.String(),
			"error":   err.Error(),
		})
		return nil, fmt.Errorf("adjust balance: %w", err)
	}

	return &b, nil
}
