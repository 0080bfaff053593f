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

type TransactionRepository struct {
	db     DBTX
	logger logger.Logger
}

func NewTransactionRepository(db DBTX, logger logger.Logger) domain.TransactionRepository {
	return &TransactionRepository{
		db:     db,
		logger: logger,
	}
}

const transactionColumns = `id, user_id, type, amount, credits_amount, status, external_order_id,
	reference_transaction_id, metadata, created_at, updated_at`

// InsertIfAbsent relies on the partial unique index over completed
// (external_order_id, type) rows: a losing concurrent insert returns no row
// instead of an error.
func (r *TransactionRepository) InsertIfAbsent(ctx context.Context, t *domain.LedgerTransaction) (bool, error) {
	defer observe("insert", "ledger_transaction", time.Now())

	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.CreatedAt

	metadata, err := encodeMetadata(t.Metadata)
	if err != nil {
		return false, err
	}

	var reference sql.NullInt64
	if t.ReferenceTransactionID != nil {
		reference = sql.NullInt64{Int64: *t.ReferenceTransactionID, Valid: true}
	}

	query := `
		INSERT INTO ledger_transactions (user_id, type, amount, credits_amount, status, external_order_id,
			reference_transaction_id, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT DO NOTHING
		RETURNING id
	`

	err = r.db.QueryRowContext(ctx, query,
		t.UserID,
		string(t.Type),
		t.Amount,
		t.CreditsAmount,
		string(t.Status),
		nullString(t.ExternalOrderID),
		reference,
		metadata,
		t.CreatedAt,
		t.UpdatedAt,
	).Scan(&t.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		r.logger.ErrorContext(ctx, "could not insert ledger transaction", map[string]interface{}{
			"order_id": t.ExternalOrderID,
			"type":     t.Type,
			"error":    err.Error(),
		})
		return false, fmt.Errorf("insert ledger transaction: %w", err)
	}

	return true, nil
}

func (r *TransactionRepository) FindCompleted(ctx context.Context, externalOrderID string, txType domain.TransactionType) (*domain.LedgerTransaction, error) {
	defer observe("select", "ledger_transaction", time.Now())

	query := `SELECT ` + transactionColumns + `
		FROM ledger_transactions
		WHERE external_order_id = $1 AND type = $2 AND status = 'completed'
	`

	t, err := scanTransaction(r.db.QueryRowContext(ctx, query, externalOrderID, string(txType)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		r.logger.ErrorContext(ctx, "could not read ledger transaction", map[string]interface{}{
			"order_id": externalOrderID,
			"type":     txType,
			"error":    err.Error(),
		})
		return nil, fmt.Errorf("read ledger transaction: %w", err)
	}
	return t, nil
}

func (r *TransactionRepository) FindByUserID(ctx context.Context, userID string) ([]*domain.LedgerTransaction, error) {
	defer observe("select", "ledger_transaction", time.Now())

	query := `SELECT ` + transactionColumns + `
		FROM ledger_transactions
		WHERE user_id = $1
		ORDER BY id ASC
	`

	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		r.logger.ErrorContext(ctx, "could not list ledger transactions", map[string]interface{}{
			"user_id": userID,
			"error":   err.Error(),
		})
		return nil, fmt.Errorf("list ledger transactions: %w", err)
	}
	defer rows.Close()

	out := make([]*domain.LedgerTransaction, 0)
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ledger transaction: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list ledger transactions: %w", err)
	}
	return out, nil
}

func (r *TransactionRepository) SumCompletedCredits(ctx context.Context, userID string) (decimal.Decimal, error) {
	defer observe("sum", "ledger_transaction", time.Now())

	var sum decimal.NullDecimal
	err := r.db.QueryRowContext(ctx, `
		SELECT SUM(credits_amount)
		FROM ledger_transactions
		WHERE user_id = $1 AND status = 'completed'
	`, userID).Scan(&sum)
	if err != nil {
		return decimal.Zero, fmt.Errorf("sum ledger credits: %w", err)
	}
	if !sum.Valid {
		return decimal.Zero, nil
	}
	return sum.Decimal, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(row rowScanner) (*domain.LedgerTransaction, error) {
	var (
		t         domain.LedgerTransaction
		txType    string
		status    string
		orderID   sql.NullString
		reference sql.NullInt64
		metadata  []byte
	)

	err := row.Scan(
		&t.ID,
		&t.UserID,
		&txType,
		&t.Amount,
		&t.CreditsAmount,
		&status,
		&orderID,
		&reference,
		&metadata,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.Type = domain.TransactionType(txType)
	t.Status = domain.TransactionStatus(status)
	t.ExternalOrderID = orderID.String
	if reference.Valid {
		id := reference.Int64
		t.ReferenceTransactionID = &id
	}
	if t.Metadata, err = decodeMetadata(metadata); err != nil {
		return nil, err
	}
	return &t, nil
}
