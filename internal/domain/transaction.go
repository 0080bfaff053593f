package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

type TransactionType string
type TransactionStatus string

const (
	TransactionTypePurchase  TransactionType = "purchase"
	TransactionTypeRefund    TransactionType = "refund"
	TransactionTypeDeduction TransactionType = "deduction"
	TransactionTypeBonus     TransactionType = "bonus"

	TransactionStatusPending   TransactionStatus = "pending"
	TransactionStatusCompleted TransactionStatus = "completed"
	TransactionStatusFailed    TransactionStatus = "failed"
	TransactionStatusRefunded  TransactionStatus = "refunded"
)

// LedgerTransaction records one financial fact. Amounts are signed: purchases
// and bonuses are positive, refunds and deductions negative.
type LedgerTransaction struct {
	ID                     int64                  `json:"id"`
	UserID                 string                 `json:"user_id"`
	Type                   TransactionType        `json:"type"`
	Amount                 decimal.Decimal        `json:"amount"`
	CreditsAmount          decimal.Decimal        `json:"credits_amount"`
	Status                 TransactionStatus      `json:"status"`
	ExternalOrderID        string                 `json:"external_order_id,omitempty"`
	ReferenceTransactionID *int64                 `json:"reference_transaction_id,omitempty"`
	Metadata               map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt              time.Time              `json:"created_at"`
	UpdatedAt              time.Time              `json:"updated_at"`
}

type TransactionRepository interface {
	// InsertIfAbsent inserts t unless a completed transaction with the same
	// (external order id, type) already exists. It reports whether the row
	// was written and sets t.ID when it was.
	InsertIfAbsent(ctx context.Context, t *LedgerTransaction) (bool, error)
	FindCompleted(ctx context.Context, externalOrderID string, txType TransactionType) (*LedgerTransaction, error)
	FindByUserID(ctx context.Context, userID string) ([]*LedgerTransaction, error)
	SumCompletedCredits(ctx context.Context, userID string) (decimal.Decimal, error)
}
