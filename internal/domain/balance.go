package domain

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// MoneyScale is the number of decimal places every amount and credit column
// stores (NUMERIC(18,2)).
const MoneyScale = 2

var maxMoney = decimal.New(1, 18-MoneyScale)

// ValidateMoney rejects values the store would round or overflow.
func ValidateMoney(d decimal.Decimal) error {
	if !d.Truncate(MoneyScale).Equal(d) {
		return fmt.Errorf("%w: %s has more than %d decimal places", ErrInvalidAmount, d, MoneyScale)
	}
	if d.Abs().GreaterThanOrEqual(maxMoney) {
		return fmt.Errorf("%w: %s is out of range", ErrInvalidAmount, d)
	}
	return nil
}

// CreditBalance is a user's spendable credits. CreditsRemaining always equals
// the sum of CreditsAmount over the user's completed ledger transactions.
type CreditBalance struct {
	UserID                string          `json:"user_id"`
	CreditsRemaining      decimal.Decimal `json:"credits_remaining"`
	TotalCreditsPurchased decimal.Decimal `json:"total_credits_purchased"`
	TotalCreditsRefunded  decimal.Decimal `json:"total_credits_refunded"`
	UpdatedAt             time.Time       `json:"updated_at"`
}

type BalanceRepository interface {
	FindByUserID(ctx context.Context, userID string) (*CreditBalance, error)
	// Adjust applies delta in a single atomic statement. A negative delta that
	// would take the balance below zero fails with ErrInsufficientCredits and
	// changes nothing.
	Adjust(ctx context.Context, userID string, delta decimal.Decimal, at time.Time) (*CreditBalance, error)
}

type BalanceService interface {
	GetUserBalance(ctx context.Context, userID string) (*CreditBalance, error)
	// Invalidate drops any cached copy of the users' balances.
	Invalidate(ctx context.Context, userIDs ...string)
}
