package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderStatusCreated   OrderStatus = "created"
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusCompleted OrderStatus = "completed"
	OrderStatusFailed    OrderStatus = "failed"
	OrderStatusCancelled OrderStatus = "cancelled"
)

// OpenOrderStatuses are the states an order may leave.
var OpenOrderStatuses = []OrderStatus{OrderStatusCreated, OrderStatusPending}

func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusCompleted, OrderStatusFailed, OrderStatusCancelled:
		return true
	}
	return false
}

// PendingOrder is a checkout created outside this service. Rows are never
// deleted.
type PendingOrder struct {
	ID              int64           `json:"id"`
	ExternalOrderID string          `json:"external_order_id"`
	UserID          string          `json:"user_id"`
	Amount          decimal.Decimal `json:"amount"`
	CreditsAmount   decimal.Decimal `json:"credits_amount"`
	Currency        string          `json:"currency"`
	Status          OrderStatus     `json:"status"`
	CreatedAt       time.Time       `json:"created_at"`
	ExpiresAt       time.Time       `json:"expires_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

func (o *PendingOrder) IsExpired(now time.Time) bool {
	return !o.ExpiresAt.IsZero() && o.ExpiresAt.Before(now)
}

type OrderRepository interface {
	Create(ctx context.Context, o *PendingOrder) error
	FindByExternalID(ctx context.Context, externalOrderID string) (*PendingOrder, error)
	// UpdateStatus moves the order to status only if its current status is one
	// of from. Terminal targets also stamp completed_at. It reports whether a
	// row changed.
	UpdateStatus(ctx context.Context, externalOrderID string, status OrderStatus, from []OrderStatus, at time.Time) (bool, error)
	FindExpired(ctx context.Context, now time.Time, limit int) ([]*PendingOrder, error)
}
