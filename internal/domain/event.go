package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

type EventKind string

const (
	EventKindPaymentCompleted EventKind = "payment_completed"
	EventKindPaymentRefunded  EventKind = "payment_refunded"
	EventKindPaymentDenied    EventKind = "payment_denied"
	EventKindUnrecognized     EventKind = "unrecognized"
)

// Provider event types this service acts on.
const (
	PayPalCaptureCompleted = "PAYMENT.CAPTURE.COMPLETED"
	PayPalCaptureRefunded  = "PAYMENT.CAPTURE.REFUNDED"
	PayPalCaptureDenied    = "PAYMENT.CAPTURE.DENIED"
	PayPalCaptureDeclined  = "PAYMENT.CAPTURE.DECLINED"
)

// PaymentEvent is a classified provider notification.
type PaymentEvent struct {
	Kind       EventKind
	EventID    string
	EventType  string
	CreateTime string
	ResourceID string
	OrderID    string
	Amount     decimal.NullDecimal
	Currency   string
}

type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeRefunded  Outcome = "refunded"
	OutcomeFailed    Outcome = "failed"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeError     Outcome = "error"
)

// NotificationMeta carries transport details into the audit trail.
type NotificationMeta struct {
	RequestID      string
	TransmissionID string
	ReceivedAt     time.Time
}

type ReconcileResult struct {
	Event   *PaymentEvent
	Outcome Outcome
	Err     error
	// UserID is set when a balance changed.
	UserID string
}

type EventClassifier interface {
	Classify(body []byte) (*PaymentEvent, error)
}

type ReconcilerService interface {
	// Process classifies and applies one verified notification and writes
	// exactly one audit entry for it. It never fails: errors are reported in
	// the result and in the audit trail.
	Process(ctx context.Context, body []byte, meta NotificationMeta) *ReconcileResult
}

type OrderExpiryService interface {
	ExpireOrders(ctx context.Context, batchSize int) (int, error)
}
