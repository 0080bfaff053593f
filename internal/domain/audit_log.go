package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

type AuditStatus string

const (
	AuditStatusSuccess   AuditStatus = "success"
	AuditStatusDuplicate AuditStatus = "duplicate"
	AuditStatusIgnored   AuditStatus = "ignored"
	AuditStatusError     AuditStatus = "error"
)

// Event types written by this service in addition to provider event types.
const (
	AuditEventWebhookError     = "webhook_error"
	AuditEventSignatureInvalid = "webhook_signature_invalid"
	AuditEventMalformed        = "webhook_malformed"
	AuditEventOrderExpired     = "order_expired"
)

type AuditLogEntry struct {
	ID        int64                  `json:"id"`
	EventType string                 `json:"event_type"`
	OrderID   string                 `json:"order_id,omitempty"`
	Amount    decimal.NullDecimal    `json:"amount"`
	Status    AuditStatus            `json:"status"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

type AuditLogRepository interface {
	Create(ctx context.Context, entry *AuditLogEntry) error
	FindByOrderID(ctx context.Context, orderID string) ([]*AuditLogEntry, error)
	FindAll(ctx context.Context, limit, offset int) ([]*AuditLogEntry, error)
}

type AuditLogService interface {
	// Record persists entry. Failures are logged, never returned: auditing
	// must not change the outcome of the operation being audited.
	Record(ctx context.Context, entry *AuditLogEntry)
	GetOrderLogs(ctx context.Context, orderID string) ([]*AuditLogEntry, error)
	GetAllLogs(ctx context.Context, page, pageSize int) ([]*AuditLogEntry, error)
}

// MaxAuditBodyBytes caps the raw notification body kept in audit metadata.
const MaxAuditBodyBytes = 64 << 10

// TruncateAuditBody returns body as a string of at most MaxAuditBodyBytes.
func TruncateAuditBody(body []byte) string {
	if len(body) > MaxAuditBodyBytes {
		body = body[:MaxAuditBodyBytes]
	}
	return string(body)
}
