package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"creditflow/internal/domain"
	"creditflow/pkg/logger"
	"creditflow/pkg/metrics"
	"creditflow/pkg/tracing"
)

// ReconcilerService applies verified provider notifications to the credit
// ledger. Every state change for one notification happens inside a single
// store transaction; duplicates are detected by the store's unique index on
// completed (order, type) rows, so parallel deliveries need no coordination
// here.
type ReconcilerService struct {
	store      domain.LedgerStore
	classifier domain.EventClassifier
	audit      domain.AuditLogService
	balances   domain.BalanceService
	logger     logger.Logger
	now        func() time.Time
}

func NewReconcilerService(
	store domain.LedgerStore,
	classifier domain.EventClassifier,
	audit domain.AuditLogService,
	balances domain.BalanceService,
	logger logger.Logger,
) domain.ReconcilerService {
	return &ReconcilerService{
		store:      store,
		classifier: classifier,
		audit:      audit,
		balances:   balances,
		logger:     logger,
		now:        time.Now,
	}
}

func (s *ReconcilerService) Process(ctx context.Context, body []byte, meta domain.NotificationMeta) (result *domain.ReconcileResult) {
	start := time.Now()
	ctx, span := tracing.StartSpan(ctx, "reconciler.process")
	defer span.End()

	result = &domain.ReconcileResult{Outcome: domain.OutcomeError}
	defer func() {
		if r := recover(); r != nil {
			result.Outcome = domain.OutcomeError
			result.UserID = ""
			result.Err = fmt.Errorf("reconciler panic: %v", r)
		}
		s.finish(ctx, body, meta, result, time.Since(start))
		if result.Err != nil {
			span.RecordError(result.Err)
			span.SetStatus(codes.Error, result.Err.Error())
		}
		span.SetAttributes(attribute.String("webhook.outcome", string(result.Outcome)))
	}()

	ev, err := s.classifier.Classify(body)
	result.Event = ev
	if err != nil {
		result.Err = err
		return result
	}
	span.SetAttributes(
		attribute.String("webhook.event_id", ev.EventID),
		attribute.String("webhook.event_type", ev.EventType),
		attribute.String("webhook.order_id", ev.OrderID),
	)

	switch ev.Kind {
	case domain.EventKindPaymentCompleted:
		result.Outcome, result.UserID, result.Err = s.completePayment(ctx, ev)
	case domain.EventKindPaymentRefunded:
		result.Outcome, result.UserID, result.Err = s.refundPayment(ctx, ev)
	case domain.EventKindPaymentDenied:
		result.Outcome, result.Err = s.denyPayment(ctx, ev)
	default:
		result.Outcome = domain.OutcomeIgnored
	}
	return result
}

func (s *ReconcilerService) completePayment(ctx context.Context, ev *domain.PaymentEvent) (domain.Outcome, string, error) {
	var (
		outcome domain.Outcome
		userID  string
	)
	now := s.now().UTC()

	err := s.store.WithinTx(ctx, func(ctx context.Context, tx domain.LedgerStore) error {
		outcome, userID = "", ""

		order, err := tx.Orders().FindByExternalID(ctx, ev.OrderID)
		if err != nil {
			return fmt.Errorf("find order %s: %w", ev.OrderID, err)
		}
		existing, err := tx.Transactions().FindCompleted(ctx, ev.OrderID, domain.TransactionTypePurchase)
		if err != nil {
			return fmt.Errorf("find purchase %s: %w", ev.OrderID, err)
		}
		if existing != nil {
			// Credits were granted already; only catch the order up.
			if order != nil && !order.Status.IsTerminal() {
				if _, err := tx.Orders().UpdateStatus(ctx, ev.OrderID, domain.OrderStatusCompleted, domain.OpenOrderStatuses, now); err != nil {
					return fmt.Errorf("complete order %s: %w", ev.OrderID, err)
				}
			}
			outcome = domain.OutcomeDuplicate
			return nil
		}

		if order == nil {
			return fmt.Errorf("%w: %s", domain.ErrOrderNotFound, ev.OrderID)
		}
		if order.Status.IsTerminal() {
			return fmt.Errorf("%w: order %s is %s", domain.ErrOrderNotPayable, ev.OrderID, order.Status)
		}
		if !order.CreditsAmount.IsPositive() {
			return fmt.Errorf("%w: order %s grants %s credits", domain.ErrInvalidAmount, ev.OrderID, order.CreditsAmount)
		}

		purchase := &domain.LedgerTransaction{
			UserID:          order.UserID,
			Type:            domain.TransactionTypePurchase,
			Amount:          order.Amount,
			CreditsAmount:   order.CreditsAmount,
			Status:          domain.TransactionStatusCompleted,
			ExternalOrderID: ev.OrderID,
			Metadata:        providerMetadata(ev, "provider_amount"),
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		inserted, err := tx.Transactions().InsertIfAbsent(ctx, purchase)
		if err != nil {
			return fmt.Errorf("insert purchase %s: %w", ev.OrderID, err)
		}
		if !inserted {
			outcome = domain.OutcomeDuplicate
			return nil
		}

		if _, err := tx.Balances().Adjust(ctx, order.UserID, order.CreditsAmount, now); err != nil {
			return fmt.Errorf("credit user %s: %w", order.UserID, err)
		}

		updated, err := tx.Orders().UpdateStatus(ctx, ev.OrderID, domain.OrderStatusCompleted, domain.OpenOrderStatuses, now)
		if err != nil {
			return fmt.Errorf("complete order %s: %w", ev.OrderID, err)
		}
		if !updated {
			return fmt.Errorf("%w: order %s changed state concurrently", domain.ErrOrderNotPayable, ev.OrderID)
		}

		outcome = domain.OutcomeCompleted
		userID = order.UserID
		return nil
	})
	if err != nil {
		return domain.OutcomeError, "", err
	}
	return outcome, userID, nil
}

func (s *ReconcilerService) refundPayment(ctx context.Context, ev *domain.PaymentEvent) (domain.Outcome, string, error) {
	var (
		outcome domain.Outcome
		userID  string
	)
	now := s.now().UTC()

	err := s.store.WithinTx(ctx, func(ctx context.Context, tx domain.LedgerStore) error {
		outcome, userID = "", ""

		purchase, err := tx.Transactions().FindCompleted(ctx, ev.OrderID, domain.TransactionTypePurchase)
		if err != nil {
			return fmt.Errorf("find purchase %s: %w", ev.OrderID, err)
		}
		if purchase == nil {
			return fmt.Errorf("%w: %s", domain.ErrPurchaseNotFound, ev.OrderID)
		}

		refund := &domain.LedgerTransaction{
			UserID:                 purchase.UserID,
			Type:                   domain.TransactionTypeRefund,
			Amount:                 purchase.Amount.Neg(),
			CreditsAmount:          purchase.CreditsAmount.Neg(),
			Status:                 domain.TransactionStatusCompleted,
			ExternalOrderID:        ev.OrderID,
			ReferenceTransactionID: &purchase.ID,
			Metadata:               providerMetadata(ev, "refund_amount"),
			CreatedAt:              now,
			UpdatedAt:              now,
		}
		inserted, err := tx.Transactions().InsertIfAbsent(ctx, refund)
		if err != nil {
			return fmt.Errorf("insert refund %s: %w", ev.OrderID, err)
		}
		if !inserted {
			outcome = domain.OutcomeDuplicate
			return nil
		}

		// A failed decrement rolls the refund row back with it.
		if _, err := tx.Balances().Adjust(ctx, purchase.UserID, refund.CreditsAmount, now); err != nil {
			return fmt.Errorf("debit user %s: %w", purchase.UserID, err)
		}

		outcome = domain.OutcomeRefunded
		userID = purchase.UserID
		return nil
	})
	if err != nil {
		return domain.OutcomeError, "", err
	}
	return outcome, userID, nil
}

func (s *ReconcilerService) denyPayment(ctx context.Context, ev *domain.PaymentEvent) (domain.Outcome, error) {
	var outcome domain.Outcome
	now := s.now().UTC()

	err := s.store.WithinTx(ctx, func(ctx context.Context, tx domain.LedgerStore) error {
		order, err := tx.Orders().FindByExternalID(ctx, ev.OrderID)
		if err != nil {
			return fmt.Errorf("find order %s: %w", ev.OrderID, err)
		}
		if order == nil {
			return fmt.Errorf("%w: %s", domain.ErrOrderNotFound, ev.OrderID)
		}

		updated, err := tx.Orders().UpdateStatus(ctx, ev.OrderID, domain.OrderStatusFailed, domain.OpenOrderStatuses, now)
		if err != nil {
			return fmt.Errorf("fail order %s: %w", ev.OrderID, err)
		}
		if updated {
			outcome = domain.OutcomeFailed
			return nil
		}

		current, err := tx.Orders().FindByExternalID(ctx, ev.OrderID)
		if err != nil {
			return fmt.Errorf("find order %s: %w", ev.OrderID, err)
		}
		if current != nil && current.Status == domain.OrderStatusFailed {
			outcome = domain.OutcomeDuplicate
			return nil
		}
		status := order.Status
		if current != nil {
			status = current.Status
		}
		return fmt.Errorf("%w: order %s is %s", domain.ErrInvalidTransition, ev.OrderID, status)
	})
	if err != nil {
		return domain.OutcomeError, err
	}
	return outcome, nil
}

// finish runs after every notification, successful or not. It must not
// depend on ctx still being live.
func (s *ReconcilerService) finish(ctx context.Context, body []byte, meta domain.NotificationMeta, result *domain.ReconcileResult, elapsed time.Duration) {
	entry := s.auditEntry(body, meta, result)
	s.audit.Record(ctx, entry)

	if result.UserID != "" {
		s.balances.Invalidate(context.WithoutCancel(ctx), result.UserID)
	}

	kind := string(domain.EventKindUnrecognized)
	if result.Event != nil {
		kind = string(result.Event.Kind)
	}
	metrics.RecordWebhookEvent(metricEventType(result.Event), string(result.Outcome))
	metrics.ObserveWebhookProcessing(kind, elapsed)
	switch {
	case result.Outcome == domain.OutcomeCompleted:
		metrics.RecordBalanceAdjustment("credit", "applied")
	case result.Outcome == domain.OutcomeRefunded:
		metrics.RecordBalanceAdjustment("debit", "applied")
	case errors.Is(result.Err, domain.ErrInsufficientCredits):
		metrics.RecordBalanceAdjustment("debit", "rejected")
	}

	fields := map[string]interface{}{
		"event_type":  entry.EventType,
		"order_id":    entry.OrderID,
		"outcome":     result.Outcome,
		"duration_ms": elapsed.Milliseconds(),
	}
	if result.Event != nil {
		fields["event_id"] = result.Event.EventID
	}
	if result.UserID != "" {
		fields["user_id"] = result.UserID
	}
	if result.Err == nil {
		s.logger.InfoContext(ctx, "webhook processed", fields)
		return
	}
	fields["error"] = result.Err.Error()
	if isBusinessError(result.Err) {
		s.logger.WarnContext(ctx, "webhook rejected", fields)
		return
	}
	s.logger.ErrorContext(ctx, "webhook processing failed", fields)
}

func (s *ReconcilerService) auditEntry(body []byte, meta domain.NotificationMeta, result *domain.ReconcileResult) *domain.AuditLogEntry {
	ev := result.Event
	entry := &domain.AuditLogEntry{
		EventType: auditEventType(result),
		Status:    auditStatus(result.Outcome),
		CreatedAt: s.now().UTC(),
		Metadata: map[string]interface{}{
			"outcome": string(result.Outcome),
		},
	}

	if ev != nil {
		entry.OrderID = ev.OrderID
		entry.Amount = ev.Amount
		entry.Metadata["event_id"] = ev.EventID
		entry.Metadata["provider_event_type"] = ev.EventType
		entry.Metadata["create_time"] = ev.CreateTime
		entry.Metadata["resource_id"] = ev.ResourceID
		entry.Metadata["kind"] = string(ev.Kind)
		if ev.Currency != "" {
			entry.Metadata["currency"] = ev.Currency
		}
	}
	if result.Err != nil {
		entry.Metadata["error"] = result.Err.Error()
	}
	if result.UserID != "" {
		entry.Metadata["user_id"] = result.UserID
	}
	if meta.RequestID != "" {
		entry.Metadata["request_id"] = meta.RequestID
	}
	if meta.TransmissionID != "" {
		entry.Metadata["transmission_id"] = meta.TransmissionID
	}
	if !meta.ReceivedAt.IsZero() {
		entry.Metadata["received_at"] = meta.ReceivedAt.UTC().Format(time.RFC3339Nano)
	}
	entry.Metadata["raw_body"] = domain.TruncateAuditBody(body)
	if len(body) > domain.MaxAuditBodyBytes {
		entry.Metadata["raw_body_truncated"] = true
	}
	return entry
}

func auditEventType(result *domain.ReconcileResult) string {
	ev := result.Event
	known := ev != nil && ev.Kind != domain.EventKindUnrecognized

	switch {
	case result.Err == nil:
		if ev == nil {
			return domain.AuditEventMalformed
		}
		return ev.EventType
	case errors.Is(result.Err, domain.ErrMalformedEvent), errors.Is(result.Err, domain.ErrMissingOrderID):
		if known {
			return ev.EventType
		}
		return domain.AuditEventMalformed
	case isBusinessError(result.Err) && known:
		return ev.EventType
	default:
		return domain.AuditEventWebhookError
	}
}

func auditStatus(outcome domain.Outcome) domain.AuditStatus {
	switch outcome {
	case domain.OutcomeCompleted, domain.OutcomeRefunded, domain.OutcomeFailed:
		return domain.AuditStatusSuccess
	case domain.OutcomeDuplicate:
		return domain.AuditStatusDuplicate
	case domain.OutcomeIgnored:
		return domain.AuditStatusIgnored
	default:
		return domain.AuditStatusError
	}
}

// isBusinessError reports errors caused by the notification's content rather
// than by this service or its store.
func isBusinessError(err error) bool {
	for _, target := range []error{
		domain.ErrOrderNotFound,
		domain.ErrPurchaseNotFound,
		domain.ErrOrderNotPayable,
		domain.ErrInvalidTransition,
		domain.ErrInvalidAmount,
		domain.ErrMalformedEvent,
		domain.ErrMissingOrderID,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// metricEventType keeps the label set closed: arbitrary provider types
// collapse into "unrecognized".
func metricEventType(ev *domain.PaymentEvent) string {
	if ev == nil {
		return "malformed"
	}
	if ev.Kind == domain.EventKindUnrecognized {
		return string(domain.EventKindUnrecognized)
	}
	return ev.EventType
}

func providerMetadata(ev *domain.PaymentEvent, amountKey string) map[string]interface{} {
	md := map[string]interface{}{
		"event_id":    ev.EventID,
		"resource_id": ev.ResourceID,
	}
	if ev.Amount.Valid {
		md[amountKey] = ev.Amount.Decimal.String()
	}
	if ev.Currency != "" {
		md["currency"] = ev.Currency
	}
	return md
}
