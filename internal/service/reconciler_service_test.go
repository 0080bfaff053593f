package service_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"creditflow/internal/domain"
	"creditflow/internal/repository/memory"
	"creditflow/internal/service"
	"creditflow/internal/webhook"
	"creditflow/pkg/logger"
)

type spyBalances struct {
	domain.BalanceService
	mu          sync.Mutex
	invalidated []string
}

func (s *spyBalances) Invalidate(_ context.Context, userIDs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalidated = append(s.invalidated, userIDs...)
}

func (s *spyBalances) Invalidated() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.invalidated...)
}

type fixture struct {
	store      *memory.Store
	audit      *memory.AuditLogRepository
	balances   *spyBalances
	reconciler domain.ReconcilerService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithClassifier(t, webhook.NewPayPalClassifier())
}

func newFixtureWithClassifier(t *testing.T, classifier domain.EventClassifier) *fixture {
	t.Helper()
	store := memory.NewStore()
	auditRepo := memory.NewAuditLogRepository()
	log := logger.NewNop()
	balances := &spyBalances{BalanceService: service.NewBalanceService(store, log)}

	return &fixture{
		store:    store,
		audit:    auditRepo,
		balances: balances,
		reconciler: service.NewReconcilerService(
			store,
			classifier,
			service.NewAuditLogService(auditRepo, log),
			balances,
			log,
		),
	}
}

func (f *fixture) seedOrder(t *testing.T, orderID, userID string, credits int64, status domain.OrderStatus) {
	t.Helper()
	require.NoError(t, f.store.Orders().Create(context.Background(), &domain.PendingOrder{
		ExternalOrderID: orderID,
		UserID:          userID,
		Amount:          decimal.NewFromInt(credits).Div(decimal.NewFromInt(10)),
		CreditsAmount:   decimal.NewFromInt(credits),
		Status:          status,
		ExpiresAt:       time.Now().Add(time.Hour),
	}))
}

func (f *fixture) process(eventID, eventType, orderID string) *domain.ReconcileResult {
	return f.reconciler.Process(context.Background(), notification(eventID, eventType, orderID), domain.NotificationMeta{
		RequestID:      "req-" + eventID,
		TransmissionID: "tx-" + eventID,
		ReceivedAt:     time.Now(),
	})
}

func (f *fixture) credits(t *testing.T, userID string) decimal.Decimal {
	t.Helper()
	b, err := f.store.Balances().FindByUserID(context.Background(), userID)
	require.NoError(t, err)
	if b == nil {
		return decimal.Zero
	}
	return b.CreditsRemaining
}

func (f *fixture) order(t *testing.T, orderID string) *domain.PendingOrder {
	t.Helper()
	o, err := f.store.Orders().FindByExternalID(context.Background(), orderID)
	require.NoError(t, err)
	require.NotNil(t, o)
	return o
}

func notification(eventID, eventType, orderID string) []byte {
	return []byte(fmt.Sprintf(`{
		"id": %q,
		"event_type": %q,
		"create_time": "2025-03-01T10:00:00Z",
		"resource": {
			"id": "CAP-%s",
			"amount": {"value": "10.00", "currency_code": "USD"},
			"supplementary_data": {"related_ids": {"order_id": %q}}
		}
	}`, eventID, eventType, orderID, orderID))
}

func assertCredits(t *testing.T, want int64, got decimal.Decimal) {
	t.Helper()
	assert.True(t, got.Equal(decimal.NewFromInt(want)), "credits: want %d, got %s", want, got)
}

func TestReconciler_DuplicateCompletionGrantsOnce(t *testing.T) {
	f := newFixture(t)
	f.seedOrder(t, "ORD-1", "user-1", 100, domain.OrderStatusPending)

	first := f.process("WH-1", domain.PayPalCaptureCompleted, "ORD-1")
	require.NoError(t, first.Err)
	assert.Equal(t, domain.OutcomeCompleted, first.Outcome)
	assert.Equal(t, "user-1", first.UserID)

	second := f.process("WH-1", domain.PayPalCaptureCompleted, "ORD-1")
	require.NoError(t, second.Err)
	assert.Equal(t, domain.OutcomeDuplicate, second.Outcome)
	assert.Empty(t, second.UserID)

	assertCredits(t, 100, f.credits(t, "user-1"))

	order := f.order(t, "ORD-1")
	assert.Equal(t, domain.OrderStatusCompleted, order.Status)
	assert.NotNil(t, order.CompletedAt)

	txs, err := f.store.Transactions().FindByUserID(context.Background(), "user-1")
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, domain.TransactionTypePurchase, txs[0].Type)
	assert.Equal(t, "10", txs[0].Metadata["provider_amount"])

	entries := f.audit.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, domain.AuditStatusSuccess, entries[0].Status)
	assert.Equal(t, domain.AuditStatusDuplicate, entries[1].Status)
	for _, e := range entries {
		assert.Equal(t, domain.PayPalCaptureCompleted, e.EventType)
		assert.Equal(t, "ORD-1", e.OrderID)
		assert.Equal(t, "WH-1", e.Metadata["event_id"])
		assert.Equal(t, "tx-WH-1", e.Metadata["transmission_id"])
	}

	assert.Equal(t, []string{"user-1"}, f.balances.Invalidated())
}

func TestReconciler_RefundInvertsPurchase(t *testing.T) {
	f := newFixture(t)
	f.seedOrder(t, "ORD-2", "user-2", 50, domain.OrderStatusCreated)

	require.Equal(t, domain.OutcomeCompleted, f.process("WH-1", domain.PayPalCaptureCompleted, "ORD-2").Outcome)
	assertCredits(t, 50, f.credits(t, "user-2"))

	res := f.process("WH-2", domain.PayPalCaptureRefunded, "ORD-2")
	require.NoError(t, res.Err)
	assert.Equal(t, domain.OutcomeRefunded, res.Outcome)
	assertCredits(t, 0, f.credits(t, "user-2"))

	txs, err := f.store.Transactions().FindByUserID(context.Background(), "user-2")
	require.NoError(t, err)
	require.Len(t, txs, 2)
	purchase, refund := txs[0], txs[1]
	assert.Equal(t, domain.TransactionTypeRefund, refund.Type)
	assert.True(t, refund.CreditsAmount.Equal(purchase.CreditsAmount.Neg()))
	assert.True(t, refund.Amount.Equal(purchase.Amount.Neg()))
	require.NotNil(t, refund.ReferenceTransactionID)
	assert.Equal(t, purchase.ID, *refund.ReferenceTransactionID)
	assert.Equal(t, "10", refund.Metadata["refund_amount"])

	sum, err := f.store.Transactions().SumCompletedCredits(context.Background(), "user-2")
	require.NoError(t, err)
	assert.True(t, sum.IsZero())

	balance, err := f.store.Balances().FindByUserID(context.Background(), "user-2")
	require.NoError(t, err)
	assert.True(t, balance.TotalCreditsPurchased.Equal(decimal.NewFromInt(50)))
	assert.True(t, balance.TotalCreditsRefunded.Equal(decimal.NewFromInt(50)))
}

func TestReconciler_RefundRedeliveryIsDuplicate(t *testing.T) {
	f := newFixture(t)
	f.seedOrder(t, "ORD-3", "user-3", 40, domain.OrderStatusPending)
	f.process("WH-1", domain.PayPalCaptureCompleted, "ORD-3")

	require.Equal(t, domain.OutcomeRefunded, f.process("WH-2", domain.PayPalCaptureRefunded, "ORD-3").Outcome)
	res := f.process("WH-2", domain.PayPalCaptureRefunded, "ORD-3")
	require.NoError(t, res.Err)
	assert.Equal(t, domain.OutcomeDuplicate, res.Outcome)

	assertCredits(t, 0, f.credits(t, "user-3"))
}

func TestReconciler_RefundWithoutPurchase(t *testing.T) {
	f := newFixture(t)
	f.seedOrder(t, "ORD-4", "user-4", 10, domain.OrderStatusPending)

	res := f.process("WH-1", domain.PayPalCaptureRefunded, "ORD-4")
	assert.ErrorIs(t, res.Err, domain.ErrPurchaseNotFound)
	assert.Equal(t, domain.OutcomeError, res.Outcome)

	entries := f.audit.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, domain.PayPalCaptureRefunded, entries[0].EventType)
	assert.Equal(t, domain.AuditStatusError, entries[0].Status)
	assertCredits(t, 0, f.credits(t, "user-4"))
}

func TestReconciler_RefundExceedingBalanceIsRejected(t *testing.T) {
	f := newFixture(t)
	f.seedOrder(t, "ORD-5", "user-5", 100, domain.OrderStatusPending)
	f.process("WH-1", domain.PayPalCaptureCompleted, "ORD-5")

	// Spent outside the webhook path.
	_, err := f.store.Balances().Adjust(context.Background(), "user-5", decimal.NewFromInt(-80), time.Now())
	require.NoError(t, err)

	res := f.process("WH-2", domain.PayPalCaptureRefunded, "ORD-5")
	assert.ErrorIs(t, res.Err, domain.ErrInsufficientCredits)
	assert.Equal(t, domain.OutcomeError, res.Outcome)
	assertCredits(t, 20, f.credits(t, "user-5"))

	refund, err := f.store.Transactions().FindCompleted(context.Background(), "ORD-5", domain.TransactionTypeRefund)
	require.NoError(t, err)
	assert.Nil(t, refund, "failed decrement must not leave a refund row")

	entries := f.audit.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, domain.AuditEventWebhookError, entries[1].EventType)
	assert.Equal(t, domain.AuditStatusError, entries[1].Status)
}

func TestReconciler_DeniedWithoutOrder(t *testing.T) {
	f := newFixture(t)

	res := f.process("WH-1", domain.PayPalCaptureDenied, "ORD-MISSING")
	assert.ErrorIs(t, res.Err, domain.ErrOrderNotFound)
	assert.Equal(t, domain.OutcomeError, res.Outcome)

	entries := f.audit.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, domain.PayPalCaptureDenied, entries[0].EventType)
	assert.Equal(t, "ORD-MISSING", entries[0].OrderID)
	assert.Equal(t, domain.AuditStatusError, entries[0].Status)
	assert.Contains(t, entries[0].Metadata["error"], "pending order not found")
}

func TestReconciler_DeniedMarksOrderFailed(t *testing.T) {
	f := newFixture(t)
	f.seedOrder(t, "ORD-6", "user-6", 10, domain.OrderStatusPending)

	res := f.process("WH-1", domain.PayPalCaptureDeclined, "ORD-6")
	require.NoError(t, res.Err)
	assert.Equal(t, domain.OutcomeFailed, res.Outcome)

	order := f.order(t, "ORD-6")
	assert.Equal(t, domain.OrderStatusFailed, order.Status)
	require.NotNil(t, order.CompletedAt)

	again := f.process("WH-2", domain.PayPalCaptureDenied, "ORD-6")
	require.NoError(t, again.Err)
	assert.Equal(t, domain.OutcomeDuplicate, again.Outcome)

	late := f.process("WH-3", domain.PayPalCaptureCompleted, "ORD-6")
	assert.ErrorIs(t, late.Err, domain.ErrOrderNotPayable)
	assertCredits(t, 0, f.credits(t, "user-6"))
}

func TestReconciler_DenialAfterCompletionIsRejected(t *testing.T) {
	f := newFixture(t)
	f.seedOrder(t, "ORD-7", "user-7", 10, domain.OrderStatusPending)
	f.process("WH-1", domain.PayPalCaptureCompleted, "ORD-7")

	res := f.process("WH-2", domain.PayPalCaptureDenied, "ORD-7")
	assert.ErrorIs(t, res.Err, domain.ErrInvalidTransition)
	assert.Equal(t, domain.OrderStatusCompleted, f.order(t, "ORD-7").Status)
	assertCredits(t, 10, f.credits(t, "user-7"))
}

func TestReconciler_CancelledOrderIsNotPayable(t *testing.T) {
	f := newFixture(t)
	f.seedOrder(t, "ORD-8", "user-8", 10, domain.OrderStatusCancelled)

	res := f.process("WH-1", domain.PayPalCaptureCompleted, "ORD-8")
	assert.ErrorIs(t, res.Err, domain.ErrOrderNotPayable)
	assertCredits(t, 0, f.credits(t, "user-8"))

	entries := f.audit.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, domain.PayPalCaptureCompleted, entries[0].EventType)
}

func TestReconciler_ExpiredOpenOrderCanStillComplete(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Orders().Create(context.Background(), &domain.PendingOrder{
		ExternalOrderID: "ORD-9",
		UserID:          "user-9",
		Amount:          decimal.NewFromInt(5),
		CreditsAmount:   decimal.NewFromInt(25),
		Status:          domain.OrderStatusPending,
		ExpiresAt:       time.Now().Add(-time.Minute),
	}))

	res := f.process("WH-1", domain.PayPalCaptureCompleted, "ORD-9")
	require.NoError(t, res.Err)
	assert.Equal(t, domain.OutcomeCompleted, res.Outcome)
	assertCredits(t, 25, f.credits(t, "user-9"))
}

func TestReconciler_UnknownEventIsAuditedOnly(t *testing.T) {
	f := newFixture(t)
	f.seedOrder(t, "ORD-10", "user-10", 10, domain.OrderStatusPending)

	res := f.process("WH-1", "CHECKOUT.ORDER.APPROVED", "ORD-10")
	require.NoError(t, res.Err)
	assert.Equal(t, domain.OutcomeIgnored, res.Outcome)

	entries := f.audit.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "CHECKOUT.ORDER.APPROVED", entries[0].EventType)
	assert.Equal(t, domain.AuditStatusIgnored, entries[0].Status)

	assert.Equal(t, domain.OrderStatusPending, f.order(t, "ORD-10").Status)
	assertCredits(t, 0, f.credits(t, "user-10"))
	assert.Empty(t, f.balances.Invalidated())
}

func TestReconciler_MalformedBody(t *testing.T) {
	f := newFixture(t)

	res := f.reconciler.Process(context.Background(), []byte(`{"id": 12`), domain.NotificationMeta{})
	assert.ErrorIs(t, res.Err, domain.ErrMalformedEvent)
	assert.Nil(t, res.Event)

	entries := f.audit.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, domain.AuditEventMalformed, entries[0].EventType)
	assert.Equal(t, domain.AuditStatusError, entries[0].Status)
	assert.Equal(t, `{"id": 12`, entries[0].Metadata["raw_body"])
}

func TestReconciler_MissingOrderID(t *testing.T) {
	f := newFixture(t)

	res := f.process("WH-1", domain.PayPalCaptureCompleted, "")
	assert.ErrorIs(t, res.Err, domain.ErrMissingOrderID)

	entries := f.audit.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, domain.PayPalCaptureCompleted, entries[0].EventType)
	assert.Equal(t, domain.AuditStatusError, entries[0].Status)
}

func TestReconciler_AmountBeyondLedgerPrecisionIsRejected(t *testing.T) {
	f := newFixture(t)
	f.seedOrder(t, "ORD-20", "user-20", 50, domain.OrderStatusPending)

	body := []byte(`{"id":"WH-20","event_type":"PAYMENT.CAPTURE.COMPLETED",
		"resource":{"id":"CAP-20","amount":{"value":"5.001","currency_code":"USD"},
		"supplementary_data":{"related_ids":{"order_id":"ORD-20"}}}}`)
	res := f.reconciler.Process(context.Background(), body, domain.NotificationMeta{})
	assert.ErrorIs(t, res.Err, domain.ErrMalformedEvent)
	assert.ErrorIs(t, res.Err, domain.ErrInvalidAmount)
	assert.Equal(t, domain.OutcomeError, res.Outcome)

	entries := f.audit.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, domain.PayPalCaptureCompleted, entries[0].EventType)
	assert.Equal(t, domain.AuditStatusError, entries[0].Status)
	assert.False(t, entries[0].Amount.Valid)

	balance, err := f.store.Balances().FindByUserID(context.Background(), "user-20")
	require.NoError(t, err)
	assert.Nil(t, balance)
	order, err := f.store.Orders().FindByExternalID(context.Background(), "ORD-20")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPending, order.Status)
}

func TestReconciler_StoreFailureRollsBackAndRedeliverySucceeds(t *testing.T) {
	f := newFixture(t)
	f.seedOrder(t, "ORD-11", "user-11", 30, domain.OrderStatusPending)
	f.store.InjectFault(memory.OpAdjustBalance, errors.New("connection reset"))

	res := f.process("WH-1", domain.PayPalCaptureCompleted, "ORD-11")
	assert.ErrorContains(t, res.Err, "connection reset")
	assert.Equal(t, domain.OutcomeError, res.Outcome)

	purchase, err := f.store.Transactions().FindCompleted(context.Background(), "ORD-11", domain.TransactionTypePurchase)
	require.NoError(t, err)
	assert.Nil(t, purchase)
	assert.Equal(t, domain.OrderStatusPending, f.order(t, "ORD-11").Status)

	entries := f.audit.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, domain.AuditEventWebhookError, entries[0].EventType)

	retry := f.process("WH-1", domain.PayPalCaptureCompleted, "ORD-11")
	require.NoError(t, retry.Err)
	assert.Equal(t, domain.OutcomeCompleted, retry.Outcome)
	assertCredits(t, 30, f.credits(t, "user-11"))
}

func TestReconciler_CancelledContextStillAudits(t *testing.T) {
	f := newFixture(t)
	f.seedOrder(t, "ORD-12", "user-12", 10, domain.OrderStatusPending)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := f.reconciler.Process(ctx, notification("WH-1", domain.PayPalCaptureCompleted, "ORD-12"), domain.NotificationMeta{})
	assert.ErrorIs(t, res.Err, context.Canceled)
	assert.Equal(t, domain.OutcomeError, res.Outcome)

	entries := f.audit.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, domain.AuditEventWebhookError, entries[0].EventType)
	assertCredits(t, 0, f.credits(t, "user-12"))
}

type panickingClassifier struct{}

func (panickingClassifier) Classify([]byte) (*domain.PaymentEvent, error) {
	panic("boom")
}

func TestReconciler_RecoversFromPanic(t *testing.T) {
	f := newFixtureWithClassifier(t, panickingClassifier{})

	var res *domain.ReconcileResult
	require.NotPanics(t, func() {
		res = f.reconciler.Process(context.Background(), []byte(`{}`), domain.NotificationMeta{})
	})
	assert.Equal(t, domain.OutcomeError, res.Outcome)
	assert.ErrorContains(t, res.Err, "boom")

	entries := f.audit.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, domain.AuditEventWebhookError, entries[0].EventType)
}

func TestReconciler_ConcurrentDuplicateCompletions(t *testing.T) {
	f := newFixture(t)
	f.seedOrder(t, "ORD-13", "user-13", 100, domain.OrderStatusPending)

	const deliveries = 25
	outcomes := make(chan domain.Outcome, deliveries)
	var wg sync.WaitGroup
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcomes <- f.process("WH-1", domain.PayPalCaptureCompleted, "ORD-13").Outcome
		}()
	}
	wg.Wait()
	close(outcomes)

	counts := map[domain.Outcome]int{}
	for o := range outcomes {
		counts[o]++
	}
	assert.Equal(t, 1, counts[domain.OutcomeCompleted])
	assert.Equal(t, deliveries-1, counts[domain.OutcomeDuplicate])
	assertCredits(t, 100, f.credits(t, "user-13"))
	assert.Len(t, f.audit.Entries(), deliveries)
}

func TestReconciler_BalanceConservation(t *testing.T) {
	f := newFixture(t)
	rng := rand.New(rand.NewSource(42))

	users := []string{"alice", "bob", "carol"}
	var orders []string
	for i := 0; i < 30; i++ {
		orderID := fmt.Sprintf("ORD-P%02d", i)
		f.seedOrder(t, orderID, users[i%len(users)], int64(10+rng.Intn(90)), domain.OrderStatusPending)
		orders = append(orders, orderID)
	}

	eventTypes := []string{
		domain.PayPalCaptureCompleted,
		domain.PayPalCaptureCompleted,
		domain.PayPalCaptureRefunded,
		domain.PayPalCaptureDenied,
		"CUSTOMER.DISPUTE.CREATED",
	}

	const steps = 400
	var wg sync.WaitGroup
	events := make([][2]string, steps)
	for i := range events {
		events[i] = [2]string{eventTypes[rng.Intn(len(eventTypes))], orders[rng.Intn(len(orders))]}
	}
	for i, ev := range events {
		wg.Add(1)
		go func(i int, eventType, orderID string) {
			defer wg.Done()
			f.process(fmt.Sprintf("WH-%d", i), eventType, orderID)
		}(i, ev[0], ev[1])
	}
	wg.Wait()

	assert.Len(t, f.audit.Entries(), steps, "exactly one audit entry per notification")

	for _, user := range users {
		sum, err := f.store.Transactions().SumCompletedCredits(context.Background(), user)
		require.NoError(t, err)
		got := f.credits(t, user)
		assert.True(t, got.Equal(sum), "user %s: balance %s != ledger sum %s", user, got, sum)
		assert.False(t, got.IsNegative())

		txs, err := f.store.Transactions().FindByUserID(context.Background(), user)
		require.NoError(t, err)
		seen := map[string]bool{}
		for _, tx := range txs {
			key := tx.ExternalOrderID + "/" + string(tx.Type)
			assert.False(t, seen[key], "duplicate %s", key)
			seen[key] = true
		}
	}
}
