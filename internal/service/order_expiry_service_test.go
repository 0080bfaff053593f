package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"creditflow/internal/domain"
	"creditflow/internal/repository/memory"
	"creditflow/internal/service"
	"creditflow/pkg/logger"
)

func TestOrderExpiryService_ExpiresOnlyOpenPastDueOrders(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	auditRepo := memory.NewAuditLogRepository()
	svc := service.NewOrderExpiryService(store, service.NewAuditLogService(auditRepo, logger.NewNop()), logger.NewNop())

	now := time.Now()
	seed := []struct {
		id        string
		status    domain.OrderStatus
		expiresAt time.Time
	}{
		{"ORD-OLD-CREATED", domain.OrderStatusCreated, now.Add(-2 * time.Hour)},
		{"ORD-OLD-PENDING", domain.OrderStatusPending, now.Add(-time.Hour)},
		{"ORD-FRESH", domain.OrderStatusPending, now.Add(time.Hour)},
		{"ORD-OLD-DONE", domain.OrderStatusCompleted, now.Add(-time.Hour)},
	}
	for _, o := range seed {
		require.NoError(t, store.Orders().Create(ctx, &domain.PendingOrder{
			ExternalOrderID: o.id,
			UserID:          "user-1",
			Amount:          decimal.NewFromInt(5),
			CreditsAmount:   decimal.NewFromInt(50),
			Status:          o.status,
			ExpiresAt:       o.expiresAt,
		}))
	}

	n, err := svc.ExpireOrders(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	want := map[string]domain.OrderStatus{
		"ORD-OLD-CREATED": domain.OrderStatusFailed,
		"ORD-OLD-PENDING": domain.OrderStatusFailed,
		"ORD-FRESH":       domain.OrderStatusPending,
		"ORD-OLD-DONE":    domain.OrderStatusCompleted,
	}
	for id, status := range want {
		o, err := store.Orders().FindByExternalID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, status, o.Status, id)
	}

	entries := auditRepo.Entries()
	require.Len(t, entries, 2)
	var audited []string
	for _, e := range entries {
		audited = append(audited, e.OrderID)
		assert.Equal(t, domain.AuditEventOrderExpired, e.EventType)
		assert.Equal(t, domain.AuditStatusSuccess, e.Status)
		assert.True(t, e.Amount.Valid)
	}
	assert.ElementsMatch(t, []string{"ORD-OLD-CREATED", "ORD-OLD-PENDING"}, audited)

	n, err = svc.ExpireOrders(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, n, "second sweep finds nothing")
}

func TestOrderExpiryService_RespectsBatchSize(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	svc := service.NewOrderExpiryService(store, service.NewAuditLogService(memory.NewAuditLogRepository(), logger.NewNop()), logger.NewNop())

	for _, id := range []string{"A", "B", "C"} {
		require.NoError(t, store.Orders().Create(ctx, &domain.PendingOrder{
			ExternalOrderID: id,
			UserID:          "u",
			Amount:          decimal.NewFromInt(1),
			CreditsAmount:   decimal.NewFromInt(10),
			ExpiresAt:       time.Now().Add(-time.Minute),
		}))
	}

	n, err := svc.ExpireOrders(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = svc.ExpireOrders(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestOrderExpiryService_StoreFailure(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	svc := service.NewOrderExpiryService(store, service.NewAuditLogService(memory.NewAuditLogRepository(), logger.NewNop()), logger.NewNop())

	require.NoError(t, store.Orders().Create(ctx, &domain.PendingOrder{
		ExternalOrderID: "X",
		UserID:          "u",
		Amount:          decimal.NewFromInt(1),
		CreditsAmount:   decimal.NewFromInt(10),
		ExpiresAt:       time.Now().Add(-time.Minute),
	}))
	store.InjectFault(memory.OpUpdateOrder, assert.AnError)

	n, err := svc.ExpireOrders(ctx, 10)
	assert.ErrorIs(t, err, assert.AnError)
	assert.Zero(t, n)
}

func TestOrderExpiryService_FailureDoesNotStopBatch(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	svc := service.NewOrderExpiryService(store, service.NewAuditLogService(memory.NewAuditLogRepository(), logger.NewNop()), logger.NewNop())

	for _, id := range []string{"A", "B", "C", "D", "E", "F"} {
		require.NoError(t, store.Orders().Create(ctx, &domain.PendingOrder{
			ExternalOrderID: id,
			UserID:          "u",
			Amount:          decimal.NewFromInt(1),
			CreditsAmount:   decimal.NewFromInt(10),
			ExpiresAt:       time.Now().Add(-time.Minute),
		}))
	}
	store.InjectFault(memory.OpUpdateOrder, assert.AnError)

	n, err := svc.ExpireOrders(ctx, 10)
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, 5, n)

	n, err = svc.ExpireOrders(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "the failed order is picked up by the next sweep")
}
