package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"creditflow/internal/concurrent"
	"creditflow/internal/domain"
	"creditflow/pkg/logger"
	"creditflow/pkg/metrics"
)

const (
	defaultExpiryBatchSize = 100
	expiryWorkers          = 4
)

type OrderExpiryService struct {
	store   domain.LedgerStore
	audit   domain.AuditLogService
	logger  logger.Logger
	workers int
	now     func() time.Time
}

func NewOrderExpiryService(store domain.LedgerStore, audit domain.AuditLogService, logger logger.Logger) domain.OrderExpiryService {
	return &OrderExpiryService{
		store:   store,
		audit:   audit,
		logger:  logger,
		workers: expiryWorkers,
		now:     time.Now,
	}
}

// ExpireOrders fails at most batchSize open orders whose expires_at has
// passed and returns how many it changed. Orders completed between the scan
// and the update are left alone. A failed update does not stop the rest of
// the batch; all failures are returned joined.
func (s *OrderExpiryService) ExpireOrders(ctx context.Context, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = defaultExpiryBatchSize
	}
	now := s.now().UTC()

	orders, err := s.store.Orders().FindExpired(ctx, now, batchSize)
	if err != nil {
		return 0, fmt.Errorf("find expired orders: %w", err)
	}
	if len(orders) == 0 {
		return 0, nil
	}

	var (
		expired atomic.Int64
		mu      sync.Mutex
		errs    []error
	)
	defer func() { metrics.RecordOrdersExpired(int(expired.Load())) }()

	pool := concurrent.NewWorkerPool("order-expiry", min(s.workers, len(orders)), len(orders),
		func(ctx context.Context, order *domain.PendingOrder) error {
			updated, err := s.expireOrder(ctx, order, now)
			if err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
				return err
			}
			if updated {
				expired.Add(1)
			}
			return nil
		}, s.logger)
	pool.Start(ctx)

	for _, order := range orders {
		if err := pool.Submit(ctx, order); err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("queue order %s: %w", order.ExternalOrderID, err))
			mu.Unlock()
			break
		}
	}
	pool.Stop()

	n := int(expired.Load())
	if n > 0 {
		s.logger.InfoContext(ctx, "expired pending orders", map[string]interface{}{
			"count":      n,
			"batch_size": batchSize,
		})
	}
	return n, errors.Join(errs...)
}

func (s *OrderExpiryService) expireOrder(ctx context.Context, order *domain.PendingOrder, now time.Time) (bool, error) {
	updated, err := s.store.Orders().UpdateStatus(ctx, order.ExternalOrderID, domain.OrderStatusFailed, domain.OpenOrderStatuses, now)
	if err != nil {
		s.logger.ErrorContext(ctx, "could not expire order", map[string]interface{}{
			"order_id": order.ExternalOrderID,
			"error":    err.Error(),
		})
		return false, fmt.Errorf("expire order %s: %w", order.ExternalOrderID, err)
	}
	if !updated {
		return false, nil
	}

	s.audit.Record(ctx, &domain.AuditLogEntry{
		EventType: domain.AuditEventOrderExpired,
		OrderID:   order.ExternalOrderID,
		Amount:    decimal.NewNullDecimal(order.Amount),
		Status:    domain.AuditStatusSuccess,
		CreatedAt: now,
		Metadata: map[string]interface{}{
			"user_id":         order.UserID,
			"previous_status": string(order.Status),
			"expires_at":      order.ExpiresAt.UTC().Format(time.RFC3339),
			"credits_amount":  order.CreditsAmount.String(),
		},
	})
	return true, nil
}
