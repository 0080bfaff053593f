package service

import (
	"context"
	"errors"
	"time"

	"creditflow/internal/domain"
	"creditflow/pkg/cache"
	"creditflow/pkg/logger"
	"creditflow/pkg/metrics"
)

func balanceCacheKey(userID string) string {
	return "balance:" + userID
}

// CachedBalanceService wraps a BalanceService with a read-through cache.
// Cache failures degrade to direct reads.
type CachedBalanceService struct {
	balanceService domain.BalanceService
	cache          cache.Cache
	ttl            time.Duration
	logger         logger.Logger
}

func NewCachedBalanceService(
	balanceService domain.BalanceService,
	cacheInstance cache.Cache,
	ttl time.Duration,
	logger logger.Logger,
) domain.BalanceService {
	return &CachedBalanceService{
		balanceService: balanceService,
		cache:          cacheInstance,
		ttl:            ttl,
		logger:         logger,
	}
}

func (s *CachedBalanceService) GetUserBalance(ctx context.Context, userID string) (*domain.CreditBalance, error) {
	key := balanceCacheKey(userID)

	var cached domain.CreditBalance
	err := s.cache.Get(ctx, key, &cached)
	if err == nil {
		metrics.RecordCacheHit()
		return &cached, nil
	}
	metrics.RecordCacheMiss()
	if !errors.Is(err, cache.ErrCacheMiss) {
		s.logger.WarnContext(ctx, "balance cache unavailable, reading from store", map[string]interface{}{
			"user_id": userID,
			"error":   err.Error(),
		})
	}

	// The counter is read before the store so that an Invalidate racing with
	// this read makes the write below a no-op.
	gen, genErr := s.cache.Generation(ctx, key)

	balance, err := s.balanceService.GetUserBalance(ctx, userID)
	if err != nil {
		return nil, err
	}
	if genErr != nil {
		return balance, nil
	}

	stored, err := s.cache.SetIfGeneration(ctx, key, gen, balance, s.ttl)
	if err != nil {
		s.logger.WarnContext(ctx, "could not cache balance", map[string]interface{}{
			"user_id": userID,
			"error":   err.Error(),
		})
	} else if !stored {
		s.logger.DebugContext(ctx, "balance changed during read; not caching", map[string]interface{}{
			"user_id": userID,
		})
	}
	return balance, nil
}

func (s *CachedBalanceService) Invalidate(ctx context.Context, userIDs ...string) {
	if len(userIDs) == 0 {
		return
	}
	keys := make([]string, len(userIDs))
	for i, id := range userIDs {
		keys[i] = balanceCacheKey(id)
	}
	if err := s.cache.Invalidate(ctx, keys...); err != nil {
		s.logger.ErrorContext(ctx, "could not invalidate cached balances", map[string]interface{}{
			"user_ids": userIDs,
			"error":    err.Error(),
		})
	}
	s.balanceService.Invalidate(ctx, userIDs...)
}
