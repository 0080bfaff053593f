package service

import (
	"context"
	"fmt"

	"creditflow/internal/domain"
	"creditflow/pkg/logger"
)

// BalanceService serves read-only balance lookups for trusted server-side
// callers. Balances only change through the reconciler.
type BalanceService struct {
	store  domain.LedgerStore
	logger logger.Logger
}

func NewBalanceService(store domain.LedgerStore, logger logger.Logger) domain.BalanceService {
	return &BalanceService{
		store:  store,
		logger: logger,
	}
}

func (s *BalanceService) GetUserBalance(ctx context.Context, userID string) (*domain.CreditBalance, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: empty user id", domain.ErrBalanceNotFound)
	}

	balance, err := s.store.Balances().FindByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if balance == nil {
		return nil, domain.ErrBalanceNotFound
	}
	return balance, nil
}

func (s *BalanceService) Invalidate(context.Context, ...string) {}
