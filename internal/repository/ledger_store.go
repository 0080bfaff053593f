package repository

import (
	"context"
	"database/sql"
	"fmt"

	"creditflow/internal/domain"
	"creditflow/pkg/logger"
)

// LedgerStore is the database/sql implementation of domain.LedgerStore.
type LedgerStore struct {
	db     *sql.DB
	tx     *sql.Tx
	logger logger.Logger

	balances     domain.BalanceRepository
	transactions domain.TransactionRepository
	orders       domain.OrderRepository
}

func NewLedgerStore(db *sql.DB, logger logger.Logger) *LedgerStore {
	return newLedgerStore(db, nil, logger)
}

func newLedgerStore(db *sql.DB, tx *sql.Tx, logger logger.Logger) *LedgerStore {
	var q DBTX = db
	if tx != nil {
		q = tx
	}
	return &LedgerStore{
		db:           db,
		tx:           tx,
		logger:       logger,
		balances:     NewBalanceRepository(q, logger),
		transactions: NewTransactionRepository(q, logger),
		orders:       NewOrderRepository(q, logger),
	}
}

func (s *LedgerStore) Balances() domain.BalanceRepository         { return s.balances }
func (s *LedgerStore) Transactions() domain.TransactionRepository { return s.transactions }
func (s *LedgerStore) Orders() domain.OrderRepository             { return s.orders }

// WithinTx runs fn in one database transaction. Nested calls join the
// enclosing transaction.
func (s *LedgerStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx domain.LedgerStore) error) (err error) {
	if s.tx != nil {
		return fn(ctx, s)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin ledger transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
				s.logger.ErrorContext(ctx, "ledger transaction rollback failed", map[string]interface{}{
					"error": rbErr.Error(),
				})
			}
		}
	}()

	if err = fn(ctx, newLedgerStore(s.db, tx, s.logger)); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit ledger transaction: %w", err)
	}
	return nil
}
