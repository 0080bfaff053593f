package domain

import "context"

// LedgerStore groups the repositories whose writes must commit together.
// Repositories obtained inside WithinTx share the transaction; when fn returns
// an error every write it made is rolled back.
type LedgerStore interface {
	Balances() BalanceRepository
	Transactions() TransactionRepository
	Orders() OrderRepository
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx LedgerStore) error) error
}
