// Package memory holds in-process implementations of the ledger and audit
// stores. They honour the same atomicity contracts as the SQL store and back
// the reconciler and property tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"creditflow/internal/domain"
)

// Operation names accepted by InjectFault.
const (
	OpAdjustBalance     = "adjust_balance"
	OpInsertTransaction = "insert_transaction"
	OpFindCompleted     = "find_completed"
	OpFindOrder         = "find_order"
	OpUpdateOrder       = "update_order"
)

type state struct {
	balances     map[string]domain.CreditBalance
	orders       map[string]domain.PendingOrder
	transactions []domain.LedgerTransaction
	nextTxID     int64
	nextOrderID  int64
}

func newState() *state {
	return &state{
		balances: make(map[string]domain.CreditBalance),
		orders:   make(map[string]domain.PendingOrder),
	}
}

func (s *state) clone() *state {
	c := &state{
		balances:     make(map[string]domain.CreditBalance, len(s.balances)),
		orders:       make(map[string]domain.PendingOrder, len(s.orders)),
		transactions: make([]domain.LedgerTransaction, len(s.transactions)),
		nextTxID:     s.nextTxID,
		nextOrderID:  s.nextOrderID,
	}
	for k, v := range s.balances {
		c.balances[k] = v
	}
	for k, v := range s.orders {
		c.orders[k] = v
	}
	copy(c.transactions, s.transactions)
	return c
}

type noopLocker struct{}

func (noopLocker) Lock()   {}
func (noopLocker) Unlock() {}

// view is what the repositories operate on: the committed state behind the
// store mutex, or a transaction's private copy.
type view struct {
	locker sync.Locker
	state  func() *state
	fault  func(op string) error
}

// Store is a domain.LedgerStore kept in memory. Transactions work on a copy
// of the state that replaces the committed state only when fn succeeds.
type Store struct {
	mu     sync.Mutex
	st     *state
	faults map[string]error
	view   *view
}

func NewStore() *Store {
	s := &Store{st: newState(), faults: make(map[string]error)}
	s.view = &view{
		locker: &s.mu,
		state:  func() *state { return s.st },
		fault:  s.takeFault,
	}
	return s
}

// InjectFault makes the next call of op fail with err.
func (s *Store) InjectFault(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[op] = err
}

// takeFault must be called with s.mu held.
func (s *Store) takeFault(op string) error {
	err, ok := s.faults[op]
	if !ok {
		return nil
	}
	delete(s.faults, op)
	return err
}

func (s *Store) Balances() domain.BalanceRepository         { return &balanceRepo{v: s.view} }
func (s *Store) Transactions() domain.TransactionRepository { return &transactionRepo{v: s.view} }
func (s *Store) Orders() domain.OrderRepository             { return &orderRepo{v: s.view} }

func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx domain.LedgerStore) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	work := s.st.clone()
	tx := &txStore{v: &view{
		locker: noopLocker{},
		state:  func() *state { return work },
		fault:  s.takeFault,
	}}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	s.st = work
	return nil
}

type txStore struct {
	v *view
}

func (t *txStore) Balances() domain.BalanceRepository         { return &balanceRepo{v: t.v} }
func (t *txStore) Transactions() domain.TransactionRepository { return &transactionRepo{v: t.v} }
func (t *txStore) Orders() domain.OrderRepository             { return &orderRepo{v: t.v} }

func (t *txStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx domain.LedgerStore) error) error {
	return fn(ctx, t)
}

func (v *view) begin(ctx context.Context, op string) (*state, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	v.locker.Lock()
	if op != "" {
		if err := v.fault(op); err != nil {
			v.locker.Unlock()
			return nil, nil, err
		}
	}
	return v.state(), v.locker.Unlock, nil
}

type balanceRepo struct{ v *view }

func (r *balanceRepo) FindByUserID(ctx context.Context, userID string) (*domain.CreditBalance, error) {
	st, done, err := r.v.begin(ctx, "")
	if err != nil {
		return nil, err
	}
	defer done()

	b, ok := st.balances[userID]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

func (r *balanceRepo) Adjust(ctx context.Context, userID string, delta decimal.Decimal, at time.Time) (*domain.CreditBalance, error) {
	st, done, err := r.v.begin(ctx, OpAdjustBalance)
	if err != nil {
		return nil, err
	}
	defer done()

	b, ok := st.balances[userID]
	if !ok {
		if delta.IsNegative() {
			return nil, fmt.Errorf("adjust balance of %s by %s: %w", userID, delta, domain.ErrInsufficientCredits)
		}
		b = domain.CreditBalance{UserID: userID}
	}

	next := b.CreditsRemaining.Add(delta)
	if next.IsNegative() {
		return nil, fmt.Errorf("adjust balance of %s by %s: %w", userID, delta, domain.ErrInsufficientCredits)
	}
	b.CreditsRemaining = next
	if delta.IsNegative() {
		b.TotalCreditsRefunded = b.TotalCreditsRefunded.Sub(delta)
	} else {
		b.TotalCreditsPurchased = b.TotalCreditsPurchased.Add(delta)
	}
	b.UpdatedAt = at.UTC()
	st.balances[userID] = b

	out := b
	return &out, nil
}

type transactionRepo struct{ v *view }

func (r *transactionRepo) InsertIfAbsent(ctx context.Context, t *domain.LedgerTransaction) (bool, error) {
	st, done, err := r.v.begin(ctx, OpInsertTransaction)
	if err != nil {
		return false, err
	}
	defer done()

	if t.Status == domain.TransactionStatusCompleted && t.ExternalOrderID != "" {
		for _, existing := range st.transactions {
			if existing.Status == domain.TransactionStatusCompleted &&
				existing.ExternalOrderID == t.ExternalOrderID &&
				existing.Type == t.Type {
				return false, nil
			}
		}
	}

	st.nextTxID++
	t.ID = st.nextTxID
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	t.UpdatedAt = t.CreatedAt
	st.transactions = append(st.transactions, *t)
	return true, nil
}

func (r *transactionRepo) FindCompleted(ctx context.Context, externalOrderID string, txType domain.TransactionType) (*domain.LedgerTransaction, error) {
	st, done, err := r.v.begin(ctx, OpFindCompleted)
	if err != nil {
		return nil, err
	}
	defer done()

	for _, t := range st.transactions {
		if t.ExternalOrderID == externalOrderID && t.Type == txType && t.Status == domain.TransactionStatusCompleted {
			out := t
			return &out, nil
		}
	}
	return nil, nil
}

func (r *transactionRepo) FindByUserID(ctx context.Context, userID string) ([]*domain.LedgerTransaction, error) {
	st, done, err := r.v.begin(ctx, "")
	if err != nil {
		return nil, err
	}
	defer done()

	out := make([]*domain.LedgerTransaction, 0)
	for _, t := range st.transactions {
		if t.UserID == userID {
			c := t
			out = append(out, &c)
		}
	}
	return out, nil
}

func (r *transactionRepo) SumCompletedCredits(ctx context.Context, userID string) (decimal.Decimal, error) {
	st, done, err := r.v.begin(ctx, "")
	if err != nil {
		return decimal.Zero, err
	}
	defer done()

	sum := decimal.Zero
	for _, t := range st.transactions {
		if t.UserID == userID && t.Status == domain.TransactionStatusCompleted {
			sum = sum.Add(t.CreditsAmount)
		}
	}
	return sum, nil
}

type orderRepo struct{ v *view }

func (r *orderRepo) Create(ctx context.Context, o *domain.PendingOrder) error {
	st, done, err := r.v.begin(ctx, "")
	if err != nil {
		return err
	}
	defer done()

	if _, exists := st.orders[o.ExternalOrderID]; exists {
		return fmt.Errorf("create pending order %s: duplicate external order id", o.ExternalOrderID)
	}
	for _, amount := range []decimal.Decimal{o.Amount, o.CreditsAmount} {
		if err := domain.ValidateMoney(amount); err != nil {
			return fmt.Errorf("create pending order %s: %w", o.ExternalOrderID, err)
		}
	}
	if o.Status == "" {
		o.Status = domain.OrderStatusCreated
	}
	if o.Currency == "" {
		o.Currency = "USD"
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	o.UpdatedAt = o.CreatedAt
	st.nextOrderID++
	o.ID = st.nextOrderID
	st.orders[o.ExternalOrderID] = *o
	return nil
}

func (r *orderRepo) FindByExternalID(ctx context.Context, externalOrderID string) (*domain.PendingOrder, error) {
	st, done, err := r.v.begin(ctx, OpFindOrder)
	if err != nil {
		return nil, err
	}
	defer done()

	o, ok := st.orders[externalOrderID]
	if !ok {
		return nil, nil
	}
	return &o, nil
}

func (r *orderRepo) UpdateStatus(ctx context.Context, externalOrderID string, status domain.OrderStatus, from []domain.OrderStatus, at time.Time) (bool, error) {
	st, done, err := r.v.begin(ctx, OpUpdateOrder)
	if err != nil {
		return false, err
	}
	defer done()

	o, ok := st.orders[externalOrderID]
	if !ok {
		return false, nil
	}
	allowed := false
	for _, f := range from {
		if o.Status == f {
			allowed = true
			break
		}
	}
	if !allowed {
		return false, nil
	}

	at = at.UTC()
	o.Status = status
	o.UpdatedAt = at
	o.CompletedAt = nil
	if status.IsTerminal() {
		o.CompletedAt = &at
	}
	st.orders[externalOrderID] = o
	return true, nil
}

func (r *orderRepo) FindExpired(ctx context.Context, now time.Time, limit int) ([]*domain.PendingOrder, error) {
	st, done, err := r.v.begin(ctx, "")
	if err != nil {
		return nil, err
	}
	defer done()

	out := make([]*domain.PendingOrder, 0)
	for _, o := range st.orders {
		if !o.Status.IsTerminal() && o.IsExpired(now) {
			c := o
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
