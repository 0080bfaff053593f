package memory

import (
	"context"
	"sync"
	"time"

	"creditflow/internal/domain"
)

type AuditLogRepository struct {
	mu      sync.Mutex
	entries []domain.AuditLogEntry
	fail    error
}

func NewAuditLogRepository() *AuditLogRepository {
	return &AuditLogRepository{}
}

// FailWith makes every subsequent Create return err. Pass nil to recover.
func (r *AuditLogRepository) FailWith(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail = err
}

func (r *AuditLogRepository) Create(ctx context.Context, entry *domain.AuditLogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.fail != nil {
		return r.fail
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	entry.ID = int64(len(r.entries) + 1)
	r.entries = append(r.entries, *entry)
	return nil
}

func (r *AuditLogRepository) FindByOrderID(_ context.Context, orderID string) ([]*domain.AuditLogEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*domain.AuditLogEntry, 0)
	for _, e := range r.entries {
		if e.OrderID == orderID {
			c := e
			out = append(out, &c)
		}
	}
	return out, nil
}

func (r *AuditLogRepository) FindAll(_ context.Context, limit, offset int) ([]*domain.AuditLogEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*domain.AuditLogEntry, 0)
	for i := len(r.entries) - 1 - offset; i >= 0 && len(out) < limit; i-- {
		c := r.entries[i]
		out = append(out, &c)
	}
	return out, nil
}

// Entries returns every entry in insertion order.
func (r *AuditLogRepository) Entries() []domain.AuditLogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]domain.AuditLogEntry, len(r.entries))
	copy(out, r.entries)
	return out
}
