package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"creditflow/pkg/database"
	"creditflow/pkg/logger"
)

type Migration struct {
	Name string
	Up   func(ctx context.Context, tx *sql.Tx, d database.Dialect) error
}

type MigrationService struct {
	db      *sql.DB
	dialect database.Dialect
	logger  logger.Logger
}

func NewMigrationService(db *sql.DB, dialect database.Dialect, logger logger.Logger) *MigrationService {
	return &MigrationService{
		db:      db,
		dialect: dialect,
		logger:  logger,
	}
}

// Migrations is the ordered schema history. Append only.
var Migrations = []Migration{
	{"create_credit_balances_table", createCreditBalancesTable},
	{"create_pending_orders_table", createPendingOrdersTable},
	{"create_ledger_transactions_table", createLedgerTransactionsTable},
	{"create_audit_logs_table", createAuditLogsTable},
}

func idColumn(d database.Dialect) string {
	if d == database.DialectSQLite {
		return "INTEGER PRIMARY KEY AUTOINCREMENT"
	}
	return "BIGSERIAL PRIMARY KEY"
}

func timestampType(d database.Dialect) string {
	if d == database.DialectSQLite {
		return "TIMESTAMP"
	}
	return "TIMESTAMPTZ"
}

func jsonType(d database.Dialect) string {
	if d == database.DialectSQLite {
		return "TEXT"
	}
	return "JSONB"
}

func (m *MigrationService) InitMigrationTable(ctx context.Context) error {
	query := fmt.Sprintf(`
    CREATE TABLE IF NOT EXISTS migrations (
        id %s,
        name TEXT NOT NULL UNIQUE,
        applied_at %s NOT NULL
    )`, idColumn(m.dialect), timestampType(m.dialect))

	if _, err := m.db.ExecContext(ctx, query); err != nil {
		m.logger.Error("could not create migrations table", map[string]interface{}{"error": err.Error()})
		return err
	}
	return nil
}

func (m *MigrationService) IsMigrationApplied(ctx context.Context, name string) (bool, error) {
	var count int
	err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM migrations WHERE name = $1", name).Scan(&count)
	if err != nil {
		m.logger.Error("could not check migration state", map[string]interface{}{"name": name, "error": err.Error()})
		return false, err
	}
	return count > 0, nil
}

// ApplyMigration runs one migration and records it in the same transaction,
// so a failed migration leaves neither schema changes nor a bookkeeping row.
func (m *MigrationService) ApplyMigration(ctx context.Context, mig Migration) (err error) {
	applied, err := m.IsMigrationApplied(ctx, mig.Name)
	if err != nil {
		return err
	}
	if applied {
		m.logger.Debug("migration already applied", map[string]interface{}{"name": mig.Name})
		return nil
	}

	m.logger.Info("applying migration", map[string]interface{}{"name": mig.Name})

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration %s: %w", mig.Name, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
			m.logger.Error("migration rolled back", map[string]interface{}{"name": mig.Name, "error": err.Error()})
		}
	}()

	if err = mig.Up(ctx, tx, m.dialect); err != nil {
		return err
	}

	if _, err = tx.ExecContext(ctx, "INSERT INTO migrations (name, applied_at) VALUES ($1, $2)", mig.Name, time.Now().UTC()); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", mig.Name, err)
	}

	m.logger.Info("migration applied", map[string]interface{}{"name": mig.Name})
	return nil
}

func (m *MigrationService) RunMigrations(ctx context.Context) error {
	if err := m.InitMigrationTable(ctx); err != nil {
		return fmt.Errorf("could not create migrations table: %w", err)
	}

	for _, mig := range Migrations {
		if err := m.ApplyMigration(ctx, mig); err != nil {
			return fmt.Errorf("migration %s failed: %w", mig.Name, err)
		}
	}
	return nil
}

func execAll(ctx context.Context, tx *sql.Tx, statements ...string) error {
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func createCreditBalancesTable(ctx context.Context, tx *sql.Tx, d database.Dialect) error {
	return execAll(ctx, tx, fmt.Sprintf(`
    CREATE TABLE IF NOT EXISTS credit_balances (
        user_id TEXT PRIMARY KEY,
        credits_remaining NUMERIC(18,2) NOT NULL DEFAULT 0 CHECK (credits_remaining >= 0),
        total_credits_purchased NUMERIC(18,2) NOT NULL DEFAULT 0,
        total_credits_refunded NUMERIC(18,2) NOT NULL DEFAULT 0,
        updated_at %s NOT NULL
    )`, timestampType(d)))
}

func createPendingOrdersTable(ctx context.Context, tx *sql.Tx, d database.Dialect) error {
	ts := timestampType(d)
	return execAll(ctx, tx,
		fmt.Sprintf(`
    CREATE TABLE IF NOT EXISTS pending_orders (
        id %s,
        external_order_id TEXT NOT NULL UNIQUE,
        user_id TEXT NOT NULL,
        amount NUMERIC(18,2) NOT NULL,
        credits_amount NUMERIC(18,2) NOT NULL,
        currency TEXT NOT NULL DEFAULT 'USD',
        status TEXT NOT NULL CHECK (status IN ('created', 'pending', 'completed', 'failed', 'cancelled')),
        created_at %s NOT NULL,
        expires_at %s NOT NULL,
        completed_at %s,
        updated_at %s NOT NULL
    )`, idColumn(d), ts, ts, ts, ts),
		`CREATE INDEX IF NOT EXISTS pending_orders_status_expires_idx ON pending_orders (status, expires_at)`,
	)
}

func createLedgerTransactionsTable(ctx context.Context, tx *sql.Tx, d database.Dialect) error {
	ts := timestampType(d)
	return execAll(ctx, tx,
		fmt.Sprintf(`
    CREATE TABLE IF NOT EXISTS ledger_transactions (
        id %s,
        user_id TEXT NOT NULL,
        type TEXT NOT NULL CHECK (type IN ('purchase', 'refund', 'deduction', 'bonus')),
        amount NUMERIC(18,2) NOT NULL,
        credits_amount NUMERIC(18,2) NOT NULL,
        status TEXT NOT NULL CHECK (status IN ('pending', 'completed', 'failed', 'refunded')),
        external_order_id TEXT,
        reference_transaction_id BIGINT REFERENCES ledger_transactions (id),
        metadata %s,
        created_at %s NOT NULL,
        updated_at %s NOT NULL
    )`, idColumn(d), jsonType(d), ts, ts),
		`CREATE UNIQUE INDEX IF NOT EXISTS ledger_transactions_completed_order_type_idx
        ON ledger_transactions (external_order_id, type)
        WHERE status = 'completed' AND external_order_id IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS ledger_transactions_user_id_idx ON ledger_transactions (user_id)`,
	)
}

func createAuditLogsTable(ctx context.Context, tx *sql.Tx, d database.Dialect) error {
	ts := timestampType(d)
	return execAll(ctx, tx,
		fmt.Sprintf(`
    CREATE TABLE IF NOT EXISTS audit_logs (
        id %s,
        event_type TEXT NOT NULL,
        order_id TEXT,
        amount NUMERIC(18,2),
        status TEXT NOT NULL,
        metadata %s,
        created_at %s NOT NULL
    )`, idColumn(d), jsonType(d), ts),
		`CREATE INDEX IF NOT EXISTS audit_logs_order_id_idx ON audit_logs (order_id)`,
		`CREATE INDEX IF NOT EXISTS audit_logs_created_at_idx ON audit_logs (created_at)`,
	)
}
