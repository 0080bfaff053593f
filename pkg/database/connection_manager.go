package database

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"creditflow/internal/config"
	"creditflow/pkg/logger"
)

type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite3"
)

// ConnectionManager owns the privileged store connection. It is created once
// at startup and injected into the repositories; nothing else opens one.
type ConnectionManager struct {
	db      *sql.DB
	dialect Dialect
	logger  logger.Logger
}

func NewConnectionManager(ctx context.Context, cfg config.DatabaseConfig, logger logger.Logger) (*ConnectionManager, error) {
	dialect, dsn, err := dataSource(cfg)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect, err)
	}

	if dialect == DialectSQLite {
		// One writer keeps sqlite from returning SQLITE_BUSY under concurrent webhooks.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxIdleConns)
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", dialect, err)
	}

	logger.Info("database connection established", map[string]interface{}{
		"driver": string(dialect),
		"host":   cfg.Host,
		"name":   cfg.Name,
	})

	return &ConnectionManager{db: db, dialect: dialect, logger: logger}, nil
}

func dataSource(cfg config.DatabaseConfig) (Dialect, string, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
			cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Name, cfg.SSLMode)
		return DialectPostgres, dsn, nil
	case config.DriverSQLite:
		return DialectSQLite, SQLiteDSN(cfg.Path), nil
	default:
		return "", "", fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

// SQLiteDSN enables foreign keys, a busy timeout and IMMEDIATE transactions
// so that read-then-write transactions take the write lock up front.
func SQLiteDSN(path string) string {
	q := url.Values{}
	q.Set("_busy_timeout", "5000")
	q.Set("_txlock", "immediate")
	q.Set("_foreign_keys", "on")
	return "file:" + path + "?" + q.Encode()
}

func (cm *ConnectionManager) DB() *sql.DB {
	return cm.db
}

func (cm *ConnectionManager) Dialect() Dialect {
	return cm.dialect
}

func (cm *ConnectionManager) Ping(ctx context.Context) error {
	return cm.db.PingContext(ctx)
}

func (cm *ConnectionManager) Close() error {
	if err := cm.db.Close(); err != nil {
		cm.logger.Error("database close failed", map[string]interface{}{"error": err.Error()})
		return err
	}
	return nil
}

func (cm *ConnectionManager) GetStats() map[string]interface{} {
	s := cm.db.Stats()
	return map[string]interface{}{
		"driver":           string(cm.dialect),
		"open_connections": s.OpenConnections,
		"in_use":           s.InUse,
		"idle":             s.Idle,
		"wait_count":       s.WaitCount,
		"wait_duration_ms": s.WaitDuration.Milliseconds(),
	}
}
