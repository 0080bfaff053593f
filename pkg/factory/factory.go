package factory

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"

	"creditflow/internal/config"
	migration "creditflow/internal/database"
	"creditflow/internal/domain"
	"creditflow/internal/repository"
	"creditflow/internal/service"
	"creditflow/internal/webhook"
	"creditflow/pkg/cache"
	"creditflow/pkg/database"
	"creditflow/pkg/logger"
)

type Factory interface {
	GetLogger() logger.Logger
	GetConfig() *config.Config
	GetConnectionManager() *database.ConnectionManager
	// GetCache returns nil when Redis is not configured.
	GetCache() cache.Cache
	GetMigrationService() *migration.MigrationService

	GetLedgerStore() domain.LedgerStore
	GetAuditLogRepository() domain.AuditLogRepository

	GetAuditLogService() domain.AuditLogService
	GetBalanceService() domain.BalanceService
	GetVerifier() webhook.Verifier
	GetReconcilerService() domain.ReconcilerService
	GetOrderExpiryService() domain.OrderExpiryService

	Close() error
}

type AppFactory struct {
	config      *config.Config
	logger      logger.Logger
	connManager *database.ConnectionManager
	redisClient *redis.Client
	cache       cache.Cache

	ledgerStore        domain.LedgerStore
	auditLogRepository domain.AuditLogRepository

	auditLogService    domain.AuditLogService
	balanceService     domain.BalanceService
	verifier           webhook.Verifier
	reconcilerService  domain.ReconcilerService
	orderExpiryService domain.OrderExpiryService
}

// NewFactory opens the privileged store connection and wires every service
// by constructor injection. cfg must already be validated.
func NewFactory(ctx context.Context, cfg *config.Config, log logger.Logger) (Factory, error) {
	connManager, err := database.NewConnectionManager(ctx, cfg.Database, log)
	if err != nil {
		return nil, err
	}

	factory := &AppFactory{
		config:      cfg,
		logger:      log,
		connManager: connManager,
	}

	factory.initCache(ctx)
	factory.initRepositories()
	factory.initServices()

	return factory, nil
}

func (f *AppFactory) initCache(ctx context.Context) {
	if !f.config.Redis.Enabled() {
		f.logger.Info("redis not configured; balance reads go straight to the store", nil)
		return
	}

	f.redisClient = cache.NewRedisClient(f.config.Redis.Addr(), f.config.Redis.Password, f.config.Redis.DB)
	f.cache = cache.NewRedisCache(f.redisClient, f.logger, "creditflow")

	if err := f.cache.Ping(ctx); err != nil {
		// Reads fall back to the store per request, so an unreachable cache
		// at startup is not fatal.
		f.logger.Warn("redis unreachable at startup", map[string]interface{}{
			"addr":  f.config.Redis.Addr(),
			"error": err.Error(),
		})
	}
}

func (f *AppFactory) initRepositories() {
	db := f.connManager.DB()
	f.ledgerStore = repository.NewLedgerStore(db, f.logger)
	f.auditLogRepository = repository.NewAuditLogRepository(db, f.logger)
}

func (f *AppFactory) initServices() {
	f.auditLogService = service.NewAuditLogService(f.auditLogRepository, f.logger)

	baseBalanceService := service.NewBalanceService(f.ledgerStore, f.logger)
	if f.cache != nil {
		f.balanceService = service.NewCachedBalanceService(baseBalanceService, f.cache, f.config.Redis.BalanceCacheTTL, f.logger)
	} else {
		f.balanceService = baseBalanceService
	}

	certs := webhook.NewHTTPCertificateSource(webhook.CertSourceConfig{
		AllowedHosts: f.config.Webhook.CertHosts,
		CacheTTL:     f.config.Webhook.CertCacheTTL,
	}, f.logger)
	f.verifier = webhook.NewPayPalVerifier(webhook.VerifierConfig{
		WebhookID:          f.config.Webhook.PayPalWebhookID,
		BypassVerification: f.config.Webhook.BypassVerification,
		Development:        f.config.IsDevelopment(),
		MaxClockSkew:       f.config.Webhook.MaxClockSkew,
	}, certs, f.logger)

	f.reconcilerService = service.NewReconcilerService(
		f.ledgerStore,
		webhook.NewPayPalClassifier(),
		f.auditLogService,
		f.balanceService,
		f.logger,
	)
	f.orderExpiryService = service.NewOrderExpiryService(f.ledgerStore, f.auditLogService, f.logger)
}

func (f *AppFactory) GetLogger() logger.Logger {
	return f.logger
}

func (f *AppFactory) GetConfig() *config.Config {
	return f.config
}

func (f *AppFactory) GetConnectionManager() *database.ConnectionManager {
	return f.connManager
}

func (f *AppFactory) GetCache() cache.Cache {
	return f.cache
}

func (f *AppFactory) GetMigrationService() *migration.MigrationService {
	return migration.NewMigrationService(f.connManager.DB(), f.connManager.Dialect(), f.logger)
}

func (f *AppFactory) GetLedgerStore() domain.LedgerStore {
	return f.ledgerStore
}

func (f *AppFactory) GetAuditLogRepository() domain.AuditLogRepository {
	return f.auditLogRepository
}

func (f *AppFactory) GetAuditLogService() domain.AuditLogService {
	return f.auditLogService
}

func (f *AppFactory) GetBalanceService() domain.BalanceService {
	return f.balanceService
}

func (f *AppFactory) GetVerifier() webhook.Verifier {
	return f.verifier
}

func (f *AppFactory) GetReconcilerService() domain.ReconcilerService {
	return f.reconcilerService
}

func (f *AppFactory) GetOrderExpiryService() domain.OrderExpiryService {
	return f.orderExpiryService
}

func (f *AppFactory) Close() error {
	var errs []error
	if f.redisClient != nil {
		errs = append(errs, f.redisClient.Close())
	}
	errs = append(errs, f.connManager.Close())
	return errors.Join(errs...)
}
