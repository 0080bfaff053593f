package factory_test

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"creditflow/internal/config"
	"creditflow/internal/domain"
	"creditflow/internal/webhook"
	"creditflow/pkg/factory"
	"creditflow/pkg/logger"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		AppEnv: config.EnvDevelopment,
		Database: config.DatabaseConfig{
			Driver: config.DriverSQLite,
			Path:   filepath.Join(t.TempDir(), "creditflow.db"),
		},
		Webhook: config.WebhookConfig{
			PayPalWebhookID:   "WH-ID",
			CertHosts:         []string{"api.paypal.com"},
			CertCacheTTL:      time.Hour,
			ProcessingTimeout: time.Second,
			MaxBodyBytes:      1 << 20,
		},
	}
}

func completion(orderID string) []byte {
	return []byte(`{"id":"WH-` + orderID + `","event_type":"PAYMENT.CAPTURE.COMPLETED",
		"resource":{"id":"CAP-1","amount":{"value":"4.99","currency_code":"USD"},
		"supplementary_data":{"related_ids":{"order_id":"` + orderID + `"}}}}`)
}

func TestNewFactory_SQLiteWithRedisCache(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	host, port, err := net.SplitHostPort(mr.Addr())
	require.NoError(t, err)

	cfg := testConfig(t)
	cfg.Redis = config.RedisConfig{Host: host, Port: port, BalanceCacheTTL: time.Minute}
	require.NoError(t, cfg.Validate())

	f, err := factory.NewFactory(ctx, cfg, logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })

	require.NotNil(t, f.GetCache())
	require.NoError(t, f.GetMigrationService().RunMigrations(ctx))

	require.NoError(t, f.GetLedgerStore().Orders().Create(ctx, &domain.PendingOrder{
		ExternalOrderID: "ORD-1",
		UserID:          "user-1",
		Amount:          decimal.RequireFromString("4.99"),
		CreditsAmount:   decimal.NewFromInt(60),
		ExpiresAt:       time.Now().Add(time.Hour),
	}))

	balances := f.GetBalanceService()
	_, err = balances.GetUserBalance(ctx, "user-1")
	assert.ErrorIs(t, err, domain.ErrBalanceNotFound)

	res := f.GetReconcilerService().Process(ctx, completion("ORD-1"), domain.NotificationMeta{})
	require.NoError(t, res.Err)
	assert.Equal(t, domain.OutcomeCompleted, res.Outcome)

	b, err := balances.GetUserBalance(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, b.CreditsRemaining.Equal(decimal.NewFromInt(60)))
	assert.True(t, mr.Exists("creditflow:balance:user-1"))

	res = f.GetReconcilerService().Process(ctx, completion("ORD-1"), domain.NotificationMeta{})
	assert.Equal(t, domain.OutcomeDuplicate, res.Outcome)

	logs, err := f.GetAuditLogService().GetOrderLogs(ctx, "ORD-1")
	require.NoError(t, err)
	assert.Len(t, logs, 2)
}

func TestNewFactory_WithoutRedis(t *testing.T) {
	ctx := context.Background()
	f, err := factory.NewFactory(ctx, testConfig(t), logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })

	assert.Nil(t, f.GetCache())
	require.NoError(t, f.GetMigrationService().RunMigrations(ctx))

	n, err := f.GetOrderExpiryService().ExpireOrders(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestNewFactory_BypassOnlyHonouredInDevelopment(t *testing.T) {
	unsigned := webhook.Headers{
		TransmissionID:   "tx-1",
		TransmissionTime: time.Now().UTC().Format(time.RFC3339),
		CertURL:          "https://api.paypal.com/v1/notifications/certs/CERT-1",
		AuthAlgo:         webhook.AuthAlgoSHA256WithRSA,
		TransmissionSig:  "not-a-signature",
	}
	body := completion("ORD-1")

	for env, accepted := range map[string]bool{
		config.EnvDevelopment: true,
		config.EnvProduction:  false,
		"staging":             false,
		"prod":                false,
	} {
		t.Run(env, func(t *testing.T) {
			cfg := testConfig(t)
			cfg.AppEnv = env
			cfg.Webhook.BypassVerification = true
			cfg.Webhook.CertHosts = []string{"127.0.0.1"}

			f, err := factory.NewFactory(context.Background(), cfg, logger.NewNop())
			require.NoError(t, err)
			t.Cleanup(func() { _ = f.Close() })

			err = f.GetVerifier().Verify(context.Background(), unsigned, body)
			if accepted {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, domain.ErrInvalidSignature)
		})
	}
}
