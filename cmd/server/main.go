package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"creditflow/internal/api"
	"creditflow/internal/config"
	"creditflow/pkg/factory"
	"creditflow/pkg/logger"
	"creditflow/pkg/tracing"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "creditflow",
		Short:         "Payment webhook reconciliation for the credit ledger",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(expireOrdersCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// bootstrap loads and validates configuration and builds the factory shared
// by every command.
func bootstrap(ctx context.Context) (factory.Factory, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	log := logger.New(logger.LogLevel(cfg.LogLevel), os.Stdout, !cfg.IsProduction())

	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", map[string]interface{}{"error": err.Error()})
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.Webhook.BypassVerification {
		log.Warn("SECURITY DOWNGRADE: webhook signature verification bypass is enabled", map[string]interface{}{
			"security_downgrade": true,
			"env":                cfg.AppEnv,
		})
	}

	return factory.NewFactory(ctx, cfg, log)
}

func serveCmd() *cobra.Command {
	var skipMigrations bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), skipMigrations)
		},
	}

	cmd.Flags().BoolVar(&skipMigrations, "skip-migrations", false, "do not apply pending schema migrations on startup")
	return cmd
}

func runServe(ctx context.Context, skipMigrations bool) error {
	appFactory, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer appFactory.Close()

	log := appFactory.GetLogger()
	cfg := appFactory.GetConfig()

	shutdownTracing, err := tracing.Init(ctx, tracing.Config{
		ServiceName:  cfg.Tracing.ServiceName,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		Environment:  cfg.AppEnv,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(tctx); err != nil {
			log.Error("tracing shutdown failed", map[string]interface{}{"error": err.Error()})
		}
	}()

	log.Info("starting creditflow", map[string]interface{}{"env": cfg.AppEnv, "version": Version})

	if !skipMigrations {
		if err := appFactory.GetMigrationService().RunMigrations(ctx); err != nil {
			return fmt.Errorf("apply migrations: %w", err)
		}
	}

	var cachePinger api.Pinger
	if c := appFactory.GetCache(); c != nil {
		cachePinger = c
	}

	auditLogService := appFactory.GetAuditLogService()
	router := api.NewRouter(api.Handlers{
		Webhook: api.NewWebhookHandler(
			appFactory.GetVerifier(),
			appFactory.GetReconcilerService(),
			auditLogService,
			cfg.Webhook.ProcessingTimeout,
			cfg.Webhook.MaxBodyBytes,
			log,
		),
		Balance:  api.NewBalanceHandler(appFactory.GetBalanceService(), log),
		AuditLog: api.NewAuditLogHandler(auditLogService, log),
		Health:   api.NewHealthHandler(appFactory.GetConnectionManager(), cachePinger, log),
	}, cfg.Admin.APIToken, log)

	server := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", map[string]interface{}{"port": cfg.Server.Port})
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case sig := <-quit:
		log.Info("shutting down", map[string]interface{}{"signal": sig.String()})
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}

	log.Info("server stopped", nil)
	return nil
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			appFactory, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer appFactory.Close()

			return appFactory.GetMigrationService().RunMigrations(cmd.Context())
		},
	}
}

func expireOrdersCmd() *cobra.Command {
	var batchSize int

	cmd := &cobra.Command{
		Use:   "expire-orders",
		Short: "Mark open pending orders past their expiry as failed",
		Long: `Marks created/pending orders whose expires_at has passed as failed and writes
one order_expired audit entry per order. Intended to run from cron.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			appFactory, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer appFactory.Close()

			n, err := appFactory.GetOrderExpiryService().ExpireOrders(cmd.Context(), batchSize)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "expired %d orders\n", n)
			return nil
		},
	}

	cmd.Flags().IntVar(&batchSize, "batch-size", 500, "maximum number of orders to expire in one run")
	return cmd
}
