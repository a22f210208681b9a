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

	"go.uber.org/zap"

	"github.com/mixfolio/api/internal/handlers"
	"github.com/mixfolio/api/internal/payments"
	"github.com/mixfolio/api/internal/platform/config"
	"github.com/mixfolio/api/internal/platform/idempotency"
	"github.com/mixfolio/api/internal/platform/observability"
	"github.com/mixfolio/api/internal/registrar"
	"github.com/mixfolio/api/internal/repositories/postgres"
	"github.com/mixfolio/api/internal/services"
)

var version = "dev"

func main() {
	ctx := context.Background()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("api")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	pool, err := postgres.Connect(ctx, cfg.Database.URL)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	if err := postgres.Migrate(ctx, pool); err != nil {
		logger.Fatal("failed to apply migrations", zap.Error(err))
	}

	orderRepo := postgres.NewOrderRepository(pool)
	profileRepo := postgres.NewProfileRepository(pool)
	eventLedger := postgres.NewWebhookEventLedger(pool)

	eventLog := observability.EventLogger(logger)

	gateway, err := payments.NewStripeGateway(payments.StripeGatewayConfig{
		APIKey:        cfg.Payments.StripeAPIKey,
		WebhookSecret: cfg.Payments.StripeWebhookSecret,
		Logger:        eventLog,
	})
	if err != nil {
		logger.Fatal("failed to initialise payment gateway", zap.Error(err))
	}

	registrarClient, err := registrar.NewHTTPClient(registrar.HTTPClientConfig{
		BaseURL:   cfg.Registrar.BaseURL,
		Token:     cfg.Registrar.AuthToken,
		ProjectID: cfg.Registrar.ProjectID,
		Logger:    eventLog,
	})
	if err != nil {
		logger.Fatal("failed to initialise registrar client", zap.Error(err))
	}

	searchService, err := services.NewDomainSearchService(services.DomainSearchServiceDeps{
		Registrar: registrarClient,
		Profiles:  profileRepo,
		TLDs:      cfg.Domains.CandidateTLDs,
		Timeout:   cfg.Domains.SearchTimeout,
		Logger:    eventLog,
	})
	if err != nil {
		logger.Fatal("failed to initialise search service", zap.Error(err))
	}

	orderService, err := services.NewDomainOrderService(services.DomainOrderServiceDeps{
		Orders:          orderRepo,
		Profiles:        profileRepo,
		Registrar:       registrarClient,
		Payments:        gateway,
		Logger:          eventLog,
		ServiceFeeCents: cfg.Domains.ServiceFeeCents,
		Currency:        cfg.Domains.Currency,
		AppBaseURL:      cfg.Domains.AppBaseURL,
	})
	if err != nil {
		logger.Fatal("failed to initialise order service", zap.Error(err))
	}

	reconciler, err := services.NewWebhookReconciler(services.WebhookReconcilerDeps{
		Orders:    orderRepo,
		Profiles:  profileRepo,
		Ledger:    eventLedger,
		Registrar: registrarClient,
		Payments:  gateway,
		Logger:    eventLog,
	})
	if err != nil {
		logger.Fatal("failed to initialise webhook reconciler", zap.Error(err))
	}

	idempotencyStore := idempotency.NewPostgresStore(pool)
	idempotencyMW := idempotency.Middleware(idempotencyStore,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithLogger(zap.NewStdLog(logger.Named("idempotency"))),
	)

	cleanupCtx, stopCleanup := context.WithCancel(ctx)
	defer stopCleanup()
	go runIdempotencyCleanup(cleanupCtx, logger, idempotencyStore, cfg.Idempotency)

	domainHandlers := handlers.NewDomainHandlers(searchService, orderService,
		handlers.WithSearchRateLimit(30, time.Minute),
		handlers.WithCreateOrderMiddleware(idempotencyMW))
	webhookHandlers := handlers.NewWebhookHandlers(gateway, reconciler)
	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthVersion(version),
		handlers.WithReadinessCheck("database", pool.Ping),
	)

	router := handlers.NewRouter(
		handlers.WithMiddlewares(
			observability.TraceMiddleware(),
			observability.InjectLoggerMiddleware(logger),
			observability.RequestLoggerMiddleware(),
			observability.RecoveryMiddleware(logger),
		),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithDomainMiddlewares(handlers.ProfileIdentityMiddleware()),
		handlers.WithDomainRoutes(domainHandlers.Register),
		handlers.WithWebhookRoutes(webhookHandlers.Register),
	)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
	}

	stopCleanup()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
	logger.Info("server stopped")
}

// runIdempotencyCleanup periodically purges expired idempotency records so the
// table does not grow unbounded.
func runIdempotencyCleanup(ctx context.Context, logger *zap.Logger, store *idempotency.PostgresStore, cfg config.IdempotencyConfig) {
	interval := cfg.CleanupInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := store.CleanupExpired(ctx, time.Now(), cfg.CleanupBatchSize)
			if err != nil {
				logger.Warn("idempotency cleanup failed", zap.Error(err))
				continue
			}
			if removed > 0 {
				logger.Debug("idempotency records purged", zap.Int("count", removed))
			}
		}
	}
}
