package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/fieldshop/storefront/internal/handlers"
	"github.com/fieldshop/storefront/internal/platform/config"
	pfirestore "github.com/fieldshop/storefront/internal/platform/firestore"
	"github.com/fieldshop/storefront/internal/platform/idempotency"
	"github.com/fieldshop/storefront/internal/platform/jobs"
	"github.com/fieldshop/storefront/internal/platform/observability"
	"github.com/fieldshop/storefront/internal/platform/ratelimit"
	"github.com/fieldshop/storefront/internal/services"
)

const meterName = "github.com/fieldshop/storefront"

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("api")

	envValues, err := config.EnvironmentValues()
	if err != nil {
		logger.Fatal("failed to read environment values", zap.Error(err))
	}

	resolver, err := newSecretResolver(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret resolver", zap.Error(err))
	}
	defer func() {
		if err := resolver.Close(); err != nil {
			logger.Warn("secret resolver close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(resolver),
		config.WithRequiredSecrets(requiredSecretNames(envValues)...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	meter := otel.GetMeterProvider().Meter(meterName)
	metrics, err := observability.NewCheckoutMetrics(meter)
	if err != nil {
		logger.Fatal("failed to register checkout metrics", zap.Error(err))
	}

	manager, err := newPaymentManager(cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialise payment providers", zap.Error(err))
	}

	var readiness []handlers.HealthOption

	var publisher services.OrderEventPublisher
	var pubsubClient *pubsub.Client
	var orderPublisher *jobs.PubSubOrderPublisher
	if cfg.PubSub.OrderTopic != "" {
		pubsubClient, err = pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			logger.Fatal("failed to initialise pubsub client", zap.Error(err))
		}
		topic := pubsubClient.Topic(cfg.PubSub.OrderTopic)
		orderPublisher, err = jobs.NewPubSubOrderPublisher(topic)
		if err != nil {
			logger.Fatal("failed to initialise order publisher", zap.Error(err))
		}
		publisher = orderPublisher
		readiness = append(readiness, handlers.WithReadinessCheck("pubsub", topicReadiness(topic)))
	}

	orderService, err := services.NewOrderService(services.OrderServiceDeps{
		Payments:   manager,
		Fees:       feeSchedule(cfg),
		Currency:   cfg.PSP.Currency,
		LocationID: cfg.Square.LocationID,
		Publisher:  publisher,
		Metrics:    metrics,
		Logger:     observability.EventLogger(logger.Named("orders")),
	})
	if err != nil {
		logger.Fatal("failed to initialise order service", zap.Error(err))
	}
	pricingService, err := services.NewPricingService(services.PricingServiceDeps{
		Payments:   manager,
		Fees:       feeSchedule(cfg),
		Currency:   cfg.PSP.Currency,
		LocationID: cfg.Square.LocationID,
		Metrics:    metrics,
		Logger:     observability.EventLogger(logger.Named("pricing")),
	})
	if err != nil {
		logger.Fatal("failed to initialise pricing service", zap.Error(err))
	}

	var firestoreProvider *pfirestore.Provider
	var idempotencyStore idempotency.Store = idempotency.NewMemoryStore()
	if cfg.Idempotency.Store == "firestore" {
		firestoreProvider = pfirestore.NewProvider(cfg.Firestore)
		client, err := firestoreProvider.Client(ctx)
		if err != nil {
			logger.Fatal("failed to initialise firestore client", zap.Error(err))
		}
		idempotencyStore = idempotency.NewFirestoreStore(client, idempotency.WithCollection(cfg.Firestore.IdempotencyCollection))
		readiness = append(readiness, handlers.WithReadinessCheck("firestore", func(ctx context.Context) error {
			_, err := firestoreProvider.Client(ctx)
			return err
		}))
	}
	idempotencyMiddleware := idempotency.Middleware(
		idempotencyStore,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithMaxBodyBytes(cfg.Server.MaxBodyBytes),
		idempotency.WithLogger(logger.Named("idempotency")),
	)

	limiter := ratelimit.New(cfg.RateLimits.OrdersPerMinute, cfg.RateLimits.Burst, ratelimit.WithIdleTTL(cfg.RateLimits.IdleTTL))

	janitorCtx, janitorCancel := context.WithCancel(context.Background())
	var janitorWG sync.WaitGroup
	if limiter != nil {
		janitorWG.Add(1)
		go func() {
			defer janitorWG.Done()
			limiter.RunJanitor(janitorCtx, cfg.RateLimits.IdleTTL)
		}()
	}
	if cfg.Idempotency.CleanupInterval > 0 {
		janitorWG.Add(1)
		go func() {
			defer janitorWG.Done()
			runIdempotencyCleanup(janitorCtx, logger.Named("idempotency"), idempotencyStore, cfg.Idempotency)
		}()
	}

	shopHandlers := handlers.NewShopOrderHandlers(orderService, pricingService,
		handlers.WithMaxBodyBytes(cfg.Server.MaxBodyBytes),
		handlers.WithOrderMiddlewares(ratelimit.Middleware(limiter), idempotencyMiddleware),
	)

	healthHandlers := handlers.NewHealthHandlers(append(readiness,
		handlers.WithHealthVersion(envValues["STORE_BUILD_VERSION"]),
		handlers.WithHealthStartedAt(startedAt),
	)...)

	projectID := cfg.Firestore.ProjectID
	router := handlers.NewRouter(
		handlers.WithMiddlewares(
			observability.InjectLoggerMiddleware(logger.Named("http")),
			observability.TraceMiddleware(projectID),
			observability.RecoveryMiddleware(),
			observability.RequestLoggerMiddleware(),
		),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithShopRoutes(shopHandlers.Routes),
	)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      http.TimeoutHandler(router, cfg.Server.RequestTimeout, `{"error":"request_timeout","message":"request timed out","status":503}`),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("storefront api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}

	janitorCancel()
	janitorWG.Wait()

	if orderPublisher != nil {
		orderPublisher.Stop()
	}
	if pubsubClient != nil {
		if err := pubsubClient.Close(); err != nil {
			logger.Warn("pubsub close error", zap.Error(err))
		}
	}
	if firestoreProvider != nil {
		if err := firestoreProvider.Close(); err != nil {
			logger.Warn("firestore close error", zap.Error(err))
		}
	}
}
