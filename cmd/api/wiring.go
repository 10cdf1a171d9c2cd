package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/fieldshop/storefront/internal/payments"
	"github.com/fieldshop/storefront/internal/platform/config"
	"github.com/fieldshop/storefront/internal/platform/idempotency"
	"github.com/fieldshop/storefront/internal/platform/observability"
	"github.com/fieldshop/storefront/internal/platform/secrets"
)

func newSecretResolver(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Resolver, error) {
	lookup := func(key string) string {
		if env == nil {
			return ""
		}
		return strings.TrimSpace(env[key])
	}

	project := lookup("STORE_SECRETS_PROJECT_ID")
	if project == "" {
		project = lookup("STORE_FIRESTORE_PROJECT_ID")
	}
	fallbackPath := lookup("STORE_SECRETS_FALLBACK_FILE")
	if fallbackPath == "" {
		fallbackPath = ".secrets.local"
	}

	opts := []secrets.Option{
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(fallbackPath),
	}
	if project != "" {
		opts = append(opts, secrets.WithProject(project))
	}
	return secrets.NewResolver(ctx, opts...)
}

// requiredSecretNames lists the credentials the configured default provider cannot run without.
func requiredSecretNames(env map[string]string) []string {
	provider := "square"
	if env != nil {
		if value := strings.ToLower(strings.TrimSpace(env["STORE_PSP_DEFAULT_PROVIDER"])); value != "" {
			provider = value
		}
	}
	switch provider {
	case "stripe":
		return []string{"Stripe.APIKey"}
	default:
		return []string{"Square.AccessToken"}
	}
}

// newPaymentManager registers every provider that has credentials configured.
func newPaymentManager(cfg config.Config, logger *zap.Logger) (*payments.Manager, error) {
	providers := make(map[string]payments.Provider, 2)
	if cfg.Square.AccessToken != "" {
		square, err := payments.NewSquareGateway(payments.SquareGatewayConfig{
			AccessToken: cfg.Square.AccessToken,
			Environment: cfg.Square.Environment,
			BaseURL:     cfg.Square.BaseURL,
			Logger:      payments.SquareLogger(observability.EventLogger(logger.Named("square"))),
		})
		if err != nil {
			return nil, fmt.Errorf("square: %w", err)
		}
		providers["square"] = square
	}
	if cfg.Stripe.APIKey != "" {
		stripe, err := payments.NewStripeProvider(payments.StripeProviderConfig{
			APIKey:    cfg.Stripe.APIKey,
			AccountID: cfg.Stripe.AccountID,
			Logger:    payments.StripeLogger(observability.EventLogger(logger.Named("stripe"))),
		})
		if err != nil {
			return nil, fmt.Errorf("stripe: %w", err)
		}
		providers["stripe"] = stripe
	}
	if len(providers) == 0 {
		return nil, errors.New("no payment provider credentials configured")
	}
	return payments.NewManager(providers,
		payments.WithDefaultProvider(cfg.PSP.DefaultProvider),
		payments.WithCurrencyRoutes(cfg.PSP.CurrencyRoutes),
	)
}

func feeSchedule(cfg config.Config) payments.FeeSchedule {
	return payments.FeeSchedule{
		ProcessingPercent: cfg.Checkout.ProcessingPercent,
		ProcessingFlat:    cfg.Checkout.ProcessingFlat,
		ShippingFlat:      cfg.Checkout.ShippingFlat,
	}
}

func topicReadiness(topic *pubsub.Topic) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		ok, err := topic.Exists(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("topic %s does not exist", topic.ID())
		}
		return nil
	}
}

func runIdempotencyCleanup(ctx context.Context, logger *zap.Logger, store idempotency.Store, cfg config.IdempotencyConfig) {
	ticker := time.NewTicker(cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			runCtx, cancel := context.WithTimeout(ctx, time.Minute)
			removed, err := store.CleanupExpired(runCtx, time.Now().UTC(), cfg.CleanupBatchSize)
			cancel()
			if err != nil {
				logger.Error("idempotency cleanup error", zap.Error(err))
				continue
			}
			if removed > 0 {
				logger.Info("idempotency cleanup removed records", zap.Int("count", removed))
			}
		case <-ctx.Done():
			return
		}
	}
}
