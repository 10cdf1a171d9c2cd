package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadWithDefaults(t *testing.T) {
	env := map[string]string{
		"STORE_SQUARE_ACCESS_TOKEN": "sq-token",
		"STORE_SQUARE_LOCATION_ID":  "LOC1",
	}

	cfg, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "8080" {
		t.Errorf("expected default port 8080, got %s", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("unexpected read timeout: %s", cfg.Server.ReadTimeout)
	}
	if cfg.Server.MaxBodyBytes != defaultMaxBodyBytes {
		t.Errorf("unexpected body limit: %d", cfg.Server.MaxBodyBytes)
	}
	if cfg.Square.Environment != "sandbox" || cfg.Square.BaseURL != "" {
		t.Errorf("unexpected square defaults: %+v", cfg.Square)
	}
	if cfg.PSP.DefaultProvider != "square" || cfg.PSP.Currency != "USD" {
		t.Errorf("unexpected psp defaults: %+v", cfg.PSP)
	}
	if cfg.Checkout.ProcessingPercent.String() != "2.9" || cfg.Checkout.ProcessingFlat != 30 || cfg.Checkout.ShippingFlat != 500 {
		t.Errorf("unexpected checkout fees: %+v", cfg.Checkout)
	}
	if cfg.RateLimits.OrdersPerMinute != defaultOrdersPerMinute || cfg.RateLimits.Burst != defaultOrdersBurst {
		t.Errorf("unexpected rate limits: %+v", cfg.RateLimits)
	}
	if cfg.Idempotency.Header != defaultIdempotencyHeader || cfg.Idempotency.TTL != defaultIdempotencyTTL {
		t.Errorf("unexpected idempotency defaults: %+v", cfg.Idempotency)
	}
	if cfg.Idempotency.Store != "memory" {
		t.Errorf("expected memory store, got %s", cfg.Idempotency.Store)
	}
	if cfg.PubSub.OrderTopic != "" {
		t.Errorf("expected publishing disabled by default")
	}
}

func TestLoadWithOverridesAndSecrets(t *testing.T) {
	env := map[string]string{
		"STORE_SERVER_PORT":                  "9090",
		"STORE_SERVER_READ_TIMEOUT":          "20s",
		"STORE_FIRESTORE_PROJECT_ID":         "shop-prod",
		"STORE_SQUARE_ACCESS_TOKEN":          "sm://square_token",
		"STORE_SQUARE_ENVIRONMENT":           "Production",
		"STORE_SQUARE_LOCATION_ID":           "LOC1",
		"STORE_STRIPE_API_KEY":               "secret://stripe_key",
		"STORE_PSP_CURRENCY_ROUTES":          "eur=Stripe, usd=square,bad",
		"STORE_CHECKOUT_PROCESSING_PERCENT":  "3.5",
		"STORE_IDEMPOTENCY_STORE":            "firestore",
		"STORE_IDEMPOTENCY_CLEANUP_INTERVAL": "30m",
		"STORE_PUBSUB_ORDER_TOPIC":           "orders",
	}
	resolver := SecretResolverFunc(func(ctx context.Context, ref string) (string, error) {
		switch ref {
		case "secret://square_token":
			return "sq-live ", nil
		case "secret://stripe_key":
			return "sk_live", nil
		}
		return "", errors.New("unexpected ref " + ref)
	})

	cfg, err := Load(context.Background(),
		WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""),
		WithSecretResolver(resolver),
		WithRequiredSecrets("Square.AccessToken"))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "9090" || cfg.Server.ReadTimeout != 20*time.Second {
		t.Errorf("unexpected server config: %+v", cfg.Server)
	}
	if cfg.Square.AccessToken != "sq-live" || cfg.Stripe.APIKey != "sk_live" {
		t.Errorf("expected resolved secrets, got %q %q", cfg.Square.AccessToken, cfg.Stripe.APIKey)
	}
	if cfg.Square.Environment != "production" {
		t.Errorf("expected lower-cased environment, got %s", cfg.Square.Environment)
	}
	if len(cfg.PSP.CurrencyRoutes) != 2 || cfg.PSP.CurrencyRoutes["EUR"] != "stripe" || cfg.PSP.CurrencyRoutes["USD"] != "square" {
		t.Errorf("unexpected currency routes: %v", cfg.PSP.CurrencyRoutes)
	}
	if cfg.Checkout.ProcessingPercent.String() != "3.5" {
		t.Errorf("unexpected processing percent: %s", cfg.Checkout.ProcessingPercent)
	}
	if cfg.Idempotency.CleanupInterval != 30*time.Minute {
		t.Errorf("unexpected cleanup interval: %s", cfg.Idempotency.CleanupInterval)
	}
	if cfg.PubSub.ProjectID != "shop-prod" || cfg.Secrets.DefaultProject != "shop-prod" {
		t.Errorf("expected project fallbacks, got %+v %+v", cfg.PubSub, cfg.Secrets)
	}
}

func TestLoadValidationErrors(t *testing.T) {
	env := map[string]string{
		"STORE_SQUARE_ACCESS_TOKEN":       "sq-token",
		"STORE_RATELIMIT_ORDERS_PER_MIN":  "0",
		"STORE_IDEMPOTENCY_STORE":         "redis",
		"STORE_PSP_DEFAULT_PROVIDER":      "paypal",
		"STORE_CHECKOUT_PROCESSING_FLAT":  "-1",
		"STORE_SERVER_MAX_BODY_BYTES":     "0",
		"STORE_IDEMPOTENCY_CLEANUP_BATCH": "not-a-number",
	}

	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	var vErr *ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	want := map[string]bool{
		"Square.LocationID":          true,
		"PSP.DefaultProvider":        true,
		"Checkout.Fees":              true,
		"RateLimits.OrdersPerMinute": true,
		"Idempotency.Store":          true,
		"Server.MaxBodyBytes":        true,
	}
	fields := vErr.Fields()
	if len(fields) != len(want) {
		t.Fatalf("unexpected fields: %v", fields)
	}
	for _, field := range fields {
		if !want[field] {
			t.Errorf("unexpected field %s", field)
		}
	}
}

func TestLoadRequiresSomeProvider(t *testing.T) {
	_, err := Load(context.Background(), WithEnvMap(map[string]string{}), WithoutSystemEnv(), WithEnvFile(""))
	var vErr *ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	found := false
	for _, field := range vErr.Fields() {
		if field == "PSP.Credentials" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected PSP.Credentials in %v", vErr.Fields())
	}
}

func TestLoadSecretResolverMissing(t *testing.T) {
	env := map[string]string{
		"STORE_STRIPE_API_KEY":       "sm://stripe_key",
		"STORE_PSP_DEFAULT_PROVIDER": "stripe",
	}
	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	var sErr *SecretError
	if !errors.As(err, &sErr) {
		t.Fatalf("expected SecretError, got %v", err)
	}
	if sErr.Ref != "secret://stripe_key" {
		t.Errorf("expected normalised ref, got %s", sErr.Ref)
	}
	if !errors.Is(err, errSecretResolverNotConfigured) {
		t.Errorf("expected wrapped resolver error")
	}
}

func TestLoadMissingRequiredSecrets(t *testing.T) {
	env := map[string]string{
		"STORE_SQUARE_ACCESS_TOKEN": "sq-token",
		"STORE_SQUARE_LOCATION_ID":  "LOC1",
	}
	_, err := Load(context.Background(),
		WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""),
		WithRequiredSecrets("Stripe.APIKey", "Stripe.APIKey", " "))
	var mErr *MissingSecretsError
	if !errors.As(err, &mErr) {
		t.Fatalf("expected MissingSecretsError, got %v", err)
	}
	if names := mErr.Names(); len(names) != 1 || names[0] != "Stripe.APIKey" {
		t.Fatalf("unexpected names %v", names)
	}
	redacted := mErr.RedactedNames()
	if len(redacted) != 1 || len(redacted[0]) != 16 || redacted[0] == "Stripe.APIKey" {
		t.Fatalf("expected redacted names, got %v", redacted)
	}
}

func TestLoadPrecedence(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	contents := "# local overrides\nexport STORE_SERVER_PORT=7070\nSTORE_SQUARE_ACCESS_TOKEN=\"from-file\"\nSTORE_SQUARE_LOCATION_ID='LOC-FILE'\n"
	if err := os.WriteFile(envPath, []byte(contents), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	cfg, err := Load(context.Background(), WithEnvFile(envPath), WithoutSystemEnv())
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Server.Port != "7070" || cfg.Square.AccessToken != "from-file" || cfg.Square.LocationID != "LOC-FILE" {
		t.Fatalf("expected dotenv values, got %+v %+v", cfg.Server, cfg.Square)
	}

	cfg, err = Load(context.Background(), WithEnvFile(envPath), WithoutSystemEnv(),
		WithEnvMap(map[string]string{"STORE_SERVER_PORT": "6060"}))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Server.Port != "6060" {
		t.Fatalf("expected explicit map to win, got %s", cfg.Server.Port)
	}
}

func TestEnvironmentValuesMergesSources(t *testing.T) {
	t.Setenv("STORE_TEST_ONLY_VALUE", "from-os")
	values, err := EnvironmentValues(WithEnvFile(""), WithEnvMap(map[string]string{"STORE_EXTRA": "x"}))
	if err != nil {
		t.Fatalf("EnvironmentValues returned error: %v", err)
	}
	if values["STORE_TEST_ONLY_VALUE"] != "from-os" || values["STORE_EXTRA"] != "x" {
		t.Fatalf("unexpected merged values: %v", values)
	}
}
