package config

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	defaultEnvFile             = ".env"
	defaultPort                = "8080"
	defaultReadTimeout         = 15 * time.Second
	defaultWriteTimeout        = 30 * time.Second
	defaultIdleTimeout         = 120 * time.Second
	defaultShutdownTimeout     = 10 * time.Second
	defaultRequestTimeout      = 30 * time.Second
	defaultMaxBodyBytes        = 64 << 10
	defaultSquareEnvironment   = "sandbox"
	defaultProvider            = "square"
	defaultCurrency            = "USD"
	defaultProcessingPercent   = "2.9"
	defaultProcessingFlat      = 30
	defaultShippingFlat        = 500
	defaultOrdersPerMinute     = 10
	defaultOrdersBurst         = 5
	defaultLimiterIdleTTL      = 10 * time.Minute
	defaultIdempotencyHeader   = "Idempotency-Key"
	defaultIdempotencyTTL      = 24 * time.Hour
	defaultIdempotencyInterval = time.Hour
	defaultIdempotencyBatch    = 200
	defaultIdempotencyStore    = "memory"
	defaultSecretsEnvironment  = "local"
	defaultSecretsFallbackFile = ".secrets.local"
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server      ServerConfig
	Firestore   FirestoreConfig
	Square      SquareConfig
	Stripe      StripeConfig
	PSP         PSPConfig
	Checkout    CheckoutConfig
	RateLimits  RateLimitConfig
	Idempotency IdempotencyConfig
	PubSub      PubSubConfig
	Secrets     SecretsConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	RequestTimeout  time.Duration
	MaxBodyBytes    int64
}

// FirestoreConfig stores database parameters.
type FirestoreConfig struct {
	ProjectID             string
	EmulatorHost          string
	IdempotencyCollection string
}

// SquareConfig holds Square credentials and the selling location.
type SquareConfig struct {
	AccessToken string
	Environment string
	BaseURL     string
	LocationID  string
}

// StripeConfig holds Stripe credentials.
type StripeConfig struct {
	APIKey    string
	AccountID string
}

// PSPConfig controls provider routing.
type PSPConfig struct {
	DefaultProvider string
	CurrencyRoutes  map[string]string
	Currency        string
}

// CheckoutConfig describes the fees added to every order.
type CheckoutConfig struct {
	ProcessingPercent decimal.Decimal
	ProcessingFlat    int64
	ShippingFlat      int64
}

// RateLimitConfig controls order endpoint throttling per client IP.
type RateLimitConfig struct {
	OrdersPerMinute int
	Burst           int
	IdleTTL         time.Duration
}

// IdempotencyConfig controls idempotency middleware behaviour.
type IdempotencyConfig struct {
	Header           string
	TTL              time.Duration
	CleanupInterval  time.Duration
	CleanupBatchSize int
	Store            string
}

// PubSubConfig names the topic receiving order events. An empty topic disables publishing.
type PubSubConfig struct {
	ProjectID  string
	OrderTopic string
}

// SecretsConfig configures secret reference resolution.
type SecretsConfig struct {
	Environment    string
	DefaultProject string
	FallbackFile   string
}

// SecretResolver resolves references to external secrets (e.g. Secret Manager URIs).
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts ordinary functions to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

// ResolveSecret resolves the secret using the wrapped function.
func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError is returned when required configuration fields are missing or invalid.
type ValidationError struct {
	fields []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	out := make([]string, len(e.fields))
	copy(out, e.fields)
	return out
}

// SecretError describes failures while resolving a secret reference.
type SecretError struct {
	Ref string
	Err error
}

func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

func (e *SecretError) Unwrap() error { return e.Err }

// MissingSecretsError indicates that one or more required secrets resolved to nothing.
// Names are reported as short hashes so logs never carry secret identifiers.
type MissingSecretsError struct {
	names []string
}

func (e *MissingSecretsError) Error() string {
	return fmt.Sprintf("missing required secrets [%s]", strings.Join(e.RedactedNames(), ", "))
}

// RedactedNames returns the sorted redacted identifiers.
func (e *MissingSecretsError) RedactedNames() []string {
	if e == nil {
		return nil
	}
	out := make([]string, 0, len(e.names))
	for _, name := range e.names {
		sum := sha256.Sum256([]byte(name))
		out = append(out, hex.EncodeToString(sum[:8]))
	}
	sort.Strings(out)
	return out
}

// Names returns the sorted secret identifiers.
func (e *MissingSecretsError) Names() []string {
	if e == nil {
		return nil
	}
	out := append([]string(nil), e.names...)
	sort.Strings(out)
	return out
}

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile         string
	envMap          map[string]string
	useSystemEnv    bool
	secret          SecretResolver
	requiredSecrets []string
}

// WithEnvFile overrides the .env file path. An empty path skips the file.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) { o.envFile = path }
}

// WithEnvMap injects explicit values that take precedence over the process environment.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) { o.envMap = values }
}

// WithoutSystemEnv disables reading the process environment.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) { o.useSystemEnv = false }
}

// WithSecretResolver sets the resolver used for secret:// and sm:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) { o.secret = resolver }
}

// WithRequiredSecrets marks secret fields (e.g. "Square.AccessToken") as mandatory.
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) { o.requiredSecrets = append(o.requiredSecrets, names...) }
}

func newLoaderOptions(opts []Option) loaderOptions {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
	}
	for _, opt := range opts {
		opt(&options)
	}
	return options
}

// EnvironmentValues returns the merged environment using the same precedence as Load
// (dotenv < OS env < explicit map) so callers can build the secret resolver first.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	options := newLoaderOptions(opts)
	values, err := loadDotEnv(options.envFile)
	if err != nil {
		return nil, err
	}
	if values == nil {
		values = make(map[string]string)
	}
	if options.useSystemEnv {
		for _, entry := range os.Environ() {
			key, value, ok := strings.Cut(entry, "=")
			if !ok || strings.TrimSpace(key) == "" {
				continue
			}
			values[strings.TrimSpace(key)] = value
		}
	}
	for key, value := range options.envMap {
		values[key] = value
	}
	return values, nil
}

// Load assembles the configuration from defaults, .env overrides, environment variables
// and secret references.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := newLoaderOptions(opts)
	values, err := EnvironmentValues(opts...)
	if err != nil {
		return Config{}, err
	}
	lookup := func(key string) (string, bool) {
		value, ok := values[key]
		return strings.TrimSpace(value), ok
	}

	cfg := Config{
		Server: ServerConfig{
			Port:            stringWithDefault(lookup, "STORE_SERVER_PORT", defaultPort),
			ReadTimeout:     durationWithDefault(lookup, "STORE_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout:    durationWithDefault(lookup, "STORE_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:     durationWithDefault(lookup, "STORE_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
			ShutdownTimeout: durationWithDefault(lookup, "STORE_SERVER_SHUTDOWN_TIMEOUT", defaultShutdownTimeout),
			RequestTimeout:  durationWithDefault(lookup, "STORE_SERVER_REQUEST_TIMEOUT", defaultRequestTimeout),
			MaxBodyBytes:    int64(intWithDefault(lookup, "STORE_SERVER_MAX_BODY_BYTES", defaultMaxBodyBytes)),
		},
		Firestore: FirestoreConfig{
			ProjectID:             stringWithDefault(lookup, "STORE_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost:          stringWithDefault(lookup, "STORE_FIRESTORE_EMULATOR_HOST", ""),
			IdempotencyCollection: stringWithDefault(lookup, "STORE_FIRESTORE_IDEMPOTENCY_COLLECTION", "idempotencyKeys"),
		},
		Square: SquareConfig{
			AccessToken: stringWithDefault(lookup, "STORE_SQUARE_ACCESS_TOKEN", ""),
			Environment: strings.ToLower(stringWithDefault(lookup, "STORE_SQUARE_ENVIRONMENT", defaultSquareEnvironment)),
			BaseURL:     stringWithDefault(lookup, "STORE_SQUARE_BASE_URL", ""),
			LocationID:  stringWithDefault(lookup, "STORE_SQUARE_LOCATION_ID", ""),
		},
		Stripe: StripeConfig{
			APIKey:    stringWithDefault(lookup, "STORE_STRIPE_API_KEY", ""),
			AccountID: stringWithDefault(lookup, "STORE_STRIPE_ACCOUNT_ID", ""),
		},
		PSP: PSPConfig{
			DefaultProvider: strings.ToLower(stringWithDefault(lookup, "STORE_PSP_DEFAULT_PROVIDER", defaultProvider)),
			CurrencyRoutes:  mapWithDefault(lookup, "STORE_PSP_CURRENCY_ROUTES"),
			Currency:        strings.ToUpper(stringWithDefault(lookup, "STORE_PSP_CURRENCY", defaultCurrency)),
		},
		Checkout: CheckoutConfig{
			ProcessingPercent: decimalWithDefault(lookup, "STORE_CHECKOUT_PROCESSING_PERCENT", defaultProcessingPercent),
			ProcessingFlat:    int64(intWithDefault(lookup, "STORE_CHECKOUT_PROCESSING_FLAT", defaultProcessingFlat)),
			ShippingFlat:      int64(intWithDefault(lookup, "STORE_CHECKOUT_SHIPPING_FLAT", defaultShippingFlat)),
		},
		RateLimits: RateLimitConfig{
			OrdersPerMinute: intWithDefault(lookup, "STORE_RATELIMIT_ORDERS_PER_MIN", defaultOrdersPerMinute),
			Burst:           intWithDefault(lookup, "STORE_RATELIMIT_ORDERS_BURST", defaultOrdersBurst),
			IdleTTL:         durationWithDefault(lookup, "STORE_RATELIMIT_IDLE_TTL", defaultLimiterIdleTTL),
		},
		Idempotency: IdempotencyConfig{
			Header:           stringWithDefault(lookup, "STORE_IDEMPOTENCY_HEADER", defaultIdempotencyHeader),
			TTL:              durationWithDefault(lookup, "STORE_IDEMPOTENCY_TTL", defaultIdempotencyTTL),
			CleanupInterval:  durationWithDefault(lookup, "STORE_IDEMPOTENCY_CLEANUP_INTERVAL", defaultIdempotencyInterval),
			CleanupBatchSize: intWithDefault(lookup, "STORE_IDEMPOTENCY_CLEANUP_BATCH", defaultIdempotencyBatch),
			Store:            strings.ToLower(stringWithDefault(lookup, "STORE_IDEMPOTENCY_STORE", defaultIdempotencyStore)),
		},
		PubSub: PubSubConfig{
			ProjectID:  stringWithDefault(lookup, "STORE_PUBSUB_PROJECT_ID", ""),
			OrderTopic: stringWithDefault(lookup, "STORE_PUBSUB_ORDER_TOPIC", ""),
		},
		Secrets: SecretsConfig{
			Environment:    strings.ToLower(stringWithDefault(lookup, "STORE_SECRETS_ENVIRONMENT", defaultSecretsEnvironment)),
			DefaultProject: stringWithDefault(lookup, "STORE_SECRETS_PROJECT_ID", ""),
			FallbackFile:   stringWithDefault(lookup, "STORE_SECRETS_FALLBACK_FILE", defaultSecretsFallbackFile),
		},
	}

	if cfg.PubSub.ProjectID == "" {
		cfg.PubSub.ProjectID = cfg.Firestore.ProjectID
	}
	if cfg.Secrets.DefaultProject == "" {
		cfg.Secrets.DefaultProject = cfg.Firestore.ProjectID
	}

	resolved := make(map[string]string)
	secretFields := []struct {
		name  string
		field *string
	}{
		{"Square.AccessToken", &cfg.Square.AccessToken},
		{"Stripe.APIKey", &cfg.Stripe.APIKey},
	}
	for _, target := range secretFields {
		value, err := resolveSecret(ctx, *target.field, options.secret)
		if err != nil {
			return Config{}, err
		}
		*target.field = value
		resolved[target.name] = value
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	if missing := findMissingSecrets(options.requiredSecrets, resolved); missing != nil {
		return Config{}, missing
	}
	return cfg, nil
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	if !isSecretReference(value) {
		return value, nil
	}
	ref := normalizeSecretReference(value)
	if resolver == nil {
		return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
	}
	secret, err := resolver.ResolveSecret(ctx, ref)
	if err != nil {
		return "", &SecretError{Ref: ref, Err: err}
	}
	return strings.TrimSpace(secret), nil
}

func validateConfig(cfg Config) error {
	var missing []string

	if cfg.Server.Port == "" {
		missing = append(missing, "Server.Port")
	}
	if cfg.Server.MaxBodyBytes <= 0 {
		missing = append(missing, "Server.MaxBodyBytes")
	}
	if cfg.Square.AccessToken == "" && cfg.Stripe.APIKey == "" {
		missing = append(missing, "PSP.Credentials")
	}
	if cfg.Square.AccessToken != "" && cfg.Square.LocationID == "" {
		missing = append(missing, "Square.LocationID")
	}
	switch cfg.PSP.DefaultProvider {
	case "square":
		if cfg.Square.AccessToken == "" {
			missing = append(missing, "PSP.DefaultProvider")
		}
	case "stripe":
		if cfg.Stripe.APIKey == "" {
			missing = append(missing, "PSP.DefaultProvider")
		}
	default:
		missing = append(missing, "PSP.DefaultProvider")
	}
	if cfg.Checkout.ProcessingPercent.IsNegative() || cfg.Checkout.ProcessingFlat < 0 || cfg.Checkout.ShippingFlat < 0 {
		missing = append(missing, "Checkout.Fees")
	}
	if cfg.RateLimits.OrdersPerMinute <= 0 {
		missing = append(missing, "RateLimits.OrdersPerMinute")
	}
	if cfg.RateLimits.Burst <= 0 {
		missing = append(missing, "RateLimits.Burst")
	}
	if cfg.Idempotency.Header == "" {
		missing = append(missing, "Idempotency.Header")
	}
	if cfg.Idempotency.TTL <= 0 {
		missing = append(missing, "Idempotency.TTL")
	}
	if cfg.Idempotency.CleanupInterval <= 0 {
		missing = append(missing, "Idempotency.CleanupInterval")
	}
	if cfg.Idempotency.CleanupBatchSize <= 0 {
		missing = append(missing, "Idempotency.CleanupBatchSize")
	}
	switch cfg.Idempotency.Store {
	case "memory":
	case "firestore":
		if cfg.Firestore.ProjectID == "" {
			missing = append(missing, "Firestore.ProjectID")
		}
	default:
		missing = append(missing, "Idempotency.Store")
	}
	if cfg.PubSub.OrderTopic != "" && cfg.PubSub.ProjectID == "" {
		missing = append(missing, "PubSub.ProjectID")
	}

	if len(missing) > 0 {
		return &ValidationError{fields: missing}
	}
	return nil
}

func findMissingSecrets(required []string, resolved map[string]string) *MissingSecretsError {
	var missing []string
	seen := make(map[string]struct{})
	for _, name := range required {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		if strings.TrimSpace(resolved[name]) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return &MissingSecretsError{names: missing}
}

func isSecretReference(value string) bool {
	trimmed := strings.TrimSpace(value)
	return strings.HasPrefix(trimmed, "secret://") || strings.HasPrefix(trimmed, "sm://")
}

func normalizeSecretReference(value string) string {
	trimmed := strings.TrimSpace(value)
	if rest, ok := strings.CutPrefix(trimmed, "sm://"); ok {
		return "secret://" + rest
	}
	return trimmed
}

func loadDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}
	file, err := os.Open(absPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: unable to read %s: %w", absPath, err)
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		key, value, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		values[key] = strings.Trim(strings.TrimSpace(value), "\"'")
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: failed parsing %s: %w", absPath, err)
	}
	return values, nil
}

type lookupFunc func(string) (string, bool)

func stringWithDefault(lookup lookupFunc, key, fallback string) string {
	if value, ok := lookup(key); ok && value != "" {
		return value
	}
	return fallback
}

func durationWithDefault(lookup lookupFunc, key string, fallback time.Duration) time.Duration {
	if value, ok := lookup(key); ok && value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

func intWithDefault(lookup lookupFunc, key string, fallback int) int {
	if value, ok := lookup(key); ok && value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func decimalWithDefault(lookup lookupFunc, key, fallback string) decimal.Decimal {
	if value, ok := lookup(key); ok && value != "" {
		if parsed, err := decimal.NewFromString(value); err == nil {
			return parsed
		}
	}
	return decimal.RequireFromString(fallback)
}

// mapWithDefault parses "usd=square,eur=stripe" lists. Keys are upper-cased currency
// codes and values lower-cased provider names.
func mapWithDefault(lookup lookupFunc, key string) map[string]string {
	values := make(map[string]string)
	raw, ok := lookup(key)
	if !ok || raw == "" {
		return values
	}
	for _, entry := range strings.Split(raw, ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(entry), "=")
		name = strings.ToUpper(strings.TrimSpace(name))
		value = strings.ToLower(strings.TrimSpace(value))
		if !ok || name == "" || value == "" {
			continue
		}
		values[name] = value
	}
	return values
}
