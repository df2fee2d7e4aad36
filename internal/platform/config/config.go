package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultEnvFile             = ".env"
	defaultPort                = "8080"
	defaultReadTimeout         = 15 * time.Second
	defaultWriteTimeout        = 30 * time.Second
	defaultIdleTimeout         = 120 * time.Second
	defaultEnvironment         = EnvLocal
	defaultLedgerBackend       = "memory"
	defaultCurrency            = "usd"
	defaultPSPTimeout          = 20 * time.Second
	defaultRefundAttempts      = 3
	defaultSMSRegion           = "US"
	defaultEventsBackend       = "none"
	defaultAuthMode            = AuthModeFirebase
	defaultOIDCJWKSURL         = "https://www.googleapis.com/oauth2/v3/certs"
	defaultOIDCIssuer          = "https://accounts.google.com"
	defaultIdempotencyBackend  = "memory"
	defaultIdempotencyHeader   = "Idempotency-Key"
	defaultIdempotencyTTL      = 24 * time.Hour
	defaultIdempotencyBatch    = 200
	defaultOrdersPerMinute     = 30
	defaultCancellationsPerMin = 10
	defaultServiceName         = "jbites-api"
)

// Deployment environments.
const (
	EnvLocal       = "local"
	EnvDevelopment = "development"
	EnvStaging     = "staging"
	EnvProduction  = "production"
)

// Authentication modes.
const (
	AuthModeFirebase = "firebase"
	AuthModeJWT      = "jwt"
	AuthModeDisabled = "disabled"
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Environment string
	Server      ServerConfig
	Firebase    FirebaseConfig
	Firestore   FirestoreConfig
	Ledger      LedgerConfig
	PSP         PSPConfig
	SMS         SMSConfig
	Events      EventsConfig
	Auth        AuthConfig
	Security    SecurityConfig
	Idempotency IdempotencyConfig
	RateLimits  RateLimitConfig
	Features    FeatureFlags
	Telemetry   TelemetryConfig
}

// IsProduction reports whether the service runs in production.
func (c Config) IsProduction() bool {
	return c.Environment == EnvProduction
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// FirebaseConfig stores Firebase project settings.
type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
}

// FirestoreConfig stores Firestore connection parameters.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// LedgerConfig selects the order ledger backend.
type LedgerConfig struct {
	Backend     string
	PostgresDSN string
}

// PSPConfig collects Stripe settings.
type PSPConfig struct {
	StripeAPIKey        string
	StripeWebhookSecret string
	Currency            string
	SuccessURL          string
	CancelURL           string
	RequestTimeout      time.Duration
	RefundAttempts      int
}

// SMSConfig controls customer notifications.
type SMSConfig struct {
	Enabled          bool
	TwilioAccountSID string
	TwilioAuthToken  string
	FromNumber       string
	DefaultRegion    string
}

// EventsConfig selects where order lifecycle events are published.
type EventsConfig struct {
	Backend      string
	PubSubTopic  string
	KafkaBrokers []string
	KafkaTopic   string
}

// AuthConfig selects how customer and staff bearer tokens are verified.
type AuthConfig struct {
	Mode      string
	JWTSecret string
}

// SecurityConfig groups server-to-server authentication settings.
type SecurityConfig struct {
	OIDC OIDCConfig
}

// OIDCConfig controls Google-signed service token verification.
type OIDCConfig struct {
	JWKSURL  string
	Audience string
	Issuers  []string
}

// IdempotencyConfig controls the idempotency middleware.
type IdempotencyConfig struct {
	Backend          string
	RedisAddr        string
	Header           string
	TTL              time.Duration
	CleanupBatchSize int
}

// RateLimitConfig controls per-identity throttling.
type RateLimitConfig struct {
	OrdersPerMinute        int
	CancellationsPerMinute int
}

// FeatureFlags toggle optional behaviour without redeploying.
type FeatureFlags struct {
	SeedCatalog bool
}

// TelemetryConfig configures trace export.
type TelemetryConfig struct {
	ServiceName      string
	ExporterEndpoint string
}

// SecretResolver resolves references to external secrets (Secret Manager URIs).
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

// SecretError describes a failure while resolving a secret reference.
type SecretError struct {
	Ref string
	Err error
}

// Error implements the error interface.
func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

// Unwrap exposes the underlying error.
func (e *SecretError) Unwrap() error { return e.Err }

// MissingSecretsError lists required secrets that resolved to empty values.
type MissingSecretsError struct {
	names []string
}

// Error implements the error interface. Names are redacted.
func (e *MissingSecretsError) Error() string {
	redacted := make([]string, 0, len(e.names))
	for _, name := range e.names {
		sum := sha256.Sum256([]byte(name))
		redacted = append(redacted, hex.EncodeToString(sum[:8]))
	}
	sort.Strings(redacted)
	return fmt.Sprintf("missing required secrets [%s]", strings.Join(redacted, ", "))
}

// Names returns the missing secret field names.
func (e *MissingSecretsError) Names() []string {
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

// WithEnvFile overrides the .env file path. An empty path disables dotenv loading.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) { o.envFile = path }
}

// WithEnvMap injects explicit values that take precedence over the OS environment.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) { o.envMap = values }
}

// WithoutSystemEnv disables reading the process environment.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) { o.useSystemEnv = false }
}

// WithSecretResolver sets the resolver used for sm:// and secret:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) { o.secret = resolver }
}

// WithRequiredSecrets marks secret fields ("PSP.StripeAPIKey") as mandatory.
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) { o.requiredSecrets = append(o.requiredSecrets, names...) }
}

func newLoaderOptions(opts []Option) loaderOptions {
	options := loaderOptions{envFile: defaultEnvFile, useSystemEnv: true}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	return options
}

// EnvironmentValues returns the merged environment with Load's precedence
// (dotenv < OS env < explicit map) so callers can build dependencies such as
// the secret fetcher before calling Load.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	options := newLoaderOptions(opts)
	values, err := loadDotEnv(options.envFile)
	if err != nil {
		return nil, err
	}
	if values == nil {
		values = map[string]string{}
	}
	if options.useSystemEnv {
		for _, entry := range os.Environ() {
			if key, value, ok := strings.Cut(entry, "="); ok && strings.TrimSpace(key) != "" {
				values[key] = value
			}
		}
	}
	for key, value := range options.envMap {
		values[key] = value
	}
	return values, nil
}

// Load assembles the configuration from defaults, .env, the environment and Secret Manager.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := newLoaderOptions(opts)

	values, err := EnvironmentValues(opts...)
	if err != nil {
		return Config{}, err
	}
	lookup := func(key string) (string, bool) {
		value, ok := values[key]
		return value, ok
	}

	cfg := Config{
		Environment: strings.ToLower(stringWithDefault(lookup, "API_ENVIRONMENT", defaultEnvironment)),
		Server: ServerConfig{
			Port:         stringWithDefault(lookup, "API_SERVER_PORT", defaultPort),
			ReadTimeout:  durationWithDefault(lookup, "API_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout: durationWithDefault(lookup, "API_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:  durationWithDefault(lookup, "API_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
		},
		Firebase: FirebaseConfig{
			ProjectID:       stringWithDefault(lookup, "API_FIREBASE_PROJECT_ID", ""),
			CredentialsFile: stringWithDefault(lookup, "API_FIREBASE_CREDENTIALS_FILE", ""),
		},
		Firestore: FirestoreConfig{
			ProjectID:    stringWithDefault(lookup, "API_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: stringWithDefault(lookup, "API_FIRESTORE_EMULATOR_HOST", ""),
		},
		Ledger: LedgerConfig{
			Backend:     strings.ToLower(stringWithDefault(lookup, "API_LEDGER_BACKEND", defaultLedgerBackend)),
			PostgresDSN: stringWithDefault(lookup, "API_POSTGRES_DSN", ""),
		},
		PSP: PSPConfig{
			StripeAPIKey:        stringWithDefault(lookup, "API_PSP_STRIPE_API_KEY", ""),
			StripeWebhookSecret: stringWithDefault(lookup, "API_PSP_STRIPE_WEBHOOK_SECRET", ""),
			Currency:            strings.ToLower(stringWithDefault(lookup, "API_PSP_CURRENCY", defaultCurrency)),
			SuccessURL:          stringWithDefault(lookup, "API_PSP_SUCCESS_URL", "http://localhost:3000/orders/success"),
			CancelURL:           stringWithDefault(lookup, "API_PSP_CANCEL_URL", "http://localhost:3000/orders/cancel"),
			RequestTimeout:      durationWithDefault(lookup, "API_PSP_REQUEST_TIMEOUT", defaultPSPTimeout),
			RefundAttempts:      intWithDefault(lookup, "API_PSP_REFUND_ATTEMPTS", defaultRefundAttempts),
		},
		SMS: SMSConfig{
			Enabled:          boolWithDefault(lookup, "API_SMS_ENABLED", false),
			TwilioAccountSID: stringWithDefault(lookup, "API_SMS_TWILIO_ACCOUNT_SID", ""),
			TwilioAuthToken:  stringWithDefault(lookup, "API_SMS_TWILIO_AUTH_TOKEN", ""),
			FromNumber:       stringWithDefault(lookup, "API_SMS_FROM_NUMBER", ""),
			DefaultRegion:    strings.ToUpper(stringWithDefault(lookup, "API_SMS_DEFAULT_REGION", defaultSMSRegion)),
		},
		Events: EventsConfig{
			Backend:      strings.ToLower(stringWithDefault(lookup, "API_EVENTS_BACKEND", defaultEventsBackend)),
			PubSubTopic:  stringWithDefault(lookup, "API_EVENTS_PUBSUB_TOPIC", "order-events"),
			KafkaBrokers: csvWithDefault(lookup, "API_EVENTS_KAFKA_BROKERS"),
			KafkaTopic:   stringWithDefault(lookup, "API_EVENTS_KAFKA_TOPIC", "order-events"),
		},
		Auth: AuthConfig{
			Mode:      strings.ToLower(stringWithDefault(lookup, "API_AUTH_MODE", defaultAuthMode)),
			JWTSecret: stringWithDefault(lookup, "API_AUTH_JWT_SECRET", ""),
		},
		Security: SecurityConfig{
			OIDC: OIDCConfig{
				JWKSURL:  stringWithDefault(lookup, "API_SECURITY_OIDC_JWKS_URL", defaultOIDCJWKSURL),
				Audience: stringWithDefault(lookup, "API_SECURITY_OIDC_AUDIENCE", ""),
				Issuers:  csvWithDefault(lookup, "API_SECURITY_OIDC_ISSUERS"),
			},
		},
		Idempotency: IdempotencyConfig{
			Backend:          strings.ToLower(stringWithDefault(lookup, "API_IDEMPOTENCY_BACKEND", defaultIdempotencyBackend)),
			RedisAddr:        stringWithDefault(lookup, "API_IDEMPOTENCY_REDIS_ADDR", ""),
			Header:           stringWithDefault(lookup, "API_IDEMPOTENCY_HEADER", defaultIdempotencyHeader),
			TTL:              durationWithDefault(lookup, "API_IDEMPOTENCY_TTL", defaultIdempotencyTTL),
			CleanupBatchSize: intWithDefault(lookup, "API_IDEMPOTENCY_CLEANUP_BATCH", defaultIdempotencyBatch),
		},
		RateLimits: RateLimitConfig{
			OrdersPerMinute:        intWithDefault(lookup, "API_RATELIMIT_ORDERS_PER_MIN", defaultOrdersPerMinute),
			CancellationsPerMinute: intWithDefault(lookup, "API_RATELIMIT_CANCELLATIONS_PER_MIN", defaultCancellationsPerMin),
		},
		Features: FeatureFlags{
			SeedCatalog: boolWithDefault(lookup, "API_FEATURE_SEED_CATALOG", false),
		},
		Telemetry: TelemetryConfig{
			ServiceName:      stringWithDefault(lookup, "API_OTEL_SERVICE_NAME", defaultServiceName),
			ExporterEndpoint: stringWithDefault(lookup, "API_OTEL_EXPORTER_ENDPOINT", ""),
		},
	}

	if cfg.Firestore.ProjectID == "" {
		cfg.Firestore.ProjectID = cfg.Firebase.ProjectID
	}
	if len(cfg.Security.OIDC.Issuers) == 0 {
		cfg.Security.OIDC.Issuers = []string{defaultOIDCIssuer}
	}

	resolver := options.secret
	if resolver == nil {
		resolver = SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
			return "", errSecretResolverNotConfigured
		})
	}
	resolved := make(map[string]string)
	secretFields := []struct {
		name  string
		field *string
	}{
		{"PSP.StripeAPIKey", &cfg.PSP.StripeAPIKey},
		{"PSP.StripeWebhookSecret", &cfg.PSP.StripeWebhookSecret},
		{"SMS.TwilioAuthToken", &cfg.SMS.TwilioAuthToken},
		{"Auth.JWTSecret", &cfg.Auth.JWTSecret},
		{"Ledger.PostgresDSN", &cfg.Ledger.PostgresDSN},
	}
	for _, target := range secretFields {
		value, err := resolveSecret(ctx, *target.field, resolver)
		if err != nil {
			return Config{}, err
		}
		*target.field = value
		resolved[target.name] = strings.TrimSpace(value)
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
	trimmed := strings.TrimSpace(value)
	if !strings.HasPrefix(trimmed, "secret://") && !strings.HasPrefix(trimmed, "sm://") {
		return value, nil
	}
	ref := "secret://" + strings.TrimPrefix(strings.TrimPrefix(trimmed, "sm://"), "secret://")
	secret, err := resolver.ResolveSecret(ctx, ref)
	if err != nil {
		return "", &SecretError{Ref: ref, Err: err}
	}
	return secret, nil
}

func validateConfig(cfg Config) error {
	var invalid []string
	add := func(field string) { invalid = append(invalid, field) }

	switch cfg.Environment {
	case EnvLocal, EnvDevelopment, EnvStaging, EnvProduction:
	default:
		add("Environment")
	}
	if cfg.Server.Port == "" {
		add("Server.Port")
	}

	switch cfg.Ledger.Backend {
	case "memory":
		if cfg.IsProduction() {
			add("Ledger.Backend")
		}
	case "firestore":
		if cfg.Firestore.ProjectID == "" {
			add("Firestore.ProjectID")
		}
	case "postgres":
		if cfg.Ledger.PostgresDSN == "" {
			add("Ledger.PostgresDSN")
		}
	default:
		add("Ledger.Backend")
	}

	if len(cfg.PSP.Currency) != 3 {
		add("PSP.Currency")
	}
	if cfg.PSP.RefundAttempts < 1 {
		add("PSP.RefundAttempts")
	}
	if cfg.IsProduction() {
		if cfg.PSP.StripeAPIKey == "" {
			add("PSP.StripeAPIKey")
		}
		if cfg.PSP.StripeWebhookSecret == "" {
			add("PSP.StripeWebhookSecret")
		}
		if cfg.Features.SeedCatalog {
			add("Features.SeedCatalog")
		}
	}

	if cfg.SMS.Enabled {
		if cfg.SMS.TwilioAccountSID == "" {
			add("SMS.TwilioAccountSID")
		}
		if cfg.SMS.TwilioAuthToken == "" {
			add("SMS.TwilioAuthToken")
		}
		if cfg.SMS.FromNumber == "" {
			add("SMS.FromNumber")
		}
	}

	switch cfg.Events.Backend {
	case "none":
	case "pubsub":
		if cfg.Firestore.ProjectID == "" || cfg.Events.PubSubTopic == "" {
			add("Events.PubSubTopic")
		}
	case "kafka":
		if len(cfg.Events.KafkaBrokers) == 0 || cfg.Events.KafkaTopic == "" {
			add("Events.KafkaBrokers")
		}
	default:
		add("Events.Backend")
	}

	switch cfg.Auth.Mode {
	case AuthModeFirebase:
		if cfg.Firebase.ProjectID == "" {
			add("Firebase.ProjectID")
		}
	case AuthModeJWT:
		if len(cfg.Auth.JWTSecret) < 16 {
			add("Auth.JWTSecret")
		}
	case AuthModeDisabled:
		if cfg.IsProduction() {
			add("Auth.Mode")
		}
	default:
		add("Auth.Mode")
	}

	switch cfg.Idempotency.Backend {
	case "memory", "firestore":
	case "redis":
		if cfg.Idempotency.RedisAddr == "" {
			add("Idempotency.RedisAddr")
		}
	default:
		add("Idempotency.Backend")
	}
	if strings.TrimSpace(cfg.Idempotency.Header) == "" {
		add("Idempotency.Header")
	}
	if cfg.Idempotency.TTL <= 0 {
		add("Idempotency.TTL")
	}
	if cfg.Idempotency.CleanupBatchSize <= 0 {
		add("Idempotency.CleanupBatchSize")
	}

	if len(invalid) > 0 {
		return &ValidationError{fields: invalid}
	}
	return nil
}

func findMissingSecrets(required []string, resolved map[string]string) *MissingSecretsError {
	seen := make(map[string]struct{})
	var missing []string
	for _, name := range required {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		if resolved[name] == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return &MissingSecretsError{names: missing}
}

func loadDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	values, err := godotenv.Read(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return values, nil
}

func stringWithDefault(lookup func(string) (string, bool), key, fallback string) string {
	if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func durationWithDefault(lookup func(string) (string, bool), key string, fallback time.Duration) time.Duration {
	if value, ok := lookup(key); ok && value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

func intWithDefault(lookup func(string) (string, bool), key string, fallback int) int {
	if value, ok := lookup(key); ok && value != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return parsed
		}
	}
	return fallback
}

func boolWithDefault(lookup func(string) (string, bool), key string, fallback bool) bool {
	if value, ok := lookup(key); ok && value != "" {
		switch strings.ToLower(strings.TrimSpace(value)) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	}
	return fallback
}

func csvWithDefault(lookup func(string) (string, bool), key string) []string {
	raw, _ := lookup(key)
	out := []string{}
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
