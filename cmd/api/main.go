package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/jbites/api/internal/di"
	"github.com/jbites/api/internal/handlers"
	"github.com/jbites/api/internal/notifications"
	"github.com/jbites/api/internal/payments"
	"github.com/jbites/api/internal/platform/auth"
	"github.com/jbites/api/internal/platform/config"
	"github.com/jbites/api/internal/platform/events"
	pfirestore "github.com/jbites/api/internal/platform/firestore"
	"github.com/jbites/api/internal/platform/idempotency"
	"github.com/jbites/api/internal/platform/observability"
	"github.com/jbites/api/internal/platform/secrets"
	"github.com/jbites/api/internal/repositories"
	firestoreRepo "github.com/jbites/api/internal/repositories/firestore"
	"github.com/jbites/api/internal/repositories/memory"
	"github.com/jbites/api/internal/repositories/postgres"
	"github.com/jbites/api/internal/services"
)

const (
	ledgerBackendMemory    = "memory"
	ledgerBackendFirestore = "firestore"
	ledgerBackendPostgres  = "postgres"

	eventsBackendPubSub = "pubsub"
	eventsBackendKafka  = "kafka"

	idempotencyBackendFirestore = "firestore"
	idempotencyBackendRedis     = "redis"
)

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

	fetcher, err := newSecretFetcher(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)),
		config.WithRequiredSecrets(requiredSecretNames(envValues)...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.Names()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	buildInfo := buildInfoFromEnv(envValues, cfg, startedAt)

	shutdownTracing, err := observability.InitTracing(ctx, observability.TelemetryConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: buildInfo.Version,
		Endpoint:       cfg.Telemetry.ExporterEndpoint,
	})
	if err != nil {
		logger.Fatal("failed to initialise tracing", zap.Error(err))
	}

	eventLogger := observability.NewEventLogger(logger.Named("services"))
	serviceLogger := services.Logger(eventLogger)

	firestoreProvider := pfirestore.NewProvider(cfg.Firestore)

	ledger, err := buildLedger(ctx, cfg, firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise ledger", zap.String("backend", cfg.Ledger.Backend), zap.Error(err))
	}

	publisher, pubsubClient, err := buildPublisher(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to initialise event publisher", zap.String("backend", cfg.Events.Backend), zap.Error(err))
	}

	gateway, err := buildGateway(cfg, logger, payments.Logger(observability.NewEventLogger(logger.Named("payments"))))
	if err != nil {
		logger.Fatal("failed to initialise payment gateway", zap.Error(err))
	}

	notifier, err := buildNotifier(cfg, observability.NewEventLogger(logger.Named("notifications")))
	if err != nil {
		logger.Fatal("failed to initialise notifier", zap.Error(err))
	}

	container, err := di.NewContainer(ctx, cfg, di.Infrastructure{
		Ledger:    ledger,
		Gateway:   gateway,
		Notifier:  notifier,
		Publisher: publisher,
		Logger:    serviceLogger,
		Clock:     time.Now,
	})
	if err != nil {
		logger.Fatal("failed to initialise services", zap.Error(err))
	}
	svc := container.Services

	idempotencyStore, redisClient, err := buildIdempotencyStore(cfg, firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise idempotency store", zap.Error(err))
	}
	idempotencyMiddleware := idempotency.Middleware(
		idempotencyStore,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithOptionalKey(),
		idempotency.WithLogger(observability.NewEventLogger(logger.Named("idempotency"))),
	)

	authenticator, err := buildAuthenticator(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to initialise authenticator", zap.String("mode", cfg.Auth.Mode), zap.Error(err))
	}
	if cfg.Auth.Mode == config.AuthModeDisabled {
		logger.Warn("auth: development tokens accepted; never run this mode in production")
	}

	healthRepo, err := buildHealthRepository(cfg, ledger, firestoreProvider, redisClient)
	if err != nil {
		logger.Fatal("failed to initialise health checks", zap.Error(err))
	}
	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(buildInfo),
		handlers.WithHealthRepository(healthRepo),
	)

	publicHandlers := handlers.NewPublicHandlers(svc.Catalog)
	orderHandlers := handlers.NewOrderHandlers(authenticator, svc.Orders, svc.Cancellations,
		handlers.WithOrderIdempotency(idempotencyMiddleware),
		handlers.WithOrderRateLimit(cfg.RateLimits.OrdersPerMinute, time.Minute, time.Now),
		handlers.WithCancellationRateLimit(cfg.RateLimits.CancellationsPerMinute, time.Minute, time.Now),
	)
	adminHandlers := handlers.NewAdminHandlers(authenticator, svc.Orders, svc.StateMachine, svc.Cancellations)
	webhookHandlers := handlers.NewWebhookHandlers(svc.Webhooks)
	internalHandlers := handlers.NewInternalHandlers(svc.Cancellations,
		handlers.WithIdempotencyCleanup(idempotencyStore, cfg.Idempotency.CleanupBatchSize),
	)

	projectID := traceProjectID(cfg)
	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLoggerMiddleware(logger.Named("http")),
		observability.TraceMiddleware(projectID),
		observability.RecoveryMiddleware(logger.Named("http")),
		observability.RequestLoggerMiddleware(projectID),
	}

	var opts []handlers.Option
	opts = append(opts, handlers.WithMiddlewares(middlewares...))
	opts = append(opts, handlers.WithHealthHandlers(healthHandlers))
	opts = append(opts, handlers.WithPublicRoutes(publicHandlers.Routes))
	opts = append(opts, handlers.WithOrderRoutes(orderHandlers.Routes))
	opts = append(opts, handlers.WithAdminRoutes(adminHandlers.Routes))
	opts = append(opts, handlers.WithWebhookRoutes(webhookHandlers.Routes))
	opts = append(opts, handlers.WithInternalRoutes(internalHandlers.Routes))
	if oidcMiddleware := buildOIDCMiddleware(logger.Named("auth"), cfg); oidcMiddleware != nil {
		opts = append(opts, handlers.WithInternalMiddlewares(oidcMiddleware))
	}

	router := handlers.NewRouter(opts...)
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("jbites api listening",
			zap.String("environment", cfg.Environment),
			zap.String("ledger", cfg.Ledger.Backend),
			zap.String("events", cfg.Events.Backend),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
	if err := container.Close(shutdownCtx); err != nil {
		logger.Warn("container close error", zap.Error(err))
	}
	if pubsubClient != nil {
		if err := pubsubClient.Close(); err != nil {
			logger.Warn("pubsub close error", zap.Error(err))
		}
	}
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close error", zap.Error(err))
		}
	}
	if err := firestoreProvider.Close(); err != nil {
		logger.Warn("firestore close error", zap.Error(err))
	}
	if err := fetcher.Close(); err != nil {
		logger.Warn("secret fetcher close error", zap.Error(err))
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("tracing shutdown error", zap.Error(err))
	}
}

func buildLedger(ctx context.Context, cfg config.Config, provider *pfirestore.Provider) (repositories.Ledger, error) {
	switch cfg.Ledger.Backend {
	case ledgerBackendFirestore:
		if _, err := provider.Client(ctx); err != nil {
			return repositories.Ledger{}, err
		}
		return firestoreRepo.Ledger(provider), nil
	case ledgerBackendPostgres:
		db, err := postgres.Open(ctx, cfg.Ledger.PostgresDSN)
		if err != nil {
			return repositories.Ledger{}, err
		}
		return postgres.Ledger(db), nil
	case ledgerBackendMemory, "":
		return memory.New().Ledger(), nil
	default:
		return repositories.Ledger{}, fmt.Errorf("unknown ledger backend %q", cfg.Ledger.Backend)
	}
}

// buildPublisher returns the order event publisher and, for Pub/Sub, the
// client the caller closes after the publisher has flushed.
func buildPublisher(ctx context.Context, cfg config.Config) (events.Publisher, *pubsub.Client, error) {
	switch cfg.Events.Backend {
	case eventsBackendPubSub:
		client, err := pubsub.NewClient(ctx, cfg.Firestore.ProjectID)
		if err != nil {
			return nil, nil, fmt.Errorf("pubsub client: %w", err)
		}
		publisher, err := events.NewPubSubPublisher(client.Topic(cfg.Events.PubSubTopic))
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return publisher, client, nil
	case eventsBackendKafka:
		publisher, err := events.NewKafkaPublisher(cfg.Events.KafkaBrokers, cfg.Events.KafkaTopic)
		if err != nil {
			return nil, nil, err
		}
		return publisher, nil, nil
	default:
		return events.NoopPublisher{}, nil, nil
	}
}

func buildGateway(cfg config.Config, logger *zap.Logger, log payments.Logger) (payments.Gateway, error) {
	if strings.TrimSpace(cfg.PSP.StripeAPIKey) == "" {
		if cfg.IsProduction() {
			return nil, errors.New("stripe api key is required in production")
		}
		logger.Warn("payments: stripe api key not configured; using the fake gateway")
		return payments.NewFakeGateway(cfg.PSP.StripeWebhookSecret), nil
	}
	return payments.NewStripeGateway(payments.StripeConfig{
		APIKey:         cfg.PSP.StripeAPIKey,
		WebhookSecret:  cfg.PSP.StripeWebhookSecret,
		Currency:       cfg.PSP.Currency,
		RequestTimeout: cfg.PSP.RequestTimeout,
		Logger:         log,
	})
}

func buildNotifier(cfg config.Config, log observability.EventLogger) (*notifications.Dispatcher, error) {
	var sender notifications.Sender
	if cfg.SMS.Enabled {
		twilio, err := notifications.NewTwilioSender(cfg.SMS.TwilioAccountSID, cfg.SMS.TwilioAuthToken, cfg.SMS.FromNumber)
		if err != nil {
			return nil, err
		}
		sender = twilio
	} else {
		sender = notifications.NewLogSender(log)
	}
	return notifications.NewDispatcher(sender,
		notifications.WithLogger(log),
		notifications.WithDefaultRegion(cfg.SMS.DefaultRegion),
	)
}

// buildIdempotencyStore returns the store and, for Redis, the client backing it.
func buildIdempotencyStore(cfg config.Config, provider *pfirestore.Provider) (idempotency.Store, *redis.Client, error) {
	switch cfg.Idempotency.Backend {
	case idempotencyBackendFirestore:
		return idempotency.NewFirestoreStore(provider), nil, nil
	case idempotencyBackendRedis:
		if strings.TrimSpace(cfg.Idempotency.RedisAddr) == "" {
			return nil, nil, errors.New("redis address is required for the redis idempotency backend")
		}
		client := redis.NewClient(&redis.Options{Addr: cfg.Idempotency.RedisAddr})
		return idempotency.NewRedisStore(client, idempotency.WithKeyPrefix("jbites:idem:")), client, nil
	default:
		return idempotency.NewMemoryStore(), nil, nil
	}
}

func buildAuthenticator(ctx context.Context, cfg config.Config) (*auth.Authenticator, error) {
	switch cfg.Auth.Mode {
	case config.AuthModeFirebase:
		verifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase.ProjectID, cfg.Firebase.CredentialsFile)
		if err != nil {
			return nil, err
		}
		return auth.NewAuthenticator(verifier), nil
	case config.AuthModeJWT:
		verifier, err := auth.NewJWTVerifier(cfg.Auth.JWTSecret)
		if err != nil {
			return nil, err
		}
		return auth.NewAuthenticator(verifier), nil
	case config.AuthModeDisabled:
		return auth.NewAuthenticator(auth.DevVerifier{}), nil
	default:
		return nil, fmt.Errorf("unknown auth mode %q", cfg.Auth.Mode)
	}
}

func buildOIDCMiddleware(logger *zap.Logger, cfg config.Config) func(http.Handler) http.Handler {
	if strings.TrimSpace(cfg.Security.OIDC.JWKSURL) == "" {
		logger.Warn("auth: OIDC JWKS url not configured; internal routes are unauthenticated")
		return nil
	}
	audience := strings.TrimSpace(cfg.Security.OIDC.Audience)
	if audience == "" {
		logger.Warn("auth: OIDC audience not configured; internal routes will reject requests")
	}
	cache := auth.NewJWKSCache(cfg.Security.OIDC.JWKSURL)
	return auth.NewOIDCValidator(cache, audience, cfg.Security.OIDC.Issuers).RequireOIDC()
}

func buildHealthRepository(cfg config.Config, ledger repositories.Ledger, provider *pfirestore.Provider, redisClient *redis.Client) (repositories.HealthRepository, error) {
	checks := []repositories.DependencyCheck{{
		Name:  "ledger",
		Check: ledger.Ping,
	}}
	if cfg.Idempotency.Backend == idempotencyBackendFirestore && cfg.Ledger.Backend != ledgerBackendFirestore {
		checks = append(checks, repositories.DependencyCheck{
			Name:     "firestore",
			Optional: true,
			Check:    provider.Ping,
		})
	}
	if redisClient != nil {
		checks = append(checks, repositories.DependencyCheck{
			Name:     "redis",
			Timeout:  time.Second,
			Optional: true,
			Check: func(ctx context.Context) error {
				return redisClient.Ping(ctx).Err()
			},
		})
	}
	return repositories.NewDependencyHealthRepository(checks)
}

func buildInfoFromEnv(env map[string]string, cfg config.Config, started time.Time) handlers.BuildInfo {
	version := strings.TrimSpace(env["API_BUILD_VERSION"])
	if version == "" {
		version = "dev"
	}
	commit := strings.TrimSpace(env["API_BUILD_COMMIT_SHA"])
	if commit == "" {
		commit = "unknown"
	}
	return handlers.BuildInfo{
		Version:     version,
		CommitSHA:   commit,
		Environment: cfg.Environment,
		StartedAt:   started,
	}
}

func traceProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Firebase.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.Firestore.ProjectID)
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		return strings.TrimSpace(env[key])
	}

	defaultProject := lookup("API_SECRET_DEFAULT_PROJECT_ID")
	if defaultProject == "" {
		defaultProject = lookup("API_FIREBASE_PROJECT_ID")
	}

	opts := []secrets.Option{
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithDefaultProject(defaultProject),
	}
	if path := lookup("API_SECRET_FALLBACK_FILE"); path != "" {
		opts = append(opts, secrets.WithFallbackFile(path))
	}
	if credentialsFile := lookup("API_FIREBASE_CREDENTIALS_FILE"); credentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentialsFile)))
	}
	return secrets.NewFetcher(ctx, opts...)
}

// requiredSecretNames lists the secrets the selected backends cannot start without.
func requiredSecretNames(env map[string]string) []string {
	var required []string
	if strings.EqualFold(strings.TrimSpace(env["API_LEDGER_BACKEND"]), ledgerBackendPostgres) {
		required = append(required, "Ledger.PostgresDSN")
	}
	if strings.EqualFold(strings.TrimSpace(env["API_AUTH_MODE"]), config.AuthModeJWT) {
		required = append(required, "Auth.JWTSecret")
	}
	if strings.EqualFold(strings.TrimSpace(env["API_ENVIRONMENT"]), config.EnvProduction) {
		required = append(required, "PSP.StripeAPIKey", "PSP.StripeWebhookSecret")
	}
	return required
}
