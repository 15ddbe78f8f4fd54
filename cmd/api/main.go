package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub"
	cloudstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/brightcart/api/internal/di"
	"github.com/brightcart/api/internal/handlers"
	"github.com/brightcart/api/internal/payments"
	"github.com/brightcart/api/internal/platform/archive"
	"github.com/brightcart/api/internal/platform/auth"
	"github.com/brightcart/api/internal/platform/config"
	pfirestore "github.com/brightcart/api/internal/platform/firestore"
	"github.com/brightcart/api/internal/platform/idempotency"
	"github.com/brightcart/api/internal/platform/jobs"
	"github.com/brightcart/api/internal/platform/observability"
	"github.com/brightcart/api/internal/platform/secrets"
	"github.com/brightcart/api/internal/repositories"
	firestoreRepo "github.com/brightcart/api/internal/repositories/firestore"
	"github.com/brightcart/api/internal/services"
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
	ctx = observability.WithLogger(ctx, logger)

	envValues, err := config.EnvironmentValues()
	if err != nil {
		logger.Fatal("failed to read environment values", zap.Error(err))
	}

	fetcher, err := newSecretFetcher(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)),
		config.WithRequiredSecrets(requiredSecretNames(envValues)...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	firestoreProvider := pfirestore.NewProvider(cfg.Firestore)
	firestoreClient, err := firestoreProvider.Client(ctx)
	if err != nil {
		logger.Fatal("failed to initialise firestore client", zap.Error(err))
	}

	var pubsubClient *pubsub.Client
	var orderEventsTopic *pubsub.Topic
	if strings.TrimSpace(cfg.PubSub.ProjectID) != "" {
		pubsubClient, err = pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			logger.Fatal("failed to initialise pubsub client", zap.Error(err))
		}
		defer pubsubClient.Close()
		orderEventsTopic = pubsubClient.Topic(cfg.PubSub.OrderEventsTopic)
		defer orderEventsTopic.Stop()
	} else {
		logger.Warn("pubsub project not configured; order events will not be published")
	}

	healthRepo, err := newHealthRepository(firestoreClient, orderEventsTopic, fetcher)
	if err != nil {
		logger.Warn("health: dependency checks not configured", zap.Error(err))
	}

	registry, err := firestoreRepo.NewRegistry(firestoreProvider, healthRepo)
	if err != nil {
		logger.Fatal("failed to initialise repository registry", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := registry.Close(closeCtx); err != nil {
			logger.Warn("registry close error", zap.Error(err))
		}
	}()

	var eventPublisher services.OrderEventPublisher
	if orderEventsTopic != nil {
		eventPublisher, err = jobs.NewPubSubOrderEventPublisher(orderEventsTopic)
		if err != nil {
			logger.Fatal("failed to initialise order event publisher", zap.Error(err))
		}
	}

	var payloadArchive *archive.Writer
	if cfg.Features.EnablePayloadArchive && strings.TrimSpace(cfg.Archive.PayloadsBucket) != "" {
		storageClient, err := cloudstorage.NewClient(ctx)
		if err != nil {
			logger.Fatal("failed to initialise storage client", zap.Error(err))
		}
		defer func() {
			if err := storageClient.Close(); err != nil {
				logger.Warn("storage close error", zap.Error(err))
			}
		}()
		payloadArchive, err = archive.NewWriter(storageClient.Bucket(cfg.Archive.PayloadsBucket))
		if err != nil {
			logger.Fatal("failed to initialise payload archive", zap.Error(err))
		}
	}

	paymentManager, err := newPaymentManager(logger.Named("payments"), cfg)
	if err != nil {
		logger.Fatal("failed to initialise payment manager", zap.Error(err))
	}

	container, err := di.NewContainer(ctx, cfg, registry, di.Collaborators{
		Gateway: paymentManager,
		Events:  eventPublisher,
		Logger:  newServiceLogger(logger.Named("services")),
	})
	if err != nil {
		logger.Fatal("failed to build service container", zap.Error(err))
	}

	authenticator := newAuthenticator(logger.Named("auth"), cfg)
	if authenticator == nil {
		logger.Warn("auth: session verification not configured; authenticated routes will reject requests")
	}

	idempotencyStore := idempotency.NewFirestoreStore(firestoreClient)
	idempotencyMiddleware := idempotency.Middleware(
		idempotencyStore,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithLogger(observability.NewPrintfAdapter(logger.Named("idempotency"))),
	)

	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	var cleanupWG sync.WaitGroup
	var cleanupTicker *time.Ticker
	if cfg.Idempotency.CleanupInterval > 0 {
		cleanupTicker = time.NewTicker(cfg.Idempotency.CleanupInterval)
		cleanupWG.Add(1)
		go func() {
			defer cleanupWG.Done()
			cleanupLogger := logger.Named("idempotency")
			for {
				select {
				case <-cleanupTicker.C:
					runCtx, cancel := context.WithTimeout(cleanupCtx, time.Minute)
					removed, err := idempotencyStore.CleanupExpired(runCtx, time.Now().UTC(), cfg.Idempotency.CleanupBatchSize)
					cancel()
					if err != nil {
						cleanupLogger.Error("idempotency cleanup error", zap.Error(err))
						continue
					}
					if removed > 0 {
						cleanupLogger.Info("idempotency cleanup removed records", zap.Int("count", removed))
					}
				case <-cleanupCtx.Done():
					return
				}
			}
		}()
	}

	projectID := strings.TrimSpace(cfg.Firestore.ProjectID)
	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLoggerMiddleware(logger.Named("http")),
		observability.TraceMiddleware(projectID),
		observability.RecoveryMiddleware(logger.Named("http")),
		observability.RequestLoggerMiddleware(projectID),
		idempotencyMiddleware,
	}

	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthSystemService(container.Services.System),
		handlers.WithHealthStartTime(startedAt),
	)
	orderHandlers := handlers.NewOrderHandlers(authenticator, container.Services.Orders, container.Services.Reconcile)
	paymentHandlers := handlers.NewPaymentHandlers(handlers.PaymentHandlersDeps{
		Authenticator: authenticator,
		Payments:      container.Services.Payments,
		Reconcile:     container.Services.Reconcile,
		Callbacks:     paymentManager,
		Archive:       payloadArchive,
		ResultURL:     cfg.Storefront.ResultURL,
		Logger:        newServiceLogger(logger.Named("payments")),
	})
	webhookHandlers := handlers.NewWebhookHandlers(handlers.WebhookHandlersDeps{
		Verifier:      paymentManager,
		Reconcile:     container.Services.Reconcile,
		Archive:       payloadArchive,
		RatePerMinute: cfg.RateLimits.WebhookBurst,
		Logger:        newServiceLogger(logger.Named("webhooks")),
	})

	router := handlers.NewRouter(
		handlers.WithMiddlewares(middlewares...),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithOrderRoutes(orderHandlers.Routes),
		handlers.WithPaymentRoutes(paymentHandlers.Routes),
		handlers.WithWebhookRoutes(webhookHandlers.Routes),
	)

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
		serverLogger.Info("brightcart api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	if cleanupTicker != nil {
		cleanupTicker.Stop()
	}
	cleanupCancel()
	cleanupWG.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

// newServiceLogger adapts the zap logger to the services logging callback.
func newServiceLogger(logger *zap.Logger) services.Logger {
	return func(ctx context.Context, event string, fields map[string]any) {
		zFields := make([]zap.Field, 0, len(fields)+1)
		zFields = append(zFields, zap.String("event", event))
		for k, v := range fields {
			zFields = append(zFields, zap.Any(k, v))
		}
		logger.Info("service event", zFields...)
	}
}

func newPaymentManager(logger *zap.Logger, cfg config.Config) (*payments.Manager, error) {
	providerLogger := func(ctx context.Context, event string, fields map[string]any) {
		zFields := make([]zap.Field, 0, len(fields)+1)
		zFields = append(zFields, zap.String("event", event))
		for k, v := range fields {
			zFields = append(zFields, zap.Any(k, v))
		}
		logger.Debug("provider log", zFields...)
	}

	stripeProvider, err := payments.NewStripeProvider(payments.StripeProviderConfig{
		APIKey:        cfg.PSP.StripeAPIKey,
		WebhookSecret: cfg.PSP.StripeWebhookSecret,
		Logger:        providerLogger,
		Clock:         time.Now,
	})
	if err != nil {
		return nil, err
	}

	providers := map[string]payments.Provider{
		"stripe": stripeProvider,
	}

	if cfg.Features.EnableWalletProviders {
		if strings.TrimSpace(cfg.PSP.PocketpayBaseURL) != "" && strings.TrimSpace(cfg.PSP.PocketpaySecret) != "" {
			secret := cfg.PSP.PocketpaySecret
			verifier := auth.NewWebhookVerifier(auth.SecretProviderFunc(func(context.Context, string) (string, error) {
				return secret, nil
			}))
			pocketpay, err := payments.NewPocketpayProvider(payments.PocketpayProviderConfig{
				BaseURL:  cfg.PSP.PocketpayBaseURL,
				Verifier: verifier,
				Logger:   providerLogger,
				Clock:    time.Now,
			})
			if err != nil {
				return nil, err
			}
			providers["pocketpay"] = pocketpay
		}
		if strings.TrimSpace(cfg.PSP.SwiftwalletBaseURL) != "" && strings.TrimSpace(cfg.PSP.SwiftwalletAPIKey) != "" {
			swiftwallet, err := payments.NewSwiftwalletProvider(payments.SwiftwalletProviderConfig{
				BaseURL: cfg.PSP.SwiftwalletBaseURL,
				APIKey:  cfg.PSP.SwiftwalletAPIKey,
				Logger:  providerLogger,
				Clock:   time.Now,
			})
			if err != nil {
				return nil, err
			}
			providers["swiftwallet"] = swiftwallet
		}
	}

	return payments.NewManager(providers)
}

// newAuthenticator builds the shopper session guard. Returns nil when no
// JWKS endpoint is configured, which leaves authenticated routes rejecting
// every request.
func newAuthenticator(logger *zap.Logger, cfg config.Config) *auth.Authenticator {
	jwksURL := strings.TrimSpace(cfg.Session.JWKSURL)
	if jwksURL == "" {
		return nil
	}

	adapter := observability.NewPrintfAdapter(logger)
	cache := auth.NewJWKSCache(jwksURL, auth.WithJWKSLogger(adapter))
	verifier, err := auth.NewSessionVerifier(cache, cfg.Session.Issuer, cfg.Session.Audience)
	if err != nil {
		logger.Warn("auth: session verifier init failed", zap.Error(err))
		return nil
	}
	return auth.NewAuthenticator(verifier)
}

func newHealthRepository(client *firestore.Client, topic *pubsub.Topic, fetcher *secrets.Fetcher) (repositories.HealthRepository, error) {
	checks := make([]repositories.DependencyCheck, 0, 3)
	if client != nil {
		c := client
		checks = append(checks, repositories.DependencyCheck{
			Name:    "firestore",
			Timeout: 1500 * time.Millisecond,
			Check: func(ctx context.Context) error {
				iter := c.Collections(ctx)
				_, err := iter.Next()
				if errors.Is(err, iterator.Done) {
					return nil
				}
				return err
			},
		})
	}
	if topic != nil {
		t := topic
		checks = append(checks, repositories.DependencyCheck{
			Name:    "pubsub",
			Timeout: 1500 * time.Millisecond,
			Check: func(ctx context.Context) error {
				exists, err := t.Exists(ctx)
				if err != nil {
					return err
				}
				if !exists {
					return fmt.Errorf("topic %s does not exist", t.ID())
				}
				return nil
			},
		})
	}
	if fetcher != nil {
		const secretHealthReference = "secret://system/healthz?version=latest"
		checks = append(checks, repositories.DependencyCheck{
			Name:    "secretManager",
			Timeout: time.Second,
			Check: func(ctx context.Context) error {
				_, err := fetcher.Resolve(ctx, secretHealthReference)
				if err == nil {
					return nil
				}
				if st, ok := status.FromError(err); ok && st.Code() == codes.NotFound {
					return nil
				}
				return err
			},
		})
	}
	if len(checks) == 0 {
		return nil, errors.New("health: no dependency checks configured")
	}
	return repositories.NewDependencyHealthRepository(checks)
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		if env == nil {
			return ""
		}
		if value, ok := env[key]; ok {
			return strings.TrimSpace(value)
		}
		return ""
	}

	envLabel := strings.ToLower(lookup("API_SECURITY_ENVIRONMENT"))
	if envLabel == "" {
		envLabel = "local"
	}
	defaultProject := lookup("API_SECRET_DEFAULT_PROJECT_ID")
	if defaultProject == "" {
		defaultProject = lookup("API_FIRESTORE_PROJECT_ID")
	}
	fallbackPath := lookup("API_SECRET_FALLBACK_FILE")
	if fallbackPath == "" {
		fallbackPath = ".secrets.local"
	}
	credentialsFile := lookup("API_GOOGLE_CREDENTIALS_FILE")

	opts := []secrets.Option{
		secrets.WithEnvironment(envLabel),
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(fallbackPath),
	}
	if defaultProject != "" {
		opts = append(opts, secrets.WithDefaultProject(defaultProject))
	}
	if credentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentialsFile)))
	}

	return secrets.NewFetcher(ctx, opts...)
}

func requiredSecretNames(env map[string]string) []string {
	required := []string{
		"PSP.StripeAPIKey",
		"PSP.StripeWebhookSecret",
	}
	if env != nil {
		if strings.TrimSpace(env["API_PSP_POCKETPAY_SECRET"]) != "" {
			required = append(required, "PSP.PocketpaySecret")
		}
		if strings.TrimSpace(env["API_PSP_SWIFTWALLET_API_KEY"]) != "" {
			required = append(required, "PSP.SwiftwalletAPIKey")
		}
	}
	return required
}
