// Package main is the entry point for the sponsorscout billing API.
//
// Startup:
//  1. Load configuration (SSM-backed secrets outside APP_ENV=local).
//  2. Open the configured store backend.
//  3. Build the plan catalog, billing services and outbound clients.
//  4. Select the metrics backend and, when configured, the SQS ledger outbox.
//  5. Mount the chassis and the /v1 handlers.
//
// Inside AWS Lambda the router is served through a function URL; elsewhere it
// runs as an HTTP server with graceful shutdown on SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/lambdaurl"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"sponsorscout/internal/api/handlers"
	"sponsorscout/internal/auth"
	"sponsorscout/internal/billing"
	"sponsorscout/internal/config"
	"sponsorscout/internal/core"
	"sponsorscout/internal/db"
	"sponsorscout/internal/external"
	"sponsorscout/internal/metrics"
	"sponsorscout/internal/queue"
	"sponsorscout/internal/recommend"
	"sponsorscout/internal/types"
)

const metricsFlushInterval = time.Minute

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var provider config.SecretProvider
	if os.Getenv("APP_ENV") != "local" {
		provider = config.NewSSMProvider(os.Getenv("AWS_REGION"))
	}
	cfg, err := config.Load(provider)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("sponsorscout API starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"store_driver", cfg.Store.Driver,
		"metrics_backend", cfg.Observability.MetricsBackend,
	)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var awsCfg *aws.Config
	if needsAWS(cfg) {
		c, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
		if err != nil {
			return fmt.Errorf("loading aws config: %w", err)
		}
		awsCfg = &c
	}

	a, err := buildApp(ctx, cfg, awsCfg, logger)
	if err != nil {
		return err
	}

	if isLambdaEnvironment() {
		return runLambda(a, logger)
	}
	return runHTTPServer(a, cfg, logger)
}

// app is the assembled process: the server plus what must be released on exit.
type app struct {
	srv     *core.Server
	stores  *db.Stores
	flusher *metrics.CloudWatch
	keys    *auth.KeyService
}

func needsAWS(cfg *config.Config) bool {
	return cfg.Observability.MetricsBackend == config.MetricsCloudWatch || cfg.AWS.LedgerReplayQueueURL != ""
}

// buildApp wires every component. awsCfg may be nil when neither CloudWatch
// metrics nor the SQS outbox is configured.
func buildApp(ctx context.Context, cfg *config.Config, awsCfg *aws.Config, logger *slog.Logger) (*app, error) {
	stores, err := db.OpenStores(ctx, cfg.Store, logger.With("component", "store"))
	if err != nil {
		return nil, fmt.Errorf("opening stores: %w", err)
	}

	catalog, err := cfg.Billing.Catalog()
	if err != nil {
		_ = stores.Close(ctx)
		return nil, fmt.Errorf("building plan catalog: %w", err)
	}

	var cw metrics.CloudWatchClient
	if cfg.Observability.MetricsBackend == config.MetricsCloudWatch {
		if awsCfg == nil {
			_ = stores.Close(ctx)
			return nil, errors.New("cloudwatch metrics need an aws config")
		}
		cw = cloudwatch.NewFromConfig(*awsCfg)
	}
	backend, err := metrics.New(cfg.Observability, cw, logger.With("component", "metrics"))
	if err != nil {
		_ = stores.Close(ctx)
		return nil, err
	}

	recorderOpts := []billing.RecorderOption{billing.WithRecorderMetrics(backend.Recorder)}
	if url := cfg.AWS.LedgerReplayQueueURL; url != "" && awsCfg != nil {
		publisher := queue.NewLedgerPublisher(sqs.NewFromConfig(*awsCfg), url, logger.With("component", "outbox"))
		recorderOpts = append(recorderOpts, billing.WithOutbox(publisher))
	}

	evaluator := billing.NewEvaluator(stores.Subscriptions, catalog, logger)
	recorder := billing.NewRecorder(stores.Subscriptions, stores.Ledger, catalog, logger, recorderOpts...)
	reconciler := billing.NewReconciler(stores.Subscriptions, stores.Users, catalog, logger)
	clients := external.NewClientRegistry(cfg, stores.Users, logger)
	keys := auth.NewKeyService(stores.APIKeys, auth.NewBcryptHasher(0), types.RealClock{}, logger)

	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		_ = stores.Close(ctx)
		return nil, fmt.Errorf("creating server: %w", err)
	}
	srv.Metrics = backend.Recorder
	srv.MetricsHandler = backend.Handler
	srv.Authenticator = keys
	srv.HealthProbes = []core.HealthProbe{
		core.ProbeFunc{ProbeName: "store", Fn: stores.Ping},
	}

	webhookHandler := handlers.NewStripeWebhookHandler(clients.Verifier, reconciler, stores.WebhookEvents,
		backend.Recorder, cfg.Server.MaxWebhookBytes, logger.With("handler", "stripe_webhook"))
	billingHandler := handlers.NewBillingHandler(evaluator, recorder, stores.Ledger, catalog, clients.Payments,
		srv.Validator, handlers.CheckoutDefaults{SuccessURL: cfg.Billing.SuccessURL, CancelURL: cfg.Billing.CancelURL},
		logger.With("handler", "billing"))
	recommendHandler := handlers.NewRecommendationHandler(
		recommend.NewService(evaluator, recorder, clients.LLM, logger.With("component", "recommend")),
		srv.Validator, logger.With("handler", "recommendations"))

	srv.V1RouteRegistrars = append(srv.V1RouteRegistrars,
		webhookHandler.RegisterRoutes,
		billingHandler.RegisterRoutes,
		recommendHandler.RegisterRoutes,
	)
	srv.MountRoutes()

	return &app{srv: srv, stores: stores, flusher: backend.Flusher, keys: keys}, nil
}

// isLambdaEnvironment returns true if the process is running inside AWS Lambda.
func isLambdaEnvironment() bool {
	_, hasRuntimeAPI := os.LookupEnv("AWS_LAMBDA_RUNTIME_API")
	_, hasServerPort := os.LookupEnv("_LAMBDA_SERVER_PORT")
	return hasRuntimeAPI || hasServerPort
}

// runLambda serves the router behind a Lambda function URL. Buffered metrics
// are flushed after every invocation because the sandbox may be frozen.
func runLambda(a *app, logger *slog.Logger) error {
	h := a.srv.Handler()
	if a.flusher != nil {
		h = flushAfter(h, a.flusher)
	}
	logger.Info("starting in Lambda mode")
	lambdaurl.Start(h)
	return nil
}

func flushAfter(next http.Handler, f *metrics.CloudWatch) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r)
		f.Flush(context.WithoutCancel(r.Context()))
	})
}

func runHTTPServer(a *app, cfg *config.Config, logger *slog.Logger) error {
	addr := ":" + cfg.Server.Port

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           a.srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout + 5*time.Second,
		IdleTimeout:       120 * time.Second,
	}

	flushCtx, stopFlush := context.WithCancel(context.Background())
	var flushWG sync.WaitGroup
	if a.flusher != nil {
		flushWG.Add(1)
		go func() {
			defer flushWG.Done()
			a.flusher.Run(flushCtx, metricsFlushInterval)
		}()
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			runErr = fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("initiating graceful shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	stopFlush()
	flushWG.Wait()

	if err := a.stores.Close(ctx); err != nil {
		logger.Error("store shutdown error", "error", err)
		if runErr == nil {
			runErr = fmt.Errorf("closing stores: %w", err)
		}
	}

	if runErr == nil {
		logger.Info("server stopped cleanly")
	}
	return runErr
}

// newLogger creates a JSON slog.Logger for the given level name.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
