// Package main is the entry point for the assentd approval workflow server.
// It wires all dependencies together and starts the HTTP server.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/assent/internal/analytics"
	"github.com/pitabwire/assent/internal/config"
	"github.com/pitabwire/assent/internal/definition"
	"github.com/pitabwire/assent/internal/escalation"
	"github.com/pitabwire/assent/internal/idempotency"
	"github.com/pitabwire/assent/internal/identity"
	"github.com/pitabwire/assent/internal/notify"
	"github.com/pitabwire/assent/internal/observability"
	"github.com/pitabwire/assent/internal/routing"
	"github.com/pitabwire/assent/internal/rules"
	"github.com/pitabwire/assent/internal/transport"
	"github.com/pitabwire/assent/internal/workflow"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "assentd", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// A single pgx pool backs both the definition archive and the instance
	// store when either is configured for postgres.
	pool, err := buildPgPool(ctx, cfg.Store)
	if err != nil {
		logger.Error("postgres pool initialization failed", zap.Error(err))
		return 1
	}
	if pool != nil {
		defer pool.Close()
	}

	defStore, err := buildDefinitionStore(ctx, cfg.Definitions, pool)
	if err != nil {
		logger.Error("definition store initialization failed", zap.Error(err))
		return 1
	}

	if cfg.Definitions.AutoPublish {
		if err := publishDefinitionPacks(ctx, cfg.Definitions, defStore, metrics, logger); err != nil {
			logger.Error("definition pack publish failed", zap.Error(err))
			return 1
		}
	}
	metrics.SetDefinitionsLoaded(float64(defStore.Count()))

	instStore, instStoreCloser, err := buildInstanceStore(ctx, cfg.Store, pool, logger)
	if err != nil {
		logger.Error("instance store initialization failed", zap.Error(err))
		return 1
	}
	if instStoreCloser != nil {
		defer instStoreCloser()
	}

	var dir *identity.Directory
	if cfg.Directory.File != "" {
		dir, err = identity.Load(cfg.Directory.File, cfg.Directory.CacheTTL)
		if err != nil {
			logger.Error("identity directory load failed", zap.Error(err))
			return 1
		}
		logger.Info("identity directory loaded", zap.Int("employees", dir.Count()))
	}

	weekends, err := cfg.Calendar.ParsedWeekendDays()
	if err != nil {
		logger.Error("calendar configuration invalid", zap.Error(err))
		return 1
	}
	cal, err := escalation.NewCalendar(escalation.CalendarConfig{
		Timezone:      cfg.Calendar.Timezone,
		BusinessStart: cfg.Calendar.BusinessStart,
		BusinessEnd:   cfg.Calendar.BusinessEnd,
		WeekendDays:   weekends,
		Holidays:      cfg.Calendar.Holidays,
	})
	if err != nil {
		logger.Error("calendar configuration invalid", zap.Error(err))
		return 1
	}

	idemStore, idemCloser := buildIdempotencyStore(cfg.Idempotency, logger)
	if idemCloser != nil {
		defer idemCloser()
	}

	notifier := buildNotifier(cfg.Notifications, logger)

	eval := &rules.Evaluator{}
	router := routing.NewEngine(eval)
	machine := workflow.NewMachine(eval)

	engineOpts := []workflow.Option{
		workflow.WithDeadlinePolicy(cal),
		workflow.WithNotifier(notifier),
		workflow.WithMetrics(metrics),
		workflow.WithLogger(logger),
	}
	if idemStore != nil {
		engineOpts = append(engineOpts,
			workflow.WithIdempotency(idemStore),
			workflow.WithIdempotencyTTL(cfg.Idempotency.DefaultTTL),
		)
	}
	engine := workflow.NewEngine(defStore, instStore, router, machine, engineOpts...)

	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()

	if cfg.Scheduler.Enabled {
		sched := escalation.NewScheduler(defStore, instStore, engine, eval, cal,
			cfg.Scheduler.PageSize, logger,
			escalation.WithSweepMetrics(metrics),
		)
		go sched.Run(bgCtx, cfg.Scheduler.SweepInterval)
	}

	var agg *analytics.Aggregator
	if cfg.Analytics.Enabled {
		agg = analytics.NewAggregator(instStore, defStore, cfg.Analytics.DefaultWindow, logger)
		go agg.Run(bgCtx, cfg.Analytics.RefreshInterval)
	}

	authenticate, err := transport.NewAuthenticator(cfg.Auth, logger)
	if err != nil {
		logger.Error("authenticator initialization failed", zap.Error(err))
		return 1
	}

	ready := observability.ReadinessChecks{
		DefinitionsLoaded: func() bool { return defStore.Count() > 0 },
		InstanceStore:     instStore,
	}
	if idemStore != nil {
		if hc, ok := idemStore.(observability.HealthChecker); ok {
			ready.IdempotencyStore = hc
		}
	}
	if wn, ok := notifier.(*notify.WebhookNotifier); ok {
		ready.NotifierHealthy = func() bool { return wn.BreakerState() != notify.BreakerOpen }
	}

	httpHandler := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Log:          logger,
		Engine:       engine,
		Definitions:  defStore,
		Routing:      router,
		Analytics:    agg,
		Directory:    dir,
		Metrics:      metrics,
		Ready:        ready,
		Authenticate: authenticate,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      httpHandler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.Int("definitions", defStore.Count()),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
	}

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting new connections and drain in-flight requests.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Stop background loops before closing stores.
	bgCancel()

	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

// buildPgPool opens a pgx pool when the instance store driver is postgres.
// Returns nil when postgres is not in use.
func buildPgPool(ctx context.Context, cfg config.StoreConfig) (*pgxpool.Pool, error) {
	if cfg.Driver != "postgres" {
		return nil, nil
	}

	dsn := os.Getenv(cfg.DSNEnv)
	if dsn == "" {
		return nil, fmt.Errorf("environment variable %s not set", cfg.DSNEnv)
	}

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolCfg.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}

// buildDefinitionStore creates the versioned definition store over the
// configured archive.
func buildDefinitionStore(ctx context.Context, cfg config.DefinitionsConfig, pool *pgxpool.Pool) (*definition.Store, error) {
	var archive definition.Archive
	switch cfg.Archive {
	case "postgres":
		if pool == nil {
			return nil, fmt.Errorf("postgres archive requires the postgres store driver")
		}
		archive = definition.NewPgArchive(pool)
	case "memory", "":
		archive = definition.NewMemoryArchive()
	default:
		return nil, fmt.Errorf("unsupported definition archive: %q", cfg.Archive)
	}
	return definition.NewStore(ctx, archive)
}

// publishDefinitionPacks loads YAML definition packs from disk and publishes
// any that are not already in the store. Checksums make boot idempotent:
// restarting against a durable archive does not create new versions.
func publishDefinitionPacks(ctx context.Context, cfg config.DefinitionsConfig, store *definition.Store, metrics *observability.Metrics, logger *zap.Logger) error {
	loader := definition.NewLoader()
	defs, err := loader.LoadAll(cfg.Directories)
	if err != nil {
		return err
	}

	validator := definition.NewValidator()
	if verrs := validator.Validate(defs); len(verrs) > 0 {
		for _, ve := range verrs {
			logger.Error("definition validation error", zap.String("error", ve.Error()))
		}
		return fmt.Errorf("%d definition validation errors", len(verrs))
	}

	published := 0
	for _, def := range defs {
		if store.HasChecksum(def.Checksum) {
			continue
		}
		if _, err := store.Publish(ctx, def); err != nil {
			metrics.RecordDefinitionPublish("invalid")
			return fmt.Errorf("publishing %s: %w", def.ID, err)
		}
		metrics.RecordDefinitionPublish("ok")
		published++
	}

	logger.Info("definition packs loaded",
		zap.Int("files", len(defs)),
		zap.Int("published", published),
	)
	return nil
}

// buildInstanceStore creates the process instance store based on config.
func buildInstanceStore(_ context.Context, cfg config.StoreConfig, pool *pgxpool.Pool, logger *zap.Logger) (workflow.InstanceStore, func(), error) {
	switch cfg.Driver {
	case "memory", "":
		logger.Info("using in-memory instance store")
		return workflow.NewMemoryInstanceStore(), nil, nil
	case "postgres":
		return workflow.NewPgInstanceStore(pool), nil, nil
	case "sqlite":
		store, err := workflow.NewSQLiteInstanceStore(cfg.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("opening sqlite store: %w", err)
		}
		return store, func() { store.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported instance store driver: %q", cfg.Driver)
	}
}

// buildIdempotencyStore creates the idempotency store based on config.
func buildIdempotencyStore(cfg config.IdempotencyConfig, logger *zap.Logger) (idempotency.Store, func()) {
	if !cfg.Enabled {
		return nil, nil
	}

	switch cfg.Driver {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr: os.Getenv(cfg.AddrEnv),
			DB:   cfg.DB,
		})
		logger.Info("using redis idempotency store")
		return idempotency.NewRedisStore(client), func() { client.Close() }
	default:
		logger.Info("using in-memory idempotency store")
		return idempotency.NewMemoryStore(), nil
	}
}

// buildNotifier creates the notification sink based on config.
func buildNotifier(cfg config.NotificationsConfig, logger *zap.Logger) notify.Notifier {
	if cfg.Driver == "webhook" {
		return notify.NewWebhookNotifier(notify.WebhookConfig{
			URL:              cfg.WebhookURL,
			Timeout:          cfg.Timeout,
			MaxRetries:       cfg.MaxRetries,
			FailureThreshold: cfg.FailureThreshold,
			SuccessThreshold: cfg.SuccessThreshold,
			OpenTimeout:      cfg.OpenTimeout,
		}, logger)
	}
	return notify.NewLogNotifier(logger)
}
