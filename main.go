package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chat-relay/application/guard"
	"chat-relay/application/relay"
	"chat-relay/domain/persistence"
	"chat-relay/infrastructure/auth"
	infrapersistence "chat-relay/infrastructure/persistence"
	"chat-relay/infrastructure/persistence/pgxledger"
	"chat-relay/infrastructure/providers"
	"chat-relay/infrastructure/ratelimit"
	httpiface "chat-relay/interfaces/http"
	"chat-relay/internal/config"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

func main() {
	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	cfg, err := config.LoadYAML(os.Getenv("CONFIG_PATH"))
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}

	configureLogging(cfg.Logging)

	logrus.WithFields(logrus.Fields{
		"port":               cfg.Server.Port,
		"host":               cfg.Server.Host,
		"enable_persistence": cfg.Database.EnablePersistence,
		"driver":             cfg.Database.Driver,
		"ledger_backend":     cfg.Database.LedgerBackend,
		"rate_limit_backend": cfg.RateLimit.Backend,
	}).Info("Starting chat relay")

	dbManager := infrapersistence.NewDatabaseManager()
	switch {
	case !cfg.Database.EnablePersistence:
		logrus.Warn("Persistence disabled, conversations and usage are kept in memory until shutdown")
		err = dbManager.ConnectSQLite(ctx, ":memory:")
	case cfg.Database.Driver == "sqlite":
		err = dbManager.ConnectSQLite(ctx, cfg.Database.SQLitePath)
	default:
		err = dbManager.Connect(ctx, cfg.GetDatabaseDSN())
	}
	if err != nil {
		logrus.WithError(err).Fatal("Failed to connect to database")
	}
	if err := dbManager.Migrate(); err != nil {
		logrus.WithError(err).Fatal("Failed to run database migrations")
	}

	ledgerRepo, messageRepo, subscriptionRepo := dbManager.GetRepositories()
	subscriptions := infrapersistence.NewCachedSubscriptionRepository(
		subscriptionRepo,
		cfg.Database.SubscriptionCacheSize,
		cfg.Database.SubscriptionCacheTTL,
	)

	var ledger persistence.UsageLedger = ledgerRepo
	var pool *pgxpool.Pool
	if cfg.Database.EnablePersistence && cfg.Database.LedgerBackend == "pgx" {
		pool, err = pgxpool.New(ctx, cfg.GetDatabaseDSN())
		if err != nil {
			logrus.WithError(err).Fatal("Failed to create pgx pool")
		}
		pgxLedger := pgxledger.New(pool)
		if err := pgxLedger.EnsureSchema(ctx); err != nil {
			logrus.WithError(err).Fatal("Failed to prepare usage ledger table")
		}
		ledger = pgxLedger
		logrus.Info("Usage ledger running on pgx")
	}

	var counters guard.CounterStore
	var redisClient *goredis.Client
	switch cfg.RateLimit.Backend {
	case "redis":
		redisClient = goredis.NewClient(&goredis.Options{
			Addr:     cfg.RateLimit.RedisAddr,
			Password: cfg.RateLimit.RedisPassword,
			DB:       cfg.RateLimit.RedisDB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logrus.WithError(err).Fatal("Failed to connect to Redis")
		}
		counters = ratelimit.NewRedisStore(redisClient)
	default:
		counters = ratelimit.NewMemoryStore()
	}

	rateGuard := guard.NewRateGuard(counters, guard.RateLimitConfig{
		Ceiling:       cfg.RateLimit.Ceiling,
		Window:        cfg.RateLimit.Window,
		SweepInterval: cfg.RateLimit.SweepInterval,
	})
	go rateGuard.Run(ctx)

	factory := providers.NewFactory(providers.FactoryConfig{
		OpenAI:    vendorConfig(cfg.Providers.OpenAI),
		Anthropic: vendorConfig(cfg.Providers.Anthropic),
		Gemini:    vendorConfig(cfg.Providers.Gemini),
		CircuitBreaker: providers.CircuitBreakerConfig{
			Enabled:          cfg.CircuitBreaker.Enabled,
			FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
			SuccessThreshold: cfg.CircuitBreaker.SuccessThreshold,
			Timeout:          cfg.CircuitBreaker.Timeout,
			MaxRequests:      cfg.CircuitBreaker.MaxRequests,
		},
	})

	logrus.WithFields(logrus.Fields{
		"enabled":           cfg.CircuitBreaker.Enabled,
		"failure_threshold": cfg.CircuitBreaker.FailureThreshold,
		"timeout":           cfg.CircuitBreaker.Timeout,
	}).Info("Circuit breaker configured")

	authenticator := auth.NewJWTAuthenticator(cfg.Auth.JWTSecret,
		auth.WithAudience(cfg.Auth.Audience),
		auth.WithLeeway(cfg.Auth.Leeway),
	)

	orchestrator := relay.NewOrchestrator(relay.Dependencies{
		Authenticator:   authenticator,
		RateGuard:       rateGuard,
		QuotaGuard:      guard.NewQuotaGuard(subscriptions, ledger),
		Providers:       factory,
		Messages:        messageRepo,
		Ledger:          ledger,
		Transactions:    dbManager,
		FinalizeTimeout: cfg.Database.FinalizeTimeout,
	})

	router := httpiface.NewRouter(orchestrator, cfg.Server.CorsOrigins,
		httpiface.WithHealthChecker(dbManager),
		httpiface.WithCircuitReporter(factory),
		httpiface.WithMaxBodyBytes(cfg.Server.MaxBodyBytes),
	)

	address := cfg.Address()
	server := &http.Server{
		Addr:              address,
		Handler:           router.SetupRoutes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Streams are bounded by the per-vendor timeout instead.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	// Channel to listen for interrupt signal to trigger shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	go func() {
		logrus.WithField("address", address).Info("Server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Fatal("Failed to start server")
		}
	}()

	<-c
	logrus.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// In-flight streams finish their finalize writes before Shutdown returns.
	if err := server.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Error("Server forced to shutdown")
	} else {
		logrus.Info("Server shutdown complete")
	}

	stop()

	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			logrus.WithError(err).Error("Failed to close Redis client")
		}
	}
	if pool != nil {
		pool.Close()
	}
	if err := dbManager.Close(); err != nil {
		logrus.WithError(err).Error("Failed to close database connection")
	}
}

func configureLogging(cfg config.LoggingConfig) {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)

	switch cfg.Format {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	default:
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	logrus.SetReportCaller(cfg.ReportCaller)
}

func vendorConfig(v config.VendorConfig) providers.VendorConfig {
	return providers.VendorConfig{
		APIKey:        v.APIKey,
		BaseURL:       v.BaseURL,
		Timeout:       v.Timeout,
		MaxTokens:     v.MaxTokens,
		APIVersion:    v.APIVersion,
		HistoryWindow: v.HistoryWindow,
	}
}
