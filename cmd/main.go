/**
 * @description
 * This is the main entry point for the wallet service. It is responsible for
 * initializing all components of the service, including configuration, database connection,
 * the bill-payment and email clients, the user cache, message brokers, the refund
 * reconciler and the HTTP server. It wires everything together and starts the service.
 *
 * @dependencies
 * - go.uber.org/zap: Structured logging.
 * - github.com/joho/godotenv: For loading .env files during local development.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: User cache and purchase rate limiting.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/billingclient, pkg/mailer, pkg/rabbitmq: Outbound integrations.
 */

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

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/zidewell/zidwell-team-sub003/internal/api"
	"github.com/zidewell/zidwell-team-sub003/internal/app"
	"github.com/zidewell/zidwell-team-sub003/internal/cache"
	"github.com/zidewell/zidwell-team-sub003/internal/config"
	"github.com/zidewell/zidwell-team-sub003/internal/store"
	"github.com/zidewell/zidwell-team-sub003/pkg/billingclient"
	"github.com/zidewell/zidwell-team-sub003/pkg/mailer"
	"github.com/zidewell/zidwell-team-sub003/pkg/rabbitmq"
)

func main() {
	zapConfig := zap.NewProductionConfig()
	logger, err := zapConfig.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to build logger: %v", err))
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)
	bootLog := logger.With(zap.String("component", "bootstrap"))

	// Load .env file for local development.
	if err := godotenv.Load(); err != nil {
		bootLog.Info("no .env file found, using environment variables")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		bootLog.Fatal("config load failed", zap.Error(err))
	}
	if level, parseErr := zapcore.ParseLevel(cfg.LogLevel); parseErr == nil {
		zapConfig.Level.SetLevel(level)
	} else {
		bootLog.Warn("invalid log level; keeping info", zap.String("log_level", cfg.LogLevel))
	}
	if strings.TrimSpace(cfg.InternalAPIKey) == "" {
		bootLog.Warn("internal api key not configured; admin endpoints will refuse every request", zap.String("env", "INTERNAL_API_KEY"))
	}
	if strings.TrimSpace(cfg.JWTSecret) == "" {
		bootLog.Fatal("jwt secret must be configured", zap.String("env", "JWT_SECRET"))
	}

	bootLog.Info("starting wallet-service", zap.String("port", cfg.ServerPort))

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		bootLog.Fatal("database url parse failed", zap.Error(err))
	}
	poolConfig.MaxConns = 100
	poolConfig.MinConns = 20
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts behind poolers.
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		bootLog.Fatal("database connection failed", zap.Error(err))
	}
	defer dbpool.Close()
	bootLog.Info("database connected")

	if cfg.DBAutoMigrate {
		migrateCtx, cancelMigrate := context.WithTimeout(context.Background(), 30*time.Second)
		err := store.Migrate(migrateCtx, dbpool)
		cancelMigrate()
		if err != nil {
			bootLog.Fatal("database migration failed", zap.Error(err))
		}
		bootLog.Info("database schema applied")
	}

	// Initialize the RabbitMQ producer to publish transaction events.
	var publisher rabbitmq.Publisher
	producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL, logger)
	if err != nil {
		bootLog.Warn("rabbitmq producer unavailable; using fallback", zap.Error(err))
		publisher = &rabbitmq.EventProducerFallback{Logger: logger}
	} else {
		defer producer.Close()
		publisher = producer
		bootLog.Info("rabbitmq producer connected")
	}

	redisClient := connectRedis(cfg.RedisURL, bootLog)
	if redisClient != nil {
		defer redisClient.Close()
	}

	repository := store.NewPostgresRepository(dbpool)
	billing := billingclient.NewClient(cfg.BillingAPIBaseURL, cfg.BillingClientID, cfg.BillingClientSecret, logger)

	walletService := app.NewService(repository, billing, publisher, logger, app.Config{
		MinPurchaseAmount: cfg.MinPurchaseAmountKobo,
		PINMaxAttempts:    cfg.PINMaxAttempts,
		PINLockout:        cfg.PINLockout,
		EventsExchange:    cfg.EventsExchange,
	})

	if redisClient != nil {
		walletService.SetUserCache(cache.NewRedisUserCache(redisClient, cfg.RedisKeyPrefix+":user", cfg.UserCacheTTL))
		if cfg.PurchaseRateLimitPerMin > 0 {
			walletService.SetPurchaseRateLimiter(app.NewRedisPurchaseRateLimiter(redisClient, cfg.RedisKeyPrefix+":rate_limit", cfg.PurchaseRateLimitPerMin, time.Minute))
		}
	} else {
		walletService.SetUserCache(cache.NewMemoryUserCache(cfg.UserCacheTTL))
		if cfg.PurchaseRateLimitPerMin > 0 {
			bootLog.Warn("redis unavailable; purchase rate limiting disabled")
		}
	}

	var notifier *app.EmailNotifier
	if strings.TrimSpace(cfg.EmailRelayURL) == "" {
		bootLog.Warn("email relay not configured; transaction emails disabled", zap.String("env", "EMAIL_RELAY_URL"))
	} else {
		notifier = app.NewEmailNotifier(mailer.NewClient(cfg.EmailRelayURL, cfg.EmailRelayAPIKey), cfg.EmailFrom, logger)
		walletService.SetNotifier(notifier)
	}

	var reconciler *app.RefundReconciler
	if cfg.RefundReconcilerEnabled {
		reconciler = app.NewRefundReconciler(walletService, cfg.RefundReconcilerCron, logger)
		if err := reconciler.Start(); err != nil {
			bootLog.Fatal("refund reconciler start failed", zap.Error(err))
		}
	}

	// Consume wallet funding events. The HTTP API keeps serving when the broker is down.
	consumer, err := rabbitmq.NewConsumer(cfg.RabbitMQURL, logger)
	if err != nil {
		bootLog.Warn("rabbitmq consumer unavailable; funding events will not be processed", zap.Error(err))
	} else {
		defer consumer.Close()
		fundingConsumer := walletService.FundingConsumer()
		bindings := map[string]rabbitmq.Handler{
			app.FundingReceivedRoutingKey: fundingConsumer.HandleMessage,
		}
		consumerConfig := rabbitmq.ConsumerConfig{
			Exchange:           cfg.EventsExchange,
			Queue:              cfg.FundingEventQueue,
			DeadLetterExchange: cfg.FundingDLX,
			Prefetch:           cfg.FundingPrefetch,
		}
		if err := consumer.Consume(consumerConfig, bindings); err != nil {
			bootLog.Warn("funding consumer start failed", zap.Error(err))
		}
	}

	handlers := api.NewWalletHandlers(walletService, logger)
	router := api.WalletRoutes(handlers, api.RouterConfig{
		JWTSecret:      cfg.JWTSecret,
		InternalAPIKey: cfg.InternalAPIKey,
		AllowedOrigins: cfg.CORSAllowedOrigins,
	})

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	server := &http.Server{
		Addr:              serverAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("server listening", zap.String("component", "http"), zap.String("addr", serverAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server stopped unexpectedly", zap.String("component", "http"), zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("shutdown started", zap.String("component", "http"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("shutdown failed", zap.String("component", "http"), zap.Error(err))
	}
	if reconciler != nil {
		select {
		case <-reconciler.Stop().Done():
		case <-ctx.Done():
			logger.Warn("refund reconciler still running at shutdown", zap.String("component", "refund_reconciler"))
		}
	}
	if notifier != nil {
		notifier.Wait()
	}

	logger.Info("shutdown complete", zap.String("component", "http"))
}

// connectRedis returns nil when Redis is not configured or unreachable.
func connectRedis(rawURL string, logger *zap.Logger) *redis.Client {
	if strings.TrimSpace(rawURL) == "" {
		logger.Warn("redis url missing; using in-process user cache", zap.String("env", "REDIS_URL"))
		return nil
	}
	options, err := redis.ParseURL(rawURL)
	if err != nil {
		logger.Warn("redis url parse failed; using in-process user cache", zap.Error(err))
		return nil
	}
	client := redis.NewClient(options)
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelPing()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis ping failed; using in-process user cache", zap.Error(err))
		client.Close()
		return nil
	}
	logger.Info("redis connected")
	return client
}
