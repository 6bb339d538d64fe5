/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 * - github.com/shopspring/decimal: Naira amounts in configuration are converted to kobo.
 */

package config

import (
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/zidewell/zidwell-team-sub003/internal/domain"
)

const (
	defaultMinPurchaseNaira   = "100"
	defaultRefundSchedule     = "@every 5m"
	defaultUserCacheTTLSecond = 120
)

// Config holds all the configuration variables for the wallet service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort              string `mapstructure:"SERVER_PORT"`
	LogLevel                string `mapstructure:"LOG_LEVEL"`
	DatabaseURL             string `mapstructure:"DATABASE_URL"`
	DBAutoMigrate           bool   `mapstructure:"DB_AUTO_MIGRATE"`
	RedisURL                string `mapstructure:"REDIS_URL"`
	RedisKeyPrefix          string `mapstructure:"REDIS_KEY_PREFIX"`
	UserCacheTTLSeconds     int    `mapstructure:"USER_CACHE_TTL_SECONDS"`
	RabbitMQURL             string `mapstructure:"RABBITMQ_URL"`
	EventsExchange          string `mapstructure:"EVENTS_EXCHANGE"`
	FundingEventQueue       string `mapstructure:"FUNDING_EVENT_QUEUE"`
	FundingDLX              string `mapstructure:"FUNDING_DEAD_LETTER_EXCHANGE"`
	FundingPrefetch         int    `mapstructure:"FUNDING_PREFETCH"`
	BillingAPIBaseURL       string `mapstructure:"BILLING_API_BASE_URL"`
	BillingClientID         string `mapstructure:"BILLING_CLIENT_ID"`
	BillingClientSecret     string `mapstructure:"BILLING_CLIENT_SECRET"`
	EmailRelayURL           string `mapstructure:"EMAIL_RELAY_URL"`
	EmailRelayAPIKey        string `mapstructure:"EMAIL_RELAY_API_KEY"`
	EmailFrom               string `mapstructure:"EMAIL_FROM"`
	JWTSecret               string `mapstructure:"JWT_SECRET"`
	InternalAPIKey          string `mapstructure:"INTERNAL_API_KEY"`
	CORSAllowedOrigins      string `mapstructure:"CORS_ALLOWED_ORIGINS"`
	MinPurchaseAmountNaira  string `mapstructure:"MIN_PURCHASE_AMOUNT_NAIRA"`
	PINMaxAttempts          int    `mapstructure:"PIN_MAX_ATTEMPTS"`
	PINLockoutSeconds       int    `mapstructure:"PIN_LOCKOUT_SECONDS"`
	PurchaseRateLimitPerMin int    `mapstructure:"PURCHASE_RATE_LIMIT_PER_MINUTE"`
	RefundReconcilerEnabled bool   `mapstructure:"REFUND_RECONCILER_ENABLED"`
	RefundReconcilerCron    string `mapstructure:"REFUND_RECONCILER_SCHEDULE"`

	// Derived values.
	MinPurchaseAmountKobo int64         `mapstructure:"-"`
	UserCacheTTL          time.Duration `mapstructure:"-"`
	PINLockout            time.Duration `mapstructure:"-"`
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("DB_AUTO_MIGRATE", false)
	viper.SetDefault("REDIS_KEY_PREFIX", "zidwell")
	viper.SetDefault("USER_CACHE_TTL_SECONDS", defaultUserCacheTTLSecond)
	viper.SetDefault("EVENTS_EXCHANGE", "zidwell.events")
	viper.SetDefault("FUNDING_EVENT_QUEUE", "wallet_service.funding_events")
	viper.SetDefault("FUNDING_DEAD_LETTER_EXCHANGE", "zidwell.events.dead")
	viper.SetDefault("FUNDING_PREFETCH", 10)
	viper.SetDefault("EMAIL_FROM", "Zidwell <no-reply@zidwell.com>")
	viper.SetDefault("CORS_ALLOWED_ORIGINS", "*")
	viper.SetDefault("MIN_PURCHASE_AMOUNT_NAIRA", defaultMinPurchaseNaira)
	viper.SetDefault("PIN_MAX_ATTEMPTS", 5)
	viper.SetDefault("PIN_LOCKOUT_SECONDS", 900)
	viper.SetDefault("PURCHASE_RATE_LIMIT_PER_MINUTE", 10)
	viper.SetDefault("REFUND_RECONCILER_ENABLED", true)
	viper.SetDefault("REFUND_RECONCILER_SCHEDULE", defaultRefundSchedule)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	for _, key := range []string{
		"SERVER_PORT",
		"PORT",
		"LOG_LEVEL",
		"DATABASE_URL",
		"DB_AUTO_MIGRATE",
		"REDIS_KEY_PREFIX",
		"USER_CACHE_TTL_SECONDS",
		"RABBITMQ_URL",
		"EVENTS_EXCHANGE",
		"FUNDING_EVENT_QUEUE",
		"FUNDING_DEAD_LETTER_EXCHANGE",
		"FUNDING_PREFETCH",
		"BILLING_API_BASE_URL",
		"BILLING_CLIENT_ID",
		"BILLING_CLIENT_SECRET",
		"EMAIL_RELAY_URL",
		"EMAIL_RELAY_API_KEY",
		"EMAIL_FROM",
		"JWT_SECRET",
		"CORS_ALLOWED_ORIGINS",
		"MIN_PURCHASE_AMOUNT_NAIRA",
		"PIN_MAX_ATTEMPTS",
		"PIN_LOCKOUT_SECONDS",
		"PURCHASE_RATE_LIMIT_PER_MINUTE",
		"REFUND_RECONCILER_ENABLED",
		"REFUND_RECONCILER_SCHEDULE",
	} {
		_ = viper.BindEnv(key)
	}
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "WALLET_REDIS_URL")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "WALLET_SERVICE_INTERNAL_API_KEY")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			zap.L().Warn("failed to read config file; using environment values",
				zap.String("component", "config"),
				zap.Error(err),
			)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	if strings.TrimSpace(config.InternalAPIKey) == "" {
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("WALLET_SERVICE_INTERNAL_API_KEY"))
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisKeyPrefix = strings.TrimSuffix(strings.TrimSpace(config.RedisKeyPrefix), ":")
	if config.RedisKeyPrefix == "" {
		config.RedisKeyPrefix = "zidwell"
	}
	config.BillingAPIBaseURL = strings.TrimSuffix(strings.TrimSpace(config.BillingAPIBaseURL), "/")
	config.EmailRelayURL = strings.TrimSuffix(strings.TrimSpace(config.EmailRelayURL), "/")

	config.MinPurchaseAmountKobo = parseNairaAmount("MIN_PURCHASE_AMOUNT_NAIRA", config.MinPurchaseAmountNaira, defaultMinPurchaseNaira)

	if config.UserCacheTTLSeconds <= 0 {
		config.UserCacheTTLSeconds = defaultUserCacheTTLSecond
	}
	config.UserCacheTTL = time.Duration(config.UserCacheTTLSeconds) * time.Second

	if config.PINMaxAttempts < 1 {
		config.PINMaxAttempts = 1
	}
	if config.PINMaxAttempts > 20 {
		config.PINMaxAttempts = 20
	}
	if config.PINLockoutSeconds < 30 {
		config.PINLockoutSeconds = 30
	}
	config.PINLockout = time.Duration(config.PINLockoutSeconds) * time.Second

	if config.PurchaseRateLimitPerMin < 0 {
		config.PurchaseRateLimitPerMin = 0
	}
	if config.PurchaseRateLimitPerMin > 1000 {
		config.PurchaseRateLimitPerMin = 1000
	}

	config.FundingDLX = strings.TrimSpace(config.FundingDLX)
	if config.FundingPrefetch < 1 {
		config.FundingPrefetch = 1
	}
	if config.FundingPrefetch > 500 {
		config.FundingPrefetch = 500
	}

	config.RefundReconcilerCron = strings.TrimSpace(config.RefundReconcilerCron)
	if config.RefundReconcilerCron == "" {
		config.RefundReconcilerCron = defaultRefundSchedule
	}

	return config, nil
}

func parseNairaAmount(key, raw, fallback string) int64 {
	value, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err == nil && value.IsPositive() {
		if kobo, convErr := domain.NairaToKobo(value); convErr == nil {
			return kobo
		}
	}
	zap.L().Warn("invalid naira amount; using default",
		zap.String("component", "config"),
		zap.String("key", key),
		zap.String("value", raw),
	)
	kobo, _ := domain.NairaToKobo(decimal.RequireFromString(fallback))
	return kobo
}
