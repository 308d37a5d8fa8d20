/**
 * @description
 * This package handles the configuration management for the session-service. It
 * uses Viper to read configuration from environment variables and an optional
 * .env file.
 *
 * @dependencies
 * - github.com/spf13/viper: Environment and .env loading.
 * - github.com/shopspring/decimal: Exact parsing of the revenue split rates.
 */

package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/EmilynnJ/seerplexv2-sub000/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Storage drivers accepted by STORE_DRIVER.
const (
	StoreDriverPostgres = "postgres"
	StoreDriverMongo    = "mongo"
	StoreDriverMemory   = "memory"
)

// Config holds all the configuration variables for the session-service.
type Config struct {
	ServerPort                       string `mapstructure:"SERVER_PORT"`
	StoreDriver                      string `mapstructure:"STORE_DRIVER"`
	DatabaseURL                      string `mapstructure:"DATABASE_URL"`
	MongoURL                         string `mapstructure:"MONGO_URL"`
	MongoDatabase                    string `mapstructure:"MONGO_DATABASE"`
	RedisURL                         string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix             string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	SessionRequestRateLimitPerMinute int    `mapstructure:"SESSION_REQUEST_RATE_LIMIT_PER_MINUTE"`
	RabbitMQURL                      string `mapstructure:"RABBITMQ_URL"`
	EventsExchange                   string `mapstructure:"EVENTS_EXCHANGE"`
	DepositEventQueue                string `mapstructure:"DEPOSIT_EVENT_QUEUE"`
	ClerkJWKSURL                     string `mapstructure:"CLERK_JWKS_URL"`
	ClerkAudience                    string `mapstructure:"CLERK_AUDIENCE"`
	ClerkIssuer                      string `mapstructure:"CLERK_ISSUER"`
	JWTSigningSecret                 string `mapstructure:"JWT_SIGNING_SECRET"`
	AllowedOriginsRaw                string `mapstructure:"ALLOWED_ORIGINS"`
	BillingIntervalSeconds           int    `mapstructure:"BILLING_INTERVAL_SECONDS"`
	ChargeFailureThreshold           int    `mapstructure:"CHARGE_FAILURE_THRESHOLD"`
	DisconnectGraceSeconds           int    `mapstructure:"DISCONNECT_GRACE_SECONDS"`
	PendingRequestTimeoutSeconds     int    `mapstructure:"PENDING_REQUEST_TIMEOUT_SECONDS"`
	PendingSweepSchedule             string `mapstructure:"PENDING_SWEEP_SCHEDULE"`

	// Derived from READER_SHARE_RATE, PLATFORM_FEE_RATE and PAYOUT_MINIMUM.
	ReaderShareRate     decimal.Decimal `mapstructure:"-"`
	PlatformFeeRate     decimal.Decimal `mapstructure:"-"`
	PayoutMinimumAmount int64           `mapstructure:"-"`
}

// LoadConfig reads configuration from environment variables and the optional
// .env file in path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("STORE_DRIVER", StoreDriverPostgres)
	viper.SetDefault("MONGO_DATABASE", "seerplex")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "seerplex:rate_limit")
	viper.SetDefault("SESSION_REQUEST_RATE_LIMIT_PER_MINUTE", 10)
	viper.SetDefault("EVENTS_EXCHANGE", "seerplex.events")
	viper.SetDefault("DEPOSIT_EVENT_QUEUE", "session_service.deposits")
	viper.SetDefault("BILLING_INTERVAL_SECONDS", 60)
	viper.SetDefault("READER_SHARE_RATE", "0.70")
	viper.SetDefault("PLATFORM_FEE_RATE", "0.30")
	viper.SetDefault("CHARGE_FAILURE_THRESHOLD", 3)
	viper.SetDefault("DISCONNECT_GRACE_SECONDS", 30)
	viper.SetDefault("PENDING_REQUEST_TIMEOUT_SECONDS", 300)
	viper.SetDefault("PENDING_SWEEP_SCHEDULE", "@every 1m")
	viper.SetDefault("PAYOUT_MINIMUM", "15.00")

	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("STORE_DRIVER")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("MONGO_URL", "MONGO_URL", "MONGODB_URI")
	_ = viper.BindEnv("MONGO_DATABASE")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("SESSION_REQUEST_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("EVENTS_EXCHANGE")
	_ = viper.BindEnv("DEPOSIT_EVENT_QUEUE")
	_ = viper.BindEnv("CLERK_JWKS_URL")
	_ = viper.BindEnv("CLERK_AUDIENCE")
	_ = viper.BindEnv("CLERK_ISSUER")
	_ = viper.BindEnv("JWT_SIGNING_SECRET")
	_ = viper.BindEnv("ALLOWED_ORIGINS")
	_ = viper.BindEnv("BILLING_INTERVAL_SECONDS")
	_ = viper.BindEnv("READER_SHARE_RATE")
	_ = viper.BindEnv("PLATFORM_FEE_RATE")
	_ = viper.BindEnv("CHARGE_FAILURE_THRESHOLD")
	_ = viper.BindEnv("DISCONNECT_GRACE_SECONDS")
	_ = viper.BindEnv("PENDING_REQUEST_TIMEOUT_SECONDS")
	_ = viper.BindEnv("PENDING_SWEEP_SCHEDULE")
	_ = viper.BindEnv("PAYOUT_MINIMUM")

	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.StoreDriver = strings.ToLower(strings.TrimSpace(config.StoreDriver))
	switch config.StoreDriver {
	case StoreDriverPostgres, StoreDriverMongo, StoreDriverMemory:
	default:
		err = fmt.Errorf("unsupported STORE_DRIVER %q", config.StoreDriver)
		return
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "seerplex:rate_limit"
	}

	config.ReaderShareRate, err = parseRate("READER_SHARE_RATE")
	if err != nil {
		return
	}
	config.PlatformFeeRate, err = parseRate("PLATFORM_FEE_RATE")
	if err != nil {
		return
	}
	if !config.ReaderShareRate.Add(config.PlatformFeeRate).Equal(decimal.NewFromInt(1)) {
		err = fmt.Errorf("READER_SHARE_RATE (%s) and PLATFORM_FEE_RATE (%s) must sum to 1",
			config.ReaderShareRate, config.PlatformFeeRate)
		return
	}

	payoutMinimum := strings.TrimSpace(viper.GetString("PAYOUT_MINIMUM"))
	config.PayoutMinimumAmount, err = domain.ParseAmount(payoutMinimum)
	if err != nil {
		err = fmt.Errorf("invalid PAYOUT_MINIMUM: %w", err)
		return
	}
	if config.PayoutMinimumAmount < 0 {
		log.Printf("level=warn component=config msg=\"negative payout minimum configured; coercing to zero\" minimum=%d", config.PayoutMinimumAmount)
		config.PayoutMinimumAmount = 0
	}

	if config.BillingIntervalSeconds <= 0 {
		log.Printf("level=warn component=config msg=\"invalid billing interval; using 60s\" seconds=%d", config.BillingIntervalSeconds)
		config.BillingIntervalSeconds = 60
	}
	if config.ChargeFailureThreshold <= 0 {
		config.ChargeFailureThreshold = 3
	}
	if config.DisconnectGraceSeconds < 0 {
		config.DisconnectGraceSeconds = 0
	}
	if config.PendingRequestTimeoutSeconds < 0 {
		config.PendingRequestTimeoutSeconds = 0
	}
	if config.SessionRequestRateLimitPerMinute < 0 {
		config.SessionRequestRateLimitPerMinute = 0
	}
	if strings.TrimSpace(config.PendingSweepSchedule) == "" {
		config.PendingSweepSchedule = "@every 1m"
	}

	return
}

// AllowedOrigins splits ALLOWED_ORIGINS into its entries. Empty means any origin.
func (c Config) AllowedOrigins() []string {
	var origins []string
	for _, origin := range strings.Split(c.AllowedOriginsRaw, ",") {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}

func (c Config) BillingInterval() time.Duration {
	return time.Duration(c.BillingIntervalSeconds) * time.Second
}

func (c Config) DisconnectGrace() time.Duration {
	return time.Duration(c.DisconnectGraceSeconds) * time.Second
}

func (c Config) PendingRequestTimeout() time.Duration {
	return time.Duration(c.PendingRequestTimeoutSeconds) * time.Second
}

func parseRate(key string) (decimal.Decimal, error) {
	raw := strings.TrimSpace(viper.GetString(key))
	rate, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	if rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(1)) {
		return decimal.Zero, fmt.Errorf("%s must be between 0 and 1, got %s", key, rate)
	}
	return rate, nil
}
