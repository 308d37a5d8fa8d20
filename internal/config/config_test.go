package config

import (
	"os"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestLoadConfig_Defaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	for _, key := range []string{"PORT", "SERVER_PORT", "STORE_DRIVER", "READER_SHARE_RATE", "PLATFORM_FEE_RATE", "PAYOUT_MINIMUM", "BILLING_INTERVAL_SECONDS", "DISCONNECT_GRACE_SECONDS"} {
		unsetEnvWithCleanup(t, key)
	}

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ServerPort != "8080" || cfg.StoreDriver != StoreDriverPostgres {
		t.Fatalf("unexpected defaults: port=%q driver=%q", cfg.ServerPort, cfg.StoreDriver)
	}
	if cfg.ReaderShareRate.String() != "0.7" || cfg.PlatformFeeRate.String() != "0.3" {
		t.Fatalf("unexpected split defaults %s/%s", cfg.ReaderShareRate, cfg.PlatformFeeRate)
	}
	if cfg.PayoutMinimumAmount != 1500 {
		t.Fatalf("expected payout minimum of 1500 cents, got %d", cfg.PayoutMinimumAmount)
	}
	if cfg.BillingInterval() != time.Minute || cfg.DisconnectGrace() != 30*time.Second {
		t.Fatalf("unexpected timing defaults %s/%s", cfg.BillingInterval(), cfg.DisconnectGrace())
	}
	if cfg.EventsExchange != "seerplex.events" || cfg.PendingSweepSchedule != "@every 1m" {
		t.Fatalf("unexpected broker/sweep defaults %q/%q", cfg.EventsExchange, cfg.PendingSweepSchedule)
	}
}

func TestLoadConfig_PortOverridesServerPort(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "SERVER_PORT", "9000")
	setEnvWithCleanup(t, "PORT", "10000")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ServerPort != "10000" {
		t.Fatalf("expected PORT to win, got %q", cfg.ServerPort)
	}
}

func TestLoadConfig_RejectsSplitThatDoesNotSumToOne(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "READER_SHARE_RATE", "0.75")
	setEnvWithCleanup(t, "PLATFORM_FEE_RATE", "0.30")

	if _, err := LoadConfig(t.TempDir()); err == nil {
		t.Fatal("expected an error for a split that sums to 1.05")
	}
}

func TestLoadConfig_AcceptsCustomSplit(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "READER_SHARE_RATE", "0.65")
	setEnvWithCleanup(t, "PLATFORM_FEE_RATE", "0.35")
	setEnvWithCleanup(t, "PAYOUT_MINIMUM", "$25.50")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ReaderShareRate.String() != "0.65" {
		t.Fatalf("expected reader share 0.65, got %s", cfg.ReaderShareRate)
	}
	if cfg.PayoutMinimumAmount != 2550 {
		t.Fatalf("expected payout minimum 2550, got %d", cfg.PayoutMinimumAmount)
	}
}

func TestLoadConfig_RejectsUnknownStoreDriver(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "STORE_DRIVER", "sqlite")

	if _, err := LoadConfig(t.TempDir()); err == nil {
		t.Fatal("expected an error for an unsupported store driver")
	}
}

func TestLoadConfig_CoercesInvalidTimings(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "BILLING_INTERVAL_SECONDS", "0")
	setEnvWithCleanup(t, "DISCONNECT_GRACE_SECONDS", "-5")
	setEnvWithCleanup(t, "CHARGE_FAILURE_THRESHOLD", "0")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.BillingIntervalSeconds != 60 || cfg.DisconnectGraceSeconds != 0 || cfg.ChargeFailureThreshold != 3 {
		t.Fatalf("unexpected coerced values %d/%d/%d", cfg.BillingIntervalSeconds, cfg.DisconnectGraceSeconds, cfg.ChargeFailureThreshold)
	}
}

func TestConfigAllowedOrigins(t *testing.T) {
	cfg := Config{AllowedOriginsRaw: " https://app.seerplex.com, ,http://localhost:3000 "}
	origins := cfg.AllowedOrigins()
	if len(origins) != 2 || origins[0] != "https://app.seerplex.com" || origins[1] != "http://localhost:3000" {
		t.Fatalf("unexpected origins %v", origins)
	}
	if len(Config{}.AllowedOrigins()) != 0 {
		t.Fatal("expected no origins when unset")
	}
}

func setEnvWithCleanup(t *testing.T, key string, value string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Setenv(key, value); err != nil {
		t.Fatalf("failed to set env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
			return
		}
		_ = os.Unsetenv(key)
	})
}

func unsetEnvWithCleanup(t *testing.T, key string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Unsetenv(key); err != nil {
		t.Fatalf("failed to unset env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
		}
	})
}
