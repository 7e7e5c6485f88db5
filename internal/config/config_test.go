package config

import (
	"testing"
	"time"
)

func TestLoadConfig(t *testing.T) {
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("POSTGRES_HOST", "testhost")
	t.Setenv("SYNC_CYCLE_INTERVAL", "30s")
	t.Setenv("BACKFILL_ENABLED", "false")
	t.Setenv("RETRY_JITTER", "0.1")
	t.Setenv("GITHUB_ALLOWED_REPOSITORIES", "octo/repo, acme/*")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.Server.Port != "9090" {
		t.Errorf("Server.Port = %v, want %v", cfg.Server.Port, "9090")
	}
	if cfg.Database.Postgres.Host != "testhost" {
		t.Errorf("Database.Postgres.Host = %v, want %v", cfg.Database.Postgres.Host, "testhost")
	}
	if cfg.Sync.CycleInterval != 30*time.Second {
		t.Errorf("Sync.CycleInterval = %v, want %v", cfg.Sync.CycleInterval, 30*time.Second)
	}
	if cfg.Backfill.Enabled {
		t.Errorf("Backfill.Enabled = true, want false")
	}
	if cfg.Retry.Jitter != 0.1 {
		t.Errorf("Retry.Jitter = %v, want 0.1", cfg.Retry.Jitter)
	}
	if len(cfg.GitHub.AllowedRepositories) != 2 || cfg.GitHub.AllowedRepositories[1] != "acme/*" {
		t.Errorf("GitHub.AllowedRepositories = %v", cfg.GitHub.AllowedRepositories)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.RateLimit.CriticalThreshold != 50 || cfg.RateLimit.LowThreshold != 500 {
		t.Errorf("rate limit thresholds = %d/%d, want 50/500", cfg.RateLimit.CriticalThreshold, cfg.RateLimit.LowThreshold)
	}
	if cfg.RateLimit.MaxWait != 5*time.Minute {
		t.Errorf("RateLimit.MaxWait = %v, want 5m", cfg.RateLimit.MaxWait)
	}
	if cfg.Backfill.RateLimitThreshold != 100 {
		t.Errorf("Backfill.RateLimitThreshold = %d, want 100", cfg.Backfill.RateLimitThreshold)
	}
	if cfg.Retry.MaxAttempts != 5 || cfg.Retry.MaxDelay != time.Minute {
		t.Errorf("retry = %d attempts / %v, want 5 / 1m", cfg.Retry.MaxAttempts, cfg.Retry.MaxDelay)
	}
}

func TestLoadConfigRejectsInvalidPageSize(t *testing.T) {
	t.Setenv("SYNC_PAGE_SIZE", "500")

	if _, err := LoadConfig(); err == nil {
		t.Fatal("LoadConfig() expected error for page size above 100")
	}
}

func TestValidateReceiver(t *testing.T) {
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if err := cfg.ValidateReceiver(); err == nil {
		t.Error("ValidateReceiver() expected error without a webhook secret")
	}

	t.Setenv("GITHUB_WEBHOOK_ALLOW_UNSIGNED", "true")
	cfg, err = LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if err := cfg.ValidateReceiver(); err != nil {
		t.Errorf("ValidateReceiver() with unsigned deliveries allowed error = %v", err)
	}

	t.Setenv("GITHUB_WEBHOOK_ALLOW_UNSIGNED", "")
	t.Setenv("GITHUB_WEBHOOK_SECRET", "s3cret")
	cfg, err = LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if err := cfg.ValidateReceiver(); err != nil {
		t.Errorf("ValidateReceiver() with secret error = %v", err)
	}
}

func TestPostgresURL(t *testing.T) {
	cfg := PostgresConfig{Host: "db", Port: "5432", Database: "mirror", User: "u", Password: "p", SSLMode: "disable"}
	want := "postgres://u:p@db:5432/mirror?sslmode=disable"
	if got := cfg.URL(); got != want {
		t.Errorf("URL() = %v, want %v", got, want)
	}
}

func TestGetEnv(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		defaultValue string
		envValue     string
		want         string
	}{
		{
			name:         "returns environment variable when set",
			key:          "TEST_KEY",
			defaultValue: "default",
			envValue:     "custom",
			want:         "custom",
		},
		{
			name:         "returns default when environment variable not set",
			key:          "NONEXISTENT_KEY",
			defaultValue: "default",
			envValue:     "",
			want:         "default",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				t.Setenv(tt.key, tt.envValue)
			}

			if got := getEnv(tt.key, tt.defaultValue); got != tt.want {
				t.Errorf("getEnv() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetEnvTypedHelpers(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	t.Setenv("TEST_BAD_INT", "forty")
	t.Setenv("TEST_BOOL", "true")
	t.Setenv("TEST_FLOAT", "1.5")
	t.Setenv("TEST_DURATION", "2m")

	if got := getEnvAsInt("TEST_INT", 1); got != 42 {
		t.Errorf("getEnvAsInt() = %v, want 42", got)
	}
	if got := getEnvAsInt("TEST_BAD_INT", 7); got != 7 {
		t.Errorf("getEnvAsInt() = %v, want default 7", got)
	}
	if got := getEnvAsBool("TEST_BOOL", false); !got {
		t.Errorf("getEnvAsBool() = false, want true")
	}
	if got := getEnvAsFloat("TEST_FLOAT", 0); got != 1.5 {
		t.Errorf("getEnvAsFloat() = %v, want 1.5", got)
	}
	if got := getEnvAsDuration("TEST_DURATION", 0); got != 2*time.Minute {
		t.Errorf("getEnvAsDuration() = %v, want 2m", got)
	}
	if got := getEnvAsList("TEST_UNSET_LIST"); len(got) != 0 {
		t.Errorf("getEnvAsList() = %v, want empty", got)
	}
}
