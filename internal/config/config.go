// Package config loads the service configuration from environment variables,
// with secrets (infra URLs, provider API keys) optionally sourced from Vault
// KV v2. Every knob has a default so the service starts bare in dev.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/arc-self/apps/fragment-service/internal/domain"
	"github.com/arc-self/apps/fragment-service/internal/provider"
)

// Config is the full service configuration.
type Config struct {
	HTTPAddr     string
	RedisURL     string
	NATSURL      string
	OTELEndpoint string

	Providers []provider.Config

	// Policy defaults applied when a request omits a field.
	Policy domain.Policy

	FragmentTimeout        time.Duration
	TotalDeadline          time.Duration
	MaxInFlight            int
	Retries                int
	RetryAlternateProvider bool

	HealthProbeInterval time.Duration
	StateTTL            time.Duration
	MaxReplay           int
}

// Load reads the configuration. When VAULT_ADDR is set, secrets come from
// the KV v2 path in VAULT_SECRET_PATH and override the env values; the env
// keeps working without Vault for local runs.
func Load(logger *zap.Logger) (Config, error) {
	cfg := Config{
		HTTPAddr:     envStr("HTTP_ADDR", ":8080"),
		RedisURL:     envStr("REDIS_URL", ""),
		NATSURL:      envStr("NATS_URL", ""),
		OTELEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		Policy: domain.Policy{
			MinProvidersForSensitive: envInt("MIN_PROVIDERS_FOR_SENSITIVE", 2),
			MaxFragments:             envInt("MAX_FRAGMENTS", 5),
			ChunkSizeCap:             envInt("CHUNK_SIZE_CAP", 400),
			PrivacyLevel:             domain.PrivacyLevel(envStr("PRIVACY_LEVEL", string(domain.PrivacyMedium))),
		},
		FragmentTimeout:        envDuration("FRAGMENT_TIMEOUT", 8*time.Second),
		TotalDeadline:          envDuration("TOTAL_DEADLINE", 30*time.Second),
		MaxInFlight:            envInt("MAX_IN_FLIGHT", 8),
		Retries:                envInt("RETRIES", 2),
		RetryAlternateProvider: envBool("RETRY_ALTERNATE_PROVIDER", true),
		HealthProbeInterval:    envDuration("HEALTH_PROBE_INTERVAL", 30*time.Second),
		StateTTL:               envDuration("STATE_TTL", time.Hour),
		MaxReplay:              envInt("MAX_REPLAY", 64),
	}

	providersJSON := envStr("PROVIDERS", "")

	if vaultAddr := os.Getenv("VAULT_ADDR"); vaultAddr != "" {
		secrets, err := loadVault(vaultAddr)
		if err != nil {
			return Config{}, err
		}
		logger.Info("secrets loaded from Vault")
		if v, ok := secrets["REDIS_URL"].(string); ok {
			cfg.RedisURL = v
		}
		if v, ok := secrets["NATS_URL"].(string); ok {
			cfg.NATSURL = v
		}
		if v, ok := secrets["PROVIDERS"].(string); ok {
			providersJSON = v
		}
	}

	if providersJSON != "" {
		if err := json.Unmarshal([]byte(providersJSON), &cfg.Providers); err != nil {
			return Config{}, fmt.Errorf("parse PROVIDERS: %w", err)
		}
	}
	if len(cfg.Providers) == 0 {
		return Config{}, fmt.Errorf("no providers configured: set PROVIDERS")
	}
	for i, p := range cfg.Providers {
		if p.ID == "" || p.BaseURL == "" {
			return Config{}, fmt.Errorf("provider %d: id and base_url are required", i)
		}
	}

	switch cfg.Policy.PrivacyLevel {
	case domain.PrivacyLow, domain.PrivacyMedium, domain.PrivacyHigh:
	default:
		return Config{}, fmt.Errorf("invalid PRIVACY_LEVEL %q", cfg.Policy.PrivacyLevel)
	}
	return cfg, nil
}

func loadVault(vaultAddr string) (map[string]interface{}, error) {
	vaultToken := envStr("VAULT_TOKEN", "root")
	secretPath := envStr("VAULT_SECRET_PATH", "secret/data/arc/fragment-service")

	manager, err := NewSecretManager(vaultAddr, vaultToken)
	if err != nil {
		return nil, fmt.Errorf("vault connection failed: %w", err)
	}
	secrets, err := manager.GetKV2(secretPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load secrets from vault: %w", err)
	}
	return secrets, nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
