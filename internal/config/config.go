package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds application settings (in-memory representation).
// Values come from environment variables; .env loading happens in main.
type Config struct {
	// Provider credentials and endpoints.
	ZerionAPIKey   string `json:"-"`
	ZerionBaseURL  string `json:"zerion_base_url"`
	BirdEyeAPIKey  string `json:"-"`
	BirdEyeBaseURL string `json:"birdeye_base_url"`

	// Backends.
	RedisURL   string `json:"redis_url"`
	SQLitePath string `json:"sqlite_path"`

	// Scheduler settings.
	PnLParallelBatchSize int           `json:"pnl_parallel_batch_size"`
	PerWalletSemaphore   int64         `json:"per_wallet_semaphore"`
	BatchWalletTimeout   time.Duration `json:"batch_wallet_timeout"`
	QueueWalletTimeout   time.Duration `json:"queue_wallet_timeout"`
	StaleClaimMaxAge     time.Duration `json:"stale_claim_max_age"`
	ProcessLoopInterval  time.Duration `json:"process_loop_interval"`

	// Provider paging.
	MaxTransactionPages int `json:"max_transaction_pages"`

	// Enrichment policy.
	EnrichmentMaxFailureRate  float64       `json:"enrichment_max_failure_rate"`
	EnrichmentRequestInterval time.Duration `json:"enrichment_request_interval"`

	// Engine thresholds.
	PhantomPatternHoldTimeMinutes float64 `json:"phantom_pattern_hold_time_minutes"`
	PhantomPatternPnLEpsilon      float64 `json:"phantom_pattern_pnl_epsilon"`
	DustZeroThreshold             float64 `json:"dust_zero_threshold"`
	UnrealizedPnLSanityCap        int64   `json:"unrealized_pnl_sanity_cap"`

	// Price cache TTLs.
	CurrentPriceTTL    time.Duration `json:"current_price_ttl"`
	HistoricalPriceTTL time.Duration `json:"historical_price_ttl"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		ZerionBaseURL:  "https://api.zerion.io/v1",
		BirdEyeBaseURL: "https://public-api.birdeye.so",
		RedisURL:       "redis://localhost:6379/0",
		SQLitePath:     "walletpnl.db",

		PnLParallelBatchSize: 10,
		PerWalletSemaphore:   5,
		BatchWalletTimeout:   600 * time.Second,
		QueueWalletTimeout:   300 * time.Second,
		StaleClaimMaxAge:     600 * time.Second,
		ProcessLoopInterval:  5 * time.Second,

		MaxTransactionPages: 20,

		EnrichmentMaxFailureRate:  0.5,
		EnrichmentRequestInterval: 1200 * time.Millisecond,

		PhantomPatternHoldTimeMinutes: 0.1,
		PhantomPatternPnLEpsilon:      0.01,
		DustZeroThreshold:             1e-18,
		UnrealizedPnLSanityCap:        100_000_000,

		CurrentPriceTTL:    5 * time.Minute,
		HistoricalPriceTTL: 24 * time.Hour,
	}
}

// FromEnv returns the default config overridden by environment variables.
func FromEnv() *Config {
	cfg := Default()

	cfg.ZerionAPIKey = envString("ZERION_API_KEY", cfg.ZerionAPIKey)
	cfg.ZerionBaseURL = envString("ZERION_BASE_URL", cfg.ZerionBaseURL)
	cfg.BirdEyeAPIKey = envString("BIRDEYE_API_KEY", cfg.BirdEyeAPIKey)
	cfg.BirdEyeBaseURL = envString("BIRDEYE_BASE_URL", cfg.BirdEyeBaseURL)
	cfg.RedisURL = envString("REDIS_URL", cfg.RedisURL)
	cfg.SQLitePath = envString("SQLITE_PATH", cfg.SQLitePath)

	cfg.PnLParallelBatchSize = envInt("PNL_PARALLEL_BATCH_SIZE", cfg.PnLParallelBatchSize)
	cfg.PerWalletSemaphore = int64(envInt("PER_WALLET_SEMAPHORE", int(cfg.PerWalletSemaphore)))
	cfg.BatchWalletTimeout = envSeconds("BATCH_WALLET_TIMEOUT_SECONDS", cfg.BatchWalletTimeout)
	cfg.QueueWalletTimeout = envSeconds("QUEUE_WALLET_TIMEOUT_SECONDS", cfg.QueueWalletTimeout)
	cfg.StaleClaimMaxAge = envSeconds("STALE_CLAIM_MAX_AGE_SECONDS", cfg.StaleClaimMaxAge)
	cfg.ProcessLoopInterval = envSeconds("PROCESS_LOOP_SECONDS", cfg.ProcessLoopInterval)
	cfg.MaxTransactionPages = envInt("MAX_TRANSACTION_PAGES", cfg.MaxTransactionPages)

	cfg.EnrichmentMaxFailureRate = envFloat("ENRICHMENT_MAX_FAILURE_RATE", cfg.EnrichmentMaxFailureRate)
	if ms := envInt("ENRICHMENT_REQUEST_INTERVAL_MS", 0); ms > 0 {
		cfg.EnrichmentRequestInterval = time.Duration(ms) * time.Millisecond
	}

	return cfg
}

func envString(key, fallback string) string {
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

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envSeconds(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return time.Duration(n) * time.Second
		}
	}
	return fallback
}
