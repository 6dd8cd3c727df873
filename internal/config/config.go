package config

import (
	"os"
	"strconv"
	"strings"
)

type Config struct {
	TerminalID string
	StoreID    string
	// DataPath is the sqlite file backing the local store. Empty selects the
	// in-memory store.
	DataPath string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	DatabaseURL   string

	AuthSecret            string
	AccessTokenTTLMinutes int
	SupervisorPIN         string

	TaxRatePercent           float64
	MaxGlobalDiscountCents   int64
	DifferenceThresholdCents int64
	HoldTimeoutMinutes       int
	LowStockThreshold        int

	SyncPageSize        int
	SyncIntervalSeconds int
	MaxRetries          int
	RetryInitialSeconds int
	RetryMaxSeconds     int

	CollectionCap  int
	EvictionMargin int
}

func Load() Config {
	cfg := Config{
		TerminalID: getEnv("TERMINAL_ID", "terminal-1"),
		StoreID:    getEnv("DEFAULT_STORE_ID", "main-store"),
		DataPath:   os.Getenv("DATA_PATH"),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		DatabaseURL:   os.Getenv("DATABASE_URL"),

		AuthSecret:            strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes: getEnvInt("ACCESS_TOKEN_TTL_MINUTES", 480),
		SupervisorPIN:         strings.TrimSpace(os.Getenv("SUPERVISOR_PIN")),

		TaxRatePercent:           getEnvFloat("TAX_RATE_PERCENT", 11),
		MaxGlobalDiscountCents:   int64(getEnvInt("MAX_GLOBAL_DISCOUNT_CENTS", 0)),
		DifferenceThresholdCents: int64(getEnvInt("DIFFERENCE_THRESHOLD_CENTS", 5000)),
		HoldTimeoutMinutes:       getEnvInt("HOLD_TIMEOUT_MINUTES", 30),
		LowStockThreshold:        getEnvInt("LOW_STOCK_THRESHOLD", 5),

		SyncPageSize:        getEnvInt("SYNC_PAGE_SIZE", 100),
		SyncIntervalSeconds: getEnvInt("SYNC_INTERVAL_SECONDS", 60),
		MaxRetries:          getEnvInt("SYNC_MAX_RETRIES", 5),
		RetryInitialSeconds: getEnvInt("SYNC_RETRY_INITIAL_SECONDS", 2),
		RetryMaxSeconds:     getEnvInt("SYNC_RETRY_MAX_SECONDS", 300),

		CollectionCap:  getEnvInt("COLLECTION_CAP", 5000),
		EvictionMargin: getEnvInt("EVICTION_MARGIN", 50),
	}

	return cfg
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func getEnvInt(key string, fallback int) int {
	val, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return fallback
	}
	return val
}

func getEnvFloat(key string, fallback float64) float64 {
	val, err := strconv.ParseFloat(os.Getenv(key), 64)
	if err != nil {
		return fallback
	}
	return val
}
