// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/joho/godotenv"

	"github.com/fraudproof/fraudproof/internal/validation"
)

// Store drivers.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
	StoreRedis    = "redis"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Correlation store
	StoreDriver string
	DatabaseURL string // PostgreSQL connection string
	SQLitePath  string
	RedisURL    string

	// Models and sample data
	ModelManifest string
	SampleDataDir string

	// Ledger anchoring. Anchoring is enabled only when RPCURL, PrivateKey
	// and ContractAddress are all set.
	RPCURL          string
	ChainID         int64
	PrivateKey      string // Hex-encoded, with or without 0x prefix
	ContractAddress string
	AnchorMinScore  int
	AnchorWorkers   int
	AnchorQueueSize int
	ConfirmTimeout  time.Duration
	GasLimit        uint64

	// Dashboard
	DashboardChainLookups int

	// Observability and limits
	OTLPEndpoint     string
	TraceSampleRatio float64 // fraction of new traces kept; 0 keeps all
	RateLimitRPM     int
	CORSOrigins      string // comma-separated; empty allows any origin
}

// Sepolia defaults
const (
	DefaultChainID          = 11155111 // Sepolia
	DefaultPort             = "8080"
	DefaultEnv              = "development"
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "json"
	DefaultSQLitePath       = "fraud.db"
	DefaultModelManifest    = "models/manifest.yaml"
	DefaultSampleDataDir    = "data/test_data"
	DefaultAnchorMinScore   = 50
	DefaultAnchorWorkers    = 2
	DefaultAnchorQueueSize  = 256
	DefaultConfirmTimeout   = 2 * time.Minute
	DefaultGasLimit         = 2_000_000
	DefaultDashboardLookups = 5
	DefaultRateLimitRPM     = 600
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                  getEnv("PORT", DefaultPort),
		Env:                   getEnv("ENV", DefaultEnv),
		LogLevel:              getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:             getEnv("LOG_FORMAT", DefaultLogFormat),
		StoreDriver:           strings.ToLower(getEnv("STORE_DRIVER", StoreMemory)),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		SQLitePath:            getEnv("SQLITE_PATH", DefaultSQLitePath),
		RedisURL:              os.Getenv("REDIS_URL"),
		ModelManifest:         getEnv("MODEL_MANIFEST", DefaultModelManifest),
		SampleDataDir:         getEnv("SAMPLE_DATA_DIR", DefaultSampleDataDir),
		RPCURL:                os.Getenv("RPC_URL"),
		ChainID:               getEnvInt64("CHAIN_ID", DefaultChainID),
		PrivateKey:            os.Getenv("PRIVATE_KEY"),
		ContractAddress:       os.Getenv("CONTRACT_ADDRESS"),
		AnchorMinScore:        int(getEnvInt64("ANCHOR_MIN_SCORE", DefaultAnchorMinScore)),
		AnchorWorkers:         int(getEnvInt64("ANCHOR_WORKERS", DefaultAnchorWorkers)),
		AnchorQueueSize:       int(getEnvInt64("ANCHOR_QUEUE_SIZE", DefaultAnchorQueueSize)),
		ConfirmTimeout:        getEnvDuration("ANCHOR_CONFIRM_TIMEOUT", DefaultConfirmTimeout),
		GasLimit:              uint64(getEnvInt64("ANCHOR_GAS_LIMIT", DefaultGasLimit)),
		DashboardChainLookups: int(getEnvInt64("DASHBOARD_CHAIN_LOOKUPS", DefaultDashboardLookups)),
		OTLPEndpoint:          os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TraceSampleRatio:      getEnvFloat("TRACE_SAMPLE_RATIO", 0),
		RateLimitRPM:          int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		CORSOrigins:           os.Getenv("CORS_ALLOWED_ORIGINS"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is coherent. Missing anchoring
// settings disable anchoring; malformed ones are errors.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case StoreMemory:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for STORE_DRIVER=postgres")
		}
	case StoreSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required for STORE_DRIVER=sqlite")
		}
	case StoreRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required for STORE_DRIVER=redis")
		}
	default:
		return fmt.Errorf("STORE_DRIVER must be one of memory, postgres, sqlite, redis (got %q)", c.StoreDriver)
	}

	if c.PrivateKey != "" {
		key := strings.TrimPrefix(c.PrivateKey, "0x")
		if len(key) != 64 {
			return fmt.Errorf("PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
		}
		if _, err := crypto.HexToECDSA(key); err != nil {
			return fmt.Errorf("PRIVATE_KEY is not a valid secp256k1 key: %w", err)
		}
	}
	if c.ContractAddress != "" && !validation.IsValidEthAddress(c.ContractAddress) {
		return fmt.Errorf("CONTRACT_ADDRESS must be a valid Ethereum address")
	}
	if c.ChainID <= 0 {
		return fmt.Errorf("CHAIN_ID must be positive")
	}

	if c.AnchorMinScore < 0 || c.AnchorMinScore > 100 {
		return fmt.Errorf("ANCHOR_MIN_SCORE must be between 0 and 100")
	}
	if c.AnchorWorkers < 1 {
		return fmt.Errorf("ANCHOR_WORKERS must be at least 1")
	}
	if c.AnchorQueueSize < 1 {
		return fmt.Errorf("ANCHOR_QUEUE_SIZE must be at least 1")
	}
	if c.ConfirmTimeout <= 0 {
		return fmt.Errorf("ANCHOR_CONFIRM_TIMEOUT must be positive")
	}
	if c.DashboardChainLookups < 0 {
		return fmt.Errorf("DASHBOARD_CHAIN_LOOKUPS must not be negative")
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		return fmt.Errorf("TRACE_SAMPLE_RATIO must be between 0 and 1")
	}
	if c.ModelManifest == "" {
		return fmt.Errorf("MODEL_MANIFEST is required")
	}

	return nil
}

// AnchoringEnabled reports whether every ledger setting is present.
func (c *Config) AnchoringEnabled() bool {
	return c.RPCURL != "" && c.PrivateKey != "" && c.ContractAddress != ""
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
