package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old, had := os.LookupEnv(key)
	require.NoError(t, os.Setenv(key, value))
	t.Cleanup(func() {
		if !had {
			_ = os.Unsetenv(key)
		} else {
			_ = os.Setenv(key, old)
		}
	})
}

func clearAnchoring(t *testing.T) {
	for _, k := range []string{"RPC_URL", "PRIVATE_KEY", "CONTRACT_ADDRESS", "STORE_DRIVER"} {
		setEnv(t, k, "")
	}
}

func validConfig() Config {
	return Config{
		StoreDriver:     StoreMemory,
		ChainID:         DefaultChainID,
		AnchorMinScore:  DefaultAnchorMinScore,
		AnchorWorkers:   DefaultAnchorWorkers,
		AnchorQueueSize: DefaultAnchorQueueSize,
		ConfirmTimeout:  DefaultConfirmTimeout,
		ModelManifest:   DefaultModelManifest,
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearAnchoring(t)
	setEnv(t, "PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, StoreMemory, cfg.StoreDriver)
	assert.Equal(t, int64(DefaultChainID), cfg.ChainID)
	assert.Equal(t, DefaultAnchorMinScore, cfg.AnchorMinScore)
	assert.Equal(t, DefaultConfirmTimeout, cfg.ConfirmTimeout)
	assert.Equal(t, uint64(DefaultGasLimit), cfg.GasLimit)
	assert.Equal(t, DefaultDashboardLookups, cfg.DashboardChainLookups)
	assert.False(t, cfg.AnchoringEnabled())
}

func TestLoad_Anchoring(t *testing.T) {
	clearAnchoring(t)
	setEnv(t, "RPC_URL", "https://rpc.sepolia.org")
	setEnv(t, "PRIVATE_KEY", "0x"+testKey)
	setEnv(t, "CONTRACT_ADDRESS", "0x1234567890123456789012345678901234567890")
	setEnv(t, "ANCHOR_CONFIRM_TIMEOUT", "45s")
	setEnv(t, "ANCHOR_MIN_SCORE", "70")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.AnchoringEnabled())
	assert.Equal(t, 45*time.Second, cfg.ConfirmTimeout)
	assert.Equal(t, 70, cfg.AnchorMinScore)
}

func TestLoad_InvalidPrivateKeyLength(t *testing.T) {
	clearAnchoring(t)
	setEnv(t, "PRIVATE_KEY", "tooshort")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "64 hex characters")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid config", func(*Config) {}, ""},
		{"missing key disables anchoring", func(c *Config) { c.RPCURL = "https://rpc" }, ""},
		{"non-hex key", func(c *Config) { c.PrivateKey = "zz" + testKey[2:] }, "valid secp256k1"},
		{"short key", func(c *Config) { c.PrivateKey = "abc123" }, "64 hex characters"},
		{"bad contract", func(c *Config) { c.ContractAddress = "0x123" }, "CONTRACT_ADDRESS"},
		{"unknown driver", func(c *Config) { c.StoreDriver = "mongo" }, "STORE_DRIVER"},
		{"postgres without url", func(c *Config) { c.StoreDriver = StorePostgres }, "DATABASE_URL"},
		{"redis without url", func(c *Config) { c.StoreDriver = StoreRedis }, "REDIS_URL"},
		{"sqlite without path", func(c *Config) { c.StoreDriver = StoreSQLite }, "SQLITE_PATH"},
		{"score over 100", func(c *Config) { c.AnchorMinScore = 101 }, "ANCHOR_MIN_SCORE"},
		{"no workers", func(c *Config) { c.AnchorWorkers = 0 }, "ANCHOR_WORKERS"},
		{"no queue", func(c *Config) { c.AnchorQueueSize = 0 }, "ANCHOR_QUEUE_SIZE"},
		{"zero timeout", func(c *Config) { c.ConfirmTimeout = 0 }, "ANCHOR_CONFIRM_TIMEOUT"},
		{"bad chain id", func(c *Config) { c.ChainID = 0 }, "CHAIN_ID"},
		{"no manifest", func(c *Config) { c.ModelManifest = "" }, "MODEL_MANIFEST"},
		{"sample ratio above 1", func(c *Config) { c.TraceSampleRatio = 1.5 }, "TRACE_SAMPLE_RATIO"},
		{"sample ratio in range", func(c *Config) { c.TraceSampleRatio = 0.1 }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_AnchoringEnabled(t *testing.T) {
	cfg := validConfig()
	cfg.RPCURL = "https://rpc"
	cfg.PrivateKey = testKey
	assert.False(t, cfg.AnchoringEnabled())

	cfg.ContractAddress = "0x1234567890123456789012345678901234567890"
	assert.True(t, cfg.AnchoringEnabled())
}

func TestConfig_IsProduction(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.True(t, cfg.IsProduction())
}

func TestGetEnv(t *testing.T) {
	setEnv(t, "TEST_VAR", "custom_value")

	assert.Equal(t, "custom_value", getEnv("TEST_VAR", "default"))
	assert.Equal(t, "default", getEnv("NONEXISTENT_VAR", "default"))
}

func TestGetEnvInt64(t *testing.T) {
	setEnv(t, "TEST_INT", "42")
	setEnv(t, "TEST_INVALID", "not_a_number")

	assert.Equal(t, int64(42), getEnvInt64("TEST_INT", 0))
	assert.Equal(t, int64(99), getEnvInt64("NONEXISTENT_VAR", 99))
	assert.Equal(t, int64(99), getEnvInt64("TEST_INVALID", 99)) // Falls back on parse error
}

func TestGetEnvDuration(t *testing.T) {
	setEnv(t, "TEST_DUR", "90s")
	setEnv(t, "TEST_BAD_DUR", "soon")

	assert.Equal(t, 90*time.Second, getEnvDuration("TEST_DUR", time.Second))
	assert.Equal(t, time.Second, getEnvDuration("TEST_BAD_DUR", time.Second))
}
