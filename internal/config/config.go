// Package config provides configuration loading and management for the application.
package config

import (
	"math/big"
	"os"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Config holds all application configuration
type Config struct {
	// HTTP server port
	Port string

	// Shared store (Redis) connection settings
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Hex-encoded 32-byte key for the secret encryption service
	EncryptionKey string

	// Decision engine gates and filters
	MinImprovement         float64
	TargetedMinImprovement float64
	MinLiquidityUSD        float64

	// Session policy template settings
	MaxDepositPerCall *big.Int
	GasCeiling        uint64
	DailyCallLimit    int64
	SessionValidity   time.Duration

	// Expected authority contract a delegation proof must target
	AuthorityContract common.Address

	// Distributed lock TTL covering one full execution including confirmation
	LockTTL time.Duration

	// Sliding-window rate limiter settings
	RateLimitMax    int64
	RateLimitWindow time.Duration

	// Cache and change-detector settings
	CacheTTL        time.Duration
	BaselineTTL     time.Duration
	ChangeThreshold float64

	// Revocation set entry lifetime; covers the gap between a revoke
	// request and the credential's natural expiry
	RevocationTTL time.Duration

	// Venue adapter endpoints
	AaveAPIURL      string
	VaultAPIURL     string
	AavePoolAddress common.Address

	// On-chain read access, with an optional fallback endpoint
	RPCEndpoint string
	RPCFallback string

	// Relay service that submits signed call batches atomically
	RelayURL string

	// OpenTelemetry endpoint for observability
	OtelEndpoint string

	// Timeouts and circuit breaker settings
	RequestTimeout    time.Duration
	SubmitTimeout     time.Duration
	MaxAPY            float64
	MaxLiquidityDrop  float64
	MinAdapterCount   int
	CircuitResetDelay time.Duration

	// Scheduler settings for auto-optimize accounts
	SchedulerInterval time.Duration
}

// Load creates a new Config from environment variables
func Load() Config {
	return Config{
		Port:          GetEnvOrDefault("PORT", "8080"),
		RedisAddr:     GetEnvOrDefault("REDIS_ADDR", "localhost:6379"),
		RedisPassword: GetEnvOrDefault("REDIS_PASSWORD", ""),
		RedisDB:       GetEnvAsInt("REDIS_DB", 0),
		EncryptionKey: GetEnvOrDefault("ENCRYPTION_KEY", ""),

		MinImprovement:         GetEnvAsFloat("MIN_IMPROVEMENT", 0.005),          // 0.5% standard gate
		TargetedMinImprovement: GetEnvAsFloat("TARGETED_MIN_IMPROVEMENT", 0.002), // 0.2% for flagged vaults
		MinLiquidityUSD:        GetEnvAsFloat("MIN_LIQUIDITY_USD", 100_000),

		MaxDepositPerCall: GetEnvAsBigInt("MAX_DEPOSIT_PER_CALL", big.NewInt(10_000_000_000)), // 10k USDC in base units
		GasCeiling:        uint64(GetEnvAsInt("GAS_CEILING", 2_000_000)),
		DailyCallLimit:    int64(GetEnvAsInt("DAILY_CALL_LIMIT", 30)),
		SessionValidity:   GetEnvAsDuration("SESSION_VALIDITY", 7*24*time.Hour),

		AuthorityContract: common.HexToAddress(GetEnvOrDefault("AUTHORITY_CONTRACT", "0x000000004F43C49e93C970E84001853a70923B03")),

		LockTTL: GetEnvAsDuration("LOCK_TTL", 2*time.Minute),

		RateLimitMax:    int64(GetEnvAsInt("RATE_LIMIT_MAX", 10)),
		RateLimitWindow: GetEnvAsDuration("RATE_LIMIT_WINDOW", 24*time.Hour),

		CacheTTL:        GetEnvAsDuration("CACHE_TTL", 5*time.Minute),
		BaselineTTL:     GetEnvAsDuration("BASELINE_TTL", 24*time.Hour),
		ChangeThreshold: GetEnvAsFloat("CHANGE_THRESHOLD", 0.01),

		RevocationTTL: GetEnvAsDuration("REVOCATION_TTL", 24*time.Hour),

		AaveAPIURL:      GetEnvOrDefault("AAVE_API_URL", "https://aave-api-v2.aave.com"),
		VaultAPIURL:     GetEnvOrDefault("VAULT_API_URL", "https://api.yearn.fi"),
		AavePoolAddress: common.HexToAddress(GetEnvOrDefault("AAVE_POOL_ADDRESS", "0x87870Bca3F3fD6335C3F4ce8392D69350B4fA4E2")),

		RPCEndpoint: GetEnvOrDefault("ETH_RPC_ENDPOINT", "https://eth.llamarpc.com"),
		RPCFallback: GetEnvOrDefault("ETH_RPC_FALLBACK", ""),

		RelayURL: GetEnvOrDefault("RELAY_URL", "http://localhost:4337"),

		OtelEndpoint: GetEnvOrDefault("OTEL_EXPORTER_OTLP_ENDPOINT", ""),

		RequestTimeout:    GetEnvAsDuration("REQUEST_TIMEOUT", 10*time.Second),
		SubmitTimeout:     GetEnvAsDuration("SUBMIT_TIMEOUT", 90*time.Second),
		MaxAPY:            GetEnvAsFloat("MAX_APY", 10.0), // 1000% max APY
		MaxLiquidityDrop:  GetEnvAsFloat("MAX_LIQUIDITY_DROP", 0.5),
		MinAdapterCount:   GetEnvAsInt("MIN_ADAPTER_COUNT", 1),
		CircuitResetDelay: GetEnvAsDuration("CIRCUIT_RESET_DELAY", 5*time.Minute),

		SchedulerInterval: GetEnvAsDuration("SCHEDULER_INTERVAL", 10*time.Minute),
	}
}

// GetEnv retrieves an environment variable and whether it exists
func GetEnv(key string) (string, bool) {
	value, exists := os.LookupEnv(key)
	return value, exists
}

// GetEnvOrDefault retrieves an environment variable or returns the default value if not set
func GetEnvOrDefault(key, defaultValue string) string {
	if value, exists := GetEnv(key); exists {
		return value
	}
	return defaultValue
}

// GetEnvAsInt retrieves an environment variable as an integer with a default value
func GetEnvAsInt(key string, defaultValue int) int {
	if value, exists := GetEnv(key); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// GetEnvAsFloat retrieves an environment variable as a float with a default value
func GetEnvAsFloat(key string, defaultValue float64) float64 {
	if value, exists := GetEnv(key); exists {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

// GetEnvAsDuration retrieves an environment variable as a duration with a default value
func GetEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := GetEnv(key); exists {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// GetEnvAsBigInt retrieves an environment variable as a base-10 big integer with a default value
func GetEnvAsBigInt(key string, defaultValue *big.Int) *big.Int {
	if value, exists := GetEnv(key); exists {
		if bigValue, ok := new(big.Int).SetString(value, 10); ok {
			return bigValue
		}
	}
	return defaultValue
}
