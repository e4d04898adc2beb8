// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/stellar/go/keypair"
	"github.com/stellar/go/network"
)

// Config holds all application configuration. It is built once at start
// and passed by value to the components that need it.
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL    string // nonce store (optional, uses in-memory if not set)

	// Audit fan-out
	AMQPURL       string
	AuditExchange string

	// Ledger
	HorizonURL        string
	NetworkPassphrase string
	LedgerTimeout     time.Duration

	// Settlement
	EscrowWallet    string
	SupportedAssets []string
	AutoConfirm     bool

	// Escrow accounts
	FundingSecretEncrypted string // secretbox token of the funding account seed
	CipherSecret           string
	StartingBalance        string

	// AdminSecret gates the operator-only escrow routes. Empty leaves them unmounted.
	AdminSecret string

	// Wallet linking
	NonceTTL time.Duration

	// Tracing
	OTLPEndpoint string
}

const (
	DefaultPort            = "8080"
	DefaultEnv             = "development"
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "json"
	DefaultHorizonURL      = "https://horizon-testnet.stellar.org"
	DefaultAuditExchange   = "tixpay.audit"
	DefaultSupportedAssets = "XLM,USDC"
	DefaultStartingBalance = "2"
	DefaultNonceTTL        = 5 * time.Minute
	DefaultLedgerTimeout   = 30 * time.Second
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                   getEnv("PORT", DefaultPort),
		Env:                    getEnv("ENV", DefaultEnv),
		LogLevel:               getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:              getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:            os.Getenv("DATABASE_URL"),
		RedisURL:               os.Getenv("REDIS_URL"),
		AMQPURL:                os.Getenv("AMQP_URL"),
		AuditExchange:          getEnv("AUDIT_EXCHANGE", DefaultAuditExchange),
		HorizonURL:             getEnv("HORIZON_URL", DefaultHorizonURL),
		NetworkPassphrase:      getEnv("NETWORK_PASSPHRASE", network.TestNetworkPassphrase),
		LedgerTimeout:          getEnvDuration("LEDGER_TIMEOUT", DefaultLedgerTimeout),
		EscrowWallet:           os.Getenv("ESCROW_WALLET_PUBLIC_KEY"),
		SupportedAssets:        splitAssets(getEnv("SUPPORTED_ASSETS", DefaultSupportedAssets)),
		AutoConfirm:            getEnvBool("AUTO_CONFIRM", false),
		FundingSecretEncrypted: os.Getenv("FUNDING_SECRET_ENCRYPTED"),
		CipherSecret:           os.Getenv("ESCROW_CIPHER_SECRET"),
		StartingBalance:        getEnv("ESCROW_STARTING_BALANCE", DefaultStartingBalance),
		AdminSecret:            os.Getenv("ADMIN_SECRET"),
		NonceTTL:               getEnvDuration("NONCE_TTL", DefaultNonceTTL),
		OTLPEndpoint:           os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.EscrowWallet == "" {
		return fmt.Errorf("ESCROW_WALLET_PUBLIC_KEY is required")
	}
	if _, err := keypair.ParseAddress(c.EscrowWallet); err != nil {
		return fmt.Errorf("ESCROW_WALLET_PUBLIC_KEY is not a valid account id: %w", err)
	}
	if c.HorizonURL == "" {
		return fmt.Errorf("HORIZON_URL is required")
	}
	if c.NetworkPassphrase == "" {
		return fmt.Errorf("NETWORK_PASSPHRASE is required")
	}
	if len(c.SupportedAssets) == 0 {
		return fmt.Errorf("SUPPORTED_ASSETS must name at least one asset")
	}
	if c.FundingSecretEncrypted != "" && c.CipherSecret == "" {
		return fmt.Errorf("ESCROW_CIPHER_SECRET is required when FUNDING_SECRET_ENCRYPTED is set")
	}
	if c.NonceTTL <= 0 {
		return fmt.Errorf("NONCE_TTL must be positive")
	}
	if _, err := strconv.Atoi(c.Port); err != nil {
		return fmt.Errorf("PORT must be numeric")
	}
	return nil
}

// EscrowEnabled reports whether per-event escrow accounts can be provisioned.
func (c *Config) EscrowEnabled() bool {
	return c.CipherSecret != ""
}

// EscrowRoutesEnabled reports whether the operator escrow API is served.
// It needs both the escrow cipher and an admin secret.
func (c *Config) EscrowRoutesEnabled() bool {
	return c.EscrowEnabled() && c.AdminSecret != ""
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
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

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("90s") or bare seconds ("300").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

func splitAssets(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if code := strings.ToUpper(strings.TrimSpace(part)); code != "" {
			out = append(out, code)
		}
	}
	return out
}
