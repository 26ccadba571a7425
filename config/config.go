package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port string // default: 8080

	// Database
	PostgresDSN string

	// Cache
	RedisAddr string

	// Chain gateway (the service that owns the AiCreditGateway contract)
	LedgerGatewayURL   string
	CreditTokenSymbol  string // e.g. "SOL"
	CreditTokenAddress string

	// Price oracle
	OracleURL        string        // CoinGecko-style simple/price endpoint
	QuoteStaleness   time.Duration // default: 60s
	QuoteStaleFactor int           // hard outer bound = factor * staleness, default: 5

	// Pricing
	PricingFile string // YAML model pricing table, default: pricing.yaml

	// Providers
	OpenAIAPIKey string

	// Observability
	OTELExporterType     string // "stdout" or "otlp"
	OTELExporterEndpoint string // default: "localhost:4317"

	// Rate Limiting
	DefaultRateLimitTPM int64 // tokens per minute, default: 100000
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		LedgerGatewayURL:     os.Getenv("LEDGER_GATEWAY_URL"),
		CreditTokenSymbol:    getEnv("CREDIT_TOKEN_SYMBOL", "SOL"),
		CreditTokenAddress:   os.Getenv("CREDIT_TOKEN_ADDRESS"),
		OracleURL:            os.Getenv("ORACLE_URL"),
		PricingFile:          getEnv("PRICING_FILE", "pricing.yaml"),
		OpenAIAPIKey:         os.Getenv("OPENAI_API_KEY"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
	}

	staleStr := getEnv("QUOTE_STALENESS", "60s")
	stale, err := time.ParseDuration(staleStr)
	if err != nil {
		return nil, fmt.Errorf("invalid QUOTE_STALENESS: %w", err)
	}
	cfg.QuoteStaleness = stale

	factorStr := getEnv("QUOTE_STALE_FACTOR", "5")
	factor, err := strconv.Atoi(factorStr)
	if err != nil || factor < 1 {
		return nil, fmt.Errorf("invalid QUOTE_STALE_FACTOR: %q", factorStr)
	}
	cfg.QuoteStaleFactor = factor

	tpmStr := getEnv("DEFAULT_RATE_LIMIT_TPM", "100000")
	tpm, err := strconv.ParseInt(tpmStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid DEFAULT_RATE_LIMIT_TPM: %w", err)
	}
	cfg.DefaultRateLimitTPM = tpm

	// Validation
	if cfg.PostgresDSN == "" {
		return nil, fmt.Errorf("POSTGRES_DSN is required")
	}
	if cfg.RedisAddr == "" {
		return nil, fmt.Errorf("REDIS_ADDR is required")
	}
	if cfg.LedgerGatewayURL == "" {
		return nil, fmt.Errorf("LEDGER_GATEWAY_URL is required")
	}
	if cfg.OracleURL == "" {
		return nil, fmt.Errorf("ORACLE_URL is required")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
