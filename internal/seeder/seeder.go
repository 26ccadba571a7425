package seeder

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/rs/zerolog"

	"github.com/vnmchuo/credit-gateway/internal/auth"
)

const (
	TestAPIKey  = "test-api-key-12345"
	TestAccount = "0x000000000000000000000000000000000000dEaD"
)

// SeedTestAPIKey creates a development API key bound to a throwaway
// account address. Intended for local stacks only.
func SeedTestAPIKey(ctx context.Context, store auth.Store, logger zerolog.Logger) {
	h := sha256.New()
	h.Write([]byte(TestAPIKey))
	keyHash := hex.EncodeToString(h.Sum(nil))

	apiKey := &auth.APIKey{
		Account:   TestAccount,
		KeyHash:   keyHash,
		RateLimit: 1000000,
		Active:    true,
	}

	if err := store.Create(ctx, apiKey); err != nil {
		logger.Warn().Err(err).Msg("seeder: API key may already exist, skipping")
		return
	}
	logger.Info().
		Str("key", TestAPIKey).
		Str("account", TestAccount).
		Msg("seeder: test API key created")
}
