package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/maypok86/otter/v2"
	"go.uber.org/zap"

	"github.com/user/llm-gateway-go/internal/models"
	"github.com/user/llm-gateway-go/internal/repository"
)

// KeyPrefix is the fixed lead-in of every gateway API key.
const KeyPrefix = "sk-gw-"

const authCacheMaxLen = 10_000

// AuthService verifies gateway API keys. Verified keys are cached in a
// W-TinyLFU cache keyed by a fingerprint of the presented secret, so a
// revocation takes at most the cache TTL to propagate.
type AuthService struct {
	keys        repository.APIKeyRepository
	cache       *otter.Cache[string, *models.APIKey]
	keyIDToHash sync.Map // key ID -> fingerprint, for invalidation by ID
	prefixLen   int
	logger      *zap.Logger
}

// NewAuthService creates an AuthService. prefixLen is the number of
// leading key characters stored as the lookup prefix.
func NewAuthService(keys repository.APIKeyRepository, prefixLen int, cacheTTL time.Duration, logger *zap.Logger) (*AuthService, error) {
	c, err := otter.New(&otter.Options[string, *models.APIKey]{
		MaximumSize:      authCacheMaxLen,
		ExpiryCalculator: otter.ExpiryWriting[string, *models.APIKey](cacheTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create auth cache: %w", err)
	}
	return &AuthService{
		keys:      keys,
		cache:     c,
		prefixLen: prefixLen,
		logger:    logger,
	}, nil
}

// Verify resolves a presented API key to its stored record.
// It returns a GatewayError with code MISSING_API_KEY, INVALID_API_KEY
// or EXPIRED_API_KEY when the key does not authenticate.
func (s *AuthService) Verify(ctx context.Context, raw string) (*models.APIKey, error) {
	if raw == "" {
		return nil, NewGatewayError(CodeMissingAPIKey, "missing bearer token")
	}
	if len(raw) < s.prefixLen {
		return nil, NewGatewayError(CodeInvalidAPIKey, "invalid api key")
	}

	fingerprint := sha256Hex(raw)
	if key, ok := s.cache.GetIfPresent(fingerprint); ok {
		if expired(key) {
			s.cache.Invalidate(fingerprint)
			return nil, NewGatewayError(CodeExpiredAPIKey, "api key expired")
		}
		return key, nil
	}

	candidates, err := s.keys.FindActiveByPrefix(ctx, raw[:s.prefixLen])
	if err != nil {
		return nil, fmt.Errorf("failed to look up api key: %w", err)
	}

	// Compare against every candidate even after a match so that timing
	// does not depend on where the match sits in the list.
	var matched *models.APIKey
	for _, candidate := range candidates {
		computed := HashAPIKey(candidate.Salt, raw)
		if subtle.ConstantTimeCompare([]byte(computed), []byte(candidate.KeyHash)) == 1 && matched == nil {
			matched = candidate
		}
	}
	if matched == nil {
		return nil, NewGatewayError(CodeInvalidAPIKey, "invalid api key")
	}
	if expired(matched) {
		return nil, NewGatewayError(CodeExpiredAPIKey, "api key expired")
	}

	s.cache.Set(fingerprint, matched)
	s.keyIDToHash.Store(matched.ID, fingerprint)

	// Touch last-used outside the request path; a miss here is harmless.
	go func() {
		touchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := s.keys.UpdateLastUsed(touchCtx, matched.ID); err != nil {
			s.logger.Debug("failed to update key last_used_at",
				zap.String("key_id", matched.ID), zap.Error(err))
		}
	}()

	return matched, nil
}

// Invalidate removes a cached key by its ID. Admin mutations call this
// so revocations and permission changes apply without waiting for TTL.
func (s *AuthService) Invalidate(keyID string) {
	if fingerprint, ok := s.keyIDToHash.LoadAndDelete(keyID); ok {
		s.cache.Invalidate(fingerprint.(string))
	}
}

// Generate mints a new API key. The returned record has KeyFull set to
// the literal secret; that is the only time the secret is available.
func (s *AuthService) Generate(name string, expiresAt *time.Time, allowedUpstreamIDs []string) (*models.APIKey, error) {
	secret, err := randomHex(24)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key material: %w", err)
	}
	raw := KeyPrefix + secret

	salt, err := randomHex(16)
	if err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	return &models.APIKey{
		ID:                 uuid.NewString(),
		Name:               name,
		KeyPrefix:          raw[:s.prefixLen],
		KeyHash:            HashAPIKey(salt, raw),
		Salt:               salt,
		KeyFull:            raw,
		IsActive:           true,
		ExpiresAt:          expiresAt,
		AllowedUpstreamIDs: allowedUpstreamIDs,
	}, nil
}

// HashAPIKey returns the hex SHA-256 digest of salt followed by key.
func HashAPIKey(salt, key string) string {
	return sha256Hex(salt + key)
}

func expired(key *models.APIKey) bool {
	return key.ExpiresAt != nil && !time.Now().Before(*key.ExpiresAt)
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
