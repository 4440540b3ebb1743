// Package auth provides the credentials that guard the audit query API: static
// API keys (bcrypt hashes in configuration) and HS256 JWTs. It does not
// authenticate business traffic.
// See internal/middleware/auth.go for the request-time logic that uses these primitives.
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/auditcore/auditcore/internal/config"
)

const (
	// APIKeyLength is the length of the random part of the API key in bytes
	APIKeyLength = 32

	// DisplayPrefixLength is the number of leading characters used to look up a key
	DisplayPrefixLength = 10

	// BcryptCost is the cost factor for bcrypt hashing
	BcryptCost = 12
)

// GenerateAPIKey creates a new random API key with the given prefix
// Returns: full key (to show once), bcrypt hash (to store), display prefix
func GenerateAPIKey(prefix string) (key string, hash string, displayPrefix string, err error) {
	return generateAPIKey(prefix, BcryptCost)
}

func generateAPIKey(prefix string, cost int) (string, string, string, error) {
	randomBytes := make([]byte, APIKeyLength)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", "", "", fmt.Errorf("failed to generate random bytes: %w", err)
	}

	// Construct full key: prefix_randomPart
	fullKey := fmt.Sprintf("%s_%s", prefix, base64.RawURLEncoding.EncodeToString(randomBytes))

	hashBytes, err := bcrypt.GenerateFromPassword([]byte(fullKey), cost)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to hash API key: %w", err)
	}
	return fullKey, string(hashBytes), keyPrefix(fullKey), nil
}

func keyPrefix(key string) string {
	if len(key) > DisplayPrefixLength {
		return key[:DisplayPrefixLength]
	}
	return key
}

// ValidateAPIKey checks if a provided key matches the stored hash
func ValidateAPIKey(providedKey, storedHash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(storedHash), []byte(providedKey))
	return err == nil
}

// ExtractAPIKeyFromHeader extracts the credential from an Authorization header
// Expected format: "Bearer adt_abc123xyz..."
func ExtractAPIKeyFromHeader(header string) (string, error) {
	if header == "" {
		return "", errors.New("authorization header is empty")
	}

	if !strings.HasPrefix(header, "Bearer ") {
		return "", errors.New("authorization header must start with 'Bearer '")
	}

	key := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if key == "" {
		return "", errors.New("API key is empty after Bearer prefix")
	}
	return key, nil
}

// APIKey is one configured key. The hash never leaves the package.
type APIKey struct {
	Name   string
	Prefix string
	Scopes []string
	hash   string
}

// KeyRing holds the configured API keys indexed by prefix.
type KeyRing struct {
	byPrefix map[string][]APIKey
}

// NewKeyRing validates the configured keys.
func NewKeyRing(keys []config.APIKeyConfig) (*KeyRing, error) {
	kr := &KeyRing{byPrefix: make(map[string][]APIKey, len(keys))}
	for i, k := range keys {
		if k.Name == "" || k.Prefix == "" || k.Hash == "" {
			return nil, fmt.Errorf("auth.api_keys[%d]: name, prefix and hash are required", i)
		}
		if _, err := bcrypt.Cost([]byte(k.Hash)); err != nil {
			return nil, fmt.Errorf("auth.api_keys[%d] (%s): hash is not a bcrypt hash: %w", i, k.Name, err)
		}
		if err := ValidateScopes(k.Scopes); err != nil {
			return nil, fmt.Errorf("auth.api_keys[%d] (%s): %w", i, k.Name, err)
		}
		prefix := keyPrefix(k.Prefix)
		kr.byPrefix[prefix] = append(kr.byPrefix[prefix], APIKey{
			Name:   k.Name,
			Prefix: prefix,
			Scopes: k.Scopes,
			hash:   k.Hash,
		})
	}
	return kr, nil
}

// Len returns the number of configured keys.
func (kr *KeyRing) Len() int {
	if kr == nil {
		return 0
	}
	n := 0
	for _, keys := range kr.byPrefix {
		n += len(keys)
	}
	return n
}

// Authenticate returns the key matching the provided secret. The prefix
// narrows the candidates so bcrypt only runs on a few entries.
func (kr *KeyRing) Authenticate(provided string) (*APIKey, bool) {
	if kr == nil {
		return nil, false
	}
	for _, k := range kr.byPrefix[keyPrefix(provided)] {
		if ValidateAPIKey(provided, k.hash) {
			return &k, true
		}
	}
	return nil, false
}
