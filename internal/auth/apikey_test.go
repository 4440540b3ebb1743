package auth

import (
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/auditcore/auditcore/internal/config"
)

// testKey generates a key with the cheapest bcrypt cost so tests stay fast.
func testKey(t *testing.T, prefix string) (key, hash, displayPrefix string) {
	t.Helper()
	key, hash, displayPrefix, err := generateAPIKey(prefix, bcrypt.MinCost)
	if err != nil {
		t.Fatalf("generateAPIKey() error: %v", err)
	}
	return key, hash, displayPrefix
}

func TestGenerateAPIKey(t *testing.T) {
	t.Run("key starts with prefix_", func(t *testing.T) {
		key, hash, displayPrefix := testKey(t, "adt")
		if !strings.HasPrefix(key, "adt_") {
			t.Errorf("key = %q, want prefix %q", key, "adt_")
		}
		if hash == "" {
			t.Error("hash is empty")
		}
		if !strings.HasPrefix(key, displayPrefix) {
			t.Errorf("key %q does not start with displayPrefix %q", key, displayPrefix)
		}
		if len(displayPrefix) != DisplayPrefixLength {
			t.Errorf("len(displayPrefix) = %d, want %d", len(displayPrefix), DisplayPrefixLength)
		}
	})

	t.Run("keys are unique", func(t *testing.T) {
		k1, _, _ := testKey(t, "adt")
		k2, _, _ := testKey(t, "adt")
		if k1 == k2 {
			t.Error("two generated keys are identical")
		}
	})

	t.Run("production cost", func(t *testing.T) {
		_, hash, _, err := GenerateAPIKey("adt")
		if err != nil {
			t.Fatalf("GenerateAPIKey() error: %v", err)
		}
		cost, err := bcrypt.Cost([]byte(hash))
		if err != nil || cost != BcryptCost {
			t.Errorf("bcrypt cost = %d (%v), want %d", cost, err, BcryptCost)
		}
	})
}

func TestValidateAPIKey(t *testing.T) {
	key, hash, _ := testKey(t, "adt")
	if !ValidateAPIKey(key, hash) {
		t.Error("ValidateAPIKey() = false for matching key")
	}
	if ValidateAPIKey(key+"x", hash) {
		t.Error("ValidateAPIKey() = true for wrong key")
	}
	if ValidateAPIKey(key, "not-a-hash") {
		t.Error("ValidateAPIKey() = true for malformed hash")
	}
}

func TestExtractAPIKeyFromHeader(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		want    string
		wantErr bool
	}{
		{"valid", "Bearer adt_abc", "adt_abc", false},
		{"trims whitespace", "Bearer   adt_abc  ", "adt_abc", false},
		{"empty header", "", "", true},
		{"basic scheme", "Basic dXNlcjpwYXNz", "", true},
		{"empty bearer", "Bearer    ", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractAPIKeyFromHeader(tt.header)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ExtractAPIKeyFromHeader(%q) error = %v, wantErr %v", tt.header, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ExtractAPIKeyFromHeader(%q) = %q, want %q", tt.header, got, tt.want)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// KeyRing
// ---------------------------------------------------------------------------

func TestKeyRing_Authenticate(t *testing.T) {
	key, hash, prefix := testKey(t, "adt")
	other, otherHash, otherPrefix := testKey(t, "adt")

	kr, err := NewKeyRing([]config.APIKeyConfig{
		{Name: "reporting", Prefix: prefix, Hash: hash, Scopes: []string{"audit:read"}},
		{Name: "ops", Prefix: otherPrefix, Hash: otherHash, Scopes: []string{"admin"}},
	})
	if err != nil {
		t.Fatalf("NewKeyRing() error: %v", err)
	}
	if kr.Len() != 2 {
		t.Errorf("Len() = %d, want 2", kr.Len())
	}

	got, ok := kr.Authenticate(key)
	if !ok {
		t.Fatal("Authenticate() = false for configured key")
	}
	if got.Name != "reporting" || !HasScope(got.Scopes, ScopeAuditRead) {
		t.Errorf("Authenticate() = %+v", got)
	}

	got, ok = kr.Authenticate(other)
	if !ok || got.Name != "ops" {
		t.Errorf("Authenticate(other) = %+v, %v", got, ok)
	}

	if _, ok := kr.Authenticate(key[:len(key)-1] + "!"); ok {
		t.Error("Authenticate() = true for tampered key")
	}
	if _, ok := kr.Authenticate("short"); ok {
		t.Error("Authenticate() = true for unknown prefix")
	}
}

func TestKeyRing_NilIsEmpty(t *testing.T) {
	var kr *KeyRing
	if _, ok := kr.Authenticate("adt_whatever"); ok {
		t.Error("nil KeyRing authenticated a key")
	}
	if kr.Len() != 0 {
		t.Errorf("nil KeyRing Len() = %d", kr.Len())
	}
}

func TestNewKeyRing_Validation(t *testing.T) {
	_, hash, prefix := testKey(t, "adt")
	tests := []struct {
		name string
		key  config.APIKeyConfig
	}{
		{"missing name", config.APIKeyConfig{Prefix: prefix, Hash: hash}},
		{"missing hash", config.APIKeyConfig{Name: "n", Prefix: prefix}},
		{"plaintext hash", config.APIKeyConfig{Name: "n", Prefix: prefix, Hash: "secret"}},
		{"unknown scope", config.APIKeyConfig{Name: "n", Prefix: prefix, Hash: hash, Scopes: []string{"modules:write"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewKeyRing([]config.APIKeyConfig{tt.key}); err == nil {
				t.Error("NewKeyRing() = nil error")
			}
		})
	}
}
