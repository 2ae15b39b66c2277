package auth

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/trackroute/trackroute/internal/model"
)

func TestGenerateAPIKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		env        string
		wantPrefix string
	}{
		{EnvLive, "tr_live_"},
		{EnvTest, "tr_test_"},
		{"", "tr_live_"},
		{"staging", "tr_live_"},
	}

	for _, tt := range tests {
		t.Run(tt.env, func(t *testing.T) {
			t.Parallel()

			key, err := GenerateAPIKey(tt.env)
			if err != nil {
				t.Fatalf("GenerateAPIKey failed: %v", err)
			}
			if !strings.HasPrefix(key.Plaintext, tt.wantPrefix) {
				t.Errorf("Plaintext = %s, want prefix %s", key.Plaintext, tt.wantPrefix)
			}
			if !ValidateKeyFormat(key.Plaintext) {
				t.Errorf("generated key fails its own format: %s", key.Plaintext)
			}

			parsed, err := ParseAPIKey(key.Plaintext)
			if err != nil {
				t.Fatalf("ParseAPIKey failed: %v", err)
			}
			if parsed.Prefix != key.Prefix || len(parsed.Secret) != KeySecretLen {
				t.Errorf("parsed = %+v, prefix %s", parsed, key.Prefix)
			}

			ok, err := VerifyKey(key.Plaintext, key.Hash)
			if err != nil || !ok {
				t.Errorf("hash does not verify: %v %v", ok, err)
			}
		})
	}
}

func TestGenerateAPIKey_Unique(t *testing.T) {
	t.Parallel()

	const n = 20
	seen := make(map[string]bool, n)
	for i := 0; i < n; i++ {
		key, err := GenerateAPIKey(EnvTest)
		if err != nil {
			t.Fatal(err)
		}
		if seen[key.Prefix] {
			t.Errorf("duplicate prefix %s", key.Prefix)
		}
		seen[key.Prefix] = true
	}
}

func TestParseAPIKey_Invalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		key  string
	}{
		{"empty", ""},
		{"foreign prefix", "pk_live_k3v9x2ma_Q7fZ0pLr8bN4cT1yW6hJ2sXe5uKd9GaM"},
		{"unknown env", "tr_prod_k3v9x2ma_Q7fZ0pLr8bN4cT1yW6hJ2sXe5uKd9GaM"},
		{"uppercase prefix", "tr_live_K3V9X2MA_Q7fZ0pLr8bN4cT1yW6hJ2sXe5uKd9GaM"},
		{"short prefix", "tr_live_k3v9_Q7fZ0pLr8bN4cT1yW6hJ2sXe5uKd9GaM"},
		{"short secret", "tr_live_k3v9x2ma_Q7fZ0pLr"},
		{"long secret", "tr_live_k3v9x2ma_Q7fZ0pLr8bN4cT1yW6hJ2sXe5uKd9GaMx"},
		{"symbol in secret", "tr_live_k3v9x2ma_Q7fZ0pLr8bN4cT1yW6hJ2sXe5uKd9Ga-"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := ParseAPIKey(tt.key); !errors.Is(err, ErrInvalidKeyFormat) {
				t.Errorf("ParseAPIKey(%q) error = %v, want ErrInvalidKeyFormat", tt.key, err)
			}
		})
	}
}

func TestRandomCode(t *testing.T) {
	t.Parallel()

	code, err := RandomCode(8)
	if err != nil {
		t.Fatal(err)
	}
	if len(code) != 8 {
		t.Errorf("len = %d, want 8", len(code))
	}
	for _, c := range code {
		if !strings.ContainsRune(base62, c) {
			t.Errorf("code %q has non-base62 rune %q", code, c)
		}
	}
}

func TestContextWithAuth(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	if AuthFromContext(ctx) != nil || AccountIDFromContext(ctx) != "" || KeyIDFromContext(ctx) != "" {
		t.Error("empty context should carry no auth")
	}

	ctx = ContextWithAuth(ctx, &model.AuthContext{KeyID: "k1", AccountID: "acct-1"})
	if AccountIDFromContext(ctx) != "acct-1" || KeyIDFromContext(ctx) != "k1" {
		t.Errorf("auth = %+v", AuthFromContext(ctx))
	}
}
