package domain

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestAuthConfigNormalize(t *testing.T) {
	t.Run("oauth2 defaults", func(t *testing.T) {
		cfg := AuthConfig{Type: AuthTypeOAuth2, ClientID: "cid"}.Normalize()

		if cfg.Location != LocationHeader {
			t.Errorf("Expected header location, got %q", cfg.Location)
		}
		if cfg.Name != "Authorization" {
			t.Errorf("Expected Authorization name, got %q", cfg.Name)
		}
		if cfg.Prefix != "Bearer" {
			t.Errorf("Expected Bearer prefix, got %q", cfg.Prefix)
		}
		if cfg.TokenEndpointAuthMethod != AuthMethodClientSecretBasic {
			t.Errorf("Expected client_secret_basic, got %q", cfg.TokenEndpointAuthMethod)
		}
	})

	t.Run("oauth2 keeps explicit auth method", func(t *testing.T) {
		cfg := AuthConfig{
			Type:                    AuthTypeOAuth2,
			TokenEndpointAuthMethod: AuthMethodClientSecretPost,
		}.Normalize()

		if cfg.TokenEndpointAuthMethod != AuthMethodClientSecretPost {
			t.Errorf("Expected client_secret_post preserved, got %q", cfg.TokenEndpointAuthMethod)
		}
	})

	t.Run("api_key defaults to header", func(t *testing.T) {
		cfg := AuthConfig{Type: AuthTypeAPIKey, Name: "X-API-Key"}.Normalize()

		if cfg.Location != LocationHeader {
			t.Errorf("Expected header location, got %q", cfg.Location)
		}
	})

	t.Run("api_key keeps explicit location", func(t *testing.T) {
		cfg := AuthConfig{Type: AuthTypeAPIKey, Name: "key", Location: LocationQuery}.Normalize()

		if cfg.Location != LocationQuery {
			t.Errorf("Expected query location preserved, got %q", cfg.Location)
		}
	})
}

func TestAuthConfigValidate(t *testing.T) {
	cases := []struct {
		name    string
		cfg     AuthConfig
		wantErr bool
	}{
		{"no_auth", AuthConfig{Type: AuthTypeNoAuth}, false},
		{"api_key with name", AuthConfig{Type: AuthTypeAPIKey, Name: "X-API-Key"}, false},
		{"api_key missing name", AuthConfig{Type: AuthTypeAPIKey}, true},
		{"api_key bad location", AuthConfig{Type: AuthTypeAPIKey, Name: "k", Location: "path"}, true},
		{"oauth2 complete", AuthConfig{Type: AuthTypeOAuth2, ClientID: "c", AccessTokenURL: "https://p/token"}, false},
		{"oauth2 missing client_id", AuthConfig{Type: AuthTypeOAuth2, AccessTokenURL: "https://p/token"}, true},
		{"oauth2 missing token url", AuthConfig{Type: AuthTypeOAuth2, ClientID: "c"}, true},
		{"unknown type", AuthConfig{Type: "magic"}, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.wantErr && err == nil {
				t.Error("Expected validation error, got nil")
			}
			if !tc.wantErr && err != nil {
				t.Errorf("Expected valid config, got: %v", err)
			}
		})
	}
}

func TestAuthSecretMasking(t *testing.T) {
	t.Run("config masks client secret", func(t *testing.T) {
		cfg := AuthConfig{Type: AuthTypeOAuth2, ClientID: "cid", ClientSecret: "s3cret"}

		data, err := json.Marshal(cfg)
		if err != nil {
			t.Fatalf("Marshal failed: %v", err)
		}
		if strings.Contains(string(data), "s3cret") {
			t.Error("Expected client secret to be masked")
		}
		if !strings.Contains(string(data), "***") {
			t.Error("Expected masked placeholder in output")
		}
	})

	t.Run("credentials mask all token material", func(t *testing.T) {
		creds := AuthCredentials{
			Type:         AuthTypeOAuth2,
			AccessToken:  "at-123",
			RefreshToken: "rt-456",
		}

		data, err := json.Marshal(creds)
		if err != nil {
			t.Fatalf("Marshal failed: %v", err)
		}
		for _, secret := range []string{"at-123", "rt-456"} {
			if strings.Contains(string(data), secret) {
				t.Errorf("Expected %q to be masked", secret)
			}
		}
	})

	t.Run("api_key secret masked", func(t *testing.T) {
		creds := AuthCredentials{Type: AuthTypeAPIKey, SecretKey: "sk-789"}

		data, err := json.Marshal(creds)
		if err != nil {
			t.Fatalf("Marshal failed: %v", err)
		}
		if strings.Contains(string(data), "sk-789") {
			t.Error("Expected secret key to be masked")
		}
	})
}

func TestExpiresWithin(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	leeway := 60 * time.Second

	at := func(t time.Time) *time.Time { return &t }

	cases := []struct {
		name  string
		creds AuthCredentials
		want  bool
	}{
		{"expired", AuthCredentials{Type: AuthTypeOAuth2, ExpiresAt: at(now.Add(-time.Minute))}, true},
		{"expires inside leeway", AuthCredentials{Type: AuthTypeOAuth2, ExpiresAt: at(now.Add(30 * time.Second))}, true},
		{"expires exactly at leeway", AuthCredentials{Type: AuthTypeOAuth2, ExpiresAt: at(now.Add(leeway))}, true},
		{"expires after leeway", AuthCredentials{Type: AuthTypeOAuth2, ExpiresAt: at(now.Add(time.Hour))}, false},
		{"no expiry", AuthCredentials{Type: AuthTypeOAuth2}, false},
		{"api_key never expires", AuthCredentials{Type: AuthTypeAPIKey, SecretKey: "k"}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.creds.ExpiresWithin(now, leeway); got != tc.want {
				t.Errorf("Expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestOwnership(t *testing.T) {
	t.Run("individual requires user", func(t *testing.T) {
		if err := IndividualOwnership("u-1").Validate(); err != nil {
			t.Errorf("Expected valid, got: %v", err)
		}
		if err := (Ownership{Type: OwnershipIndividual}).Validate(); err == nil {
			t.Error("Expected error for individual ownership without user")
		}
	})

	t.Run("shared rejects user", func(t *testing.T) {
		if err := SharedOwnership().Validate(); err != nil {
			t.Errorf("Expected valid, got: %v", err)
		}
		if err := (Ownership{Type: OwnershipShared, UserID: "u-1"}).Validate(); err == nil {
			t.Error("Expected error for shared ownership with user")
		}
	})
}
