package credentials

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"mcpgate/internal/domain"
	"mcpgate/internal/storage"
)

func oauthServer(refreshURL string) *domain.MCPServer {
	return &domain.MCPServer{
		ID:   "server-1",
		Name: "GMAIL",
		URL:  "https://gmail.example.com/mcp",
		AuthConfigs: []domain.AuthConfig{
			{
				Type:            domain.AuthTypeOAuth2,
				ClientID:        "client-id",
				ClientSecret:    "client-secret",
				Scope:           "mail.send",
				AccessTokenURL:  refreshURL,
				RefreshTokenURL: refreshURL,
			},
		},
	}
}

func sharedConfig() *domain.MCPServerConfiguration {
	return &domain.MCPServerConfiguration{
		ID:                        "cfg-1",
		OrganizationID:            "org-1",
		MCPServerID:               "server-1",
		Name:                      "gmail-prod",
		AuthType:                  domain.AuthTypeOAuth2,
		ConnectedAccountOwnership: domain.OwnershipShared,
	}
}

func connect(t *testing.T, store *storage.MemoryStore, cfgID string, owner domain.Ownership, creds domain.AuthCredentials) *domain.ConnectedAccount {
	t.Helper()
	account := &domain.ConnectedAccount{
		MCPServerConfigurationID: cfgID,
		Ownership:                owner,
		AuthCredentials:          creds,
	}
	if err := store.UpsertConnectedAccount(context.Background(), account); err != nil {
		t.Fatalf("UpsertConnectedAccount failed: %v", err)
	}
	return account
}

func TestResolveAuthConfig(t *testing.T) {
	server := oauthServer("https://provider.example.com/token")

	authConfig, err := ResolveAuthConfig(server, sharedConfig())
	if err != nil {
		t.Fatalf("ResolveAuthConfig failed: %v", err)
	}
	// Normalization fills the oauth2 header defaults
	if authConfig.Location != domain.LocationHeader || authConfig.Name != "Authorization" || authConfig.Prefix != "Bearer" {
		t.Errorf("Expected normalized oauth2 config, got: %+v", authConfig)
	}
	if authConfig.TokenEndpointAuthMethod != domain.AuthMethodClientSecretBasic {
		t.Errorf("Expected basic auth default, got: %s", authConfig.TokenEndpointAuthMethod)
	}

	cfg := sharedConfig()
	cfg.AuthType = domain.AuthTypeAPIKey
	_, err = ResolveAuthConfig(server, cfg)
	if !domain.IsKind(err, domain.KindConfigMismatch) {
		t.Errorf("Expected ConfigMismatch, got: %v", err)
	}
}

func TestGetCredentialsSelection(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	manager := NewManager(store, time.Minute)
	server := oauthServer("https://provider.example.com/token")

	t.Run("not connected", func(t *testing.T) {
		_, err := manager.GetCredentials(ctx, server, sharedConfig(), "")
		if !domain.IsKind(err, domain.KindNotConnected) {
			t.Errorf("Expected NotConnected, got: %v", err)
		}
	})

	t.Run("individual requires user identity", func(t *testing.T) {
		cfg := sharedConfig()
		cfg.ConnectedAccountOwnership = domain.OwnershipIndividual
		_, err := manager.GetCredentials(ctx, server, cfg, "")
		if !domain.IsKind(err, domain.KindNotConnected) {
			t.Errorf("Expected NotConnected, got: %v", err)
		}
	})

	t.Run("individual selects the caller's account", func(t *testing.T) {
		cfg := sharedConfig()
		cfg.ID = "cfg-ind"
		cfg.ConnectedAccountOwnership = domain.OwnershipIndividual

		future := time.Now().Add(time.Hour)
		connect(t, store, cfg.ID, domain.IndividualOwnership("user-alice"), domain.AuthCredentials{
			Type: domain.AuthTypeOAuth2, AccessToken: "alice-token", ExpiresAt: &future,
		})

		creds, err := manager.GetCredentials(ctx, server, cfg, "user-alice")
		if err != nil {
			t.Fatalf("GetCredentials failed: %v", err)
		}
		if creds.AccessToken != "alice-token" {
			t.Errorf("Expected alice's token, got: %s", creds.AccessToken)
		}

		if _, err := manager.GetCredentials(ctx, server, cfg, "user-bob"); !domain.IsKind(err, domain.KindNotConnected) {
			t.Errorf("Expected NotConnected for other user, got: %v", err)
		}
	})

	t.Run("api key passes through untouched", func(t *testing.T) {
		apiServer := &domain.MCPServer{
			ID: "server-2", Name: "SLACK", URL: "https://slack.example.com/mcp",
			AuthConfigs: []domain.AuthConfig{{Type: domain.AuthTypeAPIKey, Name: "X-Api-Key"}},
		}
		cfg := sharedConfig()
		cfg.ID = "cfg-api"
		cfg.MCPServerID = apiServer.ID
		cfg.AuthType = domain.AuthTypeAPIKey
		connect(t, store, cfg.ID, domain.SharedOwnership(), domain.AuthCredentials{
			Type: domain.AuthTypeAPIKey, SecretKey: "sk-123",
		})

		creds, err := manager.GetCredentials(ctx, apiServer, cfg, "")
		if err != nil {
			t.Fatalf("GetCredentials failed: %v", err)
		}
		if creds.SecretKey != "sk-123" {
			t.Errorf("Expected api key, got: %+v", creds)
		}
	})

	t.Run("fresh oauth2 token is not refreshed", func(t *testing.T) {
		endpoint := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Error("Token endpoint must not be called for a fresh token")
		}))
		defer endpoint.Close()

		cfg := sharedConfig()
		cfg.ID = "cfg-fresh"
		future := time.Now().Add(time.Hour)
		connect(t, store, cfg.ID, domain.SharedOwnership(), domain.AuthCredentials{
			Type: domain.AuthTypeOAuth2, AccessToken: "still-good", RefreshToken: "rt", ExpiresAt: &future,
		})

		creds, err := manager.GetCredentials(ctx, oauthServer(endpoint.URL), cfg, "")
		if err != nil {
			t.Fatalf("GetCredentials failed: %v", err)
		}
		if creds.AccessToken != "still-good" {
			t.Errorf("Expected stored token, got: %s", creds.AccessToken)
		}
	})
}

func TestRefreshFlow(t *testing.T) {
	ctx := context.Background()

	t.Run("basic auth refresh with rotation", func(t *testing.T) {
		var gotGrant, gotRefreshToken string
		endpoint := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, secret, ok := r.BasicAuth()
			if !ok || id != "client-id" || secret != "client-secret" {
				t.Errorf("Expected basic client auth, got: %s / %s", id, secret)
			}
			r.ParseForm()
			gotGrant = r.PostForm.Get("grant_type")
			gotRefreshToken = r.PostForm.Get("refresh_token")

			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{
				"access_token":  "new-access",
				"token_type":    "Bearer",
				"expires_in":    3600,
				"refresh_token": "rotated-refresh",
			})
		}))
		defer endpoint.Close()

		store := storage.NewMemoryStore()
		manager := NewManager(store, time.Minute)
		cfg := sharedConfig()
		soon := time.Now().Add(10 * time.Second)
		account := connect(t, store, cfg.ID, domain.SharedOwnership(), domain.AuthCredentials{
			Type: domain.AuthTypeOAuth2, AccessToken: "stale", RefreshToken: "old-refresh", ExpiresAt: &soon,
		})

		creds, err := manager.GetCredentials(ctx, oauthServer(endpoint.URL), cfg, "")
		if err != nil {
			t.Fatalf("GetCredentials failed: %v", err)
		}

		if gotGrant != "refresh_token" || gotRefreshToken != "old-refresh" {
			t.Errorf("Expected refresh_token grant with stored token, got: %s / %s", gotGrant, gotRefreshToken)
		}
		if creds.AccessToken != "new-access" {
			t.Errorf("Expected refreshed access token, got: %s", creds.AccessToken)
		}
		if creds.RefreshToken != "rotated-refresh" {
			t.Errorf("Expected rotated refresh token, got: %s", creds.RefreshToken)
		}
		if creds.ExpiresAt == nil || time.Until(*creds.ExpiresAt) < 55*time.Minute {
			t.Errorf("Expected expiry about an hour out, got: %v", creds.ExpiresAt)
		}

		// Refreshed credentials are persisted before being returned
		stored, err := store.GetConnectedAccount(ctx, cfg.ID, domain.SharedOwnership())
		if err != nil || stored == nil {
			t.Fatalf("GetConnectedAccount failed: %v", err)
		}
		if stored.ID != account.ID {
			t.Errorf("Expected the same account row, got: %s", stored.ID)
		}
		if stored.AuthCredentials.AccessToken != "new-access" || stored.AuthCredentials.RefreshToken != "rotated-refresh" {
			t.Errorf("Expected persisted refresh, got: %+v", stored.AuthCredentials)
		}
	})

	t.Run("client_secret_post sends credentials in the form", func(t *testing.T) {
		endpoint := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.ParseForm()
			if r.PostForm.Get("client_id") != "client-id" || r.PostForm.Get("client_secret") != "client-secret" {
				t.Errorf("Expected client credentials in form, got: %v", r.PostForm)
			}
			if _, _, ok := r.BasicAuth(); ok {
				t.Error("Expected no basic auth header for client_secret_post")
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{
				"access_token": "new-access",
				"expires_in":   600,
			})
		}))
		defer endpoint.Close()

		store := storage.NewMemoryStore()
		manager := NewManager(store, time.Minute)
		server := oauthServer(endpoint.URL)
		server.AuthConfigs[0].TokenEndpointAuthMethod = domain.AuthMethodClientSecretPost
		cfg := sharedConfig()
		soon := time.Now().Add(10 * time.Second)
		connect(t, store, cfg.ID, domain.SharedOwnership(), domain.AuthCredentials{
			Type: domain.AuthTypeOAuth2, AccessToken: "stale", RefreshToken: "rt", ExpiresAt: &soon,
		})

		creds, err := manager.GetCredentials(ctx, server, cfg, "")
		if err != nil {
			t.Fatalf("GetCredentials failed: %v", err)
		}
		if creds.RefreshToken != "rt" {
			t.Errorf("Expected refresh token kept when not rotated, got: %s", creds.RefreshToken)
		}
	})

	t.Run("non-expiring token is accepted without an expiry hint", func(t *testing.T) {
		var tokenHits int
		endpoint := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenHits++
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{
				"access_token": "evergreen",
				"token_type":   "Bearer",
			})
		}))
		defer endpoint.Close()

		store := storage.NewMemoryStore()
		manager := NewManager(store, time.Minute)
		cfg := sharedConfig()
		soon := time.Now().Add(10 * time.Second)
		connect(t, store, cfg.ID, domain.SharedOwnership(), domain.AuthCredentials{
			Type: domain.AuthTypeOAuth2, AccessToken: "stale", RefreshToken: "rt", ExpiresAt: &soon,
		})

		creds, err := manager.GetCredentials(ctx, oauthServer(endpoint.URL), cfg, "")
		if err != nil {
			t.Fatalf("GetCredentials failed: %v", err)
		}
		if creds.AccessToken != "evergreen" {
			t.Errorf("Expected the issued token, got: %s", creds.AccessToken)
		}
		if creds.ExpiresAt != nil {
			t.Errorf("Expected no expiry on a non-expiring token, got: %v", creds.ExpiresAt)
		}

		stored, err := store.GetConnectedAccount(ctx, cfg.ID, domain.SharedOwnership())
		if err != nil || stored == nil {
			t.Fatalf("GetConnectedAccount failed: %v", err)
		}
		if stored.AuthCredentials.AccessToken != "evergreen" || stored.AuthCredentials.ExpiresAt != nil {
			t.Errorf("Expected persisted non-expiring credentials, got: %+v", stored.AuthCredentials)
		}

		// Without an expiry the token never comes due for another refresh
		if _, err := manager.GetCredentials(ctx, oauthServer(endpoint.URL), cfg, ""); err != nil {
			t.Fatalf("Second GetCredentials failed: %v", err)
		}
		if tokenHits != 1 {
			t.Errorf("Expected exactly one token endpoint call, got: %d", tokenHits)
		}
	})

	t.Run("absolute expires_at wins over expires_in", func(t *testing.T) {
		at := time.Now().Add(30 * time.Minute).Unix()
		endpoint := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{
				"access_token": "new-access",
				"expires_in":   3600,
				"expires_at":   at,
			})
		}))
		defer endpoint.Close()

		store := storage.NewMemoryStore()
		manager := NewManager(store, time.Minute)
		cfg := sharedConfig()
		soon := time.Now().Add(10 * time.Second)
		connect(t, store, cfg.ID, domain.SharedOwnership(), domain.AuthCredentials{
			Type: domain.AuthTypeOAuth2, AccessToken: "stale", RefreshToken: "rt", ExpiresAt: &soon,
		})

		creds, err := manager.GetCredentials(ctx, oauthServer(endpoint.URL), cfg, "")
		if err != nil {
			t.Fatalf("GetCredentials failed: %v", err)
		}
		if creds.ExpiresAt == nil || creds.ExpiresAt.Unix() != at {
			t.Errorf("Expected absolute expiry %d, got: %v", at, creds.ExpiresAt)
		}
	})
}

func TestRefreshFailures(t *testing.T) {
	ctx := context.Background()

	newExpiring := func(t *testing.T, store *storage.MemoryStore, cfg *domain.MCPServerConfiguration, refreshToken string) {
		t.Helper()
		soon := time.Now().Add(10 * time.Second)
		connect(t, store, cfg.ID, domain.SharedOwnership(), domain.AuthCredentials{
			Type: domain.AuthTypeOAuth2, AccessToken: "stale", RefreshToken: refreshToken, ExpiresAt: &soon,
		})
	}

	t.Run("no refresh token", func(t *testing.T) {
		endpoint := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Error("Token endpoint must not be called without a refresh token")
		}))
		defer endpoint.Close()

		store := storage.NewMemoryStore()
		manager := NewManager(store, time.Minute)
		cfg := sharedConfig()
		newExpiring(t, store, cfg, "")

		_, err := manager.GetCredentials(ctx, oauthServer(endpoint.URL), cfg, "")
		if !domain.IsKind(err, domain.KindReauthenticationRequired) {
			t.Errorf("Expected ReauthenticationRequired, got: %v", err)
		}
	})

	t.Run("provider rejects with 4xx", func(t *testing.T) {
		endpoint := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]any{"error": "invalid_grant"})
		}))
		defer endpoint.Close()

		store := storage.NewMemoryStore()
		manager := NewManager(store, time.Minute)
		cfg := sharedConfig()
		newExpiring(t, store, cfg, "rt")

		_, err := manager.GetCredentials(ctx, oauthServer(endpoint.URL), cfg, "")
		if !domain.IsKind(err, domain.KindCredentialProviderRejected) {
			t.Errorf("Expected CredentialProviderRejected, got: %v", err)
		}
		if domain.Retryable(err) {
			t.Error("Expected 4xx rejection to be non-retryable")
		}
	})

	t.Run("5xx is transient", func(t *testing.T) {
		endpoint := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "upstream down", http.StatusBadGateway)
		}))
		defer endpoint.Close()

		store := storage.NewMemoryStore()
		manager := NewManager(store, time.Minute)
		cfg := sharedConfig()
		newExpiring(t, store, cfg, "rt")

		_, err := manager.GetCredentials(ctx, oauthServer(endpoint.URL), cfg, "")
		if !domain.IsKind(err, domain.KindUpstreamTransient) {
			t.Errorf("Expected UpstreamTransient, got: %v", err)
		}
		if !domain.Retryable(err) {
			t.Error("Expected 5xx to be retryable")
		}
	})

	t.Run("unreachable endpoint is transient", func(t *testing.T) {
		store := storage.NewMemoryStore()
		manager := NewManager(store, time.Minute)
		cfg := sharedConfig()
		newExpiring(t, store, cfg, "rt")

		// Closed port
		_, err := manager.GetCredentials(ctx, oauthServer("http://127.0.0.1:1"), cfg, "")
		if !domain.IsKind(err, domain.KindUpstreamTransient) {
			t.Errorf("Expected UpstreamTransient, got: %v", err)
		}
	})

	t.Run("response without access token is rejected", func(t *testing.T) {
		endpoint := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{"expires_in": 3600})
		}))
		defer endpoint.Close()

		store := storage.NewMemoryStore()
		manager := NewManager(store, time.Minute)
		cfg := sharedConfig()
		newExpiring(t, store, cfg, "rt")

		_, err := manager.GetCredentials(ctx, oauthServer(endpoint.URL), cfg, "")
		if !domain.IsKind(err, domain.KindCredentialProviderRejected) {
			t.Errorf("Expected CredentialProviderRejected, got: %v", err)
		}
	})
}
