// Package credentials resolves and refreshes the credentials the gateway
// presents to upstream MCP servers.
package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/oauth2"

	"mcpgate/internal/domain"
	"mcpgate/internal/telemetry"
)

// Manager implements credential selection per ownership mode and the OAuth2
// refresh policy. Refreshes are not deduplicated across replicas; the last
// persisted write wins, which is safe because every refresh yields a valid
// token.
type Manager struct {
	accounts domain.AccountRepository
	leeway   time.Duration

	httpClient *http.Client
	metrics    *telemetry.Metrics
}

// NewManager creates a credential manager. leeway is how close to expiry a
// token may get before it is refreshed.
func NewManager(accounts domain.AccountRepository, leeway time.Duration) *Manager {
	if leeway <= 0 {
		leeway = 60 * time.Second
	}
	return &Manager{
		accounts: accounts,
		leeway:   leeway,
	}
}

// WithHTTPClient overrides the client used for token-endpoint calls
func (m *Manager) WithHTTPClient(client *http.Client) *Manager {
	m.httpClient = client
	return m
}

// WithMetrics wires the refresh outcome counter
func (m *Manager) WithMetrics(metrics *telemetry.Metrics) *Manager {
	m.metrics = metrics
	return m
}

// ResolveAuthConfig picks the server's auth config entry matching the
// configuration's auth type, with protocol defaults applied.
func ResolveAuthConfig(server *domain.MCPServer, cfg *domain.MCPServerConfiguration) (domain.AuthConfig, error) {
	authConfig, ok := server.AuthConfigFor(cfg.AuthType)
	if !ok {
		return domain.AuthConfig{}, domain.NewError(domain.KindConfigMismatch,
			"server %s offers no %s auth; configuration %s is stale", server.Name, cfg.AuthType, cfg.Name)
	}
	return authConfig.Normalize(), nil
}

// ownershipFor maps the configuration's ownership mode and the caller's user
// identity onto the account selector.
func ownershipFor(cfg *domain.MCPServerConfiguration, userID string) (domain.Ownership, error) {
	switch cfg.ConnectedAccountOwnership {
	case domain.OwnershipIndividual:
		if userID == "" {
			return domain.Ownership{}, domain.NewError(domain.KindNotConnected,
				"configuration %s uses individual accounts and the request carries no user identity", cfg.Name)
		}
		return domain.IndividualOwnership(userID), nil
	case domain.OwnershipShared:
		return domain.SharedOwnership(), nil
	case domain.OwnershipOperational:
		return domain.OperationalOwnership(), nil
	default:
		return domain.Ownership{}, domain.NewError(domain.KindConfigMismatch,
			"configuration %s has unknown ownership %q", cfg.Name, cfg.ConnectedAccountOwnership)
	}
}

// GetCredentials returns ready-to-use credentials for the configuration and
// caller, refreshing an OAuth2 token that expires within the leeway and
// persisting the refreshed credentials before returning them.
func (m *Manager) GetCredentials(ctx context.Context, server *domain.MCPServer, cfg *domain.MCPServerConfiguration, userID string) (domain.AuthCredentials, error) {
	authConfig, err := ResolveAuthConfig(server, cfg)
	if err != nil {
		return domain.AuthCredentials{}, err
	}

	if authConfig.Type == domain.AuthTypeNoAuth {
		return domain.AuthCredentials{Type: domain.AuthTypeNoAuth}, nil
	}

	owner, err := ownershipFor(cfg, userID)
	if err != nil {
		return domain.AuthCredentials{}, err
	}

	account, err := m.accounts.GetConnectedAccount(ctx, cfg.ID, owner)
	if err != nil {
		return domain.AuthCredentials{}, domain.WrapError(domain.KindStorage, err, "load connected account")
	}
	if account == nil {
		return domain.AuthCredentials{}, domain.NewError(domain.KindNotConnected,
			"no %s account connected for configuration %s", owner.Type, cfg.Name)
	}

	creds := account.AuthCredentials
	if creds.Type != domain.AuthTypeOAuth2 || !creds.ExpiresWithin(time.Now(), m.leeway) {
		return creds, nil
	}

	refreshed, err := m.refresh(ctx, authConfig, creds)
	if err != nil {
		m.metrics.RecordTokenRefresh("failed")
		return domain.AuthCredentials{}, err
	}

	if err := m.accounts.UpdateConnectedAccountCredentials(ctx, account.ID, refreshed); err != nil {
		m.metrics.RecordTokenRefresh("failed")
		return domain.AuthCredentials{}, domain.WrapError(domain.KindStorage, err, "persist refreshed credentials")
	}
	m.metrics.RecordTokenRefresh("refreshed")
	return refreshed, nil
}

// refresh performs the refresh_token grant and merges the response into the
// stored credentials. Providers may rotate the refresh token.
func (m *Manager) refresh(ctx context.Context, authConfig domain.AuthConfig, creds domain.AuthCredentials) (domain.AuthCredentials, error) {
	if creds.RefreshToken == "" {
		return domain.AuthCredentials{}, domain.NewError(domain.KindReauthenticationRequired,
			"access token expired and no refresh token is stored")
	}
	if authConfig.RefreshTokenURL == "" {
		return domain.AuthCredentials{}, domain.NewError(domain.KindReauthenticationRequired,
			"access token expired and the server declares no refresh endpoint")
	}

	authStyle := oauth2.AuthStyleInHeader
	if authConfig.TokenEndpointAuthMethod == domain.AuthMethodClientSecretPost {
		authStyle = oauth2.AuthStyleInParams
	}

	conf := &oauth2.Config{
		ClientID:     authConfig.ClientID,
		ClientSecret: authConfig.ClientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  authConfig.RefreshTokenURL,
			AuthStyle: authStyle,
		},
	}

	if m.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)
	}

	token, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: creds.RefreshToken}).Token()
	if err != nil {
		return domain.AuthCredentials{}, classifyRefreshError(err)
	}

	refreshed := creds
	refreshed.AccessToken = token.AccessToken
	refreshed.ExpiresAt = tokenExpiry(token)
	if token.RefreshToken != "" {
		refreshed.RefreshToken = token.RefreshToken
	}
	if token.TokenType != "" {
		refreshed.TokenType = token.TokenType
	}
	return refreshed, nil
}

// classifyRefreshError maps token-endpoint failures onto the error taxonomy:
// 4xx means the provider rejected us, network trouble and 5xx are transient,
// and a malformed 2xx body is treated as a rejection.
func classifyRefreshError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		if re.Response != nil && re.Response.StatusCode >= 500 {
			return domain.WrapError(domain.KindUpstreamTransient, err, "token endpoint unavailable")
		}
		return domain.WrapError(domain.KindCredentialProviderRejected, err, "token endpoint rejected refresh")
	}

	var ue *url.Error
	if errors.As(err, &ue) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return domain.WrapError(domain.KindUpstreamTransient, err, "token endpoint unreachable")
	}

	return domain.WrapError(domain.KindCredentialProviderRejected, err, "invalid token response")
}

// tokenExpiry resolves the new expiry: absolute expires_at from the response
// wins, else the expires_in-derived expiry. Providers issuing non-expiring
// tokens send neither; the credentials then carry no expiry and are never
// refreshed again.
func tokenExpiry(token *oauth2.Token) *time.Time {
	if raw := token.Extra("expires_at"); raw != nil {
		if at, ok := parseEpoch(raw); ok {
			return &at
		}
	}
	if !token.Expiry.IsZero() {
		at := token.Expiry.UTC()
		return &at
	}
	return nil
}

func parseEpoch(raw any) (time.Time, bool) {
	switch v := raw.(type) {
	case float64:
		return time.Unix(int64(v), 0).UTC(), true
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return time.Unix(n, 0).UTC(), true
		}
	case string:
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return time.Unix(n, 0).UTC(), true
		}
	}
	return time.Time{}, false
}
