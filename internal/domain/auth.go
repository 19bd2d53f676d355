package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// AuthType discriminates AuthConfig and AuthCredentials
type AuthType string

const (
	AuthTypeNoAuth AuthType = "no_auth"
	AuthTypeAPIKey AuthType = "api_key"
	AuthTypeOAuth2 AuthType = "oauth2"
)

// CredentialLocation is where a credential is injected on an HTTP request
type CredentialLocation string

const (
	LocationHeader CredentialLocation = "header"
	LocationQuery  CredentialLocation = "query"
	LocationCookie CredentialLocation = "cookie"
	LocationBody   CredentialLocation = "body"
)

// ValidLocation reports whether s names a known credential location
func ValidLocation(s string) bool {
	switch CredentialLocation(s) {
	case LocationHeader, LocationQuery, LocationCookie, LocationBody:
		return true
	}
	return false
}

// TokenEndpointAuthMethod is how the OAuth2 client authenticates to the
// token endpoint during refresh
type TokenEndpointAuthMethod string

const (
	AuthMethodClientSecretBasic TokenEndpointAuthMethod = "client_secret_basic"
	AuthMethodClientSecretPost  TokenEndpointAuthMethod = "client_secret_post"
)

// AuthConfig describes one way a server accepts credentials, discriminated
// by Type. Only the fields of the active variant are populated.
type AuthConfig struct {
	Type AuthType `json:"type"`

	// api_key and oauth2 injection point
	Location CredentialLocation `json:"location,omitempty"`
	Name     string             `json:"name,omitempty"`
	Prefix   string             `json:"prefix,omitempty"`

	// oauth2
	ClientID                string                  `json:"client_id,omitempty"`
	ClientSecret            string                  `json:"client_secret,omitempty"`
	Scope                   string                  `json:"scope,omitempty"`
	AuthorizeURL            string                  `json:"authorize_url,omitempty"`
	AccessTokenURL          string                  `json:"access_token_url,omitempty"`
	RefreshTokenURL         string                  `json:"refresh_token_url,omitempty"`
	TokenEndpointAuthMethod TokenEndpointAuthMethod `json:"token_endpoint_auth_method,omitempty"`
}

// Normalize fills variant defaults. OAuth2 tokens always travel as
// "Authorization: Bearer <token>" and refresh defaults to client_secret_basic.
func (c AuthConfig) Normalize() AuthConfig {
	switch c.Type {
	case AuthTypeOAuth2:
		c.Location = LocationHeader
		if c.Name == "" {
			c.Name = "Authorization"
		}
		if c.Prefix == "" {
			c.Prefix = "Bearer"
		}
		if c.TokenEndpointAuthMethod == "" {
			c.TokenEndpointAuthMethod = AuthMethodClientSecretBasic
		}
	case AuthTypeAPIKey:
		if c.Location == "" {
			c.Location = LocationHeader
		}
	}
	return c
}

// Validate checks the variant's required fields
func (c AuthConfig) Validate() error {
	switch c.Type {
	case AuthTypeNoAuth:
		return nil
	case AuthTypeAPIKey:
		if c.Name == "" {
			return fmt.Errorf("api_key auth config requires a name")
		}
		if c.Location != "" && !ValidLocation(string(c.Location)) {
			return fmt.Errorf("api_key auth config has invalid location %q", c.Location)
		}
		return nil
	case AuthTypeOAuth2:
		if c.ClientID == "" {
			return fmt.Errorf("oauth2 auth config requires a client_id")
		}
		if c.AccessTokenURL == "" {
			return fmt.Errorf("oauth2 auth config requires an access_token_url")
		}
		return nil
	default:
		return fmt.Errorf("unknown auth config type %q", c.Type)
	}
}

// MarshalJSON masks secrets so configs can be logged and returned safely
func (c AuthConfig) MarshalJSON() ([]byte, error) {
	type alias AuthConfig
	masked := alias(c)
	if masked.ClientSecret != "" {
		masked.ClientSecret = "***"
	}
	return json.Marshal(masked)
}

// AuthCredentials is the stored credential material matching an AuthConfig,
// discriminated by Type.
type AuthCredentials struct {
	Type AuthType `json:"type"`

	// api_key
	SecretKey string `json:"secret_key,omitempty"`

	// oauth2
	AccessToken  string     `json:"access_token,omitempty"`
	RefreshToken string     `json:"refresh_token,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	TokenType    string     `json:"token_type,omitempty"`
}

// ExpiresWithin reports whether OAuth2 credentials expire within leeway of
// now. Credentials without a known expiry never report true.
func (c AuthCredentials) ExpiresWithin(now time.Time, leeway time.Duration) bool {
	if c.Type != AuthTypeOAuth2 || c.ExpiresAt == nil {
		return false
	}
	return !now.Add(leeway).Before(*c.ExpiresAt)
}

// MarshalJSON masks secret material. Storage uses explicit serialization,
// not this marshaler.
func (c AuthCredentials) MarshalJSON() ([]byte, error) {
	type alias AuthCredentials
	masked := alias(c)
	if masked.SecretKey != "" {
		masked.SecretKey = "***"
	}
	if masked.AccessToken != "" {
		masked.AccessToken = "***"
	}
	if masked.RefreshToken != "" {
		masked.RefreshToken = "***"
	}
	return json.Marshal(masked)
}

// OwnershipType discriminates connected account ownership
type OwnershipType string

const (
	OwnershipIndividual  OwnershipType = "individual"
	OwnershipShared      OwnershipType = "shared"
	OwnershipOperational OwnershipType = "operational"
)

// Ownership is the owner of a connected account. UserID is set only for
// individual ownership; storage flattens this to a nullable column.
type Ownership struct {
	Type   OwnershipType `json:"type"`
	UserID string        `json:"user_id,omitempty"`
}

// IndividualOwnership builds the per-user variant
func IndividualOwnership(userID string) Ownership {
	return Ownership{Type: OwnershipIndividual, UserID: userID}
}

// SharedOwnership builds the org-shared variant
func SharedOwnership() Ownership {
	return Ownership{Type: OwnershipShared}
}

// OperationalOwnership builds the background-job variant
func OperationalOwnership() Ownership {
	return Ownership{Type: OwnershipOperational}
}

// Validate checks the variant is well formed
func (o Ownership) Validate() error {
	switch o.Type {
	case OwnershipIndividual:
		if o.UserID == "" {
			return fmt.Errorf("individual ownership requires a user id")
		}
		return nil
	case OwnershipShared, OwnershipOperational:
		if o.UserID != "" {
			return fmt.Errorf("%s ownership must not carry a user id", o.Type)
		}
		return nil
	default:
		return fmt.Errorf("unknown ownership type %q", o.Type)
	}
}
