// Package virtual executes tools that live inside the gateway: REST-backed
// tools described by their schema, and in-process connectors registered at
// startup. It also serves the virtual MCP endpoint they are exposed on.
package virtual

import (
	"strings"

	"mcpgate/internal/domain"
)

// AuthToken is the caller's credential as forwarded to the virtual MCP
// executor: where to inject it, under which name, with an optional prefix.
// The URL path is not a credential location, so auth can never end up in one.
type AuthToken struct {
	Location domain.CredentialLocation
	Name     string
	Prefix   string
	Token    string
}

// Format renders the token as the x-virtual-mcp-auth-token header value:
// "<location> <name> [<prefix>] <token>".
func (t AuthToken) Format() string {
	fields := []string{string(t.Location), t.Name}
	if t.Prefix != "" {
		fields = append(fields, t.Prefix)
	}
	return strings.Join(append(fields, t.Token), " ")
}

// ParseAuthToken parses an x-virtual-mcp-auth-token header value, three or
// four whitespace-separated fields.
func ParseAuthToken(value string) (*AuthToken, error) {
	fields := strings.Fields(value)
	token := &AuthToken{}
	switch len(fields) {
	case 3:
		token.Location, token.Name, token.Token = domain.CredentialLocation(fields[0]), fields[1], fields[2]
	case 4:
		token.Location, token.Name, token.Prefix, token.Token = domain.CredentialLocation(fields[0]), fields[1], fields[2], fields[3]
	default:
		return nil, domain.NewError(domain.KindInvalidRequest,
			"auth token header needs 3 or 4 fields, got %d", len(fields))
	}
	if !domain.ValidLocation(string(token.Location)) {
		return nil, domain.NewError(domain.KindInvalidRequest,
			"auth token header has invalid location %q", token.Location)
	}
	return token, nil
}

// AuthTokenFor builds the forwarded token from a resolved auth config and
// credentials. Returns nil for no_auth.
func AuthTokenFor(authConfig domain.AuthConfig, creds domain.AuthCredentials) *AuthToken {
	var value string
	switch creds.Type {
	case domain.AuthTypeOAuth2:
		value = creds.AccessToken
	case domain.AuthTypeAPIKey:
		value = creds.SecretKey
	default:
		return nil
	}
	return &AuthToken{
		Location: authConfig.Location,
		Name:     authConfig.Name,
		Prefix:   authConfig.Prefix,
		Token:    value,
	}
}
