// Package domain defines the core entities and errors of the MCP gateway.
package domain

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// TransportType defines how the gateway reaches an upstream MCP server
type TransportType string

const (
	TransportStreamableHTTP TransportType = "streamable_http"
	TransportSSE            TransportType = "sse"
)

// Organization is the root tenancy unit
type Organization struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// IdentityProvider identifies how a user authenticates to the platform
type IdentityProvider string

const (
	IdentityProviderPassword IdentityProvider = "password"
	IdentityProviderGoogle   IdentityProvider = "google"
)

// User is a platform user; may belong to many organizations
type User struct {
	ID               string           `json:"id"`
	Name             string           `json:"name"`
	Email            string           `json:"email"` // lowercased, unique
	EmailVerified    bool             `json:"email_verified"`
	IdentityProvider IdentityProvider `json:"identity_provider"`
	PasswordHash     string           `json:"-"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// Team scopes access within an organization
type Team struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	Name           string    `json:"name"` // unique per org
	CreatedAt      time.Time `json:"created_at"`
}

// ServerMetadata carries free-form server flags
type ServerMetadata struct {
	IsVirtualMCPServer bool `json:"is_virtual_mcp_server,omitempty"`
}

// MCPServer is an upstream (or virtual) MCP server known to the gateway.
// Name is ALLCAPS [A-Z0-9_]+ with no "__" and is globally unique.
type MCPServer struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	URL            string         `json:"url,omitempty"` // empty for virtual servers
	Transport      TransportType  `json:"transport,omitempty"`
	Description    string         `json:"description,omitempty"`
	Categories     []string       `json:"categories,omitempty"`
	AuthConfigs    []AuthConfig   `json:"auth_configs"`
	ServerMetadata ServerMetadata `json:"server_metadata"`

	// nil means the server is public (visible to every organization)
	OrganizationID *string `json:"organization_id,omitempty"`

	LastSyncedAt *time.Time `json:"last_synced_at,omitempty"`
	Embedding    []float32  `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AuthConfigFor returns the server's auth config entry matching the given type
func (s *MCPServer) AuthConfigFor(t AuthType) (AuthConfig, bool) {
	for _, ac := range s.AuthConfigs {
		if ac.Type == t {
			return ac, true
		}
	}
	return AuthConfig{}, false
}

// IsVirtual reports whether the server executes inside the gateway
func (s *MCPServer) IsVirtual() bool {
	return s.ServerMetadata.IsVirtualMCPServer
}

// MCPServerConfiguration binds a server into an organization with an auth
// choice, a team ACL, and tool enablement.
type MCPServerConfiguration struct {
	ID             string `json:"id"`
	OrganizationID string `json:"organization_id"`
	MCPServerID    string `json:"mcp_server_id"`
	Name           string `json:"name"`

	AuthType                  AuthType      `json:"auth_type"`
	ConnectedAccountOwnership OwnershipType `json:"connected_account_ownership"`

	// AllToolsEnabled implies EnabledTools is empty
	AllToolsEnabled bool     `json:"all_tools_enabled"`
	EnabledTools    []string `json:"enabled_tools,omitempty"` // tool ids
	AllowedTeams    []string `json:"allowed_teams,omitempty"` // team ids

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ToolEnabled reports whether the given tool id may be used through this
// configuration
func (c *MCPServerConfiguration) ToolEnabled(toolID string) bool {
	if c.AllToolsEnabled {
		return true
	}
	for _, id := range c.EnabledTools {
		if id == toolID {
			return true
		}
	}
	return false
}

// ConnectedAccount stores credentials for one (configuration, owner) pair.
// Individual accounts carry the owning user id; shared and operational
// accounts do not.
type ConnectedAccount struct {
	ID                       string          `json:"id"`
	MCPServerConfigurationID string          `json:"mcp_server_configuration_id"`
	Ownership                Ownership       `json:"ownership"`
	AuthCredentials          AuthCredentials `json:"auth_credentials"`
	CreatedAt                time.Time       `json:"created_at"`
	UpdatedAt                time.Time       `json:"updated_at"`
}

// ToolMetadata carries the canonical (upstream) identity of a tool plus the
// dispatch description for virtual tools. Type is empty for tools that live
// on a real upstream server.
type ToolMetadata struct {
	CanonicalToolName            string `json:"canonical_tool_name"`
	CanonicalToolDescriptionHash string `json:"canonical_tool_description_hash,omitempty"`
	CanonicalToolInputSchemaHash string `json:"canonical_tool_input_schema_hash,omitempty"`

	// Virtual dispatch, discriminated by Type
	Type     VirtualToolType `json:"type,omitempty"`
	Method   string          `json:"method,omitempty"`   // rest: HTTP method
	Endpoint string          `json:"endpoint,omitempty"` // rest: path with {placeholders}
}

// VirtualToolType discriminates how a virtual tool executes
type VirtualToolType string

const (
	VirtualToolREST      VirtualToolType = "rest"
	VirtualToolConnector VirtualToolType = "connector"
)

// MCPTool is one tool of an MCP server as exposed by the gateway.
// Name is SERVER__TOOLNAME with exactly one "__"; the prefix equals the
// owning server's name.
type MCPTool struct {
	ID          string `json:"id"`
	MCPServerID string `json:"mcp_server_id"`

	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`

	// Tags are user-curated and never overwritten by sync
	Tags         []string     `json:"tags,omitempty"`
	ToolMetadata ToolMetadata `json:"tool_metadata"`

	Embedding []float32 `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ServerPrefix returns the SERVER part of the tool's gateway name
func (t *MCPTool) ServerPrefix() string {
	for i := 0; i+1 < len(t.Name); i++ {
		if t.Name[i] == '_' && t.Name[i+1] == '_' {
			return t.Name[:i]
		}
	}
	return ""
}

// MCPServerBundle is the client-facing addressable unit: one user's
// aggregation of configurations, reachable at /mcp?bundle_id=<id>.
type MCPServerBundle struct {
	ID             string `json:"id"`
	UserID         string `json:"user_id"`
	OrganizationID string `json:"organization_id"`
	Name           string `json:"name"`
	BundleKey      string `json:"-"`

	MCPServerConfigurationIDs []string `json:"mcp_server_configuration_ids"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewBundleKey returns a fresh opaque bundle key. Stores persist only a hash
// of it; the plaintext is handed out once at creation time.
func NewBundleKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate bundle key: %w", err)
	}
	return "mgb_" + hex.EncodeToString(buf), nil
}

// MCPSession is one gateway session over a bundle. ExternalMCPSessions maps
// upstream server id to the opaque session id that upstream returned.
type MCPSession struct {
	ID                  string            `json:"id"`
	BundleID            string            `json:"bundle_id"`
	ExternalMCPSessions map[string]string `json:"external_mcp_sessions"`
	LastAccessedAt      time.Time         `json:"last_accessed_at"`
	Deleted             bool              `json:"deleted"`
	CreatedAt           time.Time         `json:"created_at"`
}

// ExecutionStatus is the terminal state of a tool execution
type ExecutionStatus string

const (
	ExecutionSuccess ExecutionStatus = "SUCCESS"
	ExecutionError   ExecutionStatus = "ERROR"
)

// ToolExecution is one audit record of an EXECUTE_TOOL or virtual dispatch
type ToolExecution struct {
	ID         string          `json:"id"`
	BundleID   string          `json:"bundle_id,omitempty"`
	SessionID  string          `json:"session_id,omitempty"`
	ToolName   string          `json:"tool_name"`
	ServerName string          `json:"server_name,omitempty"`
	Status     ExecutionStatus `json:"status"`
	ErrorKind  string          `json:"error_kind,omitempty"`
	LatencyMs  int64           `json:"latency_ms"`
	CreatedAt  time.Time       `json:"created_at"`
}
