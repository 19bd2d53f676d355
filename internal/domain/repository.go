package domain

import (
	"context"
	"time"
)

// ToolSearchQuery filters a catalog search. AllowedServerIDs is the positive
// filter, DisabledToolIDs the negative one. A nil QueryVector orders by name
// instead of cosine distance.
type ToolSearchQuery struct {
	AllowedServerIDs []string
	DisabledToolIDs  []string
	QueryVector      []float32
	Limit            int
	Offset           int
}

// ToolSyncBatch is one atomic catalog apply from a sync run. Update entries
// with a nil embedding keep their stored vector.
type ToolSyncBatch struct {
	Create    []*MCPTool
	Update    []*MCPTool
	DeleteIDs []string
	SyncedAt  time.Time
}

// CatalogRepository stores MCP servers and their tools. Lookups return
// (nil, nil) when the row does not exist.
type CatalogRepository interface {
	CreateMCPServer(ctx context.Context, server *MCPServer) error
	UpdateMCPServer(ctx context.Context, server *MCPServer) error
	DeleteMCPServer(ctx context.Context, serverID string) error
	GetMCPServer(ctx context.Context, serverID string) (*MCPServer, error)
	GetMCPServerByName(ctx context.Context, name string) (*MCPServer, error)
	ListMCPServers(ctx context.Context, organizationID string) ([]*MCPServer, error)

	GetMCPTool(ctx context.Context, toolID string) (*MCPTool, error)
	GetMCPToolByName(ctx context.Context, name string) (*MCPTool, error)
	ListMCPTools(ctx context.Context, serverID string) ([]*MCPTool, error)
	SearchTools(ctx context.Context, q ToolSearchQuery) ([]*MCPTool, error)
	UpdateToolTags(ctx context.Context, toolID string, tags []string) error

	// ApplyToolSync applies a full sync batch and stamps the server's
	// last_synced_at in a single transaction.
	ApplyToolSync(ctx context.Context, serverID string, batch ToolSyncBatch) error
}

// AccountRepository stores server configurations and connected accounts
type AccountRepository interface {
	CreateMCPServerConfiguration(ctx context.Context, cfg *MCPServerConfiguration) error
	UpdateMCPServerConfiguration(ctx context.Context, cfg *MCPServerConfiguration) error
	DeleteMCPServerConfiguration(ctx context.Context, cfgID string) error
	GetMCPServerConfiguration(ctx context.Context, cfgID string) (*MCPServerConfiguration, error)
	ListMCPServerConfigurations(ctx context.Context, organizationID string) ([]*MCPServerConfiguration, error)
	ListConfigurationsByServer(ctx context.Context, serverID string) ([]*MCPServerConfiguration, error)

	// GetConnectedAccount applies the ownership selection rule: individual
	// ownership matches on the embedded user id, shared and operational
	// match the single account of that ownership for the configuration.
	GetConnectedAccount(ctx context.Context, cfgID string, owner Ownership) (*ConnectedAccount, error)
	UpsertConnectedAccount(ctx context.Context, account *ConnectedAccount) error
	UpdateConnectedAccountCredentials(ctx context.Context, accountID string, creds AuthCredentials) error
	DeleteConnectedAccount(ctx context.Context, accountID string) error
	ListConnectedAccounts(ctx context.Context, cfgID string) ([]*ConnectedAccount, error)
}

// BundleRepository stores server bundles
type BundleRepository interface {
	CreateBundle(ctx context.Context, bundle *MCPServerBundle) error
	GetBundle(ctx context.Context, bundleID string) (*MCPServerBundle, error)
	GetBundleByKey(ctx context.Context, bundleKey string) (*MCPServerBundle, error)
	ListBundles(ctx context.Context, organizationID string) ([]*MCPServerBundle, error)
	ListBundlesByUser(ctx context.Context, userID, organizationID string) ([]*MCPServerBundle, error)
	ListBundlesReferencing(ctx context.Context, organizationID, cfgID string) ([]*MCPServerBundle, error)
	UpdateBundleConfigurations(ctx context.Context, bundleID string, cfgIDs []string) error
	DeleteBundle(ctx context.Context, bundleID string) error
}

// SessionRepository stores gateway sessions. Soft-deleted sessions are
// invisible to GetSession.
type SessionRepository interface {
	CreateSession(ctx context.Context, session *MCPSession) error
	GetSession(ctx context.Context, sessionID string) (*MCPSession, error)
	TouchSession(ctx context.Context, sessionID string, at time.Time) error

	// MergeExternalSession merges one server's upstream session id into
	// external_mcp_sessions against the latest persisted value, under a row
	// lock so concurrent merges on the same session cannot drop entries.
	MergeExternalSession(ctx context.Context, sessionID, serverID, upstreamSessionID string) error

	SoftDeleteSession(ctx context.Context, sessionID string) error
	SweepIdleSessions(ctx context.Context, idleBefore time.Time) (int, error)
}

// IdentityRepository stores organizations, users, teams and memberships
type IdentityRepository interface {
	CreateOrganization(ctx context.Context, org *Organization) error
	GetOrganization(ctx context.Context, orgID string) (*Organization, error)
	GetOrganizationByName(ctx context.Context, name string) (*Organization, error)

	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, userID string) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)

	CreateTeam(ctx context.Context, team *Team) error
	GetTeam(ctx context.Context, teamID string) (*Team, error)
	ListTeams(ctx context.Context, organizationID string) ([]*Team, error)
	AddTeamMember(ctx context.Context, teamID, userID string) error
	RemoveTeamMember(ctx context.Context, teamID, userID string) error

	// ListUserTeams returns the ids of the user's teams within one org
	ListUserTeams(ctx context.Context, userID, organizationID string) ([]string, error)
}

// ExecutionRepository records tool executions for the admin audit trail
type ExecutionRepository interface {
	LogToolExecution(ctx context.Context, exec *ToolExecution) error
	ListToolExecutions(ctx context.Context, bundleID string, limit, offset int) ([]*ToolExecution, int, error)
}
