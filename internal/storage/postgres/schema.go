package postgres

// schemaVersion tracks the embedded schema in schema_migrations
const schemaVersion = "001_mcpgate_schema"

// schemaSQL is the full gateway schema. Cascade rules mirror the ownership
// chain: server -> configurations -> connected accounts, bundle -> sessions.
// Bundle references to configurations are an ordered array, not a foreign
// key; orphan entries are scrubbed by the access controller.
const schemaSQL = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS organizations (
	id UUID PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	description TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS users (
	id UUID PRIMARY KEY,
	name TEXT NOT NULL,
	email TEXT NOT NULL UNIQUE,
	email_verified BOOLEAN NOT NULL DEFAULT FALSE,
	identity_provider TEXT NOT NULL DEFAULT 'password',
	password_hash TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS teams (
	id UUID PRIMARY KEY,
	organization_id UUID NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
	name TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (organization_id, name)
);

CREATE TABLE IF NOT EXISTS team_members (
	team_id UUID NOT NULL REFERENCES teams(id) ON DELETE CASCADE,
	user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (team_id, user_id)
);

CREATE TABLE IF NOT EXISTS mcp_servers (
	id UUID PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	url TEXT NOT NULL DEFAULT '',
	transport TEXT NOT NULL DEFAULT 'streamable_http',
	description TEXT NOT NULL DEFAULT '',
	categories TEXT[] NOT NULL DEFAULT '{}',
	auth_configs JSONB NOT NULL DEFAULT '[]',
	server_metadata JSONB NOT NULL DEFAULT '{}',
	organization_id UUID REFERENCES organizations(id) ON DELETE CASCADE,
	last_synced_at TIMESTAMPTZ,
	embedding vector(1024),
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS mcp_tools (
	id UUID PRIMARY KEY,
	mcp_server_id UUID NOT NULL REFERENCES mcp_servers(id) ON DELETE CASCADE,
	name TEXT NOT NULL UNIQUE,
	description TEXT NOT NULL DEFAULT '',
	input_schema JSONB NOT NULL DEFAULT '{}',
	tags TEXT[] NOT NULL DEFAULT '{}',
	tool_metadata JSONB NOT NULL DEFAULT '{}',
	embedding vector(1024),
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS mcp_tools_server_idx ON mcp_tools (mcp_server_id);
CREATE INDEX IF NOT EXISTS mcp_tools_embedding_idx ON mcp_tools
	USING hnsw (embedding vector_cosine_ops);

CREATE TABLE IF NOT EXISTS mcp_server_configurations (
	id UUID PRIMARY KEY,
	organization_id UUID NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
	mcp_server_id UUID NOT NULL REFERENCES mcp_servers(id) ON DELETE CASCADE,
	name TEXT NOT NULL,
	auth_type TEXT NOT NULL DEFAULT 'no_auth',
	connected_account_ownership TEXT NOT NULL DEFAULT 'individual',
	all_tools_enabled BOOLEAN NOT NULL DEFAULT TRUE,
	enabled_tools TEXT[] NOT NULL DEFAULT '{}',
	allowed_teams TEXT[] NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (organization_id, name)
);

CREATE INDEX IF NOT EXISTS mcp_server_configurations_server_idx
	ON mcp_server_configurations (mcp_server_id);

CREATE TABLE IF NOT EXISTS connected_accounts (
	id UUID PRIMARY KEY,
	mcp_server_configuration_id UUID NOT NULL REFERENCES mcp_server_configurations(id) ON DELETE CASCADE,
	user_id UUID REFERENCES users(id) ON DELETE CASCADE,
	ownership TEXT NOT NULL,
	auth_credentials_sealed TEXT NOT NULL DEFAULT '',
	key_id TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE UNIQUE INDEX IF NOT EXISTS connected_accounts_individual_idx
	ON connected_accounts (mcp_server_configuration_id, user_id)
	WHERE ownership = 'individual';
CREATE UNIQUE INDEX IF NOT EXISTS connected_accounts_singleton_idx
	ON connected_accounts (mcp_server_configuration_id, ownership)
	WHERE ownership IN ('shared', 'operational');

CREATE TABLE IF NOT EXISTS mcp_server_bundles (
	id UUID PRIMARY KEY,
	user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	organization_id UUID NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
	name TEXT NOT NULL,
	bundle_key_hash TEXT NOT NULL UNIQUE,
	mcp_server_configuration_ids TEXT[] NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS mcp_server_bundles_user_idx
	ON mcp_server_bundles (user_id, organization_id);

CREATE TABLE IF NOT EXISTS mcp_sessions (
	id UUID PRIMARY KEY,
	bundle_id UUID NOT NULL REFERENCES mcp_server_bundles(id) ON DELETE CASCADE,
	external_mcp_sessions JSONB NOT NULL DEFAULT '{}',
	last_accessed_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	deleted BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS mcp_sessions_sweep_idx
	ON mcp_sessions (last_accessed_at)
	WHERE NOT deleted;

CREATE TABLE IF NOT EXISTS tool_executions (
	id UUID PRIMARY KEY,
	bundle_id UUID NOT NULL,
	session_id UUID,
	tool_name TEXT NOT NULL,
	server_name TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	error_kind TEXT NOT NULL DEFAULT '',
	latency_ms BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS tool_executions_bundle_idx
	ON tool_executions (bundle_id, created_at DESC);
`
