package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"

	"mcpgate/internal/domain"
)

// CatalogStore stores MCP servers and tools
type CatalogStore struct {
	db *DB
}

// NewCatalogStore creates a catalog store
func NewCatalogStore(db *DB) *CatalogStore {
	return &CatalogStore{db: db}
}

var _ domain.CatalogRepository = (*CatalogStore)(nil)

// marshalAuthConfigsForStorage bypasses the masking MarshalJSON so the
// database holds the real secrets, not "***"
func marshalAuthConfigsForStorage(configs []domain.AuthConfig) ([]byte, error) {
	type plain domain.AuthConfig
	out := make([]plain, len(configs))
	for i, c := range configs {
		out[i] = plain(c)
	}
	return json.Marshal(out)
}

// nullableVector maps an empty embedding to NULL
func nullableVector(v []float32) any {
	if len(v) == 0 {
		return nil
	}
	return pgvector.NewVector(v)
}

// nullableString maps an empty string to NULL for UUID columns
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// CreateMCPServer creates a new MCP server
func (s *CatalogStore) CreateMCPServer(ctx context.Context, server *domain.MCPServer) error {
	if server.ID == "" {
		server.ID = uuid.New().String()
	}

	authConfigs, _ := marshalAuthConfigsForStorage(server.AuthConfigs)
	metadata, _ := json.Marshal(server.ServerMetadata)

	query := `
		INSERT INTO mcp_servers (
			id, name, url, transport, description,
			categories, auth_configs, server_metadata,
			organization_id, embedding
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::vector)
	`

	var orgID any
	if server.OrganizationID != nil {
		orgID = *server.OrganizationID
	}

	_, err := s.db.ExecContext(ctx, query,
		server.ID, server.Name, server.URL, server.Transport, server.Description,
		pq.Array(server.Categories), authConfigs, metadata,
		orgID, nullableVector(server.Embedding),
	)

	return err
}

// UpdateMCPServer updates an existing MCP server. The embedding column is
// only touched when a vector is supplied.
func (s *CatalogStore) UpdateMCPServer(ctx context.Context, server *domain.MCPServer) error {
	authConfigs, _ := marshalAuthConfigsForStorage(server.AuthConfigs)
	metadata, _ := json.Marshal(server.ServerMetadata)

	query := `
		UPDATE mcp_servers SET
			name = $2, url = $3, transport = $4, description = $5,
			categories = $6, auth_configs = $7, server_metadata = $8,
			embedding = COALESCE($9::vector, embedding),
			updated_at = NOW()
		WHERE id = $1
	`

	_, err := s.db.ExecContext(ctx, query,
		server.ID, server.Name, server.URL, server.Transport, server.Description,
		pq.Array(server.Categories), authConfigs, metadata,
		nullableVector(server.Embedding),
	)

	return err
}

// DeleteMCPServer deletes an MCP server; configurations, accounts and tools
// go with it via cascade
func (s *CatalogStore) DeleteMCPServer(ctx context.Context, serverID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM mcp_servers WHERE id = $1", serverID)
	return err
}

const serverColumns = `
	id, name, url, transport, description,
	categories, auth_configs, server_metadata,
	organization_id, last_synced_at, created_at, updated_at
`

// GetMCPServer retrieves an MCP server by ID
func (s *CatalogStore) GetMCPServer(ctx context.Context, serverID string) (*domain.MCPServer, error) {
	query := `SELECT ` + serverColumns + ` FROM mcp_servers WHERE id = $1`
	return s.scanMCPServer(s.db.QueryRowContext(ctx, query, serverID))
}

// GetMCPServerByName retrieves an MCP server by its globally unique name
func (s *CatalogStore) GetMCPServerByName(ctx context.Context, name string) (*domain.MCPServer, error) {
	query := `SELECT ` + serverColumns + ` FROM mcp_servers WHERE name = $1`
	return s.scanMCPServer(s.db.QueryRowContext(ctx, query, name))
}

// ListMCPServers lists the org's servers plus the public ones
func (s *CatalogStore) ListMCPServers(ctx context.Context, organizationID string) ([]*domain.MCPServer, error) {
	query := `
		SELECT ` + serverColumns + `
		FROM mcp_servers
		WHERE organization_id IS NULL OR organization_id = $1
		ORDER BY name
	`

	rows, err := s.db.QueryContext(ctx, query, organizationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var servers []*domain.MCPServer
	for rows.Next() {
		server, err := s.scanMCPServerFromRows(rows)
		if err != nil {
			return nil, err
		}
		servers = append(servers, server)
	}

	return servers, rows.Err()
}

func (s *CatalogStore) scanMCPServer(row *sql.Row) (*domain.MCPServer, error) {
	var server domain.MCPServer
	var authConfigs, metadata []byte
	var orgID sql.NullString
	var lastSyncedAt sql.NullTime

	err := row.Scan(
		&server.ID, &server.Name, &server.URL, &server.Transport, &server.Description,
		pq.Array(&server.Categories), &authConfigs, &metadata,
		&orgID, &lastSyncedAt, &server.CreatedAt, &server.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	_ = json.Unmarshal(authConfigs, &server.AuthConfigs)
	_ = json.Unmarshal(metadata, &server.ServerMetadata)

	if orgID.Valid {
		server.OrganizationID = &orgID.String
	}
	if lastSyncedAt.Valid {
		server.LastSyncedAt = &lastSyncedAt.Time
	}

	return &server, nil
}

func (s *CatalogStore) scanMCPServerFromRows(rows *sql.Rows) (*domain.MCPServer, error) {
	var server domain.MCPServer
	var authConfigs, metadata []byte
	var orgID sql.NullString
	var lastSyncedAt sql.NullTime

	err := rows.Scan(
		&server.ID, &server.Name, &server.URL, &server.Transport, &server.Description,
		pq.Array(&server.Categories), &authConfigs, &metadata,
		&orgID, &lastSyncedAt, &server.CreatedAt, &server.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	_ = json.Unmarshal(authConfigs, &server.AuthConfigs)
	_ = json.Unmarshal(metadata, &server.ServerMetadata)

	if orgID.Valid {
		server.OrganizationID = &orgID.String
	}
	if lastSyncedAt.Valid {
		server.LastSyncedAt = &lastSyncedAt.Time
	}

	return &server, nil
}

const toolColumns = `
	id, mcp_server_id, name, description,
	input_schema, tags, tool_metadata, created_at, updated_at
`

// GetMCPTool retrieves an MCP tool by ID
func (s *CatalogStore) GetMCPTool(ctx context.Context, toolID string) (*domain.MCPTool, error) {
	query := `SELECT ` + toolColumns + ` FROM mcp_tools WHERE id = $1`
	return s.scanMCPTool(s.db.QueryRowContext(ctx, query, toolID))
}

// GetMCPToolByName retrieves an MCP tool by its globally unique gateway name
func (s *CatalogStore) GetMCPToolByName(ctx context.Context, name string) (*domain.MCPTool, error) {
	query := `SELECT ` + toolColumns + ` FROM mcp_tools WHERE name = $1`
	return s.scanMCPTool(s.db.QueryRowContext(ctx, query, name))
}

// ListMCPTools lists all tools of a server ordered by name
func (s *CatalogStore) ListMCPTools(ctx context.Context, serverID string) ([]*domain.MCPTool, error) {
	query := `
		SELECT ` + toolColumns + `
		FROM mcp_tools
		WHERE mcp_server_id = $1
		ORDER BY name
	`
	return s.queryMCPTools(ctx, query, serverID)
}

// SearchTools runs the filtered catalog search. With a query vector the
// result is ordered by cosine similarity, otherwise by name.
func (s *CatalogStore) SearchTools(ctx context.Context, q domain.ToolSearchQuery) ([]*domain.MCPTool, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	allowed := pq.Array(q.AllowedServerIDs)
	disabled := pq.Array(q.DisabledToolIDs)

	if len(q.QueryVector) > 0 {
		query := `
			SELECT ` + toolColumns + `,
				1 - (embedding <=> $3::vector) AS similarity
			FROM mcp_tools
			WHERE mcp_server_id = ANY($1)
			  AND NOT (id = ANY($2))
			  AND embedding IS NOT NULL
			ORDER BY similarity DESC
			LIMIT $4 OFFSET $5
		`

		rows, err := s.db.QueryContext(ctx, query,
			allowed, disabled, pgvector.NewVector(q.QueryVector), limit, offset)
		if err != nil {
			return nil, fmt.Errorf("failed to search tools: %w", err)
		}
		defer rows.Close()

		var tools []*domain.MCPTool
		for rows.Next() {
			var tool domain.MCPTool
			var inputSchema, metadata []byte
			var similarity float64

			err := rows.Scan(
				&tool.ID, &tool.MCPServerID, &tool.Name, &tool.Description,
				&inputSchema, pq.Array(&tool.Tags), &metadata,
				&tool.CreatedAt, &tool.UpdatedAt, &similarity,
			)
			if err != nil {
				return nil, err
			}

			_ = json.Unmarshal(inputSchema, &tool.InputSchema)
			_ = json.Unmarshal(metadata, &tool.ToolMetadata)
			tools = append(tools, &tool)
		}

		return tools, rows.Err()
	}

	query := `
		SELECT ` + toolColumns + `
		FROM mcp_tools
		WHERE mcp_server_id = ANY($1)
		  AND NOT (id = ANY($2))
		ORDER BY name
		LIMIT $3 OFFSET $4
	`
	return s.queryMCPTools(ctx, query, allowed, disabled, limit, offset)
}

// UpdateToolTags replaces a tool's user-curated tags
func (s *CatalogStore) UpdateToolTags(ctx context.Context, toolID string, tags []string) error {
	query := `UPDATE mcp_tools SET tags = $2, updated_at = NOW() WHERE id = $1`
	_, err := s.db.ExecContext(ctx, query, toolID, pq.Array(tags))
	return err
}

// ApplyToolSync applies one sync batch in a single transaction and stamps
// the server's last_synced_at. A partial failure rolls everything back.
func (s *CatalogStore) ApplyToolSync(ctx context.Context, serverID string, batch domain.ToolSyncBatch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, tool := range batch.Create {
		if tool.ID == "" {
			tool.ID = uuid.New().String()
		}

		inputSchema, _ := json.Marshal(tool.InputSchema)
		metadata, _ := json.Marshal(tool.ToolMetadata)

		_, err := tx.ExecContext(ctx, `
			INSERT INTO mcp_tools (
				id, mcp_server_id, name, description,
				input_schema, tags, tool_metadata, embedding
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8::vector)
		`,
			tool.ID, serverID, tool.Name, tool.Description,
			inputSchema, pq.Array(tool.Tags), metadata,
			nullableVector(tool.Embedding),
		)
		if err != nil {
			return fmt.Errorf("create tool %s: %w", tool.Name, err)
		}
	}

	for _, tool := range batch.Update {
		inputSchema, _ := json.Marshal(tool.InputSchema)
		metadata, _ := json.Marshal(tool.ToolMetadata)

		_, err := tx.ExecContext(ctx, `
			UPDATE mcp_tools SET
				description = $2,
				input_schema = $3,
				tags = $4,
				tool_metadata = $5,
				embedding = COALESCE($6::vector, embedding),
				updated_at = NOW()
			WHERE id = $1
		`,
			tool.ID, tool.Description, inputSchema,
			pq.Array(tool.Tags), metadata,
			nullableVector(tool.Embedding),
		)
		if err != nil {
			return fmt.Errorf("update tool %s: %w", tool.Name, err)
		}
	}

	if len(batch.DeleteIDs) > 0 {
		_, err := tx.ExecContext(ctx,
			"DELETE FROM mcp_tools WHERE id = ANY($1)", pq.Array(batch.DeleteIDs))
		if err != nil {
			return fmt.Errorf("delete tools: %w", err)
		}
	}

	syncedAt := batch.SyncedAt
	if syncedAt.IsZero() {
		syncedAt = time.Now().UTC()
	}
	_, err = tx.ExecContext(ctx,
		"UPDATE mcp_servers SET last_synced_at = $2, updated_at = NOW() WHERE id = $1",
		serverID, syncedAt)
	if err != nil {
		return fmt.Errorf("stamp last_synced_at: %w", err)
	}

	return tx.Commit()
}

func (s *CatalogStore) queryMCPTools(ctx context.Context, query string, args ...any) ([]*domain.MCPTool, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tools []*domain.MCPTool
	for rows.Next() {
		tool, err := s.scanMCPToolFromRows(rows)
		if err != nil {
			return nil, err
		}
		tools = append(tools, tool)
	}

	return tools, rows.Err()
}

func (s *CatalogStore) scanMCPTool(row *sql.Row) (*domain.MCPTool, error) {
	var tool domain.MCPTool
	var inputSchema, metadata []byte

	err := row.Scan(
		&tool.ID, &tool.MCPServerID, &tool.Name, &tool.Description,
		&inputSchema, pq.Array(&tool.Tags), &metadata,
		&tool.CreatedAt, &tool.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	_ = json.Unmarshal(inputSchema, &tool.InputSchema)
	_ = json.Unmarshal(metadata, &tool.ToolMetadata)

	return &tool, nil
}

func (s *CatalogStore) scanMCPToolFromRows(rows *sql.Rows) (*domain.MCPTool, error) {
	var tool domain.MCPTool
	var inputSchema, metadata []byte

	err := rows.Scan(
		&tool.ID, &tool.MCPServerID, &tool.Name, &tool.Description,
		&inputSchema, pq.Array(&tool.Tags), &metadata,
		&tool.CreatedAt, &tool.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	_ = json.Unmarshal(inputSchema, &tool.InputSchema)
	_ = json.Unmarshal(metadata, &tool.ToolMetadata)

	return &tool, nil
}
