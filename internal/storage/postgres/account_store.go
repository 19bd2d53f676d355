package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"mcpgate/internal/crypto"
	"mcpgate/internal/domain"
)

// AccountStore stores server configurations and connected accounts.
// Credential material is sealed with the cipher before it touches a column.
type AccountStore struct {
	db     *DB
	cipher *crypto.CredentialCipher
}

// NewAccountStore creates an account store
func NewAccountStore(db *DB, cipher *crypto.CredentialCipher) *AccountStore {
	return &AccountStore{db: db, cipher: cipher}
}

var _ domain.AccountRepository = (*AccountStore)(nil)

// marshalCredentialsForStorage bypasses the masking MarshalJSON so the
// sealed payload holds the real tokens, not "***"
func marshalCredentialsForStorage(creds domain.AuthCredentials) ([]byte, error) {
	type plain domain.AuthCredentials
	return json.Marshal(plain(creds))
}

func (s *AccountStore) sealCredentials(creds domain.AuthCredentials) (string, error) {
	payload, err := marshalCredentialsForStorage(creds)
	if err != nil {
		return "", fmt.Errorf("marshal credentials: %w", err)
	}
	sealed, err := s.cipher.Seal(payload)
	if err != nil {
		return "", fmt.Errorf("seal credentials: %w", err)
	}
	return sealed, nil
}

func (s *AccountStore) openCredentials(sealed string) (domain.AuthCredentials, error) {
	var creds domain.AuthCredentials
	payload, err := s.cipher.Open(sealed)
	if err != nil {
		return creds, fmt.Errorf("open credentials: %w", err)
	}
	if len(payload) == 0 {
		return creds, nil
	}
	if err := json.Unmarshal(payload, &creds); err != nil {
		return creds, fmt.Errorf("unmarshal credentials: %w", err)
	}
	return creds, nil
}

// CreateMCPServerConfiguration creates a new server configuration
func (s *AccountStore) CreateMCPServerConfiguration(ctx context.Context, cfg *domain.MCPServerConfiguration) error {
	if cfg.ID == "" {
		cfg.ID = uuid.New().String()
	}

	query := `
		INSERT INTO mcp_server_configurations (
			id, organization_id, mcp_server_id, name,
			auth_type, connected_account_ownership,
			all_tools_enabled, enabled_tools, allowed_teams
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err := s.db.ExecContext(ctx, query,
		cfg.ID, cfg.OrganizationID, cfg.MCPServerID, cfg.Name,
		cfg.AuthType, cfg.ConnectedAccountOwnership,
		cfg.AllToolsEnabled, pq.Array(cfg.EnabledTools), pq.Array(cfg.AllowedTeams),
	)

	return err
}

// UpdateMCPServerConfiguration updates an existing configuration
func (s *AccountStore) UpdateMCPServerConfiguration(ctx context.Context, cfg *domain.MCPServerConfiguration) error {
	query := `
		UPDATE mcp_server_configurations SET
			name = $2, auth_type = $3, connected_account_ownership = $4,
			all_tools_enabled = $5, enabled_tools = $6, allowed_teams = $7,
			updated_at = NOW()
		WHERE id = $1
	`

	_, err := s.db.ExecContext(ctx, query,
		cfg.ID, cfg.Name, cfg.AuthType, cfg.ConnectedAccountOwnership,
		cfg.AllToolsEnabled, pq.Array(cfg.EnabledTools), pq.Array(cfg.AllowedTeams),
	)

	return err
}

// DeleteMCPServerConfiguration deletes a configuration; connected accounts
// go with it via cascade
func (s *AccountStore) DeleteMCPServerConfiguration(ctx context.Context, cfgID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM mcp_server_configurations WHERE id = $1", cfgID)
	return err
}

const configurationColumns = `
	id, organization_id, mcp_server_id, name,
	auth_type, connected_account_ownership,
	all_tools_enabled, enabled_tools, allowed_teams,
	created_at, updated_at
`

// GetMCPServerConfiguration retrieves a configuration by ID
func (s *AccountStore) GetMCPServerConfiguration(ctx context.Context, cfgID string) (*domain.MCPServerConfiguration, error) {
	query := `SELECT ` + configurationColumns + ` FROM mcp_server_configurations WHERE id = $1`
	return s.scanConfiguration(s.db.QueryRowContext(ctx, query, cfgID))
}

// ListMCPServerConfigurations lists an organization's configurations
func (s *AccountStore) ListMCPServerConfigurations(ctx context.Context, organizationID string) ([]*domain.MCPServerConfiguration, error) {
	query := `
		SELECT ` + configurationColumns + `
		FROM mcp_server_configurations
		WHERE organization_id = $1
		ORDER BY name
	`
	return s.queryConfigurations(ctx, query, organizationID)
}

// ListConfigurationsByServer lists every configuration pointing at a server
func (s *AccountStore) ListConfigurationsByServer(ctx context.Context, serverID string) ([]*domain.MCPServerConfiguration, error) {
	query := `
		SELECT ` + configurationColumns + `
		FROM mcp_server_configurations
		WHERE mcp_server_id = $1
		ORDER BY name
	`
	return s.queryConfigurations(ctx, query, serverID)
}

func (s *AccountStore) queryConfigurations(ctx context.Context, query string, args ...any) ([]*domain.MCPServerConfiguration, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cfgs []*domain.MCPServerConfiguration
	for rows.Next() {
		cfg, err := s.scanConfigurationFromRows(rows)
		if err != nil {
			return nil, err
		}
		cfgs = append(cfgs, cfg)
	}

	return cfgs, rows.Err()
}

func (s *AccountStore) scanConfiguration(row *sql.Row) (*domain.MCPServerConfiguration, error) {
	var cfg domain.MCPServerConfiguration

	err := row.Scan(
		&cfg.ID, &cfg.OrganizationID, &cfg.MCPServerID, &cfg.Name,
		&cfg.AuthType, &cfg.ConnectedAccountOwnership,
		&cfg.AllToolsEnabled, pq.Array(&cfg.EnabledTools), pq.Array(&cfg.AllowedTeams),
		&cfg.CreatedAt, &cfg.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (s *AccountStore) scanConfigurationFromRows(rows *sql.Rows) (*domain.MCPServerConfiguration, error) {
	var cfg domain.MCPServerConfiguration

	err := rows.Scan(
		&cfg.ID, &cfg.OrganizationID, &cfg.MCPServerID, &cfg.Name,
		&cfg.AuthType, &cfg.ConnectedAccountOwnership,
		&cfg.AllToolsEnabled, pq.Array(&cfg.EnabledTools), pq.Array(&cfg.AllowedTeams),
		&cfg.CreatedAt, &cfg.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}

// GetConnectedAccount retrieves the account selected by the ownership rule:
// individual matches the embedded user id, shared and operational match the
// single account of that ownership.
func (s *AccountStore) GetConnectedAccount(ctx context.Context, cfgID string, owner domain.Ownership) (*domain.ConnectedAccount, error) {
	var row *sql.Row
	if owner.Type == domain.OwnershipIndividual {
		query := `
			SELECT id, mcp_server_configuration_id, user_id, ownership,
				auth_credentials_sealed, created_at, updated_at
			FROM connected_accounts
			WHERE mcp_server_configuration_id = $1
			  AND ownership = 'individual'
			  AND user_id = $2
		`
		row = s.db.QueryRowContext(ctx, query, cfgID, owner.UserID)
	} else {
		query := `
			SELECT id, mcp_server_configuration_id, user_id, ownership,
				auth_credentials_sealed, created_at, updated_at
			FROM connected_accounts
			WHERE mcp_server_configuration_id = $1
			  AND ownership = $2
		`
		row = s.db.QueryRowContext(ctx, query, cfgID, owner.Type)
	}

	return s.scanConnectedAccount(row)
}

// UpsertConnectedAccount inserts or replaces the account for its ownership
// slot. The partial unique indexes guarantee one individual account per
// (user, configuration) and one shared/operational account per configuration.
func (s *AccountStore) UpsertConnectedAccount(ctx context.Context, account *domain.ConnectedAccount) error {
	if account.ID == "" {
		account.ID = uuid.New().String()
	}
	if err := account.Ownership.Validate(); err != nil {
		return err
	}

	sealed, err := s.sealCredentials(account.AuthCredentials)
	if err != nil {
		return err
	}

	var query string
	if account.Ownership.Type == domain.OwnershipIndividual {
		query = `
			INSERT INTO connected_accounts (
				id, mcp_server_configuration_id, user_id, ownership,
				auth_credentials_sealed, key_id
			) VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (mcp_server_configuration_id, user_id) WHERE ownership = 'individual'
			DO UPDATE SET
				auth_credentials_sealed = EXCLUDED.auth_credentials_sealed,
				key_id = EXCLUDED.key_id,
				updated_at = NOW()
		`
	} else {
		query = `
			INSERT INTO connected_accounts (
				id, mcp_server_configuration_id, user_id, ownership,
				auth_credentials_sealed, key_id
			) VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (mcp_server_configuration_id, ownership) WHERE ownership IN ('shared', 'operational')
			DO UPDATE SET
				auth_credentials_sealed = EXCLUDED.auth_credentials_sealed,
				key_id = EXCLUDED.key_id,
				updated_at = NOW()
		`
	}

	_, err = s.db.ExecContext(ctx, query,
		account.ID, account.MCPServerConfigurationID,
		nullableString(account.Ownership.UserID), account.Ownership.Type,
		sealed, s.cipher.KeyID(),
	)

	return err
}

// UpdateConnectedAccountCredentials persists refreshed credentials for an
// account in one write
func (s *AccountStore) UpdateConnectedAccountCredentials(ctx context.Context, accountID string, creds domain.AuthCredentials) error {
	sealed, err := s.sealCredentials(creds)
	if err != nil {
		return err
	}

	query := `
		UPDATE connected_accounts SET
			auth_credentials_sealed = $2, key_id = $3, updated_at = NOW()
		WHERE id = $1
	`
	_, err = s.db.ExecContext(ctx, query, accountID, sealed, s.cipher.KeyID())
	return err
}

// DeleteConnectedAccount deletes an account by ID
func (s *AccountStore) DeleteConnectedAccount(ctx context.Context, accountID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM connected_accounts WHERE id = $1", accountID)
	return err
}

// ListConnectedAccounts lists every account of a configuration
func (s *AccountStore) ListConnectedAccounts(ctx context.Context, cfgID string) ([]*domain.ConnectedAccount, error) {
	query := `
		SELECT id, mcp_server_configuration_id, user_id, ownership,
			auth_credentials_sealed, created_at, updated_at
		FROM connected_accounts
		WHERE mcp_server_configuration_id = $1
		ORDER BY created_at
	`

	rows, err := s.db.QueryContext(ctx, query, cfgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []*domain.ConnectedAccount
	for rows.Next() {
		account, err := s.scanConnectedAccountFromRows(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, account)
	}

	return accounts, rows.Err()
}

func (s *AccountStore) scanConnectedAccount(row *sql.Row) (*domain.ConnectedAccount, error) {
	var account domain.ConnectedAccount
	var userID sql.NullString
	var ownershipType string
	var sealed string

	err := row.Scan(
		&account.ID, &account.MCPServerConfigurationID, &userID, &ownershipType,
		&sealed, &account.CreatedAt, &account.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	account.Ownership = domain.Ownership{Type: domain.OwnershipType(ownershipType), UserID: userID.String}
	account.AuthCredentials, err = s.openCredentials(sealed)
	if err != nil {
		return nil, err
	}

	return &account, nil
}

func (s *AccountStore) scanConnectedAccountFromRows(rows *sql.Rows) (*domain.ConnectedAccount, error) {
	var account domain.ConnectedAccount
	var userID sql.NullString
	var ownershipType string
	var sealed string

	err := rows.Scan(
		&account.ID, &account.MCPServerConfigurationID, &userID, &ownershipType,
		&sealed, &account.CreatedAt, &account.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	account.Ownership = domain.Ownership{Type: domain.OwnershipType(ownershipType), UserID: userID.String}
	account.AuthCredentials, err = s.openCredentials(sealed)
	if err != nil {
		return nil, err
	}

	return &account, nil
}
