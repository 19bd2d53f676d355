package postgres

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"mcpgate/internal/domain"
)

// BundleStore stores MCP server bundles. Bundle keys are stored as SHA-256
// hashes; the plaintext key is only visible at creation time.
type BundleStore struct {
	db *DB
}

// NewBundleStore creates a bundle store
func NewBundleStore(db *DB) *BundleStore {
	return &BundleStore{db: db}
}

var _ domain.BundleRepository = (*BundleStore)(nil)

func hashBundleKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// CreateBundle creates a bundle. When the bundle carries no key one is
// generated and left on the struct for the caller to hand out once.
func (s *BundleStore) CreateBundle(ctx context.Context, bundle *domain.MCPServerBundle) error {
	if bundle.ID == "" {
		bundle.ID = uuid.New().String()
	}
	if bundle.BundleKey == "" {
		key, err := domain.NewBundleKey()
		if err != nil {
			return err
		}
		bundle.BundleKey = key
	}

	query := `
		INSERT INTO mcp_server_bundles (
			id, user_id, organization_id, name,
			bundle_key_hash, mcp_server_configuration_ids
		) VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := s.db.ExecContext(ctx, query,
		bundle.ID, bundle.UserID, bundle.OrganizationID, bundle.Name,
		hashBundleKey(bundle.BundleKey), pq.Array(bundle.MCPServerConfigurationIDs),
	)

	return err
}

const bundleColumns = `
	id, user_id, organization_id, name,
	mcp_server_configuration_ids, created_at, updated_at
`

// GetBundle retrieves a bundle by ID
func (s *BundleStore) GetBundle(ctx context.Context, bundleID string) (*domain.MCPServerBundle, error) {
	query := `SELECT ` + bundleColumns + ` FROM mcp_server_bundles WHERE id = $1`
	return s.scanBundle(s.db.QueryRowContext(ctx, query, bundleID))
}

// GetBundleByKey retrieves a bundle by its plaintext key
func (s *BundleStore) GetBundleByKey(ctx context.Context, bundleKey string) (*domain.MCPServerBundle, error) {
	query := `SELECT ` + bundleColumns + ` FROM mcp_server_bundles WHERE bundle_key_hash = $1`
	return s.scanBundle(s.db.QueryRowContext(ctx, query, hashBundleKey(bundleKey)))
}

// ListBundles lists every bundle in an organization
func (s *BundleStore) ListBundles(ctx context.Context, organizationID string) ([]*domain.MCPServerBundle, error) {
	query := `
		SELECT ` + bundleColumns + `
		FROM mcp_server_bundles
		WHERE organization_id = $1
		ORDER BY name
	`
	return s.queryBundles(ctx, query, organizationID)
}

// ListBundlesByUser lists a user's bundles within one organization
func (s *BundleStore) ListBundlesByUser(ctx context.Context, userID, organizationID string) ([]*domain.MCPServerBundle, error) {
	query := `
		SELECT ` + bundleColumns + `
		FROM mcp_server_bundles
		WHERE user_id = $1 AND organization_id = $2
		ORDER BY name
	`
	return s.queryBundles(ctx, query, userID, organizationID)
}

// ListBundlesReferencing lists the org's bundles whose configuration list
// contains the given configuration id
func (s *BundleStore) ListBundlesReferencing(ctx context.Context, organizationID, cfgID string) ([]*domain.MCPServerBundle, error) {
	query := `
		SELECT ` + bundleColumns + `
		FROM mcp_server_bundles
		WHERE organization_id = $1
		  AND $2 = ANY(mcp_server_configuration_ids)
		ORDER BY name
	`
	return s.queryBundles(ctx, query, organizationID, cfgID)
}

// UpdateBundleConfigurations replaces a bundle's ordered configuration list
func (s *BundleStore) UpdateBundleConfigurations(ctx context.Context, bundleID string, cfgIDs []string) error {
	query := `
		UPDATE mcp_server_bundles SET
			mcp_server_configuration_ids = $2, updated_at = NOW()
		WHERE id = $1
	`
	_, err := s.db.ExecContext(ctx, query, bundleID, pq.Array(cfgIDs))
	return err
}

// DeleteBundle deletes a bundle; its sessions go with it via cascade
func (s *BundleStore) DeleteBundle(ctx context.Context, bundleID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM mcp_server_bundles WHERE id = $1", bundleID)
	return err
}

func (s *BundleStore) queryBundles(ctx context.Context, query string, args ...any) ([]*domain.MCPServerBundle, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bundles []*domain.MCPServerBundle
	for rows.Next() {
		bundle, err := s.scanBundleFromRows(rows)
		if err != nil {
			return nil, err
		}
		bundles = append(bundles, bundle)
	}

	return bundles, rows.Err()
}

func (s *BundleStore) scanBundle(row *sql.Row) (*domain.MCPServerBundle, error) {
	var bundle domain.MCPServerBundle

	err := row.Scan(
		&bundle.ID, &bundle.UserID, &bundle.OrganizationID, &bundle.Name,
		pq.Array(&bundle.MCPServerConfigurationIDs), &bundle.CreatedAt, &bundle.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &bundle, nil
}

func (s *BundleStore) scanBundleFromRows(rows *sql.Rows) (*domain.MCPServerBundle, error) {
	var bundle domain.MCPServerBundle

	err := rows.Scan(
		&bundle.ID, &bundle.UserID, &bundle.OrganizationID, &bundle.Name,
		pq.Array(&bundle.MCPServerConfigurationIDs), &bundle.CreatedAt, &bundle.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	return &bundle, nil
}
