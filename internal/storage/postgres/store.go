package postgres

import (
	"context"
	"log"

	"mcpgate/internal/config"
	"mcpgate/internal/crypto"
	"mcpgate/internal/domain"
)

// Store is the main PostgreSQL store that manages all storage operations
type Store struct {
	config *config.DatabaseConfig
	db     *DB

	catalog    *CatalogStore
	accounts   *AccountStore
	bundles    *BundleStore
	sessions   *SessionStore
	identity   *IdentityStore
	executions *ExecutionStore
}

// NewStore creates a new PostgreSQL store. The cipher seals connected
// account credentials at rest.
func NewStore(cfg *config.DatabaseConfig, cipher *crypto.CredentialCipher) (*Store, error) {
	db, err := InitDB(cfg)
	if err != nil {
		return nil, err
	}

	store := &Store{
		config:     cfg,
		db:         db,
		catalog:    NewCatalogStore(db),
		accounts:   NewAccountStore(db, cipher),
		bundles:    NewBundleStore(db),
		sessions:   NewSessionStore(db),
		identity:   NewIdentityStore(db),
		executions: NewExecutionStore(db),
	}

	log.Println("PostgreSQL store initialized successfully")
	return store, nil
}

// Close closes all database connections
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ping verifies database connectivity, for readiness probes
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// DB returns the database connection for direct access
func (s *Store) DB() *DB {
	return s.db
}

// Config returns the database configuration
func (s *Store) Config() *config.DatabaseConfig {
	return s.config
}

// Catalog returns the server and tool repository
func (s *Store) Catalog() domain.CatalogRepository {
	return s.catalog
}

// Accounts returns the configuration and connected-account repository
func (s *Store) Accounts() domain.AccountRepository {
	return s.accounts
}

// Bundles returns the bundle repository
func (s *Store) Bundles() domain.BundleRepository {
	return s.bundles
}

// Sessions returns the session repository
func (s *Store) Sessions() domain.SessionRepository {
	return s.sessions
}

// Identity returns the organization, user and team repository
func (s *Store) Identity() domain.IdentityRepository {
	return s.identity
}

// Executions returns the execution audit repository
func (s *Store) Executions() domain.ExecutionRepository {
	return s.executions
}
