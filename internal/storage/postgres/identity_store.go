package postgres

import (
	"context"
	"database/sql"
	"strings"

	"github.com/google/uuid"

	"mcpgate/internal/domain"
)

// IdentityStore stores organizations, users, teams and team memberships
type IdentityStore struct {
	db *DB
}

// NewIdentityStore creates an identity store
func NewIdentityStore(db *DB) *IdentityStore {
	return &IdentityStore{db: db}
}

var _ domain.IdentityRepository = (*IdentityStore)(nil)

// CreateOrganization creates an organization
func (s *IdentityStore) CreateOrganization(ctx context.Context, org *domain.Organization) error {
	if org.ID == "" {
		org.ID = uuid.New().String()
	}

	query := `INSERT INTO organizations (id, name, description) VALUES ($1, $2, $3)`
	_, err := s.db.ExecContext(ctx, query, org.ID, org.Name, org.Description)
	return err
}

// GetOrganization retrieves an organization by ID
func (s *IdentityStore) GetOrganization(ctx context.Context, orgID string) (*domain.Organization, error) {
	query := `SELECT id, name, description, created_at FROM organizations WHERE id = $1`
	return s.scanOrganization(s.db.QueryRowContext(ctx, query, orgID))
}

// GetOrganizationByName retrieves an organization by its case-sensitive name
func (s *IdentityStore) GetOrganizationByName(ctx context.Context, name string) (*domain.Organization, error) {
	query := `SELECT id, name, description, created_at FROM organizations WHERE name = $1`
	return s.scanOrganization(s.db.QueryRowContext(ctx, query, name))
}

func (s *IdentityStore) scanOrganization(row *sql.Row) (*domain.Organization, error) {
	var org domain.Organization

	err := row.Scan(&org.ID, &org.Name, &org.Description, &org.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &org, nil
}

// CreateUser creates a user. Emails are stored lowercased.
func (s *IdentityStore) CreateUser(ctx context.Context, user *domain.User) error {
	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	user.Email = strings.ToLower(user.Email)

	query := `
		INSERT INTO users (id, name, email, email_verified, identity_provider, password_hash)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := s.db.ExecContext(ctx, query,
		user.ID, user.Name, user.Email, user.EmailVerified,
		user.IdentityProvider, user.PasswordHash,
	)
	return err
}

// GetUser retrieves a user by ID
func (s *IdentityStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	query := `
		SELECT id, name, email, email_verified, identity_provider, password_hash, created_at, updated_at
		FROM users WHERE id = $1
	`
	return s.scanUser(s.db.QueryRowContext(ctx, query, userID))
}

// GetUserByEmail retrieves a user by email, case-insensitively
func (s *IdentityStore) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	query := `
		SELECT id, name, email, email_verified, identity_provider, password_hash, created_at, updated_at
		FROM users WHERE email = $1
	`
	return s.scanUser(s.db.QueryRowContext(ctx, query, strings.ToLower(email)))
}

func (s *IdentityStore) scanUser(row *sql.Row) (*domain.User, error) {
	var user domain.User

	err := row.Scan(
		&user.ID, &user.Name, &user.Email, &user.EmailVerified,
		&user.IdentityProvider, &user.PasswordHash, &user.CreatedAt, &user.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &user, nil
}

// CreateTeam creates a team in an organization
func (s *IdentityStore) CreateTeam(ctx context.Context, team *domain.Team) error {
	if team.ID == "" {
		team.ID = uuid.New().String()
	}

	query := `INSERT INTO teams (id, organization_id, name) VALUES ($1, $2, $3)`
	_, err := s.db.ExecContext(ctx, query, team.ID, team.OrganizationID, team.Name)
	return err
}

// GetTeam retrieves a team by ID
func (s *IdentityStore) GetTeam(ctx context.Context, teamID string) (*domain.Team, error) {
	query := `SELECT id, organization_id, name, created_at FROM teams WHERE id = $1`

	var team domain.Team
	err := s.db.QueryRowContext(ctx, query, teamID).Scan(
		&team.ID, &team.OrganizationID, &team.Name, &team.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &team, nil
}

// ListTeams lists an organization's teams
func (s *IdentityStore) ListTeams(ctx context.Context, organizationID string) ([]*domain.Team, error) {
	query := `
		SELECT id, organization_id, name, created_at
		FROM teams WHERE organization_id = $1
		ORDER BY name
	`

	rows, err := s.db.QueryContext(ctx, query, organizationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var teams []*domain.Team
	for rows.Next() {
		var team domain.Team
		if err := rows.Scan(&team.ID, &team.OrganizationID, &team.Name, &team.CreatedAt); err != nil {
			return nil, err
		}
		teams = append(teams, &team)
	}

	return teams, rows.Err()
}

// AddTeamMember adds a user to a team, idempotently
func (s *IdentityStore) AddTeamMember(ctx context.Context, teamID, userID string) error {
	query := `
		INSERT INTO team_members (team_id, user_id) VALUES ($1, $2)
		ON CONFLICT (team_id, user_id) DO NOTHING
	`
	_, err := s.db.ExecContext(ctx, query, teamID, userID)
	return err
}

// RemoveTeamMember removes a user from a team
func (s *IdentityStore) RemoveTeamMember(ctx context.Context, teamID, userID string) error {
	query := `DELETE FROM team_members WHERE team_id = $1 AND user_id = $2`
	_, err := s.db.ExecContext(ctx, query, teamID, userID)
	return err
}

// ListUserTeams returns the ids of the user's teams within one organization
func (s *IdentityStore) ListUserTeams(ctx context.Context, userID, organizationID string) ([]string, error) {
	query := `
		SELECT t.id
		FROM teams t
		JOIN team_members m ON m.team_id = t.id
		WHERE m.user_id = $1 AND t.organization_id = $2
		ORDER BY t.id
	`

	rows, err := s.db.QueryContext(ctx, query, userID, organizationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var teamIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		teamIDs = append(teamIDs, id)
	}

	return teamIDs, rows.Err()
}
