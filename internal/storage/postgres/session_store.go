package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"mcpgate/internal/domain"
)

// SessionStore stores gateway MCP sessions
type SessionStore struct {
	db *DB
}

// NewSessionStore creates a session store
func NewSessionStore(db *DB) *SessionStore {
	return &SessionStore{db: db}
}

var _ domain.SessionRepository = (*SessionStore)(nil)

// CreateSession creates a session row
func (s *SessionStore) CreateSession(ctx context.Context, session *domain.MCPSession) error {
	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	if session.ExternalMCPSessions == nil {
		session.ExternalMCPSessions = map[string]string{}
	}

	external, _ := json.Marshal(session.ExternalMCPSessions)

	query := `
		INSERT INTO mcp_sessions (id, bundle_id, external_mcp_sessions)
		VALUES ($1, $2, $3)
	`
	_, err := s.db.ExecContext(ctx, query, session.ID, session.BundleID, external)
	return err
}

// GetSession retrieves a live session by ID. Soft-deleted sessions are
// treated as gone.
func (s *SessionStore) GetSession(ctx context.Context, sessionID string) (*domain.MCPSession, error) {
	query := `
		SELECT id, bundle_id, external_mcp_sessions, last_accessed_at, deleted, created_at
		FROM mcp_sessions
		WHERE id = $1 AND NOT deleted
	`

	var session domain.MCPSession
	var external []byte

	err := s.db.QueryRowContext(ctx, query, sessionID).Scan(
		&session.ID, &session.BundleID, &external,
		&session.LastAccessedAt, &session.Deleted, &session.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	session.ExternalMCPSessions = map[string]string{}
	_ = json.Unmarshal(external, &session.ExternalMCPSessions)

	return &session, nil
}

// TouchSession bumps last_accessed_at
func (s *SessionStore) TouchSession(ctx context.Context, sessionID string, at time.Time) error {
	query := `UPDATE mcp_sessions SET last_accessed_at = $2 WHERE id = $1 AND NOT deleted`
	_, err := s.db.ExecContext(ctx, query, sessionID, at)
	return err
}

// MergeExternalSession merges one upstream session id into the session's
// external_mcp_sessions map. The read-modify-write runs under a row lock so
// two concurrent upstream calls on the same gateway session cannot drop
// each other's entries.
func (s *SessionStore) MergeExternalSession(ctx context.Context, sessionID, serverID, upstreamSessionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var external []byte
	err = tx.QueryRowContext(ctx,
		"SELECT external_mcp_sessions FROM mcp_sessions WHERE id = $1 FOR UPDATE",
		sessionID,
	).Scan(&external)
	if err == sql.ErrNoRows {
		return fmt.Errorf("session %s not found", sessionID)
	}
	if err != nil {
		return err
	}

	sessions := map[string]string{}
	_ = json.Unmarshal(external, &sessions)
	sessions[serverID] = upstreamSessionID

	merged, _ := json.Marshal(sessions)
	_, err = tx.ExecContext(ctx,
		"UPDATE mcp_sessions SET external_mcp_sessions = $2, last_accessed_at = NOW() WHERE id = $1",
		sessionID, merged,
	)
	if err != nil {
		return err
	}

	return tx.Commit()
}

// SoftDeleteSession marks a session deleted. Requests carrying the old id
// afterwards behave as if the session never existed.
func (s *SessionStore) SoftDeleteSession(ctx context.Context, sessionID string) error {
	query := `UPDATE mcp_sessions SET deleted = TRUE WHERE id = $1`
	_, err := s.db.ExecContext(ctx, query, sessionID)
	return err
}

// SweepIdleSessions soft-deletes sessions idle since before the cutoff and
// reports how many it swept
func (s *SessionStore) SweepIdleSessions(ctx context.Context, idleBefore time.Time) (int, error) {
	query := `UPDATE mcp_sessions SET deleted = TRUE WHERE NOT deleted AND last_accessed_at < $1`

	res, err := s.db.ExecContext(ctx, query, idleBefore)
	if err != nil {
		return 0, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
