package postgres

import (
	"context"

	"github.com/google/uuid"

	"mcpgate/internal/domain"
)

// ExecutionStore records tool executions for the admin audit trail
type ExecutionStore struct {
	db *DB
}

// NewExecutionStore creates an execution store
func NewExecutionStore(db *DB) *ExecutionStore {
	return &ExecutionStore{db: db}
}

var _ domain.ExecutionRepository = (*ExecutionStore)(nil)

// LogToolExecution records one tool execution
func (s *ExecutionStore) LogToolExecution(ctx context.Context, exec *domain.ToolExecution) error {
	if exec.ID == "" {
		exec.ID = uuid.New().String()
	}

	query := `
		INSERT INTO tool_executions (
			id, bundle_id, session_id, tool_name, server_name,
			status, error_kind, latency_ms
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := s.db.ExecContext(ctx, query,
		exec.ID, exec.BundleID, nullableString(exec.SessionID),
		exec.ToolName, exec.ServerName,
		exec.Status, exec.ErrorKind, exec.LatencyMs,
	)

	return err
}

// ListToolExecutions lists a bundle's executions, newest first, with the
// total count for pagination
func (s *ExecutionStore) ListToolExecutions(ctx context.Context, bundleID string, limit, offset int) ([]*domain.ToolExecution, int, error) {
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	var total int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM tool_executions WHERE bundle_id = $1", bundleID,
	).Scan(&total)
	if err != nil {
		return nil, 0, err
	}

	query := `
		SELECT id, bundle_id, session_id, tool_name, server_name,
			status, error_kind, latency_ms, created_at
		FROM tool_executions
		WHERE bundle_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := s.db.QueryContext(ctx, query, bundleID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var execs []*domain.ToolExecution
	for rows.Next() {
		var e domain.ToolExecution
		var sessionID *string

		err := rows.Scan(
			&e.ID, &e.BundleID, &sessionID, &e.ToolName, &e.ServerName,
			&e.Status, &e.ErrorKind, &e.LatencyMs, &e.CreatedAt,
		)
		if err != nil {
			return nil, 0, err
		}

		if sessionID != nil {
			e.SessionID = *sessionID
		}

		execs = append(execs, &e)
	}

	return execs, total, rows.Err()
}
