package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/remote-agent-terminal/wsterm/internal/model"
)

// SessionRepository keeps the audit trail of server sessions.
type SessionRepository struct {
	db *sql.DB
}

// NewSessionRepository creates a new SessionRepository.
func NewSessionRepository(db *sql.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

const sessionColumns = `id, role, workspace_root, remote_addr, state, terminal, authenticated, exit_code, reason, last_activity, created_at, updated_at`

// Create inserts a new session.
func (r *SessionRepository) Create(ctx context.Context, session *model.Session, remoteAddr string) error {
	query := `
		INSERT INTO sessions (` + sessionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, query,
		session.ID,
		session.Role,
		session.WorkspaceRoot,
		remoteAddr,
		session.State,
		session.Terminal,
		session.Authenticated,
		session.ExitCode,
		session.Reason,
		session.LastActivity,
		session.CreatedAt,
		session.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	return nil
}

// GetByID retrieves a session by its ID.
func (r *SessionRepository) GetByID(ctx context.Context, id string) (*model.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = ?`

	session, err := scanSession(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return session, nil
}

// List returns the most recent sessions first, at most limit of them.
func (r *SessionRepository) List(ctx context.Context, limit int) ([]*model.Session, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + sessionColumns + ` FROM sessions ORDER BY created_at DESC LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	sessions := []*model.Session{}
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}

	return sessions, nil
}

// UpdateState records a connection lifecycle change.
func (r *SessionRepository) UpdateState(ctx context.Context, id string, state model.State, authenticated bool) error {
	query := `
		UPDATE sessions
		SET state = ?, authenticated = ?, last_activity = ?, updated_at = ?
		WHERE id = ?
	`
	now := time.Now()
	return r.exec(ctx, "update session state", query, state, authenticated, now, now, id)
}

// UpdateTerminal records a terminal lifecycle change and, once closed, how it ended.
func (r *SessionRepository) UpdateTerminal(ctx context.Context, id string, terminal model.TerminalState, reason model.Reason, exitCode *int) error {
	query := `
		UPDATE sessions
		SET terminal = ?, reason = ?, exit_code = ?, updated_at = ?
		WHERE id = ?
	`
	return r.exec(ctx, "update terminal state", query, terminal, reason, exitCode, time.Now(), id)
}

// Delete removes a session.
func (r *SessionRepository) Delete(ctx context.Context, id string) error {
	return r.exec(ctx, "delete session", `DELETE FROM sessions WHERE id = ?`, id)
}

// Exists checks if a session exists.
func (r *SessionRepository) Exists(ctx context.Context, id string) (bool, error) {
	var exists int
	err := r.db.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = ? LIMIT 1`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check session existence: %w", err)
	}
	return true, nil
}

func (r *SessionRepository) exec(ctx context.Context, what, query string, args ...any) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", what, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return model.ErrSessionNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*model.Session, error) {
	session := &model.Session{}
	var remoteAddr, terminal, reason sql.NullString
	var exitCode sql.NullInt64
	var lastActivity sql.NullTime

	err := row.Scan(
		&session.ID,
		&session.Role,
		&session.WorkspaceRoot,
		&remoteAddr,
		&session.State,
		&terminal,
		&session.Authenticated,
		&exitCode,
		&reason,
		&lastActivity,
		&session.CreatedAt,
		&session.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	session.Terminal = model.TerminalState(terminal.String)
	session.Reason = model.Reason(reason.String)
	if exitCode.Valid {
		code := int(exitCode.Int64)
		session.ExitCode = &code
	}
	if lastActivity.Valid {
		session.LastActivity = lastActivity.Time
	}
	return session, nil
}
