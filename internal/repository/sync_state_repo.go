package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/remote-agent-terminal/wsterm/internal/model"
)

// SyncStateRepository persists how far each workspace has been applied.
type SyncStateRepository struct {
	db *sql.DB
}

// NewSyncStateRepository creates a new SyncStateRepository.
func NewSyncStateRepository(db *sql.DB) *SyncStateRepository {
	return &SyncStateRepository{db: db}
}

// Get returns the state of a workspace, or model.ErrSyncStateNotFound.
func (r *SyncStateRepository) Get(ctx context.Context, workspaceID string) (*model.SyncState, error) {
	query := `SELECT workspace_id, epoch, last_applied, updated_at FROM sync_state WHERE workspace_id = ?`

	state := &model.SyncState{}
	var lastApplied int64
	err := r.db.QueryRowContext(ctx, query, workspaceID).Scan(&state.WorkspaceID, &state.Epoch, &lastApplied, &state.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrSyncStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync state: %w", err)
	}
	state.LastApplied = uint64(lastApplied)
	return state, nil
}

// Put records the last applied sequence of an epoch.
func (r *SyncStateRepository) Put(ctx context.Context, workspaceID, epoch string, lastApplied uint64) error {
	query := `
		INSERT INTO sync_state (workspace_id, epoch, last_applied, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(workspace_id) DO UPDATE SET
			epoch = excluded.epoch,
			last_applied = excluded.last_applied,
			updated_at = excluded.updated_at
	`
	if _, err := r.db.ExecContext(ctx, query, workspaceID, epoch, int64(lastApplied), time.Now()); err != nil {
		return fmt.Errorf("failed to put sync state: %w", err)
	}
	return nil
}

// Delete forgets a workspace's state.
func (r *SyncStateRepository) Delete(ctx context.Context, workspaceID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM sync_state WHERE workspace_id = ?`, workspaceID); err != nil {
		return fmt.Errorf("failed to delete sync state: %w", err)
	}
	return nil
}
