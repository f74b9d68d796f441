package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/vacerde/qBridge/internal/domain"
	"github.com/vacerde/qBridge/internal/repository"
)

const workspaceColumns = `id, name, description, template, owner_id, container_id, status, url, port,
	memory_mb, cpu_shares, storage_mb, auto_sleep, sleep_after_min, public_access,
	created_at, last_accessed_at, updated_at`

// CreateWorkspace inserts a workspace record.
func (r *Repository) CreateWorkspace(ctx context.Context, workspace *domain.Workspace) error {
	const query = `INSERT INTO workspaces (` + workspaceColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`
	_, err := r.pool.Exec(ctx, query,
		workspace.ID,
		workspace.Name,
		workspace.Description,
		workspace.Template,
		workspace.OwnerID,
		workspace.ContainerID,
		workspace.Status,
		workspace.URL,
		workspace.Port,
		workspace.Resources.MemoryMB,
		workspace.Resources.CPUShares,
		workspace.Resources.StorageMB,
		workspace.Settings.AutoSleep,
		workspace.Settings.SleepAfterMin,
		workspace.Settings.PublicAccess,
		workspace.CreatedAt,
		workspace.LastAccessedAt,
		workspace.UpdatedAt,
	)
	return err
}

// GetWorkspaceByID fetches a workspace by identifier.
func (r *Repository) GetWorkspaceByID(ctx context.Context, id string) (*domain.Workspace, error) {
	const query = `SELECT ` + workspaceColumns + ` FROM workspaces WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, id)
	workspace, err := scanWorkspace(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return workspace, nil
}

// ListWorkspacesByOwner returns workspaces owned by a user, most recently
// accessed first.
func (r *Repository) ListWorkspacesByOwner(ctx context.Context, ownerID string) ([]domain.Workspace, error) {
	const query = `SELECT ` + workspaceColumns + ` FROM workspaces
		WHERE owner_id = $1 ORDER BY last_accessed_at DESC`
	rows, err := r.pool.Query(ctx, query, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workspaces []domain.Workspace
	for rows.Next() {
		workspace, err := scanWorkspace(rows)
		if err != nil {
			return nil, err
		}
		workspaces = append(workspaces, *workspace)
	}
	return workspaces, rows.Err()
}

// UpdateWorkspaceStatus persists a status change.
func (r *Repository) UpdateWorkspaceStatus(ctx context.Context, id string, status domain.WorkspaceStatus) error {
	const query = `UPDATE workspaces SET status = $2, updated_at = NOW() WHERE id = $1`
	cmdTag, err := r.pool.Exec(ctx, query, id, status)
	if err != nil {
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// TouchWorkspace updates the last accessed timestamp.
func (r *Repository) TouchWorkspace(ctx context.Context, id string, accessedAt time.Time) error {
	const query = `UPDATE workspaces SET last_accessed_at = $2, updated_at = NOW() WHERE id = $1`
	_, err := r.pool.Exec(ctx, query, id, accessedAt)
	return err
}

// DeleteWorkspace removes a workspace record.
func (r *Repository) DeleteWorkspace(ctx context.Context, id string) error {
	const query = `DELETE FROM workspaces WHERE id = $1`
	cmdTag, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func scanWorkspace(row pgx.Row) (*domain.Workspace, error) {
	var w domain.Workspace
	if err := row.Scan(
		&w.ID,
		&w.Name,
		&w.Description,
		&w.Template,
		&w.OwnerID,
		&w.ContainerID,
		&w.Status,
		&w.URL,
		&w.Port,
		&w.Resources.MemoryMB,
		&w.Resources.CPUShares,
		&w.Resources.StorageMB,
		&w.Settings.AutoSleep,
		&w.Settings.SleepAfterMin,
		&w.Settings.PublicAccess,
		&w.CreatedAt,
		&w.LastAccessedAt,
		&w.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &w, nil
}
