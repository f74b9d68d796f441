package postgres

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/vacerde/qBridge/internal/domain"
	"github.com/vacerde/qBridge/internal/repository"
)

const collaborationColumns = `id, workspace_id, user_email, role, status,
	perm_read, perm_write, perm_execute, perm_admin,
	invited_by, invited_at, accepted_at, rejected_at, revoked_at`

// CreateCollaboration inserts an invitation grant.
func (r *Repository) CreateCollaboration(ctx context.Context, collab *domain.Collaboration) error {
	const query = `INSERT INTO collaborations (` + collaborationColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`
	_, err := r.pool.Exec(ctx, query,
		collab.ID,
		collab.WorkspaceID,
		strings.ToLower(collab.UserEmail),
		collab.Role,
		collab.Status,
		collab.Permissions.Read,
		collab.Permissions.Write,
		collab.Permissions.Execute,
		collab.Permissions.Admin,
		collab.InvitedBy,
		collab.InvitedAt,
		collab.AcceptedAt,
		collab.RejectedAt,
		collab.RevokedAt,
	)
	return err
}

// GetCollaborationByID fetches a grant by identifier.
func (r *Repository) GetCollaborationByID(ctx context.Context, id string) (*domain.Collaboration, error) {
	const query = `SELECT ` + collaborationColumns + ` FROM collaborations WHERE id = $1`
	return r.collaborationRow(ctx, query, id)
}

// GetCollaboration fetches a grant by workspace and email, regardless of status.
func (r *Repository) GetCollaboration(ctx context.Context, workspaceID, email string) (*domain.Collaboration, error) {
	const query = `SELECT ` + collaborationColumns + ` FROM collaborations
		WHERE workspace_id = $1 AND user_email = $2`
	return r.collaborationRow(ctx, query, workspaceID, strings.ToLower(email))
}

// GetAcceptedCollaboration fetches an accepted grant by workspace and email.
func (r *Repository) GetAcceptedCollaboration(ctx context.Context, workspaceID, email string) (*domain.Collaboration, error) {
	const query = `SELECT ` + collaborationColumns + ` FROM collaborations
		WHERE workspace_id = $1 AND user_email = $2 AND status = 'accepted'`
	return r.collaborationRow(ctx, query, workspaceID, strings.ToLower(email))
}

// ListCollaborationsByWorkspace returns grants for a workspace, newest first.
func (r *Repository) ListCollaborationsByWorkspace(ctx context.Context, workspaceID string) ([]domain.Collaboration, error) {
	const query = `SELECT ` + collaborationColumns + ` FROM collaborations
		WHERE workspace_id = $1 ORDER BY invited_at DESC`
	return r.collaborationRows(ctx, query, workspaceID)
}

// ListPendingInvitations returns pending grants addressed to an email.
func (r *Repository) ListPendingInvitations(ctx context.Context, email string) ([]domain.Collaboration, error) {
	const query = `SELECT ` + collaborationColumns + ` FROM collaborations
		WHERE user_email = $1 AND status = 'pending' ORDER BY invited_at DESC`
	return r.collaborationRows(ctx, query, strings.ToLower(email))
}

// UpdateCollaboration persists role, status, permissions and transition timestamps.
func (r *Repository) UpdateCollaboration(ctx context.Context, collab *domain.Collaboration) error {
	const query = `UPDATE collaborations
		SET role = $2, status = $3,
			perm_read = $4, perm_write = $5, perm_execute = $6, perm_admin = $7,
			accepted_at = $8, rejected_at = $9, revoked_at = $10
		WHERE id = $1`
	cmdTag, err := r.pool.Exec(ctx, query,
		collab.ID,
		collab.Role,
		collab.Status,
		collab.Permissions.Read,
		collab.Permissions.Write,
		collab.Permissions.Execute,
		collab.Permissions.Admin,
		collab.AcceptedAt,
		collab.RejectedAt,
		collab.RevokedAt,
	)
	if err != nil {
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// DeleteCollaboration removes a grant by workspace and email.
func (r *Repository) DeleteCollaboration(ctx context.Context, workspaceID, email string) error {
	const query = `DELETE FROM collaborations WHERE workspace_id = $1 AND user_email = $2`
	cmdTag, err := r.pool.Exec(ctx, query, workspaceID, strings.ToLower(email))
	if err != nil {
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (r *Repository) collaborationRow(ctx context.Context, query string, args ...any) (*domain.Collaboration, error) {
	row := r.pool.QueryRow(ctx, query, args...)
	collab, err := scanCollaboration(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return collab, nil
}

func (r *Repository) collaborationRows(ctx context.Context, query string, args ...any) ([]domain.Collaboration, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var collabs []domain.Collaboration
	for rows.Next() {
		collab, err := scanCollaboration(rows)
		if err != nil {
			return nil, err
		}
		collabs = append(collabs, *collab)
	}
	return collabs, rows.Err()
}

func scanCollaboration(row pgx.Row) (*domain.Collaboration, error) {
	var c domain.Collaboration
	if err := row.Scan(
		&c.ID,
		&c.WorkspaceID,
		&c.UserEmail,
		&c.Role,
		&c.Status,
		&c.Permissions.Read,
		&c.Permissions.Write,
		&c.Permissions.Execute,
		&c.Permissions.Admin,
		&c.InvitedBy,
		&c.InvitedAt,
		&c.AcceptedAt,
		&c.RejectedAt,
		&c.RevokedAt,
	); err != nil {
		return nil, err
	}
	return &c, nil
}
