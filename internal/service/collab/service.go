package collab

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/vacerde/qBridge/internal/access"
	"github.com/vacerde/qBridge/internal/domain"
	"github.com/vacerde/qBridge/internal/repository"
)

// Requester identifies the caller of an operation.
type Requester struct {
	UserID string
	Email  string
}

// Service manages collaboration invitations and grants.
type Service struct {
	collabs repository.CollaborationRepository
	access  access.Checker
	logger  *slog.Logger
}

// New returns a collaboration service.
func New(collabs repository.CollaborationRepository, checker access.Checker, logger *slog.Logger) Service {
	return Service{collabs: collabs, access: checker, logger: logger}
}

// Invite creates a pending grant for the given email. Only a member with
// admin permission may invite, and at most one grant per (workspace, email)
// may exist.
func (s Service) Invite(ctx context.Context, workspaceID, email string, role domain.Role, requester Requester) (*domain.Collaboration, error) {
	grant, err := s.access.ResolveAccess(ctx, workspaceID, requester.UserID, requester.Email)
	if err != nil {
		return nil, err
	}
	if !access.PermissionFor(domain.ActionAdmin, grant.Workspace, requester.UserID, grant.Collaboration) {
		return nil, domain.ErrForbidden
	}
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || !strings.Contains(email, "@") {
		return nil, fmt.Errorf("%w: valid email required", domain.ErrValidation)
	}
	if !role.Valid() {
		return nil, fmt.Errorf("%w: unknown role %q", domain.ErrValidation, role)
	}
	if strings.EqualFold(email, requester.Email) {
		return nil, fmt.Errorf("%w: cannot invite yourself", domain.ErrValidation)
	}
	if _, err := s.collabs.GetCollaboration(ctx, workspaceID, email); err == nil {
		return nil, fmt.Errorf("%w: %s is already invited", domain.ErrConflict, email)
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	collab := &domain.Collaboration{
		ID:          uuid.NewString(),
		WorkspaceID: workspaceID,
		UserEmail:   email,
		Role:        role,
		Status:      domain.CollaborationPending,
		Permissions: domain.PermissionsForRole(role),
		InvitedBy:   requester.UserID,
		InvitedAt:   time.Now().UTC(),
	}
	if err := s.collabs.CreateCollaboration(ctx, collab); err != nil {
		return nil, err
	}
	s.logger.Info("collaborator invited", "workspace_id", workspaceID, "email", email, "role", role)
	return collab, nil
}

// List returns all grants on a workspace, any status.
func (s Service) List(ctx context.Context, workspaceID string, requester Requester) ([]domain.Collaboration, error) {
	if _, err := s.access.ResolveAccess(ctx, workspaceID, requester.UserID, requester.Email); err != nil {
		return nil, err
	}
	return s.collabs.ListCollaborationsByWorkspace(ctx, workspaceID)
}

// PendingInvitations returns the requester's own pending invitations across
// all workspaces.
func (s Service) PendingInvitations(ctx context.Context, requester Requester) ([]domain.Collaboration, error) {
	return s.collabs.ListPendingInvitations(ctx, strings.ToLower(requester.Email))
}

// Accept moves the requester's pending invitation to accepted.
func (s Service) Accept(ctx context.Context, collaborationID string, requester Requester) (*domain.Collaboration, error) {
	return s.answer(ctx, collaborationID, requester, domain.CollaborationAccepted)
}

// Reject declines the requester's pending invitation.
func (s Service) Reject(ctx context.Context, collaborationID string, requester Requester) (*domain.Collaboration, error) {
	return s.answer(ctx, collaborationID, requester, domain.CollaborationRejected)
}

func (s Service) answer(ctx context.Context, collaborationID string, requester Requester, status domain.CollaborationStatus) (*domain.Collaboration, error) {
	collab, err := s.collabs.GetCollaborationByID(ctx, collaborationID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	// Only the invitee may answer; anyone else cannot learn it exists.
	if !strings.EqualFold(collab.UserEmail, requester.Email) {
		return nil, domain.ErrNotFound
	}
	if collab.Status != domain.CollaborationPending {
		return nil, fmt.Errorf("%w: invitation is %s", domain.ErrConflict, collab.Status)
	}
	now := time.Now().UTC()
	collab.Status = status
	switch status {
	case domain.CollaborationAccepted:
		collab.AcceptedAt = &now
	case domain.CollaborationRejected:
		collab.RejectedAt = &now
	}
	collab.Permissions = domain.PermissionsForRole(collab.Role)
	if err := s.collabs.UpdateCollaboration(ctx, collab); err != nil {
		return nil, err
	}
	s.logger.Info("invitation answered", "collaboration_id", collab.ID, "status", status)
	return collab, nil
}

// ChangeRole updates a grant's role; the permission bundle is recomputed so
// it can never drift from the role.
func (s Service) ChangeRole(ctx context.Context, workspaceID, email string, role domain.Role, requester Requester) (*domain.Collaboration, error) {
	grant, err := s.access.ResolveAccess(ctx, workspaceID, requester.UserID, requester.Email)
	if err != nil {
		return nil, err
	}
	if !access.PermissionFor(domain.ActionAdmin, grant.Workspace, requester.UserID, grant.Collaboration) {
		return nil, domain.ErrForbidden
	}
	if !role.Valid() {
		return nil, fmt.Errorf("%w: unknown role %q", domain.ErrValidation, role)
	}
	collab, err := s.collabs.GetCollaboration(ctx, workspaceID, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	collab.Role = role
	collab.Permissions = domain.PermissionsForRole(role)
	if err := s.collabs.UpdateCollaboration(ctx, collab); err != nil {
		return nil, err
	}
	s.logger.Info("collaborator role changed", "workspace_id", workspaceID, "email", collab.UserEmail, "role", role)
	return collab, nil
}

// Revoke marks an accepted or pending grant revoked, cutting off future
// room joins. The grant row is kept for audit.
func (s Service) Revoke(ctx context.Context, workspaceID, email string, requester Requester) error {
	grant, err := s.access.ResolveAccess(ctx, workspaceID, requester.UserID, requester.Email)
	if err != nil {
		return err
	}
	if !access.PermissionFor(domain.ActionAdmin, grant.Workspace, requester.UserID, grant.Collaboration) {
		return domain.ErrForbidden
	}
	collab, err := s.collabs.GetCollaboration(ctx, workspaceID, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.ErrNotFound
		}
		return err
	}
	if collab.Status == domain.CollaborationRevoked {
		return nil
	}
	now := time.Now().UTC()
	collab.Status = domain.CollaborationRevoked
	collab.RevokedAt = &now
	if err := s.collabs.UpdateCollaboration(ctx, collab); err != nil {
		return err
	}
	s.logger.Info("collaborator revoked", "workspace_id", workspaceID, "email", collab.UserEmail)
	return nil
}

// Remove deletes a grant outright. A collaborator may remove their own
// grant; otherwise admin permission is required.
func (s Service) Remove(ctx context.Context, workspaceID, email string, requester Requester) error {
	email = strings.ToLower(strings.TrimSpace(email))
	grant, err := s.access.ResolveAccess(ctx, workspaceID, requester.UserID, requester.Email)
	if err != nil {
		return err
	}
	self := strings.EqualFold(email, requester.Email)
	if !self && !access.PermissionFor(domain.ActionAdmin, grant.Workspace, requester.UserID, grant.Collaboration) {
		return domain.ErrForbidden
	}
	if err := s.collabs.DeleteCollaboration(ctx, workspaceID, email); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.ErrNotFound
		}
		return err
	}
	s.logger.Info("collaborator removed", "workspace_id", workspaceID, "email", email)
	return nil
}
