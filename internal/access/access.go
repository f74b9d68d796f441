package access

import (
	"context"
	"errors"
	"strings"

	"github.com/vacerde/qBridge/internal/domain"
	"github.com/vacerde/qBridge/internal/repository"
)

// Grant describes how a user may reach a workspace. Collaboration is nil
// when the user is the owner.
type Grant struct {
	Workspace     *domain.Workspace
	Collaboration *domain.Collaboration
}

// Owner reports whether the grant comes from ownership.
func (g *Grant) Owner() bool {
	return g != nil && g.Collaboration == nil
}

// Checker resolves workspace access for callers.
type Checker struct {
	workspaces repository.WorkspaceRepository
	collabs    repository.CollaborationRepository
}

// New constructs a Checker.
func New(workspaces repository.WorkspaceRepository, collabs repository.CollaborationRepository) Checker {
	return Checker{workspaces: workspaces, collabs: collabs}
}

// ResolveAccess returns the caller's grant on a workspace. Ownership is
// checked first; otherwise an accepted collaboration for the caller's email
// is required. Absent and unauthorized both surface as ErrNotFound so
// existence is never disclosed.
func (c Checker) ResolveAccess(ctx context.Context, workspaceID, userID, userEmail string) (*Grant, error) {
	workspace, err := c.workspaces.GetWorkspaceByID(ctx, workspaceID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	if workspace.OwnerID == userID {
		return &Grant{Workspace: workspace}, nil
	}
	collab, err := c.collabs.GetAcceptedCollaboration(ctx, workspaceID, strings.ToLower(userEmail))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &Grant{Workspace: workspace, Collaboration: collab}, nil
}

// PermissionFor reports whether a user may perform the action on a
// workspace. The owner always passes; a collaborator needs an accepted grant
// whose role-derived bundle allows the action.
func PermissionFor(action domain.Action, workspace *domain.Workspace, userID string, collab *domain.Collaboration) bool {
	if workspace == nil {
		return false
	}
	if workspace.OwnerID == userID {
		return true
	}
	if collab == nil || collab.Status != domain.CollaborationAccepted {
		return false
	}
	return collab.Permissions.Allows(action)
}
