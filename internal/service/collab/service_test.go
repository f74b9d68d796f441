package collab

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"log/slog"

	"github.com/vacerde/qBridge/internal/access"
	"github.com/vacerde/qBridge/internal/domain"
	"github.com/vacerde/qBridge/internal/repository"
)

type memCollabRepo struct {
	byID map[string]*domain.Collaboration
}

func newMemCollabRepo() *memCollabRepo {
	return &memCollabRepo{byID: map[string]*domain.Collaboration{}}
}

func (r *memCollabRepo) CreateCollaboration(_ context.Context, collab *domain.Collaboration) error {
	copied := *collab
	r.byID[collab.ID] = &copied
	return nil
}

func (r *memCollabRepo) GetCollaborationByID(_ context.Context, id string) (*domain.Collaboration, error) {
	collab, ok := r.byID[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *collab
	return &copied, nil
}

func (r *memCollabRepo) GetCollaboration(_ context.Context, workspaceID, email string) (*domain.Collaboration, error) {
	for _, collab := range r.byID {
		if collab.WorkspaceID == workspaceID && collab.UserEmail == strings.ToLower(email) {
			copied := *collab
			return &copied, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *memCollabRepo) GetAcceptedCollaboration(ctx context.Context, workspaceID, email string) (*domain.Collaboration, error) {
	collab, err := r.GetCollaboration(ctx, workspaceID, email)
	if err != nil {
		return nil, err
	}
	if collab.Status != domain.CollaborationAccepted {
		return nil, repository.ErrNotFound
	}
	return collab, nil
}

func (r *memCollabRepo) ListCollaborationsByWorkspace(_ context.Context, workspaceID string) ([]domain.Collaboration, error) {
	var out []domain.Collaboration
	for _, collab := range r.byID {
		if collab.WorkspaceID == workspaceID {
			out = append(out, *collab)
		}
	}
	return out, nil
}

func (r *memCollabRepo) ListPendingInvitations(_ context.Context, email string) ([]domain.Collaboration, error) {
	var out []domain.Collaboration
	for _, collab := range r.byID {
		if collab.UserEmail == strings.ToLower(email) && collab.Status == domain.CollaborationPending {
			out = append(out, *collab)
		}
	}
	return out, nil
}

func (r *memCollabRepo) UpdateCollaboration(_ context.Context, collab *domain.Collaboration) error {
	if _, ok := r.byID[collab.ID]; !ok {
		return repository.ErrNotFound
	}
	copied := *collab
	r.byID[collab.ID] = &copied
	return nil
}

func (r *memCollabRepo) DeleteCollaboration(_ context.Context, workspaceID, email string) error {
	for id, collab := range r.byID {
		if collab.WorkspaceID == workspaceID && collab.UserEmail == strings.ToLower(email) {
			delete(r.byID, id)
			return nil
		}
	}
	return repository.ErrNotFound
}

type stubWorkspaceRepo struct {
	workspaces map[string]*domain.Workspace
}

func (r *stubWorkspaceRepo) CreateWorkspace(_ context.Context, _ *domain.Workspace) error { return nil }

func (r *stubWorkspaceRepo) GetWorkspaceByID(_ context.Context, id string) (*domain.Workspace, error) {
	workspace, ok := r.workspaces[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *workspace
	return &copied, nil
}

func (r *stubWorkspaceRepo) ListWorkspacesByOwner(_ context.Context, _ string) ([]domain.Workspace, error) {
	return nil, nil
}

func (r *stubWorkspaceRepo) UpdateWorkspaceStatus(_ context.Context, _ string, _ domain.WorkspaceStatus) error {
	return nil
}

func (r *stubWorkspaceRepo) TouchWorkspace(_ context.Context, _ string, _ time.Time) error {
	return nil
}

func (r *stubWorkspaceRepo) DeleteWorkspace(_ context.Context, _ string) error { return nil }

var (
	owner    = Requester{UserID: "user-1", Email: "owner@example.com"}
	invitee  = Requester{UserID: "user-2", Email: "friend@example.com"}
	stranger = Requester{UserID: "user-3", Email: "stranger@example.com"}
)

func newTestService(collabs *memCollabRepo) Service {
	workspaces := &stubWorkspaceRepo{workspaces: map[string]*domain.Workspace{
		"ws-1": {ID: "ws-1", OwnerID: "user-1", Status: domain.WorkspaceRunning},
	}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(collabs, access.New(workspaces, collabs), logger)
}

func TestInviteAcceptLifecycle(t *testing.T) {
	repo := newMemCollabRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	collab, err := svc.Invite(ctx, "ws-1", "Friend@Example.com", domain.RoleEditor, owner)
	if err != nil {
		t.Fatalf("invite: %v", err)
	}
	if collab.UserEmail != "friend@example.com" {
		t.Fatalf("email not lowercased: %q", collab.UserEmail)
	}
	if collab.Status != domain.CollaborationPending {
		t.Fatalf("status = %s, want pending", collab.Status)
	}
	if !collab.Permissions.Write || collab.Permissions.Admin {
		t.Fatalf("editor permissions wrong: %+v", collab.Permissions)
	}

	pending, err := svc.PendingInvitations(ctx, invitee)
	if err != nil || len(pending) != 1 {
		t.Fatalf("pending invitations: %v %v", pending, err)
	}

	accepted, err := svc.Accept(ctx, collab.ID, invitee)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if accepted.Status != domain.CollaborationAccepted || accepted.AcceptedAt == nil {
		t.Fatalf("accept did not stamp: %+v", accepted)
	}
}

func TestInviteDuplicateConflicts(t *testing.T) {
	repo := newMemCollabRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	if _, err := svc.Invite(ctx, "ws-1", "friend@example.com", domain.RoleViewer, owner); err != nil {
		t.Fatalf("invite: %v", err)
	}
	_, err := svc.Invite(ctx, "ws-1", "friend@example.com", domain.RoleEditor, owner)
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("want conflict, got %v", err)
	}
}

func TestInviteRequiresAdmin(t *testing.T) {
	repo := newMemCollabRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	// An accepted editor can see the workspace but may not invite.
	collab, err := svc.Invite(ctx, "ws-1", "friend@example.com", domain.RoleEditor, owner)
	if err != nil {
		t.Fatalf("invite: %v", err)
	}
	if _, err := svc.Accept(ctx, collab.ID, invitee); err != nil {
		t.Fatalf("accept: %v", err)
	}
	_, err = svc.Invite(ctx, "ws-1", "another@example.com", domain.RoleViewer, invitee)
	if !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("want forbidden, got %v", err)
	}
	// Strangers cannot even see it.
	_, err = svc.Invite(ctx, "ws-1", "another@example.com", domain.RoleViewer, stranger)
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("want not found, got %v", err)
	}
}

func TestOnlyInviteeMayAnswer(t *testing.T) {
	repo := newMemCollabRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	collab, err := svc.Invite(ctx, "ws-1", "friend@example.com", domain.RoleViewer, owner)
	if err != nil {
		t.Fatalf("invite: %v", err)
	}
	if _, err := svc.Accept(ctx, collab.ID, stranger); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("stranger accept: want not found, got %v", err)
	}
	if _, err := svc.Reject(ctx, collab.ID, invitee); err != nil {
		t.Fatalf("reject: %v", err)
	}
	// Answering twice conflicts.
	if _, err := svc.Accept(ctx, collab.ID, invitee); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("second answer: want conflict, got %v", err)
	}
}

func TestChangeRoleRecomputesPermissions(t *testing.T) {
	repo := newMemCollabRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	collab, err := svc.Invite(ctx, "ws-1", "friend@example.com", domain.RoleViewer, owner)
	if err != nil {
		t.Fatalf("invite: %v", err)
	}
	if _, err := svc.Accept(ctx, collab.ID, invitee); err != nil {
		t.Fatalf("accept: %v", err)
	}

	changed, err := svc.ChangeRole(ctx, "ws-1", "friend@example.com", domain.RoleAdmin, owner)
	if err != nil {
		t.Fatalf("change role: %v", err)
	}
	want := domain.PermissionsForRole(domain.RoleAdmin)
	if changed.Permissions != want {
		t.Fatalf("permissions = %+v, want %+v", changed.Permissions, want)
	}
}

func TestRevokeKeepsRowButBlocksAccess(t *testing.T) {
	repo := newMemCollabRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	collab, err := svc.Invite(ctx, "ws-1", "friend@example.com", domain.RoleEditor, owner)
	if err != nil {
		t.Fatalf("invite: %v", err)
	}
	if _, err := svc.Accept(ctx, collab.ID, invitee); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := svc.Revoke(ctx, "ws-1", "friend@example.com", owner); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	stored, err := repo.GetCollaboration(ctx, "ws-1", "friend@example.com")
	if err != nil {
		t.Fatalf("row deleted on revoke")
	}
	if stored.Status != domain.CollaborationRevoked || stored.RevokedAt == nil {
		t.Fatalf("revoke not stamped: %+v", stored)
	}
	// The grant no longer resolves access.
	if _, err := svc.List(ctx, "ws-1", invitee); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("revoked collaborator still has access: %v", err)
	}
}

func TestCollaboratorMayRemoveThemselves(t *testing.T) {
	repo := newMemCollabRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	collab, err := svc.Invite(ctx, "ws-1", "friend@example.com", domain.RoleViewer, owner)
	if err != nil {
		t.Fatalf("invite: %v", err)
	}
	if _, err := svc.Accept(ctx, collab.ID, invitee); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := svc.Remove(ctx, "ws-1", "friend@example.com", invitee); err != nil {
		t.Fatalf("self remove: %v", err)
	}
	if _, err := repo.GetCollaboration(ctx, "ws-1", "friend@example.com"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("row still present")
	}
}
