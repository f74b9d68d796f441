package workspace

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"log/slog"

	"github.com/docker/go-connections/nat"

	"github.com/vacerde/qBridge/internal/access"
	"github.com/vacerde/qBridge/internal/docker"
	"github.com/vacerde/qBridge/internal/domain"
	"github.com/vacerde/qBridge/internal/repository"
	"github.com/vacerde/qBridge/pkg/config"
)

type stubWorkspaceRepo struct {
	workspaces map[string]*domain.Workspace
	createErr  error
}

func newStubWorkspaceRepo() *stubWorkspaceRepo {
	return &stubWorkspaceRepo{workspaces: map[string]*domain.Workspace{}}
}

func (r *stubWorkspaceRepo) CreateWorkspace(_ context.Context, workspace *domain.Workspace) error {
	if r.createErr != nil {
		return r.createErr
	}
	copied := *workspace
	r.workspaces[workspace.ID] = &copied
	return nil
}

func (r *stubWorkspaceRepo) GetWorkspaceByID(_ context.Context, id string) (*domain.Workspace, error) {
	workspace, ok := r.workspaces[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *workspace
	return &copied, nil
}

func (r *stubWorkspaceRepo) ListWorkspacesByOwner(_ context.Context, ownerID string) ([]domain.Workspace, error) {
	var out []domain.Workspace
	for _, workspace := range r.workspaces {
		if workspace.OwnerID == ownerID {
			out = append(out, *workspace)
		}
	}
	return out, nil
}

func (r *stubWorkspaceRepo) UpdateWorkspaceStatus(_ context.Context, id string, status domain.WorkspaceStatus) error {
	workspace, ok := r.workspaces[id]
	if !ok {
		return repository.ErrNotFound
	}
	workspace.Status = status
	return nil
}

func (r *stubWorkspaceRepo) TouchWorkspace(_ context.Context, id string, at time.Time) error {
	workspace, ok := r.workspaces[id]
	if !ok {
		return repository.ErrNotFound
	}
	workspace.LastAccessedAt = at
	return nil
}

func (r *stubWorkspaceRepo) DeleteWorkspace(_ context.Context, id string) error {
	if _, ok := r.workspaces[id]; !ok {
		return repository.ErrNotFound
	}
	delete(r.workspaces, id)
	return nil
}

type stubCollabRepo struct {
	accepted map[string]*domain.Collaboration // workspaceID + "|" + email
}

func newStubCollabRepo() *stubCollabRepo {
	return &stubCollabRepo{accepted: map[string]*domain.Collaboration{}}
}

func (r *stubCollabRepo) CreateCollaboration(_ context.Context, _ *domain.Collaboration) error {
	return nil
}

func (r *stubCollabRepo) GetCollaborationByID(_ context.Context, _ string) (*domain.Collaboration, error) {
	return nil, repository.ErrNotFound
}

func (r *stubCollabRepo) GetCollaboration(_ context.Context, _, _ string) (*domain.Collaboration, error) {
	return nil, repository.ErrNotFound
}

func (r *stubCollabRepo) GetAcceptedCollaboration(_ context.Context, workspaceID, email string) (*domain.Collaboration, error) {
	collab, ok := r.accepted[workspaceID+"|"+strings.ToLower(email)]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *collab
	return &copied, nil
}

func (r *stubCollabRepo) ListCollaborationsByWorkspace(_ context.Context, _ string) ([]domain.Collaboration, error) {
	return nil, nil
}

func (r *stubCollabRepo) ListPendingInvitations(_ context.Context, _ string) ([]domain.Collaboration, error) {
	return nil, nil
}

func (r *stubCollabRepo) UpdateCollaboration(_ context.Context, _ *domain.Collaboration) error {
	return nil
}

func (r *stubCollabRepo) DeleteCollaboration(_ context.Context, _, _ string) error {
	return nil
}

type fakeRuntime struct {
	created   []docker.ContainerSpec
	started   []string
	stopped   []string
	removed   []string
	pulls     []string
	startErr  error
	stopErr   error
	removeErr error

	inspectState docker.ContainerState
	inspectErr   error
	logsOut      string
}

func (f *fakeRuntime) PullImage(_ context.Context, ref string) error {
	f.pulls = append(f.pulls, ref)
	return nil
}

func (f *fakeRuntime) CreateContainer(_ context.Context, spec docker.ContainerSpec) (string, error) {
	f.created = append(f.created, spec)
	return "ctr-1", nil
}

func (f *fakeRuntime) StartContainer(_ context.Context, id string) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.started = append(f.started, id)
	return nil
}

func (f *fakeRuntime) StopContainer(_ context.Context, id string) error {
	if f.stopErr != nil {
		return f.stopErr
	}
	f.stopped = append(f.stopped, id)
	return nil
}

func (f *fakeRuntime) RemoveContainer(_ context.Context, id string) error {
	if f.removeErr != nil {
		return f.removeErr
	}
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeRuntime) InspectContainer(_ context.Context, _ string) (docker.ContainerState, error) {
	if f.inspectErr != nil {
		return docker.ContainerState{}, f.inspectErr
	}
	return f.inspectState, nil
}

func (f *fakeRuntime) ContainerLogs(_ context.Context, _ string, _ int, _ bool) (string, error) {
	return f.logsOut, nil
}

func runningState(hostPort string) docker.ContainerState {
	return docker.ContainerState{
		Status:  "running",
		Running: true,
		Ports:   nat.PortMap{sandboxPort: []nat.PortBinding{{HostPort: hostPort}}},
	}
}

func newService(repo *stubWorkspaceRepo, collabs *stubCollabRepo, runtime *fakeRuntime) Service {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.APIConfig{
		RuntimeCallTimeout: time.Second,
		WorkspaceMemoryMB:  2048,
		WorkspaceCPUShares: 1024,
		WorkspaceStorageMB: 10240,
		WorkspacePassword:  "secret",
		LogTailDefault:     100,
	}
	return New(repo, runtime, access.New(repo, collabs), logger, cfg)
}

func TestCreateProvisionsContainerThenRecord(t *testing.T) {
	repo := newStubWorkspaceRepo()
	runtime := &fakeRuntime{inspectState: runningState("32768")}
	svc := newService(repo, newStubCollabRepo(), runtime)

	workspace, err := svc.Create(context.Background(), CreateInput{
		OwnerID:  "user-1",
		Name:     "api playground",
		Template: "node",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if workspace.Status != domain.WorkspaceRunning {
		t.Fatalf("status = %s, want running", workspace.Status)
	}
	if workspace.Port != 32768 {
		t.Fatalf("port = %d, want 32768", workspace.Port)
	}
	if workspace.ContainerID != "ctr-1" {
		t.Fatalf("container id = %q", workspace.ContainerID)
	}
	if len(runtime.started) != 1 {
		t.Fatalf("container not started")
	}
	if _, ok := repo.workspaces[workspace.ID]; !ok {
		t.Fatalf("record not persisted")
	}
	spec := runtime.created[0]
	if spec.Labels["service"] != workspaceLabel {
		t.Fatalf("missing service label, got %v", spec.Labels)
	}
	if spec.MemoryMB != 2048 || spec.CPUShares != 1024 {
		t.Fatalf("resource caps not applied: %+v", spec)
	}
}

func TestCreateRemovesContainerWhenStartFails(t *testing.T) {
	repo := newStubWorkspaceRepo()
	runtime := &fakeRuntime{startErr: errors.New("boom")}
	svc := newService(repo, newStubCollabRepo(), runtime)

	_, err := svc.Create(context.Background(), CreateInput{OwnerID: "user-1", Name: "ws", Template: "node"})
	if !domain.IsRuntimeError(err) {
		t.Fatalf("want runtime error, got %v", err)
	}
	if len(runtime.removed) != 1 || runtime.removed[0] != "ctr-1" {
		t.Fatalf("compensating removal missing: %v", runtime.removed)
	}
	if len(repo.workspaces) != 0 {
		t.Fatalf("record persisted despite failure")
	}
}

func TestCreateRemovesContainerWhenPersistFails(t *testing.T) {
	repo := newStubWorkspaceRepo()
	repo.createErr = errors.New("db down")
	runtime := &fakeRuntime{inspectState: runningState("32768")}
	svc := newService(repo, newStubCollabRepo(), runtime)

	_, err := svc.Create(context.Background(), CreateInput{OwnerID: "user-1", Name: "ws", Template: "node"})
	if err == nil {
		t.Fatalf("want error")
	}
	if len(runtime.removed) != 1 {
		t.Fatalf("compensating removal missing")
	}
}

func TestCreateRejectsUnknownTemplate(t *testing.T) {
	svc := newService(newStubWorkspaceRepo(), newStubCollabRepo(), &fakeRuntime{})
	_, err := svc.Create(context.Background(), CreateInput{OwnerID: "user-1", Name: "ws", Template: "cobol"})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("want validation error, got %v", err)
	}
}

func TestGetHidesWorkspaceFromStrangers(t *testing.T) {
	repo := newStubWorkspaceRepo()
	repo.workspaces["ws-1"] = &domain.Workspace{ID: "ws-1", OwnerID: "user-1", Status: domain.WorkspaceRunning}
	svc := newService(repo, newStubCollabRepo(), &fakeRuntime{})

	_, err := svc.Get(context.Background(), "ws-1", Requester{UserID: "user-2", Email: "other@example.com"})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("want not found, got %v", err)
	}
}

func TestGetAllowsAcceptedCollaborator(t *testing.T) {
	repo := newStubWorkspaceRepo()
	repo.workspaces["ws-1"] = &domain.Workspace{ID: "ws-1", OwnerID: "user-1", Status: domain.WorkspaceRunning}
	collabs := newStubCollabRepo()
	collabs.accepted["ws-1|friend@example.com"] = &domain.Collaboration{
		WorkspaceID: "ws-1",
		UserEmail:   "friend@example.com",
		Role:        domain.RoleViewer,
		Status:      domain.CollaborationAccepted,
		Permissions: domain.PermissionsForRole(domain.RoleViewer),
	}
	svc := newService(repo, collabs, &fakeRuntime{})

	workspace, err := svc.Get(context.Background(), "ws-1", Requester{UserID: "user-2", Email: "Friend@Example.com"})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if workspace.ID != "ws-1" {
		t.Fatalf("wrong workspace returned")
	}
}

func TestGetReturnsFreshLastAccessed(t *testing.T) {
	repo := newStubWorkspaceRepo()
	stale := time.Now().UTC().Add(-time.Hour)
	repo.workspaces["ws-1"] = &domain.Workspace{
		ID:             "ws-1",
		OwnerID:        "user-1",
		Status:         domain.WorkspaceRunning,
		LastAccessedAt: stale,
	}
	svc := newService(repo, newStubCollabRepo(), &fakeRuntime{})

	before := time.Now().UTC()
	workspace, err := svc.Get(context.Background(), "ws-1", Requester{UserID: "user-1"})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if workspace.LastAccessedAt.Before(before) {
		t.Fatalf("returned last accessed %v is stale", workspace.LastAccessedAt)
	}
	if !repo.workspaces["ws-1"].LastAccessedAt.Equal(workspace.LastAccessedAt) {
		t.Fatalf("returned timestamp diverges from stored one")
	}
}

func TestListReconcilesStatusFromRuntime(t *testing.T) {
	repo := newStubWorkspaceRepo()
	repo.workspaces["ws-1"] = &domain.Workspace{ID: "ws-1", OwnerID: "user-1", ContainerID: "ctr-1", Status: domain.WorkspaceRunning}
	runtime := &fakeRuntime{inspectState: docker.ContainerState{Status: "exited", Running: false}}
	svc := newService(repo, newStubCollabRepo(), runtime)

	workspaces, err := svc.List(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if workspaces[0].Status != domain.WorkspaceStopped {
		t.Fatalf("status = %s, want stopped", workspaces[0].Status)
	}
	// Display only, the record keeps its persisted status.
	if repo.workspaces["ws-1"].Status != domain.WorkspaceRunning {
		t.Fatalf("persisted status mutated")
	}
}

func TestListMarksUninspectableWorkspaces(t *testing.T) {
	repo := newStubWorkspaceRepo()
	repo.workspaces["ws-1"] = &domain.Workspace{ID: "ws-1", OwnerID: "user-1", ContainerID: "ctr-1", Status: domain.WorkspaceRunning}
	runtime := &fakeRuntime{inspectErr: errors.New("daemon unreachable")}
	svc := newService(repo, newStubCollabRepo(), runtime)

	workspaces, err := svc.List(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if workspaces[0].Status != domain.WorkspaceError {
		t.Fatalf("status = %s, want error", workspaces[0].Status)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	repo := newStubWorkspaceRepo()
	repo.workspaces["ws-1"] = &domain.Workspace{ID: "ws-1", OwnerID: "user-1", ContainerID: "ctr-1", Status: domain.WorkspaceStopped}
	runtime := &fakeRuntime{}
	svc := newService(repo, newStubCollabRepo(), runtime)

	requester := Requester{UserID: "user-1", Email: "owner@example.com"}
	if err := svc.Stop(context.Background(), "ws-1", requester); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := svc.Stop(context.Background(), "ws-1", requester); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if repo.workspaces["ws-1"].Status != domain.WorkspaceStopped {
		t.Fatalf("status = %s", repo.workspaces["ws-1"].Status)
	}
}

func TestDeleteRequiresAdminPermission(t *testing.T) {
	repo := newStubWorkspaceRepo()
	repo.workspaces["ws-1"] = &domain.Workspace{ID: "ws-1", OwnerID: "user-1", ContainerID: "ctr-1", Status: domain.WorkspaceRunning}
	collabs := newStubCollabRepo()
	collabs.accepted["ws-1|friend@example.com"] = &domain.Collaboration{
		WorkspaceID: "ws-1",
		UserEmail:   "friend@example.com",
		Role:        domain.RoleEditor,
		Status:      domain.CollaborationAccepted,
		Permissions: domain.PermissionsForRole(domain.RoleEditor),
	}
	svc := newService(repo, collabs, &fakeRuntime{})

	err := svc.Delete(context.Background(), "ws-1", Requester{UserID: "user-2", Email: "friend@example.com"})
	if !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("want forbidden, got %v", err)
	}
	if _, ok := repo.workspaces["ws-1"]; !ok {
		t.Fatalf("workspace deleted by collaborator")
	}
}

func TestDeleteTearsDownContainerBeforeRecord(t *testing.T) {
	repo := newStubWorkspaceRepo()
	repo.workspaces["ws-1"] = &domain.Workspace{ID: "ws-1", OwnerID: "user-1", ContainerID: "ctr-1", Status: domain.WorkspaceRunning}
	runtime := &fakeRuntime{}
	svc := newService(repo, newStubCollabRepo(), runtime)

	if err := svc.Delete(context.Background(), "ws-1", Requester{UserID: "user-1", Email: "owner@example.com"}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(runtime.removed) != 1 {
		t.Fatalf("container not removed")
	}
	if len(repo.workspaces) != 0 {
		t.Fatalf("record still present")
	}
}
