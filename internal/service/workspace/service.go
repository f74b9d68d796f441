package workspace

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"log/slog"

	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"

	"github.com/vacerde/qBridge/internal/access"
	"github.com/vacerde/qBridge/internal/docker"
	"github.com/vacerde/qBridge/internal/domain"
	"github.com/vacerde/qBridge/internal/repository"
	"github.com/vacerde/qBridge/pkg/config"
)

// sandboxPort is the fixed internal port every sandbox container serves on.
const sandboxPort = nat.Port("8080/tcp")

// workspaceLabel marks containers managed by this service.
const workspaceLabel = "qBridge-workspace"

// Runtime is the container runtime surface the workspace manager consumes.
type Runtime interface {
	PullImage(ctx context.Context, ref string) error
	CreateContainer(ctx context.Context, spec docker.ContainerSpec) (string, error)
	StartContainer(ctx context.Context, id string) error
	StopContainer(ctx context.Context, id string) error
	RemoveContainer(ctx context.Context, id string) error
	InspectContainer(ctx context.Context, id string) (docker.ContainerState, error)
	ContainerLogs(ctx context.Context, id string, tail int, timestamps bool) (string, error)
}

// Requester identifies the caller of an operation.
type Requester struct {
	UserID string
	Email  string
}

// CreateInput encapsulates workspace creation attributes.
type CreateInput struct {
	OwnerID     string
	Name        string
	Description string
	Template    string
}

// Service owns the sandbox container lifecycle and the persisted workspace
// record.
type Service struct {
	workspaces repository.WorkspaceRepository
	runtime    Runtime
	access     access.Checker
	logger     *slog.Logger
	cfg        config.APIConfig
}

// New returns a workspace service.
func New(workspaces repository.WorkspaceRepository, runtime Runtime, checker access.Checker, logger *slog.Logger, cfg config.APIConfig) Service {
	return Service{workspaces: workspaces, runtime: runtime, access: checker, logger: logger, cfg: cfg}
}

// Create provisions a sandbox container and persists the workspace record.
// The record is written only after the container is running and its host
// port is known; any failure past container creation removes the container
// again so no record ever references a nonexistent container.
func (s Service) Create(ctx context.Context, input CreateInput) (*domain.Workspace, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" || len(name) > 100 {
		return nil, fmt.Errorf("%w: workspace name must be 1-100 characters", domain.ErrValidation)
	}
	if len(input.Description) > 500 {
		return nil, fmt.Errorf("%w: description too long", domain.ErrValidation)
	}
	tpl, ok := domain.TemplateByName(input.Template)
	if !ok {
		return nil, fmt.Errorf("%w: unknown template %q", domain.ErrValidation, input.Template)
	}

	workspaceID := uuid.NewString()
	s.logger.Info("creating workspace", "workspace_id", workspaceID, "owner_id", input.OwnerID, "template", tpl.Name)

	// Best effort; a stale local image is still usable.
	pullCtx, cancel := s.runtimeCtx(ctx)
	if err := s.runtime.PullImage(pullCtx, tpl.Image); err != nil {
		s.logger.Warn("image pull failed", "image", tpl.Image, "error", err)
	}
	cancel()

	spec := docker.ContainerSpec{
		Name:  "workspace-" + workspaceID,
		Image: tpl.Image,
		Env: append(append([]string{}, tpl.Env...),
			"WORKSPACE_ID="+workspaceID,
			"USER_ID="+input.OwnerID,
			"PASSWORD="+s.cfg.WorkspacePassword,
		),
		Labels: map[string]string{
			"service":            workspaceLabel,
			"workspace.id":       workspaceID,
			"workspace.name":     name,
			"workspace.template": tpl.Name,
			"workspace.owner_id": input.OwnerID,
		},
		WorkingDir: tpl.WorkingDir,
		Port:       sandboxPort,
		MemoryMB:   s.cfg.WorkspaceMemoryMB,
		CPUShares:  s.cfg.WorkspaceCPUShares,
	}

	createCtx, cancel := s.runtimeCtx(ctx)
	containerID, err := s.runtime.CreateContainer(createCtx, spec)
	cancel()
	if err != nil {
		return nil, domain.NewRuntimeError("create", err)
	}

	startCtx, cancel := s.runtimeCtx(ctx)
	err = s.runtime.StartContainer(startCtx, containerID)
	cancel()
	if err != nil {
		s.compensate(containerID)
		return nil, domain.NewRuntimeError("start", err)
	}

	inspectCtx, cancel := s.runtimeCtx(ctx)
	state, err := s.runtime.InspectContainer(inspectCtx, containerID)
	cancel()
	if err != nil {
		s.compensate(containerID)
		return nil, domain.NewRuntimeError("inspect", err)
	}
	hostPort := state.HostPort(sandboxPort)
	if hostPort <= 0 {
		s.compensate(containerID)
		return nil, domain.NewRuntimeError("inspect", fmt.Errorf("no host port assigned for %s", sandboxPort))
	}

	now := time.Now().UTC()
	workspace := &domain.Workspace{
		ID:          workspaceID,
		Name:        name,
		Description: strings.TrimSpace(input.Description),
		Template:    tpl.Name,
		OwnerID:     input.OwnerID,
		ContainerID: containerID,
		Status:      domain.WorkspaceRunning,
		URL:         fmt.Sprintf("http://localhost:%d", hostPort),
		Port:        hostPort,
		Resources: domain.WorkspaceResources{
			MemoryMB:  s.cfg.WorkspaceMemoryMB,
			CPUShares: s.cfg.WorkspaceCPUShares,
			StorageMB: s.cfg.WorkspaceStorageMB,
		},
		Settings: domain.WorkspaceSettings{
			AutoSleep:     true,
			SleepAfterMin: 30,
		},
		CreatedAt:      now,
		LastAccessedAt: now,
		UpdatedAt:      now,
	}
	if err := s.workspaces.CreateWorkspace(ctx, workspace); err != nil {
		s.compensate(containerID)
		return nil, err
	}

	s.logger.Info("workspace created", "workspace_id", workspaceID, "container_id", containerID, "port", hostPort)
	return workspace, nil
}

// List returns the caller's workspaces with their status reconciled against
// the live runtime. The corrected status is display-only and never persisted.
func (s Service) List(ctx context.Context, ownerID string) ([]domain.Workspace, error) {
	workspaces, err := s.workspaces.ListWorkspacesByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	for i := range workspaces {
		workspaces[i].Status = s.liveStatus(ctx, &workspaces[i])
	}
	return workspaces, nil
}

// Get returns a workspace the requester may view and touches its last
// accessed timestamp. Unauthorized and nonexistent both yield ErrNotFound.
func (s Service) Get(ctx context.Context, id string, requester Requester) (*domain.Workspace, error) {
	grant, err := s.access.ResolveAccess(ctx, id, requester.UserID, requester.Email)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	if err := s.workspaces.TouchWorkspace(ctx, id, now); err != nil {
		s.logger.Warn("touch workspace failed", "workspace_id", id, "error", err)
	} else {
		grant.Workspace.LastAccessedAt = now
	}
	return grant.Workspace, nil
}

// Start launches the workspace's backing container.
func (s Service) Start(ctx context.Context, id string, requester Requester) error {
	grant, err := s.authorize(ctx, id, requester, domain.ActionExecute)
	if err != nil {
		return err
	}
	startCtx, cancel := s.runtimeCtx(ctx)
	defer cancel()
	if err := s.runtime.StartContainer(startCtx, grant.Workspace.ContainerID); err != nil {
		return domain.NewRuntimeError("start", err)
	}
	if err := s.transition(ctx, grant.Workspace, domain.WorkspaceRunning); err != nil {
		return err
	}
	if err := s.workspaces.TouchWorkspace(ctx, id, time.Now().UTC()); err != nil {
		s.logger.Warn("touch workspace failed", "workspace_id", id, "error", err)
	}
	s.logger.Info("workspace started", "workspace_id", id)
	return nil
}

// Stop halts the workspace's backing container. Stopping an already-stopped
// workspace succeeds.
func (s Service) Stop(ctx context.Context, id string, requester Requester) error {
	grant, err := s.authorize(ctx, id, requester, domain.ActionExecute)
	if err != nil {
		return err
	}
	stopCtx, cancel := s.runtimeCtx(ctx)
	defer cancel()
	if err := s.runtime.StopContainer(stopCtx, grant.Workspace.ContainerID); err != nil {
		return domain.NewRuntimeError("stop", err)
	}
	if err := s.transition(ctx, grant.Workspace, domain.WorkspaceStopped); err != nil {
		return err
	}
	s.logger.Info("workspace stopped", "workspace_id", id)
	return nil
}

// Delete tears down the container, then removes the record. Ordering is
// stop, remove container, delete record, so a mid-failure can leave an
// orphaned container and record pair but never a record pointing at nothing.
func (s Service) Delete(ctx context.Context, id string, requester Requester) error {
	grant, err := s.authorize(ctx, id, requester, domain.ActionAdmin)
	if err != nil {
		return err
	}
	stopCtx, cancel := s.runtimeCtx(ctx)
	if err := s.runtime.StopContainer(stopCtx, grant.Workspace.ContainerID); err != nil {
		s.logger.Warn("stop before delete failed", "workspace_id", id, "error", err)
	}
	cancel()

	removeCtx, cancel := s.runtimeCtx(ctx)
	err = s.runtime.RemoveContainer(removeCtx, grant.Workspace.ContainerID)
	cancel()
	if err != nil {
		return domain.NewRuntimeError("remove", err)
	}

	if err := s.workspaces.DeleteWorkspace(ctx, id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		return err
	}
	s.logger.Info("workspace deleted", "workspace_id", id)
	return nil
}

// Logs returns the container's combined stdout and stderr, timestamped and
// bounded by line count.
func (s Service) Logs(ctx context.Context, id string, requester Requester, tail int) (string, error) {
	grant, err := s.access.ResolveAccess(ctx, id, requester.UserID, requester.Email)
	if err != nil {
		return "", err
	}
	if !access.PermissionFor(domain.ActionRead, grant.Workspace, requester.UserID, grant.Collaboration) {
		return "", domain.ErrForbidden
	}
	if tail <= 0 {
		tail = s.cfg.LogTailDefault
	}
	logsCtx, cancel := s.runtimeCtx(ctx)
	defer cancel()
	logs, err := s.runtime.ContainerLogs(logsCtx, grant.Workspace.ContainerID, tail, true)
	if err != nil {
		return "", domain.NewRuntimeError("logs", err)
	}
	return logs, nil
}

func (s Service) authorize(ctx context.Context, id string, requester Requester, action domain.Action) (*access.Grant, error) {
	grant, err := s.access.ResolveAccess(ctx, id, requester.UserID, requester.Email)
	if err != nil {
		return nil, err
	}
	if !access.PermissionFor(action, grant.Workspace, requester.UserID, grant.Collaboration) {
		return nil, domain.ErrForbidden
	}
	return grant, nil
}

func (s Service) transition(ctx context.Context, workspace *domain.Workspace, to domain.WorkspaceStatus) error {
	if workspace.Status == to {
		return nil
	}
	if !workspace.Status.CanTransition(to) {
		return fmt.Errorf("%w: workspace %s cannot move from %s to %s", domain.ErrConflict, workspace.ID, workspace.Status, to)
	}
	if err := s.workspaces.UpdateWorkspaceStatus(ctx, workspace.ID, to); err != nil {
		return err
	}
	workspace.Status = to
	return nil
}

// liveStatus maps the runtime's view of the container onto the workspace
// status for display.
func (s Service) liveStatus(ctx context.Context, workspace *domain.Workspace) domain.WorkspaceStatus {
	inspectCtx, cancel := s.runtimeCtx(ctx)
	defer cancel()
	state, err := s.runtime.InspectContainer(inspectCtx, workspace.ContainerID)
	if err != nil {
		return domain.WorkspaceError
	}
	if state.Running {
		return domain.WorkspaceRunning
	}
	return domain.WorkspaceStopped
}

// compensate removes a partially provisioned container. It runs on a fresh
// context so cleanup still happens when the caller's context is done.
func (s Service) compensate(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.callTimeout())
	defer cancel()
	if err := s.runtime.RemoveContainer(ctx, containerID); err != nil {
		s.logger.Error("compensating container removal failed", "container_id", containerID, "error", err)
	}
}

func (s Service) runtimeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.callTimeout())
}

func (s Service) callTimeout() time.Duration {
	if s.cfg.RuntimeCallTimeout > 0 {
		return s.cfg.RuntimeCallTimeout
	}
	return 30 * time.Second
}
