package deploy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
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

// deployPort is the fixed internal port every deployed service listens on.
const deployPort = nat.Port("3000/tcp")

// deployLabel marks containers launched by the pipeline.
const deployLabel = "qBridge-deployment"

// Runtime is the container runtime surface the pipeline consumes.
type Runtime interface {
	CommitContainer(ctx context.Context, id, repo, tag string) (string, error)
	CreateContainer(ctx context.Context, spec docker.ContainerSpec) (string, error)
	StartContainer(ctx context.Context, id string) error
	StopContainer(ctx context.Context, id string) error
	RemoveContainer(ctx context.Context, id string) error
	InspectContainer(ctx context.Context, id string) (docker.ContainerState, error)
}

// Requester identifies the caller of an operation.
type Requester struct {
	UserID string
	Email  string
}

// StartInput describes a requested deployment.
type StartInput struct {
	WorkspaceID  string
	Name         string
	Environment  string
	BuildCommand string
	StartCommand string
	EnvVars      map[string]string
}

// run is the retained handle for an in-flight pipeline. Its mutex serializes
// every status and log mutation for the deployment, including cancellation
// racing the pipeline goroutine.
type run struct {
	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

var closedDone = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Service orchestrates the snapshot-and-run deployment pipeline.
type Service struct {
	deployments repository.DeploymentRepository
	runtime     Runtime
	access      access.Checker
	logger      *slog.Logger
	cfg         config.APIConfig

	mu   sync.Mutex
	runs map[string]*run
}

// New returns a deployment service.
func New(deployments repository.DeploymentRepository, runtime Runtime, checker access.Checker, logger *slog.Logger, cfg config.APIConfig) *Service {
	return &Service{
		deployments: deployments,
		runtime:     runtime,
		access:      checker,
		logger:      logger,
		cfg:         cfg,
		runs:        map[string]*run{},
	}
}

// Start persists a building deployment and dispatches the remaining stages
// asynchronously. The caller gets the record back as soon as it is durable.
func (s *Service) Start(ctx context.Context, input StartInput, requester Requester) (*domain.Deployment, error) {
	grant, err := s.access.ResolveAccess(ctx, input.WorkspaceID, requester.UserID, requester.Email)
	if err != nil {
		return nil, err
	}
	if !access.PermissionFor(domain.ActionAdmin, grant.Workspace, requester.UserID, grant.Collaboration) {
		return nil, domain.ErrForbidden
	}
	name := strings.TrimSpace(input.Name)
	if name == "" {
		name = grant.Workspace.Name
	}
	environment := strings.TrimSpace(input.Environment)
	if environment == "" {
		environment = "production"
	}

	now := time.Now().UTC()
	deployment := &domain.Deployment{
		ID:           uuid.NewString(),
		WorkspaceID:  grant.Workspace.ID,
		OwnerID:      grant.Workspace.OwnerID,
		Name:         name,
		Environment:  environment,
		Status:       domain.DeploymentBuilding,
		BuildCommand: strings.TrimSpace(input.BuildCommand),
		StartCommand: strings.TrimSpace(input.StartCommand),
		EnvVars:      input.EnvVars,
		CreatedAt:    now,
		StartedAt:    now,
	}
	if err := s.deployments.CreateDeployment(ctx, deployment); err != nil {
		return nil, err
	}
	if err := s.deployments.AppendDeploymentLog(ctx, deployment.ID, "Starting deployment process..."); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithTimeout(context.Background(), s.deployTimeout())
	handle := &run{cancel: cancel, done: make(chan struct{})}
	s.mu.Lock()
	s.runs[deployment.ID] = handle
	s.mu.Unlock()

	go s.execute(runCtx, handle, *deployment, grant.Workspace.ContainerID)

	s.logger.Info("deployment started", "deployment_id", deployment.ID, "workspace_id", deployment.WorkspaceID)
	return deployment, nil
}

// Wait returns a channel closed when the deployment's pipeline goroutine has
// finished. Unknown or already-finished deployments yield a closed channel.
func (s *Service) Wait(deploymentID string) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if handle, ok := s.runs[deploymentID]; ok {
		return handle.done
	}
	return closedDone
}

// execute runs the pipeline stages. Each stage appends its log line before
// the runtime call so progress survives a crash between stages.
func (s *Service) execute(ctx context.Context, handle *run, deployment domain.Deployment, sourceContainerID string) {
	defer func() {
		handle.cancel()
		close(handle.done)
		s.mu.Lock()
		delete(s.runs, deployment.ID)
		s.mu.Unlock()
	}()

	// Stage 1: snapshot the sandbox into an image.
	s.appendLog(handle, deployment.ID, "Building image from workspace snapshot...")
	imageRef, err := s.runtime.CommitContainer(ctx, sourceContainerID, "qbridge-deploy/"+deployment.WorkspaceID, shortID(deployment.ID))
	if err != nil {
		s.fail(handle, &deployment, fmt.Sprintf("Image build failed: %v", err))
		return
	}
	buildTime := int64(time.Since(deployment.StartedAt).Seconds())
	if !s.update(handle, &deployment, repository.DeploymentUpdate{
		DeploymentID: deployment.ID,
		Status:       domain.DeploymentDeploying,
		BuildTime:    &buildTime,
	}) {
		return
	}

	// Stage 2: create the run container with the caller's env vars.
	s.appendLog(handle, deployment.ID, "Creating deployment container...")
	containerID, err := s.runtime.CreateContainer(ctx, docker.ContainerSpec{
		Name:   "deploy-" + shortID(deployment.ID),
		Image:  imageRef,
		Cmd:    startCommand(deployment.StartCommand),
		Env:    envList(deployment.EnvVars),
		Labels: map[string]string{"service": deployLabel, "deployment.id": deployment.ID, "workspace.id": deployment.WorkspaceID},
		Port:   deployPort,
	})
	if err != nil {
		s.fail(handle, &deployment, fmt.Sprintf("Container create failed: %v", err))
		return
	}
	deployment.ContainerID = containerID
	if !s.update(handle, &deployment, repository.DeploymentUpdate{
		DeploymentID: deployment.ID,
		ContainerID:  containerID,
	}) {
		s.removeContainer(containerID)
		return
	}

	// Stage 3: start it.
	s.appendLog(handle, deployment.ID, "Starting deployment container...")
	if err := s.runtime.StartContainer(ctx, containerID); err != nil {
		s.fail(handle, &deployment, fmt.Sprintf("Container start failed: %v", err))
		s.removeContainer(containerID)
		return
	}

	// Stage 4: discover the assigned host port and build the public URL.
	s.appendLog(handle, deployment.ID, "Resolving deployment address...")
	state, err := s.runtime.InspectContainer(ctx, containerID)
	if err != nil {
		s.fail(handle, &deployment, fmt.Sprintf("Container inspect failed: %v", err))
		s.removeContainer(containerID)
		return
	}
	hostPort := state.HostPort(deployPort)
	if hostPort <= 0 {
		s.fail(handle, &deployment, fmt.Sprintf("No host port assigned for %s", deployPort))
		s.removeContainer(containerID)
		return
	}
	url := fmt.Sprintf("http://localhost:%d", hostPort)
	if !s.update(handle, &deployment, repository.DeploymentUpdate{
		DeploymentID: deployment.ID,
		URL:          url,
	}) {
		s.removeContainer(containerID)
		return
	}

	// Stage 5: terminal transition.
	handle.mu.Lock()
	defer handle.mu.Unlock()
	finishedAt := time.Now().UTC()
	deployTime := int64(finishedAt.Sub(deployment.StartedAt).Seconds())
	won, err := s.deployments.FinishDeployment(context.Background(), deployment.ID, domain.DeploymentDeployed, finishedAt, &deployTime)
	if err != nil {
		s.logger.Error("finish deployment failed", "deployment_id", deployment.ID, "error", err)
		return
	}
	if !won {
		// Cancelled under us; the container is already running, tear it down.
		s.removeContainer(containerID)
		return
	}
	s.appendLogLocked(deployment.ID, "Deployment complete: "+url)
	s.logger.Info("deployment complete", "deployment_id", deployment.ID, "url", url, "deploy_time_s", deployTime)
}

// Cancel moves a building or deploying deployment to cancelled. It does not
// interrupt a runtime call already dispatched for the current stage; the
// pipeline observes the terminal record and tears its container down.
func (s *Service) Cancel(ctx context.Context, id string, requester Requester) error {
	deployment, err := s.authorizedDeployment(ctx, id, requester)
	if err != nil {
		return err
	}
	if deployment.Status.Terminal() {
		return fmt.Errorf("%w: deployment is already %s", domain.ErrConflict, deployment.Status)
	}

	s.mu.Lock()
	handle := s.runs[id]
	s.mu.Unlock()
	if handle != nil {
		handle.mu.Lock()
		defer handle.mu.Unlock()
	}

	finishedAt := time.Now().UTC()
	deployTime := int64(finishedAt.Sub(deployment.StartedAt).Seconds())
	won, err := s.deployments.FinishDeployment(ctx, id, domain.DeploymentCancelled, finishedAt, &deployTime)
	if err != nil {
		return err
	}
	if !won {
		return fmt.Errorf("%w: deployment already finished", domain.ErrConflict)
	}
	s.appendLogLocked(id, "Deployment cancelled by user")
	if handle != nil {
		handle.cancel()
	}
	s.logger.Info("deployment cancelled", "deployment_id", id)
	return nil
}

// Get returns a deployment the requester may view.
func (s *Service) Get(ctx context.Context, id string, requester Requester) (*domain.Deployment, error) {
	return s.authorizedDeployment(ctx, id, requester)
}

// List returns recent deployments for a workspace, newest first.
func (s *Service) List(ctx context.Context, workspaceID string, requester Requester, limit int) ([]domain.Deployment, error) {
	if _, err := s.access.ResolveAccess(ctx, workspaceID, requester.UserID, requester.Email); err != nil {
		return nil, err
	}
	return s.deployments.ListDeploymentsByWorkspace(ctx, workspaceID, limit)
}

// Logs returns the deployment's durable log lines in append order.
func (s *Service) Logs(ctx context.Context, id string, requester Requester) ([]domain.DeploymentLog, error) {
	if _, err := s.authorizedDeployment(ctx, id, requester); err != nil {
		return nil, err
	}
	logs, err := s.deployments.ListDeploymentLogs(ctx, id)
	if err != nil {
		return nil, err
	}
	sort.Slice(logs, func(i, j int) bool { return logs[i].Seq < logs[j].Seq })
	return logs, nil
}

// authorizedDeployment loads a deployment and checks workspace access. A
// deployment the requester may not see is indistinguishable from a missing
// one.
func (s *Service) authorizedDeployment(ctx context.Context, id string, requester Requester) (*domain.Deployment, error) {
	deployment, err := s.deployments.GetDeploymentByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	if _, err := s.access.ResolveAccess(ctx, deployment.WorkspaceID, requester.UserID, requester.Email); err != nil {
		return nil, err
	}
	return deployment, nil
}

func (s *Service) fail(handle *run, deployment *domain.Deployment, message string) {
	handle.mu.Lock()
	defer handle.mu.Unlock()
	s.appendLogLocked(deployment.ID, message)
	finishedAt := time.Now().UTC()
	deployTime := int64(finishedAt.Sub(deployment.StartedAt).Seconds())
	won, err := s.deployments.FinishDeployment(context.Background(), deployment.ID, domain.DeploymentFailed, finishedAt, &deployTime)
	if err != nil {
		s.logger.Error("finish deployment failed", "deployment_id", deployment.ID, "error", err)
		return
	}
	if won {
		s.logger.Warn("deployment failed", "deployment_id", deployment.ID, "reason", message)
	}
}

// update applies a non-terminal record mutation. It returns false when the
// deployment was cancelled out from under the pipeline.
func (s *Service) update(handle *run, deployment *domain.Deployment, upd repository.DeploymentUpdate) bool {
	handle.mu.Lock()
	defer handle.mu.Unlock()
	current, err := s.deployments.GetDeploymentByID(context.Background(), deployment.ID)
	if err == nil && current.Status.Terminal() {
		return false
	}
	if upd.Status != "" && !deployment.Status.CanTransition(upd.Status) {
		s.logger.Error("illegal deployment transition", "deployment_id", deployment.ID, "from", deployment.Status, "to", upd.Status)
		return false
	}
	if err := s.deployments.UpdateDeployment(context.Background(), upd); err != nil {
		s.logger.Error("deployment update failed", "deployment_id", deployment.ID, "error", err)
		return false
	}
	if upd.Status != "" {
		deployment.Status = upd.Status
	}
	return true
}

func (s *Service) appendLog(handle *run, deploymentID, message string) {
	handle.mu.Lock()
	defer handle.mu.Unlock()
	s.appendLogLocked(deploymentID, message)
}

func (s *Service) appendLogLocked(deploymentID, message string) {
	if err := s.deployments.AppendDeploymentLog(context.Background(), deploymentID, message); err != nil {
		s.logger.Warn("append deployment log failed", "deployment_id", deploymentID, "error", err)
	}
}

// removeContainer is best-effort cleanup for abandoned run containers.
func (s *Service) removeContainer(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.runtime.StopContainer(ctx, containerID); err != nil {
		s.logger.Warn("stop deployment container failed", "container_id", containerID, "error", err)
	}
	if err := s.runtime.RemoveContainer(ctx, containerID); err != nil {
		s.logger.Warn("remove deployment container failed", "container_id", containerID, "error", err)
	}
}

func (s *Service) deployTimeout() time.Duration {
	if s.cfg.DeployTimeout > 0 {
		return s.cfg.DeployTimeout
	}
	return 10 * time.Minute
}

func startCommand(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	return []string{"sh", "-c", raw}
}

func envList(vars map[string]string) []string {
	env := make([]string, 0, len(vars)+1)
	for k, v := range vars {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	env = append(env, "PORT=3000")
	return env
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
