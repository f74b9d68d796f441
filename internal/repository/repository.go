package repository

import (
	"context"
	"time"

	"github.com/vacerde/qBridge/internal/domain"
)

// UserRepository persists users.
type UserRepository interface {
	CreateUser(ctx context.Context, user *domain.User) error
	GetUserByEmail(ctx context.Context, email string) (*domain.User, error)
	GetUserByID(ctx context.Context, id string) (*domain.User, error)
}

// WorkspaceRepository persists workspace records.
type WorkspaceRepository interface {
	CreateWorkspace(ctx context.Context, workspace *domain.Workspace) error
	GetWorkspaceByID(ctx context.Context, id string) (*domain.Workspace, error)
	ListWorkspacesByOwner(ctx context.Context, ownerID string) ([]domain.Workspace, error)
	UpdateWorkspaceStatus(ctx context.Context, id string, status domain.WorkspaceStatus) error
	TouchWorkspace(ctx context.Context, id string, accessedAt time.Time) error
	DeleteWorkspace(ctx context.Context, id string) error
}

// DeploymentUpdate captures mutable fields for an in-flight deployment.
type DeploymentUpdate struct {
	DeploymentID string
	Status       domain.DeploymentStatus
	ContainerID  string
	URL          string
	BuildTime    *int64
}

// DeploymentRepository stores deployment history and its append-only log.
type DeploymentRepository interface {
	CreateDeployment(ctx context.Context, deployment *domain.Deployment) error
	GetDeploymentByID(ctx context.Context, id string) (*domain.Deployment, error)
	ListDeploymentsByWorkspace(ctx context.Context, workspaceID string, limit int) ([]domain.Deployment, error)
	UpdateDeployment(ctx context.Context, update DeploymentUpdate) error
	// FinishDeployment records the terminal transition. It sets finished_at
	// and deploy_time only when no terminal transition happened before and
	// reports whether this call won.
	FinishDeployment(ctx context.Context, id string, status domain.DeploymentStatus, finishedAt time.Time, deployTime *int64) (bool, error)
	AppendDeploymentLog(ctx context.Context, deploymentID, message string) error
	ListDeploymentLogs(ctx context.Context, deploymentID string) ([]domain.DeploymentLog, error)
}

// CollaborationRepository persists invitation grants.
type CollaborationRepository interface {
	CreateCollaboration(ctx context.Context, collab *domain.Collaboration) error
	GetCollaborationByID(ctx context.Context, id string) (*domain.Collaboration, error)
	GetCollaboration(ctx context.Context, workspaceID, email string) (*domain.Collaboration, error)
	GetAcceptedCollaboration(ctx context.Context, workspaceID, email string) (*domain.Collaboration, error)
	ListCollaborationsByWorkspace(ctx context.Context, workspaceID string) ([]domain.Collaboration, error)
	ListPendingInvitations(ctx context.Context, email string) ([]domain.Collaboration, error)
	UpdateCollaboration(ctx context.Context, collab *domain.Collaboration) error
	DeleteCollaboration(ctx context.Context, workspaceID, email string) error
}
