package domain

import "time"

// DeploymentStatus enumerates pipeline states.
type DeploymentStatus string

const (
	DeploymentBuilding  DeploymentStatus = "building"
	DeploymentDeploying DeploymentStatus = "deploying"
	DeploymentDeployed  DeploymentStatus = "deployed"
	DeploymentFailed    DeploymentStatus = "failed"
	DeploymentCancelled DeploymentStatus = "cancelled"
)

// Terminal reports whether the status ends the pipeline.
func (s DeploymentStatus) Terminal() bool {
	switch s {
	case DeploymentDeployed, DeploymentFailed, DeploymentCancelled:
		return true
	}
	return false
}

var deploymentTransitions = map[DeploymentStatus][]DeploymentStatus{
	DeploymentBuilding:  {DeploymentDeploying, DeploymentFailed, DeploymentCancelled},
	DeploymentDeploying: {DeploymentDeployed, DeploymentFailed, DeploymentCancelled},
}

// CanTransition validates a deployment status change. Terminal states have
// no outgoing transitions.
func (s DeploymentStatus) CanTransition(to DeploymentStatus) bool {
	for _, next := range deploymentTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Deployment captures a single snapshot-and-run pipeline for a workspace.
// FinishedAt is set exactly once, on the first terminal transition;
// DeployTime is derived only then.
type Deployment struct {
	ID           string
	WorkspaceID  string
	OwnerID      string
	Name         string
	Environment  string
	ContainerID  string
	Status       DeploymentStatus
	URL          string
	BuildCommand string
	StartCommand string
	EnvVars      map[string]string
	BuildTime    *int64
	DeployTime   *int64
	CreatedAt    time.Time
	StartedAt    time.Time
	FinishedAt   *time.Time
}

// DeploymentLog is one durable line of a deployment's append-only log.
type DeploymentLog struct {
	DeploymentID string
	Seq          int
	Message      string
	CreatedAt    time.Time
}
