package domain

import "time"

// WorkspaceStatus enumerates the sandbox lifecycle states.
type WorkspaceStatus string

const (
	WorkspaceCreating WorkspaceStatus = "creating"
	WorkspaceRunning  WorkspaceStatus = "running"
	WorkspaceStopped  WorkspaceStatus = "stopped"
	WorkspaceError    WorkspaceStatus = "error"
	WorkspaceDeleted  WorkspaceStatus = "deleted"
)

// Valid reports whether s is a known workspace status.
func (s WorkspaceStatus) Valid() bool {
	switch s {
	case WorkspaceCreating, WorkspaceRunning, WorkspaceStopped, WorkspaceError, WorkspaceDeleted:
		return true
	}
	return false
}

// workspaceTransitions holds the legal status graph. Deleted is terminal;
// error is reachable from any live state.
var workspaceTransitions = map[WorkspaceStatus][]WorkspaceStatus{
	WorkspaceCreating: {WorkspaceRunning, WorkspaceError, WorkspaceDeleted},
	WorkspaceRunning:  {WorkspaceStopped, WorkspaceError, WorkspaceDeleted},
	WorkspaceStopped:  {WorkspaceRunning, WorkspaceError, WorkspaceDeleted},
	WorkspaceError:    {WorkspaceRunning, WorkspaceStopped, WorkspaceDeleted},
	WorkspaceDeleted:  nil,
}

// CanTransition validates a workspace status change.
func (s WorkspaceStatus) CanTransition(to WorkspaceStatus) bool {
	for _, next := range workspaceTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// WorkspaceResources caps the backing container.
type WorkspaceResources struct {
	MemoryMB  int
	CPUShares int
	StorageMB int
}

// WorkspaceSettings holds per-workspace behaviour flags.
type WorkspaceSettings struct {
	AutoSleep     bool
	SleepAfterMin int
	PublicAccess  bool
}

// Workspace is the persisted record of a user's sandbox. It is backed by
// exactly one container at a time; ContainerID is set before the status
// leaves creating.
type Workspace struct {
	ID             string
	Name           string
	Description    string
	Template       string
	OwnerID        string
	ContainerID    string
	Status         WorkspaceStatus
	URL            string
	Port           int
	Resources      WorkspaceResources
	Settings       WorkspaceSettings
	CreatedAt      time.Time
	LastAccessedAt time.Time
	UpdatedAt      time.Time
}
