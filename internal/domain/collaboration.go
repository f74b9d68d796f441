package domain

import "time"

// Role classifies a collaborator's capabilities on a workspace.
type Role string

const (
	RoleViewer Role = "viewer"
	RoleEditor Role = "editor"
	RoleAdmin  Role = "admin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleViewer, RoleEditor, RoleAdmin:
		return true
	}
	return false
}

// CollaborationStatus tracks the invitation lifecycle.
type CollaborationStatus string

const (
	CollaborationPending  CollaborationStatus = "pending"
	CollaborationAccepted CollaborationStatus = "accepted"
	CollaborationRejected CollaborationStatus = "rejected"
	CollaborationRevoked  CollaborationStatus = "revoked"
)

// Permissions is the action bundle derived from a role.
type Permissions struct {
	Read    bool
	Write   bool
	Execute bool
	Admin   bool
}

// Action names a permission gate.
type Action string

const (
	ActionRead    Action = "read"
	ActionWrite   Action = "write"
	ActionExecute Action = "execute"
	ActionAdmin   Action = "admin"
)

// Allows reports whether the bundle grants the action.
func (p Permissions) Allows(action Action) bool {
	switch action {
	case ActionRead:
		return p.Read
	case ActionWrite:
		return p.Write
	case ActionExecute:
		return p.Execute
	case ActionAdmin:
		return p.Admin
	}
	return false
}

// PermissionsForRole derives the permission bundle from a role. Callers must
// invoke this wherever a role is assigned or changed so the stored bundle
// never drifts from the role.
func PermissionsForRole(role Role) Permissions {
	switch role {
	case RoleEditor:
		return Permissions{Read: true, Write: true, Execute: true}
	case RoleAdmin:
		return Permissions{Read: true, Write: true, Execute: true, Admin: true}
	default:
		return Permissions{Read: true}
	}
}

// Collaboration links an email to a role and permission bundle on one
// workspace. UserEmail is stored lowercased.
type Collaboration struct {
	ID          string
	WorkspaceID string
	UserEmail   string
	Role        Role
	Status      CollaborationStatus
	Permissions Permissions
	InvitedBy   string
	InvitedAt   time.Time
	AcceptedAt  *time.Time
	RejectedAt  *time.Time
	RevokedAt   *time.Time
}
