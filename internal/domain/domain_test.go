package domain

import "testing"

func TestWorkspaceTransitions(t *testing.T) {
	cases := []struct {
		from, to WorkspaceStatus
		ok       bool
	}{
		{WorkspaceCreating, WorkspaceRunning, true},
		{WorkspaceRunning, WorkspaceStopped, true},
		{WorkspaceStopped, WorkspaceRunning, true},
		{WorkspaceRunning, WorkspaceError, true},
		{WorkspaceError, WorkspaceRunning, true},
		{WorkspaceStopped, WorkspaceDeleted, true},
		{WorkspaceDeleted, WorkspaceRunning, false},
		{WorkspaceDeleted, WorkspaceStopped, false},
		{WorkspaceStopped, WorkspaceCreating, false},
		{WorkspaceRunning, WorkspaceCreating, false},
	}
	for _, tc := range cases {
		if got := tc.from.CanTransition(tc.to); got != tc.ok {
			t.Errorf("%s -> %s = %v, want %v", tc.from, tc.to, got, tc.ok)
		}
	}
}

func TestDeploymentTerminalStatesHaveNoExits(t *testing.T) {
	terminals := []DeploymentStatus{DeploymentDeployed, DeploymentFailed, DeploymentCancelled}
	all := []DeploymentStatus{DeploymentBuilding, DeploymentDeploying, DeploymentDeployed, DeploymentFailed, DeploymentCancelled}
	for _, from := range terminals {
		if !from.Terminal() {
			t.Errorf("%s should be terminal", from)
		}
		for _, to := range all {
			if from.CanTransition(to) {
				t.Errorf("terminal %s allows transition to %s", from, to)
			}
		}
	}
	if DeploymentBuilding.Terminal() || DeploymentDeploying.Terminal() {
		t.Errorf("live states flagged terminal")
	}
}

func TestDeploymentPipelinePath(t *testing.T) {
	if !DeploymentBuilding.CanTransition(DeploymentDeploying) {
		t.Errorf("building -> deploying should be legal")
	}
	if !DeploymentDeploying.CanTransition(DeploymentDeployed) {
		t.Errorf("deploying -> deployed should be legal")
	}
	if DeploymentBuilding.CanTransition(DeploymentDeployed) {
		t.Errorf("building must pass through deploying")
	}
	for _, from := range []DeploymentStatus{DeploymentBuilding, DeploymentDeploying} {
		for _, to := range []DeploymentStatus{DeploymentFailed, DeploymentCancelled} {
			if !from.CanTransition(to) {
				t.Errorf("%s -> %s should be legal", from, to)
			}
		}
	}
}

func TestPermissionsForRole(t *testing.T) {
	cases := []struct {
		role Role
		want Permissions
	}{
		{RoleViewer, Permissions{Read: true}},
		{RoleEditor, Permissions{Read: true, Write: true, Execute: true}},
		{RoleAdmin, Permissions{Read: true, Write: true, Execute: true, Admin: true}},
	}
	for _, tc := range cases {
		if got := PermissionsForRole(tc.role); got != tc.want {
			t.Errorf("PermissionsForRole(%s) = %+v, want %+v", tc.role, got, tc.want)
		}
	}
	// Unknown roles grant nothing.
	if got := PermissionsForRole(Role("root")); got != (Permissions{}) {
		t.Errorf("unknown role granted %+v", got)
	}
}

func TestPermissionsAllows(t *testing.T) {
	editor := PermissionsForRole(RoleEditor)
	if !editor.Allows(ActionRead) || !editor.Allows(ActionWrite) || !editor.Allows(ActionExecute) {
		t.Errorf("editor missing expected actions: %+v", editor)
	}
	if editor.Allows(ActionAdmin) {
		t.Errorf("editor must not hold admin")
	}
	if editor.Allows(Action("destroy")) {
		t.Errorf("unknown action allowed")
	}
}

func TestTemplateLookup(t *testing.T) {
	tpl, ok := TemplateByName("node")
	if !ok || tpl.Image == "" {
		t.Fatalf("node template missing: %+v", tpl)
	}
	if _, ok := TemplateByName("fortran"); ok {
		t.Fatalf("unknown template resolved")
	}
	if len(TemplateNames()) == 0 {
		t.Fatalf("no templates registered")
	}
}
