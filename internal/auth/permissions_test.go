package auth

import (
	"errors"
	"testing"
)

func TestHasPermission(t *testing.T) {
	tests := []struct {
		role Role
		perm Permission
		want bool
	}{
		{RoleViewer, PermStatusRead, true},
		{RoleViewer, PermEmergencyStop, true},
		{RoleViewer, PermSequenceControl, false},
		{RoleViewer, PermCommandSend, false},
		{RoleOperator, PermStatusRead, true},
		{RoleOperator, PermEmergencyStop, true},
		{RoleOperator, PermSequenceControl, true},
		{RoleOperator, PermCommandSend, true},
		{Role("admin"), PermStatusRead, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.role)+"/"+string(tt.perm), func(t *testing.T) {
			if got := HasPermission(tt.role, tt.perm); got != tt.want {
				t.Errorf("HasPermission() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPermissionsForRole_ReturnsCopy(t *testing.T) {
	perms := PermissionsForRole(RoleViewer)
	perms[0] = PermCommandSend
	if HasPermission(RoleViewer, PermCommandSend) {
		t.Error("mutating the returned slice changed the role model")
	}
}

func TestAuthorize(t *testing.T) {
	if err := Authorize(Principal{Role: RoleOperator}, PermCommandSend); err != nil {
		t.Errorf("Authorize(operator) = %v", err)
	}
	if err := Authorize(Principal{Role: RoleViewer}, PermCommandSend); !errors.Is(err, ErrForbidden) {
		t.Errorf("Authorize(viewer) = %v, want ErrForbidden", err)
	}
}
