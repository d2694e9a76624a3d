package auth

import "slices"

// Permission represents a named capability in the system.
type Permission string

// Permission constants.
const (
	PermStatusRead      Permission = "status:read"
	PermEmergencyStop   Permission = "safety:estop"
	PermSequenceControl Permission = "sequence:control"
	PermCommandSend     Permission = "command:send"
)

// rolePermissions is the single source of truth for the authorisation
// model.
var rolePermissions = map[Role][]Permission{
	RoleViewer: {
		PermStatusRead,
		PermEmergencyStop,
	},
	RoleOperator: {
		PermStatusRead,
		PermEmergencyStop,
		PermSequenceControl,
		PermCommandSend,
	},
}

// HasPermission returns true if the given role has the specified permission.
func HasPermission(role Role, perm Permission) bool {
	return slices.Contains(rolePermissions[role], perm)
}

// PermissionsForRole returns a copy of the permissions granted to role.
func PermissionsForRole(role Role) []Permission {
	return slices.Clone(rolePermissions[role])
}
