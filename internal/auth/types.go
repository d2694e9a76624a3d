package auth

// Role is an authorisation tier.
type Role string

const (
	// RoleViewer observes the apparatus. It may still trigger an
	// emergency stop.
	RoleViewer Role = "viewer"

	// RoleOperator drives the apparatus.
	RoleOperator Role = "operator"
)

// IsValid reports whether r is a known role.
func (r Role) IsValid() bool {
	return r == RoleViewer || r == RoleOperator
}

// Principal is an authenticated caller.
type Principal struct {
	Username string `json:"username"`
	Role     Role   `json:"role"`
}
