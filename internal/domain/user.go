package domain

// Role is an operator's access level.
type Role string

// Roles, in increasing order of privilege.
const (
	RoleUser     Role = "user"
	RoleOperator Role = "operator"
	RoleAdmin    Role = "admin"
)

func (r Role) level() int {
	switch r {
	case RoleUser:
		return 1
	case RoleOperator:
		return 2
	case RoleAdmin:
		return 3
	}
	return 0
}

// HasPermission reports whether r grants at least the privileges of required.
func (r Role) HasPermission(required Role) bool {
	return r.level() > 0 && r.level() >= required.level()
}

// Operator is an authenticated principal acting within one facility.
type Operator struct {
	ID         string
	FacilityID string
	Role       Role
}
