package rbac

// Role names. Keep these stable; they are part of auth/RBAC contracts.
const (
	RoleOwner           = "owner"
	RoleSupervisor      = "supervisor"
	RoleAgent           = "agent"
	RoleAnalyst         = "analyst"
	RoleSuperAdmin      = "super_admin"
	RoleNetworkOperator = "network_operator" // hidden role
)

// Managers may act on any agent in their workspace.
var Managers = []string{RoleOwner, RoleSupervisor}

func IsSuperAdmin(role string) bool { return role == RoleSuperAdmin }

func IsHiddenRole(role string) bool { return role == RoleNetworkOperator }

func isManager(role string) bool {
	for _, r := range Managers {
		if r == role {
			return true
		}
	}
	return IsSuperAdmin(role)
}
