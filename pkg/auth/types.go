package auth

// Roles carried in the token's "roles" claim.
const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
	RoleViewer   = "viewer"
)

// Permissions checked by the admin surface.
const (
	PermRead   = "read"
	PermTriage = "triage"
	PermManage = "manage"
)

// Principal is the interface for any entity making a request.
type Principal interface {
	GetID() string
	GetRoles() []string
	HasPermission(perm string) bool
}

// BasePrincipal is a simple implementation of Principal.
type BasePrincipal struct {
	ID    string
	Roles []string
}

func (b *BasePrincipal) GetID() string {
	return b.ID
}

func (b *BasePrincipal) GetRoles() []string {
	return b.Roles
}

// HasPermission: admins may do everything, operators may read and triage,
// viewers may only read.
func (b *BasePrincipal) HasPermission(perm string) bool {
	for _, role := range b.Roles {
		switch role {
		case RoleAdmin:
			return true
		case RoleOperator:
			if perm == PermRead || perm == PermTriage {
				return true
			}
		case RoleViewer:
			if perm == PermRead {
				return true
			}
		}
	}
	return false
}

// System is the principal for actions the engine takes on its own.
var System Principal = &BasePrincipal{ID: "system", Roles: []string{RoleAdmin}}
