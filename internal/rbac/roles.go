package rbac

// Role names. Keep these stable; they are part of auth/RBAC contracts.
const (
	RoleCaller     = "caller"
	RoleStreamer   = "streamer"
	RoleAdmin      = "admin"
	RoleSuperAdmin = "super_admin"
)

func IsSuperAdmin(role string) bool { return role == RoleSuperAdmin }

func IsAdmin(role string) bool { return role == RoleAdmin || role == RoleSuperAdmin }

// IsValidRole reports whether role can be issued in a token.
func IsValidRole(role string) bool {
	switch role {
	case RoleCaller, RoleStreamer, RoleAdmin, RoleSuperAdmin:
		return true
	default:
		return false
	}
}

// ParticipantRoles may place and receive calls.
func ParticipantRoles() []string { return []string{RoleCaller, RoleStreamer} }
