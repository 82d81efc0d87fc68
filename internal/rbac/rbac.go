package rbac

type Role string
type Action string

const (
	RoleViewer    Role = "VIEWER"
	RoleCommenter Role = "COMMENTER"
	RoleMember    Role = "MEMBER"
	RoleAdmin     Role = "ADMIN"
)

const (
	ActionRead    Action = "read"
	ActionComment Action = "comment"
	ActionWrite   Action = "write"
	ActionAdmin   Action = "admin"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleMember:
		return action == ActionRead || action == ActionComment || action == ActionWrite
	case RoleCommenter:
		return action == ActionRead || action == ActionComment
	case RoleViewer:
		return action == ActionRead
	default:
		return false
	}
}

// AtLeast reports whether role sits at or above min in the
// VIEWER < COMMENTER < MEMBER < ADMIN hierarchy.
func AtLeast(role, min Role) bool {
	return rank(role) >= rank(min)
}

func rank(role Role) int {
	switch role {
	case RoleAdmin:
		return 3
	case RoleMember:
		return 2
	case RoleCommenter:
		return 1
	case RoleViewer:
		return 0
	default:
		return -1
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleCommenter, RoleMember, RoleAdmin:
		return Role(role)
	default:
		return RoleViewer
	}
}
