package rbac

type Role string
type Action string

const (
	RoleExplorer Role = "explorer"
	RoleAdmin    Role = "admin"
)

// Actions: read covers browsing, follow covers follow/progress tracking,
// write covers chat participation, admin covers roadmap authoring and
// operational repair.
const (
	ActionRead   Action = "read"
	ActionFollow Action = "follow"
	ActionWrite  Action = "write"
	ActionAdmin  Action = "admin"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleExplorer:
		return action == ActionRead || action == ActionFollow || action == ActionWrite
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleExplorer, RoleAdmin:
		return Role(role)
	default:
		return RoleExplorer
	}
}
