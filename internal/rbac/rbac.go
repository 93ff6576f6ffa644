package rbac

type Role string
type Action string

const (
	RoleOperator Role = "operator"
	RoleReviewer Role = "reviewer"
	RoleOwner    Role = "owner"
	RoleAdmin    Role = "admin"
)

const (
	ActionRead         Action = "read"
	ActionWrite        Action = "write"
	ActionManageGroups Action = "manage_groups"
	ActionCreateDoc    Action = "create_doc"
	ActionVoid         Action = "void"
	ActionAdmin        Action = "admin"
)

// Can answers coarse endpoint-level questions only. Whether a particular
// mutation is allowed on a particular document at its current stage is
// decided by the workflow package.
func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleOwner:
		return action == ActionRead || action == ActionWrite ||
			action == ActionManageGroups || action == ActionCreateDoc || action == ActionVoid
	case RoleReviewer:
		return action == ActionRead || action == ActionWrite
	case RoleOperator:
		return action == ActionRead || action == ActionWrite
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleOperator, RoleReviewer, RoleOwner, RoleAdmin:
		return Role(role)
	default:
		return RoleOperator
	}
}
