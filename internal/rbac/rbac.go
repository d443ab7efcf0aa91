package rbac

type Role string
type Action string

const (
	RoleViewer    Role = "viewer"
	RoleAnnotator Role = "annotator"
	RoleReviewer  Role = "reviewer"
	RoleAdmin     Role = "admin"
)

const (
	ActionRead Action = "read"
	// ActionAnnotate covers span and entity-link edits on the caller's own working copy.
	ActionAnnotate Action = "annotate"
	// ActionMerge folds contributor working copies into the authoritative document.
	ActionMerge        Action = "merge"
	ActionManageLabels Action = "manage_labels"
	ActionAdmin        Action = "admin"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleReviewer:
		return action == ActionRead || action == ActionAnnotate || action == ActionMerge || action == ActionManageLabels
	case RoleAnnotator:
		return action == ActionRead || action == ActionAnnotate
	case RoleViewer:
		return action == ActionRead
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleAnnotator, RoleReviewer, RoleAdmin:
		return Role(role)
	default:
		return RoleViewer
	}
}
