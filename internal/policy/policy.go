// Package policy is the single access-control decision point. Handlers
// never re-derive role checks; they build a Resource and ask CanAccess.
package policy

type Role string
type Action string
type ResourceKind string

const (
	RoleAnonymous Role = ""
	RoleUser      Role = "user"
	RoleAdmin     Role = "admin"
)

const (
	ActionRead       Action = "read"
	ActionWrite      Action = "write"
	ActionDelete     Action = "delete"
	ActionLike       Action = "like"
	ActionChangeRole Action = "changeRole"
)

const (
	KindDocument ResourceKind = "document"
	KindUser     ResourceKind = "user"
)

// Actor is the caller of an operation. The zero value is anonymous.
type Actor struct {
	ID   string
	Role Role
}

func (a Actor) Authenticated() bool {
	return a.Role == RoleUser || a.Role == RoleAdmin
}

func (a Actor) IsAdmin() bool {
	return a.Role == RoleAdmin
}

// Resource identifies what is being acted on. OwnerID is the document's
// author, or for a user record the record's own user ID. Status is only
// meaningful for documents.
type Resource struct {
	Kind    ResourceKind
	OwnerID string
	Status  string
}

func Document(authorID, status string) Resource {
	return Resource{Kind: KindDocument, OwnerID: authorID, Status: status}
}

func UserRecord(userID string) Resource {
	return Resource{Kind: KindUser, OwnerID: userID}
}

// CanAccess decides whether actor may perform action on res. Pure, no
// side effects. Rules are evaluated in order, first match wins.
func CanAccess(actor Actor, res Resource, action Action) bool {
	if !actor.Authenticated() {
		return action == ActionRead && res.Kind == KindDocument && res.Status == "published"
	}

	if actor.IsAdmin() {
		// Admins may do anything except delete their own account.
		if action == ActionDelete && res.Kind == KindUser && res.OwnerID == actor.ID {
			return false
		}
		return true
	}

	switch action {
	case ActionLike:
		// Any authenticated user may toggle a like, regardless of status.
		return res.Kind == KindDocument
	case ActionRead:
		if res.Kind == KindDocument {
			// Drafts and archived documents are not visible to their
			// author; only published state or admin grants read.
			return res.Status == "published"
		}
		return res.OwnerID == actor.ID
	case ActionWrite:
		// Self-edit of one's own profile; role changes are ActionChangeRole.
		return res.Kind == KindUser && res.OwnerID == actor.ID
	default:
		return false
	}
}

// RequiresCurrentPassword reports whether a password change must prove
// the current password. Only an admin acting on someone else's account
// is exempt.
func RequiresCurrentPassword(actor Actor, targetUserID string) bool {
	return !actor.IsAdmin() || actor.ID == targetUserID
}

// Normalize maps an arbitrary stored role string onto a known Role.
func Normalize(role string) Role {
	switch Role(role) {
	case RoleUser, RoleAdmin:
		return Role(role)
	default:
		return RoleUser
	}
}
