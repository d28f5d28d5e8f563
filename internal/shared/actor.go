package shared

import "strings"

// Actor is the pre-resolved identity and capability set of the caller.
// Workflows check capabilities against it instead of re-querying roles.
type Actor struct {
	UserID       int64
	DepartmentID int64
	permissions  map[string]struct{}
}

// NewActor builds an Actor with the given permission codes.
func NewActor(userID, departmentID int64, permissions ...string) Actor {
	set := make(map[string]struct{}, len(permissions))
	for _, p := range permissions {
		p = strings.TrimSpace(strings.ToLower(p))
		if p == "" {
			continue
		}
		set[p] = struct{}{}
	}
	return Actor{UserID: userID, DepartmentID: departmentID, permissions: set}
}

// IsAdmin reports whether the actor holds the administrative capability.
func (a Actor) IsAdmin() bool {
	_, ok := a.permissions[PermAdmin]
	return ok
}

// HasPermission reports whether the actor holds the permission code. Admins hold every code.
func (a Actor) HasPermission(code string) bool {
	if a.IsAdmin() {
		return true
	}
	_, ok := a.permissions[strings.ToLower(code)]
	return ok
}

// BelongsTo reports whether the actor is a member of the department.
func (a Actor) BelongsTo(departmentID int64) bool {
	return departmentID != 0 && a.DepartmentID == departmentID
}

// CanActFor reports whether the actor may act on behalf of the department,
// either as a member or through the elevated permission.
func (a Actor) CanActFor(departmentID int64, elevated string) bool {
	return a.BelongsTo(departmentID) || a.HasPermission(elevated)
}

// Permissions returns the permission codes held by the actor.
func (a Actor) Permissions() []string {
	out := make([]string, 0, len(a.permissions))
	for p := range a.permissions {
		out = append(out, p)
	}
	return out
}
