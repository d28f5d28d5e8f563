package rbac

import "time"

// Role represents a high-level permission grouping.
type Role struct {
	ID          int64
	Name        string
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Permission represents an atomic capability such as "requests.approve".
type Permission struct {
	ID          int64
	Name        string
	Description string
}

// Membership is what the workflows need to know about a user.
type Membership struct {
	UserID       int64
	DepartmentID int64
	IsActive     bool
}
