package model

import "time"

// Names of the three built-in system roles. They are seeded at startup and
// can never be deleted.
const (
	RoleAdmin         = "admin"
	RoleAuthenticated = "authenticated"
	RolePublic        = "public"
)

// Role is a named bundle of permission strings assigned to users. Permission
// entries may be exact ids ("content.posts.create") or wildcards ("content.*",
// "*"). Permission strings are free-form at write time; they are only
// interpreted when a check is evaluated.
type Role struct {
	ID          string     `json:"id" db:"id"`
	Name        string     `json:"name" db:"name"` // unique slug, ^[a-z][a-z0-9-]*$
	DisplayName string     `json:"display_name" db:"display_name"`
	Description string     `json:"description,omitempty" db:"description"`
	Permissions []string   `json:"permissions"`
	IsSystem    bool       `json:"is_system" db:"is_system"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   *time.Time `json:"updated_at,omitempty" db:"updated_at"`
}

// HasGlobalWildcard reports whether the role holds the unrestricted "*" grant.
func (r *Role) HasGlobalWildcard() bool {
	for _, p := range r.Permissions {
		if p == "*" {
			return true
		}
	}
	return false
}
