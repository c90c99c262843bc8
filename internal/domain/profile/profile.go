package profile

import "time"

// Roles a staff profile may hold.
const (
	RoleAdmin = "admin"
	RoleStaff = "staff"
)

// Profile mirrors an auth user with shelter-specific attributes.
type Profile struct {
	ID        string    `json:"id" db:"id"`
	Email     string    `json:"email" db:"email"`
	FullName  *string   `json:"full_name" db:"full_name"`
	Role      string    `json:"role" db:"role"`
	CreatedAt time.Time `json:"created_at,omitempty" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// DisplayName falls back to the email when no name is set.
func (p Profile) DisplayName() string {
	if p.FullName != nil && *p.FullName != "" {
		return *p.FullName
	}
	return p.Email
}

// IsAdmin reports whether the profile holds the admin role.
func (p Profile) IsAdmin() bool {
	return p.Role == RoleAdmin
}
