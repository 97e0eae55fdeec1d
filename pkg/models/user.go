package models

import (
	"time"
)

// Role controls access to admin-only operations.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// User is a service account row, auto-provisioned on first authenticated
// request and keyed by the identity provider's subject claim.
type User struct {
	ID        string    `json:"id"`
	Subject   string    `json:"-"`
	Email     string    `json:"email"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// IsAdmin reports whether the user holds the admin role.
func (u *User) IsAdmin() bool {
	return u != nil && u.Role == RoleAdmin
}
