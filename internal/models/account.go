package models

import (
	"time"

	"github.com/google/uuid"
)

// User roles.
const (
	RoleStudent = "student"
	RoleTeacher = "teacher"
	RoleAdmin   = "admin"
)

// SystemAdminID is the seeded platform administrator.
var SystemAdminID = uuid.MustParse("00000000-0000-0000-0000-000000000002")

type User struct {
	ID           uuid.UUID `json:"id"`
	Email        string    `json:"email"`
	DisplayName  string    `json:"display_name"`
	Role         string    `json:"role"`
	PasswordHash string    `json:"-"`
	Suspended    bool      `json:"suspended"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ValidRole reports whether role may be chosen at registration.
func ValidRole(role string) bool {
	return role == RoleStudent || role == RoleTeacher
}
