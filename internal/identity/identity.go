// Package identity is the read-only view of the external identity directory
// and the local student_id <-> user_id mapping.
package identity

import (
	"context"
	"errors"
)

// Role is the RBAC role assigned by the identity directory.
type Role string

const (
	RoleStudent Role = "student"
	RoleTeacher Role = "teacher"
	RoleStore   Role = "store"
	RoleAdmin   Role = "admin"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleStudent, RoleTeacher, RoleStore, RoleAdmin:
		return true
	}
	return false
}

const StatusActive = "active"

var (
	ErrUnknownUser  = errors.New("unknown user")
	ErrInactiveUser = errors.New("user is not active")
	ErrRoleMismatch = errors.New("role does not permit this action")
)

// User is the directory record for one account.
type User struct {
	UserID string `json:"user_id"`
	Role   Role   `json:"role"`
	Status string `json:"status"`
}

// Active reports whether the account may act.
func (u User) Active() bool { return u.Status == StatusActive }

// Directory looks users up by their stable id.
type Directory interface {
	Lookup(ctx context.Context, userID string) (User, error)
}

// StaticDirectory is a fixed in-memory directory.
type StaticDirectory map[string]User

func (d StaticDirectory) Lookup(_ context.Context, userID string) (User, error) {
	u, ok := d[userID]
	if !ok {
		return User{}, ErrUnknownUser
	}
	return u, nil
}
