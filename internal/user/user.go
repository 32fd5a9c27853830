// Package user is the chat subsystem's view of the platform's user accounts.
// Accounts are owned elsewhere; chat only needs to resolve a participant id
// to the name, role and avatar shown next to a conversation.
package user

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("user not found")

type ID = string

type Role string

const (
	RoleStudent Role = "student"
	RoleTutor   Role = "tutor"
	RoleAdmin   Role = "admin"
)

type Profile struct {
	ID          ID     `json:"id" yaml:"id"`
	DisplayName string `json:"display_name" yaml:"display_name"`
	Role        Role   `json:"role" yaml:"role"`
	AvatarURL   string `json:"avatar_url,omitempty" yaml:"avatar_url"`
}

// Directory resolves participant ids. Lookup returns ErrNotFound for ids that
// do not (or no longer) exist.
type Directory interface {
	Lookup(ctx context.Context, id ID) (Profile, error)
}
