package model

import "strings"

// Identity is the caller identity supplied by the auth layer on every
// request and forwarded to the remote lock so holds are attributed to the
// buyer without a separate registration there.
type Identity struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
	Role  string `json:"role,omitempty"`
	// Bearer is the raw delegated credential, when the caller presented one.
	Bearer string `json:"-"`
}

// Empty reports whether no subject was supplied.
func (i Identity) Empty() bool { return strings.TrimSpace(i.ID) == "" }

// HasRole reports whether the identity's role is one of roles
// (case-insensitive).
func (i Identity) HasRole(roles ...string) bool {
	for _, r := range roles {
		if strings.EqualFold(strings.TrimSpace(r), i.Role) && i.Role != "" {
			return true
		}
	}
	return false
}
