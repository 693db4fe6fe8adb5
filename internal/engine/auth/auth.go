package auth

import (
	"fmt"
)

// AuthorizationError indicates the acting user lacks the role a protocol
// operation requires.
type AuthorizationError struct {
	Role string
}

func (e AuthorizationError) Error() string {
	return fmt.Sprintf("elevated role required (one of: %s)", e.Role)
}

// Actor is the consumed auth identity: user id plus the roles asserted by
// the caller's token or the winery role table.
type Actor struct {
	ID    string
	Roles []string
}

// HasRole reports whether the actor carries the given role.
func (a Actor) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}
