package domain

import "fmt"

// Role is assigned by the signaling server when a peer creates (host) or
// joins (guest) a room and is kept for the lifetime of the session.
type Role string

const (
	RoleNone  Role = ""
	RoleHost  Role = "host"
	RoleGuest Role = "guest"
)

func (r Role) Valid() bool { return r == RoleHost || r == RoleGuest }

func ParseRole(s string) (Role, error) {
	r := Role(s)
	if !r.Valid() {
		return RoleNone, fmt.Errorf("unknown role %q", s)
	}
	return r, nil
}
