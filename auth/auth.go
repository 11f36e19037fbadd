// Package auth resolves the caller identity that lock and run requests carry.
// Authentication happens outside rollout; here a user is an id, a name and a role.
package auth

import (
	"time"

	"github.com/teranos/rollout/errors"
)

// Role orders what a user may do: viewer < deployer < admin
type Role string

const (
	RoleViewer   Role = "viewer"
	RoleDeployer Role = "deployer"
	RoleAdmin    Role = "admin"
)

func (r Role) rank() int {
	switch r {
	case RoleViewer:
		return 1
	case RoleDeployer:
		return 2
	case RoleAdmin:
		return 3
	default:
		return 0
	}
}

// ParseRole validates a role name
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if r.rank() == 0 {
		return "", errors.NewInvalidRequestError("unknown role %q (want viewer, deployer or admin)", s)
	}
	return r, nil
}

// AtLeast reports whether r includes the privileges of other
func (r Role) AtLeast(other Role) bool {
	return r.rank() >= other.rank() && r.rank() > 0
}

// User is a caller identity
type User struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// IsAdmin reports whether u holds override privilege
func (u *User) IsAdmin() bool {
	return u != nil && u.Role.AtLeast(RoleAdmin)
}

// CanDeploy reports whether u may run jobs and lock stages
func (u *User) CanDeploy() bool {
	return u != nil && u.Role.AtLeast(RoleDeployer)
}

// System is the identity used for work rollout starts on its own (reaper, recovery)
var System = &User{ID: 0, Name: "rollout", Role: RoleAdmin}
