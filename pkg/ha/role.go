// Package ha holds the types shared by every role-switching subsystem of a
// graphkeep node: cluster roles and the typed failures of a role transition.
package ha

import "strings"

// Role is the cluster position of a node for one switchable subsystem.
type Role int

const (
	RoleUnknown Role = iota
	RolePending
	RoleMaster
	RoleSlave
	RoleDetached
)

// String returns the string representation of the role.
func (r Role) String() string {
	switch r {
	case RoleUnknown:
		return "unknown"
	case RolePending:
		return "pending"
	case RoleMaster:
		return "master"
	case RoleSlave:
		return "slave"
	case RoleDetached:
		return "detached"
	default:
		return "invalid"
	}
}

// ParseRole parses a role name. Unrecognized names map to RoleUnknown.
func ParseRole(s string) Role {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pending":
		return RolePending
	case "master":
		return RoleMaster
	case "slave":
		return RoleSlave
	case "detached":
		return RoleDetached
	default:
		return RoleUnknown
	}
}
