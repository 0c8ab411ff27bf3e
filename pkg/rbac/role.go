package rbac

import (
	"database/sql/driver"
	"fmt"
	"strings"
)

// Role represents a member's role within a portfolio. Roles are totally
// ordered; a larger value outranks a smaller one.
type Role uint8

const (
	RoleViewer Role = iota
	RoleMember
	RoleAdmin
	RoleOwner
)

// roleInfo holds the display data for a role
type roleInfo struct {
	name        string
	displayName string
	description string
	defaults    ActionSet
}

// roleTable must have one entry per Role constant, indexed by value.
var roleTable = [...]roleInfo{
	RoleViewer: {
		name:        "viewer",
		displayName: "Viewer",
		description: "Read-only access to portfolio properties",
		defaults:    NewActionSet(PropertyView),
	},
	RoleMember: {
		name:        "member",
		displayName: "Member",
		description: "Can view and edit portfolio properties",
		defaults:    NewActionSet(PropertyView, PropertyEdit),
	},
	RoleAdmin: {
		name:        "admin",
		displayName: "Admin",
		description: "Manages properties and members below admin",
		defaults:    AllPropertyActions,
	},
	RoleOwner: {
		name:        "owner",
		displayName: "Owner",
		description: "Full control, including deleting and transferring the portfolio",
		defaults:    AllPropertyActions,
	},
}

// AllRoles returns every role from lowest to highest rank
func AllRoles() []Role {
	return []Role{RoleViewer, RoleMember, RoleAdmin, RoleOwner}
}

// ParseRole parses a role name
func ParseRole(s string) (Role, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for i, info := range roleTable {
		if info.name == name {
			return Role(i), nil
		}
	}
	return 0, fmt.Errorf("unknown role: %q", s)
}

// Valid reports whether r is one of the defined roles
func (r Role) Valid() bool {
	return int(r) < len(roleTable)
}

func (r Role) String() string {
	if !r.Valid() {
		return fmt.Sprintf("Role(%d)", uint8(r))
	}
	return roleTable[r].name
}

// DisplayName returns the human readable role name
func (r Role) DisplayName() string {
	if !r.Valid() {
		return r.String()
	}
	return roleTable[r].displayName
}

// Description returns a short description of what the role may do
func (r Role) Description() string {
	if !r.Valid() {
		return ""
	}
	return roleTable[r].description
}

// DefaultActions returns the property actions a role has when its
// membership carries no property-access override.
func (r Role) DefaultActions() ActionSet {
	if !r.Valid() {
		return 0
	}
	return roleTable[r].defaults
}

// AtLeast reports whether r ranks at or above threshold
func (r Role) AtLeast(threshold Role) bool {
	return r >= threshold
}

// Outranks reports whether r strictly ranks above other
func (r Role) Outranks(other Role) bool {
	return r > other
}

// MarshalText implements encoding.TextMarshaler
func (r Role) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("invalid role: %d", uint8(r))
	}
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (r *Role) UnmarshalText(text []byte) error {
	parsed, err := ParseRole(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// Value implements driver.Valuer so roles are stored by name
func (r Role) Value() (driver.Value, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("invalid role: %d", uint8(r))
	}
	return r.String(), nil
}

// Scan implements sql.Scanner
func (r *Role) Scan(src interface{}) error {
	switch v := src.(type) {
	case string:
		return r.UnmarshalText([]byte(v))
	case []byte:
		return r.UnmarshalText(v)
	default:
		return fmt.Errorf("cannot scan %T into Role", src)
	}
}

// CanManageRole reports whether an actor holding actorRole may change or
// remove a member holding targetRole through the generic member-management
// path. Only a strictly higher rank qualifies.
func CanManageRole(actorRole, targetRole Role) bool {
	if !actorRole.Valid() || !targetRole.Valid() {
		return false
	}
	return actorRole.Outranks(targetRole)
}

// AssignableRoles returns the roles an actor may grant through invitation or
// role change, highest first. Only admins and owners assign roles, and owner
// is never assignable; it only moves through ownership transfer.
func AssignableRoles(actorRole Role) []Role {
	roles := []Role{}
	if !actorRole.Valid() || actorRole < RoleAdmin {
		return roles
	}
	for r := actorRole - 1; ; r-- {
		if r != RoleOwner {
			roles = append(roles, r)
		}
		if r == RoleViewer {
			break
		}
	}
	return roles
}

// CanAssignRole reports whether target appears in AssignableRoles(actorRole)
func CanAssignRole(actorRole, target Role) bool {
	for _, r := range AssignableRoles(actorRole) {
		if r == target {
			return true
		}
	}
	return false
}
