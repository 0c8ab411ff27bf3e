package rbac

import (
	"encoding/json"
	"fmt"
	"strings"
)

// PropertyAction is an action a member can take on a single property
type PropertyAction uint8

const (
	PropertyView PropertyAction = iota
	PropertyEdit
	PropertyManage
	PropertyDelete

	numPropertyActions
)

var propertyActionNames = [numPropertyActions]string{
	PropertyView:   "view",
	PropertyEdit:   "edit",
	PropertyManage: "manage",
	PropertyDelete: "delete",
}

// ParsePropertyAction parses a property action name
func ParsePropertyAction(s string) (PropertyAction, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for i, n := range propertyActionNames {
		if n == name {
			return PropertyAction(i), nil
		}
	}
	return 0, fmt.Errorf("unknown property action: %q", s)
}

// Valid reports whether a is a defined property action
func (a PropertyAction) Valid() bool {
	return a < numPropertyActions
}

func (a PropertyAction) String() string {
	if !a.Valid() {
		return fmt.Sprintf("PropertyAction(%d)", uint8(a))
	}
	return propertyActionNames[a]
}

// MarshalText implements encoding.TextMarshaler
func (a PropertyAction) MarshalText() ([]byte, error) {
	if !a.Valid() {
		return nil, fmt.Errorf("invalid property action: %d", uint8(a))
	}
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (a *PropertyAction) UnmarshalText(text []byte) error {
	parsed, err := ParsePropertyAction(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// ActionSet is a set of property actions
type ActionSet uint8

// AllPropertyActions contains view, edit, manage and delete
const AllPropertyActions ActionSet = 1<<numPropertyActions - 1

// NewActionSet builds a set from the given actions
func NewActionSet(actions ...PropertyAction) ActionSet {
	var s ActionSet
	for _, a := range actions {
		s = s.With(a)
	}
	return s
}

// ParseActionSet parses a list of action names
func ParseActionSet(names []string) (ActionSet, error) {
	var s ActionSet
	for _, n := range names {
		a, err := ParsePropertyAction(n)
		if err != nil {
			return 0, err
		}
		s = s.With(a)
	}
	return s, nil
}

// Has reports whether a is in the set
func (s ActionSet) Has(a PropertyAction) bool {
	return a.Valid() && s&(1<<a) != 0
}

// With returns a copy of the set with a added
func (s ActionSet) With(a PropertyAction) ActionSet {
	if !a.Valid() {
		return s
	}
	return s | 1<<a
}

// Empty reports whether the set has no actions
func (s ActionSet) Empty() bool {
	return s&AllPropertyActions == 0
}

// Actions returns the members of the set in declaration order
func (s ActionSet) Actions() []PropertyAction {
	actions := make([]PropertyAction, 0, numPropertyActions)
	for a := PropertyAction(0); a < numPropertyActions; a++ {
		if s.Has(a) {
			actions = append(actions, a)
		}
	}
	return actions
}

// Strings returns the action names in declaration order
func (s ActionSet) Strings() []string {
	names := make([]string, 0, numPropertyActions)
	for _, a := range s.Actions() {
		names = append(names, a.String())
	}
	return names
}

func (s ActionSet) String() string {
	return "[" + strings.Join(s.Strings(), ",") + "]"
}

// MarshalJSON encodes the set as a list of action names
func (s ActionSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Strings())
}

// UnmarshalJSON decodes a list of action names
func (s *ActionSet) UnmarshalJSON(data []byte) error {
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return err
	}
	parsed, err := ParseActionSet(names)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// PortfolioAction is a coarse, role-gated action on a whole portfolio
type PortfolioAction string

const (
	ActionEditPortfolio     PortfolioAction = "edit_portfolio"
	ActionDeletePortfolio   PortfolioAction = "delete_portfolio"
	ActionInviteMembers     PortfolioAction = "invite_members"
	ActionChangeMemberRoles PortfolioAction = "change_member_roles"
	ActionRemoveMembers     PortfolioAction = "remove_members"
	ActionViewMembers       PortfolioAction = "view_members"
)

// portfolioActionThresholds maps each portfolio action to the minimum role
// that may perform it.
var portfolioActionThresholds = map[PortfolioAction]Role{
	ActionEditPortfolio:     RoleAdmin,
	ActionDeletePortfolio:   RoleOwner,
	ActionInviteMembers:     RoleAdmin,
	ActionChangeMemberRoles: RoleAdmin,
	ActionRemoveMembers:     RoleAdmin,
	ActionViewMembers:       RoleViewer,
}

// PortfolioActions returns every portfolio action in a stable order
func PortfolioActions() []PortfolioAction {
	return []PortfolioAction{
		ActionEditPortfolio,
		ActionDeletePortfolio,
		ActionInviteMembers,
		ActionChangeMemberRoles,
		ActionRemoveMembers,
		ActionViewMembers,
	}
}

// ParsePortfolioAction parses a portfolio action name
func ParsePortfolioAction(s string) (PortfolioAction, error) {
	a := PortfolioAction(strings.ToLower(strings.TrimSpace(s)))
	if !a.Valid() {
		return "", fmt.Errorf("unknown portfolio action: %q", s)
	}
	return a, nil
}

// Valid reports whether a is one of the defined portfolio actions
func (a PortfolioAction) Valid() bool {
	_, ok := portfolioActionThresholds[a]
	return ok
}

// MinimumRole returns the lowest role allowed to perform a
func (a PortfolioAction) MinimumRole() (Role, bool) {
	r, ok := portfolioActionThresholds[a]
	return r, ok
}

// targetsMember reports whether the action operates on another membership
func (a PortfolioAction) targetsMember() bool {
	return a == ActionChangeMemberRoles || a == ActionRemoveMembers
}
