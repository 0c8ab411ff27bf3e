package rbac

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"sort"
)

// PropertyAccess maps property ids to the actions a member holds on them.
//
// The nil map and the empty map mean different things: nil is "no override"
// (every property, role defaults) while an empty, non-nil map grants nothing.
type PropertyAccess map[int64]ActionSet

// Clone returns a deep copy, preserving nil
func (pa PropertyAccess) Clone() PropertyAccess {
	if pa == nil {
		return nil
	}
	out := make(PropertyAccess, len(pa))
	for id, actions := range pa {
		out[id] = actions
	}
	return out
}

// Validate checks ids and action sets
func (pa PropertyAccess) Validate() error {
	for id, actions := range pa {
		if id <= 0 {
			return fmt.Errorf("invalid property id in access override: %d", id)
		}
		if actions&^AllPropertyActions != 0 {
			return fmt.Errorf("invalid actions for property %d", id)
		}
	}
	return nil
}

// PropertyIDs returns the keys in ascending order
func (pa PropertyAccess) PropertyIDs() []int64 {
	ids := make([]int64, 0, len(pa))
	for id := range pa {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Prune drops entries for properties not in portfolioPropertyIDs. Nil stays nil.
func (pa PropertyAccess) Prune(portfolioPropertyIDs []int64) PropertyAccess {
	if pa == nil {
		return nil
	}
	present := make(map[int64]struct{}, len(portfolioPropertyIDs))
	for _, id := range portfolioPropertyIDs {
		present[id] = struct{}{}
	}
	out := make(PropertyAccess, len(pa))
	for id, actions := range pa {
		if _, ok := present[id]; ok {
			out[id] = actions
		}
	}
	return out
}

// Equal reports whether two overrides grant the same access
func (pa PropertyAccess) Equal(other PropertyAccess) bool {
	if (pa == nil) != (other == nil) || len(pa) != len(other) {
		return false
	}
	for id, actions := range pa {
		if o, ok := other[id]; !ok || o != actions {
			return false
		}
	}
	return true
}

// Value implements driver.Valuer. Nil is stored as SQL NULL.
func (pa PropertyAccess) Value() (driver.Value, error) {
	if pa == nil {
		return nil, nil
	}
	data, err := json.Marshal(pa)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal property access: %w", err)
	}
	return string(data), nil
}

// Scan implements sql.Scanner
func (pa *PropertyAccess) Scan(src interface{}) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*pa = nil
		return nil
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("cannot scan %T into PropertyAccess", src)
	}

	access := PropertyAccess{}
	if err := json.Unmarshal(data, &access); err != nil {
		return fmt.Errorf("failed to unmarshal property access: %w", err)
	}
	// "null" stored as JSON text still means no override
	if string(data) == "null" {
		access = nil
	}
	*pa = access
	return nil
}

// AccessResolver answers which properties a membership can see and what it
// may do on each.
type AccessResolver struct {
	role   Role
	access PropertyAccess
}

// NewAccessResolver builds a resolver for a role and its override
func NewAccessResolver(role Role, access PropertyAccess) AccessResolver {
	return AccessResolver{role: role, access: access}
}

// Restricted reports whether an override is in effect
func (r AccessResolver) Restricted() bool {
	return r.access != nil
}

// AccessibleProperties filters the portfolio's properties down to the ones
// the member can see. Override keys that are not in the portfolio are ignored.
func (r AccessResolver) AccessibleProperties(portfolioPropertyIDs []int64) []int64 {
	ids := make([]int64, 0, len(portfolioPropertyIDs))
	for _, id := range portfolioPropertyIDs {
		if r.Visible(id) {
			ids = append(ids, id)
		}
	}
	return ids
}

// Visible reports whether the property is in scope for the member. The
// caller is responsible for the property belonging to the portfolio.
func (r AccessResolver) Visible(propertyID int64) bool {
	if r.access == nil {
		return true
	}
	_, ok := r.access[propertyID]
	return ok
}

// AllowedActions returns the actions on a property. A listed property gets
// exactly its stored set, which may exceed the role's defaults.
func (r AccessResolver) AllowedActions(propertyID int64) ActionSet {
	if r.access == nil {
		return r.role.DefaultActions()
	}
	return r.access[propertyID]
}
