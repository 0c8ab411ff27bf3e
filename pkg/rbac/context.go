package rbac

import (
	"context"
	"errors"
	"fmt"
)

// PermissionContext is the immutable input to every evaluation: who the user
// is in one portfolio. It is rebuilt for each decision and never cached.
type PermissionContext struct {
	userID      int64
	portfolioID int64
	role        Role
	access      PropertyAccess
}

// NewPermissionContext snapshots a membership
func NewPermissionContext(m *Membership) PermissionContext {
	return PermissionContext{
		userID:      m.UserID,
		portfolioID: m.PortfolioID,
		role:        m.Role,
		access:      m.PropertyAccess.Clone(),
	}
}

func (pc PermissionContext) UserID() int64      { return pc.userID }
func (pc PermissionContext) PortfolioID() int64 { return pc.portfolioID }
func (pc PermissionContext) Role() Role         { return pc.role }

// PropertyAccess returns a copy of the override, nil when none is set
func (pc PermissionContext) PropertyAccess() PropertyAccess {
	return pc.access.Clone()
}

// Resolver returns the property access resolver for this context
func (pc PermissionContext) Resolver() AccessResolver {
	return NewAccessResolver(pc.role, pc.access)
}

// ContextBuilder loads permission contexts from storage
type ContextBuilder struct {
	queries Queries
}

// NewContextBuilder creates a builder reading through q
func NewContextBuilder(q Queries) *ContextBuilder {
	return &ContextBuilder{queries: q}
}

// Build loads the membership for (userID, portfolioID). The boolean is false
// when the user is not a member; err is only set for storage failures.
func (b *ContextBuilder) Build(ctx context.Context, userID, portfolioID int64) (PermissionContext, bool, error) {
	m, err := b.queries.GetMembership(ctx, userID, portfolioID)
	if errors.Is(err, ErrMembershipNotFound) {
		return PermissionContext{}, false, nil
	}
	if err != nil {
		return PermissionContext{}, false, fmt.Errorf("failed to load membership: %w", err)
	}
	if !m.Role.Valid() {
		return PermissionContext{}, false, fmt.Errorf("membership %d has invalid role %d", m.ID, uint8(m.Role))
	}
	return NewPermissionContext(m), true, nil
}
