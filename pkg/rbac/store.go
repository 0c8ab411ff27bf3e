package rbac

import (
	"context"
	"time"
)

// Queries is the storage surface the engine reads and writes through.
// Implementations must give read-after-write consistency: a membership
// change is visible to the very next GetMembership call.
type Queries interface {
	GetPortfolio(ctx context.Context, portfolioID int64) (*Portfolio, error)
	CreatePortfolio(ctx context.Context, p *Portfolio) error
	UpdatePortfolioCreator(ctx context.Context, portfolioID, userID int64) error

	// GetMembership returns ErrMembershipNotFound when the pair has no row
	GetMembership(ctx context.Context, userID, portfolioID int64) (*Membership, error)
	ListMemberships(ctx context.Context, portfolioID int64) ([]*Membership, error)
	CreateMembership(ctx context.Context, m *Membership) error
	// UpdateMembershipRole sets the role only if it still equals expected,
	// returning ErrStaleMembership otherwise.
	UpdateMembershipRole(ctx context.Context, membershipID int64, expected, next Role) error
	// UpdatePropertyAccess replaces the override only if the role still
	// equals expected, returning ErrStaleMembership otherwise.
	UpdatePropertyAccess(ctx context.Context, membershipID int64, expected Role, access PropertyAccess) error
	// DeleteMembership removes the row only if its role still equals
	// expected, returning ErrStaleMembership otherwise.
	DeleteMembership(ctx context.Context, membershipID int64, expected Role) error
	CountOwners(ctx context.Context, portfolioID int64) (int, error)

	CreateProperty(ctx context.Context, p *Property) error
	// DeleteProperty returns ErrPropertyNotFound for unknown ids
	DeleteProperty(ctx context.Context, propertyID int64) error
	// ListPropertyIDs returns the portfolio's property ids in ascending order
	ListPropertyIDs(ctx context.Context, portfolioID int64) ([]int64, error)
	// GetPropertyPortfolioID returns ErrPropertyNotFound for unknown ids
	GetPropertyPortfolioID(ctx context.Context, propertyID int64) (int64, error)

	CreateInvitation(ctx context.Context, inv *Invitation) error
	GetInvitationByToken(ctx context.Context, token string) (*Invitation, error)
	MarkInvitationAccepted(ctx context.Context, invitationID, userID int64, at time.Time) error
	DeleteExpiredInvitations(ctx context.Context, before time.Time) (int64, error)

	InsertAuditEntry(ctx context.Context, entry *AuditEntry) error
	ListAuditEntries(ctx context.Context, filter AuditFilter) ([]*AuditEntry, error)
}

// Store is Queries plus a transaction boundary. fn runs against a Queries
// bound to one transaction which commits when fn returns nil and rolls back
// otherwise.
type Store interface {
	Queries
	WithTx(ctx context.Context, fn func(q Queries) error) error
}

// PropertyLocator resolves a property to its owning portfolio
type PropertyLocator interface {
	GetPropertyPortfolioID(ctx context.Context, propertyID int64) (int64, error)
}

// PropertyInvalidator drops cached topology for a deleted property
type PropertyInvalidator interface {
	Invalidate(ctx context.Context, propertyID int64) error
}

// AuditFilter narrows ListAuditEntries. Entries come newest first; a zero
// Limit means DefaultAuditLimit.
type AuditFilter struct {
	PortfolioID int64
	UserID      *int64
	Actions     []AuditAction
	Limit       int
}

// DefaultAuditLimit bounds audit listings without an explicit limit
const DefaultAuditLimit = 100
