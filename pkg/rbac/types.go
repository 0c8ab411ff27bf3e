package rbac

import (
	"time"
)

// Portfolio is the tenant container grouping properties and members
type Portfolio struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedBy   int64     `json:"created_by"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Property is a unit of managed real estate inside exactly one portfolio.
// Its portfolio never changes.
type Property struct {
	ID          int64     `json:"id"`
	PortfolioID int64     `json:"portfolio_id"`
	Name        string    `json:"name"`
	CreatedAt   time.Time `json:"created_at"`
}

// Membership binds one user to one portfolio with a role and an optional
// per-property access override. A nil PropertyAccess means the member sees
// every property with the role's default actions.
type Membership struct {
	ID             int64          `json:"id"`
	UserID         int64          `json:"user_id"`
	PortfolioID    int64          `json:"portfolio_id"`
	Role           Role           `json:"role"`
	PropertyAccess PropertyAccess `json:"property_access"`
	InvitedBy      *int64         `json:"invited_by,omitempty"`
	InvitedAt      *time.Time     `json:"invited_at,omitempty"`
	AcceptedAt     *time.Time     `json:"accepted_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Invitation is a pending offer of membership sent to an email address
type Invitation struct {
	ID             int64          `json:"id"`
	PortfolioID    int64          `json:"portfolio_id"`
	Email          string         `json:"email"`
	Role           Role           `json:"role"`
	PropertyAccess PropertyAccess `json:"property_access"`
	Token          string         `json:"token,omitempty"`
	InvitedBy      int64          `json:"invited_by"`
	InvitedAt      time.Time      `json:"invited_at"`
	ExpiresAt      time.Time      `json:"expires_at"`
	AcceptedAt     *time.Time     `json:"accepted_at,omitempty"`
	AcceptedBy     *int64         `json:"accepted_by,omitempty"`
}

// Expired reports whether the invitation can no longer be accepted at now
func (i *Invitation) Expired(now time.Time) bool {
	return !now.Before(i.ExpiresAt)
}

// Accepted reports whether the invitation was already used
func (i *Invitation) Accepted() bool {
	return i.AcceptedAt != nil
}

// InviteRequest describes a new invitation
type InviteRequest struct {
	Email          string         `json:"email"`
	Role           Role           `json:"role"`
	PropertyAccess PropertyAccess `json:"property_access"`
}

// PortfolioPermissions summarizes what a member may do portfolio-wide
type PortfolioPermissions struct {
	PortfolioID     int64             `json:"portfolio_id"`
	Role            Role              `json:"role"`
	AllowedActions  []PortfolioAction `json:"allowed_actions"`
	AssignableRoles []Role            `json:"assignable_roles"`
}

// PropertyCapabilities is the view/edit/manage/delete summary for one property
type PropertyCapabilities struct {
	PropertyID  int64     `json:"property_id"`
	Visible     bool      `json:"visible"`
	CanView     bool      `json:"can_view"`
	CanEdit     bool      `json:"can_edit"`
	CanManage   bool      `json:"can_manage"`
	CanDelete   bool      `json:"can_delete"`
	Permissions ActionSet `json:"permissions"`
}
