package api

import (
	"time"

	"github.com/platinummonkey/portfolio-authz/pkg/rbac"
)

// CreatePortfolioRequest is the body of POST /portfolios
type CreatePortfolioRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// CreatePropertyRequest is the body of POST /portfolios/{id}/properties
type CreatePropertyRequest struct {
	Name string `json:"name"`
}

// AuthorizeRequest is the body of POST /portfolios/{id}/authorize. The
// question is always asked for the calling user.
type AuthorizeRequest struct {
	Action         string  `json:"action,omitempty"`
	PropertyID     *int64  `json:"property_id,omitempty"`
	PropertyAction string  `json:"property_action,omitempty"`
	TargetUserID   *int64  `json:"target_user_id,omitempty"`
	NewRole        *string `json:"new_role,omitempty"`
}

// AuthorizeResponse reports the decision with a user-facing message
type AuthorizeResponse struct {
	Allowed bool            `json:"allowed"`
	Reason  rbac.DenyReason `json:"reason,omitempty"`
	Message string          `json:"message,omitempty"`
}

// PropertiesResponse lists the properties visible to the caller
type PropertiesResponse struct {
	PortfolioID int64   `json:"portfolio_id"`
	PropertyIDs []int64 `json:"property_ids"`
}

// MembersResponse lists a portfolio's members
type MembersResponse struct {
	PortfolioID int64              `json:"portfolio_id"`
	Members     []*rbac.Membership `json:"members"`
}

// InviteMemberRequest is the body of POST /portfolios/{id}/invitations
type InviteMemberRequest struct {
	Email          string              `json:"email"`
	Role           string              `json:"role"`
	PropertyAccess rbac.PropertyAccess `json:"property_access,omitempty"`
}

// InvitationResponse is returned once, to the inviter. The token is only
// ever shown here.
type InvitationResponse struct {
	ID          int64     `json:"id"`
	PortfolioID int64     `json:"portfolio_id"`
	Email       string    `json:"email"`
	Role        rbac.Role `json:"role"`
	Token       string    `json:"token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// ChangeRoleRequest is the body of PUT /portfolios/{id}/members/{uid}/role
type ChangeRoleRequest struct {
	Role string `json:"role"`
}

// UpdatePropertyAccessRequest replaces a member's property override. A
// null or absent property_access clears the override.
type UpdatePropertyAccessRequest struct {
	PropertyAccess rbac.PropertyAccess `json:"property_access"`
}

// TransferOwnershipRequest is the body of POST /portfolios/{id}/transfer-ownership
type TransferOwnershipRequest struct {
	NewOwnerID int64 `json:"new_owner_id"`
}

// AuditResponse lists audit entries, newest first
type AuditResponse struct {
	PortfolioID int64              `json:"portfolio_id"`
	Entries     []*rbac.AuditEntry `json:"entries"`
}
