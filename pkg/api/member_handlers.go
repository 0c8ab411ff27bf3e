package api

import (
	"net/http"

	"github.com/platinummonkey/portfolio-authz/pkg/httputil"
	"github.com/platinummonkey/portfolio-authz/pkg/rbac"
)

// listMembers handles GET /portfolios/{id}/members
func (s *Server) listMembers(w http.ResponseWriter, r *http.Request) {
	portfolioID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	members, err := s.memberships.ListMembers(r.Context(), actorID(r), portfolioID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if members == nil {
		members = []*rbac.Membership{}
	}
	_ = httputil.WriteSuccess(w, MembersResponse{PortfolioID: portfolioID, Members: members})
}

// inviteMember handles POST /portfolios/{id}/invitations
func (s *Server) inviteMember(w http.ResponseWriter, r *http.Request) {
	portfolioID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var body InviteMemberRequest
	if !httputil.ParseJSONOrError(w, r, &body) {
		return
	}
	role, err := rbac.ParseRole(body.Role)
	if err != nil {
		writeServiceError(w, r, &rbac.ValidationError{Field: "role", Message: err.Error()})
		return
	}

	inv, err := s.memberships.InviteMember(r.Context(), actorID(r), portfolioID, rbac.InviteRequest{
		Email:          body.Email,
		Role:           role,
		PropertyAccess: body.PropertyAccess,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	_ = httputil.WriteCreated(w, InvitationResponse{
		ID:          inv.ID,
		PortfolioID: inv.PortfolioID,
		Email:       inv.Email,
		Role:        inv.Role,
		Token:       inv.Token,
		ExpiresAt:   inv.ExpiresAt,
	})
}

// acceptInvitation handles POST /invitations/{token}/accept
func (s *Server) acceptInvitation(w http.ResponseWriter, r *http.Request) {
	token, ok := httputil.ParsePathStringOrError(w, r, "token")
	if !ok {
		return
	}

	m, err := s.memberships.AcceptInvitation(r.Context(), token, actorID(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	_ = httputil.WriteCreated(w, m)
}

// changeMemberRole handles PUT /portfolios/{id}/members/{uid}/role
func (s *Server) changeMemberRole(w http.ResponseWriter, r *http.Request) {
	portfolioID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	targetID, ok := httputil.ParsePathInt64OrError(w, r, "uid")
	if !ok {
		return
	}
	var body ChangeRoleRequest
	if !httputil.ParseJSONOrError(w, r, &body) {
		return
	}
	role, err := rbac.ParseRole(body.Role)
	if err != nil {
		writeServiceError(w, r, &rbac.ValidationError{Field: "role", Message: err.Error()})
		return
	}

	m, err := s.memberships.ChangeMemberRole(r.Context(), actorID(r), portfolioID, targetID, role)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, m)
}

// updatePropertyAccess handles PUT /portfolios/{id}/members/{uid}/property-access
func (s *Server) updatePropertyAccess(w http.ResponseWriter, r *http.Request) {
	portfolioID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	targetID, ok := httputil.ParsePathInt64OrError(w, r, "uid")
	if !ok {
		return
	}
	var body UpdatePropertyAccessRequest
	if !httputil.ParseJSONOrError(w, r, &body) {
		return
	}

	m, err := s.memberships.UpdatePropertyAccess(r.Context(), actorID(r), portfolioID, targetID, body.PropertyAccess)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, m)
}

// removeMember handles DELETE /portfolios/{id}/members/{uid}
func (s *Server) removeMember(w http.ResponseWriter, r *http.Request) {
	portfolioID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	targetID, ok := httputil.ParsePathInt64OrError(w, r, "uid")
	if !ok {
		return
	}

	if err := s.memberships.RemoveMember(r.Context(), actorID(r), portfolioID, targetID); err != nil {
		writeServiceError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// leavePortfolio handles POST /portfolios/{id}/leave
func (s *Server) leavePortfolio(w http.ResponseWriter, r *http.Request) {
	portfolioID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	if err := s.memberships.LeavePortfolio(r.Context(), actorID(r), portfolioID); err != nil {
		writeServiceError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// transferOwnership handles POST /portfolios/{id}/transfer-ownership
func (s *Server) transferOwnership(w http.ResponseWriter, r *http.Request) {
	portfolioID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var body TransferOwnershipRequest
	if !httputil.ParseJSONOrError(w, r, &body) {
		return
	}
	if body.NewOwnerID <= 0 {
		writeServiceError(w, r, &rbac.ValidationError{Field: "new_owner_id", Message: "must be a valid user id"})
		return
	}

	if err := s.memberships.TransferOwnership(r.Context(), actorID(r), portfolioID, body.NewOwnerID); err != nil {
		writeServiceError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}
