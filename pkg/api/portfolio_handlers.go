package api

import (
	"errors"
	"net/http"

	"github.com/platinummonkey/portfolio-authz/pkg/httputil"
	"github.com/platinummonkey/portfolio-authz/pkg/rbac"
)

// createPortfolio handles POST /portfolios
func (s *Server) createPortfolio(w http.ResponseWriter, r *http.Request) {
	var req CreatePortfolioRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	p, err := s.memberships.CreatePortfolio(r.Context(), actorID(r), req.Name, req.Description)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	_ = httputil.WriteCreated(w, p)
}

// getPortfolioPermissions handles GET /portfolios/{id}/permissions
func (s *Server) getPortfolioPermissions(w http.ResponseWriter, r *http.Request) {
	portfolioID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	perms, err := s.authorizer.ComputePortfolioPermissions(r.Context(), actorID(r), portfolioID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, perms)
}

// authorize handles POST /portfolios/{id}/authorize
func (s *Server) authorize(w http.ResponseWriter, r *http.Request) {
	portfolioID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var body AuthorizeRequest
	if !httputil.ParseJSONOrError(w, r, &body) {
		return
	}

	req, err := s.buildAuthorizeRequest(r, portfolioID, body)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	d, err := s.authorizer.Authorize(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	resp := AuthorizeResponse{Allowed: d.Allowed, Reason: d.Reason}
	if !d.Allowed {
		resp.Message = d.Reason.Message()
	}
	_ = httputil.WriteSuccess(w, resp)
}

func (s *Server) buildAuthorizeRequest(r *http.Request, portfolioID int64, body AuthorizeRequest) (rbac.Request, error) {
	req := rbac.Request{UserID: actorID(r), PortfolioID: portfolioID}

	if body.Action != "" {
		action, err := rbac.ParsePortfolioAction(body.Action)
		if err != nil {
			return req, &rbac.ValidationError{Field: "action", Message: err.Error()}
		}
		req.Action = action
	}
	if body.PropertyID != nil {
		action, err := rbac.ParsePropertyAction(body.PropertyAction)
		if err != nil {
			return req, &rbac.ValidationError{Field: "property_action", Message: err.Error()}
		}
		req.PropertyID = body.PropertyID
		req.PropertyAction = action
	}
	if body.NewRole != nil {
		role, err := rbac.ParseRole(*body.NewRole)
		if err != nil {
			return req, &rbac.ValidationError{Field: "new_role", Message: err.Error()}
		}
		req.NewRole = &role
	}
	if body.TargetUserID != nil {
		target, err := s.queries.GetMembership(r.Context(), *body.TargetUserID, portfolioID)
		switch {
		case errors.Is(err, rbac.ErrMembershipNotFound):
			// A non-member target still needs a value for the target rules
			target = &rbac.Membership{UserID: *body.TargetUserID, PortfolioID: -1}
		case err != nil:
			return req, err
		}
		req.Target = target
	}
	return req, nil
}

// listProperties handles GET /portfolios/{id}/properties
func (s *Server) listProperties(w http.ResponseWriter, r *http.Request) {
	portfolioID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	ids, err := s.authorizer.ListAccessibleProperties(r.Context(), actorID(r), portfolioID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if ids == nil {
		ids = []int64{}
	}
	_ = httputil.WriteSuccess(w, PropertiesResponse{PortfolioID: portfolioID, PropertyIDs: ids})
}

// createProperty handles POST /portfolios/{id}/properties
func (s *Server) createProperty(w http.ResponseWriter, r *http.Request) {
	portfolioID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var req CreatePropertyRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	p, err := s.properties.CreateProperty(r.Context(), actorID(r), portfolioID, req.Name)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	_ = httputil.WriteCreated(w, p)
}

// deleteProperty handles DELETE /portfolios/{id}/properties/{pid}
func (s *Server) deleteProperty(w http.ResponseWriter, r *http.Request) {
	portfolioID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	propertyID, ok := httputil.ParsePathInt64OrError(w, r, "pid")
	if !ok {
		return
	}

	if err := s.properties.DeleteProperty(r.Context(), actorID(r), portfolioID, propertyID); err != nil {
		writeServiceError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// getPropertyPermissions handles GET /portfolios/{id}/properties/{pid}/permissions
func (s *Server) getPropertyPermissions(w http.ResponseWriter, r *http.Request) {
	portfolioID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	propertyID, ok := httputil.ParsePathInt64OrError(w, r, "pid")
	if !ok {
		return
	}

	caps, err := s.authorizer.ComputePropertyPermissions(r.Context(), actorID(r), portfolioID, propertyID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, caps)
}
