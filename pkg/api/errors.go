package api

import (
	"errors"
	"net/http"

	"github.com/platinummonkey/portfolio-authz/pkg/httputil"
	"github.com/platinummonkey/portfolio-authz/pkg/observability"
	"github.com/platinummonkey/portfolio-authz/pkg/rbac"
)

// Error codes returned in ErrorResponse.Code
const (
	codeNotMember      = "not_member"
	codeNotVisible     = "not_visible"
	codeDenied         = "denied"
	codeValidation     = "validation"
	codeNotFound       = "not_found"
	codeConflict       = "conflict"
	codeInvariant      = "invariant_violation"
	codeInvitationGone = "invitation_expired"
)

var notFoundErrors = []error{
	rbac.ErrPortfolioNotFound,
	rbac.ErrPropertyNotFound,
	rbac.ErrMembershipNotFound,
	rbac.ErrInvitationNotFound,
}

var conflictErrors = []error{
	rbac.ErrAlreadyMember,
	rbac.ErrInvitationAccepted,
	rbac.ErrConcurrentModification,
	rbac.ErrStaleMembership,
}

// writeServiceError translates a service error into a response. A member
// who cannot see a property gets 404 so its existence is not revealed.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		validation *rbac.ValidationError
		invariant  *rbac.InvariantViolationError
	)

	switch {
	case errors.Is(err, rbac.ErrNotMember):
		httputil.WriteErrorResponse(w, http.StatusForbidden, httputil.ErrorResponse{
			Error: err.Error(),
			Code:  codeNotMember,
		})
		return
	case errors.Is(err, rbac.ErrNotVisible):
		httputil.WriteErrorResponse(w, http.StatusNotFound, httputil.ErrorResponse{
			Error: err.Error(),
			Code:  codeNotVisible,
		})
		return
	case errors.As(err, &validation):
		httputil.WriteErrorResponse(w, http.StatusBadRequest, httputil.ErrorResponse{
			Error: validation.Error(),
			Code:  codeValidation,
			Field: validation.Field,
		})
		return
	case errors.As(err, &invariant):
		httputil.WriteErrorResponse(w, http.StatusConflict, httputil.ErrorResponse{
			Error: invariant.Detail,
			Code:  codeInvariant,
		})
		return
	case errors.Is(err, rbac.ErrInvitationExpired):
		httputil.WriteErrorResponse(w, http.StatusGone, httputil.ErrorResponse{
			Error: err.Error(),
			Code:  codeInvitationGone,
		})
		return
	}

	if reason, ok := rbac.IsDenied(err); ok {
		if reason == rbac.ReasonPropertyNotVisible {
			httputil.WriteErrorResponse(w, http.StatusNotFound, httputil.ErrorResponse{
				Error: rbac.ErrNotVisible.Error(),
				Code:  codeNotVisible,
			})
			return
		}
		httputil.WriteErrorResponse(w, http.StatusForbidden, httputil.ErrorResponse{
			Error:  reason.Message(),
			Code:   codeDenied,
			Reason: string(reason),
		})
		return
	}

	for _, target := range notFoundErrors {
		if errors.Is(err, target) {
			httputil.WriteErrorResponse(w, http.StatusNotFound, httputil.ErrorResponse{
				Error: target.Error(),
				Code:  codeNotFound,
			})
			return
		}
	}
	for _, target := range conflictErrors {
		if errors.Is(err, target) {
			httputil.WriteErrorResponse(w, http.StatusConflict, httputil.ErrorResponse{
				Error: target.Error(),
				Code:  codeConflict,
			})
			return
		}
	}

	observability.FromContext(r.Context()).WithError(err).Error("request failed")
	httputil.WriteInternalError(w)
}
