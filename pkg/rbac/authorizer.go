package rbac

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/portfolio-authz/pkg/observability"
)

// Request is one authorization question. Set PropertyID for a property
// action, Action for a portfolio action, or both. Target is the membership
// a member-management action operates on and NewRole the role being granted
// by an invitation or role change.
type Request struct {
	UserID         int64
	PortfolioID    int64
	Action         PortfolioAction
	PropertyID     *int64
	PropertyAction PropertyAction
	Target         *Membership
	NewRole        *Role
}

func (r Request) label() string {
	if r.PropertyID != nil && r.Action == "" {
		return "property_" + r.PropertyAction.String()
	}
	return string(r.Action)
}

// Authorizer answers authorization requests. It rebuilds the permission
// context from storage for every call and keeps no permission state.
type Authorizer struct {
	queries Queries
	builder *ContextBuilder
	locator PropertyLocator
	logger  *observability.Logger
	metrics *observability.Metrics
	tracer  trace.Tracer
}

// NewAuthorizer creates an authorizer reading through q
func NewAuthorizer(q Queries, opts ...Option) *Authorizer {
	o := buildOptions(opts)
	locator := o.locator
	if locator == nil {
		locator = q
	}
	return &Authorizer{
		queries: q,
		builder: NewContextBuilder(q),
		locator: locator,
		logger:  o.logger,
		metrics: o.metrics,
		tracer:  o.tracer,
	}
}

// Authorize evaluates req. A denial is a Decision, not an error; err is only
// set when storage fails.
func (a *Authorizer) Authorize(ctx context.Context, req Request) (Decision, error) {
	start := time.Now()
	ctx, span := a.tracer.Start(ctx, "rbac.Authorize", trace.WithAttributes(
		attribute.Int64("portfolio.id", req.PortfolioID),
		attribute.Int64("user.id", req.UserID),
		attribute.String("authz.action", req.label()),
	))
	defer span.End()

	decision, err := a.authorize(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		a.metrics.RecordDecision(req.label(), "error", "", time.Since(start))
		return Decision{}, err
	}

	span.SetAttributes(
		attribute.Bool("authz.allowed", decision.Allowed),
		attribute.String("authz.reason", string(decision.Reason)),
	)
	a.metrics.RecordDecision(req.label(), decision.Outcome(), string(decision.Reason), time.Since(start))
	observability.FromContextOr(ctx, a.logger).WithPortfolio(req.PortfolioID, req.UserID).WithFields(map[string]interface{}{
		"action":  req.label(),
		"allowed": decision.Allowed,
		"reason":  string(decision.Reason),
	}).Debug("authorization decision")

	return decision, nil
}

func (a *Authorizer) authorize(ctx context.Context, req Request) (Decision, error) {
	if req.PropertyID == nil && req.Action == "" {
		return Deny(ReasonInvalidRequest), nil
	}
	if req.Action != "" && !req.Action.Valid() {
		return Deny(ReasonInvalidRequest), nil
	}
	if req.PropertyID != nil && !req.PropertyAction.Valid() {
		return Deny(ReasonInvalidRequest), nil
	}

	pc, found, err := a.builder.Build(ctx, req.UserID, req.PortfolioID)
	if err != nil {
		return Decision{}, err
	}
	if !found {
		return Deny(ReasonNotMember), nil
	}

	if req.PropertyID != nil {
		d, err := a.authorizeProperty(ctx, pc, *req.PropertyID, req.PropertyAction)
		if err != nil || !d.Allowed {
			return d, err
		}
	}

	if req.Action != "" {
		if d := authorizePortfolioAction(pc, req); !d.Allowed {
			return d, nil
		}
	}

	return Allow(), nil
}

func (a *Authorizer) authorizeProperty(ctx context.Context, pc PermissionContext, propertyID int64, action PropertyAction) (Decision, error) {
	inPortfolio, err := a.propertyInPortfolio(ctx, propertyID, pc.PortfolioID())
	if err != nil {
		return Decision{}, err
	}
	resolver := pc.Resolver()
	if !inPortfolio || !resolver.Visible(propertyID) {
		return Deny(ReasonPropertyNotVisible), nil
	}
	if !resolver.AllowedActions(propertyID).Has(action) {
		return Deny(ReasonActionNotGranted), nil
	}
	return Allow(), nil
}

// authorizePortfolioAction applies the threshold and, for member-management
// actions, the target rules.
func authorizePortfolioAction(pc PermissionContext, req Request) Decision {
	if !CanPerform(pc, req.Action) {
		return Deny(ReasonInsufficientRole)
	}

	if req.Action.targetsMember() && req.Target != nil {
		target := req.Target
		switch {
		case target.PortfolioID != pc.PortfolioID():
			return Deny(ReasonTargetNotMember)
		case target.Role == RoleOwner:
			return Deny(ReasonTargetIsOwner)
		case target.UserID == pc.UserID():
			return Deny(ReasonSelfTarget)
		case !CanManageRole(pc.Role(), target.Role):
			return Deny(ReasonTargetOutranks)
		}
	}

	if req.NewRole != nil && (req.Action == ActionInviteMembers || req.Action == ActionChangeMemberRoles) {
		if !CanAssignRole(pc.Role(), *req.NewRole) {
			return Deny(ReasonRoleNotAssignable)
		}
	}

	return Allow()
}

// propertyInPortfolio reports whether the property exists and belongs to the
// portfolio. Unknown properties are reported as not belonging.
func (a *Authorizer) propertyInPortfolio(ctx context.Context, propertyID, portfolioID int64) (bool, error) {
	owner, err := a.locator.GetPropertyPortfolioID(ctx, propertyID)
	if errors.Is(err, ErrPropertyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to locate property %d: %w", propertyID, err)
	}
	return owner == portfolioID, nil
}

// ComputePortfolioPermissions returns the member's role, allowed portfolio
// actions and assignable roles. ErrNotMember when there is no membership.
func (a *Authorizer) ComputePortfolioPermissions(ctx context.Context, userID, portfolioID int64) (*PortfolioPermissions, error) {
	pc, found, err := a.builder.Build(ctx, userID, portfolioID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNotMember
	}
	return &PortfolioPermissions{
		PortfolioID:     portfolioID,
		Role:            pc.Role(),
		AllowedActions:  AllowedPortfolioActions(pc),
		AssignableRoles: AssignableRoles(pc.Role()),
	}, nil
}

// ComputePropertyPermissions returns the capabilities on one property.
// ErrNotMember when there is no membership, ErrNotVisible when the property
// is unknown, in another portfolio, or outside the member's override.
func (a *Authorizer) ComputePropertyPermissions(ctx context.Context, userID, portfolioID, propertyID int64) (*PropertyCapabilities, error) {
	pc, found, err := a.builder.Build(ctx, userID, portfolioID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNotMember
	}

	inPortfolio, err := a.propertyInPortfolio(ctx, propertyID, portfolioID)
	if err != nil {
		return nil, err
	}
	if !inPortfolio || !pc.Resolver().Visible(propertyID) {
		return nil, ErrNotVisible
	}

	caps := EvaluatePropertyPermissions(pc, propertyID)
	return &caps, nil
}

// ListAccessibleProperties returns the ids of the portfolio's current
// properties the member can see, in ascending order.
func (a *Authorizer) ListAccessibleProperties(ctx context.Context, userID, portfolioID int64) ([]int64, error) {
	pc, found, err := a.builder.Build(ctx, userID, portfolioID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNotMember
	}

	ids, err := a.queries.ListPropertyIDs(ctx, portfolioID)
	if err != nil {
		return nil, fmt.Errorf("failed to list properties: %w", err)
	}
	return pc.Resolver().AccessibleProperties(ids), nil
}
