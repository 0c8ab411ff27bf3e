package rbac

import (
	"context"
	"fmt"
	"strings"
)

// PropertyService creates and deletes properties inside a portfolio
type PropertyService struct {
	store       Queries
	authorizer  *Authorizer
	invalidator PropertyInvalidator
	options     options
}

// NewPropertyService creates a property service. invalidator may be nil
// when property topology is not cached.
func NewPropertyService(store Queries, authorizer *Authorizer, invalidator PropertyInvalidator, opts ...Option) *PropertyService {
	return &PropertyService{
		store:       store,
		authorizer:  authorizer,
		invalidator: invalidator,
		options:     buildOptions(opts),
	}
}

// CreateProperty adds a property; requires edit_portfolio
func (s *PropertyService) CreateProperty(ctx context.Context, actorID, portfolioID int64, name string) (*Property, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, &ValidationError{Field: "name", Message: "must not be empty"}
	}

	d, err := s.authorizer.Authorize(ctx, Request{UserID: actorID, PortfolioID: portfolioID, Action: ActionEditPortfolio})
	if err != nil {
		return nil, err
	}
	if err := decisionError(d); err != nil {
		return nil, err
	}

	p := &Property{PortfolioID: portfolioID, Name: name, CreatedAt: s.options.now()}
	if err := s.store.CreateProperty(ctx, p); err != nil {
		return nil, fmt.Errorf("failed to create property: %w", err)
	}
	return p, nil
}

// DeleteProperty removes a property; requires the delete action on it.
// Stale override keys naming the property stay in memberships and are
// ignored from then on.
func (s *PropertyService) DeleteProperty(ctx context.Context, actorID, portfolioID, propertyID int64) error {
	d, err := s.authorizer.Authorize(ctx, Request{
		UserID:         actorID,
		PortfolioID:    portfolioID,
		PropertyID:     &propertyID,
		PropertyAction: PropertyDelete,
	})
	if err != nil {
		return err
	}
	if err := decisionError(d); err != nil {
		return err
	}

	if err := s.store.DeleteProperty(ctx, propertyID); err != nil {
		return fmt.Errorf("failed to delete property: %w", err)
	}
	if s.invalidator != nil {
		if err := s.invalidator.Invalidate(ctx, propertyID); err != nil {
			s.options.logger.WithPortfolio(portfolioID, actorID).WithError(err).
				Warnf("failed to invalidate cached location of property %d", propertyID)
		}
	}
	return nil
}
