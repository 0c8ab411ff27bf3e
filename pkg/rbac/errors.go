package rbac

import (
	"errors"
	"fmt"
)

var (
	// ErrNotMember means the user has no membership in the portfolio. It is
	// an access outcome, not a system failure.
	ErrNotMember = errors.New("not a member of this portfolio")

	// ErrNotVisible means the property is outside the member's access scope
	ErrNotVisible = errors.New("property not visible to this member")

	// ErrMembershipNotFound is returned by stores when no membership row matches
	ErrMembershipNotFound = errors.New("membership not found")

	// ErrPortfolioNotFound is returned by stores when no portfolio row matches
	ErrPortfolioNotFound = errors.New("portfolio not found")

	// ErrPropertyNotFound is returned by property lookups for unknown properties
	ErrPropertyNotFound = errors.New("property not found")

	// ErrInvitationNotFound is returned for unknown invitation tokens
	ErrInvitationNotFound = errors.New("invitation not found")

	// ErrInvitationExpired is returned when accepting an expired invitation
	ErrInvitationExpired = errors.New("invitation expired")

	// ErrInvitationAccepted is returned when accepting an invitation twice
	ErrInvitationAccepted = errors.New("invitation already accepted")

	// ErrAlreadyMember is returned when a membership already exists for the pair
	ErrAlreadyMember = errors.New("user is already a member of this portfolio")

	// ErrStaleMembership is returned by conditional updates that matched no
	// row because the membership changed or disappeared concurrently.
	ErrStaleMembership = errors.New("membership changed concurrently")

	// ErrConcurrentModification is returned when a mutation lost a race and
	// the fresh state still allows it; the caller decides whether to retry.
	ErrConcurrentModification = errors.New("membership was modified concurrently, re-evaluate and retry")
)

// DeniedError reports an authorization denial from a mutating operation
type DeniedError struct {
	Reason DenyReason
}

func (e *DeniedError) Error() string {
	return "permission denied: " + e.Reason.Message()
}

// IsDenied reports whether err is a denial and returns its reason
func IsDenied(err error) (DenyReason, bool) {
	var denied *DeniedError
	if errors.As(err, &denied) {
		return denied.Reason, true
	}
	return "", false
}

// InvariantViolationError reports an operation that would break a
// membership invariant, such as leaving a portfolio with zero or two owners.
type InvariantViolationError struct {
	PortfolioID int64
	Detail      string
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("invariant violation in portfolio %d: %s", e.PortfolioID, e.Detail)
}

// IsInvariantViolation reports whether err is an InvariantViolationError
func IsInvariantViolation(err error) bool {
	var iv *InvariantViolationError
	return errors.As(err, &iv)
}

// ValidationError reports malformed input to a membership operation
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}
