package audit

import (
	"context"
	"fmt"

	"github.com/platinummonkey/portfolio-authz/pkg/rbac"
)

// MaxListLimit caps a single audit listing
const MaxListLimit = 1000

// Reader lists the audit trail of a portfolio for members allowed to see it.
// Reading the trail requires the change_member_roles permission.
type Reader struct {
	queries    rbac.Queries
	authorizer *rbac.Authorizer
}

// NewReader creates a reader. queries may point at a read replica; the
// permission check always goes through authorizer.
func NewReader(queries rbac.Queries, authorizer *rbac.Authorizer) *Reader {
	return &Reader{queries: queries, authorizer: authorizer}
}

// ListEntries returns the entries matching filter, newest first
func (r *Reader) ListEntries(ctx context.Context, actorID int64, filter rbac.AuditFilter) ([]*rbac.AuditEntry, error) {
	for _, a := range filter.Actions {
		if !a.Valid() {
			return nil, &rbac.ValidationError{Field: "action", Message: fmt.Sprintf("unknown audit action %q", a)}
		}
	}
	if filter.Limit < 0 || filter.Limit > MaxListLimit {
		return nil, &rbac.ValidationError{Field: "limit", Message: fmt.Sprintf("must be between 0 and %d", MaxListLimit)}
	}

	d, err := r.authorizer.Authorize(ctx, rbac.Request{
		UserID:      actorID,
		PortfolioID: filter.PortfolioID,
		Action:      rbac.ActionChangeMemberRoles,
	})
	if err != nil {
		return nil, err
	}
	if d.Reason == rbac.ReasonNotMember {
		return nil, rbac.ErrNotMember
	}
	if err := d.Err(); err != nil {
		return nil, err
	}

	return r.queries.ListAuditEntries(ctx, filter)
}

// Export lists entries like ListEntries and encodes them in format
func (r *Reader) Export(ctx context.Context, actorID int64, filter rbac.AuditFilter, format ExportFormat) ([]byte, error) {
	entries, err := r.ListEntries(ctx, actorID, filter)
	if err != nil {
		return nil, err
	}
	return format.Encode(entries)
}
