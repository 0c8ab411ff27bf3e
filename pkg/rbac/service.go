package rbac

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/platinummonkey/portfolio-authz/pkg/observability"
)

// Transition names used for metrics and logs
const (
	transitionCreatePortfolio   = "create_portfolio"
	transitionInvite            = "invite_member"
	transitionAcceptInvitation  = "accept_invitation"
	transitionChangeRole        = "change_role"
	transitionUpdateAccess      = "update_property_access"
	transitionRemoveMember      = "remove_member"
	transitionLeave             = "leave_portfolio"
	transitionTransferOwnership = "transfer_ownership"
)

// MembershipService performs membership state transitions. Every mutation
// is authorized first, guarded by a conditional write, and audited.
type MembershipService struct {
	store      Store
	authorizer *Authorizer
	audit      AuditLogger
	mirror     AuditLogger
	logger     *observability.Logger
	metrics    *observability.Metrics
	now        func() time.Time
	ttl        time.Duration
}

// NewMembershipService creates a service. audit receives the entries of
// transitions that are not audited inside their own transaction.
func NewMembershipService(store Store, authorizer *Authorizer, audit AuditLogger, opts ...Option) *MembershipService {
	o := buildOptions(opts)
	return &MembershipService{
		store:      store,
		authorizer: authorizer,
		audit:      audit,
		mirror:     o.auditMirror,
		logger:     o.logger,
		metrics:    o.metrics,
		now:        o.now,
		ttl:        o.invitationTTL,
	}
}

func (s *MembershipService) log(ctx context.Context) *observability.Logger {
	return observability.FromContextOr(ctx, s.logger)
}

// CreatePortfolio creates a portfolio with creatorID as its single owner
func (s *MembershipService) CreatePortfolio(ctx context.Context, creatorID int64, name, description string) (p *Portfolio, err error) {
	defer func() { s.metrics.RecordTransition(transitionCreatePortfolio, err) }()

	name = strings.TrimSpace(name)
	if name == "" {
		return nil, &ValidationError{Field: "name", Message: "must not be empty"}
	}
	if creatorID <= 0 {
		return nil, &ValidationError{Field: "creator", Message: "must be a valid user id"}
	}

	now := s.now()
	p = &Portfolio{
		Name:        name,
		Description: strings.TrimSpace(description),
		CreatedBy:   creatorID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	var entry *AuditEntry
	err = s.store.WithTx(ctx, func(q Queries) error {
		if err := q.CreatePortfolio(ctx, p); err != nil {
			return fmt.Errorf("failed to create portfolio: %w", err)
		}
		owner := &Membership{
			UserID:      creatorID,
			PortfolioID: p.ID,
			Role:        RoleOwner,
			AcceptedAt:  &now,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := q.CreateMembership(ctx, owner); err != nil {
			return fmt.Errorf("failed to create owner membership: %w", err)
		}
		entry = &AuditEntry{
			UserID:      &creatorID,
			PortfolioID: p.ID,
			Action:      AuditRoleChange,
			NewValue:    SnapshotOf(owner),
			ChangedBy:   creatorID,
			CreatedAt:   now,
		}
		return q.InsertAuditEntry(ctx, entry)
	})
	if err != nil {
		return nil, err
	}

	s.mirrorAudit(ctx, entry)
	s.log(ctx).WithPortfolio(p.ID, creatorID).Info("portfolio created")
	return p, nil
}

// InviteMember creates an invitation to join the portfolio with the given
// role and access override.
func (s *MembershipService) InviteMember(ctx context.Context, actorID, portfolioID int64, req InviteRequest) (inv *Invitation, err error) {
	defer func() { s.metrics.RecordTransition(transitionInvite, err) }()

	addr, err := mail.ParseAddress(strings.TrimSpace(req.Email))
	if err != nil {
		return nil, &ValidationError{Field: "email", Message: "must be a valid email address"}
	}
	if !req.Role.Valid() {
		return nil, &ValidationError{Field: "role", Message: "unknown role"}
	}

	role := req.Role
	d, err := s.authorizer.Authorize(ctx, Request{
		UserID:      actorID,
		PortfolioID: portfolioID,
		Action:      ActionInviteMembers,
		NewRole:     &role,
	})
	if err != nil {
		return nil, err
	}
	if err := decisionError(d); err != nil {
		return nil, err
	}

	if err := s.validateAccess(ctx, portfolioID, req.PropertyAccess); err != nil {
		return nil, err
	}

	token, err := generateToken()
	if err != nil {
		return nil, err
	}

	now := s.now()
	inv = &Invitation{
		PortfolioID:    portfolioID,
		Email:          strings.ToLower(addr.Address),
		Role:           req.Role,
		PropertyAccess: req.PropertyAccess.Clone(),
		Token:          token,
		InvitedBy:      actorID,
		InvitedAt:      now,
		ExpiresAt:      now.Add(s.ttl),
	}
	if err := s.store.CreateInvitation(ctx, inv); err != nil {
		return nil, fmt.Errorf("failed to create invitation: %w", err)
	}

	s.recordAudit(ctx, &AuditEntry{
		PortfolioID: portfolioID,
		Action:      AuditInvitationSent,
		NewValue: InvitationSnapshot{
			Email:          inv.Email,
			Role:           inv.Role,
			PropertyAccess: inv.PropertyAccess.Clone(),
			ExpiresAt:      inv.ExpiresAt,
		},
		ChangedBy: actorID,
		CreatedAt: now,
	})
	return inv, nil
}

// AcceptInvitation turns an invitation into a membership for userID. The
// membership, the acceptance mark and the audit entry commit together.
func (s *MembershipService) AcceptInvitation(ctx context.Context, token string, userID int64) (m *Membership, err error) {
	defer func() { s.metrics.RecordTransition(transitionAcceptInvitation, err) }()

	if strings.TrimSpace(token) == "" {
		return nil, ErrInvitationNotFound
	}
	if userID <= 0 {
		return nil, &ValidationError{Field: "user", Message: "must be a valid user id"}
	}

	now := s.now()
	var entry *AuditEntry
	err = s.store.WithTx(ctx, func(q Queries) error {
		inv, err := q.GetInvitationByToken(ctx, token)
		if err != nil {
			return err
		}
		if inv.Accepted() {
			return ErrInvitationAccepted
		}
		if inv.Expired(now) {
			return ErrInvitationExpired
		}
		if inv.Role == RoleOwner {
			return &InvariantViolationError{PortfolioID: inv.PortfolioID, Detail: "invitation grants ownership"}
		}

		_, err = q.GetMembership(ctx, userID, inv.PortfolioID)
		if err == nil {
			return ErrAlreadyMember
		}
		if !errors.Is(err, ErrMembershipNotFound) {
			return fmt.Errorf("failed to check existing membership: %w", err)
		}

		invitedBy, invitedAt := inv.InvitedBy, inv.InvitedAt
		m = &Membership{
			UserID:         userID,
			PortfolioID:    inv.PortfolioID,
			Role:           inv.Role,
			PropertyAccess: inv.PropertyAccess.Clone(),
			InvitedBy:      &invitedBy,
			InvitedAt:      &invitedAt,
			AcceptedAt:     &now,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := q.CreateMembership(ctx, m); err != nil {
			return fmt.Errorf("failed to create membership: %w", err)
		}
		if err := q.MarkInvitationAccepted(ctx, inv.ID, userID, now); err != nil {
			return err
		}

		entry = &AuditEntry{
			UserID:      &userID,
			PortfolioID: inv.PortfolioID,
			Action:      AuditRoleChange,
			NewValue:    SnapshotOf(m),
			ChangedBy:   userID,
			CreatedAt:   now,
		}
		return q.InsertAuditEntry(ctx, entry)
	})
	if err != nil {
		return nil, err
	}

	s.mirrorAudit(ctx, entry)
	return m, nil
}

// ChangeMemberRole sets another member's role
func (s *MembershipService) ChangeMemberRole(ctx context.Context, actorID, portfolioID, targetUserID int64, newRole Role) (m *Membership, err error) {
	defer func() { s.metrics.RecordTransition(transitionChangeRole, err) }()

	if !newRole.Valid() {
		return nil, &ValidationError{Field: "role", Message: "unknown role"}
	}

	target, err := s.authorizeTarget(ctx, actorID, portfolioID, ActionChangeMemberRoles, targetUserID, &newRole)
	if err != nil {
		return nil, err
	}
	if target.Role == newRole {
		return target, nil
	}

	err = s.store.UpdateMembershipRole(ctx, target.ID, target.Role, newRole)
	if errors.Is(err, ErrStaleMembership) {
		return nil, s.reevaluate(ctx, actorID, portfolioID, ActionChangeMemberRoles, targetUserID, &newRole)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update role: %w", err)
	}

	updated := *target
	updated.Role = newRole
	updated.UpdatedAt = s.now()

	s.recordAudit(ctx, &AuditEntry{
		UserID:      &targetUserID,
		PortfolioID: portfolioID,
		Action:      AuditRoleChange,
		OldValue:    SnapshotOf(target),
		NewValue:    SnapshotOf(&updated),
		ChangedBy:   actorID,
		CreatedAt:   updated.UpdatedAt,
	})
	return &updated, nil
}

// UpdatePropertyAccess replaces another member's property override. A nil
// access clears the override; an empty one revokes every property.
func (s *MembershipService) UpdatePropertyAccess(ctx context.Context, actorID, portfolioID, targetUserID int64, access PropertyAccess) (m *Membership, err error) {
	defer func() { s.metrics.RecordTransition(transitionUpdateAccess, err) }()

	if err := access.Validate(); err != nil {
		return nil, &ValidationError{Field: "property_access", Message: err.Error()}
	}

	target, err := s.authorizeTarget(ctx, actorID, portfolioID, ActionChangeMemberRoles, targetUserID, nil)
	if err != nil {
		return nil, err
	}
	if err := s.validateAccess(ctx, portfolioID, access); err != nil {
		return nil, err
	}

	err = s.store.UpdatePropertyAccess(ctx, target.ID, target.Role, access.Clone())
	if errors.Is(err, ErrStaleMembership) {
		return nil, s.reevaluate(ctx, actorID, portfolioID, ActionChangeMemberRoles, targetUserID, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update property access: %w", err)
	}

	updated := *target
	updated.PropertyAccess = access.Clone()
	updated.UpdatedAt = s.now()

	s.recordAudit(ctx, &AuditEntry{
		UserID:      &targetUserID,
		PortfolioID: portfolioID,
		Action:      AuditRoleChange,
		OldValue:    SnapshotOf(target),
		NewValue:    SnapshotOf(&updated),
		ChangedBy:   actorID,
		CreatedAt:   updated.UpdatedAt,
	})
	return &updated, nil
}

// RemoveMember deletes another member's membership
func (s *MembershipService) RemoveMember(ctx context.Context, actorID, portfolioID, targetUserID int64) (err error) {
	defer func() { s.metrics.RecordTransition(transitionRemoveMember, err) }()

	target, err := s.authorizeTarget(ctx, actorID, portfolioID, ActionRemoveMembers, targetUserID, nil)
	if err != nil {
		return err
	}

	err = s.store.DeleteMembership(ctx, target.ID, target.Role)
	if errors.Is(err, ErrStaleMembership) {
		return s.reevaluate(ctx, actorID, portfolioID, ActionRemoveMembers, targetUserID, nil)
	}
	if err != nil {
		return fmt.Errorf("failed to remove member: %w", err)
	}

	s.recordAudit(ctx, &AuditEntry{
		UserID:      &targetUserID,
		PortfolioID: portfolioID,
		Action:      AuditAccessRevoked,
		OldValue:    SnapshotOf(target),
		ChangedBy:   actorID,
		CreatedAt:   s.now(),
	})
	return nil
}

// LeavePortfolio removes the caller's own membership. The owner must
// transfer ownership first.
func (s *MembershipService) LeavePortfolio(ctx context.Context, userID, portfolioID int64) (err error) {
	defer func() { s.metrics.RecordTransition(transitionLeave, err) }()

	m, err := s.store.GetMembership(ctx, userID, portfolioID)
	if errors.Is(err, ErrMembershipNotFound) {
		return ErrNotMember
	}
	if err != nil {
		return fmt.Errorf("failed to load membership: %w", err)
	}
	if m.Role == RoleOwner {
		return Deny(ReasonOwnerCannotLeave).Err()
	}

	err = s.store.DeleteMembership(ctx, m.ID, m.Role)
	if errors.Is(err, ErrStaleMembership) {
		fresh, ferr := s.store.GetMembership(ctx, userID, portfolioID)
		switch {
		case errors.Is(ferr, ErrMembershipNotFound):
			return ErrNotMember
		case ferr != nil:
			return fmt.Errorf("failed to reload membership: %w", ferr)
		case fresh.Role == RoleOwner:
			return Deny(ReasonOwnerCannotLeave).Err()
		default:
			return ErrConcurrentModification
		}
	}
	if err != nil {
		return fmt.Errorf("failed to leave portfolio: %w", err)
	}

	s.recordAudit(ctx, &AuditEntry{
		UserID:      &userID,
		PortfolioID: portfolioID,
		Action:      AuditAccessRevoked,
		OldValue:    SnapshotOf(m),
		ChangedBy:   userID,
		CreatedAt:   s.now(),
	})
	return nil
}

// TransferOwnership makes newOwnerID the owner and demotes the current owner
// to admin. Both role changes, the portfolio creator update and their audit
// entries commit together, and the transaction is rolled back unless the
// portfolio ends with exactly one owner.
func (s *MembershipService) TransferOwnership(ctx context.Context, actorID, portfolioID, newOwnerID int64) (err error) {
	defer func() { s.metrics.RecordTransition(transitionTransferOwnership, err) }()

	actor, target, err := s.checkTransfer(ctx, actorID, portfolioID, newOwnerID)
	if err != nil {
		return err
	}

	now := s.now()
	var entries []*AuditEntry
	err = s.store.WithTx(ctx, func(q Queries) error {
		if err := q.UpdateMembershipRole(ctx, actor.ID, RoleOwner, RoleAdmin); err != nil {
			return err
		}
		if err := q.UpdateMembershipRole(ctx, target.ID, target.Role, RoleOwner); err != nil {
			return err
		}
		if err := q.UpdatePortfolioCreator(ctx, portfolioID, newOwnerID); err != nil {
			return fmt.Errorf("failed to update portfolio creator: %w", err)
		}

		demoted, promoted := *actor, *target
		demoted.Role, promoted.Role = RoleAdmin, RoleOwner
		entries = []*AuditEntry{
			{
				UserID:      &actorID,
				PortfolioID: portfolioID,
				Action:      AuditRoleChange,
				OldValue:    SnapshotOf(actor),
				NewValue:    SnapshotOf(&demoted),
				ChangedBy:   actorID,
				CreatedAt:   now,
			},
			{
				UserID:      &newOwnerID,
				PortfolioID: portfolioID,
				Action:      AuditRoleChange,
				OldValue:    SnapshotOf(target),
				NewValue:    SnapshotOf(&promoted),
				ChangedBy:   actorID,
				CreatedAt:   now,
			},
		}
		for _, e := range entries {
			if err := q.InsertAuditEntry(ctx, e); err != nil {
				return err
			}
		}

		owners, err := q.CountOwners(ctx, portfolioID)
		if err != nil {
			return fmt.Errorf("failed to count owners: %w", err)
		}
		if owners != 1 {
			return &InvariantViolationError{
				PortfolioID: portfolioID,
				Detail:      fmt.Sprintf("ownership transfer would leave %d owners", owners),
			}
		}
		return nil
	})
	if errors.Is(err, ErrStaleMembership) {
		if _, _, cerr := s.checkTransfer(ctx, actorID, portfolioID, newOwnerID); cerr != nil {
			return cerr
		}
		return ErrConcurrentModification
	}
	if err != nil {
		return err
	}

	for _, e := range entries {
		s.mirrorAudit(ctx, e)
	}
	s.log(ctx).WithPortfolio(portfolioID, actorID).WithField("new_owner_id", newOwnerID).Info("ownership transferred")
	return nil
}

// checkTransfer loads both memberships and applies the transfer rules
func (s *MembershipService) checkTransfer(ctx context.Context, actorID, portfolioID, newOwnerID int64) (*Membership, *Membership, error) {
	actor, err := s.store.GetMembership(ctx, actorID, portfolioID)
	if errors.Is(err, ErrMembershipNotFound) {
		return nil, nil, ErrNotMember
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load membership: %w", err)
	}
	if actor.Role != RoleOwner {
		return nil, nil, Deny(ReasonInsufficientRole).Err()
	}
	if newOwnerID == actorID {
		return nil, nil, Deny(ReasonSelfTarget).Err()
	}

	target, err := s.store.GetMembership(ctx, newOwnerID, portfolioID)
	if errors.Is(err, ErrMembershipNotFound) {
		return nil, nil, Deny(ReasonTargetNotMember).Err()
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load target membership: %w", err)
	}
	return actor, target, nil
}

// ListMembers returns the portfolio's memberships. Override keys for
// properties no longer in the portfolio are dropped from the result.
func (s *MembershipService) ListMembers(ctx context.Context, actorID, portfolioID int64) ([]*Membership, error) {
	d, err := s.authorizer.Authorize(ctx, Request{
		UserID:      actorID,
		PortfolioID: portfolioID,
		Action:      ActionViewMembers,
	})
	if err != nil {
		return nil, err
	}
	if err := decisionError(d); err != nil {
		return nil, err
	}

	members, err := s.store.ListMemberships(ctx, portfolioID)
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	ids, err := s.store.ListPropertyIDs(ctx, portfolioID)
	if err != nil {
		return nil, fmt.Errorf("failed to list properties: %w", err)
	}
	for _, m := range members {
		m.PropertyAccess = m.PropertyAccess.Prune(ids)
	}
	return members, nil
}

// SweepExpiredInvitations deletes unaccepted invitations past their expiry
func (s *MembershipService) SweepExpiredInvitations(ctx context.Context) (int64, error) {
	n, err := s.store.DeleteExpiredInvitations(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("failed to sweep invitations: %w", err)
	}
	s.metrics.RecordInvitationsSwept(n)
	if n > 0 {
		s.log(ctx).WithField("count", n).Info("swept expired invitations")
	}
	return n, nil
}

// authorizeTarget loads the target membership and authorizes action on it.
// A missing target is reported only once the actor passes the role check.
func (s *MembershipService) authorizeTarget(ctx context.Context, actorID, portfolioID int64, action PortfolioAction, targetUserID int64, newRole *Role) (*Membership, error) {
	target, err := s.store.GetMembership(ctx, targetUserID, portfolioID)
	if err != nil && !errors.Is(err, ErrMembershipNotFound) {
		return nil, fmt.Errorf("failed to load target membership: %w", err)
	}

	d, err := s.authorizer.Authorize(ctx, Request{
		UserID:      actorID,
		PortfolioID: portfolioID,
		Action:      action,
		Target:      target,
		NewRole:     newRole,
	})
	if err != nil {
		return nil, err
	}
	if err := decisionError(d); err != nil {
		return nil, err
	}
	if target == nil {
		return nil, Deny(ReasonTargetNotMember).Err()
	}
	return target, nil
}

// reevaluate runs after a conditional write lost a race. It authorizes again
// against fresh state and never retries the write.
func (s *MembershipService) reevaluate(ctx context.Context, actorID, portfolioID int64, action PortfolioAction, targetUserID int64, newRole *Role) error {
	s.log(ctx).WithPortfolio(portfolioID, actorID).WithField("target_user_id", targetUserID).
		Warn("membership changed concurrently, re-evaluating")
	if _, err := s.authorizeTarget(ctx, actorID, portfolioID, action, targetUserID, newRole); err != nil {
		return err
	}
	return ErrConcurrentModification
}

// validateAccess rejects overrides naming properties outside the portfolio
func (s *MembershipService) validateAccess(ctx context.Context, portfolioID int64, access PropertyAccess) error {
	if err := access.Validate(); err != nil {
		return &ValidationError{Field: "property_access", Message: err.Error()}
	}
	if len(access) == 0 {
		return nil
	}
	ids, err := s.store.ListPropertyIDs(ctx, portfolioID)
	if err != nil {
		return fmt.Errorf("failed to list properties: %w", err)
	}
	present := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		present[id] = struct{}{}
	}
	for _, id := range access.PropertyIDs() {
		if _, ok := present[id]; !ok {
			return &ValidationError{Field: "property_access", Message: fmt.Sprintf("property %d is not in this portfolio", id)}
		}
	}
	return nil
}

// recordAudit writes an entry after a committed transition. A failure is an
// inconsistency to reconcile, not a reason to fail the caller.
func (s *MembershipService) recordAudit(ctx context.Context, entry *AuditEntry) {
	s.writeAudit(ctx, s.audit, entry)
}

// mirrorAudit forwards an entry already committed with its transition
func (s *MembershipService) mirrorAudit(ctx context.Context, entry *AuditEntry) {
	s.writeAudit(ctx, s.mirror, entry)
}

func (s *MembershipService) writeAudit(ctx context.Context, sink AuditLogger, entry *AuditEntry) {
	if sink == nil || entry == nil {
		return
	}
	if err := sink.Record(context.WithoutCancel(ctx), entry); err != nil {
		fields := map[string]interface{}{
			"audit_action": string(entry.Action),
			"changed_by":   entry.ChangedBy,
		}
		if entry.UserID != nil {
			fields["subject_user_id"] = *entry.UserID
		}
		s.log(ctx).WithPortfolio(entry.PortfolioID, entry.ChangedBy).WithFields(fields).WithError(err).
			Error("audit entry lost after committed membership change")
		s.metrics.RecordAuditFailure(string(entry.Action))
	}
}

// decisionError maps a denial to the error a mutating operation returns
func decisionError(d Decision) error {
	if d.Allowed {
		return nil
	}
	if d.Reason == ReasonNotMember {
		return ErrNotMember
	}
	return d.Err()
}

func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate invitation token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
