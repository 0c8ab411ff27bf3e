// Package memory provides an in-process rbac.Store.
//
// Transactions take the store's write lock, run against a private copy of
// the data and swap it in on commit, so a failed transaction leaves no
// trace. It backs the "memory" storage mode and the package tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/platinummonkey/portfolio-authz/pkg/rbac"
)

type membershipKey struct {
	userID      int64
	portfolioID int64
}

// state is the whole data set. It implements rbac.Queries without locking;
// Store and transactions provide the locking.
type state struct {
	seq         int64
	portfolios  map[int64]*rbac.Portfolio
	properties  map[int64]*rbac.Property
	memberships map[int64]*rbac.Membership
	byUser      map[membershipKey]int64
	invitations map[int64]*rbac.Invitation
	tokens      map[string]int64
	audit       []*rbac.AuditEntry
}

func newState() *state {
	return &state{
		portfolios:  make(map[int64]*rbac.Portfolio),
		properties:  make(map[int64]*rbac.Property),
		memberships: make(map[int64]*rbac.Membership),
		byUser:      make(map[membershipKey]int64),
		invitations: make(map[int64]*rbac.Invitation),
		tokens:      make(map[string]int64),
	}
}

func (s *state) clone() *state {
	out := newState()
	out.seq = s.seq
	for id, p := range s.portfolios {
		cp := *p
		out.portfolios[id] = &cp
	}
	for id, p := range s.properties {
		cp := *p
		out.properties[id] = &cp
	}
	for id, m := range s.memberships {
		out.memberships[id] = cloneMembership(m)
	}
	for k, v := range s.byUser {
		out.byUser[k] = v
	}
	for id, inv := range s.invitations {
		out.invitations[id] = cloneInvitation(inv)
	}
	for k, v := range s.tokens {
		out.tokens[k] = v
	}
	out.audit = make([]*rbac.AuditEntry, len(s.audit))
	copy(out.audit, s.audit)
	return out
}

func (s *state) nextID() int64 {
	s.seq++
	return s.seq
}

func cloneMembership(m *rbac.Membership) *rbac.Membership {
	cp := *m
	cp.PropertyAccess = m.PropertyAccess.Clone()
	return &cp
}

func cloneInvitation(inv *rbac.Invitation) *rbac.Invitation {
	cp := *inv
	cp.PropertyAccess = inv.PropertyAccess.Clone()
	return &cp
}

func (s *state) GetPortfolio(_ context.Context, portfolioID int64) (*rbac.Portfolio, error) {
	p, ok := s.portfolios[portfolioID]
	if !ok {
		return nil, rbac.ErrPortfolioNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *state) CreatePortfolio(_ context.Context, p *rbac.Portfolio) error {
	p.ID = s.nextID()
	cp := *p
	s.portfolios[p.ID] = &cp
	return nil
}

func (s *state) UpdatePortfolioCreator(_ context.Context, portfolioID, userID int64) error {
	p, ok := s.portfolios[portfolioID]
	if !ok {
		return rbac.ErrPortfolioNotFound
	}
	p.CreatedBy = userID
	p.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *state) GetMembership(_ context.Context, userID, portfolioID int64) (*rbac.Membership, error) {
	id, ok := s.byUser[membershipKey{userID, portfolioID}]
	if !ok {
		return nil, rbac.ErrMembershipNotFound
	}
	return cloneMembership(s.memberships[id]), nil
}

func (s *state) ListMemberships(_ context.Context, portfolioID int64) ([]*rbac.Membership, error) {
	members := []*rbac.Membership{}
	for _, m := range s.memberships {
		if m.PortfolioID == portfolioID {
			members = append(members, cloneMembership(m))
		}
	}
	sort.Slice(members, func(i, j int) bool {
		if members[i].Role != members[j].Role {
			return members[i].Role > members[j].Role
		}
		return members[i].UserID < members[j].UserID
	})
	return members, nil
}

func (s *state) ownerOf(portfolioID int64) (int64, bool) {
	for id, m := range s.memberships {
		if m.PortfolioID == portfolioID && m.Role == rbac.RoleOwner {
			return id, true
		}
	}
	return 0, false
}

func ownerConflict(portfolioID int64) error {
	return &rbac.InvariantViolationError{PortfolioID: portfolioID, Detail: "portfolio already has an owner"}
}

func (s *state) CreateMembership(_ context.Context, m *rbac.Membership) error {
	if _, ok := s.portfolios[m.PortfolioID]; !ok {
		return rbac.ErrPortfolioNotFound
	}
	key := membershipKey{m.UserID, m.PortfolioID}
	if _, ok := s.byUser[key]; ok {
		return rbac.ErrAlreadyMember
	}
	if m.Role == rbac.RoleOwner {
		if _, ok := s.ownerOf(m.PortfolioID); ok {
			return ownerConflict(m.PortfolioID)
		}
	}

	m.ID = s.nextID()
	s.memberships[m.ID] = cloneMembership(m)
	s.byUser[key] = m.ID
	return nil
}

func (s *state) UpdateMembershipRole(_ context.Context, membershipID int64, expected, next rbac.Role) error {
	m, ok := s.memberships[membershipID]
	if !ok || m.Role != expected {
		return rbac.ErrStaleMembership
	}
	if next == rbac.RoleOwner && m.Role != rbac.RoleOwner {
		if _, ok := s.ownerOf(m.PortfolioID); ok {
			return ownerConflict(m.PortfolioID)
		}
	}
	m.Role = next
	m.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *state) UpdatePropertyAccess(_ context.Context, membershipID int64, expected rbac.Role, access rbac.PropertyAccess) error {
	m, ok := s.memberships[membershipID]
	if !ok || m.Role != expected {
		return rbac.ErrStaleMembership
	}
	m.PropertyAccess = access.Clone()
	m.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *state) DeleteMembership(_ context.Context, membershipID int64, expected rbac.Role) error {
	m, ok := s.memberships[membershipID]
	if !ok || m.Role != expected {
		return rbac.ErrStaleMembership
	}
	delete(s.byUser, membershipKey{m.UserID, m.PortfolioID})
	delete(s.memberships, membershipID)
	return nil
}

func (s *state) CountOwners(_ context.Context, portfolioID int64) (int, error) {
	n := 0
	for _, m := range s.memberships {
		if m.PortfolioID == portfolioID && m.Role == rbac.RoleOwner {
			n++
		}
	}
	return n, nil
}

func (s *state) CreateProperty(_ context.Context, p *rbac.Property) error {
	if _, ok := s.portfolios[p.PortfolioID]; !ok {
		return rbac.ErrPortfolioNotFound
	}
	p.ID = s.nextID()
	cp := *p
	s.properties[p.ID] = &cp
	return nil
}

func (s *state) DeleteProperty(_ context.Context, propertyID int64) error {
	if _, ok := s.properties[propertyID]; !ok {
		return rbac.ErrPropertyNotFound
	}
	delete(s.properties, propertyID)
	return nil
}

func (s *state) ListPropertyIDs(_ context.Context, portfolioID int64) ([]int64, error) {
	ids := []int64{}
	for id, p := range s.properties {
		if p.PortfolioID == portfolioID {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *state) GetPropertyPortfolioID(_ context.Context, propertyID int64) (int64, error) {
	p, ok := s.properties[propertyID]
	if !ok {
		return 0, rbac.ErrPropertyNotFound
	}
	return p.PortfolioID, nil
}

func (s *state) CreateInvitation(_ context.Context, inv *rbac.Invitation) error {
	if _, ok := s.portfolios[inv.PortfolioID]; !ok {
		return rbac.ErrPortfolioNotFound
	}
	if _, ok := s.tokens[inv.Token]; ok {
		return fmt.Errorf("duplicate invitation token")
	}
	inv.ID = s.nextID()
	s.invitations[inv.ID] = cloneInvitation(inv)
	s.tokens[inv.Token] = inv.ID
	return nil
}

func (s *state) GetInvitationByToken(_ context.Context, token string) (*rbac.Invitation, error) {
	id, ok := s.tokens[token]
	if !ok {
		return nil, rbac.ErrInvitationNotFound
	}
	return cloneInvitation(s.invitations[id]), nil
}

func (s *state) MarkInvitationAccepted(_ context.Context, invitationID, userID int64, at time.Time) error {
	inv, ok := s.invitations[invitationID]
	if !ok {
		return rbac.ErrInvitationNotFound
	}
	if inv.AcceptedAt != nil {
		return rbac.ErrInvitationAccepted
	}
	inv.AcceptedAt = &at
	inv.AcceptedBy = &userID
	return nil
}

func (s *state) DeleteExpiredInvitations(_ context.Context, before time.Time) (int64, error) {
	var n int64
	for id, inv := range s.invitations {
		if inv.AcceptedAt == nil && !inv.ExpiresAt.After(before) {
			delete(s.tokens, inv.Token)
			delete(s.invitations, id)
			n++
		}
	}
	return n, nil
}

func (s *state) InsertAuditEntry(_ context.Context, entry *rbac.AuditEntry) error {
	if !entry.Action.Valid() {
		return fmt.Errorf("invalid audit action %q", entry.Action)
	}
	entry.ID = s.nextID()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	cp := *entry
	s.audit = append(s.audit, &cp)
	return nil
}

func (s *state) ListAuditEntries(_ context.Context, filter rbac.AuditFilter) ([]*rbac.AuditEntry, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = rbac.DefaultAuditLimit
	}
	actions := make(map[rbac.AuditAction]bool, len(filter.Actions))
	for _, a := range filter.Actions {
		actions[a] = true
	}

	entries := []*rbac.AuditEntry{}
	for i := len(s.audit) - 1; i >= 0 && len(entries) < limit; i-- {
		e := s.audit[i]
		if e.PortfolioID != filter.PortfolioID {
			continue
		}
		if filter.UserID != nil && (e.UserID == nil || *e.UserID != *filter.UserID) {
			continue
		}
		if len(actions) > 0 && !actions[e.Action] {
			continue
		}
		cp := *e
		entries = append(entries, &cp)
	}
	return entries, nil
}

var _ rbac.Queries = (*state)(nil)
