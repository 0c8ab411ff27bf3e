package memory

import (
	"context"
	"sync"
	"time"

	"github.com/platinummonkey/portfolio-authz/pkg/rbac"
)

// Store is a mutex-guarded rbac.Store
type Store struct {
	mu sync.RWMutex
	st *state
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{st: newState()}
}

// WithTx runs fn against a private copy of the data and publishes the copy
// only if fn succeeds. Transactions are serialized with every other write.
func (s *Store) WithTx(ctx context.Context, fn func(q rbac.Queries) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	tx := s.st.clone()
	if err := fn(tx); err != nil {
		return err
	}
	s.st = tx
	return nil
}

// Ping reports the store as reachable; it exists for the health checker
func (s *Store) Ping(context.Context) error {
	return nil
}

func (s *Store) read(fn func(st *state) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(s.st)
}

func (s *Store) write(fn func(st *state) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.st)
}

func (s *Store) GetPortfolio(ctx context.Context, portfolioID int64) (p *rbac.Portfolio, err error) {
	err = s.read(func(st *state) error {
		p, err = st.GetPortfolio(ctx, portfolioID)
		return err
	})
	return p, err
}

func (s *Store) CreatePortfolio(ctx context.Context, p *rbac.Portfolio) error {
	return s.write(func(st *state) error { return st.CreatePortfolio(ctx, p) })
}

func (s *Store) UpdatePortfolioCreator(ctx context.Context, portfolioID, userID int64) error {
	return s.write(func(st *state) error { return st.UpdatePortfolioCreator(ctx, portfolioID, userID) })
}

func (s *Store) GetMembership(ctx context.Context, userID, portfolioID int64) (m *rbac.Membership, err error) {
	err = s.read(func(st *state) error {
		m, err = st.GetMembership(ctx, userID, portfolioID)
		return err
	})
	return m, err
}

func (s *Store) ListMemberships(ctx context.Context, portfolioID int64) (ms []*rbac.Membership, err error) {
	err = s.read(func(st *state) error {
		ms, err = st.ListMemberships(ctx, portfolioID)
		return err
	})
	return ms, err
}

func (s *Store) CreateMembership(ctx context.Context, m *rbac.Membership) error {
	return s.write(func(st *state) error { return st.CreateMembership(ctx, m) })
}

func (s *Store) UpdateMembershipRole(ctx context.Context, membershipID int64, expected, next rbac.Role) error {
	return s.write(func(st *state) error { return st.UpdateMembershipRole(ctx, membershipID, expected, next) })
}

func (s *Store) UpdatePropertyAccess(ctx context.Context, membershipID int64, expected rbac.Role, access rbac.PropertyAccess) error {
	return s.write(func(st *state) error { return st.UpdatePropertyAccess(ctx, membershipID, expected, access) })
}

func (s *Store) DeleteMembership(ctx context.Context, membershipID int64, expected rbac.Role) error {
	return s.write(func(st *state) error { return st.DeleteMembership(ctx, membershipID, expected) })
}

func (s *Store) CountOwners(ctx context.Context, portfolioID int64) (n int, err error) {
	err = s.read(func(st *state) error {
		n, err = st.CountOwners(ctx, portfolioID)
		return err
	})
	return n, err
}

func (s *Store) CreateProperty(ctx context.Context, p *rbac.Property) error {
	return s.write(func(st *state) error { return st.CreateProperty(ctx, p) })
}

func (s *Store) DeleteProperty(ctx context.Context, propertyID int64) error {
	return s.write(func(st *state) error { return st.DeleteProperty(ctx, propertyID) })
}

func (s *Store) ListPropertyIDs(ctx context.Context, portfolioID int64) (ids []int64, err error) {
	err = s.read(func(st *state) error {
		ids, err = st.ListPropertyIDs(ctx, portfolioID)
		return err
	})
	return ids, err
}

func (s *Store) GetPropertyPortfolioID(ctx context.Context, propertyID int64) (id int64, err error) {
	err = s.read(func(st *state) error {
		id, err = st.GetPropertyPortfolioID(ctx, propertyID)
		return err
	})
	return id, err
}

func (s *Store) CreateInvitation(ctx context.Context, inv *rbac.Invitation) error {
	return s.write(func(st *state) error { return st.CreateInvitation(ctx, inv) })
}

func (s *Store) GetInvitationByToken(ctx context.Context, token string) (inv *rbac.Invitation, err error) {
	err = s.read(func(st *state) error {
		inv, err = st.GetInvitationByToken(ctx, token)
		return err
	})
	return inv, err
}

func (s *Store) MarkInvitationAccepted(ctx context.Context, invitationID, userID int64, at time.Time) error {
	return s.write(func(st *state) error { return st.MarkInvitationAccepted(ctx, invitationID, userID, at) })
}

func (s *Store) DeleteExpiredInvitations(ctx context.Context, before time.Time) (n int64, err error) {
	err = s.write(func(st *state) error {
		n, err = st.DeleteExpiredInvitations(ctx, before)
		return err
	})
	return n, err
}

func (s *Store) InsertAuditEntry(ctx context.Context, entry *rbac.AuditEntry) error {
	return s.write(func(st *state) error { return st.InsertAuditEntry(ctx, entry) })
}

func (s *Store) ListAuditEntries(ctx context.Context, filter rbac.AuditFilter) (entries []*rbac.AuditEntry, err error) {
	err = s.read(func(st *state) error {
		entries, err = st.ListAuditEntries(ctx, filter)
		return err
	})
	return entries, err
}

var _ rbac.Store = (*Store)(nil)
