package rbac_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/portfolio-authz/pkg/observability"
	"github.com/platinummonkey/portfolio-authz/pkg/rbac"
	"github.com/platinummonkey/portfolio-authz/pkg/storage/memory"
)

// recordingSink is an AuditLogger that keeps entries in memory
type recordingSink struct {
	mu      sync.Mutex
	entries []*rbac.AuditEntry
	err     error
}

func (s *recordingSink) Record(_ context.Context, entry *rbac.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.entries = append(s.entries, entry)
	return nil
}

func (s *recordingSink) actions() []rbac.AuditAction {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]rbac.AuditAction, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.Action)
	}
	return out
}

// hookStore injects concurrent changes and broken invariants around the
// memory store.
type hookStore struct {
	*memory.Store
	beforeWrite   func()
	staleInTx     bool
	ownerCountFix func(n int) int
}

func (h *hookStore) runBeforeWrite() {
	if h.beforeWrite != nil {
		fn := h.beforeWrite
		h.beforeWrite = nil
		fn()
	}
}

func (h *hookStore) UpdateMembershipRole(ctx context.Context, id int64, expected, next rbac.Role) error {
	h.runBeforeWrite()
	return h.Store.UpdateMembershipRole(ctx, id, expected, next)
}

func (h *hookStore) UpdatePropertyAccess(ctx context.Context, id int64, expected rbac.Role, access rbac.PropertyAccess) error {
	h.runBeforeWrite()
	return h.Store.UpdatePropertyAccess(ctx, id, expected, access)
}

func (h *hookStore) DeleteMembership(ctx context.Context, id int64, expected rbac.Role) error {
	h.runBeforeWrite()
	return h.Store.DeleteMembership(ctx, id, expected)
}

func (h *hookStore) WithTx(ctx context.Context, fn func(q rbac.Queries) error) error {
	return h.Store.WithTx(ctx, func(q rbac.Queries) error {
		return fn(&hookQueries{Queries: q, h: h})
	})
}

type hookQueries struct {
	rbac.Queries
	h *hookStore
}

func (q *hookQueries) UpdateMembershipRole(ctx context.Context, id int64, expected, next rbac.Role) error {
	if q.h.staleInTx {
		return rbac.ErrStaleMembership
	}
	return q.Queries.UpdateMembershipRole(ctx, id, expected, next)
}

func (q *hookQueries) CountOwners(ctx context.Context, portfolioID int64) (int, error) {
	n, err := q.Queries.CountOwners(ctx, portfolioID)
	if q.h.ownerCountFix != nil {
		n = q.h.ownerCountFix(n)
	}
	return n, err
}

type fixture struct {
	t       *testing.T
	ctx     context.Context
	store   *hookStore
	sink    *recordingSink
	mirror  *recordingSink
	metrics *observability.Metrics
	authz   *rbac.Authorizer
	svc     *rbac.MembershipService
	props   *rbac.PropertyService
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		t:       t,
		ctx:     context.Background(),
		store:   &hookStore{Store: memory.NewStore()},
		sink:    &recordingSink{},
		mirror:  &recordingSink{},
		metrics: observability.NewMetrics(prometheus.NewRegistry()),
		now:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	opts := []rbac.Option{
		rbac.WithMetrics(f.metrics),
		rbac.WithClock(func() time.Time { return f.now }),
		rbac.WithAuditMirror(f.mirror),
	}
	f.authz = rbac.NewAuthorizer(f.store, opts...)
	f.svc = rbac.NewMembershipService(f.store, f.authz, f.sink, opts...)
	f.props = rbac.NewPropertyService(f.store, f.authz, nil, opts...)
	return f
}

// portfolio creates a portfolio owned by ownerID
func (f *fixture) portfolio(ownerID int64) int64 {
	f.t.Helper()
	p, err := f.svc.CreatePortfolio(f.ctx, ownerID, "Portfolio", "")
	require.NoError(f.t, err)
	return p.ID
}

func (f *fixture) member(portfolioID, userID int64, role rbac.Role, access rbac.PropertyAccess) *rbac.Membership {
	f.t.Helper()
	m := &rbac.Membership{UserID: userID, PortfolioID: portfolioID, Role: role, PropertyAccess: access}
	require.NoError(f.t, f.store.CreateMembership(f.ctx, m))
	return m
}

func (f *fixture) property(portfolioID int64) int64 {
	f.t.Helper()
	p := &rbac.Property{PortfolioID: portfolioID, Name: "Property"}
	require.NoError(f.t, f.store.CreateProperty(f.ctx, p))
	return p.ID
}

func (f *fixture) role(portfolioID, userID int64) rbac.Role {
	f.t.Helper()
	m, err := f.store.GetMembership(f.ctx, userID, portfolioID)
	require.NoError(f.t, err)
	return m.Role
}

func (f *fixture) auditCount(portfolioID int64) int {
	f.t.Helper()
	entries, err := f.store.ListAuditEntries(f.ctx, rbac.AuditFilter{PortfolioID: portfolioID, Limit: 1000})
	require.NoError(f.t, err)
	return len(entries)
}

func rolePtr(r rbac.Role) *rbac.Role { return &r }

func int64Ptr(v int64) *int64 { return &v }
