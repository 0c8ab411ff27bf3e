// Package postgres implements rbac.Store on PostgreSQL.
//
// The one-owner rule is enforced by a partial unique index as well as by
// the engine, so a racing promotion fails at the database rather than
// leaving two owners behind.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/platinummonkey/portfolio-authz/pkg/rbac"
)

const (
	constraintUserPortfolio = "portfolio_memberships_user_portfolio"
	constraintOneOwner      = "portfolio_memberships_one_owner"

	pqUniqueViolation     = "23505"
	pqForeignKeyViolation = "23503"
)

// querier is satisfied by both *sql.DB and *sql.Tx
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// queries implements rbac.Queries against a querier
type queries struct {
	db  querier
	now func() time.Time
}

// Store is a PostgreSQL-backed rbac.Store
type Store struct {
	queries
	db *sql.DB
}

// NewStore creates a store on an open database handle
func NewStore(db *sql.DB) *Store {
	return &Store{
		queries: queries{db: db, now: func() time.Time { return time.Now().UTC() }},
		db:      db,
	}
}

// WithTx runs fn inside a single transaction
func (s *Store) WithTx(ctx context.Context, fn func(q rbac.Queries) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(&queries{db: tx, now: s.now}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return errors.Join(err, fmt.Errorf("failed to rollback: %w", rbErr))
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Ping checks database connectivity
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// classify maps constraint violations onto engine errors
func classify(err error, portfolioID int64) error {
	if err == nil {
		return nil
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch string(pqErr.Code) {
		case pqUniqueViolation:
			switch pqErr.Constraint {
			case constraintUserPortfolio:
				return rbac.ErrAlreadyMember
			case constraintOneOwner:
				return ownerConflict(portfolioID)
			}
		case pqForeignKeyViolation:
			return rbac.ErrPortfolioNotFound
		}
		return err
	}

	// SQLite reports constraint failures by message only
	msg := err.Error()
	if strings.Contains(msg, "UNIQUE constraint failed: portfolio_memberships") {
		if strings.Contains(msg, "user_id") {
			return rbac.ErrAlreadyMember
		}
		return ownerConflict(portfolioID)
	}
	if strings.Contains(msg, "FOREIGN KEY constraint failed") {
		return rbac.ErrPortfolioNotFound
	}
	return err
}

func ownerConflict(portfolioID int64) error {
	return &rbac.InvariantViolationError{PortfolioID: portfolioID, Detail: "portfolio already has an owner"}
}

func (q *queries) GetPortfolio(ctx context.Context, portfolioID int64) (*rbac.Portfolio, error) {
	var p rbac.Portfolio
	err := q.db.QueryRowContext(ctx, `
		SELECT id, name, description, created_by, created_at, updated_at
		FROM portfolios WHERE id = $1
	`, portfolioID).Scan(&p.ID, &p.Name, &p.Description, &p.CreatedBy, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, rbac.ErrPortfolioNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get portfolio: %w", err)
	}
	return &p, nil
}

func (q *queries) CreatePortfolio(ctx context.Context, p *rbac.Portfolio) error {
	now := q.now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = p.CreatedAt
	}
	err := q.db.QueryRowContext(ctx, `
		INSERT INTO portfolios (name, description, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, p.Name, p.Description, p.CreatedBy, p.CreatedAt, p.UpdatedAt).Scan(&p.ID)
	if err != nil {
		return fmt.Errorf("failed to create portfolio: %w", err)
	}
	return nil
}

func (q *queries) UpdatePortfolioCreator(ctx context.Context, portfolioID, userID int64) error {
	result, err := q.db.ExecContext(ctx,
		"UPDATE portfolios SET created_by = $1, updated_at = $2 WHERE id = $3",
		userID, q.now(), portfolioID)
	if err != nil {
		return fmt.Errorf("failed to update portfolio creator: %w", err)
	}
	return expectOne(result, rbac.ErrPortfolioNotFound)
}

const membershipColumns = `id, user_id, portfolio_id, role, property_access,
	invited_by, invited_at, accepted_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMembership(row rowScanner) (*rbac.Membership, error) {
	var (
		m          rbac.Membership
		invitedBy  sql.NullInt64
		invitedAt  sql.NullTime
		acceptedAt sql.NullTime
	)
	if err := row.Scan(&m.ID, &m.UserID, &m.PortfolioID, &m.Role, &m.PropertyAccess,
		&invitedBy, &invitedAt, &acceptedAt, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	if invitedBy.Valid {
		m.InvitedBy = &invitedBy.Int64
	}
	if invitedAt.Valid {
		m.InvitedAt = &invitedAt.Time
	}
	if acceptedAt.Valid {
		m.AcceptedAt = &acceptedAt.Time
	}
	return &m, nil
}

func (q *queries) GetMembership(ctx context.Context, userID, portfolioID int64) (*rbac.Membership, error) {
	row := q.db.QueryRowContext(ctx,
		"SELECT "+membershipColumns+" FROM portfolio_memberships WHERE user_id = $1 AND portfolio_id = $2",
		userID, portfolioID)
	m, err := scanMembership(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, rbac.ErrMembershipNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get membership: %w", err)
	}
	return m, nil
}

func (q *queries) ListMemberships(ctx context.Context, portfolioID int64) ([]*rbac.Membership, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+membershipColumns+`
		FROM portfolio_memberships
		WHERE portfolio_id = $1
		ORDER BY CASE role WHEN 'owner' THEN 3 WHEN 'admin' THEN 2 WHEN 'member' THEN 1 ELSE 0 END DESC, user_id
	`, portfolioID)
	if err != nil {
		return nil, fmt.Errorf("failed to list memberships: %w", err)
	}
	defer rows.Close()

	members := []*rbac.Membership{}
	for rows.Next() {
		m, err := scanMembership(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan membership: %w", err)
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

func (q *queries) CreateMembership(ctx context.Context, m *rbac.Membership) error {
	now := q.now()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = m.CreatedAt
	}
	err := q.db.QueryRowContext(ctx, `
		INSERT INTO portfolio_memberships
			(user_id, portfolio_id, role, property_access, invited_by, invited_at, accepted_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`, m.UserID, m.PortfolioID, m.Role, m.PropertyAccess,
		nullInt64(m.InvitedBy), nullTime(m.InvitedAt), nullTime(m.AcceptedAt),
		m.CreatedAt, m.UpdatedAt).Scan(&m.ID)
	if err != nil {
		if c := classify(err, m.PortfolioID); c != err {
			return c
		}
		return fmt.Errorf("failed to create membership: %w", err)
	}
	return nil
}

func (q *queries) UpdateMembershipRole(ctx context.Context, membershipID int64, expected, next rbac.Role) error {
	// A failed statement aborts a PostgreSQL transaction, so the portfolio
	// for an owner conflict is looked up before the update.
	var portfolioID int64
	if next == rbac.RoleOwner {
		err := q.db.QueryRowContext(ctx,
			"SELECT portfolio_id FROM portfolio_memberships WHERE id = $1", membershipID).Scan(&portfolioID)
		if errors.Is(err, sql.ErrNoRows) {
			return rbac.ErrStaleMembership
		}
		if err != nil {
			return fmt.Errorf("failed to get membership: %w", err)
		}
	}

	result, err := q.db.ExecContext(ctx, `
		UPDATE portfolio_memberships SET role = $1, updated_at = $2
		WHERE id = $3 AND role = $4
	`, next, q.now(), membershipID, expected)
	if err != nil {
		if c := classify(err, portfolioID); c != err {
			return c
		}
		return fmt.Errorf("failed to update membership role: %w", err)
	}
	return expectOne(result, rbac.ErrStaleMembership)
}

func (q *queries) UpdatePropertyAccess(ctx context.Context, membershipID int64, expected rbac.Role, access rbac.PropertyAccess) error {
	result, err := q.db.ExecContext(ctx, `
		UPDATE portfolio_memberships SET property_access = $1, updated_at = $2
		WHERE id = $3 AND role = $4
	`, access, q.now(), membershipID, expected)
	if err != nil {
		return fmt.Errorf("failed to update property access: %w", err)
	}
	return expectOne(result, rbac.ErrStaleMembership)
}

func (q *queries) DeleteMembership(ctx context.Context, membershipID int64, expected rbac.Role) error {
	result, err := q.db.ExecContext(ctx,
		"DELETE FROM portfolio_memberships WHERE id = $1 AND role = $2",
		membershipID, expected)
	if err != nil {
		return fmt.Errorf("failed to delete membership: %w", err)
	}
	return expectOne(result, rbac.ErrStaleMembership)
}

func (q *queries) CountOwners(ctx context.Context, portfolioID int64) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM portfolio_memberships WHERE portfolio_id = $1 AND role = 'owner'",
		portfolioID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count owners: %w", err)
	}
	return n, nil
}

func (q *queries) CreateProperty(ctx context.Context, p *rbac.Property) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = q.now()
	}
	err := q.db.QueryRowContext(ctx, `
		INSERT INTO properties (portfolio_id, name, created_at)
		VALUES ($1, $2, $3)
		RETURNING id
	`, p.PortfolioID, p.Name, p.CreatedAt).Scan(&p.ID)
	if err != nil {
		if c := classify(err, p.PortfolioID); c != err {
			return c
		}
		return fmt.Errorf("failed to create property: %w", err)
	}
	return nil
}

func (q *queries) DeleteProperty(ctx context.Context, propertyID int64) error {
	result, err := q.db.ExecContext(ctx, "DELETE FROM properties WHERE id = $1", propertyID)
	if err != nil {
		return fmt.Errorf("failed to delete property: %w", err)
	}
	return expectOne(result, rbac.ErrPropertyNotFound)
}

func (q *queries) ListPropertyIDs(ctx context.Context, portfolioID int64) ([]int64, error) {
	rows, err := q.db.QueryContext(ctx,
		"SELECT id FROM properties WHERE portfolio_id = $1 ORDER BY id", portfolioID)
	if err != nil {
		return nil, fmt.Errorf("failed to list properties: %w", err)
	}
	defer rows.Close()

	ids := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan property id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (q *queries) GetPropertyPortfolioID(ctx context.Context, propertyID int64) (int64, error) {
	var portfolioID int64
	err := q.db.QueryRowContext(ctx,
		"SELECT portfolio_id FROM properties WHERE id = $1", propertyID).Scan(&portfolioID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, rbac.ErrPropertyNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get property: %w", err)
	}
	return portfolioID, nil
}

func (q *queries) CreateInvitation(ctx context.Context, inv *rbac.Invitation) error {
	err := q.db.QueryRowContext(ctx, `
		INSERT INTO portfolio_invitations
			(portfolio_id, email, role, property_access, token, invited_by, invited_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`, inv.PortfolioID, inv.Email, inv.Role, inv.PropertyAccess, inv.Token,
		inv.InvitedBy, inv.InvitedAt, inv.ExpiresAt).Scan(&inv.ID)
	if err != nil {
		if c := classify(err, inv.PortfolioID); c != err {
			return c
		}
		return fmt.Errorf("failed to create invitation: %w", err)
	}
	return nil
}

func (q *queries) GetInvitationByToken(ctx context.Context, token string) (*rbac.Invitation, error) {
	var (
		inv        rbac.Invitation
		acceptedAt sql.NullTime
		acceptedBy sql.NullInt64
	)
	err := q.db.QueryRowContext(ctx, `
		SELECT id, portfolio_id, email, role, property_access, token,
			invited_by, invited_at, expires_at, accepted_at, accepted_by
		FROM portfolio_invitations WHERE token = $1
	`, token).Scan(&inv.ID, &inv.PortfolioID, &inv.Email, &inv.Role, &inv.PropertyAccess, &inv.Token,
		&inv.InvitedBy, &inv.InvitedAt, &inv.ExpiresAt, &acceptedAt, &acceptedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, rbac.ErrInvitationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get invitation: %w", err)
	}
	if acceptedAt.Valid {
		inv.AcceptedAt = &acceptedAt.Time
	}
	if acceptedBy.Valid {
		inv.AcceptedBy = &acceptedBy.Int64
	}
	return &inv, nil
}

func (q *queries) MarkInvitationAccepted(ctx context.Context, invitationID, userID int64, at time.Time) error {
	result, err := q.db.ExecContext(ctx, `
		UPDATE portfolio_invitations SET accepted_at = $1, accepted_by = $2
		WHERE id = $3 AND accepted_at IS NULL
	`, at, userID, invitationID)
	if err != nil {
		return fmt.Errorf("failed to mark invitation accepted: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 1 {
		return nil
	}

	var exists bool
	if err := q.db.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM portfolio_invitations WHERE id = $1)", invitationID).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check invitation: %w", err)
	}
	if !exists {
		return rbac.ErrInvitationNotFound
	}
	return rbac.ErrInvitationAccepted
}

func (q *queries) DeleteExpiredInvitations(ctx context.Context, before time.Time) (int64, error) {
	result, err := q.db.ExecContext(ctx,
		"DELETE FROM portfolio_invitations WHERE accepted_at IS NULL AND expires_at <= $1", before)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired invitations: %w", err)
	}
	return result.RowsAffected()
}

func (q *queries) InsertAuditEntry(ctx context.Context, entry *rbac.AuditEntry) error {
	if !entry.Action.Valid() {
		return fmt.Errorf("invalid audit action %q", entry.Action)
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = q.now()
	}
	err := q.db.QueryRowContext(ctx, `
		INSERT INTO membership_audit_log
			(user_id, portfolio_id, action, old_value, new_value, changed_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, nullInt64(entry.UserID), entry.PortfolioID, string(entry.Action),
		rbac.SnapshotColumn{Snapshot: entry.OldValue}, rbac.SnapshotColumn{Snapshot: entry.NewValue},
		entry.ChangedBy, entry.CreatedAt).Scan(&entry.ID)
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}

func (q *queries) ListAuditEntries(ctx context.Context, filter rbac.AuditFilter) ([]*rbac.AuditEntry, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = rbac.DefaultAuditLimit
	}

	query := `SELECT id, user_id, portfolio_id, action, old_value, new_value, changed_by, created_at
		FROM membership_audit_log WHERE portfolio_id = $1`
	args := []interface{}{filter.PortfolioID}

	if filter.UserID != nil {
		args = append(args, *filter.UserID)
		query += fmt.Sprintf(" AND user_id = $%d", len(args))
	}
	if len(filter.Actions) > 0 {
		placeholders := make([]string, len(filter.Actions))
		for i, a := range filter.Actions {
			args = append(args, string(a))
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		query += " AND action IN (" + strings.Join(placeholders, ", ") + ")"
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", len(args))

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	entries := []*rbac.AuditEntry{}
	for rows.Next() {
		var (
			e        rbac.AuditEntry
			userID   sql.NullInt64
			action   string
			oldValue rbac.SnapshotColumn
			newValue rbac.SnapshotColumn
		)
		if err := rows.Scan(&e.ID, &userID, &e.PortfolioID, &action, &oldValue, &newValue,
			&e.ChangedBy, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		if userID.Valid {
			e.UserID = &userID.Int64
		}
		e.Action = rbac.AuditAction(action)
		e.OldValue = oldValue.Snapshot
		e.NewValue = newValue.Snapshot
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// expectOne returns notFound when the statement touched no row
func expectOne(result sql.Result, notFound error) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

var _ rbac.Store = (*Store)(nil)
