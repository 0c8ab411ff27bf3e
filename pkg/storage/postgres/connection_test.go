package postgres

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/portfolio-authz/pkg/rbac"
)

func TestParseReplicaURLs(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{"empty", "", nil},
		{"single", "postgres://r1/db", []string{"postgres://r1/db"}},
		{"trims and skips blanks", " postgres://r1/db , ,postgres://r2/db ", []string{"postgres://r1/db", "postgres://r2/db"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseReplicaURLs(tt.input))
		})
	}
}

func TestConnectionManager_Replica(t *testing.T) {
	primary, _, err := sqlmock.New()
	require.NoError(t, err)
	defer primary.Close()

	t.Run("falls back to primary", func(t *testing.T) {
		cm := &ConnectionManager{primary: primary}
		assert.Same(t, primary, cm.Replica())
	})

	t.Run("round robin", func(t *testing.T) {
		r1, _, err := sqlmock.New()
		require.NoError(t, err)
		defer r1.Close()
		r2, _, err := sqlmock.New()
		require.NoError(t, err)
		defer r2.Close()

		cm := &ConnectionManager{primary: primary, replicas: []*sql.DB{r1, r2}}
		first, second, third := cm.Replica(), cm.Replica(), cm.Replica()
		assert.NotSame(t, first, second)
		assert.Same(t, first, third)
		assert.Len(t, cm.Stats().Replicas, 2)
	})
}

func TestConnectionManager_HealthCheck(t *testing.T) {
	t.Run("healthy primary", func(t *testing.T) {
		primaryDB, primaryMock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer primaryDB.Close()

		primaryMock.ExpectPing()
		cm := &ConnectionManager{primary: primaryDB}
		assert.NoError(t, cm.HealthCheck(context.Background()))
		assert.NoError(t, primaryMock.ExpectationsWereMet())
	})

	t.Run("unhealthy primary", func(t *testing.T) {
		primaryDB, primaryMock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer primaryDB.Close()

		primaryMock.ExpectPing().WillReturnError(errors.New("connection refused"))
		cm := &ConnectionManager{primary: primaryDB}
		err = cm.HealthCheck(context.Background())
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "primary unhealthy")
	})

	t.Run("replicas partially down", func(t *testing.T) {
		r1, m1, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer r1.Close()
		r2, m2, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer r2.Close()

		m1.ExpectPing()
		m2.ExpectPing().WillReturnError(errors.New("connection refused"))
		cm := &ConnectionManager{replicas: []*sql.DB{r1, r2}}
		assert.NoError(t, cm.ReplicaHealthCheck(context.Background()))
	})

	t.Run("all replicas down", func(t *testing.T) {
		r1, m1, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer r1.Close()

		m1.ExpectPing().WillReturnError(errors.New("connection refused"))
		cm := &ConnectionManager{replicas: []*sql.DB{r1}}
		err = cm.ReplicaHealthCheck(context.Background())
		assert.ErrorContains(t, err, "all replicas unhealthy: replica-0")
	})
}

func TestConnectionManager_Close(t *testing.T) {
	primaryDB, primaryMock, err := sqlmock.New()
	require.NoError(t, err)
	replicaDB, replicaMock, err := sqlmock.New()
	require.NoError(t, err)

	primaryMock.ExpectClose()
	replicaMock.ExpectClose().WillReturnError(errors.New("already closed"))

	cm := &ConnectionManager{primary: primaryDB, replicas: []*sql.DB{replicaDB}}
	err = cm.Close()
	assert.ErrorContains(t, err, "replica-0 close error")
	assert.Empty(t, cm.Stats().Replicas)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		check func(t *testing.T, err error)
	}{
		{"duplicate membership", &pq.Error{Code: pqUniqueViolation, Constraint: constraintUserPortfolio}, func(t *testing.T, err error) {
			assert.ErrorIs(t, err, rbac.ErrAlreadyMember)
		}},
		{"second owner", &pq.Error{Code: pqUniqueViolation, Constraint: constraintOneOwner}, func(t *testing.T, err error) {
			assert.True(t, rbac.IsInvariantViolation(err))
		}},
		{"missing portfolio", &pq.Error{Code: pqForeignKeyViolation}, func(t *testing.T, err error) {
			assert.ErrorIs(t, err, rbac.ErrPortfolioNotFound)
		}},
		{"other unique violation", &pq.Error{Code: pqUniqueViolation, Constraint: "portfolio_invitations_token_key"}, func(t *testing.T, err error) {
			var pqErr *pq.Error
			assert.ErrorAs(t, err, &pqErr)
		}},
		{"sqlite owner index", errors.New("UNIQUE constraint failed: portfolio_memberships.portfolio_id"), func(t *testing.T, err error) {
			assert.True(t, rbac.IsInvariantViolation(err))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.check(t, classify(tt.err, 7))
		})
	}
	assert.NoError(t, classify(nil, 7))
}

func TestStore_PostgresErrors(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := NewStore(db)
	ctx := context.Background()

	t.Run("promotion hits the owner index", func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta("SELECT portfolio_id FROM portfolio_memberships WHERE id = $1")).
			WithArgs(int64(5)).
			WillReturnRows(sqlmock.NewRows([]string{"portfolio_id"}).AddRow(int64(3)))
		mock.ExpectExec(regexp.QuoteMeta("UPDATE portfolio_memberships SET role = $1")).
			WillReturnError(&pq.Error{Code: pqUniqueViolation, Constraint: constraintOneOwner})

		err := s.UpdateMembershipRole(ctx, 5, rbac.RoleAdmin, rbac.RoleOwner)
		var iv *rbac.InvariantViolationError
		require.ErrorAs(t, err, &iv)
		assert.Equal(t, int64(3), iv.PortfolioID)
	})

	t.Run("no rows matched", func(t *testing.T) {
		mock.ExpectExec(regexp.QuoteMeta("DELETE FROM portfolio_memberships")).
			WithArgs(int64(5), "admin").
			WillReturnResult(sqlmock.NewResult(0, 0))

		assert.ErrorIs(t, s.DeleteMembership(ctx, 5, rbac.RoleAdmin), rbac.ErrStaleMembership)
	})

	t.Run("commit failure", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectCommit().WillReturnError(errors.New("could not serialize access"))

		err := s.WithTx(ctx, func(rbac.Queries) error { return nil })
		assert.ErrorContains(t, err, "failed to commit transaction")
	})

	t.Run("callback error rolls back", func(t *testing.T) {
		boom := errors.New("boom")
		mock.ExpectBegin()
		mock.ExpectRollback()

		assert.ErrorIs(t, s.WithTx(ctx, func(rbac.Queries) error { return boom }), boom)
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}
