package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/portfolio-authz/pkg/observability"
)

func TestGetMigrations(t *testing.T) {
	migrations := GetMigrations()
	require.NotEmpty(t, migrations)
	for i, m := range migrations {
		assert.Equal(t, i+1, m.Version, "migrations must be sequential")
		assert.NotEmpty(t, m.Description)
		assert.NotEmpty(t, m.SQL)
	}

	var schema string
	for _, m := range migrations {
		schema += m.SQL
	}
	assert.Contains(t, schema, "portfolio_memberships_one_owner")
	assert.Contains(t, schema, "WHERE role = 'owner'")
	assert.Contains(t, schema, "BEFORE UPDATE OR DELETE ON membership_audit_log")
}

func TestRunMigrations(t *testing.T) {
	t.Run("applies pending migrations", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS schema_migrations")).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(regexp.QuoteMeta("SELECT version FROM schema_migrations")).
			WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(1).AddRow(2).AddRow(3))

		for _, m := range GetMigrations()[3:] {
			mock.ExpectBegin()
			mock.ExpectExec(".+").WillReturnResult(sqlmock.NewResult(0, 0))
			mock.ExpectExec(regexp.QuoteMeta("INSERT INTO schema_migrations")).
				WithArgs(m.Version, m.Description).
				WillReturnResult(sqlmock.NewResult(1, 1))
			mock.ExpectCommit()
		}

		require.NoError(t, RunMigrations(context.Background(), db, observability.NopLogger()))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("nothing pending", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		rows := sqlmock.NewRows([]string{"version"})
		for _, m := range GetMigrations() {
			rows.AddRow(m.Version)
		}
		mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS schema_migrations")).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(regexp.QuoteMeta("SELECT version FROM schema_migrations")).WillReturnRows(rows)

		require.NoError(t, RunMigrations(context.Background(), db, observability.NopLogger()))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("failed migration rolls back", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS schema_migrations")).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(regexp.QuoteMeta("SELECT version FROM schema_migrations")).
			WillReturnRows(sqlmock.NewRows([]string{"version"}))
		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS portfolios")).
			WillReturnError(errors.New("permission denied for schema public"))
		mock.ExpectRollback()

		err = RunMigrations(context.Background(), db, observability.NopLogger())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to execute migration 1")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("tracking table failure", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS schema_migrations")).
			WillReturnError(errors.New("connection refused"))

		err = RunMigrations(context.Background(), db, observability.NopLogger())
		assert.ErrorContains(t, err, "failed to create migrations table")
	})
}
