package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/platinummonkey/portfolio-authz/pkg/observability"
)

// Migration represents a database migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// GetMigrations returns the schema migrations in version order
func GetMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create portfolios and properties tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS portfolios (
					id BIGSERIAL PRIMARY KEY,
					name VARCHAR(255) NOT NULL,
					description TEXT NOT NULL DEFAULT '',
					created_by BIGINT NOT NULL,
					created_at TIMESTAMPTZ NOT NULL,
					updated_at TIMESTAMPTZ NOT NULL
				);

				CREATE TABLE IF NOT EXISTS properties (
					id BIGSERIAL PRIMARY KEY,
					portfolio_id BIGINT NOT NULL REFERENCES portfolios(id) ON DELETE CASCADE,
					name VARCHAR(255) NOT NULL,
					created_at TIMESTAMPTZ NOT NULL
				);

				CREATE INDEX idx_properties_portfolio_id ON properties(portfolio_id);
			`,
		},
		{
			Version:     2,
			Description: "Create portfolio_memberships table",
			SQL: `
				CREATE TABLE IF NOT EXISTS portfolio_memberships (
					id BIGSERIAL PRIMARY KEY,
					user_id BIGINT NOT NULL,
					portfolio_id BIGINT NOT NULL REFERENCES portfolios(id) ON DELETE CASCADE,
					role VARCHAR(20) NOT NULL CHECK (role IN ('owner', 'admin', 'member', 'viewer')),
					property_access JSONB,
					invited_by BIGINT,
					invited_at TIMESTAMPTZ,
					accepted_at TIMESTAMPTZ,
					created_at TIMESTAMPTZ NOT NULL,
					updated_at TIMESTAMPTZ NOT NULL,
					CONSTRAINT portfolio_memberships_user_portfolio UNIQUE (user_id, portfolio_id)
				);

				CREATE UNIQUE INDEX portfolio_memberships_one_owner
					ON portfolio_memberships(portfolio_id) WHERE role = 'owner';
				CREATE INDEX idx_portfolio_memberships_portfolio_id ON portfolio_memberships(portfolio_id);
			`,
		},
		{
			Version:     3,
			Description: "Create portfolio_invitations table",
			SQL: `
				CREATE TABLE IF NOT EXISTS portfolio_invitations (
					id BIGSERIAL PRIMARY KEY,
					portfolio_id BIGINT NOT NULL REFERENCES portfolios(id) ON DELETE CASCADE,
					email VARCHAR(320) NOT NULL,
					role VARCHAR(20) NOT NULL CHECK (role IN ('admin', 'member', 'viewer')),
					property_access JSONB,
					token VARCHAR(128) NOT NULL UNIQUE,
					invited_by BIGINT NOT NULL,
					invited_at TIMESTAMPTZ NOT NULL,
					expires_at TIMESTAMPTZ NOT NULL,
					accepted_at TIMESTAMPTZ,
					accepted_by BIGINT
				);

				CREATE INDEX idx_portfolio_invitations_expires_at
					ON portfolio_invitations(expires_at) WHERE accepted_at IS NULL;
			`,
		},
		{
			Version:     4,
			Description: "Create membership_audit_log table",
			SQL: `
				CREATE TABLE IF NOT EXISTS membership_audit_log (
					id BIGSERIAL PRIMARY KEY,
					user_id BIGINT,
					portfolio_id BIGINT NOT NULL,
					action VARCHAR(32) NOT NULL CHECK (action IN ('invitation_sent', 'role_change', 'access_revoked')),
					old_value JSONB,
					new_value JSONB,
					changed_by BIGINT NOT NULL,
					created_at TIMESTAMPTZ NOT NULL
				);

				CREATE INDEX idx_membership_audit_log_portfolio
					ON membership_audit_log(portfolio_id, created_at DESC, id DESC);
				CREATE INDEX idx_membership_audit_log_user_id ON membership_audit_log(user_id);
			`,
		},
		{
			Version:     5,
			Description: "Make membership_audit_log append-only",
			SQL: `
				CREATE OR REPLACE FUNCTION membership_audit_log_immutable() RETURNS trigger AS $$
				BEGIN
					RAISE EXCEPTION 'membership_audit_log is append-only';
				END;
				$$ LANGUAGE plpgsql;

				CREATE TRIGGER membership_audit_log_no_update
					BEFORE UPDATE OR DELETE ON membership_audit_log
					FOR EACH ROW EXECUTE FUNCTION membership_audit_log_immutable();
			`,
		},
	}
}

// RunMigrations applies every migration not yet recorded in
// schema_migrations, each in its own transaction.
func RunMigrations(ctx context.Context, db *sql.DB, logger *observability.Logger) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INT PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	rows, err := db.QueryContext(ctx, "SELECT version FROM schema_migrations ORDER BY version")
	if err != nil {
		return fmt.Errorf("failed to query migrations: %w", err)
	}

	appliedVersions := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan migration version: %w", err)
		}
		appliedVersions[version] = true
	}
	rows.Close()

	for _, migration := range GetMigrations() {
		if appliedVersions[migration.Version] {
			continue
		}

		logger.WithFields(map[string]interface{}{
			"version":     migration.Version,
			"description": migration.Description,
		}).Info("running migration")

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to start transaction: %w", err)
		}

		if _, err := tx.ExecContext(ctx, migration.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to execute migration %d: %w", migration.Version, err)
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO schema_migrations (version, description) VALUES ($1, $2)",
			migration.Version, migration.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, err)
		}
	}

	return nil
}
