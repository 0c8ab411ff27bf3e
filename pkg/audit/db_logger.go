package audit

import (
	"context"
	"fmt"

	"github.com/platinummonkey/portfolio-authz/pkg/rbac"
)

// DBLogger implements rbac.AuditLogger against the membership_audit_log
// table of a store.
type DBLogger struct {
	queries rbac.Queries
}

// NewDBLogger creates a database-backed audit logger
func NewDBLogger(queries rbac.Queries) *DBLogger {
	return &DBLogger{queries: queries}
}

// Record inserts a copy of entry; the caller's entry is left untouched
func (l *DBLogger) Record(ctx context.Context, entry *rbac.AuditEntry) error {
	row := *entry
	row.ID = 0
	if err := l.queries.InsertAuditEntry(ctx, &row); err != nil {
		return fmt.Errorf("failed to record audit entry: %w", err)
	}
	return nil
}
