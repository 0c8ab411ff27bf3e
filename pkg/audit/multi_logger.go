package audit

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/platinummonkey/portfolio-authz/pkg/rbac"
)

// MultiLogger records every entry to several sinks in order
type MultiLogger struct {
	loggers []rbac.AuditLogger
}

// NewMultiLogger creates a logger that fans out to loggers. Nil loggers are
// skipped.
func NewMultiLogger(loggers ...rbac.AuditLogger) *MultiLogger {
	m := &MultiLogger{}
	for _, l := range loggers {
		if l != nil {
			m.loggers = append(m.loggers, l)
		}
	}
	return m
}

// Record writes to every sink, continuing past failures, and returns the
// joined errors.
func (m *MultiLogger) Record(ctx context.Context, entry *rbac.AuditEntry) error {
	var errs []error
	for _, logger := range m.loggers {
		if err := logger.Record(ctx, entry); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink that holds resources
func (m *MultiLogger) Close() error {
	var errs []error
	for _, logger := range m.loggers {
		if c, ok := logger.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("failed to close logger: %w", err))
			}
		}
	}
	return errors.Join(errs...)
}
