// Package audit provides sinks and readers for the membership audit trail.
//
// Every sink implements rbac.AuditLogger and only ever appends:
//
//   - DBLogger writes rows to membership_audit_log through the store.
//   - FileLogger appends JSON lines to a rotating local file for shipping
//     to a SIEM.
//   - MultiLogger fans an entry out to several sinks.
//
// Rotated files can be shipped to object storage with Archiver. Reader
// lists and exports the entries recorded for a portfolio.
//
// Example:
//
//	file, err := audit.NewFileLogger(audit.DefaultFileLoggerConfig())
//	if err != nil {
//		return err
//	}
//	sink := audit.NewMultiLogger(audit.NewDBLogger(store), file)
//	svc := rbac.NewMembershipService(store, authz, sink)
package audit
