package audit

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/platinummonkey/portfolio-authz/pkg/rbac"
)

// ExportFormat selects the encoding of an audit export
type ExportFormat string

const (
	ExportFormatJSON   ExportFormat = "json"
	ExportFormatNDJSON ExportFormat = "ndjson"
	ExportFormatCSV    ExportFormat = "csv"
)

// ParseExportFormat maps a format name to an ExportFormat. The empty string
// means JSON.
func ParseExportFormat(s string) (ExportFormat, error) {
	switch ExportFormat(s) {
	case "", ExportFormatJSON:
		return ExportFormatJSON, nil
	case ExportFormatNDJSON, ExportFormatCSV:
		return ExportFormat(s), nil
	}
	return "", fmt.Errorf("unknown export format %q", s)
}

// ContentType returns the MIME type for the format
func (f ExportFormat) ContentType() string {
	switch f {
	case ExportFormatNDJSON:
		return "application/x-ndjson"
	case ExportFormatCSV:
		return "text/csv"
	default:
		return "application/json"
	}
}

// Encode serializes entries in the format
func (f ExportFormat) Encode(entries []*rbac.AuditEntry) ([]byte, error) {
	switch f {
	case ExportFormatNDJSON:
		return exportNDJSON(entries)
	case ExportFormatCSV:
		return exportCSV(entries)
	default:
		return exportJSON(entries)
	}
}

func exportJSON(entries []*rbac.AuditEntry) ([]byte, error) {
	if entries == nil {
		entries = []*rbac.AuditEntry{}
	}
	return json.MarshalIndent(entries, "", "  ")
}

func exportNDJSON(entries []*rbac.AuditEntry) ([]byte, error) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	for _, entry := range entries {
		if err := encoder.Encode(entry); err != nil {
			return nil, fmt.Errorf("failed to encode entry: %w", err)
		}
	}
	return buf.Bytes(), nil
}

func exportCSV(entries []*rbac.AuditEntry) ([]byte, error) {
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)

	header := []string{"ID", "CreatedAt", "PortfolioID", "UserID", "Action", "ChangedBy", "OldValue", "NewValue"}
	if err := writer.Write(header); err != nil {
		return nil, fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, entry := range entries {
		oldValue, err := rbac.EncodeSnapshot(entry.OldValue)
		if err != nil {
			return nil, err
		}
		newValue, err := rbac.EncodeSnapshot(entry.NewValue)
		if err != nil {
			return nil, err
		}
		row := []string{
			strconv.FormatInt(entry.ID, 10),
			entry.CreatedAt.UTC().Format(time.RFC3339),
			strconv.FormatInt(entry.PortfolioID, 10),
			formatInt64Ptr(entry.UserID),
			string(entry.Action),
			strconv.FormatInt(entry.ChangedBy, 10),
			string(oldValue),
			string(newValue),
		}
		if err := writer.Write(row); err != nil {
			return nil, fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("CSV writer error: %w", err)
	}
	return buf.Bytes(), nil
}

// formatInt64Ptr formats an int64 pointer as string, returning empty string for nil
func formatInt64Ptr(val *int64) string {
	if val == nil {
		return ""
	}
	return strconv.FormatInt(*val, 10)
}
