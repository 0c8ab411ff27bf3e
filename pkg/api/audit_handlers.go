package api

import (
	"net/http"
	"strings"

	"github.com/platinummonkey/portfolio-authz/pkg/audit"
	"github.com/platinummonkey/portfolio-authz/pkg/httputil"
	"github.com/platinummonkey/portfolio-authz/pkg/rbac"
)

// listAudit handles GET /portfolios/{id}/audit
//
// Query parameters: user_id, action (repeatable or comma separated), limit
// and format (json, ndjson, csv). Without format the entries are wrapped in
// an AuditResponse; with it the raw export is returned.
func (s *Server) listAudit(w http.ResponseWriter, r *http.Request) {
	portfolioID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	filter, err := parseAuditFilter(r, portfolioID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	format := r.URL.Query().Get("format")
	if format == "" {
		entries, err := s.auditReader.ListEntries(r.Context(), actorID(r), filter)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		if entries == nil {
			entries = []*rbac.AuditEntry{}
		}
		_ = httputil.WriteSuccess(w, AuditResponse{PortfolioID: portfolioID, Entries: entries})
		return
	}

	exportFormat, err := audit.ParseExportFormat(format)
	if err != nil {
		writeServiceError(w, r, &rbac.ValidationError{Field: "format", Message: err.Error()})
		return
	}
	data, err := s.auditReader.Export(r.Context(), actorID(r), filter, exportFormat)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	_ = httputil.WriteRaw(w, http.StatusOK, exportFormat.ContentType(), data)
}

func parseAuditFilter(r *http.Request, portfolioID int64) (rbac.AuditFilter, error) {
	filter := rbac.AuditFilter{PortfolioID: portfolioID}

	userID, err := httputil.ParseQueryInt64Ptr(r, "user_id")
	if err != nil {
		return filter, &rbac.ValidationError{Field: "user_id", Message: err.Error()}
	}
	filter.UserID = userID

	limit, err := httputil.ParseQueryInt(r, "limit", rbac.DefaultAuditLimit)
	if err != nil {
		return filter, &rbac.ValidationError{Field: "limit", Message: err.Error()}
	}
	filter.Limit = limit

	for _, raw := range r.URL.Query()["action"] {
		for _, name := range strings.Split(raw, ",") {
			if name = strings.TrimSpace(name); name != "" {
				filter.Actions = append(filter.Actions, rbac.AuditAction(name))
			}
		}
	}
	return filter, nil
}
