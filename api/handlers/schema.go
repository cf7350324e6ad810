package handlers

import (
	"net/http"
	"strings"

	"github.com/malbeclabs/sqlflow/agent/pkg/workflow"
)

// SchemaResponse is the catalog listing, or the described tables when
// ?tables= is given.
type SchemaResponse struct {
	Tables   []workflow.TableSummary  `json:"tables,omitempty"`
	Metadata []workflow.TableMetadata `json:"metadata,omitempty"`
}

func (a *API) GetSchema(w http.ResponseWriter, r *http.Request) {
	if names := splitList(r.URL.Query().Get("tables")); len(names) > 0 {
		metas, err := a.Catalog.Describe(r.Context(), names)
		if err != nil {
			writeError(w, http.StatusInternalServerError, internalError("Failed to describe tables", err))
			return
		}
		writeJSON(w, http.StatusOK, SchemaResponse{Metadata: metas})
		return
	}

	tables, err := a.Catalog.ListTables(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, internalError("Failed to list tables", err))
		return
	}
	writeJSON(w, http.StatusOK, SchemaResponse{Tables: tables})
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
