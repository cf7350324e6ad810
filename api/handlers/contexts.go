package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/malbeclabs/sqlflow/agent/pkg/store"
	"github.com/malbeclabs/sqlflow/agent/pkg/workflow"
)

const (
	defaultContextLimit = 5
	maxContextLimit     = 50
)

// ContextRequest adds an example context to the library.
type ContextRequest struct {
	Question string `json:"question"`
	Context  string `json:"context"`
}

// ContextSearchResponse lists the library entries most similar to a question.
type ContextSearchResponse struct {
	Query   string                  `json:"query"`
	Results []workflow.ContextEntry `json:"results"`
}

func (a *API) InsertContext(w http.ResponseWriter, r *http.Request) {
	if a.Contexts == nil {
		writeWorkflowError(w, "", workflow.ErrNoContextLibrary)
		return
	}
	var req ContextRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Question) == "" || strings.TrimSpace(req.Context) == "" {
		writeError(w, http.StatusBadRequest, "question and context are required")
		return
	}
	id, err := a.Contexts.Insert(r.Context(), req.Question, req.Context)
	if err != nil {
		writeError(w, http.StatusInternalServerError, internalError("Failed to insert context", err))
		return
	}
	writeJSON(w, http.StatusCreated, SavedContextResponse{ID: id})
}

// SearchContext ranks library entries against ?q=. ?limit= caps the result.
func (a *API) SearchContext(w http.ResponseWriter, r *http.Request) {
	if a.Contexts == nil {
		writeWorkflowError(w, "", workflow.ErrNoContextLibrary)
		return
	}
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		writeError(w, http.StatusBadRequest, "q is required")
		return
	}
	limit := defaultContextLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxContextLimit)
	}
	results, err := a.Contexts.Retrieve(r.Context(), q, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, internalError("Failed to search contexts", err))
		return
	}
	if results == nil {
		results = []workflow.ContextEntry{}
	}
	writeJSON(w, http.StatusOK, ContextSearchResponse{Query: q, Results: results})
}

func (a *API) DeleteContext(w http.ResponseWriter, r *http.Request) {
	if a.Contexts == nil {
		writeWorkflowError(w, "", workflow.ErrNoContextLibrary)
		return
	}
	id := chi.URLParam(r, "id")
	err := a.Contexts.Delete(r.Context(), id)
	if errors.Is(err, store.ErrContextNotFound) {
		writeError(w, http.StatusNotFound, "Context not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, internalError("Failed to delete context", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
