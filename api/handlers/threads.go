package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/malbeclabs/sqlflow/agent/pkg/workflow"
)

// InformationRequest replaces a thread's long-term memory.
type InformationRequest struct {
	Information string `json:"information"`
}

// InformationResponse is a thread's long-term memory.
type InformationResponse struct {
	ThreadID    string `json:"thread_id"`
	Information string `json:"information"`
}

// SavedContextResponse identifies a context library entry.
type SavedContextResponse struct {
	ID string `json:"id"`
}

func (a *API) GetInformation(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "thread_id")
	info, ok, err := a.Engine.Information(r.Context(), threadID)
	if err != nil {
		writeWorkflowError(w, "Failed to get thread information", err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "Thread has no information")
		return
	}
	writeJSON(w, http.StatusOK, InformationResponse{ThreadID: threadID, Information: info})
}

// PutInformation replaces thread memory without replaying. Use the replay
// endpoint to rerun with the new information.
func (a *API) PutInformation(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "thread_id")
	var req InformationRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.Engine.SetInformation(r.Context(), threadID, req.Information); err != nil {
		writeWorkflowError(w, "Failed to update thread information", err)
		return
	}
	writeJSON(w, http.StatusOK, InformationResponse{ThreadID: threadID, Information: req.Information})
}

func (a *API) DeleteInformation(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "thread_id")
	if err := a.Engine.DeleteInformation(r.Context(), threadID); err != nil {
		writeWorkflowError(w, "Failed to delete thread information", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SaveInformation stores the schema context of the thread's latest run in
// the context library.
func (a *API) SaveInformation(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "thread_id")
	id, err := a.Engine.SaveInformation(r.Context(), threadID)
	if errors.Is(err, workflow.ErrNoSchemaContext) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		writeWorkflowError(w, "Failed to save thread information", err)
		return
	}
	writeJSON(w, http.StatusCreated, SavedContextResponse{ID: id})
}
