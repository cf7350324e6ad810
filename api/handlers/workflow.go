package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/malbeclabs/sqlflow/agent/pkg/workflow"
)

// QuestionRequest starts a run. A missing thread ID starts a new thread.
type QuestionRequest struct {
	ThreadID string `json:"thread_id"`
	Question string `json:"question"`
}

// InvokeResponse is the result of a blocking run.
type InvokeResponse struct {
	ThreadID string                `json:"thread_id"`
	RunID    string                `json:"run_id"`
	Answer   *workflow.FinalAnswer `json:"answer"`
}

// ReplayRequest replaces thread memory and replays. FromStep selects the
// checkpoint to branch from; when omitted the engine picks one.
type ReplayRequest struct {
	Information string `json:"information"`
	FromStep    *int   `json:"from_step,omitempty"`
}

// HistoryResponse lists every checkpoint of a thread.
type HistoryResponse struct {
	ThreadID string                  `json:"thread_id"`
	History  []workflow.HistoryEntry `json:"history"`
	Total    int                     `json:"total"`
	Offset   int                     `json:"offset"`
}

func (a *API) startFromRequest(w http.ResponseWriter, r *http.Request) (*RunningWorkflow, bool) {
	var req QuestionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	req.Question = strings.TrimSpace(req.Question)
	if req.ThreadID == "" {
		req.ThreadID = uuid.NewString()
	}
	rw, err := a.Manager.Start(req.ThreadID, req.Question)
	if err != nil {
		writeWorkflowError(w, "Failed to start workflow", err)
		return nil, false
	}
	a.logger().Info("api: workflow started", "thread_id", req.ThreadID, "ip", GetIPFromContext(r.Context()))
	return rw, true
}

// Invoke runs a question and waits for the answer. The run continues in the
// background if the client goes away.
func (a *API) Invoke(w http.ResponseWriter, r *http.Request) {
	rw, ok := a.startFromRequest(w, r)
	if !ok {
		return
	}
	answer, err := rw.Wait(r.Context())
	if err != nil {
		if r.Context().Err() != nil {
			return
		}
		writeWorkflowError(w, "Workflow failed", err)
		return
	}
	writeJSON(w, http.StatusOK, InvokeResponse{ThreadID: rw.ThreadID, RunID: rw.RunID(), Answer: answer})
}

// Stream runs a question and streams its events as SSE.
func (a *API) Stream(w http.ResponseWriter, r *http.Request) {
	rw, ok := a.startFromRequest(w, r)
	if !ok {
		return
	}
	a.streamRun(w, r, rw)
}

// Resume continues a thread from its latest checkpoint and streams the run.
func (a *API) Resume(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "thread_id")
	rw, err := a.Manager.StartResume(threadID)
	if err != nil {
		writeWorkflowError(w, "Failed to resume workflow", err)
		return
	}
	a.streamRun(w, r, rw)
}

// Replay updates thread memory, forks the thread and streams the new branch.
func (a *API) Replay(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "thread_id")
	var req ReplayRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	fromStep := -1
	if req.FromStep != nil {
		if *req.FromStep < 0 {
			writeError(w, http.StatusBadRequest, "from_step must not be negative")
			return
		}
		fromStep = *req.FromStep
	}
	rw, err := a.Manager.StartReplay(threadID, req.Information, fromStep)
	if err != nil {
		writeWorkflowError(w, "Failed to replay workflow", err)
		return
	}
	a.streamRun(w, r, rw)
}

// Attach streams the in-progress run of a thread, starting with the events
// already emitted.
func (a *API) Attach(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "thread_id")
	rw, ok := a.Manager.Get(threadID)
	if !ok {
		writeError(w, http.StatusNotFound, "No run in progress for this thread")
		return
	}
	a.streamRun(w, r, rw)
}

// Cancel stops a thread's run before its next stage.
func (a *API) Cancel(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "thread_id")
	if !a.Manager.Cancel(threadID) {
		writeError(w, http.StatusNotFound, "No run in progress for this thread")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// History returns every checkpoint of a thread ordered by step.
func (a *API) History(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "thread_id")
	page, err := ParsePagination(r, DefaultHistoryLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	history, err := a.Engine.GetHistory(r.Context(), threadID)
	if err != nil {
		writeWorkflowError(w, "Failed to get history", err)
		return
	}
	writeJSON(w, http.StatusOK, HistoryResponse{
		ThreadID: threadID,
		History:  paginate(history, page),
		Total:    len(history),
		Offset:   page.Offset,
	})
}

// State returns the latest checkpoint of a thread.
func (a *API) State(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "thread_id")
	cp, err := a.Engine.GetState(r.Context(), threadID)
	if err != nil {
		writeWorkflowError(w, "Failed to get state", err)
		return
	}
	writeJSON(w, http.StatusOK, cp)
}

// streamRun writes a run's events as SSE: catch-up events first, then live
// events, then a [DONE] marker. A client disconnect only ends the stream.
func (a *API) streamRun(w http.ResponseWriter, r *http.Request, rw *RunningWorkflow) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "Streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Thread-ID", rw.ThreadID)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	send := func(ev workflow.Event) {
		if ev.Err != nil {
			ev.Error = SanitizeError(ev.Err)
		}
		data, err := json.Marshal(ev)
		if err != nil {
			a.logger().Warn("api: failed to encode event", "thread_id", ev.ThreadID, "error", err)
			return
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
		flusher.Flush()
	}
	done := func() {
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	}

	catchUp, sub := rw.Subscribe()
	defer rw.Unsubscribe(sub)
	for _, ev := range catchUp {
		send(ev)
	}

	heartbeat := time.NewTicker(a.heartbeat())
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			a.logger().Debug("api: stream client disconnected", "thread_id", rw.ThreadID)
			return
		case ev := <-sub.Events:
			send(ev)
		case <-sub.Done:
			for {
				select {
				case ev := <-sub.Events:
					send(ev)
				default:
					done()
					return
				}
			}
		case <-sub.Lagged:
			for {
				select {
				case ev := <-sub.Events:
					send(ev)
				default:
					a.logger().Warn("api: stream client too slow, disconnecting", "thread_id", rw.ThreadID)
					send(workflow.Event{Type: workflow.EventError, ThreadID: rw.ThreadID, RunID: rw.RunID(), Error: ErrStreamLagged.Error()})
					return
				}
			}
		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		}
	}
}
