package handlers_test

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/malbeclabs/sqlflow/agent/pkg/workflow"
	"github.com/malbeclabs/sqlflow/api/handlers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAPI_Invoke(t *testing.T) {
	t.Parallel()
	ta := newTestAPI(t)

	resp := ta.invoke(t, "thread-1")

	assert.Equal(t, "thread-1", resp.ThreadID)
	assert.NotEmpty(t, resp.RunID)
	require.NotNil(t, resp.Answer)
	assert.Equal(t, workflow.OutcomeAnswered, resp.Answer.Outcome)
	assert.Contains(t, resp.Answer.Answer, "1523")
	assert.Equal(t, []string{countSQL}, resp.Answer.SQL)
}

func TestAPI_Invoke_GeneratesThreadID(t *testing.T) {
	t.Parallel()
	ta := newTestAPI(t)

	resp := ta.invoke(t, "")
	assert.NotEmpty(t, resp.ThreadID)

	_, err := ta.api.Engine.GetState(t.Context(), resp.ThreadID)
	require.NoError(t, err)
}

func TestAPI_Invoke_BadRequests(t *testing.T) {
	t.Parallel()
	ta := newTestAPI(t)

	tests := []struct {
		name string
		body any
	}{
		{name: "missing question", body: handlers.QuestionRequest{ThreadID: "t"}},
		{name: "blank question", body: handlers.QuestionRequest{ThreadID: "t", Question: "   "}},
		{name: "malformed body", body: "not an object"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := ta.do(t, http.MethodPost, "/api/workflow/invoke", tt.body)
			assert.Equal(t, http.StatusBadRequest, rr.Code)
		})
	}
}

func TestAPI_Stream(t *testing.T) {
	t.Parallel()
	ta := newTestAPI(t)

	rr := ta.do(t, http.MethodPost, "/api/workflow/stream", handlers.QuestionRequest{ThreadID: "thread-s", Question: "how many orders in 2023"})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "text/event-stream", rr.Header().Get("Content-Type"))
	assert.Equal(t, "thread-s", rr.Header().Get("X-Thread-ID"))

	data := sseData(t, rr.Body.String())
	require.NotEmpty(t, data)
	assert.Equal(t, "[DONE]", data[len(data)-1])

	events := sseEvents(t, rr.Body.String())
	require.NotEmpty(t, events)
	assert.Equal(t, workflow.EventEnd, events[len(events)-1].Type)

	var traces int
	var answer *workflow.FinalAnswer
	for _, ev := range events {
		assert.Equal(t, "thread-s", ev.ThreadID)
		switch ev.Type {
		case workflow.EventTrace:
			traces++
			require.NotNil(t, ev.Trace)
		case workflow.EventAnswer:
			answer = ev.Answer
		}
	}
	assert.Equal(t, 9, traces)
	require.NotNil(t, answer)
	assert.Contains(t, answer.Answer, "1523")
}

func TestAPI_HistoryAndState(t *testing.T) {
	t.Parallel()
	ta := newTestAPI(t)
	ta.invoke(t, "thread-h")

	rr := ta.do(t, http.MethodGet, "/api/workflow/thread-h/history", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var history handlers.HistoryResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&history))
	assert.Equal(t, "thread-h", history.ThreadID)
	require.NotEmpty(t, history.History)
	assert.Equal(t, workflow.StageStart, history.History[0].Stage)
	for i := 1; i < len(history.History); i++ {
		assert.Greater(t, history.History[i].Step, history.History[i-1].Step)
	}

	rr = ta.do(t, http.MethodGet, "/api/workflow/thread-h/state", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var cp workflow.Checkpoint
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&cp))
	assert.Equal(t, workflow.StageEnd, cp.Next)
	require.NotNil(t, cp.State.FinalAnswer)
	assert.Equal(t, history.History[len(history.History)-1].Step, cp.Step)
}

func TestAPI_History_Paging(t *testing.T) {
	t.Parallel()
	ta := newTestAPI(t)
	ta.invoke(t, "thread-pg")

	rr := ta.do(t, http.MethodGet, "/api/workflow/thread-pg/history?offset=1&limit=2", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var page handlers.HistoryResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&page))
	require.Len(t, page.History, 2)
	assert.Equal(t, 1, page.Offset)
	assert.Greater(t, page.Total, 2)
	assert.Equal(t, 1, page.History[0].Step)

	rr = ta.do(t, http.MethodGet, "/api/workflow/thread-pg/history?offset=1000", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&page))
	assert.Empty(t, page.History)

	for _, q := range []string{"limit=0", "limit=x", "offset=-1"} {
		rr = ta.do(t, http.MethodGet, "/api/workflow/thread-pg/history?"+q, nil)
		assert.Equal(t, http.StatusBadRequest, rr.Code, q)
	}
}

func TestAPI_UnknownThread(t *testing.T) {
	t.Parallel()
	ta := newTestAPI(t)

	tests := []struct {
		name   string
		method string
		path   string
		want   int
	}{
		{name: "history", method: http.MethodGet, path: "/api/workflow/nope/history", want: http.StatusNotFound},
		{name: "state", method: http.MethodGet, path: "/api/workflow/nope/state", want: http.StatusNotFound},
		{name: "resume", method: http.MethodPost, path: "/api/workflow/nope/resume", want: http.StatusNotFound},
		{name: "attach", method: http.MethodGet, path: "/api/workflow/nope/stream", want: http.StatusNotFound},
		{name: "cancel", method: http.MethodDelete, path: "/api/workflow/nope", want: http.StatusNotFound},
		{name: "information", method: http.MethodGet, path: "/api/threads/nope/information", want: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := ta.do(t, tt.method, tt.path, nil)
			assert.Equal(t, tt.want, rr.Code, rr.Body.String())
		})
	}
}

func TestAPI_Resume_CompletedThread(t *testing.T) {
	t.Parallel()
	ta := newTestAPI(t)
	ta.invoke(t, "thread-r")

	rr := ta.do(t, http.MethodPost, "/api/workflow/thread-r/resume", nil)
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestAPI_Replay(t *testing.T) {
	t.Parallel()
	ta := newTestAPI(t)
	ta.invoke(t, "thread-p")

	rr := ta.do(t, http.MethodPost, "/api/workflow/thread-p/replay", handlers.ReplayRequest{Information: "Orders are stored in UTC."})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var answered bool
	for _, ev := range sseEvents(t, rr.Body.String()) {
		if ev.Type == workflow.EventAnswer {
			answered = true
		}
	}
	assert.True(t, answered)

	info, ok, err := ta.api.Engine.Information(t.Context(), "thread-p")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Orders are stored in UTC.", info)

	history, err := ta.api.Engine.GetHistory(t.Context(), "thread-p")
	require.NoError(t, err)
	var forks int
	for _, h := range history {
		if h.Stage == workflow.StageFork {
			forks++
		}
	}
	assert.Equal(t, 1, forks)
}

func TestAPI_Replay_InvalidStep(t *testing.T) {
	t.Parallel()
	ta := newTestAPI(t)
	ta.invoke(t, "thread-v")

	negative := -2
	rr := ta.do(t, http.MethodPost, "/api/workflow/thread-v/replay", handlers.ReplayRequest{Information: "x", FromStep: &negative})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	missing := 999
	rr = ta.do(t, http.MethodPost, "/api/workflow/thread-v/replay", handlers.ReplayRequest{Information: "x", FromStep: &missing})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}
