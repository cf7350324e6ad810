package handlers_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/sqlflow/agent/pkg/store/memory"
	"github.com/malbeclabs/sqlflow/agent/pkg/workflow"
	"github.com/malbeclabs/sqlflow/agent/pkg/workflow/workflowtest"
	"github.com/malbeclabs/sqlflow/api/handlers"
	"github.com/stretchr/testify/require"
)

const (
	ordersQuestion = "How many orders were placed in 2023?"
	countSQL       = "SELECT count(*) AS order_count FROM orders WHERE toYear(placed_at) = 2023"
)

type testAPI struct {
	api         *handlers.API
	router      http.Handler
	checkpoints *memory.CheckpointStore
	contexts    *memory.ContextLibrary
	db          *workflowtest.DB
}

func ordersScript() *workflowtest.LLM {
	return workflowtest.NewLLM().
		OnJSON(workflow.StageTransform, map[string]any{"question": ordersQuestion, "intent": "data"}).
		OnJSON(workflow.StageSelectTables, map[string]any{
			"tables":    []map[string]any{{"name": "orders", "relevance": 0.9}},
			"reasoning": "orders has placed_at",
		}).
		OnJSON(workflow.StageCheck, map[string]any{"sufficient": true, "reason": "orders has placed_at"}).
		OnJSON(workflow.StageDecompose, map[string]any{
			"subquestions": []map[string]any{{"text": ordersQuestion, "tables": []string{"orders"}}},
		}).
		OnJSON(workflow.StageGenerate, map[string]any{"query": countSQL, "reasoning": "count rows in 2023"}).
		OnJSON(workflow.StageSynthesize, map[string]any{
			"answer":              "1523 orders were placed in 2023.",
			"explanation":         "Counted rows in orders with placed_at in 2023.",
			"follow_up_questions": []string{"How many orders were placed in 2024?"},
		})
}

func ordersDB() *workflowtest.DB {
	return workflowtest.NewDB(
		workflowtest.Table("orders", "id UInt64", "placed_at DateTime", "amount Float64"),
		workflowtest.Table("customers", "id UInt64", "name String"),
	).OnQuery("FROM orders", []string{"order_count"}, map[string]any{"order_count": uint64(1523)})
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	ta := &testAPI{
		checkpoints: memory.NewCheckpointStore(),
		contexts:    memory.NewContextLibrary(),
		db:          ordersDB(),
	}
	engine, err := workflow.New(workflow.Config{
		LLM:         ordersScript(),
		Database:    ta.db,
		Checkpoints: ta.checkpoints,
		Memory:      memory.NewMemoryStore(),
		Contexts:    ta.contexts,
		Clock:       clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
		Limits:      workflowtest.FastLimits(),
		Dialect:     "ClickHouse",
	})
	require.NoError(t, err)
	t.Cleanup(engine.Close)

	ctx, cancel := context.WithCancel(context.Background())
	manager := handlers.NewWorkflowManager(ctx, engine, nil, "test-server")
	t.Cleanup(func() {
		cancel()
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		_ = manager.Shutdown(shutdownCtx)
	})

	ta.api = &handlers.API{
		Engine:    engine,
		Manager:   manager,
		Catalog:   ta.db,
		Contexts:  ta.contexts,
		Dialect:   "ClickHouse",
		Heartbeat: 10 * time.Millisecond,
	}
	r := chi.NewRouter()
	ta.api.Routes(r)
	ta.router = r
	return ta
}

func (ta *testAPI) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf).WithContext(t.Context())
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	ta.router.ServeHTTP(rr, req)
	return rr
}

func (ta *testAPI) invoke(t *testing.T, threadID string) handlers.InvokeResponse {
	t.Helper()
	rr := ta.do(t, http.MethodPost, "/api/workflow/invoke", handlers.QuestionRequest{ThreadID: threadID, Question: "how many orders in 2023"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var resp handlers.InvokeResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	return resp
}

// sseData returns the data payloads of an SSE body in order.
func sseData(t *testing.T, body string) []string {
	t.Helper()
	var out []string
	sc := bufio.NewScanner(strings.NewReader(body))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		if data, ok := strings.CutPrefix(sc.Text(), "data: "); ok {
			out = append(out, data)
		}
	}
	require.NoError(t, sc.Err())
	return out
}

// sseEvents decodes the workflow events of an SSE body, skipping [DONE].
func sseEvents(t *testing.T, body string) []workflow.Event {
	t.Helper()
	var out []workflow.Event
	for _, data := range sseData(t, body) {
		if data == "[DONE]" {
			continue
		}
		var ev workflow.Event
		require.NoError(t, json.Unmarshal([]byte(data), &ev))
		out = append(out, ev)
	}
	return out
}
