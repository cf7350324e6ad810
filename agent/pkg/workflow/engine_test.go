package workflow_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/sqlflow/agent/pkg/store/memory"
	"github.com/malbeclabs/sqlflow/agent/pkg/workflow"
	"github.com/malbeclabs/sqlflow/agent/pkg/workflow/workflowtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	engine      *workflow.Engine
	checkpoints *memory.CheckpointStore
	memory      *memory.MemoryStore
	llm         *workflowtest.LLM
	db          *workflowtest.DB
}

func newHarness(t *testing.T, llm *workflowtest.LLM, db *workflowtest.DB, opts ...func(*workflow.Config)) *harness {
	t.Helper()
	h := &harness{
		checkpoints: memory.NewCheckpointStore(),
		memory:      memory.NewMemoryStore(),
		llm:         llm,
		db:          db,
	}
	cfg := workflow.Config{
		LLM:         llm,
		Database:    db,
		Checkpoints: h.checkpoints,
		Memory:      h.memory,
		Clock:       clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
		Limits:      workflowtest.FastLimits(),
		Dialect:     "ClickHouse",
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	e, err := workflow.New(cfg)
	require.NoError(t, err)
	t.Cleanup(e.Close)
	h.engine = e
	return h
}

func ordersTable() workflow.TableMetadata {
	return workflowtest.Table("orders", "id UInt64", "placed_at DateTime", "amount Float64")
}

func customersTable() workflow.TableMetadata {
	return workflowtest.Table("customers", "id UInt64", "name String")
}

func stagesOf(trace []workflow.TraceEntry) []workflow.Stage {
	out := make([]workflow.Stage, len(trace))
	for i, e := range trace {
		out[i] = e.Stage
	}
	return out
}

func tables(names ...string) map[string]any {
	ts := make([]map[string]any, len(names))
	for i, n := range names {
		ts[i] = map[string]any{"name": n, "relevance": 0.9}
	}
	return map[string]any{"tables": ts, "reasoning": "matches the question"}
}

func singleton(q string, tables ...string) map[string]any {
	return map[string]any{"subquestions": []map[string]any{{"text": q, "tables": tables}}}
}

// ordersScript scripts a straight run that counts 2023 orders.
func ordersScript(countSQL string) *workflowtest.LLM {
	q := "How many orders were placed in 2023?"
	return workflowtest.NewLLM().
		OnJSON(workflow.StageTransform, map[string]any{"question": q, "intent": "data"}).
		OnJSON(workflow.StageSelectTables, tables("orders")).
		OnJSON(workflow.StageCheck, map[string]any{"sufficient": true, "reason": "orders has placed_at"}).
		OnJSON(workflow.StageDecompose, singleton(q, "orders")).
		OnJSON(workflow.StageGenerate, map[string]any{"query": countSQL, "reasoning": "count rows in 2023"}).
		OnJSON(workflow.StageSynthesize, map[string]any{
			"answer":              "1523 orders were placed in 2023.",
			"explanation":         "Counted rows in orders with placed_at in 2023.",
			"follow_up_questions": []string{"How many orders were placed in 2024?"},
		})
}

const countSQL = "SELECT count(*) AS order_count FROM orders WHERE toYear(placed_at) = 2023"

func TestEngine_Run_CountQuestion(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	llm := ordersScript(countSQL)
	db := workflowtest.NewDB(ordersTable(), customersTable()).
		OnQuery("FROM orders", []string{"order_count"}, map[string]any{"order_count": uint64(1523)})
	h := newHarness(t, llm, db)

	answer, err := h.engine.Run(ctx, "thread-1", "how many orders in 2023")
	require.NoError(t, err)
	require.NotNil(t, answer)

	assert.Equal(t, workflow.OutcomeAnswered, answer.Outcome)
	assert.Contains(t, answer.Answer, "1523")
	assert.Equal(t, []string{countSQL}, answer.SQL)
	assert.Equal(t, []string{"orders"}, answer.TablesUsed)
	assert.Equal(t, []string{"How many orders were placed in 2024?"}, answer.FollowUps)
	assert.Empty(t, answer.Caveats)

	cp, err := h.engine.GetState(ctx, "thread-1")
	require.NoError(t, err)
	s := cp.State
	assert.Equal(t, workflow.StageEnd, cp.Next)
	assert.Equal(t, 1, s.SelectionIterationCount)
	assert.Equal(t, workflow.SufficiencySufficient, s.IsSufficient)
	assert.Len(t, s.Subquestions, 1)
	assert.Equal(t, 0, s.RepairAttemptCount)
	require.NotNil(t, s.ExecutionResult)
	assert.Equal(t, workflow.ResultRows, s.ExecutionResult.Kind)
	assert.Equal(t, 1, s.ExecutionResult.RowCount)
	assert.Equal(t, []workflow.Stage{
		workflow.StageTransform,
		workflow.StageSelectTables,
		workflow.StageCheck,
		workflow.StageContextualize,
		workflow.StageDecompose,
		workflow.StageGenerate,
		workflow.StageReduce,
		workflow.StageExecute,
		workflow.StageSynthesize,
	}, stagesOf(s.Trace))

	// A single candidate passes through the reducer without a model call.
	assert.Empty(t, llm.Calls(workflow.StageReduce))
	assert.Equal(t, []string{countSQL}, db.Executed())

	synth := llm.Calls(workflow.StageSynthesize)
	require.Len(t, synth, 1)
	assert.Contains(t, synth[0].User, "1523")
	assert.Contains(t, synth[0].System, "Today's date: 2026-03-01 (UTC)")
	gen := llm.Calls(workflow.StageGenerate)
	require.Len(t, gen, 1)
	assert.Contains(t, gen[0].System, "ClickHouse")
}

func TestEngine_Run_MissingTableReachesCap(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	llm := workflowtest.NewLLM().
		OnJSON(workflow.StageTransform, map[string]any{"question": "List all invoices.", "intent": "data"}).
		OnJSON(workflow.StageSelectTables, tables("invoices")).
		OnJSON(workflow.StageSynthesize, map[string]any{"answer": "I could not find any invoice data in this database."})
	db := workflowtest.NewDB(ordersTable(), customersTable())
	h := newHarness(t, llm, db)

	answer, err := h.engine.Run(ctx, "thread-invoices", "list all invoices")
	require.NoError(t, err)

	assert.Equal(t, workflow.OutcomeFailed, answer.Outcome)
	assert.Contains(t, answer.Answer, "could not find")
	assert.Empty(t, db.Executed())
	assert.Len(t, llm.Calls(workflow.StageSelectTables), 3)
	assert.Empty(t, llm.Calls(workflow.StageCheck))

	cp, err := h.engine.GetState(ctx, "thread-invoices")
	require.NoError(t, err)
	assert.Equal(t, 3, cp.State.SelectionIterationCount)
	assert.Equal(t, workflow.SufficiencyInsufficient, cp.State.IsSufficient)
	assert.Equal(t, []workflow.Stage{
		workflow.StageTransform,
		workflow.StageSelectTables, workflow.StageCheck,
		workflow.StageSelectTables, workflow.StageCheck,
		workflow.StageSelectTables, workflow.StageCheck,
		workflow.StageSynthesize,
	}, stagesOf(cp.State.Trace))
	assert.Contains(t, cp.State.Trace[1].Notes, "dropped unknown tables: invoices")

	synth := llm.Calls(workflow.StageSynthesize)
	require.Len(t, synth, 1)
	assert.Contains(t, synth[0].User, "DATA NOT LOCATED")
}

func TestEngine_Run_CapReachedWithTablesIsUnverified(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	q := "How many orders did each region place?"
	llm := workflowtest.NewLLM().
		OnJSON(workflow.StageTransform, map[string]any{"question": q, "intent": "data"}).
		OnJSON(workflow.StageSelectTables, tables("orders")).
		OnJSON(workflow.StageCheck, map[string]any{"sufficient": false, "reason": "no region column"}).
		OnJSON(workflow.StageDecompose, singleton(q, "orders")).
		OnJSON(workflow.StageGenerate, map[string]any{"query": "SELECT count(*) AS n FROM orders"}).
		OnJSON(workflow.StageSynthesize, map[string]any{"answer": "There were 10 orders; regions are not recorded."})
	db := workflowtest.NewDB(ordersTable()).
		OnQuery("FROM orders", []string{"n"}, map[string]any{"n": 10})
	h := newHarness(t, llm, db)

	answer, err := h.engine.Run(ctx, "thread-unverified", q)
	require.NoError(t, err)

	cp, err := h.engine.GetState(ctx, "thread-unverified")
	require.NoError(t, err)
	assert.Equal(t, 3, cp.State.SelectionIterationCount)
	assert.True(t, cp.State.UnverifiedSufficiency)
	require.NotEmpty(t, answer.Caveats)
	assert.Contains(t, answer.Caveats[0], "could not be confirmed")
	assert.Equal(t, workflow.OutcomeAnswered, answer.Outcome)
}

func TestEngine_Run_RepairsMisspelledColumn(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	badSQL := "SELECT count(*) AS order_count FROM orders WHERE toYear(placd_at) = 2023"
	llm := ordersScript(badSQL).
		OnJSON(workflow.StageRepair, map[string]any{"query": countSQL, "reasoning": "placd_at is a typo of placed_at"})
	db := workflowtest.NewDB(ordersTable()).
		FailQuery("placd_at", errors.New("code: 47, Missing columns: 'placd_at'")).
		OnQuery("placed_at", []string{"order_count"}, map[string]any{"order_count": uint64(1523)})
	h := newHarness(t, llm, db)

	answer, err := h.engine.Run(ctx, "thread-repair", "How many orders were placed in 2023?")
	require.NoError(t, err)

	assert.Equal(t, workflow.OutcomeAnswered, answer.Outcome)
	assert.Equal(t, []string{countSQL}, answer.SQL)
	assert.Equal(t, []string{badSQL, countSQL}, db.Executed())
	assert.Contains(t, answer.Caveats, "The query was corrected 1 time(s) after database errors.")

	repair := llm.Calls(workflow.StageRepair)
	require.Len(t, repair, 1)
	assert.Contains(t, repair[0].User, "Missing columns: 'placd_at'")
	assert.Contains(t, repair[0].User, badSQL)

	cp, err := h.engine.GetState(ctx, "thread-repair")
	require.NoError(t, err)
	assert.Equal(t, 1, cp.State.RepairAttemptCount)
	assert.Equal(t, []workflow.Stage{
		workflow.StageTransform,
		workflow.StageSelectTables,
		workflow.StageCheck,
		workflow.StageContextualize,
		workflow.StageDecompose,
		workflow.StageGenerate,
		workflow.StageReduce,
		workflow.StageExecute,
		workflow.StageRepair,
		workflow.StageExecute,
		workflow.StageSynthesize,
	}, stagesOf(cp.State.Trace))
}

func TestEngine_Run_RepairCapExhausted(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	badSQL := "SELECT count(*) FROM orders WHERE toYear(placd_at) = 2023"
	llm := ordersScript(badSQL).
		OnJSON(workflow.StageRepair, map[string]any{"query": "SELECT count(*) FROM orders WHERE toYear(plcd_at) = 2023"})
	db := workflowtest.NewDB(ordersTable()).FailQuery("FROM orders", errors.New("Missing columns"))
	h := newHarness(t, llm, db)

	answer, err := h.engine.Run(ctx, "thread-repair-cap", "How many orders were placed in 2023?")
	require.NoError(t, err)
	assert.Equal(t, workflow.OutcomeFailed, answer.Outcome)

	cp, err := h.engine.GetState(ctx, "thread-repair-cap")
	require.NoError(t, err)
	assert.Equal(t, 2, cp.State.RepairAttemptCount)
	assert.Len(t, db.Executed(), 3)
	require.NotNil(t, cp.State.ExecutionResult)
	assert.Equal(t, workflow.ResultError, cp.State.ExecutionResult.Kind)
}

func TestEngine_Run_DecomposesIntoUnion(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	q := "What were the total sales in 2023 and in 2024?"
	q23 := "Total sales in 2023"
	q24 := "Total sales in 2024"
	sql23 := "SELECT 2023 AS year, sum(amount) AS total FROM orders WHERE toYear(placed_at) = 2023"
	sql24 := "SELECT 2024 AS year, sum(amount) AS total FROM orders WHERE toYear(placed_at) = 2024"
	merged := sql23 + " UNION ALL " + sql24

	llm := workflowtest.NewLLM().
		OnJSON(workflow.StageTransform, map[string]any{"question": q, "intent": "data"}).
		OnJSON(workflow.StageSelectTables, tables("orders")).
		OnJSON(workflow.StageCheck, map[string]any{"sufficient": true}).
		OnJSON(workflow.StageDecompose, map[string]any{"subquestions": []map[string]any{
			{"text": q23, "tables": []string{"orders"}},
			{"text": q24, "tables": []string{"orders"}},
		}}).
		OnMatch(workflow.StageGenerate, "## Question\n\n"+q23, map[string]any{"query": sql23}).
		OnMatch(workflow.StageGenerate, "## Question\n\n"+q24, map[string]any{"query": sql24 + ";"}).
		OnJSON(workflow.StageReduce, map[string]any{"statements": []string{merged}, "strategy": "union"}).
		OnJSON(workflow.StageSynthesize, map[string]any{"answer": "Sales were 100.5 in 2023 and 200.25 in 2024."})
	db := workflowtest.NewDB(ordersTable()).
		OnQuery("UNION ALL", []string{"year", "total"},
			map[string]any{"year": 2023, "total": 100.5},
			map[string]any{"year": 2024, "total": 200.25})
	h := newHarness(t, llm, db)

	answer, err := h.engine.Run(ctx, "thread-union", q)
	require.NoError(t, err)

	assert.Equal(t, workflow.OutcomeAnswered, answer.Outcome)
	assert.Equal(t, []string{merged}, answer.SQL)
	assert.Equal(t, []string{q23, q24}, answer.Subquestions)
	assert.Len(t, llm.Calls(workflow.StageGenerate), 2)
	assert.Equal(t, []string{merged}, db.Executed())

	reduce := llm.Calls(workflow.StageReduce)
	require.Len(t, reduce, 1)
	assert.Contains(t, reduce[0].User, sql23)
	assert.Contains(t, reduce[0].User, sql24)

	cp, err := h.engine.GetState(ctx, "thread-union")
	require.NoError(t, err)
	require.Len(t, cp.State.SubqueryCandidates, 2)
	assert.Equal(t, sql24, cp.State.SubqueryCandidates[1].SQL)
	assert.Equal(t, 2, cp.State.ExecutionResult.RowCount)
}

func TestEngine_Run_ReducerFallsBackToSeparateStatements(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	q := "How many orders and how many customers are there?"
	llm := workflowtest.NewLLM().
		OnJSON(workflow.StageTransform, map[string]any{"question": q, "intent": "data"}).
		OnJSON(workflow.StageSelectTables, tables("orders", "customers")).
		OnJSON(workflow.StageCheck, map[string]any{"sufficient": true}).
		OnJSON(workflow.StageDecompose, map[string]any{"subquestions": []map[string]any{
			{"text": "How many orders are there?", "tables": []string{"orders"}},
			{"text": "How many customers are there?", "tables": []string{"customers"}},
		}}).
		OnMatch(workflow.StageGenerate, "How many orders are there?", map[string]any{"query": "SELECT count(*) AS orders FROM orders"}).
		OnMatch(workflow.StageGenerate, "How many customers are there?", map[string]any{"query": "SELECT count(*) AS customers FROM customers"}).
		On(workflow.StageReduce, "I cannot merge these.").
		OnJSON(workflow.StageSynthesize, map[string]any{"answer": "There are 5 orders and 3 customers."})
	db := workflowtest.NewDB(ordersTable(), customersTable()).
		OnQuery("FROM orders", []string{"orders"}, map[string]any{"orders": 5}).
		OnQuery("FROM customers", []string{"customers"}, map[string]any{"customers": 3})
	h := newHarness(t, llm, db)

	_, err := h.engine.Run(ctx, "thread-separate", q)
	require.NoError(t, err)

	cp, err := h.engine.GetState(ctx, "thread-separate")
	require.NoError(t, err)
	s := cp.State
	assert.Equal(t, []string{"SELECT count(*) AS orders FROM orders", "SELECT count(*) AS customers FROM customers"}, s.FinalQuery)
	assert.Equal(t, []string{workflow.StatementColumn, "orders", "customers"}, s.ExecutionResult.Columns)
	assert.Equal(t, 2, s.ExecutionResult.RowCount)
	assert.Equal(t, 1, s.ExecutionResult.Rows[0][workflow.StatementColumn])
	reduceEntry := s.Trace[6]
	require.Equal(t, workflow.StageReduce, reduceEntry.Stage)
	assert.Contains(t, reduceEntry.Notes, workflow.NoteSeparateFallback)
	// Strict re-prompts were made before giving up.
	assert.Len(t, llm.Calls(workflow.StageReduce), 3)
}

func TestEngine_Run_AllCandidatesFailed(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	llm := ordersScript("DELETE FROM orders")
	db := workflowtest.NewDB(ordersTable())
	h := newHarness(t, llm, db)

	answer, err := h.engine.Run(ctx, "thread-no-sql", "How many orders were placed in 2023?")
	require.NoError(t, err)
	assert.Equal(t, workflow.OutcomeFailed, answer.Outcome)
	assert.Empty(t, db.Executed())

	cp, err := h.engine.GetState(ctx, "thread-no-sql")
	require.NoError(t, err)
	require.NotNil(t, cp.State.Failure)
	assert.Equal(t, workflow.StageReduce, cp.State.Failure.Stage)
	assert.Equal(t, workflow.KindTerminalFailure, cp.State.Failure.Kind)
	assert.True(t, cp.State.SubqueryCandidates[0].Failed)
	assert.Nil(t, cp.State.FinalQuery)
}

func TestEngine_Run_GeneralQuestion(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	llm := workflowtest.NewLLM().
		OnJSON(workflow.StageTransform, map[string]any{"question": "What can you do?", "intent": "general"}).
		OnJSON(workflow.StageSynthesize, map[string]any{"answer": "I answer questions about your data."})
	h := newHarness(t, llm, workflowtest.NewDB(ordersTable()))

	answer, err := h.engine.Run(ctx, "thread-general", "what can you do")
	require.NoError(t, err)
	assert.Equal(t, workflow.OutcomeGeneral, answer.Outcome)
	assert.Empty(t, llm.Calls(workflow.StageSelectTables))
	synth := llm.Calls(workflow.StageSynthesize)
	require.Len(t, synth, 1)
	assert.NotContains(t, synth[0].User, "## Outcome")
}

func TestEngine_Run_EscalatesModelFailure(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	llm := workflowtest.NewLLM().
		OnJSON(workflow.StageTransform, map[string]any{"question": "How many orders?", "intent": "data"}).
		Fail(workflow.StageSelectTables, errors.New("overloaded")).
		Fail(workflow.StageSynthesize, errors.New("overloaded"))
	h := newHarness(t, llm, workflowtest.NewDB(ordersTable()))

	answer, err := h.engine.Run(ctx, "thread-escalate", "how many orders")
	require.NoError(t, err)
	assert.Equal(t, workflow.OutcomeFailed, answer.Outcome)
	assert.Contains(t, answer.Answer, "select_tables step failed")

	cp, err := h.engine.GetState(ctx, "thread-escalate")
	require.NoError(t, err)
	require.NotNil(t, cp.State.Failure)
	assert.Equal(t, workflow.KindModelUnavailable, cp.State.Failure.Kind)
	assert.Equal(t, workflow.StageSelectTables, cp.State.Failure.Stage)

	sel := cp.State.Trace[1]
	assert.Equal(t, workflow.StageSelectTables, sel.Stage)
	assert.Equal(t, 3, sel.Attempts)
	assert.NotEmpty(t, sel.Error)
	assert.Contains(t, sel.Notes, "edge:escalated")
	assert.Len(t, llm.Calls(workflow.StageSelectTables), 3)
}

func TestEngine_Run_CatalogUnavailable(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	llm := workflowtest.NewLLM().
		OnJSON(workflow.StageTransform, map[string]any{"question": "How many orders?", "intent": "data"}).
		OnJSON(workflow.StageSynthesize, map[string]any{"answer": "The database catalog is unavailable."})
	db := workflowtest.NewDB(ordersTable())
	db.ListErr = errors.New("connection refused")
	h := newHarness(t, llm, db)

	_, err := h.engine.Run(ctx, "thread-catalog", "how many orders")
	require.NoError(t, err)

	cp, err := h.engine.GetState(ctx, "thread-catalog")
	require.NoError(t, err)
	require.NotNil(t, cp.State.Failure)
	assert.Equal(t, workflow.KindSchemaUnavailable, cp.State.Failure.Kind)
}

func TestEngine_Run_RejectsConcurrentRunOnSameThread(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	llm := workflowtest.NewLLM().
		Add(workflow.StageTransform, workflowtest.Reply{Text: `{"question": "hi", "intent": "general"}`, Delay: 200 * time.Millisecond}).
		OnJSON(workflow.StageSynthesize, map[string]any{"answer": "Hello."})
	h := newHarness(t, llm, workflowtest.NewDB(ordersTable()))

	events, err := h.engine.Stream(ctx, "thread-busy", "hi")
	require.NoError(t, err)
	assert.True(t, h.engine.Busy("thread-busy"))

	_, err = h.engine.Run(ctx, "thread-busy", "hi again")
	require.ErrorIs(t, err, workflow.ErrThreadBusy)

	// Other threads are unaffected.
	answer, err := h.engine.Run(ctx, "thread-other", "hi")
	require.NoError(t, err)
	assert.Equal(t, "Hello.", answer.Answer)

	var types []workflow.EventType
	for ev := range events {
		types = append(types, ev.Type)
	}
	require.NotEmpty(t, types)
	assert.Equal(t, workflow.EventEnd, types[len(types)-1])
	assert.Equal(t, workflow.EventAnswer, types[len(types)-2])
	assert.False(t, h.engine.Busy("thread-busy"))
}

func TestEngine_Stream_EventsFollowTrace(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	llm := ordersScript(countSQL)
	db := workflowtest.NewDB(ordersTable()).
		OnQuery("FROM orders", []string{"order_count"}, map[string]any{"order_count": 1523})
	h := newHarness(t, llm, db)

	events, err := h.engine.Stream(ctx, "thread-stream", "How many orders were placed in 2023?")
	require.NoError(t, err)

	var traces []workflow.TraceEntry
	var last workflow.Event
	for ev := range events {
		assert.Equal(t, "thread-stream", ev.ThreadID)
		if ev.Type == workflow.EventTrace {
			traces = append(traces, *ev.Trace)
		}
		last = ev
	}
	assert.Equal(t, workflow.EventEnd, last.Type)

	cp, err := h.engine.GetState(ctx, "thread-stream")
	require.NoError(t, err)
	if diff := cmp.Diff(cp.State.Trace, traces); diff != "" {
		t.Errorf("streamed trace differs from checkpoint trace (-want +got):\n%s", diff)
	}
}

func TestEngine_Stream_CancelStopsAtStageBoundary(t *testing.T) {
	t.Parallel()

	q := "How many orders were placed in 2023?"
	llm := workflowtest.NewLLM().
		OnJSON(workflow.StageTransform, map[string]any{"question": q, "intent": "data"}).
		Add(workflow.StageSelectTables, workflowtest.Reply{Text: `{"tables": [{"name": "orders", "relevance": 1}]}`, Delay: 100 * time.Millisecond}).
		OnJSON(workflow.StageCheck, map[string]any{"sufficient": true}).
		OnJSON(workflow.StageDecompose, singleton(q, "orders")).
		OnJSON(workflow.StageGenerate, map[string]any{"query": countSQL}).
		OnJSON(workflow.StageSynthesize, map[string]any{"answer": "1523 orders were placed in 2023."})
	db := workflowtest.NewDB(ordersTable()).
		OnQuery("FROM orders", []string{"order_count"}, map[string]any{"order_count": 1523})
	h := newHarness(t, llm, db)

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	events, err := h.engine.Stream(ctx, "thread-cancel", "How many orders were placed in 2023?")
	require.NoError(t, err)

	first := <-events
	require.Equal(t, workflow.EventTrace, first.Type)
	cancel()
	for range events {
	}

	cp, err := h.engine.GetState(t.Context(), "thread-cancel")
	require.NoError(t, err)
	assert.NotEqual(t, workflow.StageEnd, cp.Next)
	assert.Nil(t, cp.State.FinalAnswer)
	stoppedAt := cp.Step

	resumed, err := h.engine.Resume(t.Context(), "thread-cancel")
	require.NoError(t, err)
	var answer *workflow.FinalAnswer
	for ev := range resumed {
		if ev.Type == workflow.EventAnswer {
			answer = ev.Answer
		}
	}
	require.NotNil(t, answer)
	assert.Equal(t, workflow.OutcomeAnswered, answer.Outcome)

	history, err := h.engine.GetHistory(t.Context(), "thread-cancel")
	require.NoError(t, err)
	for i, e := range history {
		assert.Equal(t, i, e.Step)
	}
	assert.Greater(t, history[len(history)-1].Step, stoppedAt)

	_, err = h.engine.Resume(t.Context(), "thread-cancel")
	require.ErrorIs(t, err, workflow.ErrNothingToResume)
}

func TestEngine_UpdateAndReplay_ForksHistory(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	llm := ordersScript(countSQL)
	db := workflowtest.NewDB(ordersTable()).
		OnQuery("FROM orders", []string{"order_count"}, map[string]any{"order_count": 1523})
	h := newHarness(t, llm, db)

	_, err := h.engine.Run(ctx, "thread-replay", "How many orders were placed in 2023?")
	require.NoError(t, err)
	before, err := h.engine.GetHistory(ctx, "thread-replay")
	require.NoError(t, err)

	info := "Orders placed on 2023-12-31 are booked in 2024."
	events, err := h.engine.UpdateAndReplay(ctx, "thread-replay", info, -1)
	require.NoError(t, err)
	var got []workflow.Stage
	for ev := range events {
		if ev.Type == workflow.EventTrace {
			got = append(got, ev.Trace.Stage)
		}
	}
	assert.Equal(t, workflow.StageCheck, got[0])
	assert.Equal(t, workflow.StageSynthesize, got[len(got)-1])

	stored, ok, err := h.memory.Get(ctx, "thread-replay")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, info, stored)

	check := llm.Calls(workflow.StageCheck)
	require.Len(t, check, 2)
	assert.NotContains(t, check[0].User, info)
	assert.Contains(t, check[1].User, info)

	after, err := h.engine.GetHistory(ctx, "thread-replay")
	require.NoError(t, err)
	require.Greater(t, len(after), len(before))
	if diff := cmp.Diff(before, after[:len(before)]); diff != "" {
		t.Errorf("existing history changed (-before +after):\n%s", diff)
	}

	fork := after[len(before)]
	assert.Equal(t, workflow.StageFork, fork.Stage)
	assert.Equal(t, workflow.StageCheck, fork.Next)
	assert.Equal(t, 2, fork.ParentStep)
	assert.NotEqual(t, before[0].RunID, fork.RunID)

	// The forked branch keeps the trace up to the fork point and appends after it.
	final := after[len(after)-1].State
	require.Greater(t, len(final.Trace), 2)
	assert.Equal(t, before[2].State.Trace, final.Trace[:2])
	for i := 1; i < len(final.Trace); i++ {
		assert.Greater(t, final.Trace[i].Step, final.Trace[i-1].Step)
	}
}

func TestEngine_UpdateAndReplay_InvalidStep(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	llm := ordersScript(countSQL)
	db := workflowtest.NewDB(ordersTable()).
		OnQuery("FROM orders", []string{"order_count"}, map[string]any{"order_count": 1})
	h := newHarness(t, llm, db)

	_, err := h.engine.UpdateAndReplay(ctx, "thread-none", "info", -1)
	require.ErrorIs(t, err, workflow.ErrThreadNotFound)

	_, err = h.engine.Run(ctx, "thread-steps", "How many orders were placed in 2023?")
	require.NoError(t, err)

	_, err = h.engine.UpdateAndReplay(ctx, "thread-steps", "info", 999)
	require.ErrorIs(t, err, workflow.ErrInvalidStep)

	history, err := h.engine.GetHistory(ctx, "thread-steps")
	require.NoError(t, err)
	_, err = h.engine.UpdateAndReplay(ctx, "thread-steps", "info", history[len(history)-1].Step)
	require.ErrorIs(t, err, workflow.ErrInvalidStep)
	assert.False(t, h.engine.Busy("thread-steps"))
}

func TestEngine_ThreadsAreIsolated(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	llm := workflowtest.NewLLM().
		OnMatch(workflow.StageTransform, "alpha", map[string]any{"question": "alpha?", "intent": "general"}).
		OnMatch(workflow.StageTransform, "beta", map[string]any{"question": "beta?", "intent": "general"}).
		OnMatch(workflow.StageSynthesize, "alpha?", map[string]any{"answer": "alpha answer"}).
		OnMatch(workflow.StageSynthesize, "beta?", map[string]any{"answer": "beta answer"})
	h := newHarness(t, llm, workflowtest.NewDB())

	var wg sync.WaitGroup
	answers := make([]*workflow.FinalAnswer, 2)
	for i, q := range []string{"alpha", "beta"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a, err := h.engine.Run(ctx, "thread-"+q, q)
			assert.NoError(t, err)
			answers[i] = a
		}()
	}
	wg.Wait()

	require.NotNil(t, answers[0])
	require.NotNil(t, answers[1])
	assert.Equal(t, "alpha answer", answers[0].Answer)
	assert.Equal(t, "beta answer", answers[1].Answer)

	for _, q := range []string{"alpha", "beta"} {
		history, err := h.engine.GetHistory(ctx, "thread-"+q)
		require.NoError(t, err)
		for _, e := range history {
			assert.Equal(t, "thread-"+q, e.State.ThreadID)
			assert.Equal(t, q, e.State.RawQuestion)
		}
	}
}

func TestEngine_SaveInformation(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	lib := memory.NewContextLibrary()
	llm := ordersScript(countSQL)
	db := workflowtest.NewDB(ordersTable()).
		OnQuery("FROM orders", []string{"order_count"}, map[string]any{"order_count": 1})
	h := newHarness(t, llm, db, func(c *workflow.Config) { c.Contexts = lib })

	_, err := h.engine.Run(ctx, "thread-save", "How many orders were placed in 2023?")
	require.NoError(t, err)

	id, err := h.engine.SaveInformation(ctx, "thread-save")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	entries, err := lib.Retrieve(ctx, "orders placed 2024", 3)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Context, "placed_at")
	assert.Contains(t, entries[0].Context, countSQL)

	// The next run attaches the saved context as an example.
	_, err = h.engine.Run(ctx, "thread-save-2", "How many orders were placed in 2023?")
	require.NoError(t, err)
	gen := llm.Calls(workflow.StageGenerate)
	require.Len(t, gen, 2)
	assert.Contains(t, gen[1].User, "Examples from similar questions")
}

func TestEngine_Visualization(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	q := "How many orders were placed per month in 2023?"
	sql := "SELECT toMonth(placed_at) AS month, count(*) AS orders FROM orders GROUP BY month ORDER BY month"
	llm := workflowtest.NewLLM().
		OnJSON(workflow.StageTransform, map[string]any{"question": q, "intent": "data"}).
		OnJSON(workflow.StageSelectTables, tables("orders")).
		OnJSON(workflow.StageCheck, map[string]any{"sufficient": true}).
		OnJSON(workflow.StageDecompose, singleton(q, "orders")).
		OnJSON(workflow.StageGenerate, map[string]any{"query": sql}).
		OnJSON(workflow.StageVisualize, map[string]any{"recommended": true, "chart_type": "line", "x_axis": "month", "y_axis": []string{"orders"}}).
		OnJSON(workflow.StageSynthesize, map[string]any{"answer": "Orders grew each month."})
	db := workflowtest.NewDB(ordersTable()).
		OnQuery("GROUP BY month", []string{"month", "orders"},
			map[string]any{"month": 1, "orders": 10},
			map[string]any{"month": 2, "orders": 12},
			map[string]any{"month": 3, "orders": 15})
	h := newHarness(t, llm, db, func(c *workflow.Config) { c.EnableVisualization = true })

	answer, err := h.engine.Run(ctx, "thread-chart", q)
	require.NoError(t, err)
	require.NotNil(t, answer.Visualization)
	assert.True(t, answer.Visualization.Recommended)
	assert.Equal(t, "line", answer.Visualization.ChartType)
	assert.Equal(t, "month", answer.Visualization.XAxis)
}

func TestEngine_InformationRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	h := newHarness(t, workflowtest.NewLLM(), workflowtest.NewDB())

	_, ok, err := h.engine.Information(ctx, "thread-info")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, h.engine.SetInformation(ctx, "thread-info", "fiscal year starts in April"))
	info, ok, err := h.engine.Information(ctx, "thread-info")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "fiscal year starts in April", info)

	require.NoError(t, h.engine.DeleteInformation(ctx, "thread-info"))
	_, ok, err = h.engine.Information(ctx, "thread-info")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEngine_Validation(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	h := newHarness(t, workflowtest.NewLLM(), workflowtest.NewDB())

	_, err := h.engine.Run(ctx, "", "question")
	require.ErrorIs(t, err, workflow.ErrMissingThreadID)
	_, err = h.engine.Run(ctx, "thread", "")
	require.ErrorIs(t, err, workflow.ErrMissingQuestion)
	_, err = h.engine.GetHistory(ctx, "unknown")
	require.ErrorIs(t, err, workflow.ErrThreadNotFound)
	_, err = h.engine.Resume(ctx, "unknown")
	require.ErrorIs(t, err, workflow.ErrThreadNotFound)

	_, err = workflow.New(workflow.Config{})
	require.Error(t, err)
}

func TestEngine_Run_UnreadableSufficiencyVerdictEscalates(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	llm := workflowtest.NewLLM().
		OnJSON(workflow.StageTransform, map[string]any{"question": "List all invoices.", "intent": "data"}).
		OnJSON(workflow.StageSelectTables, tables("orders")).
		On(workflow.StageCheck, "I cannot tell, sorry").
		OnJSON(workflow.StageSynthesize, map[string]any{"answer": "I could not decide whether the data covers invoices."})
	db := workflowtest.NewDB(ordersTable()).
		OnQuery("FROM orders", []string{"id"}, map[string]any{"id": 1})
	h := newHarness(t, llm, db)

	answer, err := h.engine.Run(ctx, "thread-check-malformed", "list all invoices")
	require.NoError(t, err)
	assert.Equal(t, workflow.OutcomeFailed, answer.Outcome)
	assert.Empty(t, db.Executed())
	assert.Len(t, llm.Calls(workflow.StageCheck), 3, "initial call plus strict re-prompts")

	cp, err := h.engine.GetState(ctx, "thread-check-malformed")
	require.NoError(t, err)
	s := cp.State
	assert.Equal(t, workflow.SufficiencyUnknown, s.IsSufficient)
	require.NotNil(t, s.Failure)
	assert.Equal(t, workflow.StageCheck, s.Failure.Stage)
	assert.Equal(t, workflow.KindMalformedOutput, s.Failure.Kind)
	assert.Equal(t, []workflow.Stage{
		workflow.StageTransform,
		workflow.StageSelectTables,
		workflow.StageCheck,
		workflow.StageSynthesize,
	}, stagesOf(s.Trace))
	assert.Contains(t, s.Trace[2].Notes, "edge:escalated")
}

func TestEngine_SharedThreadLocksAcrossEngines(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	locks := workflow.NewThreadLocks()
	slow := workflowtest.NewLLM().
		Add(workflow.StageTransform, workflowtest.Reply{Text: `{"question": "hi", "intent": "general"}`, Delay: 200 * time.Millisecond}).
		OnJSON(workflow.StageSynthesize, map[string]any{"answer": "Hello."})
	api := newHarness(t, slow, workflowtest.NewDB(), func(c *workflow.Config) { c.Threads = locks })

	fast := workflowtest.NewLLM().
		OnJSON(workflow.StageTransform, map[string]any{"question": "hi", "intent": "general"}).
		OnJSON(workflow.StageSynthesize, map[string]any{"answer": "Hello from the bot."})
	bot, err := workflow.New(workflow.Config{
		LLM:         fast,
		Database:    workflowtest.NewDB(),
		Checkpoints: api.checkpoints,
		Limits:      workflowtest.FastLimits(),
		Threads:     locks,
	})
	require.NoError(t, err)
	t.Cleanup(bot.Close)

	events, err := api.engine.Stream(ctx, "C1:123", "hi")
	require.NoError(t, err)
	assert.True(t, bot.Busy("C1:123"))

	_, err = bot.Stream(ctx, "C1:123", "hi from slack")
	require.ErrorIs(t, err, workflow.ErrThreadBusy)
	assert.Empty(t, fast.Calls())

	var answer *workflow.FinalAnswer
	for ev := range events {
		assert.Empty(t, ev.Error)
		if ev.Type == workflow.EventAnswer {
			answer = ev.Answer
		}
	}
	require.NotNil(t, answer)
	assert.Equal(t, "Hello.", answer.Answer)
	assert.False(t, bot.Busy("C1:123"))

	// Once the first run is done the other engine can continue the thread.
	answer, err = bot.Run(ctx, "C1:123", "hi again")
	require.NoError(t, err)
	assert.Equal(t, "Hello from the bot.", answer.Answer)
}

func TestEngine_Run_DatabaseTimeoutIsRepaired(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	slowSQL := "SELECT count(*) AS order_count FROM orders CROSS JOIN orders AS o2"
	llm := ordersScript(slowSQL).
		OnJSON(workflow.StageRepair, map[string]any{"query": countSQL, "reasoning": "drop the cross join"})
	db := workflowtest.NewDB(ordersTable()).
		SlowQuery("CROSS JOIN", time.Minute).
		OnQuery("placed_at", []string{"order_count"}, map[string]any{"order_count": uint64(1523)})
	h := newHarness(t, llm, db, func(c *workflow.Config) { c.Limits.DBCallTimeout = 50 * time.Millisecond })

	answer, err := h.engine.Run(ctx, "thread-db-timeout", "How many orders were placed in 2023?")
	require.NoError(t, err)
	assert.Equal(t, workflow.OutcomeAnswered, answer.Outcome)
	assert.Equal(t, []string{slowSQL, countSQL}, db.Executed())

	repair := llm.Calls(workflow.StageRepair)
	require.Len(t, repair, 1)
	assert.Contains(t, repair[0].User, context.DeadlineExceeded.Error())
	assert.Contains(t, repair[0].User, slowSQL)

	history, err := h.engine.GetHistory(ctx, "thread-db-timeout")
	require.NoError(t, err)
	var timedOut *workflow.HistoryEntry
	for i := range history {
		if history[i].Stage == workflow.StageExecute {
			timedOut = &history[i]
			break
		}
	}
	require.NotNil(t, timedOut)
	require.NotNil(t, timedOut.State.ExecutionResult)
	assert.Equal(t, workflow.ResultError, timedOut.State.ExecutionResult.Kind)
	assert.Equal(t, workflow.StageRepair, timedOut.Next)

	trace := timedOut.State.Trace[len(timedOut.State.Trace)-1]
	assert.Equal(t, workflow.StageExecute, trace.Stage)
	assert.Contains(t, trace.Notes, "statement 0 failed")
	assert.Contains(t, trace.Notes, "edge:execution_error")

	cp, err := h.engine.GetState(ctx, "thread-db-timeout")
	require.NoError(t, err)
	assert.Equal(t, 1, cp.State.RepairAttemptCount)
	assert.Equal(t, workflow.ResultRows, cp.State.ExecutionResult.Kind)
}

func TestEngine_Run_TruncatedResultIsCaveated(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	q := "List every order placed in 2023."
	listSQL := "SELECT id, amount FROM orders WHERE toYear(placed_at) = 2023"
	llm := workflowtest.NewLLM().
		OnJSON(workflow.StageTransform, map[string]any{"question": q, "intent": "data"}).
		OnJSON(workflow.StageSelectTables, tables("orders")).
		OnJSON(workflow.StageCheck, map[string]any{"sufficient": true}).
		OnJSON(workflow.StageDecompose, singleton(q, "orders")).
		OnJSON(workflow.StageGenerate, map[string]any{"query": listSQL}).
		OnJSON(workflow.StageSynthesize, map[string]any{"answer": "Here are the first orders of 2023."})
	db := workflowtest.NewDB(ordersTable()).
		OnResult("FROM orders", workflow.QueryResult{
			Columns:   []string{"id", "amount"},
			Rows:      []map[string]any{{"id": 1, "amount": 10.5}, {"id": 2, "amount": 20.0}},
			Truncated: true,
		})
	h := newHarness(t, llm, db)

	answer, err := h.engine.Run(ctx, "thread-truncated", q)
	require.NoError(t, err)
	assert.Equal(t, workflow.OutcomeAnswered, answer.Outcome)
	require.NotEmpty(t, answer.Caveats)
	assert.Contains(t, answer.Caveats[0], "Only the first 2 rows were fetched")

	cp, err := h.engine.GetState(ctx, "thread-truncated")
	require.NoError(t, err)
	require.NotNil(t, cp.State.ExecutionResult)
	assert.True(t, cp.State.ExecutionResult.Truncated)
	execEntry := cp.State.Trace[len(cp.State.Trace)-2]
	require.Equal(t, workflow.StageExecute, execEntry.Stage)
	assert.Contains(t, execEntry.Notes, workflow.NoteTruncated)

	synth := llm.Calls(workflow.StageSynthesize)
	require.Len(t, synth, 1)
	assert.Contains(t, synth[0].User, "first 2 only")
}
