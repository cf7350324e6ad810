// Package workflowtest provides scripted collaborators for exercising the
// workflow engine without a model or a database.
package workflowtest

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/malbeclabs/sqlflow/agent/pkg/workflow"
)

// FastLimits returns the default limits with backoff shortened for tests.
func FastLimits() workflow.Limits {
	l := workflow.DefaultLimits()
	l.RetryInitialInterval = time.Millisecond
	l.RetryMaxInterval = 5 * time.Millisecond
	l.LLMCallTimeout = 5 * time.Second
	l.DBCallTimeout = 5 * time.Second
	return l
}

// Reply is one scripted model response.
type Reply struct {
	Text  string
	Err   error
	Match string        // Only used when the user prompt contains Match
	Delay time.Duration // Wait before replying, honouring the call context
}

// Call records one completion request.
type Call struct {
	Stage  workflow.Stage
	System string
	User   string
}

type scripted struct {
	Reply
	used bool
}

// LLM replies per stage from a script. Replies for a stage are consumed in
// order; the last matching reply is repeated.
type LLM struct {
	mu      sync.Mutex
	replies map[workflow.Stage][]*scripted
	calls   []Call
}

// NewLLM returns an LLM with an empty script.
func NewLLM() *LLM {
	return &LLM{replies: make(map[workflow.Stage][]*scripted)}
}

// Add appends a reply for stage.
func (l *LLM) Add(stage workflow.Stage, r Reply) *LLM {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.replies[stage] = append(l.replies[stage], &scripted{Reply: r})
	return l
}

// On scripts a raw text reply.
func (l *LLM) On(stage workflow.Stage, text string) *LLM {
	return l.Add(stage, Reply{Text: text})
}

// OnJSON scripts v encoded as JSON.
func (l *LLM) OnJSON(stage workflow.Stage, v any) *LLM {
	return l.Add(stage, Reply{Text: mustJSON(v)})
}

// OnMatch scripts v for calls whose user prompt contains match.
func (l *LLM) OnMatch(stage workflow.Stage, match string, v any) *LLM {
	return l.Add(stage, Reply{Text: mustJSON(v), Match: match})
}

// Fail scripts an error reply.
func (l *LLM) Fail(stage workflow.Stage, err error) *LLM {
	return l.Add(stage, Reply{Err: err})
}

func (l *LLM) Complete(ctx context.Context, systemPrompt, userPrompt string, _ ...workflow.CompleteOption) (string, error) {
	stage, _ := workflow.StageFromContext(ctx)

	l.mu.Lock()
	l.calls = append(l.calls, Call{Stage: stage, System: systemPrompt, User: userPrompt})
	r := l.next(stage, userPrompt)
	l.mu.Unlock()

	if r == nil {
		return "", fmt.Errorf("workflowtest: no reply scripted for stage %s", stage)
	}
	if r.Delay > 0 {
		select {
		case <-time.After(r.Delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return r.Text, r.Err
}

func (l *LLM) next(stage workflow.Stage, user string) *Reply {
	var matching []*scripted
	for _, r := range l.replies[stage] {
		if r.Match == "" || strings.Contains(user, r.Match) {
			matching = append(matching, r)
		}
	}
	for i, r := range matching {
		if r.used {
			continue
		}
		if i < len(matching)-1 {
			r.used = true
		}
		reply := r.Reply
		return &reply
	}
	return nil
}

// Calls returns the recorded calls, optionally filtered to one stage.
func (l *LLM) Calls(stage ...workflow.Stage) []Call {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(stage) == 0 {
		return slices.Clone(l.calls)
	}
	var out []Call
	for _, c := range l.calls {
		if c.Stage == stage[0] {
			out = append(out, c)
		}
	}
	return out
}

// Table builds table metadata from "name type" column specs.
func Table(name string, columns ...string) workflow.TableMetadata {
	t := workflow.TableMetadata{Name: name}
	for _, spec := range columns {
		colName, colType, _ := strings.Cut(spec, " ")
		t.Columns = append(t.Columns, workflow.Column{Name: colName, Type: colType, PrimaryKey: colName == "id"})
	}
	return t
}

type queryReply struct {
	match  string
	result workflow.QueryResult
	err    error
	delay  time.Duration
	used   bool
}

// DB is an in-memory catalog with scripted query results.
type DB struct {
	mu       sync.Mutex
	tables   []workflow.TableMetadata
	queries  []*queryReply
	executed []string

	ListErr     error
	DescribeErr error
}

// NewDB returns a database exposing tables.
func NewDB(tables ...workflow.TableMetadata) *DB {
	return &DB{tables: tables}
}

// OnQuery scripts rows for statements containing match.
func (d *DB) OnQuery(match string, columns []string, rows ...map[string]any) *DB {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queries = append(d.queries, &queryReply{match: match, result: workflow.QueryResult{Columns: columns, Rows: rows, Count: len(rows)}})
	return d
}

// OnResult scripts a full result for statements containing match.
func (d *DB) OnResult(match string, res workflow.QueryResult) *DB {
	d.mu.Lock()
	defer d.mu.Unlock()
	res.Count = len(res.Rows)
	d.queries = append(d.queries, &queryReply{match: match, result: res})
	return d
}

// SlowQuery scripts a statement that takes delay to return no rows. A call
// context that ends first fails the statement with the context's error.
func (d *DB) SlowQuery(match string, delay time.Duration) *DB {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queries = append(d.queries, &queryReply{match: match, delay: delay})
	return d
}

// FailQuery scripts an error for statements containing match.
func (d *DB) FailQuery(match string, err error) *DB {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queries = append(d.queries, &queryReply{match: match, err: err})
	return d
}

func (d *DB) ListTables(context.Context) ([]workflow.TableSummary, error) {
	if d.ListErr != nil {
		return nil, d.ListErr
	}
	out := make([]workflow.TableSummary, len(d.tables))
	for i, t := range d.tables {
		out[i] = workflow.TableSummary{Name: t.Name, Comment: t.Comment}
	}
	return out, nil
}

func (d *DB) Describe(_ context.Context, tables []string) ([]workflow.TableMetadata, error) {
	if d.DescribeErr != nil {
		return nil, d.DescribeErr
	}
	var out []workflow.TableMetadata
	for _, name := range tables {
		for _, t := range d.tables {
			if t.Name == name {
				out = append(out, t)
			}
		}
	}
	return out, nil
}

// Execute returns the first unused scripted reply whose match the statement
// contains; the last matching reply is repeated.
func (d *DB) Execute(ctx context.Context, sql string) (workflow.QueryResult, error) {
	q := d.next(sql)
	if q == nil {
		return workflow.QueryResult{}, fmt.Errorf("workflowtest: unexpected query: %s", sql)
	}
	if q.delay > 0 {
		select {
		case <-time.After(q.delay):
		case <-ctx.Done():
			return workflow.QueryResult{}, ctx.Err()
		}
	}
	if q.err != nil {
		return workflow.QueryResult{}, q.err
	}
	res := q.result
	res.SQL = sql
	res.Rows = make([]map[string]any, len(q.result.Rows))
	for j, row := range q.result.Rows {
		res.Rows[j] = maps.Clone(row)
	}
	return res, nil
}

func (d *DB) next(sql string) *queryReply {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.executed = append(d.executed, sql)

	var matching []*queryReply
	for _, q := range d.queries {
		if strings.Contains(sql, q.match) {
			matching = append(matching, q)
		}
	}
	for i, q := range matching {
		if q.used {
			continue
		}
		if i < len(matching)-1 {
			q.used = true
		}
		return q
	}
	return nil
}

// Executed returns the statements run so far.
func (d *DB) Executed() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.executed)
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(b)
}
