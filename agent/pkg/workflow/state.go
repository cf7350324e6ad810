package workflow

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"sort"
	"time"
)

// Sufficiency is the tri-state verdict of the sufficiency checker.
type Sufficiency string

const (
	SufficiencyUnknown      Sufficiency = ""
	SufficiencySufficient   Sufficiency = "sufficient"
	SufficiencyInsufficient Sufficiency = "insufficient"
)

// Intent is how the question transformer classified the question.
type Intent string

const (
	IntentData    Intent = "data"
	IntentGeneral Intent = "general"
)

// ResultKind tags an execution outcome.
type ResultKind string

const (
	ResultRows  ResultKind = "rows"
	ResultEmpty ResultKind = "empty"
	ResultError ResultKind = "error"
)

// Outcome summarises how a run ended.
type Outcome string

const (
	OutcomeAnswered Outcome = "answered"
	OutcomeEmpty    Outcome = "empty"
	OutcomeFailed   Outcome = "failed"
	OutcomeGeneral  Outcome = "general"
)

// WorkflowState is the record threaded through every stage of one run.
//
// The engine owns it for the duration of a run. Stages receive a snapshot and
// return a Patch; they may only write the fields listed for them in
// stageFields.
type WorkflowState struct {
	ThreadID string `json:"thread_id"`
	RunID    string `json:"run_id"`

	RawQuestion       string `json:"raw_question"`
	ClarifiedQuestion string `json:"clarified_question,omitempty"`
	Intent            Intent `json:"intent,omitempty"`

	CandidateTables         []string `json:"candidate_tables,omitempty"`
	SelectionIterationCount int      `json:"selection_iteration_count"`

	SchemaContext map[string]TableContext `json:"schema_context,omitempty"`

	IsSufficient          Sufficiency `json:"is_sufficient,omitempty"`
	SufficiencyGap        string      `json:"sufficiency_gap,omitempty"`
	UnverifiedSufficiency bool        `json:"unverified_sufficiency,omitempty"`

	Subquestions       []Subquestion             `json:"subquestions,omitempty"`
	SubqueryCandidates map[int]SubqueryCandidate `json:"subquery_candidates,omitempty"`

	FinalQuery         []string         `json:"final_query,omitempty"`
	ExecutionResult    *ExecutionResult `json:"execution_result,omitempty"`
	RepairAttemptCount int              `json:"repair_attempt_count"`

	Visualization *Visualization  `json:"visualization,omitempty"`
	Failure       *FailurePayload `json:"failure,omitempty"`
	FinalAnswer   *FinalAnswer    `json:"final_answer,omitempty"`

	Trace []TraceEntry `json:"trace"`
}

// TableContext is the detailed schema context for one selected table.
type TableContext struct {
	Table    TableMetadata `json:"table"`
	Examples []string      `json:"examples,omitempty"` // Example contexts from the library mentioning this table
}

// Subquestion is one independently answerable part of the question.
type Subquestion struct {
	Text   string   `json:"text"`
	Tables []string `json:"tables,omitempty"`
}

// SubqueryCandidate is the SQL generated for one subquestion, or a failure marker.
type SubqueryCandidate struct {
	SQL       string `json:"sql,omitempty"`
	Rationale string `json:"rationale,omitempty"`
	Failed    bool   `json:"failed,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ExecutionResult is the tagged outcome of running the final query.
type ExecutionResult struct {
	Kind      ResultKind       `json:"kind"`
	Columns   []string         `json:"columns,omitempty"`
	Rows      []map[string]any `json:"rows,omitempty"`
	RowCount  int              `json:"row_count"`
	Truncated bool             `json:"truncated,omitempty"` // More rows existed than were fetched
	Error     string           `json:"error,omitempty"`
	Statement int              `json:"statement"` // Index into FinalQuery of the failing statement
}

// Visualization is a chart recommendation for the result set.
type Visualization struct {
	Recommended bool     `json:"recommended"`
	ChartType   string   `json:"chart_type,omitempty"`
	XAxis       string   `json:"x_axis,omitempty"`
	YAxis       []string `json:"y_axis,omitempty"`
	Reasoning   string   `json:"reasoning,omitempty"`
}

// FailurePayload carries the last escalated failure to the answer synthesizer.
type FailurePayload struct {
	Stage  Stage     `json:"stage"`
	Kind   ErrorKind `json:"kind"`
	Reason string    `json:"reason"`
}

// FinalAnswer is the structured answer returned to callers.
type FinalAnswer struct {
	Answer        string         `json:"answer"`
	Explanation   string         `json:"explanation,omitempty"`
	Outcome       Outcome        `json:"outcome"`
	SQL           []string       `json:"sql,omitempty"`
	TablesUsed    []string       `json:"tables_used,omitempty"`
	Subquestions  []string       `json:"subquestions,omitempty"`
	Caveats       []string       `json:"caveats,omitempty"`
	FollowUps     []string       `json:"follow_ups,omitempty"`
	Visualization *Visualization `json:"visualization,omitempty"`
}

// TraceEntry is one append-only record of a completed stage.
type TraceEntry struct {
	Step         int       `json:"step"`
	Stage        Stage     `json:"stage"`
	InputDigest  string    `json:"input_digest"`
	OutputDigest string    `json:"output_digest"`
	Timestamp    time.Time `json:"timestamp"`
	Attempts     int       `json:"attempts,omitempty"`
	Notes        []string  `json:"notes,omitempty"`
	Error        string    `json:"error,omitempty"`
}

// NewState returns the initial state of a run.
func NewState(threadID, runID, question string) WorkflowState {
	return WorkflowState{
		ThreadID:    threadID,
		RunID:       runID,
		RawQuestion: question,
		Trace:       []TraceEntry{},
	}
}

// Clone returns a deep copy of the state.
func (s WorkflowState) Clone() WorkflowState {
	c := s
	c.CandidateTables = slices.Clone(s.CandidateTables)
	if s.SchemaContext != nil {
		c.SchemaContext = make(map[string]TableContext, len(s.SchemaContext))
		for k, v := range s.SchemaContext {
			c.SchemaContext[k] = v.clone()
		}
	}
	if s.Subquestions != nil {
		c.Subquestions = make([]Subquestion, len(s.Subquestions))
		for i, q := range s.Subquestions {
			c.Subquestions[i] = Subquestion{Text: q.Text, Tables: slices.Clone(q.Tables)}
		}
	}
	c.SubqueryCandidates = maps.Clone(s.SubqueryCandidates)
	c.FinalQuery = slices.Clone(s.FinalQuery)
	if s.ExecutionResult != nil {
		r := *s.ExecutionResult
		r.Columns = slices.Clone(r.Columns)
		r.Rows = cloneRows(r.Rows)
		c.ExecutionResult = &r
	}
	if s.Visualization != nil {
		v := *s.Visualization
		v.YAxis = slices.Clone(v.YAxis)
		c.Visualization = &v
	}
	if s.Failure != nil {
		f := *s.Failure
		c.Failure = &f
	}
	if s.FinalAnswer != nil {
		a := s.FinalAnswer.clone()
		c.FinalAnswer = &a
	}
	c.Trace = make([]TraceEntry, len(s.Trace))
	for i, t := range s.Trace {
		t.Notes = slices.Clone(t.Notes)
		c.Trace[i] = t
	}
	return c
}

func (t TableContext) clone() TableContext {
	c := t
	c.Examples = slices.Clone(t.Examples)
	c.Table.ForeignKeys = slices.Clone(t.Table.ForeignKeys)
	c.Table.Columns = make([]Column, len(t.Table.Columns))
	for i, col := range t.Table.Columns {
		col.SampleValues = slices.Clone(col.SampleValues)
		c.Table.Columns[i] = col
	}
	return c
}

func (a FinalAnswer) clone() FinalAnswer {
	c := a
	c.SQL = slices.Clone(a.SQL)
	c.TablesUsed = slices.Clone(a.TablesUsed)
	c.Subquestions = slices.Clone(a.Subquestions)
	c.Caveats = slices.Clone(a.Caveats)
	c.FollowUps = slices.Clone(a.FollowUps)
	if a.Visualization != nil {
		v := *a.Visualization
		v.YAxis = slices.Clone(v.YAxis)
		c.Visualization = &v
	}
	return c
}

func cloneRows(rows []map[string]any) []map[string]any {
	if rows == nil {
		return nil
	}
	out := make([]map[string]any, len(rows))
	for i, r := range rows {
		out[i] = maps.Clone(r)
	}
	return out
}

// SchemaTables returns the table names in the schema context, sorted.
func (s WorkflowState) SchemaTables() []string {
	names := make([]string, 0, len(s.SchemaContext))
	for name := range s.SchemaContext {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SuccessfulCandidates returns the non-failed candidates ordered by subquestion index.
func (s WorkflowState) SuccessfulCandidates() []IndexedCandidate {
	idx := make([]int, 0, len(s.SubqueryCandidates))
	for i := range s.SubqueryCandidates {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	var out []IndexedCandidate
	for _, i := range idx {
		c := s.SubqueryCandidates[i]
		if c.Failed || c.SQL == "" {
			continue
		}
		out = append(out, IndexedCandidate{Index: i, SubqueryCandidate: c})
	}
	return out
}

// IndexedCandidate pairs a candidate with its subquestion index.
type IndexedCandidate struct {
	Index int
	SubqueryCandidate
}

// Patch is the set of fields a stage writes. Nil fields are left untouched.
type Patch struct {
	ClarifiedQuestion       *string
	Intent                  *Intent
	CandidateTables         *[]string
	SelectionIterationCount *int
	SchemaContext           *map[string]TableContext
	IsSufficient            *Sufficiency
	SufficiencyGap          *string
	UnverifiedSufficiency   *bool
	Subquestions            *[]Subquestion
	SubqueryCandidates      *map[int]SubqueryCandidate
	FinalQuery              *[]string
	ExecutionResult         **ExecutionResult
	RepairAttemptCount      *int
	Visualization           **Visualization
	Failure                 **FailurePayload
	FinalAnswer             **FinalAnswer

	// Notes and Attempts are recorded in the stage's trace entry.
	Notes    []string
	Attempts int
}

// Fields returns the names of the state fields the patch writes.
func (p Patch) Fields() []string {
	var f []string
	add := func(set bool, name string) {
		if set {
			f = append(f, name)
		}
	}
	add(p.ClarifiedQuestion != nil, "clarified_question")
	add(p.Intent != nil, "intent")
	add(p.CandidateTables != nil, "candidate_tables")
	add(p.SelectionIterationCount != nil, "selection_iteration_count")
	add(p.SchemaContext != nil, "schema_context")
	add(p.IsSufficient != nil, "is_sufficient")
	add(p.SufficiencyGap != nil, "sufficiency_gap")
	add(p.UnverifiedSufficiency != nil, "unverified_sufficiency")
	add(p.Subquestions != nil, "subquestions")
	add(p.SubqueryCandidates != nil, "subquery_candidates")
	add(p.FinalQuery != nil, "final_query")
	add(p.ExecutionResult != nil, "execution_result")
	add(p.RepairAttemptCount != nil, "repair_attempt_count")
	add(p.Visualization != nil, "visualization")
	add(p.Failure != nil, "failure")
	add(p.FinalAnswer != nil, "final_answer")
	return f
}

// Apply returns a new snapshot with the patch applied. The receiver is not modified.
func (p Patch) Apply(s WorkflowState) WorkflowState {
	n := s.Clone()
	if p.ClarifiedQuestion != nil {
		n.ClarifiedQuestion = *p.ClarifiedQuestion
	}
	if p.Intent != nil {
		n.Intent = *p.Intent
	}
	if p.CandidateTables != nil {
		n.CandidateTables = slices.Clone(*p.CandidateTables)
	}
	if p.SelectionIterationCount != nil {
		n.SelectionIterationCount = *p.SelectionIterationCount
	}
	if p.SchemaContext != nil {
		n.SchemaContext = maps.Clone(*p.SchemaContext)
	}
	if p.IsSufficient != nil {
		n.IsSufficient = *p.IsSufficient
	}
	if p.SufficiencyGap != nil {
		n.SufficiencyGap = *p.SufficiencyGap
	}
	if p.UnverifiedSufficiency != nil {
		n.UnverifiedSufficiency = *p.UnverifiedSufficiency
	}
	if p.Subquestions != nil {
		n.Subquestions = slices.Clone(*p.Subquestions)
	}
	if p.SubqueryCandidates != nil {
		n.SubqueryCandidates = maps.Clone(*p.SubqueryCandidates)
	}
	if p.FinalQuery != nil {
		n.FinalQuery = slices.Clone(*p.FinalQuery)
	}
	if p.ExecutionResult != nil {
		n.ExecutionResult = *p.ExecutionResult
	}
	if p.RepairAttemptCount != nil {
		n.RepairAttemptCount = *p.RepairAttemptCount
	}
	if p.Visualization != nil {
		n.Visualization = *p.Visualization
	}
	if p.Failure != nil {
		n.Failure = *p.Failure
	}
	if p.FinalAnswer != nil {
		n.FinalAnswer = *p.FinalAnswer
	}
	return n
}

// digest returns a short stable hash of v's JSON encoding.
func digest(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("unhashable:%T", v)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:8])
}

// digestView is the serialisable form of a patch used for the output digest.
func (p Patch) digestView() map[string]any {
	v := map[string]any{}
	if p.ClarifiedQuestion != nil {
		v["clarified_question"] = *p.ClarifiedQuestion
	}
	if p.Intent != nil {
		v["intent"] = *p.Intent
	}
	if p.CandidateTables != nil {
		v["candidate_tables"] = *p.CandidateTables
	}
	if p.SelectionIterationCount != nil {
		v["selection_iteration_count"] = *p.SelectionIterationCount
	}
	if p.SchemaContext != nil {
		v["schema_context"] = *p.SchemaContext
	}
	if p.IsSufficient != nil {
		v["is_sufficient"] = *p.IsSufficient
	}
	if p.SufficiencyGap != nil {
		v["sufficiency_gap"] = *p.SufficiencyGap
	}
	if p.UnverifiedSufficiency != nil {
		v["unverified_sufficiency"] = *p.UnverifiedSufficiency
	}
	if p.Subquestions != nil {
		v["subquestions"] = *p.Subquestions
	}
	if p.SubqueryCandidates != nil {
		v["subquery_candidates"] = *p.SubqueryCandidates
	}
	if p.FinalQuery != nil {
		v["final_query"] = *p.FinalQuery
	}
	if p.ExecutionResult != nil {
		v["execution_result"] = *p.ExecutionResult
	}
	if p.RepairAttemptCount != nil {
		v["repair_attempt_count"] = *p.RepairAttemptCount
	}
	if p.Visualization != nil {
		v["visualization"] = *p.Visualization
	}
	if p.Failure != nil {
		v["failure"] = *p.Failure
	}
	if p.FinalAnswer != nil {
		v["final_answer"] = *p.FinalAnswer
	}
	return v
}

func ptr[T any](v T) *T { return &v }
