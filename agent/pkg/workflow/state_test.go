package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPatch_ApplyDoesNotMutateInput(t *testing.T) {
	t.Parallel()

	s := NewState("t1", "r1", "how many orders")
	s.CandidateTables = []string{"orders"}
	s.SchemaContext = map[string]TableContext{"orders": {Table: TableMetadata{Name: "orders"}}}
	s.SubqueryCandidates = map[int]SubqueryCandidate{0: {SQL: "SELECT 1"}}

	p := Patch{
		CandidateTables:    ptr([]string{"orders", "customers"}),
		SubqueryCandidates: ptr(map[int]SubqueryCandidate{0: {SQL: "SELECT 2"}}),
		RepairAttemptCount: ptr(1),
	}
	next := p.Apply(s)

	assert.Equal(t, []string{"orders"}, s.CandidateTables)
	assert.Equal(t, "SELECT 1", s.SubqueryCandidates[0].SQL)
	assert.Equal(t, 0, s.RepairAttemptCount)

	assert.Equal(t, []string{"orders", "customers"}, next.CandidateTables)
	assert.Equal(t, "SELECT 2", next.SubqueryCandidates[0].SQL)
	assert.Equal(t, 1, next.RepairAttemptCount)

	next.SchemaContext["customers"] = TableContext{}
	assert.Len(t, s.SchemaContext, 1)
}

func TestPatch_ApplyClearsPointerFields(t *testing.T) {
	t.Parallel()

	s := WorkflowState{ExecutionResult: &ExecutionResult{Kind: ResultError}}
	next := Patch{ExecutionResult: ptr[*ExecutionResult](nil)}.Apply(s)
	assert.Nil(t, next.ExecutionResult)
	assert.NotNil(t, s.ExecutionResult)
}

func TestPatch_Fields(t *testing.T) {
	t.Parallel()

	assert.Empty(t, Patch{Notes: []string{"x"}, Attempts: 2}.Fields())
	assert.Equal(t,
		[]string{"candidate_tables", "selection_iteration_count", "is_sufficient"},
		Patch{CandidateTables: ptr([]string{}), SelectionIterationCount: ptr(1), IsSufficient: ptr(SufficiencyUnknown)}.Fields())
}

func TestWorkflowState_CloneIsDeep(t *testing.T) {
	t.Parallel()

	s := WorkflowState{
		Subquestions:    []Subquestion{{Text: "a", Tables: []string{"orders"}}},
		ExecutionResult: &ExecutionResult{Kind: ResultRows, Columns: []string{"n"}, Rows: []map[string]any{{"n": 1}}},
		FinalAnswer:     &FinalAnswer{Caveats: []string{"c"}},
		Trace:           []TraceEntry{{Step: 1, Notes: []string{"x"}}},
	}
	c := s.Clone()

	c.Subquestions[0].Tables[0] = "customers"
	c.ExecutionResult.Rows[0]["n"] = 2
	c.FinalAnswer.Caveats[0] = "changed"
	c.Trace[0].Notes[0] = "y"

	assert.Equal(t, "orders", s.Subquestions[0].Tables[0])
	assert.Equal(t, 1, s.ExecutionResult.Rows[0]["n"])
	assert.Equal(t, "c", s.FinalAnswer.Caveats[0])
	assert.Equal(t, "x", s.Trace[0].Notes[0])
}

func TestWorkflowState_SuccessfulCandidates(t *testing.T) {
	t.Parallel()

	s := WorkflowState{SubqueryCandidates: map[int]SubqueryCandidate{
		2: {SQL: "SELECT 3"},
		0: {SQL: "SELECT 1"},
		1: {Failed: true, Error: "malformed"},
	}}
	got := s.SuccessfulCandidates()
	require.Len(t, got, 2)
	assert.Equal(t, 0, got[0].Index)
	assert.Equal(t, 2, got[1].Index)
	assert.Equal(t, "SELECT 3", got[1].SQL)
}

func TestDigest_Stable(t *testing.T) {
	t.Parallel()

	a := Patch{CandidateTables: ptr([]string{"orders"})}.digestView()
	b := Patch{CandidateTables: ptr([]string{"orders"})}.digestView()
	c := Patch{CandidateTables: ptr([]string{"customers"})}.digestView()
	assert.Equal(t, digest(a), digest(b))
	assert.NotEqual(t, digest(a), digest(c))
	assert.Len(t, digest(a), 16)
}
