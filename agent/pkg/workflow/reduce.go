package workflow

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

type reduceOutput struct {
	Statements      []string `json:"statements"`
	Strategy        string   `json:"strategy"`
	SelectiveFilter bool     `json:"selective_filter"`
	Reasoning       string   `json:"reasoning"`
}

// Trace notes written by the reducer.
const (
	NoteSelectiveFilter  = "heuristic:selective-filter"
	NoteSeparateFallback = "fallback:separate-statements"
)

// reduce merges the subquery candidates into the final query. A single
// candidate passes through unchanged. When every candidate failed the
// reducer sets a terminal failure instead of a query.
func (e *Engine) reduce(ctx context.Context, env runEnv, s WorkflowState) (Patch, error) {
	ok := s.SuccessfulCandidates()

	var notes []string
	var failures []string
	for _, i := range sortedCandidateIndexes(s.SubqueryCandidates) {
		c := s.SubqueryCandidates[i]
		if c.Failed || c.SQL == "" {
			failures = append(failures, fmt.Sprintf("subquestion %d: %s", i, c.Error))
		}
	}
	if len(failures) > 0 && len(ok) > 0 {
		notes = append(notes, fmt.Sprintf("partial: %d of %d subquestions have SQL", len(ok), len(s.Subquestions)))
	}

	switch len(ok) {
	case 0:
		reason := "No SQL could be generated for the question."
		if len(failures) > 0 {
			reason += " " + strings.Join(failures, "; ")
		}
		failure := &FailurePayload{Stage: StageReduce, Kind: KindTerminalFailure, Reason: reason}
		return Patch{Failure: &failure, Notes: append(notes, "all candidates failed")}, nil
	case 1:
		final := []string{ok[0].SQL}
		return Patch{FinalQuery: &final, Notes: append(notes, "pass-through")}, nil
	}

	fallback := make([]string, len(ok))
	for i, c := range ok {
		fallback[i] = c.SQL
	}

	var user strings.Builder
	fmt.Fprintf(&user, "## Question\n\n%s\n\n## Schema\n\n%s## Sub-queries\n\n", question(s), formatSchemaContext(s))
	for _, c := range ok {
		text := ""
		if c.Index < len(s.Subquestions) {
			text = s.Subquestions[c.Index].Text
		}
		fmt.Fprintf(&user, "### Sub-question %d: %s\n\n```sql\n%s\n```\n\n", c.Index+1, text, c.SQL)
	}

	var out reduceOutput
	n, err := e.reasoner.Structured(ctx, StageReduce, e.systemPrompt(env, PromptReduce), user.String(), SchemaReduce, &out)
	if err != nil {
		e.logWarn("workflow: merge failed, keeping separate statements", "thread_id", env.threadID, "error", err)
		return Patch{FinalQuery: &fallback, Attempts: n, Notes: append(notes, NoteSeparateFallback)}, nil
	}

	final := make([]string, 0, len(out.Statements))
	for _, stmt := range out.Statements {
		sql := cleanSQL(stmt)
		if !looksLikeSQL(sql) {
			return Patch{FinalQuery: &fallback, Attempts: n, Notes: append(notes, NoteSeparateFallback)}, nil
		}
		final = append(final, sql)
	}

	notes = append(notes, "strategy:"+out.Strategy)
	if out.SelectiveFilter {
		notes = append(notes, NoteSelectiveFilter)
	}
	return Patch{FinalQuery: &final, Attempts: n, Notes: notes}, nil
}

func sortedCandidateIndexes(m map[int]SubqueryCandidate) []int {
	idx := make([]int, 0, len(m))
	for i := range m {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	return idx
}
