package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

type generateOutput struct {
	Query     string `json:"query"`
	Reasoning string `json:"reasoning"`
}

// generated is the result of one generator task.
type generated struct {
	index     int
	candidate SubqueryCandidate
	attempts  int
}

var errNotReadQuery = errors.New("statement is not a read-only query")

// generateQueries fans out one generator per subquestion on the shared pool
// and waits for all of them. A failed generator is recorded as a failed
// candidate and does not affect its siblings.
func (e *Engine) generateQueries(ctx context.Context, env runEnv, s WorkflowState) (Patch, error) {
	group := e.generators.NewGroupContext(ctx)
	for i, sq := range s.Subquestions {
		group.SubmitErr(func() (generated, error) {
			c, n := e.generateCandidate(ctx, env, s, sq)
			return generated{index: i, candidate: c, attempts: n}, nil
		})
	}
	results, err := group.Wait()
	if err != nil {
		return Patch{}, newStageError(StageGenerate, KindTerminalFailure, 0, fmt.Errorf("failed to generate queries: %w", err))
	}

	candidates := make(map[int]SubqueryCandidate, len(s.Subquestions))
	attempts := 0
	var notes []string
	for _, r := range results {
		candidates[r.index] = r.candidate
		attempts += r.attempts
		if r.candidate.Failed {
			notes = append(notes, fmt.Sprintf("subquestion %d failed: %s", r.index, r.candidate.Error))
		}
	}
	// Every subquestion has an entry, even if its task never ran.
	for i := range s.Subquestions {
		if _, ok := candidates[i]; !ok {
			candidates[i] = SubqueryCandidate{Failed: true, Error: "generation did not complete"}
		}
	}
	return Patch{SubqueryCandidates: &candidates, Attempts: attempts, Notes: notes}, nil
}

// generateCandidate writes the SQL for one subquestion. It only reads s.
func (e *Engine) generateCandidate(ctx context.Context, env runEnv, s WorkflowState, sq Subquestion) (SubqueryCandidate, int) {
	var user strings.Builder
	writeMemory(&user, env)
	fmt.Fprintf(&user, "## Question\n\n%s\n\n", sq.Text)
	if len(s.Subquestions) > 1 {
		fmt.Fprintf(&user, "This is one part of the larger question: %s\n\n", question(s))
	}
	fmt.Fprintf(&user, "## Schema\n\n%s", formatSchemaTables(s, sq.Tables))

	var out generateOutput
	n, err := e.reasoner.Structured(ctx, StageGenerate, e.systemPrompt(env, PromptGenerate), user.String(), SchemaGenerate, &out)
	if err != nil {
		return SubqueryCandidate{Failed: true, Error: err.Error()}, n
	}
	sql := cleanSQL(out.Query)
	if !looksLikeSQL(sql) {
		return SubqueryCandidate{Failed: true, Error: errNotReadQuery.Error()}, n
	}
	return SubqueryCandidate{SQL: sql, Rationale: out.Reasoning}, n
}
