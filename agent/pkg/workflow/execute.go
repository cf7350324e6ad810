package workflow

import (
	"context"
	"fmt"
	"slices"
	"strings"
)

// StatementColumn labels rows with the 1-based statement that produced them
// when the final query has more than one statement.
const StatementColumn = "_statement"

// NoteTruncated marks an execution whose rows were cut at the row cap.
const NoteTruncated = "result truncated at row cap"

// execute runs the final query statements in order. The first failing
// statement stops execution and is recorded in the result for repair.
func (e *Engine) execute(ctx context.Context, env runEnv, s WorkflowState) (Patch, error) {
	if len(s.FinalQuery) == 0 {
		return Patch{}, newStageError(StageExecute, KindTerminalFailure, 0, fmt.Errorf("no query to execute"))
	}

	multi := len(s.FinalQuery) > 1
	res := &ExecutionResult{}
	if multi {
		res.Columns = []string{StatementColumn}
	}
	for i, sql := range s.FinalQuery {
		if !looksLikeSQL(sql) {
			return errorResult(i, errNotReadQuery.Error()), nil
		}
		qr, err := e.executeSQL(ctx, sql)
		if err != nil {
			e.logWarn("workflow: query failed", "thread_id", env.threadID, "statement", i, "error", err)
			return errorResult(i, err.Error()), nil
		}
		if qr.Truncated {
			res.Truncated = true
		}
		for _, c := range qr.Columns {
			if !slices.Contains(res.Columns, c) {
				res.Columns = append(res.Columns, c)
			}
		}
		for _, row := range qr.Rows {
			if multi {
				row[StatementColumn] = i + 1
			}
			res.Rows = append(res.Rows, row)
		}
	}

	res.RowCount = len(res.Rows)
	res.Kind = ResultRows
	if res.RowCount == 0 {
		res.Kind = ResultEmpty
	}
	notes := []string{fmt.Sprintf("%d rows", res.RowCount)}
	if res.Truncated {
		notes = append(notes, NoteTruncated)
	}
	return Patch{ExecutionResult: &res, Notes: notes}, nil
}

func errorResult(statement int, msg string) Patch {
	res := &ExecutionResult{Kind: ResultError, Error: msg, Statement: statement}
	return Patch{ExecutionResult: &res, Notes: []string{fmt.Sprintf("statement %d failed", statement)}}
}

// repairQuery regenerates the failing statement with the database error in
// the prompt, replaces it and clears the execution result.
func (e *Engine) repairQuery(ctx context.Context, env runEnv, s WorkflowState) (Patch, error) {
	attempt := s.RepairAttemptCount + 1
	res := s.ExecutionResult
	if res == nil || res.Kind != ResultError || res.Statement >= len(s.FinalQuery) {
		failure := &FailurePayload{Stage: StageRepair, Kind: KindTerminalFailure, Reason: "no failed statement to repair"}
		return Patch{Failure: &failure, RepairAttemptCount: &attempt}, nil
	}
	failing := s.FinalQuery[res.Statement]

	var user strings.Builder
	writeMemory(&user, env)
	fmt.Fprintf(&user, "## Question\n\n%s\n\n## Schema\n\n%s", question(s), formatSchemaContext(s))
	fmt.Fprintf(&user, "## Failing query\n\n```sql\n%s\n```\n\n## Database error\n\n%s\n", failing, res.Error)

	var out generateOutput
	n, err := e.reasoner.Structured(ctx, StageRepair, e.systemPrompt(env, PromptRepair), user.String(), SchemaGenerate, &out)
	if err != nil {
		failure := &FailurePayload{
			Stage:  StageRepair,
			Kind:   KindOf(err),
			Reason: fmt.Sprintf("the query failed with %q and could not be repaired: %v", res.Error, err),
		}
		return Patch{Failure: &failure, RepairAttemptCount: &attempt, Attempts: n}, nil
	}

	fixed := cleanSQL(out.Query)
	notes := []string{fmt.Sprintf("repair attempt %d for statement %d", attempt, res.Statement)}
	if fixed == failing {
		notes = append(notes, "repair returned the same query")
	}
	final := slices.Clone(s.FinalQuery)
	final[res.Statement] = fixed
	return Patch{
		FinalQuery:         &final,
		ExecutionResult:    ptr[*ExecutionResult](nil),
		RepairAttemptCount: &attempt,
		Attempts:           n,
		Notes:              notes,
	}, nil
}
