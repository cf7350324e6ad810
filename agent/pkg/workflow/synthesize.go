package workflow

import (
	"context"
	"fmt"
	"slices"
	"strings"
)

type answerOutput struct {
	Answer            string   `json:"answer"`
	Explanation       string   `json:"explanation"`
	FollowUpQuestions []string `json:"follow_up_questions"`
}

const maxFollowUps = 3

// synthesizeAnswer produces the final answer for every path through the
// graph. It never fails: when the model is unavailable it falls back to a
// deterministic answer built from the state.
func (e *Engine) synthesizeAnswer(ctx context.Context, env runEnv, s WorkflowState) (Patch, error) {
	outcome := outcomeOf(s)
	answer := &FinalAnswer{
		Outcome:       outcome,
		SQL:           slices.Clone(s.FinalQuery),
		TablesUsed:    tablesUsed(s),
		Caveats:       caveats(s),
		Visualization: s.Visualization,
	}
	if len(s.Subquestions) > 1 {
		for _, sq := range s.Subquestions {
			answer.Subquestions = append(answer.Subquestions, sq.Text)
		}
	}

	promptName := PromptAnswer
	if outcome == OutcomeGeneral {
		promptName = PromptGeneral
	}
	system := buildSystemPrompt(env.now, e.prompts.GetPrompt(promptName), e.cfg.Dialect, e.cfg.FormatContext)

	var out answerOutput
	n, err := e.reasoner.Structured(ctx, StageSynthesize, system, synthesisPrompt(env, s, answer), SchemaAnswer, &out)
	if err != nil {
		e.logWarn("workflow: answer synthesis failed, using fallback", "thread_id", env.threadID, "error", err)
		answer.Answer = fallbackAnswer(s, outcome)
		answer.Explanation = fallbackExplanation(answer)
		return Patch{FinalAnswer: &answer, Attempts: n, Notes: []string{"fallback:deterministic-answer"}}, nil
	}

	answer.Answer = strings.TrimSpace(out.Answer)
	answer.Explanation = strings.TrimSpace(out.Explanation)
	if answer.Explanation == "" {
		answer.Explanation = fallbackExplanation(answer)
	}
	for _, f := range out.FollowUpQuestions {
		if f = strings.TrimSpace(f); f != "" && len(answer.FollowUps) < maxFollowUps {
			answer.FollowUps = append(answer.FollowUps, f)
		}
	}
	return Patch{FinalAnswer: &answer, Attempts: n, Notes: []string{"outcome:" + string(outcome)}}, nil
}

func outcomeOf(s WorkflowState) Outcome {
	switch {
	case s.Intent == IntentGeneral:
		return OutcomeGeneral
	case s.Failure != nil, s.ExecutionResult == nil:
		return OutcomeFailed
	case s.ExecutionResult.Kind == ResultError:
		return OutcomeFailed
	case s.ExecutionResult.Kind == ResultEmpty:
		return OutcomeEmpty
	default:
		return OutcomeAnswered
	}
}

func tablesUsed(s WorkflowState) []string {
	if len(s.SchemaContext) > 0 {
		return s.SchemaTables()
	}
	return slices.Clone(s.CandidateTables)
}

func caveats(s WorkflowState) []string {
	var out []string
	if s.UnverifiedSufficiency {
		out = append(out, "The selected tables could not be confirmed to contain everything the question needs, so the answer may be incomplete.")
	}
	var failed []string
	for _, i := range sortedCandidateIndexes(s.SubqueryCandidates) {
		if c := s.SubqueryCandidates[i]; c.Failed && i < len(s.Subquestions) {
			failed = append(failed, s.Subquestions[i].Text)
		}
	}
	if len(failed) > 0 && s.Failure == nil {
		out = append(out, "No query could be written for: "+strings.Join(failed, "; ")+".")
	}
	for _, t := range s.Trace {
		if slices.Contains(t.Notes, NoteSelectiveFilter) {
			out = append(out, "Sub-query filters were merged by keeping the more selective one; results may differ from running the parts separately.")
			break
		}
	}
	if r := s.ExecutionResult; r != nil && r.Kind == ResultRows && r.Truncated {
		out = append(out, fmt.Sprintf("Only the first %d rows were fetched; the full result is larger, so totals computed from these rows may be incomplete.", r.RowCount))
	}
	if s.RepairAttemptCount > 0 && s.ExecutionResult != nil && s.ExecutionResult.Kind != ResultError {
		out = append(out, fmt.Sprintf("The query was corrected %d time(s) after database errors.", s.RepairAttemptCount))
	}
	return out
}

// synthesisPrompt tells the model what happened. Only rows present in the
// execution result are included.
func synthesisPrompt(env runEnv, s WorkflowState, a *FinalAnswer) string {
	var sb strings.Builder
	writeMemory(&sb, env)
	fmt.Fprintf(&sb, "## Question\n\n%s\n\n", question(s))
	if a.Outcome == OutcomeGeneral {
		return sb.String()
	}

	fmt.Fprintf(&sb, "## Outcome\n\n%s\n\n", describeOutcome(s, a.Outcome))
	if len(a.TablesUsed) > 0 {
		fmt.Fprintf(&sb, "## Tables\n\n%s\n\n", strings.Join(a.TablesUsed, ", "))
	}
	if len(s.Subquestions) > 1 {
		sb.WriteString("## Sub-questions\n\n")
		for i, sq := range s.Subquestions {
			fmt.Fprintf(&sb, "%d. %s\n", i+1, sq.Text)
		}
		sb.WriteString("\n")
	}
	if len(s.FinalQuery) > 0 {
		fmt.Fprintf(&sb, "## SQL\n\n```sql\n%s\n```\n\n", strings.Join(s.FinalQuery, ";\n\n"))
	}
	if s.ExecutionResult != nil {
		fmt.Fprintf(&sb, "## Results\n\n%s\n", FormatExecutionResult(s.ExecutionResult))
	}
	if len(a.Caveats) > 0 {
		sb.WriteString("## Caveats\n\n")
		for _, c := range a.Caveats {
			fmt.Fprintf(&sb, "- %s\n", c)
		}
		sb.WriteString("\n")
	}
	sb.WriteString("## Steps taken\n\n")
	for _, t := range s.Trace {
		line := string(t.Stage)
		if t.Error != "" {
			line += " (failed: " + t.Error + ")"
		}
		fmt.Fprintf(&sb, "- %s\n", line)
	}
	return sb.String()
}

func describeOutcome(s WorkflowState, outcome Outcome) string {
	switch {
	case s.Failure != nil:
		return fmt.Sprintf("FAILED at %s (%s): %s", s.Failure.Stage, s.Failure.Kind, s.Failure.Reason)
	case s.ExecutionResult == nil:
		gap := s.SufficiencyGap
		if gap == "" {
			gap = "no suitable tables were found"
		}
		return fmt.Sprintf("DATA NOT LOCATED after %d table selection attempts: %s", s.SelectionIterationCount, gap)
	case outcome == OutcomeFailed:
		return fmt.Sprintf("QUERY FAILED after %d repair attempts: %s", s.RepairAttemptCount, s.ExecutionResult.Error)
	case outcome == OutcomeEmpty:
		return "The query ran successfully and returned no rows."
	case s.ExecutionResult.Truncated:
		return fmt.Sprintf("The query ran successfully but returned more rows than the row cap; only the first %d were fetched.", s.ExecutionResult.RowCount)
	default:
		return fmt.Sprintf("The query ran successfully and returned %d rows.", s.ExecutionResult.RowCount)
	}
}

// fallbackAnswer phrases the outcome without the model.
func fallbackAnswer(s WorkflowState, outcome Outcome) string {
	switch {
	case outcome == OutcomeGeneral:
		return "I answer questions about the data in this database, but I could not respond right now. Please try again shortly."
	case s.Failure != nil:
		return fmt.Sprintf("I could not answer this question. The %s step failed: %s", s.Failure.Stage, s.Failure.Reason)
	case s.ExecutionResult == nil:
		msg := "I could not locate data that answers this question in the available tables."
		if s.SufficiencyGap != "" {
			msg += " " + s.SufficiencyGap
		}
		return msg
	case outcome == OutcomeFailed:
		return fmt.Sprintf("I could not answer this question. The query failed after %d repair attempts with: %s", s.RepairAttemptCount, s.ExecutionResult.Error)
	case outcome == OutcomeEmpty:
		return "The query ran successfully but returned no matching rows."
	}

	res := s.ExecutionResult
	cols := visibleColumns(res.Columns)
	if res.RowCount == 1 && len(cols) == 1 {
		return fmt.Sprintf("The result is %s.", formatValueForLLM(res.Rows[0][cols[0]]))
	}
	return fmt.Sprintf("The query returned %d rows with columns %s.", res.RowCount, strings.Join(cols, ", "))
}

func fallbackExplanation(a *FinalAnswer) string {
	var parts []string
	if len(a.TablesUsed) > 0 {
		parts = append(parts, "Tables used: "+strings.Join(a.TablesUsed, ", ")+".")
	}
	if len(a.Subquestions) > 0 {
		parts = append(parts, "Sub-questions: "+strings.Join(a.Subquestions, "; ")+".")
	}
	return strings.Join(parts, " ")
}
