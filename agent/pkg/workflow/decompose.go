package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

type decomposeOutput struct {
	Subquestions []Subquestion `json:"subquestions"`
	Reasoning    string        `json:"reasoning"`
}

// decompose splits the question into independent subquestions. An invalid
// decomposition is retried once and then replaced by the singleton list.
func (e *Engine) decompose(ctx context.Context, env runEnv, s WorkflowState) (Patch, error) {
	singleton := []Subquestion{{Text: question(s), Tables: s.SchemaTables()}}

	var user strings.Builder
	writeMemory(&user, env)
	fmt.Fprintf(&user, "## Question\n\n%s\n\n## Schema\n\n%s", question(s), formatSchemaContext(s))
	prompt := user.String()

	attempts := 0
	var lastErr error
	for try := 0; try < 2; try++ {
		var out decomposeOutput
		n, err := e.reasoner.Structured(ctx, StageDecompose, e.systemPrompt(env, PromptDecompose), prompt, SchemaDecompose, &out)
		attempts += n
		if err != nil {
			lastErr = err
			break
		}

		subs, err := e.validateSubquestions(out.Subquestions, s)
		if err == nil {
			if len(subs) == 0 {
				return Patch{Subquestions: &singleton, Attempts: attempts, Notes: []string{"no decomposition"}}, nil
			}
			var notes []string
			if len(subs) > 1 {
				notes = append(notes, fmt.Sprintf("decomposed into %d subquestions", len(subs)))
			}
			return Patch{Subquestions: &subs, Attempts: attempts, Notes: notes}, nil
		}
		lastErr = newStageError(StageDecompose, KindDecompositionInvalid, attempts, err)
		e.logWarn("workflow: invalid decomposition", "thread_id", env.threadID, "attempt", try+1, "error", err)
		prompt = user.String() + "\n\nIMPORTANT: your previous decomposition was rejected (" + err.Error() + "). " +
			"Only reference tables listed in the schema."
	}

	return Patch{
		Subquestions: &singleton,
		Attempts:     attempts,
		Notes:        []string{fmt.Sprintf("fallback:singleton (%s)", KindOf(lastErr))},
	}, nil
}

var errTooManySubquestions = errors.New("too many subquestions")

// validateSubquestions checks every referenced table against the schema
// context, fills in missing table hints, and enforces the subquestion cap.
func (e *Engine) validateSubquestions(in []Subquestion, s WorkflowState) ([]Subquestion, error) {
	canonical := make(map[string]string, len(s.SchemaContext))
	for name := range s.SchemaContext {
		canonical[strings.ToLower(name)] = name
	}

	var out []Subquestion
	for _, sq := range in {
		text := strings.TrimSpace(sq.Text)
		if text == "" {
			continue
		}
		tables := make([]string, 0, len(sq.Tables))
		for _, t := range sq.Tables {
			name, ok := canonical[strings.ToLower(strings.TrimSpace(t))]
			if !ok {
				return nil, fmt.Errorf("%w: subquestion %q references %q", ErrDecompositionInvalid, text, t)
			}
			tables = append(tables, name)
		}
		if len(tables) == 0 {
			tables = s.SchemaTables()
		}
		out = append(out, Subquestion{Text: text, Tables: tables})
	}
	if len(out) > e.limits.MaxSubquestions {
		return nil, fmt.Errorf("%w: %d, at most %d allowed", errTooManySubquestions, len(out), e.limits.MaxSubquestions)
	}
	return out, nil
}
