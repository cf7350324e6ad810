package workflow

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
)

const maxExampleContexts = 3

// contextualize expands the candidate tables into detailed schema context
// and attaches example contexts from the library. Existing entries are kept.
func (e *Engine) contextualize(ctx context.Context, env runEnv, s WorkflowState) (Patch, error) {
	meta, err := e.describeTables(ctx, s.CandidateTables)
	if err != nil {
		return Patch{}, newStageError(StageContextualize, KindSchemaUnavailable, 1, fmt.Errorf("failed to describe tables: %w", err))
	}

	sc := maps.Clone(s.SchemaContext)
	if sc == nil {
		sc = make(map[string]TableContext, len(meta))
	}
	for _, t := range meta {
		tc := sc[t.Name]
		tc.Table = t
		sc[t.Name] = tc
	}

	var notes []string
	for _, name := range s.CandidateTables {
		if _, ok := sc[name]; !ok {
			notes = append(notes, "not described: "+name)
		}
	}
	if len(sc) == 0 {
		return Patch{Notes: notes}, newStageError(StageContextualize, KindSchemaUnavailable, 1, fmt.Errorf("none of the selected tables could be described"))
	}

	if e.cfg.Contexts != nil {
		entries, err := e.cfg.Contexts.Retrieve(ctx, question(s), maxExampleContexts)
		if err != nil {
			e.logWarn("workflow: failed to retrieve example contexts", "thread_id", env.threadID, "error", err)
			notes = append(notes, "example contexts unavailable")
		} else {
			attached := attachExamples(sc, entries)
			if attached > 0 {
				notes = append(notes, fmt.Sprintf("attached %d example contexts", attached))
			}
		}
	}

	return Patch{SchemaContext: &sc, Notes: notes}, nil
}

// attachExamples adds each example to the tables it mentions and returns
// the number of examples used.
func attachExamples(sc map[string]TableContext, entries []ContextEntry) int {
	used := 0
	for _, entry := range entries {
		text := fmt.Sprintf("Q: %s\n%s", entry.Question, strings.TrimSpace(entry.Context))
		lower := strings.ToLower(entry.Context + " " + entry.Question)
		matched := false
		for name, tc := range sc {
			if !strings.Contains(lower, strings.ToLower(name)) || slices.Contains(tc.Examples, text) {
				continue
			}
			tc.Examples = append(slices.Clone(tc.Examples), text)
			sc[name] = tc
			matched = true
		}
		if matched {
			used++
		}
	}
	return used
}
