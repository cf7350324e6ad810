package workflow

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
)

type tableChoice struct {
	Name      string   `json:"name"`
	Relevance *float64 `json:"relevance,omitempty"`
}

type selectOutput struct {
	Tables    []tableChoice `json:"tables"`
	Reasoning string        `json:"reasoning"`
}

type sufficiencyOutput struct {
	Sufficient bool   `json:"sufficient"`
	Reason     string `json:"reason"`
}

const defaultRelevance = 0.5

// selectTables proposes candidate tables from the full catalog. On repeat
// passes the previous selection and the sufficiency gap are fed back.
func (e *Engine) selectTables(ctx context.Context, env runEnv, s WorkflowState) (Patch, error) {
	catalog, err := e.listTables(ctx)
	if err != nil {
		return Patch{}, newStageError(StageSelectTables, KindSchemaUnavailable, 1, fmt.Errorf("failed to list tables: %w", err))
	}

	var user strings.Builder
	writeMemory(&user, env)
	fmt.Fprintf(&user, "## Question\n\n%s\n\n## Catalog\n\n", question(s))
	for _, t := range catalog {
		if t.Comment != "" {
			fmt.Fprintf(&user, "- %s: %s\n", t.Name, t.Comment)
		} else {
			fmt.Fprintf(&user, "- %s\n", t.Name)
		}
	}
	if s.SelectionIterationCount > 0 {
		fmt.Fprintf(&user, "\n## Previous selection\n\n%s\n", strings.Join(s.CandidateTables, ", "))
		if s.SufficiencyGap != "" {
			fmt.Fprintf(&user, "\n## What was missing\n\n%s\n", s.SufficiencyGap)
		}
	}

	var out selectOutput
	n, err := e.reasoner.Structured(ctx, StageSelectTables, e.systemPrompt(env, PromptSelectTables), user.String(), SchemaSelect, &out)
	if err != nil {
		return Patch{Attempts: n}, err
	}

	tables, dropped := rankTables(out.Tables, catalog, s.CandidateTables)
	var notes []string
	if len(dropped) > 0 {
		notes = append(notes, "dropped unknown tables: "+strings.Join(dropped, ", "))
	}

	iteration := s.SelectionIterationCount + 1
	return Patch{
		CandidateTables:         &tables,
		SelectionIterationCount: &iteration,
		SchemaContext:           ptr(map[string]TableContext(nil)),
		IsSufficient:            ptr(SufficiencyUnknown),
		SufficiencyGap:          ptr(""),
		Attempts:                n,
		Notes:                   notes,
	}, nil
}

// rankTables keeps the chosen tables that exist in the catalog, orders them
// by relevance and breaks ties in favour of the previous selection. Names
// are matched case-insensitively and returned as the catalog spells them.
func rankTables(choices []tableChoice, catalog []TableSummary, previous []string) (tables, dropped []string) {
	canonical := make(map[string]string, len(catalog))
	for _, t := range catalog {
		canonical[strings.ToLower(t.Name)] = t.Name
	}

	type ranked struct {
		name      string
		relevance float64
		previous  bool
	}
	var rs []ranked
	seen := map[string]bool{}
	for _, c := range choices {
		name, ok := canonical[strings.ToLower(strings.TrimSpace(c.Name))]
		if !ok {
			dropped = append(dropped, c.Name)
			continue
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		rel := defaultRelevance
		if c.Relevance != nil {
			rel = *c.Relevance
		}
		rs = append(rs, ranked{name: name, relevance: rel, previous: slices.Contains(previous, name)})
	}

	sort.SliceStable(rs, func(i, j int) bool {
		if rs[i].relevance != rs[j].relevance {
			return rs[i].relevance > rs[j].relevance
		}
		return rs[i].previous && !rs[j].previous
	})

	tables = make([]string, len(rs))
	for i, r := range rs {
		tables[i] = r.name
	}
	return tables, dropped
}

// checkSufficiency judges whether the candidate tables can answer the
// question, using only column names and types.
func (e *Engine) checkSufficiency(ctx context.Context, env runEnv, s WorkflowState) (Patch, error) {
	capped := s.SelectionIterationCount >= e.limits.MaxSelectionIterations

	if len(s.CandidateTables) == 0 {
		return Patch{
			IsSufficient:          ptr(SufficiencyInsufficient),
			SufficiencyGap:        ptr("No table in the catalog appears to contain the data the question asks about."),
			UnverifiedSufficiency: ptr(false),
			Notes:                 []string{"no candidate tables"},
		}, nil
	}

	meta, err := e.describeTables(ctx, s.CandidateTables)
	if err != nil {
		return Patch{}, newStageError(StageCheck, KindSchemaUnavailable, 1, fmt.Errorf("failed to describe tables: %w", err))
	}

	var user strings.Builder
	writeMemory(&user, env)
	fmt.Fprintf(&user, "## Question\n\n%s\n\n## Selected tables\n\n", question(s))
	for _, t := range meta {
		user.WriteString(FormatTableMetadata(t, false))
		user.WriteString("\n")
	}

	var out sufficiencyOutput
	n, err := e.reasoner.Structured(ctx, StageCheck, e.systemPrompt(env, PromptSufficiency), user.String(), SchemaSufficiency, &out)
	if err != nil {
		// Includes MalformedOutput after the strict re-prompts: no verdict
		// was reached, so the run escalates rather than guessing one.
		return Patch{Attempts: n}, err
	}

	if out.Sufficient {
		return Patch{
			IsSufficient:          ptr(SufficiencySufficient),
			SufficiencyGap:        ptr(""),
			UnverifiedSufficiency: ptr(false),
			Attempts:              n,
		}, nil
	}

	gap := strings.TrimSpace(out.Reason)
	if gap == "" {
		gap = "The selected tables do not cover everything the question asks about."
	}
	var notes []string
	if capped {
		notes = append(notes, fmt.Sprintf("selection cap of %d reached", e.limits.MaxSelectionIterations))
	}
	return Patch{
		IsSufficient:          ptr(SufficiencyInsufficient),
		SufficiencyGap:        &gap,
		UnverifiedSufficiency: ptr(capped),
		Attempts:              n,
		Notes:                 notes,
	}, nil
}
