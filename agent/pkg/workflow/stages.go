package workflow

import (
	"context"
	"fmt"
	"strings"
)

// systemPrompt builds the system prompt for a stage.
func (e *Engine) systemPrompt(env runEnv, name string) string {
	return buildSystemPrompt(env.now, e.prompts.GetPrompt(name), e.cfg.Dialect, "")
}

// question returns the clarified question, or the raw one before transformation.
func question(s WorkflowState) string {
	if s.ClarifiedQuestion != "" {
		return s.ClarifiedQuestion
	}
	return s.RawQuestion
}

// writeMemory adds the thread notes section when the thread has memory.
func writeMemory(sb *strings.Builder, env runEnv) {
	if strings.TrimSpace(env.memory) == "" {
		return
	}
	fmt.Fprintf(sb, "## Thread notes\n\n%s\n\n", strings.TrimSpace(env.memory))
}

func (e *Engine) listTables(ctx context.Context) ([]TableSummary, error) {
	ctx, cancel := context.WithTimeout(ctx, e.limits.DBCallTimeout)
	defer cancel()
	return e.cfg.Database.ListTables(ctx)
}

func (e *Engine) describeTables(ctx context.Context, tables []string) ([]TableMetadata, error) {
	ctx, cancel := context.WithTimeout(ctx, e.limits.DBCallTimeout)
	defer cancel()
	return e.cfg.Database.Describe(ctx, tables)
}

func (e *Engine) executeSQL(ctx context.Context, sql string) (QueryResult, error) {
	ctx, cancel := context.WithTimeout(ctx, e.limits.DBCallTimeout)
	defer cancel()
	return e.cfg.Database.Execute(ctx, sql)
}

type transformOutput struct {
	Question string `json:"question"`
	Intent   Intent `json:"intent"`
}

// transformQuestion rewrites the raw question into a self-contained one and
// classifies its intent.
func (e *Engine) transformQuestion(ctx context.Context, env runEnv, s WorkflowState) (Patch, error) {
	var user strings.Builder
	writeMemory(&user, env)
	fmt.Fprintf(&user, "## Question\n\n%s\n", s.RawQuestion)

	var out transformOutput
	n, err := e.reasoner.Structured(ctx, StageTransform, e.systemPrompt(env, PromptTransform), user.String(), SchemaTransform, &out)
	if err != nil {
		if KindOf(err) != KindMalformedOutput {
			return Patch{Attempts: n}, err
		}
		// The raw question is still usable as is.
		return Patch{
			ClarifiedQuestion: ptr(s.RawQuestion),
			Intent:            ptr(IntentData),
			Attempts:          n,
			Notes:             []string{"fallback:raw-question"},
		}, nil
	}

	clarified := strings.TrimSpace(out.Question)
	if clarified == "" {
		clarified = s.RawQuestion
	}
	intent := out.Intent
	if intent != IntentGeneral {
		intent = IntentData
	}
	return Patch{ClarifiedQuestion: &clarified, Intent: &intent, Attempts: n}, nil
}
