package workflow

import (
	"fmt"
	"strings"
	"time"

	"github.com/malbeclabs/sqlflow/agent/pkg/workflow/prompts"
)

// Prompt names understood by Prompts.GetPrompt.
const (
	PromptTransform    = "transform"
	PromptSelectTables = "select_tables"
	PromptSufficiency  = "sufficiency"
	PromptDecompose    = "decompose"
	PromptGenerate     = "generate"
	PromptRepair       = "repair"
	PromptReduce       = "reduce"
	PromptVisualize    = "visualize"
	PromptAnswer       = "answer"
	PromptGeneral      = "general"
	PromptSlack        = "slack"
)

var promptFiles = map[string]string{
	PromptTransform:    "TRANSFORM.md",
	PromptSelectTables: "SELECT_TABLES.md",
	PromptSufficiency:  "SUFFICIENCY.md",
	PromptDecompose:    "DECOMPOSE.md",
	PromptGenerate:     "GENERATE.md",
	PromptRepair:       "REPAIR.md",
	PromptReduce:       "REDUCE.md",
	PromptVisualize:    "VISUALIZE.md",
	PromptAnswer:       "ANSWER.md",
	PromptGeneral:      "GENERAL.md",
	PromptSlack:        "SLACK.md",
}

// Prompts contains the stage prompts loaded from embedded files.
type Prompts struct {
	byName map[string]string
}

// GetPrompt returns the prompt content for the given name.
// This implements the PromptsProvider interface.
func (p *Prompts) GetPrompt(name string) string {
	return p.byName[name]
}

// LoadPrompts loads all prompts from the embedded filesystem.
func LoadPrompts() (*Prompts, error) {
	p := &Prompts{byName: make(map[string]string, len(promptFiles))}
	for name, file := range promptFiles {
		text, err := loadPrompt(file)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", name, err)
		}
		p.byName[name] = text
	}
	return p, nil
}

func loadPrompt(path string) (string, error) {
	data, err := prompts.FS.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// buildSystemPrompt prefixes the current date and substitutes the dialect.
// Format context, when set, is appended as an output formatting section.
func buildSystemPrompt(now time.Time, base, dialect, formatContext string) string {
	prompt := fmt.Sprintf("Today's date: %s (UTC)\n\n%s", now.UTC().Format("2006-01-02"), base)
	prompt = strings.ReplaceAll(prompt, "{{DIALECT}}", dialect)
	if formatContext != "" {
		prompt += fmt.Sprintf("\n\n# Output Formatting\n\n%s", formatContext)
	}
	return prompt
}
