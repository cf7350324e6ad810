// Package prompts holds the prompt templates for the workflow stages.
package prompts

import "embed"

//go:embed *.md
var FS embed.FS
