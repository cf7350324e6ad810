package workflow

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"strings"

	"github.com/cenkalti/backoff/v5"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// Output schema names, one per structured stage output.
const (
	SchemaTransform   = "transform"
	SchemaSelect      = "select_tables"
	SchemaSufficiency = "sufficiency"
	SchemaDecompose   = "decompose"
	SchemaGenerate    = "generate"
	SchemaReduce      = "reduce"
	SchemaVisualize   = "visualize"
	SchemaAnswer      = "answer"
)

// Reasoner invokes the LLM on behalf of a stage. Structured calls are
// validated against an output schema and re-prompted more strictly when the
// model returns something unparsable; unavailable or timed out calls are
// retried with exponential backoff.
type Reasoner struct {
	llm     LLMClient
	log     *slog.Logger
	limits  Limits
	schemas map[string]*compiledSchema
}

type compiledSchema struct {
	text   string
	schema *jsonschema.Schema
}

// NewReasoner compiles the embedded output schemas.
func NewReasoner(llm LLMClient, log *slog.Logger, limits Limits) (*Reasoner, error) {
	if llm == nil {
		return nil, fmt.Errorf("LLM client is required")
	}
	schemas, err := loadSchemas()
	if err != nil {
		return nil, err
	}
	return &Reasoner{llm: llm, log: log, limits: limits.withDefaults(), schemas: schemas}, nil
}

func loadSchemas() (map[string]*compiledSchema, error) {
	entries, err := fs.ReadDir(schemaFS, "schemas")
	if err != nil {
		return nil, fmt.Errorf("failed to read schemas: %w", err)
	}
	out := make(map[string]*compiledSchema, len(entries))
	for _, e := range entries {
		raw, err := schemaFS.ReadFile(path.Join("schemas", e.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read schema %s: %w", e.Name(), err)
		}
		var doc any
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("failed to unmarshal schema %s: %w", e.Name(), err)
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource(e.Name(), doc); err != nil {
			return nil, fmt.Errorf("failed to add schema resource %s: %w", e.Name(), err)
		}
		sch, err := c.Compile(e.Name())
		if err != nil {
			return nil, fmt.Errorf("failed to compile schema %s: %w", e.Name(), err)
		}
		out[strings.TrimSuffix(e.Name(), ".json")] = &compiledSchema{text: string(raw), schema: sch}
	}
	return out, nil
}

// Structured asks for a JSON object conforming to schemaName and decodes it
// into out. It returns the number of model calls made.
func (r *Reasoner) Structured(ctx context.Context, stage Stage, systemPrompt, userPrompt, schemaName string, out any) (int, error) {
	cs, ok := r.schemas[schemaName]
	if !ok {
		return 0, fmt.Errorf("unknown output schema %q", schemaName)
	}
	system := systemPrompt + "\n\n## Output format\n\nRespond with a single JSON object that conforms to this JSON Schema. Do not add prose outside the object.\n\n```json\n" + cs.text + "```"

	total := 0
	var lastErr error
	for attempt := 0; attempt <= r.limits.MaxParseRetries; attempt++ {
		prompt := userPrompt
		if lastErr != nil {
			prompt = userPrompt + strictSuffix(lastErr)
		}
		text, n, err := r.complete(ctx, stage, system, prompt)
		total += n
		if err != nil {
			return total, err
		}
		if err := decodeStructured(cs, text, out); err != nil {
			lastErr = err
			r.logWarn("workflow: malformed model output", "stage", stage, "attempt", attempt+1, "error", err)
			continue
		}
		return total, nil
	}
	return total, newStageError(stage, KindMalformedOutput, total, lastErr)
}

// Text asks for a free-form completion.
func (r *Reasoner) Text(ctx context.Context, stage Stage, systemPrompt, userPrompt string) (string, int, error) {
	text, n, err := r.complete(ctx, stage, systemPrompt, userPrompt)
	if err != nil {
		return "", n, err
	}
	if strings.TrimSpace(text) == "" {
		return "", n, newStageError(stage, KindMalformedOutput, n, errors.New("empty completion"))
	}
	return text, n, nil
}

func (r *Reasoner) complete(ctx context.Context, stage Stage, systemPrompt, userPrompt string) (string, int, error) {
	ctx = contextWithStage(ctx, stage)

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = r.limits.RetryInitialInterval
	eb.MaxInterval = r.limits.RetryMaxInterval

	attempts := 0
	text, err := backoff.Retry(ctx, func() (string, error) {
		attempts++
		callCtx, cancel := context.WithTimeout(ctx, r.limits.LLMCallTimeout)
		defer cancel()

		out, err := r.llm.Complete(callCtx, systemPrompt, userPrompt)
		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil {
			return "", backoff.Permanent(ctx.Err())
		}
		r.logWarn("workflow: model call failed, retrying", "stage", stage, "attempt", attempts, "error", err)
		return "", err
	}, backoff.WithBackOff(eb), backoff.WithMaxTries(uint(r.limits.MaxLLMRetries)))
	if err != nil {
		kind := KindModelUnavailable
		if errors.Is(err, context.DeadlineExceeded) {
			kind = KindTimeout
		}
		return "", attempts, newStageError(stage, kind, attempts, err)
	}
	return text, attempts, nil
}

func decodeStructured(cs *compiledSchema, text string, out any) error {
	raw := extractJSON(text)
	if raw == "" {
		return errors.New("no JSON object found in response")
	}
	var inst any
	if err := json.Unmarshal([]byte(raw), &inst); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := cs.schema.Validate(inst); err != nil {
		return fmt.Errorf("schema violation: %w", err)
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("failed to decode: %w", err)
	}
	return nil
}

func strictSuffix(err error) string {
	return "\n\nIMPORTANT: your previous response could not be used (" + err.Error() + "). " +
		"Reply with ONLY the JSON object, no code fences, no commentary, and include every required field."
}

func (r *Reasoner) logWarn(msg string, args ...any) {
	if r.log != nil {
		r.log.Warn(msg, args...)
	}
}
