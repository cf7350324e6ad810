package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/getsentry/sentry-go"
	"github.com/malbeclabs/sqlflow/agent/pkg/workflow"
)

// DefaultAnthropicModel is used when no model is configured.
const DefaultAnthropicModel = anthropic.ModelClaudeHaiku4_5

// AnthropicLLMClient implements workflow.LLMClient using the Anthropic API.
type AnthropicLLMClient struct {
	client anthropic.Client
	cfg    Config
}

// NewAnthropic creates a new Anthropic-based LLM client.
func NewAnthropic(cfg Config) *AnthropicLLMClient {
	if cfg.Model == "" {
		cfg.Model = string(DefaultAnthropicModel)
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if cfg.Name == "" {
		cfg.Name = "workflow"
	}
	var opts []option.RequestOption
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	// Retries belong to the workflow's backoff policy.
	opts = append(opts, option.WithMaxRetries(0))
	return &AnthropicLLMClient{client: anthropic.NewClient(opts...), cfg: cfg}
}

// Complete sends a prompt to Claude and returns the response text.
func (c *AnthropicLLMClient) Complete(ctx context.Context, systemPrompt, userPrompt string, opts ...workflow.CompleteOption) (string, error) {
	o := workflow.ApplyCompleteOptions(opts...)
	maxTokens := c.cfg.MaxTokens
	if o.MaxTokens > 0 {
		maxTokens = o.MaxTokens
	}
	stage, _ := workflow.StageFromContext(ctx)

	span := sentry.StartSpan(ctx, "gen_ai.chat", sentry.WithDescription(fmt.Sprintf("chat %s", c.cfg.Model)))
	span.SetData("gen_ai.operation.name", "chat")
	span.SetData("gen_ai.request.model", c.cfg.Model)
	span.SetData("gen_ai.request.max_tokens", maxTokens)
	span.SetData("gen_ai.system", "anthropic")
	span.SetData("workflow.stage", string(stage))
	ctx = span.Context()
	defer span.Finish()

	system := anthropic.TextBlockParam{Text: systemPrompt}
	if o.CacheSystemPrompt {
		system.CacheControl = anthropic.NewCacheControlEphemeralParam()
	}

	start := time.Now()
	c.logDebug("llm: anthropic call starting", "name", c.cfg.Name, "model", c.cfg.Model, "stage", stage, "user_prompt_len", len(userPrompt))
	msg, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.cfg.Model),
		MaxTokens: maxTokens,
		System:    []anthropic.TextBlockParam{system},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	})
	call := Call{Provider: ProviderAnthropic, Model: c.cfg.Model, Name: c.cfg.Name, Stage: stage, Duration: time.Since(start)}
	if err != nil {
		span.Status = sentry.SpanStatusInternalError
		call.Err = err
		c.observe(call)
		c.logWarn("llm: anthropic call failed", "name", c.cfg.Name, "stage", stage, "duration", call.Duration, "error", err)

		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return "", permanent(apiErr.StatusCode, fmt.Errorf("anthropic API error: %w", err))
		}
		return "", fmt.Errorf("anthropic API error: %w", err)
	}

	call.InputTokens = msg.Usage.InputTokens
	call.OutputTokens = msg.Usage.OutputTokens
	call.CachedTokens = msg.Usage.CacheReadInputTokens
	span.SetData("gen_ai.usage.input_tokens", msg.Usage.InputTokens)
	span.SetData("gen_ai.usage.output_tokens", msg.Usage.OutputTokens)
	span.SetData("gen_ai.usage.total_tokens", msg.Usage.InputTokens+msg.Usage.OutputTokens)
	span.Status = sentry.SpanStatusOK
	c.logDebug("llm: anthropic call completed", "name", c.cfg.Name, "stage", stage, "duration", call.Duration, "stop_reason", msg.StopReason, "cached_tokens", call.CachedTokens)

	for _, block := range msg.Content {
		if block.Type == "text" {
			c.observe(call)
			return block.Text, nil
		}
	}
	call.Err = errNoText
	c.observe(call)
	return "", errNoText
}

func (c *AnthropicLLMClient) observe(call Call) {
	if c.cfg.Observer != nil {
		c.cfg.Observer(call)
	}
}

func (c *AnthropicLLMClient) logDebug(msg string, args ...any) {
	if c.cfg.Logger != nil {
		c.cfg.Logger.Debug(msg, args...)
	}
}

func (c *AnthropicLLMClient) logWarn(msg string, args ...any) {
	if c.cfg.Logger != nil {
		c.cfg.Logger.Warn(msg, args...)
	}
}
