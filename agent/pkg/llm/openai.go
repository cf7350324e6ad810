package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/malbeclabs/sqlflow/agent/pkg/workflow"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAILLMClient implements workflow.LLMClient using the OpenAI Chat
// Completions API, or any endpoint compatible with it.
type OpenAILLMClient struct {
	client openai.Client
	cfg    Config
}

// NewOpenAI creates a new OpenAI-based LLM client.
func NewOpenAI(cfg Config) *OpenAILLMClient {
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
	opts = append(opts, option.WithMaxRetries(0))
	return &OpenAILLMClient{client: openai.NewClient(opts...), cfg: cfg}
}

// Complete sends a system and user message and returns the first choice.
// Prompt caching is automatic on this API, so WithCacheControl is ignored.
func (c *OpenAILLMClient) Complete(ctx context.Context, systemPrompt, userPrompt string, opts ...workflow.CompleteOption) (string, error) {
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
	span.SetData("gen_ai.system", "openai")
	span.SetData("workflow.stage", string(stage))
	ctx = span.Context()
	defer span.Finish()

	start := time.Now()
	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.cfg.Model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(userPrompt),
		},
		MaxCompletionTokens: openai.Int(maxTokens),
	})
	call := Call{Provider: ProviderOpenAI, Model: c.cfg.Model, Name: c.cfg.Name, Stage: stage, Duration: time.Since(start)}
	if err != nil {
		span.Status = sentry.SpanStatusInternalError
		call.Err = err
		c.observe(call)
		if c.cfg.Logger != nil {
			c.cfg.Logger.Warn("llm: openai call failed", "name", c.cfg.Name, "stage", stage, "duration", call.Duration, "error", err)
		}

		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return "", permanent(apiErr.StatusCode, fmt.Errorf("openai API error: %w", err))
		}
		return "", fmt.Errorf("openai API error: %w", err)
	}

	call.InputTokens = resp.Usage.PromptTokens
	call.OutputTokens = resp.Usage.CompletionTokens
	call.CachedTokens = resp.Usage.PromptTokensDetails.CachedTokens
	span.SetData("gen_ai.usage.input_tokens", call.InputTokens)
	span.SetData("gen_ai.usage.output_tokens", call.OutputTokens)
	span.Status = sentry.SpanStatusOK

	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		call.Err = errNoText
		c.observe(call)
		return "", errNoText
	}
	c.observe(call)
	return resp.Choices[0].Message.Content, nil
}

func (c *OpenAILLMClient) observe(call Call) {
	if c.cfg.Observer != nil {
		c.cfg.Observer(call)
	}
}
