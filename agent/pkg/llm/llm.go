// Package llm provides workflow.LLMClient implementations backed by hosted
// model APIs.
package llm

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/malbeclabs/sqlflow/agent/pkg/workflow"
)

// Provider names a hosted model API.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
)

// Call describes one completed model request. It is handed to the Observer
// configured on a client.
type Call struct {
	Provider     Provider
	Model        string
	Name         string // Client name used in logs and metrics, e.g. "workflow" or "eval"
	Stage        workflow.Stage
	Duration     time.Duration
	InputTokens  int64
	OutputTokens int64
	CachedTokens int64
	Err          error
}

// Observer receives every completed call. It must not block.
type Observer func(Call)

// Config selects and configures a client.
type Config struct {
	Provider  Provider
	Model     string
	APIKey    string // Falls back to the provider's environment variable when empty
	BaseURL   string // Optional endpoint override
	MaxTokens int64
	Name      string
	Logger    *slog.Logger
	Observer  Observer
}

const defaultMaxTokens = 4096

// New returns the client for cfg.Provider.
func New(cfg Config) (workflow.LLMClient, error) {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if cfg.Name == "" {
		cfg.Name = "workflow"
	}
	switch cfg.Provider {
	case ProviderAnthropic, "":
		return NewAnthropic(cfg), nil
	case ProviderOpenAI:
		if cfg.Model == "" {
			return nil, fmt.Errorf("model is required for provider %s", cfg.Provider)
		}
		return NewOpenAI(cfg), nil
	default:
		return nil, fmt.Errorf("unknown LLM provider %q", cfg.Provider)
	}
}

// permanent marks client errors that retrying cannot fix, so the caller's
// backoff gives up immediately. Rate limits and timeouts stay retryable.
func permanent(status int, err error) error {
	switch {
	case status == http.StatusTooManyRequests, status == http.StatusRequestTimeout:
		return err
	case status >= 400 && status < 500:
		return backoff.Permanent(err)
	default:
		return err
	}
}

var errNoText = errors.New("no text content in response")
