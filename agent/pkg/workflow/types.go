package workflow

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
)

// Context keys for workflow tracing
type ctxKeyThreadID struct{}
type ctxKeyRunID struct{}
type ctxKeyStage struct{}

// ContextWithWorkflowIDs adds thread and run IDs to a context for tracing.
func ContextWithWorkflowIDs(ctx context.Context, threadID, runID string) context.Context {
	ctx = context.WithValue(ctx, ctxKeyThreadID{}, threadID)
	ctx = context.WithValue(ctx, ctxKeyRunID{}, runID)
	return ctx
}

// ThreadIDFromContext extracts the thread ID from context, if present.
func ThreadIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ctxKeyThreadID{}).(string)
	return id, ok
}

// RunIDFromContext extracts the run ID from context, if present.
func RunIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ctxKeyRunID{}).(string)
	return id, ok
}

func contextWithStage(ctx context.Context, stage Stage) context.Context {
	return context.WithValue(ctx, ctxKeyStage{}, stage)
}

// StageFromContext extracts the stage currently calling out, if present.
// LLM clients use it to label metrics and logs.
func StageFromContext(ctx context.Context) (Stage, bool) {
	s, ok := ctx.Value(ctxKeyStage{}).(Stage)
	return s, ok
}

// Config holds the configuration for the workflow engine.
type Config struct {
	Logger      *slog.Logger
	LLM         LLMClient
	Database    Database
	Checkpoints CheckpointStore
	Memory      MemoryStore    // Optional long-term thread memory
	Contexts    ContextLibrary // Optional library of example contexts used by the contextualizer
	Prompts     PromptsProvider
	Clock       clockwork.Clock // Defaults to the real clock
	Limits      Limits

	EnableVisualization bool   // Recommend a chart when execution returns rows
	FormatContext       string // Optional formatting guidance appended to the answer prompt (e.g. Slack mrkdwn)
	Dialect             string // SQL dialect named in generation prompts (e.g. "ClickHouse", "PostgreSQL", "SQLite")

	// OnStage is called when a stage starts and completes. It must not block.
	OnStage ProgressCallback

	// Threads guards against overlapping runs on a thread. Engines that share
	// a checkpoint store must share it too. Defaults to a registry private to
	// the engine.
	Threads *ThreadLocks
}

// Limits bounds every loop and external call made by the engine.
type Limits struct {
	MaxSelectionIterations int
	MaxRepairAttempts      int
	MaxParseRetries        int // Stricter re-prompts after malformed output
	MaxLLMRetries          int // Backoff retries for unavailable/timed out model calls
	MaxSubquestions        int
	GeneratorConcurrency   int
	LLMCallTimeout         time.Duration
	DBCallTimeout          time.Duration
	RetryInitialInterval   time.Duration
	RetryMaxInterval       time.Duration
}

// DefaultLimits returns the limits used when a field is left at zero.
func DefaultLimits() Limits {
	return Limits{
		MaxSelectionIterations: 3,
		MaxRepairAttempts:      2,
		MaxParseRetries:        2,
		MaxLLMRetries:          3,
		MaxSubquestions:        4,
		GeneratorConcurrency:   4,
		LLMCallTimeout:         60 * time.Second,
		DBCallTimeout:          30 * time.Second,
		RetryInitialInterval:   500 * time.Millisecond,
		RetryMaxInterval:       10 * time.Second,
	}
}

func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.MaxSelectionIterations <= 0 {
		l.MaxSelectionIterations = d.MaxSelectionIterations
	}
	// Zero repair attempts is a valid setting.
	if l.MaxRepairAttempts < 0 {
		l.MaxRepairAttempts = d.MaxRepairAttempts
	}
	if l.MaxParseRetries < 0 {
		l.MaxParseRetries = d.MaxParseRetries
	}
	if l.MaxLLMRetries <= 0 {
		l.MaxLLMRetries = d.MaxLLMRetries
	}
	if l.MaxSubquestions <= 0 {
		l.MaxSubquestions = d.MaxSubquestions
	}
	if l.GeneratorConcurrency <= 0 {
		l.GeneratorConcurrency = d.GeneratorConcurrency
	}
	if l.LLMCallTimeout <= 0 {
		l.LLMCallTimeout = d.LLMCallTimeout
	}
	if l.DBCallTimeout <= 0 {
		l.DBCallTimeout = d.DBCallTimeout
	}
	if l.RetryInitialInterval <= 0 {
		l.RetryInitialInterval = d.RetryInitialInterval
	}
	if l.RetryMaxInterval <= 0 {
		l.RetryMaxInterval = d.RetryMaxInterval
	}
	return l
}

// CompleteOptions holds options for LLM completion.
type CompleteOptions struct {
	CacheSystemPrompt bool // Enable prompt caching for the system prompt
	MaxTokens         int64
}

// CompleteOption is a functional option for Complete.
type CompleteOption func(*CompleteOptions)

// WithCacheControl enables prompt caching for the system prompt.
// This marks the system prompt as cacheable, reducing costs for
// repeated calls with the same system prompt prefix.
func WithCacheControl() CompleteOption {
	return func(o *CompleteOptions) {
		o.CacheSystemPrompt = true
	}
}

// WithMaxTokens overrides the client's default output token budget.
func WithMaxTokens(n int64) CompleteOption {
	return func(o *CompleteOptions) {
		o.MaxTokens = n
	}
}

// ApplyCompleteOptions folds opts into a CompleteOptions value.
func ApplyCompleteOptions(opts ...CompleteOption) CompleteOptions {
	var o CompleteOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// LLMClient is the interface for interacting with an LLM.
type LLMClient interface {
	// Complete sends a prompt and returns the response text.
	// Options can be passed to control caching behavior.
	Complete(ctx context.Context, systemPrompt, userPrompt string, opts ...CompleteOption) (string, error)
}

// Catalog lists and describes the tables of the target database.
type Catalog interface {
	ListTables(ctx context.Context) ([]TableSummary, error)
	Describe(ctx context.Context, tables []string) ([]TableMetadata, error)
}

// Database is the target relational database: its catalog plus query execution.
type Database interface {
	Catalog

	// Execute runs a single SQL statement. A non-nil error carries the
	// database's message and drives the repair loop.
	Execute(ctx context.Context, sql string) (QueryResult, error)
}

// CheckpointStore persists state snapshots keyed by thread and step.
type CheckpointStore interface {
	Save(ctx context.Context, cp Checkpoint) error
	// LoadLatest returns nil when the thread has no checkpoints.
	LoadLatest(ctx context.Context, threadID string) (*Checkpoint, error)
	// LoadHistory returns checkpoints ordered by step.
	LoadHistory(ctx context.Context, threadID string) ([]Checkpoint, error)
}

// MemoryStore holds long-term free-text information per thread.
type MemoryStore interface {
	Get(ctx context.Context, threadID string) (string, bool, error)
	Put(ctx context.Context, threadID, text string) error
	Delete(ctx context.Context, threadID string) error
}

// ContextLibrary stores example contexts (annotated schema notes for past
// questions) and retrieves the ones most similar to a new question.
type ContextLibrary interface {
	Insert(ctx context.Context, question, context string) (string, error)
	Retrieve(ctx context.Context, question string, limit int) ([]ContextEntry, error)
	Delete(ctx context.Context, id string) error
}

// ContextEntry is one example context from the library.
type ContextEntry struct {
	ID        string    `json:"id"`
	Question  string    `json:"question"`
	Context   string    `json:"context"`
	Score     float64   `json:"score,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// PromptsProvider provides access to prompt templates.
type PromptsProvider interface {
	// GetPrompt returns the prompt content for the given name.
	GetPrompt(name string) string
}

// TableSummary is the lightweight catalog listing entry.
type TableSummary struct {
	Name    string `json:"name"`
	Comment string `json:"comment,omitempty"`
}

// TableMetadata describes one table for grounding SQL generation.
type TableMetadata struct {
	Name        string       `json:"name"`
	Comment     string       `json:"comment,omitempty"`
	Columns     []Column     `json:"columns"`
	ForeignKeys []ForeignKey `json:"foreign_keys,omitempty"`
}

// Column describes one table column.
type Column struct {
	Name         string   `json:"name"`
	Type         string   `json:"type"`
	PrimaryKey   bool     `json:"primary_key,omitempty"`
	Nullable     bool     `json:"nullable,omitempty"`
	Comment      string   `json:"comment,omitempty"`
	SampleValues []string `json:"sample_values,omitempty"`
}

// ForeignKey is a column reference to another table.
type ForeignKey struct {
	Column    string `json:"column"`
	RefTable  string `json:"ref_table"`
	RefColumn string `json:"ref_column"`
}

// QueryResult holds the result of a query execution.
type QueryResult struct {
	SQL     string
	Columns []string
	Rows    []map[string]any
	Count   int
	// Truncated is set when the database had more rows than the row cap.
	Truncated bool
}

// ProgressStage is the phase of a stage reported to OnStage.
type ProgressStage string

const (
	StageStarted   ProgressStage = "started"
	StageCompleted ProgressStage = "completed"
	StageFailed    ProgressStage = "failed"
)

// Progress is reported when a stage starts or completes.
type Progress struct {
	ThreadID string
	RunID    string
	Step     int
	Stage    Stage
	Phase    ProgressStage
	Duration time.Duration // Set on completion
	Outcome  string        // Predicate name of the transition taken
	Error    error
}

// ProgressCallback is called at each stage of workflow execution.
type ProgressCallback func(Progress)
