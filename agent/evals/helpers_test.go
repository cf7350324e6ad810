//go:build evals

package evals_test

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/joho/godotenv"
	"github.com/malbeclabs/sqlflow/agent/pkg/catalog"
	"github.com/malbeclabs/sqlflow/agent/pkg/llm"
	"github.com/malbeclabs/sqlflow/agent/pkg/store/memory"
	"github.com/malbeclabs/sqlflow/agent/pkg/workflow"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func init() {
	possiblePaths := []string{".env", filepath.Join("..", "..", ".env")}

	for _, path := range possiblePaths {
		if err := godotenv.Load(path); err == nil {
			break
		}
	}
}

func requireAPIKey(t *testing.T) {
	t.Helper()
	if os.Getenv("ANTHROPIC_API_KEY") == "" {
		t.Skip("ANTHROPIC_API_KEY not set, skipping eval test")
	}
}

func testLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// getDebugLevel parses the DEBUG environment variable
func getDebugLevel() (int, bool) {
	debugLevel := 0
	switch os.Getenv("DEBUG") {
	case "1", "true", "TRUE":
		debugLevel = 1
	case "2":
		debugLevel = 2
	}
	return debugLevel, debugLevel > 0
}

// shopSchema is a small retail dataset. Values are fixed so expectations can
// name exact answers.
const shopSchema = `
CREATE TABLE customers (
	id INTEGER PRIMARY KEY,
	name TEXT NOT NULL,
	country TEXT NOT NULL,
	signed_up_at TEXT NOT NULL
);
CREATE TABLE products (
	id INTEGER PRIMARY KEY,
	name TEXT NOT NULL,
	category TEXT NOT NULL,
	price REAL NOT NULL
);
CREATE TABLE orders (
	id INTEGER PRIMARY KEY,
	customer_id INTEGER NOT NULL REFERENCES customers(id),
	placed_at TEXT NOT NULL,
	status TEXT NOT NULL
);
CREATE TABLE order_items (
	order_id INTEGER NOT NULL REFERENCES orders(id),
	product_id INTEGER NOT NULL REFERENCES products(id),
	quantity INTEGER NOT NULL
);
INSERT INTO customers VALUES
	(1, 'Ada', 'UK', '2022-01-10'),
	(2, 'Grace', 'US', '2022-03-02'),
	(3, 'Linus', 'FI', '2023-06-15'),
	(4, 'Margaret', 'US', '2023-09-01');
INSERT INTO products VALUES
	(1, 'Espresso Beans', 'coffee', 18.0),
	(2, 'Pour Over Kit', 'equipment', 45.0),
	(3, 'Decaf Beans', 'coffee', 16.0),
	(4, 'Grinder', 'equipment', 120.0);
INSERT INTO orders VALUES
	(1, 1, '2023-01-05', 'shipped'),
	(2, 2, '2023-02-11', 'shipped'),
	(3, 2, '2023-07-19', 'cancelled'),
	(4, 3, '2023-08-01', 'shipped'),
	(5, 4, '2024-01-03', 'shipped'),
	(6, 1, '2024-02-14', 'pending');
INSERT INTO order_items VALUES
	(1, 1, 2),
	(2, 2, 1),
	(2, 1, 1),
	(3, 4, 1),
	(4, 3, 3),
	(5, 4, 1),
	(6, 1, 1);
`

// newShopEngine returns an engine answering from a fresh copy of the shop
// dataset, backed by in-memory stores.
func newShopEngine(t *testing.T) *workflow.Engine {
	t.Helper()
	_, debug := getDebugLevel()
	log := testLogger(debug)

	path := filepath.Join(t.TempDir(), "shop.db")
	seed, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	for _, stmt := range strings.Split(shopSchema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		_, err := seed.Exec(stmt)
		require.NoError(t, err, "seed statement: %s", stmt)
	}
	require.NoError(t, seed.Close())

	target, err := catalog.OpenSQLite(path, catalog.Options{Logger: log, SampleValues: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = target.Close() })

	client, err := llm.New(llm.Config{
		Provider:  llm.ProviderAnthropic,
		Model:     string(anthropic.ModelClaudeHaiku4_5),
		MaxTokens: 4096,
		Name:      "workflow-eval",
		Logger:    log,
	})
	require.NoError(t, err)

	prompts, err := workflow.LoadPrompts()
	require.NoError(t, err)

	engine, err := workflow.New(workflow.Config{
		Logger:      log,
		LLM:         client,
		Database:    target,
		Checkpoints: memory.NewCheckpointStore(),
		Memory:      memory.NewMemoryStore(),
		Contexts:    memory.NewContextLibrary(),
		Prompts:     prompts,
		Limits:      workflow.DefaultLimits(),
		Dialect:     catalog.BackendSQLite.Dialect(),
	})
	require.NoError(t, err)
	t.Cleanup(engine.Close)
	return engine
}

// Expectation represents a specific expectation for the evaluator to check
type Expectation struct {
	// Description describes what should be present (e.g., "the number of shipped orders")
	Description string
	// ExpectedValue is the expected value (e.g., "4")
	ExpectedValue string
	// Rationale explains why this value is expected (optional, helps the validator understand the context)
	Rationale string
}

// evaluateResponse asks Haiku whether the response answers the question and
// meets every expectation.
func evaluateResponse(t *testing.T, ctx context.Context, question, response string, expectations ...Expectation) (bool, error) {
	var expectationsSection string
	if len(expectations) > 0 {
		lines := make([]string, 0, len(expectations))
		for i, exp := range expectations {
			line := fmt.Sprintf("%d. %s: %s", i+1, exp.Description, exp.ExpectedValue)
			if exp.Rationale != "" {
				line += fmt.Sprintf(" (%s)", exp.Rationale)
			}
			lines = append(lines, line)
		}
		expectationsSection = fmt.Sprintf(`
CRITICAL - Expectations to verify (ALL must be present):
%s

If ALL expectations are met, respond with "YES" even if the response contains additional relevant information.
Only respond with "NO" if one or more expectations are NOT met.
`, strings.Join(lines, "\n"))
	}

	// Include the current date so recent dates aren't judged as future dates.
	currentDate := time.Now().UTC().Format("January 2, 2006")
	evalPrompt := fmt.Sprintf(`You are evaluating whether an assistant's response correctly answers a user's question about a database.

Current date: %s

Question: %s

Response:
%s
%s
IMPORTANT:
- The expectations above define the CORRECT values for the test data. Do NOT fact-check against external knowledge.
- Additional relevant detail beyond the expectations is ACCEPTABLE.

Respond with only "YES" or "NO" followed by a brief explanation.`, currentDate, question, response, expectationsSection)

	evaluator, err := llm.New(llm.Config{
		Provider:  llm.ProviderAnthropic,
		Model:     string(anthropic.ModelClaudeHaiku4_5),
		MaxTokens: 1024,
		Name:      "eval",
	})
	if err != nil {
		return false, err
	}
	verdict, err := evaluator.Complete(ctx, "You are a test evaluator. Respond with YES or NO followed by a brief explanation.", evalPrompt)
	if err != nil {
		return false, fmt.Errorf("evaluation API call failed: %w", err)
	}

	verdict = strings.TrimSpace(verdict)
	upper := strings.ToUpper(verdict)
	switch {
	case strings.HasPrefix(upper, "YES"):
		t.Logf("Evaluation (PASS): %s", strings.TrimLeft(verdict[3:], ":-\t "))
		return true, nil
	case strings.HasPrefix(upper, "NO"):
		t.Logf("Evaluation (FAIL): %s", strings.TrimLeft(verdict[2:], ":-\t "))
		return false, nil
	}
	t.Logf("Evaluation response was unclear: %s", verdict)
	return false, nil
}

// requireAnswer runs question on thread and checks the answer with the evaluator.
func requireAnswer(t *testing.T, ctx context.Context, engine *workflow.Engine, thread, question string, expectations ...Expectation) *workflow.FinalAnswer {
	t.Helper()
	answer, err := engine.Run(ctx, thread, question)
	require.NoError(t, err)
	require.NotNil(t, answer)

	debugLevel, debug := getDebugLevel()
	if debug {
		t.Logf("outcome=%s tables=%v", answer.Outcome, answer.TablesUsed)
		if debugLevel > 1 {
			for _, q := range answer.SQL {
				t.Logf("sql: %s", q)
			}
		}
		t.Logf("answer:\n%s", answer.Answer)
	}

	ok, err := evaluateResponse(t, ctx, question, answer.Answer, expectations...)
	require.NoError(t, err)
	require.True(t, ok, "evaluator rejected the answer to %q", question)
	return answer
}
