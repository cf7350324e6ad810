// Package config reads the service configuration from the environment and
// holds the process-wide database handles.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/malbeclabs/sqlflow/agent/pkg/catalog"
	"github.com/malbeclabs/sqlflow/agent/pkg/llm"
	"github.com/malbeclabs/sqlflow/agent/pkg/workflow"
)

// Store kinds for checkpoints, thread memory and the context library.
const (
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
	StoreMemory   = "memory"
)

// Config is the service configuration.
type Config struct {
	// Target database the questions are answered from.
	Target           catalog.Backend
	ClickHouse       CHConfig
	TargetPostgres   string // Connection URL
	TargetPgSchema   string
	TargetSQLitePath string
	SampleValues     bool
	MaxRows          int
	CatalogCacheTTL  time.Duration

	// Workflow persistence.
	Store          string
	Postgres       PgConfig
	SQLitePath     string
	RedisAddr      string // Thread memory goes to Redis when set
	RedisPassword  string
	RedisDB        int
	RedisMemoryTTL time.Duration

	LLM                 llm.Config
	Limits              workflow.Limits
	EnableVisualization bool

	AuthSecret string
}

// CHConfig holds the ClickHouse configuration
type CHConfig struct {
	Addr     string
	Database string
	Username string
	Password string
	Secure   bool
}

// PgConfig holds the PostgreSQL configuration
type PgConfig struct {
	Host     string
	Port     string
	Database string
	Username string
	Password string
}

// URL returns the connection string.
func (c PgConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", c.Username, c.Password, c.Host, c.Port, c.Database)
}

// FromEnv reads the configuration from environment variables.
func FromEnv() (Config, error) {
	var cfg Config
	var err error

	cfg.Target = catalog.Backend(strings.ToLower(getenv("TARGET_DB", string(catalog.BackendClickHouse))))
	if cfg.Target.Dialect() == "" {
		return cfg, fmt.Errorf("unknown TARGET_DB %q", cfg.Target)
	}
	cfg.ClickHouse = CHConfig{
		Addr:     getenv("CLICKHOUSE_ADDR_TCP", "localhost:9000"),
		Database: getenv("CLICKHOUSE_DATABASE", "default"),
		Username: getenv("CLICKHOUSE_USERNAME", "default"),
		Password: os.Getenv("CLICKHOUSE_PASSWORD"),
		Secure:   os.Getenv("CLICKHOUSE_SECURE") == "true",
	}
	cfg.TargetPostgres = os.Getenv("TARGET_POSTGRES_URL")
	cfg.TargetPgSchema = getenv("TARGET_POSTGRES_SCHEMA", "public")
	cfg.TargetSQLitePath = os.Getenv("TARGET_SQLITE_PATH")
	if cfg.Target == catalog.BackendPostgres && cfg.TargetPostgres == "" {
		return cfg, fmt.Errorf("TARGET_POSTGRES_URL is required when TARGET_DB is postgres")
	}
	if cfg.Target == catalog.BackendSQLite && cfg.TargetSQLitePath == "" {
		return cfg, fmt.Errorf("TARGET_SQLITE_PATH is required when TARGET_DB is sqlite")
	}
	if cfg.SampleValues, err = getbool("CATALOG_SAMPLE_VALUES", true); err != nil {
		return cfg, err
	}
	if cfg.MaxRows, err = getint("MAX_RESULT_ROWS", catalog.DefaultMaxRows); err != nil {
		return cfg, err
	}
	if cfg.CatalogCacheTTL, err = getduration("CATALOG_CACHE_TTL", catalog.DefaultCacheTTL); err != nil {
		return cfg, err
	}

	cfg.Store = strings.ToLower(getenv("STORE", StoreSQLite))
	switch cfg.Store {
	case StorePostgres, StoreSQLite, StoreMemory:
	default:
		return cfg, fmt.Errorf("unknown STORE %q", cfg.Store)
	}
	cfg.Postgres = PgConfig{
		Host:     getenv("POSTGRES_HOST", "localhost"),
		Port:     getenv("POSTGRES_PORT", "5432"),
		Database: getenv("POSTGRES_DB", "sqlflow"),
		Username: getenv("POSTGRES_USER", "sqlflow"),
		Password: getenv("POSTGRES_PASSWORD", "sqlflow"),
	}
	cfg.SQLitePath = getenv("SQLITE_PATH", "data/sqlflow.db")
	cfg.RedisAddr = os.Getenv("REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	if cfg.RedisDB, err = getint("REDIS_DB", 0); err != nil {
		return cfg, err
	}
	if cfg.RedisMemoryTTL, err = getduration("REDIS_MEMORY_TTL", 0); err != nil {
		return cfg, err
	}

	cfg.LLM = llm.Config{
		Provider: llm.Provider(strings.ToLower(getenv("LLM_PROVIDER", string(llm.ProviderAnthropic)))),
		Model:    os.Getenv("LLM_MODEL"),
		APIKey:   os.Getenv("LLM_API_KEY"),
		BaseURL:  os.Getenv("LLM_BASE_URL"),
	}
	maxTokens, err := getint("LLM_MAX_TOKENS", 0)
	if err != nil {
		return cfg, err
	}
	cfg.LLM.MaxTokens = int64(maxTokens)

	if cfg.Limits, err = limitsFromEnv(); err != nil {
		return cfg, err
	}
	if cfg.EnableVisualization, err = getbool("ENABLE_VISUALIZATION", true); err != nil {
		return cfg, err
	}
	cfg.AuthSecret = os.Getenv("AUTH_SECRET")
	return cfg, nil
}

// limitsFromEnv reads workflow limits; unset values keep the engine defaults.
func limitsFromEnv() (workflow.Limits, error) {
	d := workflow.DefaultLimits()
	var l workflow.Limits
	var err error
	ints := []struct {
		key string
		dst *int
		def int
	}{
		{"MAX_SELECTION_ITERATIONS", &l.MaxSelectionIterations, d.MaxSelectionIterations},
		{"MAX_REPAIR_ATTEMPTS", &l.MaxRepairAttempts, d.MaxRepairAttempts},
		{"MAX_PARSE_RETRIES", &l.MaxParseRetries, d.MaxParseRetries},
		{"LLM_MAX_RETRIES", &l.MaxLLMRetries, d.MaxLLMRetries},
		{"MAX_SUBQUESTIONS", &l.MaxSubquestions, d.MaxSubquestions},
		{"GENERATOR_CONCURRENCY", &l.GeneratorConcurrency, d.GeneratorConcurrency},
	}
	for _, v := range ints {
		if *v.dst, err = getint(v.key, v.def); err != nil {
			return l, err
		}
	}
	durations := []struct {
		key string
		dst *time.Duration
		def time.Duration
	}{
		{"LLM_CALL_TIMEOUT", &l.LLMCallTimeout, d.LLMCallTimeout},
		{"DB_CALL_TIMEOUT", &l.DBCallTimeout, d.DBCallTimeout},
		{"LLM_RETRY_INITIAL_INTERVAL", &l.RetryInitialInterval, d.RetryInitialInterval},
		{"LLM_RETRY_MAX_INTERVAL", &l.RetryMaxInterval, d.RetryMaxInterval},
	}
	for _, v := range durations {
		if *v.dst, err = getduration(v.key, v.def); err != nil {
			return l, err
		}
	}
	if l.MaxRepairAttempts < 0 {
		return l, fmt.Errorf("MAX_REPAIR_ATTEMPTS must not be negative")
	}
	return l, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getint(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getduration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func getbool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}
