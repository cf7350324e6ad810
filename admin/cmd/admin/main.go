package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/malbeclabs/sqlflow/admin/internal/admin"
	"github.com/malbeclabs/sqlflow/api/config"
	"github.com/malbeclabs/sqlflow/utils/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")

	// Store configuration
	storeFlag := flag.String("store", config.StoreSQLite, "store backend: postgres or sqlite (or set STORE env var)")
	sqlitePathFlag := flag.String("sqlite-path", "data/sqlflow.db", "SQLite store path (or set SQLITE_PATH env var)")

	// Commands
	migrateFlag := flag.Bool("migrate", false, "Run store migrations using goose")
	migrateStatusFlag := flag.Bool("migrate-status", false, "Show store migration status")
	threadsFlag := flag.Int("threads", 0, "List the N most recently updated threads")
	historyFlag := flag.String("history", "", "Print the checkpoint history of a thread")
	jsonFlag := flag.Bool("json", false, "Print --history as JSON lines")
	insertContextFlag := flag.String("insert-context", "", "Add an example context for the given question (context text from --context-file)")
	contextFileFlag := flag.String("context-file", "", "File holding the context text for --insert-context (- for stdin)")
	deleteContextFlag := flag.String("delete-context", "", "Delete the example context with the given ID")
	searchContextFlag := flag.String("search-context", "", "List the example contexts most similar to a question")

	flag.Parse()

	log := logger.New(*verboseFlag)

	// Override store flags with environment variables if set
	if envStore := os.Getenv("STORE"); envStore != "" {
		*storeFlag = envStore
	}
	if envSQLitePath := os.Getenv("SQLITE_PATH"); envSQLitePath != "" {
		*sqlitePathFlag = envSQLitePath
	}

	ctx := context.Background()

	var s *admin.Store
	switch *storeFlag {
	case config.StorePostgres:
		pg := config.PgConfig{
			Host:     getenv("POSTGRES_HOST", "localhost"),
			Port:     getenv("POSTGRES_PORT", "5432"),
			Database: getenv("POSTGRES_DB", "sqlflow"),
			Username: getenv("POSTGRES_USER", "sqlflow"),
			Password: getenv("POSTGRES_PASSWORD", "sqlflow"),
		}
		pool, err := pgxpool.New(ctx, pg.URL())
		if err != nil {
			return fmt.Errorf("failed to connect to postgres: %w", err)
		}
		defer pool.Close()
		s = admin.NewPostgresStore(log, pool)
	case config.StoreSQLite:
		// Opened directly so --migrate-status reports pending migrations
		// instead of applying them.
		db, err := sql.Open("sqlite", *sqlitePathFlag)
		if err != nil {
			return fmt.Errorf("failed to open sqlite store: %w", err)
		}
		defer db.Close()
		s = admin.NewSQLiteStore(log, db)
	default:
		return fmt.Errorf("unsupported store %q", *storeFlag)
	}

	// Execute commands
	switch {
	case *migrateFlag:
		return s.Migrate(ctx)

	case *migrateStatusFlag:
		return s.MigrationStatus(ctx)

	case *threadsFlag > 0:
		return s.ListThreads(ctx, os.Stdout, *threadsFlag)

	case *historyFlag != "":
		return s.PrintHistory(ctx, os.Stdout, *historyFlag, *jsonFlag)

	case *insertContextFlag != "":
		if *contextFileFlag == "" {
			return fmt.Errorf("--context-file is required for --insert-context")
		}
		text, err := readContext(*contextFileFlag)
		if err != nil {
			return err
		}
		id, err := s.InsertContext(ctx, *insertContextFlag, text)
		if err != nil {
			return err
		}
		fmt.Println(id)
		return nil

	case *deleteContextFlag != "":
		return s.DeleteContext(ctx, *deleteContextFlag)

	case *searchContextFlag != "":
		return s.SearchContexts(ctx, os.Stdout, *searchContextFlag, 5)
	}

	flag.Usage()
	return nil
}

func readContext(path string) (string, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read context: %w", err)
	}
	return string(data), nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
