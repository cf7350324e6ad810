package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/malbeclabs/sqlflow/agent/pkg/workflow"
	_ "modernc.org/sqlite"
)

// SQLite reads the catalog from sqlite_master and table pragmas.
type SQLite struct {
	db   *sql.DB
	opts Options
}

// OpenSQLite opens the database file at path in query-only mode. Pass
// "file::memory:?cache=shared" for an in-memory database shared across
// connections.
func OpenSQLite(path string, opts Options) (*SQLite, error) {
	db, err := sql.Open("sqlite", readOnlyDSN(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to configure sqlite database: %w", err)
	}
	return NewSQLite(db, opts), nil
}

// readOnlyDSN applies the pragmas to every connection the pool opens.
func readOnlyDSN(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_pragma=busy_timeout(5000)&_pragma=query_only(1)"
}

// NewSQLite wraps an open handle. Connections used by Execute are switched to
// query-only before the statement runs.
func NewSQLite(db *sql.DB, opts Options) *SQLite {
	return &SQLite{db: db, opts: opts}
}

// DB returns the underlying handle.
func (s *SQLite) DB() *sql.DB { return s.db }

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) ListTables(ctx context.Context) ([]workflow.TableSummary, error) {
	start := time.Now()
	rows, err := s.db.QueryContext(ctx, `
		SELECT name
		FROM sqlite_master
		WHERE type IN ('table', 'view')
		  AND name NOT LIKE 'sqlite_%'
		  AND name NOT LIKE 'goose_%'
		ORDER BY name
	`)
	s.opts.observe(BackendSQLite, start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	defer rows.Close()

	var tables []workflow.TableSummary
	for rows.Next() {
		var t workflow.TableSummary
		if err := rows.Scan(&t.Name); err != nil {
			return nil, fmt.Errorf("failed to scan table: %w", err)
		}
		tables = append(tables, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	return tables, nil
}

// Describe returns metadata for the named tables. Unknown tables are omitted.
func (s *SQLite) Describe(ctx context.Context, tables []string) ([]workflow.TableMetadata, error) {
	out := make([]workflow.TableMetadata, 0, len(tables))
	for _, name := range tables {
		meta, err := s.describeTable(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("failed to describe %s: %w", name, err)
		}
		if len(meta.Columns) > 0 {
			out = append(out, meta)
		}
	}
	return out, nil
}

func (s *SQLite) describeTable(ctx context.Context, table string) (workflow.TableMetadata, error) {
	meta := workflow.TableMetadata{Name: table}

	start := time.Now()
	rows, err := s.db.QueryContext(ctx, `SELECT name, type, "notnull", pk FROM pragma_table_info(?)`, table)
	s.opts.observe(BackendSQLite, start, err)
	if err != nil {
		return meta, err
	}
	for rows.Next() {
		var col workflow.Column
		var notNull, pk int
		if err := rows.Scan(&col.Name, &col.Type, &notNull, &pk); err != nil {
			rows.Close()
			return meta, err
		}
		col.Nullable = notNull == 0 && pk == 0
		col.PrimaryKey = pk > 0
		meta.Columns = append(meta.Columns, col)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return meta, err
	}
	if len(meta.Columns) == 0 {
		return meta, nil
	}

	start = time.Now()
	fkRows, err := s.db.QueryContext(ctx, `SELECT "from", "table", COALESCE("to", '') FROM pragma_foreign_key_list(?) ORDER BY id, seq`, table)
	s.opts.observe(BackendSQLite, start, err)
	if err != nil {
		return meta, err
	}
	for fkRows.Next() {
		var fk workflow.ForeignKey
		if err := fkRows.Scan(&fk.Column, &fk.RefTable, &fk.RefColumn); err != nil {
			fkRows.Close()
			return meta, err
		}
		meta.ForeignKeys = append(meta.ForeignKeys, fk)
	}
	fkRows.Close()
	if err := fkRows.Err(); err != nil {
		return meta, err
	}

	for i := range meta.Columns {
		col := &meta.Columns[i]
		if !wantSamples(s.opts, col.Name, col.Type) {
			continue
		}
		samples, err := s.columnSamples(ctx, table, col.Name)
		if err != nil {
			s.opts.logDebug("catalog: sample values unavailable", "table", table, "column", col.Name, "error", err)
			continue
		}
		col.SampleValues = keepSamples(samples)
	}
	return meta, nil
}

func (s *SQLite) columnSamples(ctx context.Context, table, column string) ([]string, error) {
	col := quoteIdent(column, `"`)
	query := fmt.Sprintf(`
		SELECT DISTINCT CAST(%s AS TEXT)
		FROM %s
		WHERE %s IS NOT NULL AND CAST(%s AS TEXT) != ''
		LIMIT %d
	`, col, quoteIdent(table, `"`), col, col, sampleProbeLimit)

	start := time.Now()
	rows, err := s.db.QueryContext(ctx, query)
	s.opts.observe(BackendSQLite, start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var samples []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		samples = append(samples, v)
	}
	return samples, rows.Err()
}

// Execute runs a single read statement. Statements that do not start with a
// read keyword are rejected before they reach the driver; anything else that
// tries to write (a CTE wrapping DELETE, say) fails in SQLite itself.
func (s *SQLite) Execute(ctx context.Context, query string) (workflow.QueryResult, error) {
	query = cleanStatement(query)
	start := time.Now()
	res, err := s.execute(ctx, query)
	s.opts.observe(BackendSQLite, start, err)
	return res, err
}

func (s *SQLite) execute(ctx context.Context, query string) (workflow.QueryResult, error) {
	result := workflow.QueryResult{SQL: query}
	if !isReadStatement(query) {
		return result, fmt.Errorf("only SELECT statements can be executed")
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return result, err
	}
	defer conn.Close()
	if _, err := conn.ExecContext(ctx, "PRAGMA query_only = ON"); err != nil {
		return result, fmt.Errorf("failed to set query_only: %w", err)
	}

	rows, err := conn.QueryContext(ctx, query)
	if err != nil {
		return result, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return result, err
	}
	result.Columns = columns

	limit := s.opts.maxRows()
	for rows.Next() {
		if len(result.Rows) >= limit {
			result.Truncated = true
			break
		}
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return result, fmt.Errorf("scan error: %w", err)
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			row[col] = toJSONSafe(values[i])
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return result, err
	}
	result.Count = len(result.Rows)
	return result, nil
}

func isReadStatement(query string) bool {
	fields := strings.Fields(strings.ToUpper(query))
	if len(fields) == 0 {
		return false
	}
	switch fields[0] {
	case "SELECT", "WITH", "VALUES", "EXPLAIN":
		return true
	}
	return false
}
