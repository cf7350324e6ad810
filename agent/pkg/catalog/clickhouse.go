package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/malbeclabs/sqlflow/agent/pkg/workflow"
)

// ClickHouse reads the catalog from system tables and runs queries over the
// native protocol.
type ClickHouse struct {
	conn     driver.Conn
	database string
	opts     Options
}

// NewClickHouse wraps an open connection. An empty database means "default".
func NewClickHouse(conn driver.Conn, database string, opts Options) *ClickHouse {
	if database == "" {
		database = "default"
	}
	return &ClickHouse{conn: conn, database: database, opts: opts}
}

// ListTables returns tables and views of the database, skipping staging
// tables and the migration lock.
func (c *ClickHouse) ListTables(ctx context.Context) ([]workflow.TableSummary, error) {
	start := time.Now()
	rows, err := c.conn.Query(ctx, `
		SELECT
			name,
			comment
		FROM system.tables
		WHERE database = $1
		  AND NOT is_temporary
		  AND name NOT LIKE 'stg_%'
		  AND name != '_env_lock'
		ORDER BY name
	`, c.database)
	c.opts.observe(BackendClickHouse, start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	defer rows.Close()

	var tables []workflow.TableSummary
	for rows.Next() {
		var t workflow.TableSummary
		if err := rows.Scan(&t.Name, &t.Comment); err != nil {
			return nil, fmt.Errorf("failed to scan table: %w", err)
		}
		tables = append(tables, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	return tables, nil
}

// Describe returns metadata for the named tables. Unknown tables are
// omitted. ClickHouse has no foreign keys, so only sorting-key membership
// is reported as PrimaryKey.
func (c *ClickHouse) Describe(ctx context.Context, tables []string) ([]workflow.TableMetadata, error) {
	out := make([]workflow.TableMetadata, 0, len(tables))
	for _, name := range tables {
		meta, ok, err := c.describeTable(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("failed to describe %s: %w", name, err)
		}
		if ok {
			out = append(out, meta)
		}
	}
	return out, nil
}

func (c *ClickHouse) describeTable(ctx context.Context, table string) (workflow.TableMetadata, bool, error) {
	meta := workflow.TableMetadata{Name: table}

	start := time.Now()
	row := c.conn.QueryRow(ctx, `
		SELECT comment, engine
		FROM system.tables
		WHERE database = $1 AND name = $2
	`, c.database, table)
	var engine string
	err := row.Scan(&meta.Comment, &engine)
	c.opts.observe(BackendClickHouse, start, err)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return meta, false, nil
		}
		return meta, false, err
	}

	start = time.Now()
	rows, err := c.conn.Query(ctx, `
		SELECT
			name,
			type,
			comment,
			is_in_primary_key
		FROM system.columns
		WHERE database = $1 AND table = $2
		ORDER BY position
	`, c.database, table)
	c.opts.observe(BackendClickHouse, start, err)
	if err != nil {
		return meta, false, err
	}
	defer rows.Close()

	for rows.Next() {
		var col workflow.Column
		var inPK uint8
		if err := rows.Scan(&col.Name, &col.Type, &col.Comment, &inPK); err != nil {
			return meta, false, err
		}
		col.PrimaryKey = inPK == 1
		col.Nullable = strings.HasPrefix(col.Type, "Nullable(")
		meta.Columns = append(meta.Columns, col)
	}
	if err := rows.Err(); err != nil {
		return meta, false, err
	}

	// Views can be expensive to scan, so they get no samples.
	if engine != "View" {
		for i := range meta.Columns {
			col := &meta.Columns[i]
			if !wantSamples(c.opts, col.Name, col.Type) {
				continue
			}
			samples, err := c.columnSamples(ctx, table, col.Name)
			if err != nil {
				c.opts.logDebug("catalog: sample values unavailable", "table", table, "column", col.Name, "error", err)
				continue
			}
			col.SampleValues = keepSamples(samples)
		}
	}
	return meta, true, nil
}

// columnSamples returns distinct values for a column.
func (c *ClickHouse) columnSamples(ctx context.Context, table, column string) ([]string, error) {
	col := quoteIdent(column, "`")
	query := fmt.Sprintf(`
		SELECT DISTINCT toString(%s)
		FROM %s.%s
		WHERE %s IS NOT NULL AND toString(%s) != ''
		LIMIT %d
	`, col, quoteIdent(c.database, "`"), quoteIdent(table, "`"), col, col, sampleProbeLimit)

	start := time.Now()
	rows, err := c.conn.Query(ctx, query)
	c.opts.observe(BackendClickHouse, start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var samples []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		samples = append(samples, s)
	}
	return samples, rows.Err()
}

// Execute runs a single statement and returns its rows as JSON-safe maps.
func (c *ClickHouse) Execute(ctx context.Context, query string) (workflow.QueryResult, error) {
	query = cleanStatement(query)

	// readonly=2 rejects writes and DDL but still allows per-query settings.
	ctx = clickhouse.Context(ctx, clickhouse.WithSettings(clickhouse.Settings{"readonly": 2}))

	start := time.Now()
	rows, err := c.conn.Query(ctx, query)
	if err != nil {
		c.opts.observe(BackendClickHouse, start, err)
		return workflow.QueryResult{SQL: query}, err
	}
	defer rows.Close()

	columnTypes := rows.ColumnTypes()
	columns := make([]string, len(columnTypes))
	for i, ct := range columnTypes {
		columns[i] = ct.Name()
	}

	limit := c.opts.maxRows()
	var resultRows []map[string]any
	var truncated bool
	for rows.Next() {
		if len(resultRows) >= limit {
			truncated = true
			break
		}
		// Create properly typed values based on column types
		values := make([]any, len(columnTypes))
		for i, ct := range columnTypes {
			values[i] = reflect.New(ct.ScanType()).Interface()
		}
		if err := rows.Scan(values...); err != nil {
			err = fmt.Errorf("scan error: %w", err)
			c.opts.observe(BackendClickHouse, start, err)
			return workflow.QueryResult{SQL: query}, err
		}

		row := make(map[string]any, len(columns))
		for i, col := range columns {
			row[col] = toJSONSafe(reflect.ValueOf(values[i]).Elem().Interface())
		}
		resultRows = append(resultRows, row)
	}
	err = rows.Err()
	c.opts.observe(BackendClickHouse, start, err)
	if err != nil {
		return workflow.QueryResult{SQL: query}, err
	}

	return workflow.QueryResult{
		SQL:       query,
		Columns:   columns,
		Rows:      resultRows,
		Count:     len(resultRows),
		Truncated: truncated,
	}, nil
}
