package catalog

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/malbeclabs/sqlflow/agent/pkg/workflow"
)

// Postgres reads the catalog from pg_catalog and information_schema.
type Postgres struct {
	pool   *pgxpool.Pool
	schema string
	opts   Options
}

// NewPostgres wraps a pool. An empty schema means "public".
func NewPostgres(pool *pgxpool.Pool, schema string, opts Options) *Postgres {
	if schema == "" {
		schema = "public"
	}
	return &Postgres{pool: pool, schema: schema, opts: opts}
}

func (p *Postgres) ListTables(ctx context.Context) ([]workflow.TableSummary, error) {
	start := time.Now()
	rows, err := p.pool.Query(ctx, `
		SELECT c.relname, COALESCE(obj_description(c.oid, 'pg_class'), '')
		FROM pg_class c
		JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE n.nspname = $1
		  AND c.relkind IN ('r', 'v', 'm', 'p')
		  AND c.relname NOT LIKE 'goose_%'
		ORDER BY c.relname
	`, p.schema)
	p.opts.observe(BackendPostgres, start, err)
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

// Describe returns metadata for the named tables. Unknown tables are omitted.
func (p *Postgres) Describe(ctx context.Context, tables []string) ([]workflow.TableMetadata, error) {
	out := make([]workflow.TableMetadata, 0, len(tables))
	for _, name := range tables {
		meta, err := p.describeTable(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("failed to describe %s: %w", name, err)
		}
		if len(meta.Columns) > 0 {
			out = append(out, meta)
		}
	}
	return out, nil
}

func (p *Postgres) describeTable(ctx context.Context, table string) (workflow.TableMetadata, error) {
	meta := workflow.TableMetadata{Name: table}

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
		SELECT
			a.attname,
			format_type(a.atttypid, a.atttypmod),
			NOT a.attnotnull,
			COALESCE(col_description(a.attrelid, a.attnum), ''),
			EXISTS (
				SELECT 1 FROM pg_index i
				WHERE i.indrelid = a.attrelid AND i.indisprimary AND a.attnum = ANY(i.indkey)
			),
			COALESCE(obj_description(c.oid, 'pg_class'), ''),
			t.typtype = 'e'
		FROM pg_attribute a
		JOIN pg_class c ON c.oid = a.attrelid
		JOIN pg_namespace n ON n.oid = c.relnamespace
		JOIN pg_type t ON t.oid = a.atttypid
		WHERE n.nspname = $1 AND c.relname = $2 AND a.attnum > 0 AND NOT a.attisdropped
		ORDER BY a.attnum
	`, p.schema, table)
	p.opts.observe(BackendPostgres, start, err)
	if err != nil {
		return meta, err
	}
	var enums []bool
	for rows.Next() {
		var col workflow.Column
		var isEnum bool
		if err := rows.Scan(&col.Name, &col.Type, &col.Nullable, &col.Comment, &col.PrimaryKey, &meta.Comment, &isEnum); err != nil {
			rows.Close()
			return meta, err
		}
		meta.Columns = append(meta.Columns, col)
		enums = append(enums, isEnum)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return meta, err
	}
	if len(meta.Columns) == 0 {
		return meta, nil
	}

	fks, err := p.foreignKeys(ctx, table)
	if err != nil {
		return meta, err
	}
	meta.ForeignKeys = fks

	for i := range meta.Columns {
		col := &meta.Columns[i]
		typ := col.Type
		if enums[i] {
			typ = "enum"
		}
		if !wantSamples(p.opts, col.Name, typ) {
			continue
		}
		samples, err := p.columnSamples(ctx, table, col.Name)
		if err != nil {
			p.opts.logDebug("catalog: sample values unavailable", "table", table, "column", col.Name, "error", err)
			continue
		}
		col.SampleValues = keepSamples(samples)
	}
	return meta, nil
}

func (p *Postgres) foreignKeys(ctx context.Context, table string) ([]workflow.ForeignKey, error) {
	start := time.Now()
	rows, err := p.pool.Query(ctx, `
		SELECT kcu.column_name, ccu.table_name, ccu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
		  ON tc.constraint_name = kcu.constraint_name AND tc.table_schema = kcu.table_schema
		JOIN information_schema.constraint_column_usage ccu
		  ON ccu.constraint_name = tc.constraint_name AND ccu.table_schema = tc.table_schema
		WHERE tc.constraint_type = 'FOREIGN KEY'
		  AND tc.table_schema = $1
		  AND tc.table_name = $2
		ORDER BY kcu.ordinal_position
	`, p.schema, table)
	p.opts.observe(BackendPostgres, start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fks []workflow.ForeignKey
	for rows.Next() {
		var fk workflow.ForeignKey
		if err := rows.Scan(&fk.Column, &fk.RefTable, &fk.RefColumn); err != nil {
			return nil, err
		}
		fks = append(fks, fk)
	}
	return fks, rows.Err()
}

func (p *Postgres) columnSamples(ctx context.Context, table, column string) ([]string, error) {
	col := quoteIdent(column, `"`)
	query := fmt.Sprintf(`
		SELECT DISTINCT %s::text
		FROM %s.%s
		WHERE %s IS NOT NULL AND %s::text != ''
		LIMIT %d
	`, col, quoteIdent(p.schema, `"`), quoteIdent(table, `"`), col, col, sampleProbeLimit)

	start := time.Now()
	rows, err := p.pool.Query(ctx, query)
	p.opts.observe(BackendPostgres, start, err)
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

// Execute runs a single statement inside a read-only transaction.
func (p *Postgres) Execute(ctx context.Context, query string) (workflow.QueryResult, error) {
	query = cleanStatement(query)
	start := time.Now()
	res, err := p.execute(ctx, query)
	p.opts.observe(BackendPostgres, start, err)
	return res, err
}

func (p *Postgres) execute(ctx context.Context, query string) (workflow.QueryResult, error) {
	result := workflow.QueryResult{SQL: query}

	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return result, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()

	rows, err := tx.Query(ctx, query)
	if err != nil {
		return result, err
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	result.Columns = make([]string, len(fields))
	for i, f := range fields {
		result.Columns[i] = f.Name
	}

	limit := p.opts.maxRows()
	for rows.Next() {
		if len(result.Rows) >= limit {
			result.Truncated = true
			break
		}
		values, err := rows.Values()
		if err != nil {
			return result, fmt.Errorf("scan error: %w", err)
		}
		row := make(map[string]any, len(values))
		for i, v := range values {
			row[result.Columns[i]] = toJSONSafe(v)
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return result, err
	}
	result.Count = len(result.Rows)
	return result, nil
}
