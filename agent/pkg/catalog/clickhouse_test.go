package catalog_test

import (
	"testing"
	"time"

	"github.com/malbeclabs/sqlflow/agent/pkg/catalog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClickHouseCatalog(t *testing.T) *catalog.ClickHouse {
	t.Helper()
	requireClickHouse(t)
	ctx := t.Context()
	conn, database := testChDB.NewTestDatabase(t)

	require.NoError(t, conn.Exec(ctx, `
		CREATE TABLE orders (
			id UInt64,
			placed_at DateTime,
			status LowCardinality(String),
			amount Float64,
			note Nullable(String)
		) ENGINE = MergeTree ORDER BY id
		COMMENT 'Customer orders'
	`))
	require.NoError(t, conn.Exec(ctx, `CREATE TABLE stg_orders (id UInt64) ENGINE = Memory`))
	require.NoError(t, conn.Exec(ctx, `
		INSERT INTO orders VALUES
			(1, '2023-01-05 10:00:00', 'shipped', 10.5, NULL),
			(2, '2023-02-05 10:00:00', 'pending', 20, 'gift'),
			(3, '2024-01-05 10:00:00', 'shipped', 5, NULL)
	`))

	return catalog.NewClickHouse(conn, database, catalog.Options{SampleValues: true})
}

func TestClickHouse_ListTables(t *testing.T) {
	t.Parallel()
	c := newClickHouseCatalog(t)

	tables, err := c.ListTables(t.Context())
	require.NoError(t, err)
	require.Len(t, tables, 1)
	assert.Equal(t, "orders", tables[0].Name)
	assert.Equal(t, "Customer orders", tables[0].Comment)
}

func TestClickHouse_Describe(t *testing.T) {
	t.Parallel()
	c := newClickHouseCatalog(t)

	metas, err := c.Describe(t.Context(), []string{"orders", "missing"})
	require.NoError(t, err)
	require.Len(t, metas, 1)

	cols := metas[0].Columns
	require.Len(t, cols, 5)
	assert.Equal(t, "id", cols[0].Name)
	assert.True(t, cols[0].PrimaryKey)
	assert.Equal(t, "LowCardinality(String)", cols[2].Type)
	assert.ElementsMatch(t, []string{"shipped", "pending"}, cols[2].SampleValues)
	assert.True(t, cols[4].Nullable)
	assert.Empty(t, cols[1].SampleValues)
}

func TestClickHouse_Execute(t *testing.T) {
	t.Parallel()
	c := newClickHouseCatalog(t)
	ctx := t.Context()

	res, err := c.Execute(ctx, "SELECT count() AS n FROM orders WHERE toYear(placed_at) = 2023;")
	require.NoError(t, err)
	assert.Equal(t, []string{"n"}, res.Columns)
	require.Equal(t, 1, res.Count)
	assert.Equal(t, uint64(2), res.Rows[0]["n"])

	res, err = c.Execute(ctx, "SELECT placed_at FROM orders ORDER BY id LIMIT 1")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2023, 1, 5, 10, 0, 0, 0, time.UTC).Format(time.RFC3339), res.Rows[0]["placed_at"])

	_, err = c.Execute(ctx, "SELECT placed_on FROM orders")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "placed_on")
}
