package catalog

import (
	"math"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestIsCategoricalType(t *testing.T) {
	t.Parallel()

	tests := []struct {
		typ  string
		want bool
	}{
		{"String", true},
		{"Nullable(String)", true},
		{"LowCardinality(String)", true},
		{"Enum8('a' = 1, 'b' = 2)", true},
		{"text", true},
		{"character varying(32)", true},
		{"TEXT", true},
		{"UInt64", false},
		{"DateTime", false},
		{"integer", false},
		{"timestamp with time zone", false},
	}
	for _, tt := range tests {
		t.Run(tt.typ, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, isCategoricalType(tt.typ))
		})
	}
}

func TestShouldSkipColumn(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"id", "customer_id", "placed_at", "Name", "contact_email", "uuid_v4"} {
		assert.True(t, shouldSkipColumn(name), name)
	}
	for _, name := range []string{"status", "tier", "region", "kind"} {
		assert.False(t, shouldSkipColumn(name), name)
	}
}

func TestKeepSamples(t *testing.T) {
	t.Parallel()

	assert.Nil(t, keepSamples(nil))
	assert.Equal(t, []string{"a", "b"}, keepSamples([]string{"a", "", "b"}))
	assert.Nil(t, keepSamples([]string{strings.Repeat("x", maxSampleValueLen+1)}))

	many := make([]string, maxSampleValues+1)
	for i := range many {
		many[i] = string(rune('a' + i))
	}
	assert.Nil(t, keepSamples(many), "high cardinality columns get no samples")
}

func TestToJSONSafe(t *testing.T) {
	t.Parallel()

	ts := time.Date(2023, 3, 1, 12, 0, 0, 0, time.FixedZone("x", 3600))
	id := uuid.MustParse("6f1c2d3e-4a5b-4c6d-8e9f-0a1b2c3d4e5f")
	f := 1.5
	var nilPtr *float64

	tests := []struct {
		name string
		in   any
		want any
	}{
		{"nil", nil, nil},
		{"nan", math.NaN(), nil},
		{"inf", float32(math.Inf(1)), nil},
		{"float", 2.5, 2.5},
		{"time", ts, "2023-03-01T11:00:00Z"},
		{"time pointer", &ts, "2023-03-01T11:00:00Z"},
		{"ip", net.ParseIP("10.0.0.1"), "10.0.0.1"},
		{"bytes", []byte("abc"), "abc"},
		{"uuid bytes", [16]byte(id), id.String()},
		{"pointer", &f, 1.5},
		{"nil pointer", nilPtr, nil},
		{"int", int64(7), int64(7)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, toJSONSafe(tt.in))
		})
	}
}

func TestQuoteIdent(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "`orders`", quoteIdent("orders", "`"))
	assert.Equal(t, `"we""ird"`, quoteIdent(`we"ird`, `"`))
}

func TestBackend_Dialect(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "ClickHouse", BackendClickHouse.Dialect())
	assert.Equal(t, "PostgreSQL", BackendPostgres.Dialect())
	assert.Equal(t, "SQLite", BackendSQLite.Dialect())
	assert.Empty(t, Backend("oracle").Dialect())
}
