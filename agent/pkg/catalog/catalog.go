// Package catalog implements workflow.Database for the supported target
// databases. Each backend lists tables, describes them with column types,
// keys, and sample values for categorical columns, and executes SQL.
package catalog

import (
	"fmt"
	"log/slog"
	"math"
	"net"
	"reflect"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
)

// Backend names a target database kind.
type Backend string

const (
	BackendClickHouse Backend = "clickhouse"
	BackendPostgres   Backend = "postgres"
	BackendSQLite     Backend = "sqlite"
)

// Dialect returns the SQL dialect name used in generation prompts.
func (b Backend) Dialect() string {
	switch b {
	case BackendClickHouse:
		return "ClickHouse"
	case BackendPostgres:
		return "PostgreSQL"
	case BackendSQLite:
		return "SQLite"
	default:
		return ""
	}
}

// QueryObserver is called after every statement a backend runs, including
// catalog introspection. It must not block.
type QueryObserver func(backend Backend, duration time.Duration, err error)

// Options configure every backend.
type Options struct {
	Logger   *slog.Logger
	Observer QueryObserver

	// MaxRows truncates query results. Zero means DefaultMaxRows.
	MaxRows int

	// SampleValues enables distinct-value sampling for categorical columns.
	SampleValues bool
}

const (
	DefaultMaxRows = 1000

	// A column with more distinct values than maxSampleValues is treated as
	// high cardinality and gets no samples.
	maxSampleValues   = 15
	sampleProbeLimit  = 20
	maxSampleValueLen = 80
)

func (o Options) maxRows() int {
	if o.MaxRows <= 0 {
		return DefaultMaxRows
	}
	return o.MaxRows
}

func (o Options) observe(b Backend, start time.Time, err error) {
	if o.Observer != nil {
		o.Observer(b, time.Since(start), err)
	}
}

func (o Options) logDebug(msg string, args ...any) {
	if o.Logger != nil {
		o.Logger.Debug(msg, args...)
	}
}

// isCategoricalType returns true if the column type should have sample values displayed.
func isCategoricalType(colType string) bool {
	t := strings.ToLower(colType)
	if strings.Contains(t, "enum") {
		return true
	}
	if strings.Contains(t, "lowcardinality") && strings.Contains(t, "string") {
		return true
	}
	switch {
	case t == "string", t == "nullable(string)", t == "text", t == "varchar":
		return true
	case strings.HasPrefix(t, "character varying"), strings.HasPrefix(t, "varchar("):
		return true
	}
	return false
}

// shouldSkipColumn returns true for columns that shouldn't have samples fetched.
func shouldSkipColumn(colName string) bool {
	name := strings.ToLower(colName)
	// IDs, timestamps, and free text are high cardinality.
	skipSuffixes := []string{"_id", "_key", "_code", "_at", "_time", "_timestamp", "_date", "_hash", "_email", "_address", "_url"}
	for _, suffix := range skipSuffixes {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	skipPrefixes := []string{"id_", "uuid_"}
	for _, prefix := range skipPrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	switch name {
	case "id", "uuid", "name", "email", "description", "comment", "message", "error", "reason", "notes":
		return true
	}
	return false
}

// keepSamples drops empty and overly long values, and returns nil when the
// column looks high cardinality.
func keepSamples(values []string) []string {
	if len(values) == 0 || len(values) > maxSampleValues {
		return nil
	}
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" || len(v) > maxSampleValueLen {
			continue
		}
		out = append(out, v)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func wantSamples(opts Options, name, typ string) bool {
	return opts.SampleValues && isCategoricalType(typ) && !shouldSkipColumn(name)
}

// quoteIdent quotes an identifier with q, doubling embedded quotes.
func quoteIdent(name string, q string) string {
	return q + strings.ReplaceAll(name, q, q+q) + q
}

// cleanStatement strips surrounding whitespace and a trailing semicolon.
func cleanStatement(sql string) string {
	return strings.TrimSuffix(strings.TrimSpace(sql), ";")
}

// toJSONSafe converts driver values into values that encode cleanly to JSON
// and read well in prompts.
func toJSONSafe(v any) any {
	if v == nil {
		return nil
	}

	switch val := v.(type) {
	case net.IP:
		return val.String()
	case *net.IP:
		if val == nil {
			return nil
		}
		return val.String()
	case float32:
		if math.IsNaN(float64(val)) || math.IsInf(float64(val), 0) {
			return nil
		}
		return val
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return nil
		}
		return val
	case time.Time:
		return val.UTC().Format(time.RFC3339)
	case *time.Time:
		if val == nil {
			return nil
		}
		return val.UTC().Format(time.RFC3339)
	case []byte:
		return string(val)
	case [16]byte:
		return uuid.UUID(val).String()
	case uuid.UUID:
		return val.String()
	case pgtype.Numeric:
		f, err := val.Float64Value()
		if err != nil || !f.Valid {
			return nil
		}
		return toJSONSafe(f.Float64)
	case fmt.Stringer:
		rv := reflect.ValueOf(v)
		if rv.Kind() == reflect.Ptr && rv.IsNil() {
			return nil
		}
		return val.String()
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return nil
		}
		return toJSONSafe(rv.Elem().Interface())
	}
	return v
}
