package catalog

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/malbeclabs/sqlflow/agent/pkg/workflow"
	"golang.org/x/sync/singleflight"
)

const DefaultCacheTTL = 5 * time.Minute

const listKey = "\x00tables"

// Cached wraps a workflow.Database and caches ListTables and per-table
// Describe results. Concurrent misses for the same key share one call.
// Execute is never cached.
type Cached struct {
	db     workflow.Database
	tables *ttlcache.Cache[string, []workflow.TableSummary]
	meta   *ttlcache.Cache[string, workflow.TableMetadata]
	group  singleflight.Group
}

// NewCached wraps db. A non-positive ttl means DefaultCacheTTL.
func NewCached(db workflow.Database, ttl time.Duration) *Cached {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	c := &Cached{
		db: db,
		tables: ttlcache.New(
			ttlcache.WithTTL[string, []workflow.TableSummary](ttl),
			ttlcache.WithDisableTouchOnHit[string, []workflow.TableSummary](),
		),
		meta: ttlcache.New(
			ttlcache.WithTTL[string, workflow.TableMetadata](ttl),
			ttlcache.WithDisableTouchOnHit[string, workflow.TableMetadata](),
		),
	}
	go c.tables.Start()
	go c.meta.Start()
	return c
}

// Stop halts the expiry goroutines.
func (c *Cached) Stop() {
	c.tables.Stop()
	c.meta.Stop()
}

// Invalidate drops every cached entry.
func (c *Cached) Invalidate() {
	c.tables.DeleteAll()
	c.meta.DeleteAll()
}

func (c *Cached) ListTables(ctx context.Context) ([]workflow.TableSummary, error) {
	if item := c.tables.Get(listKey); item != nil {
		return slices.Clone(item.Value()), nil
	}
	v, err, _ := c.group.Do(listKey, func() (any, error) {
		tables, err := c.db.ListTables(ctx)
		if err != nil {
			return nil, err
		}
		c.tables.Set(listKey, tables, ttlcache.DefaultTTL)
		return tables, nil
	})
	if err != nil {
		return nil, err
	}
	return slices.Clone(v.([]workflow.TableSummary)), nil
}

// Describe serves cached tables and fetches the rest in one call. Tables the
// backend does not know are not cached.
func (c *Cached) Describe(ctx context.Context, tables []string) ([]workflow.TableMetadata, error) {
	found := make(map[string]workflow.TableMetadata, len(tables))
	var missing []string
	for _, name := range tables {
		if item := c.meta.Get(name); item != nil {
			found[name] = item.Value()
			continue
		}
		missing = append(missing, name)
	}

	if len(missing) > 0 {
		key := strings.Join(missing, "\x00")
		v, err, _ := c.group.Do(key, func() (any, error) {
			metas, err := c.db.Describe(ctx, missing)
			if err != nil {
				return nil, err
			}
			for _, m := range metas {
				c.meta.Set(m.Name, m, ttlcache.DefaultTTL)
			}
			return metas, nil
		})
		if err != nil {
			return nil, err
		}
		for _, m := range v.([]workflow.TableMetadata) {
			found[m.Name] = m
		}
	}

	out := make([]workflow.TableMetadata, 0, len(tables))
	for _, name := range tables {
		if m, ok := found[name]; ok {
			out = append(out, cloneMetadata(m))
		}
	}
	return out, nil
}

func (c *Cached) Execute(ctx context.Context, query string) (workflow.QueryResult, error) {
	return c.db.Execute(ctx, query)
}

func cloneMetadata(m workflow.TableMetadata) workflow.TableMetadata {
	m.Columns = slices.Clone(m.Columns)
	for i := range m.Columns {
		m.Columns[i].SampleValues = slices.Clone(m.Columns[i].SampleValues)
	}
	m.ForeignKeys = slices.Clone(m.ForeignKeys)
	return m
}
