// Package catalog implements C5: given a database handle, introspects the
// schema into the allow-list of "table.column" identifiers every SQL binding
// in a Contract is validated against (spec §4.5), plus a join/date-column map
// used by Auto-Map and Contract Build prompts. Results are cached with a
// TTL/LRU policy (default 30s / 32 entries, spec §5) keyed by
// (connection_id, flags), modeled on server/registry.go's mutex-guarded map
// shape generalized from "pipeline runs by id" to "catalogs by cache key".
package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/neurareport/core/internal/model"
	"github.com/neurareport/core/internal/schemaval"
)

// Catalog is the introspected shape of one database: its allow-listed
// columns, a best-effort join map (foreign-key-shaped column name pairs), and
// a date-column map (columns whose type looks date/time-like).
type Catalog struct {
	ConnectionID string            `json:"connection_id"`
	Tables       map[string][]string `json:"tables"` // table -> column names
	Joins        []Join            `json:"joins"`
	DateColumns  map[string]string `json:"date_columns"` // table -> column
	IntrospectedAt time.Time       `json:"introspected_at"`
}

// Join describes a parent/child foreign-key-shaped relationship (spec §3's
// Contract.join fields, sourced from introspection rather than hand-authored).
type Join struct {
	ParentTable string `json:"parent_table"`
	ParentKey   string `json:"parent_key"`
	ChildTable  string `json:"child_table"`
	ChildKey    string `json:"child_key"`
}

// QualifiedColumns returns the sorted, deduplicated "table.column" allow-list
// (spec glossary "Catalog").
func (c *Catalog) QualifiedColumns() []string {
	var out []string
	for table, cols := range c.Tables {
		for _, col := range cols {
			out = append(out, table+"."+col)
		}
	}
	sort.Strings(out)
	uniq := out[:0]
	for i, s := range out {
		if i == 0 || s != out[i-1] {
			uniq = append(uniq, s)
		}
	}
	return uniq
}

// Allows reports whether qualified ("table.column") is in the catalog.
func (c *Catalog) Allows(qualified string) bool {
	table, col, ok := strings.Cut(qualified, ".")
	if !ok {
		return false
	}
	cols, ok := c.Tables[table]
	if !ok {
		return false
	}
	for _, have := range cols {
		if have == col {
			return true
		}
	}
	return false
}

// SHA256 is the catalog_sha cache-key input (spec §6): sha256 over the sorted
// unique catalog lines.
func (c *Catalog) SHA256() (string, error) {
	return schemaval.CanonicalSHA256(strings.Join(c.QualifiedColumns(), "\n"))
}

var dateLikeNamePattern = []string{"date", "_at", "_on", "time", "timestamp"}

func looksDateColumn(name string) bool {
	lower := strings.ToLower(name)
	for _, frag := range dateLikeNamePattern {
		if strings.Contains(lower, frag) {
			return true
		}
	}
	return false
}

// Introspect walks db's schema (sqlite PRAGMA or Postgres information_schema,
// dispatched on kind) and produces a Catalog.
func Introspect(ctx context.Context, db *sql.DB, connectionID string, kind model.ConnectionKind) (*Catalog, error) {
	switch kind {
	case model.ConnectionSQLite:
		return introspectSQLite(ctx, db, connectionID)
	case model.ConnectionPostgres:
		return introspectPostgres(ctx, db, connectionID)
	default:
		return nil, fmt.Errorf("catalog: introspection not supported for kind %q", kind)
	}
}

func introspectSQLite(ctx context.Context, db *sql.DB, connectionID string) (*Catalog, error) {
	tableRows, err := db.QueryContext(ctx, `SELECT name FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%'`)
	if err != nil {
		return nil, fmt.Errorf("catalog: list sqlite tables: %w", err)
	}
	defer tableRows.Close()

	cat := &Catalog{
		ConnectionID:   connectionID,
		Tables:         make(map[string][]string),
		DateColumns:    make(map[string]string),
		IntrospectedAt: time.Now().UTC(),
	}

	var tables []string
	for tableRows.Next() {
		var name string
		if err := tableRows.Scan(&name); err != nil {
			return nil, fmt.Errorf("catalog: scan sqlite table name: %w", err)
		}
		tables = append(tables, name)
	}
	if err := tableRows.Err(); err != nil {
		return nil, err
	}

	for _, table := range tables {
		colRows, err := db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%q)`, table))
		if err != nil {
			return nil, fmt.Errorf("catalog: table_info(%s): %w", table, err)
		}
		var cols []string
		for colRows.Next() {
			var cid int
			var name, colType string
			var notNull, pk int
			var dflt any
			if err := colRows.Scan(&cid, &name, &colType, &notNull, &dflt, &pk); err != nil {
				colRows.Close()
				return nil, fmt.Errorf("catalog: scan table_info row: %w", err)
			}
			cols = append(cols, name)
			if looksDateColumn(name) || strings.Contains(strings.ToUpper(colType), "DATE") || strings.Contains(strings.ToUpper(colType), "TIME") {
				if _, have := cat.DateColumns[table]; !have {
					cat.DateColumns[table] = name
				}
			}
		}
		colRows.Close()
		if err := colRows.Err(); err != nil {
			return nil, err
		}
		cat.Tables[table] = cols

		fkRows, err := db.QueryContext(ctx, fmt.Sprintf(`PRAGMA foreign_key_list(%q)`, table))
		if err != nil {
			return nil, fmt.Errorf("catalog: foreign_key_list(%s): %w", table, err)
		}
		for fkRows.Next() {
			var id, seq int
			var refTable, from, to string
			var onUpdate, onDelete, match any
			if err := fkRows.Scan(&id, &seq, &refTable, &from, &to, &onUpdate, &onDelete, &match); err != nil {
				fkRows.Close()
				return nil, fmt.Errorf("catalog: scan foreign_key_list row: %w", err)
			}
			cat.Joins = append(cat.Joins, Join{
				ParentTable: refTable,
				ParentKey:   to,
				ChildTable:  table,
				ChildKey:    from,
			})
		}
		fkRows.Close()
		if err := fkRows.Err(); err != nil {
			return nil, err
		}
	}

	return cat, nil
}

func introspectPostgres(ctx context.Context, db *sql.DB, connectionID string) (*Catalog, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT table_name, column_name, data_type
		FROM information_schema.columns
		WHERE table_schema = 'public'
		ORDER BY table_name, ordinal_position`)
	if err != nil {
		return nil, fmt.Errorf("catalog: query information_schema.columns: %w", err)
	}
	defer rows.Close()

	cat := &Catalog{
		ConnectionID:   connectionID,
		Tables:         make(map[string][]string),
		DateColumns:    make(map[string]string),
		IntrospectedAt: time.Now().UTC(),
	}
	for rows.Next() {
		var table, column, dataType string
		if err := rows.Scan(&table, &column, &dataType); err != nil {
			return nil, fmt.Errorf("catalog: scan information_schema row: %w", err)
		}
		cat.Tables[table] = append(cat.Tables[table], column)
		if looksDateColumn(column) || strings.Contains(dataType, "date") || strings.Contains(dataType, "time") {
			if _, have := cat.DateColumns[table]; !have {
				cat.DateColumns[table] = column
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	fkRows, err := db.QueryContext(ctx, `
		SELECT
			tc.table_name, kcu.column_name,
			ccu.table_name AS foreign_table_name, ccu.column_name AS foreign_column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu ON tc.constraint_name = kcu.constraint_name
		JOIN information_schema.constraint_column_usage ccu ON tc.constraint_name = ccu.constraint_name
		WHERE tc.constraint_type = 'FOREIGN KEY'`)
	if err != nil {
		// Non-fatal: joins are a best-effort supplement, not required for the
		// allow-list itself.
		return cat, nil
	}
	defer fkRows.Close()
	for fkRows.Next() {
		var childTable, childKey, parentTable, parentKey string
		if err := fkRows.Scan(&childTable, &childKey, &parentTable, &parentKey); err != nil {
			continue
		}
		cat.Joins = append(cat.Joins, Join{
			ParentTable: parentTable,
			ParentKey:   parentKey,
			ChildTable:  childTable,
			ChildKey:    childKey,
		})
	}

	return cat, nil
}

// cacheEntry is one TTL/LRU slot.
type cacheEntry struct {
	catalog   *Catalog
	expiresAt time.Time
	touchedAt time.Time
}

// Cache is the process memory cache of introspected schemas: TTL-bounded
// (default 30s), LRU up to a max entry count (default 32), keyed by
// (connection_id, flags) per spec §5.
type Cache struct {
	mu         sync.Mutex
	ttl        time.Duration
	maxEntries int
	entries    map[string]*cacheEntry
}

// NewCache constructs a Cache with the given TTL and max entry count.
func NewCache(ttl time.Duration, maxEntries int) *Cache {
	if maxEntries < 1 {
		maxEntries = 32
	}
	return &Cache{
		ttl:        ttl,
		maxEntries: maxEntries,
		entries:    make(map[string]*cacheEntry),
	}
}

func cacheKey(connectionID, flags string) string {
	return connectionID + "|" + flags
}

// Get returns a cached, unexpired catalog, or ok=false.
func (c *Cache) Get(connectionID, flags string) (*Catalog, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := cacheKey(connectionID, flags)
	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if time.Now().After(entry.expiresAt) {
		delete(c.entries, key)
		return nil, false
	}
	entry.touchedAt = time.Now()
	return entry.catalog, true
}

// Put stores cat, evicting the least-recently-touched entry if the cache is
// at capacity.
func (c *Cache) Put(connectionID, flags string, cat *Catalog) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := cacheKey(connectionID, flags)
	now := time.Now()
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxEntries {
		c.evictLRU()
	}
	c.entries[key] = &cacheEntry{catalog: cat, expiresAt: now.Add(c.ttl), touchedAt: now}
}

func (c *Cache) evictLRU() {
	var oldestKey string
	var oldestTime time.Time
	for k, e := range c.entries {
		if oldestKey == "" || e.touchedAt.Before(oldestTime) {
			oldestKey = k
			oldestTime = e.touchedAt
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

// GetOrIntrospect returns a cached catalog if present and fresh, otherwise
// introspects db, caches, and returns the fresh result.
func (c *Cache) GetOrIntrospect(ctx context.Context, db *sql.DB, connectionID, flags string, kind model.ConnectionKind) (*Catalog, error) {
	if cat, ok := c.Get(connectionID, flags); ok {
		return cat, nil
	}
	cat, err := Introspect(ctx, db, connectionID, kind)
	if err != nil {
		return nil, err
	}
	c.Put(connectionID, flags, cat)
	return cat, nil
}
