package dependency

import (
	"cmp"
	"slices"

	"github.com/sells-group/sis-migrate/internal/clean"
)

// Key identifies one cached header field.
type Key struct {
	Table  string
	Column string
}

func (k Key) String() string { return k.Table + "." + k.Column }

// KeyStats reports cache usage for one field.
type KeyStats struct {
	Entries int     `json:"entries"`
	Hits    int     `json:"hits"`
	Misses  int     `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

// Cache maps original header values to their cleaned values. A Cache
// belongs to a single multi-table run.
type Cache struct {
	entries map[Key]map[string]clean.Value
	hits    map[Key]int
	misses  map[Key]int
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{
		entries: make(map[Key]map[string]clean.Value),
		hits:    make(map[Key]int),
		misses:  make(map[Key]int),
	}
}

// CacheCleanedFieldValues merges original-to-cleaned pairs for one field.
func (c *Cache) CacheCleanedFieldValues(table, column string, values map[string]clean.Value) {
	k := Key{Table: table, Column: column}
	m, ok := c.entries[k]
	if !ok {
		m = make(map[string]clean.Value, len(values))
		c.entries[k] = m
	}
	for orig, cleaned := range values {
		m[orig] = cleaned
	}
}

// Get returns the cleaned value cached for original and counts a hit or miss.
func (c *Cache) Get(table, column, original string) (clean.Value, bool) {
	k := Key{Table: table, Column: column}
	v, ok := c.entries[k][original]
	if ok {
		c.hits[k]++
	} else {
		c.misses[k]++
	}
	return v, ok
}

// Len returns the number of entries cached for a field.
func (c *Cache) Len(table, column string) int {
	return len(c.entries[Key{Table: table, Column: column}])
}

// Keys returns cached fields sorted by table then column.
func (c *Cache) Keys() []Key {
	seen := make(map[Key]bool)
	var keys []Key
	for _, m := range []map[Key]int{c.hits, c.misses} {
		for k := range m {
			if !seen[k] {
				seen[k] = true
				keys = append(keys, k)
			}
		}
	}
	for k := range c.entries {
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	slices.SortFunc(keys, func(a, b Key) int {
		if n := cmp.Compare(a.Table, b.Table); n != 0 {
			return n
		}
		return cmp.Compare(a.Column, b.Column)
	})
	return keys
}

// Stats returns usage per field, keyed "table.column".
func (c *Cache) Stats() map[string]KeyStats {
	out := make(map[string]KeyStats)
	for _, k := range c.Keys() {
		out[k.String()] = c.statsFor(k)
	}
	return out
}

// Totals sums usage across fields.
func (c *Cache) Totals() KeyStats {
	var t KeyStats
	for _, k := range c.Keys() {
		s := c.statsFor(k)
		t.Entries += s.Entries
		t.Hits += s.Hits
		t.Misses += s.Misses
	}
	t.HitRate = hitRate(t.Hits, t.Misses)
	return t
}

func (c *Cache) statsFor(k Key) KeyStats {
	h, m := c.hits[k], c.misses[k]
	return KeyStats{Entries: len(c.entries[k]), Hits: h, Misses: m, HitRate: hitRate(h, m)}
}

func hitRate(hits, misses int) float64 {
	if hits+misses == 0 {
		return 0
	}
	return float64(hits) / float64(hits+misses)
}
