package warehouse

import (
	"sync"

	"lakefeed/internal/domain"
)

// Cache holds the warehouse's table shapes as ordered column-name lists,
// keyed by base table name. A startup information_schema scan seeds it; DDL
// applied by the loader keeps it current. The aggregator consults it when a
// table is first sighted so drift against a pre-existing warehouse table is
// caught even though the process has never seen the table's records before.
//
// Lookups strip the source schema: source and target schemas routinely
// differ, so only base names are compared.
type Cache struct {
	mu     sync.RWMutex
	tables map[string][]string
}

func NewCache() *Cache {
	return &Cache{tables: make(map[string][]string)}
}

// Seed replaces the whole cache with a fresh scan result, keyed by base name.
func (c *Cache) Seed(tables map[string][]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tables = make(map[string][]string, len(tables))
	for table, columns := range tables {
		c.tables[domain.BaseTableName(table)] = append([]string(nil), columns...)
	}
}

// ColumnNames returns the ordered column names known for the table, if any.
func (c *Cache) ColumnNames(table string) ([]string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	columns, ok := c.tables[domain.BaseTableName(table)]
	if !ok {
		return nil, false
	}
	return append([]string(nil), columns...), true
}

// Has reports whether the table is known to exist in the warehouse.
func (c *Cache) Has(table string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.tables[domain.BaseTableName(table)]
	return ok
}

// SetTable records a newly created table's shape.
func (c *Cache) SetTable(table string, columns []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tables[domain.BaseTableName(table)] = append([]string(nil), columns...)
}

// AddColumn appends a column to the table's shape if it is not present.
func (c *Cache) AddColumn(table, column string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	base := domain.BaseTableName(table)
	for _, name := range c.tables[base] {
		if name == column {
			return
		}
	}
	c.tables[base] = append(c.tables[base], column)
}

// DropColumn removes a column from the table's shape.
func (c *Cache) DropColumn(table, column string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	base := domain.BaseTableName(table)
	columns := c.tables[base]
	for i, name := range columns {
		if name == column {
			c.tables[base] = append(columns[:i:i], columns[i+1:]...)
			return
		}
	}
}
