// Package collector coalesces decoded row changes for the active segment.
// Changes collapse per table and primary key so each row appears at most
// once in the flushed output, and schema drift is detected by diffing each
// full-shape record against the table's last-known column list.
package collector

import (
	"log/slog"
	"sort"
	"strings"

	"lakefeed/internal/domain"
)

// SchemaCache supplies the warehouse's current column names for a table.
// It seeds drift detection for tables whose shape this process has not
// observed yet, which matters right after a restart: a directive lost to a
// crash is re-derived by comparing against what the warehouse really has.
type SchemaCache interface {
	ColumnNames(table string) ([]string, bool)
}

// Batch is one flushed column-subset batch: every pending change of one
// (table, op, value-bearing column set) in ascending primary-key order.
type Batch struct {
	Table   string
	Op      domain.Op
	Subset  []string            // sorted value-bearing column names; nil for insert/delete
	Ordinal int                 // distinguishes update subsets within one flush
	Columns []domain.ColumnInfo // staged file header, in record order
	Rows    []*domain.Change
	Segment uint64
}

// Emission is what a schema event forces out ahead of the change that
// revealed it: the table's old-shape batches first, then the directives.
// Dispatching in slice order keeps warehouse DDL behind the data that
// still depends on the old shape.
type Emission struct {
	Batches    []Batch
	Directives []domain.SchemaDirective
}

type tableState struct {
	schema    *domain.TableSchema // nil until a full-shape record arrives
	cached    []string            // warehouse column names, baseline before schema is known
	hasCached bool
	rows      map[domain.Key]*rowState
}

// Collector owns the per-table pending state for the active segment.
// Single-owner: only the input loop calls it.
type Collector struct {
	logger  *slog.Logger
	cache   SchemaCache
	tables  map[string]*tableState
	segment uint64
	arrival uint64
}

// New creates a Collector. cache may be nil, in which case every first
// sighting of a table emits a create-table directive.
func New(logger *slog.Logger, cache SchemaCache) *Collector {
	return &Collector{
		logger: logger.With("component", "collector"),
		cache:  cache,
		tables: make(map[string]*tableState),
	}
}

// SetSegment binds subsequent ingestion to a segment. All prior changes
// must have been flushed; anything else loses the segment attribution that
// crash recovery depends on.
func (c *Collector) SetSegment(segment uint64) error {
	if n := c.Pending(); n != 0 {
		return domain.ErrLogic("segment %d registered with %d changes pending", segment, n)
	}
	c.segment = segment
	return nil
}

// Pending returns the number of collapsed rows awaiting flush.
func (c *Collector) Pending() int {
	total := 0
	for _, ts := range c.tables {
		total += len(ts.rows)
	}
	return total
}

// Ingest merges one change into the active segment. The returned Emission
// is non-nil when the change revealed a schema event; its batches and
// directives must be dispatched, in order, before anything later for this
// table.
func (c *Collector) Ingest(change *domain.Change) (*Emission, error) {
	c.arrival++
	change.Arrival = c.arrival

	ts, ok := c.tables[change.Table]
	if !ok {
		ts = &tableState{rows: make(map[domain.Key]*rowState)}
		if c.cache != nil {
			ts.cached, ts.hasCached = c.cache.ColumnNames(change.Table)
		}
		c.tables[change.Table] = ts
	}

	emission, err := c.observeShape(change, ts)
	if err != nil {
		return nil, err
	}

	key, err := change.Key()
	if err != nil {
		return nil, err
	}
	if row, found := ts.rows[key]; found {
		keep, err := row.apply(change)
		if err != nil {
			return nil, err
		}
		if !keep {
			delete(ts.rows, key)
		}
	} else {
		ts.rows[key] = &rowState{change: change}
	}
	return emission, nil
}

// FlushAll drains every table's pending rows into ordered batches tagged
// with the active segment. Table schemas are retained so drift detection
// survives the flush. Called at segment rotation and shutdown.
func (c *Collector) FlushAll() []Batch {
	names := make([]string, 0, len(c.tables))
	for name := range c.tables {
		names = append(names, name)
	}
	sort.Strings(names)

	var batches []Batch
	for _, name := range names {
		batches = append(batches, c.flushTable(name, c.tables[name])...)
	}
	return batches
}

// observeShape compares the record's column list against the table's
// last-known schema. Deletes carry only key columns and never participate.
func (c *Collector) observeShape(change *domain.Change, ts *tableState) (*Emission, error) {
	if change.Op == domain.OpDelete {
		return nil, nil
	}
	infos := change.ColumnInfos()

	if ts.schema != nil {
		added, dropped, err := ts.schema.Diff(infos)
		if err != nil {
			return nil, err
		}
		if len(added) == 0 && len(dropped) == 0 {
			return nil, nil
		}
		em := &Emission{
			Batches:    c.flushTable(change.Table, ts),
			Directives: c.driftDirectives(change.Table, added, dropped),
		}
		c.logger.Info("schema drift",
			"table", change.Table, "added", len(added), "dropped", len(dropped))
		ts.schema = &domain.TableSchema{Table: change.Table, Columns: infos}
		return em, nil
	}

	// First full-shape record for this table.
	if ts.hasCached {
		if sameNameSet(ts.cached, infos) {
			ts.schema = &domain.TableSchema{Table: change.Table, Columns: infos}
			return nil, nil
		}
		// The warehouse cache knows names but not source types, so the
		// baseline schema is typeless and Diff skips type comparison.
		seed := &domain.TableSchema{Table: change.Table}
		for _, name := range ts.cached {
			seed.Columns = append(seed.Columns, domain.ColumnInfo{Name: name})
		}
		added, dropped, err := seed.Diff(infos)
		if err != nil {
			return nil, err
		}
		em := &Emission{
			Batches:    c.flushTable(change.Table, ts),
			Directives: c.driftDirectives(change.Table, added, dropped),
		}
		c.logger.Info("schema drift against warehouse baseline",
			"table", change.Table, "added", len(added), "dropped", len(dropped))
		ts.schema = &domain.TableSchema{Table: change.Table, Columns: infos}
		return em, nil
	}

	ts.schema = &domain.TableSchema{Table: change.Table, Columns: infos}
	c.logger.Info("new table", "table", change.Table, "columns", len(infos))
	return &Emission{
		Directives: []domain.SchemaDirective{{
			Kind:    domain.DirectiveCreateTable,
			Table:   change.Table,
			Columns: infos,
			Segment: c.segment,
		}},
	}, nil
}

func (c *Collector) driftDirectives(table string, added, dropped []domain.ColumnInfo) []domain.SchemaDirective {
	var out []domain.SchemaDirective
	for _, col := range added {
		out = append(out, domain.SchemaDirective{
			Kind:    domain.DirectiveAddColumn,
			Table:   table,
			Columns: []domain.ColumnInfo{col},
			Segment: c.segment,
		})
	}
	for _, col := range dropped {
		out = append(out, domain.SchemaDirective{
			Kind:    domain.DirectiveDropColumn,
			Table:   table,
			Columns: []domain.ColumnInfo{col},
			Segment: c.segment,
		})
	}
	return out
}

// flushTable drains one table's rows into batches in ascending key order:
// the insert batch, update batches in subset first-seen order, then the
// delete batch. Rows are disjoint across batches, so relative batch order
// within the table does not affect the warehouse end state.
func (c *Collector) flushTable(table string, ts *tableState) []Batch {
	if len(ts.rows) == 0 {
		return nil
	}
	keys := make([]domain.Key, 0, len(ts.rows))
	for k := range ts.rows {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })

	var insertBatch, deleteBatch *Batch
	var updates []*Batch
	updateIdx := make(map[string]int)

	for _, key := range keys {
		change := ts.rows[key].change
		switch change.Op {
		case domain.OpInsert:
			if insertBatch == nil {
				insertBatch = &Batch{
					Table:   table,
					Op:      domain.OpInsert,
					Columns: change.ColumnInfos(),
					Segment: c.segment,
				}
			}
			insertBatch.Rows = append(insertBatch.Rows, change)
		case domain.OpUpdate:
			infos := valueColumns(change)
			sig := subsetSignature(infos)
			idx, seen := updateIdx[sig]
			if !seen {
				idx = len(updates)
				updateIdx[sig] = idx
				updates = append(updates, &Batch{
					Table:   table,
					Op:      domain.OpUpdate,
					Subset:  strings.Split(sig, ","),
					Ordinal: idx,
					Columns: infos,
					Segment: c.segment,
				})
			}
			updates[idx].Rows = append(updates[idx].Rows, change)
		case domain.OpDelete:
			if deleteBatch == nil {
				idCol, _ := change.Column("id")
				deleteBatch = &Batch{
					Table:   table,
					Op:      domain.OpDelete,
					Columns: []domain.ColumnInfo{idCol.Info},
					Segment: c.segment,
				}
			}
			deleteBatch.Rows = append(deleteBatch.Rows, change)
		}
	}
	ts.rows = make(map[domain.Key]*rowState)

	var out []Batch
	if insertBatch != nil {
		out = append(out, *insertBatch)
	}
	for _, u := range updates {
		out = append(out, *u)
	}
	if deleteBatch != nil {
		out = append(out, *deleteBatch)
	}
	return out
}

// valueColumns returns the infos of columns carrying a value (including
// null); toast-unchanged columns are excluded from update subsets.
func valueColumns(change *domain.Change) []domain.ColumnInfo {
	var infos []domain.ColumnInfo
	for _, col := range change.Columns {
		if col.Value.Kind != domain.ValueUnchanged {
			infos = append(infos, col.Info)
		}
	}
	return infos
}

// subsetSignature is the grouping key for update batches: the sorted
// value-bearing column names.
func subsetSignature(infos []domain.ColumnInfo) string {
	names := make([]string, len(infos))
	for i, info := range infos {
		names[i] = info.Name
	}
	sort.Strings(names)
	return strings.Join(names, ",")
}

func sameNameSet(names []string, infos []domain.ColumnInfo) bool {
	if len(names) != len(infos) {
		return false
	}
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	for _, info := range infos {
		if _, ok := set[info.Name]; !ok {
			return false
		}
	}
	return true
}
