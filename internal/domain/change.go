package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// Op is the kind of row change carried by a replication record.
type Op uint8

const (
	OpInsert Op = iota
	OpUpdate
	OpDelete
)

// String returns the lowercase op name used in logs and staged file names.
func (o Op) String() string {
	switch o {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	default:
		return fmt.Sprintf("op(%d)", uint8(o))
	}
}

// ValueKind classifies what the stream transmitted for a column.
type ValueKind uint8

const (
	// ValuePresent means the column carried a literal value.
	ValuePresent ValueKind = iota
	// ValueNull means the column carried the null marker.
	ValueNull
	// ValueUnchanged means the column carried the toast-unchanged marker:
	// the value is stored out of line and was not touched by this update.
	// Legal only on updates.
	ValueUnchanged
)

// ColumnValue is one column's transmitted value. A column that no longer
// exists does not appear in the record at all; absence from Change.Columns
// is what distinguishes a dropped column from an unchanged toasted one.
type ColumnValue struct {
	Kind ValueKind
	Text string
}

// Present reports whether the value carries literal data (including null).
// Unchanged toast values carry no data and are excluded from staged output.
func (v ColumnValue) Present() bool { return v.Kind != ValueUnchanged }

// ColumnInfo identifies a column by name and source type as the stream
// spells it (array types are normalized to "array" by the parser).
type ColumnInfo struct {
	Name       string
	SourceType string
}

// Column pairs a column's identity with its transmitted value.
type Column struct {
	Info  ColumnInfo
	Value ColumnValue
}

// Change is one decoded row-level change. Columns preserve stream order.
// Arrival is assigned by the aggregator and breaks per-column merge ties
// (latest arrival wins).
type Change struct {
	Table   string // source-qualified, e.g. "public.users"
	Op      Op
	Columns []Column
	Arrival uint64
}

// Column returns the named column and whether it exists in this change.
func (c *Change) Column(name string) (Column, bool) {
	for _, col := range c.Columns {
		if col.Info.Name == name {
			return col, true
		}
	}
	return Column{}, false
}

// ColumnInfos returns the (name, type) list of every column in the record,
// in stream order. Used for schema-drift comparison.
func (c *Change) ColumnInfos() []ColumnInfo {
	infos := make([]ColumnInfo, len(c.Columns))
	for i, col := range c.Columns {
		infos[i] = col.Info
	}
	return infos
}

// KeyColumn is the primary key column every replicated table must carry.
const KeyColumn = "id"

// Key returns the change's primary key value. Every replicated table must
// have a single-column primary key named "id"; its absence is a DataError.
func (c *Change) Key() (Key, error) {
	col, ok := c.Column(KeyColumn)
	if !ok {
		return Key{}, ErrData("table %s: change has no id column", c.Table)
	}
	if col.Value.Kind != ValuePresent {
		return Key{}, ErrData("table %s: id column has no value", c.Table)
	}
	return ParseKey(col.Value.Text), nil
}

// Key is a primary key value. Integral keys order numerically, text keys
// lexically; a table never mixes the two.
type Key struct {
	Int    int64
	Text   string
	IsText bool
}

// ParseKey builds a Key from the column's literal text.
func ParseKey(text string) Key {
	if n, err := strconv.ParseInt(text, 10, 64); err == nil {
		return Key{Int: n}
	}
	return Key{Text: text, IsText: true}
}

// Less orders keys for deterministic, warehouse-friendly batch output.
func (k Key) Less(other Key) bool {
	if k.IsText != other.IsText {
		return !k.IsText // integral keys sort before text keys
	}
	if k.IsText {
		return k.Text < other.Text
	}
	return k.Int < other.Int
}

func (k Key) String() string {
	if k.IsText {
		return k.Text
	}
	return strconv.FormatInt(k.Int, 10)
}

// BaseTableName returns the unqualified part of a source-qualified table
// name: "public.users" yields "users". The warehouse table is created under
// the configured target schema with this name.
func BaseTableName(table string) string {
	if i := strings.LastIndexByte(table, '.'); i >= 0 {
		return table[i+1:]
	}
	return table
}
