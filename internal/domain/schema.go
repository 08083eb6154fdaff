package domain

// TableSchema is the last-known column list of a replicated table, in the
// order the columns were first observed.
type TableSchema struct {
	Table   string
	Columns []ColumnInfo
}

// Column returns the named column's info and whether it exists.
func (s *TableSchema) Column(name string) (ColumnInfo, bool) {
	for _, c := range s.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return ColumnInfo{}, false
}

// Diff compares the last-known schema against the column list of an
// incoming record and returns the columns to add and drop. A column whose
// source type changed in place cannot be migrated and yields a DataError.
//
// Records carry only the columns they touch plus key columns on deletes,
// so Diff is only meaningful for inserts, which always carry the full row.
func (s *TableSchema) Diff(incoming []ColumnInfo) (added, dropped []ColumnInfo, err error) {
	for _, in := range incoming {
		known, ok := s.Column(in.Name)
		if !ok {
			added = append(added, in)
			continue
		}
		// Schemas seeded from the warehouse column cache carry no source
		// types; type comparison only applies once both sides know one.
		if known.SourceType != "" && known.SourceType != in.SourceType {
			return nil, nil, ErrData(
				"table %s: column %s changed type from %s to %s",
				s.Table, in.Name, known.SourceType, in.SourceType,
			)
		}
	}
	for _, known := range s.Columns {
		found := false
		for _, in := range incoming {
			if in.Name == known.Name {
				found = true
				break
			}
		}
		if !found {
			dropped = append(dropped, known)
		}
	}
	return added, dropped, nil
}

// DirectiveKind is the kind of schema change a SchemaDirective carries.
type DirectiveKind uint8

const (
	DirectiveCreateTable DirectiveKind = iota
	DirectiveAddColumn
	DirectiveDropColumn
)

func (k DirectiveKind) String() string {
	switch k {
	case DirectiveCreateTable:
		return "create_table"
	case DirectiveAddColumn:
		return "add_column"
	case DirectiveDropColumn:
		return "drop_column"
	default:
		return "directive(?)"
	}
}

// SchemaDirective is an ordered DDL instruction emitted when the aggregator
// detects drift between a record and the last-known schema. Directives for
// a table are applied before any later data batches for that table.
type SchemaDirective struct {
	Kind    DirectiveKind
	Table   string
	Columns []ColumnInfo // create: full list; add/drop: the affected columns
	Segment uint64
}
