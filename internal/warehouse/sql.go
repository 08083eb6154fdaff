package warehouse

import (
	"fmt"
	"strings"

	"lakefeed/internal/domain"
)

// quoteIdent wraps a SQL identifier in double quotes, doubling any embedded
// double-quote characters (standard SQL).
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// quoteLiteral wraps a string value in single quotes, doubling any embedded
// single-quote characters (standard SQL).
func quoteLiteral(value string) string {
	return "'" + strings.ReplaceAll(value, "'", "''") + "'"
}

// qualifiedTable names a replicated table inside the warehouse: the source
// schema is dropped and the base name lives under the target schema. Source
// and target schemas routinely differ, so only the base name carries over.
func qualifiedTable(schema, table string) string {
	return quoteIdent(schema) + "." + quoteIdent(domain.BaseTableName(table))
}

func columnDef(info domain.ColumnInfo) string {
	def := quoteIdent(info.Name) + " " + TypeFor(info.SourceType).DDL
	if info.Name == domain.KeyColumn {
		def += " PRIMARY KEY NOT NULL"
	}
	return def
}

func columnDefs(columns []domain.ColumnInfo) string {
	defs := make([]string, len(columns))
	for i, c := range columns {
		defs[i] = columnDef(c)
	}
	return strings.Join(defs, ", ")
}

func columnList(columns []domain.ColumnInfo) string {
	names := make([]string, len(columns))
	for i, c := range columns {
		names[i] = quoteIdent(c.Name)
	}
	return strings.Join(names, ", ")
}

// CreateTableSQL builds an idempotent CREATE TABLE for a record shape.
func CreateTableSQL(schema, table string, columns []domain.ColumnInfo) string {
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)",
		qualifiedTable(schema, table), columnDefs(columns))
}

// AddColumnSQL builds an idempotent ALTER TABLE ADD COLUMN.
func AddColumnSQL(schema, table string, column domain.ColumnInfo) string {
	return fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s",
		qualifiedTable(schema, table), columnDef(column))
}

// DropColumnSQL builds an idempotent ALTER TABLE DROP COLUMN.
func DropColumnSQL(schema, table, column string) string {
	return fmt.Sprintf("ALTER TABLE %s DROP COLUMN IF EXISTS %s",
		qualifiedTable(schema, table), quoteIdent(column))
}

// StagingName derives the session-temporary staging table's name from a
// staged file name: "public.users_0_updates.csv.gz" -> "users_0_updates_staging".
// Per-table loads are sequential, so the name cannot collide within a session.
func StagingName(fileName string) string {
	stem := strings.TrimSuffix(fileName, ".csv.gz")
	if i := strings.Index(stem, "."); i >= 0 {
		stem = stem[i+1:]
	}
	return stem + "_staging"
}

// CreateStagingSQL builds the temp staging table straight off the remote CSV.
// Explicit columns pin names and types so nothing is inferred; the empty
// string is the null token, matching how batch files are written.
func CreateStagingSQL(staging, uri string, columns []domain.ColumnInfo) string {
	cols := make([]string, len(columns))
	for i, c := range columns {
		cols[i] = fmt.Sprintf("%s: %s", quoteLiteral(c.Name), quoteLiteral(TypeFor(c.SourceType).DDL))
	}
	return fmt.Sprintf(
		"CREATE OR REPLACE TEMP TABLE %s AS SELECT * FROM read_csv(%s, header=true, compression='gzip', nullstr='', columns={%s})",
		quoteIdent(staging), quoteLiteral(uri), strings.Join(cols, ", "))
}

// DropStagingSQL drops the temp staging table so the pooled connection comes
// back clean.
func DropStagingSQL(staging string) string {
	return "DROP TABLE IF EXISTS " + quoteIdent(staging)
}

// InsertSQL builds the anti-join insert: only rows whose id is not yet in the
// target are inserted, which makes segment replay idempotent.
func InsertSQL(schema, table, staging string, columns []domain.ColumnInfo) string {
	target := qualifiedTable(schema, table)
	sel := make([]string, len(columns))
	for i, c := range columns {
		sel[i] = "s." + quoteIdent(c.Name)
	}
	return fmt.Sprintf(
		"INSERT INTO %s (%s) SELECT %s FROM %s AS s LEFT JOIN %s AS t ON s.%s = t.%s WHERE t.%s IS NULL",
		target, columnList(columns), strings.Join(sel, ", "), quoteIdent(staging), target,
		quoteIdent(domain.KeyColumn), quoteIdent(domain.KeyColumn), quoteIdent(domain.KeyColumn))
}

// UpdateSQL builds the joined update. The id column keys the join and is
// never assigned.
func UpdateSQL(schema, table, staging string, columns []domain.ColumnInfo) string {
	var sets []string
	for _, c := range columns {
		if c.Name == domain.KeyColumn {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = s.%s", quoteIdent(c.Name), quoteIdent(c.Name)))
	}
	return fmt.Sprintf("UPDATE %s AS t SET %s FROM %s AS s WHERE t.%s = s.%s",
		qualifiedTable(schema, table), strings.Join(sets, ", "), quoteIdent(staging),
		quoteIdent(domain.KeyColumn), quoteIdent(domain.KeyColumn))
}

// DeleteSQL builds the id-in delete.
func DeleteSQL(schema, table, staging string) string {
	id := quoteIdent(domain.KeyColumn)
	return fmt.Sprintf("DELETE FROM %s WHERE %s IN (SELECT %s FROM %s)",
		qualifiedTable(schema, table), id, id, quoteIdent(staging))
}
