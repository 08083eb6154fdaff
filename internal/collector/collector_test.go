package collector

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lakefeed/internal/domain"
)

type fakeCache map[string][]string

func (f fakeCache) ColumnNames(table string) ([]string, bool) {
	names, ok := f[table]
	return names, ok
}

func col(name, typ, value string) domain.Column {
	return domain.Column{
		Info:  domain.ColumnInfo{Name: name, SourceType: typ},
		Value: domain.ColumnValue{Kind: domain.ValuePresent, Text: value},
	}
}

func nullCol(name, typ string) domain.Column {
	return domain.Column{
		Info:  domain.ColumnInfo{Name: name, SourceType: typ},
		Value: domain.ColumnValue{Kind: domain.ValueNull},
	}
}

func toastCol(name, typ string) domain.Column {
	return domain.Column{
		Info:  domain.ColumnInfo{Name: name, SourceType: typ},
		Value: domain.ColumnValue{Kind: domain.ValueUnchanged},
	}
}

func change(table string, op domain.Op, cols ...domain.Column) *domain.Change {
	return &domain.Change{Table: table, Op: op, Columns: cols}
}

func newCollector(t *testing.T, cache SchemaCache) *Collector {
	t.Helper()
	c := New(slog.New(slog.DiscardHandler), cache)
	require.NoError(t, c.SetSegment(1))
	return c
}

// usersCache matches the shape used by most tests so ingestion starts with
// a known schema and no create-table directive.
func usersCache() fakeCache {
	return fakeCache{"public.users": {"id", "name"}}
}

func ingest(t *testing.T, c *Collector, changes ...*domain.Change) {
	t.Helper()
	for _, ch := range changes {
		em, err := c.Ingest(ch)
		require.NoError(t, err)
		require.Nil(t, em)
	}
}

func TestInsertThenUpdateCollapsesToInsert(t *testing.T) {
	c := newCollector(t, usersCache())
	ingest(t, c,
		change("public.users", domain.OpInsert, col("id", "integer", "1"), col("name", "text", "Alice")),
		change("public.users", domain.OpUpdate, col("id", "integer", "1"), col("name", "text", "Alicia")),
	)

	batches := c.FlushAll()
	require.Len(t, batches, 1)
	b := batches[0]
	assert.Equal(t, domain.OpInsert, b.Op)
	require.Len(t, b.Rows, 1)
	name, _ := b.Rows[0].Column("name")
	assert.Equal(t, "Alicia", name.Value.Text)
	assert.Equal(t, uint64(1), b.Segment)
}

func TestInsertThenDeleteCancels(t *testing.T) {
	c := newCollector(t, usersCache())
	ingest(t, c,
		change("public.users", domain.OpInsert, col("id", "integer", "1"), col("name", "text", "Alice")),
		change("public.users", domain.OpDelete, col("id", "integer", "1")),
	)
	assert.Empty(t, c.FlushAll())
	assert.Equal(t, 0, c.Pending())
}

func TestUpdateThenDeleteKeepsDelete(t *testing.T) {
	c := newCollector(t, usersCache())
	ingest(t, c,
		change("public.users", domain.OpUpdate, col("id", "integer", "1"), col("name", "text", "Alicia")),
		change("public.users", domain.OpDelete, col("id", "integer", "1")),
	)

	batches := c.FlushAll()
	require.Len(t, batches, 1)
	assert.Equal(t, domain.OpDelete, batches[0].Op)
	assert.Equal(t, []domain.ColumnInfo{{Name: "id", SourceType: "integer"}}, batches[0].Columns)
}

func TestDeleteThenInsertBecomesUpdate(t *testing.T) {
	c := newCollector(t, usersCache())
	ingest(t, c,
		change("public.users", domain.OpDelete, col("id", "integer", "1")),
		change("public.users", domain.OpInsert, col("id", "integer", "1"), col("name", "text", "Bob")),
	)

	batches := c.FlushAll()
	require.Len(t, batches, 1)
	b := batches[0]
	assert.Equal(t, domain.OpUpdate, b.Op)
	assert.Equal(t, []string{"id", "name"}, b.Subset)
	name, _ := b.Rows[0].Column("name")
	assert.Equal(t, "Bob", name.Value.Text)
}

func TestToastValueInheritsAcrossUpdates(t *testing.T) {
	c := newCollector(t, fakeCache{"public.docs": {"id", "body", "title"}})
	ingest(t, c,
		change("public.docs", domain.OpUpdate,
			col("id", "integer", "1"), col("body", "text", "long body"), col("title", "text", "v1")),
		change("public.docs", domain.OpUpdate,
			col("id", "integer", "1"), toastCol("body", "text"), col("title", "text", "v2")),
	)

	batches := c.FlushAll()
	require.Len(t, batches, 1)
	b := batches[0]
	assert.Equal(t, domain.OpUpdate, b.Op)
	// body was seen once, so it keeps flowing through the later update
	assert.Equal(t, []string{"body", "id", "title"}, b.Subset)
	body, _ := b.Rows[0].Column("body")
	assert.Equal(t, "long body", body.Value.Text)
	title, _ := b.Rows[0].Column("title")
	assert.Equal(t, "v2", title.Value.Text)
}

func TestUpdateSubsetsSplitIntoSeparateBatches(t *testing.T) {
	c := newCollector(t, fakeCache{"public.docs": {"id", "body", "title"}})
	ingest(t, c,
		change("public.docs", domain.OpUpdate,
			col("id", "integer", "1"), toastCol("body", "text"), col("title", "text", "t1")),
		change("public.docs", domain.OpUpdate,
			col("id", "integer", "2"), col("body", "text", "b2"), col("title", "text", "t2")),
	)

	batches := c.FlushAll()
	require.Len(t, batches, 2)
	assert.Equal(t, []string{"id", "title"}, batches[0].Subset)
	assert.Equal(t, 0, batches[0].Ordinal)
	assert.Equal(t, []string{"body", "id", "title"}, batches[1].Subset)
	assert.Equal(t, 1, batches[1].Ordinal)
}

func TestFlushOrdersRowsByKey(t *testing.T) {
	c := newCollector(t, usersCache())
	ingest(t, c,
		change("public.users", domain.OpInsert, col("id", "integer", "30"), col("name", "text", "c")),
		change("public.users", domain.OpInsert, col("id", "integer", "4"), col("name", "text", "a")),
		change("public.users", domain.OpInsert, col("id", "integer", "100"), col("name", "text", "d")),
	)

	batches := c.FlushAll()
	require.Len(t, batches, 1)
	var ids []string
	for _, row := range batches[0].Rows {
		id, _ := row.Column("id")
		ids = append(ids, id.Value.Text)
	}
	assert.Equal(t, []string{"4", "30", "100"}, ids)
}

func TestTextKeysOrderLexically(t *testing.T) {
	cache := fakeCache{"public.sessions": {"id", "note"}}
	c := newCollector(t, cache)
	ingest(t, c,
		change("public.sessions", domain.OpInsert, col("id", "uuid", "b7f3"), col("note", "text", "x")),
		change("public.sessions", domain.OpInsert, col("id", "uuid", "0a1c"), col("note", "text", "y")),
	)

	batches := c.FlushAll()
	require.Len(t, batches, 1)
	first, _ := batches[0].Rows[0].Column("id")
	assert.Equal(t, "0a1c", first.Value.Text)
}

func TestAddColumnDriftFlushesOldShapeFirst(t *testing.T) {
	c := newCollector(t, usersCache())
	ingest(t, c,
		change("public.users", domain.OpInsert, col("id", "integer", "1"), col("name", "text", "Alice")),
	)

	em, err := c.Ingest(change("public.users", domain.OpInsert,
		col("id", "integer", "2"), col("name", "text", "Bob"), col("email", "text", "b@x.io")))
	require.NoError(t, err)
	require.NotNil(t, em)

	// old-shape data precedes the directive
	require.Len(t, em.Batches, 1)
	assert.Equal(t, domain.OpInsert, em.Batches[0].Op)
	require.Len(t, em.Batches[0].Rows, 1)

	require.Len(t, em.Directives, 1)
	d := em.Directives[0]
	assert.Equal(t, domain.DirectiveAddColumn, d.Kind)
	assert.Equal(t, []domain.ColumnInfo{{Name: "email", SourceType: "text"}}, d.Columns)

	// the triggering change lands in the fresh state
	batches := c.FlushAll()
	require.Len(t, batches, 1)
	require.Len(t, batches[0].Rows, 1)
	assert.Len(t, batches[0].Columns, 3)
}

func TestDropColumnDriftOnUpdate(t *testing.T) {
	c := newCollector(t, fakeCache{"public.users": {"id", "name", "email"}})
	ingest(t, c,
		change("public.users", domain.OpInsert,
			col("id", "integer", "1"), col("name", "text", "a"), col("email", "text", "a@x.io")),
	)

	em, err := c.Ingest(change("public.users", domain.OpUpdate,
		col("id", "integer", "1"), col("name", "text", "b")))
	require.NoError(t, err)
	require.NotNil(t, em)
	require.Len(t, em.Directives, 1)
	assert.Equal(t, domain.DirectiveDropColumn, em.Directives[0].Kind)
	assert.Equal(t, "email", em.Directives[0].Columns[0].Name)
}

func TestWarehouseBaselineDriftOnFirstSighting(t *testing.T) {
	c := newCollector(t, fakeCache{"public.users": {"id", "name", "email"}})

	em, err := c.Ingest(change("public.users", domain.OpInsert,
		col("id", "integer", "1"), col("name", "text", "a")))
	require.NoError(t, err)
	require.NotNil(t, em)
	assert.Empty(t, em.Batches)
	require.Len(t, em.Directives, 1)
	assert.Equal(t, domain.DirectiveDropColumn, em.Directives[0].Kind)
	assert.Equal(t, "email", em.Directives[0].Columns[0].Name)
}

func TestUnknownTableEmitsCreate(t *testing.T) {
	c := newCollector(t, fakeCache{})

	em, err := c.Ingest(change("public.orders", domain.OpInsert,
		col("id", "bigint", "1"), col("total", "numeric", "9.99")))
	require.NoError(t, err)
	require.NotNil(t, em)
	assert.Empty(t, em.Batches)
	require.Len(t, em.Directives, 1)
	d := em.Directives[0]
	assert.Equal(t, domain.DirectiveCreateTable, d.Kind)
	assert.Equal(t, "public.orders", d.Table)
	assert.Len(t, d.Columns, 2)
}

func TestColumnTypeChangeIsFatal(t *testing.T) {
	c := newCollector(t, usersCache())
	ingest(t, c,
		change("public.users", domain.OpInsert, col("id", "integer", "1"), col("name", "text", "a")),
	)

	_, err := c.Ingest(change("public.users", domain.OpInsert,
		col("id", "integer", "2"), col("name", "jsonb", `{"a":1}`)))
	require.Error(t, err)
	var de *domain.DataError
	require.ErrorAs(t, err, &de)
}

func TestIllegalSequencesAreLogicErrors(t *testing.T) {
	tests := []struct {
		name   string
		first  domain.Op
		second domain.Op
	}{
		{name: "insert twice", first: domain.OpInsert, second: domain.OpInsert},
		{name: "update after delete", first: domain.OpDelete, second: domain.OpUpdate},
		{name: "delete twice", first: domain.OpDelete, second: domain.OpDelete},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newCollector(t, usersCache())
			_, err := c.Ingest(change("public.users", tt.first,
				col("id", "integer", "1"), col("name", "text", "a")))
			require.NoError(t, err)

			_, err = c.Ingest(change("public.users", tt.second,
				col("id", "integer", "1"), col("name", "text", "b")))
			require.Error(t, err)
			var le *domain.LogicError
			require.ErrorAs(t, err, &le)
		})
	}
}

func TestSetSegmentWithPendingChangesFails(t *testing.T) {
	c := newCollector(t, usersCache())
	ingest(t, c,
		change("public.users", domain.OpInsert, col("id", "integer", "1"), col("name", "text", "a")),
	)

	err := c.SetSegment(2)
	require.Error(t, err)
	var le *domain.LogicError
	require.ErrorAs(t, err, &le)

	c.FlushAll()
	require.NoError(t, c.SetSegment(2))
}

func TestNullValuesCountAsChanged(t *testing.T) {
	c := newCollector(t, usersCache())
	ingest(t, c,
		change("public.users", domain.OpUpdate,
			col("id", "integer", "1"), nullCol("name", "text")),
	)

	batches := c.FlushAll()
	require.Len(t, batches, 1)
	assert.Equal(t, []string{"id", "name"}, batches[0].Subset)
	name, _ := batches[0].Rows[0].Column("name")
	assert.Equal(t, domain.ValueNull, name.Value.Kind)
}
