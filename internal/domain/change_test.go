package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyOrdering(t *testing.T) {
	assert.True(t, ParseKey("2").Less(ParseKey("10")), "integral keys order numerically")
	assert.True(t, ParseKey("10").Less(ParseKey("abc")), "integral keys sort before text keys")
	assert.True(t, ParseKey("abc").Less(ParseKey("abd")))
	assert.False(t, ParseKey("5").Less(ParseKey("5")))
}

func TestChangeKey(t *testing.T) {
	c := &Change{Table: "public.users", Op: OpInsert, Columns: []Column{
		{Info: ColumnInfo{Name: "id", SourceType: "integer"}, Value: ColumnValue{Kind: ValuePresent, Text: "7"}},
	}}
	key, err := c.Key()
	require.NoError(t, err)
	assert.Equal(t, "7", key.String())

	noID := &Change{Table: "public.widgets", Op: OpInsert, Columns: []Column{
		{Info: ColumnInfo{Name: "name"}, Value: ColumnValue{Kind: ValuePresent, Text: "x"}},
	}}
	_, err = noID.Key()
	var de *DataError
	require.ErrorAs(t, err, &de)
}

func TestBaseTableName(t *testing.T) {
	assert.Equal(t, "users", BaseTableName("public.users"))
	assert.Equal(t, "users", BaseTableName("users"))
	assert.Equal(t, "users", BaseTableName("tenant.archive.users"))
}

func TestSchemaDiff(t *testing.T) {
	s := &TableSchema{Table: "public.users", Columns: []ColumnInfo{
		{Name: "id", SourceType: "integer"},
		{Name: "name", SourceType: "text"},
	}}

	added, dropped, err := s.Diff([]ColumnInfo{
		{Name: "id", SourceType: "integer"},
		{Name: "email", SourceType: "text"},
	})
	require.NoError(t, err)
	assert.Equal(t, []ColumnInfo{{Name: "email", SourceType: "text"}}, added)
	assert.Equal(t, []ColumnInfo{{Name: "name", SourceType: "text"}}, dropped)

	_, _, err = s.Diff([]ColumnInfo{
		{Name: "id", SourceType: "text"},
		{Name: "name", SourceType: "text"},
	})
	var de *DataError
	require.ErrorAs(t, err, &de, "in-place type change cannot be migrated")
}

func TestSchemaDiffSkipsTypelessBaseline(t *testing.T) {
	// Schemas seeded from the warehouse column cache carry no source types.
	s := &TableSchema{Table: "public.users", Columns: []ColumnInfo{
		{Name: "id"}, {Name: "name"},
	}}
	added, dropped, err := s.Diff([]ColumnInfo{
		{Name: "id", SourceType: "integer"},
		{Name: "name", SourceType: "text"},
	})
	require.NoError(t, err)
	assert.Empty(t, added)
	assert.Empty(t, dropped)
}
