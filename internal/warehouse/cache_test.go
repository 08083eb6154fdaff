package warehouse

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheLookupStripsSourceSchema(t *testing.T) {
	cache := NewCache()
	cache.Seed(map[string][]string{"users": {"id", "name"}})

	columns, ok := cache.ColumnNames("public.users")
	require.True(t, ok)
	assert.Equal(t, []string{"id", "name"}, columns)

	assert.True(t, cache.Has("other_schema.users"))
	assert.False(t, cache.Has("public.orders"))
}

func TestCacheDDLUpdates(t *testing.T) {
	cache := NewCache()
	cache.SetTable("public.users", []string{"id", "name"})

	cache.AddColumn("public.users", "email")
	columns, ok := cache.ColumnNames("public.users")
	require.True(t, ok)
	assert.Equal(t, []string{"id", "name", "email"}, columns)

	// Adding again is a no-op.
	cache.AddColumn("public.users", "email")
	columns, _ = cache.ColumnNames("public.users")
	assert.Equal(t, []string{"id", "name", "email"}, columns)

	cache.DropColumn("public.users", "name")
	columns, _ = cache.ColumnNames("public.users")
	assert.Equal(t, []string{"id", "email"}, columns)
}

func TestCacheReturnsCopies(t *testing.T) {
	cache := NewCache()
	cache.SetTable("users", []string{"id", "name"})

	columns, _ := cache.ColumnNames("users")
	columns[0] = "mangled"

	fresh, _ := cache.ColumnNames("users")
	assert.Equal(t, []string{"id", "name"}, fresh)
}
