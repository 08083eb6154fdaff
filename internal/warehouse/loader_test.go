package warehouse

import (
	"compress/gzip"
	"context"
	"encoding/csv"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lakefeed/internal/domain"
)

// writeCSV writes a gzip CSV the way the stage writer would and returns a
// RemoteFile whose URI is the local path; read_csv reads local files the
// same way it reads remote ones.
func writeCSV(t *testing.T, name string, op domain.Op, columns []domain.ColumnInfo, rows [][]string) *domain.RemoteFile {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	f, err := os.Create(path)
	require.NoError(t, err)
	gz := gzip.NewWriter(f)
	cw := csv.NewWriter(gz)

	header := make([]string, len(columns))
	for i, c := range columns {
		header[i] = c.Name
	}
	require.NoError(t, cw.Write(header))
	for _, row := range rows {
		require.NoError(t, cw.Write(row))
	}
	cw.Flush()
	require.NoError(t, cw.Error())
	require.NoError(t, gz.Close())
	require.NoError(t, f.Close())

	return &domain.RemoteFile{
		StagedFile: domain.StagedFile{
			Table:   "public.users",
			Op:      op,
			Name:    name,
			Columns: columns,
			Rows:    len(rows),
			Segment: 1,
		},
		RemoteKey: name,
		RemoteURI: path,
	}
}

func newTestLoader(t *testing.T) (*Loader, *Client) {
	t.Helper()
	client := openTestClient(t)
	return NewLoader(slog.New(slog.DiscardHandler), client, NewCache()), client
}

func fullShape() []domain.ColumnInfo {
	return []domain.ColumnInfo{
		{Name: "id", SourceType: "bigint"},
		{Name: "name", SourceType: "character varying"},
		{Name: "balance", SourceType: "numeric"},
	}
}

func TestLoaderInsertUpdateDelete(t *testing.T) {
	loader, client := newTestLoader(t)
	ctx := context.Background()

	require.NoError(t, loader.ApplyDirective(ctx, &domain.SchemaDirective{
		Kind:    domain.DirectiveCreateTable,
		Table:   "public.users",
		Columns: fullShape(),
		Segment: 1,
	}))

	inserts := writeCSV(t, "public.users_inserts.csv.gz", domain.OpInsert, fullShape(), [][]string{
		{"1", "Alice", "1.50000000"},
		{"2", "", "0.00000000"},
	})
	require.NoError(t, loader.LoadFile(ctx, inserts))

	var count int
	require.NoError(t, client.db.QueryRowContext(ctx, `SELECT count(*) FROM main.users`).Scan(&count))
	assert.Equal(t, 2, count)

	// The empty field is the null token.
	var nulls int
	require.NoError(t, client.db.QueryRowContext(ctx, `SELECT count(*) FROM main.users WHERE name IS NULL`).Scan(&nulls))
	assert.Equal(t, 1, nulls)

	// Replaying the same file must not duplicate rows.
	require.NoError(t, loader.LoadFile(ctx, inserts))
	require.NoError(t, client.db.QueryRowContext(ctx, `SELECT count(*) FROM main.users`).Scan(&count))
	assert.Equal(t, 2, count)

	// Update a column subset; untouched columns keep their values.
	updates := writeCSV(t, "public.users_0_updates.csv.gz", domain.OpUpdate, []domain.ColumnInfo{
		{Name: "id", SourceType: "bigint"},
		{Name: "name", SourceType: "character varying"},
	}, [][]string{
		{"1", "Alicia"},
	})
	require.NoError(t, loader.LoadFile(ctx, updates))

	var name, balance string
	require.NoError(t, client.db.QueryRowContext(ctx,
		`SELECT name, CAST(balance AS VARCHAR) FROM main.users WHERE id = 1`).Scan(&name, &balance))
	assert.Equal(t, "Alicia", name)
	assert.Equal(t, "1.50000000", balance)

	deletes := writeCSV(t, "public.users_deletes.csv.gz", domain.OpDelete, []domain.ColumnInfo{
		{Name: "id", SourceType: "bigint"},
	}, [][]string{
		{"2"},
	})
	require.NoError(t, loader.LoadFile(ctx, deletes))

	require.NoError(t, client.db.QueryRowContext(ctx, `SELECT count(*) FROM main.users`).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestLoaderCreatesMissingTableForInserts(t *testing.T) {
	loader, client := newTestLoader(t)
	ctx := context.Background()

	// No directive applied; the loader must create the table itself.
	inserts := writeCSV(t, "public.users_inserts.csv.gz", domain.OpInsert, fullShape(), [][]string{
		{"7", "Greta", "9.00000000"},
	})
	require.NoError(t, loader.LoadFile(ctx, inserts))

	var count int
	require.NoError(t, client.db.QueryRowContext(ctx, `SELECT count(*) FROM main.users`).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestLoaderSkipsDeleteForMissingTable(t *testing.T) {
	loader, client := newTestLoader(t)
	ctx := context.Background()

	deletes := writeCSV(t, "public.ghosts_deletes.csv.gz", domain.OpDelete, []domain.ColumnInfo{
		{Name: "id", SourceType: "bigint"},
	}, [][]string{{"1"}})
	deletes.Table = "public.ghosts"

	require.NoError(t, loader.LoadFile(ctx, deletes))

	exists, err := client.tableExists(ctx, "ghosts")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestLoaderRejectsUpdateForMissingTable(t *testing.T) {
	loader, _ := newTestLoader(t)
	ctx := context.Background()

	updates := writeCSV(t, "public.ghosts_0_updates.csv.gz", domain.OpUpdate, []domain.ColumnInfo{
		{Name: "id", SourceType: "bigint"},
		{Name: "name", SourceType: "text"},
	}, [][]string{{"1", "x"}})
	updates.Table = "public.ghosts"

	err := loader.LoadFile(ctx, updates)
	require.Error(t, err)
	var logicErr *domain.LogicError
	assert.ErrorAs(t, err, &logicErr)
}

func TestLoaderAppliesColumnDirectives(t *testing.T) {
	loader, client := newTestLoader(t)
	ctx := context.Background()

	require.NoError(t, loader.ApplyDirective(ctx, &domain.SchemaDirective{
		Kind:    domain.DirectiveCreateTable,
		Table:   "public.users",
		Columns: fullShape(),
	}))

	require.NoError(t, loader.ApplyDirective(ctx, &domain.SchemaDirective{
		Kind:    domain.DirectiveAddColumn,
		Table:   "public.users",
		Columns: []domain.ColumnInfo{{Name: "email", SourceType: "text"}},
	}))

	require.NoError(t, loader.ApplyDirective(ctx, &domain.SchemaDirective{
		Kind:    domain.DirectiveDropColumn,
		Table:   "public.users",
		Columns: []domain.ColumnInfo{{Name: "balance", SourceType: "numeric"}},
	}))

	tables, err := client.ScanColumns(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "name", "email"}, tables["users"])

	// Directives are idempotent: applying them again must not fail.
	require.NoError(t, loader.ApplyDirective(ctx, &domain.SchemaDirective{
		Kind:    domain.DirectiveAddColumn,
		Table:   "public.users",
		Columns: []domain.ColumnInfo{{Name: "email", SourceType: "text"}},
	}))

	columns, ok := loader.cache.ColumnNames("public.users")
	require.True(t, ok)
	assert.Equal(t, []string{"id", "name", "email"}, columns)
}
