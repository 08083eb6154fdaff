package warehouse

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"lakefeed/internal/domain"
)

// Loader applies schema directives and loads staged files. The dispatcher
// serializes calls per table; the shared Client's pool bounds cross-table
// concurrency.
type Loader struct {
	logger *slog.Logger
	client *Client
	cache  *Cache
}

func NewLoader(logger *slog.Logger, client *Client, cache *Cache) *Loader {
	return &Loader{
		logger: logger.With("component", "loader"),
		client: client,
		cache:  cache,
	}
}

// ApplyDirective executes one schema-change statement. Statements are
// idempotent so a replayed segment can apply them again safely.
func (l *Loader) ApplyDirective(ctx context.Context, d *domain.SchemaDirective) error {
	switch d.Kind {
	case domain.DirectiveCreateTable:
		if err := l.client.exec(ctx, l.client.db, CreateTableSQL(l.client.schema, d.Table, d.Columns)); err != nil {
			return fmt.Errorf("create table %s: %w", d.Table, err)
		}
		l.cache.SetTable(d.Table, columnNames(d.Columns))

	case domain.DirectiveAddColumn:
		for _, col := range d.Columns {
			if err := l.client.exec(ctx, l.client.db, AddColumnSQL(l.client.schema, d.Table, col)); err != nil {
				return fmt.Errorf("add column %s.%s: %w", d.Table, col.Name, err)
			}
			l.cache.AddColumn(d.Table, col.Name)
		}

	case domain.DirectiveDropColumn:
		for _, col := range d.Columns {
			if err := l.client.exec(ctx, l.client.db, DropColumnSQL(l.client.schema, d.Table, col.Name)); err != nil {
				return fmt.Errorf("drop column %s.%s: %w", d.Table, col.Name, err)
			}
			l.cache.DropColumn(d.Table, col.Name)
		}

	default:
		return domain.ErrLogic("unknown schema directive kind %d", d.Kind)
	}

	l.logger.Info("schema directive applied",
		"table", d.Table, "kind", d.Kind.String(), "segment", d.Segment)
	return nil
}

// LoadFile stages the remote CSV into a session temp table and applies it to
// the target inside one transaction. Inserts anti-join on id, updates join
// on id, deletes match by id, so replaying the same file is harmless.
func (l *Loader) LoadFile(ctx context.Context, file *domain.RemoteFile) error {
	logger := l.logger.With(
		"table", file.Table, "file", file.Name, "segment", file.Segment,
		"load_id", uuid.NewString())

	proceed, err := l.ensureTable(ctx, file, logger)
	if err != nil {
		return err
	}
	if !proceed {
		return nil
	}

	staging := StagingName(file.Name)

	conn, err := l.client.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire warehouse connection: %w", err)
	}
	defer conn.Close()

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin load transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := l.client.exec(ctx, tx, CreateStagingSQL(staging, file.RemoteURI, file.Columns)); err != nil {
		return fmt.Errorf("stage %s: %w", file.RemoteURI, err)
	}

	var apply string
	switch file.Op {
	case domain.OpInsert:
		apply = InsertSQL(l.client.schema, file.Table, staging, file.Columns)
	case domain.OpUpdate:
		apply = UpdateSQL(l.client.schema, file.Table, staging, file.Columns)
	case domain.OpDelete:
		apply = DeleteSQL(l.client.schema, file.Table, staging)
	default:
		return domain.ErrLogic("file %s: unknown op %d", file.Name, file.Op)
	}
	if err := l.client.exec(ctx, tx, apply); err != nil {
		return fmt.Errorf("apply %s (%s): %w", file.Name, file.Op, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s: %w", file.Name, err)
	}

	// The temp table outlives the transaction on this session; drop it so
	// the pooled connection comes back clean.
	if err := l.client.exec(ctx, conn, DropStagingSQL(staging)); err != nil {
		logger.Warn("drop staging table failed", "staging", staging, "error", err)
	}

	logger.Info("loaded", "op", file.Op.String(), "rows", file.Rows)
	return nil
}

// ensureTable resolves a file whose table is not in the cache. The bool is
// false when the file should be skipped entirely (delete against a table
// that does not exist).
func (l *Loader) ensureTable(ctx context.Context, file *domain.RemoteFile, logger *slog.Logger) (bool, error) {
	if l.cache.Has(file.Table) {
		return true, nil
	}

	exists, err := l.client.tableExists(ctx, domain.BaseTableName(file.Table))
	if err != nil {
		return false, err
	}
	if exists {
		return true, nil
	}

	switch file.Op {
	case domain.OpDelete:
		logger.Error("delete against a table that does not exist, skipping file")
		return false, nil
	case domain.OpUpdate:
		return false, domain.ErrLogic("update for missing table %s", file.Table)
	}

	// Insert for a table that exists nowhere: create it from the file's own
	// shape, which for inserts is the full record.
	logger.Info("creating missing table")
	if err := l.client.exec(ctx, l.client.db, CreateTableSQL(l.client.schema, file.Table, file.Columns)); err != nil {
		return false, fmt.Errorf("create table %s: %w", file.Table, err)
	}
	l.cache.SetTable(file.Table, columnNames(file.Columns))
	return true, nil
}

func columnNames(columns []domain.ColumnInfo) []string {
	names := make([]string, len(columns))
	for i, c := range columns {
		names[i] = c.Name
	}
	return names
}
