// Package warehouse loads staged batch files into DuckDB and applies the
// schema-change directives that precede them. Remote CSVs are read in place
// through httpfs; per-table loads are strictly sequential.
package warehouse

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
)

// Config is the warehouse connection surface.
type Config struct {
	Path           string // DuckDB database file; empty opens in-memory
	Schema         string // target schema for replicated tables
	MaxConnections int    // pool cap; also the load concurrency bound
	QueryTimeout   time.Duration

	// Object-storage credentials for read_csv over httpfs. Only the secret
	// types with credentials configured are created.
	S3KeyID    string
	S3Secret   string
	S3Endpoint string
	S3Region   string
	S3URLStyle string

	GCSKeyFile string

	AzureAccount string
	AzureKey     string
}

// Client owns the DuckDB handle shared by the per-table loaders. The pool
// cap bounds load concurrency: a loader waiting for a connection is the
// backpressure that suspends its table's queue.
type Client struct {
	logger  *slog.Logger
	db      *sql.DB
	schema  string
	timeout time.Duration
}

// Open connects, installs the remote-file extensions, creates the secrets
// the config carries credentials for, and ensures the target schema exists.
func Open(ctx context.Context, logger *slog.Logger, cfg Config) (*Client, error) {
	db, err := sql.Open("duckdb", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open duckdb %q: %w", cfg.Path, err)
	}
	if cfg.MaxConnections > 0 {
		db.SetMaxOpenConns(cfg.MaxConnections)
	}

	c := &Client{
		logger:  logger.With("component", "warehouse"),
		db:      db,
		schema:  cfg.Schema,
		timeout: cfg.QueryTimeout,
	}
	if err := c.setup(ctx, cfg); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) setup(ctx context.Context, cfg Config) error {
	extensions := []string{"INSTALL httpfs; LOAD httpfs;"}
	if cfg.AzureAccount != "" {
		extensions = append(extensions, "INSTALL azure; LOAD azure;")
	}
	for _, ext := range extensions {
		if err := c.exec(ctx, c.db, ext); err != nil {
			return fmt.Errorf("extension setup (%s): %w", ext, err)
		}
	}

	for _, secret := range secretStatements(cfg) {
		if err := c.exec(ctx, c.db, secret); err != nil {
			return fmt.Errorf("create storage secret: %w", err)
		}
	}

	if err := c.exec(ctx, c.db, "CREATE SCHEMA IF NOT EXISTS "+quoteIdent(c.schema)); err != nil {
		return fmt.Errorf("ensure schema %q: %w", c.schema, err)
	}

	c.logger.Info("warehouse ready", "path", cfg.Path, "schema", c.schema)
	return nil
}

// secretStatements builds one CREATE SECRET per backend the config carries
// credentials for, so read_csv can fetch from any of them.
func secretStatements(cfg Config) []string {
	var stmts []string

	if cfg.S3KeyID != "" {
		parts := []string{
			"TYPE S3",
			"KEY_ID " + quoteLiteral(cfg.S3KeyID),
			"SECRET " + quoteLiteral(cfg.S3Secret),
		}
		if cfg.S3Region != "" {
			parts = append(parts, "REGION "+quoteLiteral(cfg.S3Region))
		}
		if cfg.S3Endpoint != "" {
			parts = append(parts, "ENDPOINT "+quoteLiteral(cfg.S3Endpoint))
		}
		if cfg.S3URLStyle != "" {
			parts = append(parts, "URL_STYLE "+quoteLiteral(cfg.S3URLStyle))
		}
		stmts = append(stmts, fmt.Sprintf("CREATE OR REPLACE SECRET lakefeed_s3 (%s)", strings.Join(parts, ", ")))
	}

	if cfg.GCSKeyFile != "" {
		stmts = append(stmts, fmt.Sprintf(
			"CREATE OR REPLACE SECRET lakefeed_gcs (TYPE GCS, KEY_FILE_PATH %s)",
			quoteLiteral(cfg.GCSKeyFile)))
	}

	if cfg.AzureAccount != "" {
		stmts = append(stmts, fmt.Sprintf(
			"CREATE OR REPLACE SECRET lakefeed_azure (TYPE AZURE, ACCOUNT_NAME %s, ACCOUNT_KEY %s)",
			quoteLiteral(cfg.AzureAccount), quoteLiteral(cfg.AzureKey)))
	}

	return stmts
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// exec runs one statement under the configured statement timeout.
func (c *Client) exec(ctx context.Context, on execer, query string) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	_, err := on.ExecContext(ctx, query)
	return err
}

// ScanColumns reads every table shape in the target schema, ordered by
// ordinal position. Called once at startup to seed the column cache.
func (c *Client) ScanColumns(ctx context.Context) (map[string][]string, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	rows, err := c.db.QueryContext(ctx,
		`SELECT table_name, column_name FROM information_schema.columns WHERE table_schema = ? ORDER BY table_name, ordinal_position`,
		c.schema)
	if err != nil {
		return nil, fmt.Errorf("scan warehouse columns: %w", err)
	}
	defer rows.Close()

	tables := make(map[string][]string)
	for rows.Next() {
		var table, column string
		if err := rows.Scan(&table, &column); err != nil {
			return nil, fmt.Errorf("scan warehouse columns: %w", err)
		}
		tables[table] = append(tables[table], column)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan warehouse columns: %w", err)
	}
	return tables, nil
}

// tableExists probes information_schema for a base table name. Used when a
// table misses the cache, before deciding whether to create it.
func (c *Client) tableExists(ctx context.Context, base string) (bool, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var exists bool
	err := c.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = ? AND table_name = ?)`,
		c.schema, base).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("existence check for %s: %w", base, err)
	}
	return exists, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}
