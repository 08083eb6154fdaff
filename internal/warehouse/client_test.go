package warehouse

import (
	"context"
	"database/sql"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/duckdb/duckdb-go/v2"
)

func openTestClient(t *testing.T) *Client {
	t.Helper()
	db, err := sql.Open("duckdb", "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return &Client{
		logger:  slog.New(slog.DiscardHandler),
		db:      db,
		schema:  "main",
		timeout: 30 * time.Second,
	}
}

func TestSecretStatements(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want []string
	}{
		{
			name: "none_configured",
			cfg:  Config{},
			want: nil,
		},
		{
			name: "s3_with_endpoint",
			cfg: Config{
				S3KeyID:    "key",
				S3Secret:   "sec'ret",
				S3Endpoint: "minio.local:9000",
				S3Region:   "us-east-1",
				S3URLStyle: "path",
			},
			want: []string{
				"CREATE OR REPLACE SECRET lakefeed_s3 (TYPE S3, KEY_ID 'key', SECRET 'sec''ret', REGION 'us-east-1', ENDPOINT 'minio.local:9000', URL_STYLE 'path')",
			},
		},
		{
			name: "gcs_and_azure",
			cfg: Config{
				GCSKeyFile:   "/etc/creds/gcs.json",
				AzureAccount: "acct",
				AzureKey:     "key",
			},
			want: []string{
				"CREATE OR REPLACE SECRET lakefeed_gcs (TYPE GCS, KEY_FILE_PATH '/etc/creds/gcs.json')",
				"CREATE OR REPLACE SECRET lakefeed_azure (TYPE AZURE, ACCOUNT_NAME 'acct', ACCOUNT_KEY 'key')",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, secretStatements(tt.cfg))
		})
	}
}

func TestScanColumns(t *testing.T) {
	client := openTestClient(t)
	ctx := context.Background()

	_, err := client.db.ExecContext(ctx, `CREATE TABLE users (id BIGINT, name VARCHAR, email VARCHAR)`)
	require.NoError(t, err)
	_, err = client.db.ExecContext(ctx, `CREATE TABLE orders (id BIGINT, total NUMERIC(19,8))`)
	require.NoError(t, err)

	tables, err := client.ScanColumns(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "name", "email"}, tables["users"])
	assert.Equal(t, []string{"id", "total"}, tables["orders"])
}

func TestTableExists(t *testing.T) {
	client := openTestClient(t)
	ctx := context.Background()

	_, err := client.db.ExecContext(ctx, `CREATE TABLE users (id BIGINT)`)
	require.NoError(t, err)

	exists, err := client.tableExists(ctx, "users")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = client.tableExists(ctx, "orders")
	require.NoError(t, err)
	assert.False(t, exists)
}
