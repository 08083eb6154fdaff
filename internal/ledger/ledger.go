// Package ledger records segment and file shipment history in a local
// SQLite database. It exists for operators: every row is written after the
// fact, and nothing in the pipeline reads it back to make a decision. The
// segment directory is the sole authority for recovery.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"

	"lakefeed/internal/domain"
)

// SQLite DSN parameters, hardened for a long-lived single writer.
const (
	busyTimeout = "5000" // milliseconds
	journalMode = "WAL"
	synchronous = "NORMAL"
)

// Ledger is a write-behind shipment journal. A nil *Ledger is valid and
// records nothing, so callers need not guard every call on configuration.
type Ledger struct {
	logger *slog.Logger
	db     *sql.DB
}

// Open opens or creates the ledger database and applies pending
// migrations. The pool holds a single connection; SQLite serializes
// writers anyway and one connection avoids lock churn.
func Open(logger *slog.Logger, path string) (*Ledger, error) {
	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping ledger: %w", err)
	}

	goose.SetBaseFS(embedMigrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("goose set dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("goose up: %w", err)
	}

	l := &Ledger{logger: logger.With("component", "ledger"), db: db}
	l.logger.Info("ledger open", "path", path)
	return l, nil
}

func dsn(path string) string {
	params := url.Values{}
	params.Set("_journal_mode", journalMode)
	params.Set("_busy_timeout", busyTimeout)
	params.Set("_synchronous", synchronous)
	params.Set("_foreign_keys", "on")
	params.Set("_txlock", "immediate")
	return path + "?" + params.Encode()
}

// Close releases the database.
func (l *Ledger) Close() error {
	if l == nil {
		return nil
	}
	return l.db.Close()
}

// SegmentRotated records that a segment was sealed at a commit boundary.
// Replay after a crash rotates the same segment again; the row is replaced.
func (l *Ledger) SegmentRotated(ctx context.Context, segment uint64, rotatedAt time.Time) error {
	if l == nil {
		return nil
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO segments (id, segment, rotated_at) VALUES (?, ?, ?)`,
		uuid.NewString(), int64(segment), rotatedAt.UTC())
	return err
}

// FileStaged records a batch file cut from a segment.
func (l *Ledger) FileStaged(ctx context.Context, file *domain.StagedFile) error {
	if l == nil {
		return nil
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO shipped_files
		   (id, segment, name, table_name, op, row_count, byte_size, staged_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), int64(file.Segment), file.Name, file.Table,
		file.Op.String(), file.Rows, file.Bytes, time.Now().UTC())
	return err
}

// FileUploaded stamps the file with its remote location.
func (l *Ledger) FileUploaded(ctx context.Context, file *domain.RemoteFile) error {
	if l == nil {
		return nil
	}
	_, err := l.db.ExecContext(ctx,
		`UPDATE shipped_files SET uploaded_at = ?, remote_uri = ? WHERE segment = ? AND name = ?`,
		time.Now().UTC(), file.RemoteURI, int64(file.Segment), file.Name)
	return err
}

// FileLoaded stamps the file as applied to the warehouse.
func (l *Ledger) FileLoaded(ctx context.Context, file *domain.RemoteFile) error {
	if l == nil {
		return nil
	}
	_, err := l.db.ExecContext(ctx,
		`UPDATE shipped_files SET loaded_at = ? WHERE segment = ? AND name = ?`,
		time.Now().UTC(), int64(file.Segment), file.Name)
	return err
}

// SegmentCompleted marks every file of the segment as shipped.
func (l *Ledger) SegmentCompleted(ctx context.Context, segment uint64) error {
	if l == nil {
		return nil
	}
	_, err := l.db.ExecContext(ctx,
		`UPDATE segments SET completed_at = ? WHERE segment = ?`,
		time.Now().UTC(), int64(segment))
	return err
}

// Prune deletes the history of segments completed before the retention
// window and returns the number of rows removed.
func (l *Ledger) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	if l == nil {
		return 0, nil
	}
	cutoff := time.Now().UTC().Add(-retention)

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`DELETE FROM shipped_files WHERE segment IN
		   (SELECT segment FROM segments WHERE completed_at IS NOT NULL AND completed_at < ?)`,
		cutoff)
	if err != nil {
		return 0, err
	}
	files, _ := res.RowsAffected()

	res, err = tx.ExecContext(ctx,
		`DELETE FROM segments WHERE completed_at IS NOT NULL AND completed_at < ?`,
		cutoff)
	if err != nil {
		return 0, err
	}
	segments, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return files + segments, nil
}
