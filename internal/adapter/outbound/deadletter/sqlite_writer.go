// Package deadletter provides a durable spill path for decision records
// the audit sink would otherwise drop under backpressure (§4.5). Grounded
// on the teacher pack's SQLiteReceiptStore (Mindburn-Labs-helm): a
// database/sql driver over the pure-Go, cgo-free modernc.org/sqlite, used
// here for its build simplicity rather than any relational query need —
// records are appended and drained sequentially, never joined or indexed
// beyond primary key lookup.
package deadletter

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/mcp-guard/mcp-guard/internal/domain/decision"
)

// Writer persists decision records dropped by the audit sink so an
// operator can replay them later instead of losing them outright.
type Writer interface {
	WriteDropped(ctx context.Context, rec decision.Record) error
	Close() error
}

// SQLiteWriter implements Writer over a single-table SQLite database.
type SQLiteWriter struct {
	db *sql.DB
}

// NewSQLiteWriter opens (creating if absent) a SQLite database at path and
// ensures its schema exists.
func NewSQLiteWriter(path string) (*SQLiteWriter, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open dead-letter database: %w", err)
	}
	w := &SQLiteWriter{db: db}
	if err := w.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return w, nil
}

func (w *SQLiteWriter) migrate() error {
	const query = `
	CREATE TABLE IF NOT EXISTS dropped_decisions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		request_id TEXT,
		principal_id TEXT,
		resource_id TEXT,
		dropped_at DATETIME NOT NULL,
		record JSON NOT NULL
	);`
	_, err := w.db.ExecContext(context.Background(), query)
	if err != nil {
		return fmt.Errorf("migrate dead-letter schema: %w", err)
	}
	return nil
}

// WriteDropped inserts rec as a dead-lettered record. The full record is
// stored as a JSON blob so replay can reconstruct it exactly; the separate
// (unindexed) columns exist only to let an operator triage without parsing
// JSON.
func (w *SQLiteWriter) WriteDropped(ctx context.Context, rec decision.Record) error {
	blob, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal dropped record: %w", err)
	}

	const query = `INSERT INTO dropped_decisions (request_id, principal_id, resource_id, dropped_at, record)
		VALUES (?, ?, ?, ?, ?)`
	_, err = w.db.ExecContext(ctx, query, rec.RequestID, rec.PrincipalID, rec.ResourceID, rec.Timestamp, string(blob))
	if err != nil {
		return fmt.Errorf("insert dropped record: %w", err)
	}
	return nil
}

// Pending returns the number of records currently spilled.
func (w *SQLiteWriter) Pending(ctx context.Context) (int64, error) {
	var count int64
	row := w.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dropped_decisions`)
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count dropped records: %w", err)
	}
	return count, nil
}

// Close closes the underlying database handle.
func (w *SQLiteWriter) Close() error {
	return w.db.Close()
}
