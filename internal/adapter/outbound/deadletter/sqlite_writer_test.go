package deadletter

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/mcp-guard/mcp-guard/internal/domain/authz"
	"github.com/mcp-guard/mcp-guard/internal/domain/decision"
)

func newTestWriter(t *testing.T) *SQLiteWriter {
	t.Helper()
	path := filepath.Join(t.TempDir(), "deadletter.db")
	w, err := NewSQLiteWriter(path)
	if err != nil {
		t.Fatalf("NewSQLiteWriter() error = %v", err)
	}
	t.Cleanup(func() { _ = w.Close() })
	return w
}

func TestSQLiteWriter_WriteDroppedPersistsRecord(t *testing.T) {
	w := newTestWriter(t)
	rec := decision.Record{
		Timestamp:     time.Now().UTC(),
		RequestID:     "req-1",
		PrincipalID:   "alice",
		Action:        authz.ActionToolInvoke,
		ResourceID:    "deploy",
		Allow:         false,
		PolicyVersion: "v1",
	}

	if err := w.WriteDropped(context.Background(), rec); err != nil {
		t.Fatalf("WriteDropped() error = %v", err)
	}

	pending, err := w.Pending(context.Background())
	if err != nil {
		t.Fatalf("Pending() error = %v", err)
	}
	if pending != 1 {
		t.Errorf("Pending() = %d, want 1", pending)
	}
}

func TestSQLiteWriter_PendingAccumulatesAcrossWrites(t *testing.T) {
	w := newTestWriter(t)
	for i := 0; i < 3; i++ {
		rec := decision.Record{Timestamp: time.Now().UTC(), PrincipalID: "bob"}
		if err := w.WriteDropped(context.Background(), rec); err != nil {
			t.Fatalf("WriteDropped() error = %v", err)
		}
	}

	pending, err := w.Pending(context.Background())
	if err != nil {
		t.Fatalf("Pending() error = %v", err)
	}
	if pending != 3 {
		t.Errorf("Pending() = %d, want 3", pending)
	}
}

func TestSQLiteWriter_ReopenReusesExistingSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deadletter.db")
	w1, err := NewSQLiteWriter(path)
	if err != nil {
		t.Fatalf("NewSQLiteWriter() error = %v", err)
	}
	if err := w1.WriteDropped(context.Background(), decision.Record{Timestamp: time.Now().UTC()}); err != nil {
		t.Fatalf("WriteDropped() error = %v", err)
	}
	if err := w1.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	w2, err := NewSQLiteWriter(path)
	if err != nil {
		t.Fatalf("reopen NewSQLiteWriter() error = %v", err)
	}
	defer func() { _ = w2.Close() }()

	pending, err := w2.Pending(context.Background())
	if err != nil {
		t.Fatalf("Pending() error = %v", err)
	}
	if pending != 1 {
		t.Errorf("Pending() after reopen = %d, want 1", pending)
	}
}
