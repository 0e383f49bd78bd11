package http

import (
	"context"
	"testing"
	"time"

	"github.com/mcp-guard/mcp-guard/internal/domain/authz"
)

func TestTransport_StartAndShutdown(t *testing.T) {
	fc := &fakeCoordinator{decision: authz.Decision{Allow: true, EvaluatedAt: time.Now().UTC()}}
	tr := NewTransport(fc, nil, WithAddr("127.0.0.1:0"), WithLogger(discardLogger()))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- tr.Start(ctx) }()

	// Give the server a moment to bind, then request shutdown.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Start returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("transport did not shut down in time")
	}
}

func TestTransport_CloseBeforeStartIsNoOp(t *testing.T) {
	fc := &fakeCoordinator{}
	tr := NewTransport(fc, nil, WithLogger(discardLogger()))

	if err := tr.Close(); err != nil {
		t.Errorf("Close() before Start() = %v, want nil", err)
	}
}
