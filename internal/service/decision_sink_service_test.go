package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mcp-guard/mcp-guard/internal/domain/decision"
)

// fakeStore is a minimal in-memory decision.Store recording every appended
// batch, guarded by a mutex since the worker goroutine calls Append
// concurrently with test assertions.
type fakeStore struct {
	mu      sync.Mutex
	records []decision.Record
	closed  bool
}

func (f *fakeStore) Append(_ context.Context, records ...decision.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, records...)
	return nil
}

func (f *fakeStore) Flush(context.Context) error { return nil }
func (f *fakeStore) Close() error                { f.closed = true; return nil }

func (f *fakeStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

func waitForCount(t *testing.T, store *fakeStore, want int, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if store.count() >= want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("store.count() = %d after %s, want >= %d", store.count(), timeout, want)
}

func TestDecisionSinkService_RecordFlushesOnBatchSize(t *testing.T) {
	store := &fakeStore{}
	sink := NewDecisionSinkService(store, silentLogger(),
		WithSinkBatchSize(2),
		WithSinkFlushInterval(time.Hour),
		WithSinkChannelSize(10),
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sink.Start(ctx)
	defer sink.Stop()

	sink.Record(decision.Record{PrincipalID: "alice"})
	sink.Record(decision.Record{PrincipalID: "bob"})

	waitForCount(t, store, 2, time.Second)
}

func TestDecisionSinkService_RecordFlushesOnTicker(t *testing.T) {
	store := &fakeStore{}
	sink := NewDecisionSinkService(store, silentLogger(),
		WithSinkBatchSize(1000),
		WithSinkFlushInterval(10*time.Millisecond),
		WithSinkChannelSize(10),
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sink.Start(ctx)
	defer sink.Stop()

	sink.Record(decision.Record{PrincipalID: "alice"})

	waitForCount(t, store, 1, time.Second)
}

func TestDecisionSinkService_StopFlushesPendingRecords(t *testing.T) {
	store := &fakeStore{}
	sink := NewDecisionSinkService(store, silentLogger(),
		WithSinkBatchSize(1000),
		WithSinkFlushInterval(time.Hour),
		WithSinkChannelSize(10),
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sink.Start(ctx)

	sink.Record(decision.Record{PrincipalID: "alice"})
	sink.Record(decision.Record{PrincipalID: "bob"})
	sink.Stop()

	if got := store.count(); got != 2 {
		t.Errorf("store.count() after Stop = %d, want 2", got)
	}
}

func TestDecisionSinkService_RecordDropsUnderBackpressure(t *testing.T) {
	store := &fakeStore{}
	sink := NewDecisionSinkService(store, silentLogger(),
		WithSinkBatchSize(1000),
		WithSinkFlushInterval(time.Hour),
		WithSinkChannelSize(1),
		WithSinkSendTimeout(0),
		WithSinkWarningThreshold(0),
		WithSinkAdaptiveFlushThreshold(0),
	)
	// Never started: the worker never drains recordChan, so the channel
	// fills and subsequent Records drop immediately (sendTimeout 0).
	sink.Record(decision.Record{PrincipalID: "alice"})
	sink.Record(decision.Record{PrincipalID: "bob"})
	sink.Record(decision.Record{PrincipalID: "carol"})

	if got := sink.DroppedRecords(); got < 1 {
		t.Errorf("DroppedRecords() = %d, want at least 1", got)
	}
	if got := sink.ChannelCapacity(); got != 1 {
		t.Errorf("ChannelCapacity() = %d, want 1", got)
	}

	close(sink.recordChan)
}

// fakeDeadLetter records every record spilled via recordDrop, guarded by a
// mutex since drops can race with test assertions.
type fakeDeadLetter struct {
	mu      sync.Mutex
	written []decision.Record
	err     error
}

func (f *fakeDeadLetter) WriteDropped(_ context.Context, rec decision.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.written = append(f.written, rec)
	return nil
}

func (f *fakeDeadLetter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.written)
}

func TestDecisionSinkService_DropSpillsToDeadLetter(t *testing.T) {
	store := &fakeStore{}
	dl := &fakeDeadLetter{}
	sink := NewDecisionSinkService(store, silentLogger(),
		WithSinkBatchSize(1000),
		WithSinkFlushInterval(time.Hour),
		WithSinkChannelSize(1),
		WithSinkSendTimeout(0),
		WithSinkDeadLetter(dl),
	)
	// Never started: the first Record fills the one-slot worker-less
	// channel, the second is dropped and should spill to the dead letter.
	sink.Record(decision.Record{PrincipalID: "alice"})
	sink.Record(decision.Record{PrincipalID: "bob"})

	if got := dl.count(); got != 1 {
		t.Errorf("dead letter count = %d, want 1", got)
	}

	close(sink.recordChan)
}

func TestDecisionSinkService_ChannelDepthReflectsBufferedRecords(t *testing.T) {
	store := &fakeStore{}
	sink := NewDecisionSinkService(store, silentLogger(),
		WithSinkBatchSize(1000),
		WithSinkFlushInterval(time.Hour),
		WithSinkChannelSize(10),
	)
	// Never started: Record should buffer without a worker draining it.
	sink.Record(decision.Record{PrincipalID: "alice"})

	if got := sink.ChannelDepth(); got != 1 {
		t.Errorf("ChannelDepth() = %d, want 1", got)
	}

	close(sink.recordChan)
}
