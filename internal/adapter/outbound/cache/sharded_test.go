package cache

import (
	"sync"
	"testing"
	"time"

	"github.com/mcp-guard/mcp-guard/internal/domain/authz"
	"github.com/mcp-guard/mcp-guard/internal/domain/fingerprint"
)

func fp(b byte) fingerprint.Fingerprint {
	var f fingerprint.Fingerprint
	f[0] = b
	return f
}

func allowDecision() authz.Decision {
	return authz.Decision{Allow: true, Reason: "ok", EvaluatedAt: time.Now().UTC()}
}

func TestCache_PutGetRoundTrip(t *testing.T) {
	c := New(Config{Capacity: 100, ShardCount: 4})

	key := fp(1)
	c.Put(key, allowDecision(), time.Minute, "alice", "v1")

	entry, ok := c.Get(key)
	if !ok {
		t.Fatal("expected hit after Put")
	}
	if !entry.Decision.Allow {
		t.Error("expected cached decision to allow")
	}
	if entry.PrincipalID != "alice" || entry.PolicyVersion != "v1" {
		t.Errorf("entry metadata = %+v", entry)
	}
}

func TestCache_GetMiss(t *testing.T) {
	c := New(Config{Capacity: 100, ShardCount: 4})
	if _, ok := c.Get(fp(1)); ok {
		t.Error("expected miss on empty cache")
	}
}

func TestCache_ExpiredEntryIsMissOnGet(t *testing.T) {
	c := New(Config{Capacity: 100, ShardCount: 4})
	key := fp(1)
	c.Put(key, allowDecision(), time.Nanosecond, "alice", "v1")
	time.Sleep(time.Millisecond)

	if _, ok := c.Get(key); ok {
		t.Error("expected expired entry to miss")
	}
}

func TestCache_SweepExpiredRemovesStaleEntries(t *testing.T) {
	c := New(Config{Capacity: 100, ShardCount: 1})
	c.Put(fp(1), allowDecision(), time.Nanosecond, "alice", "v1")
	c.Put(fp(2), allowDecision(), time.Hour, "bob", "v1")
	time.Sleep(time.Millisecond)

	c.SweepExpired()

	stats := c.Stats()
	if stats.Size != 1 {
		t.Errorf("Size after sweep = %d, want 1", stats.Size)
	}
}

func TestCache_InvalidateRemovesSingleEntry(t *testing.T) {
	c := New(Config{Capacity: 100, ShardCount: 4})
	key := fp(1)
	c.Put(key, allowDecision(), time.Minute, "alice", "v1")

	c.Invalidate(key)

	if _, ok := c.Get(key); ok {
		t.Error("expected invalidated entry to miss")
	}
}

func TestCache_InvalidateByPrincipal(t *testing.T) {
	c := New(Config{Capacity: 100, ShardCount: 4})
	c.Put(fp(1), allowDecision(), time.Minute, "alice", "v1")
	c.Put(fp(2), allowDecision(), time.Minute, "alice", "v1")
	c.Put(fp(3), allowDecision(), time.Minute, "bob", "v1")

	c.InvalidateByPrincipal("alice")

	if _, ok := c.Get(fp(1)); ok {
		t.Error("alice's first entry should be invalidated")
	}
	if _, ok := c.Get(fp(2)); ok {
		t.Error("alice's second entry should be invalidated")
	}
	if _, ok := c.Get(fp(3)); !ok {
		t.Error("bob's entry should be unaffected")
	}
}

func TestCache_InvalidateByPolicyVersion(t *testing.T) {
	c := New(Config{Capacity: 100, ShardCount: 4})
	c.Put(fp(1), allowDecision(), time.Minute, "alice", "v1")
	c.Put(fp(2), allowDecision(), time.Minute, "bob", "v2")

	c.InvalidateByPolicyVersion("v1")

	if _, ok := c.Get(fp(1)); ok {
		t.Error("v1-tagged entry should be invalidated")
	}
	if _, ok := c.Get(fp(2)); !ok {
		t.Error("v2-tagged entry should be unaffected")
	}
}

func TestCache_InvalidateMatching(t *testing.T) {
	c := New(Config{Capacity: 100, ShardCount: 4})
	c.Put(fp(1), allowDecision(), time.Minute, "alice", "v1")
	c.Put(fp(2), allowDecision(), time.Minute, "bob", "v1")

	c.InvalidateMatching(func(principalID, policyVersion string) bool {
		return principalID == "alice"
	})

	if _, ok := c.Get(fp(1)); ok {
		t.Error("matching entry should be invalidated")
	}
	if _, ok := c.Get(fp(2)); !ok {
		t.Error("non-matching entry should be unaffected")
	}
}

func TestCache_BulkFlush(t *testing.T) {
	c := New(Config{Capacity: 100, ShardCount: 4})
	c.Put(fp(1), allowDecision(), time.Minute, "alice", "v1")
	c.Put(fp(2), allowDecision(), time.Minute, "bob", "v1")

	c.BulkFlush()

	if stats := c.Stats(); stats.Size != 0 {
		t.Errorf("Size after BulkFlush = %d, want 0", stats.Size)
	}
}

func TestCache_EvictsLeastRecentlyUsedAtCapacity(t *testing.T) {
	c := New(Config{Capacity: 2, ShardCount: 1})
	c.Put(fp(1), allowDecision(), time.Minute, "alice", "v1")
	c.Put(fp(2), allowDecision(), time.Minute, "alice", "v1")

	// Touch fp(1) so fp(2) becomes the LRU victim.
	c.Get(fp(1))
	c.Put(fp(3), allowDecision(), time.Minute, "alice", "v1")

	if _, ok := c.Get(fp(2)); ok {
		t.Error("expected fp(2) to be evicted as least recently used")
	}
	if _, ok := c.Get(fp(1)); !ok {
		t.Error("expected fp(1) to survive (recently touched)")
	}
	if _, ok := c.Get(fp(3)); !ok {
		t.Error("expected fp(3) to be present (just inserted)")
	}
}

func TestCache_StatsTracksHitsAndMisses(t *testing.T) {
	c := New(Config{Capacity: 100, ShardCount: 4})
	c.Put(fp(1), allowDecision(), time.Minute, "alice", "v1")

	c.Get(fp(1))
	c.Get(fp(2))

	stats := c.Stats()
	if stats.Hits != 1 {
		t.Errorf("Hits = %d, want 1", stats.Hits)
	}
	if stats.Misses != 1 {
		t.Errorf("Misses = %d, want 1", stats.Misses)
	}
}

func TestCache_ConcurrentPutGetIsRaceFree(t *testing.T) {
	c := New(Config{Capacity: 1000, ShardCount: 8})
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fp(byte(i % 256))
			c.Put(key, allowDecision(), time.Minute, "alice", "v1")
			c.Get(key)
		}(i)
	}
	wg.Wait()
}
