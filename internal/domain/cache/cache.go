// Package cache defines the decision cache contract (C1, §4.1). The
// interface lives in the domain package, matching the teacher's
// policy.PolicyEngine / policy.PolicyStore pattern: callers depend on this
// interface, never on the concrete sharded implementation.
package cache

import (
	"time"

	"github.com/mcp-guard/mcp-guard/internal/domain/authz"
	"github.com/mcp-guard/mcp-guard/internal/domain/fingerprint"
)

// Entry is a single cached decision. Apart from its Hits counter, an entry
// is not mutated after insertion; a refresh re-inserts a new entry and
// drops the old one.
type Entry struct {
	Fingerprint fingerprint.Fingerprint
	Decision    authz.Decision
	InsertedAt  time.Time
	ExpiresAt   time.Time
	// Hits is a monotonically increasing per-entry counter, incremented on
	// every live Get. It is read as a snapshot; callers must not assume
	// strict linearizability across concurrent readers.
	Hits uint64

	// PrincipalID and PolicyVersion are carried alongside the entry so the
	// secondary invalidation indices (§4.1 "invalidation keys") can be
	// rebuilt without re-deriving them from the original input.
	PrincipalID   string
	PolicyVersion string
}

// Stats is a point-in-time snapshot of cache counters (§6 cache statistics
// interface).
type Stats struct {
	Size        int
	Capacity    int
	Hits        uint64
	Misses      uint64
	Evictions   uint64
	Expirations uint64
	ShardCount  int
}

// MatchPredicate decides whether a cached entry should be invalidated by
// InvalidateMatching. It only inspects the parts of an entry that are
// cheap to compare (principal, policy version) — never the decision
// payload itself, keeping invalidation sweeps O(k) in affected entries.
type MatchPredicate func(principalID, policyVersion string) bool

// Cache is the decision cache contract. All operations are safe for
// concurrent use; none ever block (§5) and none ever return an error — the
// cache fails closed internally by evicting aggressively rather than
// surfacing an error to callers (§4.1 "Failure semantics").
type Cache interface {
	// Get returns the live entry for fp, or (Entry{}, false) if absent or
	// expired. Updates LRU recency and the entry's hit counter.
	Get(fp fingerprint.Fingerprint) (Entry, bool)

	// Put inserts or replaces the entry for fp with the given decision and
	// TTL, evicting the shard's least-recently-used entry if at capacity.
	Put(fp fingerprint.Fingerprint, decision authz.Decision, ttl time.Duration, principalID, policyVersion string)

	// Invalidate removes one entry. No-op if absent.
	Invalidate(fp fingerprint.Fingerprint)

	// InvalidateByPrincipal removes all entries for a principal ID in
	// expected-O(k) time via the secondary index, not a capacity scan.
	InvalidateByPrincipal(principalID string)

	// InvalidateByPolicyVersion removes all entries tagged with the given
	// policy version in expected-O(k) time.
	InvalidateByPolicyVersion(policyVersion string)

	// InvalidateMatching removes all entries whose (principalID,
	// policyVersion) satisfy pred. Used for composite invalidation rules
	// that the two index-backed methods above cannot express directly.
	InvalidateMatching(pred MatchPredicate)

	// SweepExpired removes entries whose TTL has elapsed. Safe to call
	// concurrently with Get/Put. Get does not call it; Get only drops the
	// expired entry it looks up.
	SweepExpired()

	// BulkFlush drops every entry. Rarely used (e.g. disaster recovery).
	BulkFlush()

	// Stats returns a snapshot of cache counters.
	Stats() Stats
}
