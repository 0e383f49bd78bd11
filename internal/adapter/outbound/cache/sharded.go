// Package cache implements the decision cache (C1, §4.1): a sharded,
// concurrent LRU with per-entry TTL and secondary indices for bounded-time
// invalidation by principal or policy version. The LRU bookkeeping mirrors
// the teacher's service.ResultCache (intrusive doubly-linked list behind a
// mutex); it is generalized here into one such list per shard, each shard
// independently locked so readers on different shards never contend, and
// extended with TTL expiry and the invalidation indices the teacher's
// single CEL-result cache did not need.
package cache

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	domaincache "github.com/mcp-guard/mcp-guard/internal/domain/cache"
	"github.com/mcp-guard/mcp-guard/internal/domain/authz"
	"github.com/mcp-guard/mcp-guard/internal/domain/fingerprint"
)

// defaultShardCount is used when Config.ShardCount is not positive. It is a
// power of two so shard selection is a cheap mask in principle, though we
// use modulo for clarity since it is not on anyone's critical-path budget.
const defaultShardCount = 16

// Config configures the sharded cache.
type Config struct {
	// Capacity is the total entry budget across all shards. Each shard gets
	// Capacity/ShardCount; total resident size is therefore within
	// ShardCount of Capacity in the worst case, matching the §8 eviction
	// bound ("≤ C × (1 + small constant)").
	Capacity int
	// ShardCount is the number of independent LRU shards. Defaults to 16.
	ShardCount int
}

// node is an intrusive doubly-linked list entry, one per cached decision.
type node struct {
	fp      fingerprint.Fingerprint
	entry   domaincache.Entry
	prev    *node
	next    *node
}

// shard is one independently-locked LRU partition.
type shard struct {
	mu       sync.Mutex
	entries  map[fingerprint.Fingerprint]*node
	head     *node // most recently used
	tail     *node // least recently used
	capacity int
}

// indexShard is one independently-locked partition of the principal/
// policy-version secondary indices, keyed by hashing the index key
// itself (not the fingerprint) so that Put/Invalidate for entries
// belonging to different principals contend only when two principal IDs
// happen to land in the same partition.
type indexShard struct {
	mu          sync.Mutex
	byPrincipal map[string]map[fingerprint.Fingerprint]struct{}
	byPolicyVer map[string]map[fingerprint.Fingerprint]struct{}
}

// Cache is the concrete sharded, TTL-aware LRU implementing
// domaincache.Cache. No reader blocks on a reader in a different shard;
// writers contend only within their own shard.
type Cache struct {
	shards []*shard

	// Secondary indices support InvalidateByPrincipal/PolicyVersion in
	// expected-O(k) time without scanning shards (§4.1 "invalidation
	// keys"). Each index maps a key to the set of fingerprints currently
	// tagged with it; entries are linked on insert and unlinked on
	// eviction/invalidation. The indices are themselves sharded by key
	// hash so that, like the entries map, writers contend only within
	// one partition rather than serializing behind one global lock.
	idxShards []*indexShard

	hits        counter
	misses      counter
	evictions   counter
	expirations counter
}

// counter is a uint64 guarded by its own mutex rather than by the shard's
// lock, since Stats() reads counters across shards.
type counter struct {
	v uint64
	mu sync.Mutex
}

func (c *counter) add(n uint64) {
	c.mu.Lock()
	c.v += n
	c.mu.Unlock()
}

func (c *counter) load() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.v
}

// New creates a sharded decision cache per Config, applying sane defaults.
func New(cfg Config) *Cache {
	shardCount := cfg.ShardCount
	if shardCount <= 0 {
		shardCount = defaultShardCount
	}
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = 10000
	}
	perShard := capacity / shardCount
	if perShard <= 0 {
		perShard = 1
	}

	c := &Cache{
		shards:    make([]*shard, shardCount),
		idxShards: make([]*indexShard, shardCount),
	}
	for i := range c.shards {
		c.shards[i] = &shard{
			entries:  make(map[fingerprint.Fingerprint]*node),
			capacity: perShard,
		}
	}
	for i := range c.idxShards {
		c.idxShards[i] = &indexShard{
			byPrincipal: make(map[string]map[fingerprint.Fingerprint]struct{}),
			byPolicyVer: make(map[string]map[fingerprint.Fingerprint]struct{}),
		}
	}
	return c
}

// shardFor deterministically selects a shard for a fingerprint using
// xxhash, the teacher's fast non-cryptographic hash (already used for its
// CEL result cache key), kept separate from the fingerprint's own
// collision-resistant SHA-256 derivation in the fingerprint package.
func (c *Cache) shardFor(fp fingerprint.Fingerprint) *shard {
	h := xxhash.Sum64(fp[:])
	return c.shards[h%uint64(len(c.shards))]
}

// idxShardFor selects an index partition for a principal ID or policy
// version string, independent of the entry-shard selection above.
func (c *Cache) idxShardFor(key string) *indexShard {
	h := xxhash.Sum64String(key)
	return c.idxShards[h%uint64(len(c.idxShards))]
}

// Get implements domaincache.Cache.
func (c *Cache) Get(fp fingerprint.Fingerprint) (domaincache.Entry, bool) {
	sh := c.shardFor(fp)
	now := time.Now()

	sh.mu.Lock()
	n, ok := sh.entries[fp]
	if !ok {
		sh.mu.Unlock()
		c.misses.add(1)
		return domaincache.Entry{}, false
	}
	if !n.entry.ExpiresAt.After(now) {
		sh.removeLocked(n)
		sh.mu.Unlock()
		c.unindexLocked(fp, n.entry.PrincipalID, n.entry.PolicyVersion)
		c.expirations.add(1)
		c.misses.add(1)
		return domaincache.Entry{}, false
	}

	n.entry.Hits++
	sh.moveToFrontLocked(n)
	entry := n.entry
	sh.mu.Unlock()

	c.hits.add(1)
	return entry, true
}

// Put implements domaincache.Cache.
func (c *Cache) Put(fp fingerprint.Fingerprint, decision authz.Decision, ttl time.Duration, principalID, policyVersion string) {
	now := time.Now()
	entry := domaincache.Entry{
		Fingerprint:   fp,
		Decision:      decision,
		InsertedAt:    now,
		ExpiresAt:     now.Add(ttl),
		PrincipalID:   principalID,
		PolicyVersion: policyVersion,
	}

	sh := c.shardFor(fp)
	sh.mu.Lock()
	if existing, ok := sh.entries[fp]; ok {
		sh.removeLocked(existing)
	}

	var evictedFP fingerprint.Fingerprint
	var evictedPrincipal, evictedPolicyVer string
	evicted := false
	if len(sh.entries) >= sh.capacity && sh.tail != nil {
		victim := sh.tail
		evictedFP = victim.fp
		evictedPrincipal = victim.entry.PrincipalID
		evictedPolicyVer = victim.entry.PolicyVersion
		evicted = true
		sh.removeLocked(victim)
	}

	n := &node{fp: fp, entry: entry}
	sh.entries[fp] = n
	sh.pushFrontLocked(n)
	sh.mu.Unlock()

	if evicted {
		c.unindexLocked(evictedFP, evictedPrincipal, evictedPolicyVer)
		c.evictions.add(1)
	}
	c.indexLocked(fp, principalID, policyVersion)
}

// Invalidate implements domaincache.Cache.
func (c *Cache) Invalidate(fp fingerprint.Fingerprint) {
	sh := c.shardFor(fp)
	sh.mu.Lock()
	n, ok := sh.entries[fp]
	if !ok {
		sh.mu.Unlock()
		return
	}
	sh.removeLocked(n)
	principalID, policyVersion := n.entry.PrincipalID, n.entry.PolicyVersion
	sh.mu.Unlock()

	c.unindexLocked(fp, principalID, policyVersion)
}

// InvalidateByPrincipal implements domaincache.Cache.
func (c *Cache) InvalidateByPrincipal(principalID string) {
	idx := c.idxShardFor(principalID)
	idx.mu.Lock()
	fps := make([]fingerprint.Fingerprint, 0, len(idx.byPrincipal[principalID]))
	for fp := range idx.byPrincipal[principalID] {
		fps = append(fps, fp)
	}
	idx.mu.Unlock()

	for _, fp := range fps {
		c.Invalidate(fp)
	}
}

// InvalidateByPolicyVersion implements domaincache.Cache.
func (c *Cache) InvalidateByPolicyVersion(policyVersion string) {
	idx := c.idxShardFor(policyVersion)
	idx.mu.Lock()
	fps := make([]fingerprint.Fingerprint, 0, len(idx.byPolicyVer[policyVersion]))
	for fp := range idx.byPolicyVer[policyVersion] {
		fps = append(fps, fp)
	}
	idx.mu.Unlock()

	for _, fp := range fps {
		c.Invalidate(fp)
	}
}

// InvalidateMatching implements domaincache.Cache. It walks the principal
// index partition by partition (every entry belongs to exactly one
// principal), evaluating pred against each (principalID, policyVersion)
// pair it encounters.
func (c *Cache) InvalidateMatching(pred domaincache.MatchPredicate) {
	type hit struct {
		fp          fingerprint.Fingerprint
		principalID string
	}
	var hits []hit
	for _, idx := range c.idxShards {
		idx.mu.Lock()
		for principalID, set := range idx.byPrincipal {
			for fp := range set {
				hits = append(hits, hit{fp: fp, principalID: principalID})
			}
		}
		idx.mu.Unlock()
	}

	for _, h := range hits {
		sh := c.shardFor(h.fp)
		sh.mu.Lock()
		n, ok := sh.entries[h.fp]
		var policyVersion string
		if ok {
			policyVersion = n.entry.PolicyVersion
		}
		sh.mu.Unlock()
		if ok && pred(h.principalID, policyVersion) {
			c.Invalidate(h.fp)
		}
	}
}

// SweepExpired implements domaincache.Cache.
func (c *Cache) SweepExpired() {
	now := time.Now()
	for _, sh := range c.shards {
		sh.mu.Lock()
		var expired []*node
		for n := sh.tail; n != nil; n = n.prev {
			if !n.entry.ExpiresAt.After(now) {
				expired = append(expired, n)
			}
		}
		for _, n := range expired {
			sh.removeLocked(n)
		}
		sh.mu.Unlock()

		for _, n := range expired {
			c.unindexLocked(n.fp, n.entry.PrincipalID, n.entry.PolicyVersion)
			c.expirations.add(1)
		}
	}
}

// BulkFlush implements domaincache.Cache.
func (c *Cache) BulkFlush() {
	for _, sh := range c.shards {
		sh.mu.Lock()
		sh.entries = make(map[fingerprint.Fingerprint]*node)
		sh.head, sh.tail = nil, nil
		sh.mu.Unlock()
	}
	for _, idx := range c.idxShards {
		idx.mu.Lock()
		idx.byPrincipal = make(map[string]map[fingerprint.Fingerprint]struct{})
		idx.byPolicyVer = make(map[string]map[fingerprint.Fingerprint]struct{})
		idx.mu.Unlock()
	}
}

// Stats implements domaincache.Cache.
func (c *Cache) Stats() domaincache.Stats {
	size := 0
	capacity := 0
	for _, sh := range c.shards {
		sh.mu.Lock()
		size += len(sh.entries)
		capacity += sh.capacity
		sh.mu.Unlock()
	}
	return domaincache.Stats{
		Size:        size,
		Capacity:    capacity,
		Hits:        c.hits.load(),
		Misses:      c.misses.load(),
		Evictions:   c.evictions.load(),
		Expirations: c.expirations.load(),
		ShardCount:  len(c.shards),
	}
}

// indexLocked tags fp under principalID and policyVersion. The two keys
// may land in different index partitions, so each is locked
// independently rather than under one shared critical section.
func (c *Cache) indexLocked(fp fingerprint.Fingerprint, principalID, policyVersion string) {
	if principalID != "" {
		idx := c.idxShardFor(principalID)
		idx.mu.Lock()
		set, ok := idx.byPrincipal[principalID]
		if !ok {
			set = make(map[fingerprint.Fingerprint]struct{})
			idx.byPrincipal[principalID] = set
		}
		set[fp] = struct{}{}
		idx.mu.Unlock()
	}
	if policyVersion != "" {
		idx := c.idxShardFor(policyVersion)
		idx.mu.Lock()
		set, ok := idx.byPolicyVer[policyVersion]
		if !ok {
			set = make(map[fingerprint.Fingerprint]struct{})
			idx.byPolicyVer[policyVersion] = set
		}
		set[fp] = struct{}{}
		idx.mu.Unlock()
	}
}

func (c *Cache) unindexLocked(fp fingerprint.Fingerprint, principalID, policyVersion string) {
	if principalID != "" {
		idx := c.idxShardFor(principalID)
		idx.mu.Lock()
		if set, ok := idx.byPrincipal[principalID]; ok {
			delete(set, fp)
			if len(set) == 0 {
				delete(idx.byPrincipal, principalID)
			}
		}
		idx.mu.Unlock()
	}
	if policyVersion != "" {
		idx := c.idxShardFor(policyVersion)
		idx.mu.Lock()
		if set, ok := idx.byPolicyVer[policyVersion]; ok {
			delete(set, fp)
			if len(set) == 0 {
				delete(idx.byPolicyVer, policyVersion)
			}
		}
		idx.mu.Unlock()
	}
}

// removeLocked unlinks n from its shard's list and map. Must be called
// with sh.mu held.
func (sh *shard) removeLocked(n *node) {
	delete(sh.entries, n.fp)
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		sh.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		sh.tail = n.prev
	}
	n.prev, n.next = nil, nil
}

// pushFrontLocked inserts n at the head (most recently used). Must be
// called with sh.mu held.
func (sh *shard) pushFrontLocked(n *node) {
	n.prev = nil
	n.next = sh.head
	if sh.head != nil {
		sh.head.prev = n
	}
	sh.head = n
	if sh.tail == nil {
		sh.tail = n
	}
}

// moveToFrontLocked promotes an existing node to the head. Must be called
// with sh.mu held.
func (sh *shard) moveToFrontLocked(n *node) {
	if sh.head == n {
		return
	}
	sh.removeLocked(n)
	sh.pushFrontLocked(n)
}

// Compile-time interface verification.
var _ domaincache.Cache = (*Cache)(nil)
