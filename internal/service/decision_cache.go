package service

import (
	"container/list"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/singleflight"

	"github.com/llm-dev-ops/policy-engine/internal/domain/evaluation"
	"github.com/llm-dev-ops/policy-engine/pkg/canonicaljson"
)

// CacheKey derives the cache key for one request: the canonical fingerprint
// of its context hashed together with the sorted policy-id set in play.
// Two spellings of the same context produce the same key; a different policy
// subset never collides with the full corpus.
func CacheKey(ctx evaluation.Context, sortedIDs []string) (uint64, error) {
	fp, err := canonicaljson.Fingerprint(map[string]any(ctx))
	if err != nil {
		return 0, err
	}
	h := xxhash.New()
	_, _ = io.WriteString(h, fp)
	_, _ = h.Write([]byte{0})
	for _, id := range sortedIDs {
		_, _ = io.WriteString(h, id)
		_, _ = h.Write([]byte{0})
	}
	return h.Sum64(), nil
}

// cacheEntry is one memoized decision. generation pins it to the corpus
// snapshot it was computed against.
type cacheEntry struct {
	key        uint64
	decision   *evaluation.Decision
	generation uint64
	expiresAt  time.Time
}

// CacheStats is a point-in-time view of cache effectiveness.
type CacheStats struct {
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	Entries int     `json:"entries"`
	HitRate float64 `json:"hit_rate"`
}

// DecisionCache memoizes engine decisions with TTL expiry and LRU eviction.
// Entries computed against an older corpus generation are treated as absent,
// so a policy mutation invalidates the whole cache without a scan. Concurrent
// lookups for the same key share one computation.
type DecisionCache struct {
	ttl        time.Duration
	maxEntries int

	mu      sync.Mutex
	entries map[uint64]*list.Element
	order   *list.List // front = most recently used

	group singleflight.Group

	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewDecisionCache builds a cache holding at most maxEntries decisions for at
// most ttl each. Non-positive arguments fall back to safe defaults.
func NewDecisionCache(ttl time.Duration, maxEntries int) *DecisionCache {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	if maxEntries <= 0 {
		maxEntries = 1024
	}
	return &DecisionCache{
		ttl:        ttl,
		maxEntries: maxEntries,
		entries:    make(map[uint64]*list.Element),
		order:      list.New(),
	}
}

// flightResult carries a computation out of the singleflight closure along
// with whether it was served from the cache rather than computed.
type flightResult struct {
	decision *evaluation.Decision
	fromHit  bool
}

// GetOrCompute returns the cached decision for key under the given corpus
// generation, computing and storing it on a miss. The boolean reports whether
// the caller was served without running compute: a cache hit, or a concurrent
// identical request whose computation this call piggybacked on. Returned
// decisions are clones; callers may mutate them freely.
func (c *DecisionCache) GetOrCompute(key uint64, generation uint64, compute func() *evaluation.Decision) (*evaluation.Decision, bool) {
	if d, ok := c.lookup(key, generation); ok {
		c.hits.Add(1)
		return d, true
	}
	c.misses.Add(1)

	ran := false
	v, _, _ := c.group.Do(strconv.FormatUint(key, 16), func() (any, error) {
		// A concurrent flight may have stored the entry between our
		// lookup and this closure running.
		if d, ok := c.lookup(key, generation); ok {
			return flightResult{decision: d, fromHit: true}, nil
		}
		ran = true
		d := compute()
		c.store(key, generation, d)
		return flightResult{decision: d.Clone(), fromHit: false}, nil
	})
	res := v.(flightResult)
	if ran {
		return res.decision, false
	}
	// Piggybacked on another caller's flight, or hit inside the closure.
	return res.decision.Clone(), true
}

// lookup returns a clone of the live entry for key, expiring it if stale.
func (c *DecisionCache) lookup(key uint64, generation uint64) (*evaluation.Decision, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	entry := el.Value.(*cacheEntry)
	if entry.generation != generation || time.Now().After(entry.expiresAt) {
		c.order.Remove(el)
		delete(c.entries, key)
		return nil, false
	}
	c.order.MoveToFront(el)
	return entry.decision.Clone(), true
}

func (c *DecisionCache) store(key uint64, generation uint64, d *evaluation.Decision) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		entry := el.Value.(*cacheEntry)
		entry.decision = d.Clone()
		entry.generation = generation
		entry.expiresAt = time.Now().Add(c.ttl)
		c.order.MoveToFront(el)
		return
	}

	for len(c.entries) >= c.maxEntries {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).key)
	}

	el := c.order.PushFront(&cacheEntry{
		key:        key,
		decision:   d.Clone(),
		generation: generation,
		expiresAt:  time.Now().Add(c.ttl),
	})
	c.entries[key] = el
}

// Invalidate drops every entry. Generation checks already hide stale entries;
// this reclaims their memory eagerly after a corpus reload.
func (c *DecisionCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[uint64]*list.Element)
	c.order.Init()
}

// Stats reports hit/miss counters and current occupancy.
func (c *DecisionCache) Stats() CacheStats {
	c.mu.Lock()
	entries := len(c.entries)
	c.mu.Unlock()

	hits := c.hits.Load()
	misses := c.misses.Load()
	s := CacheStats{Hits: hits, Misses: misses, Entries: entries}
	if total := hits + misses; total > 0 {
		s.HitRate = float64(hits) / float64(total)
	}
	return s
}
