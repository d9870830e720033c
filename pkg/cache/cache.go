// Package cache keeps recently served query results so a repeated read can be
// answered without another server round trip. Every goroutine owns a fixed
// number of slots, so one caller's churn never evicts another caller's rows.
package cache

import (
	"encoding/binary"
	"hash/fnv"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jabrown93/plex-postgresql/pkg/cache/deepcopy"
	"github.com/jabrown93/plex-postgresql/pkg/thread"
)

const (
	// DefaultTTL is how long a stored result stays servable.
	DefaultTTL = time.Second

	shardSlots = 64      // cached results per goroutine
	maxRows    = 256     // results taller than this are not cached
	maxBytes   = 1 << 20 // total cell payload cap per result

	nullParamTag = 0xDEADBEEF // stands in for a NULL parameter in the fingerprint
)

// Column describes a single projection column as the server reported it.
type Column struct {
	Name     string
	TypeName string
}

// Cell holds one value of a materialized row. Data is the server's text
// rendering unless Binary is set, in which case it is the raw byte payload.
type Cell struct {
	Null   bool
	Binary bool
	Data   []byte
}

// Result is a fully materialized query result. Statements walk it row by row;
// when it came out of the cache the same instance may back several statements
// at once, each holding a reference.
type Result struct {
	Cols []Column
	Rows [][]Cell

	key    uint64
	cached bool
	refs   atomic.Int32
}

// Release drops the caller's reference on a shared result. Results that were
// never stored ignore the call.
func (r *Result) Release() {
	if r == nil || !r.cached {
		return
	}
	if n := r.refs.Add(-1); n < 0 {
		r.refs.Store(0)
		log.Printf("[WARN] cache result released more times than acquired, key %x", r.key)
	}
}

// Stats counts cache activity.
type Stats struct {
	Hits   uint64
	Misses uint64
	Stores uint64
	Skips  uint64
}

func (s *Stats) add(o Stats) {
	s.Hits += o.Hits
	s.Misses += o.Misses
	s.Stores += o.Stores
	s.Skips += o.Skips
}

type entry struct {
	used    bool
	key     uint64
	res     *Result
	created time.Time
	lastUse uint64
}

type shard struct {
	mu    sync.Mutex
	tick  uint64
	slots [shardSlots]entry
	stats Stats
}

// Cache is the process-wide registry of per-goroutine result shards.
type Cache struct {
	ttl time.Duration

	mu      sync.RWMutex
	shards  map[uint64]*shard
	retired Stats // counters folded in from shards dropped by Sweep
}

// New makes a cache with the given time-to-live for stored results.
// Zero or negative ttl selects DefaultTTL.
func New(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{ttl: ttl, shards: map[uint64]*shard{}}
}

// Fingerprint derives the lookup key for a bound statement. The key covers
// the normalized statement text and every parameter value, each one
// length-prefixed so adjacent values can't alias each other. A nil parameter
// stands for NULL and hashes a fixed tag instead of bytes.
func Fingerprint(sql string, params [][]byte) uint64 {
	h := fnv.New64a()
	_, _ = io.WriteString(h, sql)
	var pfx [4]byte
	for _, p := range params {
		if p == nil {
			binary.LittleEndian.PutUint32(pfx[:], nullParamTag)
			_, _ = h.Write(pfx[:])
			continue
		}
		binary.LittleEndian.PutUint32(pfx[:], uint32(len(p)))
		_, _ = h.Write(pfx[:])
		_, _ = h.Write(p)
	}
	return h.Sum64()
}

// Lookup returns the result the calling goroutine stored under key, or nil on
// a miss or after expiry. A hit takes a reference the caller must Release.
func (c *Cache) Lookup(key uint64) *Result {
	s := c.shard(thread.ID())
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tick++
	for i := range s.slots {
		e := &s.slots[i]
		if !e.used || e.key != key {
			continue
		}
		if time.Since(e.created) > c.ttl {
			if e.res.refs.Load() == 0 {
				s.slots[i] = entry{}
			}
			break
		}
		e.lastUse = s.tick
		e.res.refs.Add(1)
		s.stats.Hits++
		return e.res
	}
	s.stats.Misses++
	return nil
}

// Store caches a deep copy of res under key for the calling goroutine, so the
// cached rows outlive the statement that produced them. Empty and oversized
// results are skipped. When every slot is full, the least recently used
// unreferenced entry makes room; if all entries are still referenced the
// store is skipped too.
func (c *Cache) Store(key uint64, res *Result) {
	s := c.shard(thread.ID())
	s.mu.Lock()
	defer s.mu.Unlock()

	if res == nil || len(res.Rows) == 0 || len(res.Rows) > maxRows || payloadSize(res) > maxBytes {
		s.stats.Skips++
		return
	}

	free, dup, victim := -1, -1, -1
	for i := range s.slots {
		e := &s.slots[i]
		if !e.used {
			if free == -1 {
				free = i
			}
			continue
		}
		if e.key == key {
			dup = i
			break
		}
		if e.res.refs.Load() == 0 && (victim == -1 || e.lastUse < s.slots[victim].lastUse) {
			victim = i
		}
	}

	slot := free
	if dup != -1 {
		if s.slots[dup].res.refs.Load() != 0 { // old rows still being read somewhere
			s.stats.Skips++
			return
		}
		slot = dup
	} else if slot == -1 {
		slot = victim
	}
	if slot == -1 { // full, every entry referenced
		s.stats.Skips++
		return
	}

	s.tick++
	s.slots[slot] = entry{
		used:    true,
		key:     key,
		res:     copyResult(key, res),
		created: time.Now(),
		lastUse: s.tick,
	}
	s.stats.Stores++
}

// Invalidate drops the calling goroutine's entry for key. An entry still
// referenced by a statement is aged out instead, so its readers keep their
// rows until they release them.
func (c *Cache) Invalidate(key uint64) {
	s := c.shard(thread.ID())
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.slots {
		e := &s.slots[i]
		if !e.used || e.key != key {
			continue
		}
		if e.res.refs.Load() == 0 {
			s.slots[i] = entry{}
		} else {
			e.created = time.Time{}
		}
		return
	}
}

// Stats sums counters over live shards and shards already retired by Sweep.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := c.retired
	for _, s := range c.shards {
		s.mu.Lock()
		out.add(s.stats)
		s.mu.Unlock()
	}
	return out
}

// Sweep clears expired unreferenced entries in every shard and forgets
// goroutines whose shard went completely empty. The connection reaper drives
// it on its interval; an idle goroutine's shard comes back on its next use.
func (c *Cache) Sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for gid, s := range c.shards {
		s.mu.Lock()
		empty := true
		for i := range s.slots {
			e := &s.slots[i]
			if !e.used {
				continue
			}
			if time.Since(e.created) > c.ttl && e.res.refs.Load() == 0 {
				s.slots[i] = entry{}
				continue
			}
			empty = false
		}
		if empty {
			c.retired.add(s.stats)
			delete(c.shards, gid)
			if s.stats.Hits+s.stats.Misses > 0 {
				log.Printf("[DEBUG] cache shard for goroutine %d retired, hits: %d, misses: %d, stores: %d",
					gid, s.stats.Hits, s.stats.Misses, s.stats.Stores)
			}
		}
		s.mu.Unlock()
	}
}

// ResetAfterFork drops every shard and every counter. Entries inherited from
// the parent belong to its goroutines; the child starts cold.
func (c *Cache) ResetAfterFork() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shards = map[uint64]*shard{}
	c.retired = Stats{}
}

// Close empties the cache and logs the lifetime counters.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.retired
	for gid, s := range c.shards {
		s.mu.Lock()
		total.add(s.stats)
		s.mu.Unlock()
		delete(c.shards, gid)
	}
	c.retired = total

	ratio := 0.0
	if total.Hits+total.Misses > 0 {
		ratio = float64(total.Hits) / float64(total.Hits+total.Misses)
	}
	log.Printf("[INFO] result cache closed, hits: %d, misses: %d, stores: %d, skips: %d, hit ratio: %.2f",
		total.Hits, total.Misses, total.Stores, total.Skips, ratio)
}

func (c *Cache) shard(gid uint64) *shard {
	c.mu.RLock()
	s, ok := c.shards[gid]
	c.mu.RUnlock()
	if ok {
		return s
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok = c.shards[gid]; ok {
		return s
	}
	s = &shard{}
	c.shards[gid] = s
	return s
}

// copyResult clones columns and rows so the cached copy is independent of the
// statement's own buffers.
func copyResult(key uint64, res *Result) *Result {
	cp := &Result{key: key, cached: true}
	if res.Cols != nil {
		cp.Cols = deepcopy.Copy(res.Cols).([]Column)
	}
	if res.Rows != nil {
		cp.Rows = deepcopy.Copy(res.Rows).([][]Cell)
	}
	return cp
}

func payloadSize(res *Result) int {
	n := 0
	for _, row := range res.Rows {
		for _, c := range row {
			n += len(c.Data)
		}
	}
	return n
}
